package discovery

import "strings"

// ldapMatcher implements the WS-Discovery "ldap" scope matching algorithm:
// an RFC 3986 URI-prefix comparison on whole path segments, case-insensitive
// over the entire URI. This is the default matcher.
type ldapMatcher struct{}

func (ldapMatcher) Matches(probeScopes, deviceScopes []string) bool {
	if len(probeScopes) == 0 {
		return true
	}
	for _, want := range probeScopes {
		if !matchesAnyPrefix(want, deviceScopes) {
			return false
		}
	}
	return true
}

func matchesAnyPrefix(want string, have []string) bool {
	wantLower := strings.ToLower(want)
	for _, h := range have {
		hLower := strings.ToLower(h)
		if hLower == wantLower || strings.HasPrefix(hLower, wantLower+"/") {
			return true
		}
	}
	return false
}

// strcmp0Matcher implements the WS-Discovery "strcmp0" algorithm: byte-exact
// comparison, case-sensitive, no prefix matching.
type strcmp0Matcher struct{}

func (strcmp0Matcher) Matches(probeScopes, deviceScopes []string) bool {
	if len(probeScopes) == 0 {
		return true
	}
	have := make(map[string]bool, len(deviceScopes))
	for _, h := range deviceScopes {
		have[h] = true
	}
	for _, want := range probeScopes {
		if !have[want] {
			return false
		}
	}
	return true
}

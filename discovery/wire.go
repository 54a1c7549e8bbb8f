package discovery

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sdcgo/sdc11073/qname"
)

// wireMessage is the SOAP-over-UDP envelope shape for WS-Discovery messages,
// trimmed to the fields this module reads/writes. Full SOAP envelope
// construction for request/response operations lives in package soap; this
// is deliberately self-contained because discovery messages are UDP
// datagrams, not HTTP request/response bodies.
type wireMessage struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  struct {
		Action    string `xml:"Action"`
		MessageID string `xml:"MessageID"`
		RelatesTo string `xml:"RelatesTo,omitempty"`
	} `xml:"Header"`
	Body struct {
		EprAddress      string `xml:"EprAddress,omitempty"`
		Types           string `xml:"Types,omitempty"`
		Scopes          string `xml:"Scopes,omitempty"`
		XAddrs          string `xml:"XAddrs,omitempty"`
		MetadataVersion uint64 `xml:"MetadataVersion,omitempty"`
	} `xml:"Body"`
}

var actionToType = map[string]string{
	qname.ActionHello:          "Hello",
	qname.ActionBye:            "Bye",
	qname.ActionProbe:          "Probe",
	qname.ActionProbeMatches:   "ProbeMatches",
	qname.ActionResolve:        "Resolve",
	qname.ActionResolveMatches: "ResolveMatches",
}

var typeToAction = func() map[string]string {
	out := make(map[string]string, len(actionToType))
	for action, t := range actionToType {
		out[t] = action
	}
	return out
}()

func newMessageID() string {
	return "urn:uuid:" + uuid.NewString()
}

func encodeMessage(msg Message) []byte {
	action, ok := typeToAction[msg.Type]
	if !ok {
		action = msg.Type
	}
	w := wireMessage{}
	w.Header.Action = action
	w.Header.MessageID = msg.MessageID
	if w.Header.MessageID == "" {
		w.Header.MessageID = newMessageID()
	}
	w.Header.RelatesTo = msg.RelatesTo
	w.Body.EprAddress = msg.EprAddress
	w.Body.Types = strings.Join(msg.Types, " ")
	w.Body.Scopes = strings.Join(msg.Scopes, " ")
	w.Body.XAddrs = strings.Join(msg.XAddrs, " ")
	w.Body.MetadataVersion = msg.MetadataVersion

	raw, err := xml.Marshal(w)
	if err != nil {
		// A malformed in-process Message can never fail to marshal these
		// plain string fields; treat it as a programming error made visible.
		panic(fmt.Sprintf("discovery: failed to encode message: %v", err))
	}
	return raw
}

func decodeMessage(raw []byte) (Message, error) {
	var w wireMessage
	if err := xml.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("discovery: decoding message: %w", err)
	}
	msgType, ok := actionToType[w.Header.Action]
	if !ok {
		return Message{}, fmt.Errorf("discovery: unrecognized action %q", w.Header.Action)
	}
	return Message{
		Type:            msgType,
		EprAddress:      w.Body.EprAddress,
		Scopes:          splitNonEmpty(w.Body.Scopes),
		Types:           splitNonEmpty(w.Body.Types),
		XAddrs:          splitNonEmpty(w.Body.XAddrs),
		MetadataVersion: w.Body.MetadataVersion,
		RelatesTo:       w.Header.RelatesTo,
		MessageID:       w.Header.MessageID,
	}, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

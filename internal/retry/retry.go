// Package retry implements the single-retry policy for idempotent SOAP
// calls. It is deliberately narrow: exactly one retry, backed by a short
// exponential backoff so a momentarily busy peer gets a brief grace period
// instead of an immediate hammering second attempt.
package retry

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// Idempotent runs fn, and on error retries it exactly once after a short
// backoff. Use only for requests the protocol allows to be repeated safely
// (GetMdib, Subscribe, Renew) -- never for operation invocations, which are
// not idempotent once a provider has started acting on them.
func Idempotent(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	return backoff.Retry(fn, b)
}

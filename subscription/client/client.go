// Package client implements the consumer-side WS-Eventing subscription
// client: issuing Subscribe against a provider, renewing
// on a schedule, and recovering from an "unknown subscription" fault by
// resubscribing and reporting the resulting gap to the report processor.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/internal/retry"
)

// ErrUnknownSubscription is returned by a Transport when the provider no
// longer recognizes the subscription id (it expired or the provider
// restarted).
var ErrUnknownSubscription = fmt.Errorf("client: unknown subscription")

// SubscribeResult is what a provider grants for one Subscribe call.
type SubscribeResult struct {
	ID      string
	Expires time.Time
}

// Transport is the wire operations a subscription depends on. This module
// ships no implementation; the caller of New supplies one.
type Transport interface {
	Subscribe(ctx context.Context, actions []string, duration time.Duration) (SubscribeResult, error)
	Renew(ctx context.Context, id string, duration time.Duration) (time.Time, error)
	Unsubscribe(ctx context.Context, id string) error
}

// GapHandler is invoked when a resubscribe follows a fault, so the caller's
// report processor knows it may have missed reports and should rebootstrap.
type GapHandler func()

// Subscription is one consumer-held, auto-renewing subscription.
type Subscription struct {
	cfg       config.ConsumerConfig
	transport Transport
	actions   []string
	duration  time.Duration
	onGap     GapHandler
	logger    logging.Logger

	id      string
	expires time.Time

	stop chan struct{}
}

// New creates and immediately issues a subscription for actions, with the
// requested duration.
func New(ctx context.Context, cfg config.ConsumerConfig, transport Transport, actions []string, duration time.Duration, onGap GapHandler, logger logging.Logger) (*Subscription, error) {
	s := &Subscription{
		cfg:       cfg,
		transport: transport,
		actions:   actions,
		duration:  duration,
		onGap:     onGap,
		logger:    logging.OrDefault(logger),
		stop:      make(chan struct{}),
	}
	if err := s.subscribe(ctx); err != nil {
		return nil, err
	}
	logging.SafeGo(s.logger, "subscription-renewer", func() {
		s.renewLoop()
	}, nil)
	return s, nil
}

// subscribe issues Subscribe, retried once on a transient transport error,
// since Subscribe is idempotent from the consumer's point of view.
func (s *Subscription) subscribe(ctx context.Context) error {
	var res SubscribeResult
	err := retry.Idempotent(ctx, func() error {
		var subErr error
		res, subErr = s.transport.Subscribe(ctx, s.actions, s.duration)
		return subErr
	})
	if err != nil {
		return err
	}
	s.id = res.ID
	s.expires = res.Expires
	return nil
}

// renewLoop renews either at a fixed interval or at expires minus a safety
// margin, per ConsumerConfig.RenewAtFixedInterval. Resubscribe
// and onGap fire only for the "unknown subscription" fault: that is the one
// failure mode where the provider has definitely discarded state the
// consumer was relying on, so a fresh Subscribe may skip reports. Any other
// renew failure (timeout, connection refused) is transient and left for the
// next renewal tick; resubscribing on every such error would manufacture
// gaps that never actually happened.
func (s *Subscription) renewLoop() {
	for {
		wait := s.nextRenewDelay()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		var expires time.Time
		err := retry.Idempotent(ctx, func() error {
			var renewErr error
			expires, renewErr = s.transport.Renew(ctx, s.id, s.duration)
			return renewErr
		})
		cancel()
		if err == nil {
			s.expires = expires
			continue
		}

		if !errors.Is(err, ErrUnknownSubscription) {
			s.logger.Warn("renew failed, will retry at next interval", "subscription", s.id, "error", err)
			continue
		}

		s.logger.Warn("subscription unknown to provider, resubscribing", "subscription", s.id, "error", err)
		ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
		rerr := s.subscribe(ctx2)
		cancel2()
		if rerr != nil {
			s.logger.Error("resubscribe failed", "error", rerr)
			continue
		}
		if s.onGap != nil {
			s.onGap()
		}
	}
}

func (s *Subscription) nextRenewDelay() time.Duration {
	if s.cfg.RenewAtFixedInterval && s.cfg.RenewFixedInterval > 0 {
		return s.cfg.RenewFixedInterval
	}
	delay := time.Until(s.expires) - s.cfg.RenewSafetyMargin
	if delay < 0 {
		return 0
	}
	return delay
}

// Close unsubscribes and stops the renewal loop.
func (s *Subscription) Close(ctx context.Context) error {
	close(s.stop)
	return s.transport.Unsubscribe(ctx, s.id)
}

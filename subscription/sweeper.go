package subscription

import (
	"time"

	"github.com/sdcgo/sdc11073/internal/logging"
)

// SubscriptionEndReason mirrors the WS-Eventing SubscriptionEnd status
// values this module emits.
type SubscriptionEndReason string

const (
	ReasonDeliveryFailure    SubscriptionEndReason = "DeliveryFailure"
	ReasonSourceShuttingDown SubscriptionEndReason = "SourceShuttingDown"
	ReasonExpired            SubscriptionEndReason = "Expired"
)

// StartSweeper launches the background expiration sweeper. Returns a stop
// function.
func (m *Manager) StartSweeper() func() {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	logging.SafeGo(m.logger, "subscription-sweeper", func() {
		for {
			select {
			case <-ticker.C:
				m.sweepExpired()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}, nil)

	m.stopSweep = func() { close(done) }
	return m.stopSweep
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	var expired []*Subscription

	m.mu.RLock()
	for _, sub := range m.subs {
		sub.mu.Lock()
		past := now.After(sub.Expires)
		sub.mu.Unlock()
		if past {
			expired = append(expired, sub)
		}
	}
	m.mu.RUnlock()

	// Expired subscriptions are removed without end-notification;
	// ReasonExpired still tags the log/metric for diagnostics.
	for _, sub := range expired {
		m.terminate(sub, ReasonExpired, false)
	}
}

// Shutdown terminates every active subscription with SubscriptionEnd
// (reason SourceShuttingDown) and stops the sweeper: a provider shutdown
// tells its subscribers rather than silently dropping them.
func (m *Manager) Shutdown() {
	if m.stopSweep != nil {
		m.stopSweep()
	}

	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		m.terminate(sub, ReasonSourceShuttingDown, true)
	}
}

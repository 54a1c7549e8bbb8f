// Package subscription implements the provider-side WS-Eventing
// subscription lifecycle: Subscribe/Renew/Unsubscribe/
// GetStatus, per-subscription action filtering, single-lane bounded
// delivery queues, and a background expiration sweeper.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/internal/faults"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/internal/observability"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/soap"
)

// Notification is one report ready for delivery to a single subscriber. The
// MdibVersion/SequenceID/InstanceID fields become the SDC correlation
// headers on the wire; RefParams are the subscriber's own reference
// parameters, echoed back as top-level headers.
type Notification struct {
	Action      string
	MdibVersion uint64
	SequenceID  string
	InstanceID  *int64
	ChangeSet   mdib.ChangeSet
	// RefParams and Counter are stamped per subscriber at enqueue time.
	RefParams map[string]string
	Counter   uint64
	// Invocation is set only for an OperationInvokedReport notification.
	Invocation *OperationInvoked
	// SystemError is set only for a SystemErrorReport notification.
	SystemError *SystemError
	// Reason is set only for a SubscriptionEnd notification.
	Reason SubscriptionEndReason
}

// OperationInvoked carries the terminal outcome of one operation
// invocation, fanned out as an OperationInvokedReport: the TransactionId
// from the immediate response and the OperationTargetRef of the descriptor
// actually affected.
type OperationInvoked struct {
	TransactionID   uint64
	InvocationState string
	OperationHandle string
	OperationTarget string
	Error           string
	ErrorMessage    string
}

// SystemError carries a provider-side error condition, delivered as just
// another filterable action on the state-event stream.
type SystemError struct {
	Code    string
	Message string
}

// Sender delivers an encoded notification to a subscriber's endpoint
// reference. provider.HTTPSender is the HTTP implementation; subscription
// never builds SOAP envelopes itself.
type Sender interface {
	Send(ctx context.Context, endpoint string, n Notification) error
}

// Subscription is one active WS-Eventing dialog: identity,
// delivery endpoint, the subscriber's opaque reference parameters (echoed in
// every notification), the action filter, expiration, and a monotonic
// per-subscription notification counter for observation.
type Subscription struct {
	ID        string
	Endpoint  string
	RefParams map[string]string
	Filter    Filter
	Expires   time.Time

	notifCounter atomic.Uint64

	queue  chan Notification
	done   chan struct{}
	closed bool
	failed bool // set on a transient delivery failure: no further deliveries are attempted
	mu     sync.Mutex
}

// NotificationCount returns how many notifications have been enqueued to
// this subscription so far.
func (s *Subscription) NotificationCount() uint64 {
	return s.notifCounter.Load()
}

// Filter matches the ordered set of action URIs a subscriber asked for.
type Filter struct {
	Actions map[string]bool
}

// NewFilter builds a Filter from a list of action URIs.
func NewFilter(actions []string) Filter {
	f := Filter{Actions: make(map[string]bool, len(actions))}
	for _, a := range actions {
		f.Actions[a] = true
	}
	return f
}

// Matches reports whether action satisfies this filter. An empty filter
// matches every action: a subscriber may omit the filter to receive every
// report.
func (f Filter) Matches(action string) bool {
	if len(f.Actions) == 0 {
		return true
	}
	return f.Actions[action]
}

// Manager owns the set of active subscriptions and fans out commit
// notifications from an mdib.Manager to the matching subscribers.
type Manager struct {
	cfg    config.SubscriptionConfig
	store  *mdib.Store
	sender Sender
	logger logging.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription

	stopSweep func()
}

// NewManager creates a subscription manager. It subscribes itself to mgr's
// commit notifications so every transaction commit is fanned out.
func NewManager(cfg config.SubscriptionConfig, mdibMgr *mdib.Manager, sender Sender, logger logging.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  mdibMgr.Store(),
		sender: sender,
		logger: logging.OrDefault(logger),
		subs:   make(map[string]*Subscription),
	}
	mdibMgr.Subscribe(m.onCommit)
	return m
}

// Subscribe creates a new subscription for actions, with a requested
// duration clamped to [MinSubscriptionDuration, MaxSubscriptionDuration].
// refParams are the subscriber's opaque reference parameters,
// echoed back in every notification; nil is a subscription without any.
func (m *Manager) Subscribe(endpoint string, actions []string, requested time.Duration, refParams map[string]string) (*Subscription, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("subscription: endpoint is required")
	}
	dur := clampDuration(requested, m.cfg.MinSubscriptionDuration, m.cfg.MaxSubscriptionDuration)

	sub := &Subscription{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		RefParams: refParams,
		Filter:    NewFilter(actions),
		Expires:   time.Now().Add(dur),
		queue:     make(chan Notification, m.cfg.DeliveryQueueSize),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	logging.SafeGo(m.logger, "subscription-delivery-"+sub.ID, func() {
		m.deliveryLoop(sub)
	}, nil)

	observability.SetActiveSubscriptions(m.activeCount())
	return sub, nil
}

// Renew extends an existing subscription's expiry.
func (m *Manager) Renew(id string, requested time.Duration) (time.Time, error) {
	m.mu.RLock()
	sub, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return time.Time{}, faults.NewSubscriptionFault(faults.SubscriptionFaultUnknownSubscription, fmt.Sprintf("unknown subscription %q", id))
	}
	dur := clampDuration(requested, m.cfg.MinSubscriptionDuration, m.cfg.MaxSubscriptionDuration)
	sub.mu.Lock()
	sub.Expires = time.Now().Add(dur)
	expires := sub.Expires
	sub.mu.Unlock()
	return expires, nil
}

// Unsubscribe terminates a subscription immediately, with no
// SubscriptionEnd sent: the consumer asked to leave, and SubscriptionEnd is
// reserved for provider-initiated termination.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return faults.NewSubscriptionFault(faults.SubscriptionFaultUnknownSubscription, fmt.Sprintf("unknown subscription %q", id))
	}
	sub.close()
	observability.SetActiveSubscriptions(m.activeCount())
	return nil
}

// GetStatus returns the remaining duration until expiry for a subscription.
func (m *Manager) GetStatus(id string) (time.Duration, error) {
	m.mu.RLock()
	sub, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return 0, faults.NewSubscriptionFault(faults.SubscriptionFaultUnknownSubscription, fmt.Sprintf("unknown subscription %q", id))
	}
	sub.mu.Lock()
	remaining := time.Until(sub.Expires)
	sub.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (m *Manager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// onCommit is the mdib.CommitListener registered in NewManager. It
// enumerates the change-set's non-empty buckets and, for each, enqueues a
// notification on every subscription whose filter matches the bucket's
// report action.
func (m *Manager) onCommit(cs mdib.ChangeSet) {
	if cs.IsEmpty() {
		return
	}
	for _, bucket := range cs.Buckets() {
		action, ok := qname.ChangeSetAction(bucket)
		if !ok {
			continue
		}
		m.fanOut(Notification{
			Action:      action,
			MdibVersion: cs.MdibVersion,
			SequenceID:  m.store.SequenceID(),
			InstanceID:  m.store.InstanceID(),
			ChangeSet:   cs,
		})
	}
}

// fanOut enqueues n on every subscription whose filter matches its action.
func (m *Manager) fanOut(n Notification) {
	m.mu.RLock()
	targets := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.Filter.Matches(n.Action) {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		m.enqueue(sub, n)
	}
}

// PublishOperationInvoked fans out an OperationInvokedReport carrying the
// invocation's terminal state. It rides the same per-subscriber
// FIFO lanes as commit-driven reports, so a subscriber filtering on both
// sees the operation outcome ordered against the state change it caused.
func (m *Manager) PublishOperationInvoked(op OperationInvoked) {
	m.fanOut(Notification{
		Action:      qname.ActionOperationInvokedReport,
		MdibVersion: m.store.MdibVersion(),
		SequenceID:  m.store.SequenceID(),
		InstanceID:  m.store.InstanceID(),
		Invocation:  &op,
	})
}

// PublishSystemError fans out a SystemErrorReport as a filterable action on
// the same notification stream as state-event reports.
func (m *Manager) PublishSystemError(code, message string) {
	m.fanOut(Notification{
		Action:      qname.ActionSystemErrorReport,
		MdibVersion: m.store.MdibVersion(),
		SequenceID:  m.store.SequenceID(),
		InstanceID:  m.store.InstanceID(),
		SystemError: &SystemError{Code: code, Message: message},
	})
}

// enqueue places a notification on sub's single-lane queue. A full queue on
// a waveform-stream action drops the oldest queued waveform notification.
// A full queue on any other action means the receiver can't keep up: refuse
// the enqueue and terminate the subscription with DeliveryFailure. A
// subscription already marked failed by a prior transient delivery error is
// not re-enqueued at all, since nothing is draining its queue anymore.
func (m *Manager) enqueue(sub *Subscription, n Notification) {
	sub.mu.Lock()
	failed := sub.failed
	sub.mu.Unlock()
	if failed {
		return
	}

	n.RefParams = sub.RefParams
	n.Counter = sub.notifCounter.Add(1)

	select {
	case sub.queue <- n:
		return
	default:
	}

	if n.Action == qname.ActionWaveformStream {
		select {
		case <-sub.queue: // drop oldest
		default:
		}
		select {
		case sub.queue <- n:
		default:
			observability.RecordNotification(n.Action, "dropped")
		}
		return
	}

	observability.RecordNotification(n.Action, "dropped")
	m.logger.Warn("subscription queue full, terminating with delivery failure", "subscription", sub.ID, "action", n.Action)
	m.terminate(sub, ReasonDeliveryFailure, true)
}

// deliveryLoop is the per-subscription single-lane FIFO worker: exactly one
// notification is in flight to a given endpoint at a time, preserving
// report order for that subscriber. A delivery failure is classified two
// ways: an authoritative fault (the subscriber no longer recognizes
// this subscription, or rejects the action) deletes the subscription right
// away; any other error is transient and only marks the subscription failed,
// since the receiver's own duty is to resubscribe and report a gap, not this
// provider's to keep retrying.
func (m *Manager) deliveryLoop(sub *Subscription) {
	for {
		select {
		case n := <-sub.queue:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeliveryTimeout)
			err := m.sender.Send(ctx, sub.Endpoint, n)
			cancel()
			if err != nil {
				observability.RecordNotification(n.Action, "failed")
				if isAuthoritativeDeliveryFailure(err) {
					m.logger.Warn("authoritative delivery failure, deleting subscription", "subscription", sub.ID, "action", n.Action, "error", err)
					m.terminate(sub, ReasonDeliveryFailure, false)
					return
				}
				m.logger.Warn("transient delivery failure, marking subscription failed", "subscription", sub.ID, "action", n.Action, "error", err)
				sub.markFailed()
				m.removeOnly(sub.ID)
				sub.close()
				return
			}
			observability.RecordNotification(n.Action, "delivered")
		case <-sub.done:
			return
		}
	}
}

// isAuthoritativeDeliveryFailure reports whether err indicates the
// subscriber itself rejected the delivery (an end-of-subscription condition:
// WS-Eventing's UnknownSubscription fault, the wire equivalent of HTTP 404
// for a reference that no longer resolves, or ActionNotSupported, the
// wrong-action case) rather than a transient transport failure.
func isAuthoritativeDeliveryFailure(err error) bool {
	var sf *faults.SubscriptionFault
	if errors.As(err, &sf) && sf.Code == faults.SubscriptionFaultUnknownSubscription {
		return true
	}
	var fe *soap.FaultError
	if errors.As(err, &fe) {
		switch fe.Subcode {
		case soap.SubcodeUnknownSubscription, soap.SubcodeActionNotSupported:
			return true
		}
	}
	return false
}

// removeOnly drops id from the active set without sending any
// notification: the subscription is merely marked failed, not deleted by a
// wire-level end-of-subscription condition, but nothing should keep
// enumerating it for fan-out once its delivery loop has exited.
func (m *Manager) removeOnly(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
	observability.SetActiveSubscriptions(m.activeCount())
}

// terminate removes sub from the active set and closes it, logging reason.
// If notify is true, a best-effort SubscriptionEnd carrying reason is sent
// first: used when the endpoint is presumed still reachable (queue
// overflow), skipped when it isn't (authoritative rejection, expiry).
func (m *Manager) terminate(sub *Subscription, reason SubscriptionEndReason, notify bool) {
	m.mu.Lock()
	delete(m.subs, sub.ID)
	m.mu.Unlock()

	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeliveryTimeout)
		_ = m.sender.Send(ctx, sub.Endpoint, Notification{
			Action:    qname.ActionSubscriptionEnd,
			RefParams: sub.RefParams,
			Reason:    reason,
		})
		cancel()
	}
	sub.close()
	m.logger.Warn("subscription terminated", "subscription", sub.ID, "reason", reason)
	observability.SetActiveSubscriptions(m.activeCount())
}

func (s *Subscription) markFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func clampDuration(requested, min, max time.Duration) time.Duration {
	if requested < min {
		return min
	}
	if requested > max {
		return max
	}
	return requested
}

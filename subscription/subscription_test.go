package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/internal/faults"
	"github.com/sdcgo/sdc11073/internal/testutil"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/qname"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Notification
}

func (s *recordingSender) Send(ctx context.Context, endpoint string, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestFilterMatchesEmptyAsWildcard(t *testing.T) {
	f := NewFilter(nil)
	require.True(t, f.Matches(qname.ActionEpisodicMetricReport))
}

func TestFilterMatchesConfiguredActions(t *testing.T) {
	f := NewFilter([]string{qname.ActionEpisodicAlertReport})
	require.True(t, f.Matches(qname.ActionEpisodicAlertReport))
	require.False(t, f.Matches(qname.ActionEpisodicMetricReport))
}

func TestSubscribeRenewUnsubscribe(t *testing.T) {
	store := mdib.NewStore("seq-1")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &recordingSender{}
	subMgr := NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	sub, err := subMgr.Subscribe("http://consumer.example/notify", nil, time.Hour, nil)
	require.NoError(t, err)

	remaining, err := subMgr.GetStatus(sub.ID)
	require.NoError(t, err)
	require.True(t, remaining > 0)

	expires, err := subMgr.Renew(sub.ID, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, expires.After(time.Now()))

	require.NoError(t, subMgr.Unsubscribe(sub.ID))
	_, err = subMgr.GetStatus(sub.ID)
	require.Error(t, err)
}

// failingSender returns err for every Send call and records how many times
// it was called.
type failingSender struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *failingSender) Send(ctx context.Context, endpoint string, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *failingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func emitOneReport(t *testing.T, mgr *mdib.Manager) {
	t.Helper()
	tx := mgr.Begin(mdib.TxDescriptor)
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle: fmt.Sprintf("mds%d", mgr.Store().MdibVersion()), Kind: qname.KindMds, Component: &mdib.ComponentPayload{Type: "pump"},
	}))
	_, err := tx.Commit()
	require.NoError(t, err)
}

// An authoritative fault (UnknownSubscription) must delete the subscription
// immediately, with no further delivery attempts and no SubscriptionEnd
// sent.
func TestAuthoritativeDeliveryFailureDeletesSubscription(t *testing.T) {
	store := mdib.NewStore("seq-1")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &failingSender{err: faults.NewSubscriptionFault(faults.SubscriptionFaultUnknownSubscription, "gone")}
	subMgr := NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	sub, err := subMgr.Subscribe("http://consumer.example/notify", nil, time.Hour, nil)
	require.NoError(t, err)

	emitOneReport(t, mgr)
	require.Eventually(t, func() bool {
		_, statusErr := subMgr.GetStatus(sub.ID)
		return statusErr != nil
	}, time.Second, 5*time.Millisecond, "authoritative failure must remove the subscription")

	calls := sender.count()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, sender.count(), "no SubscriptionEnd or retry should follow an authoritative delete")
}

// A transient error (plain transport failure) must mark the subscription
// failed and stop delivering, without deleting it via an end-of-subscription
// signal and without retrying.
func TestTransientDeliveryFailureStopsRetrying(t *testing.T) {
	store := mdib.NewStore("seq-1")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &failingSender{err: fmt.Errorf("connection refused")}
	subMgr := NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	sub, err := subMgr.Subscribe("http://consumer.example/notify", nil, time.Hour, nil)
	require.NoError(t, err)

	emitOneReport(t, mgr)
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	emitOneReport(t, mgr)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sender.count(), "a transient failure must not be retried")

	_, err = subMgr.GetStatus(sub.ID)
	require.Error(t, err, "a subscription marked failed is no longer tracked for fan-out")
}

// Queue overflow on a non-waveform action must terminate the subscription
// with a DeliveryFailure SubscriptionEnd.
func TestQueueOverflowTerminatesWithDeliveryFailure(t *testing.T) {
	store := mdib.NewStore("seq-1")
	mgr := mdib.NewManager(store, nil, nil)
	var blocked sync.WaitGroup
	blocked.Add(1)
	sender := &blockingSender{release: &blocked}
	cfg := *config.DefaultSubscriptionConfig()
	cfg.DeliveryQueueSize = 1
	subMgr := NewManager(cfg, mgr, sender, nil)

	sub, err := subMgr.Subscribe("http://consumer.example/notify", nil, time.Hour, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tx := mgr.Begin(mdib.TxDescriptor)
		require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
			Handle: fmt.Sprintf("mds%d", i), Kind: qname.KindMds, Component: &mdib.ComponentPayload{Type: "pump"},
		}))
		_, err := tx.Commit()
		require.NoError(t, err)
	}
	blocked.Done()

	require.Eventually(t, func() bool {
		_, statusErr := subMgr.GetStatus(sub.ID)
		return statusErr != nil
	}, time.Second, 5*time.Millisecond, "queue overflow must terminate the subscription")
	require.GreaterOrEqual(t, sender.sentEndReason(), 1, "a SubscriptionEnd must have been attempted")
}

// blockingSender holds its first Send until release fires, giving the test
// time to overflow the delivery queue behind it, then accepts every
// subsequent Send (including the eventual SubscriptionEnd) without waiting.
// A plain bool+mutex is used instead of sync.Once: Once.Do blocks a second,
// concurrent caller until the first call returns, which would deadlock the
// synchronous SubscriptionEnd send terminate() fires from the same
// goroutine that later calls release.Done().
type blockingSender struct {
	release *sync.WaitGroup

	mu     sync.Mutex
	waited bool
	end    int
}

func (s *blockingSender) Send(ctx context.Context, endpoint string, n Notification) error {
	if n.Action == qname.ActionSubscriptionEnd {
		// Never blocks: terminate() may call this synchronously from the
		// same goroutine that drives the enqueue loop below, and it must
		// not wait on release itself.
		s.mu.Lock()
		s.end++
		s.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	first := !s.waited
	s.waited = true
	s.mu.Unlock()
	if first {
		s.release.Wait()
	}
	return nil
}

func (s *blockingSender) sentEndReason() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

func TestCommitFansOutToMatchingSubscription(t *testing.T) {
	store := mdib.NewStore("seq-1")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &recordingSender{}
	subMgr := NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	_, err := subMgr.Subscribe("http://consumer.example/notify", []string{qname.ActionDescriptionModificationReport}, time.Hour, nil)
	require.NoError(t, err)

	tx := mgr.Begin(mdib.TxDescriptor)
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle:    "mds0",
		Kind:      qname.KindMds,
		Component: &mdib.ComponentPayload{Type: "pump"},
	}))
	_, err = tx.Commit()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
}

// Every commit-driven notification must carry the provider's current
// SequenceId and the subscriber's own reference parameters, and the
// per-subscription counter must advance monotonically.
func TestNotificationCarriesHeadersAndRefParams(t *testing.T) {
	store := mdib.NewStore("seq-hdr")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &recordingSender{}
	subMgr := NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	refParams := map[string]string{"Identifier": "urn:uuid:consumer-tag"}
	sub, err := subMgr.Subscribe("http://consumer.example/notify", nil, time.Hour, refParams)
	require.NoError(t, err)

	emitOneReport(t, mgr)
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	n := sender.sent[0]
	sender.mu.Unlock()
	require.Equal(t, "seq-hdr", n.SequenceID)
	require.Equal(t, store.MdibVersion(), n.MdibVersion)
	require.Equal(t, refParams, n.RefParams)
	require.Equal(t, uint64(1), n.Counter)
	require.Equal(t, uint64(1), sub.NotificationCount())
}

func TestPublishOperationInvokedFansOutToMatchingFilter(t *testing.T) {
	store := mdib.NewStore("seq-op")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &recordingSender{}
	subMgr := NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	_, err := subMgr.Subscribe("http://consumer.example/notify",
		[]string{qname.ActionOperationInvokedReport}, time.Hour, nil)
	require.NoError(t, err)
	_, err = subMgr.Subscribe("http://other.example/notify",
		[]string{qname.ActionEpisodicMetricReport}, time.Hour, nil)
	require.NoError(t, err)

	subMgr.PublishOperationInvoked(OperationInvoked{
		TransactionID:   3,
		InvocationState: "Fin",
		OperationTarget: "name.state",
	})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	sender.mu.Lock()
	n := sender.sent[0]
	sender.mu.Unlock()
	require.Equal(t, qname.ActionOperationInvokedReport, n.Action)
	require.NotNil(t, n.Invocation)
	require.Equal(t, "name.state", n.Invocation.OperationTarget)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sender.count(), "a non-matching filter must not receive the report")
}

// An expired subscription is removed by the sweeper without any
// SubscriptionEnd on the wire, within roughly a sweep interval
// of its deadline (testable property 11).
func TestSweeperRemovesExpiredWithoutEndNotification(t *testing.T) {
	store := mdib.NewStore("seq-sweep")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &recordingSender{}
	logger := &testutil.RecordingLogger{}
	cfg := *config.DefaultSubscriptionConfig()
	cfg.MinSubscriptionDuration = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	subMgr := NewManager(cfg, mgr, sender, logger)
	stop := subMgr.StartSweeper()
	defer stop()

	sub, err := subMgr.Subscribe("http://consumer.example/notify", nil, 10*time.Millisecond, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, statusErr := subMgr.GetStatus(sub.ID)
		return statusErr != nil
	}, time.Second, 5*time.Millisecond, "expired subscription must be swept")
	require.Equal(t, 0, sender.count(), "expiry must not emit SubscriptionEnd")
	require.True(t, logger.HasMessage("subscription terminated"))
}

func TestShutdownSendsSourceShuttingDown(t *testing.T) {
	store := mdib.NewStore("seq-shutdown")
	mgr := mdib.NewManager(store, nil, nil)
	sender := &recordingSender{}
	subMgr := NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	_, err := subMgr.Subscribe("http://consumer.example/notify", nil, time.Hour, nil)
	require.NoError(t, err)

	subMgr.Shutdown()
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	sender.mu.Lock()
	n := sender.sent[0]
	sender.mu.Unlock()
	require.Equal(t, qname.ActionSubscriptionEnd, n.Action)
	require.Equal(t, ReasonSourceShuttingDown, n.Reason)
}

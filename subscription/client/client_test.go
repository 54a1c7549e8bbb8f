package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdcgo/sdc11073/config"
)

type fakeTransport struct {
	mu         sync.Mutex
	subscribeN int
	renewN     int
	// failRenews is the number of upcoming Renew calls that still fail.
	// retry.Idempotent retries an idempotent call once internally, so a
	// single one-shot failure never reaches renewLoop at all; set this to
	// 2 to make sure both of retry.Idempotent's attempts fail and the
	// error actually surfaces.
	failRenews int
	renewErr   error
}

func (f *fakeTransport) Subscribe(ctx context.Context, actions []string, duration time.Duration) (SubscribeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeN++
	return SubscribeResult{ID: "sub-1", Expires: time.Now().Add(duration)}, nil
}

func (f *fakeTransport) Renew(ctx context.Context, id string, duration time.Duration) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewN++
	if f.failRenews > 0 {
		f.failRenews--
		err := f.renewErr
		if err == nil {
			err = ErrUnknownSubscription
		}
		return time.Time{}, err
	}
	return time.Now().Add(duration), nil
}

func (f *fakeTransport) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeN
}

func (f *fakeTransport) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewN
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, id string) error {
	return nil
}

func TestSubscribeSucceeds(t *testing.T) {
	ft := &fakeTransport{}
	sub, err := New(context.Background(), *config.DefaultConsumerConfig(), ft, nil, time.Minute, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "sub-1", sub.id)
	require.NoError(t, sub.Close(context.Background()))
}

func TestRenewFailureTriggersResubscribeAndGap(t *testing.T) {
	ft := &fakeTransport{failRenews: 2, renewErr: ErrUnknownSubscription}
	var gapCalled bool
	var mu sync.Mutex

	cfg := config.ConsumerConfig{RenewAtFixedInterval: true, RenewFixedInterval: 10 * time.Millisecond}
	sub, err := New(context.Background(), cfg, ft, nil, time.Minute, func() {
		mu.Lock()
		gapCalled = true
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer sub.Close(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gapCalled
	}, 2*time.Second, 5*time.Millisecond)
}

// A renew failure that is not ErrUnknownSubscription (a plain transport
// error) must not resubscribe or fire onGap: the provider still recognizes
// the subscription, so the next renewal tick is left to try again.
func TestTransientRenewFailureDoesNotResubscribe(t *testing.T) {
	ft := &fakeTransport{failRenews: 2, renewErr: fmt.Errorf("connection refused")}
	var gapCalled bool
	var mu sync.Mutex

	cfg := config.ConsumerConfig{RenewAtFixedInterval: true, RenewFixedInterval: 10 * time.Millisecond}
	sub, err := New(context.Background(), cfg, ft, nil, time.Minute, func() {
		mu.Lock()
		gapCalled = true
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer sub.Close(context.Background())

	require.Eventually(t, func() bool { return ft.renewCount() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"the loop must keep retrying on the next tick after a transient renew failure")

	mu.Lock()
	called := gapCalled
	mu.Unlock()
	require.False(t, called, "a transient renew error must not be treated as an unknown-subscription gap")
	require.Equal(t, 1, ft.subscribeCount(), "no resubscribe should have been issued")
}

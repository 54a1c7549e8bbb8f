package soap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(&Definition{
		Action: "urn:test/Ping",
		Handler: func(ctx context.Context, req *Envelope) (*Envelope, error) {
			return NewResponse("urn:test/PingResponse", []byte("pong")), nil
		},
	}))

	req := NewRequest("urn:test/Ping", "urn:uuid:msg-1", nil)
	req.Header.ReplyTo = "http://consumer.example/reply"
	resp := d.Dispatch(context.Background(), req)

	require.Equal(t, "urn:test/PingResponse", resp.Header.Action)
	require.Equal(t, "urn:uuid:msg-1", resp.Header.RelatesTo)
	require.Equal(t, "http://consumer.example/reply", resp.Header.To)
	require.Equal(t, []byte("pong"), resp.Body)
}

func TestDispatchUnregisteredActionProducesSenderFault(t *testing.T) {
	d := NewDispatcher(nil)
	req := NewRequest("urn:test/Unknown", "urn:uuid:msg-2", nil)
	resp := d.Dispatch(context.Background(), req)
	require.Contains(t, string(resp.Body), "ActionNotSupported")
}

func TestDispatchHandlerFaultErrorPropagates(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(&Definition{
		Action: "urn:test/SetValue",
		Handler: func(ctx context.Context, req *Envelope) (*Envelope, error) {
			return nil, NewFault(SenderFault, SubcodeInvalidValue, "handle does not resolve")
		},
	}))
	req := NewRequest("urn:test/SetValue", "urn:uuid:msg-3", nil)
	resp := d.Dispatch(context.Background(), req)
	require.Contains(t, string(resp.Body), SubcodeInvalidValue)
}

func TestInvocationLifecycle(t *testing.T) {
	tr := NewTracker()
	inv := tr.Begin("handle-1")
	require.Equal(t, InvocationWait, inv.State)

	inv.Transition(InvocationStarted)
	state, _, _ := inv.Snapshot()
	require.Equal(t, InvocationStarted, state)

	inv.Fail(InvocationErrorInvalidValue, "bad target")
	state, errCode, msg := inv.Snapshot()
	require.Equal(t, InvocationFail, state)
	require.Equal(t, InvocationErrorInvalidValue, errCode)
	require.Equal(t, "bad target", msg)

	got, ok := tr.Get(inv.TransactionID)
	require.True(t, ok)
	require.Same(t, inv, got)
}

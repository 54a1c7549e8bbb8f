package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/soap"
	"github.com/sdcgo/sdc11073/xmlval"
)

func providerSide(t *testing.T) (*mdib.Manager, *mdib.Store) {
	t.Helper()
	store := mdib.NewStore("seq-p")
	mgr := mdib.NewManager(store, nil, nil)
	tx := mgr.Begin(mdib.TxDescriptor)
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle: "mds0", Kind: qname.KindMds, Component: &mdib.ComponentPayload{},
	}))
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle: "hr.num", ParentHandle: "mds0", Kind: qname.KindNumericMetric,
		Metric: &mdib.MetricPayload{Unit: "bpm"},
	}))
	require.NoError(t, tx.PutState(&mdib.State{
		DescriptorHandle: "hr.num", Kind: qname.KindNumericMetric,
	}))
	_, err := tx.Commit()
	require.NoError(t, err)
	return mgr, store
}

// Exercises the provider-encode -> consumer-decode -> mirror-apply loop end
// to end: a metric commit on the provider store lands in the consumer mirror
// with the same value and state version.
func TestProviderReportAppliesToConsumerMirror(t *testing.T) {
	mgr, provStore := providerSide(t)

	// Consumer bootstraps from the provider's full document.
	bootRaw, err := mdib.EncodeMdib(provStore.Document())
	require.NoError(t, err)
	v := provStore.MdibVersion()
	bootEnv := soap.NewResponse(qname.ActionGetMdibResponse, bootRaw)
	bootEnv.Header.MdibVersion = &v
	bootEnv.Header.SequenceID = provStore.SequenceID()

	bs, err := DecodeBootstrap(bootEnv)
	require.NoError(t, err)

	mirror := mdib.NewStore("")
	p := NewProcessor(*config.DefaultConsumerConfig(), mirror, func(ctx context.Context) (*Bootstrap, error) {
		return bs, nil
	}, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, provStore.MdibVersion(), mirror.MdibVersion())

	// Provider commits a metric update and encodes the resulting report.
	tx := mgr.Begin(mdib.TxMetric)
	state, err := tx.GetState("hr.num")
	require.NoError(t, err)
	val := xmlval.NewNumeric(72, time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	state.Value = &val
	require.NoError(t, tx.PutState(state))
	cs, err := tx.Commit()
	require.NoError(t, err)

	raw, err := mdib.EncodeReport(cs, "metric_updates")
	require.NoError(t, err)
	nv := cs.MdibVersion
	env := soap.NewResponse(qname.ActionEpisodicMetricReport, raw)
	env.Header.MdibVersion = &nv
	env.Header.SequenceID = provStore.SequenceID()

	var observed []*Report
	p.AddObserver(func(r *Report) { observed = append(observed, r) })

	r, err := DecodeNotification(env)
	require.NoError(t, err)
	require.NoError(t, p.Apply(context.Background(), r))

	require.Equal(t, provStore.MdibVersion(), mirror.MdibVersion())
	got, ok := mirror.GetState("hr.num")
	require.True(t, ok)
	require.NotNil(t, got.Value)
	require.Equal(t, float64(72), got.Value.Numeric)

	want, _ := provStore.GetState("hr.num")
	require.Equal(t, want.StateVersion, got.StateVersion)

	require.Len(t, observed, 1)
	require.Equal(t, qname.ActionEpisodicMetricReport, observed[0].Action)
}

func TestDecodeNotificationRejectsNonReportAction(t *testing.T) {
	env := soap.NewResponse(qname.ActionSubscribeResponse, nil)
	_, err := DecodeNotification(env)
	require.Error(t, err)
}

func TestDecodeNotificationRequiresVersionHeader(t *testing.T) {
	env := soap.NewResponse(qname.ActionEpisodicMetricReport, []byte(`<Report></Report>`))
	_, err := DecodeNotification(env)
	require.Error(t, err)
}

func TestDecodeOperationInvokedFeedsCallback(t *testing.T) {
	body, err := soap.EncodeOperationInvokedReport(soap.OperationInvokedReportBody{
		TransactionID: 7, InvocationState: "Fin", OperationTargetRef: "name.state",
	})
	require.NoError(t, err)
	env := soap.NewResponse(qname.ActionOperationInvokedReport, body)

	var gotID uint64
	var gotState, gotTarget string
	require.NoError(t, DecodeOperationInvoked(env, func(id uint64, state, target, errMsg string) {
		gotID, gotState, gotTarget = id, state, target
	}))
	require.Equal(t, uint64(7), gotID)
	require.Equal(t, "Fin", gotState)
	require.Equal(t, "name.state", gotTarget)
}

func TestStatsCountRecoveriesAndReplays(t *testing.T) {
	store := mdib.NewStore("seq-1")
	p := NewProcessor(config.ConsumerConfig{ReorderBufferSize: 1, WaveformBufferSize: 1}, store,
		func(ctx context.Context) (*Bootstrap, error) {
			return &Bootstrap{SequenceID: "seq-1", MdibVersion: 10}, nil
		}, nil)
	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, p.Apply(ctx, &Report{SequenceID: "seq-1", MdibVersion: 5}))
	require.Equal(t, 1, p.Stats().ReplaysDiscarded)

	require.NoError(t, p.Apply(ctx, &Report{SequenceID: "seq-1", MdibVersion: 20}))
	require.NoError(t, p.Apply(ctx, &Report{SequenceID: "seq-1", MdibVersion: 21}))
	require.Equal(t, 1, p.Stats().GapRecoveries)
}

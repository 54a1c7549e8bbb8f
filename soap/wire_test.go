package soap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	v := uint64(42)
	inst := int64(7)
	env := &Envelope{
		Header: Header{
			Action:    "urn:test/EpisodicMetricReport",
			MessageID: "urn:uuid:msg-1",
			To:        "http://consumer.example/notify",
			ReferenceParameters: map[string]string{
				"Identifier": "urn:uuid:sub-1",
				"Shard":      "a",
			},
			MdibVersion: &v,
			SequenceID:  "seq-1",
			InstanceID:  &inst,
		},
		Body: []byte(`<Report><States></States></Report>`),
	}

	raw, err := EncodeEnvelope(env)
	require.NoError(t, err)
	require.Contains(t, string(raw), `IsReferenceParameter="true"`)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, env.Header.Action, decoded.Header.Action)
	require.Equal(t, env.Header.MessageID, decoded.Header.MessageID)
	require.Equal(t, env.Header.To, decoded.Header.To)
	require.Equal(t, env.Header.ReferenceParameters, decoded.Header.ReferenceParameters)
	require.NotNil(t, decoded.Header.MdibVersion)
	require.Equal(t, v, *decoded.Header.MdibVersion)
	require.Equal(t, "seq-1", decoded.Header.SequenceID)
	require.NotNil(t, decoded.Header.InstanceID)
	require.Equal(t, inst, *decoded.Header.InstanceID)
	require.Equal(t, string(env.Body), string(decoded.Body))
}

func TestDecodeEnvelopeMalformedFails(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`<Envelope><Header>`))
	require.Error(t, err)
}

func TestOperationInvokedReportRoundTrip(t *testing.T) {
	b := OperationInvokedReportBody{
		TransactionID:      9,
		InvocationState:    string(InvocationFin),
		OperationHandleRef: "op.name",
		OperationTargetRef: "name.state",
	}
	raw, err := EncodeOperationInvokedReport(b)
	require.NoError(t, err)

	decoded, err := DecodeOperationInvokedReport(raw)
	require.NoError(t, err)
	require.Equal(t, b.TransactionID, decoded.TransactionID)
	require.Equal(t, b.InvocationState, decoded.InvocationState)
	require.Equal(t, b.OperationTargetRef, decoded.OperationTargetRef)
}

func TestSubscriptionEndRoundTrip(t *testing.T) {
	raw, err := EncodeSubscriptionEnd("SourceShuttingDown", "provider stopping")
	require.NoError(t, err)
	decoded, err := DecodeSubscriptionEnd(raw)
	require.NoError(t, err)
	require.Equal(t, "SourceShuttingDown", decoded.Status)
	require.Equal(t, "provider stopping", decoded.Reason)
}

package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/roleprovider"
	"github.com/sdcgo/sdc11073/soap"
	"github.com/sdcgo/sdc11073/subscription"
	"github.com/sdcgo/sdc11073/xmlval"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []subscription.Notification
}

func (s *recordingSender) Send(ctx context.Context, endpoint string, n subscription.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) byAction(action string) []subscription.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subscription.Notification
	for _, n := range s.sent {
		if n.Action == action {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	store    *mdib.Store
	mgr      *mdib.Manager
	ops      *roleprovider.Registry
	subs     *subscription.Manager
	sender   *recordingSender
	services *Services
	disp     *soap.Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := mdib.NewStore("seq-svc")
	mgr := mdib.NewManager(store, nil, nil)

	tx := mgr.Begin(mdib.TxDescriptor)
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle: "mds0", Kind: qname.KindMds, Component: &mdib.ComponentPayload{Type: "monitor"},
	}))
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle: "name.metric", ParentHandle: "mds0", Kind: qname.KindStringMetric,
		Metric: &mdib.MetricPayload{},
	}))
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle: "op.name", ParentHandle: "mds0", Kind: qname.KindOperation,
		Operation: &mdib.OperationPayload{OperationTarget: "name.metric"},
	}))
	require.NoError(t, tx.PutState(&mdib.State{
		DescriptorHandle: "name.metric", Kind: qname.KindStringMetric,
	}))
	_, err := tx.Commit()
	require.NoError(t, err)

	tracker := soap.NewTracker()
	ops := roleprovider.NewRegistry(mgr, tracker, nil)
	require.NoError(t, ops.RegisterOperation("op.name", func(ctx context.Context, tx *mdib.Transaction, argument string) error {
		state, err := tx.GetState("name.metric")
		if err != nil {
			return err
		}
		v := xmlval.NewString(argument, time.Now())
		state.Value = &v
		return tx.PutState(state)
	}))

	sender := &recordingSender{}
	subs := subscription.NewManager(*config.DefaultSubscriptionConfig(), mgr, sender, nil)

	services := NewServices(cfg, store, ops, subs, nil)
	disp := soap.NewDispatcher(nil)
	require.NoError(t, services.RegisterAll(disp))

	return &fixture{store: store, mgr: mgr, ops: ops, subs: subs, sender: sender, services: services, disp: disp}
}

func TestGetMdibCarriesVersionHeaders(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionGetMdib, "urn:uuid:m1", nil))
	require.Equal(t, qname.ActionGetMdibResponse, resp.Header.Action)
	require.Equal(t, "urn:uuid:m1", resp.Header.RelatesTo)
	require.NotNil(t, resp.Header.MdibVersion)
	require.Equal(t, f.store.MdibVersion(), *resp.Header.MdibVersion)
	require.Equal(t, "seq-svc", resp.Header.SequenceID)

	doc, err := mdib.DecodeMdib(resp.Body)
	require.NoError(t, err)
	require.Len(t, doc.Descriptors, 3)
	require.Len(t, doc.States, 1)
}

func TestGetMdDescriptionOmitsStates(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionGetMdDescription, "urn:uuid:m2", nil))
	doc, err := mdib.DecodeMdib(resp.Body)
	require.NoError(t, err)
	require.Len(t, doc.Descriptors, 3)
	require.Empty(t, doc.States)
}

func TestGetContainmentTreeStripsPayloads(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionGetContainmentTree, "urn:uuid:m3", nil))
	doc, err := mdib.DecodeMdib(resp.Body)
	require.NoError(t, err)
	require.Len(t, doc.Descriptors, 3)
	for _, d := range doc.Descriptors {
		require.Nil(t, d.Metric)
		require.Nil(t, d.Operation)
	}
}

func subscribeVia(t *testing.T, f *fixture, filter string) string {
	t.Helper()
	body := fmt.Sprintf(`<Subscribe>
		<Delivery><NotifyTo><Address>http://consumer.example/notify</Address></NotifyTo></Delivery>
		<Expires>30m</Expires>
		<Filter>%s</Filter>
	</Subscribe>`, filter)
	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionSubscribe, "urn:uuid:s1", []byte(body)))
	require.Equal(t, qname.ActionSubscribeResponse, resp.Header.Action)
	id := resp.Header.ReferenceParameters["Identifier"]
	require.NotEmpty(t, id)
	return id
}

func TestSubscribeRenewGetStatusUnsubscribeOverSoap(t *testing.T) {
	f := newFixture(t, Config{})
	id := subscribeVia(t, f, qname.ActionEpisodicMetricReport)

	renewReq := soap.NewRequest(qname.ActionRenew, "urn:uuid:r1", []byte(`<Renew><Expires>20m</Expires></Renew>`))
	renewReq.Header.ReferenceParameters = map[string]string{"Identifier": id}
	renewResp := f.disp.Dispatch(context.Background(), renewReq)
	require.Equal(t, qname.ActionRenewResponse, renewResp.Header.Action)

	statusReq := soap.NewRequest(qname.ActionGetStatus, "urn:uuid:g1", []byte(`<GetStatus></GetStatus>`))
	statusReq.Header.ReferenceParameters = map[string]string{"Identifier": id}
	statusResp := f.disp.Dispatch(context.Background(), statusReq)
	require.Equal(t, qname.ActionGetStatusResponse, statusResp.Header.Action)
	require.Contains(t, string(statusResp.Body), "Expires")

	unsubReq := soap.NewRequest(qname.ActionUnsubscribe, "urn:uuid:u1",
		[]byte(fmt.Sprintf(`<Unsubscribe><Identifier>%s</Identifier></Unsubscribe>`, id)))
	unsubResp := f.disp.Dispatch(context.Background(), unsubReq)
	require.Equal(t, qname.ActionUnsubscribeResponse, unsubResp.Header.Action)

	again := f.disp.Dispatch(context.Background(), renewReq)
	require.Contains(t, string(again.Body), soap.SubcodeUnknownSubscription,
		"renewing a deleted subscription must fault with UnknownSubscription")
}

func TestCommitAfterSubscribeFansOutMetricReport(t *testing.T) {
	f := newFixture(t, Config{})
	subscribeVia(t, f, qname.ActionEpisodicMetricReport)

	tx := f.mgr.Begin(mdib.TxMetric)
	state, err := tx.GetState("name.metric")
	require.NoError(t, err)
	v := xmlval.NewString("abc", time.Now())
	state.Value = &v
	require.NoError(t, tx.PutState(state))
	_, err = tx.Commit()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.sender.byAction(qname.ActionEpisodicMetricReport)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSetStringFastPathRespondsFin(t *testing.T) {
	f := newFixture(t, Config{FastPathFin: true})
	subscribeVia(t, f, qname.ActionOperationInvokedReport)

	body := `<SetString><OperationHandleRef>op.name</OperationHandleRef><RequestedStringValue>Draeger</RequestedStringValue></SetString>`
	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionSetString, "urn:uuid:sv1", []byte(body)))
	require.Equal(t, qname.ActionSetStringResponse, resp.Header.Action)

	var info struct {
		TransactionID   uint64 `xml:"TransactionId,attr"`
		InvocationState string `xml:"InvocationState,attr"`
	}
	require.NoError(t, xml.Unmarshal(resp.Body, &info))
	require.Equal(t, string(soap.InvocationFin), info.InvocationState)

	require.Eventually(t, func() bool {
		return len(f.sender.byAction(qname.ActionOperationInvokedReport)) == 1
	}, time.Second, 5*time.Millisecond)
	report := f.sender.byAction(qname.ActionOperationInvokedReport)[0]
	require.Equal(t, info.TransactionID, report.Invocation.TransactionID)
	require.Equal(t, string(soap.InvocationFin), report.Invocation.InvocationState)
	require.Equal(t, "name.metric", report.Invocation.OperationTarget)

	got, ok := f.store.GetState("name.metric")
	require.True(t, ok)
	require.Equal(t, "Draeger", got.Value.Text)
}

func TestSetValueWaitPathRespondsWaitThenReportsFin(t *testing.T) {
	f := newFixture(t, Config{})
	subscribeVia(t, f, qname.ActionOperationInvokedReport)

	body := `<SetValue><OperationHandleRef>op.name</OperationHandleRef><RequestedNumericValue>72</RequestedNumericValue></SetValue>`
	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionSetValue, "urn:uuid:sv2", []byte(body)))

	var info struct {
		TransactionID   uint64 `xml:"TransactionId,attr"`
		InvocationState string `xml:"InvocationState,attr"`
	}
	require.NoError(t, xml.Unmarshal(resp.Body, &info))
	require.Equal(t, string(soap.InvocationWait), info.InvocationState,
		"wait-path immediate response reports Wait")

	require.Eventually(t, func() bool {
		reports := f.sender.byAction(qname.ActionOperationInvokedReport)
		return len(reports) == 1 && reports[0].Invocation.InvocationState == string(soap.InvocationFin)
	}, time.Second, 5*time.Millisecond)
	report := f.sender.byAction(qname.ActionOperationInvokedReport)[0]
	require.Equal(t, info.TransactionID, report.Invocation.TransactionID)

	got, ok := f.store.GetState("name.metric")
	require.True(t, ok)
	require.Equal(t, "72", got.Value.Text)
}

func TestSetContextStateUnknownHandleFailsInvocation(t *testing.T) {
	f := newFixture(t, Config{})

	tx := f.mgr.Begin(mdib.TxDescriptor)
	require.NoError(t, tx.CreateDescriptor(&mdib.Descriptor{
		Handle: "patctx", ParentHandle: "mds0", Kind: qname.KindPatientContext, Context: &mdib.ContextPayload{},
	}))
	_, err := tx.Commit()
	require.NoError(t, err)
	require.NoError(t, f.ops.RegisterContextOperation("patctx",
		func(ctx context.Context, tx *mdib.Transaction, handle string, assoc mdib.ContextAssociation) error {
			return nil
		}))

	body := `<SetContextState><OperationHandleRef>patctx</OperationHandleRef><ContextStateHandle>nope</ContextStateHandle><ContextAssociation>Assoc</ContextAssociation></SetContextState>`
	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionSetContextState, "urn:uuid:sc1", []byte(body)))

	var info struct {
		InvocationState string `xml:"InvocationState,attr"`
		InvocationError string `xml:"InvocationError,attr"`
	}
	require.NoError(t, xml.Unmarshal(resp.Body, &info))
	require.Equal(t, string(soap.InvocationFail), info.InvocationState)
	require.Equal(t, string(soap.InvocationErrorInvalidValue), info.InvocationError)
}

func TestInvalidExpiresFaults(t *testing.T) {
	f := newFixture(t, Config{})
	body := `<Subscribe><Delivery><NotifyTo><Address>http://x/notify</Address></NotifyTo></Delivery><Expires>bogus</Expires></Subscribe>`
	resp := f.disp.Dispatch(context.Background(), soap.NewRequest(qname.ActionSubscribe, "urn:uuid:s2", []byte(body)))
	require.Contains(t, string(resp.Body), soap.SubcodeInvalidExpirationTime)
}

func TestHTTPSenderClassifies404AsAuthoritative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewHTTPSender(nil, nil)
	err := s.Send(context.Background(), srv.URL, subscription.Notification{
		Action:      qname.ActionEpisodicMetricReport,
		MdibVersion: 3,
		SequenceID:  "seq-x",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "UnknownSubscription")
}

func TestHTTPSenderPostsDecodableEnvelope(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	s := NewHTTPSender(nil, nil)
	require.NoError(t, s.Send(context.Background(), srv.URL, subscription.Notification{
		Action:      qname.ActionOperationInvokedReport,
		MdibVersion: 9,
		SequenceID:  "seq-x",
		RefParams:   map[string]string{"Identifier": "urn:uuid:sub-9"},
		Invocation: &subscription.OperationInvoked{
			TransactionID: 4, InvocationState: "Fin", OperationTarget: "name.metric",
		},
	}))

	env, err := soap.DecodeEnvelope(got)
	require.NoError(t, err)
	require.Equal(t, qname.ActionOperationInvokedReport, env.Header.Action)
	require.Equal(t, "urn:uuid:sub-9", env.Header.ReferenceParameters["Identifier"])
	report, err := soap.DecodeOperationInvokedReport(env.Body)
	require.NoError(t, err)
	require.Equal(t, uint64(4), report.TransactionID)
	require.Equal(t, "name.metric", report.OperationTargetRef)
}

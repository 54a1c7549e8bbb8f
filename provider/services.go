// Package provider wires the SDC service endpoints onto
// a soap.Dispatcher: GetService (GetMdib/GetMdDescription/GetMdState),
// SetService (SetValue/SetString/Activate/SetMetricState/SetContextState),
// the WS-Eventing subscription operations, and the containment tree service.
// It is the provider-side counterpart to package consumer/report: the place
// where the dispatcher, the MDIB store, the operation registry, and the
// subscription manager meet.
package provider

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sdcgo/sdc11073/internal/faults"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/roleprovider"
	"github.com/sdcgo/sdc11073/soap"
	"github.com/sdcgo/sdc11073/subscription"
)

// Config selects provider-side dispatch behavior.
type Config struct {
	// FastPathFin runs Set* operations synchronously and answers with the
	// terminal InvocationState instead of Wait. The
	// final OperationInvokedReport is emitted either way.
	FastPathFin bool `json:"fast_path_fin"`
}

// Services registers the provider's port-type handlers on a dispatcher.
type Services struct {
	cfg    Config
	store  *mdib.Store
	ops    *roleprovider.Registry
	subs   *subscription.Manager
	logger logging.Logger
}

// NewServices builds the service layer over an MDIB store, the operation
// registry, and the subscription manager.
func NewServices(cfg Config, store *mdib.Store, ops *roleprovider.Registry, subs *subscription.Manager, logger logging.Logger) *Services {
	return &Services{
		cfg:    cfg,
		store:  store,
		ops:    ops,
		subs:   subs,
		logger: logging.OrDefault(logger),
	}
}

// RegisterAll registers every service operation this provider exposes.
func (s *Services) RegisterAll(d *soap.Dispatcher) error {
	handlers := []*soap.Definition{
		{Action: qname.ActionGetMdib, Handler: s.handleGetMdib},
		{Action: qname.ActionGetMdDescription, Handler: s.handleGetMdDescription},
		{Action: qname.ActionGetMdState, Handler: s.handleGetMdState},
		{Action: qname.ActionGetContainmentTree, Handler: s.handleGetContainmentTree},
		{Action: qname.ActionSetValue, Handler: s.handleSetValue},
		{Action: qname.ActionSetString, Handler: s.handleSetString},
		{Action: qname.ActionActivate, Handler: s.handleActivate},
		{Action: qname.ActionSetMetricState, Handler: s.handleSetMetricState},
		{Action: qname.ActionSetContextState, Handler: s.handleSetContextState},
		{Action: qname.ActionSubscribe, Handler: s.handleSubscribe},
		{Action: qname.ActionRenew, Handler: s.handleRenew},
		{Action: qname.ActionUnsubscribe, Handler: s.handleUnsubscribe},
		{Action: qname.ActionGetStatus, Handler: s.handleGetStatus},
	}
	for _, def := range handlers {
		if err := d.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// --- GetService -------------------------------------------------------------

func (s *Services) mdibResponse(action string, doc mdib.MdibDocument) (*soap.Envelope, error) {
	body, err := mdib.EncodeMdib(doc)
	if err != nil {
		return nil, soap.NewFault(soap.ReceiverFault, soap.SubcodeInternalError, err.Error())
	}
	resp := soap.NewResponse(action, body)
	v := doc.MdibVersion
	resp.Header.MdibVersion = &v
	resp.Header.SequenceID = doc.SequenceID
	resp.Header.InstanceID = doc.InstanceID
	return resp, nil
}

func (s *Services) handleGetMdib(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	return s.mdibResponse(qname.ActionGetMdibResponse, s.store.Document())
}

func (s *Services) handleGetMdDescription(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	doc := s.store.Document()
	doc.States = nil
	doc.Contexts = nil
	return s.mdibResponse(qname.ActionGetMdDescriptionResponse, doc)
}

func (s *Services) handleGetMdState(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	doc := s.store.Document()
	doc.Descriptors = nil
	return s.mdibResponse(qname.ActionGetMdStateResponse, doc)
}

func (s *Services) handleGetContainmentTree(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	doc := s.store.Document()
	// The containment tree is structure only: handles, parents, kinds.
	stripped := make([]*mdib.Descriptor, len(doc.Descriptors))
	for i, d := range doc.Descriptors {
		stripped[i] = &mdib.Descriptor{
			Handle:            d.Handle,
			ParentHandle:      d.ParentHandle,
			Kind:              d.Kind,
			DescriptorVersion: d.DescriptorVersion,
		}
	}
	doc.Descriptors = stripped
	doc.States = nil
	doc.Contexts = nil
	return s.mdibResponse(qname.ActionGetContainmentTreeResponse, doc)
}

// --- SetService -------------------------------------------------------------

type setValueRequest struct {
	XMLName               xml.Name `xml:"SetValue"`
	OperationHandleRef    string   `xml:"OperationHandleRef"`
	RequestedNumericValue float64  `xml:"RequestedNumericValue"`
}

type setStringRequest struct {
	XMLName              xml.Name `xml:"SetString"`
	OperationHandleRef   string   `xml:"OperationHandleRef"`
	RequestedStringValue string   `xml:"RequestedStringValue"`
}

type activateRequest struct {
	XMLName            xml.Name `xml:"Activate"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	Arguments          []string `xml:"Argument"`
}

type setMetricStateRequest struct {
	XMLName            xml.Name `xml:"SetMetricState"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	Proposed           struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"ProposedStates"`
}

type setContextStateRequest struct {
	XMLName            xml.Name `xml:"SetContextState"`
	OperationHandleRef string   `xml:"OperationHandleRef"`
	ContextStateHandle string   `xml:"ContextStateHandle"`
	ContextAssociation string   `xml:"ContextAssociation"`
}

// invocationInfo is the immediate response body of every Set* operation:
// the issued TransactionId and the InvocationState at response time.
type invocationInfo struct {
	XMLName         xml.Name
	TransactionID   uint64 `xml:"TransactionId,attr"`
	InvocationState string `xml:"InvocationState,attr"`
	InvocationError string `xml:"InvocationError,attr,omitempty"`
	ErrorMessage    string `xml:"ErrorMessage,omitempty"`
}

func decodeBody(raw []byte, into any) error {
	if err := xml.Unmarshal(raw, into); err != nil {
		return soap.NewFault(soap.SenderFault, soap.SubcodeInternalError, fmt.Sprintf("malformed request body: %v", err))
	}
	return nil
}

// invoke runs one operation through the registry, fast-path or Wait-path per
// config, emitting the final OperationInvokedReport in both cases.
func (s *Services) invoke(ctx context.Context, txKind mdib.TransactionKind, opHandle, argument string) *soap.Invocation {
	if s.cfg.FastPathFin {
		inv := s.ops.Invoke(ctx, txKind, opHandle, argument)
		inv.FastPath = true
		s.publishInvoked(inv)
		return inv
	}
	return s.ops.InvokeAsync(ctx, txKind, opHandle, argument, s.publishInvoked)
}

// publishInvoked emits the final OperationInvokedReport for a terminal
// invocation: the report carries the TransactionId of the immediate
// response and the OperationTargetRef actually affected.
func (s *Services) publishInvoked(inv *soap.Invocation) {
	state, errCode, errMsg := inv.Snapshot()
	op := subscription.OperationInvoked{
		TransactionID:   inv.TransactionID,
		InvocationState: string(state),
		OperationHandle: inv.OperationHandle,
		OperationTarget: inv.TargetRef(),
		ErrorMessage:    errMsg,
	}
	if state == soap.InvocationFail {
		op.Error = string(errCode)
	}
	s.subs.PublishOperationInvoked(op)
}

func (s *Services) invocationResponse(responseAction, localName string, inv *soap.Invocation) (*soap.Envelope, error) {
	state, errCode, errMsg := inv.Snapshot()
	info := invocationInfo{
		XMLName:         xml.Name{Local: localName},
		TransactionID:   inv.TransactionID,
		InvocationState: string(state),
	}
	if state == soap.InvocationFail {
		info.InvocationError = string(errCode)
		info.ErrorMessage = errMsg
	} else if !inv.FastPath {
		// Wait-path: the handler may still be running; the immediate
		// response always reports Wait regardless of how far the
		// asynchronous invocation has progressed by now.
		info.InvocationState = string(soap.InvocationWait)
	}
	body, err := xml.Marshal(info)
	if err != nil {
		return nil, soap.NewFault(soap.ReceiverFault, soap.SubcodeInternalError, err.Error())
	}
	resp := soap.NewResponse(responseAction, body)
	v := s.store.MdibVersion()
	resp.Header.MdibVersion = &v
	resp.Header.SequenceID = s.store.SequenceID()
	resp.Header.InstanceID = s.store.InstanceID()
	return resp, nil
}

func (s *Services) handleSetValue(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body setValueRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	arg := strconv.FormatFloat(body.RequestedNumericValue, 'g', -1, 64)
	inv := s.invoke(ctx, mdib.TxMetric, body.OperationHandleRef, arg)
	return s.invocationResponse(qname.ActionSetValueResponse, "SetValueResponse", inv)
}

func (s *Services) handleSetString(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body setStringRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	inv := s.invoke(ctx, mdib.TxMetric, body.OperationHandleRef, body.RequestedStringValue)
	return s.invocationResponse(qname.ActionSetStringResponse, "SetStringResponse", inv)
}

func (s *Services) handleActivate(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body activateRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	arg := ""
	if len(body.Arguments) > 0 {
		arg = body.Arguments[0]
	}
	inv := s.invoke(ctx, mdib.TxOperational, body.OperationHandleRef, arg)
	return s.invocationResponse(qname.ActionActivateResponse, "ActivateResponse", inv)
}

func (s *Services) handleSetMetricState(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body setMetricStateRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	inv := s.invoke(ctx, mdib.TxMetric, body.OperationHandleRef, string(body.Proposed.Inner))
	return s.invocationResponse(qname.ActionSetMetricStateResponse, "SetMetricStateResponse", inv)
}

func (s *Services) handleSetContextState(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body setContextStateRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	inv := s.ops.InvokeSetContextState(ctx, body.OperationHandleRef, body.ContextStateHandle,
		mdib.ContextAssociation(body.ContextAssociation))
	inv.FastPath = true // SetContextState resolves synchronously either way
	s.publishInvoked(inv)
	return s.invocationResponse(qname.ActionSetContextStateResponse, "SetContextStateResponse", inv)
}

// --- WS-Eventing ------------------------------------------------------------

type wireRefParam struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

type subscribeRequest struct {
	XMLName   xml.Name       `xml:"Subscribe"`
	NotifyTo  string         `xml:"Delivery>NotifyTo>Address"`
	RefParams []wireRefParam `xml:"Delivery>NotifyTo>ReferenceParameters>ReferenceParameter"`
	Expires   string         `xml:"Expires"`
	Filter    string         `xml:"Filter"`
}

type subscribeResponse struct {
	XMLName    xml.Name `xml:"SubscribeResponse"`
	Identifier string   `xml:"SubscriptionManager>Identifier"`
	Expires    string   `xml:"Expires"`
}

type identifiedRequest struct {
	Identifier string `xml:"Identifier"`
	Expires    string `xml:"Expires"`
}

type expiresResponse struct {
	XMLName xml.Name
	Expires string `xml:"Expires"`
}

func parseExpires(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, soap.NewFault(soap.SenderFault, soap.SubcodeInvalidExpirationTime, fmt.Sprintf("invalid expiration %q", raw))
	}
	return d, nil
}

func (s *Services) handleSubscribe(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body subscribeRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	dur, err := parseExpires(body.Expires)
	if err != nil {
		return nil, err
	}
	var refParams map[string]string
	if len(body.RefParams) > 0 {
		refParams = make(map[string]string, len(body.RefParams))
		for _, rp := range body.RefParams {
			refParams[rp.Name] = rp.Value
		}
	}
	actions := strings.Fields(body.Filter)

	sub, err := s.subs.Subscribe(body.NotifyTo, actions, dur, refParams)
	if err != nil {
		return nil, soap.NewFault(soap.SenderFault, soap.SubcodeInternalError, err.Error())
	}

	respBody, err := xml.Marshal(subscribeResponse{
		Identifier: sub.ID,
		Expires:    time.Until(sub.Expires).Round(time.Second).String(),
	})
	if err != nil {
		return nil, soap.NewFault(soap.ReceiverFault, soap.SubcodeInternalError, err.Error())
	}
	resp := soap.NewResponse(qname.ActionSubscribeResponse, respBody)
	// The subscription identifier rides back as a reference parameter the
	// consumer echoes on Renew/Unsubscribe/GetStatus.
	resp.Header.ReferenceParameters = map[string]string{"Identifier": sub.ID}
	return resp, nil
}

// subscriptionID resolves the target subscription of a Renew/Unsubscribe/
// GetStatus request: the echoed Identifier reference parameter wins, the
// body's Identifier element is the fallback.
func subscriptionID(req *soap.Envelope, body identifiedRequest) string {
	if id, ok := req.Header.ReferenceParameters["Identifier"]; ok && id != "" {
		return id
	}
	return body.Identifier
}

func subscriptionFaultToSoap(err error) error {
	var sf *faults.SubscriptionFault
	if errors.As(err, &sf) && sf.Code == faults.SubscriptionFaultUnknownSubscription {
		return soap.NewFault(soap.SenderFault, soap.SubcodeUnknownSubscription, sf.Message)
	}
	return soap.NewFault(soap.ReceiverFault, soap.SubcodeInternalError, err.Error())
}

func (s *Services) handleRenew(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body identifiedRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	dur, err := parseExpires(body.Expires)
	if err != nil {
		return nil, err
	}
	expires, err := s.subs.Renew(subscriptionID(req, body), dur)
	if err != nil {
		return nil, subscriptionFaultToSoap(err)
	}
	respBody, err := xml.Marshal(expiresResponse{
		XMLName: xml.Name{Local: "RenewResponse"},
		Expires: time.Until(expires).Round(time.Second).String(),
	})
	if err != nil {
		return nil, soap.NewFault(soap.ReceiverFault, soap.SubcodeInternalError, err.Error())
	}
	return soap.NewResponse(qname.ActionRenewResponse, respBody), nil
}

func (s *Services) handleUnsubscribe(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body identifiedRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	if err := s.subs.Unsubscribe(subscriptionID(req, body)); err != nil {
		return nil, subscriptionFaultToSoap(err)
	}
	return soap.NewResponse(qname.ActionUnsubscribeResponse, []byte(`<UnsubscribeResponse></UnsubscribeResponse>`)), nil
}

func (s *Services) handleGetStatus(ctx context.Context, req *soap.Envelope) (*soap.Envelope, error) {
	var body identifiedRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return nil, err
	}
	remaining, err := s.subs.GetStatus(subscriptionID(req, body))
	if err != nil {
		return nil, subscriptionFaultToSoap(err)
	}
	respBody, err := xml.Marshal(expiresResponse{
		XMLName: xml.Name{Local: "GetStatusResponse"},
		Expires: remaining.Round(time.Second).String(),
	})
	if err != nil {
		return nil, soap.NewFault(soap.ReceiverFault, soap.SubcodeInternalError, err.Error())
	}
	return soap.NewResponse(qname.ActionGetStatusResponse, respBody), nil
}

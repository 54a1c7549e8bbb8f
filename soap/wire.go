package soap

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// Wire (de)serialization of the SOAP 1.2 envelope. Reference parameters are
// echoed as top-level header elements carrying IsReferenceParameter="true",
// and the SDC MdibVersion/SequenceId/InstanceId headers ride alongside the
// WS-Addressing ones on every state-carrying message.

type wireRefParam struct {
	XMLName              xml.Name `xml:"ReferenceParameter"`
	Name                 string   `xml:"Name,attr"`
	IsReferenceParameter bool     `xml:"IsReferenceParameter,attr"`
	Value                string   `xml:",chardata"`
}

type wireHeader struct {
	Action      string         `xml:"Action"`
	MessageID   string         `xml:"MessageID,omitempty"`
	RelatesTo   string         `xml:"RelatesTo,omitempty"`
	To          string         `xml:"To,omitempty"`
	ReplyTo     string         `xml:"ReplyTo,omitempty"`
	MdibVersion *uint64        `xml:"MdibVersion,omitempty"`
	SequenceID  string         `xml:"SequenceId,omitempty"`
	InstanceID  *int64         `xml:"InstanceId,omitempty"`
	RefParams   []wireRefParam `xml:"ReferenceParameter"`
}

type wireBody struct {
	Inner []byte `xml:",innerxml"`
}

type wireEnvelope struct {
	XMLName xml.Name   `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  wireHeader `xml:"Header"`
	Body    wireBody   `xml:"Body"`
}

// EncodeEnvelope renders env as a SOAP 1.2 document. Reference parameters are
// written in sorted name order so encoding is deterministic.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	w := wireEnvelope{
		Header: wireHeader{
			Action:      env.Header.Action,
			MessageID:   env.Header.MessageID,
			RelatesTo:   env.Header.RelatesTo,
			To:          env.Header.To,
			ReplyTo:     env.Header.ReplyTo,
			MdibVersion: env.Header.MdibVersion,
			SequenceID:  env.Header.SequenceID,
			InstanceID:  env.Header.InstanceID,
		},
		Body: wireBody{Inner: env.Body},
	}
	names := make([]string, 0, len(env.Header.ReferenceParameters))
	for name := range env.Header.ReferenceParameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.Header.RefParams = append(w.Header.RefParams, wireRefParam{
			Name:                 name,
			IsReferenceParameter: true,
			Value:                env.Header.ReferenceParameters[name],
		})
	}
	raw, err := xml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("soap: encoding envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope parses a SOAP 1.2 document into an Envelope. A missing
// Action header is a Sender fault at the dispatch layer, not a decode error;
// decoding only fails on malformed XML.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := xml.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("soap: decoding envelope: %w", err)
	}
	env := &Envelope{
		Header: Header{
			Action:      w.Header.Action,
			MessageID:   w.Header.MessageID,
			RelatesTo:   w.Header.RelatesTo,
			To:          w.Header.To,
			ReplyTo:     w.Header.ReplyTo,
			MdibVersion: w.Header.MdibVersion,
			SequenceID:  w.Header.SequenceID,
			InstanceID:  w.Header.InstanceID,
		},
		Body: w.Body.Inner,
	}
	if len(w.Header.RefParams) > 0 {
		env.Header.ReferenceParameters = make(map[string]string, len(w.Header.RefParams))
		for _, rp := range w.Header.RefParams {
			env.Header.ReferenceParameters[rp.Name] = rp.Value
		}
	}
	return env, nil
}

// OperationInvokedReportBody is the payload of one OperationInvokedReport
// notification: the TransactionId issued in the immediate response, the
// final InvocationState, and the descriptor(s) the operation actually
// affected.
type OperationInvokedReportBody struct {
	XMLName            xml.Name `xml:"OperationInvokedReport"`
	TransactionID      uint64   `xml:"TransactionId,attr"`
	InvocationState    string   `xml:"InvocationState,attr"`
	OperationHandleRef string   `xml:"OperationHandleRef,attr,omitempty"`
	OperationTargetRef string   `xml:"OperationTargetRef,attr,omitempty"`
	InvocationError    string   `xml:"InvocationError,attr,omitempty"`
	ErrorMessage       string   `xml:"ErrorMessage,omitempty"`
}

// EncodeOperationInvokedReport renders an OperationInvokedReport body.
func EncodeOperationInvokedReport(b OperationInvokedReportBody) ([]byte, error) {
	raw, err := xml.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("soap: encoding operation invoked report: %w", err)
	}
	return raw, nil
}

// DecodeOperationInvokedReport parses an OperationInvokedReport body.
func DecodeOperationInvokedReport(raw []byte) (OperationInvokedReportBody, error) {
	var b OperationInvokedReportBody
	if err := xml.Unmarshal(raw, &b); err != nil {
		return OperationInvokedReportBody{}, fmt.Errorf("soap: decoding operation invoked report: %w", err)
	}
	return b, nil
}

// SubscriptionEndBody is the payload of a SubscriptionEnd notification.
type SubscriptionEndBody struct {
	XMLName xml.Name `xml:"SubscriptionEnd"`
	Status  string   `xml:"Status"`
	Reason  string   `xml:"Reason,omitempty"`
}

// EncodeSubscriptionEnd renders a SubscriptionEnd body for the given status.
func EncodeSubscriptionEnd(status, reason string) ([]byte, error) {
	raw, err := xml.Marshal(SubscriptionEndBody{Status: status, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("soap: encoding subscription end: %w", err)
	}
	return raw, nil
}

// DecodeSubscriptionEnd parses a SubscriptionEnd body.
func DecodeSubscriptionEnd(raw []byte) (SubscriptionEndBody, error) {
	var b SubscriptionEndBody
	if err := xml.Unmarshal(raw, &b); err != nil {
		return SubscriptionEndBody{}, fmt.Errorf("soap: decoding subscription end: %w", err)
	}
	return b, nil
}

// SystemErrorReportBody is the payload of a SystemErrorReport notification,
// delivered as just another filterable action on the state-event stream.
type SystemErrorReportBody struct {
	XMLName xml.Name `xml:"SystemErrorReport"`
	Code    string   `xml:"Code,attr"`
	Message string   `xml:",chardata"`
}

// EncodeSystemErrorReport renders a SystemErrorReport body.
func EncodeSystemErrorReport(code, message string) ([]byte, error) {
	raw, err := xml.Marshal(SystemErrorReportBody{Code: code, Message: message})
	if err != nil {
		return nil, fmt.Errorf("soap: encoding system error report: %w", err)
	}
	return raw, nil
}

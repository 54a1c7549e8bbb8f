package soap

import "fmt"

// FaultCode is the SOAP 1.2 top-level fault code.
type FaultCode string

const (
	SenderFault   FaultCode = "Sender"
	ReceiverFault FaultCode = "Receiver"
)

// Subcodes covering the fault taxonomy this module needs to express:
// malformed/unrecognized requests are Sender faults, internal failures
// and invocation errors the consumer couldn't have prevented are Receiver
// faults.
const (
	SubcodeActionNotSupported    = "ActionNotSupported"
	SubcodeInvalidValue          = "InvalidValue"
	SubcodeUnknownSubscription   = "UnknownSubscription"
	SubcodeInvalidExpirationTime = "InvalidExpirationTime"
	SubcodeInternalError         = "InternalError"
)

// FaultError is a Handler error carrying the SOAP fault code/subcode the
// dispatcher should encode, instead of a bare Receiver/InternalError.
type FaultError struct {
	Code    FaultCode
	Subcode string
	Reason  string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Code, e.Subcode, e.Reason)
}

// NewFault constructs a FaultError for a handler to return.
func NewFault(code FaultCode, subcode, reason string) *FaultError {
	return &FaultError{Code: code, Subcode: subcode, Reason: reason}
}

// FaultEnvelope builds a SOAP 1.2 fault response correlated to req via
// WS-Addressing RelatesTo, echoing the request's reference parameters.
func FaultEnvelope(req *Envelope, code FaultCode, subcode, reason string) *Envelope {
	body := fmt.Sprintf(
		`<s12:Fault xmlns:s12=%q><s12:Code><s12:Value>s12:%s</s12:Value><s12:Subcode><s12:Value>%s</s12:Value></s12:Subcode></s12:Code><s12:Reason><s12:Text>%s</s12:Text></s12:Reason></s12:Fault>`,
		soapNS, code, subcode, reason,
	)
	env := &Envelope{
		Header: Header{
			Action:    string(code) + "Fault",
			RelatesTo: req.Header.MessageID,
			To:        req.Header.ReplyTo,

			ReferenceParameters: req.Header.ReferenceParameters,
		},
		Body: []byte(body),
	}
	return env
}

package soap

import (
	"github.com/sdcgo/sdc11073/qname"
)

// Header carries the WS-Addressing fields this module needs.
// Full WS-Addressing also defines From/FaultTo, which this module doesn't
// use and so doesn't carry.
type Header struct {
	Action              string
	MessageID           string
	RelatesTo           string
	To                  string
	ReplyTo             string
	ReferenceParameters map[string]string

	// MdibVersion/SequenceID/InstanceID are the BICEPS report-correlation
	// headers carried on every notification.
	MdibVersion *uint64
	SequenceID  string
	InstanceID  *int64
}

// Envelope is the decoded SOAP 1.2 envelope this module passes between the
// dispatcher and its handlers. Wire (de)serialization of the Body's
// payload-specific XML is left to each handler: the dispatcher only ever
// touches the namespace-qualified header fields and a raw body payload.
type Envelope struct {
	Header Header
	Body   []byte // raw, payload-specific XML; decoded by the handler registered for Header.Action
}

// NewRequest builds a minimal request envelope for a given action.
func NewRequest(action, messageID string, body []byte) *Envelope {
	return &Envelope{Header: Header{Action: action, MessageID: messageID}, Body: body}
}

// NewResponse builds a response envelope for the given response action.
func NewResponse(action string, body []byte) *Envelope {
	return &Envelope{Header: Header{Action: action}, Body: body}
}

// soapNS is used by fault.go to qualify Sender/Receiver fault codes
// under the SOAP 1.2 envelope namespace rather than a bare local name.
var soapNS = qname.NSSOAP12

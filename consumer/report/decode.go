package report

import (
	"fmt"

	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/soap"
)

// DecodeNotification parses one inbound notification envelope into a Report
// ready for Processor.Apply. The SDC correlation headers become the report's
// sequence/instance/version identity; the body is the per-bucket payload the
// provider encoded at fan-out time.
func DecodeNotification(env *soap.Envelope) (*Report, error) {
	if _, ok := qname.ActionBucket(env.Header.Action); !ok {
		return nil, fmt.Errorf("report: action %q is not a state report", env.Header.Action)
	}
	if env.Header.MdibVersion == nil {
		return nil, fmt.Errorf("report: notification is missing the MdibVersion header")
	}
	doc, err := mdib.DecodeReport(env.Body)
	if err != nil {
		return nil, err
	}
	return &Report{
		Action:      env.Header.Action,
		SequenceID:  env.Header.SequenceID,
		InstanceID:  env.Header.InstanceID,
		MdibVersion: *env.Header.MdibVersion,
		Descriptors: doc.Descriptors,
		Deleted:     doc.Deleted,
		States:      doc.States,
		Contexts:    doc.Contexts,
		IsWaveform:  env.Header.Action == qname.ActionWaveformStream,
	}, nil
}

// DecodeBootstrap parses a GetMdib response envelope into the Bootstrap the
// processor loads at start and on gap recovery.
func DecodeBootstrap(env *soap.Envelope) (*Bootstrap, error) {
	doc, err := mdib.DecodeMdib(env.Body)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{
		SequenceID:  doc.SequenceID,
		InstanceID:  doc.InstanceID,
		MdibVersion: doc.MdibVersion,
		Descriptors: doc.Descriptors,
		States:      doc.States,
		Contexts:    doc.Contexts,
	}, nil
}

// OperationInvokedCallback receives the outcome of an operation this
// consumer (or any peer) invoked, decoded from an OperationInvokedReport
// notification.
type OperationInvokedCallback func(transactionID uint64, invocationState, operationTarget, errorMessage string)

// DecodeOperationInvoked parses an OperationInvokedReport notification and
// feeds it to cb. Returns an error for any other action.
func DecodeOperationInvoked(env *soap.Envelope, cb OperationInvokedCallback) error {
	if env.Header.Action != qname.ActionOperationInvokedReport {
		return fmt.Errorf("report: action %q is not an operation invoked report", env.Header.Action)
	}
	body, err := soap.DecodeOperationInvokedReport(env.Body)
	if err != nil {
		return err
	}
	if cb != nil {
		cb(body.TransactionID, body.InvocationState, body.OperationTargetRef, body.ErrorMessage)
	}
	return nil
}

package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sdcgo/sdc11073/internal/faults"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/soap"
	"github.com/sdcgo/sdc11073/subscription"
)

// BuildNotificationEnvelope synthesizes the wire envelope for one
// notification: wsa:Action and wsa:To, the subscriber's
// reference parameters echoed as top-level headers, and the SDC
// MdibVersion/SequenceId/InstanceId correlation headers.
func BuildNotificationEnvelope(n subscription.Notification, endpoint string) (*soap.Envelope, error) {
	var body []byte
	var err error
	switch {
	case n.Action == qname.ActionSubscriptionEnd:
		body, err = soap.EncodeSubscriptionEnd(string(n.Reason), "")
	case n.Invocation != nil:
		body, err = soap.EncodeOperationInvokedReport(soap.OperationInvokedReportBody{
			TransactionID:      n.Invocation.TransactionID,
			InvocationState:    n.Invocation.InvocationState,
			OperationHandleRef: n.Invocation.OperationHandle,
			OperationTargetRef: n.Invocation.OperationTarget,
			InvocationError:    n.Invocation.Error,
			ErrorMessage:       n.Invocation.ErrorMessage,
		})
	case n.SystemError != nil:
		body, err = soap.EncodeSystemErrorReport(n.SystemError.Code, n.SystemError.Message)
	default:
		bucket, ok := qname.ActionBucket(n.Action)
		if !ok {
			return nil, fmt.Errorf("provider: no report encoding for action %q", n.Action)
		}
		body, err = mdib.EncodeReport(n.ChangeSet, bucket)
	}
	if err != nil {
		return nil, err
	}

	env := &soap.Envelope{
		Header: soap.Header{
			Action:              n.Action,
			MessageID:           "urn:uuid:" + uuid.NewString(),
			To:                  endpoint,
			ReferenceParameters: n.RefParams,
		},
		Body: body,
	}
	if n.Action != qname.ActionSubscriptionEnd {
		v := n.MdibVersion
		env.Header.MdibVersion = &v
		env.Header.SequenceID = n.SequenceID
		env.Header.InstanceID = n.InstanceID
	}
	return env, nil
}

// HTTPSender delivers notifications to subscriber endpoints via HTTP POST.
// It is the one subscription.Sender this module ships; TLS
// configuration is the caller's, through the injected http.Client. A 404
// from the subscriber is surfaced as an authoritative UnknownSubscription
// fault so the subscription manager deletes the subscription instead of
// merely marking it failed.
type HTTPSender struct {
	client *http.Client
	logger logging.Logger
}

// NewHTTPSender wraps client (nil gets a default with a 10s timeout; the
// standard library's client already pools and caps per-remote connections,
// with implicit reopen on error).
func NewHTTPSender(client *http.Client, logger logging.Logger) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{client: client, logger: logging.OrDefault(logger)}
}

// Send implements subscription.Sender.
func (s *HTTPSender) Send(ctx context.Context, endpoint string, n subscription.Notification) error {
	env, err := BuildNotificationEnvelope(n, endpoint)
	if err != nil {
		return err
	}
	raw, err := soap.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return faults.NewSubscriptionFault(faults.SubscriptionFaultUnknownSubscription,
			fmt.Sprintf("endpoint %s no longer accepts this subscription", endpoint))
	case resp.StatusCode >= 300:
		return fmt.Errorf("provider: notification to %s rejected with status %d", endpoint, resp.StatusCode)
	}
	return nil
}

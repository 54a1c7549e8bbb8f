// Package soap implements the SOAP 1.2/WS-Addressing request dispatcher:
// an action->handler registry, envelope and fault
// encoding, and the operation invocation lifecycle.
package soap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/internal/observability"
)

// Handler processes one decoded request body for a given action and returns
// the response body (or a Fault).
type Handler func(ctx context.Context, req *Envelope) (*Envelope, error)

// Definition registers one action's handler.
type Definition struct {
	Action  string
	Handler Handler
}

// Dispatcher routes inbound SOAP requests to the handler registered for the
// request's WS-Addressing Action.
type Dispatcher struct {
	defs   map[string]*Definition
	mu     sync.RWMutex
	logger logging.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger logging.Logger) *Dispatcher {
	return &Dispatcher{defs: make(map[string]*Definition), logger: logging.OrDefault(logger)}
}

// Register adds a handler for action.
func (d *Dispatcher) Register(def *Definition) error {
	if def.Action == "" {
		return fmt.Errorf("soap: action is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("soap: handler is required for action %q", def.Action)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defs[def.Action] = def
	return nil
}

// Has reports whether action has a registered handler.
func (d *Dispatcher) Has(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.defs[action]
	return ok
}

// List returns every registered action.
func (d *Dispatcher) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.defs))
	for action := range d.defs {
		out = append(out, action)
	}
	return out
}

// Dispatch routes req to the handler registered for its Action header,
// propagating WS-Addressing MessageID->RelatesTo and reference parameters
// into the response, and converting a handler error into a SOAP Fault
// envelope instead of propagating a Go error to the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Envelope) *Envelope {
	start := time.Now()
	action := req.Header.Action

	d.mu.RLock()
	def, ok := d.defs[action]
	d.mu.RUnlock()

	if !ok {
		observability.RecordDispatch(action, "fault", time.Since(start).Seconds())
		return FaultEnvelope(req, SenderFault, SubcodeActionNotSupported, fmt.Sprintf("no handler registered for action %q", action))
	}

	resp, err := def.Handler(ctx, req)
	if err != nil {
		observability.RecordDispatch(action, "fault", time.Since(start).Seconds())
		if f, ok := err.(*FaultError); ok {
			return FaultEnvelope(req, f.Code, f.Subcode, f.Reason)
		}
		return FaultEnvelope(req, ReceiverFault, "InternalError", err.Error())
	}

	resp.Header.RelatesTo = req.Header.MessageID
	resp.Header.To = req.Header.ReplyTo
	// Echo the request's reference parameters without dropping any the
	// handler set itself (Subscribe returns the new subscription's Identifier).
	if resp.Header.ReferenceParameters == nil {
		resp.Header.ReferenceParameters = req.Header.ReferenceParameters
	} else {
		for k, v := range req.Header.ReferenceParameters {
			if _, set := resp.Header.ReferenceParameters[k]; !set {
				resp.Header.ReferenceParameters[k] = v
			}
		}
	}

	observability.RecordDispatch(action, "ok", time.Since(start).Seconds())
	return resp
}

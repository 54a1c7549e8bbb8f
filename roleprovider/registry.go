// Package roleprovider implements the provider-side operation/waveform/alert
// source registry and the periodic waveform pump: the glue between the
// wire-level dispatcher (package soap) and the MDIB transaction manager
// (package mdib).
package roleprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/sdcgo/sdc11073/internal/faults"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/soap"
)

// OperationHandler executes one SetValue/SetString/Activate/SetMetricState
// invocation against the MDIB, inside an already-open transaction of the
// appropriate kind.
type OperationHandler func(ctx context.Context, tx *mdib.Transaction, argument string) error

// ContextOperationHandler executes a SetContextState invocation. It differs
// from OperationHandler because SetContextState targets a context state by
// its own handle rather than an operation target.
type ContextOperationHandler func(ctx context.Context, tx *mdib.Transaction, contextStateHandle string, association mdib.ContextAssociation) error

// Registry maps operation descriptor handles to the handler that executes
// them. An MDIB operation handler is either registered or it isn't; there
// is no health or load tracking.
type Registry struct {
	mdibMgr *mdib.Manager
	tracker *soap.Tracker
	logger  logging.Logger

	mu                sync.RWMutex
	operationHandlers map[string]OperationHandler
	contextHandlers   map[string]ContextOperationHandler
}

// NewRegistry creates an operation registry bound to mdibMgr.
func NewRegistry(mdibMgr *mdib.Manager, tracker *soap.Tracker, logger logging.Logger) *Registry {
	return &Registry{
		mdibMgr:           mdibMgr,
		tracker:           tracker,
		logger:            logging.OrDefault(logger),
		operationHandlers: make(map[string]OperationHandler),
		contextHandlers:   make(map[string]ContextOperationHandler),
	}
}

// RegisterOperation binds a handler to an operation descriptor handle. A
// handle already bound to a handler is a configuration error, fatal at
// startup.
func (r *Registry) RegisterOperation(operationHandle string, handler OperationHandler) error {
	if operationHandle == "" {
		return fmt.Errorf("roleprovider: operation handle is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.operationHandlers[operationHandle]; exists {
		return faults.NewConfigError("operation_handle", fmt.Sprintf("duplicate handler registration for %q", operationHandle))
	}
	r.operationHandlers[operationHandle] = handler
	return nil
}

// RegisterContextOperation binds a handler for SetContextState targeting
// descriptorHandle (the context descriptor, not an individual state). A
// handle already bound is a configuration error, fatal at startup.
func (r *Registry) RegisterContextOperation(descriptorHandle string, handler ContextOperationHandler) error {
	if descriptorHandle == "" {
		return fmt.Errorf("roleprovider: descriptor handle is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contextHandlers[descriptorHandle]; exists {
		return faults.NewConfigError("context_descriptor_handle", fmt.Sprintf("duplicate handler registration for %q", descriptorHandle))
	}
	r.contextHandlers[descriptorHandle] = handler
	return nil
}

// Invoke starts an invocation, begins the appropriate MDIB transaction, runs
// the registered handler, and commits or rolls back based on its result.
// The invocation lifecycle (Wait/Started/Fin/Fail) is tracked on the
// returned *soap.Invocation for the caller to build a response/report from.
func (r *Registry) Invoke(ctx context.Context, txKind mdib.TransactionKind, operationHandle, argument string) *soap.Invocation {
	inv := r.tracker.Begin(operationHandle)
	r.resolveTarget(inv, operationHandle)
	r.run(ctx, inv, txKind, operationHandle, argument)
	return inv
}

// InvokeAsync begins the invocation and returns it immediately, still in
// Wait state, so the caller can answer the SOAP request with
// InvocationState=Wait and the issued TransactionId. The handler runs on
// its own goroutine; onDone (may be nil) is called once the
// invocation reaches a terminal state, which is where the caller emits the
// final OperationInvokedReport.
func (r *Registry) InvokeAsync(ctx context.Context, txKind mdib.TransactionKind, operationHandle, argument string, onDone func(*soap.Invocation)) *soap.Invocation {
	inv := r.tracker.Begin(operationHandle)
	r.resolveTarget(inv, operationHandle)
	logging.SafeGo(r.logger, "operation-invoke-"+operationHandle, func() {
		r.run(ctx, inv, txKind, operationHandle, argument)
		if onDone != nil {
			onDone(inv)
		}
	}, nil)
	return inv
}

// resolveTarget records the operation descriptor's OperationTarget on the
// invocation, for the final report's OperationTargetRef.
func (r *Registry) resolveTarget(inv *soap.Invocation, operationHandle string) {
	if d, ok := r.mdibMgr.Store().GetDescriptor(operationHandle); ok && d.Operation != nil {
		inv.SetTarget(d.Operation.OperationTarget)
	}
}

func (r *Registry) run(ctx context.Context, inv *soap.Invocation, txKind mdib.TransactionKind, operationHandle, argument string) {
	r.mu.RLock()
	handler, ok := r.operationHandlers[operationHandle]
	r.mu.RUnlock()
	if !ok {
		inv.Fail(soap.InvocationErrorInvalidTarget, fmt.Sprintf("no handler registered for operation %q", operationHandle))
		return
	}

	inv.Transition(soap.InvocationStarted)
	tx := r.mdibMgr.Begin(txKind)
	if err := handler(ctx, tx, argument); err != nil {
		tx.Rollback()
		df := faults.NewDomainFault(operationHandle, "operation handler rejected the invocation", err)
		inv.Fail(soap.InvocationErrorInvalidValue, df.Error())
		return
	}
	if _, err := tx.Commit(); err != nil {
		df := faults.NewDomainFault(operationHandle, "commit failed", err)
		inv.Fail(soap.InvocationErrorInvalidValue, df.Error())
		return
	}
	inv.Finish()
}

// InvokeSetContextState runs the SetContextState lifecycle. A request
// targeting a context state handle this provider has never seen fails with
// InvalidValue rather than silently creating a new instance (resolved
// design decision: a consumer-supplied handle must resolve to an instance
// the provider already knows about or previously offered).
func (r *Registry) InvokeSetContextState(ctx context.Context, descriptorHandle, contextStateHandle string, association mdib.ContextAssociation) *soap.Invocation {
	inv := r.tracker.Begin(descriptorHandle)
	inv.SetTarget(contextStateHandle)

	r.mu.RLock()
	handler, ok := r.contextHandlers[descriptorHandle]
	r.mu.RUnlock()
	if !ok {
		inv.Fail(soap.InvocationErrorInvalidTarget, fmt.Sprintf("no context operation registered for descriptor %q", descriptorHandle))
		return inv
	}

	inv.Transition(soap.InvocationStarted)
	tx := r.mdibMgr.Begin(mdib.TxContext)

	if _, err := tx.GetContextState(descriptorHandle, contextStateHandle); err != nil {
		tx.Rollback()
		inv.Fail(soap.InvocationErrorInvalidValue, "unknown context state handle: "+contextStateHandle)
		return inv
	}

	if err := handler(ctx, tx, contextStateHandle, association); err != nil {
		tx.Rollback()
		inv.Fail(soap.InvocationErrorInvalidValue, err.Error())
		return inv
	}
	if _, err := tx.Commit(); err != nil {
		inv.Fail(soap.InvocationErrorInvalidValue, err.Error())
		return inv
	}
	inv.Finish()
	return inv
}

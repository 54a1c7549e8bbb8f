package soap

import (
	"sync"
	"sync/atomic"
)

// InvocationState is the lifecycle of one SetValue/SetString/Activate/
// SetContextState/SetMetricState invocation.
type InvocationState string

const (
	InvocationWait    InvocationState = "Wait"
	InvocationStarted InvocationState = "Started"
	InvocationFin     InvocationState = "Fin"
	InvocationFail    InvocationState = "Fail"
)

// InvocationError is the BICEPS error taxonomy attached to a Fail
// transition.
type InvocationError string

const (
	InvocationErrorUnspecified   InvocationError = "Oth"
	InvocationErrorInvalidValue  InvocationError = "InvalidValue"
	InvocationErrorUnsupported   InvocationError = "Unsupported"
	InvocationErrorInvalidTarget InvocationError = "Inv"
	InvocationErrorInvalidState  InvocationError = "NotSupported"
)

// Invocation tracks one operation invocation from issuance through its
// terminal Fin or Fail state. The fast-path flag records whether the
// operation completed synchronously in the SetValue/SetString/etc response
// itself, versus asynchronously via OperationInvokedReport.
type Invocation struct {
	TransactionID   uint64
	OperationHandle string
	State           InvocationState
	Error           InvocationError
	ErrorMessage    string
	FastPath        bool

	// target is the descriptor handle the operation actually affects,
	// reported as OperationTargetRef in the final OperationInvokedReport.
	target string

	mu sync.Mutex
}

// SetTarget records the descriptor handle the operation affects.
func (inv *Invocation) SetTarget(handle string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.target = handle
}

// TargetRef returns the recorded OperationTargetRef, empty if the operation
// never resolved a target.
func (inv *Invocation) TargetRef() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.target
}

// Tracker issues TransactionIds and tracks in-flight invocations, so the
// role provider (component J) can report state transitions via
// OperationInvokedReport.
type Tracker struct {
	nextID atomic.Uint64

	mu   sync.Mutex
	byID map[uint64]*Invocation
}

// NewTracker creates an invocation tracker.
func NewTracker() *Tracker {
	return &Tracker{byID: make(map[uint64]*Invocation)}
}

// Begin issues a new TransactionId and records the invocation in Wait
// state.
func (t *Tracker) Begin(operationHandle string) *Invocation {
	id := t.nextID.Add(1)
	inv := &Invocation{TransactionID: id, OperationHandle: operationHandle, State: InvocationWait}
	t.mu.Lock()
	t.byID[id] = inv
	t.mu.Unlock()
	return inv
}

// Get looks up an in-flight or recently-terminal invocation by TransactionId.
func (t *Tracker) Get(id uint64) (*Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.byID[id]
	return inv, ok
}

// Transition moves an invocation to the given state.
func (inv *Invocation) Transition(state InvocationState) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.State = state
}

// Fail moves an invocation to its terminal Fail state with an error code.
func (inv *Invocation) Fail(errCode InvocationError, message string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.State = InvocationFail
	inv.Error = errCode
	inv.ErrorMessage = message
}

// Finish moves an invocation to its terminal Fin state.
func (inv *Invocation) Finish() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.State = InvocationFin
}

// Snapshot returns the invocation's current state fields under lock, for a
// caller building an OperationInvokedReport or a fast-path response.
func (inv *Invocation) Snapshot() (state InvocationState, errCode InvocationError, errMsg string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.State, inv.Error, inv.ErrorMessage
}

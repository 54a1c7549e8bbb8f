package mdib

import (
	"fmt"
	"sync"
	"time"

	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/internal/observability"
)

// TransactionKind selects which change-set bucket a transaction produces.
type TransactionKind string

const (
	TxDescriptor  TransactionKind = "descriptor"
	TxMetric      TransactionKind = "metric"
	TxAlert       TransactionKind = "alert"
	TxComponent   TransactionKind = "component"
	TxOperational TransactionKind = "operational"
	TxContext     TransactionKind = "context"
	TxWaveform    TransactionKind = "waveform"
)

// CommitListener receives every committed change-set in commit order. The
// subscription manager (component F) is the canonical listener; report
// processors on the consumer side never see a Manager directly.
type CommitListener func(ChangeSet)

// Manager is the provider-side transaction manager: the
// single serialization point for MDIB mutation. At most one transaction may
// be committing at a time; readers always observe a consistent, atomically
// published snapshot.
type Manager struct {
	store      *Store
	logger     logging.Logger
	singletons func(kind string) bool

	commitMu    sync.Mutex // the single serialization point
	listeners   []CommitListener
	listenersMu sync.RWMutex
}

// NewManager creates a transaction manager over store. isSingleton reports
// whether a context kind requires at most one Assoc/Pre state at a time
// (e.g. Patient, Location); pass nil to treat no kind as singleton.
func NewManager(store *Store, logger logging.Logger, isSingleton func(kind string) bool) *Manager {
	if isSingleton == nil {
		isSingleton = func(string) bool { return false }
	}
	return &Manager{store: store, logger: logging.OrDefault(logger), singletons: isSingleton}
}

// Subscribe registers a listener invoked, in commit order, after every
// successful commit. Two commits A then B produce notifications in that
// order, guaranteed here because listeners are invoked synchronously, still
// holding commitMu, before Commit returns.
func (m *Manager) Subscribe(l CommitListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Store exposes the read-only store backing this manager.
func (m *Manager) Store() *Store { return m.store }

// Begin starts a new transaction of the given kind against the current
// committed snapshot. Begin acquires the manager's single serialization
// point and holds it until the transaction finishes (Commit or Rollback).
// A lock only taken at Commit would let two transactions clone the same
// pre-edit snapshot at Begin and then race to apply their edits, silently
// losing whichever one committed first: commit validation requires that
// every touched entity is still the one the transaction observed. Holding
// the lock for the whole transaction lifetime means t.work is never stale
// relative to the live store, so no re-validation against a second, live
// snapshot is needed at Commit. Every Begin must be matched by exactly one
// Commit or Rollback, or the manager deadlocks.
func (m *Manager) Begin(kind TransactionKind) *Transaction {
	m.commitMu.Lock()
	base := m.store.cur.Load()
	return &Transaction{
		mgr:  m,
		kind: kind,
		base: base,
		work: base.clone(),

		touchedDescriptors: make(map[string]*Descriptor),
		touchedStates:      make(map[string]*State),
		touchedContexts:    make(map[string][]*State),
		deletedDescriptors: make(map[string]bool),
		createdDescriptors: make(map[string]bool),
	}
}

// Transaction presents mutable proxies for the entities the caller touches.
// Proxies are cloned from the committed snapshot on first touch; entities
// never observed by the transaction are left untouched.
type Transaction struct {
	mgr  *Manager
	kind TransactionKind
	base *snapshot
	work *snapshot

	touchedDescriptors map[string]*Descriptor
	touchedStates      map[string]*State
	touchedContexts    map[string][]*State // descriptor handle -> touched context states this tx created/updated
	deletedDescriptors map[string]bool
	createdDescriptors map[string]bool

	committed  bool
	rolledBack bool
}

// Kind returns the transaction's kind.
func (t *Transaction) Kind() TransactionKind { return t.kind }

// GetDescriptor returns a mutable proxy for handle's descriptor, cloning it
// from the committed snapshot on first touch within this transaction.
func (t *Transaction) GetDescriptor(handle string) (*Descriptor, error) {
	if d, ok := t.touchedDescriptors[handle]; ok {
		return d, nil
	}
	d, ok := t.work.descriptors[handle]
	if !ok {
		return nil, fmt.Errorf("mdib: descriptor %q does not exist", handle)
	}
	cp := d.Clone()
	t.touchedDescriptors[handle] = cp
	return cp, nil
}

// CreateDescriptor adds a new descriptor within this transaction. Only legal
// in a TxDescriptor transaction.
func (t *Transaction) CreateDescriptor(d *Descriptor) error {
	if t.kind != TxDescriptor {
		return fmt.Errorf("mdib: CreateDescriptor requires a descriptor transaction, got %s", t.kind)
	}
	if d.Handle == "" {
		return fmt.Errorf("mdib: descriptor handle is required")
	}
	if _, exists := t.work.descriptors[d.Handle]; exists {
		return fmt.Errorf("mdib: descriptor %q already exists", d.Handle)
	}
	if d.ParentHandle != "" {
		if _, ok := t.work.descriptors[d.ParentHandle]; !ok {
			if !t.createdDescriptors[d.ParentHandle] {
				return fmt.Errorf("mdib: parent handle %q does not resolve", d.ParentHandle)
			}
		}
	}
	cp := d.Clone()
	t.touchedDescriptors[d.Handle] = cp
	t.createdDescriptors[d.Handle] = true
	return nil
}

// DeleteDescriptor marks handle (and by implication its states) for
// deletion. Only legal in a TxDescriptor transaction.
func (t *Transaction) DeleteDescriptor(handle string) error {
	if t.kind != TxDescriptor {
		return fmt.Errorf("mdib: DeleteDescriptor requires a descriptor transaction, got %s", t.kind)
	}
	if _, ok := t.work.descriptors[handle]; !ok && !t.createdDescriptors[handle] {
		return fmt.Errorf("mdib: descriptor %q does not exist", handle)
	}
	t.deletedDescriptors[handle] = true
	return nil
}

// GetState returns a mutable proxy for a single-state descriptor's state,
// cloning it on first touch. For context descriptors use GetContextState.
func (t *Transaction) GetState(descriptorHandle string) (*State, error) {
	if s, ok := t.touchedStates[descriptorHandle]; ok {
		return s, nil
	}
	s, ok := t.work.states[descriptorHandle]
	if !ok {
		return nil, fmt.Errorf("mdib: state for descriptor %q does not exist", descriptorHandle)
	}
	cp := s.Clone()
	t.touchedStates[descriptorHandle] = cp
	return cp, nil
}

// PutState installs (creates or replaces) the single-state for a descriptor.
// Used when a descriptor transaction creates a descriptor and its initial
// state together.
func (t *Transaction) PutState(s *State) error {
	d, ok := t.work.descriptors[s.DescriptorHandle]
	if !ok && !t.createdDescriptors[s.DescriptorHandle] {
		return fmt.Errorf("mdib: state references unknown descriptor %q", s.DescriptorHandle)
	}
	if ok && d.Kind.IsContext() {
		return fmt.Errorf("mdib: descriptor %q is a context descriptor, use PutContextState", s.DescriptorHandle)
	}
	cp := s.Clone()
	if prev, ok := t.work.states[s.DescriptorHandle]; ok {
		// Replacing a committed state continues its version sequence.
		cp.StateVersion = prev.StateVersion
	}
	t.touchedStates[s.DescriptorHandle] = cp
	return nil
}

// GetContextState returns a mutable proxy for one context state instance by
// its own handle, cloning it on first touch. The descriptor handle is
// required because a fresh (not-yet-committed) context state has no prior
// entry to look up by instance handle alone.
func (t *Transaction) GetContextState(descriptorHandle, stateHandle string) (*State, error) {
	for _, s := range t.touchedContexts[descriptorHandle] {
		if s.Handle == stateHandle {
			return s, nil
		}
	}
	for _, s := range t.work.contexts[descriptorHandle] {
		if s.Handle == stateHandle {
			cp := s.Clone()
			t.touchedContexts[descriptorHandle] = append(t.touchedContexts[descriptorHandle], cp)
			return cp, nil
		}
	}
	return nil, fmt.Errorf("mdib: context state %q for descriptor %q does not exist", stateHandle, descriptorHandle)
}

// PutContextState creates or updates a context state instance within this
// transaction, enforcing the association-transition and singleton-kind
// invariants: a singleton kind may hold at most one Assoc/Pre instance
// per descriptor, and association changes must follow the legality table.
func (t *Transaction) PutContextState(s *State) error {
	d, ok := t.work.descriptors[s.DescriptorHandle]
	if !ok && !t.createdDescriptors[s.DescriptorHandle] {
		return fmt.Errorf("mdib: context state references unknown descriptor %q", s.DescriptorHandle)
	}
	if ok && !d.Kind.IsContext() {
		return fmt.Errorf("mdib: descriptor %q is not a context descriptor", s.DescriptorHandle)
	}

	prev := t.findContext(s.DescriptorHandle, s.Handle)
	if prev != nil {
		if !IsValidContextTransition(prev.ContextAssociation, s.ContextAssociation) {
			return fmt.Errorf("mdib: illegal context association transition %s -> %s for %q",
				prev.ContextAssociation, s.ContextAssociation, s.Handle)
		}
	}

	if s.ContextAssociation == AssociationAssoc || s.ContextAssociation == AssociationPre {
		kindName := string(s.Kind)
		if t.mgr.singletons(kindName) {
			for _, existing := range t.allContextStatesAfterThisTx(s.DescriptorHandle) {
				if existing.Handle == s.Handle {
					continue
				}
				if existing.ContextAssociation == AssociationAssoc || existing.ContextAssociation == AssociationPre {
					return fmt.Errorf("mdib: singleton context kind %s already has an associated state (%q)", kindName, existing.Handle)
				}
			}
		}
	}

	cp := s.Clone()
	if prev != nil {
		cp.StateVersion = prev.StateVersion
	}
	replaced := false
	list := t.touchedContexts[s.DescriptorHandle]
	for i, existing := range list {
		if existing.Handle == s.Handle {
			list[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, cp)
	}
	t.touchedContexts[s.DescriptorHandle] = list
	return nil
}

func (t *Transaction) findContext(descriptorHandle, stateHandle string) *State {
	for _, s := range t.touchedContexts[descriptorHandle] {
		if s.Handle == stateHandle {
			return s
		}
	}
	for _, s := range t.work.contexts[descriptorHandle] {
		if s.Handle == stateHandle {
			return s
		}
	}
	return nil
}

// allContextStatesAfterThisTx returns what the descriptor's context state
// list would look like if this transaction committed right now: committed
// states not touched by the tx, plus every touched (created/updated) state.
func (t *Transaction) allContextStatesAfterThisTx(descriptorHandle string) []*State {
	touched := t.touchedContexts[descriptorHandle]
	touchedHandles := make(map[string]bool, len(touched))
	for _, s := range touched {
		touchedHandles[s.Handle] = true
	}
	out := append([]*State(nil), touched...)
	for _, s := range t.work.contexts[descriptorHandle] {
		if !touchedHandles[s.Handle] {
			out = append(out, s)
		}
	}
	return out
}

// Rollback discards the transaction. No version is bumped and no listener is
// notified.
func (t *Transaction) Rollback() {
	if t.committed || t.rolledBack {
		return
	}
	t.rolledBack = true
	t.mgr.commitMu.Unlock()
}

// Commit validates the transaction and, if valid, atomically publishes a new
// snapshot with bumped versions and emits the resulting change-set to
// registered listeners in commit order.
func (t *Transaction) Commit() (ChangeSet, error) {
	if t.committed || t.rolledBack {
		return ChangeSet{}, fmt.Errorf("mdib: transaction already finished")
	}
	// The serialization lock was taken in Begin and is held for the whole
	// transaction lifetime (see Begin's doc comment); release it here no
	// matter which way Commit returns, since a failed validation still
	// finishes the transaction.
	defer t.mgr.commitMu.Unlock()
	start := time.Now()

	if err := t.validate(); err != nil {
		t.rolledBack = true
		observability.RecordCommit(string(t.kind), "rolled_back", time.Since(start).Seconds())
		return ChangeSet{}, err
	}

	next := t.mgr.store.cur.Load().clone()
	newVersion := next.mdibVersion + 1
	cs := ChangeSet{MdibVersion: newVersion}

	// Apply descriptor deletions.
	for handle := range t.deletedDescriptors {
		delete(next.descriptors, handle)
		delete(next.states, handle)
		delete(next.contexts, handle)
		cs.DescriptorUpdates.Deleted = append(cs.DescriptorUpdates.Deleted, handle)
		if deleted := t.base.descriptors[handle]; deleted != nil {
			next.byParent[deleted.ParentHandle] = removeHandle(next.byParent[deleted.ParentHandle], handle)
			updateCodeIndex(next, handle, deleted, nil)
		}
	}

	// Apply descriptor creates/updates.
	for handle, d := range t.touchedDescriptors {
		if t.deletedDescriptors[handle] {
			continue
		}
		d.DescriptorVersion++
		next.descriptors[handle] = d
		if t.createdDescriptors[handle] {
			cs.DescriptorUpdates.Created = append(cs.DescriptorUpdates.Created, d)
			next.byParent[d.ParentHandle] = append(next.byParent[d.ParentHandle], handle)
			updateCodeIndex(next, handle, nil, d)
		} else {
			cs.DescriptorUpdates.Updated = append(cs.DescriptorUpdates.Updated, d)
			updateCodeIndex(next, handle, t.base.descriptors[handle], d)
		}
	}

	// Apply single-state updates, bucketed by descriptor kind.
	for handle, s := range t.touchedStates {
		s.StateVersion++
		s.BindingMdibVersion = newVersion
		next.states[handle] = s
		t.bucketState(&cs, s)
		if t.kind == TxDescriptor {
			cs.DescriptorUpdates.States = append(cs.DescriptorUpdates.States, s)
		}
	}

	// Apply context state creates/updates.
	for descriptorHandle, states := range t.touchedContexts {
		list := next.contexts[descriptorHandle]
		for _, s := range states {
			s.StateVersion++
			if s.ContextAssociation == AssociationAssoc {
				s.BindingMdibVersion = newVersion
			}
			replaced := false
			for i, existing := range list {
				if existing.Handle == s.Handle {
					list[i] = s
					replaced = true
					break
				}
			}
			if !replaced {
				list = append(list, s)
			}
			cs.ContextUpdates = append(cs.ContextUpdates, s)
		}
		next.contexts[descriptorHandle] = list
	}

	next.mdibVersion = newVersion
	t.mgr.store.cur.Store(next)
	t.committed = true

	observability.RecordCommit(string(t.kind), "committed", time.Since(start).Seconds())
	observability.SetMdibVersion(newVersion)

	t.mgr.listenersMu.RLock()
	listeners := append([]CommitListener(nil), t.mgr.listeners...)
	t.mgr.listenersMu.RUnlock()
	for _, l := range listeners {
		l(cs)
	}

	return cs, nil
}

func (t *Transaction) bucketState(cs *ChangeSet, s *State) {
	switch s.Kind {
	case "NumericMetric", "StringMetric", "EnumStringMetric":
		cs.MetricUpdates = append(cs.MetricUpdates, s)
	case "RealTimeSampleArrayMetric":
		cs.WaveformUpdates = append(cs.WaveformUpdates, s)
	case "AlertSystem", "AlertCondition", "AlertSignal":
		cs.AlertUpdates = append(cs.AlertUpdates, s)
	case "Sco", "Operation":
		cs.OperationalUpdates = append(cs.OperationalUpdates, s)
	case "Mds", "Vmd", "Channel":
		cs.ComponentUpdates = append(cs.ComponentUpdates, s)
	default:
		cs.MetricUpdates = append(cs.MetricUpdates, s)
	}
}

// validate checks every entity touched by the transaction still exists (or
// is a legal create/delete) and that every touched descriptor's parent
// resolves. It does not compare touched states' kinds with the transaction's
// kind.
func (t *Transaction) validate() error {
	for handle, d := range t.touchedDescriptors {
		if t.deletedDescriptors[handle] {
			continue
		}
		if !t.createdDescriptors[handle] {
			if _, ok := t.work.descriptors[handle]; !ok {
				return fmt.Errorf("mdib: validate: descriptor %q no longer exists", handle)
			}
		}
		if d.ParentHandle != "" {
			if _, ok := t.work.descriptors[d.ParentHandle]; !ok && !t.createdDescriptors[d.ParentHandle] {
				return fmt.Errorf("mdib: validate: parent handle %q does not resolve", d.ParentHandle)
			}
		}
	}
	for handle := range t.touchedStates {
		if _, ok := t.work.descriptors[handle]; !ok && !t.createdDescriptors[handle] {
			return fmt.Errorf("mdib: validate: state %q references a descriptor that no longer exists", handle)
		}
	}
	for descriptorHandle := range t.touchedContexts {
		if _, ok := t.work.descriptors[descriptorHandle]; !ok && !t.createdDescriptors[descriptorHandle] {
			return fmt.Errorf("mdib: validate: context states reference a descriptor that no longer exists: %q", descriptorHandle)
		}
	}
	return nil
}

func removeHandle(handles []string, target string) []string {
	out := handles[:0]
	for _, h := range handles {
		if h != target {
			out = append(out, h)
		}
	}
	return out
}

// metricCode returns d's metric code, or "" if d is nil or not a metric.
func metricCode(d *Descriptor) string {
	if d == nil || d.Metric == nil {
		return ""
	}
	return d.Metric.Code
}

// updateCodeIndex keeps next.byCode in sync with a descriptor change, moving
// handle from old's code bucket to new's; the secondary index always moves
// in the same commit as the primary tables.
func updateCodeIndex(next *snapshot, handle string, old, new *Descriptor) {
	oldCode, newCode := metricCode(old), metricCode(new)
	if oldCode == newCode {
		return
	}
	if oldCode != "" {
		next.byCode[oldCode] = removeHandle(next.byCode[oldCode], handle)
	}
	if newCode != "" {
		next.byCode[newCode] = append(next.byCode[newCode], handle)
	}
}

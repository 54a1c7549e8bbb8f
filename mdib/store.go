package mdib

import (
	"sync/atomic"
)

// snapshot is the atomically-swapped immutable view of the MDIB. Readers
// borrow a snapshot pointer and never block on the committer: many lock-free
// readers, one committer.
type snapshot struct {
	mdibVersion uint64
	sequenceID  string
	instanceID  *int64

	descriptors map[string]*Descriptor // handle -> descriptor
	states      map[string]*State      // single-state: keyed by descriptor handle
	contexts    map[string][]*State    // multi-state: descriptor handle -> context states

	byParent map[string][]string // parent handle -> ordered child handles
	byCode   map[string][]string // metric code -> handles, see Store.ByCode
}

func emptySnapshot(sequenceID string) *snapshot {
	return &snapshot{
		sequenceID:  sequenceID,
		descriptors: make(map[string]*Descriptor),
		states:      make(map[string]*State),
		contexts:    make(map[string][]*State),
		byParent:    make(map[string][]string),
		byCode:      make(map[string][]string),
	}
}

// clone returns a shallow copy of the snapshot's tables, suitable as the
// base for a transaction: the maps are copied (so the in-flight transaction
// can add/remove keys without mutating the committed snapshot) but the
// *Descriptor/*State values are shared until a proxy clones one on first
// touch.
func (s *snapshot) clone() *snapshot {
	cp := &snapshot{
		mdibVersion: s.mdibVersion,
		sequenceID:  s.sequenceID,
		instanceID:  s.instanceID,
		descriptors: make(map[string]*Descriptor, len(s.descriptors)),
		states:      make(map[string]*State, len(s.states)),
		contexts:    make(map[string][]*State, len(s.contexts)),
		byParent:    make(map[string][]string, len(s.byParent)),
		byCode:      make(map[string][]string, len(s.byCode)),
	}
	for k, v := range s.descriptors {
		cp.descriptors[k] = v
	}
	for k, v := range s.states {
		cp.states[k] = v
	}
	for k, v := range s.contexts {
		cp.contexts[k] = append([]*State(nil), v...)
	}
	for k, v := range s.byParent {
		cp.byParent[k] = append([]string(nil), v...)
	}
	for k, v := range s.byCode {
		cp.byCode[k] = append([]string(nil), v...)
	}
	return cp
}

// Store is the indexed, versioned holder of descriptors and states. All
// writes happen through a Transaction (mdib/transaction.go);
// a direct write to Store outside of commit() is a programming error.
type Store struct {
	cur atomic.Pointer[snapshot]
}

// NewStore creates an empty MDIB store with the given sequence id.
func NewStore(sequenceID string) *Store {
	st := &Store{}
	st.cur.Store(emptySnapshot(sequenceID))
	return st
}

// MdibVersion returns the current committed mdib_version.
func (st *Store) MdibVersion() uint64 {
	return st.cur.Load().mdibVersion
}

// SequenceID returns the current sequence id.
func (st *Store) SequenceID() string {
	return st.cur.Load().sequenceID
}

// InstanceID returns the current instance id, if set.
func (st *Store) InstanceID() *int64 {
	return st.cur.Load().instanceID
}

// GetDescriptor returns the descriptor for handle, or (nil, false).
func (st *Store) GetDescriptor(handle string) (*Descriptor, bool) {
	d, ok := st.cur.Load().descriptors[handle]
	return d, ok
}

// GetState returns the single-state for a descriptor handle, or (nil, false).
// For context descriptors, use ContextStates instead.
func (st *Store) GetState(descriptorHandle string) (*State, bool) {
	s, ok := st.cur.Load().states[descriptorHandle]
	return s, ok
}

// GetStateByHandle resolves any state (single or context) by its own handle.
// For single-state descriptors the state handle equals the descriptor
// handle, so this also serves GetState's job; it additionally scans context
// states by their own distinct handle.
func (st *Store) GetStateByHandle(handle string) (*State, bool) {
	snap := st.cur.Load()
	if s, ok := snap.states[handle]; ok {
		return s, true
	}
	for _, states := range snap.contexts {
		for _, s := range states {
			if s.Handle == handle {
				return s, true
			}
		}
	}
	return nil, false
}

// ContextStates returns all context states for a context descriptor handle,
// in no particular order guarantee beyond "stable until next commit".
func (st *Store) ContextStates(descriptorHandle string) []*State {
	snap := st.cur.Load()
	out := snap.contexts[descriptorHandle]
	cp := make([]*State, len(out))
	copy(cp, out)
	return cp
}

// Children returns the handles of handle's direct children, in the order
// they were created, which matches source XML order when loaded.
func (st *Store) Children(handle string) []string {
	snap := st.cur.Load()
	out := snap.byParent[handle]
	cp := make([]string, len(out))
	copy(cp, out)
	return cp
}

// ByCode returns the handles of every metric descriptor currently carrying
// the given coded identifier.
func (st *Store) ByCode(code string) []string {
	snap := st.cur.Load()
	out := snap.byCode[code]
	cp := make([]string, len(out))
	copy(cp, out)
	return cp
}

// Snapshot is the atomic, point-in-time borrow of store state a reader or
// the report processor works against.
type Snapshot struct {
	MdibVersion uint64
	SequenceID  string
	InstanceID  *int64
	Descriptors map[string]*Descriptor
	States      map[string]*State
	Contexts    map[string][]*State
}

// TakeSnapshot returns an atomic point-in-time view of the store. The
// returned maps are owned by the snapshot and must not be mutated by the
// caller.
func (st *Store) TakeSnapshot() Snapshot {
	snap := st.cur.Load()
	return Snapshot{
		MdibVersion: snap.mdibVersion,
		SequenceID:  snap.sequenceID,
		InstanceID:  snap.instanceID,
		Descriptors: snap.descriptors,
		States:      snap.states,
		Contexts:    snap.contexts,
	}
}

// ResetSequence assigns a fresh sequence id and clears all descriptors and
// states. Used by the provider on restart/continuity reset and
// by the consumer's gap-recovery bootstrap before reloading
// from a fresh GetMdib.
func (st *Store) ResetSequence(sequenceID string) {
	st.cur.Store(emptySnapshot(sequenceID))
}

// ApplyMirror atomically installs descriptor/state updates at the given
// mdib_version, bypassing transaction validation. This is the consumer-side
// write path (package consumer/report): unlike the provider, a consumer
// does not originate versions, it mirrors whatever the provider already
// committed to, so there is nothing left to validate beyond "does this
// reference a known parent/descriptor", which the caller already resolved
// against its own pending/bootstrap bookkeeping.
func (st *Store) ApplyMirror(version uint64, descriptors []*Descriptor, deletedHandles []string, states []*State, contexts []*State) {
	next := st.cur.Load().clone()
	next.mdibVersion = version

	for _, h := range deletedHandles {
		if d, ok := next.descriptors[h]; ok {
			next.byParent[d.ParentHandle] = removeHandle(next.byParent[d.ParentHandle], h)
			updateCodeIndex(next, h, d, nil)
		}
		delete(next.descriptors, h)
		delete(next.states, h)
		delete(next.contexts, h)
	}
	for _, d := range descriptors {
		existing, exists := next.descriptors[d.Handle]
		if !exists {
			// Root descriptors index under the empty parent handle, same as
			// the provider-side commit path, so Children/Document behave
			// identically on a mirror.
			next.byParent[d.ParentHandle] = append(next.byParent[d.ParentHandle], d.Handle)
		}
		if exists {
			updateCodeIndex(next, d.Handle, existing, d)
		} else {
			updateCodeIndex(next, d.Handle, nil, d)
		}
		next.descriptors[d.Handle] = d
	}
	for _, s := range states {
		next.states[s.DescriptorHandle] = s
	}
	for _, s := range contexts {
		list := next.contexts[s.DescriptorHandle]
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
		next.contexts[s.DescriptorHandle] = list
	}

	st.cur.Store(next)
}

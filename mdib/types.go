// Package mdib implements the in-memory, versioned, hierarchical Medical
// Device Information Base: an indexed store of descriptors and states,
// mutated only through transactions that produce ordered, typed change-sets.
//
// Go has no native sum type, so each descriptor/state family is a single
// struct carrying a Kind discriminant plus one populated kind-specific
// payload field.
package mdib

import (
	"time"

	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/xmlval"
)

// Descriptor is a structural MDIB node: MDS, VMD, Channel, a metric, an
// alert, an SCO/operation, or a context descriptor.
type Descriptor struct {
	Handle            string
	ParentHandle      string // empty for the root MDS descriptor
	Kind              qname.Kind
	DescriptorVersion uint64

	// Component payload, populated when Kind is Mds/Vmd/Channel.
	Component *ComponentPayload
	// Metric payload, populated when Kind is one of the *Metric kinds.
	Metric *MetricPayload
	// Alert payload, populated when Kind is one of the Alert* kinds.
	Alert *AlertPayload
	// Operation payload, populated when Kind is Sco or Operation.
	Operation *OperationPayload
	// Context payload, populated when Kind.IsContext().
	Context *ContextPayload
}

// Clone returns a deep-enough copy for use as a transaction proxy base.
func (d *Descriptor) Clone() *Descriptor {
	cp := *d
	if d.Component != nil {
		c := *d.Component
		cp.Component = &c
	}
	if d.Metric != nil {
		m := *d.Metric
		cp.Metric = &m
	}
	if d.Alert != nil {
		a := *d.Alert
		cp.Alert = &a
	}
	if d.Operation != nil {
		o := *d.Operation
		cp.Operation = &o
	}
	if d.Context != nil {
		c := *d.Context
		cp.Context = &c
	}
	return &cp
}

// ComponentPayload holds attributes specific to MDS/VMD/Channel descriptors.
type ComponentPayload struct {
	Type           string
	ProductionSpec string
}

// MetricPayload holds attributes specific to metric descriptors.
type MetricPayload struct {
	Unit           string
	MetricCategory string  // e.g. "Msrmt", "Set", "Clc"
	Resolution     float64 // for sample-array metrics, the sampling resolution
	SamplePeriod   time.Duration
	// Code is the coded identifier (e.g. a MDC/NOMENCLATURE code) this metric
	// is known by, indexed by Store.ByCode.
	Code string
}

// AlertPayload holds attributes specific to alert descriptors.
type AlertPayload struct {
	Priority string
	Kind     string // "condition" or "signal"
}

// OperationPayload holds attributes specific to SCO/operation descriptors.
type OperationPayload struct {
	OperationTarget string // descriptor handle the operation acts on
	MaxTimeToFinish time.Duration
}

// ContextPayload holds attributes specific to context descriptors.
// Singleton-association configuration lives in config, not here: the
// descriptor itself carries no association state.
type ContextPayload struct{}

// ContextAssociation is the association state of a context state instance.
type ContextAssociation string

const (
	AssociationNo    ContextAssociation = "No"
	AssociationPre   ContextAssociation = "Pre"
	AssociationAssoc ContextAssociation = "Assoc"
	AssociationDis   ContextAssociation = "Dis"
)

// contextTransitions enumerates legal ContextAssociation transitions.
var contextTransitions = map[ContextAssociation]map[ContextAssociation]bool{
	AssociationNo:    {AssociationNo: true, AssociationPre: true, AssociationAssoc: true},
	AssociationPre:   {AssociationPre: true, AssociationAssoc: true, AssociationDis: true},
	AssociationAssoc: {AssociationAssoc: true, AssociationDis: true},
	AssociationDis:   {AssociationDis: true},
}

// IsValidContextTransition reports whether from->to is a legal association
// transition.
func IsValidContextTransition(from, to ContextAssociation) bool {
	if targets, ok := contextTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// State is a runtime value attached to a descriptor. For
// single-state descriptors, Handle equals DescriptorHandle. For context
// (multi-state) descriptors, Handle is a distinct identity and
// ContextAssociation/BindingMdibVersion are meaningful.
type State struct {
	Handle             string
	DescriptorHandle   string
	Kind               qname.Kind
	StateVersion       uint64
	BindingMdibVersion uint64

	// Metric value, populated when Kind is one of the *Metric kinds.
	Value *xmlval.Value

	// Context association fields, populated when Kind.IsContext().
	ContextAssociation ContextAssociation
	Validators         []string // identifiers this context instance carries

	// Alert runtime fields.
	AlertActive   bool
	AlertPresence string // "on"/"off"/"latch", for signals

	// Operation runtime fields.
	OperatingMode string // "En"/"Dis"/"NA"

	// Component runtime fields (MDS/VMD/Channel activation state).
	ActivationState string // "On"/"NotRdy"/"StndBy"/"Off"/"Shtdn"/"Fail"
}

// Clone returns a deep-enough copy for use as a transaction proxy base.
func (s *State) Clone() *State {
	cp := *s
	if s.Value != nil {
		v := *s.Value
		cp.Value = &v
	}
	if s.Validators != nil {
		cp.Validators = append([]string(nil), s.Validators...)
	}
	return &cp
}

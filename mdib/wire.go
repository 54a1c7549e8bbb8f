package mdib

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/sdcgo/sdc11073/qname"
	"github.com/sdcgo/sdc11073/xmlval"
)

// MdibDocument is the wire-ordered export of a full MDIB: descriptors in
// depth-first containment order (so a mirror applying them sees every parent
// before its children and reproduces the same child ordering), followed by
// the single-states and context states.
type MdibDocument struct {
	MdibVersion uint64
	SequenceID  string
	InstanceID  *int64
	Descriptors []*Descriptor
	States      []*State
	Contexts    []*State
}

// ReportDocument is the decoded payload of one episodic/description report.
type ReportDocument struct {
	Descriptors []*Descriptor
	Deleted     []string
	States      []*State
	Contexts    []*State
}

// Document exports the store's current snapshot as an ordered MdibDocument,
// ready for EncodeMdib. Descriptor order is a depth-first walk of the
// containment tree starting from the root MDS descriptors, following the
// byParent index so the order matches creation/source order.
func (st *Store) Document() MdibDocument {
	snap := st.cur.Load()
	doc := MdibDocument{
		MdibVersion: snap.mdibVersion,
		SequenceID:  snap.sequenceID,
		InstanceID:  snap.instanceID,
	}

	var walk func(handle string)
	walk = func(handle string) {
		d, ok := snap.descriptors[handle]
		if !ok {
			return
		}
		doc.Descriptors = append(doc.Descriptors, d)
		if s, ok := snap.states[handle]; ok {
			doc.States = append(doc.States, s)
		}
		doc.Contexts = append(doc.Contexts, snap.contexts[handle]...)
		for _, child := range snap.byParent[handle] {
			walk(child)
		}
	}
	for _, root := range snap.byParent[""] {
		walk(root)
	}
	return doc
}

// Wire shapes. Schema-exact BICEPS serialization is out of scope (the
// participant model is consumed as a data dictionary); these carry the same
// information in a stable, self-describing form. Metric values embed their
// xmlval serialization verbatim, so source text survives an unmutated round
// trip end to end.

type wireComponent struct {
	Type           string `xml:"Type,attr,omitempty"`
	ProductionSpec string `xml:"ProductionSpec,attr,omitempty"`
}

type wireMetric struct {
	Unit           string  `xml:"Unit,attr,omitempty"`
	MetricCategory string  `xml:"MetricCategory,attr,omitempty"`
	Resolution     float64 `xml:"Resolution,attr,omitempty"`
	SamplePeriodMs int64   `xml:"SamplePeriodMs,attr,omitempty"`
	Code           string  `xml:"Code,attr,omitempty"`
}

type wireAlert struct {
	Priority string `xml:"Priority,attr,omitempty"`
	Kind     string `xml:"Kind,attr,omitempty"`
}

type wireOperation struct {
	OperationTarget   string `xml:"OperationTarget,attr,omitempty"`
	MaxTimeToFinishMs int64  `xml:"MaxTimeToFinishMs,attr,omitempty"`
}

type wireDescriptor struct {
	XMLName           xml.Name       `xml:"Descriptor"`
	Handle            string         `xml:"Handle,attr"`
	ParentHandle      string         `xml:"ParentHandle,attr,omitempty"`
	Kind              string         `xml:"Kind,attr"`
	DescriptorVersion uint64         `xml:"DescriptorVersion,attr"`
	Component         *wireComponent `xml:"Component,omitempty"`
	Metric            *wireMetric    `xml:"Metric,omitempty"`
	Alert             *wireAlert     `xml:"Alert,omitempty"`
	Operation         *wireOperation `xml:"Operation,omitempty"`
	Context           *struct{}      `xml:"Context,omitempty"`
}

type wireState struct {
	XMLName            xml.Name `xml:"State"`
	Handle             string   `xml:"Handle,attr,omitempty"`
	DescriptorHandle   string   `xml:"DescriptorHandle,attr"`
	Kind               string   `xml:"Kind,attr"`
	StateVersion       uint64   `xml:"StateVersion,attr"`
	BindingMdibVersion uint64   `xml:"BindingMdibVersion,attr,omitempty"`
	ContextAssociation string   `xml:"ContextAssociation,attr,omitempty"`
	Validators         string   `xml:"Validators,attr,omitempty"`
	AlertActive        bool     `xml:"AlertActive,attr,omitempty"`
	AlertPresence      string   `xml:"AlertPresence,attr,omitempty"`
	OperatingMode      string   `xml:"OperatingMode,attr,omitempty"`
	ActivationState    string   `xml:"ActivationState,attr,omitempty"`

	// ValueXML carries the metric value's own xmlval serialization verbatim.
	ValueXML []byte `xml:",innerxml"`
}

type wireMdibDoc struct {
	XMLName     xml.Name         `xml:"Mdib"`
	MdibVersion uint64           `xml:"MdibVersion,attr"`
	SequenceID  string           `xml:"SequenceId,attr"`
	InstanceID  *int64           `xml:"InstanceId,attr,omitempty"`
	Descriptors []wireDescriptor `xml:"MdDescription>Descriptor"`
	States      []wireState      `xml:"MdState>State"`
	Contexts    []wireState      `xml:"ContextStates>State"`
}

type wireReportDoc struct {
	XMLName     xml.Name         `xml:"Report"`
	Descriptors []wireDescriptor `xml:"Descriptors>Descriptor"`
	Deleted     []string         `xml:"Deleted>Handle"`
	States      []wireState      `xml:"States>State"`
	Contexts    []wireState      `xml:"ContextStates>State"`
}

func toWireDescriptor(d *Descriptor) wireDescriptor {
	w := wireDescriptor{
		Handle:            d.Handle,
		ParentHandle:      d.ParentHandle,
		Kind:              string(d.Kind),
		DescriptorVersion: d.DescriptorVersion,
	}
	if d.Component != nil {
		w.Component = &wireComponent{Type: d.Component.Type, ProductionSpec: d.Component.ProductionSpec}
	}
	if d.Metric != nil {
		w.Metric = &wireMetric{
			Unit:           d.Metric.Unit,
			MetricCategory: d.Metric.MetricCategory,
			Resolution:     d.Metric.Resolution,
			SamplePeriodMs: d.Metric.SamplePeriod.Milliseconds(),
			Code:           d.Metric.Code,
		}
	}
	if d.Alert != nil {
		w.Alert = &wireAlert{Priority: d.Alert.Priority, Kind: d.Alert.Kind}
	}
	if d.Operation != nil {
		w.Operation = &wireOperation{
			OperationTarget:   d.Operation.OperationTarget,
			MaxTimeToFinishMs: d.Operation.MaxTimeToFinish.Milliseconds(),
		}
	}
	if d.Context != nil {
		w.Context = &struct{}{}
	}
	return w
}

func fromWireDescriptor(w wireDescriptor) *Descriptor {
	d := &Descriptor{
		Handle:            w.Handle,
		ParentHandle:      w.ParentHandle,
		Kind:              qname.Kind(w.Kind),
		DescriptorVersion: w.DescriptorVersion,
	}
	if w.Component != nil {
		d.Component = &ComponentPayload{Type: w.Component.Type, ProductionSpec: w.Component.ProductionSpec}
	}
	if w.Metric != nil {
		d.Metric = &MetricPayload{
			Unit:           w.Metric.Unit,
			MetricCategory: w.Metric.MetricCategory,
			Resolution:     w.Metric.Resolution,
			SamplePeriod:   time.Duration(w.Metric.SamplePeriodMs) * time.Millisecond,
			Code:           w.Metric.Code,
		}
	}
	if w.Alert != nil {
		d.Alert = &AlertPayload{Priority: w.Alert.Priority, Kind: w.Alert.Kind}
	}
	if w.Operation != nil {
		d.Operation = &OperationPayload{
			OperationTarget: w.Operation.OperationTarget,
			MaxTimeToFinish: time.Duration(w.Operation.MaxTimeToFinishMs) * time.Millisecond,
		}
	}
	if w.Context != nil {
		d.Context = &ContextPayload{}
	}
	return d
}

func toWireState(s *State) (wireState, error) {
	w := wireState{
		Handle:             s.Handle,
		DescriptorHandle:   s.DescriptorHandle,
		Kind:               string(s.Kind),
		StateVersion:       s.StateVersion,
		BindingMdibVersion: s.BindingMdibVersion,
		ContextAssociation: string(s.ContextAssociation),
		Validators:         strings.Join(s.Validators, " "),
		AlertActive:        s.AlertActive,
		AlertPresence:      s.AlertPresence,
		OperatingMode:      s.OperatingMode,
		ActivationState:    s.ActivationState,
	}
	if s.Handle == s.DescriptorHandle {
		w.Handle = "" // single-state: the descriptor handle is the identity
	}
	if s.Value != nil {
		raw, err := xmlval.Encode(*s.Value)
		if err != nil {
			return wireState{}, fmt.Errorf("mdib: encoding state %q value: %w", s.DescriptorHandle, err)
		}
		w.ValueXML = raw
	}
	return w, nil
}

func fromWireState(w wireState) (*State, error) {
	s := &State{
		Handle:             w.Handle,
		DescriptorHandle:   w.DescriptorHandle,
		Kind:               qname.Kind(w.Kind),
		StateVersion:       w.StateVersion,
		BindingMdibVersion: w.BindingMdibVersion,
		ContextAssociation: ContextAssociation(w.ContextAssociation),
		AlertActive:        w.AlertActive,
		AlertPresence:      w.AlertPresence,
		OperatingMode:      w.OperatingMode,
		ActivationState:    w.ActivationState,
	}
	if s.Handle == "" {
		s.Handle = s.DescriptorHandle
	}
	if w.Validators != "" {
		s.Validators = strings.Fields(w.Validators)
	}
	if inner := bytes.TrimSpace(w.ValueXML); len(inner) > 0 {
		v, err := xmlval.Decode(inner)
		if err != nil {
			return nil, fmt.Errorf("mdib: decoding state %q value: %w", w.DescriptorHandle, err)
		}
		s.Value = &v
	}
	return s, nil
}

// EncodeMdib renders a full MDIB document, as returned for GetMdib.
func EncodeMdib(doc MdibDocument) ([]byte, error) {
	w := wireMdibDoc{
		MdibVersion: doc.MdibVersion,
		SequenceID:  doc.SequenceID,
		InstanceID:  doc.InstanceID,
	}
	for _, d := range doc.Descriptors {
		w.Descriptors = append(w.Descriptors, toWireDescriptor(d))
	}
	for _, s := range doc.States {
		ws, err := toWireState(s)
		if err != nil {
			return nil, err
		}
		w.States = append(w.States, ws)
	}
	for _, s := range doc.Contexts {
		ws, err := toWireState(s)
		if err != nil {
			return nil, err
		}
		w.Contexts = append(w.Contexts, ws)
	}
	return xml.Marshal(w)
}

// DecodeMdib parses a full MDIB document.
func DecodeMdib(raw []byte) (MdibDocument, error) {
	var w wireMdibDoc
	if err := xml.Unmarshal(raw, &w); err != nil {
		return MdibDocument{}, fmt.Errorf("mdib: decoding mdib document: %w", err)
	}
	doc := MdibDocument{
		MdibVersion: w.MdibVersion,
		SequenceID:  w.SequenceID,
		InstanceID:  w.InstanceID,
	}
	for _, wd := range w.Descriptors {
		doc.Descriptors = append(doc.Descriptors, fromWireDescriptor(wd))
	}
	for _, ws := range w.States {
		s, err := fromWireState(ws)
		if err != nil {
			return MdibDocument{}, err
		}
		doc.States = append(doc.States, s)
	}
	for _, ws := range w.Contexts {
		s, err := fromWireState(ws)
		if err != nil {
			return MdibDocument{}, err
		}
		doc.Contexts = append(doc.Contexts, s)
	}
	return doc, nil
}

// EncodeReport renders the payload of one report for the given change-set
// bucket (one bucket, one report action).
func EncodeReport(cs ChangeSet, bucket string) ([]byte, error) {
	var w wireReportDoc

	appendStates := func(dst *[]wireState, states []*State) error {
		for _, s := range states {
			ws, err := toWireState(s)
			if err != nil {
				return err
			}
			*dst = append(*dst, ws)
		}
		return nil
	}

	switch bucket {
	case "descriptor_updates":
		for _, d := range cs.DescriptorUpdates.Created {
			w.Descriptors = append(w.Descriptors, toWireDescriptor(d))
		}
		for _, d := range cs.DescriptorUpdates.Updated {
			w.Descriptors = append(w.Descriptors, toWireDescriptor(d))
		}
		w.Deleted = cs.DescriptorUpdates.Deleted
		if err := appendStates(&w.States, cs.DescriptorUpdates.States); err != nil {
			return nil, err
		}
	case "metric_updates":
		if err := appendStates(&w.States, cs.MetricUpdates); err != nil {
			return nil, err
		}
	case "alert_updates":
		if err := appendStates(&w.States, cs.AlertUpdates); err != nil {
			return nil, err
		}
	case "component_updates":
		if err := appendStates(&w.States, cs.ComponentUpdates); err != nil {
			return nil, err
		}
	case "operational_updates":
		if err := appendStates(&w.States, cs.OperationalUpdates); err != nil {
			return nil, err
		}
	case "context_updates":
		if err := appendStates(&w.Contexts, cs.ContextUpdates); err != nil {
			return nil, err
		}
	case "waveform_updates":
		if err := appendStates(&w.States, cs.WaveformUpdates); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("mdib: unknown change-set bucket %q", bucket)
	}
	return xml.Marshal(w)
}

// DecodeReport parses one report payload into the entities it carries.
func DecodeReport(raw []byte) (ReportDocument, error) {
	var w wireReportDoc
	if err := xml.Unmarshal(raw, &w); err != nil {
		return ReportDocument{}, fmt.Errorf("mdib: decoding report: %w", err)
	}
	doc := ReportDocument{Deleted: w.Deleted}
	for _, wd := range w.Descriptors {
		doc.Descriptors = append(doc.Descriptors, fromWireDescriptor(wd))
	}
	for _, ws := range w.States {
		s, err := fromWireState(ws)
		if err != nil {
			return ReportDocument{}, err
		}
		doc.States = append(doc.States, s)
	}
	for _, ws := range w.Contexts {
		s, err := fromWireState(ws)
		if err != nil {
			return ReportDocument{}, err
		}
		doc.Contexts = append(doc.Contexts, s)
	}
	return doc, nil
}

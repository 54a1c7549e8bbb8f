// Package qname provides the canonical namespace table and QName->Kind /
// QName->action lookup used by every other package instead of ad-hoc string
// literals or runtime reflection: a compile-time dispatch table rather than
// a dynamic class registry keyed by QName.
package qname

import "fmt"

// Namespace prefixes used across the SDC/BICEPS/WS-* document family. Kept
// as named constants (never a process-global mutable map) so every package
// that builds XML or SOAP documents agrees on the same prefixes.
const (
	NSMessage     = "http://standard.org/sdc/glue/1.0/draft/message"
	NSParticipant = "http://standard.org/sdc/glue/1.0/draft/participant"
	NSExtension   = "http://standard.org/sdc/glue/1.0/draft/extension"
	NSDPWS        = "http://docs.oasis-open.org/ws-dd/ns/dpws/2009/01"
	NSWSA         = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
	NSWSE         = "http://schemas.xmlsoap.org/ws/2004/08/eventing"
	NSWSD         = "http://schemas.xmlsoap.org/ws/2005/04/discovery"
	NSSOAP12      = "http://www.w3.org/2003/05/soap-envelope"
	NSXSI         = "http://www.w3.org/2001/XMLSchema-instance"
	NSMDPWS       = "http://standards.ieee.org/downloads/11073/11073-20702-2016"
)

// Prefixes maps each namespace URI to its canonical short prefix. Writers use
// this table so documents stay prefix-stable regardless of which package
// produced them.
var Prefixes = map[string]string{
	NSMessage:     "msg",
	NSParticipant: "pm",
	NSExtension:   "ext",
	NSDPWS:        "dpws",
	NSWSA:         "wsa",
	NSWSE:         "wse",
	NSWSD:         "wsd",
	NSSOAP12:      "s12",
	NSXSI:         "xsi",
	NSMDPWS:       "mdpws",
}

// QName is a namespace-qualified name.
type QName struct {
	Space string
	Local string
}

// String renders "{space}local" for logging/debugging.
func (q QName) String() string {
	return fmt.Sprintf("{%s}%s", q.Space, q.Local)
}

// Kind identifies a descriptor/state family. Kinds are a closed set:
// adding a new one requires a code change, which is the point.
type Kind string

const (
	KindMds                       Kind = "Mds"
	KindVmd                       Kind = "Vmd"
	KindChannel                   Kind = "Channel"
	KindNumericMetric             Kind = "NumericMetric"
	KindStringMetric              Kind = "StringMetric"
	KindEnumStringMetric          Kind = "EnumStringMetric"
	KindRealTimeSampleArrayMetric Kind = "RealTimeSampleArrayMetric"
	KindAlertSystem               Kind = "AlertSystem"
	KindAlertCondition            Kind = "AlertCondition"
	KindAlertSignal               Kind = "AlertSignal"
	KindSco                       Kind = "Sco"
	KindOperation                 Kind = "Operation"
	KindPatientContext            Kind = "PatientContext"
	KindLocationContext           Kind = "LocationContext"
	KindEnsembleContext           Kind = "EnsembleContext"
	KindWorkflowContext           Kind = "WorkflowContext"
)

// IsContext reports whether kind is one of the context-state families
// (multi-state descriptors).
func (k Kind) IsContext() bool {
	switch k {
	case KindPatientContext, KindLocationContext, KindEnsembleContext, KindWorkflowContext:
		return true
	default:
		return false
	}
}

// IsMultiState is an alias of IsContext kept for readability at call sites
// that are reasoning about "single-state vs multi-state descriptors" rather
// than "is this a context".
func (k Kind) IsMultiState() bool { return k.IsContext() }

// Action URIs for WS-Eventing / BICEPS report actions. These
// are the values the dispatcher (component I) and subscription manager
// (component F) key their routing tables on.
const (
	ActionGetMdib                    = NSMessage + "/GetMdib"
	ActionGetMdibResponse            = NSMessage + "/GetMdibResponse"
	ActionGetMdDescription           = NSMessage + "/GetMdDescription"
	ActionGetMdDescriptionResponse   = NSMessage + "/GetMdDescriptionResponse"
	ActionGetMdState                 = NSMessage + "/GetMdState"
	ActionGetMdStateResponse         = NSMessage + "/GetMdStateResponse"
	ActionGetContainmentTree         = NSMessage + "/GetContainmentTree"
	ActionGetContainmentTreeResponse = NSMessage + "/GetContainmentTreeResponse"
	ActionSetValue                   = NSMessage + "/SetValue"
	ActionSetValueResponse           = NSMessage + "/SetValueResponse"
	ActionSetString                  = NSMessage + "/SetString"
	ActionSetStringResponse          = NSMessage + "/SetStringResponse"
	ActionActivate                   = NSMessage + "/Activate"
	ActionActivateResponse           = NSMessage + "/ActivateResponse"
	ActionSetContextState            = NSMessage + "/SetContextState"
	ActionSetContextStateResponse    = NSMessage + "/SetContextStateResponse"
	ActionSetMetricState             = NSMessage + "/SetMetricState"
	ActionSetMetricStateResponse     = NSMessage + "/SetMetricStateResponse"

	ActionEpisodicMetricReport           = NSMessage + "/EpisodicMetricReport"
	ActionEpisodicAlertReport            = NSMessage + "/EpisodicAlertReport"
	ActionEpisodicComponentReport        = NSMessage + "/EpisodicComponentReport"
	ActionEpisodicOperationalStateReport = NSMessage + "/EpisodicOperationalStateReport"
	ActionEpisodicContextReport          = NSMessage + "/EpisodicContextReport"
	ActionDescriptionModificationReport  = NSMessage + "/DescriptionModificationReport"
	ActionWaveformStream                 = NSMessage + "/WaveformStream"
	ActionOperationInvokedReport         = NSMessage + "/OperationInvokedReport"
	ActionSystemErrorReport              = NSMessage + "/SystemErrorReport"

	ActionSubscribe           = NSWSE + "/Subscribe"
	ActionSubscribeResponse   = NSWSE + "/SubscribeResponse"
	ActionRenew               = NSWSE + "/Renew"
	ActionRenewResponse       = NSWSE + "/RenewResponse"
	ActionUnsubscribe         = NSWSE + "/Unsubscribe"
	ActionUnsubscribeResponse = NSWSE + "/UnsubscribeResponse"
	ActionGetStatus           = NSWSE + "/GetStatus"
	ActionGetStatusResponse   = NSWSE + "/GetStatusResponse"
	ActionSubscriptionEnd     = NSWSE + "/SubscriptionEnd"

	ActionHello          = NSWSD + "/Hello"
	ActionBye            = NSWSD + "/Bye"
	ActionProbe          = NSWSD + "/Probe"
	ActionProbeMatches   = NSWSD + "/ProbeMatches"
	ActionResolve        = NSWSD + "/Resolve"
	ActionResolveMatches = NSWSD + "/ResolveMatches"
)

// ChangeSetAction maps a change-set bucket kind to the BICEPS report action
// it is delivered under.
func ChangeSetAction(bucket string) (string, bool) {
	switch bucket {
	case "descriptor_updates":
		return ActionDescriptionModificationReport, true
	case "metric_updates":
		return ActionEpisodicMetricReport, true
	case "alert_updates":
		return ActionEpisodicAlertReport, true
	case "component_updates":
		return ActionEpisodicComponentReport, true
	case "operational_updates":
		return ActionEpisodicOperationalStateReport, true
	case "context_updates":
		return ActionEpisodicContextReport, true
	case "waveform_updates":
		return ActionWaveformStream, true
	default:
		return "", false
	}
}

// ActionBucket is the inverse of ChangeSetAction: it maps a report action
// URI back to the change-set bucket it delivers.
func ActionBucket(action string) (string, bool) {
	switch action {
	case ActionDescriptionModificationReport:
		return "descriptor_updates", true
	case ActionEpisodicMetricReport:
		return "metric_updates", true
	case ActionEpisodicAlertReport:
		return "alert_updates", true
	case ActionEpisodicComponentReport:
		return "component_updates", true
	case ActionEpisodicOperationalStateReport:
		return "operational_updates", true
	case ActionEpisodicContextReport:
		return "context_updates", true
	case ActionWaveformStream:
		return "waveform_updates", true
	default:
		return "", false
	}
}

// Registry maps QNames to descriptor Kinds and is the single source of truth
// every decoder/encoder consults instead of reflecting over Go struct tags.
type Registry struct {
	byQName map[QName]Kind
}

// NewRegistry returns a Registry pre-populated with the BICEPS participant
// model's descriptor QNames.
func NewRegistry() *Registry {
	r := &Registry{byQName: make(map[QName]Kind)}
	for local, kind := range map[string]Kind{
		"Mds":                                 KindMds,
		"Vmd":                                 KindVmd,
		"Channel":                             KindChannel,
		"NumericMetricDescriptor":             KindNumericMetric,
		"StringMetricDescriptor":              KindStringMetric,
		"EnumStringMetricDescriptor":          KindEnumStringMetric,
		"RealTimeSampleArrayMetricDescriptor": KindRealTimeSampleArrayMetric,
		"AlertSystemDescriptor":               KindAlertSystem,
		"AlertConditionDescriptor":            KindAlertCondition,
		"AlertSignalDescriptor":               KindAlertSignal,
		"ScoDescriptor":                       KindSco,
		"OperationDescriptor":                 KindOperation,
		"PatientContextDescriptor":            KindPatientContext,
		"LocationContextDescriptor":           KindLocationContext,
		"EnsembleContextDescriptor":           KindEnsembleContext,
		"WorkflowContextDescriptor":           KindWorkflowContext,
	} {
		r.byQName[QName{Space: NSParticipant, Local: local}] = kind
	}
	return r
}

// Lookup resolves a QName to its descriptor Kind.
func (r *Registry) Lookup(q QName) (Kind, bool) {
	k, ok := r.byQName[q]
	return k, ok
}

// Register adds or overrides a QName->Kind mapping, for BICEPS extensions
// not covered by the default table.
func (r *Registry) Register(q QName, k Kind) {
	r.byQName[q] = k
}

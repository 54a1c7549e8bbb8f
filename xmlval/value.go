// Package xmlval implements the bi-directional mapping between typed BICEPS
// metric values and their XML representation. A decoded Value keeps the
// original serialized XML alongside its typed fields until a typed mutation
// invalidates it; encoding then regenerates from the typed fields.
package xmlval

import "time"

// Kind discriminates the tagged union of metric value families BICEPS
// defines. Unknown names value types this module does not model; Encode and
// Decode reject it like any other unmodelled kind.
type Kind string

const (
	KindNumeric     Kind = "Numeric"
	KindString      Kind = "String"
	KindEnum        Kind = "Enum" // coded value, e.g. AlertCondition/EnumStringMetric
	KindSampleArray Kind = "SampleArray"
	KindUnknown     Kind = "Unknown"
)

// DeterminationTime mirrors BICEPS's xsd:dateTime determination timestamp,
// carried on every metric value.
type DeterminationTime = time.Time

// Value is the tagged union over metric value families. Exactly one of the
// kind-specific fields is meaningful, selected by Kind. Callers use the
// constructors (NewNumeric, NewString, ...) rather than building a Value by
// hand, so Kind and the payload can never disagree.
type Value struct {
	Kind Kind

	// Numeric payload (Kind == KindNumeric).
	Numeric float64

	// String / coded payload (Kind == KindString or KindEnum).
	Text string
	// Code is set when Kind == KindEnum (a BICEPS coded value reference).
	Code string

	// SampleArray payload (Kind == KindSampleArray): one waveform tick's
	// worth of samples, plus the per-sample period used to reconstruct
	// absolute sample times.
	Samples      []float64
	SamplePeriod time.Duration

	DeterminationTime DeterminationTime

	// rawXML holds the originally-decoded serialization, preserved so a
	// round trip that never mutates the value is byte-stable. It is cleared
	// by every With*/Set* mutator and lazily regenerated by Encode.
	rawXML []byte
}

// NewNumeric constructs a numeric metric value.
func NewNumeric(v float64, at time.Time) Value {
	return Value{Kind: KindNumeric, Numeric: v, DeterminationTime: at}
}

// NewString constructs a string metric value.
func NewString(s string, at time.Time) Value {
	return Value{Kind: KindString, Text: s, DeterminationTime: at}
}

// NewEnum constructs an enum/coded metric value.
func NewEnum(code, text string, at time.Time) Value {
	return Value{Kind: KindEnum, Code: code, Text: text, DeterminationTime: at}
}

// NewSampleArray constructs a real-time sample array value for one waveform
// transaction tick.
func NewSampleArray(samples []float64, period time.Duration, at time.Time) Value {
	cp := make([]float64, len(samples))
	copy(cp, samples)
	return Value{Kind: KindSampleArray, Samples: cp, SamplePeriod: period, DeterminationTime: at}
}

// RawXML returns the preserved source serialization, if any. Returns
// (nil, false) once the value has been mutated since decode, or if it was
// constructed in-process rather than decoded.
func (v Value) RawXML() ([]byte, bool) {
	if v.rawXML == nil {
		return nil, false
	}
	return v.rawXML, true
}

// WithNumeric returns a copy of v with a new numeric payload, invalidating
// any preserved raw XML.
func (v Value) WithNumeric(n float64, at time.Time) Value {
	v.Kind = KindNumeric
	v.Numeric = n
	v.DeterminationTime = at
	v.rawXML = nil
	return v
}

// WithString returns a copy of v with a new string payload.
func (v Value) WithString(s string, at time.Time) Value {
	v.Kind = KindString
	v.Text = s
	v.DeterminationTime = at
	v.rawXML = nil
	return v
}

// Equal reports typed equality, ignoring any preserved raw XML (two values
// decoded from differently-formatted-but-equivalent documents are still
// Equal). Used by the codec round-trip property test.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumeric:
		return v.Numeric == o.Numeric && v.DeterminationTime.Equal(o.DeterminationTime)
	case KindString:
		return v.Text == o.Text && v.DeterminationTime.Equal(o.DeterminationTime)
	case KindEnum:
		return v.Code == o.Code && v.Text == o.Text && v.DeterminationTime.Equal(o.DeterminationTime)
	case KindSampleArray:
		if len(v.Samples) != len(o.Samples) || v.SamplePeriod != o.SamplePeriod {
			return false
		}
		for i := range v.Samples {
			if v.Samples[i] != o.Samples[i] {
				return false
			}
		}
		return v.DeterminationTime.Equal(o.DeterminationTime)
	default:
		return false
	}
}

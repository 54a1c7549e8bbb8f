package xmlval

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// wireValue is the encoding/xml projection of Value. The codec needs typed
// struct<->XML marshaling with source-text preservation, which
// encoding/xml's struct tags express directly.
type wireValue struct {
	XMLName           xml.Name `xml:"Value"`
	Kind              string   `xml:"Kind,attr"`
	Numeric           *string  `xml:"Numeric,omitempty"`
	Text              *string  `xml:"Text,omitempty"`
	Code              *string  `xml:"Code,omitempty"`
	Samples           *string  `xml:"Samples,omitempty"`
	SamplePeriodMs    *int64   `xml:"SamplePeriodMs,omitempty"`
	DeterminationTime string   `xml:"DeterminationTime,attr"`
}

// Encode renders v as its XML wire representation. If v was decoded and has
// not been mutated since, the preserved raw serialization is returned
// byte-for-byte; otherwise it is regenerated from the typed fields.
func Encode(v Value) ([]byte, error) {
	if raw, ok := v.RawXML(); ok {
		return raw, nil
	}

	wv := wireValue{
		Kind:              string(v.Kind),
		DeterminationTime: v.DeterminationTime.UTC().Format(time.RFC3339Nano),
	}

	switch v.Kind {
	case KindNumeric:
		s := strconv.FormatFloat(v.Numeric, 'g', -1, 64)
		wv.Numeric = &s
	case KindString:
		wv.Text = &v.Text
	case KindEnum:
		wv.Code = &v.Code
		wv.Text = &v.Text
	case KindSampleArray:
		s := encodeSamples(v.Samples)
		wv.Samples = &s
		ms := v.SamplePeriod.Milliseconds()
		wv.SamplePeriodMs = &ms
	default:
		return nil, fmt.Errorf("xmlval: cannot encode unknown value kind %q", v.Kind)
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(wv); err != nil {
		return nil, fmt.Errorf("xmlval: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses raw as a Value, preserving raw verbatim as RawXML until the
// caller mutates the result.
func Decode(raw []byte) (Value, error) {
	var wv wireValue
	if err := xml.Unmarshal(raw, &wv); err != nil {
		return Value{}, fmt.Errorf("xmlval: decode: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, wv.DeterminationTime)
	if err != nil {
		return Value{}, fmt.Errorf("xmlval: decode determination time: %w", err)
	}

	v := Value{Kind: Kind(wv.Kind), DeterminationTime: at}

	switch v.Kind {
	case KindNumeric:
		if wv.Numeric == nil {
			return Value{}, fmt.Errorf("xmlval: numeric value missing Numeric field")
		}
		n, err := strconv.ParseFloat(*wv.Numeric, 64)
		if err != nil {
			return Value{}, fmt.Errorf("xmlval: decode numeric: %w", err)
		}
		v.Numeric = n
	case KindString:
		if wv.Text != nil {
			v.Text = *wv.Text
		}
	case KindEnum:
		if wv.Code != nil {
			v.Code = *wv.Code
		}
		if wv.Text != nil {
			v.Text = *wv.Text
		}
	case KindSampleArray:
		if wv.Samples != nil {
			samples, err := decodeSamples(*wv.Samples)
			if err != nil {
				return Value{}, fmt.Errorf("xmlval: decode samples: %w", err)
			}
			v.Samples = samples
		}
		if wv.SamplePeriodMs != nil {
			v.SamplePeriod = time.Duration(*wv.SamplePeriodMs) * time.Millisecond
		}
	default:
		return Value{}, fmt.Errorf("xmlval: unknown value kind %q", wv.Kind)
	}

	cp := make([]byte, len(raw))
	copy(cp, raw)
	v.rawXML = cp
	return v, nil
}

func encodeSamples(samples []float64) string {
	var buf bytes.Buffer
	for i, s := range samples {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(strconv.FormatFloat(s, 'g', -1, 64))
	}
	return buf.String()
}

func decodeSamples(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var out []float64
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				f, err := strconv.ParseFloat(s[start:i], 64)
				if err != nil {
					return nil, err
				}
				out = append(out, f)
			}
			start = i + 1
		}
	}
	return out, nil
}

package qname

import "testing"

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	kind, ok := r.Lookup(QName{Space: NSParticipant, Local: "NumericMetricDescriptor"})
	if !ok || kind != KindNumericMetric {
		t.Fatalf("expected NumericMetric, got %v ok=%v", kind, ok)
	}

	if _, ok := r.Lookup(QName{Space: NSParticipant, Local: "Unknown"}); ok {
		t.Fatalf("expected unknown QName to miss")
	}
}

func TestRegisterOverride(t *testing.T) {
	r := NewRegistry()
	custom := QName{Space: "urn:example:ext", Local: "CustomMetric"}
	r.Register(custom, KindNumericMetric)

	kind, ok := r.Lookup(custom)
	if !ok || kind != KindNumericMetric {
		t.Fatalf("expected custom registration to be found")
	}
}

func TestIsContext(t *testing.T) {
	if !KindPatientContext.IsContext() {
		t.Fatalf("PatientContext must be a context kind")
	}
	if KindNumericMetric.IsContext() {
		t.Fatalf("NumericMetric must not be a context kind")
	}
}

func TestChangeSetAction(t *testing.T) {
	action, ok := ChangeSetAction("metric_updates")
	if !ok || action != ActionEpisodicMetricReport {
		t.Fatalf("expected metric_updates to map to EpisodicMetricReport, got %s", action)
	}
	if _, ok := ChangeSetAction("nonexistent"); ok {
		t.Fatalf("expected unknown bucket to miss")
	}
}

func TestActionBucketIsInverseOfChangeSetAction(t *testing.T) {
	buckets := []string{
		"descriptor_updates", "metric_updates", "alert_updates", "component_updates",
		"operational_updates", "context_updates", "waveform_updates",
	}
	for _, bucket := range buckets {
		action, ok := ChangeSetAction(bucket)
		if !ok {
			t.Fatalf("bucket %s has no action", bucket)
		}
		back, ok := ActionBucket(action)
		if !ok || back != bucket {
			t.Errorf("ActionBucket(%s) = %s, want %s", action, back, bucket)
		}
	}
	if _, ok := ActionBucket(ActionOperationInvokedReport); ok {
		t.Error("OperationInvokedReport is not a change-set bucket action")
	}
}

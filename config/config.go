// Package config holds the explicit, process-local configuration objects for
// every component in this module. There is no process-global configuration;
// every long-lived component (MDIB store, subscription manager, discovery
// node, dispatcher) receives its config explicitly at construction.
package config

import (
	"time"

	"github.com/sdcgo/sdc11073/internal/faults"
)

// DeviceConfig identifies this provider/consumer instance on the network.
type DeviceConfig struct {
	// InstanceID optionally re-identifies the provider across restarts.
	InstanceID *int64 `json:"instance_id,omitempty"`
	// EprUUID is the stable WS-Discovery endpoint reference for this node.
	EprUUID string `json:"epr_uuid"`
	// FriendlyName is a human-readable label, not protocol-significant.
	FriendlyName string `json:"friendly_name"`
}

// Validate checks DeviceConfig invariants.
func (c *DeviceConfig) Validate() error {
	if c.EprUUID == "" {
		return faults.NewConfigError("epr_uuid", "is required")
	}
	return nil
}

// DefaultDeviceConfig returns a DeviceConfig with EprUUID left for the caller
// to fill in (it must be stable across the process lifetime, so it is not
// generated here).
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{FriendlyName: "sdc11073-go device"}
}

// ContextSingletons lists the BICEPS context kinds that may have at most one
// Assoc/Pre state per descriptor handle at a time. Kinds
// not listed here may have multiple concurrently associated states (e.g.
// Ensemble, Workflow, Operator, per the BICEPS participant model).
type ContextSingletons struct {
	Kinds map[string]bool `json:"kinds"`
}

// DefaultContextSingletons returns the standard singleton kinds: Patient and
// Location.
func DefaultContextSingletons() ContextSingletons {
	return ContextSingletons{Kinds: map[string]bool{
		"PatientContext":  true,
		"LocationContext": true,
	}}
}

// IsSingleton reports whether kind requires singleton association.
func (c ContextSingletons) IsSingleton(kind string) bool {
	return c.Kinds[kind]
}

// DiscoveryConfig configures the WS-Discovery engine (component H).
type DiscoveryConfig struct {
	// MulticastAddr is the WS-Discovery multicast group, fixed by the
	// standard at 239.255.255.250:3702.
	MulticastAddr string `json:"multicast_addr"`
	// AdapterName is the single network interface to bind to. Required:
	// selecting the wrong (or every) adapter is the classic WS-Discovery bug
	// single-address binding exists to prevent.
	AdapterName string `json:"adapter_name"`
	// AppMaxDelay bounds the random jitter before the first send of a
	// multicast message (500ms per the standard).
	AppMaxDelay time.Duration `json:"app_max_delay"`
	// MatchTimeout is how long the active side waits to collect ProbeMatch
	// responses after sending a Probe.
	MatchTimeout time.Duration `json:"match_timeout"`
	// UnicastRepeat / MulticastRepeat are the resend counts for outbound
	// Hello/Bye/Probe/Resolve messages, per the standard's repeat algorithm.
	UnicastRepeat   int `json:"unicast_repeat"`
	MulticastRepeat int `json:"multicast_repeat"`
	// RepeatMinInterval/RepeatMaxInterval/RepeatUpperBound bound the
	// exponentially growing inter-send gap used by the repeat algorithm.
	RepeatMinInterval time.Duration `json:"repeat_min_interval"`
	RepeatMaxInterval time.Duration `json:"repeat_max_interval"`
	RepeatUpperBound  time.Duration `json:"repeat_upper_bound"`
	// ScopeMatcher selects the default scope-matching algorithm ("ldap" or
	// "strcmp0" are the two the standard defines); empty means "ldap".
	ScopeMatcher string `json:"scope_matcher"`
}

// DefaultDiscoveryConfig returns the timing values mandated by WS-Discovery
// 2005/04.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		MulticastAddr:     "239.255.255.250:3702",
		AppMaxDelay:       500 * time.Millisecond,
		MatchTimeout:      5 * time.Second,
		UnicastRepeat:     2,
		MulticastRepeat:   4,
		RepeatMinInterval: 50 * time.Millisecond,
		RepeatMaxInterval: 150 * time.Millisecond,
		RepeatUpperBound:  500 * time.Millisecond,
		ScopeMatcher:      "ldap",
	}
}

// Validate checks DiscoveryConfig invariants.
func (c *DiscoveryConfig) Validate() error {
	if c.AdapterName == "" {
		return faults.NewConfigError("adapter_name", "is required (single-adapter binding is mandatory)")
	}
	if c.MulticastAddr == "" {
		return faults.NewConfigError("multicast_addr", "is required")
	}
	if c.UnicastRepeat <= 0 || c.MulticastRepeat <= 0 {
		return faults.NewConfigError("repeat counts", "must be positive")
	}
	return nil
}

// SubscriptionConfig configures the provider-side subscription manager
// (component F).
type SubscriptionConfig struct {
	// MaxSubscriptionDuration caps the granted expiration of any subscription;
	// requested values above this are silently clamped.
	MaxSubscriptionDuration time.Duration `json:"max_subscription_duration"`
	// MinSubscriptionDuration is the floor granted even for a very short
	// request, to avoid a subscription expiring before the SOAP response
	// reaches the consumer.
	MinSubscriptionDuration time.Duration `json:"min_subscription_duration"`
	// SweepInterval is how often the expiration sweeper polls.
	SweepInterval time.Duration `json:"sweep_interval"`
	// DeliveryQueueSize bounds the per-subscription delivery channel.
	DeliveryQueueSize int `json:"delivery_queue_size"`
	// DeliveryTimeout bounds a single HTTP POST delivery attempt.
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
}

// DefaultSubscriptionConfig returns sensible defaults.
func DefaultSubscriptionConfig() *SubscriptionConfig {
	return &SubscriptionConfig{
		MaxSubscriptionDuration: time.Hour,
		MinSubscriptionDuration: time.Second,
		SweepInterval:           time.Second,
		DeliveryQueueSize:       256,
		DeliveryTimeout:         5 * time.Second,
	}
}

// Validate checks SubscriptionConfig invariants.
func (c *SubscriptionConfig) Validate() error {
	if c.MaxSubscriptionDuration <= 0 {
		return faults.NewConfigError("max_subscription_duration", "must be positive")
	}
	if c.MinSubscriptionDuration > c.MaxSubscriptionDuration {
		return faults.NewConfigError("min_subscription_duration", "exceeds max")
	}
	if c.DeliveryQueueSize <= 0 {
		return faults.NewConfigError("delivery_queue_size", "must be positive")
	}
	return nil
}

// ConsumerConfig configures the report processor and subscription client
// (components E, G).
type ConsumerConfig struct {
	// ReorderWindow is how long an out-of-order report may wait in the
	// re-order buffer before gap recovery triggers.
	ReorderWindow time.Duration `json:"reorder_window"`
	// ReorderBufferSize bounds the number of held out-of-order reports.
	ReorderBufferSize int `json:"reorder_buffer_size"`
	// WaveformBufferSize bounds the small waveform reorder-free buffer.
	WaveformBufferSize int `json:"waveform_buffer_size"`
	// RenewSafetyMargin: if RenewAtFixedInterval is false, renew is scheduled
	// at expires-RenewSafetyMargin.
	RenewSafetyMargin time.Duration `json:"renew_safety_margin"`
	// RenewFixedInterval is used when RenewAtFixedInterval is true.
	RenewFixedInterval   time.Duration `json:"renew_fixed_interval"`
	RenewAtFixedInterval bool          `json:"renew_at_fixed_interval"`
}

// DefaultConsumerConfig returns sensible defaults; the reorder window is
// 60ms, shorter than one 100ms waveform cadence.
func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		ReorderWindow:      60 * time.Millisecond,
		ReorderBufferSize:  32,
		WaveformBufferSize: 16,
		RenewSafetyMargin:  10 * time.Second,
	}
}

// Validate checks ConsumerConfig invariants.
func (c *ConsumerConfig) Validate() error {
	if c.ReorderBufferSize <= 0 {
		return faults.NewConfigError("reorder_buffer_size", "must be positive")
	}
	return nil
}

// WaveformConfig configures the provider-side waveform pump. Waveform
// emission cadence is not part of the protocol; this module picks 100ms and
// makes it configurable.
type WaveformConfig struct {
	Cadence time.Duration `json:"cadence"`
}

// DefaultWaveformConfig returns the chosen default cadence.
func DefaultWaveformConfig() *WaveformConfig {
	return &WaveformConfig{Cadence: 100 * time.Millisecond}
}

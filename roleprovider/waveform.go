package roleprovider

import (
	"sync"
	"time"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/xmlval"
)

// WaveformSource produces the next sample batch for one real-time
// sample-array metric.
type WaveformSource interface {
	NextSamples(now time.Time) (samples []float64, samplePeriod time.Duration)
}

// WaveformPump periodically opens one waveform transaction per tick and
// pulls a fresh sample batch from every registered source, committing them
// together. Default cadence is 100ms.
type WaveformPump struct {
	cfg     config.WaveformConfig
	mdibMgr *mdib.Manager
	logger  logging.Logger

	mu      sync.RWMutex
	sources map[string]WaveformSource

	done chan struct{}
}

// NewWaveformPump creates a pump over mdibMgr with the configured cadence.
func NewWaveformPump(cfg config.WaveformConfig, mdibMgr *mdib.Manager, logger logging.Logger) *WaveformPump {
	return &WaveformPump{
		cfg:     cfg,
		mdibMgr: mdibMgr,
		logger:  logging.OrDefault(logger),
		sources: make(map[string]WaveformSource),
	}
}

// Register attaches a sample source to a RealTimeSampleArrayMetric
// descriptor handle.
func (p *WaveformPump) Register(descriptorHandle string, source WaveformSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[descriptorHandle] = source
}

// Unregister removes a descriptor handle's sample source.
func (p *WaveformPump) Unregister(descriptorHandle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sources, descriptorHandle)
}

// Start launches the periodic pump tick.
func (p *WaveformPump) Start() func() {
	cadence := p.cfg.Cadence
	if cadence <= 0 {
		cadence = 100 * time.Millisecond
	}
	ticker := time.NewTicker(cadence)
	done := make(chan struct{})
	p.done = done

	logging.SafeGo(p.logger, "waveform-pump", func() {
		for {
			select {
			case <-ticker.C:
				p.tick()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}, nil)

	return func() { close(done) }
}

// tick pulls one sample batch from every registered source and commits them
// all in a single waveform transaction, so subscribers see one coherent
// WaveformStream report per tick rather than one per metric.
func (p *WaveformPump) tick() {
	p.mu.RLock()
	sources := make(map[string]WaveformSource, len(p.sources))
	for handle, src := range p.sources {
		sources[handle] = src
	}
	p.mu.RUnlock()

	if len(sources) == 0 {
		return
	}

	now := time.Now()
	tx := p.mdibMgr.Begin(mdib.TxWaveform)
	touched := 0
	for handle, src := range sources {
		samples, period := src.NextSamples(now)
		if len(samples) == 0 {
			continue
		}
		v := xmlval.NewSampleArray(samples, period, now)
		if err := tx.PutState(&mdib.State{DescriptorHandle: handle, Kind: "RealTimeSampleArrayMetric", Value: &v}); err != nil {
			p.logger.Warn("waveform pump: failed to stage sample", "descriptor", handle, "error", err)
			continue
		}
		touched++
	}
	if touched == 0 {
		tx.Rollback()
		return
	}
	if _, err := tx.Commit(); err != nil {
		p.logger.Warn("waveform pump: commit failed", "error", err)
	}
}

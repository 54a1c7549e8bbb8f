// Package report implements the consumer-side notification processor:
// version-ordered application of incoming reports
// against a local mdib.Store, with a bounded re-order buffer and gap
// recovery via a full GetMdib refetch.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/internal/faults"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/internal/retry"
	"github.com/sdcgo/sdc11073/mdib"
)

// GetMdibFunc fetches a full MDIB snapshot from the provider, used both for
// the initial bootstrap and for gap recovery.
type GetMdibFunc func(ctx context.Context) (*Bootstrap, error)

// Bootstrap is the result of a full MDIB fetch: the sequence/instance the
// provider is currently on, the mdib_version it was taken at, and the full
// descriptor/state set to load.
type Bootstrap struct {
	SequenceID  string
	InstanceID  *int64
	MdibVersion uint64
	Descriptors []*mdib.Descriptor
	States      []*mdib.State
	Contexts    []*mdib.State
}

// Report is one incoming notification, already decoded, carrying the
// mdib_version it was produced at and the entities it updates.
type Report struct {
	Action      string
	SequenceID  string
	InstanceID  *int64
	MdibVersion uint64

	Descriptors []*mdib.Descriptor
	Deleted     []string
	States      []*mdib.State
	Contexts    []*mdib.State
	IsWaveform  bool
}

// Stats counts the processor's recovery and drop events. Dropped waveform
// samples are reported here rather than re-requested.
type Stats struct {
	GapRecoveries    int
	ReplaysDiscarded int
	DroppedWaveform  int
}

// Processor applies incoming reports to a local mdib.Store in mdib_version
// order, buffering reports that arrive ahead of the expected version and
// triggering gap recovery when the buffer can't close the gap in time.
type Processor struct {
	cfg     config.ConsumerConfig
	store   *mdib.Store
	getMdib GetMdibFunc
	logger  logging.Logger

	mu           sync.Mutex
	bootstrapped bool
	expected     uint64
	pending      map[uint64]*Report
	pendingSince map[uint64]time.Time // insertion time, for ReorderWindow timeout
	waveform     []*Report            // small bounded ring, applied without reordering

	observers []func(*Report)
	stats     Stats
}

// AddObserver registers a callback invoked after every applied report,
// inside the processor's critical section so the observer sees the store at
// exactly the report's resulting mdib_version. Register before Start;
// registration is not synchronized against concurrent Apply calls.
func (p *Processor) AddObserver(fn func(*Report)) {
	p.observers = append(p.observers, fn)
}

// Stats returns a snapshot of the processor's recovery/drop counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) notifyObservers(r *Report) {
	for _, fn := range p.observers {
		fn(r)
	}
}

// NewProcessor creates a report processor over store. getMdib is called once
// at Start and again any time a gap can't be closed, or the sequence/
// instance id changes underneath the subscription.
func NewProcessor(cfg config.ConsumerConfig, store *mdib.Store, getMdib GetMdibFunc, logger logging.Logger) *Processor {
	return &Processor{
		cfg:          cfg,
		store:        store,
		getMdib:      getMdib,
		logger:       logging.OrDefault(logger),
		pending:      make(map[uint64]*Report),
		pendingSince: make(map[uint64]time.Time),
	}
}

// Start performs the initial bootstrap: fetch a full MDIB, reset the local
// store to it, and record the expected next mdib_version. If
// ReorderWindow is configured, it also launches a watchdog that triggers gap
// recovery for a report that never arrives, independent of whether the
// reorder buffer ever fills.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	err := p.bootstrapLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if p.cfg.ReorderWindow > 0 {
		logging.SafeGo(p.logger, "report-reorder-watchdog", func() {
			p.watchReorderTimeouts(ctx)
		}, nil)
	}
	return nil
}

func (p *Processor) bootstrapLocked(ctx context.Context) error {
	if p.bootstrapped {
		p.stats.GapRecoveries++
	}
	var bs *Bootstrap
	err := retry.Idempotent(ctx, func() error {
		var fetchErr error
		bs, fetchErr = p.getMdib(ctx)
		return fetchErr
	})
	if err != nil {
		return faults.NewContinuityError("failed to reestablish mdib continuity via GetMdib", err)
	}
	p.loadBootstrap(bs)
	p.bootstrapped = true
	p.expected = bs.MdibVersion + 1
	p.pending = make(map[uint64]*Report)
	p.pendingSince = make(map[uint64]time.Time)
	return nil
}

// watchReorderTimeouts polls the oldest buffered out-of-order report and
// triggers gap recovery once it has waited longer than ReorderWindow, so a
// report that never arrives doesn't leave the mirror stale forever waiting
// for ReorderBufferSize to fill.
func (p *Processor) watchReorderTimeouts(ctx context.Context) {
	interval := p.cfg.ReorderWindow / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkReorderTimeout(ctx)
		}
	}
}

func (p *Processor) checkReorderTimeout(ctx context.Context) {
	p.mu.Lock()
	var oldest time.Time
	found := false
	for _, t := range p.pendingSince {
		if !found || t.Before(oldest) {
			oldest = t
			found = true
		}
	}
	if !found || time.Since(oldest) < p.cfg.ReorderWindow {
		p.mu.Unlock()
		return
	}
	p.logger.Warn("reorder window elapsed without gap closing, triggering gap recovery", "expected", p.expected)
	err := p.bootstrapLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("gap recovery bootstrap after reorder timeout failed", "error", err)
	}
}

func (p *Processor) loadBootstrap(bs *Bootstrap) {
	p.store.ResetSequence(bs.SequenceID)
	p.store.ApplyMirror(bs.MdibVersion, bs.Descriptors, nil, bs.States, bs.Contexts)
}

// Apply processes one incoming report. If report.SequenceID/InstanceID
// differs from the store's current identity, the provider restarted and a
// fresh bootstrap is triggered. Reports matching the expected version apply
// immediately and
// drain any buffered successors; reports arriving ahead of expected are
// held up to ReorderBufferSize entries before gap recovery kicks in.
func (p *Processor) Apply(ctx context.Context, r *Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.bootstrapped {
		return p.bootstrapLocked(ctx)
	}

	if r.SequenceID != p.store.SequenceID() || identityChanged(r.InstanceID, p.store.InstanceID()) {
		p.logger.Warn("sequence/instance identity changed, rebootstrapping", "sequence_id", r.SequenceID)
		return p.bootstrapLocked(ctx)
	}

	if r.IsWaveform {
		p.applyWaveform(r)
		return nil
	}

	if r.MdibVersion < p.expected {
		// Stale/duplicate report; already applied or superseded.
		p.stats.ReplaysDiscarded++
		return nil
	}

	if r.MdibVersion == p.expected {
		p.applyOrdered(r)
		p.drainPending()
		return nil
	}

	// Out of order: buffer it, bounded.
	if len(p.pending) >= p.cfg.ReorderBufferSize {
		p.logger.Warn("reorder buffer exhausted, triggering gap recovery", "expected", p.expected, "got", r.MdibVersion)
		return p.bootstrapLocked(ctx)
	}
	p.pending[r.MdibVersion] = r
	p.pendingSince[r.MdibVersion] = time.Now()
	return nil
}

func (p *Processor) applyOrdered(r *Report) {
	p.store.ApplyMirror(r.MdibVersion, r.Descriptors, r.Deleted, r.States, r.Contexts)
	p.expected = r.MdibVersion + 1
	p.notifyObservers(r)
}

func (p *Processor) drainPending() {
	for {
		next, ok := p.pending[p.expected]
		if !ok {
			return
		}
		delete(p.pending, p.expected)
		delete(p.pendingSince, p.expected)
		p.applyOrdered(next)
	}
}

// applyWaveform applies a waveform report immediately, without ordering
// against the main version stream: waveform samples are high-rate and
// self-describing by determination time, so dropping one is acceptable
// and re-requesting it is not.
func (p *Processor) applyWaveform(r *Report) {
	if len(p.waveform) >= p.cfg.WaveformBufferSize {
		p.stats.DroppedWaveform++
		p.waveform = p.waveform[1:]
	}
	p.waveform = append(p.waveform, r)
	p.store.ApplyMirror(r.MdibVersion, r.Descriptors, r.Deleted, r.States, r.Contexts)
	p.notifyObservers(r)
}

// DroppedWaveformCount returns how many waveform reports were dropped for
// buffer overflow, for diagnostics/metrics callers.
func (p *Processor) DroppedWaveformCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.DroppedWaveform
}

func identityChanged(reportInstance, storeInstance *int64) bool {
	if reportInstance == nil && storeInstance == nil {
		return false
	}
	if reportInstance == nil || storeInstance == nil {
		return true
	}
	return *reportInstance != *storeInstance
}

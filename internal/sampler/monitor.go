// Package sampler is the sampling and aggregation engine: it turns periodic
// scheduler snapshots into per-task and system-wide utilisation series.
//
// A Monitor owns all engine state. One goroutine started by Start drives
// ticks; readers use the snapshot and history accessors, which take a read
// lock and never observe a half-written tick.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/logger"
	"rtos_sysmon/internal/stackreg"
)

// Monitor is the engine facade and the owner of all sampler state.
type Monitor struct {
	opts     Options
	sched    host.SchedulerSource
	memory   host.MemorySource
	registry *stackreg.Registry
	log      *logger.SampledLogger

	mu           sync.RWMutex
	tracker      *Tracker
	agg          *Aggregator
	ticks        uint64
	skippedTicks uint64
	lastTickLen  time.Duration

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a stopped monitor. memory may be nil when no region can be
// reported. A nil log gets the "sampler" component logger.
func New(opts Options, sched host.SchedulerSource, memory host.MemorySource, log *logger.SampledLogger) *Monitor {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.NewSampledLoggerCtx("sampler")
	}
	m := &Monitor{
		opts:   opts,
		sched:  sched,
		memory: memory,
		log:    log,
	}
	m.registry = stackreg.New(stackreg.Options{
		InitialCapacity: opts.InitialCapacity,
		MaxEntries:      opts.MaxTrackedTasks,
		Required:        func() int { return m.tracker.Capacity() },
	})
	m.tracker = NewTracker(opts, m.registry)
	m.agg = m.newAggregator()
	return m
}

func (m *Monitor) newAggregator() *Aggregator {
	var regions []string
	if m.memory != nil {
		regions = m.memory.Regions()
	}
	return NewAggregator(m.opts.SampleCount, m.sched.NumCores(), regions)
}

// Registry returns the stack size registry. Registrations are ignored until
// Start and after Stop.
func (m *Monitor) Registry() *stackreg.Registry {
	return m.registry
}

// Start opens the registry and launches the sampling goroutine. The first
// tick runs immediately and seeds every baseline.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}

	m.registry.Open()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(runCtx, m.done)

	m.log.Info().
		Dur("interval", m.opts.Interval).
		Int("sample_count", m.opts.SampleCount).
		Int("cores", m.sched.NumCores()).
		Msg("Sampler started")
	return nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("Panic recovered in sampler loop, sampling stopped")
		}
	}()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	_ = m.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Tick()
		}
	}
}

// Stop cancels the sampling goroutine, waits for it to exit and then
// releases the registry and all series. Calling Stop on a stopped monitor
// returns ErrNotRunning and changes nothing.
func (m *Monitor) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return ErrNotRunning
	}

	m.cancel()
	<-m.done
	m.running = false

	m.registry.Clear()

	m.mu.Lock()
	m.tracker.reset()
	m.agg = m.newAggregator()
	m.mu.Unlock()

	m.log.Info().Uint64("ticks", m.Stats().Ticks).Msg("Sampler stopped")
	return nil
}

// Running reports whether the sampling goroutine is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// Tick runs one sampling cycle: system series first, then tasks. A failed
// snapshot skips the whole tick so no cursor moves.
func (m *Monitor) Tick() error {
	start := time.Now()

	snap, err := m.sched.Snapshot()
	if err != nil {
		m.skip("snapshot-failed", err)
		return fmt.Errorf("scheduler snapshot: %w", err)
	}

	var mem []host.RegionStats
	if m.memory != nil {
		mem, err = m.memory.MemoryStats()
		if err != nil {
			m.skip("memory-failed", err)
			return fmt.Errorf("memory stats: %w", err)
		}
	}

	overallDelta := m.apply(snap, mem, start)

	m.log.Trace().
		Int("tasks", len(snap.Tasks)).
		Uint32("overall_delta", overallDelta).
		Msg("Tick complete")
	return nil
}

// apply folds one snapshot into the series under the write lock.
func (m *Monitor) apply(snap host.SchedulerSnapshot, mem []host.RegionStats, start time.Time) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	overallDelta, cursor := m.agg.Update(snap, mem)
	m.tracker.Update(snap, overallDelta, cursor)
	m.ticks++
	m.lastTickLen = time.Since(start)
	return overallDelta
}

func (m *Monitor) skip(key string, err error) {
	m.mu.Lock()
	m.skippedTicks++
	m.mu.Unlock()
	m.log.SampledWarn(key).Err(err).Msg("Sampling tick skipped")
}

// Tasks returns the latest sample of every active task.
func (m *Monitor) Tasks() []TaskSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.Tasks(false)
}

// AllTasks is Tasks including inactive tasks whose slots are not yet reused.
func (m *Monitor) AllTasks() []TaskSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.Tasks(true)
}

// TaskHistories returns every active task's series, oldest first.
func (m *Monitor) TaskHistories() []TaskHistory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.Histories()
}

// System returns the latest system-wide sample.
func (m *Monitor) System() SystemSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.Snapshot()
}

// SystemHistory returns the system-wide series, oldest first.
func (m *Monitor) SystemHistory() SystemHistory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.History()
}

// Settings echoes the sampling interval and history depth.
func (m *Monitor) Settings() Settings {
	return Settings{
		Interval:    m.opts.Interval,
		SampleCount: m.opts.SampleCount,
	}
}

// Stats returns engine counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracked, active := m.tracker.counts()
	return Stats{
		Ticks:          m.ticks,
		SkippedTicks:   m.skippedTicks,
		Tracked:        tracked,
		Active:         active,
		Capacity:       m.tracker.Capacity(),
		SkippedTasks:   m.tracker.skipped,
		Reclaimed:      m.tracker.reclaimed,
		Growths:        m.tracker.growths,
		LastTickLength: m.lastTickLen,
	}
}

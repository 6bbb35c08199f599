package sampler

import (
	"sync/atomic"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/logger"
	"rtos_sysmon/internal/maps"
	"rtos_sysmon/internal/ringbuf"
)

// StackLookup resolves a task's declared stack size.
type StackLookup interface {
	Lookup(h host.TaskHandle) (uint32, bool)
}

type noStacks struct{}

func (noStacks) Lookup(host.TaskHandle) (uint32, bool) { return 0, false }

// trackedTask is the engine record for one observed task. Slots are reused:
// once inactive, a slot keeps its stale history until a newly discovered
// task reclaims it.
type trackedTask struct {
	inUse bool

	handle          host.TaskHandle
	name            string
	id              uint32
	core            int
	currentPriority uint32
	basePriority    uint32

	declared uint32
	hwm      uint32
	hwmKnown bool

	prevRunTime     uint32
	consecutiveZero int
	active          bool
	seenTick        uint64
	writtenTick     uint64

	cursor     ringbuf.Cursor
	cpu        *ringbuf.Ring[float64]
	stackBytes *ringbuf.Ring[float64]
	stackPct   *ringbuf.Ring[float64]
}

// Tracker reconciles scheduler snapshots into tracked tasks. Only the
// sampling goroutine calls Update; Capacity may be read from anywhere.
type Tracker struct {
	opts     Options
	registry StackLookup

	slots    []*trackedTask
	index    maps.ConcurrentMap[host.TaskHandle, int]
	capacity atomic.Int64
	tick     uint64

	skipped   uint64
	reclaimed uint64
	growths   uint64

	log *logger.SampledLogger
}

// NewTracker sizes the tracker at opts.InitialCapacity slots.
func NewTracker(opts Options, registry StackLookup) *Tracker {
	opts = opts.withDefaults()
	if registry == nil {
		registry = noStacks{}
	}
	t := &Tracker{
		opts:     opts,
		registry: registry,
		slots:    make([]*trackedTask, opts.InitialCapacity),
		index:    maps.NewConcurrentMap[host.TaskHandle, int](opts.IndexKind),
		log:      logger.NewSampledLoggerCtx("task_tracker"),
	}
	t.capacity.Store(int64(opts.InitialCapacity))
	return t
}

// Capacity returns the current number of task slots.
func (t *Tracker) Capacity() int {
	return int(t.capacity.Load())
}

// allocate returns a slot index for a newly discovered task: the first never
// used slot, else the first inactive one, else a new slot after growth.
// Returns -1 when the tracker is at its bound.
func (t *Tracker) allocate() int {
	for i, s := range t.slots {
		if s == nil || !s.inUse {
			return i
		}
	}
	for i, s := range t.slots {
		if !s.active {
			t.index.Delete(s.handle)
			t.reclaimed++
			t.log.Debug().Str("task", s.name).Str("handle", s.handle.String()).Msg("Reclaiming inactive task slot")
			return i
		}
	}

	old := len(t.slots)
	next := min(2*old, t.opts.MaxTrackedTasks)
	if next <= old {
		return -1
	}
	grown := make([]*trackedTask, next)
	copy(grown, t.slots)
	t.slots = grown
	t.capacity.Store(int64(next))
	t.growths++
	t.log.Debug().Int("from", old).Int("to", next).Msg("Task tracker grown")
	return old
}

// discover initialises slot i for ts, seeding its baseline so the first CPU
// sample is zero and its cursor from the global series cursor.
func (t *Tracker) discover(i int, ts host.TaskStatus, cursor ringbuf.Cursor) *trackedTask {
	s := t.slots[i]
	if s == nil {
		depth := t.opts.SampleCount
		s = &trackedTask{
			cpu:        ringbuf.New[float64](depth),
			stackBytes: ringbuf.New[float64](depth),
			stackPct:   ringbuf.New[float64](depth),
		}
		t.slots[i] = s
	} else {
		s.cpu.Reset()
		s.stackBytes.Reset()
		s.stackPct.Reset()
	}

	*s = trackedTask{
		inUse:       true,
		handle:      ts.Handle,
		prevRunTime: ts.RunTime,
		active:      true,
		cursor:      cursor,
		cpu:         s.cpu,
		stackBytes:  s.stackBytes,
		stackPct:    s.stackPct,
	}
	t.index.Store(ts.Handle, i)
	t.log.Debug().Str("task", ts.Name).Str("handle", ts.Handle.String()).Int("slot", i).Msg("Task discovered")
	return s
}

// runTimeDelta is the forward distance between two wrapping counter values.
func runTimeDelta(now, prev uint32) uint32 {
	return now - prev
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// cpuPercent converts a task delta into a share of the system delta.
func cpuPercent(delta, overallDelta uint32) float64 {
	if overallDelta == 0 {
		return 0
	}
	return clampPercent(100 * float64(delta) / float64(overallDelta))
}

// stackUsage returns used bytes and percent of the declared size, or zeros
// when the declared size or the high-water mark is unknown.
func stackUsage(declared, hwmWords uint32, hwmKnown bool, wordSize int) (float64, float64) {
	if declared == 0 || !hwmKnown {
		return 0, 0
	}
	free := uint64(hwmWords) * uint64(wordSize)
	if free >= uint64(declared) {
		return 0, 0
	}
	used := float64(uint64(declared) - free)
	return used, 100 * used / float64(declared)
}

func (t *Tracker) isIdle(cpu float64) bool {
	return cpu <= t.opts.ZeroThreshold
}

func (t *Tracker) markActivity(s *trackedTask, cpu float64) {
	if t.isIdle(cpu) {
		s.consecutiveZero++
	} else {
		s.consecutiveZero = 0
	}
	wasActive := s.active
	s.active = s.consecutiveZero <= t.opts.EvictionThreshold
	switch {
	case wasActive && !s.active:
		t.log.Debug().Str("task", s.name).Int("idle_ticks", s.consecutiveZero).Msg("Task marked inactive")
	case !wasActive && s.active:
		t.log.Debug().Str("task", s.name).Msg("Task reactivated")
	}
}

// Update runs one reconciliation pass. overallDelta is the system run-time
// delta for this tick and cursor is the global series position written this
// tick; newly discovered tasks start there so all histories stay aligned.
func (t *Tracker) Update(snap host.SchedulerSnapshot, overallDelta uint32, cursor ringbuf.Cursor) {
	t.tick++
	tick := t.tick

	for _, ts := range snap.Tasks {
		if ts.Handle == 0 {
			continue
		}

		var s *trackedTask
		if i, ok := t.index.Load(ts.Handle); ok {
			s = t.slots[i]
			if s.seenTick == tick {
				// duplicate entry in one snapshot
				continue
			}
			if s.writtenTick+1 < tick {
				// was frozen while absent; rejoin the global write position
				s.cursor = cursor
				t.log.Debug().Str("task", ts.Name).Str("handle", ts.Handle.String()).Msg("Frozen task seen again")
			}
		} else {
			i := t.allocate()
			if i < 0 {
				t.skipped++
				t.log.SampledWarn("tracker-full").
					Int("capacity", len(t.slots)).
					Str("task", ts.Name).
					Msg("Task tracker at its bound, task not tracked")
				continue
			}
			s = t.discover(i, ts, cursor)
		}
		s.seenTick = tick

		s.name = ts.Name
		s.id = ts.ID
		s.core = ts.Core
		s.currentPriority = ts.CurrentPriority
		s.basePriority = ts.BasePriority
		if ts.HWMKnown && (!s.hwmKnown || ts.StackHighWaterMark < s.hwm) {
			s.hwm = ts.StackHighWaterMark
			s.hwmKnown = true
		}

		cpu := cpuPercent(runTimeDelta(ts.RunTime, s.prevRunTime), overallDelta)
		s.prevRunTime = ts.RunTime

		declared, _ := t.registry.Lookup(ts.Handle)
		s.declared = declared
		usedBytes, usedPct := stackUsage(declared, s.hwm, s.hwmKnown, t.opts.WordSize)

		s.cpu.Write(s.cursor, cpu)
		s.stackBytes.Write(s.cursor, usedBytes)
		s.stackPct.Write(s.cursor, usedPct)
		s.writtenTick = tick

		t.markActivity(s, cpu)
	}

	// Tasks missing from the snapshot count as idle until they go inactive,
	// after which they are left untouched.
	for _, s := range t.slots {
		if s == nil || !s.inUse || s.seenTick == tick || !s.active {
			continue
		}
		s.cpu.Write(s.cursor, 0)
		s.stackBytes.Write(s.cursor, s.stackBytes.At(s.cursor))
		s.stackPct.Write(s.cursor, s.stackPct.At(s.cursor))
		s.writtenTick = tick
		t.markActivity(s, 0)
	}

	for _, s := range t.slots {
		if s != nil && s.writtenTick == tick {
			s.cursor.Advance()
		}
	}
}

// snapshot builds the latest view of s.
func (t *Tracker) snapshot(s *trackedTask) TaskSnapshot {
	used := s.stackBytes.At(s.cursor)
	pct := s.stackPct.At(s.cursor)
	ts := TaskSnapshot{
		Handle:          s.handle,
		Name:            s.name,
		ID:              s.id,
		Core:            s.core,
		CurrentPriority: s.currentPriority,
		BasePriority:    s.basePriority,
		DeclaredStack:   s.declared,
		StackUsed:       used,
		StackUsedPct:    pct,
		HighWaterMark:   s.hwm,
		CPU:             s.cpu.At(s.cursor),
		Active:          s.active,
	}
	if used > 0 && pct > 0 {
		ts.StackRemaining = s.hwm * uint32(t.opts.WordSize)
	}
	return ts
}

// Tasks returns the latest sample of every tracked task, in slot order.
// Inactive tasks are included only when withInactive is set.
func (t *Tracker) Tasks(withInactive bool) []TaskSnapshot {
	out := make([]TaskSnapshot, 0, len(t.slots))
	for _, s := range t.slots {
		if s == nil || !s.inUse || (!s.active && !withInactive) {
			continue
		}
		out = append(out, t.snapshot(s))
	}
	return out
}

// Histories returns every active task's series, oldest first.
func (t *Tracker) Histories() []TaskHistory {
	out := make([]TaskHistory, 0, len(t.slots))
	for _, s := range t.slots {
		if s == nil || !s.inUse || !s.active {
			continue
		}
		h := TaskHistory{
			Handle:     s.handle,
			Name:       s.name,
			Registered: s.declared > 0,
			CPU:        s.cpu.Slice(s.cursor),
		}
		if h.Registered {
			h.StackBytes = s.stackBytes.Slice(s.cursor)
			h.StackPct = s.stackPct.Slice(s.cursor)
		}
		out = append(out, h)
	}
	return out
}

// counts returns tracked and active entity counts.
func (t *Tracker) counts() (tracked, active int) {
	for _, s := range t.slots {
		if s == nil || !s.inUse {
			continue
		}
		tracked++
		if s.active {
			active++
		}
	}
	return tracked, active
}

// cursorOf exposes a task's write position for tests and diagnostics.
func (t *Tracker) cursorOf(h host.TaskHandle) (ringbuf.Cursor, bool) {
	i, ok := t.index.Load(h)
	if !ok {
		return ringbuf.Cursor{}, false
	}
	return t.slots[i].cursor, true
}

// reset drops all tracked tasks. Used at teardown.
func (t *Tracker) reset() {
	t.slots = make([]*trackedTask, t.opts.InitialCapacity)
	t.capacity.Store(int64(t.opts.InitialCapacity))
	t.index.Clear()
	t.tick = 0
}

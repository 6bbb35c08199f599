// Package sim models a small multi-core RTOS: tasks with load profiles run on
// pinned or floating cores, accumulate wrapping microsecond run-time
// counters, consume stack, and allocate their stacks from a DRAM region.
//
// The model is advanced by its clock, not by wall time passing between
// calls, so tests inject a fake clock and step it explicitly.
package sim

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/phuslu/log"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/logger"
)

var (
	// ErrUnknownTask is returned by Kill for a handle that is not alive.
	ErrUnknownTask = errors.New("unknown task handle")
	// ErrOutOfMemory is returned by Spawn when DRAM cannot hold the stack.
	ErrOutOfMemory = errors.New("not enough dram for task stack")
)

// Memory layout of the modelled chip.
const (
	DRAMTotal  = 320 * 1024
	PSRAMTotal = 4 * 1024 * 1024

	dramReserved  = 112 * 1024 // static data, drivers and the network stack
	psramReserved = 256 * 1024
	tcbBytes      = 352

	handleBase   = 0x3ffb_0000
	handleStride = 0x1a0
)

// LoadFunc returns the share of one core a task wants, in [0, 1], given the
// time since it was spawned.
type LoadFunc func(age time.Duration) float64

// Constant returns a LoadFunc with a fixed share.
func Constant(share float64) LoadFunc {
	return func(time.Duration) float64 { return share }
}

// TaskSpec describes a task to spawn.
type TaskSpec struct {
	Name       string
	Priority   uint32
	Core       int // -1 floats across all cores
	StackBytes uint32
	// StackBase and StackPeak are stack bytes in use when idle and at full
	// load. The high-water mark follows the largest use seen.
	StackBase uint32
	StackPeak uint32
	Load      LoadFunc
}

type task struct {
	spec    TaskSpec
	handle  host.TaskHandle
	id      uint32
	born    time.Time
	runTime uint32
	maxUsed uint32
	carry   float64
}

// Options configures a Scheduler.
type Options struct {
	Cores    int
	PSRAM    bool
	WordSize int
	// Now is the model clock. Defaults to time.Now.
	Now func() time.Time
	// StartRunTime seeds every run-time counter, letting callers start
	// close to the 32-bit wrap.
	StartRunTime uint32
}

// Scheduler is the simulated kernel. It implements host.SchedulerSource and
// host.MemorySource and is safe for concurrent use.
type Scheduler struct {
	opts Options
	log  log.Logger

	mu      sync.Mutex
	last    time.Time
	total   uint32
	idle    []uint32
	tasks   []*task
	free    []host.TaskHandle
	next    uint32
	nextID  uint32
	minFree uint64
}

var (
	_ host.SchedulerSource = (*Scheduler)(nil)
	_ host.MemorySource    = (*Scheduler)(nil)
)

// New builds a scheduler with the per-core system tasks already running.
func New(opts Options) *Scheduler {
	if opts.Cores < 1 {
		opts.Cores = 1
	}
	if opts.WordSize < 1 {
		opts.WordSize = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		opts:  opts,
		log:   logger.NewLoggerWithContext("sim"),
		last:  opts.Now(),
		total: opts.StartRunTime,
		idle:  make([]uint32, opts.Cores),
	}
	for c := range s.idle {
		s.idle[c] = opts.StartRunTime
	}
	s.minFree = s.dramFreeLocked()

	for c := 0; c < opts.Cores; c++ {
		s.spawnLocked(TaskSpec{
			Name: fmt.Sprintf("ipc%d", c), Priority: 24, Core: c,
			StackBytes: 1024, StackBase: 380, StackPeak: 420, Load: Constant(0),
		})
	}
	s.spawnLocked(TaskSpec{
		Name: "esp_timer", Priority: 22, Core: 0,
		StackBytes: 3584, StackBase: 600, StackPeak: 900, Load: Constant(0.002),
	})
	s.spawnLocked(TaskSpec{
		Name: "main", Priority: 1, Core: 0,
		StackBytes: 3584, StackBase: 1200, StackPeak: 2100, Load: Constant(0.001),
	})
	return s
}

// NumCores returns the number of modelled cores.
func (s *Scheduler) NumCores() int { return s.opts.Cores }

func (s *Scheduler) newHandleLocked() host.TaskHandle {
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		return h
	}
	h := host.TaskHandle(handleBase + uintptr(s.next)*handleStride)
	s.next++
	return h
}

func (s *Scheduler) dramUsedLocked() uint64 {
	used := uint64(dramReserved)
	for _, t := range s.tasks {
		used += uint64(t.spec.StackBytes) + tcbBytes
	}
	return used
}

func (s *Scheduler) dramFreeLocked() uint64 {
	used := s.dramUsedLocked()
	if used >= DRAMTotal {
		return 0
	}
	return DRAMTotal - used
}

func (s *Scheduler) spawnLocked(spec TaskSpec) (host.TaskHandle, error) {
	if spec.Load == nil {
		spec.Load = Constant(0)
	}
	if spec.Core >= s.opts.Cores {
		spec.Core = -1
	}
	if uint64(spec.StackBytes)+tcbBytes > s.dramFreeLocked() {
		return 0, fmt.Errorf("spawn %s: %w", spec.Name, ErrOutOfMemory)
	}
	s.nextID++
	t := &task{
		spec:    spec,
		handle:  s.newHandleLocked(),
		id:      s.nextID,
		born:    s.last,
		maxUsed: min(spec.StackBase, spec.StackBytes),
	}
	s.tasks = append(s.tasks, t)
	s.minFree = min(s.minFree, s.dramFreeLocked())

	s.log.Debug().
		Str("task", spec.Name).
		Str("handle", t.handle.String()).
		Int("core", spec.Core).
		Uint32("stack_bytes", spec.StackBytes).
		Msg("Task spawned")
	return t.handle, nil
}

// Spawn creates a task. Handles of killed tasks are handed out again, most
// recently freed first.
func (s *Scheduler) Spawn(spec TaskSpec) (host.TaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnLocked(spec)
}

// Kill deletes a task and frees its stack.
func (s *Scheduler) Kill(h host.TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.handle != h {
			continue
		}
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		s.free = append(s.free, h)
		s.log.Debug().Str("task", t.spec.Name).Str("handle", h.String()).Msg("Task deleted")
		return nil
	}
	return fmt.Errorf("kill %s: %w", h, ErrUnknownTask)
}

// Alive reports whether h names a running task.
func (s *Scheduler) Alive(h host.TaskHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.handle == h {
			return true
		}
	}
	return false
}

// advanceLocked runs the model from the last observation to now. Demand on
// each core is scaled down when it exceeds the core; what is left is idle.
func (s *Scheduler) advanceLocked(now time.Time) {
	elapsed := now.Sub(s.last)
	if elapsed <= 0 {
		return
	}
	s.last = now
	dt := float64(elapsed.Microseconds())

	cores := s.opts.Cores
	want := make([]float64, len(s.tasks))
	demand := make([]float64, cores)
	for i, t := range s.tasks {
		w := clamp01(t.spec.Load(now.Sub(t.born)))
		want[i] = w
		if t.spec.Core < 0 {
			for c := range demand {
				demand[c] += w / float64(cores)
			}
		} else {
			demand[t.spec.Core] += w
		}
		t.observeStack(w)
	}

	busy := make([]float64, cores)
	for i, t := range s.tasks {
		share := func(c int, w float64) float64 {
			if demand[c] > 1 {
				w /= demand[c]
			}
			busy[c] += w * dt
			return w * dt
		}
		var run float64
		if t.spec.Core < 0 {
			for c := 0; c < cores; c++ {
				run += share(c, want[i]/float64(cores))
			}
		} else {
			run = share(t.spec.Core, want[i])
		}
		run += t.carry
		whole := math.Floor(run)
		t.carry = run - whole
		t.runTime += uint32(uint64(whole))
	}

	step := uint32(uint64(dt))
	s.total += step
	for c := range s.idle {
		b := uint32(uint64(math.Min(busy[c], dt)))
		s.idle[c] += step - b
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (t *task) observeStack(load float64) {
	base, peak := t.spec.StackBase, max(t.spec.StackPeak, t.spec.StackBase)
	used := base + uint32(float64(peak-base)*load)
	t.maxUsed = min(max(t.maxUsed, used), t.spec.StackBytes)
}

// Snapshot advances the model to the clock's current time and reports every
// task, including one idle task per core whose counter is that core's idle
// time.
func (s *Scheduler) Snapshot() (host.SchedulerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceLocked(s.opts.Now())

	word := uint32(s.opts.WordSize)
	snap := host.SchedulerSnapshot{
		Tasks:           make([]host.TaskStatus, 0, len(s.tasks)+len(s.idle)),
		TotalRunTime:    s.total,
		CoreIdleRunTime: append([]uint32(nil), s.idle...),
	}
	for c, idle := range s.idle {
		snap.Tasks = append(snap.Tasks, host.TaskStatus{
			Handle:             idleHandle(c),
			Name:               fmt.Sprintf("IDLE%d", c),
			ID:                 uint32(1000 + c),
			RunTime:            idle,
			Core:               c,
			StackHighWaterMark: 1100 / word,
			HWMKnown:           true,
		})
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, host.TaskStatus{
			Handle:             t.handle,
			Name:               t.spec.Name,
			ID:                 t.id,
			RunTime:            t.runTime,
			CurrentPriority:    t.spec.Priority,
			BasePriority:       t.spec.Priority,
			Core:               t.spec.Core,
			StackHighWaterMark: (t.spec.StackBytes - t.maxUsed) / word,
			HWMKnown:           true,
		})
	}
	return snap, nil
}

// idleHandle places idle tasks outside the spawn handle range.
func idleHandle(core int) host.TaskHandle {
	return host.TaskHandle(0x3ffa_f000 + uintptr(core)*handleStride)
}

// Regions lists dram first, then psram, which is reported absent unless
// enabled.
func (s *Scheduler) Regions() []string {
	return []string{"dram", "psram"}
}

// MemoryStats reports both regions. The largest free DRAM block is modelled
// as three quarters of what is free, word aligned.
func (s *Scheduler) MemoryStats() ([]host.RegionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.dramFreeLocked()
	s.minFree = min(s.minFree, free)
	stats := []host.RegionStats{{
		Name:        "dram",
		Free:        free,
		MinFree:     s.minFree,
		LargestFree: (free * 3 / 4) &^ 3,
		Total:       DRAMTotal,
		Present:     true,
	}}

	psram := host.RegionStats{Name: "psram"}
	if s.opts.PSRAM {
		pfree := uint64(PSRAMTotal - psramReserved)
		psram = host.RegionStats{
			Name:        "psram",
			Free:        pfree,
			MinFree:     pfree,
			LargestFree: pfree,
			Total:       PSRAMTotal,
			Present:     true,
		}
	}
	return append(stats, psram), nil
}

package sampler

import (
	"math"
	"testing"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/maps"
	"rtos_sysmon/internal/ringbuf"
)

// stackTable is a StackLookup backed by a plain map.
type stackTable map[host.TaskHandle]uint32

func (s stackTable) Lookup(h host.TaskHandle) (uint32, bool) {
	v, ok := s[h]
	return v, ok
}

// trackerHarness drives a Tracker the way the Monitor does, with a fixed
// system delta per tick and a global cursor advanced after every update.
type trackerHarness struct {
	t      *testing.T
	tr     *Tracker
	cursor ringbuf.Cursor
}

// withOptions returns the defaults with mod applied.
func withOptions(mod func(o *Options)) Options {
	o := DefaultOptions()
	mod(&o)
	return o
}

func newHarness(t *testing.T, opts Options, stacks StackLookup) *trackerHarness {
	opts = opts.withDefaults()
	return &trackerHarness{
		t:      t,
		tr:     NewTracker(opts, stacks),
		cursor: ringbuf.NewCursor(opts.SampleCount),
	}
}

func (h *trackerHarness) tick(overallDelta uint32, tasks ...host.TaskStatus) {
	h.tr.Update(host.SchedulerSnapshot{Tasks: tasks}, overallDelta, h.cursor)
	h.cursor.Advance()
}

func (h *trackerHarness) task(handle host.TaskHandle) TaskSnapshot {
	h.t.Helper()
	for _, ts := range h.tr.Tasks(true) {
		if ts.Handle == handle {
			return ts
		}
	}
	h.t.Fatalf("task %v not tracked", handle)
	return TaskSnapshot{}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRunTimeDeltaWraps(t *testing.T) {
	if got := runTimeDelta(3, math.MaxUint32-2); got != 6 {
		t.Errorf("runTimeDelta(3, MAX-2) = %d, want 6", got)
	}
	if got := runTimeDelta(500, 200); got != 300 {
		t.Errorf("runTimeDelta(500, 200) = %d, want 300", got)
	}
}

func TestCPUAcrossCounterWrap(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	task := host.TaskStatus{Handle: 0x10, Name: "wrap", RunTime: math.MaxUint32 - 2}
	h.tick(100, task)

	task.RunTime = 3
	h.tick(12, task)

	if got := h.task(0x10).CPU; !approx(got, 50) {
		t.Errorf("CPU after wrap = %v, want 50", got)
	}
}

func TestFirstSampleIsZero(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "busy", RunTime: 987654321})

	if got := h.task(0x10).CPU; got != 0 {
		t.Errorf("first sample CPU = %v, want 0", got)
	}

	// a task appearing later also starts at zero
	h.tick(1000,
		host.TaskStatus{Handle: 0x10, Name: "busy", RunTime: 987654321 + 500},
		host.TaskStatus{Handle: 0x20, Name: "late", RunTime: 42},
	)
	if got := h.task(0x20).CPU; got != 0 {
		t.Errorf("late task first sample CPU = %v, want 0", got)
	}
	if got := h.task(0x10).CPU; !approx(got, 50) {
		t.Errorf("busy CPU = %v, want 50", got)
	}
}

func TestCPUClampedAndZeroDelta(t *testing.T) {
	tests := []struct {
		name         string
		delta        uint32
		overallDelta uint32
		want         float64
	}{
		{"no system delta", 500, 0, 0},
		{"above system delta", 2000, 1000, 100},
		{"quarter", 250, 1000, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuPercent(tt.delta, tt.overallDelta); !approx(got, tt.want) {
				t.Errorf("cpuPercent(%d, %d) = %v, want %v", tt.delta, tt.overallDelta, got, tt.want)
			}
		})
	}
}

func TestEvictionAfterGracePeriod(t *testing.T) {
	const threshold = 3
	h := newHarness(t, withOptions(func(o *Options) { o.EvictionThreshold = threshold }), nil)

	var rt uint32
	for tick := 0; tick <= 4; tick++ {
		rt += 100
		h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "gone", RunTime: rt})
		if !h.task(0x10).Active {
			t.Fatalf("tick %d: inactive while present", tick)
		}
	}

	transitions := 0
	wasActive := true
	for tick := 5; tick <= 5+threshold+2; tick++ {
		h.tick(1000)
		active := h.task(0x10).Active
		if wasActive && !active {
			transitions++
			if tick != 5+threshold {
				t.Errorf("went inactive at tick %d, want %d", tick, 5+threshold)
			}
		}
		if !active && tick < 5+threshold {
			t.Errorf("inactive too early at tick %d", tick)
		}
		wasActive = active
	}
	if transitions != 1 {
		t.Errorf("transitions = %d, want 1", transitions)
	}
	if n := len(h.tr.Tasks(false)); n != 0 {
		t.Errorf("active task count = %d, want 0", n)
	}
}

func TestInactiveTaskIsFrozen(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.EvictionThreshold = 0; o.SampleCount = 8 }), nil)

	h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "t", RunTime: 0})
	h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "t", RunTime: 400})
	// absent: zero count 1 > 0 -> inactive after this write
	h.tick(1000)

	before, _ := h.tr.cursorOf(0x10)
	for i := 0; i < 5; i++ {
		h.tick(1000)
	}
	after, _ := h.tr.cursorOf(0x10)
	if before.Pos() != after.Pos() {
		t.Errorf("inactive cursor moved from %d to %d", before.Pos(), after.Pos())
	}
	if h.task(0x10).Active {
		t.Error("task should be inactive")
	}
}

func TestFrozenTaskRejoinsGlobalCursor(t *testing.T) {
	const depth = 8
	h := newHarness(t, withOptions(func(o *Options) { o.EvictionThreshold = 1; o.SampleCount = depth }), nil)
	task := host.TaskStatus{Handle: 0x10, Name: "cycle"}

	for n := 1; n <= 3; n++ {
		task.RunTime = uint32(n * 100)
		h.tick(1000, task)
	}
	// absent for two ticks goes inactive, then frozen for three more
	for n := 4; n <= 8; n++ {
		h.tick(1000)
	}
	if h.task(0x10).Active {
		t.Fatal("absent task should be inactive")
	}

	for n := 9; n <= 10; n++ {
		task.RunTime += 100
		h.tick(1000, task)

		c, ok := h.tr.cursorOf(0x10)
		if !ok {
			t.Fatalf("tick %d: task not tracked", n)
		}
		if c.Pos() != h.cursor.Pos() || c.Pos() != n%depth {
			t.Fatalf("tick %d: task cursor %d, global %d", n, c.Pos(), h.cursor.Pos())
		}
	}

	got := h.task(0x10)
	if !got.Active || !approx(got.CPU, 10) {
		t.Errorf("after return: active=%v cpu=%v, want true 10", got.Active, got.CPU)
	}
}

func TestLiveTaskReactivates(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.EvictionThreshold = 1 }), nil)
	task := host.TaskStatus{Handle: 0x10, Name: "idle"}

	for i := 0; i < 4; i++ {
		h.tick(1000, task)
	}
	if h.task(0x10).Active {
		t.Fatal("idle live task should be inactive")
	}

	task.RunTime = 300
	h.tick(1000, task)
	got := h.task(0x10)
	if !got.Active || !approx(got.CPU, 30) {
		t.Errorf("after work: active=%v cpu=%v, want true 30", got.Active, got.CPU)
	}
}

func TestCursorAlignment(t *testing.T) {
	const depth = 7
	h := newHarness(t, withOptions(func(o *Options) { o.SampleCount = depth }), nil)

	for n := 1; n <= 3*depth; n++ {
		tasks := []host.TaskStatus{{Handle: 0x10, Name: "a", RunTime: uint32(n * 10)}}
		if n >= 5 {
			tasks = append(tasks, host.TaskStatus{Handle: 0x20, Name: "b", RunTime: uint32(n)})
		}
		h.tick(1000, tasks...)

		if h.cursor.Pos() != n%depth {
			t.Fatalf("global cursor after %d ticks = %d", n, h.cursor.Pos())
		}
		for _, handle := range []host.TaskHandle{0x10, 0x20} {
			c, ok := h.tr.cursorOf(handle)
			if !ok {
				continue
			}
			if c.Pos() != h.cursor.Pos() {
				t.Fatalf("tick %d: task %v cursor %d, global %d", n, handle, c.Pos(), h.cursor.Pos())
			}
		}
	}
}

func TestStackMetrics(t *testing.T) {
	tests := []struct {
		name      string
		declared  uint32
		hwm       uint32
		hwmKnown  bool
		wantBytes float64
		wantPct   float64
		remaining uint32
	}{
		{"registered", 4096, 900, true, 496, 12.109375, 3600},
		{"unregistered", 0, 900, true, 0, 0, 0},
		{"hwm unknown", 4096, 0, false, 0, 0, 0},
		{"hwm exceeds declared", 1024, 900, true, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stacks := stackTable{}
			if tt.declared > 0 {
				stacks[0x10] = tt.declared
			}
			h := newHarness(t, withOptions(func(o *Options) { o.WordSize = 4 }), stacks)
			h.tick(1000, host.TaskStatus{
				Handle: 0x10, Name: "s",
				StackHighWaterMark: tt.hwm, HWMKnown: tt.hwmKnown,
			})

			got := h.task(0x10)
			if !approx(got.StackUsed, tt.wantBytes) || !approx(got.StackUsedPct, tt.wantPct) {
				t.Errorf("stack = %v bytes %v%%, want %v bytes %v%%", got.StackUsed, got.StackUsedPct, tt.wantBytes, tt.wantPct)
			}
			if got.StackRemaining != tt.remaining {
				t.Errorf("remaining = %d, want %d", got.StackRemaining, tt.remaining)
			}
			if got.DeclaredStack != tt.declared {
				t.Errorf("declared = %d, want %d", got.DeclaredStack, tt.declared)
			}
		})
	}
}

func TestHighWaterMarkNonIncreasing(t *testing.T) {
	h := newHarness(t, DefaultOptions(), stackTable{0x10: 4096})
	for _, hwm := range []uint32{900, 800, 850} {
		h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "s", StackHighWaterMark: hwm, HWMKnown: true})
	}
	if got := h.task(0x10).HighWaterMark; got != 800 {
		t.Errorf("HighWaterMark = %d, want 800", got)
	}
}

func TestTrackerGrowthAndBound(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.InitialCapacity = 2; o.MaxTrackedTasks = 4 }), nil)

	tasks := make([]host.TaskStatus, 5)
	for i := range tasks {
		tasks[i] = host.TaskStatus{Handle: host.TaskHandle(0x100 + i), Name: "t"}
	}
	h.tick(1000, tasks...)

	if c := h.tr.Capacity(); c != 4 {
		t.Errorf("Capacity = %d, want 4", c)
	}
	tracked, _ := h.tr.counts()
	if tracked != 4 {
		t.Errorf("tracked = %d, want 4", tracked)
	}
	if h.tr.skipped != 1 {
		t.Errorf("skipped = %d, want 1", h.tr.skipped)
	}
	if h.tr.growths != 1 {
		t.Errorf("growths = %d, want 1", h.tr.growths)
	}
}

func TestInactiveSlotReclaimed(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.InitialCapacity = 1; o.MaxTrackedTasks = 1; o.EvictionThreshold = 1; o.SampleCount = 4 }), nil)

	h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "old"})
	h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "old", RunTime: 900})
	h.tick(1000)
	h.tick(1000) // second idle tick puts old over the threshold
	if h.task(0x10).Active {
		t.Fatal("old task should be inactive before reclaim")
	}

	h.tick(1000, host.TaskStatus{Handle: 0x20, Name: "new", RunTime: 5})

	all := h.tr.Tasks(true)
	if len(all) != 1 || all[0].Handle != 0x20 {
		t.Fatalf("tasks = %+v, want only the new task", all)
	}
	if h.tr.reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", h.tr.reclaimed)
	}
	for _, v := range h.tr.Histories()[0].CPU {
		if v != 0 {
			t.Errorf("reclaimed slot kept stale history: %v", h.tr.Histories()[0].CPU)
			break
		}
	}
	if _, ok := h.tr.cursorOf(0x10); ok {
		t.Error("old handle still indexed")
	}
}

func TestIdentityReuseIsNotDetected(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "first", RunTime: 100})
	// same handle, new task, counter restarted below the old value
	h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "second", RunTime: 50})

	got := h.tr.Tasks(true)
	if len(got) != 1 {
		t.Fatalf("tracked %d entities, want 1", len(got))
	}
	if got[0].Name != "second" {
		t.Errorf("name = %q, want metadata refreshed to %q", got[0].Name, "second")
	}
}

func TestHistoriesOmitStackForUnregistered(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.SampleCount = 3 }), stackTable{0x10: 2048})
	h.tick(1000,
		host.TaskStatus{Handle: 0x10, Name: "reg", StackHighWaterMark: 100, HWMKnown: true},
		host.TaskStatus{Handle: 0x20, Name: "unreg", StackHighWaterMark: 100, HWMKnown: true},
	)

	for _, hist := range h.tr.Histories() {
		if len(hist.CPU) != 3 {
			t.Errorf("%s: cpu len %d, want 3", hist.Name, len(hist.CPU))
		}
		switch hist.Name {
		case "reg":
			if !hist.Registered || len(hist.StackBytes) != 3 {
				t.Errorf("reg: %+v", hist)
			}
		case "unreg":
			if hist.Registered || hist.StackBytes != nil {
				t.Errorf("unreg: %+v", hist)
			}
		}
	}
}

func TestTrackerIndexImplementations(t *testing.T) {
	for _, kind := range []maps.Kind{maps.KindXSync, maps.KindCornelk, maps.KindSync} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t, withOptions(func(o *Options) { o.IndexKind = kind }), nil)
			h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "a"})
			h.tick(1000, host.TaskStatus{Handle: 0x10, Name: "a", RunTime: 100})
			if got := h.task(0x10).CPU; !approx(got, 10) {
				t.Errorf("CPU = %v, want 10", got)
			}
		})
	}
}

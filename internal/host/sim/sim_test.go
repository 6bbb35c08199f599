package sim

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"rtos_sysmon/internal/host"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingRegistrar struct {
	stacks map[host.TaskHandle]uint32
}

func (r *recordingRegistrar) Register(h host.TaskHandle, bytes uint32) {
	if r.stacks == nil {
		r.stacks = make(map[host.TaskHandle]uint32)
	}
	r.stacks[h] = bytes
}

func findStatus(t *testing.T, snap host.SchedulerSnapshot, h host.TaskHandle) host.TaskStatus {
	t.Helper()
	for _, ts := range snap.Tasks {
		if ts.Handle == h {
			return ts
		}
	}
	t.Fatalf("task %v not in snapshot", h)
	return host.TaskStatus{}
}

func TestSchedulerAccounting(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{Cores: 2, Now: clock.Now})

	h, err := s.Spawn(TaskSpec{Name: "half", Core: 0, StackBytes: 2048, Load: Constant(0.5)})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	before, _ := s.Snapshot()

	clock.Advance(time.Second)
	after, _ := s.Snapshot()

	if got := after.TotalRunTime - before.TotalRunTime; got != 1_000_000 {
		t.Errorf("total delta = %d, want 1000000", got)
	}
	task := findStatus(t, after, h)
	if task.RunTime < 499_990 || task.RunTime > 500_010 {
		t.Errorf("task run time = %d, want ~500000", task.RunTime)
	}

	// core 1 only runs ipc1, which is idle
	idle1 := after.CoreIdleRunTime[1] - before.CoreIdleRunTime[1]
	if idle1 != 1_000_000 {
		t.Errorf("core 1 idle delta = %d, want 1000000", idle1)
	}
	idle0 := after.CoreIdleRunTime[0] - before.CoreIdleRunTime[0]
	if idle0 > 500_000 || idle0 < 490_000 {
		t.Errorf("core 0 idle delta = %d, want just under 500000", idle0)
	}

	idleTask := findStatus(t, after, idleHandle(0))
	if idleTask.RunTime != after.CoreIdleRunTime[0] || idleTask.Name != "IDLE0" {
		t.Errorf("idle task = %+v, want counter of core 0", idleTask)
	}
}

func TestSchedulerOversubscribedCore(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{Cores: 1, Now: clock.Now})
	a, _ := s.Spawn(TaskSpec{Name: "a", Core: 0, StackBytes: 1024, Load: Constant(1)})
	b, _ := s.Spawn(TaskSpec{Name: "b", Core: 0, StackBytes: 1024, Load: Constant(1)})
	s.Snapshot()

	clock.Advance(time.Second)
	snap, _ := s.Snapshot()
	ra, rb := findStatus(t, snap, a).RunTime, findStatus(t, snap, b).RunTime
	if ra+rb > 1_000_000 {
		t.Errorf("tasks ran %d us in a 1s window", ra+rb)
	}
	if snap.CoreIdleRunTime[0] > 1000 {
		t.Errorf("idle = %d on a saturated core", snap.CoreIdleRunTime[0])
	}
}

func TestSchedulerCounterWrap(t *testing.T) {
	clock := newFakeClock()
	start := uint32(math.MaxUint32 - 100_000)
	s := New(Options{Cores: 1, Now: clock.Now, StartRunTime: start})
	before, _ := s.Snapshot()

	clock.Advance(time.Second)
	after, _ := s.Snapshot()
	if after.TotalRunTime >= before.TotalRunTime {
		t.Fatalf("total counter did not wrap: %d -> %d", before.TotalRunTime, after.TotalRunTime)
	}
	if got := after.TotalRunTime - before.TotalRunTime; got != 1_000_000 {
		t.Errorf("wrapped delta = %d, want 1000000", got)
	}
}

func TestSchedulerHandleRecycling(t *testing.T) {
	s := New(Options{Cores: 1, Now: newFakeClock().Now})
	h1, _ := s.Spawn(TaskSpec{Name: "first", StackBytes: 1024})
	if err := s.Kill(h1); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if s.Alive(h1) {
		t.Error("killed task still alive")
	}
	h2, _ := s.Spawn(TaskSpec{Name: "second", StackBytes: 1024})
	if h2 != h1 {
		t.Errorf("handle %v not reused, got %v", h1, h2)
	}
	if err := s.Kill(0x1234); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Kill unknown = %v, want ErrUnknownTask", err)
	}
}

func TestSchedulerHighWaterMark(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{Cores: 1, Now: clock.Now})

	load := 1.0
	h, _ := s.Spawn(TaskSpec{
		Name: "bursty", StackBytes: 4096, StackBase: 1000, StackPeak: 2000,
		Load: func(time.Duration) float64 { return load },
	})

	clock.Advance(time.Second)
	snap, _ := s.Snapshot()
	peak := findStatus(t, snap, h).StackHighWaterMark
	if peak != (4096-2000)/4 {
		t.Errorf("hwm at peak = %d, want %d", peak, (4096-2000)/4)
	}

	load = 0
	clock.Advance(time.Second)
	snap, _ = s.Snapshot()
	if got := findStatus(t, snap, h).StackHighWaterMark; got != peak {
		t.Errorf("hwm rose from %d to %d after load dropped", peak, got)
	}
}

func TestSchedulerMemory(t *testing.T) {
	s := New(Options{Cores: 2, Now: newFakeClock().Now})
	stats, _ := s.MemoryStats()
	if len(stats) != 2 || stats[0].Name != "dram" || stats[1].Name != "psram" {
		t.Fatalf("regions = %+v", stats)
	}
	if stats[1].Present {
		t.Error("psram present without the option")
	}
	free0 := stats[0].Free

	h, _ := s.Spawn(TaskSpec{Name: "big", StackBytes: 8192})
	stats, _ = s.MemoryStats()
	if got := free0 - stats[0].Free; got != 8192+tcbBytes {
		t.Errorf("dram consumed = %d, want %d", got, 8192+tcbBytes)
	}

	_ = s.Kill(h)
	stats, _ = s.MemoryStats()
	if stats[0].Free != free0 {
		t.Errorf("free after kill = %d, want %d", stats[0].Free, free0)
	}
	if stats[0].MinFree != free0-8192-tcbBytes {
		t.Errorf("min free = %d, want the low point %d", stats[0].MinFree, free0-8192-tcbBytes)
	}
	if stats[0].LargestFree > stats[0].Free {
		t.Error("largest block exceeds free")
	}

	if _, err := s.Spawn(TaskSpec{Name: "huge", StackBytes: DRAMTotal}); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("oversized spawn = %v, want ErrOutOfMemory", err)
	}

	withPSRAM := New(Options{Cores: 2, PSRAM: true, Now: newFakeClock().Now})
	stats, _ = withPSRAM.MemoryStats()
	if !stats[1].Present || stats[1].Total != PSRAMTotal {
		t.Errorf("psram = %+v, want present", stats[1])
	}
}

func TestSineLoadBounds(t *testing.T) {
	for age := time.Duration(0); age < 2*SineCycle; age += 250 * time.Millisecond {
		v := SineLoad(age)
		if v < sineMinLoad-1e-9 || v > sineMaxLoad+1e-9 {
			t.Fatalf("SineLoad(%v) = %v out of range", age, v)
		}
	}
}

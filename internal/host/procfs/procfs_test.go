package procfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

const testPID = 4242

const statFixture = `cpu  1000 0 500 8000 500 0 0 0 0 0
cpu0 600 0 300 3800 300 0 0 0 0 0
cpu1 400 0 200 4200 200 0 0 0 0 0
intr 12345
ctxt 999
btime 1700000000
`

// threadStat renders a /proc/<pid>/task/<tid>/stat line with every field
// the kernel writes.
func threadStat(tid int, comm string, utime, stime, prio, nice, cpu int) string {
	return fmt.Sprintf("%d (%s) S 1 1 1 0 -1 4194560 0 0 0 0 %d %d 0 0 %d %d 1 0 100 1000 10 "+
		"18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 %d 0 0 0 0 0\n",
		tid, comm, utime, stime, prio, nice, cpu)
}

// fixtureFS lays out a fake proc mount under a temp dir.
func fixtureFS(t *testing.T, stat string, threads map[int]string) string {
	t.Helper()
	root := t.TempDir()
	write := func(path, content string) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(root, "stat"), stat)
	taskDir := filepath.Join(root, fmt.Sprint(testPID), "task")
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for tid, line := range threads {
		write(filepath.Join(taskDir, fmt.Sprint(tid), "stat"), line)
	}
	return root
}

func fixedMemory(free, total uint64) memoryReader {
	return func() (uint64, uint64, error) { return free, total, nil }
}

func TestSourceSnapshot(t *testing.T) {
	root := fixtureFS(t, statFixture, map[int]string{
		101: threadStat(101, "main", 250, 50, 20, 0, 1),
		102: threadStat(102, "worker (x) 1", 10, 0, 25, 5, 0),
	})
	// a thread directory without a stat file is skipped
	if err := os.MkdirAll(filepath.Join(root, fmt.Sprint(testPID), "task", "103"), 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := newSource(Options{MountPoint: root, PID: testPID}, fixedMemory(1, 2))
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}
	if s.NumCores() != 2 {
		t.Fatalf("cores = %d, want 2", s.NumCores())
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// 10000 ticks over 2 cores is 50s per core
	if snap.TotalRunTime != 50_000_000 {
		t.Errorf("total = %d, want 50000000", snap.TotalRunTime)
	}
	if snap.CoreIdleRunTime[0] != 41_000_000 || snap.CoreIdleRunTime[1] != 44_000_000 {
		t.Errorf("idle = %v, want [41000000 44000000]", snap.CoreIdleRunTime)
	}

	if len(snap.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(snap.Tasks))
	}
	first := snap.Tasks[0]
	if first.Handle != 101 || first.Name != "main" || first.RunTime != 3_000_000 || first.Core != 1 {
		t.Errorf("main = %+v", first)
	}
	if first.HWMKnown {
		t.Error("threads have no known stack high-water mark")
	}
	worker := snap.Tasks[1]
	if worker.Name != "worker (x) 1" || worker.CurrentPriority != 25 || worker.BasePriority != 25 {
		t.Errorf("worker = %+v", worker)
	}
}

func TestSourceMissingProcess(t *testing.T) {
	root := fixtureFS(t, statFixture, nil)
	s, err := newSource(Options{MountPoint: root, PID: 1}, fixedMemory(1, 2))
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}
	if _, err := s.Snapshot(); err == nil {
		t.Error("expected error for a process without a task directory")
	}
}

func TestSourceBadMountPoint(t *testing.T) {
	if _, err := newSource(Options{MountPoint: filepath.Join(t.TempDir(), "nope")}, fixedMemory(1, 2)); err == nil {
		t.Error("expected error for a missing mount point")
	}
}

func TestSourceMemoryStats(t *testing.T) {
	root := fixtureFS(t, statFixture, nil)

	free := uint64(600)
	s, err := newSource(Options{MountPoint: root, Heap: true}, func() (uint64, uint64, error) { return free, 1000, nil })
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}
	s.readHeap = func(ms *runtime.MemStats) {
		ms.HeapSys = 400
		ms.HeapInuse = 100
		ms.HeapIdle = 300
		ms.HeapReleased = 50
	}
	if got := s.Regions(); len(got) != 2 || got[0] != "ram" || got[1] != "heap" {
		t.Fatalf("regions = %v", got)
	}

	_, _ = s.MemoryStats()
	free = 800
	stats, err := s.MemoryStats()
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	ram := stats[0]
	if ram.Free != 800 || ram.MinFree != 600 || ram.Total != 1000 || !ram.Present {
		t.Errorf("ram = %+v", ram)
	}
	heap := stats[1]
	if heap.Free != 300 || heap.LargestFree != 250 || heap.Total != 400 || !heap.Present {
		t.Errorf("heap = %+v", heap)
	}
}

func TestSourceMemoryError(t *testing.T) {
	root := fixtureFS(t, statFixture, nil)
	s, err := newSource(Options{MountPoint: root}, func() (uint64, uint64, error) { return 0, 0, errors.New("denied") })
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}
	if _, err := s.MemoryStats(); err == nil {
		t.Error("expected memory error")
	}
}

func TestLiveSource(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs source is Linux only")
	}
	s, err := New(Options{Heap: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(first.Tasks) == 0 {
		t.Fatal("no threads found for this process")
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Snapshot(); err != nil {
		t.Fatalf("second Snapshot: %v", err)
	}
	stats, err := s.MemoryStats()
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if stats[0].Total == 0 || stats[0].Free > stats[0].Total {
		t.Errorf("ram = %+v", stats[0])
	}
}

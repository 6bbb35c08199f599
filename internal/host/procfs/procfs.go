// Package procfs samples a process as if it were an RTOS: each OS thread is a
// task, /proc/stat supplies the per-core idle counters, and the kernel's free
// memory is the mandatory "ram" region.
package procfs

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"sync"

	pfs "github.com/prometheus/procfs"

	"rtos_sysmon/internal/host"
)

// memoryReader returns free and total system RAM in bytes.
type memoryReader func() (free, total uint64, err error)

// Options configures a Source.
type Options struct {
	// MountPoint of the proc filesystem. Defaults to /proc.
	MountPoint string
	// PID whose threads are reported. Defaults to this process.
	PID int
	// Heap adds the Go heap as an optional "heap" region.
	Heap bool
}

// Source implements host.SchedulerSource and host.MemorySource over /proc.
type Source struct {
	opts     Options
	fs       pfs.FS
	cores    int
	readMem  memoryReader
	readHeap func(*runtime.MemStats)

	mu          sync.Mutex
	minFree     uint64
	minHeapFree uint64
}

var (
	_ host.SchedulerSource = (*Source)(nil)
	_ host.MemorySource    = (*Source)(nil)
)

func newSource(opts Options, readMem memoryReader) (*Source, error) {
	if opts.MountPoint == "" {
		opts.MountPoint = pfs.DefaultMountPoint
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	fs, err := pfs.NewFS(opts.MountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", opts.MountPoint, err)
	}
	st, err := fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("read cpu stats: %w", err)
	}
	cores := len(st.CPU)
	if cores == 0 {
		cores = runtime.NumCPU()
	}
	return &Source{
		opts:     opts,
		fs:       fs,
		cores:    cores,
		readMem:  readMem,
		readHeap: runtime.ReadMemStats,
	}, nil
}

// NumCores returns the number of per-cpu lines found in /proc/stat.
func (s *Source) NumCores() int { return s.cores }

// toCounter converts seconds to a wrapping microsecond counter.
func toCounter(seconds float64) uint32 {
	if seconds <= 0 {
		return 0
	}
	return uint32(uint64(math.Round(seconds * 1e6)))
}

// totalSeconds sums every accounted state except guest time, which the kernel
// already includes in user and nice.
func totalSeconds(c pfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

func priorityOf(v int) uint32 {
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// Snapshot reads every thread of the process and the per-core counters.
// TotalRunTime is the aggregate time divided by the core count so it advances
// at the same rate as a single core's idle counter. Threads that exit between
// the directory listing and the read are skipped.
func (s *Source) Snapshot() (host.SchedulerSnapshot, error) {
	st, err := s.fs.Stat()
	if err != nil {
		return host.SchedulerSnapshot{}, fmt.Errorf("read cpu stats: %w", err)
	}
	threads, err := s.fs.AllThreads(s.opts.PID)
	if err != nil {
		return host.SchedulerSnapshot{}, fmt.Errorf("list threads of %d: %w", s.opts.PID, err)
	}
	sort.Sort(threads)

	snap := host.SchedulerSnapshot{
		Tasks:           make([]host.TaskStatus, 0, len(threads)),
		TotalRunTime:    toCounter(totalSeconds(st.CPUTotal) / float64(s.cores)),
		CoreIdleRunTime: make([]uint32, s.cores),
	}
	for i := range snap.CoreIdleRunTime {
		if c, ok := st.CPU[int64(i)]; ok {
			snap.CoreIdleRunTime[i] = toCounter(c.Idle + c.Iowait)
		}
	}

	for _, p := range threads {
		ps, err := p.Stat()
		if err != nil {
			continue
		}
		snap.Tasks = append(snap.Tasks, host.TaskStatus{
			Handle:          host.TaskHandle(p.PID),
			Name:            ps.Comm,
			ID:              uint32(p.PID),
			RunTime:         toCounter(ps.CPUTime()),
			CurrentPriority: priorityOf(ps.Priority),
			BasePriority:    priorityOf(20 + ps.Nice),
			Core:            int(ps.Processor),
		})
	}
	return snap, nil
}

// Regions lists "ram" and, when enabled, "heap".
func (s *Source) Regions() []string {
	if s.opts.Heap {
		return []string{"ram", "heap"}
	}
	return []string{"ram"}
}

// MemoryStats reports system RAM and optionally the Go heap. MinFree is the
// lowest free value this Source has observed.
func (s *Source) MemoryStats() ([]host.RegionStats, error) {
	free, total, err := s.readMem()
	if err != nil {
		return nil, fmt.Errorf("read system memory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.minFree == 0 || free < s.minFree {
		s.minFree = free
	}
	stats := []host.RegionStats{{
		Name:        "ram",
		Free:        free,
		MinFree:     s.minFree,
		LargestFree: free,
		Total:       total,
		Present:     true,
	}}

	if s.opts.Heap {
		var ms runtime.MemStats
		s.readHeap(&ms)
		heapFree := ms.HeapSys - ms.HeapInuse
		if s.minHeapFree == 0 || heapFree < s.minHeapFree {
			s.minHeapFree = heapFree
		}
		stats = append(stats, host.RegionStats{
			Name:        "heap",
			Free:        heapFree,
			MinFree:     s.minHeapFree,
			LargestFree: ms.HeapIdle - ms.HeapReleased,
			Total:       ms.HeapSys,
			Present:     ms.HeapSys > 0,
		})
	}
	return stats, nil
}

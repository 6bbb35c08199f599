package sampler

import (
	"errors"
	"time"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/maps"
)

var (
	// ErrAlreadyStarted is returned by Start on a running monitor.
	ErrAlreadyStarted = errors.New("sampler already started")
	// ErrNotRunning is returned by Stop on a monitor that is not running.
	ErrNotRunning = errors.New("sampler not running")
)

// Options tunes the engine. Zero values are replaced by the defaults below,
// except EvictionThreshold and ZeroThreshold where zero is a valid setting.
// Start from DefaultOptions when only some fields are known.
type Options struct {
	Interval          time.Duration
	SampleCount       int
	MaxTrackedTasks   int
	InitialCapacity   int
	EvictionThreshold int
	ZeroThreshold     float64
	WordSize          int
	IndexKind         maps.Kind
}

// DefaultOptions mirrors the [sampler] section defaults.
func DefaultOptions() Options {
	return Options{
		Interval:          time.Second,
		SampleCount:       60,
		MaxTrackedTasks:   256,
		InitialCapacity:   32,
		EvictionThreshold: 3,
		ZeroThreshold:     0.0001,
		WordSize:          4,
		IndexKind:         maps.DefaultKind,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.SampleCount < 1 {
		o.SampleCount = d.SampleCount
	}
	if o.InitialCapacity < 1 {
		o.InitialCapacity = d.InitialCapacity
	}
	if o.MaxTrackedTasks < 1 {
		o.MaxTrackedTasks = d.MaxTrackedTasks
	}
	if o.InitialCapacity > o.MaxTrackedTasks {
		o.InitialCapacity = o.MaxTrackedTasks
	}
	if o.EvictionThreshold < 0 {
		o.EvictionThreshold = d.EvictionThreshold
	}
	if o.ZeroThreshold < 0 {
		o.ZeroThreshold = d.ZeroThreshold
	}
	if o.WordSize < 1 {
		o.WordSize = d.WordSize
	}
	if o.IndexKind == "" {
		o.IndexKind = d.IndexKind
	}
	return o
}

// TaskSnapshot is the latest sample of one tracked task.
type TaskSnapshot struct {
	Handle          host.TaskHandle
	Name            string
	ID              uint32
	Core            int
	CurrentPriority uint32
	BasePriority    uint32

	DeclaredStack  uint32  // bytes, 0 when never registered
	StackUsed      float64 // bytes
	StackUsedPct   float64
	StackRemaining uint32 // bytes, set only when StackUsed and StackUsedPct are non-zero
	HighWaterMark  uint32 // words

	CPU    float64
	Active bool
}

// TaskHistory is one task's retained series, oldest first.
type TaskHistory struct {
	Handle     host.TaskHandle
	Name       string
	Registered bool
	CPU        []float64
	StackBytes []float64 // nil unless Registered
	StackPct   []float64 // nil unless Registered
}

// RegionSample is one memory region's latest values.
type RegionSample struct {
	Name        string
	Free        float64
	MinFree     float64
	LargestFree float64
	Total       float64
	UsedPct     float64
	Present     bool
}

// SystemSnapshot is the latest system-wide sample.
type SystemSnapshot struct {
	Overall float64
	Cores   []float64
	Memory  []RegionSample
}

// RegionHistory is one memory region's retained series, oldest first.
type RegionHistory struct {
	Name        string
	Present     bool
	Free        []float64
	MinFree     []float64
	LargestFree []float64
	Total       []float64
	UsedPct     []float64
}

// SystemHistory is the retained system-wide series, oldest first.
type SystemHistory struct {
	Overall []float64
	Cores   [][]float64
	Memory  []RegionHistory
}

// Settings echoes the configuration consumers need to interpret series.
type Settings struct {
	Interval    time.Duration
	SampleCount int
}

// Stats are engine counters for diagnostics and metrics.
type Stats struct {
	Ticks          uint64
	SkippedTicks   uint64
	Tracked        int
	Active         int
	Capacity       int
	SkippedTasks   uint64
	Reclaimed      uint64
	Growths        uint64
	LastTickLength time.Duration
}

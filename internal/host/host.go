// Package host defines what the sampling engine consumes from the runtime it
// observes: scheduler snapshots and memory region statistics.
package host

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by sources that cannot run on this platform.
var ErrUnsupported = errors.New("source not supported on this platform")

// TaskHandle is the opaque identity of a scheduler task. Zero is the null handle.
// A handle is unique while its task exists and may be reused after deletion.
type TaskHandle uintptr

func (h TaskHandle) String() string { return fmt.Sprintf("0x%x", uintptr(h)) }

// TaskStatus is one task as seen in a scheduler snapshot.
type TaskStatus struct {
	Handle          TaskHandle
	Name            string
	ID              uint32
	RunTime         uint32 // cumulative, wraps at 2^32
	CurrentPriority uint32
	BasePriority    uint32
	Core            int // -1 when not pinned

	// StackHighWaterMark is the minimum free stack seen, in words.
	// Only meaningful when HWMKnown is set.
	StackHighWaterMark uint32
	HWMKnown           bool
}

// SchedulerSnapshot is the state of every live task at one instant.
type SchedulerSnapshot struct {
	Tasks []TaskStatus

	// TotalRunTime is the system-wide cumulative run-time counter, per core.
	TotalRunTime uint32

	// CoreIdleRunTime holds each core's idle task counter, indexed by core.
	CoreIdleRunTime []uint32
}

// SchedulerSource produces scheduler snapshots.
type SchedulerSource interface {
	Snapshot() (SchedulerSnapshot, error)
	NumCores() int
}

// RegionStats describes one memory region in bytes.
type RegionStats struct {
	Name        string
	Free        uint64
	MinFree     uint64
	LargestFree uint64
	Total       uint64
	Present     bool
}

// MemorySource reports memory regions. The first region returned is the
// mandatory one; the rest are optional and may report Present=false.
type MemorySource interface {
	Regions() []string
	MemoryStats() ([]RegionStats, error)
}

// StackRegistrar records declared stack sizes at task creation.
type StackRegistrar interface {
	Register(h TaskHandle, declaredBytes uint32)
}

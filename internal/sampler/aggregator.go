package sampler

import (
	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/ringbuf"
)

type regionSeries struct {
	name      string
	mandatory bool
	seen      bool

	free    *ringbuf.Ring[float64]
	minFree *ringbuf.Ring[float64]
	largest *ringbuf.Ring[float64]
	total   *ringbuf.Ring[float64]
	usedPct *ringbuf.Ring[float64]
}

func newRegionSeries(name string, mandatory bool, depth int) *regionSeries {
	return &regionSeries{
		name:      name,
		mandatory: mandatory,
		seen:      mandatory,
		free:      ringbuf.New[float64](depth),
		minFree:   ringbuf.New[float64](depth),
		largest:   ringbuf.New[float64](depth),
		total:     ringbuf.New[float64](depth),
		usedPct:   ringbuf.New[float64](depth),
	}
}

// Aggregator owns the system-wide series and the run-time baselines every
// CPU percentage is computed against.
type Aggregator struct {
	seeded    bool
	prevTotal uint32
	prevIdle  []uint32

	cursor  ringbuf.Cursor
	overall *ringbuf.Ring[float64]
	cores   []*ringbuf.Ring[float64]
	regions []*regionSeries
}

// NewAggregator allocates series for cores CPU cores and the named memory
// regions; the first region is mandatory, the rest optional.
func NewAggregator(depth, cores int, regions []string) *Aggregator {
	cores = max(cores, 1)
	a := &Aggregator{
		prevIdle: make([]uint32, cores),
		cursor:   ringbuf.NewCursor(depth),
		overall:  ringbuf.New[float64](depth),
		cores:    make([]*ringbuf.Ring[float64], cores),
		regions:  make([]*regionSeries, len(regions)),
	}
	for i := range a.cores {
		a.cores[i] = ringbuf.New[float64](depth)
	}
	for i, name := range regions {
		a.regions[i] = newRegionSeries(name, i == 0, depth)
	}
	return a
}

// usedPercent is the share of total not free, 0 for an empty region.
func usedPercent(free, total uint64) float64 {
	if total == 0 || free >= total {
		return 0
	}
	return 100 * float64(total-free) / float64(total)
}

// Update writes one tick of system series and returns the run-time delta the
// tracker divides by, plus the cursor position written this tick. The first
// call only seeds baselines and records zeros.
func (a *Aggregator) Update(snap host.SchedulerSnapshot, mem []host.RegionStats) (uint32, ringbuf.Cursor) {
	written := a.cursor

	var overallDelta uint32
	if a.seeded {
		overallDelta = runTimeDelta(snap.TotalRunTime, a.prevTotal)
	}

	var sum float64
	for i, ring := range a.cores {
		var busy float64
		if i < len(snap.CoreIdleRunTime) {
			idle := snap.CoreIdleRunTime[i]
			if a.seeded && overallDelta > 0 {
				idleDelta := runTimeDelta(idle, a.prevIdle[i])
				busy = clampPercent(100 - 100*float64(idleDelta)/float64(overallDelta))
			}
			a.prevIdle[i] = idle
		}
		ring.Write(written, busy)
		sum += busy
	}
	a.overall.Write(written, sum/float64(len(a.cores)))

	a.prevTotal = snap.TotalRunTime
	a.seeded = true

	for _, r := range a.regions {
		st, ok := findRegion(mem, r.name)
		if !ok {
			st = host.RegionStats{}
		}
		if st.Present {
			r.seen = true
		}
		r.free.Write(written, float64(st.Free))
		r.minFree.Write(written, float64(st.MinFree))
		r.largest.Write(written, float64(st.LargestFree))
		r.total.Write(written, float64(st.Total))
		r.usedPct.Write(written, usedPercent(st.Free, st.Total))
	}

	a.cursor.Advance()
	return overallDelta, written
}

func findRegion(mem []host.RegionStats, name string) (host.RegionStats, bool) {
	for _, st := range mem {
		if st.Name == name {
			return st, true
		}
	}
	return host.RegionStats{}, false
}

// Cursor returns the next position to be written.
func (a *Aggregator) Cursor() ringbuf.Cursor { return a.cursor }

// Snapshot returns the newest system sample.
func (a *Aggregator) Snapshot() SystemSnapshot {
	s := SystemSnapshot{
		Overall: a.overall.At(a.cursor),
		Cores:   make([]float64, len(a.cores)),
		Memory:  make([]RegionSample, len(a.regions)),
	}
	for i, ring := range a.cores {
		s.Cores[i] = ring.At(a.cursor)
	}
	for i, r := range a.regions {
		s.Memory[i] = RegionSample{
			Name:        r.name,
			Free:        r.free.At(a.cursor),
			MinFree:     r.minFree.At(a.cursor),
			LargestFree: r.largest.At(a.cursor),
			Total:       r.total.At(a.cursor),
			UsedPct:     r.usedPct.At(a.cursor),
			Present:     r.seen,
		}
	}
	return s
}

// History returns every system series, oldest first.
func (a *Aggregator) History() SystemHistory {
	h := SystemHistory{
		Overall: a.overall.Slice(a.cursor),
		Cores:   make([][]float64, len(a.cores)),
		Memory:  make([]RegionHistory, len(a.regions)),
	}
	for i, ring := range a.cores {
		h.Cores[i] = ring.Slice(a.cursor)
	}
	for i, r := range a.regions {
		h.Memory[i] = RegionHistory{
			Name:        r.name,
			Present:     r.seen,
			Free:        r.free.Slice(a.cursor),
			MinFree:     r.minFree.Slice(a.cursor),
			LargestFree: r.largest.Slice(a.cursor),
			Total:       r.total.Slice(a.cursor),
			UsedPct:     r.usedPct.Slice(a.cursor),
		}
	}
	return h
}

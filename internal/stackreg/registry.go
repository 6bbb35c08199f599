// Package stackreg keeps the stack size each task was created with, since the
// scheduler only reports how much of it is left.
//
// Any goroutine may Register at any time, including before the sampler has
// started; such calls are logged and ignored. One mutex guards every path and
// growth happens inside the same critical section as the scan that found no
// free slot.
package stackreg

import (
	"sync"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/logger"
)

// DefaultInitialCapacity is used when the tracker has not sized itself yet.
const DefaultInitialCapacity = 32

type entry struct {
	handle host.TaskHandle
	bytes  uint32
	valid  bool
}

// Stats is a point-in-time view of the registry for diagnostics.
type Stats struct {
	Open     bool
	Capacity int
	Entries  int
	Growths  int
	Rejected int
}

// Options configures a Registry.
type Options struct {
	// InitialCapacity is allocated on Open when Required reports nothing larger.
	InitialCapacity int
	// MaxEntries bounds growth. Zero means unbounded.
	MaxEntries int
	// Required reports the tracker's current capacity. May be nil.
	Required func() int
}

// Registry maps task handles to declared stack sizes.
type Registry struct {
	opts Options

	mu       sync.Mutex
	open     bool
	entries  []entry
	count    int
	growths  int
	rejected int

	log *logger.SampledLogger
}

// New returns a closed registry. Call Open before registrations take effect.
func New(opts Options) *Registry {
	if opts.InitialCapacity < 1 {
		opts.InitialCapacity = DefaultInitialCapacity
	}
	if opts.MaxEntries > 0 && opts.InitialCapacity > opts.MaxEntries {
		opts.InitialCapacity = opts.MaxEntries
	}
	return &Registry{
		opts: opts,
		log:  logger.NewSampledLoggerCtx("stack_registry"),
	}
}

func (r *Registry) required() int {
	if r.opts.Required == nil {
		return 0
	}
	return r.opts.Required()
}

// Open allocates storage sized to the tracker, or InitialCapacity if larger.
// Opening an open registry does nothing.
func (r *Registry) Open() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return
	}
	capacity := max(r.required(), r.opts.InitialCapacity)
	if r.opts.MaxEntries > 0 {
		capacity = min(capacity, r.opts.MaxEntries)
	}
	r.entries = make([]entry, capacity)
	r.count = 0
	r.open = true
	r.log.Debug().Int("capacity", capacity).Msg("Stack registry opened")
}

// Register records declaredBytes for h, overwriting any previous value.
// It is a logged no-op when the registry is nil or not open, when h is the
// null handle, when declaredBytes is zero, or when the registry is full and
// cannot grow.
func (r *Registry) Register(h host.TaskHandle, declaredBytes uint32) {
	if r == nil {
		return
	}
	if h == 0 {
		r.log.Warn().Uint32("bytes", declaredBytes).Msg("Stack registration rejected: null task handle")
		r.reject()
		return
	}
	if declaredBytes == 0 {
		r.log.Warn().Str("handle", h.String()).Msg("Stack registration rejected: zero stack size")
		r.reject()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		r.log.SampledWarn("register-closed").Str("handle", h.String()).
			Msg("Stack registration ignored: sampler not started")
		r.rejected++
		return
	}

	free := -1
	for i := range r.entries {
		e := &r.entries[i]
		if e.valid && e.handle == h {
			e.bytes = declaredBytes
			return
		}
		if !e.valid && free < 0 {
			free = i
		}
	}

	if free < 0 {
		free = r.growLocked()
		if free < 0 {
			r.log.SampledError("registry-full").
				Int("capacity", len(r.entries)).
				Str("handle", h.String()).
				Msg("Stack registry at its bound, registration dropped")
			r.rejected++
			return
		}
	}

	r.entries[free] = entry{handle: h, bytes: declaredBytes, valid: true}
	r.count++
}

func (r *Registry) reject() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
}

// growLocked enlarges storage to max(required, 2*capacity), limited by
// MaxEntries, and returns the first new free index or -1 if no growth is
// possible.
func (r *Registry) growLocked() int {
	old := len(r.entries)
	next := max(r.required(), 2*old, 1)
	if r.opts.MaxEntries > 0 {
		next = min(next, r.opts.MaxEntries)
	}
	if next <= old {
		return -1
	}
	grown := make([]entry, next)
	copy(grown, r.entries)
	r.entries = grown
	r.growths++
	r.log.Debug().Int("from", old).Int("to", next).Msg("Stack registry grown")
	return old
}

// Lookup returns the declared size for h, if registered.
func (r *Registry) Lookup(h host.TaskHandle) (uint32, bool) {
	if r == nil || h == 0 {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].valid && r.entries[i].handle == h {
			return r.entries[i].bytes, true
		}
	}
	return 0, false
}

// Clear releases all entries and closes the registry. Registrations after
// Clear are ignored until the next Open.
func (r *Registry) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.count = 0
	r.open = false
}

// Stats returns current counters.
func (r *Registry) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Open:     r.open,
		Capacity: len(r.entries),
		Entries:  r.count,
		Growths:  r.growths,
		Rejected: r.rejected,
	}
}

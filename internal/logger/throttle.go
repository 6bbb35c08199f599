package logger

import (
	"sync"
	"time"

	"github.com/phuslu/log"
)

// mainThrottle is shared by every sampled component logger.
var mainThrottle = NewThrottle(30 * time.Second)

// Throttle lets the first occurrence of a key through and then at most one
// more per interval. Keys are expected to be a small static set.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	keys map[string]*throttleState
}

type throttleState struct {
	last       time.Time
	suppressed int
}

// NewThrottle returns a throttle with the given spacing. A non-positive
// interval disables suppression.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		now:      time.Now,
		keys:     make(map[string]*throttleState),
	}
}

// Interval returns the configured spacing.
func (t *Throttle) Interval() time.Duration { return t.interval }

// Allow reports whether an event for key may be logged now and how many
// events for key were dropped since the last one allowed.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil || t.interval <= 0 {
		return true, 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.keys[key]
	if !ok {
		t.keys[key] = &throttleState{last: now}
		return true, 0
	}
	if now.Sub(st.last) < t.interval {
		st.suppressed++
		return false, 0
	}
	dropped := st.suppressed
	st.last = now
	st.suppressed = 0
	return true, dropped
}

// SampledLogger is a component logger with throttled variants for messages
// that can repeat every tick.
type SampledLogger struct {
	log.Logger
	throttle *Throttle
}

func (l *SampledLogger) sampled(key string, e *log.Entry) *log.Entry {
	ok, dropped := l.throttle.Allow(key)
	if !ok {
		return nil
	}
	if dropped > 0 {
		e = e.Int("suppressed", dropped)
	}
	return e.Str("key", key)
}

// SampledDebug returns a debug entry for key, or nil while key is throttled.
func (l *SampledLogger) SampledDebug(key string) *log.Entry {
	return l.sampled(key, l.Debug())
}

// SampledWarn returns a warn entry for key, or nil while key is throttled.
func (l *SampledLogger) SampledWarn(key string) *log.Entry {
	return l.sampled(key, l.Warn())
}

// SampledError returns an error entry for key, or nil while key is throttled.
func (l *SampledLogger) SampledError(key string) *log.Entry {
	return l.sampled(key, l.Error())
}

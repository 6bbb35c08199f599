package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/phuslu/log"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/logger"
)

// Demo workload timings.
const (
	SineCycle     = 17 * time.Second
	sineMinLoad   = 0.10
	sineMaxLoad   = 0.80
	CycleTaskRun  = 7 * time.Second
	cycleGap      = 100 * time.Millisecond
	cycleTaskName = "demo_cycle_task"
)

// SineLoad swings between 10% and 80% of a core over one SineCycle.
func SineLoad(age time.Duration) float64 {
	phase := 2 * math.Pi * float64(age%SineCycle) / float64(SineCycle)
	return sineMinLoad + (sineMaxLoad-sineMinLoad)*0.5*(math.Sin(phase)+1)
}

// cycleLoad is half a core for CycleTaskRun, then blocked until deleted.
func cycleLoad(age time.Duration) float64 {
	if age < CycleTaskRun {
		return 0.5
	}
	return 0
}

type demoPhase int

const (
	phaseIdle demoPhase = iota
	phaseRunning
)

// Demo drives a fixed application workload on a Scheduler: a sine-wave load
// on core 0, an LED blinker, and a manager that keeps creating and deleting
// a short-lived task on core 1. Every task it creates is registered with the
// stack registrar right after creation.
type Demo struct {
	sched *Scheduler
	reg   host.StackRegistrar
	log   log.Logger

	handles map[string]host.TaskHandle
	phase   demoPhase
	nextAt  time.Time
	cycle   host.TaskHandle
	cycles  int
}

// NewDemo binds a workload to sched. reg may be nil.
func NewDemo(sched *Scheduler, reg host.StackRegistrar) *Demo {
	return &Demo{
		sched:   sched,
		reg:     reg,
		log:     logger.NewLoggerWithContext("demo"),
		handles: make(map[string]host.TaskHandle),
	}
}

func (d *Demo) spawn(spec TaskSpec) (host.TaskHandle, error) {
	h, err := d.sched.Spawn(spec)
	if err != nil {
		return 0, err
	}
	if d.reg != nil {
		d.reg.Register(h, spec.StackBytes)
	}
	return h, nil
}

// Setup creates the long-lived demo tasks.
func (d *Demo) Setup() error {
	specs := []TaskSpec{
		{
			Name: "demo_sine_task", Priority: 6, Core: 0,
			StackBytes: 2560, StackBase: 700, StackPeak: 1100, Load: SineLoad,
		},
		{
			Name: "demo_task_mgr", Priority: 3, Core: -1,
			StackBytes: 5 * 1024, StackBase: 1500, StackPeak: 1700, Load: Constant(0.001),
		},
		{
			Name: "rgb_led_cycle_task", Priority: 5, Core: -1,
			StackBytes: 3 * 1024, StackBase: 1300, StackPeak: 1900, Load: Constant(0.003),
		},
	}
	for _, spec := range specs {
		h, err := d.spawn(spec)
		if err != nil {
			return fmt.Errorf("demo setup: %w", err)
		}
		d.handles[spec.Name] = h
		d.log.Info().Str("task", spec.Name).Str("handle", h.String()).Msg("Demo task created")
	}
	d.nextAt = d.sched.opts.Now()
	return nil
}

// Step runs the task manager's state machine against the scheduler clock.
func (d *Demo) Step() {
	now := d.sched.opts.Now()
	if now.Before(d.nextAt) {
		return
	}
	switch d.phase {
	case phaseIdle:
		h, err := d.spawn(TaskSpec{
			Name: cycleTaskName, Priority: 6, Core: 1,
			StackBytes: 4 * 1024, StackBase: 900, StackPeak: 1500, Load: cycleLoad,
		})
		if err != nil {
			d.log.Error().Err(err).Msg("Failed to create demo cycle task")
			d.nextAt = now.Add(CycleTaskRun)
			return
		}
		d.cycle = h
		d.cycles++
		d.phase = phaseRunning
		d.nextAt = now.Add(CycleTaskRun)
		d.log.Info().Str("handle", h.String()).Int("cycle", d.cycles).Msg("Demo cycle task created")
	case phaseRunning:
		if err := d.sched.Kill(d.cycle); err != nil {
			d.log.Warn().Err(err).Msg("Demo cycle task already deleted")
		} else {
			d.log.Info().Str("handle", d.cycle.String()).Msg("Demo cycle task destroyed")
		}
		d.cycle = 0
		d.phase = phaseIdle
		d.nextAt = now.Add(cycleGap + CycleTaskRun)
	}
}

// Handle returns the handle of a long-lived demo task by name.
func (d *Demo) Handle(name string) (host.TaskHandle, bool) {
	h, ok := d.handles[name]
	return h, ok
}

// Run performs Setup and then steps the manager every interval until ctx is
// cancelled.
func (d *Demo) Run(ctx context.Context, every time.Duration) error {
	if err := d.Setup(); err != nil {
		return err
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	d.Step()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Step()
		}
	}
}

package httpapi

import (
	"math"

	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/sampler"
)

// displayName is the key a task is published under. The application entry
// task is called "main" by the scheduler but "app_main" by its users.
func displayName(name string) string {
	if name == "main" {
		return "app_main"
	}
	return name
}

// keyer hands out unique display keys within one response. A second task
// with the same name gets its handle appended.
type keyer map[string]struct{}

func (k keyer) key(name string, h host.TaskHandle) string {
	key := displayName(name)
	if _, dup := k[key]; dup {
		key = key + "#" + h.String()
	}
	k[key] = struct{}{}
	return key
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func roundAll(vs []float64, places int) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = round(v, places)
	}
	return out
}

// remaining is set only when both used bytes and used percent are non-zero.
func remaining(t sampler.TaskSnapshot) *uint32 {
	if t.StackUsed > 0 && t.StackUsedPct > 0 {
		v := t.StackRemaining
		return &v
	}
	return nil
}

type taskView struct {
	Core           int     `json:"core"`
	Prio           uint32  `json:"prio"`
	StackSize      uint32  `json:"stackSize"`
	StackUsed      float64 `json:"stackUsed"`
	StackUsedPct   float64 `json:"stackUsedPct"`
	StackRemaining *uint32 `json:"stackRemaining,omitempty"`
}

func tasksView(tasks []sampler.TaskSnapshot) map[string]taskView {
	out := make(map[string]taskView, len(tasks))
	keys := keyer{}
	for _, t := range tasks {
		out[keys.key(t.Name, t.Handle)] = taskView{
			Core:           t.Core,
			Prio:           t.CurrentPriority,
			StackSize:      t.DeclaredStack,
			StackUsed:      t.StackUsed,
			StackUsedPct:   t.StackUsedPct,
			StackRemaining: remaining(t),
		}
	}
	return out
}

type historyView struct {
	CPU   []float64 `json:"cpu"`
	Stack []float64 `json:"stack,omitempty"`
}

func historiesView(hs []sampler.TaskHistory) map[string]historyView {
	out := make(map[string]historyView, len(hs))
	keys := keyer{}
	for _, h := range hs {
		v := historyView{CPU: roundAll(h.CPU, 1)}
		if h.Registered {
			v.Stack = h.StackBytes
		}
		out[keys.key(h.Name, h.Handle)] = v
	}
	return out
}

type currentView struct {
	CPU            float64 `json:"cpu"`
	Stack          float64 `json:"stack"`
	StackPct       float64 `json:"stackPct"`
	StackRemaining *uint32 `json:"stackRemaining,omitempty"`
}

type cpuSummary struct {
	Overall float64   `json:"overall"`
	Cores   []float64 `json:"cores"`
}

type regionSummary struct {
	Free    float64 `json:"free"`
	MinFree float64 `json:"minFree"`
	Largest float64 `json:"largest"`
	Total   float64 `json:"total"`
	UsedPct float64 `json:"usedPct"`
	Present bool    `json:"present"`
}

type summaryView struct {
	CPU cpuSummary               `json:"cpu"`
	Mem map[string]regionSummary `json:"mem"`
}

type telemetryView struct {
	Summary summaryView            `json:"summary"`
	Current map[string]currentView `json:"current"`
}

func summarize(sys sampler.SystemSnapshot) summaryView {
	s := summaryView{
		CPU: cpuSummary{
			Overall: round(sys.Overall, 2),
			Cores:   roundAll(sys.Cores, 2),
		},
		Mem: make(map[string]regionSummary, len(sys.Memory)),
	}
	for _, r := range sys.Memory {
		s.Mem[r.Name] = regionSummary{
			Free:    r.Free,
			MinFree: r.MinFree,
			Largest: r.LargestFree,
			Total:   r.Total,
			UsedPct: r.UsedPct,
			Present: r.Present,
		}
	}
	return s
}

func telemetry(sys sampler.SystemSnapshot, tasks []sampler.TaskSnapshot) telemetryView {
	v := telemetryView{
		Summary: summarize(sys),
		Current: make(map[string]currentView, len(tasks)),
	}
	keys := keyer{}
	for _, t := range tasks {
		v.Current[keys.key(t.Name, t.Handle)] = currentView{
			CPU:            round(t.CPU, 2),
			Stack:          t.StackUsed,
			StackPct:       t.StackUsedPct,
			StackRemaining: remaining(t),
		}
	}
	return v
}

type regionHistoryView struct {
	Free    []float64 `json:"free"`
	MinFree []float64 `json:"minFree"`
	Largest []float64 `json:"largest"`
	UsedPct []float64 `json:"usedPct"`
	Present bool      `json:"present"`
}

type systemHistoryView struct {
	CPU struct {
		Overall []float64   `json:"overall"`
		Cores   [][]float64 `json:"cores"`
	} `json:"cpu"`
	Mem map[string]regionHistoryView `json:"mem"`
}

func systemHistory(h sampler.SystemHistory) systemHistoryView {
	var v systemHistoryView
	v.CPU.Overall = roundAll(h.Overall, 1)
	v.CPU.Cores = make([][]float64, len(h.Cores))
	for i, c := range h.Cores {
		v.CPU.Cores[i] = roundAll(c, 1)
	}
	v.Mem = make(map[string]regionHistoryView, len(h.Memory))
	for _, r := range h.Memory {
		v.Mem[r.Name] = regionHistoryView{
			Free:    r.Free,
			MinFree: r.MinFree,
			Largest: r.LargestFree,
			UsedPct: roundAll(r.UsedPct, 1),
			Present: r.Present,
		}
	}
	return v
}

type configView struct {
	IntervalMs  int64 `json:"intervalMs"`
	SampleCount int   `json:"sampleCount"`
}

type hardwareView struct {
	Chip struct {
		Model string `json:"model"`
		Cores int    `json:"cores"`
		Arch  string `json:"arch"`
		OS    string `json:"os"`
	} `json:"chip"`
	Runtime struct {
		GoVersion  string `json:"goVersion"`
		Goroutines int    `json:"goroutines"`
		HostCPUs   int    `json:"hostCpus"`
	} `json:"runtime"`
	Build struct {
		Module  string `json:"module"`
		Version string `json:"version"`
	} `json:"build"`
	Memory map[string]regionTotal `json:"memory"`
	Config struct {
		CPUSamplingIntervalMs int64 `json:"cpuSamplingIntervalMs"`
		SampleCount           int   `json:"sampleCount"`
	} `json:"config"`
	UptimeSec float64 `json:"uptimeSec"`
}

type regionTotal struct {
	Total   float64 `json:"total"`
	Present bool    `json:"present"`
}

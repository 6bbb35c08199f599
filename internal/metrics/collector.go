// Package metrics exposes the sampler's latest values in Prometheus format.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"rtos_sysmon/internal/sampler"
	"rtos_sysmon/internal/stackreg"
)

// Source is the part of the sampler the collector reads on each scrape.
type Source interface {
	Tasks() []sampler.TaskSnapshot
	System() sampler.SystemSnapshot
	Stats() sampler.Stats
}

// SamplerCollector implements prometheus.Collector for the sampling engine.
// Values are read at scrape time so they always match the HTTP API.
type SamplerCollector struct {
	src      Source
	registry *stackreg.Registry

	cpuOverallDesc *prometheus.Desc
	cpuCoreDesc    *prometheus.Desc

	memFreeDesc    *prometheus.Desc
	memMinFreeDesc *prometheus.Desc
	memLargestDesc *prometheus.Desc
	memTotalDesc   *prometheus.Desc
	memUsedDesc    *prometheus.Desc

	taskCPUDesc        *prometheus.Desc
	taskStackSizeDesc  *prometheus.Desc
	taskStackUsedDesc  *prometheus.Desc
	taskStackPctDesc   *prometheus.Desc
	taskPriorityDesc   *prometheus.Desc
	tasksTrackedDesc   *prometheus.Desc
	tasksActiveDesc    *prometheus.Desc
	trackerCapDesc     *prometheus.Desc
	tasksSkippedDesc   *prometheus.Desc
	slotsReclaimedDesc *prometheus.Desc

	ticksDesc        *prometheus.Desc
	ticksSkippedDesc *prometheus.Desc
	tickSecondsDesc  *prometheus.Desc

	registryEntriesDesc  *prometheus.Desc
	registryCapDesc      *prometheus.Desc
	registryGrowthsDesc  *prometheus.Desc
	registryRejectedDesc *prometheus.Desc
}

// NewSamplerCollector creates a collector over src. registry may be nil.
func NewSamplerCollector(src Source, registry *stackreg.Registry) *SamplerCollector {
	return &SamplerCollector{
		src:      src,
		registry: registry,

		cpuOverallDesc: prometheus.NewDesc(
			"rtos_cpu_usage_percent",
			"System-wide CPU utilisation over the last sampling interval.",
			nil, nil,
		),
		cpuCoreDesc: prometheus.NewDesc(
			"rtos_core_cpu_usage_percent",
			"Per-core CPU utilisation over the last sampling interval.",
			[]string{"core"}, nil,
		),

		memFreeDesc: prometheus.NewDesc(
			"rtos_memory_free_bytes",
			"Free bytes in a memory region.",
			[]string{"region"}, nil,
		),
		memMinFreeDesc: prometheus.NewDesc(
			"rtos_memory_min_free_bytes",
			"Lowest free bytes ever observed in a memory region.",
			[]string{"region"}, nil,
		),
		memLargestDesc: prometheus.NewDesc(
			"rtos_memory_largest_free_block_bytes",
			"Largest allocatable block in a memory region.",
			[]string{"region"}, nil,
		),
		memTotalDesc: prometheus.NewDesc(
			"rtos_memory_total_bytes",
			"Capacity of a memory region.",
			[]string{"region"}, nil,
		),
		memUsedDesc: prometheus.NewDesc(
			"rtos_memory_used_percent",
			"Used share of a memory region.",
			[]string{"region"}, nil,
		),

		taskCPUDesc: prometheus.NewDesc(
			"rtos_task_cpu_usage_percent",
			"Share of total CPU time a task consumed over the last sampling interval.",
			[]string{"task", "handle"}, nil,
		),
		taskStackSizeDesc: prometheus.NewDesc(
			"rtos_task_stack_size_bytes",
			"Declared stack size of a task, 0 when it was never registered.",
			[]string{"task", "handle"}, nil,
		),
		taskStackUsedDesc: prometheus.NewDesc(
			"rtos_task_stack_used_bytes",
			"Peak stack usage of a task derived from its high-water mark.",
			[]string{"task", "handle"}, nil,
		),
		taskStackPctDesc: prometheus.NewDesc(
			"rtos_task_stack_used_percent",
			"Peak stack usage of a task as a share of its declared size.",
			[]string{"task", "handle"}, nil,
		),
		taskPriorityDesc: prometheus.NewDesc(
			"rtos_task_priority",
			"Current priority of a task.",
			[]string{"task", "handle"}, nil,
		),
		tasksTrackedDesc: prometheus.NewDesc(
			"rtos_tasks_tracked",
			"Number of occupied tracker slots, active or not.",
			nil, nil,
		),
		tasksActiveDesc: prometheus.NewDesc(
			"rtos_tasks_active",
			"Number of tasks currently reported.",
			nil, nil,
		),
		trackerCapDesc: prometheus.NewDesc(
			"rtos_tracker_capacity",
			"Number of allocated tracker slots.",
			nil, nil,
		),
		tasksSkippedDesc: prometheus.NewDesc(
			"rtos_tracker_tasks_skipped_total",
			"Tasks left untracked because the tracker was full.",
			nil, nil,
		),
		slotsReclaimedDesc: prometheus.NewDesc(
			"rtos_tracker_slots_reclaimed_total",
			"Inactive tracker slots reused for new tasks.",
			nil, nil,
		),

		ticksDesc: prometheus.NewDesc(
			"rtos_sampler_ticks_total",
			"Completed sampling ticks.",
			nil, nil,
		),
		ticksSkippedDesc: prometheus.NewDesc(
			"rtos_sampler_ticks_skipped_total",
			"Sampling ticks abandoned because a snapshot could not be read.",
			nil, nil,
		),
		tickSecondsDesc: prometheus.NewDesc(
			"rtos_sampler_last_tick_seconds",
			"Wall time the last sampling tick took.",
			nil, nil,
		),

		registryEntriesDesc: prometheus.NewDesc(
			"rtos_stack_registry_entries",
			"Tasks with a registered stack size.",
			nil, nil,
		),
		registryCapDesc: prometheus.NewDesc(
			"rtos_stack_registry_capacity",
			"Allocated stack registry slots.",
			nil, nil,
		),
		registryGrowthsDesc: prometheus.NewDesc(
			"rtos_stack_registry_growths_total",
			"Times the stack registry doubled its capacity.",
			nil, nil,
		),
		registryRejectedDesc: prometheus.NewDesc(
			"rtos_stack_registry_rejected_total",
			"Registrations dropped because the registry was closed or full.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *SamplerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuOverallDesc
	ch <- c.cpuCoreDesc
	ch <- c.memFreeDesc
	ch <- c.memMinFreeDesc
	ch <- c.memLargestDesc
	ch <- c.memTotalDesc
	ch <- c.memUsedDesc
	ch <- c.taskCPUDesc
	ch <- c.taskStackSizeDesc
	ch <- c.taskStackUsedDesc
	ch <- c.taskStackPctDesc
	ch <- c.taskPriorityDesc
	ch <- c.tasksTrackedDesc
	ch <- c.tasksActiveDesc
	ch <- c.trackerCapDesc
	ch <- c.tasksSkippedDesc
	ch <- c.slotsReclaimedDesc
	ch <- c.ticksDesc
	ch <- c.ticksSkippedDesc
	ch <- c.tickSecondsDesc
	if c.registry != nil {
		ch <- c.registryEntriesDesc
		ch <- c.registryCapDesc
		ch <- c.registryGrowthsDesc
		ch <- c.registryRejectedDesc
	}
}

// Collect implements prometheus.Collector.
// It is called by Prometheus on each scrape.
func (c *SamplerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	if stats.Ticks == 0 {
		// Nothing sampled yet; only the engine counters are meaningful.
		c.collectEngine(ch, stats)
		return
	}
	c.collectSystem(ch, c.src.System())
	c.collectTasks(ch, c.src.Tasks())
	c.collectEngine(ch, stats)
}

func (c *SamplerCollector) collectSystem(ch chan<- prometheus.Metric, sys sampler.SystemSnapshot) {
	ch <- prometheus.MustNewConstMetric(c.cpuOverallDesc, prometheus.GaugeValue, sys.Overall)
	for i, v := range sys.Cores {
		ch <- prometheus.MustNewConstMetric(c.cpuCoreDesc, prometheus.GaugeValue, v, strconv.Itoa(i))
	}

	for _, r := range sys.Memory {
		if !r.Present {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.memFreeDesc, prometheus.GaugeValue, r.Free, r.Name)
		ch <- prometheus.MustNewConstMetric(c.memMinFreeDesc, prometheus.GaugeValue, r.MinFree, r.Name)
		ch <- prometheus.MustNewConstMetric(c.memLargestDesc, prometheus.GaugeValue, r.LargestFree, r.Name)
		ch <- prometheus.MustNewConstMetric(c.memTotalDesc, prometheus.GaugeValue, r.Total, r.Name)
		ch <- prometheus.MustNewConstMetric(c.memUsedDesc, prometheus.GaugeValue, r.UsedPct, r.Name)
	}
}

func (c *SamplerCollector) collectTasks(ch chan<- prometheus.Metric, tasks []sampler.TaskSnapshot) {
	for _, t := range tasks {
		h := t.Handle.String()
		ch <- prometheus.MustNewConstMetric(c.taskCPUDesc, prometheus.GaugeValue, t.CPU, t.Name, h)
		ch <- prometheus.MustNewConstMetric(c.taskPriorityDesc, prometheus.GaugeValue, float64(t.CurrentPriority), t.Name, h)
		ch <- prometheus.MustNewConstMetric(c.taskStackSizeDesc, prometheus.GaugeValue, float64(t.DeclaredStack), t.Name, h)
		if t.DeclaredStack == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.taskStackUsedDesc, prometheus.GaugeValue, t.StackUsed, t.Name, h)
		ch <- prometheus.MustNewConstMetric(c.taskStackPctDesc, prometheus.GaugeValue, t.StackUsedPct, t.Name, h)
	}
}

func (c *SamplerCollector) collectEngine(ch chan<- prometheus.Metric, s sampler.Stats) {
	ch <- prometheus.MustNewConstMetric(c.tasksTrackedDesc, prometheus.GaugeValue, float64(s.Tracked))
	ch <- prometheus.MustNewConstMetric(c.tasksActiveDesc, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.trackerCapDesc, prometheus.GaugeValue, float64(s.Capacity))
	ch <- prometheus.MustNewConstMetric(c.tasksSkippedDesc, prometheus.CounterValue, float64(s.SkippedTasks))
	ch <- prometheus.MustNewConstMetric(c.slotsReclaimedDesc, prometheus.CounterValue, float64(s.Reclaimed))
	ch <- prometheus.MustNewConstMetric(c.ticksDesc, prometheus.CounterValue, float64(s.Ticks))
	ch <- prometheus.MustNewConstMetric(c.ticksSkippedDesc, prometheus.CounterValue, float64(s.SkippedTicks))
	ch <- prometheus.MustNewConstMetric(c.tickSecondsDesc, prometheus.GaugeValue, s.LastTickLength.Seconds())

	if c.registry == nil {
		return
	}
	rs := c.registry.Stats()
	ch <- prometheus.MustNewConstMetric(c.registryEntriesDesc, prometheus.GaugeValue, float64(rs.Entries))
	ch <- prometheus.MustNewConstMetric(c.registryCapDesc, prometheus.GaugeValue, float64(rs.Capacity))
	ch <- prometheus.MustNewConstMetric(c.registryGrowthsDesc, prometheus.CounterValue, float64(rs.Growths))
	ch <- prometheus.MustNewConstMetric(c.registryRejectedDesc, prometheus.CounterValue, float64(rs.Rejected))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // For pprof server
	"os"
	"os/signal"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtos_sysmon/internal/config"
	"rtos_sysmon/internal/host"
	"rtos_sysmon/internal/host/procfs"
	"rtos_sysmon/internal/host/sim"
	"rtos_sysmon/internal/httpapi"
	"rtos_sysmon/internal/maps"
	"rtos_sysmon/internal/metrics"
	"rtos_sysmon/internal/sampler"
)

// demoStep is how often the demo workload advances its state machine.
const demoStep = 100 * time.Millisecond

// SysmonExporter encapsulates the core components of the application.
type SysmonExporter struct {
	config     *config.AppConfig
	sched      host.SchedulerSource
	memory     host.MemorySource
	model      string
	simSched   *sim.Scheduler
	demo       *sim.Demo
	monitor    *sampler.Monitor
	registry   *prometheus.Registry
	httpServer *http.Server
	log        plog.Logger
}

// NewSysmonExporter creates and initializes a new SysmonExporter instance.
func NewSysmonExporter(cfg *config.AppConfig) (*SysmonExporter, error) {
	e := &SysmonExporter{
		config: cfg,
		log:    plog.DefaultLogger, // main app uses default logger
	}
	e.log.Info().
		Str("version", version).
		Str("source", cfg.Source.Type).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Msg("Starting rtos_sysmon")

	if err := e.setupSource(); err != nil {
		return nil, err
	}
	if err := e.setupSampler(); err != nil {
		return nil, err
	}
	if err := e.setupHTTPServer(); err != nil {
		return nil, err
	}
	return e, nil
}

// setupSource builds the scheduler and memory sources selected in [source].
func (e *SysmonExporter) setupSource() error {
	switch e.config.Source.Type {
	case config.SourceSim:
		s := sim.New(sim.Options{
			Cores:    e.config.Source.Cores,
			PSRAM:    e.config.Source.PSRAM,
			WordSize: e.config.Sampler.WordSize,
		})
		e.sched, e.memory, e.simSched = s, s, s
		e.model = fmt.Sprintf("sim-%dcore", e.config.Source.Cores)
	case config.SourceProcfs:
		s, err := procfs.New(procfs.Options{Heap: e.config.Source.GoHeap})
		if err != nil {
			return fmt.Errorf("failed to open procfs source: %w", err)
		}
		e.sched, e.memory = s, s
		e.model = "linux-process"
	default:
		return fmt.Errorf("unknown source type %q", e.config.Source.Type)
	}
	e.log.Debug().Str("model", e.model).Int("cores", e.sched.NumCores()).Msg("- Source created")
	return nil
}

// samplerOptions maps the [sampler] section onto engine options.
func samplerOptions(c config.SamplerConfig) (sampler.Options, error) {
	kind, err := maps.ParseKind(c.IndexImpl)
	if err != nil {
		return sampler.Options{}, err
	}
	return sampler.Options{
		Interval:          c.Interval(),
		SampleCount:       c.SampleCount,
		MaxTrackedTasks:   c.MaxTrackedTasks,
		InitialCapacity:   c.InitialCapacity,
		EvictionThreshold: c.EvictionThreshold,
		ZeroThreshold:     c.ZeroThreshold,
		WordSize:          c.WordSize,
		IndexKind:         kind,
	}, nil
}

// setupSampler creates the monitor and registers its Prometheus collector.
func (e *SysmonExporter) setupSampler() error {
	opts, err := samplerOptions(e.config.Sampler)
	if err != nil {
		return fmt.Errorf("invalid sampler options: %w", err)
	}
	e.monitor = sampler.New(opts, e.sched, e.memory, nil)
	if e.simSched != nil && e.config.Source.Demo {
		e.demo = sim.NewDemo(e.simSched, e.monitor.Registry())
	}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewSamplerCollector(e.monitor, e.monitor.Registry()),
	)
	e.log.Debug().Msg("- Sampler created and collectors registered")
	return nil
}

// setupHTTPServer configures the HTTP server for metrics and the JSON API.
func (e *SysmonExporter) setupHTTPServer() error {
	e.log.Debug().Str("metrics_path", e.config.Server.MetricsPath).Msg("Setting up HTTP handlers")

	api, err := httpapi.New(e.monitor, httpapi.Options{
		MetricsPath: e.config.Server.MetricsPath,
		Model:       e.model,
		Version:     version,
		Compression: e.config.Server.Compression,
	})
	if err != nil {
		return fmt.Errorf("failed to build HTTP API: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(e.config.Server.MetricsPath, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:          promLogger{e.log},
		EnableOpenMetrics: true,
	}))
	mux.Handle("/", api)

	e.httpServer = &http.Server{
		Addr:              e.config.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// promLogger routes promhttp errors into the application log.
type promLogger struct{ log plog.Logger }

func (l promLogger) Println(v ...any) {
	l.log.Error().Msg(fmt.Sprint(v...))
}

// Run starts all services and waits for a shutdown signal.
func (e *SysmonExporter) Run() error {
	// Create a context that we can stop to trigger a graceful shutdown.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Listen for OS signals in a separate goroutine.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
			e.log.Info().Msg("! Received OS shutdown signal, shutting down gracefully...")
			stop()
		case <-ctx.Done():
		}
	}()

	ln, err := net.Listen("tcp", e.config.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.Server.ListenAddress, err)
	}
	return e.serve(ctx, stop, ln)
}

// serve runs the sampler and the HTTP server on ln until ctx is done.
func (e *SysmonExporter) serve(ctx context.Context, stop context.CancelFunc, ln net.Listener) error {
	if e.config.Server.PprofEnabled {
		go func() {
			// Recover from panics in this goroutine to trigger a graceful shutdown.
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("Panic recovered in pprof server, initiating shutdown")
					stop()
				}
			}()
			e.log.Info().Str("address", e.config.Server.PprofAddress).Msg("Starting pprof HTTP server")
			// pprof registers its handlers on http.DefaultServeMux
			if err := http.ListenAndServe(e.config.Server.PprofAddress, nil); err != nil {
				e.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	e.log.Info().Msg("Starting sampler...")
	if err := e.monitor.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start sampler: %w", err)
	}

	if e.demo != nil {
		go func() {
			if err := e.demo.Run(ctx, demoStep); err != nil {
				e.log.Error().Err(err).Msg("Demo workload failed")
			}
		}()
	}

	go func() {
		// Recover from panics in this goroutine to trigger a graceful shutdown.
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
				stop()
			}
		}()
		e.log.Info().Str("address", ln.Addr().String()).Msg("Starting HTTP server")
		if err := e.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Msg("Failed to serve HTTP")
			stop() // Trigger shutdown on server error
		}
	}()

	e.log.Info().Msg("rtos_sysmon is ready and sampling...")

	// Block until a shutdown is triggered (from OS signal, panic, or other error).
	<-ctx.Done()
	e.log.Info().Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---

	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()

	if err := e.httpServer.Shutdown(httpCtx); err != nil {
		e.log.Error().Err(err).Msg("Error shutting down HTTP server")
	} else {
		e.log.Debug().Msg("HTTP server shut down cleanly")
	}

	// Stop the sampler as the final step.
	if err := e.monitor.Stop(); err != nil {
		e.log.Error().Err(err).Msg("Error stopping sampler")
	} else {
		e.log.Info().Msg("Sampler stopped successfully")
	}

	e.log.Info().Msg("rtos_sysmon stopped gracefully")
	return nil
}

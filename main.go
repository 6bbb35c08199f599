package main

import (
	"fmt"
	"os"

	"github.com/phuslu/log"

	"rtos_sysmon/internal/config"
	"rtos_sysmon/internal/logger"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:], os.Stdout, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	if cfg == nil {
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	// go tool pprof -http=:8080 http://localhost:6060/debug/pprof/profile?seconds=30
	exporter, err := NewSysmonExporter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create exporter")
	}
	if err := exporter.Run(); err != nil {
		log.Fatal().Err(err).Msg("Exporter failed")
	}
}

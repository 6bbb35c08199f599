package config

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	Source         string
	GenerateConfig string
	Version        bool
}

// NewConfig parses args, loads the config file if one was given and applies
// explicitly set flags on top. A nil config with a nil error means the
// caller should exit cleanly (config generated or version printed).
func NewConfig(args []string, stdout io.Writer, version string) (*AppConfig, error) {
	flags := &Flags{}

	fs := pflag.NewFlagSet("rtos_sysmon", pflag.ContinueOnError)
	fs.StringVar(&flags.ListenAddress,
		"web.listen-address",
		":8080",
		"Address to listen on for web interface and telemetry.")
	fs.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	fs.StringVarP(&flags.ConfigPath,
		"config",
		"c",
		"",
		"Path to configuration file: TOML, YAML or JSON with comments (optional).")
	fs.StringVar(&flags.Source,
		"source",
		SourceSim,
		"Snapshot source: sim or procfs.")
	fs.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	fs.BoolVar(&flags.Version, "version", false, "Print version and exit.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if flags.Version {
		fmt.Fprintf(stdout, "rtos_sysmon %s\n", version)
		return nil, nil
	}

	// Handle config generation and exit.
	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Fprintf(stdout, "Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config, err := LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	// Override config with command-line flags if they were set by the user
	if fs.Changed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if fs.Changed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if fs.Changed("source") {
		config.Source.Type = flags.Source
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"rtos_sysmon/internal/maps"
)

// Configuration system:
// - config.example.toml can be produced with --generate-config
// - TOML is the primary format; .yaml/.yml files are read as YAML and
//   .json/.jsonc files as JSON with comments
// - Use brief comments here for reference only

// Source types accepted in [source].type.
const (
	SourceSim    = "sim"
	SourceProcfs = "procfs"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server" yaml:"server" json:"server"`

	// Sampling engine configuration
	Sampler SamplerConfig `toml:"sampler" yaml:"sampler" json:"sampler"`

	// Scheduler and memory source configuration
	Source SourceConfig `toml:"source" yaml:"source" json:"source"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: ":8080")
	ListenAddress string `toml:"listen_address" yaml:"listen_address" json:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path" yaml:"metrics_path" json:"metrics_path"`

	// Gzip responses when the client accepts it (default: true)
	Compression bool `toml:"compression" yaml:"compression" json:"compression"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled" yaml:"pprof_enabled" json:"pprof_enabled"`

	// pprof listen address (default: "localhost:6060")
	PprofAddress string `toml:"pprof_address" yaml:"pprof_address" json:"pprof_address"`
}

// SamplerConfig contains the sampling engine settings
type SamplerConfig struct {
	// Tick period in milliseconds (default: 1000)
	IntervalMs int `toml:"interval_ms" yaml:"interval_ms" json:"interval_ms"`

	// History depth, samples kept per series (default: 60)
	SampleCount int `toml:"sample_count" yaml:"sample_count" json:"sample_count"`

	// Upper bound for tracked tasks and stack registry entries (default: 256)
	MaxTrackedTasks int `toml:"max_tracked_tasks" yaml:"max_tracked_tasks" json:"max_tracked_tasks"`

	// Slots allocated up front for tasks and registry entries (default: 32)
	InitialCapacity int `toml:"initial_capacity" yaml:"initial_capacity" json:"initial_capacity"`

	// Consecutive idle ticks tolerated before a task is marked inactive (default: 3)
	EvictionThreshold int `toml:"eviction_threshold" yaml:"eviction_threshold" json:"eviction_threshold"`

	// CPU percent at or below which a sample counts as idle (default: 0.0001)
	ZeroThreshold float64 `toml:"zero_threshold" yaml:"zero_threshold" json:"zero_threshold"`

	// Bytes per stack word, used to convert high-water marks (default: 4)
	WordSize int `toml:"word_size" yaml:"word_size" json:"word_size"`

	// Identity index implementation: "xsync", "cornelk" or "sync" (default: "xsync")
	IndexImpl string `toml:"index_impl" yaml:"index_impl" json:"index_impl"`
}

// Interval returns the tick period as a duration.
func (s SamplerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// SourceConfig selects where snapshots come from
type SourceConfig struct {
	// "sim" or "procfs" (default: "sim")
	Type string `toml:"type" yaml:"type" json:"type"`

	// Simulated core count (default: 2)
	Cores int `toml:"cores" yaml:"cores" json:"cores"`

	// Simulate the optional external RAM region (default: false)
	PSRAM bool `toml:"psram" yaml:"psram" json:"psram"`

	// Run the demo workload on the simulated scheduler (default: true)
	Demo bool `toml:"demo" yaml:"demo" json:"demo"`

	// Report the Go heap as an optional second region with procfs (default: true)
	GoHeap bool `toml:"go_heap" yaml:"go_heap" json:"go_heap"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults" yaml:"defaults" json:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs" yaml:"outputs" json:"outputs"`

	// Minimum spacing between repeats of the same hot-path warning (default: "30s")
	ThrottleInterval string `toml:"throttle_interval" yaml:"throttle_interval" json:"throttle_interval"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level" yaml:"level" json:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller" yaml:"caller" json:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field" yaml:"time_field" json:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format" yaml:"time_format" json:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location" yaml:"time_location" json:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type" yaml:"type" json:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled" yaml:"enabled" json:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty" yaml:"console,omitempty" json:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty" yaml:"file,omitempty" json:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty" yaml:"syslog,omitempty" json:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io" yaml:"fast_io" json:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format" yaml:"format" json:"format"`

	// Colored output: "auto" colors only when the writer is a terminal,
	// "always" or "never" (default: "auto")
	Color string `toml:"color" yaml:"color" json:"color"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string" yaml:"quote_string" json:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer" yaml:"writer" json:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async" yaml:"async" json:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename" yaml:"filename" json:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size" yaml:"max_size" json:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups" yaml:"max_backups" json:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format" yaml:"time_format" json:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time" yaml:"local_time" json:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name" yaml:"host_name" json:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id" yaml:"process_id" json:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder" yaml:"ensure_folder" json:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async" yaml:"async" json:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network" yaml:"network" json:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address" yaml:"address" json:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname" yaml:"hostname" json:"hostname"`

	// Syslog tag/program name (default: "rtos_sysmon")
	Tag string `toml:"tag" yaml:"tag" json:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker" yaml:"marker" json:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async" yaml:"async" json:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: ":8080",
			MetricsPath:   "/metrics",
			Compression:   true,
			PprofEnabled:  false,
			PprofAddress:  "localhost:6060",
		},
		Sampler: SamplerConfig{
			IntervalMs:        1000,
			SampleCount:       60,
			MaxTrackedTasks:   256,
			InitialCapacity:   32,
			EvictionThreshold: 3,
			ZeroThreshold:     0.0001,
			WordSize:          4,
			IndexImpl:         string(maps.DefaultKind),
		},
		Source: SourceConfig{
			Type:   SourceSim,
			Cores:  2,
			PSRAM:  false,
			Demo:   true,
			GoHeap: true,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						Color:       "auto",
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/rtos_sysmon.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "rtos_sysmon",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
			ThrottleInterval: "30s",
		},
	}
}

// Config file formats, picked by extension.
const (
	formatTOML = "toml"
	formatYAML = "yaml"
	formatJSON = "json"
)

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".json", ".jsonc":
		return formatJSON
	default:
		return formatTOML
	}
}

// LoadConfig loads configuration from a TOML, YAML or JSON file on top of
// the defaults. JSON files may carry comments and trailing commas. An empty
// path returns the defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	switch formatOf(configPath) {
	case formatYAML:
		err = yaml.Unmarshal(data, config)
	case formatJSON:
		err = json.Unmarshal(jsonc.ToJSON(data), config)
	default:
		_, err = toml.Decode(string(data), config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// encode writes config in the format implied by path.
func encode(path string, config *AppConfig) ([]byte, error) {
	switch formatOf(path) {
	case formatYAML:
		return yaml.Marshal(config)
	case formatJSON:
		return json.MarshalIndent(config, "", "  ")
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveConfig saves the configuration as TOML, or YAML or JSON by extension
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := encode(configPath, config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	return nil
}

const exampleHeader = `# rtos_sysmon Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
`

// GenerateExampleConfig writes a configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	data, err := encode(outputPath, DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	var header string
	switch formatOf(outputPath) {
	case formatYAML:
		header = exampleHeader + "# Format: YAML\n\n"
	case formatJSON:
		header = strings.ReplaceAll(exampleHeader, "#", "//") + "// Format: JSON with comments\n\n"
	default:
		header = exampleHeader + "# Format: TOML (Tom's Obvious, Minimal Language)\n\n"
	}

	out := append([]byte(header), data...)
	if err := os.WriteFile(outputPath, out, 0644); err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	// Validate server config
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return fmt.Errorf("server.metrics_path must start with '/', got %q", c.Server.MetricsPath)
	}
	if c.Server.PprofEnabled && c.Server.PprofAddress == "" {
		return fmt.Errorf("server.pprof_address cannot be empty when pprof is enabled")
	}

	// Validate sampler config
	s := c.Sampler
	if s.IntervalMs <= 0 {
		return fmt.Errorf("sampler.interval_ms must be positive, got %d", s.IntervalMs)
	}
	if s.SampleCount < 1 {
		return fmt.Errorf("sampler.sample_count must be at least 1, got %d", s.SampleCount)
	}
	if s.InitialCapacity < 1 {
		return fmt.Errorf("sampler.initial_capacity must be at least 1, got %d", s.InitialCapacity)
	}
	if s.MaxTrackedTasks < s.InitialCapacity {
		return fmt.Errorf("sampler.max_tracked_tasks (%d) must be >= initial_capacity (%d)",
			s.MaxTrackedTasks, s.InitialCapacity)
	}
	if s.EvictionThreshold < 0 {
		return fmt.Errorf("sampler.eviction_threshold cannot be negative")
	}
	if s.ZeroThreshold < 0 {
		return fmt.Errorf("sampler.zero_threshold cannot be negative")
	}
	if s.WordSize < 1 {
		return fmt.Errorf("sampler.word_size must be at least 1, got %d", s.WordSize)
	}
	if _, err := maps.ParseKind(s.IndexImpl); err != nil {
		return fmt.Errorf("sampler.index_impl: %w", err)
	}

	// Validate source config
	switch c.Source.Type {
	case SourceSim:
		if c.Source.Cores < 1 {
			return fmt.Errorf("source.cores must be at least 1, got %d", c.Source.Cores)
		}
	case SourceProcfs:
	default:
		return fmt.Errorf("source.type must be %q or %q, got %q", SourceSim, SourceProcfs, c.Source.Type)
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}
	if c.Logging.ThrottleInterval != "" {
		if _, err := time.ParseDuration(c.Logging.ThrottleInterval); err != nil {
			return fmt.Errorf("logging.throttle_interval: %w", err)
		}
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "100ms" or "5s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// PluginConfig points at a vendor shared library exposing device factories.
type PluginConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// CapabilityConfig bounds the exposure parameters a generator accepts.
type CapabilityConfig struct {
	MinKVP float64 `yaml:"min_kvp"`
	MaxKVP float64 `yaml:"max_kvp"`
	MinMA  float64 `yaml:"min_ma"`
	MaxMA  float64 `yaml:"max_ma"`
	MinMS  float64 `yaml:"min_ms"`
	MaxMS  float64 `yaml:"max_ms"`
}

// QueueConfig tunes the generator command queue.
type QueueConfig struct {
	Depth      int      `yaml:"depth,omitempty"`
	MaxRetries int      `yaml:"max_retries,omitempty"`
	PopTimeout Duration `yaml:"pop_timeout,omitempty"`
}

// GeneratorConfig describes the high-voltage generator endpoint.
type GeneratorConfig struct {
	Type           string           `yaml:"type"`
	Port           string           `yaml:"port,omitempty"`
	Baud           int              `yaml:"baud,omitempty"`
	Plugin         PluginConfig     `yaml:"plugin,omitempty"`
	Capabilities   CapabilityConfig `yaml:"capabilities,omitempty"`
	StatusInterval Duration         `yaml:"status_interval,omitempty"`
	Queue          QueueConfig      `yaml:"queue,omitempty"`
}

// DetectorConfig describes the flat-panel detector endpoint.
type DetectorConfig struct {
	Type          string       `yaml:"type"`
	Port          string       `yaml:"port,omitempty"`
	Baud          int          `yaml:"baud,omitempty"`
	Plugin        PluginConfig `yaml:"plugin,omitempty"`
	FrameInterval Duration     `yaml:"frame_interval,omitempty"`
}

// AecConfig carries the initial automatic exposure control settings.
type AecConfig struct {
	Mode      string  `yaml:"mode"`
	Threshold float64 `yaml:"threshold"`
}

// DoseConfig configures the dose monitor.
type DoseConfig struct {
	// Limit is the cumulative DAP ceiling in mGy·cm², kept as a string so the
	// monitor can parse it into an exact decimal.
	Limit string `yaml:"limit,omitempty"`
}

// InterlockConfig configures the safety interlock aggregation.
type InterlockConfig struct {
	// Rules maps an interlock name to an expression evaluated against live
	// device readings. Unlisted interlocks use the built-in device check.
	Rules map[string]string `yaml:"rules,omitempty"`
}

// CollimatorConfig bounds the collimator field.
type CollimatorConfig struct {
	MaxFieldMM float64 `yaml:"max_field_mm,omitempty"`
}

// TableConfig bounds patient table travel.
type TableConfig struct {
	MinHeightMM float64 `yaml:"min_height_mm,omitempty"`
	MaxHeightMM float64 `yaml:"max_height_mm,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig enables metric emission.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// Config is the root device configuration consumed once at manager start.
type Config struct {
	Generator  GeneratorConfig  `yaml:"generator"`
	Detector   DetectorConfig   `yaml:"detector"`
	Aec        AecConfig        `yaml:"aec"`
	Dose       DoseConfig       `yaml:"dose,omitempty"`
	Interlocks InterlockConfig  `yaml:"interlocks,omitempty"`
	Collimator CollimatorConfig `yaml:"collimator,omitempty"`
	Table      TableConfig      `yaml:"table,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Telemetry  TelemetryConfig  `yaml:"telemetry,omitempty"`
}

// Defaults applied when the document omits optional sections.
const (
	DefaultQueueDepth     = 16
	DefaultMaxRetries     = 3
	DefaultStatusInterval = 100 * time.Millisecond
	DefaultFrameInterval  = 100 * time.Millisecond
	DefaultPopTimeout     = 250 * time.Millisecond
	DefaultDoseLimit      = "2000.0"
	DefaultMaxFieldMM     = 430.0
	DefaultMinHeightMM    = 500.0
	DefaultMaxHeightMM    = 1100.0
)

// Load reads, decodes and validates a device configuration document. The
// document is JSON per the external contract; YAML is accepted as well since
// the decoder treats JSON as a subset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a raw configuration document.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Generator.Type == "" {
		c.Generator.Type = "simulator"
	}
	if c.Detector.Type == "" {
		c.Detector.Type = "simulator"
	}
	if c.Generator.Queue.Depth <= 0 {
		c.Generator.Queue.Depth = DefaultQueueDepth
	}
	if c.Generator.Queue.MaxRetries <= 0 {
		c.Generator.Queue.MaxRetries = DefaultMaxRetries
	}
	if c.Generator.Queue.PopTimeout.Duration <= 0 {
		c.Generator.Queue.PopTimeout.Duration = DefaultPopTimeout
	}
	if c.Generator.StatusInterval.Duration <= 0 {
		c.Generator.StatusInterval.Duration = DefaultStatusInterval
	}
	if c.Generator.Capabilities == (CapabilityConfig{}) {
		c.Generator.Capabilities = CapabilityConfig{
			MinKVP: 40, MaxKVP: 150,
			MinMA: 10, MaxMA: 1000,
			MinMS: 1, MaxMS: 10000,
		}
	}
	if c.Detector.FrameInterval.Duration <= 0 {
		c.Detector.FrameInterval.Duration = DefaultFrameInterval
	}
	if c.Aec.Mode == "" {
		c.Aec.Mode = "manual"
	}
	if c.Dose.Limit == "" {
		c.Dose.Limit = DefaultDoseLimit
	}
	if c.Collimator.MaxFieldMM <= 0 {
		c.Collimator.MaxFieldMM = DefaultMaxFieldMM
	}
	if c.Table.MinHeightMM <= 0 {
		c.Table.MinHeightMM = DefaultMinHeightMM
	}
	if c.Table.MaxHeightMM <= 0 {
		c.Table.MaxHeightMM = DefaultMaxHeightMM
	}
}

func (c *Config) check() error {
	caps := c.Generator.Capabilities
	if caps.MinKVP >= caps.MaxKVP {
		return fmt.Errorf("generator capabilities: min_kvp %.1f must be below max_kvp %.1f", caps.MinKVP, caps.MaxKVP)
	}
	if caps.MinMA >= caps.MaxMA {
		return fmt.Errorf("generator capabilities: min_ma %.1f must be below max_ma %.1f", caps.MinMA, caps.MaxMA)
	}
	if caps.MinMS >= caps.MaxMS {
		return fmt.Errorf("generator capabilities: min_ms %.1f must be below max_ms %.1f", caps.MinMS, caps.MaxMS)
	}
	switch strings.ToLower(c.Aec.Mode) {
	case "manual", "auto":
	default:
		return fmt.Errorf("aec mode %q must be manual or auto", c.Aec.Mode)
	}
	if c.Aec.Threshold < 0 || c.Aec.Threshold > 100 {
		return fmt.Errorf("aec threshold %.1f outside [0, 100]", c.Aec.Threshold)
	}
	if c.Generator.Plugin.Enabled && c.Generator.Plugin.Path == "" {
		return fmt.Errorf("generator plugin enabled without a path")
	}
	if c.Detector.Plugin.Enabled && c.Detector.Plugin.Path == "" {
		return fmt.Errorf("detector plugin enabled without a path")
	}
	if c.Table.MinHeightMM >= c.Table.MaxHeightMM {
		return fmt.Errorf("table: min_height_mm %.1f must be below max_height_mm %.1f", c.Table.MinHeightMM, c.Table.MaxHeightMM)
	}
	return nil
}

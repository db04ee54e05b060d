// Package config loads the YAML configuration file and fills documented
// defaults so the rest of the program never re-checks zero values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/k3wko/daxmon/internal/logging"
	"github.com/k3wko/daxmon/internal/vita"
)

// Config is the full application configuration.
type Config struct {
	Radio     RadioConfig     `yaml:"radio"`
	Stream    StreamConfig    `yaml:"stream"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RadioConfig selects the radio and the control-channel behavior.
type RadioConfig struct {
	Address             string `yaml:"address"`               // host:port; set to skip discovery
	Serial              string `yaml:"serial"`                // pick this serial among discovered radios
	DiscoveryPort       int    `yaml:"discovery_port"`        // default 4992
	DiscoveryTimeoutSec int    `yaml:"discovery_timeout_sec"` // default 5
	CommandTimeoutSec   int    `yaml:"command_timeout_sec"`   // default 5
	MDNS                bool   `yaml:"mdns"`                  // also browse DNS-SD
	BindClientID        string `yaml:"bind_client_id"`        // GUI client UUID to bind to
	MinVersion          string `yaml:"min_version"`           // oldest acceptable firmware
}

// StreamConfig describes the I/Q stream to negotiate.
type StreamConfig struct {
	Channel    int     `yaml:"channel"`     // DAX channel, default 1
	SampleRate int     `yaml:"sample_rate"` // 24000, 48000, 96000 or 192000; default 96000
	CenterHz   float64 `yaml:"center_hz"`   // slice tune target; 0 leaves the slice alone
	Format     string  `yaml:"format"`      // int16 or float32, default int16
	QueueDepth int     `yaml:"queue_depth"` // default 256 packets
}

// AnalysisConfig sizes the FFT pipeline.
type AnalysisConfig struct {
	FFTSize         int     `yaml:"fft_size"`         // default 2048
	Window          string  `yaml:"window"`           // hann, hamming, blackman or rect; default hann
	Overlap         float64 `yaml:"overlap"`          // window overlap fraction, default 0.5
	FloorDB         float64 `yaml:"floor_db"`         // silence clamp, default -120 (0 means unset)
	RefDB           float64 `yaml:"ref_db"`           // calibration offset added to every dB value
	NoiseMode       string  `yaml:"noise_mode"`       // ewma or percentile, default ewma
	NoiseAlpha      float64 `yaml:"noise_alpha"`      // default 0.15
	NoisePercentile float64 `yaml:"noise_percentile"` // default 0.10
	HistorySec      int     `yaml:"history_sec"`      // spectrogram history, default 15
}

// TelemetryConfig controls the HTTP view.
type TelemetryConfig struct {
	Listen string `yaml:"listen"` // default 127.0.0.1:8090
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error; default info
	Format string `yaml:"format"` // text or json; default text
}

const (
	DefaultDiscoveryPort       = 4992
	DefaultDiscoveryTimeoutSec = 5
	DefaultCommandTimeoutSec   = 5
	DefaultChannel             = 1
	DefaultSampleRate          = 96000
	DefaultQueueDepth          = 256
	DefaultFFTSize             = 2048
	DefaultOverlap             = 0.5
	DefaultFloorDB             = -120.0
	DefaultHistorySec          = 15
	DefaultTelemetryListen     = "127.0.0.1:8090"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Radio.DiscoveryPort == 0 {
		c.Radio.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.Radio.DiscoveryTimeoutSec == 0 {
		c.Radio.DiscoveryTimeoutSec = DefaultDiscoveryTimeoutSec
	}
	if c.Radio.CommandTimeoutSec == 0 {
		c.Radio.CommandTimeoutSec = DefaultCommandTimeoutSec
	}
	if c.Stream.Channel == 0 {
		c.Stream.Channel = DefaultChannel
	}
	if c.Stream.SampleRate == 0 {
		c.Stream.SampleRate = DefaultSampleRate
	}
	if c.Stream.Format == "" {
		c.Stream.Format = "int16"
	}
	if c.Stream.QueueDepth == 0 {
		c.Stream.QueueDepth = DefaultQueueDepth
	}
	if c.Analysis.FFTSize == 0 {
		c.Analysis.FFTSize = DefaultFFTSize
	}
	if c.Analysis.Window == "" {
		c.Analysis.Window = "hann"
	}
	if c.Analysis.Overlap == 0 {
		c.Analysis.Overlap = DefaultOverlap
	}
	if c.Analysis.FloorDB == 0 {
		c.Analysis.FloorDB = DefaultFloorDB
	}
	if c.Analysis.NoiseMode == "" {
		c.Analysis.NoiseMode = "ewma"
	}
	if c.Analysis.NoiseAlpha == 0 {
		c.Analysis.NoiseAlpha = 0.15
	}
	if c.Analysis.NoisePercentile == 0 {
		c.Analysis.NoisePercentile = 0.10
	}
	if c.Analysis.HistorySec == 0 {
		c.Analysis.HistorySec = DefaultHistorySec
	}
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = DefaultTelemetryListen
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects values that cannot be mapped onto the radio or the
// pipeline. Call after ApplyDefaults.
func (c *Config) Validate() error {
	switch c.Stream.SampleRate {
	case 24000, 48000, 96000, 192000:
	default:
		return fmt.Errorf("sample_rate %d: radio supports 24000, 48000, 96000 or 192000", c.Stream.SampleRate)
	}
	if _, err := vita.ParseSampleFormat(c.Stream.Format); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	switch c.Analysis.Window {
	case "hann", "hamming", "blackman", "rect":
	default:
		return fmt.Errorf("window %q: use hann, hamming, blackman or rect", c.Analysis.Window)
	}
	if c.Analysis.Overlap < 0 || c.Analysis.Overlap >= 1 {
		return fmt.Errorf("overlap %v: must be in [0,1)", c.Analysis.Overlap)
	}
	if c.Analysis.FFTSize < 2 {
		return fmt.Errorf("fft_size %d: too small", c.Analysis.FFTSize)
	}
	switch c.Analysis.NoiseMode {
	case "ewma", "percentile":
	default:
		return fmt.Errorf("noise_mode %q: use ewma or percentile", c.Analysis.NoiseMode)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging format: %w", err)
	}
	return nil
}

// Load reads, parses, defaults and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go-conductor/dispatch"
	"go-conductor/sequencer"
)

// Seconds is a duration written as fractional seconds in the config file
type Seconds float64

// Duration converts to time.Duration, rounded to the nanosecond
func (s Seconds) Duration() time.Duration {
	return time.Duration(math.Round(float64(s) * float64(time.Second)))
}

// StepConfig is one entry of the running program
type StepConfig struct {
	Pattern string  `json:"pattern"`
	Gap     Seconds `json:"gap"`
	Pacing  Seconds `json:"pacing,omitempty"`
}

// Config is the main configuration structure
type Config struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport,omitempty"` // tcp, ws or wss
	WSPath    string `json:"ws_path,omitempty"`

	Lookahead            Seconds `json:"lookahead"`
	PrimarySpacing       Seconds `json:"primary_spacing"`
	WarmupSpacingDivisor int     `json:"warmup_spacing_divisor"`
	Settle               Seconds `json:"settle"`

	Program []StepConfig `json:"program"`

	// Pacing is sleep, rate or none; Rate is commands per second for rate
	Pacing string  `json:"pacing,omitempty"`
	Rate   float64 `json:"rate,omitempty"`

	// Sequences maps extra pattern names to Standard MIDI Files
	Sequences map[string]string `json:"sequences,omitempty"`

	ReadStatus  bool   `json:"read_status,omitempty"`
	MonitorPort string `json:"monitor_port,omitempty"`
	Log         string `json:"log,omitempty"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:                 "192.168.4.1",
		Port:                 5000,
		Transport:            string(dispatch.TransportTCP),
		WSPath:               "/",
		Lookahead:            0.45,
		PrimarySpacing:       0.25,
		WarmupSpacingDivisor: sequencer.DefaultWarmupDivisor,
		Settle:               0.05,
		Program: []StepConfig{
			{Pattern: sequencer.PatternPrimary, Gap: 0.25 * 12, Pacing: 0.005},
			{Pattern: sequencer.PatternWarmup, Gap: 0.05 * 44, Pacing: 0.001},
		},
		Pacing: "sleep",
		Rate:   200,
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-conductor"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the default config file, or returns defaults if not found
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. A missing file yields defaults;
// keys absent from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config to the default path
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

// SaveFile writes the config to path, creating its directory
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, errors.New("host is empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch dispatch.Transport(c.Transport) {
	case "", dispatch.TransportTCP, dispatch.TransportWS, dispatch.TransportWSS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Lookahead <= 0 {
		errs = append(errs, fmt.Errorf("lookahead must be positive, got %g", float64(c.Lookahead)))
	}
	if c.PrimarySpacing <= 0 {
		errs = append(errs, fmt.Errorf("primary_spacing must be positive, got %g", float64(c.PrimarySpacing)))
	}
	if c.WarmupSpacingDivisor < 1 {
		errs = append(errs, fmt.Errorf("warmup_spacing_divisor must be >= 1, got %d", c.WarmupSpacingDivisor))
	}
	if c.Settle < 0 {
		errs = append(errs, errors.New("settle must not be negative"))
	}
	if len(c.Program) == 0 {
		errs = append(errs, errors.New("program is empty"))
	}
	for i, step := range c.Program {
		if step.Pattern == "" {
			errs = append(errs, fmt.Errorf("program[%d]: pattern is empty", i))
		}
		if step.Gap < 0 || step.Pacing < 0 {
			errs = append(errs, fmt.Errorf("program[%d]: negative gap or pacing", i))
		}
	}
	switch c.Pacing {
	case "", "sleep", "none":
	case "rate":
		if c.Rate <= 0 {
			errs = append(errs, fmt.Errorf("rate must be positive for rate pacing, got %g", c.Rate))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown pacing %q", c.Pacing))
	}

	return errors.Join(errs...)
}

// Target returns the receiver endpoint
func (c *Config) Target() dispatch.Target {
	transport := dispatch.Transport(c.Transport)
	if transport == "" {
		transport = dispatch.TransportTCP
	}
	return dispatch.Target{
		Transport: transport,
		Host:      c.Host,
		Port:      c.Port,
		Path:      c.WSPath,
	}
}

// Settings converts the timing knobs for a session
func (c *Config) Settings() sequencer.Settings {
	program := make([]sequencer.Step, len(c.Program))
	for i, step := range c.Program {
		program[i] = sequencer.Step{
			Pattern: step.Pattern,
			Gap:     step.Gap.Duration(),
			Pacing:  step.Pacing.Duration(),
		}
	}
	return sequencer.Settings{
		Lookahead: c.Lookahead.Duration(),
		Spacing:   c.PrimarySpacing.Duration(),
		Settle:    c.Settle.Duration(),
		Program:   program,
	}
}

// Package config loads bench settings from a YAML file and fills in the
// defaults the hardware was commissioned with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jtellisfry/ElementTesterV2/internal/sequence"
)

// Driver selector strings accepted in the config file.
const (
	RelayDriverRTU = "rtu"
	RelayDriverSim = "sim"

	MeterDriverFluke287 = "fluke287"
	MeterDriverUT61E    = "ut61e"
	MeterDriverSim      = "sim"
)

// HipotConfig is the withstand tester connection.
type HipotConfig struct {
	Device      string        `yaml:"device"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// RelayConfig selects and configures the relay matrix backend.
type RelayConfig struct {
	Driver     string `yaml:"driver"`
	Device     string `yaml:"device"`
	BaudRate   int    `yaml:"baud_rate"`
	UnitID     int    `yaml:"unit_id"`
	ActiveHigh bool   `yaml:"active_high"`
}

// MeterConfig selects and configures the multimeter backend.
type MeterConfig struct {
	Driver   string `yaml:"driver"`
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
}

// ResultsConfig is where session logs and history go.
type ResultsConfig struct {
	Dir       string `yaml:"dir"`
	MirrorDir string `yaml:"mirror_dir"`
	HistoryDB string `yaml:"history_db"`
}

// SequenceConfig tunes the test procedures.
type SequenceConfig struct {
	MeasureSettle time.Duration `yaml:"measure_settle"`
	HipotSettle   time.Duration `yaml:"hipot_settle"`
	ReadRetries   int           `yaml:"read_retries"`
	PointTimeout  time.Duration `yaml:"point_timeout"`
	StageRetries  int           `yaml:"stage_retries"`
}

// RangeEntry binds a resistance acceptance window to an element rating.
type RangeEntry struct {
	Voltage int     `yaml:"voltage"`
	Wattage int     `yaml:"wattage"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
}

// Config is the full bench configuration.
type Config struct {
	Hipot    HipotConfig    `yaml:"hipot"`
	Relay    RelayConfig    `yaml:"relay"`
	Meter    MeterConfig    `yaml:"meter"`
	Results  ResultsConfig  `yaml:"results"`
	Sequence SequenceConfig `yaml:"sequence"`
	Ranges   []RangeEntry   `yaml:"resistance_ranges"`
}

// Default returns the configuration the bench shipped with. Ranges cover
// the element ratings in production as of commissioning.
func Default() Config {
	return Config{
		Hipot: HipotConfig{
			Device:      "/dev/ttyUSB0",
			BaudRate:    38400,
			ReadTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			Driver:     RelayDriverRTU,
			Device:     "/dev/ttyUSB1",
			BaudRate:   9600,
			UnitID:     1,
			ActiveHigh: true,
		},
		Meter: MeterConfig{
			Driver:   MeterDriverFluke287,
			Device:   "/dev/ttyUSB2",
			BaudRate: 115200,
		},
		Results: ResultsConfig{
			Dir:       "data/results",
			HistoryDB: "data/history.db",
		},
		Sequence: SequenceConfig{
			MeasureSettle: 2 * time.Second,
			HipotSettle:   3 * time.Second,
			ReadRetries:   3,
			PointTimeout:  30 * time.Second,
			StageRetries:  3,
		},
		Ranges: []RangeEntry{
			{Voltage: 208, Wattage: 7000, Min: 9.1, Max: 9.8},
			{Voltage: 230, Wattage: 7000, Min: 11.0, Max: 11.75},
			{Voltage: 240, Wattage: 7000, Min: 11.95, Max: 12.3},
			{Voltage: 480, Wattage: 7000, Min: 45.1, Max: 45.6},
			{Voltage: 208, Wattage: 8500, Min: 7.5, Max: 8.3},
			{Voltage: 230, Wattage: 8500, Min: 9.0, Max: 9.8},
			{Voltage: 240, Wattage: 8500, Min: 9.75, Max: 10.75},
			{Voltage: 480, Wattage: 8500, Min: 39.9, Max: 41.25},
		},
	}
}

// Load reads path and overlays it onto the defaults. A missing file is not
// an error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate rejects driver selectors and range entries the runner cannot use.
func (c Config) Validate() error {
	switch c.Relay.Driver {
	case RelayDriverRTU, RelayDriverSim:
	default:
		return fmt.Errorf("unknown relay driver %q", c.Relay.Driver)
	}
	switch c.Meter.Driver {
	case MeterDriverFluke287, MeterDriverUT61E, MeterDriverSim:
	default:
		return fmt.Errorf("unknown meter driver %q", c.Meter.Driver)
	}
	for _, r := range c.Ranges {
		if r.Min <= 0 || r.Max <= r.Min {
			return fmt.Errorf("bad resistance range for %dV %dW: %.2f-%.2f",
				r.Voltage, r.Wattage, r.Min, r.Max)
		}
	}
	return nil
}

// RangeFor looks up the acceptance window for an element rating.
func (c Config) RangeFor(voltage, wattage int) (sequence.Range, error) {
	for _, r := range c.Ranges {
		if r.Voltage == voltage && r.Wattage == wattage {
			return sequence.Range{Min: r.Min, Max: r.Max}, nil
		}
	}
	return sequence.Range{}, fmt.Errorf("no resistance range for %dV %dW", voltage, wattage)
}

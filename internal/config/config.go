// Package config loads run configuration from YAML, with environment
// variable overrides layered on top (a .env file is honored when present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeLocal = "local"
	ModeFleet = "fleet"

	DefaultAddress  = "localhost"
	DefaultPort     = 10000
	DefaultWorkers  = 4
	DefaultBatch    = 16
	DefaultSubsteps = 1
	// DefaultMaxInvalid bounds invalid samples tolerated per batch before
	// the run aborts.
	DefaultMaxInvalid = 10
	DefaultSystem     = "pendulum"
	DefaultDt         = 0.01
	DefaultDataDir    = ".simfleet"
	DefaultTimeout    = Duration(30 * time.Second)
)

// Duration wraps time.Duration so YAML accepts values like "30s".
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	// Mode selects the executor: "local" runs one in-process simulation,
	// "fleet" spawns worker processes behind a coordinator.
	Mode string `yaml:"mode"`

	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`

	BatchSize          int  `yaml:"batch_size"`
	SimulationsPerStep int  `yaml:"simulations_per_step"`
	MaxInvalidPerBatch int  `yaml:"max_invalid_per_batch"`
	RecordInvalid      bool `yaml:"record_invalid"`

	// WorkerTimeout bounds how long the dispatch loop waits for any worker
	// reply; zero disables the bound.
	WorkerTimeout Duration `yaml:"worker_timeout"`

	System        string             `yaml:"system"`
	SystemParams  map[string]float64 `yaml:"system_params"`
	Dt            float64            `yaml:"dt"`
	Seed          int64              `yaml:"seed"`
	MaxNorm       float64            `yaml:"max_norm"`
	PredictStride int                `yaml:"predict_stride"`
	VizStride     int                `yaml:"viz_stride"`

	DataDir string `yaml:"data_dir"`
}

func DefaultConfig() *Config {
	return &Config{
		Mode:               ModeFleet,
		Address:            DefaultAddress,
		Port:               DefaultPort,
		Workers:            DefaultWorkers,
		BatchSize:          DefaultBatch,
		SimulationsPerStep: DefaultSubsteps,
		MaxInvalidPerBatch: DefaultMaxInvalid,
		WorkerTimeout:      DefaultTimeout,
		System:             DefaultSystem,
		Dt:                 DefaultDt,
		DataDir:            DefaultDataDir,
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadEnv reads a .env file if one exists. Missing files are not an error.
func LoadEnv() {
	_ = godotenv.Load()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SIMFLEET_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("SIMFLEET_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("SIMFLEET_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("SIMFLEET_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func (c *Config) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeFleet {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeLocal, ModeFleet, c.Mode)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.SimulationsPerStep < 1 {
		return fmt.Errorf("simulations_per_step must be positive, got %d", c.SimulationsPerStep)
	}
	if c.MaxInvalidPerBatch < 1 {
		return fmt.Errorf("max_invalid_per_batch must be positive, got %d", c.MaxInvalidPerBatch)
	}
	if c.Dt <= 0 {
		return fmt.Errorf("dt must be positive, got %f", c.Dt)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	return nil
}

// Addr returns the coordinator bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

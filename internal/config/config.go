// Package config loads the YAML configuration of gridsweep. A file only
// needs the keys it changes: it is decoded over Default().
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/gridsweep/internal/classifier"
	"github.com/ChuLiYu/gridsweep/internal/metrics"
	"github.com/ChuLiYu/gridsweep/internal/partition"
	"github.com/ChuLiYu/gridsweep/internal/progress"
	"github.com/ChuLiYu/gridsweep/internal/scheduler"
	"github.com/ChuLiYu/gridsweep/internal/solver/synthetic"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// SolverSynthetic is the only built-in solver kind.
const SolverSynthetic = "synthetic"

var (
	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrUnknownSolver is returned for a solver kind that is not built in.
	ErrUnknownSolver = errors.New("config: unknown solver kind")
)

// Config represents the complete configuration file.
type Config struct {
	Label string `yaml:"label"`

	Grid struct {
		Patterns    int     `yaml:"patterns"`
		Frequencies int     `yaml:"frequencies"`
		Steps       int     `yaml:"steps"`
		Channels    int     `yaml:"channels"`
		Static      bool    `yaml:"static"`
		DtMs        float64 `yaml:"dt_ms"`
	} `yaml:"grid"`

	Scheduler struct {
		Workers          int    `yaml:"workers"`
		Strategy         string `yaml:"strategy"`
		Aggregation      string `yaml:"aggregation"`
		ProgressInterval string `yaml:"progress_interval"` // Go duration, "" uses the default
	} `yaml:"scheduler"`

	Classifier classifier.Policy `yaml:"classifier"`

	Backup struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
		Sync    bool   `yaml:"sync"`
	} `yaml:"backup"`

	Archive struct {
		Path string `yaml:"path"`
	} `yaml:"archive"`

	Catalog struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"catalog"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Solver struct {
		Kind   string           `yaml:"kind"`
		Model  synthetic.Model  `yaml:"model"`
		Faults synthetic.Faults `yaml:"faults"`
	} `yaml:"solver"`

	Retry struct {
		Schedule  string `yaml:"schedule"` // cron spec for retry --watch
		MaxRounds int    `yaml:"max_rounds"`
	} `yaml:"retry"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{Label: "eit_1"}
	c.Grid.Patterns = 2
	c.Grid.Frequencies = 1
	c.Grid.Steps = 40
	c.Grid.Channels = 8
	c.Grid.Static = true
	c.Grid.DtMs = 0.02

	c.Scheduler.Workers = 4
	c.Scheduler.Strategy = string(partition.StrategyDefault)
	c.Scheduler.Aggregation = string(scheduler.AggregateScatter)

	c.Classifier = classifier.DefaultPolicy()

	c.Backup.Enabled = true
	c.Backup.Dir = "."

	c.Archive.Path = filepath.Join("eit_1", "results.json")

	c.Catalog.Enabled = true
	c.Catalog.Path = filepath.Join("eit_1", "catalog.db")

	c.Metrics.Port = 9090

	c.Solver.Kind = SolverSynthetic
	c.Solver.Model = synthetic.DefaultModel()

	c.Retry.MaxRounds = 3

	c.Log.Level = "info"
	return c
}

// Load reads path over Default() and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks sizes, names and ranges.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Label == "" {
		add("label must not be empty")
	}
	if c.Grid.Patterns < 1 || c.Grid.Frequencies < 1 || c.Grid.Steps < 1 || c.Grid.Channels < 1 {
		add("grid sizes must be >= 1, got patterns=%d frequencies=%d steps=%d channels=%d",
			c.Grid.Patterns, c.Grid.Frequencies, c.Grid.Steps, c.Grid.Channels)
	}
	if c.Grid.DtMs <= 0 {
		add("grid.dt_ms must be > 0, got %g", c.Grid.DtMs)
	}
	if c.Scheduler.Workers < 1 {
		add("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers)
	}
	if _, err := partition.ParseStrategy(c.Scheduler.Strategy); err != nil {
		add("scheduler.strategy: %v", err)
	}
	if _, err := scheduler.ParseAggregation(c.Scheduler.Aggregation); err != nil {
		add("scheduler.aggregation: %v", err)
	}
	if c.Scheduler.ProgressInterval != "" {
		if _, err := time.ParseDuration(c.Scheduler.ProgressInterval); err != nil {
			add("scheduler.progress_interval: %v", err)
		}
	}
	if c.Classifier.BlowUpThreshold < 0 {
		add("classifier.blow_up_threshold must be >= 0")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		add("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.Archive.Path == "" {
		add("archive.path must not be empty")
	}
	if c.Catalog.Enabled && c.Catalog.Path == "" {
		add("catalog.path must not be empty when the catalog is enabled")
	}
	if c.Retry.MaxRounds < 0 {
		add("retry.max_rounds must be >= 0")
	}
	if _, err := c.Level(); err != nil {
		add("log.level: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Level parses the log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

// GridDescriptor builds the workload shape.
func (c *Config) GridDescriptor() types.GridDescriptor {
	g := c.Grid
	return types.NewGrid(g.Patterns, g.Frequencies, g.Steps, g.Channels, g.DtMs, g.Static)
}

// SchedulerConfig converts the scheduler, classifier and backup sections.
func (c *Config) SchedulerConfig(logger *slog.Logger, m *metrics.Collector, sink progress.Sink) (scheduler.Config, error) {
	strategy, err := partition.ParseStrategy(c.Scheduler.Strategy)
	if err != nil {
		return scheduler.Config{}, err
	}
	agg, err := scheduler.ParseAggregation(c.Scheduler.Aggregation)
	if err != nil {
		return scheduler.Config{}, err
	}
	var interval time.Duration
	if c.Scheduler.ProgressInterval != "" {
		if interval, err = time.ParseDuration(c.Scheduler.ProgressInterval); err != nil {
			return scheduler.Config{}, err
		}
	}
	return scheduler.Config{
		Workers:     c.Scheduler.Workers,
		Strategy:    strategy,
		Aggregation: agg,
		Policy:      c.Classifier,
		Backup: scheduler.BackupConfig{
			Enabled: c.Backup.Enabled,
			Dir:     c.Backup.Dir,
			Sync:    c.Backup.Sync,
		},
		Label:            c.Label,
		Logger:           logger,
		Metrics:          m,
		Progress:         sink,
		ProgressInterval: interval,
	}, nil
}

// Generator builds the solver generator of the solver section.
func (c *Config) Generator(opts ...synthetic.Option) (*synthetic.Generator, error) {
	switch strings.ToLower(c.Solver.Kind) {
	case "", SolverSynthetic:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSolver, c.Solver.Kind)
	}
	all := append([]synthetic.Option{
		synthetic.WithModel(c.Solver.Model),
		synthetic.WithFaults(c.Solver.Faults),
	}, opts...)
	return synthetic.New(c.GridDescriptor(), all...), nil
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the vnadvisor platform.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Logging   Logging         `yaml:"logging"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir" default:"data"`
	SQLitePath string `yaml:"sqlite_path" default:"data/vnadvisor.db"`
	ReportDir  string `yaml:"report_dir" default:"data/backtest"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host" default:"0.0.0.0"`
	Port int    `yaml:"port" default:"8080"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"json"`
}

// BacktestConfig defines the simulation parameters used when a caller does
// not override them.
type BacktestConfig struct {
	InitialCapital  float64 `yaml:"initial_capital" default:"100000000"`
	MaxPositions    int     `yaml:"max_positions" default:"10"`
	PositionSizePct float64 `yaml:"position_size_pct" default:"0.10"`
	StopLossPct     float64 `yaml:"stop_loss_pct" default:"0.07"`
	TakeProfitPct   float64 `yaml:"take_profit_pct" default:"0.15"`
	MinScore        float64 `yaml:"min_score" default:"6.0"`
	LookbackDays    int     `yaml:"lookback_days" default:"365"`
}

// OptimizerConfig defines the weight grid-search sweep.
type OptimizerConfig struct {
	FundMin float64 `yaml:"fund_min" default:"0.3"`
	FundMax float64 `yaml:"fund_max" default:"0.7"`
	Step    float64 `yaml:"step" default:"0.1"`
	TechMin float64 `yaml:"tech_min" default:"0.3"`
	TechMax float64 `yaml:"tech_max" default:"0.7"`
	Metric  string  `yaml:"metric" default:"sharpe_ratio"`
	Workers int     `yaml:"workers" default:"1"`
}

// ScheduleConfig controls the server's periodic re-optimization job.
type ScheduleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SweepCron string `yaml:"sweep_cron" default:"0 30 18 * * 1-5"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, fills in
// defaults, parses the file over them, and then applies environment
// variable overrides. A missing file is not an error: defaults plus the
// environment then fully define the configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("setting defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REPORT_DIR"); v != "" {
		cfg.Storage.ReportDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("INITIAL_CAPITAL"); v != "" {
		if capital, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backtest.InitialCapital = capital
		}
	}
}

// Validate checks that the configured parameters are internally consistent.
// It covers the fatal configuration taxonomy: simulation never starts from
// an invalid Config.
func (c *Config) Validate() error {
	if c.Backtest.InitialCapital <= 0 {
		return fmt.Errorf("backtest.initial_capital must be positive, got %v", c.Backtest.InitialCapital)
	}
	if c.Backtest.MaxPositions < 1 {
		return fmt.Errorf("backtest.max_positions must be at least 1, got %d", c.Backtest.MaxPositions)
	}
	if c.Backtest.PositionSizePct <= 0 || c.Backtest.PositionSizePct > 1 {
		return fmt.Errorf("backtest.position_size_pct must be in (0, 1], got %v", c.Backtest.PositionSizePct)
	}
	if c.Backtest.StopLossPct <= 0 || c.Backtest.StopLossPct >= 1 {
		return fmt.Errorf("backtest.stop_loss_pct must be in (0, 1), got %v", c.Backtest.StopLossPct)
	}
	if c.Backtest.TakeProfitPct <= 0 {
		return fmt.Errorf("backtest.take_profit_pct must be positive, got %v", c.Backtest.TakeProfitPct)
	}
	if c.Backtest.LookbackDays < 1 {
		return fmt.Errorf("backtest.lookback_days must be at least 1, got %d", c.Backtest.LookbackDays)
	}
	if c.Optimizer.Step <= 0 {
		return fmt.Errorf("optimizer.step must be positive, got %v", c.Optimizer.Step)
	}
	if c.Optimizer.FundMin > c.Optimizer.FundMax {
		return fmt.Errorf("optimizer.fund_min %v exceeds fund_max %v", c.Optimizer.FundMin, c.Optimizer.FundMax)
	}
	if c.Optimizer.Workers < 1 {
		return fmt.Errorf("optimizer.workers must be at least 1, got %d", c.Optimizer.Workers)
	}
	return nil
}

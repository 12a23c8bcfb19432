// Package config defines all configuration for the stress backend.
// Config is loaded from a YAML file (default: eastress.yaml) with
// overrides via EASTRESS_* environment variables; every field carries a
// working default so the pipeline runs with no file at all.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eaforge/stress-backend/pkg/utils"
)

// Config is the top-level configuration threaded through every
// constructor. It is treated as immutable after Load.
type Config struct {
	Backtest     BacktestConfig     `mapstructure:"backtest"`
	Gates        GatesConfig        `mapstructure:"gates"`
	MonteCarlo   MonteCarloConfig   `mapstructure:"monte_carlo"`
	Score        ScoreConfig        `mapstructure:"score"`
	Optimization OptimizationConfig `mapstructure:"optimization"`
	Stress       StressConfig       `mapstructure:"stress"`
	Reopt        ReoptConfig        `mapstructure:"reopt"`
	MultiPair    MultiPairConfig    `mapstructure:"multi_pair"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Paths        PathsConfig        `mapstructure:"paths"`
	Server       ServerConfig       `mapstructure:"server"`
	Terminals    TerminalsConfig    `mapstructure:"terminals"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// BacktestConfig sets the simulator window and account shape.
type BacktestConfig struct {
	Years         int    `mapstructure:"years"`
	InSampleYears int    `mapstructure:"in_sample_years"`
	ForwardYears  int    `mapstructure:"forward_years"`
	Model         int    `mapstructure:"model"`
	LatencyMS     int    `mapstructure:"latency_ms"`
	Deposit       float64 `mapstructure:"deposit"`
	Currency      string `mapstructure:"currency"`
	Leverage      int    `mapstructure:"leverage"`
	ForwardMode   int    `mapstructure:"forward_mode"`
	HeartbeatSec  int    `mapstructure:"heartbeat_sec"`
}

// GatesConfig holds the go-live thresholds.
type GatesConfig struct {
	MinProfitFactor       float64 `mapstructure:"min_profit_factor"`
	MaxDrawdownPct        float64 `mapstructure:"max_drawdown_pct"`
	MinTrades             int     `mapstructure:"min_trades"`
	MinHistoryCoveragePct float64 `mapstructure:"min_history_coverage_pct"`
}

// MonteCarloConfig tunes the shuffle-resampling engine.
type MonteCarloConfig struct {
	Iterations       int       `mapstructure:"iterations"`
	RuinThreshold    float64   `mapstructure:"ruin_threshold"`
	ConfidenceMin    float64   `mapstructure:"confidence_min"`
	RuinMax          float64   `mapstructure:"ruin_max"`
	Workers          int       `mapstructure:"workers"`
	ConfidenceLevels []float64 `mapstructure:"confidence_levels"`
}

// ScoreConfig carries the composite-score weights. The normalization
// bounds are fixed; only the blend is tunable.
type ScoreConfig struct {
	Consistency  float64 `mapstructure:"consistency"`
	Profit       float64 `mapstructure:"profit"`
	Trades       float64 `mapstructure:"trades"`
	ProfitFactor float64 `mapstructure:"profit_factor"`
	Drawdown     float64 `mapstructure:"drawdown"`
}

// OptimizationConfig shapes the sweep and its result handling.
type OptimizationConfig struct {
	Criterion          int `mapstructure:"criterion"`
	Mode               int `mapstructure:"mode"`
	MaxPasses          int `mapstructure:"max_passes"`
	TopDisplay         int `mapstructure:"top_display"`
	TopBacktest        int `mapstructure:"top_backtest"`
	TimeoutMinutes     int `mapstructure:"timeout_minutes"`
	BacktestTimeoutMin int `mapstructure:"backtest_timeout_minutes"`
}

// StressConfig drives deterministic scenario enumeration and overlays.
type StressConfig struct {
	RollingDays       []int     `mapstructure:"rolling_days"`
	CalendarMonthsAgo []int     `mapstructure:"calendar_months_ago"`
	Models            []string  `mapstructure:"models"`
	TickLatencies     []int     `mapstructure:"tick_latencies"`
	OverlaySpreads    []float64 `mapstructure:"overlay_spread_pips"`
	OverlaySlippages  []float64 `mapstructure:"overlay_slippage_pips"`
	Sides             int       `mapstructure:"sides"`
	IncludeOverlays   bool      `mapstructure:"include_overlays"`
	ValidateTicks     bool      `mapstructure:"validate_ticks"`
}

// ReoptConfig bounds the refinement loop.
type ReoptConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
	TopN          int `mapstructure:"top_n"`
}

// MultiPairConfig lists the symbols replayed by the multi-pair stage.
type MultiPairConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Symbols []string `mapstructure:"symbols"`
}

// PipelineConfig holds executor behavior switches.
type PipelineConfig struct {
	MaxFixAttempts   int  `mapstructure:"max_fix_attempts"`
	Autonomous       bool `mapstructure:"autonomous"`
	AutoSelectPasses bool `mapstructure:"auto_select_passes"`
	StopOnFailure    bool `mapstructure:"stop_on_failure"`
}

// PathsConfig roots the persisted layout.
type PathsConfig struct {
	RunsDir        string `mapstructure:"runs_dir"`
	DashboardsDir  string `mapstructure:"dashboards_dir"`
	LeaderboardDir string `mapstructure:"leaderboard_dir"`
	BoardsDir      string `mapstructure:"boards_dir"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// TerminalsConfig points at the simulator-install registry.
type TerminalsConfig struct {
	RegistryPath string `mapstructure:"registry_path"`
	Active       string `mapstructure:"active"`
}

// LoggingConfig selects log level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DateRange is a simulator-formatted backtest window.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Split string `json:"split"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backtest: BacktestConfig{
			Years:         4,
			InSampleYears: 3,
			ForwardYears:  1,
			Model:         1,
			LatencyMS:     10,
			Deposit:       3000,
			Currency:      "GBP",
			Leverage:      100,
			ForwardMode:   2,
			HeartbeatSec:  30,
		},
		Gates: GatesConfig{
			MinProfitFactor:       1.5,
			MaxDrawdownPct:        30,
			MinTrades:             50,
			MinHistoryCoveragePct: 80,
		},
		MonteCarlo: MonteCarloConfig{
			Iterations:       10000,
			RuinThreshold:    0.5,
			ConfidenceMin:    70,
			RuinMax:          5,
			Workers:          4,
			ConfidenceLevels: []float64{0.05, 0.10, 0.25, 0.50, 0.75, 0.90, 0.95},
		},
		Score: ScoreConfig{
			Consistency:  0.25,
			Profit:       0.25,
			Trades:       0.20,
			ProfitFactor: 0.15,
			Drawdown:     0.15,
		},
		Optimization: OptimizationConfig{
			Criterion:          5,
			Mode:               2,
			MaxPasses:          1000,
			TopDisplay:         20,
			TopBacktest:        20,
			TimeoutMinutes:     120,
			BacktestTimeoutMin: 30,
		},
		Stress: StressConfig{
			RollingDays:       []int{30, 90},
			CalendarMonthsAgo: []int{1, 2},
			Models:            []string{"ohlc", "tick"},
			TickLatencies:     []int{50, 200},
			OverlaySpreads:    []float64{1.0, 2.0},
			OverlaySlippages:  []float64{0.5, 1.0},
			Sides:             2,
			IncludeOverlays:   true,
			ValidateTicks:     true,
		},
		Reopt: ReoptConfig{
			MaxIterations: 2,
			TopN:          20,
		},
		MultiPair: MultiPairConfig{},
		Pipeline: PipelineConfig{
			MaxFixAttempts: 3,
			StopOnFailure:  true,
		},
		Paths: PathsConfig{
			RunsDir:        "runs",
			DashboardsDir:  "runs/dashboards",
			LeaderboardDir: "runs/leaderboard",
			BoardsDir:      "runs/boards",
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8873,
			AllowedOrigins: []string{"*"},
		},
		Terminals: TerminalsConfig{
			RegistryPath: "terminals.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path (or ./eastress.yaml when empty)
// layered over Default, with EASTRESS_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix("EASTRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("eastress")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backtest.years", d.Backtest.Years)
	v.SetDefault("backtest.in_sample_years", d.Backtest.InSampleYears)
	v.SetDefault("backtest.forward_years", d.Backtest.ForwardYears)
	v.SetDefault("backtest.model", d.Backtest.Model)
	v.SetDefault("backtest.latency_ms", d.Backtest.LatencyMS)
	v.SetDefault("backtest.deposit", d.Backtest.Deposit)
	v.SetDefault("backtest.currency", d.Backtest.Currency)
	v.SetDefault("backtest.leverage", d.Backtest.Leverage)
	v.SetDefault("backtest.forward_mode", d.Backtest.ForwardMode)
	v.SetDefault("backtest.heartbeat_sec", d.Backtest.HeartbeatSec)
	v.SetDefault("gates.min_profit_factor", d.Gates.MinProfitFactor)
	v.SetDefault("gates.max_drawdown_pct", d.Gates.MaxDrawdownPct)
	v.SetDefault("gates.min_trades", d.Gates.MinTrades)
	v.SetDefault("gates.min_history_coverage_pct", d.Gates.MinHistoryCoveragePct)
	v.SetDefault("monte_carlo.iterations", d.MonteCarlo.Iterations)
	v.SetDefault("monte_carlo.ruin_threshold", d.MonteCarlo.RuinThreshold)
	v.SetDefault("monte_carlo.confidence_min", d.MonteCarlo.ConfidenceMin)
	v.SetDefault("monte_carlo.ruin_max", d.MonteCarlo.RuinMax)
	v.SetDefault("monte_carlo.workers", d.MonteCarlo.Workers)
	v.SetDefault("monte_carlo.confidence_levels", d.MonteCarlo.ConfidenceLevels)
	v.SetDefault("score.consistency", d.Score.Consistency)
	v.SetDefault("score.profit", d.Score.Profit)
	v.SetDefault("score.trades", d.Score.Trades)
	v.SetDefault("score.profit_factor", d.Score.ProfitFactor)
	v.SetDefault("score.drawdown", d.Score.Drawdown)
	v.SetDefault("optimization.criterion", d.Optimization.Criterion)
	v.SetDefault("optimization.mode", d.Optimization.Mode)
	v.SetDefault("optimization.max_passes", d.Optimization.MaxPasses)
	v.SetDefault("optimization.top_display", d.Optimization.TopDisplay)
	v.SetDefault("optimization.top_backtest", d.Optimization.TopBacktest)
	v.SetDefault("optimization.timeout_minutes", d.Optimization.TimeoutMinutes)
	v.SetDefault("optimization.backtest_timeout_minutes", d.Optimization.BacktestTimeoutMin)
	v.SetDefault("stress.rolling_days", d.Stress.RollingDays)
	v.SetDefault("stress.calendar_months_ago", d.Stress.CalendarMonthsAgo)
	v.SetDefault("stress.models", d.Stress.Models)
	v.SetDefault("stress.tick_latencies", d.Stress.TickLatencies)
	v.SetDefault("stress.overlay_spread_pips", d.Stress.OverlaySpreads)
	v.SetDefault("stress.overlay_slippage_pips", d.Stress.OverlaySlippages)
	v.SetDefault("stress.sides", d.Stress.Sides)
	v.SetDefault("stress.include_overlays", d.Stress.IncludeOverlays)
	v.SetDefault("stress.validate_ticks", d.Stress.ValidateTicks)
	v.SetDefault("reopt.max_iterations", d.Reopt.MaxIterations)
	v.SetDefault("reopt.top_n", d.Reopt.TopN)
	v.SetDefault("multi_pair.enabled", d.MultiPair.Enabled)
	v.SetDefault("multi_pair.symbols", d.MultiPair.Symbols)
	v.SetDefault("pipeline.max_fix_attempts", d.Pipeline.MaxFixAttempts)
	v.SetDefault("pipeline.autonomous", d.Pipeline.Autonomous)
	v.SetDefault("pipeline.auto_select_passes", d.Pipeline.AutoSelectPasses)
	v.SetDefault("pipeline.stop_on_failure", d.Pipeline.StopOnFailure)
	v.SetDefault("paths.runs_dir", d.Paths.RunsDir)
	v.SetDefault("paths.dashboards_dir", d.Paths.DashboardsDir)
	v.SetDefault("paths.leaderboard_dir", d.Paths.LeaderboardDir)
	v.SetDefault("paths.boards_dir", d.Paths.BoardsDir)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("terminals.registry_path", d.Terminals.RegistryPath)
	v.SetDefault("terminals.active", d.Terminals.Active)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.Backtest.Years < 1 {
		return fmt.Errorf("backtest.years must be >= 1")
	}
	if c.Backtest.InSampleYears+c.Backtest.ForwardYears != c.Backtest.Years {
		return fmt.Errorf("backtest split mismatch: in_sample %d + forward %d != years %d",
			c.Backtest.InSampleYears, c.Backtest.ForwardYears, c.Backtest.Years)
	}
	if c.Backtest.Deposit <= 0 {
		return fmt.Errorf("backtest.deposit must be > 0")
	}
	if c.Gates.MinTrades <= 0 {
		return fmt.Errorf("gates.min_trades must be > 0")
	}
	if c.MonteCarlo.Iterations <= 0 {
		return fmt.Errorf("monte_carlo.iterations must be > 0")
	}
	if c.MonteCarlo.RuinThreshold <= 0 || c.MonteCarlo.RuinThreshold > 1 {
		return fmt.Errorf("monte_carlo.ruin_threshold must be in (0, 1]")
	}
	sum := c.Score.Consistency + c.Score.Profit + c.Score.Trades + c.Score.ProfitFactor + c.Score.Drawdown
	if math.Abs(sum-1.0) > 1e-3 {
		return fmt.Errorf("score weights must sum to 1.0, got %.3f", sum)
	}
	if c.Reopt.MaxIterations < 0 {
		return fmt.Errorf("reopt.max_iterations must be >= 0")
	}
	return nil
}

// BacktestDates derives the full window and in-sample/forward split
// anchored at now.
func (c *Config) BacktestDates(now time.Time) DateRange {
	end := now
	start := end.AddDate(0, 0, -c.Backtest.Years*365)
	split := end.AddDate(0, 0, -c.Backtest.ForwardYears*365)
	return DateRange{
		Start: utils.FormatDate(start),
		End:   utils.FormatDate(end),
		Split: utils.FormatDate(split),
	}
}

// OptimizationTimeout returns the sweep timeout as a duration.
func (c *Config) OptimizationTimeout() time.Duration {
	return time.Duration(c.Optimization.TimeoutMinutes) * time.Minute
}

// BacktestTimeout returns the single-run timeout as a duration.
func (c *Config) BacktestTimeout() time.Duration {
	return time.Duration(c.Optimization.BacktestTimeoutMin) * time.Minute
}

// Heartbeat returns the progress-tick interval for simulator calls.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Backtest.HeartbeatSec) * time.Second
}

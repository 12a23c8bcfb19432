package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Backtest.Years)
	assert.Equal(t, 1.5, cfg.Gates.MinProfitFactor)
	assert.Equal(t, 10000, cfg.MonteCarlo.Iterations)
	assert.Equal(t, 0.25, cfg.Score.Consistency)
	assert.Equal(t, []int{30, 90}, cfg.Stress.RollingDays)
	assert.Equal(t, 2, cfg.Reopt.MaxIterations)
	assert.Equal(t, "runs", cfg.Paths.RunsDir)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)
	require.NoError(t, os.Chdir(t.TempDir()))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Gates, cfg.Gates)
	assert.Equal(t, Default().MonteCarlo.Iterations, cfg.MonteCarlo.Iterations)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eastress.yaml")
	body := `
backtest:
  years: 2
  in_sample_years: 1
  forward_years: 1
  deposit: 5000
gates:
  min_trades: 30
monte_carlo:
  iterations: 500
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Backtest.Years)
	assert.Equal(t, 5000.0, cfg.Backtest.Deposit)
	assert.Equal(t, 30, cfg.Gates.MinTrades)
	assert.Equal(t, 500, cfg.MonteCarlo.Iterations)
	// Untouched keys keep defaults.
	assert.Equal(t, 1.5, cfg.Gates.MinProfitFactor)
	assert.Equal(t, 0.5, cfg.MonteCarlo.RuinThreshold)
}

func TestValidateRejectsBadSplit(t *testing.T) {
	cfg := Default()
	cfg.Backtest.InSampleYears = 2 // 2 + 1 != 4
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Score.Profit = 0.5 // weights no longer sum to 1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MonteCarlo.RuinThreshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestBacktestDates(t *testing.T) {
	cfg := Default()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	r := cfg.BacktestDates(now)
	assert.Equal(t, "2025.06.15", r.End)
	assert.Equal(t, "2021.06.16", r.Start) // 4*365 days back (one leap year)
	assert.Equal(t, "2024.06.15", r.Split) // 365 days back
}

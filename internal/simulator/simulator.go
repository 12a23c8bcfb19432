// Package simulator adapts the MetaTrader 5 terminal behind a small
// interface so pipeline stages never shell out directly. Terminal
// drives a real install through generated INI configs; MemSim serves
// configurable fixtures for tests and dry runs. Both report domain
// failures (compile errors, missing reports, timeouts) inside the
// result; the error return is reserved for context cancellation and
// infrastructure faults.
package simulator

import (
	"context"
	"time"

	"github.com/eaforge/stress-backend/pkg/types"
)

// ProgressFunc receives a tick while a simulator run is in flight.
type ProgressFunc func(elapsed time.Duration)

// BacktestOptions shapes a single run. Model, LatencyMS and
// SpreadPoints below zero select the configured defaults; empty dates
// select the configured window.
type BacktestOptions struct {
	Symbol       string
	Timeframe    types.Timeframe
	Params       map[string]any
	FromDate     string
	ToDate       string
	Model        int
	LatencyMS    int
	SpreadPoints int
	ReportName   string
	Timeout      time.Duration
	Progress     ProgressFunc
}

// NewBacktestOptions returns options with every override unset.
func NewBacktestOptions(symbol string, tf types.Timeframe) BacktestOptions {
	return BacktestOptions{
		Symbol:       symbol,
		Timeframe:    tf,
		Model:        -1,
		LatencyMS:    -1,
		SpreadPoints: -1,
	}
}

// OptimizeOptions shapes a parameter sweep. An empty ForwardDate (with
// ForwardMode unset) runs without a forward segment.
type OptimizeOptions struct {
	Symbol      string
	Timeframe   types.Timeframe
	Ranges      []types.OptimizationRange
	FromDate    string
	ToDate      string
	ForwardMode int
	ForwardDate string
	Model       int
	LatencyMS   int
	ReportName  string
	Timeout     time.Duration
	Progress    ProgressFunc
}

// NewOptimizeOptions returns sweep options with every override unset.
func NewOptimizeOptions(symbol string, tf types.Timeframe, ranges []types.OptimizationRange) OptimizeOptions {
	return OptimizeOptions{
		Symbol:      symbol,
		Timeframe:   tf,
		Ranges:      ranges,
		ForwardMode: -1,
		Model:       -1,
		LatencyMS:   -1,
	}
}

// Simulator is the uniform surface the stages call.
type Simulator interface {
	Compile(ctx context.Context, eaPath string) (types.CompileResult, error)
	Backtest(ctx context.Context, binaryPath string, opts BacktestOptions) (types.BacktestResult, error)
	Optimize(ctx context.Context, binaryPath string, opts OptimizeOptions) (types.OptimizationResult, error)
}

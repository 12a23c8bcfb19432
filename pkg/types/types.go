// Package types provides shared type definitions for the stress backend.
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Status represents the lifecycle state of a workflow.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusAwaitingParams Status = "awaiting_param_analysis"
	StatusAwaitingStats  Status = "awaiting_stats_analysis"
	StatusAwaitingEAFix  Status = "awaiting_ea_fix"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// IsAwaiting reports whether the workflow is paused for external input.
func (s Status) IsAwaiting() bool {
	return s == StatusAwaitingParams || s == StatusAwaitingStats || s == StatusAwaitingEAFix
}

// IsTerminal reports whether the workflow reached a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Timeframe represents a simulator chart timeframe.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
	TimeframeMN1 Timeframe = "MN1"
)

// TimeframeMinutes maps timeframes to the simulator's Period value.
var TimeframeMinutes = map[Timeframe]int{
	TimeframeM1:  1,
	TimeframeM5:  5,
	TimeframeM15: 15,
	TimeframeM30: 30,
	TimeframeH1:  60,
	TimeframeH4:  240,
	TimeframeD1:  1440,
	TimeframeW1:  10080,
	TimeframeMN1: 43200,
}

// Minutes returns the timeframe length in minutes, defaulting to H1 for
// unknown values.
func (tf Timeframe) Minutes() int {
	if m, ok := TimeframeMinutes[tf]; ok {
		return m
	}
	return 60
}

// TradeSide represents the direction of a trade.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Opposite returns the other side.
func (s TradeSide) Opposite() TradeSide {
	if s == TradeSideBuy {
		return TradeSideSell
	}
	return TradeSideBuy
}

// ParamType represents a normalized EA input parameter type.
type ParamType string

const (
	ParamTypeInt      ParamType = "int"
	ParamTypeDouble   ParamType = "double"
	ParamTypeBool     ParamType = "bool"
	ParamTypeString   ParamType = "string"
	ParamTypeEnum     ParamType = "enum"
	ParamTypeDatetime ParamType = "datetime"
	ParamTypeColor    ParamType = "color"
)

// Numeric reports whether the type participates in numeric optimization.
func (p ParamType) Numeric() bool {
	return p == ParamTypeInt || p == ParamTypeDouble
}

// Parameter represents a single EA input declaration.
type Parameter struct {
	Name         string    `json:"name"`
	DeclaredType string    `json:"declared_type"`
	Type         ParamType `json:"normalized_type"`
	Default      string    `json:"default,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	Line         int       `json:"line"`
	Optimizable  bool      `json:"optimizable"`
}

// OptimizationRange describes how one parameter is swept (or pinned)
// during an optimization run.
type OptimizationRange struct {
	Name       string  `json:"name"`
	Start      float64 `json:"start"`
	Stop       float64 `json:"stop"`
	Step       float64 `json:"step,omitempty"`
	Optimize   bool    `json:"optimize"`
	FixedValue any     `json:"fixed_value,omitempty"`
	SkipReason string  `json:"skip_reason,omitempty"`
	Category   string  `json:"category,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
}

// NewRange constructs an optimizing range with ordered bounds. Reversed
// bounds are swapped; a non-positive step is an error.
func NewRange(name string, start, stop, step float64) (OptimizationRange, error) {
	if step <= 0 {
		return OptimizationRange{}, fmt.Errorf("range %s: step must be > 0, got %v", name, step)
	}
	if start > stop {
		start, stop = stop, start
	}
	return OptimizationRange{
		Name:     name,
		Start:    start,
		Stop:     stop,
		Step:     step,
		Optimize: true,
	}, nil
}

// Validate checks the range invariants: with optimize set the bounds must
// be ordered with a positive step; with optimize unset and distinct bounds
// a fixed value must be supplied.
func (r OptimizationRange) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("range has no parameter name")
	}
	if r.Optimize {
		if r.Start > r.Stop {
			return fmt.Errorf("range %s: start %v > stop %v", r.Name, r.Start, r.Stop)
		}
		if r.Step <= 0 {
			return fmt.Errorf("range %s: step must be > 0, got %v", r.Name, r.Step)
		}
		return nil
	}
	if r.Start != r.Stop && r.FixedValue == nil {
		return fmt.Errorf("range %s: not optimized with ambiguous bounds and no fixed value", r.Name)
	}
	return nil
}

// Fixed returns the pinned value for a non-optimizing range, preferring
// the explicit fixed value over the start bound.
func (r OptimizationRange) Fixed() string {
	if r.FixedValue != nil {
		switch v := r.FixedValue.(type) {
		case string:
			return v
		case bool:
			if v {
				return "true"
			}
			return "false"
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return strconv.FormatFloat(r.Start, 'f', -1, 64)
}

// TradeMetrics is the canonical per-run metric record shared by parsers,
// gates and reports.
type TradeMetrics struct {
	Profit         float64 `json:"profit"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinRate        float64 `json:"win_rate"`
	Sharpe         float64 `json:"sharpe"`
	Sortino        float64 `json:"sortino"`
	ExpectedPayoff float64 `json:"expected_payoff"`
	RecoveryFactor float64 `json:"recovery_factor"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
}

// ToMap flattens the metrics into a key-value map.
func (m TradeMetrics) ToMap() map[string]float64 {
	return map[string]float64{
		"profit":           m.Profit,
		"profit_factor":    m.ProfitFactor,
		"max_drawdown_pct": m.MaxDrawdownPct,
		"total_trades":     float64(m.TotalTrades),
		"win_rate":         m.WinRate,
		"sharpe":           m.Sharpe,
		"sortino":          m.Sortino,
		"expected_payoff":  m.ExpectedPayoff,
		"recovery_factor":  m.RecoveryFactor,
		"gross_profit":     m.GrossProfit,
		"gross_loss":       m.GrossLoss,
	}
}

// MetricsFromMap rebuilds a TradeMetrics from a flat map, ignoring
// unknown keys.
func MetricsFromMap(values map[string]float64) TradeMetrics {
	get := func(key string) float64 { return values[key] }
	return TradeMetrics{
		Profit:         get("profit"),
		ProfitFactor:   get("profit_factor"),
		MaxDrawdownPct: get("max_drawdown_pct"),
		TotalTrades:    int(get("total_trades")),
		WinRate:        get("win_rate"),
		Sharpe:         get("sharpe"),
		Sortino:        get("sortino"),
		ExpectedPayoff: get("expected_payoff"),
		RecoveryFactor: get("recovery_factor"),
		GrossProfit:    get("gross_profit"),
		GrossLoss:      get("gross_loss"),
	}
}

// Operator is a gate comparison operator.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
	OpGT  Operator = ">"
	OpLT  Operator = "<"
	OpEQ  Operator = "=="
)

// Compare applies the operator to (value, threshold).
func (op Operator) Compare(value, threshold float64) bool {
	switch op {
	case OpGTE:
		return value >= threshold
	case OpLTE:
		return value <= threshold
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpEQ:
		return value == threshold
	default:
		return false
	}
}

// GateResult is the outcome of a single threshold check.
type GateResult struct {
	Name      string   `json:"name"`
	Passed    bool     `json:"passed"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	Operator  Operator `json:"operator"`
	Message   string   `json:"message"`
}

// NewGateResult evaluates the comparison and formats the standard
// PASS/FAIL message.
func NewGateResult(name string, value, threshold float64, op Operator) GateResult {
	passed := op.Compare(value, threshold)
	verdict := "FAIL"
	if passed {
		verdict = "PASS"
	}
	return GateResult{
		Name:      name,
		Passed:    passed,
		Value:     value,
		Threshold: threshold,
		Operator:  op,
		Message:   fmt.Sprintf("%s: %s = %s (%s %s)", verdict, name, trimFloat(value), op, trimFloat(threshold)),
	}
}

func trimFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// MonteCarloResult summarizes a shuffle-resampling run.
type MonteCarloResult struct {
	Iterations          int                `json:"iterations"`
	ConfidencePct       float64            `json:"confidence_pct"`
	RuinProbabilityPct  float64            `json:"ruin_probability_pct"`
	ExpectedProfit      float64            `json:"expected_profit"`
	MedianProfit        float64            `json:"median_profit"`
	WorstCaseP5         float64            `json:"worst_case_p5"`
	BestCaseP95         float64            `json:"best_case_p95"`
	MaxDrawdownMedian   float64            `json:"max_drawdown_median"`
	MaxDrawdownWorstP95 float64            `json:"max_drawdown_worst_p95"`
	Percentiles         map[string]float64 `json:"percentiles,omitempty"`
	DrawdownPercentiles map[string]float64 `json:"dd_percentiles,omitempty"`
}

// Trade is one round-trip position extracted from a simulator report.
// NetProfit always equals GrossProfit + Commission + Swap.
type Trade struct {
	Ticket      int       `json:"ticket"`
	Symbol      string    `json:"symbol"`
	Side        TradeSide `json:"side"`
	Volume      float64   `json:"volume"`
	OpenTime    time.Time `json:"open_time"`
	CloseTime   time.Time `json:"close_time"`
	OpenPrice   float64   `json:"open_price"`
	ClosePrice  float64   `json:"close_price"`
	Commission  float64   `json:"commission"`
	Swap        float64   `json:"swap"`
	GrossProfit float64   `json:"gross_profit"`
	NetProfit   float64   `json:"net_profit"`
}

// Pass-record params that are bookkeeping rather than EA inputs.
const (
	ParamKeyPass          = "Pass"
	ParamKeyResult        = "Result"
	ParamKeyCustom        = "Custom"
	ParamKeyForwardResult = "Forward Result"
	ParamKeyBackResult    = "Back Result"
)

// toggleParamPrefixes marks EA input names that are on/off switches by
// naming convention.
var toggleParamPrefixes = []string{"Enable_", "Use_", "Avoid_", "Allow_", "Is_", "Has_"}

// IsToggleParam reports whether an input name follows the boolean
// switch naming convention.
func IsToggleParam(name string) bool {
	for _, prefix := range toggleParamPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// PassRecord is one normalized optimization pass. Canonical metric
// columns are typed fields; everything else (the swept inputs plus
// bookkeeping columns) lives in Params.
type PassRecord struct {
	Result         float64         `json:"result"`
	Profit         float64         `json:"profit"`
	ProfitFactor   float64         `json:"profit_factor"`
	ExpectedPayoff float64         `json:"expected_payoff"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	TotalTrades    int             `json:"total_trades"`
	Sharpe         float64         `json:"sharpe"`
	Sortino        float64         `json:"sortino"`
	RecoveryFactor float64         `json:"recovery_factor"`
	WinRate        float64         `json:"win_rate"`
	Params         map[string]any  `json:"params,omitempty"`
	Forward        *ForwardSegment `json:"forward,omitempty"`
}

// ForwardSegment carries the forward-window metrics merged onto a pass.
type ForwardSegment struct {
	Result         float64 `json:"result"`
	Profit         float64 `json:"profit"`
	ProfitFactor   float64 `json:"profit_factor,omitempty"`
	ExpectedPayoff float64 `json:"expected_payoff,omitempty"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct,omitempty"`
	Trades         int     `json:"trades,omitempty"`
}

// PassNum returns the simulator pass index, or -1 when absent.
func (p PassRecord) PassNum() int {
	if v, ok := paramFloat(p.Params, ParamKeyPass); ok {
		return int(v)
	}
	return -1
}

// ForwardResult returns the forward-segment result column when present.
func (p PassRecord) ForwardResult() (float64, bool) {
	return paramFloat(p.Params, ParamKeyForwardResult)
}

// BackResult returns the back-segment result column when present.
func (p PassRecord) BackResult() (float64, bool) {
	return paramFloat(p.Params, ParamKeyBackResult)
}

// Consistent reports whether both segments closed profitable.
func (p PassRecord) Consistent() bool {
	fwd, fok := p.ForwardResult()
	back, bok := p.BackResult()
	return fok && bok && fwd > 0 && back > 0
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ParamFloat exposes numeric param lookup for callers outside the package.
func ParamFloat(params map[string]any, key string) (float64, bool) {
	return paramFloat(params, key)
}

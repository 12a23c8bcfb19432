// Package gates implements the threshold checks and the composite
// go-live score shared by the pipeline, the stress engine and the
// aggregator.
package gates

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// Gate names attached to pipeline stages.
const (
	GateFileExists         = "file_exists"
	GateCompilation        = "compilation"
	GateParamsFound        = "params_found"
	GateMinimumTrades      = "minimum_trades"
	GateHistoryCoverage    = "history_coverage"
	GateProfitFactor       = "profit_factor"
	GateMaxDrawdown        = "max_drawdown"
	GateMCConfidence       = "mc_confidence"
	GateMCRuin             = "mc_ruin"
	GateOptimizationPasses = "optimization_passes"
	GateValidPasses        = "valid_passes"
	GateSuccessfulPasses   = "successful_passes"
)

// criticalGates must all pass for a workflow to be considered go-live
// ready.
var criticalGates = []string{
	GateProfitFactor,
	GateMaxDrawdown,
	GateMinimumTrades,
	GateMCConfidence,
	GateMCRuin,
}

// Composite-score normalization bounds. The blend weights are
// configurable; these anchors are not.
const (
	consistencyCap   = 2000.0
	profitCap        = 5000.0
	tradesFloor      = 50.0
	tradesCap        = 200.0
	pfFloor          = 1.0
	pfCap            = 3.0
	drawdownCap      = 30.0
	consistencyBonus = 0.5
)

// FileExists gates on the presence of a required input file.
func FileExists(exists bool) types.GateResult {
	v := 0.0
	if exists {
		v = 1.0
	}
	return types.NewGateResult(GateFileExists, v, 1, types.OpEQ)
}

// Compilation gates on a zero compiler-error count.
func Compilation(errorCount int) types.GateResult {
	return types.NewGateResult(GateCompilation, float64(errorCount), 0, types.OpEQ)
}

// ParamsFound gates on at least one extracted input parameter.
func ParamsFound(count int) types.GateResult {
	return types.NewGateResult(GateParamsFound, float64(count), 1, types.OpGTE)
}

// MinimumTrades gates on statistical significance of the trade sample.
func MinimumTrades(trades, min int) types.GateResult {
	return types.NewGateResult(GateMinimumTrades, float64(trades), float64(min), types.OpGTE)
}

// HistoryCoverage gates on the percentage of expected bars present.
func HistoryCoverage(coveragePct, minPct float64) types.GateResult {
	return types.NewGateResult(GateHistoryCoverage, utils.Round1(coveragePct), minPct, types.OpGTE)
}

// ProfitFactor gates on gross profit over gross loss.
func ProfitFactor(pf, min float64) types.GateResult {
	return types.NewGateResult(GateProfitFactor, pf, min, types.OpGTE)
}

// MaxDrawdown gates on the equity drawdown percentage.
func MaxDrawdown(ddPct, max float64) types.GateResult {
	return types.NewGateResult(GateMaxDrawdown, ddPct, max, types.OpLTE)
}

// MCConfidence gates on the Monte Carlo probability of profit.
func MCConfidence(confidencePct, min float64) types.GateResult {
	return types.NewGateResult(GateMCConfidence, confidencePct, min, types.OpGTE)
}

// MCRuin gates on the Monte Carlo probability of ruin.
func MCRuin(ruinPct, max float64) types.GateResult {
	return types.NewGateResult(GateMCRuin, ruinPct, max, types.OpLTE)
}

// OptimizationPasses gates on the sweep returning any passes at all.
func OptimizationPasses(count int) types.GateResult {
	return types.NewGateResult(GateOptimizationPasses, float64(count), 1, types.OpGTE)
}

// ValidPasses gates on at least one pass surviving the quality filters.
func ValidPasses(count int) types.GateResult {
	return types.NewGateResult(GateValidPasses, float64(count), 1, types.OpGTE)
}

// SuccessfulPasses gates on at least one verification backtest
// succeeding.
func SuccessfulPasses(count int) types.GateResult {
	return types.NewGateResult(GateSuccessfulPasses, float64(count), 1, types.OpGTE)
}

// ExpectedBars estimates how many bars a full-history window should hold
// for a timeframe, assuming a 5-of-7 trading week.
func ExpectedBars(tf types.Timeframe, from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	days := to.Sub(from).Hours() / 24
	tradingDays := days * 5 / 7
	barsPerDay := 1440.0 / float64(tf.Minutes())
	if tf == types.TimeframeW1 {
		return int(days / 7)
	}
	if tf == types.TimeframeMN1 {
		return int(days / 30)
	}
	return int(tradingDays * barsPerDay)
}

// Engine applies configured thresholds and computes composite scores.
type Engine struct {
	logger *zap.Logger
	gates  config.GatesConfig
	score  config.ScoreConfig
	mc     config.MonteCarloConfig
}

// NewEngine creates a gate engine from the shared config.
func NewEngine(logger *zap.Logger, cfg *config.Config) *Engine {
	return &Engine{
		logger: logger.Named("gates"),
		gates:  cfg.Gates,
		score:  cfg.Score,
		mc:     cfg.MonteCarlo,
	}
}

// CheckBacktest runs the metric gates against one run's results.
func (e *Engine) CheckBacktest(m types.TradeMetrics) []types.GateResult {
	results := []types.GateResult{
		MinimumTrades(m.TotalTrades, e.gates.MinTrades),
		ProfitFactor(m.ProfitFactor, e.gates.MinProfitFactor),
		MaxDrawdown(m.MaxDrawdownPct, e.gates.MaxDrawdownPct),
	}
	for _, g := range results {
		if !g.Passed {
			e.logger.Debug("gate failed", zap.String("gate", g.Name), zap.String("message", g.Message))
		}
	}
	return results
}

// CheckMonteCarlo runs the simulation gates.
func (e *Engine) CheckMonteCarlo(mc types.MonteCarloResult) []types.GateResult {
	return []types.GateResult{
		MCConfidence(mc.ConfidencePct, e.mc.ConfidenceMin),
		MCRuin(mc.RuinProbabilityPct, e.mc.RuinMax),
	}
}

// MinTrades exposes the configured floor for validation messages.
func (e *Engine) MinTrades() int { return e.gates.MinTrades }

// MinHistoryCoverage exposes the configured coverage floor.
func (e *Engine) MinHistoryCoverage() float64 { return e.gates.MinHistoryCoveragePct }

// MaxDrawdownPct exposes the configured drawdown ceiling.
func (e *Engine) MaxDrawdownPct() float64 { return e.gates.MaxDrawdownPct }

// GoLiveReady reports whether every critical gate is present and passed.
func GoLiveReady(gates map[string]types.GateResult) bool {
	for _, name := range criticalGates {
		g, ok := gates[name]
		if !ok || !g.Passed {
			return false
		}
	}
	return true
}

// Normalize maps v from [lo, hi] onto [0, 1], clamped; inverted when
// requested. Degenerate bounds normalize to 0.
func Normalize(v, lo, hi float64, invert bool) float64 {
	if hi <= lo {
		return 0
	}
	n := utils.Clamp((v-lo)/(hi-lo), 0, 1)
	if invert {
		return 1 - n
	}
	return n
}

// ScoreInput is the metric slice the composite score consumes. Segment
// profits are optional; absent segments contribute no consistency.
type ScoreInput struct {
	Profit         float64
	ProfitFactor   float64
	MaxDrawdownPct float64
	TotalTrades    int
	BackProfit     *float64
	ForwardProfit  *float64
}

// ScoreInputFromMetrics builds a segment-less input from run metrics.
func ScoreInputFromMetrics(m types.TradeMetrics) ScoreInput {
	return ScoreInput{
		Profit:         m.Profit,
		ProfitFactor:   m.ProfitFactor,
		MaxDrawdownPct: m.MaxDrawdownPct,
		TotalTrades:    m.TotalTrades,
	}
}

// ScoreInputFromPass builds an input from a normalized optimization
// pass, picking up segment results when the sweep produced them.
func ScoreInputFromPass(p types.PassRecord) ScoreInput {
	in := ScoreInput{
		Profit:         p.Profit,
		ProfitFactor:   p.ProfitFactor,
		MaxDrawdownPct: p.MaxDrawdownPct,
		TotalTrades:    p.TotalTrades,
	}
	if back, ok := p.BackResult(); ok {
		in.BackProfit = &back
	}
	if fwd, ok := p.ForwardResult(); ok {
		in.ForwardProfit = &fwd
	}
	return in
}

// CompositeScore blends the five subscores into the 0-10 go-live score.
func (e *Engine) CompositeScore(in ScoreInput) float64 {
	back, fwd := 0.0, 0.0
	if in.BackProfit != nil {
		back = *in.BackProfit
	}
	if in.ForwardProfit != nil {
		fwd = *in.ForwardProfit
	}

	var consistency float64
	switch {
	case back > 0 && fwd > 0:
		consistency = Normalize(math.Min(back, fwd), 0, consistencyCap, false)
	case back > 0 || fwd > 0:
		consistency = Normalize(math.Max(back, fwd), 0, consistencyCap, false) * 0.25
	}

	sum := e.score.Consistency*consistency +
		e.score.Profit*Normalize(in.Profit, 0, profitCap, false) +
		e.score.Trades*Normalize(float64(in.TotalTrades), tradesFloor, tradesCap, false) +
		e.score.ProfitFactor*Normalize(in.ProfitFactor, pfFloor, pfCap, false) +
		e.score.Drawdown*Normalize(in.MaxDrawdownPct, 0, drawdownCap, true)

	return utils.Round1(sum * 10)
}

// PassScore is the per-pass score: composite plus the consistency bonus
// when both segments closed profitable, capped at 10.
func (e *Engine) PassScore(in ScoreInput) float64 {
	score := e.CompositeScore(in)
	if in.BackProfit != nil && in.ForwardProfit != nil && *in.BackProfit > 0 && *in.ForwardProfit > 0 {
		score = math.Min(10, utils.Round1(score+consistencyBonus))
	}
	return score
}

// Diagnosis explains one failed gate in user-facing terms.
type Diagnosis struct {
	Gate       string `json:"gate"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Diagnose produces structured explanations for every failed gate.
func (e *Engine) Diagnose(results []types.GateResult, m types.TradeMetrics) []Diagnosis {
	var out []Diagnosis
	for _, g := range results {
		if g.Passed {
			continue
		}
		switch g.Name {
		case GateMinimumTrades:
			out = append(out, Diagnosis{
				Gate:       g.Name,
				Message:    fmt.Sprintf("Only %d trades (need %d+)", int(g.Value), int(g.Threshold)),
				Suggestion: "Loosen entry filters or extend the test window to produce a statistically useful sample.",
			})
		case GateProfitFactor:
			out = append(out, e.diagnoseProfitFactor(g, m))
		case GateMaxDrawdown:
			out = append(out, Diagnosis{
				Gate:       g.Name,
				Message:    fmt.Sprintf("Drawdown %.1f%% exceeds the %.0f%% limit", g.Value, g.Threshold),
				Suggestion: "Reduce position size or add an equity stop.",
			})
		case GateMCConfidence:
			out = append(out, Diagnosis{
				Gate:    g.Name,
				Message: fmt.Sprintf("Only %.1f%% of resampled sequences end profitable (need %.0f%%)", g.Value, g.Threshold),
			})
		case GateMCRuin:
			out = append(out, Diagnosis{
				Gate:    g.Name,
				Message: fmt.Sprintf("Ruin probability %.1f%% exceeds the %.0f%% limit", g.Value, g.Threshold),
			})
		case GateHistoryCoverage:
			out = append(out, Diagnosis{
				Gate:       g.Name,
				Message:    fmt.Sprintf("Only %.1f%% of expected price history present (need %.0f%%)", g.Value, g.Threshold),
				Suggestion: "Download full history for the symbol in the simulator before re-running.",
			})
		default:
			out = append(out, Diagnosis{Gate: g.Name, Message: g.Message})
		}
	}
	return out
}

// diagnoseProfitFactor distinguishes a win-size problem from a win-rate
// problem using the average win against 1.5x the average loss.
func (e *Engine) diagnoseProfitFactor(g types.GateResult, m types.TradeMetrics) Diagnosis {
	wins := int(math.Round(float64(m.TotalTrades) * m.WinRate / 100))
	losses := m.TotalTrades - wins
	var avgWin, avgLoss float64
	if wins > 0 {
		avgWin = m.GrossProfit / float64(wins)
	}
	if losses > 0 {
		avgLoss = math.Abs(m.GrossLoss) / float64(losses)
	}
	d := Diagnosis{Gate: g.Name}
	if avgWin > 0 && avgLoss > 0 && avgWin < avgLoss*1.5 {
		d.Message = fmt.Sprintf("Profit factor %.2f: average win %.2f is small against average loss %.2f", g.Value, avgWin, avgLoss)
		d.Suggestion = "Let winners run further or tighten the stop so losses shrink relative to wins."
	} else {
		d.Message = fmt.Sprintf("Profit factor %.2f: win rate %.1f%% is too low for the win/loss sizes", g.Value, m.WinRate)
		d.Suggestion = "Filter entries to raise the share of winning trades."
	}
	return d
}

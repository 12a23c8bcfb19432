// Package passes turns a raw optimization sweep into decisions: which
// passes survive the quality filters, which look best per category, and
// which go forward to the robustness backtests. Selection is
// deterministic so unattended runs behave the same every time.
package passes

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/pkg/types"
)

// DefaultTopN caps how many passes go to the robustness backtests.
const DefaultTopN = 20

// Thresholds are the pass filters. The profit-factor floor is fixed at
// 1.0: a losing pass is never worth backtesting regardless of config.
type Thresholds struct {
	MinTrades      int     `json:"min_trades"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// RejectionCounts tallies why passes were filtered out.
type RejectionCounts struct {
	LowTrades       int `json:"low_trades"`
	LowProfitFactor int `json:"low_pf"`
	HighDrawdown    int `json:"high_dd"`
	NegativeProfit  int `json:"negative_profit"`
}

// ScoredPass is a surviving pass with its composite score and the
// segment results pulled out of the parameter columns.
type ScoredPass struct {
	types.PassRecord
	Score         float64 `json:"composite_score"`
	ForwardProfit float64 `json:"forward_result"`
	BackProfit    float64 `json:"back_result"`
	IsConsistent  bool    `json:"is_consistent"`
}

// Analysis is the step-8 view of a sweep: filtered passes sorted by
// score, category bests and human-readable findings.
type Analysis struct {
	TotalPasses     int             `json:"total_passes"`
	ValidCount      int             `json:"valid_count"`
	ConsistentCount int             `json:"consistent_count"`
	Rejected        RejectionCounts `json:"rejected_passes"`
	Valid           []ScoredPass    `json:"filtered_passes"`
	BestOverall     *ScoredPass     `json:"best_overall,omitempty"`
	BestForward     *ScoredPass     `json:"best_forward,omitempty"`
	BestBack        *ScoredPass     `json:"best_back,omitempty"`
	BestConsistent  *ScoredPass     `json:"best_consistent,omitempty"`
	Insights        []string        `json:"insights"`
}

// Analyzer scores and selects optimization passes with the same engine
// the leaderboard uses, so rankings agree everywhere.
type Analyzer struct {
	logger *zap.Logger
	scorer *gates.Engine
}

// NewAnalyzer wires the analyzer to the shared gate engine.
func NewAnalyzer(logger *zap.Logger, scorer *gates.Engine) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger.Named("passes"), scorer: scorer}
}

// DefaultThresholds pulls the configured gate levels.
func (a *Analyzer) DefaultThresholds() Thresholds {
	return Thresholds{
		MinTrades:      a.scorer.MinTrades(),
		MaxDrawdownPct: a.scorer.MaxDrawdownPct(),
	}
}

// Analyze filters a sweep and ranks the survivors by composite score.
func (a *Analyzer) Analyze(records []types.PassRecord, th Thresholds) Analysis {
	if th.MinTrades <= 0 {
		th.MinTrades = a.scorer.MinTrades()
	}
	if th.MaxDrawdownPct <= 0 {
		th.MaxDrawdownPct = a.scorer.MaxDrawdownPct()
	}

	analysis := Analysis{TotalPasses: len(records)}
	for _, r := range records {
		switch {
		case r.TotalTrades < th.MinTrades:
			analysis.Rejected.LowTrades++
		case r.ProfitFactor < 1.0:
			analysis.Rejected.LowProfitFactor++
		case r.MaxDrawdownPct > th.MaxDrawdownPct:
			analysis.Rejected.HighDrawdown++
		case r.Profit <= 0:
			analysis.Rejected.NegativeProfit++
		default:
			fwd, _ := r.ForwardResult()
			back, _ := r.BackResult()
			analysis.Valid = append(analysis.Valid, ScoredPass{
				PassRecord:    r,
				Score:         a.scorer.PassScore(gates.ScoreInputFromPass(r)),
				ForwardProfit: fwd,
				BackProfit:    back,
				IsConsistent:  fwd > 0 && back > 0,
			})
		}
	}

	sort.SliceStable(analysis.Valid, func(i, j int) bool {
		return analysis.Valid[i].Score > analysis.Valid[j].Score
	})
	analysis.ValidCount = len(analysis.Valid)

	for i := range analysis.Valid {
		p := analysis.Valid[i]
		if p.IsConsistent {
			analysis.ConsistentCount++
			if analysis.BestConsistent == nil ||
				math.Min(p.ForwardProfit, p.BackProfit) > math.Min(analysis.BestConsistent.ForwardProfit, analysis.BestConsistent.BackProfit) {
				analysis.BestConsistent = &analysis.Valid[i]
			}
		}
		if analysis.BestForward == nil || p.ForwardProfit > analysis.BestForward.ForwardProfit {
			analysis.BestForward = &analysis.Valid[i]
		}
		if analysis.BestBack == nil || p.BackProfit > analysis.BestBack.BackProfit {
			analysis.BestBack = &analysis.Valid[i]
		}
	}
	if len(analysis.Valid) > 0 {
		analysis.BestOverall = &analysis.Valid[0]
	}

	analysis.Insights = a.insights(analysis, th)
	a.logger.Info("sweep analyzed",
		zap.Int("total", analysis.TotalPasses),
		zap.Int("valid", analysis.ValidCount),
		zap.Int("consistent", analysis.ConsistentCount))
	return analysis
}

func (a *Analyzer) insights(an Analysis, th Thresholds) []string {
	var out []string

	validPct := 0.0
	if an.TotalPasses > 0 {
		validPct = float64(an.ValidCount) / float64(an.TotalPasses) * 100
	}
	out = append(out, fmt.Sprintf("Of %d optimization passes, %d (%.1f%%) meet minimum requirements.",
		an.TotalPasses, an.ValidCount, validPct))

	if an.Rejected.LowTrades > 0 {
		pct := float64(an.Rejected.LowTrades) / float64(an.TotalPasses) * 100
		out = append(out, fmt.Sprintf("%d passes (%.0f%%) rejected for insufficient trades (< %d).",
			an.Rejected.LowTrades, pct, th.MinTrades))
	}
	if an.Rejected.LowProfitFactor > 0 {
		out = append(out, fmt.Sprintf("%d passes rejected for profit factor below 1.0.",
			an.Rejected.LowProfitFactor))
	}

	if best := an.BestOverall; best != nil {
		out = append(out, fmt.Sprintf("Best overall: %d trades, PF %.2f, profit %.0f, Sharpe %.1f.",
			best.TotalTrades, best.ProfitFactor, best.Profit, best.Sharpe))
	}

	if best := an.BestConsistent; best != nil {
		out = append(out, fmt.Sprintf("Best consistent pass (profitable in both segments): forward %.1f, back %.1f.",
			best.ForwardProfit, best.BackProfit))
	} else if an.ValidCount > 0 {
		out = append(out, "No pass is profitable in both back and forward segments; the parameter surface looks overfit.")
	}

	if an.ValidCount > 0 {
		forwardPositive, backPositive := 0, 0
		for _, p := range an.Valid {
			if p.ForwardProfit > 0 {
				forwardPositive++
			}
			if p.BackProfit > 0 {
				backPositive++
			}
		}
		if forwardPositive > backPositive*2 {
			out = append(out, fmt.Sprintf("Forward segment far outperforms the back segment (%d vs %d positive); possible curve fit to recent data.",
				forwardPositive, backPositive))
		} else if backPositive > forwardPositive*2 {
			out = append(out, fmt.Sprintf("Back segment far outperforms the forward segment (%d vs %d positive); the edge may not carry into newer data.",
				backPositive, forwardPositive))
		}
	}
	return out
}

// ParseSummary is the step-8 gate payload: how many passes clear each
// candidate trade threshold and which threshold was actually used.
type ParseSummary struct {
	TotalPasses      int            `json:"total_passes"`
	ValidPasses      int            `json:"valid_passes"`
	ThresholdUsed    int            `json:"min_trades_threshold_used"`
	ThresholdsTried  []int          `json:"min_trades_thresholds_tried"`
	ValidByThreshold map[string]int `json:"valid_passes_by_threshold"`
	ValidationTrades int            `json:"validation_trades"`
	MinPassTrades    int            `json:"min_pass_trades"`
	MaxPassTrades    int            `json:"max_pass_trades"`
	AllZeroTrades    bool           `json:"all_zero_trades"`
}

// Summarize runs the adaptive-threshold sweep over pass trade counts.
// Some pair/timeframe combinations naturally trade less, so the floor
// relaxes toward 80% of the validation run's count before failing a
// workflow outright. Every pass at zero trades is a real failure.
func (a *Analyzer) Summarize(records []types.PassRecord, validationTrades int) ParseSummary {
	s := ParseSummary{
		TotalPasses:      len(records),
		ThresholdsTried:  adaptiveThresholds(a.scorer.MinTrades(), validationTrades),
		ValidByThreshold: make(map[string]int),
		ValidationTrades: validationTrades,
	}
	if len(records) == 0 {
		return s
	}

	s.MinPassTrades = records[0].TotalTrades
	for _, r := range records {
		if r.TotalTrades > s.MaxPassTrades {
			s.MaxPassTrades = r.TotalTrades
		}
		if r.TotalTrades < s.MinPassTrades {
			s.MinPassTrades = r.TotalTrades
		}
	}
	if s.MaxPassTrades == 0 {
		s.AllZeroTrades = true
		return s
	}

	s.ThresholdUsed = s.ThresholdsTried[len(s.ThresholdsTried)-1]
	for _, t := range s.ThresholdsTried {
		count := 0
		for _, r := range records {
			if r.TotalTrades >= t {
				count++
			}
		}
		s.ValidByThreshold[fmt.Sprintf("%d", t)] = count
		if count > 0 && s.ValidPasses == 0 {
			s.ThresholdUsed = t
			s.ValidPasses = count
		}
	}
	return s
}

// SelectedPass is one pass chosen for the robustness backtests, carrying
// the full parameter columns so step 9 can pin the inputs.
type SelectedPass struct {
	Pass   int            `json:"pass"`
	Params map[string]any `json:"params"`
}

// Selection records how a pass set was chosen.
type Selection struct {
	Source          string         `json:"source"`
	Passes          []SelectedPass `json:"passes"`
	TopN            int            `json:"top_n"`
	CandidateCount  int            `json:"candidate_count"`
	ThresholdUsed   int            `json:"min_trades_threshold_used"`
	ThresholdsTried []int          `json:"min_trades_thresholds_tried"`
	Note            string         `json:"note,omitempty"`
}

// SelectTop deterministically picks the passes for step 9, ranked by
// composite score then profit. The trade floor relaxes through the
// adaptive ladder until any candidate qualifies.
func (a *Analyzer) SelectTop(records []types.PassRecord, validationTrades, topN int) Selection {
	if topN <= 0 {
		topN = DefaultTopN
	}
	thresholds := adaptiveThresholds(a.scorer.MinTrades(), validationTrades)

	type candidate struct {
		score  float64
		profit float64
		pass   int
		params map[string]any
	}
	var candidates []candidate
	used := thresholds[len(thresholds)-1]
	for _, min := range thresholds {
		candidates = candidates[:0]
		for _, r := range records {
			num := r.PassNum()
			if num < 0 || r.TotalTrades < min {
				continue
			}
			candidates = append(candidates, candidate{
				score:  a.scorer.PassScore(gates.ScoreInputFromPass(r)),
				profit: r.Profit,
				pass:   num,
				params: r.Params,
			})
		}
		if len(candidates) > 0 {
			used = min
			break
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].profit > candidates[j].profit
	})

	sel := Selection{
		Source:          "auto_score",
		TopN:            topN,
		CandidateCount:  len(candidates),
		ThresholdUsed:   used,
		ThresholdsTried: thresholds,
		Note:            "top passes by composite score with consistency bonus",
	}
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	for _, c := range candidates {
		sel.Passes = append(sel.Passes, SelectedPass{Pass: c.pass, Params: c.params})
	}

	a.logger.Info("passes auto-selected",
		zap.Int("selected", len(sel.Passes)),
		zap.Int("candidates", sel.CandidateCount),
		zap.Int("min_trades", sel.ThresholdUsed))
	return sel
}

// adaptiveThresholds builds the relaxation ladder for the trade floor:
// the configured minimum scaled down toward 80% of the validation run's
// trades (never below 10), then half of that, then 1.
func adaptiveThresholds(baseMin, validationTrades int) []int {
	if baseMin < 1 {
		baseMin = 1
	}
	adaptive := baseMin
	if validationTrades > 0 {
		scaled := int(math.Round(float64(validationTrades) * 0.8))
		if scaled < 10 {
			scaled = 10
		}
		if scaled < adaptive {
			adaptive = scaled
		}
	}

	ladder := []int{adaptive}
	if adaptive > 10 {
		half := adaptive / 2
		if half < 10 {
			half = 10
		}
		ladder = append(ladder, half)
	}
	ladder = append(ladder, 1)

	out := make([]int, 0, len(ladder))
	seen := make(map[int]bool, len(ladder))
	for _, t := range ladder {
		if t < 1 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// ValidateSelection structurally checks an externally supplied pass
// selection. Problems come back as data so a resume call can reject the
// payload without touching workflow state.
func ValidateSelection(selected []SelectedPass, records []types.PassRecord, maxN int) []string {
	var problems []string
	if len(selected) == 0 {
		return []string{"selection is empty"}
	}
	if maxN > 0 && len(selected) > maxN {
		problems = append(problems, fmt.Sprintf("%d passes selected, limit is %d", len(selected), maxN))
	}

	known := make(map[int]bool, len(records))
	for _, r := range records {
		if num := r.PassNum(); num >= 0 {
			known[num] = true
		}
	}
	seen := make(map[int]bool, len(selected))
	for _, s := range selected {
		if s.Pass < 0 {
			problems = append(problems, fmt.Sprintf("invalid pass number %d", s.Pass))
			continue
		}
		if seen[s.Pass] {
			problems = append(problems, fmt.Sprintf("pass %d selected more than once", s.Pass))
			continue
		}
		seen[s.Pass] = true
		if len(records) > 0 && !known[s.Pass] {
			problems = append(problems, fmt.Sprintf("pass %d not present in optimization results", s.Pass))
		}
	}
	return problems
}

// ParamsFor looks up the parameter columns for a pass number, for
// selections that arrive as bare numbers.
func ParamsFor(records []types.PassRecord, passNum int) (map[string]any, bool) {
	for _, r := range records {
		if r.PassNum() == passNum {
			return r.Params, true
		}
	}
	return nil, false
}

// FormatTable renders the top passes as a fixed-width table for CLI and
// log output.
func FormatTable(passes []ScoredPass, topN int) string {
	if len(passes) == 0 {
		return "No valid passes found."
	}
	if topN > 0 && len(passes) > topN {
		passes = passes[:topN]
	}

	var b strings.Builder
	header := fmt.Sprintf("%-4s %-7s %10s %6s %6s %7s %7s %7s %6s",
		"#", "Trades", "Profit", "PF", "DD%", "Sharpe", "Fwd", "Back", "Score")
	b.WriteString(header)
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("-", len(header)))
	for i, p := range passes {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("%-4d %-7d %10.0f %6.2f %5.1f%% %7.1f %7.1f %7.1f %6.1f",
			i+1, p.TotalTrades, p.Profit, p.ProfitFactor, p.MaxDrawdownPct,
			p.Sharpe, p.ForwardProfit, p.BackProfit, p.Score))
	}
	return b.String()
}

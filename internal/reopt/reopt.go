// Package reopt analyzes a finished optimization sweep for parameter
// refinement. It looks at where the top passes landed inside each swept
// range: toggles that are locked one way, numeric values hugging a
// bound, or values clustered in a narrow band, and turns those patterns
// into concrete range advice for a second, cheaper sweep.
package reopt

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// DefaultTopN is how many top passes feed the clustering when the
// caller does not supply a selection.
const DefaultTopN = 20

const (
	// A toggle counts as locked when at least this share of top passes
	// agree on it.
	freezeOnFraction  = 0.8
	freezeOffFraction = 0.2
	// A bound counts as saturated when half the top values sit on it.
	edgeFraction = 0.5
	// A cluster this much tighter than the swept span is worth
	// narrowing to.
	narrowSpanRatio = 0.5
	// Below this many usable top passes the analysis refuses to
	// recommend another sweep.
	minSample = 5
)

// Action is the per-parameter verdict.
type Action string

const (
	ActionKeep   Action = "keep"
	ActionWiden  Action = "widen"
	ActionNarrow Action = "narrow"
	ActionFreeze Action = "freeze"
)

// ToggleStat summarizes how the top passes set one boolean input.
type ToggleStat struct {
	Name        string  `json:"name"`
	OnFraction  float64 `json:"on_fraction"`
	SampleCount int     `json:"sample_count"`
}

// NumericStat summarizes where the top passes landed inside one swept
// numeric range.
type NumericStat struct {
	Name             string  `json:"name"`
	Median           float64 `json:"median"`
	Q1               float64 `json:"q1"`
	Q3               float64 `json:"q3"`
	IQR              float64 `json:"iqr"`
	Min              float64 `json:"min"`
	Max              float64 `json:"max"`
	LowEdgeFraction  float64 `json:"low_edge_fraction"`
	HighEdgeFraction float64 `json:"high_edge_fraction"`
	SampleCount      int     `json:"sample_count"`
}

// RangeAdvice is the verdict for one parameter. Suggested is nil for
// ActionKeep and otherwise ready to drop into a refined range list.
type RangeAdvice struct {
	Name      string                   `json:"name"`
	Action    Action                   `json:"action"`
	Reason    string                   `json:"reason"`
	Suggested *types.OptimizationRange `json:"suggested,omitempty"`
}

// Recommendation is the overall verdict.
type Recommendation struct {
	ShouldReoptimize bool     `json:"should_reoptimize"`
	Confidence       float64  `json:"confidence"`
	Reasons          []string `json:"reasons,omitempty"`
}

// Analysis is the persisted product of Analyze.
type Analysis struct {
	TotalPasses    int            `json:"total_passes"`
	TopCount       int            `json:"top_count"`
	Toggles        []ToggleStat   `json:"toggle_stats,omitempty"`
	Numerics       []NumericStat  `json:"numeric_stats,omitempty"`
	Advice         []RangeAdvice  `json:"range_advice,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}

// RefinedRanges applies the advice to the original range list, leaving
// parameters without a suggestion untouched.
func (a Analysis) RefinedRanges(original []types.OptimizationRange) []types.OptimizationRange {
	suggested := make(map[string]*types.OptimizationRange, len(a.Advice))
	for i := range a.Advice {
		if a.Advice[i].Suggested != nil {
			suggested[a.Advice[i].Name] = a.Advice[i].Suggested
		}
	}
	refined := make([]types.OptimizationRange, 0, len(original))
	for _, r := range original {
		if s, ok := suggested[r.Name]; ok {
			refined = append(refined, *s)
			continue
		}
		refined = append(refined, r)
	}
	return refined
}

// Analyzer inspects sweep results against their range definitions.
type Analyzer struct {
	logger *zap.Logger
	topN   int
}

// NewAnalyzer builds an analyzer that clusters over the best topN
// passes; topN <= 0 uses DefaultTopN.
func NewAnalyzer(logger *zap.Logger, topN int) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Analyzer{logger: logger.Named("reopt"), topN: topN}
}

// Analyze inspects the sweep. top carries the externally selected pass
// parameter sets when a selection already happened; when empty the
// analyzer ranks all passes by result and takes its own top slice.
func (a *Analyzer) Analyze(all []types.PassRecord, top []map[string]any, ranges []types.OptimizationRange) Analysis {
	topParams := a.topSlice(all, top)
	analysis := Analysis{TotalPasses: len(all), TopCount: len(topParams)}

	optimized := 0
	for _, r := range ranges {
		if !r.Optimize {
			continue
		}
		optimized++

		values := make([]float64, 0, len(topParams))
		for _, params := range topParams {
			if v, ok := types.ParamFloat(params, r.Name); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}

		if isToggleRange(r) {
			stat := toggleStat(r.Name, values)
			analysis.Toggles = append(analysis.Toggles, stat)
			analysis.Advice = append(analysis.Advice, adviseToggle(stat))
			continue
		}

		stat := numericStat(r, values)
		analysis.Numerics = append(analysis.Numerics, stat)
		analysis.Advice = append(analysis.Advice, adviseNumeric(r, stat))
	}

	analysis.Recommendation = recommend(analysis, optimized)

	a.logger.Info("re-optimization analysis complete",
		zap.Int("total_passes", analysis.TotalPasses),
		zap.Int("top_count", analysis.TopCount),
		zap.Bool("should_reoptimize", analysis.Recommendation.ShouldReoptimize),
		zap.Float64("confidence", analysis.Recommendation.Confidence))
	return analysis
}

// topSlice returns the parameter maps the clustering runs over.
func (a *Analyzer) topSlice(all []types.PassRecord, top []map[string]any) []map[string]any {
	if len(top) > 0 {
		if len(top) > a.topN {
			top = top[:a.topN]
		}
		return top
	}

	ranked := make([]types.PassRecord, len(all))
	copy(ranked, all)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Result != ranked[j].Result {
			return ranked[i].Result > ranked[j].Result
		}
		return ranked[i].Profit > ranked[j].Profit
	})

	params := make([]map[string]any, 0, a.topN)
	for _, p := range ranked {
		if p.Params == nil {
			continue
		}
		params = append(params, p.Params)
		if len(params) == a.topN {
			break
		}
	}
	return params
}

// isToggleRange treats named switches and bare 0..1 sweeps as boolean.
func isToggleRange(r types.OptimizationRange) bool {
	return types.IsToggleParam(r.Name) || (r.Start == 0 && r.Stop == 1 && r.Step == 1)
}

func toggleStat(name string, values []float64) ToggleStat {
	on := 0
	for _, v := range values {
		if v >= 0.5 {
			on++
		}
	}
	return ToggleStat{
		Name:        name,
		OnFraction:  float64(on) / float64(len(values)),
		SampleCount: len(values),
	}
}

func adviseToggle(s ToggleStat) RangeAdvice {
	switch {
	case s.OnFraction >= freezeOnFraction:
		return RangeAdvice{
			Name:   s.Name,
			Action: ActionFreeze,
			Reason: fmt.Sprintf("on in %.0f%% of top passes, freeze to enabled", s.OnFraction*100),
			Suggested: &types.OptimizationRange{
				Name: s.Name, Start: 1, Stop: 1, FixedValue: true,
			},
		}
	case s.OnFraction <= freezeOffFraction:
		return RangeAdvice{
			Name:   s.Name,
			Action: ActionFreeze,
			Reason: fmt.Sprintf("on in only %.0f%% of top passes, freeze to disabled", s.OnFraction*100),
			Suggested: &types.OptimizationRange{
				Name: s.Name, Start: 0, Stop: 0, FixedValue: false,
			},
		}
	}
	return RangeAdvice{
		Name:   s.Name,
		Action: ActionKeep,
		Reason: fmt.Sprintf("top passes split %.0f/%.0f, keep sweeping", s.OnFraction*100, (1-s.OnFraction)*100),
	}
}

func numericStat(r types.OptimizationRange, values []float64) NumericStat {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1, med, q3 := quartiles(sorted)
	stat := NumericStat{
		Name:        r.Name,
		Median:      med,
		Q1:          q1,
		Q3:          q3,
		IQR:         q3 - q1,
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		SampleCount: len(sorted),
	}

	if r.Step > 0 {
		low, high := 0, 0
		for _, v := range sorted {
			if math.Abs(v-r.Start) <= r.Step/2 {
				low++
			}
			if math.Abs(v-r.Stop) <= r.Step/2 {
				high++
			}
		}
		stat.LowEdgeFraction = float64(low) / float64(len(sorted))
		stat.HighEdgeFraction = float64(high) / float64(len(sorted))
	}
	return stat
}

func adviseNumeric(r types.OptimizationRange, s NumericStat) RangeAdvice {
	span := r.Stop - r.Start
	if span <= 0 || r.Step <= 0 {
		return RangeAdvice{Name: s.Name, Action: ActionKeep, Reason: "range too degenerate to refine"}
	}

	if s.Min == s.Max {
		v := s.Min
		return RangeAdvice{
			Name:      s.Name,
			Action:    ActionFreeze,
			Reason:    fmt.Sprintf("every top pass chose %s, freeze it", utils.FormatParamValue(v)),
			Suggested: &types.OptimizationRange{Name: s.Name, Start: v, Stop: v, FixedValue: v},
		}
	}

	lowHot := s.LowEdgeFraction >= edgeFraction
	highHot := s.HighEdgeFraction >= edgeFraction
	switch {
	case lowHot && highHot:
		return RangeAdvice{
			Name:   s.Name,
			Action: ActionKeep,
			Reason: "top passes sit on both bounds, surface looks bimodal",
		}
	case lowHot:
		start := snapDown(r.Start-span/2, r.Start, r.Step)
		if r.Start >= 0 && start < 0 {
			start = snapUp(0, r.Start, r.Step)
		}
		if start >= r.Start {
			break
		}
		return RangeAdvice{
			Name:      s.Name,
			Action:    ActionWiden,
			Reason:    fmt.Sprintf("%.0f%% of top passes sit on the lower bound, extend downward", s.LowEdgeFraction*100),
			Suggested: &types.OptimizationRange{Name: s.Name, Optimize: true, Start: start, Step: r.Step, Stop: r.Stop},
		}
	case highHot:
		stop := snapUp(r.Stop+span/2, r.Start, r.Step)
		return RangeAdvice{
			Name:      s.Name,
			Action:    ActionWiden,
			Reason:    fmt.Sprintf("%.0f%% of top passes sit on the upper bound, extend upward", s.HighEdgeFraction*100),
			Suggested: &types.OptimizationRange{Name: s.Name, Optimize: true, Start: r.Start, Step: r.Step, Stop: stop},
		}
	}

	lo := math.Max(s.Q1-s.IQR, r.Start)
	hi := math.Min(s.Q3+s.IQR, r.Stop)
	if hi > lo && (hi-lo) <= narrowSpanRatio*span {
		lo = snapDown(lo, r.Start, r.Step)
		hi = snapUp(hi, r.Start, r.Step)
		if hi > lo {
			return RangeAdvice{
				Name:   s.Name,
				Action: ActionNarrow,
				Reason: fmt.Sprintf("top passes cluster in %s..%s, narrow the sweep", utils.FormatParamValue(lo), utils.FormatParamValue(hi)),
				Suggested: &types.OptimizationRange{
					Name: s.Name, Optimize: true, Start: lo, Step: r.Step, Stop: hi,
				},
			}
		}
	}

	return RangeAdvice{Name: s.Name, Action: ActionKeep, Reason: "values spread across the range"}
}

func recommend(a Analysis, optimized int) Recommendation {
	rec := Recommendation{}
	for _, adv := range a.Advice {
		if adv.Action == ActionKeep {
			continue
		}
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("%s: %s", adv.Name, adv.Reason))
	}

	sample := math.Min(1, float64(a.TopCount)/10.0)
	if len(rec.Reasons) == 0 || optimized == 0 {
		rec.Confidence = utils.Round2(sample)
		return rec
	}

	rec.ShouldReoptimize = a.TopCount >= minSample
	rec.Confidence = utils.Round2(sample * float64(len(rec.Reasons)) / float64(optimized))
	if !rec.ShouldReoptimize {
		rec.Reasons = append(rec.Reasons,
			fmt.Sprintf("only %d usable top passes, too few to justify another sweep", a.TopCount))
	}
	return rec
}

// quartiles uses the split-halves convention on a sorted slice: the
// median is excluded from both halves for odd counts.
func quartiles(sorted []float64) (q1, median, q3 float64) {
	n := len(sorted)
	if n == 0 {
		return 0, 0, 0
	}
	median = utils.Median(sorted)
	if n == 1 {
		return sorted[0], median, sorted[0]
	}
	half := n / 2
	q1 = utils.Median(sorted[:half])
	if n%2 == 0 {
		q3 = utils.Median(sorted[half:])
	} else {
		q3 = utils.Median(sorted[half+1:])
	}
	return q1, median, q3
}

func snapDown(v, anchor, step float64) float64 {
	k := math.Floor((v-anchor)/step + 1e-9)
	return anchor + k*step
}

func snapUp(v, anchor, step float64) float64 {
	k := math.Ceil((v-anchor)/step - 1e-9)
	return anchor + k*step
}

// FormatReport renders the analysis as a plain-text block for logs and
// CLI output.
func FormatReport(a Analysis) string {
	var b strings.Builder
	b.WriteString("Re-optimization analysis\n")
	b.WriteString(fmt.Sprintf("Passes: %d total, clustering over top %d\n", a.TotalPasses, a.TopCount))

	if len(a.Toggles) > 0 {
		b.WriteString("\nToggles:\n")
		for _, s := range a.Toggles {
			b.WriteString(fmt.Sprintf("  %-28s on in %3.0f%% of top passes\n", s.Name, s.OnFraction*100))
		}
	}
	if len(a.Numerics) > 0 {
		b.WriteString("\nNumeric clustering:\n")
		for _, s := range a.Numerics {
			b.WriteString(fmt.Sprintf("  %-28s median %s  IQR %s..%s  seen %s..%s\n",
				s.Name,
				utils.FormatParamValue(s.Median),
				utils.FormatParamValue(s.Q1), utils.FormatParamValue(s.Q3),
				utils.FormatParamValue(s.Min), utils.FormatParamValue(s.Max)))
		}
	}
	if len(a.Advice) > 0 {
		b.WriteString("\nRange advice:\n")
		for _, adv := range a.Advice {
			b.WriteString(fmt.Sprintf("  [%-6s] %s: %s\n", adv.Action, adv.Name, adv.Reason))
		}
	}

	verdict := "no"
	if a.Recommendation.ShouldReoptimize {
		verdict = "yes"
	}
	b.WriteString(fmt.Sprintf("\nRe-optimize: %s (confidence %.2f)\n", verdict, a.Recommendation.Confidence))
	return b.String()
}

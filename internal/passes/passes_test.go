package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/pkg/types"
)

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	return NewAnalyzer(zap.NewNop(), gates.NewEngine(zap.NewNop(), config.Default()))
}

func pass(num, trades int, profit, pf, dd, fwd, back float64) types.PassRecord {
	return types.PassRecord{
		Result:         profit,
		Profit:         profit,
		ProfitFactor:   pf,
		MaxDrawdownPct: dd,
		TotalTrades:    trades,
		Sharpe:         1.2,
		Params: map[string]any{
			types.ParamKeyPass:          num,
			types.ParamKeyForwardResult: fwd,
			types.ParamKeyBackResult:    back,
			"MaPeriod":                  20.0,
		},
	}
}

func TestAnalyzeFilterCounters(t *testing.T) {
	a := newAnalyzer(t)
	records := []types.PassRecord{
		pass(1, 120, 5000, 2.1, 18.5, 800, 900),
		pass(2, 30, 1000, 2.0, 10, 0, 0),  // too few trades
		pass(3, 100, -500, 0.8, 10, 0, 0), // losing
		pass(4, 100, 1000, 1.5, 45, 0, 0), // drawdown over ceiling
		pass(5, 100, 0, 1.0, 10, 0, 0),    // no profit
	}

	an := a.Analyze(records, a.DefaultThresholds())

	assert.Equal(t, 5, an.TotalPasses)
	assert.Equal(t, 1, an.ValidCount)
	assert.Equal(t, 1, an.Rejected.LowTrades)
	assert.Equal(t, 1, an.Rejected.LowProfitFactor)
	assert.Equal(t, 1, an.Rejected.HighDrawdown)
	assert.Equal(t, 1, an.Rejected.NegativeProfit)

	require.NotNil(t, an.BestOverall)
	assert.Equal(t, 1, an.BestOverall.PassNum())
	require.NotEmpty(t, an.Insights)
	assert.Contains(t, an.Insights[0], "Of 5 optimization passes")
}

func TestAnalyzeRanksByScore(t *testing.T) {
	a := newAnalyzer(t)
	records := []types.PassRecord{
		pass(2, 60, 500, 1.2, 25, -100, 50),
		pass(1, 180, 4500, 2.5, 8, 1500, 1600),
	}

	an := a.Analyze(records, Thresholds{})

	require.Len(t, an.Valid, 2)
	assert.Equal(t, 1, an.Valid[0].PassNum(), "strong pass ranks first regardless of input order")
	assert.Greater(t, an.Valid[0].Score, an.Valid[1].Score)
	assert.True(t, an.Valid[0].IsConsistent)
	assert.False(t, an.Valid[1].IsConsistent)
	assert.Equal(t, 1, an.ConsistentCount)
	require.NotNil(t, an.BestConsistent)
	assert.Equal(t, 1, an.BestConsistent.PassNum())
}

func TestAnalyzeCategoryBests(t *testing.T) {
	a := newAnalyzer(t)
	records := []types.PassRecord{
		pass(1, 100, 2000, 1.8, 15, 100, 50),
		pass(2, 100, 2000, 1.8, 15, 200, -10),
		pass(3, 100, 2000, 1.8, 15, 10, 300),
	}

	an := a.Analyze(records, Thresholds{})

	require.NotNil(t, an.BestForward)
	assert.Equal(t, 2, an.BestForward.PassNum())
	require.NotNil(t, an.BestBack)
	assert.Equal(t, 3, an.BestBack.PassNum())
	require.NotNil(t, an.BestConsistent)
	assert.Equal(t, 1, an.BestConsistent.PassNum(), "consistency ranks by the weaker segment")
	assert.Equal(t, 2, an.ConsistentCount)
}

func TestAnalyzeInsightsFlagOverfit(t *testing.T) {
	a := newAnalyzer(t)
	an := a.Analyze([]types.PassRecord{pass(1, 100, 1000, 1.6, 10, -50, 100)}, Thresholds{})

	joined := ""
	for _, s := range an.Insights {
		joined += s + "\n"
	}
	assert.Contains(t, joined, "both back and forward")
	assert.Contains(t, joined, "Back segment far outperforms")
}

func TestSummarizeAdaptiveLadder(t *testing.T) {
	a := newAnalyzer(t)
	records := []types.PassRecord{
		pass(1, 12, 100, 1.5, 10, 0, 0),
		pass(2, 8, 100, 1.5, 10, 0, 0),
		pass(3, 0, 0, 0, 0, 0, 0),
	}

	s := a.Summarize(records, 20)

	assert.Equal(t, []int{16, 10, 1}, s.ThresholdsTried)
	assert.Equal(t, 10, s.ThresholdUsed, "floor relaxes until a pass qualifies")
	assert.Equal(t, 1, s.ValidPasses)
	assert.Equal(t, 0, s.ValidByThreshold["16"])
	assert.Equal(t, 1, s.ValidByThreshold["10"])
	assert.Equal(t, 2, s.ValidByThreshold["1"])
	assert.Equal(t, 12, s.MaxPassTrades)
	assert.Equal(t, 0, s.MinPassTrades)
	assert.False(t, s.AllZeroTrades)
}

func TestSummarizeAllZeroTrades(t *testing.T) {
	a := newAnalyzer(t)
	s := a.Summarize([]types.PassRecord{
		pass(1, 0, 0, 0, 0, 0, 0),
		pass(2, 0, 0, 0, 0, 0, 0),
	}, 120)

	assert.True(t, s.AllZeroTrades)
	assert.Equal(t, 0, s.ValidPasses)
}

func TestAdaptiveThresholds(t *testing.T) {
	assert.Equal(t, []int{50, 25, 1}, adaptiveThresholds(50, 0))
	assert.Equal(t, []int{50, 25, 1}, adaptiveThresholds(50, 500), "high validation counts keep the base floor")
	assert.Equal(t, []int{16, 10, 1}, adaptiveThresholds(50, 20))
	assert.Equal(t, []int{10, 1}, adaptiveThresholds(50, 10))
	assert.Equal(t, []int{10, 1}, adaptiveThresholds(50, 3), "scaled floor never drops below 10")
	assert.Equal(t, []int{1}, adaptiveThresholds(0, 0))
}

func TestSelectTopCapsAndRanks(t *testing.T) {
	a := newAnalyzer(t)
	records := make([]types.PassRecord, 0, 30)
	for i := 0; i < 30; i++ {
		records = append(records, pass(i, 120, 3000-float64(i)*10, 2.0, 12, 500, 600))
	}

	sel := a.SelectTop(records, 120, 20)

	assert.Equal(t, "auto_score", sel.Source)
	assert.Equal(t, 30, sel.CandidateCount)
	require.Len(t, sel.Passes, 20)
	assert.Equal(t, 0, sel.Passes[0].Pass, "highest profit wins the score tie")
	assert.Equal(t, 19, sel.Passes[19].Pass)
	assert.Equal(t, 50, sel.ThresholdUsed)
	assert.Equal(t, 20.0, sel.Passes[0].Params["MaPeriod"])
}

func TestSelectTopRelaxesFloor(t *testing.T) {
	a := newAnalyzer(t)
	records := []types.PassRecord{
		pass(0, 15, 800, 1.8, 10, 100, 100),
		pass(1, 15, 700, 1.7, 10, 100, 100),
	}

	sel := a.SelectTop(records, 0, 20)
	assert.Equal(t, 1, sel.ThresholdUsed, "nothing clears 50 or 25, so the floor drops to 1")
	assert.Len(t, sel.Passes, 2)

	sel = a.SelectTop(records, 20, 20)
	assert.Equal(t, 10, sel.ThresholdUsed, "a thin validation run lowers the starting floor")
	assert.Len(t, sel.Passes, 2)
}

func TestSelectTopSkipsRecordsWithoutPassNumber(t *testing.T) {
	a := newAnalyzer(t)
	anonymous := pass(0, 120, 900, 1.9, 10, 50, 50)
	delete(anonymous.Params, types.ParamKeyPass)
	records := []types.PassRecord{
		anonymous,
		pass(4, 120, 800, 1.8, 10, 50, 50),
	}

	sel := a.SelectTop(records, 0, 20)
	require.Len(t, sel.Passes, 1)
	assert.Equal(t, 4, sel.Passes[0].Pass)
}

func TestValidateSelection(t *testing.T) {
	records := []types.PassRecord{pass(1, 100, 100, 1.5, 10, 0, 0), pass(2, 100, 100, 1.5, 10, 0, 0)}

	assert.Equal(t, []string{"selection is empty"}, ValidateSelection(nil, records, 20))

	problems := ValidateSelection([]SelectedPass{{Pass: 1}, {Pass: 2}, {Pass: 1}}, records, 2)
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0], "limit is 2")
	assert.Contains(t, problems[1], "selected more than once")

	problems = ValidateSelection([]SelectedPass{{Pass: 99}}, records, 20)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "not present in optimization results")

	problems = ValidateSelection([]SelectedPass{{Pass: -3}}, records, 20)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "invalid pass number")

	assert.Empty(t, ValidateSelection([]SelectedPass{{Pass: 1}, {Pass: 2}}, records, 20))
}

func TestParamsFor(t *testing.T) {
	records := []types.PassRecord{pass(7, 100, 100, 1.5, 10, 0, 0)}

	params, ok := ParamsFor(records, 7)
	require.True(t, ok)
	assert.Equal(t, 20.0, params["MaPeriod"])

	_, ok = ParamsFor(records, 8)
	assert.False(t, ok)
}

func TestFormatTable(t *testing.T) {
	assert.Equal(t, "No valid passes found.", FormatTable(nil, 20))

	a := newAnalyzer(t)
	an := a.Analyze([]types.PassRecord{pass(1, 120, 5000, 2.1, 18.5, 800, 900)}, Thresholds{})
	table := FormatTable(an.Valid, 20)
	assert.Contains(t, table, "Trades")
	assert.Contains(t, table, "Score")
	assert.Contains(t, table, "5000")
}

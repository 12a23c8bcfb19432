package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRangeOrdersBounds(t *testing.T) {
	r, err := NewRange("Lots", 2.0, 0.5, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.Start)
	assert.Equal(t, 2.0, r.Stop)
	assert.True(t, r.Optimize)
	assert.NoError(t, r.Validate())
}

func TestNewRangeRejectsBadStep(t *testing.T) {
	_, err := NewRange("Period", 5, 50, 0)
	assert.Error(t, err)
	_, err = NewRange("Period", 5, 50, -1)
	assert.Error(t, err)
}

func TestRangeValidateFixedValue(t *testing.T) {
	r := OptimizationRange{Name: "TakeProfit", Start: 20, Stop: 80, Optimize: false}
	assert.Error(t, r.Validate(), "ambiguous bounds need a fixed value")

	r.FixedValue = 50.0
	assert.NoError(t, r.Validate())
	assert.Equal(t, "50", r.Fixed())

	b := OptimizationRange{Name: "Use_Trailing", Optimize: false, FixedValue: true}
	assert.NoError(t, b.Validate())
	assert.Equal(t, "true", b.Fixed())
}

func TestOperatorCompare(t *testing.T) {
	cases := []struct {
		op        Operator
		v, thresh float64
		want      bool
	}{
		{OpGTE, 1.5, 1.5, true},
		{OpGTE, 1.4, 1.5, false},
		{OpLTE, 30, 30, true},
		{OpLTE, 30.1, 30, false},
		{OpGT, 0.1, 0, true},
		{OpLT, -5, 0, true},
		{OpEQ, 0, 0, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.op.Compare(c.v, c.thresh), "%v %s %v", c.v, c.op, c.thresh)
	}
}

func TestNewGateResultMessage(t *testing.T) {
	g := NewGateResult("profit_factor", 1.82, 1.5, OpGTE)
	assert.True(t, g.Passed)
	assert.Equal(t, "PASS: profit_factor = 1.82 (>= 1.50)", g.Message)

	g = NewGateResult("minimum_trades", 20, 50, OpGTE)
	assert.False(t, g.Passed)
	assert.Equal(t, "FAIL: minimum_trades = 20 (>= 50)", g.Message)
}

func TestMetricsMapRoundTrip(t *testing.T) {
	m := TradeMetrics{
		Profit:         5000,
		ProfitFactor:   2.1,
		MaxDrawdownPct: 18.5,
		TotalTrades:    120,
		WinRate:        58.3,
		Sharpe:         1.4,
		Sortino:        2.2,
		ExpectedPayoff: 41.7,
		RecoveryFactor: 3.3,
		GrossProfit:    9100,
		GrossLoss:      -4100,
	}
	assert.Equal(t, m, MetricsFromMap(m.ToMap()))
}

func TestPassRecordAccessors(t *testing.T) {
	p := PassRecord{
		Result: 812.5,
		Profit: 1500,
		Params: map[string]any{
			ParamKeyPass:          float64(17),
			ParamKeyForwardResult: 420.0,
			ParamKeyBackResult:    812.5,
			"TakeProfit":          60.0,
		},
	}
	assert.Equal(t, 17, p.PassNum())
	fwd, ok := p.ForwardResult()
	require.True(t, ok)
	assert.Equal(t, 420.0, fwd)
	assert.True(t, p.Consistent())

	p.Params[ParamKeyForwardResult] = -10.0
	assert.False(t, p.Consistent())

	empty := PassRecord{}
	assert.Equal(t, -1, empty.PassNum())
	_, ok = empty.ForwardResult()
	assert.False(t, ok)
}

func TestStepMapPreservesOrder(t *testing.T) {
	m := NewStepMap()
	m.Set(StepLoadEA, StageOK(map[string]any{"path": "ea.mq5"}))
	m.Set(StepCompile, StageOK(nil))
	m.Set(StepExtractParams, StageFail("no inputs found"))

	assert.Equal(t, []string{StepLoadEA, StepCompile, StepExtractParams}, m.Names())

	// Overwriting keeps the original position.
	m.Set(StepCompile, StageFail("compiler missing"))
	assert.Equal(t, []string{StepLoadEA, StepCompile, StepExtractParams}, m.Names())

	m.Delete(StepCompile)
	assert.Equal(t, []string{StepLoadEA, StepExtractParams}, m.Names())
	assert.Equal(t, 2, m.Len())
}

func TestStepMapJSONRoundTrip(t *testing.T) {
	m := NewStepMap()
	m.Set(StepLoadEA, StageOK(map[string]any{"ea_name": "sample"}))
	m.Set(StepCompile, StageResult{Success: true, Data: map[string]any{"binary_path": "sample.ex5"}})
	m.Set(StepValidateTrades, StageFail("only 20 trades"))

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var back StepMap
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, m.Names(), back.Names())

	r, ok := back.Get(StepCompile)
	require.True(t, ok)
	assert.Equal(t, "sample.ex5", r.Data["binary_path"])

	// Key order in the serialized form is execution order.
	assert.Regexp(t, `^\{"1_load_ea":.*"2_compile":.*"5_validate_trades":`, string(raw))
}

func TestStageResultWithGate(t *testing.T) {
	ok := StageOK(map[string]any{"passes": float64(500)}).
		WithGate(NewGateResult("optimization_passes", 500, 1, OpGTE))
	assert.True(t, ok.Success)
	assert.Empty(t, ok.Errors)

	bad := StageOK(nil).WithGate(NewGateResult("minimum_trades", 20, 50, OpGTE))
	assert.False(t, bad.Success)
	require.Len(t, bad.Errors, 1)
	assert.Contains(t, bad.Errors[0], "FAIL: minimum_trades")
}

func TestWorkflowStateJSONRoundTrip(t *testing.T) {
	w := NewWorkflowState("sample_20250101_120000", "sample", "/eas/sample.mq5", "EURUSD", TimeframeH1)
	w.TerminalID = "default"
	w.Status = StatusInProgress
	w.CurrentStep = StepCompile
	w.Steps.Set(StepLoadEA, StageOK(map[string]any{"ea_name": "sample"}))
	w.Steps.Set(StepCompile, StageOK(map[string]any{"binary_path": "sample.ex5"}))
	w.MergeMetrics(map[string]float64{"profit": 1500, "total_trades": 120})
	w.RecordGate(NewGateResult("compilation", 0, 0, OpEQ))
	w.FixAttempts = 1

	raw, err := json.Marshal(w)
	require.NoError(t, err)

	var back WorkflowState
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, *w, back)
}

func TestRoundTripLaws(t *testing.T) {
	check := func(name string, v, target any) {
		t.Helper()
		raw, err := json.Marshal(v)
		require.NoError(t, err, name)
		require.NoError(t, json.Unmarshal(raw, target), name)
	}

	g := NewGateResult("max_drawdown", 18.5, 30, OpLTE)
	var g2 GateResult
	check("gate", g, &g2)
	assert.Equal(t, g, g2)

	p := Parameter{Name: "TakeProfit", DeclaredType: "double", Type: ParamTypeDouble, Default: "50", Line: 12, Optimizable: true}
	var p2 Parameter
	check("parameter", p, &p2)
	assert.Equal(t, p, p2)

	r := OptimizationRange{Name: "Period", Start: 5, Stop: 50, Step: 5, Optimize: true, Category: "indicator"}
	var r2 OptimizationRange
	check("range", r, &r2)
	assert.Equal(t, r, r2)

	m := TradeMetrics{Profit: 1000, ProfitFactor: 1.8, TotalTrades: 75}
	var m2 TradeMetrics
	check("metrics", m, &m2)
	assert.Equal(t, m, m2)

	mc := MonteCarloResult{
		Iterations:         1000,
		ConfidencePct:      91.2,
		RuinProbabilityPct: 1.1,
		MedianProfit:       980,
		Percentiles:        map[string]float64{"p5": -120, "p50": 980, "p95": 2100},
	}
	var mc2 MonteCarloResult
	check("montecarlo", mc, &mc2)
	assert.Equal(t, mc, mc2)

	s := StageOK(map[string]any{"trades": float64(120)}).
		WithGate(NewGateResult("minimum_trades", 120, 50, OpGTE))
	var s2 StageResult
	check("stage", s, &s2)
	assert.Equal(t, s, s2)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusAwaitingParams.IsAwaiting())
	assert.True(t, StatusAwaitingStats.IsAwaiting())
	assert.True(t, StatusAwaitingEAFix.IsAwaiting())
	assert.False(t, StatusCompleted.IsAwaiting())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}

func TestStepIndexKnowsDeclaredOrder(t *testing.T) {
	assert.Equal(t, 0, StepIndex(StepLoadEA))
	assert.Greater(t, StepIndex(StepMonteCarlo), StepIndex(StepBacktestTop))
	assert.Equal(t, -1, StepIndex("99_bogus"))
	assert.False(t, KnownStep("99_bogus"))
}

func TestIsToggleParam(t *testing.T) {
	assert.True(t, IsToggleParam("Use_Trailing"))
	assert.True(t, IsToggleParam("Enable_News_Filter"))
	assert.True(t, IsToggleParam("Has_Grid"))
	assert.False(t, IsToggleParam("MaPeriod"))
	assert.False(t, IsToggleParam("UserLots"), "prefix must match through the underscore")
}

func TestDataCodec(t *testing.T) {
	type compilePayload struct {
		BinaryPath string   `json:"binary_path"`
		Warnings   []string `json:"warnings,omitempty"`
	}
	in := compilePayload{BinaryPath: "sample.ex5", Warnings: []string{"deprecated call"}}
	m, err := EncodeData(in)
	require.NoError(t, err)
	assert.Equal(t, "sample.ex5", m["binary_path"])

	out, err := DecodeData[compilePayload](m)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	return s
}

func sampleWorkflow(id string) *types.WorkflowState {
	w := types.NewWorkflowState(id, "MyEA", "experts/MyEA.mq5", "EURUSD", types.TimeframeH1)
	w.Steps.Set(types.StepLoadEA, types.StageOK(map[string]any{"ea_path": w.EAPath}))
	w.Steps.Set(types.StepCompile, types.StageOK(map[string]any{"binary": "experts/MyEA.ex5"}))
	w.RecordGate(types.NewGateResult("compilation", 0, 0, types.OpEQ))
	w.MergeMetrics(map[string]float64{"profit_factor": 2.1, "composite_score": 8.2})
	return w
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	w := sampleWorkflow("MyEA_20260825_120000")
	w.Status = types.StatusInProgress
	w.CurrentStep = types.StepCompile

	require.NoError(t, s.Save(w))

	got, err := s.Load("MyEA_20260825_120000")
	require.NoError(t, err)
	assert.Equal(t, w.WorkflowID, got.WorkflowID)
	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Equal(t, types.StepCompile, got.CurrentStep)
	assert.Equal(t, 2.1, got.Metrics["profit_factor"])
	assert.Equal(t, []string{types.StepLoadEA, types.StepCompile}, got.Steps.Names(),
		"step order survives the round trip")

	r, ok := got.StepResult(types.StepCompile)
	require.True(t, ok)
	assert.True(t, r.Success)
	assert.Equal(t, "experts/MyEA.ex5", r.Data["binary"])
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(sampleWorkflow("wf_a")))
	require.NoError(t, s.Save(sampleWorkflow("wf_a")), "overwrite goes through rename too")

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.Save(&types.WorkflowState{}))
	assert.Error(t, s.Save(nil))
}

func TestLoadMissingWorkflow(t *testing.T) {
	s := newStore(t)
	_, err := s.Load("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow not found: nope")
}

func TestListSkipsUnreadableFiles(t *testing.T) {
	s := newStore(t)

	older := sampleWorkflow("Alpha_20260101_000000")
	older.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(older))

	newer := sampleWorkflow("Beta_20260201_000000")
	newer.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newer.Status = types.StatusCompleted
	require.NoError(t, s.Save(newer))

	garbage := filepath.Join(s.Root(), "workflow_broken.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0o644))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Beta_20260201_000000", list[0].WorkflowID, "newest first")
	assert.Equal(t, types.StatusCompleted, list[0].Status)
	assert.Equal(t, 2, list[0].StepsPassed)
	assert.Equal(t, 0, list[0].StepsFailed)
	assert.True(t, list[0].GatesPassed)
	assert.Equal(t, 8.2, list[0].Score)
}

func TestSummarizeCountsFailures(t *testing.T) {
	w := sampleWorkflow("wf")
	w.Steps.Set(types.StepValidateTrades, types.StageFail("Only 20 trades (need 50+)"))
	w.RecordGate(types.NewGateResult("minimum_trades", 20, 50, types.OpGTE))

	sum := Summarize(w, "runs/workflow_wf.json")
	assert.Equal(t, 2, sum.StepsPassed)
	assert.Equal(t, 1, sum.StepsFailed)
	assert.False(t, sum.GatesPassed)
}

func TestSideCarRoundTrip(t *testing.T) {
	s := newStore(t)
	payload := types.OptimizationResult{
		Success:     true,
		PassesCount: 2,
		Results: []types.PassRecord{
			{Profit: 900, TotalTrades: 110, Params: map[string]any{types.ParamKeyPass: 0}},
			{Profit: 700, TotalTrades: 95, Params: map[string]any{types.ParamKeyPass: 1}},
		},
	}

	path, err := s.SaveResults("wf_a", ResultsOptimization, payload)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "wf_a", "optimization.json"), path)
	assert.True(t, s.HasResults("wf_a", ResultsOptimization))
	assert.False(t, s.HasResults("wf_a", ResultsBacktests))

	var got types.OptimizationResult
	require.NoError(t, s.LoadResults("wf_a", ResultsOptimization, &got))
	assert.Equal(t, 2, got.PassesCount)
	require.Len(t, got.Results, 2)
	assert.Equal(t, 900.0, got.Results[0].Profit)
	assert.Equal(t, 0, got.Results[0].PassNum())

	var missing types.OptimizationResult
	assert.Error(t, s.LoadResults("wf_a", ResultsBacktests, &missing))
}

func TestFilesSortedNewestFirst(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(sampleWorkflow("EA_20260101_000000")))
	require.NoError(t, s.Save(sampleWorkflow("EA_20260301_000000")))
	require.NoError(t, s.Save(sampleWorkflow("EA_20260201_000000")))

	files, err := s.Files()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Contains(t, files[0], "EA_20260301_000000")
	assert.Contains(t, files[2], "EA_20260101_000000")
}

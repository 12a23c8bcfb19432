package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/stages"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

// RunStressOnly executes the stress scenario stage on a finished
// workflow, preserving its terminal status.
func (r *Runner) RunStressOnly(ctx context.Context, w *types.WorkflowState) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runSingle(ctx, w, types.StepStressScenarios)
}

// RunWindowsOnly executes the forward window stage alone.
func (r *Runner) RunWindowsOnly(ctx context.Context, w *types.WorkflowState) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runSingle(ctx, w, types.StepForwardWindows)
}

// RunMultiPairOnly executes the multi-pair stage alone, spawning the
// child workflows inline.
func (r *Runner) RunMultiPairOnly(ctx context.Context, w *types.WorkflowState) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runSingle(ctx, w, types.StepMultiPair)
}

// runSingle re-enters one post stage. The previous status is restored
// on success so a completed workflow stays completed; a genuine stage
// failure marks the workflow failed.
func (r *Runner) runSingle(ctx context.Context, w *types.WorkflowState, name string) (store.Summary, error) {
	previous := w.Status
	r.transition(w, types.StatusInProgress, name+" started")
	if err := r.store.Save(w); err != nil {
		return r.summary(w), err
	}

	sc := r.stageContext(w)
	res, err := r.runStage(ctx, sc, name)
	if err != nil {
		return r.abort(w, name, err)
	}
	if !res.Success {
		sum, serr := r.complete(w, false)
		r.refreshReports(w)
		return sum, serr
	}
	if name == types.StepMultiPair {
		r.spawnMultiPair(ctx, sc, res)
	}

	r.transition(w, previous, name+" finished")
	err = r.store.Save(w)
	r.refreshReports(w)
	return r.summary(w), err
}

// spawnMultiPair runs the pipeline on each symbol published by the
// multi-pair stage, reusing the parent's analyzed parameters. Children
// select passes automatically, never recurse into more children, and
// their failures land on the parent's run rows instead of failing it.
func (r *Runner) spawnMultiPair(ctx context.Context, sc *stages.Context, res types.StageResult) {
	w := sc.State
	if dataBool(res.Data, stages.KeySkipped) {
		return
	}
	var symbols []string
	if err := decode(res.Data[stages.KeySymbols], &symbols); err != nil || len(symbols) == 0 {
		return
	}
	var parent struct {
		Wide   map[string]any            `json:"wide_validation_params"`
		Ranges []types.OptimizationRange `json:"optimization_ranges"`
	}
	if err := decode(res.Data[stages.KeyParentParams], &parent); err != nil {
		r.logger.Warn("multi-pair parameters unreadable",
			zap.String("workflow_id", w.WorkflowID), zap.Error(err))
		return
	}

	childCfg := *r.cfg
	childCfg.MultiPair.Enabled = false
	childCfg.Pipeline.AutoSelectPasses = true
	child := *r
	child.cfg = &childCfg

	runs := make([]types.MultiPairRun, 0, len(symbols))
	for _, symbol := range symbols {
		runs = append(runs, child.runChild(ctx, w, symbol, parent.Wide, parent.Ranges))
	}
	w.MultiPairRuns = runs
	if rec, ok := w.StepResult(types.StepMultiPair); ok {
		if rec.Data == nil {
			rec.Data = make(map[string]any)
		}
		rec.Data[stages.KeyRuns] = runs
		w.Steps.Set(types.StepMultiPair, rec)
	}
}

// runChild executes one symbol end to end under the child
// configuration. The lock is already held by the parent run.
func (r *Runner) runChild(ctx context.Context, parent *types.WorkflowState, symbol string, wide map[string]any, ranges []types.OptimizationRange) types.MultiPairRun {
	row := types.MultiPairRun{Symbol: symbol}
	log := r.logger.With(
		zap.String("parent_workflow_id", parent.WorkflowID),
		zap.String("symbol", symbol))
	log.Info("multi-pair child starting")

	child, err := r.NewWorkflow(parent.EAPath, symbol, parent.Timeframe)
	if err != nil {
		row.Error = err.Error()
		return row
	}
	child.PreviousWorkflowID = parent.WorkflowID
	row.WorkflowID = child.WorkflowID

	if _, err := r.run(ctx, child, false); err != nil {
		row.Status = child.Status
		row.Error = err.Error()
		return row
	}
	wideCopy := make(map[string]any, len(wide))
	for k, v := range wide {
		wideCopy[k] = v
	}
	rangesCopy := append([]types.OptimizationRange(nil), ranges...)
	if _, err := r.resumeWithParams(ctx, child, wideCopy, rangesCopy); err != nil {
		row.Status = child.Status
		row.Error = err.Error()
		return row
	}

	row.Status = child.Status
	row.Score = child.Metrics["composite_score"]
	log.Info("multi-pair child finished",
		zap.String("workflow_id", child.WorkflowID),
		zap.String("status", string(child.Status)),
		zap.Float64("score", row.Score))
	return row
}

// BatchItem is one EA in a batch run.
type BatchItem struct {
	EAPath    string          `json:"ea_path"`
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
}

// BatchResult pairs a batch item with its outcome.
type BatchResult struct {
	Item       BatchItem    `json:"item"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	Status     types.Status `json:"status,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// RunBatch drives a list of EAs through phase one sequentially. Each
// workflow then waits for parameter analysis; the batch never blocks on
// external input.
func (r *Runner) RunBatch(ctx context.Context, items []BatchItem) []BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]BatchResult, 0, len(items))
	for _, item := range items {
		res := BatchResult{Item: item}
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			results = append(results, res)
			continue
		}
		w, err := r.NewWorkflow(item.EAPath, item.Symbol, item.Timeframe)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.WorkflowID = w.WorkflowID
		if _, err := r.run(ctx, w, false); err != nil {
			res.Error = err.Error()
		}
		res.Status = w.Status
		results = append(results, res)
	}
	r.logger.Info("batch finished", zap.Int("items", len(items)))
	return results
}

package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/passes"
	"github.com/eaforge/stress-backend/internal/reopt"
	"github.com/eaforge/stress-backend/internal/stages"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

// Checkpoint keys recorded on the workflow by the refinement loop.
const (
	checkpointAnalysisDone = "reopt_analysis_completed"
	checkpointDecisionMade = "reopt_decision_made"
)

// ReoptStatus reports where a workflow stands in the refinement loop.
type ReoptStatus struct {
	Count             int                         `json:"re_optimization_count"`
	MaxIterations     int                         `json:"max_iterations"`
	AnalysisCompleted bool                        `json:"analysis_completed"`
	DecisionMade      bool                        `json:"decision_made"`
	PreviousRanges    [][]types.OptimizationRange `json:"previous_ranges,omitempty"`
	Analysis          map[string]any              `json:"analysis,omitempty"`
}

// RunReoptAnalysis analyzes the finished sweep for range refinement and
// records the checkpoint required before passes are selected.
func (r *Runner) RunReoptAnalysis(w *types.WorkflowState) (reopt.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reoptAnalysis(w)
}

func (r *Runner) reoptAnalysis(w *types.WorkflowState) (reopt.Analysis, error) {
	if !w.StepPassed(types.StepParseResults) {
		return reopt.Analysis{}, fmt.Errorf("parsed optimization results are required before re-optimization analysis")
	}
	records := r.loadPassRecords(w)
	if len(records) == 0 {
		return reopt.Analysis{}, fmt.Errorf("no optimization records stored for workflow %s", w.WorkflowID)
	}

	// A prior selection focuses the clustering; without one the
	// analyzer ranks the sweep itself.
	var top []map[string]any
	if res, ok := w.StepResult(types.StepSelectPasses); ok && res.Success {
		var sel []passes.SelectedPass
		if err := decode(res.Data[stages.KeySelectedPasses], &sel); err == nil {
			for _, p := range sel {
				top = append(top, p.Params)
			}
		}
	}

	analysis := reopt.NewAnalyzer(r.logger, r.cfg.Reopt.TopN).Analyze(records, top, storedRanges(w))

	var asMap map[string]any
	if err := decode(analysis, &asMap); err != nil {
		return analysis, fmt.Errorf("encode analysis: %w", err)
	}
	w.Analysis = asMap
	r.checkpoint(w, checkpointAnalysisDone, true)
	if err := r.store.Save(w); err != nil {
		return analysis, err
	}
	r.logger.Info("re-optimization analysis recorded",
		zap.String("workflow_id", w.WorkflowID),
		zap.Int("total_passes", analysis.TotalPasses),
		zap.Bool("should_reoptimize", analysis.Recommendation.ShouldReoptimize),
		zap.Float64("confidence", analysis.Recommendation.Confidence))
	return analysis, nil
}

// ResumeWithRefinedRanges re-runs the sweep with refined ranges,
// replaying steps 6 through 8. The loop is bounded and every iteration
// must be preceded by a fresh analysis; the workflow then pauses again
// for statistics analysis even when automatic selection is enabled.
func (r *Runner) ResumeWithRefinedRanges(ctx context.Context, w *types.WorkflowState, refined []types.OptimizationRange, notes string) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxIterations := r.cfg.Reopt.MaxIterations
	if w.ReoptCount >= maxIterations {
		return r.summary(w), fmt.Errorf("maximum re-optimization iterations (%d) reached", maxIterations)
	}
	if !w.Checkpoints[checkpointAnalysisDone] {
		return r.summary(w), fmt.Errorf("run the re-optimization analysis before refining ranges")
	}
	if !w.StepPassed(types.StepParseResults) {
		return r.summary(w), fmt.Errorf("parsed optimization results are required before re-optimization")
	}
	if len(refined) == 0 {
		return r.summary(w), fmt.Errorf("refined ranges are empty")
	}

	if prev := storedRanges(w); len(prev) > 0 {
		w.PreviousRanges = append(w.PreviousRanges, prev)
	}
	w.ReoptCount++
	r.checkpoint(w, checkpointAnalysisDone, false)
	r.checkpoint(w, checkpointDecisionMade, true)

	// Swap the recorded ranges in place; the wide set is unchanged.
	if res, ok := w.StepResult(types.StepAnalyzeParams); ok {
		if res.Data == nil {
			res.Data = make(map[string]any)
		}
		res.Data[stages.KeyRanges] = refined
		res.Data["optimization_param_count"] = len(refined)
		if notes != "" {
			res.Data["refinement_notes"] = notes
		}
		w.Steps.Set(types.StepAnalyzeParams, res)
	}

	r.transition(w, types.StatusInProgress, fmt.Sprintf("re-optimization %d/%d", w.ReoptCount, maxIterations))
	if err := r.store.Save(w); err != nil {
		return r.summary(w), err
	}
	r.logger.Info("re-optimization started",
		zap.String("workflow_id", w.WorkflowID),
		zap.Int("iteration", w.ReoptCount),
		zap.Int("max_iterations", maxIterations),
		zap.String("notes", notes))

	sc := r.stageContext(w)
	allPassed := true
	for _, name := range phase3aSteps {
		res, err := r.runStage(ctx, sc, name)
		if err != nil {
			return r.abort(w, name, err)
		}
		if !res.Success {
			allPassed = false
			if r.cfg.Pipeline.StopOnFailure {
				break
			}
		}
	}
	if !allPassed {
		return r.complete(w, false)
	}
	return r.pauseExternal(w, types.StepSelectPasses)
}

// ReoptStatusFor summarizes the refinement loop for a workflow.
func (r *Runner) ReoptStatusFor(w *types.WorkflowState) ReoptStatus {
	return ReoptStatus{
		Count:             w.ReoptCount,
		MaxIterations:     r.cfg.Reopt.MaxIterations,
		AnalysisCompleted: w.Checkpoints[checkpointAnalysisDone],
		DecisionMade:      w.Checkpoints[checkpointDecisionMade],
		PreviousRanges:    w.PreviousRanges,
		Analysis:          w.Analysis,
	}
}

func (r *Runner) checkpoint(w *types.WorkflowState, key string, v bool) {
	if w.Checkpoints == nil {
		w.Checkpoints = make(map[string]bool)
	}
	w.Checkpoints[key] = v
}

// storedRanges returns the ranges recorded by the parameter analysis
// step.
func storedRanges(w *types.WorkflowState) []types.OptimizationRange {
	res, ok := w.StepResult(types.StepAnalyzeParams)
	if !ok || !res.Success {
		return nil
	}
	var ranges []types.OptimizationRange
	if err := decode(res.Data[stages.KeyRanges], &ranges); err != nil {
		return nil
	}
	return ranges
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/events"
	"github.com/eaforge/stress-backend/internal/params"
	"github.com/eaforge/stress-backend/internal/passes"
	"github.com/eaforge/stress-backend/internal/stages"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

// toggleName matches boolean feature switches whose wide value is
// carried into the sweep as a pinned input.
var toggleName = regexp.MustCompile(`^(Use|Enable)_[A-Za-z0-9_]+$`)

// ResumeWithParams records externally analyzed parameters and continues
// the pipeline through validation and optimization. Submitting again
// after the parameters were recorded is a no-op returning the current
// summary, so a retried delivery cannot corrupt a running workflow.
func (r *Runner) ResumeWithParams(ctx context.Context, w *types.WorkflowState, wide map[string]any, ranges []types.OptimizationRange) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeWithParams(ctx, w, wide, ranges)
}

func (r *Runner) resumeWithParams(ctx context.Context, w *types.WorkflowState, wide map[string]any, ranges []types.OptimizationRange) (store.Summary, error) {
	if w.StepPassed(types.StepAnalyzeParams) {
		r.logger.Info("parameters already recorded, submission ignored",
			zap.String("workflow_id", w.WorkflowID),
			zap.String("status", string(w.Status)))
		return r.summary(w), nil
	}
	for _, name := range phase1Steps {
		res, ok := w.StepResult(name)
		if !ok {
			return r.summary(w), fmt.Errorf("prerequisite step %s has not run", name)
		}
		if !res.Success {
			return r.summary(w), fmt.Errorf("prerequisite step %s did not pass", name)
		}
	}

	known := extractedParams(w)
	if issues := validateSubmission(wide, ranges, known); len(issues) > 0 {
		return r.summary(w), fmt.Errorf("parameter submission rejected: %s", strings.Join(issues, "; "))
	}
	wide, ranges = applyInjectedDefaults(wide, ranges, known)

	r.transition(w, types.StatusInProgress, "parameters received")
	r.recordExternal(w, types.StepAnalyzeParams, map[string]any{
		"source":                   "external_analysis",
		stages.KeyWideParams:       wide,
		"wide_param_count":         len(wide),
		stages.KeyRanges:           ranges,
		"optimization_param_count": len(ranges),
	})
	if err := r.store.Save(w); err != nil {
		return r.summary(w), err
	}

	sc := r.stageContext(w)
	if sum, done, err := r.runPhase2(ctx, sc); done {
		return sum, err
	}
	return r.runPhase3(ctx, sc)
}

// ResumeWithPasses records the externally selected passes and runs the
// verification phase. The refinement analysis must have run first
// unless the caller explicitly skips the checkpoint.
func (r *Runner) ResumeWithPasses(ctx context.Context, w *types.WorkflowState, selected []passes.SelectedPass, analysis map[string]any, skipReoptCheck bool) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeWithPasses(ctx, w, selected, analysis, skipReoptCheck)
}

func (r *Runner) resumeWithPasses(ctx context.Context, w *types.WorkflowState, selected []passes.SelectedPass, analysis map[string]any, skipReoptCheck bool) (store.Summary, error) {
	if !w.StepPassed(types.StepParseResults) {
		return r.summary(w), fmt.Errorf("prerequisite step %s did not pass", types.StepParseResults)
	}
	if !skipReoptCheck && !w.Checkpoints[checkpointAnalysisDone] {
		return r.summary(w), fmt.Errorf("run the re-optimization analysis before selecting passes")
	}

	limit := r.cfg.Optimization.TopBacktest
	if limit <= 0 {
		limit = 20
	}
	if len(selected) > limit {
		r.logger.Warn("selection truncated",
			zap.String("workflow_id", w.WorkflowID),
			zap.Int("selected", len(selected)),
			zap.Int("limit", limit))
		selected = selected[:limit]
	}
	if issues := passes.ValidateSelection(selected, r.loadPassRecords(w), limit); len(issues) > 0 {
		return r.summary(w), fmt.Errorf("pass selection rejected: %s", strings.Join(issues, "; "))
	}

	source := "external_analysis"
	if s, ok := analysis["source"].(string); ok && s != "" {
		source = s
	}
	data := map[string]any{
		"source":                 source,
		stages.KeySelectedPasses: selected,
		"selected_count":         len(selected),
	}
	if analysis != nil {
		data["analysis"] = analysis
	}
	r.transition(w, types.StatusInProgress, "passes selected")
	r.recordExternal(w, types.StepSelectPasses, data)
	if err := r.store.Save(w); err != nil {
		return r.summary(w), err
	}
	return r.runPhase3b(ctx, r.stageContext(w))
}

// RestartAfterFix re-enters the pipeline at step 1 after the EA source
// was repaired. Fix counters survive; recorded step results do not,
// since the binary and its parameters may all change with the source.
func (r *Runner) RestartAfterFix(ctx context.Context, w *types.WorkflowState) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.Status != types.StatusAwaitingEAFix {
		return r.summary(w), fmt.Errorf("workflow %s is not awaiting an EA fix (status %q)", w.WorkflowID, w.Status)
	}
	r.logger.Info("restarting after EA fix",
		zap.String("workflow_id", w.WorkflowID),
		zap.Int("attempt", w.FixAttempts),
		zap.Int("max_attempts", w.MaxFixAttempts))
	w.Steps.Clear()
	w.Gates = make(map[string]types.GateResult)
	w.Metrics = make(map[string]float64)
	w.Errors = nil
	w.CurrentStep = ""
	r.transition(w, types.StatusInProgress, "restarted after EA fix")
	if err := r.store.Save(w); err != nil {
		return r.summary(w), err
	}
	return r.runPhase1(ctx, r.stageContext(w))
}

// recordExternal stores the payload of a step satisfied from outside
// the process, with the same bookkeeping as an executed stage.
func (r *Runner) recordExternal(w *types.WorkflowState, name string, data map[string]any) {
	w.CurrentStep = name
	w.Steps.Set(name, types.StageOK(data))
	stepsTotal.WithLabelValues(name, "passed").Inc()
	r.publish(events.NewStageEvent(w.WorkflowID, name, true, 0, ""))
	r.logger.Info("step recorded",
		zap.String("workflow_id", w.WorkflowID),
		zap.String("step", name))
}

// extractedParams rebuilds the input list recorded by the extraction
// step, keyed by name.
func extractedParams(w *types.WorkflowState) map[string]types.Parameter {
	res, ok := w.StepResult(types.StepExtractParams)
	if !ok || !res.Success {
		return nil
	}
	var list []types.Parameter
	if err := decode(res.Data["params"], &list); err != nil {
		return nil
	}
	out := make(map[string]types.Parameter, len(list))
	for _, p := range list {
		out[p.Name] = p
	}
	return out
}

// validateSubmission checks an externally supplied parameter set
// against the extracted inputs before anything is recorded.
func validateSubmission(wide map[string]any, ranges []types.OptimizationRange, known map[string]types.Parameter) []string {
	var issues []string
	if len(wide) == 0 {
		issues = append(issues, "wide_validation_params is empty")
	}
	if len(ranges) == 0 {
		issues = append(issues, "optimization_ranges is empty")
	}
	for i, rg := range ranges {
		if err := rg.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("optimization_ranges[%d]: %v", i, err))
		}
	}
	if len(known) == 0 {
		return issues
	}
	if u := unknownNames(rangeNames(ranges), known); len(u) > 0 {
		issues = append(issues, "unknown parameters in optimization_ranges: "+strings.Join(u, ", "))
	}
	wideNames := make([]string, 0, len(wide))
	for name := range wide {
		wideNames = append(wideNames, name)
	}
	if u := unknownNames(wideNames, known); len(u) > 0 {
		issues = append(issues, "unknown parameters in wide_validation_params: "+strings.Join(u, ", "))
	}
	return issues
}

func rangeNames(ranges []types.OptimizationRange) []string {
	out := make([]string, 0, len(ranges))
	for _, rg := range ranges {
		out = append(out, rg.Name)
	}
	return out
}

// unknownNames filters names absent from the extracted inputs. The
// injected safety inputs are exempt: they exist only in the modified
// source copy.
func unknownNames(names []string, known map[string]types.Parameter) []string {
	var unknown []string
	for _, name := range names {
		if name == "" || strings.HasPrefix(name, params.SafetyPrefix) {
			continue
		}
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// applyInjectedDefaults folds the injected safety inputs into the
// submission and carries feature toggles from the wide set into the
// sweep as pinned values. Validation runs with the guards wide open;
// the sweep pins them tight.
func applyInjectedDefaults(wide map[string]any, ranges []types.OptimizationRange, known map[string]types.Parameter) (map[string]any, []types.OptimizationRange) {
	out := make(map[string]any, len(wide)+2)
	for k, v := range wide {
		out[k] = v
	}
	out[stages.SafetySpreadParam] = stages.SafetyValidationPips
	out[stages.SafetySlippageParam] = stages.SafetyValidationPips

	have := make(map[string]bool, len(ranges))
	for _, rg := range ranges {
		have[rg.Name] = true
	}
	for _, name := range []string{stages.SafetySpreadParam, stages.SafetySlippageParam} {
		if have[name] {
			continue
		}
		ranges = append(ranges, types.OptimizationRange{
			Name:       name,
			Start:      stages.SafetyFixedPips,
			Stop:       stages.SafetyFixedPips,
			FixedValue: stages.SafetyFixedPips,
		})
		have[name] = true
	}

	names := make([]string, 0, len(out))
	for name := range out {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if have[name] || !toggleName.MatchString(name) {
			continue
		}
		if _, ok := known[name]; !ok {
			continue
		}
		on, ok := toggleValue(out[name])
		if !ok {
			continue
		}
		numeric := 0.0
		if on {
			numeric = 1
		}
		ranges = append(ranges, types.OptimizationRange{
			Name:       name,
			Start:      numeric,
			Stop:       numeric,
			FixedValue: on,
		})
		have[name] = true
	}
	return out, ranges
}

// toggleValue interprets a wide value as a boolean switch. Numeric
// forms are accepted only when they are exactly 0 or 1.
func toggleValue(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	case int:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	case json.Number:
		if f, err := t.Float64(); err == nil && (f == 0 || f == 1) {
			return f == 1, true
		}
	}
	return false, false
}

// loadPassRecords returns the persisted sweep records for a workflow.
func (r *Runner) loadPassRecords(w *types.WorkflowState) []types.PassRecord {
	var opt types.OptimizationResult
	if err := r.store.LoadResults(w.WorkflowID, store.ResultsOptimization, &opt); err != nil {
		return nil
	}
	return opt.Results
}

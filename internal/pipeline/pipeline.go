// Package pipeline drives workflows through the stage graph. The
// executor owns everything the stages do not: status transitions, the
// pause and resume boundaries, the repair loop, persistence after every
// stage, event publication and metrics. A Runner serializes execution
// because one tester instance runs one job at a time.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/events"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/internal/stages"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// Phase boundaries. Steps 4 and 8b are external stages handled at the
// phase seams; the lists hold only steps the executor walks on its own.
var (
	phase1Steps  = []string{types.StepLoadEA, types.StepInjectOnTester, types.StepInjectSafety, types.StepCompile, types.StepExtractParams}
	phase3aSteps = []string{types.StepCreateINI, types.StepRunOptimization, types.StepParseResults}
)

// Options carries the optional Runner dependencies.
type Options struct {
	// Bus receives workflow, stage and progress events when set.
	Bus *events.Bus
	// Reports regenerates the rendered outputs. Nil disables rendering.
	Reports stages.ReportWriter
	// DataPath is the terminal data directory for tick coverage checks.
	DataPath string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Runner executes workflows against one simulator instance.
type Runner struct {
	logger   *zap.Logger
	cfg      *config.Config
	sim      simulator.Simulator
	store    *store.Store
	gates    *gates.Engine
	bus      *events.Bus
	reports  stages.ReportWriter
	registry map[string]stages.Stage
	dataPath string
	now      func() time.Time

	// mu serializes workflow execution. Held by pointer so multi-pair
	// child clones share the lock their parent already holds.
	mu *sync.Mutex
}

// New builds a Runner around the shared services. opts may be nil.
func New(logger *zap.Logger, cfg *config.Config, sim simulator.Simulator, st *store.Store, opts *Options) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts == nil {
		opts = &Options{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		logger:   logger.Named("pipeline"),
		cfg:      cfg,
		sim:      sim,
		store:    st,
		gates:    gates.NewEngine(logger, cfg),
		bus:      opts.Bus,
		reports:  opts.Reports,
		registry: stages.ByName(),
		dataPath: opts.DataPath,
		now:      now,
		mu:       &sync.Mutex{},
	}
}

// Store exposes the backing state store for read-side consumers.
func (r *Runner) Store() *store.Store { return r.store }

// NewWorkflow registers a pending workflow for an EA file.
func (r *Runner) NewWorkflow(eaPath, symbol string, tf types.Timeframe) (*types.WorkflowState, error) {
	abs, err := filepath.Abs(eaPath)
	if err != nil {
		return nil, fmt.Errorf("resolve EA path: %w", err)
	}
	eaName := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	// Run ids have second resolution; multi-pair children spawned in the
	// same second get a sequence suffix instead of the parent's file.
	base := utils.RunID(eaName, r.now().UTC())
	id := base
	for i := 2; r.store.Exists(id); i++ {
		id = fmt.Sprintf("%s_%d", base, i)
	}
	w := types.NewWorkflowState(id, eaName, abs, strings.ToUpper(strings.TrimSpace(symbol)), tf)
	if r.cfg.Pipeline.MaxFixAttempts > 0 {
		w.MaxFixAttempts = r.cfg.Pipeline.MaxFixAttempts
	}
	w.TerminalID = r.cfg.Terminals.Active
	if err := r.store.Save(w); err != nil {
		return nil, err
	}
	r.logger.Info("workflow created",
		zap.String("workflow_id", w.WorkflowID),
		zap.String("ea", eaName),
		zap.String("symbol", w.Symbol),
		zap.String("timeframe", string(tf)))
	return w, nil
}

// Load reads a persisted workflow.
func (r *Runner) Load(workflowID string) (*types.WorkflowState, error) {
	return r.store.Load(workflowID)
}

// Summary reports the current state of a workflow.
func (r *Runner) Summary(w *types.WorkflowState) store.Summary {
	return r.summary(w)
}

// Run executes phase one (load, inject, compile, extract) and pauses
// the workflow for parameter analysis. force allows restarting a
// workflow that is not pending; recorded steps are overwritten as they
// re-run.
func (r *Runner) Run(ctx context.Context, w *types.WorkflowState, force bool) (store.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run(ctx, w, force)
}

func (r *Runner) run(ctx context.Context, w *types.WorkflowState, force bool) (store.Summary, error) {
	if w.Status != types.StatusPending && !force {
		return r.summary(w), fmt.Errorf("workflow %s already has status %q; use force to restart or a resume call to continue",
			w.WorkflowID, w.Status)
	}
	if force && w.Status != types.StatusPending {
		r.logger.Info("forced restart",
			zap.String("workflow_id", w.WorkflowID),
			zap.String("was", string(w.Status)))
	}
	r.transition(w, types.StatusInProgress, "workflow started")
	if err := r.store.Save(w); err != nil {
		return r.summary(w), err
	}
	return r.runPhase1(ctx, r.stageContext(w))
}

// runPhase1 prepares the EA. A broken preparation never pauses for
// analysis; there would be nothing valid to analyze.
func (r *Runner) runPhase1(ctx context.Context, sc *stages.Context) (store.Summary, error) {
	w := sc.State
	allPassed := true
	for _, name := range phase1Steps {
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
	return r.pauseExternal(w, types.StepAnalyzeParams)
}

// runPhase2 validates trading behavior. A failed validation routes
// through the repair stage, which either parks the workflow for an EA
// fix or spends the attempt budget. done reports that the workflow
// paused or finished and the caller should return.
func (r *Runner) runPhase2(ctx context.Context, sc *stages.Context) (sum store.Summary, done bool, err error) {
	w := sc.State
	res, execErr := r.runStage(ctx, sc, types.StepValidateTrades)
	if execErr != nil {
		sum, err = r.abort(w, types.StepValidateTrades, execErr)
		return sum, true, err
	}
	if res.Success {
		return store.Summary{}, false, nil
	}

	fixRes, execErr := r.runStage(ctx, sc, types.StepFixEA)
	if execErr != nil {
		sum, err = r.abort(w, types.StepFixEA, execErr)
		return sum, true, err
	}
	w.FixAttempts = dataInt(fixRes.Data, stages.KeyFixAttempts)
	if dataBool(fixRes.Data, stages.KeyAwaitingFix) {
		w.CurrentStep = types.StepFixEA
		r.transition(w, types.StatusAwaitingEAFix, firstError(fixRes))
		if err := r.store.Save(w); err != nil {
			return r.summary(w), true, err
		}
		r.logger.Warn("workflow paused for EA repair",
			zap.String("workflow_id", w.WorkflowID),
			zap.Int("attempt", w.FixAttempts),
			zap.Int("max_attempts", w.MaxFixAttempts))
		return r.summary(w), true, nil
	}
	sum, err = r.complete(w, false)
	return sum, true, err
}

// runPhase3 sweeps the parameter space and parses the results, then
// either auto-selects passes or pauses for external statistics
// analysis.
func (r *Runner) runPhase3(ctx context.Context, sc *stages.Context) (store.Summary, error) {
	w := sc.State
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

	ext := r.registry[types.StepSelectPasses].(stages.External)
	if !ext.AutoEnabled(r.cfg) {
		return r.pauseExternal(w, types.StepSelectPasses)
	}

	// Auto mode still records the refinement analysis first so the
	// checkpoint discipline holds for later re-optimization calls.
	if _, err := r.reoptAnalysis(w); err != nil {
		r.logger.Warn("re-optimization analysis skipped",
			zap.String("workflow_id", w.WorkflowID), zap.Error(err))
	}
	res, err := r.runStage(ctx, sc, types.StepSelectPasses)
	if err != nil {
		return r.abort(w, types.StepSelectPasses, err)
	}
	if !res.Success {
		return r.complete(w, false)
	}
	return r.runPhase3b(ctx, sc)
}

// runPhase3b verifies the selected passes. The reporting and scenario
// stages always run, whatever happened to the core steps, so every
// finished workflow has a dashboard to look at.
func (r *Runner) runPhase3b(ctx context.Context, sc *stages.Context) (store.Summary, error) {
	w := sc.State
	core := []string{types.StepBacktestTop, types.StepMonteCarlo}
	post := []string{types.StepGenerateReports, types.StepStressScenarios, types.StepForwardWindows}
	if r.cfg.MultiPair.Enabled {
		post = append(post, types.StepMultiPair)
	}

	allPassed := true
	skip := false
	for _, name := range core {
		if skip {
			r.logger.Info("step skipped",
				zap.String("workflow_id", w.WorkflowID), zap.String("step", name))
			continue
		}
		res, err := r.runStage(ctx, sc, name)
		if err != nil {
			return r.abort(w, name, err)
		}
		if !res.Success {
			allPassed = false
			if r.cfg.Pipeline.StopOnFailure {
				skip = true
			}
		}
	}

	for _, name := range post {
		res, err := r.runStage(ctx, sc, name)
		if err != nil {
			return r.abort(w, name, err)
		}
		if !res.Success {
			allPassed = false
			continue
		}
		if name == types.StepMultiPair {
			r.spawnMultiPair(ctx, sc, res)
		}
	}

	sum, err := r.complete(w, allPassed)
	r.refreshReports(w)
	return sum, err
}

// runStage executes one stage, folds its outcome into the workflow and
// persists the state. A non-nil error is fatal for the whole run
// (cancellation or a persistence fault); stage faults are downgraded to
// a recorded step failure.
func (r *Runner) runStage(ctx context.Context, sc *stages.Context, name string) (types.StageResult, error) {
	stage, ok := r.registry[name]
	if !ok {
		return types.StageResult{}, fmt.Errorf("unknown stage %q", name)
	}
	w := sc.State
	w.CurrentStep = name
	log := sc.Logger.With(zap.String("step", name))
	log.Info("step started")
	started := time.Now()

	res, execErr := stage.Execute(ctx, sc)
	elapsed := time.Since(started)
	if execErr != nil {
		res = types.StageFail(execErr.Error())
	}

	w.Steps.Set(name, res)
	r.applyResult(w, name, res)

	outcome := "passed"
	switch {
	case execErr != nil:
		outcome = "error"
	case !res.Success:
		outcome = "failed"
	}
	stepsTotal.WithLabelValues(name, outcome).Inc()
	stepDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	r.publish(events.NewStageEvent(w.WorkflowID, name, res.Success, elapsed, firstError(res)))

	switch {
	case execErr != nil:
		log.Error("step errored", zap.Duration("elapsed", elapsed), zap.Error(execErr))
	case res.Success:
		log.Info("step passed", zap.Duration("elapsed", elapsed))
	default:
		log.Warn("step failed", zap.Duration("elapsed", elapsed), zap.Strings("errors", res.Errors))
	}

	if err := r.store.Save(w); err != nil {
		return res, fmt.Errorf("persist state after %s: %w", name, err)
	}
	if execErr != nil && ctx.Err() != nil {
		return res, execErr
	}
	return res, nil
}

// applyResult folds gates, metrics and errors from a stage payload into
// the workflow-level records.
func (r *Runner) applyResult(w *types.WorkflowState, name string, res types.StageResult) {
	if res.Gate != nil {
		r.recordGate(w, *res.Gate)
	}
	if raw, ok := res.Data[stages.KeyGateResults]; ok {
		var gs []types.GateResult
		if err := decode(raw, &gs); err == nil {
			for _, g := range gs {
				r.recordGate(w, g)
			}
		}
	}
	if raw, ok := res.Data[stages.KeyMetrics]; ok {
		var m map[string]float64
		if err := decode(raw, &m); err == nil {
			w.MergeMetrics(m)
		}
	}
	if !res.Success {
		for _, e := range res.Errors {
			w.AddError("%s: %s", name, e)
		}
	}
}

func (r *Runner) recordGate(w *types.WorkflowState, g types.GateResult) {
	w.RecordGate(g)
	outcome := "passed"
	if !g.Passed {
		outcome = "failed"
	}
	gatesTotal.WithLabelValues(g.Name, outcome).Inc()
}

// pauseExternal parks the workflow at an analysis boundary.
func (r *Runner) pauseExternal(w *types.WorkflowState, name string) (store.Summary, error) {
	ext, ok := r.registry[name].(stages.External)
	if !ok {
		return r.summary(w), fmt.Errorf("stage %q is not an analysis boundary", name)
	}
	w.CurrentStep = name
	r.transition(w, ext.PauseStatus(), "awaiting external analysis")
	if err := r.store.Save(w); err != nil {
		return r.summary(w), err
	}
	r.logger.Info("workflow paused",
		zap.String("workflow_id", w.WorkflowID),
		zap.String("step", name),
		zap.String("status", string(w.Status)))
	return r.summary(w), nil
}

// transition moves the workflow to a new status and announces it.
func (r *Runner) transition(w *types.WorkflowState, status types.Status, message string) {
	if w.Status == status {
		return
	}
	if w.Status == types.StatusInProgress {
		workflowsActive.Dec()
	}
	if status == types.StatusInProgress {
		workflowsActive.Inc()
	}
	w.Status = status
	r.publish(events.NewWorkflowEvent(w.WorkflowID, status, w.CurrentStep, message))
}

// complete finalizes the workflow status. Dashboards are refreshed by
// the phase drivers, not here; early failures stay unrendered.
func (r *Runner) complete(w *types.WorkflowState, allPassed bool) (store.Summary, error) {
	status := types.StatusFailed
	message := "workflow failed"
	if allPassed {
		status = types.StatusCompleted
		message = "workflow completed"
	}
	r.transition(w, status, message)
	workflowsTotal.WithLabelValues(string(status)).Inc()
	err := r.store.Save(w)
	r.logger.Info("workflow finished",
		zap.String("workflow_id", w.WorkflowID),
		zap.String("status", string(status)),
		zap.Float64("composite_score", w.Metrics["composite_score"]))
	return r.summary(w), err
}

// abort finalizes a workflow after a fatal fault. The failing stage
// result is already recorded; the caller gets both the summary and the
// original error.
func (r *Runner) abort(w *types.WorkflowState, step string, err error) (store.Summary, error) {
	r.logger.Error("workflow aborted",
		zap.String("workflow_id", w.WorkflowID),
		zap.String("step", step),
		zap.Error(err))
	sum, saveErr := r.complete(w, false)
	if saveErr != nil {
		r.logger.Error("state save failed", zap.String("workflow_id", w.WorkflowID), zap.Error(saveErr))
	}
	return sum, err
}

// refreshReports re-renders the global outputs after terminal
// transitions and single-stage runs. Rendering failures never fail a
// workflow.
func (r *Runner) refreshReports(w *types.WorkflowState) {
	if r.reports == nil {
		return
	}
	if _, err := r.reports.Dashboard(w); err != nil {
		r.logger.Warn("dashboard refresh failed", zap.String("workflow_id", w.WorkflowID), zap.Error(err))
	}
	if _, err := r.reports.Leaderboard(); err != nil {
		r.logger.Warn("leaderboard refresh failed", zap.Error(err))
	}
	if _, err := r.reports.Boards(); err != nil {
		r.logger.Warn("boards refresh failed", zap.Error(err))
	}
}

// stageContext assembles the per-workflow stage context. The backtest
// window anchors at workflow creation so a resumed run keeps its dates;
// the exec id correlates the log lines of one entry into the executor.
func (r *Runner) stageContext(w *types.WorkflowState) *stages.Context {
	return &stages.Context{
		State:  w,
		Config: r.cfg,
		Logger: r.logger.With(
			zap.String("workflow_id", w.WorkflowID),
			zap.String("exec_id", uuid.NewString()[:8]),
		),
		Sim:      r.sim,
		Gates:    r.gates,
		Store:    r.store,
		Reports:  r.reports,
		Dates:    r.cfg.BacktestDates(w.CreatedAt),
		DataPath: r.dataPath,
		Now:      r.now(),
		Progress: func(step string, percent float64, message string) {
			r.publish(events.NewProgressEvent(w.WorkflowID, step, percent, message))
		},
	}
}

func (r *Runner) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func (r *Runner) summary(w *types.WorkflowState) store.Summary {
	return store.Summarize(w, r.store.Path(w.WorkflowID))
}

// decode round-trips a value through JSON, turning reloaded payload
// structures back into typed values.
func decode(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return int(f)
		}
	}
	return 0
}

func dataBool(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func firstError(res types.StageResult) string {
	if len(res.Errors) == 0 {
		return ""
	}
	return res.Errors[0]
}

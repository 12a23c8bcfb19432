// Package stages implements the pipeline steps as small stateless
// units. Each stage reads prior step payloads from the workflow state,
// talks to the simulator or the analysis packages, and returns a
// StageResult; the executor owns status transitions, persistence and
// gate bookkeeping. Stages may fill the workflow-level report blocks
// (stress, windows) but never touch status, steps or counters.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/params"
	"github.com/eaforge/stress-backend/internal/report"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

// Safety inputs pinned by the injector. The pipeline fixes them per
// phase: loose for trade validation, tight for optimization, realistic
// for verification backtests.
const (
	SafetySpreadParam   = params.SafetyPrefix + "MaxSpreadPips"
	SafetySlippageParam = params.SafetyPrefix + "MaxSlippagePips"

	SafetyFixedPips      = 3.0
	SafetyValidationPips = 500.0
	SafetyBacktestPips   = 10.0
)

// Data keys read across stage boundaries or by the executor.
const (
	KeyExePath        = "exe_path"
	KeyModifiedPath   = "modified_path"
	KeyReportName     = "report_name"
	KeyWideParams     = "wide_validation_params"
	KeyRanges         = "optimization_ranges"
	KeySelectedPasses = "selected_passes"
	KeyBestResult     = "best_result"
	KeyMetrics        = "metrics"
	KeyGateResults    = "gate_results"
	KeyFixAttempts    = "fix_attempts"
	KeyAwaitingFix    = "awaiting_fix"
	KeySkipped        = "skipped"
	KeySymbols        = "symbols"
	KeyParentParams   = "parent_params"
	KeyRuns           = "runs"
)

// Stage is one pipeline step. Execute returns an error only for
// infrastructure faults and context cancellation; domain failures are
// carried in the StageResult.
type Stage interface {
	Name() string
	Dependencies() []string
	Execute(ctx context.Context, sc *Context) (types.StageResult, error)
}

// External marks stages whose results normally arrive from outside the
// process via a resume call. The executor pauses the workflow at an
// external stage unless the configuration allows inline execution.
type External interface {
	Stage
	PauseStatus() types.Status
	AutoEnabled(cfg *config.Config) bool
}

// ReportWriter regenerates the rendered outputs. Implemented by the
// aggregator; nil disables rendering (dry runs, tests).
type ReportWriter interface {
	Dashboard(w *types.WorkflowState) (string, error)
	Leaderboard() (string, error)
	Boards() (string, error)
}

// Context carries everything a stage may touch during one execution.
type Context struct {
	State   *types.WorkflowState
	Config  *config.Config
	Logger  *zap.Logger
	Sim     simulator.Simulator
	Gates   *gates.Engine
	Store   *store.Store
	Reports ReportWriter

	// Dates is the backtest window resolved at workflow creation.
	Dates config.DateRange
	// DataPath is the terminal data directory for tick coverage checks.
	DataPath string
	// Now pins time-derived suite construction. Zero means wall clock.
	Now time.Time
	// Progress receives heartbeat updates from long simulator calls.
	// Percent is -1 when indeterminate.
	Progress func(step string, percent float64, message string)
}

func (sc *Context) progress(step string, percent float64, message string) {
	if sc.Progress != nil {
		sc.Progress(step, percent, message)
	}
}

// heartbeat adapts the context progress sink to a simulator callback.
func heartbeat(sc *Context, step string) simulator.ProgressFunc {
	if sc.Progress == nil {
		return nil
	}
	return func(elapsed time.Duration) {
		sc.progress(step, -1, fmt.Sprintf("running for %s", elapsed.Round(time.Second)))
	}
}

// All returns the stage set in declared pipeline order. The repair
// stage 5b is included but only ever invoked by the executor's repair
// path, never by the linear walk.
func All() []Stage {
	return []Stage{
		loadEA{},
		injectOnTester{},
		injectSafety{},
		compileEA{},
		extractParams{},
		analyzeParams{},
		validateTrades{},
		fixEA{},
		createINI{},
		runOptimization{},
		parseResults{},
		selectPasses{},
		backtestTop{},
		monteCarlo{},
		generateReports{},
		stressScenarios{},
		forwardWindows{},
		multiPair{},
	}
}

// ByName indexes the stage set for executor lookup.
func ByName() map[string]Stage {
	out := make(map[string]Stage)
	for _, s := range All() {
		out[s.Name()] = s
	}
	return out
}

// BestTrades is the step-9 side-car consumed by the Monte Carlo, stress
// and window stages. Keeping the trade list out of the workflow JSON
// keeps state files reviewable.
type BestTrades struct {
	PassNum        int           `json:"pass_num"`
	InitialBalance float64       `json:"initial_balance"`
	Trades         []types.Trade `json:"trades"`
}

// failGate builds a failed result with the human error as the single
// entry; WithGate would append the raw gate message as a second one.
func failGate(g types.GateResult, msg string, data map[string]any) types.StageResult {
	return types.StageResult{Success: false, Data: data, Gate: &g, Errors: []string{msg}}
}

// recode round-trips a value through JSON. Stage payloads reloaded from
// disk carry json.Number scalars and map[string]any structures; recode
// turns either form back into a typed value.
func recode(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func dataBool(data map[string]any, key string) bool {
	if data == nil {
		return false
	}
	b, _ := data[key].(bool)
	return b
}

func dataFloat(data map[string]any, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func dataInt(data map[string]any, key string) int {
	f, ok := dataFloat(data, key)
	if !ok {
		return 0
	}
	return int(f)
}

// stepData returns the payload of a passed step, or nil when the step
// is missing or failed.
func stepData(sc *Context, step string) map[string]any {
	r, ok := sc.State.StepResult(step)
	if !ok || !r.Success {
		return nil
	}
	return r.Data
}

// depFailure is the uniform message for an unmet in-stage prerequisite.
func depFailure(step string) string {
	return fmt.Sprintf("Step %s must complete successfully first", step)
}

// sourcePath returns the instrumented EA copy when step 1b produced
// one, otherwise the original source.
func sourcePath(sc *Context) string {
	if data := stepData(sc, types.StepInjectOnTester); data != nil {
		if p := dataString(data, KeyModifiedPath); p != "" {
			return p
		}
	}
	return sc.State.EAPath
}

// exePathFrom reads the compiled binary path recorded by step 2.
func exePathFrom(sc *Context) string {
	return dataString(stepData(sc, types.StepCompile), KeyExePath)
}

// wideParamsFrom decodes the validation parameter set from step 4.
func wideParamsFrom(sc *Context) map[string]any {
	data := stepData(sc, types.StepAnalyzeParams)
	if data == nil {
		return nil
	}
	var wide map[string]any
	if err := recode(data[KeyWideParams], &wide); err != nil {
		return nil
	}
	return wide
}

// rangesFrom decodes the optimization ranges from step 4.
func rangesFrom(sc *Context) []types.OptimizationRange {
	data := stepData(sc, types.StepAnalyzeParams)
	if data == nil {
		return nil
	}
	var ranges []types.OptimizationRange
	if err := recode(data[KeyRanges], &ranges); err != nil {
		return nil
	}
	return ranges
}

// metricsFromData restores a TradeMetrics block stored under
// KeyMetrics.
func metricsFromData(data map[string]any) types.TradeMetrics {
	if data == nil {
		return types.TradeMetrics{}
	}
	var m map[string]float64
	if err := recode(data[KeyMetrics], &m); err != nil {
		return types.TradeMetrics{}
	}
	return types.MetricsFromMap(m)
}

func newParser(sc *Context) *report.Parser {
	return report.NewParser(sc.Logger)
}

// loadOptimization returns the pass records persisted by step 7,
// falling back to the tester XML export for states that predate the
// side-car.
func loadOptimization(sc *Context) []types.PassRecord {
	var opt types.OptimizationResult
	if err := sc.Store.LoadResults(sc.State.WorkflowID, store.ResultsOptimization, &opt); err == nil {
		return opt.Results
	}
	data := stepData(sc, types.StepRunOptimization)
	xmlPath := dataString(data, "xml_path")
	if xmlPath == "" {
		return nil
	}
	recs, err := newParser(sc).ParseOptimizationWithForward(xmlPath, forwardExportPath(xmlPath))
	if err != nil {
		sc.Logger.Warn("optimization export unreadable", zap.String("path", xmlPath), zap.Error(err))
		return nil
	}
	return recs
}

// loadBestTrades returns the step-9 trade side-car if one was saved.
func loadBestTrades(sc *Context) (BestTrades, bool) {
	var bt BestTrades
	if err := sc.Store.LoadResults(sc.State.WorkflowID, store.ResultsBestTrades, &bt); err != nil {
		return BestTrades{}, false
	}
	return bt, len(bt.Trades) > 0
}

// bestResultFrom decodes the winning pass recorded by step 9.
func bestResultFrom(sc *Context) (types.PassBacktest, bool) {
	data := stepData(sc, types.StepBacktestTop)
	if data == nil {
		return types.PassBacktest{}, false
	}
	raw, ok := data[KeyBestResult]
	if !ok || raw == nil {
		return types.PassBacktest{}, false
	}
	var best types.PassBacktest
	if err := recode(raw, &best); err != nil {
		return types.PassBacktest{}, false
	}
	return best, best.PassNum > 0 || best.Success
}

// selectionFrom decodes the pass selection recorded by step 8b.
func selectionFrom(sc *Context) []passSelection {
	data := stepData(sc, types.StepSelectPasses)
	if data == nil {
		return nil
	}
	var sel []passSelection
	if err := recode(data[KeySelectedPasses], &sel); err != nil {
		return nil
	}
	return sel
}

// passSelection mirrors passes.SelectedPass for payload decoding.
type passSelection struct {
	Pass   int            `json:"pass"`
	Params map[string]any `json:"params"`
}

// wfid8 is the short workflow id used in deterministic report names.
func wfid8(sc *Context) string {
	id := sc.State.WorkflowID
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// seedFor derives a stable simulation seed from the workflow id so
// repeated runs of the same workflow reproduce their percentiles.
func seedFor(workflowID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(workflowID))
	return int64(h.Sum64() & (1<<63 - 1))
}

// forwardExportPath is the tester's naming convention for the forward
// segment export written next to the main one.
func forwardExportPath(xmlPath string) string {
	const ext = ".xml"
	if len(xmlPath) <= len(ext) {
		return ""
	}
	return xmlPath[:len(xmlPath)-len(ext)] + ".forward" + ext
}

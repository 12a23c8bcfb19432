package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/passes"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// createINI renders the sweep configuration. The safety inputs are
// pinned tight here so optimization explores strategy inputs, never the
// guard levels.
type createINI struct{}

func (createINI) Name() string { return types.StepCreateINI }
func (createINI) Dependencies() []string {
	return []string{types.StepCompile, types.StepAnalyzeParams}
}

func (createINI) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	exe := exePathFrom(sc)
	if exe == "" {
		return types.StageFail(depFailure(types.StepCompile)), nil
	}
	ranges := rangesFrom(sc)
	if len(ranges) == 0 {
		return types.StageFail(depFailure(types.StepAnalyzeParams)), nil
	}
	pinned := pinSafetyRanges(ranges)

	reportName := utils.ReportName(eaStem(exe), "S6_opt",
		sc.State.Symbol, string(sc.State.Timeframe), wfid8(sc))
	settings := simulator.TesterSettings{
		Expert:       filepath.Base(exe),
		Symbol:       sc.State.Symbol,
		Timeframe:    sc.State.Timeframe,
		FromDate:     sc.Dates.Start,
		ToDate:       sc.Dates.End,
		ForwardMode:  sc.Config.Backtest.ForwardMode,
		ForwardDate:  sc.Dates.Split,
		Model:        sc.Config.Backtest.Model,
		LatencyMS:    sc.Config.Backtest.LatencyMS,
		Optimization: sc.Config.Optimization.Mode,
		Criterion:    sc.Config.Optimization.Criterion,
		Report:       reportName,
		Deposit:      sc.Config.Backtest.Deposit,
		Currency:     sc.Config.Backtest.Currency,
		Leverage:     sc.Config.Backtest.Leverage,
	}

	dir, err := sc.Store.ResultsDir(sc.State.WorkflowID)
	if err != nil {
		return types.StageResult{}, err
	}
	iniPath := filepath.Join(dir, reportName+".ini")
	ini := simulator.BuildOptimizationINI(settings, pinned)
	if err := os.WriteFile(iniPath, []byte(ini), 0o644); err != nil {
		return types.StageResult{}, fmt.Errorf("write optimization config: %w", err)
	}

	optimizing := 0
	for _, r := range pinned {
		if r.Optimize {
			optimizing++
		}
	}
	sc.Logger.Info("optimization config written",
		zap.String("path", iniPath),
		zap.Int("params", len(pinned)),
		zap.Int("optimizing", optimizing))
	return types.StageOK(map[string]any{
		"ini_path":         iniPath,
		KeyReportName:      reportName,
		"param_count":      len(pinned),
		"optimizing_count": optimizing,
		KeyRanges:          pinned,
	}), nil
}

// pinSafetyRanges fixes both guard inputs at the tight sweep level,
// overriding any analyst-supplied sweep and appending them when absent.
func pinSafetyRanges(ranges []types.OptimizationRange) []types.OptimizationRange {
	fixed := func(name string) types.OptimizationRange {
		return types.OptimizationRange{
			Name:     name,
			Start:    SafetyFixedPips,
			Stop:     SafetyFixedPips,
			Optimize: false,
		}
	}
	out := make([]types.OptimizationRange, 0, len(ranges)+2)
	seen := map[string]bool{}
	for _, r := range ranges {
		if r.Name == SafetySpreadParam || r.Name == SafetySlippageParam {
			out = append(out, fixed(r.Name))
			seen[r.Name] = true
			continue
		}
		out = append(out, r)
	}
	for _, name := range []string{SafetySpreadParam, SafetySlippageParam} {
		if !seen[name] {
			out = append(out, fixed(name))
		}
	}
	return out
}

func eaStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// runOptimization drives the parameter sweep and persists the full pass
// table as a side-car next to the workflow state.
type runOptimization struct{}

func (runOptimization) Name() string { return types.StepRunOptimization }
func (runOptimization) Dependencies() []string {
	return []string{types.StepCompile, types.StepCreateINI}
}

func (runOptimization) Execute(ctx context.Context, sc *Context) (types.StageResult, error) {
	exe := exePathFrom(sc)
	if exe == "" {
		return types.StageFail(depFailure(types.StepCompile)), nil
	}
	iniData := stepData(sc, types.StepCreateINI)
	if iniData == nil {
		return types.StageFail(depFailure(types.StepCreateINI)), nil
	}
	var ranges []types.OptimizationRange
	if err := recode(iniData[KeyRanges], &ranges); err != nil || len(ranges) == 0 {
		return types.StageFail(fmt.Sprintf("No optimization ranges recorded by step %s", types.StepCreateINI)), nil
	}
	reportName := dataString(iniData, KeyReportName)

	opts := simulator.NewOptimizeOptions(sc.State.Symbol, sc.State.Timeframe, ranges)
	opts.FromDate = sc.Dates.Start
	opts.ToDate = sc.Dates.End
	opts.ForwardMode = sc.Config.Backtest.ForwardMode
	opts.ForwardDate = sc.Dates.Split
	opts.ReportName = reportName
	opts.Timeout = sc.Config.OptimizationTimeout()
	opts.Progress = heartbeat(sc, types.StepRunOptimization)

	started := time.Now()
	res, err := sc.Sim.Optimize(ctx, exe, opts)
	if err != nil {
		return types.StageResult{}, err
	}
	elapsed := time.Since(started)
	if !res.Success {
		errs := res.Errors
		if len(errs) == 0 {
			errs = []string{"optimization produced no report"}
		}
		return types.StageFail(errs...), nil
	}

	resultsFile, err := sc.Store.SaveResults(sc.State.WorkflowID, store.ResultsOptimization, res)
	if err != nil {
		return types.StageResult{}, err
	}

	gate := gates.OptimizationPasses(len(res.Results))
	data := map[string]any{
		"xml_path":         res.XMLPath,
		KeyReportName:      reportName,
		"results_file":     resultsFile,
		"duration_seconds": utils.Round1(elapsed.Seconds()),
		"passes_count":     len(res.Results),
	}
	if res.Best != nil {
		data["best_pass"] = res.Best.PassNum()
		data["best_result"] = res.Best.Result
	}
	sc.Logger.Info("optimization finished",
		zap.Int("passes", len(res.Results)),
		zap.Duration("elapsed", elapsed))
	if !gate.Passed {
		return failGate(gate, "Optimization found 0 passes, minimum is 1", data), nil
	}
	return types.StageOK(data).WithGate(gate), nil
}

// parseResults filters the sweep through the adaptive trade floor and
// records the analysis summary. The full pass table stays in the
// side-car; the step payload carries only the counts and findings.
type parseResults struct{}

func (parseResults) Name() string           { return types.StepParseResults }
func (parseResults) Dependencies() []string { return []string{types.StepRunOptimization} }

func (parseResults) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	records := loadOptimization(sc)
	if len(records) == 0 {
		return types.StageFail(fmt.Sprintf("No optimization results available from step %s", types.StepRunOptimization)), nil
	}
	validationTrades := dataInt(stepData(sc, types.StepValidateTrades), "total_trades")

	analyzer := passes.NewAnalyzer(sc.Logger, sc.Gates)
	summary := analyzer.Summarize(records, validationTrades)
	analysis := analyzer.Analyze(records, passes.Thresholds{MinTrades: summary.ThresholdUsed})

	gate := gates.ValidPasses(summary.ValidPasses)
	data := map[string]any{
		"total_passes":                summary.TotalPasses,
		"valid_passes":                summary.ValidPasses,
		"consistent_passes":           analysis.ConsistentCount,
		"min_trades_threshold_used":   summary.ThresholdUsed,
		"min_trades_thresholds_tried": summary.ThresholdsTried,
		"validation_trades":           summary.ValidationTrades,
		"all_zero_trades":             summary.AllZeroTrades,
		"insights":                    analysis.Insights,
	}
	sc.Logger.Info("sweep parsed",
		zap.Int("total", summary.TotalPasses),
		zap.Int("valid", summary.ValidPasses),
		zap.Int("threshold", summary.ThresholdUsed))
	if !gate.Passed {
		msg := fmt.Sprintf("No passes with >= %d trades", summary.ThresholdUsed)
		if summary.AllZeroTrades {
			msg = "All optimization passes executed 0 trades"
		}
		return failGate(gate, msg, data), nil
	}
	return types.StageOK(data).WithGate(gate), nil
}

// selectPasses is the external statistics step: which passes go to the
// verification backtests normally arrives from outside. When automatic
// selection is enabled the stage ranks by composite score itself.
type selectPasses struct{}

func (selectPasses) Name() string           { return types.StepSelectPasses }
func (selectPasses) Dependencies() []string { return []string{types.StepParseResults} }

func (selectPasses) PauseStatus() types.Status { return types.StatusAwaitingStats }

func (selectPasses) AutoEnabled(cfg *config.Config) bool {
	return cfg.Pipeline.AutoSelectPasses || cfg.Pipeline.Autonomous
}

func (selectPasses) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	records := loadOptimization(sc)
	if len(records) == 0 {
		return types.StageFail(fmt.Sprintf("No optimization results available from step %s", types.StepRunOptimization)), nil
	}
	validationTrades := dataInt(stepData(sc, types.StepValidateTrades), "total_trades")

	analyzer := passes.NewAnalyzer(sc.Logger, sc.Gates)
	sel := analyzer.SelectTop(records, validationTrades, sc.Config.Optimization.TopBacktest)
	if len(sel.Passes) == 0 {
		return types.StageFail("No valid passes available for automatic selection"), nil
	}

	return types.StageOK(map[string]any{
		"source":                      sel.Source,
		KeySelectedPasses:             sel.Passes,
		"selected_count":              len(sel.Passes),
		"candidate_count":             sel.CandidateCount,
		"min_trades_threshold_used":   sel.ThresholdUsed,
		"min_trades_thresholds_tried": sel.ThresholdsTried,
		"note":                        sel.Note,
	}), nil
}

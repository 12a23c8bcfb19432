package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eaforge/stress-backend/internal/passes"
	"github.com/eaforge/stress-backend/internal/pipeline"
	"github.com/eaforge/stress-backend/internal/stages"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

var (
	runSymbol     string
	runTimeframe  string
	runForce      bool
	runAutonomous bool

	resumePassesSkipReopt bool

	reoptApply bool
	reoptNotes string
)

var runCmd = &cobra.Command{
	Use:   "run <ea.mq5>",
	Short: "Start a workflow for an EA source file",
	Long: `Start a workflow: load and instrument the EA, compile it, extract its
inputs, and continue through validation, optimization, verification and
reporting. Without --autonomous the workflow pauses once the inputs are
extracted and waits for 'eastress resume-params'.

Example usage:
  eastress run Experts/MyEA.mq5 --symbol GBPUSD --timeframe H4
  eastress run Experts/MyEA.mq5 --autonomous --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var batchCmd = &cobra.Command{
	Use:   "batch <items.json>",
	Short: "Start workflows for a list of EAs",
	Long: `Start one workflow per entry of a JSON array of
{"ea_path", "symbol", "timeframe"} objects. Each workflow runs until its
parameter-analysis pause; the batch itself never blocks on external
input.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

var resumeParamsCmd = &cobra.Command{
	Use:   "resume-params <workflow-id> <params.json>",
	Short: "Resume a workflow paused for parameter analysis",
	Long: `Feed the analyzed parameters back into a workflow paused at
awaiting_param_analysis. The JSON file carries the wide validation
values and the sweep definition:

  {
    "wide_validation_params": {"MaPeriod": 20, "UseTrailing": true},
    "optimization_ranges": [
      {"name": "MaPeriod", "start": 10, "stop": 60, "step": 5, "optimize": true}
    ]
  }`,
	Args: cobra.ExactArgs(2),
	RunE: runResumeParams,
}

var resumePassesCmd = &cobra.Command{
	Use:   "resume-passes <workflow-id> <passes.json>",
	Short: "Resume a workflow paused for statistics analysis",
	Long: `Feed the selected optimization passes back into a workflow paused at
awaiting_stats_analysis. The JSON file carries the selection and any
analyst notes:

  {
    "selected_passes": [{"pass": 42, "params": {"MaPeriod": 25}}],
    "analysis": {"source": "quant_desk"}
  }`,
	Args: cobra.ExactArgs(2),
	RunE: runResumePasses,
}

var restartFixCmd = &cobra.Command{
	Use:   "restart-fix <workflow-id>",
	Short: "Restart a workflow after its EA source was repaired",
	Long: `Restart a workflow paused at awaiting_ea_fix. The EA source is
reloaded, re-instrumented and recompiled, then validation runs again
against the repaired binary.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestartFix,
}

var reoptCmd = &cobra.Command{
	Use:   "reopt <workflow-id>",
	Short: "Analyze a finished sweep for range refinement",
	Long: `Cluster the top optimization passes and report which parameter ranges
should tighten. With --apply the refined ranges replace the recorded
ones and steps 6 through 8 replay; the workflow then pauses again for
statistics analysis. Iterations are bounded by reopt.max_iterations.`,
	Args: cobra.ExactArgs(1),
	RunE: runReopt,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(resumeParamsCmd)
	rootCmd.AddCommand(resumePassesCmd)
	rootCmd.AddCommand(restartFixCmd)
	rootCmd.AddCommand(reoptCmd)

	runCmd.Flags().StringVar(&runSymbol, "symbol", "EURUSD", "symbol the workflow tests against")
	runCmd.Flags().StringVar(&runTimeframe, "timeframe", "H1", "chart timeframe (M1..MN1)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "rerun even if a step already passed")
	runCmd.Flags().BoolVar(&runAutonomous, "autonomous", false, "skip both analysis pauses and run end to end")

	resumePassesCmd.Flags().BoolVar(&resumePassesSkipReopt, "skip-reopt-check", false, "select passes without a prior re-optimization analysis")

	reoptCmd.Flags().BoolVar(&reoptApply, "apply", false, "apply the refined ranges and replay the sweep")
	reoptCmd.Flags().StringVar(&reoptNotes, "notes", "", "refinement notes recorded on the workflow")
}

func runRun(cmd *cobra.Command, args []string) error {
	tf, err := parseTimeframe(runTimeframe)
	if err != nil {
		return err
	}
	svc, err := buildServices(true)
	if err != nil {
		return err
	}
	if runAutonomous {
		svc.cfg.Pipeline.Autonomous = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	w, err := svc.runner.NewWorkflow(args[0], runSymbol, tf)
	if err != nil {
		return err
	}
	sum, err := svc.runner.Run(ctx, w, runForce)
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func runBatch(cmd *cobra.Command, args []string) error {
	var items []pipeline.BatchItem
	if err := readJSONFile(args[0], &items); err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("batch file %s lists no items", args[0])
	}
	svc, err := buildServices(true)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return printJSON(svc.runner.RunBatch(ctx, items))
}

func runResumeParams(cmd *cobra.Command, args []string) error {
	var input struct {
		Wide   map[string]any            `json:"wide_validation_params"`
		Ranges []types.OptimizationRange `json:"optimization_ranges"`
	}
	if err := readJSONFile(args[1], &input); err != nil {
		return err
	}
	svc, err := buildServices(true)
	if err != nil {
		return err
	}
	w, err := svc.store.Load(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sum, err := svc.runner.ResumeWithParams(ctx, w, input.Wide, input.Ranges)
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func runResumePasses(cmd *cobra.Command, args []string) error {
	var input struct {
		Selected []passes.SelectedPass `json:"selected_passes"`
		Analysis map[string]any        `json:"analysis"`
	}
	if err := readJSONFile(args[1], &input); err != nil {
		return err
	}
	svc, err := buildServices(true)
	if err != nil {
		return err
	}
	w, err := svc.store.Load(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sum, err := svc.runner.ResumeWithPasses(ctx, w, input.Selected, input.Analysis, resumePassesSkipReopt)
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func runRestartFix(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(true)
	if err != nil {
		return err
	}
	w, err := svc.store.Load(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sum, err := svc.runner.RestartAfterFix(ctx, w)
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func runReopt(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(true)
	if err != nil {
		return err
	}
	w, err := svc.store.Load(args[0])
	if err != nil {
		return err
	}

	analysis, err := svc.runner.RunReoptAnalysis(w)
	if err != nil {
		return err
	}
	if !reoptApply {
		return printJSON(analysis)
	}

	refined := analysis.RefinedRanges(recordedRanges(w))
	if len(refined) == 0 {
		return fmt.Errorf("no recorded ranges to refine on workflow %s", w.WorkflowID)
	}

	ctx, cancel := signalContext()
	defer cancel()

	sum, err := svc.runner.ResumeWithRefinedRanges(ctx, w, refined, reoptNotes)
	if err != nil {
		return err
	}
	return printSummary(sum)
}

// recordedRanges reads the sweep definition the parameter-analysis step
// stored on the workflow.
func recordedRanges(w *types.WorkflowState) []types.OptimizationRange {
	res, ok := w.StepResult(types.StepAnalyzeParams)
	if !ok || !res.Success {
		return nil
	}
	raw, err := json.Marshal(res.Data[stages.KeyRanges])
	if err != nil {
		return nil
	}
	var ranges []types.OptimizationRange
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return nil
	}
	return ranges
}

// printSummary prints the workflow summary and, when paused, the
// command that resumes it.
func printSummary(sum store.Summary) error {
	if err := printJSON(sum); err != nil {
		return err
	}
	switch sum.Status {
	case types.StatusAwaitingParams:
		fmt.Fprintf(os.Stderr, "\nworkflow paused: continue with 'eastress resume-params %s <params.json>'\n", sum.WorkflowID)
	case types.StatusAwaitingStats:
		fmt.Fprintf(os.Stderr, "\nworkflow paused: continue with 'eastress resume-passes %s <passes.json>'\n", sum.WorkflowID)
	case types.StatusAwaitingEAFix:
		fmt.Fprintf(os.Stderr, "\nworkflow paused: repair the EA source, then run 'eastress restart-fix %s'\n", sum.WorkflowID)
	}
	return nil
}

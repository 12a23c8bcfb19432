package main

import (
	"github.com/spf13/cobra"

	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

var stressCmd = &cobra.Command{
	Use:   "stress <workflow-id>",
	Short: "Replay the crisis-window stress scenarios",
	Long: `Run the stress-scenario matrix for a finished workflow: the best pass
replays across the configured crisis windows and cost overlays, with
tick coverage checked per window. Results land on the workflow document
and its dashboard.`,
	Args: cobra.ExactArgs(1),
	RunE: runStress,
}

var windowsCmd = &cobra.Command{
	Use:   "windows <workflow-id>",
	Short: "Replay the forward-window matrix",
	Long: `Run the forward windows for a finished workflow: full period, recent
segments, rolling windows and calendar years, each backtested with the
best pass parameters.`,
	Args: cobra.ExactArgs(1),
	RunE: runWindows,
}

var multipairCmd = &cobra.Command{
	Use:   "multipair <workflow-id>",
	Short: "Replay the workflow across the configured symbols",
	Long: `Spawn child workflows that re-run the pipeline on the other configured
symbols with the parent's parameters, then record each child's outcome
on the parent.`,
	Args: cobra.ExactArgs(1),
	RunE: runMultiPair,
}

func init() {
	rootCmd.AddCommand(stressCmd)
	rootCmd.AddCommand(windowsCmd)
	rootCmd.AddCommand(multipairCmd)
}

func runPostStage(id string, run func(svc *services, w *types.WorkflowState) (store.Summary, error)) error {
	svc, err := buildServices(true)
	if err != nil {
		return err
	}
	w, err := svc.store.Load(id)
	if err != nil {
		return err
	}
	sum, err := run(svc, w)
	if err != nil {
		return err
	}
	return printSummary(sum)
}

func runStress(cmd *cobra.Command, args []string) error {
	return runPostStage(args[0], func(svc *services, w *types.WorkflowState) (store.Summary, error) {
		ctx, cancel := signalContext()
		defer cancel()
		return svc.runner.RunStressOnly(ctx, w)
	})
}

func runWindows(cmd *cobra.Command, args []string) error {
	return runPostStage(args[0], func(svc *services, w *types.WorkflowState) (store.Summary, error) {
		ctx, cancel := signalContext()
		defer cancel()
		return svc.runner.RunWindowsOnly(ctx, w)
	})
}

func runMultiPair(cmd *cobra.Command, args []string) error {
	return runPostStage(args[0], func(svc *services, w *types.WorkflowState) (store.Summary, error) {
		ctx, cancel := signalContext()
		defer cancel()
		return svc.runner.RunMultiPairOnly(ctx, w)
	})
}

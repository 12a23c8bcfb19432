package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eaforge/stress-backend/internal/simulator"
)

var (
	listStatus string
	listJSON   bool

	leaderboardJSON bool

	terminalsExperts  string
	terminalsValidate string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <workflow-id>",
	Short: "Print the full workflow document",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Rebuild the cross-workflow leaderboard",
	Long: `Rank the verified passes of every eligible workflow and write the
leaderboard page and its JSON side-car. With --json the ranked document
prints to stdout instead and nothing is written.`,
	Args: cobra.NoArgs,
	RunE: runLeaderboard,
}

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "Rebuild the workflow and scenario boards",
	Long: `Render the boards listing every workflow (all statuses) and every
stress-scenario and forward-window result, and write the page and its
JSON side-car.`,
	Args: cobra.NoArgs,
	RunE: runBoards,
}

var terminalsCmd = &cobra.Command{
	Use:   "terminals",
	Short: "List the configured simulator installs",
	Long: `List the terminals from the registry file with existence checks.
--validate reports the issues blocking a terminal from running;
--experts lists the EA sources found under a terminal's experts folder.`,
	Args: cobra.NoArgs,
	RunE: runTerminals,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(boardsCmd)
	rootCmd.AddCommand(terminalsCmd)

	listCmd.Flags().StringVar(&listStatus, "status", "", "only workflows with this status")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print the summaries as JSON")

	leaderboardCmd.Flags().BoolVar(&leaderboardJSON, "json", false, "print the ranked document instead of writing files")

	terminalsCmd.Flags().StringVar(&terminalsValidate, "validate", "", "check the named terminal's paths")
	terminalsCmd.Flags().StringVar(&terminalsExperts, "experts", "", "list EA sources under the named terminal")
}

func runList(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(false)
	if err != nil {
		return err
	}
	sums, err := svc.store.List()
	if err != nil {
		return err
	}
	if listStatus != "" {
		filtered := sums[:0]
		for _, sum := range sums {
			if string(sum.Status) == listStatus {
				filtered = append(filtered, sum)
			}
		}
		sums = filtered
	}
	if listJSON {
		return printJSON(sums)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tEA\tSYMBOL\tTF\tSTATUS\tSTEP\tOK\tFAIL\tSCORE\tUPDATED")
	for _, s := range sums {
		score := "-"
		if s.Score > 0 {
			score = fmt.Sprintf("%.2f", s.Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.WorkflowID, s.EAName, s.Symbol, s.Timeframe, s.Status,
			s.CurrentStep, s.StepsPassed, s.StepsFailed, score,
			s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d workflow(s)\n", len(sums))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(false)
	if err != nil {
		return err
	}
	w, err := svc.store.Load(args[0])
	if err != nil {
		return err
	}
	return printJSON(w)
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(false)
	if err != nil {
		return err
	}
	if leaderboardJSON {
		doc, err := svc.agg.LeaderboardData()
		if err != nil {
			return err
		}
		return printJSON(doc)
	}
	path, err := svc.agg.Leaderboard()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runBoards(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(false)
	if err != nil {
		return err
	}
	path, err := svc.agg.Boards()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runTerminals(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(false)
	if err != nil {
		return err
	}
	reg, err := simulator.LoadRegistry(svc.cfg.Terminals.RegistryPath)
	if err != nil {
		return err
	}

	if terminalsValidate != "" {
		issues, err := reg.Validate(terminalsValidate)
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Printf("terminal %q is usable\n", terminalsValidate)
			return nil
		}
		for _, issue := range issues {
			fmt.Println(issue)
		}
		return fmt.Errorf("terminal %q has %d issue(s)", terminalsValidate, len(issues))
	}

	if terminalsExperts != "" {
		experts, err := reg.FindExperts(terminalsExperts)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tRELATIVE PATH\tMODIFIED")
		for _, e := range experts {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.RelativePath, e.Modified.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tACTIVE\tEXISTS\tDATA\tPATH")
	for _, t := range reg.List() {
		active := ""
		if t.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%s\n", t.Name, active, t.Exists, t.DataExists, t.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nregistry: %s, active: %s\n", svc.cfg.Terminals.RegistryPath, orDash(reg.Active()))
	return nil
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

// Package main is the eastress CLI: it drives EA stress workflows
// through the pipeline, resumes paused ones, replays the post-pipeline
// analyses and serves the status API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eaforge/stress-backend/internal/aggregator"
	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/events"
	"github.com/eaforge/stress-backend/internal/pipeline"
	"github.com/eaforge/stress-backend/internal/simulator"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

var (
	flagConfig   string
	flagLogLevel string
	flagRunsDir  string
	flagDryRun   bool
)

var rootCmd = &cobra.Command{
	Use:   "eastress",
	Short: "EA stress-test automation backend",
	Long: `eastress compiles an expert advisor, sweeps its parameters through a
simulator optimization, verifies the surviving passes with backtests,
Monte Carlo resampling, crisis-window stress scenarios and forward
windows, and renders dashboards, boards and a cross-run leaderboard.

Workflows pause at the two analysis boundaries (parameter analysis and
pass selection) unless autonomous mode is enabled; the resume-* commands
feed the external decisions back in.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default eastress.yaml in the working directory)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagRunsDir, "runs-dir", "", "override the workflow state directory")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "run against the in-memory simulator instead of a terminal install")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// services bundles the shared dependencies a command may need. runner
// is nil unless the command asked for a simulator.
type services struct {
	logger *zap.Logger
	cfg    *config.Config
	store  *store.Store
	bus    *events.Bus
	agg    *aggregator.Aggregator
	runner *pipeline.Runner
}

func buildServices(withSim bool) (*services, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagRunsDir != "" {
		cfg.Paths.RunsDir = flagRunsDir
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.New(logger, cfg.Paths.RunsDir)
	if err != nil {
		return nil, err
	}
	agg := aggregator.New(logger, cfg, st, &aggregator.Options{
		LeaderboardDir: cfg.Paths.LeaderboardDir,
		BoardsDir:      cfg.Paths.BoardsDir,
		DashboardsDir:  cfg.Paths.DashboardsDir,
	})
	svc := &services{
		logger: logger,
		cfg:    cfg,
		store:  st,
		bus:    events.NewBus(logger, 0),
		agg:    agg,
	}
	if !withSim {
		return svc, nil
	}

	var (
		sim      simulator.Simulator
		dataPath string
	)
	if flagDryRun {
		logger.Info("dry run: using the in-memory simulator")
		sim = simulator.NewMemSim(logger, simulator.DefaultFixtures())
	} else {
		reg, err := simulator.LoadRegistry(cfg.Terminals.RegistryPath)
		if err != nil {
			return nil, err
		}
		term, err := reg.Get(cfg.Terminals.Active)
		if err != nil {
			return nil, err
		}
		if issues, err := reg.Validate(term.Name); err == nil {
			for _, issue := range issues {
				logger.Warn("terminal issue", zap.String("terminal", term.Name), zap.String("issue", issue))
			}
		}
		sim = simulator.NewTerminalSimulator(logger, cfg, term)
		dataPath = term.DataPath
	}

	svc.runner = pipeline.New(logger, cfg, sim, st, &pipeline.Options{
		Bus:      svc.bus,
		Reports:  agg,
		DataPath: dataPath,
	})
	return svc, nil
}

// signalContext cancels on SIGINT/SIGTERM so a long sweep aborts
// cleanly and the workflow state stays consistent on disk.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseTimeframe(v string) (types.Timeframe, error) {
	tf := types.Timeframe(strings.ToUpper(v))
	if _, ok := types.TimeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", v)
	}
	return tf, nil
}

// printJSON writes indented JSON to stdout; logs go to stderr so the
// output stays pipeable.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func setupLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "console"
	encodeLevel := zapcore.CapitalColorLevelEncoder
	if format == "json" {
		encoding = "json"
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

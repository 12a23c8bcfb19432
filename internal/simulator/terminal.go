package simulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/report"
	"github.com/eaforge/stress-backend/pkg/types"
)

const (
	compileTimeout = 60 * time.Second

	// mtimeSkew tolerates clock drift between the terminal writing a
	// report and this process reading its timestamp.
	mtimeSkew = 2 * time.Second
)

var (
	xmlExts  = []string{".xml"}
	htmlExts = []string{".htm", ".html"}
)

// TerminalSimulator drives a real terminal install. Every call writes
// an INI config, launches the executable with /config, waits for
// shutdown and resolves the report it produced.
type TerminalSimulator struct {
	logger    *zap.Logger
	cfg       *config.Config
	term      Terminal
	parser    *report.Parser
	breaker   *gobreaker.CircuitBreaker
	heartbeat time.Duration
}

var _ Simulator = (*TerminalSimulator)(nil)

// NewTerminalSimulator wires the adapter for one terminal install. The
// breaker trips after three consecutive launch failures so a broken
// install fails fast instead of burning the full timeout per stage.
func NewTerminalSimulator(logger *zap.Logger, cfg *config.Config, term Terminal) *TerminalSimulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:    "terminal:" + term.Name,
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &TerminalSimulator{
		logger:    logger.Named("simulator"),
		cfg:       cfg,
		term:      term,
		parser:    report.NewParser(logger),
		breaker:   gobreaker.NewCircuitBreaker(settings),
		heartbeat: cfg.Heartbeat(),
	}
}

// Terminal returns the install this adapter drives.
func (t *TerminalSimulator) Terminal() Terminal { return t.term }

// Compile runs MetaEditor over an EA source and reads the resulting
// log. MetaEditor's exit code counts compiled files, so success is
// judged by the produced binary and the absence of error lines.
func (t *TerminalSimulator) Compile(ctx context.Context, eaPath string) (types.CompileResult, error) {
	if !pathExists(eaPath) {
		return types.CompileResult{Errors: []string{fmt.Sprintf("EA source not found: %s", eaPath)}}, nil
	}
	editor := t.term.MetaEditorPath()
	if !pathExists(editor) {
		return types.CompileResult{Errors: []string{fmt.Sprintf("compiler not found: %s", editor)}}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, editor, "/compile:"+eaPath, "/log")
	cmd.Dir = filepath.Dir(eaPath)
	out, _ := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return types.CompileResult{}, ctx.Err()
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return types.CompileResult{Errors: []string{fmt.Sprintf("compilation timed out after %s", compileTimeout)}}, nil
	}

	logPath := replaceExt(eaPath, ".log")
	combined := string(out)
	if text, err := report.DecodeTextFile(logPath); err == nil {
		combined += "\n" + text
	}
	compileErrors, warnings := parseCompilerOutput(combined)

	binary := replaceExt(eaPath, ".ex5")
	built := pathExists(binary)
	res := types.CompileResult{
		Success:  built && len(compileErrors) == 0,
		LogPath:  logPath,
		Errors:   compileErrors,
		Warnings: warnings,
	}
	if res.Success {
		res.BinaryPath = binary
	} else if !built && len(compileErrors) == 0 {
		res.Errors = append(res.Errors, "compilation produced no binary")
	}

	t.logger.Info("compile finished",
		zap.String("ea", filepath.Base(eaPath)),
		zap.Bool("success", res.Success),
		zap.Int("errors", len(res.Errors)),
		zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

// Backtest runs a single pass and parses whichever report format the
// terminal produced, preferring the stat XML and enriching from the
// HTML statement's deal list.
func (t *TerminalSimulator) Backtest(ctx context.Context, binaryPath string, opts BacktestOptions) (types.BacktestResult, error) {
	if !pathExists(binaryPath) {
		return types.BacktestResult{Errors: []string{fmt.Sprintf("EA binary not found: %s", binaryPath)}}, nil
	}
	opts = t.backtestDefaults(binaryPath, opts)

	settings := TesterSettings{
		Expert:    filepath.Base(binaryPath),
		Symbol:    opts.Symbol,
		Timeframe: opts.Timeframe,
		FromDate:  opts.FromDate,
		ToDate:    opts.ToDate,
		Model:     opts.Model,
		LatencyMS: opts.LatencyMS,
		Report:    opts.ReportName,
		Deposit:   t.cfg.Backtest.Deposit,
		Currency:  t.cfg.Backtest.Currency,
		Leverage:  t.cfg.Backtest.Leverage,
	}
	iniPath, err := t.writeINI(opts.ReportName, BuildBacktestINI(settings, opts.Params))
	if err != nil {
		return types.BacktestResult{}, err
	}

	started := time.Now()
	if err := t.launch(ctx, iniPath, opts.Timeout, opts.Progress); err != nil {
		if ctx.Err() != nil {
			return types.BacktestResult{}, ctx.Err()
		}
		return types.BacktestResult{Errors: []string{err.Error()}}, nil
	}

	xmlPath, xmlOK := t.locateReport(opts.ReportName, started, xmlExts)
	htmlPath, htmlOK := t.locateReport(opts.ReportName, started, htmlExts)

	var res types.BacktestResult
	switch {
	case xmlOK:
		stats, perr := t.parser.ParseBacktestXML(xmlPath)
		if perr != nil {
			res.Errors = append(res.Errors, perr.Error())
		} else {
			res.Success = true
			res.TradeMetrics = stats.Metrics()
			res.HistoryQuality = stats.HistoryQuality
			res.Bars = stats.Bars
		}
	case htmlOK:
		stats, perr := t.parser.ParseBacktestHTML(htmlPath)
		if perr != nil {
			res.Errors = append(res.Errors, perr.Error())
		} else {
			res.Success = true
			res.TradeMetrics = stats.Metrics()
			res.HistoryQuality = stats.HistoryQuality
			res.Bars = stats.Bars
		}
	default:
		res.Errors = append(res.Errors, "no backtest report found")
	}

	if htmlOK {
		res.ReportPath = htmlPath
	} else if xmlOK {
		res.ReportPath = xmlPath
	}

	// The deal list only exists in the statement; extraction failures
	// degrade the result but do not fail the run.
	if res.Success && htmlOK {
		if extraction, xerr := t.parser.ExtractTrades(htmlPath); xerr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("trade extraction: %v", xerr))
		} else {
			res.Trades = extraction.Trades
			res.EquityCurve = report.ComputeEquityCurve(extraction.Trades, extraction.InitialBalance)
		}
	}

	t.logger.Info("backtest finished",
		zap.String("report", opts.ReportName),
		zap.Bool("success", res.Success),
		zap.Float64("profit", res.Profit),
		zap.Int("trades", res.TotalTrades))
	return res, nil
}

// Optimize runs a sweep and parses the spreadsheet XML, merging the
// forward-segment file when the terminal produced one.
func (t *TerminalSimulator) Optimize(ctx context.Context, binaryPath string, opts OptimizeOptions) (types.OptimizationResult, error) {
	if !pathExists(binaryPath) {
		return types.OptimizationResult{Errors: []string{fmt.Sprintf("EA binary not found: %s", binaryPath)}}, nil
	}
	opts = t.optimizeDefaults(binaryPath, opts)

	settings := TesterSettings{
		Expert:       filepath.Base(binaryPath),
		Symbol:       opts.Symbol,
		Timeframe:    opts.Timeframe,
		FromDate:     opts.FromDate,
		ToDate:       opts.ToDate,
		ForwardMode:  opts.ForwardMode,
		ForwardDate:  opts.ForwardDate,
		Model:        opts.Model,
		LatencyMS:    opts.LatencyMS,
		Optimization: t.cfg.Optimization.Mode,
		Criterion:    t.cfg.Optimization.Criterion,
		Report:       opts.ReportName,
		Deposit:      t.cfg.Backtest.Deposit,
		Currency:     t.cfg.Backtest.Currency,
		Leverage:     t.cfg.Backtest.Leverage,
	}
	iniPath, err := t.writeINI(opts.ReportName, BuildOptimizationINI(settings, opts.Ranges))
	if err != nil {
		return types.OptimizationResult{}, err
	}

	started := time.Now()
	if err := t.launch(ctx, iniPath, opts.Timeout, opts.Progress); err != nil {
		if ctx.Err() != nil {
			return types.OptimizationResult{}, ctx.Err()
		}
		return types.OptimizationResult{Errors: []string{err.Error()}}, nil
	}

	xmlPath, ok := t.locateReport(opts.ReportName, started, xmlExts)
	if !ok {
		return types.OptimizationResult{Errors: []string{"optimization results not found"}}, nil
	}
	forwardPath, _ := t.locateReport(opts.ReportName+".forward", started, xmlExts)

	passes, perr := t.parser.ParseOptimizationWithForward(xmlPath, forwardPath)
	if perr != nil {
		return types.OptimizationResult{XMLPath: xmlPath, Errors: []string{perr.Error()}}, nil
	}

	res := types.OptimizationResult{
		Success:        true,
		PassesCount:    len(passes),
		Results:        passes,
		XMLPath:        xmlPath,
		ForwardXMLPath: forwardPath,
	}
	if len(passes) > 0 {
		best := passes[0]
		res.Best = &best
	}
	t.logger.Info("optimization finished",
		zap.String("report", opts.ReportName),
		zap.Int("passes", res.PassesCount))
	return res, nil
}

func (t *TerminalSimulator) backtestDefaults(binaryPath string, opts BacktestOptions) BacktestOptions {
	dates := t.cfg.BacktestDates(time.Now())
	if opts.FromDate == "" {
		opts.FromDate = dates.Start
	}
	if opts.ToDate == "" {
		opts.ToDate = dates.End
	}
	if opts.Model < 0 {
		opts.Model = t.cfg.Backtest.Model
	}
	if opts.LatencyMS < 0 {
		opts.LatencyMS = t.cfg.Backtest.LatencyMS
	}
	if opts.Timeout <= 0 {
		opts.Timeout = t.cfg.BacktestTimeout()
	}
	if opts.ReportName == "" {
		opts.ReportName = stem(binaryPath) + "_BT"
	}
	return opts
}

func (t *TerminalSimulator) optimizeDefaults(binaryPath string, opts OptimizeOptions) OptimizeOptions {
	dates := t.cfg.BacktestDates(time.Now())
	if opts.FromDate == "" {
		opts.FromDate = dates.Start
	}
	if opts.ToDate == "" {
		opts.ToDate = dates.End
	}
	if opts.ForwardMode < 0 {
		opts.ForwardMode = t.cfg.Backtest.ForwardMode
	}
	if opts.ForwardMode > 0 && opts.ForwardDate == "" {
		opts.ForwardDate = dates.Split
	}
	if opts.Model < 0 {
		opts.Model = t.cfg.Backtest.Model
	}
	if opts.LatencyMS < 0 {
		opts.LatencyMS = t.cfg.Backtest.LatencyMS
	}
	if opts.Timeout <= 0 {
		opts.Timeout = t.cfg.OptimizationTimeout()
	}
	if opts.ReportName == "" {
		opts.ReportName = stem(binaryPath) + "_OPT"
	}
	return opts
}

func (t *TerminalSimulator) writeINI(reportName, content string) (string, error) {
	dir := t.term.FilesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create files dir: %w", err)
	}
	path := filepath.Join(dir, reportName+".ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write config %s: %w", path, err)
	}
	return path, nil
}

// launch kills leftover terminal processes and runs one /config
// session through the breaker.
func (t *TerminalSimulator) launch(ctx context.Context, iniPath string, timeout time.Duration, progress ProgressFunc) error {
	t.killResiduals()
	_, err := t.breaker.Execute(func() (any, error) {
		return nil, t.runSession(ctx, iniPath, timeout, progress)
	})
	return err
}

func (t *TerminalSimulator) runSession(ctx context.Context, iniPath string, timeout time.Duration, progress ProgressFunc) error {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(rctx, t.term.Path, "/config:"+iniPath)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch terminal: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("terminal run timed out after %s", timeout)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Exit codes are not meaningful here; the report decides.
			return nil
		case <-ticker.C:
			elapsed := time.Since(started).Round(time.Second)
			t.logger.Debug("terminal running",
				zap.Duration("elapsed", elapsed),
				zap.String("config", filepath.Base(iniPath)))
			if progress != nil {
				progress(elapsed)
			}
		}
	}
}

// killResiduals terminates terminal processes left over from an
// earlier run. A stuck instance holds the tester lock and every later
// launch exits immediately without writing a report.
func (t *TerminalSimulator) killResiduals() {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("taskkill", "/F", "/IM", filepath.Base(t.term.Path))
	} else {
		cmd = exec.Command("pkill", "-f", t.term.Path)
	}
	if err := cmd.Run(); err == nil {
		t.logger.Warn("killed residual terminal process", zap.String("path", t.term.Path))
	}
}

// locateReport resolves a run's output file across the known report
// directories. With a report name the stem must match exactly: falling
// back to "newest file" can silently pick up a stale report from an
// unrelated run.
func (t *TerminalSimulator) locateReport(reportName string, started time.Time, exts []string) (string, bool) {
	cutoff := started.Add(-mtimeSkew)
	if reportName != "" {
		for _, dir := range t.term.ReportDirs() {
			for _, ext := range exts {
				path := filepath.Join(dir, reportName+ext)
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if info.ModTime().After(cutoff) {
					return path, true
				}
				t.logger.Warn("report name matched a stale file",
					zap.String("path", path),
					zap.Time("modified", info.ModTime()))
			}
		}
		return "", false
	}

	var best string
	var bestTime time.Time
	for _, dir := range t.term.ReportDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !hasExt(e.Name(), exts) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) && info.ModTime().After(bestTime) {
				best = filepath.Join(dir, e.Name())
				bestTime = info.ModTime()
			}
		}
	}
	return best, best != ""
}

func parseCompilerOutput(out string) (errs, warns []string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, " : error ") || strings.Contains(lower, ": error "):
			errs = append(errs, line)
		case strings.Contains(lower, " : warning ") || strings.Contains(lower, ": warning "):
			warns = append(warns, line)
		}
	}
	return errs, warns
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range exts {
		if ext == want {
			return true
		}
	}
	return false
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

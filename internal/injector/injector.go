// Package injector instruments EA source before compilation: a custom
// OnTester criterion, a guard macro block that stubs dangerous calls
// during testing, and pinned safety inputs. Originals are never touched;
// all edits land in a suffixed copy.
package injector

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Suffix marks instrumented copies. Restore only deletes files carrying
// it so a bad path can never remove an original.
const Suffix = "_stress_test"

// onTesterCode is the injected optimization criterion:
// profit scaled by equity-curve linearity (R squared), trade-count
// confidence, and a drawdown penalty. Runs with too few trades return
// the -1000 sentinel so the optimizer discards them.
const onTesterCode = `
//+------------------------------------------------------------------+
//| OnTester - injected by the stress harness                        |
//+------------------------------------------------------------------+
double StressTestEquityR2()
{
   if(!HistorySelect(0, TimeCurrent()))
      return 0.0;
   int total = HistoryDealsTotal();
   double balance = 0.0;
   double xs = 0.0, ys = 0.0, xy = 0.0, xx = 0.0, yy = 0.0;
   int n = 0;
   for(int i = 0; i < total; i++)
   {
      ulong ticket = HistoryDealGetTicket(i);
      if(ticket == 0)
         continue;
      balance += HistoryDealGetDouble(ticket, DEAL_PROFIT)
               + HistoryDealGetDouble(ticket, DEAL_COMMISSION)
               + HistoryDealGetDouble(ticket, DEAL_SWAP);
      n++;
      double x = (double)n;
      xs += x; ys += balance; xy += x * balance; xx += x * x; yy += balance * balance;
   }
   if(n < 2)
      return 0.0;
   double cov  = n * xy - xs * ys;
   double varX = n * xx - xs * xs;
   double varY = n * yy - ys * ys;
   if(varX <= 0.0 || varY <= 0.0)
      return 0.0;
   double r = cov / MathSqrt(varX * varY);
   return r * r;
}

double OnTester()
{
   double profit = TesterStatistics(STAT_PROFIT);
   double trades = TesterStatistics(STAT_TRADES);
   double ddPct  = TesterStatistics(STAT_EQUITY_DDREL_PERCENT);

   if(trades < 50)
      return -1000.0;

   double r2 = StressTestEquityR2();
   return profit * r2 * MathSqrt(trades / 100.0) / (1.0 + ddPct / 50.0);
}
`

// safetyGuards stubs file and network calls while under test. The
// STRESS_TEST_MODE macro is also the marker that guards are present.
const safetyGuards = `
//+------------------------------------------------------------------+
//| Safety guards - injected by the stress harness                   |
//+------------------------------------------------------------------+
#define STRESS_TEST_MODE true

#ifdef STRESS_TEST_MODE
    #define FileOpen(a,b,c) INVALID_HANDLE
    #define FileWrite(a,b) 0
    #define FileDelete(a) false
    #define WebRequest(a,b,c,d,e,f,g) false
#endif
`

// safetyInputs are pinned execution limits. The reserved prefix keeps
// the extractor from ever marking them optimizable.
const safetyInputs = `
input double EAStressSafety_MaxSpreadPips   = 3.0; // Abort entries above this spread
input double EAStressSafety_MaxSlippagePips = 3.0; // Abort entries above this slippage
`

var (
	onTesterRe  = regexp.MustCompile(`(?m)^\s*(double|int|void)\s+OnTester\s*\(\s*\)`)
	directiveRe = regexp.MustCompile(`(?m)^#\w+.*$`)
	headerEndRe = regexp.MustCompile(`//\+-+\+\s*\n`)
)

// Result reports what an instrumentation run did.
type Result struct {
	Success          bool     `json:"success"`
	OriginalPath     string   `json:"original_path"`
	ModifiedPath     string   `json:"modified_path,omitempty"`
	OnTesterInjected bool     `json:"ontester_injected"`
	SafetyInjected   bool     `json:"safety_injected"`
	InputsInjected   bool     `json:"inputs_injected"`
	Errors           []string `json:"errors,omitempty"`
}

// Injector rewrites EA source copies.
type Injector struct {
	logger *zap.Logger
}

// New returns an injector logging under "injector".
func New(logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{logger: logger.Named("injector")}
}

// HasOnTester reports whether the source already defines OnTester.
func HasOnTester(content string) bool {
	return onTesterRe.MatchString(content)
}

// HasSafetyGuards reports whether the guard block was already injected.
func HasSafetyGuards(content string) bool {
	return strings.Contains(content, "STRESS_TEST_MODE")
}

// HasSafetyInputs reports whether the pinned inputs were already added.
func HasSafetyInputs(content string) bool {
	return strings.Contains(content, "EAStressSafety_MaxSpreadPips")
}

// InjectOnTester adds the custom criterion unless one exists. The code
// lands after the last preprocessor directive so includes stay on top,
// falling back to just under the header comment block.
func InjectOnTester(content string) (string, bool) {
	if HasOnTester(content) {
		return content, false
	}
	point, prefix := 0, "\n"
	if locs := directiveRe.FindAllStringIndex(content, -1); len(locs) > 0 {
		point = locs[len(locs)-1][1]
		prefix = "\n\n"
	} else {
		point = headerBlockEnd(content)
	}
	return content[:point] + prefix + onTesterCode + "\n" + content[point:], true
}

// InjectSafetyGuards adds the guard macro block right after the header
// comment so the defines precede every call site.
func InjectSafetyGuards(content string) (string, bool) {
	if HasSafetyGuards(content) {
		return content, false
	}
	point := headerBlockEnd(content)
	return content[:point] + "\n" + safetyGuards + "\n" + content[point:], true
}

// InjectSafetyInputs appends the pinned execution-limit inputs after the
// guard block (or the header when guards are absent).
func InjectSafetyInputs(content string) (string, bool) {
	if HasSafetyInputs(content) {
		return content, false
	}
	if idx := strings.Index(content, "#endif"); idx >= 0 && HasSafetyGuards(content) {
		point := idx + len("#endif")
		return content[:point] + "\n" + safetyInputs + content[point:], true
	}
	point := headerBlockEnd(content)
	return content[:point] + "\n" + safetyInputs + "\n" + content[point:], true
}

// headerBlockEnd returns the offset just past the initial //+---+ boxed
// comment, or 0 when the file does not start with one.
func headerBlockEnd(content string) int {
	if !strings.HasPrefix(strings.TrimSpace(content), "//+") {
		return 0
	}
	lines := strings.SplitAfter(content, "\n")
	offset := 0
	for i, line := range lines {
		offset += len(line)
		trimmed := strings.TrimSpace(line)
		if i > 0 && strings.HasPrefix(trimmed, "//+") && strings.HasSuffix(trimmed, "+") {
			return offset
		}
	}
	return 0
}

// Options selects which instrumentation passes run.
type Options struct {
	OnTester     bool
	SafetyGuards bool
	SafetyInputs bool
	OutputDir    string
}

// DefaultOptions enables every pass, writing next to the original.
func DefaultOptions() Options {
	return Options{OnTester: true, SafetyGuards: true, SafetyInputs: true}
}

// CreateModifiedEA writes an instrumented copy named
// "<stem>_stress_test.mq5" and reports which passes fired.
func (in *Injector) CreateModifiedEA(eaPath string, opts Options) Result {
	res := Result{OriginalPath: eaPath}

	raw, err := os.ReadFile(eaPath)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("read EA: %v", err))
		return res
	}
	content := string(raw)

	if opts.OnTester {
		content, res.OnTesterInjected = InjectOnTester(content)
	}
	if opts.SafetyGuards {
		content, res.SafetyInjected = InjectSafetyGuards(content)
	}
	if opts.SafetyInputs {
		content, res.InputsInjected = InjectSafetyInputs(content)
	}

	dir := opts.OutputDir
	if dir == "" {
		dir = filepath.Dir(eaPath)
	}
	stem := strings.TrimSuffix(filepath.Base(eaPath), filepath.Ext(eaPath))
	out := filepath.Join(dir, stem+Suffix+".mq5")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("create output dir: %v", err))
		return res
	}
	if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("write modified EA: %v", err))
		return res
	}

	res.Success = true
	res.ModifiedPath = out
	in.logger.Info("created instrumented EA",
		zap.String("original", eaPath),
		zap.String("modified", out),
		zap.Bool("ontester", res.OnTesterInjected),
		zap.Bool("guards", res.SafetyInjected),
		zap.Bool("inputs", res.InputsInjected))
	return res
}

// ApplySafety edits an instrumented copy in place, adding the guard
// block and the pinned inputs. Used by the safety stage after the
// OnTester stage has produced the copy.
func (in *Injector) ApplySafety(path string) (guards, inputs bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, false, fmt.Errorf("read instrumented EA: %w", err)
	}
	content := string(raw)
	content, guards = InjectSafetyGuards(content)
	content, inputs = InjectSafetyInputs(content)
	if !guards && !inputs {
		return false, false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return guards, inputs, fmt.Errorf("write instrumented EA: %w", err)
	}
	in.logger.Debug("applied safety instrumentation",
		zap.String("path", path),
		zap.Bool("guards", guards),
		zap.Bool("inputs", inputs))
	return guards, inputs, nil
}

// RestoreOriginal deletes an instrumented copy (and its compiled binary)
// if and only if the path carries the instrumentation suffix.
func (in *Injector) RestoreOriginal(modifiedPath string) bool {
	stem := strings.TrimSuffix(filepath.Base(modifiedPath), filepath.Ext(modifiedPath))
	if !strings.Contains(stem, Suffix) {
		return false
	}
	if err := os.Remove(modifiedPath); err != nil {
		return false
	}
	binary := strings.TrimSuffix(modifiedPath, filepath.Ext(modifiedPath)) + ".ex5"
	if _, err := os.Stat(binary); err == nil {
		os.Remove(binary)
	}
	in.logger.Debug("removed instrumented copy", zap.String("path", modifiedPath))
	return true
}

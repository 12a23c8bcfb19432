package simulator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eaforge/stress-backend/pkg/types"
)

// TesterSettings is the [Tester] section of a terminal config file.
type TesterSettings struct {
	Expert       string
	Symbol       string
	Timeframe    types.Timeframe
	FromDate     string
	ToDate       string
	ForwardMode  int
	ForwardDate  string
	Model        int
	LatencyMS    int
	Optimization int
	Criterion    int
	Report       string
	Deposit      float64
	Currency     string
	Leverage     int
}

// BuildOptimizationINI renders the config for a parameter sweep,
// inputs in the order given.
func BuildOptimizationINI(s TesterSettings, ranges []types.OptimizationRange) string {
	var b strings.Builder
	writeHeader(&b)
	writeTester(&b, s)
	b.WriteString("\n[TesterInputs]\n")
	for _, r := range ranges {
		if r.Name == "" {
			continue
		}
		b.WriteString(FormatRangeLine(r))
		b.WriteByte('\n')
	}
	return b.String()
}

// BuildBacktestINI renders the config for a single run with optional
// parameter overrides, sorted by name for stable output.
func BuildBacktestINI(s TesterSettings, params map[string]any) string {
	s.Optimization = 0
	var b strings.Builder
	writeHeader(&b)
	writeTester(&b, s)
	if len(params) > 0 {
		b.WriteString("\n[TesterInputs]\n")
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(formatInputValue(params[name]))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func writeHeader(b *strings.Builder) {
	b.WriteString("; eastress generated config\n")
	b.WriteString("; generated: " + time.Now().Format(time.RFC3339) + "\n\n")
}

func writeTester(b *strings.Builder, s TesterSettings) {
	lines := []string{
		"[Tester]",
		"Expert=" + s.Expert,
		"Symbol=" + s.Symbol,
		fmt.Sprintf("Period=%d", s.Timeframe.Minutes()),
		"FromDate=" + s.FromDate,
		"ToDate=" + s.ToDate,
	}
	if s.ForwardMode > 0 && s.ForwardDate != "" {
		lines = append(lines,
			fmt.Sprintf("ForwardMode=%d", s.ForwardMode),
			"ForwardDate="+s.ForwardDate,
		)
	} else {
		lines = append(lines, "ForwardMode=0")
	}
	lines = append(lines,
		fmt.Sprintf("Model=%d", s.Model),
		fmt.Sprintf("ExecutionMode=%d", s.LatencyMS),
		fmt.Sprintf("Optimization=%d", s.Optimization),
	)
	if s.Optimization > 0 {
		lines = append(lines, fmt.Sprintf("OptimizationCriterion=%d", s.Criterion))
	}
	lines = append(lines,
		"Report="+s.Report,
		"ReplaceReport=1",
		"UseLocal=1",
		"Visual=0",
		"ShutdownTerminal=1",
		"Deposit="+strconv.FormatFloat(s.Deposit, 'f', -1, 64),
		"Currency="+s.Currency,
		fmt.Sprintf("Leverage=%d", s.Leverage),
	)
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// FormatRangeLine renders one [TesterInputs] line:
// name=value||start||step||stop||Y for a sweep, ||N pinned. Pinned
// booleans keep their true/false literal so the terminal does not
// coerce them to 0.
func FormatRangeLine(r types.OptimizationRange) string {
	if v, ok := r.FixedValue.(bool); ok {
		lit := "false"
		if v {
			lit = "true"
		}
		return fmt.Sprintf("%s=%s||%s||0||%s||N", r.Name, lit, lit, lit)
	}

	start, step, stop := r.Start, r.Step, r.Stop
	if r.Optimize && types.IsToggleParam(r.Name) && stop <= start {
		// An optimizing toggle without an explicit range sweeps 0..1.
		start, step, stop = 0, 1, 1
	}
	if r.Optimize && step > 0 {
		return fmt.Sprintf("%s=%s||%s||%s||%s||Y",
			r.Name, num(start), num(start), num(step), num(stop))
	}
	fixed := r.Fixed()
	return fmt.Sprintf("%s=%s||%s||0||%s||N", r.Name, fixed, fixed, fixed)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatInputValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Package params extracts input declarations from EA source files. The
// extraction is line oriented: EA inputs are single-line declarations by
// convention, and a full language parser buys nothing here.
package params

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

// SafetyPrefix marks inputs injected by the safety-guard pass. They are
// infrastructure, never optimization candidates.
const SafetyPrefix = "EAStressSafety_"

// declaredTypes maps source type spellings onto normalized types.
// Unlisted ENUM_/all-caps types normalize to enum, everything else to
// string.
var declaredTypes = map[string]types.ParamType{
	"int":                types.ParamTypeInt,
	"uint":               types.ParamTypeInt,
	"long":               types.ParamTypeInt,
	"ulong":              types.ParamTypeInt,
	"short":              types.ParamTypeInt,
	"ushort":             types.ParamTypeInt,
	"char":               types.ParamTypeInt,
	"uchar":              types.ParamTypeInt,
	"double":             types.ParamTypeDouble,
	"float":              types.ParamTypeDouble,
	"bool":               types.ParamTypeBool,
	"string":             types.ParamTypeString,
	"datetime":           types.ParamTypeDatetime,
	"color":              types.ParamTypeColor,
	"enum_timeframes":    types.ParamTypeEnum,
	"enum_applied_price": types.ParamTypeEnum,
	"enum_ma_method":     types.ParamTypeEnum,
	"enum_order_type":    types.ParamTypeEnum,
	"enum_position_type": types.ParamTypeEnum,
}

// inputRe matches one input declaration:
//
//	input int MyParam = 10; // comment
//	sinput string Note = "x";
//
// sinput marks a static input the optimizer must not sweep.
var inputRe = regexp.MustCompile(`^\s*(sinput|input)\s+([\w]+)\s+(\w+)\s*(?:=\s*([^;/]+?))?\s*;(?:\s*//\s*(.*))?`)

// Extractor scrapes EA source for input parameters.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor returns an extractor logging under "params".
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("params")}
}

// Extract reads an EA source file and returns its input declarations in
// source order. A parameter is optimizable when it is a plain (non
// static) numeric input and not an injected safety guard.
func (e *Extractor) Extract(eaPath string) ([]types.Parameter, error) {
	raw, err := os.ReadFile(eaPath)
	if err != nil {
		return nil, fmt.Errorf("read ea source: %w", err)
	}
	params := Parse(string(raw))
	e.logger.Debug("extracted parameters",
		zap.String("path", eaPath),
		zap.Int("total", len(params)),
		zap.Int("optimizable", len(Optimizable(params))))
	return params, nil
}

// Parse scans source text for input declarations.
func Parse(source string) []types.Parameter {
	var params []types.Parameter
	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") {
			continue
		}
		m := inputRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		keyword, declared, name := m[1], strings.TrimSpace(m[2]), m[3]
		p := types.Parameter{
			Name:         name,
			DeclaredType: declared,
			Type:         normalizeType(declared),
			Default:      strings.TrimSpace(m[4]),
			Comment:      strings.TrimSpace(m[5]),
			Line:         i + 1,
		}
		p.Optimizable = keyword == "input" &&
			p.Type.Numeric() &&
			!strings.HasPrefix(name, SafetyPrefix)
		params = append(params, p)
	}
	return params
}

func normalizeType(declared string) types.ParamType {
	if t, ok := declaredTypes[strings.ToLower(declared)]; ok {
		return t
	}
	if strings.HasPrefix(declared, "ENUM_") || declared == strings.ToUpper(declared) {
		return types.ParamTypeEnum
	}
	return types.ParamTypeString
}

// Optimizable filters to the sweep candidates.
func Optimizable(params []types.Parameter) []types.Parameter {
	var out []types.Parameter
	for _, p := range params {
		if p.Optimizable {
			out = append(out, p)
		}
	}
	return out
}

// FormatTable renders parameters for terminal display.
func FormatTable(params []types.Parameter) string {
	if len(params) == 0 {
		return "No input parameters found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-20s %-15s %s\n", "Name", "Type", "Default", "Optimizable")
	b.WriteString(strings.Repeat("-", 75) + "\n")
	for _, p := range params {
		def := p.Default
		if def == "" {
			def = "-"
		}
		opt := "No"
		if p.Optimizable {
			opt = "Yes"
		}
		fmt.Fprintf(&b, "%-25s %-20s %-15s %s\n", p.Name, p.DeclaredType, def, opt)
	}
	return b.String()
}

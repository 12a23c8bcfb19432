package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

const eaSource = `//+------------------------------------------------------------------+
//| Sample EA                                                        |
//+------------------------------------------------------------------+
#property version "1.00"

input int    MaPeriod   = 14;       // Moving average period
input double LotSize    = 0.10;
input double StopLoss   = 50.0;     // In points
sinput string TradeComment = "ea";  // Static, not swept
input bool   UseTrailing = true;
input ENUM_TIMEFRAMES SignalTF = PERIOD_H1;
input int EAStressSafety_MaxSpread = 30;
// input int Disabled = 5;
int notAnInput = 3;
`

func TestParseDeclarations(t *testing.T) {
	params := Parse(eaSource)
	require.Len(t, params, 7)

	byName := map[string]types.Parameter{}
	for _, p := range params {
		byName[p.Name] = p
	}

	ma := byName["MaPeriod"]
	assert.Equal(t, types.ParamTypeInt, ma.Type)
	assert.Equal(t, "14", ma.Default)
	assert.Equal(t, "Moving average period", ma.Comment)
	assert.Equal(t, 6, ma.Line)
	assert.True(t, ma.Optimizable)

	lots := byName["LotSize"]
	assert.Equal(t, types.ParamTypeDouble, lots.Type)
	assert.True(t, lots.Optimizable)
	assert.Empty(t, lots.Comment)

	// sinput and non-numeric inputs are never swept.
	assert.False(t, byName["TradeComment"].Optimizable)
	assert.Equal(t, types.ParamTypeString, byName["TradeComment"].Type)
	assert.False(t, byName["UseTrailing"].Optimizable)
	assert.Equal(t, types.ParamTypeBool, byName["UseTrailing"].Type)
	assert.Equal(t, types.ParamTypeEnum, byName["SignalTF"].Type)

	// Injected safety inputs stay pinned even though they are numeric.
	assert.False(t, byName["EAStressSafety_MaxSpread"].Optimizable)

	_, disabled := byName["Disabled"]
	assert.False(t, disabled, "commented declarations are skipped")
	_, plain := byName["notAnInput"]
	assert.False(t, plain)
}

func TestOptimizableFilter(t *testing.T) {
	opt := Optimizable(Parse(eaSource))
	names := make([]string, len(opt))
	for i, p := range opt {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"MaPeriod", "LotSize", "StopLoss"}, names)
}

func TestExtractReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.mq5")
	require.NoError(t, os.WriteFile(path, []byte(eaSource), 0o644))

	e := NewExtractor(zap.NewNop())
	params, err := e.Extract(path)
	require.NoError(t, err)
	assert.Len(t, params, 7)

	_, err = e.Extract(filepath.Join(t.TempDir(), "missing.mq5"))
	assert.Error(t, err)
}

func TestNormalizeUnknownTypes(t *testing.T) {
	params := Parse("input ENUM_CUSTOM_MODE Mode = 0;\ninput MYTYPE Raw = 1;\ninput Widget W = 2;")
	require.Len(t, params, 3)
	assert.Equal(t, types.ParamTypeEnum, params[0].Type)
	assert.Equal(t, types.ParamTypeEnum, params[1].Type, "all-caps types read as enums")
	assert.Equal(t, types.ParamTypeString, params[2].Type)
	assert.False(t, params[2].Optimizable)
}

func TestFormatTable(t *testing.T) {
	out := FormatTable(Parse(eaSource))
	assert.Contains(t, out, "MaPeriod")
	assert.Contains(t, out, "Optimizable")
	assert.Equal(t, "No input parameters found.", FormatTable(nil))
}

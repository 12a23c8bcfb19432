package injector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/params"
)

const sampleEA = `//+------------------------------------------------------------------+
//| Demo EA                                                          |
//+------------------------------------------------------------------+
#property copyright "x"
#property version   "1.00"
#include <Trade\Trade.mqh>

input int MaPeriod = 14;

void OnTick()
{
}
`

func TestHasOnTester(t *testing.T) {
	assert.False(t, HasOnTester(sampleEA))
	assert.True(t, HasOnTester("double OnTester()\n{\n return 0; }"))
	assert.True(t, HasOnTester("  int OnTester ( ) { return 0; }"))
	assert.False(t, HasOnTester("// double OnTester() disabled"))
}

func TestInjectOnTesterAfterDirectives(t *testing.T) {
	out, injected := InjectOnTester(sampleEA)
	require.True(t, injected)
	assert.True(t, HasOnTester(out))

	// Lands after the include, before OnTick.
	include := strings.Index(out, "#include")
	tester := strings.Index(out, "double OnTester()")
	tick := strings.Index(out, "void OnTick()")
	assert.Greater(t, tester, include)
	assert.Less(t, tester, tick)

	// Second pass is a no-op.
	again, injected := InjectOnTester(out)
	assert.False(t, injected)
	assert.Equal(t, out, again)
}

func TestInjectOnTesterWithoutDirectives(t *testing.T) {
	src := "//+---+\n//| X |\n//+---+\nvoid OnTick() {}\n"
	out, injected := InjectOnTester(src)
	require.True(t, injected)
	tester := strings.Index(out, "double OnTester()")
	tick := strings.Index(out, "void OnTick()")
	assert.Less(t, tester, tick)
}

func TestInjectSafetyGuards(t *testing.T) {
	out, injected := InjectSafetyGuards(sampleEA)
	require.True(t, injected)
	assert.True(t, HasSafetyGuards(out))

	// Guards precede the EA's own directives.
	guard := strings.Index(out, "#define STRESS_TEST_MODE")
	property := strings.Index(out, "#property copyright")
	assert.Less(t, guard, property)

	_, again := InjectSafetyGuards(out)
	assert.False(t, again)
}

func TestInjectSafetyInputs(t *testing.T) {
	withGuards, _ := InjectSafetyGuards(sampleEA)
	out, injected := InjectSafetyInputs(withGuards)
	require.True(t, injected)
	assert.True(t, HasSafetyInputs(out))

	// Inputs follow the guard block.
	endif := strings.Index(out, "#endif")
	input := strings.Index(out, "EAStressSafety_MaxSpreadPips")
	assert.Greater(t, input, endif)

	// The extractor must see them as pinned.
	extracted := params.Parse(out)
	for _, p := range extracted {
		if strings.HasPrefix(p.Name, params.SafetyPrefix) {
			assert.False(t, p.Optimizable, p.Name)
		}
	}
	var names []string
	for _, p := range extracted {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "EAStressSafety_MaxSpreadPips")
	assert.Contains(t, names, "EAStressSafety_MaxSlippagePips")
}

func TestCreateModifiedEA(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Demo.mq5")
	require.NoError(t, os.WriteFile(src, []byte(sampleEA), 0o644))

	in := New(zap.NewNop())
	res := in.CreateModifiedEA(src, DefaultOptions())
	require.True(t, res.Success, res.Errors)
	assert.True(t, res.OnTesterInjected)
	assert.True(t, res.SafetyInjected)
	assert.True(t, res.InputsInjected)
	assert.Equal(t, filepath.Join(dir, "Demo_stress_test.mq5"), res.ModifiedPath)

	// Original is untouched.
	orig, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, sampleEA, string(orig))

	modified, err := os.ReadFile(res.ModifiedPath)
	require.NoError(t, err)
	assert.True(t, HasOnTester(string(modified)))
	assert.True(t, HasSafetyGuards(string(modified)))
}

func TestCreateModifiedEAMissingFile(t *testing.T) {
	in := New(zap.NewNop())
	res := in.CreateModifiedEA(filepath.Join(t.TempDir(), "nope.mq5"), DefaultOptions())
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)
}

func TestApplySafetyInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Demo_stress_test.mq5")
	require.NoError(t, os.WriteFile(path, []byte(sampleEA), 0o644))

	in := New(zap.NewNop())
	guards, inputs, err := in.ApplySafety(path)
	require.NoError(t, err)
	assert.True(t, guards)
	assert.True(t, inputs)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, HasSafetyGuards(string(content)))

	guards, inputs, err = in.ApplySafety(path)
	require.NoError(t, err)
	assert.False(t, guards)
	assert.False(t, inputs)
}

func TestRestoreOriginalGuardsSuffix(t *testing.T) {
	dir := t.TempDir()
	in := New(zap.NewNop())

	plain := filepath.Join(dir, "Demo.mq5")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.False(t, in.RestoreOriginal(plain), "refuses paths without the suffix")
	_, err := os.Stat(plain)
	assert.NoError(t, err)

	modified := filepath.Join(dir, "Demo_stress_test.mq5")
	require.NoError(t, os.WriteFile(modified, []byte("x"), 0o644))
	assert.True(t, in.RestoreOriginal(modified))
	_, err = os.Stat(modified)
	assert.True(t, os.IsNotExist(err))
}

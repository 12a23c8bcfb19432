package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/injector"
	"github.com/eaforge/stress-backend/internal/params"
	"github.com/eaforge/stress-backend/pkg/types"
)

// loadEA verifies the EA source file exists and records its identity.
type loadEA struct{}

func (loadEA) Name() string { return types.StepLoadEA }
func (loadEA) Dependencies() []string { return nil }

func (loadEA) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	info, err := os.Stat(sc.State.EAPath)
	exists := err == nil && !info.IsDir()
	gate := gates.FileExists(exists)
	if !exists {
		return failGate(gate, fmt.Sprintf("EA file not found: %s", sc.State.EAPath), nil), nil
	}
	sc.Logger.Info("EA loaded",
		zap.String("path", sc.State.EAPath),
		zap.Int64("size", info.Size()))
	return types.StageOK(map[string]any{
		"ea_path":    sc.State.EAPath,
		"ea_name":    sc.State.EAName,
		"size_bytes": info.Size(),
	}).WithGate(gate), nil
}

// injectOnTester writes the instrumented working copy with the tester
// hook appended. The original source is never touched.
type injectOnTester struct{}

func (injectOnTester) Name() string { return types.StepInjectOnTester }
func (injectOnTester) Dependencies() []string { return []string{types.StepLoadEA} }

func (injectOnTester) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	inj := injector.New(sc.Logger)
	res := inj.CreateModifiedEA(sc.State.EAPath, injector.Options{OnTester: true})
	if !res.Success {
		errs := res.Errors
		if len(errs) == 0 {
			errs = []string{"failed to create modified EA copy"}
		}
		return types.StageFail(errs...), nil
	}
	return types.StageOK(map[string]any{
		"original_path":     res.OriginalPath,
		KeyModifiedPath:     res.ModifiedPath,
		"ontester_injected": res.OnTesterInjected,
		"safety_injected":   false,
	}), nil
}

// injectSafety adds the spread/slippage guard block and its inputs to
// the working copy produced by the previous step.
type injectSafety struct{}

func (injectSafety) Name() string { return types.StepInjectSafety }
func (injectSafety) Dependencies() []string { return []string{types.StepInjectOnTester} }

func (injectSafety) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	data := stepData(sc, types.StepInjectOnTester)
	if data == nil {
		return types.StageFail(depFailure(types.StepInjectOnTester)), nil
	}
	path := dataString(data, KeyModifiedPath)
	if path == "" {
		return types.StageFail(fmt.Sprintf("No modified EA path recorded by step %s", types.StepInjectOnTester)), nil
	}

	inj := injector.New(sc.Logger)
	guards, inputs, err := inj.ApplySafety(path)
	if err != nil {
		return types.StageFail(fmt.Sprintf("safety injection: %v", err)), nil
	}
	return types.StageOK(map[string]any{
		"path":            path,
		"safety_injected": guards,
		"inputs_injected": inputs,
	}), nil
}

// compileEA compiles the instrumented copy through the simulator.
type compileEA struct{}

func (compileEA) Name() string { return types.StepCompile }
func (compileEA) Dependencies() []string { return []string{types.StepLoadEA} }

func (compileEA) Execute(ctx context.Context, sc *Context) (types.StageResult, error) {
	src := sourcePath(sc)
	sc.progress(types.StepCompile, -1, "compiling "+filepath.Base(src))

	res, err := sc.Sim.Compile(ctx, src)
	if err != nil {
		return types.StageResult{}, err
	}

	compileErrors := res.Errors
	if !res.Success && len(compileErrors) == 0 {
		compileErrors = []string{"compilation failed"}
	}
	gate := gates.Compilation(len(compileErrors))

	data := map[string]any{
		"source_path": src,
		KeyExePath:    res.BinaryPath,
	}
	if len(compileErrors) > 0 {
		data["errors"] = compileErrors
	}
	if len(res.Warnings) > 0 {
		data["warnings"] = res.Warnings
	}
	if !res.Success {
		r := failGate(gate, compileErrors[0], data)
		r.Errors = compileErrors
		return r, nil
	}
	return types.StageOK(data).WithGate(gate), nil
}

// extractParams parses the input declarations out of the EA source,
// instrumented copy preferred so the injected safety inputs are known
// to later steps.
type extractParams struct{}

func (extractParams) Name() string { return types.StepExtractParams }
func (extractParams) Dependencies() []string { return []string{types.StepLoadEA} }

func (extractParams) Execute(_ context.Context, sc *Context) (types.StageResult, error) {
	src := sourcePath(sc)
	extracted, err := params.NewExtractor(sc.Logger).Extract(src)
	if err != nil {
		return types.StageFail(fmt.Sprintf("parameter extraction: %v", err)), nil
	}

	gate := gates.ParamsFound(len(extracted))
	if len(extracted) == 0 {
		return failGate(gate, "No parameters found in EA", nil), nil
	}

	optimizable := params.Optimizable(extracted)
	sc.Logger.Info("parameters extracted",
		zap.Int("total", len(extracted)),
		zap.Int("optimizable", len(optimizable)))
	return types.StageOK(map[string]any{
		"params":      extracted,
		"count":       len(extracted),
		"optimizable": len(optimizable),
		"source_path": src,
	}).WithGate(gate), nil
}

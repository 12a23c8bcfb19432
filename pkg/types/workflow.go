package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Pipeline step identifiers. StageResults are keyed by these names and
// the order below is the executor's total order.
const (
	StepLoadEA          = "1_load_ea"
	StepInjectOnTester  = "1b_inject_ontester"
	StepInjectSafety    = "1c_inject_safety"
	StepCompile         = "2_compile"
	StepExtractParams   = "3_extract_params"
	StepAnalyzeParams   = "4_analyze_params"
	StepValidateTrades  = "5_validate_trades"
	StepFixEA           = "5b_fix_ea"
	StepCreateINI       = "6_create_ini"
	StepRunOptimization = "7_run_optimization"
	StepParseResults    = "8_parse_results"
	StepSelectPasses    = "8b_select_passes"
	StepBacktestTop     = "9_backtest_top"
	StepMonteCarlo      = "10_monte_carlo"
	StepGenerateReports = "11_generate_reports"
	StepStressScenarios = "12_stress_scenarios"
	StepForwardWindows  = "13_forward_windows"
	StepMultiPair       = "14_multi_pair"
)

// StepOrder is the declared execution order. 5b is a repair step that
// only appears when validation trips.
var StepOrder = []string{
	StepLoadEA,
	StepInjectOnTester,
	StepInjectSafety,
	StepCompile,
	StepExtractParams,
	StepAnalyzeParams,
	StepValidateTrades,
	StepFixEA,
	StepCreateINI,
	StepRunOptimization,
	StepParseResults,
	StepSelectPasses,
	StepBacktestTop,
	StepMonteCarlo,
	StepGenerateReports,
	StepStressScenarios,
	StepForwardWindows,
	StepMultiPair,
}

// StepIndex returns the position of a step in the declared order, or -1
// for unknown names.
func StepIndex(name string) int {
	for i, s := range StepOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// KnownStep reports whether name is in the declared step list.
func KnownStep(name string) bool { return StepIndex(name) >= 0 }

// StageResult is the immutable outcome of one pipeline stage.
type StageResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Gate    *GateResult    `json:"gate,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// StageOK builds a successful result carrying the stage payload.
func StageOK(data map[string]any) StageResult {
	return StageResult{Success: true, Data: data}
}

// StageFail builds a failed result from error strings.
func StageFail(errs ...string) StageResult {
	return StageResult{Success: false, Errors: errs}
}

// WithGate attaches a gate outcome; the result fails when the gate does.
func (r StageResult) WithGate(g GateResult) StageResult {
	r.Gate = &g
	if !g.Passed {
		r.Success = false
		r.Errors = append(r.Errors, g.Message)
	}
	return r
}

// StepMap is an insertion-ordered map of step name to StageResult. It
// marshals to a plain JSON object whose key order is execution order.
type StepMap struct {
	order []string
	items map[string]StageResult
}

// NewStepMap returns an empty ordered step map.
func NewStepMap() *StepMap {
	return &StepMap{items: make(map[string]StageResult)}
}

// Get returns the result recorded for a step.
func (m *StepMap) Get(name string) (StageResult, bool) {
	if m == nil || m.items == nil {
		return StageResult{}, false
	}
	r, ok := m.items[name]
	return r, ok
}

// Has reports whether a step has a recorded result.
func (m *StepMap) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Set records a step result, keeping the original position on overwrite.
func (m *StepMap) Set(name string, r StageResult) {
	if m.items == nil {
		m.items = make(map[string]StageResult)
	}
	if _, exists := m.items[name]; !exists {
		m.order = append(m.order, name)
	}
	m.items[name] = r
}

// Delete removes a step result.
func (m *StepMap) Delete(name string) {
	if m == nil || m.items == nil {
		return
	}
	if _, exists := m.items[name]; !exists {
		return
	}
	delete(m.items, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Clear removes all recorded results.
func (m *StepMap) Clear() {
	m.order = nil
	m.items = make(map[string]StageResult)
}

// Names returns the recorded step names in execution order.
func (m *StepMap) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of recorded steps.
func (m *StepMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Each visits results in execution order until fn returns false.
func (m *StepMap) Each(fn func(name string, r StageResult) bool) {
	if m == nil {
		return
	}
	for _, name := range m.order {
		if !fn(name, m.items[name]) {
			return
		}
	}
}

// MarshalJSON emits a JSON object with keys in execution order.
func (m *StepMap) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.order) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.items[name])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores both the results and their recorded order.
func (m *StepMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("steps: expected object, got %v", tok)
	}
	m.order = nil
	m.items = make(map[string]StageResult)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("steps: non-string key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var r StageResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("steps[%s]: %w", key, err)
		}
		m.Set(key, r)
	}
	_, err = dec.Token() // closing brace
	return err
}

// WorkflowState is the full persisted record of one pipeline run.
type WorkflowState struct {
	WorkflowID         string                `json:"workflow_id"`
	EAName             string                `json:"ea_name"`
	EAPath             string                `json:"ea_path"`
	Symbol             string                `json:"symbol"`
	Timeframe          Timeframe             `json:"timeframe"`
	TerminalID         string                `json:"terminal_id,omitempty"`
	Status             Status                `json:"status"`
	CurrentStep        string                `json:"current_step,omitempty"`
	Steps              *StepMap              `json:"steps"`
	Metrics            map[string]float64    `json:"metrics"`
	Gates              map[string]GateResult `json:"gates"`
	Errors             []string              `json:"errors,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	FixAttempts        int                   `json:"fix_attempts"`
	MaxFixAttempts     int                   `json:"max_fix_attempts"`
	PreviousWorkflowID string                `json:"previous_workflow_id,omitempty"`

	// Optional blocks filled by later stages and the re-optimization loop.
	Checkpoints    map[string]bool       `json:"checkpoints,omitempty"`
	ReoptCount     int                   `json:"re_optimization_count,omitempty"`
	PreviousRanges [][]OptimizationRange `json:"previous_optimization_ranges,omitempty"`
	Analysis       map[string]any        `json:"analysis,omitempty"`
	StressReport   *StressReport         `json:"stress_scenarios,omitempty"`
	WindowReport   *WindowReport         `json:"forward_windows,omitempty"`
	MultiPairRuns  []MultiPairRun        `json:"multi_pair_runs,omitempty"`
}

// NewWorkflowState constructs a pending workflow. Timestamps are
// truncated to whole seconds so persisted state round-trips exactly.
func NewWorkflowState(id, eaName, eaPath, symbol string, tf Timeframe) *WorkflowState {
	now := time.Now().UTC().Truncate(time.Second)
	return &WorkflowState{
		WorkflowID:     id,
		EAName:         eaName,
		EAPath:         eaPath,
		Symbol:         symbol,
		Timeframe:      tf,
		Status:         StatusPending,
		Steps:          NewStepMap(),
		Metrics:        make(map[string]float64),
		Gates:          make(map[string]GateResult),
		CreatedAt:      now,
		UpdatedAt:      now,
		MaxFixAttempts: 3,
	}
}

// Touch refreshes the updated timestamp.
func (w *WorkflowState) Touch() {
	w.UpdatedAt = time.Now().UTC().Truncate(time.Second)
}

// RecordGate stores a gate outcome on the workflow.
func (w *WorkflowState) RecordGate(g GateResult) {
	if w.Gates == nil {
		w.Gates = make(map[string]GateResult)
	}
	w.Gates[g.Name] = g
}

// MergeMetrics folds a metric delta into the workflow-level record.
func (w *WorkflowState) MergeMetrics(delta map[string]float64) {
	if len(delta) == 0 {
		return
	}
	if w.Metrics == nil {
		w.Metrics = make(map[string]float64)
	}
	for k, v := range delta {
		w.Metrics[k] = v
	}
}

// AddError appends a workflow-level error string.
func (w *WorkflowState) AddError(format string, args ...any) {
	w.Errors = append(w.Errors, fmt.Sprintf(format, args...))
}

// StepResult is a convenience accessor over Steps.
func (w *WorkflowState) StepResult(name string) (StageResult, bool) {
	return w.Steps.Get(name)
}

// StepPassed reports whether a step ran and succeeded.
func (w *WorkflowState) StepPassed(name string) bool {
	r, ok := w.Steps.Get(name)
	return ok && r.Success
}

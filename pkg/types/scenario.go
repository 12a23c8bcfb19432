package types

import "time"

// ScenarioVariant distinguishes simulator-executed scenarios from
// cost-overlay derivations.
type ScenarioVariant string

const (
	VariantBase    ScenarioVariant = "base"
	VariantOverlay ScenarioVariant = "overlay"
)

// Data model identifiers used by the simulator tester.
const (
	ModelTick = 0
	ModelOHLC = 1
)

// ScenarioWindow is the date slice a scenario replays. Dates use the
// simulator's YYYY.MM.DD form.
type ScenarioWindow struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// ScenarioSettings are the simulator knobs for one scenario run.
type ScenarioSettings struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Model        int    `json:"model"`
	LatencyMS    int    `json:"latency_ms"`
	SpreadPoints int    `json:"spread_points,omitempty"`
}

// OverlaySettings parameterize a post-hoc cost overlay.
type OverlaySettings struct {
	SpreadPips   float64 `json:"spread_pips"`
	SlippagePips float64 `json:"slippage_pips"`
	Sides        int     `json:"sides"`
}

// Scenario is one stress replay of the best pass: a window plus model,
// latency and optional cost-overlay settings. IDs are deterministic from
// the inputs.
type Scenario struct {
	ID             string           `json:"id"`
	Label          string           `json:"label"`
	PeriodID       string           `json:"period_id"`
	Variant        ScenarioVariant  `json:"variant"`
	Window         ScenarioWindow   `json:"window"`
	Settings       ScenarioSettings `json:"settings"`
	Tags           []string         `json:"tags,omitempty"`
	Overlay        *OverlaySettings `json:"overlay_settings,omitempty"`
	BaseScenarioID string           `json:"base_scenario_id,omitempty"`
}

// TickCoverage records the tick-file validation outcome for a tick-model
// scenario window.
type TickCoverage struct {
	OK            bool     `json:"ok"`
	Server        string   `json:"server,omitempty"`
	SymbolDir     string   `json:"symbol_dir,omitempty"`
	MonthsNeeded  []string `json:"months_needed,omitempty"`
	MonthsPresent []string `json:"months_present,omitempty"`
	MonthsMissing []string `json:"months_missing,omitempty"`
	Note          string   `json:"note,omitempty"`
}

// OverlayCost records what a cost overlay charged against the base
// scenario's trades.
type OverlayCost struct {
	ExtraPipsPerTrade float64 `json:"extra_pips_per_trade"`
	PipValuePerLot    float64 `json:"pip_value_per_lot_est"`
	TotalCost         float64 `json:"overlay_cost_total"`
}

// ScenarioResult pairs a scenario with its measured outcome.
type ScenarioResult struct {
	Scenario    Scenario              `json:"scenario"`
	Success     bool                  `json:"success"`
	Metrics     *TradeMetrics         `json:"metrics,omitempty"`
	Gates       map[string]GateResult `json:"gates,omitempty"`
	Score       float64               `json:"score"`
	TickFiles   *TickCoverage         `json:"tick_files,omitempty"`
	OverlayCost *OverlayCost          `json:"overlay_cost,omitempty"`
	ReportPath  string                `json:"report_path,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// StressReport is the persisted outcome of the stress-scenario stage.
type StressReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	AnchorDate  string           `json:"anchor_date"`
	Baseline    *ScenarioResult  `json:"baseline,omitempty"`
	Scenarios   []ScenarioResult `json:"scenarios"`
}

// WindowKind classifies forward-analysis windows.
type WindowKind string

const (
	WindowFull     WindowKind = "full"
	WindowSegment  WindowKind = "segment"
	WindowRolling  WindowKind = "rolling"
	WindowCalendar WindowKind = "calendar"
	WindowYear     WindowKind = "year"
)

// Window is one date slice of the best pass's trade history with its
// recomputed metrics.
type Window struct {
	ID      string       `json:"id"`
	Label   string       `json:"label"`
	Kind    WindowKind   `json:"kind"`
	From    string       `json:"from_date"`
	To      string       `json:"to_date"`
	Metrics TradeMetrics `json:"metrics"`
}

// WindowReport is the persisted outcome of the forward-windows stage.
type WindowReport struct {
	GeneratedAt time.Time `json:"generated_at"`
	Windows     []Window  `json:"windows"`
}

// MultiPairRun links a parent workflow to one spawned child run.
type MultiPairRun struct {
	Symbol     string  `json:"symbol"`
	WorkflowID string  `json:"workflow_id,omitempty"`
	Status     Status  `json:"status,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// PassBacktest is the full single-pass verification record produced by
// the top-pass backtest stage.
type PassBacktest struct {
	PassNum        int                `json:"pass_num"`
	Params         map[string]any     `json:"params,omitempty"`
	OptResult      float64            `json:"opt_result,omitempty"`
	OptForward     float64            `json:"opt_forward,omitempty"`
	Success        bool               `json:"success"`
	Metrics        TradeMetrics       `json:"metrics"`
	BackMetrics    *TradeMetrics      `json:"back_metrics,omitempty"`
	ForwardMetrics *TradeMetrics      `json:"forward_metrics,omitempty"`
	Extended       map[string]float64 `json:"extended,omitempty"`
	MonteCarlo     *MonteCarloResult  `json:"monte_carlo,omitempty"`
	Score          float64            `json:"score"`
	ReportPath     string             `json:"report_path,omitempty"`
	Error          string             `json:"error,omitempty"`
}

package types

// CompileResult is the outcome of compiling an EA source file.
type CompileResult struct {
	Success    bool     `json:"success"`
	BinaryPath string   `json:"binary_path,omitempty"`
	LogPath    string   `json:"log_path,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// BacktestResult is one single-run outcome. The canonical metrics embed
// flat so persisted results read as plain columns.
type BacktestResult struct {
	Success bool `json:"success"`
	TradeMetrics
	EquityCurve    []float64 `json:"equity_curve,omitempty"`
	Trades         []Trade   `json:"trades,omitempty"`
	ReportPath     string    `json:"report_path,omitempty"`
	HistoryQuality float64   `json:"history_quality,omitempty"`
	Bars           int       `json:"bars,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
}

// OptimizationResult is the outcome of a parameter sweep.
type OptimizationResult struct {
	Success        bool         `json:"success"`
	PassesCount    int          `json:"passes_count"`
	Results        []PassRecord `json:"results,omitempty"`
	Best           *PassRecord  `json:"best_result,omitempty"`
	XMLPath        string       `json:"xml_path,omitempty"`
	ForwardXMLPath string       `json:"forward_xml_path,omitempty"`
	Errors         []string     `json:"errors,omitempty"`
}

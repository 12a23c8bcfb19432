package report

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// Stats holds everything a single-run HTML statement exposes. Composite
// rows keep both halves: "2 656.13 (82.77%)" stores value and percent,
// streak rows like "10 (112.55)" store count and amount.
type Stats struct {
	Profit         float64 `json:"profit"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	ExpectedPayoff float64 `json:"expected_payoff"`
	RecoveryFactor float64 `json:"recovery_factor"`
	Sharpe         float64 `json:"sharpe"`
	Sortino        float64 `json:"sortino"`

	BalanceDD    float64 `json:"balance_dd"`
	BalanceDDPct float64 `json:"balance_dd_pct"`
	EquityDD     float64 `json:"equity_dd"`
	EquityDDPct  float64 `json:"equity_dd_pct"`

	TotalTrades  int     `json:"total_trades"`
	WinRate      float64 `json:"win_rate"`
	ShortTrades  int     `json:"short_trades"`
	ShortWonPct  float64 `json:"short_won_pct"`
	LongTrades   int     `json:"long_trades"`
	LongWonPct   float64 `json:"long_won_pct"`
	ProfitTrades int     `json:"profit_trades"`
	LossTrades   int     `json:"loss_trades"`

	MaxConsecWins      int     `json:"max_consec_wins"`
	MaxConsecWinAmount float64 `json:"max_consec_win_amount"`
	MaxConsecLosses    int     `json:"max_consec_losses"`
	MaxConsecLossAmt   float64 `json:"max_consec_loss_amount"`

	InitialDeposit float64 `json:"initial_deposit"`
	HistoryQuality float64 `json:"history_quality"`
	Bars           int     `json:"bars"`
	Ticks          int     `json:"ticks"`

	// Matched lists the labels actually found, driving the format check.
	Matched []string `json:"matched,omitempty"`
}

// coreLabels are the fields whose presence proves we are looking at a
// real statement and not an error page. At least two must match.
var coreLabels = []string{
	"Total Net Profit",
	"Total Trades",
	"Profit Factor",
	"Equity Drawdown Maximal",
	"History Quality",
}

// Metrics flattens the statement into the canonical record the gate and
// score engine consumes. Equity drawdown is preferred over balance
// drawdown, and the overall win rate over the per-side one.
func (s *Stats) Metrics() types.TradeMetrics {
	ddPct := s.EquityDDPct
	if ddPct == 0 {
		ddPct = s.BalanceDDPct
	}
	winRate := s.WinRate
	if winRate == 0 {
		winRate = s.ShortWonPct
	}
	return types.TradeMetrics{
		Profit:         s.Profit,
		ProfitFactor:   s.ProfitFactor,
		MaxDrawdownPct: ddPct,
		TotalTrades:    s.TotalTrades,
		WinRate:        winRate,
		Sharpe:         s.Sharpe,
		Sortino:        s.Sortino,
		ExpectedPayoff: s.ExpectedPayoff,
		RecoveryFactor: s.RecoveryFactor,
		GrossProfit:    s.GrossProfit,
		GrossLoss:      s.GrossLoss,
	}
}

// HasLabel reports whether the named statement row was matched.
func (s *Stats) HasLabel(label string) bool {
	for _, m := range s.Matched {
		if m == label {
			return true
		}
	}
	return false
}

// ParseBacktestHTML extracts the statistics block from a single-run
// statement. Statements are UTF-16-LE on disk; UTF-8 copies are accepted
// too. Returns an error when fewer than two core fields match, which is
// how truncated or foreign files surface.
func (p *Parser) ParseBacktestHTML(path string) (*Stats, error) {
	content, err := decodeReportFile(path)
	if err != nil {
		return nil, fmt.Errorf("read statement: %w", err)
	}
	stats := parseStatement(content)

	core := 0
	for _, label := range coreLabels {
		if stats.HasLabel(label) {
			core++
		}
	}
	if core < 2 {
		return nil, fmt.Errorf("statement %s: unrecognized format, matched %d of %d core fields", path, core, len(coreLabels))
	}

	p.logger.Debug("parsed statement",
		zap.String("path", path),
		zap.Float64("profit", stats.Profit),
		zap.Int("trades", stats.TotalTrades),
		zap.Int("core_fields", core))
	return stats, nil
}

func parseStatement(content string) *Stats {
	content = strings.ReplaceAll(content, "&nbsp;", " ")
	stats := &Stats{}

	value := func(label string) (float64, bool) {
		raw, ok := labelValue(content, label)
		if !ok {
			return 0, false
		}
		v, err := utils.ParseReportNumber(raw)
		if err != nil {
			return 0, false
		}
		stats.Matched = append(stats.Matched, label)
		return v, true
	}
	composite := func(label string) (float64, float64, bool) {
		raw, ok := labelValue(content, label)
		if !ok {
			return 0, 0, false
		}
		v, pct, ok := splitComposite(raw)
		if !ok {
			return 0, 0, false
		}
		stats.Matched = append(stats.Matched, label)
		return v, pct, true
	}

	if v, ok := value("Total Net Profit"); ok {
		stats.Profit = v
	}
	if v, ok := value("Gross Profit"); ok {
		stats.GrossProfit = v
	}
	if v, ok := value("Gross Loss"); ok {
		stats.GrossLoss = v
	}
	if v, ok := value("Profit Factor"); ok {
		stats.ProfitFactor = v
	}
	if v, ok := value("Expected Payoff"); ok {
		stats.ExpectedPayoff = v
	}
	if v, ok := value("Recovery Factor"); ok {
		stats.RecoveryFactor = v
	}
	if v, ok := value("Sharpe Ratio"); ok {
		stats.Sharpe = v
	}
	if v, ok := value("Total Trades"); ok {
		stats.TotalTrades = int(v)
	}
	if v, ok := value("Initial Deposit"); ok {
		stats.InitialDeposit = v
	}
	if v, ok := value("History Quality"); ok {
		stats.HistoryQuality = v
	}
	if v, ok := value("Bars"); ok {
		stats.Bars = int(v)
	}
	if v, ok := value("Ticks"); ok {
		stats.Ticks = int(v)
	}

	if v, pct, ok := composite("Balance Drawdown Maximal"); ok {
		stats.BalanceDD, stats.BalanceDDPct = v, pct
	}
	if v, pct, ok := composite("Equity Drawdown Maximal"); ok {
		stats.EquityDD, stats.EquityDDPct = v, pct
	}
	if n, pct, ok := composite("Short Trades (won %)"); ok {
		stats.ShortTrades, stats.ShortWonPct = int(n), pct
	}
	if n, pct, ok := composite("Long Trades (won %)"); ok {
		stats.LongTrades, stats.LongWonPct = int(n), pct
	}
	if n, pct, ok := composite("Profit Trades (% of total)"); ok {
		stats.ProfitTrades, stats.WinRate = int(n), pct
	}
	if n, _, ok := composite("Loss Trades (% of total)"); ok {
		stats.LossTrades = int(n)
	}
	if n, amt, ok := composite("Maximum consecutive wins ($)"); ok {
		stats.MaxConsecWins, stats.MaxConsecWinAmount = int(n), amt
	}
	if n, amt, ok := composite("Maximum consecutive losses ($)"); ok {
		stats.MaxConsecLosses, stats.MaxConsecLossAmt = int(n), amt
	}
	return stats
}

// labelValue finds the first bold value following a statement label,
// scanning case-insensitively across markup between label and value.
func labelValue(content, label string) (string, bool) {
	re, ok := labelPatterns[label]
	if !ok {
		re = regexp.MustCompile(`(?is)` + regexp.QuoteMeta(label) + `:.*?<b>([^<]*)</b>`)
	}
	m := re.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return "", false
	}
	return v, true
}

// labelPatterns precompiles the fixed label set.
var labelPatterns = func() map[string]*regexp.Regexp {
	labels := []string{
		"Total Net Profit", "Gross Profit", "Gross Loss", "Profit Factor",
		"Expected Payoff", "Recovery Factor", "Sharpe Ratio", "Total Trades",
		"Initial Deposit", "History Quality", "Bars", "Ticks",
		"Balance Drawdown Maximal", "Equity Drawdown Maximal",
		"Short Trades (won %)", "Long Trades (won %)",
		"Profit Trades (% of total)", "Loss Trades (% of total)",
		"Maximum consecutive wins ($)", "Maximum consecutive losses ($)",
	}
	out := make(map[string]*regexp.Regexp, len(labels))
	for _, l := range labels {
		out[l] = regexp.MustCompile(`(?is)` + regexp.QuoteMeta(l) + `:.*?<b>([^<]*)</b>`)
	}
	return out
}()

var compositeRe = regexp.MustCompile(`^([-\d., ]+)\s*\(([-\d., ]+)%?\)$`)

// splitComposite parses "value (second)" rows. The second half may carry
// a percent sign; both halves follow the report's separator conventions.
func splitComposite(raw string) (float64, float64, bool) {
	m := compositeRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, 0, false
	}
	v, err1 := utils.ParseReportNumber(m[1])
	second, err2 := utils.ParseReportNumber(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return v, second, true
}

// decodeReportFile reads a statement and normalizes it to UTF-8.
func decodeReportFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return decodeReportBytes(raw), nil
}

// DecodeTextFile reads any terminal-produced text file (reports,
// compiler logs) tolerating the UTF-16-LE encoding they often use.
func DecodeTextFile(path string) (string, error) {
	return decodeReportFile(path)
}

// decodeReportBytes sniffs UTF-16-LE (with or without BOM; statements
// without one still interleave NUL bytes for ASCII) and falls back to
// the bytes as-is for UTF-8 copies.
func decodeReportBytes(raw []byte) string {
	if looksUTF16LE(raw) {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if out, _, err := transform.Bytes(dec, raw); err == nil {
			return string(out)
		}
	}
	return string(bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF}))
}

func looksUTF16LE(raw []byte) bool {
	if len(raw) >= 2 && raw[0] == 0xFF && raw[1] == 0xFE {
		return true
	}
	limit := 256
	if len(raw) < limit {
		limit = len(raw)
	}
	nul := 0
	for i := 1; i < limit; i += 2 {
		if raw[i] == 0x00 {
			nul++
		}
	}
	return nul > limit/4
}

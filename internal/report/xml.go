// Package report parses simulator output artifacts: optimization XML
// exports, single-run HTML statements, and the deal stream embedded in
// those statements. Everything is normalized into pkg/types records so
// downstream stages never touch raw simulator formats.
package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

// spreadsheetNS is the namespace MT5-style optimization exports declare
// on Workbook. Rows are matched with and without it because some builds
// omit the declaration.
const spreadsheetNS = "urn:schemas-microsoft-com:office:spreadsheet"

// columnAliases maps report header spellings (lowercased) onto canonical
// metric names. Headers vary between export builds and locales; anything
// not listed here is treated as a swept input parameter.
var columnAliases = map[string]string{
	"result":             "result",
	"profit":             "profit",
	"profit factor":      "profit_factor",
	"profitfactor":       "profit_factor",
	"expected payoff":    "expected_payoff",
	"expectedpayoff":     "expected_payoff",
	"equity dd %":        "max_drawdown_pct",
	"drawdown %":         "max_drawdown_pct",
	"equity drawdown %":  "max_drawdown_pct",
	"trades":             "total_trades",
	"total trades":       "total_trades",
	"sharpe ratio":       "sharpe_ratio",
	"sharperatio":        "sharpe_ratio",
	"sortino ratio":      "sortino_ratio",
	"recovery factor":    "recovery_factor",
	"recoveryfactor":     "recovery_factor",
	"win %":              "win_rate",
	"profit trades %":    "win_rate",
	"back result":        "back_result",
	"forward result":     "forward_result",
}

// Parser converts raw simulator artifacts into typed records.
type Parser struct {
	logger *zap.Logger
}

// NewParser returns a parser logging under the "report" component.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger.Named("report")}
}

// ParseOptimizationXML reads a spreadsheet-ML optimization export and
// returns normalized pass records sorted best-first by result. The first
// table row is the header; canonical metric columns fill the typed
// PassRecord fields and every other column lands in Params.
func (p *Parser) ParseOptimizationXML(path string) ([]types.PassRecord, error) {
	content, err := decodeReportFile(path)
	if err != nil {
		return nil, fmt.Errorf("open optimization xml: %w", err)
	}

	rows, err := decodeSpreadsheetRows(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("optimization xml %s: no data rows", path)
	}

	headers := make([]string, len(rows[0]))
	for j, h := range rows[0] {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("col_%d", j)
		}
		headers[j] = h
	}

	passes := make([]types.PassRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		passes = append(passes, normalizePass(headers, row))
	}
	SortPasses(passes)

	p.logger.Debug("parsed optimization export",
		zap.String("path", path),
		zap.Int("columns", len(headers)),
		zap.Int("passes", len(passes)))
	return passes, nil
}

// normalizePass maps one data row onto a PassRecord using the alias
// table. A missing result column falls back to profit so later ranking
// always has a sort key.
func normalizePass(headers []string, row []string) types.PassRecord {
	var pass types.PassRecord
	pass.Params = make(map[string]any)
	hasResult := false

	for j, raw := range row {
		if j >= len(headers) {
			break
		}
		header := headers[j]
		value := coerceCell(raw)
		switch columnAliases[strings.ToLower(header)] {
		case "result":
			pass.Result = anyToFloat(value)
			hasResult = true
		case "profit":
			pass.Profit = anyToFloat(value)
		case "profit_factor":
			pass.ProfitFactor = anyToFloat(value)
		case "expected_payoff":
			pass.ExpectedPayoff = anyToFloat(value)
		case "max_drawdown_pct":
			pass.MaxDrawdownPct = anyToFloat(value)
		case "total_trades":
			pass.TotalTrades = int(anyToFloat(value))
		case "sharpe_ratio":
			pass.Sharpe = anyToFloat(value)
		case "sortino_ratio":
			pass.Sortino = anyToFloat(value)
		case "recovery_factor":
			pass.RecoveryFactor = anyToFloat(value)
		case "win_rate":
			pass.WinRate = anyToFloat(value)
		case "back_result":
			pass.Params[types.ParamKeyBackResult] = value
		case "forward_result":
			pass.Params[types.ParamKeyForwardResult] = value
		default:
			pass.Params[header] = value
		}
	}
	if !hasResult {
		pass.Result = pass.Profit
	}
	return pass
}

// ParseBacktestXML reads the Stat-element export some simulator builds
// write next to the HTML statement. Preferred over the statement when
// both exist because values arrive unformatted.
func (p *Parser) ParseBacktestXML(path string) (*Stats, error) {
	content, err := decodeReportFile(path)
	if err != nil {
		return nil, fmt.Errorf("open backtest xml: %w", err)
	}

	values, err := decodeStatElements(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("backtest xml %s: no Stat elements", path)
	}

	stats := &Stats{
		Profit:         values["Profit"],
		GrossProfit:    values["Gross Profit"],
		GrossLoss:      values["Gross Loss"],
		ProfitFactor:   values["Profit Factor"],
		ExpectedPayoff: values["Expected Payoff"],
		RecoveryFactor: values["Recovery Factor"],
		Sharpe:         values["Sharpe Ratio"],
		Sortino:        values["Sortino Ratio"],
		BalanceDD:      values["Balance Drawdown Maximal"],
		BalanceDDPct:   values["Balance Drawdown Maximal %"],
		EquityDD:       values["Equity Drawdown Maximal"],
		EquityDDPct:    values["Equity Drawdown Maximal %"],
		TotalTrades:    int(values["Total Trades"]),
		InitialDeposit: values["Initial Deposit"],
		HistoryQuality: values["History Quality"],
	}
	if v, ok := values["Win Rate %"]; ok {
		stats.WinRate = v
	} else {
		stats.WinRate = values["Profit Trades (% of total)"]
	}
	for name := range values {
		stats.Matched = append(stats.Matched, name)
	}
	sort.Strings(stats.Matched)

	p.logger.Debug("parsed backtest export",
		zap.String("path", path),
		zap.Int("stats", len(values)))
	return stats, nil
}

// statValues treats missing names as zero, which matches how the
// export omits statistics that never fired.
type statValues map[string]float64

// decodeStatElements collects <Stat name="...">value</Stat> pairs.
// Non-numeric values are dropped; callers only consume metrics.
func decodeStatElements(r io.Reader) (statValues, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader

	values := make(statValues)
	var (
		current string
		text    strings.Builder
		inStat  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Stat" {
				inStat = true
				text.Reset()
				current = ""
				for _, a := range t.Attr {
					if a.Name.Local == "name" {
						current = a.Value
					}
				}
			}
		case xml.CharData:
			if inStat {
				text.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "Stat" && inStat {
				inStat = false
				if current == "" {
					continue
				}
				if f, err := strconv.ParseFloat(strings.TrimSpace(text.String()), 64); err == nil {
					values[current] = f
				}
			}
		}
	}
	return values, nil
}

// SortPasses orders records by result descending with profit as the
// tie-break, matching the ranking optimization summaries display.
func SortPasses(passes []types.PassRecord) {
	sort.SliceStable(passes, func(i, k int) bool {
		if passes[i].Result != passes[k].Result {
			return passes[i].Result > passes[k].Result
		}
		return passes[i].Profit > passes[k].Profit
	})
}

// decodeSpreadsheetRows streams Row/Cell/Data tokens out of a
// spreadsheet-ML document, accepting both namespaced and bare element
// names. Returned rows hold the raw Data text per cell.
func decodeSpreadsheetRows(r io.Reader) ([][]string, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader

	var (
		rows    [][]string
		row     []string
		inRow   bool
		inData  bool
		pending strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch spreadsheetLocal(t.Name) {
			case "Row":
				inRow = true
				row = nil
			case "Cell":
				if inRow {
					pending.Reset()
					inData = false
				}
			case "Data":
				if inRow {
					inData = true
				}
			}
		case xml.CharData:
			if inData {
				pending.Write(t)
			}
		case xml.EndElement:
			switch spreadsheetLocal(t.Name) {
			case "Data":
				inData = false
			case "Cell":
				if inRow {
					row = append(row, pending.String())
					pending.Reset()
				}
			case "Row":
				if inRow {
					rows = append(rows, row)
					inRow = false
				}
			}
		}
	}
	return rows, nil
}

// spreadsheetLocal returns the element's local name when it belongs to
// the spreadsheet namespace or carries no namespace at all, and ""
// otherwise so foreign elements are skipped.
func spreadsheetLocal(name xml.Name) string {
	if name.Space == "" || name.Space == spreadsheetNS {
		return name.Local
	}
	return ""
}

// coerceCell applies the export's numeric convention: integers unless a
// decimal point appears, everything unparsable kept as the raw string.
func coerceCell(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, ".") {
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return int(n)
		}
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return trimmed
}

func anyToFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// charsetReader accepts whatever encoding the export declares. The file
// bytes are transcoded to UTF-8 before decoding starts, so a declared
// UTF-16 label must not trigger a second decode here.
func charsetReader(_ string, input io.Reader) (io.Reader, error) {
	return input, nil
}

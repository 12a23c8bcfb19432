package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/eaforge/stress-backend/pkg/types"
)

const optimizationXML = `<?xml version="1.0"?>
<Workbook xmlns="urn:schemas-microsoft-com:office:spreadsheet"
 xmlns:ss="urn:schemas-microsoft-com:office:spreadsheet">
 <Worksheet ss:Name="Tester Optimizator Results">
  <Table>
   <Row>
    <Cell><Data ss:Type="String">Pass</Data></Cell>
    <Cell><Data ss:Type="String">Result</Data></Cell>
    <Cell><Data ss:Type="String">Profit</Data></Cell>
    <Cell><Data ss:Type="String">Profit Factor</Data></Cell>
    <Cell><Data ss:Type="String">Equity DD %</Data></Cell>
    <Cell><Data ss:Type="String">Trades</Data></Cell>
    <Cell><Data ss:Type="String">RiskPercent</Data></Cell>
   </Row>
   <Row>
    <Cell><Data ss:Type="Number">0</Data></Cell>
    <Cell><Data ss:Type="Number">150.5</Data></Cell>
    <Cell><Data ss:Type="Number">1200.50</Data></Cell>
    <Cell><Data ss:Type="Number">1.45</Data></Cell>
    <Cell><Data ss:Type="Number">12.5</Data></Cell>
    <Cell><Data ss:Type="Number">80</Data></Cell>
    <Cell><Data ss:Type="Number">1.5</Data></Cell>
   </Row>
   <Row>
    <Cell><Data ss:Type="Number">1</Data></Cell>
    <Cell><Data ss:Type="Number">300.25</Data></Cell>
    <Cell><Data ss:Type="Number">2500.00</Data></Cell>
    <Cell><Data ss:Type="Number">1.92</Data></Cell>
    <Cell><Data ss:Type="Number">9.8</Data></Cell>
    <Cell><Data ss:Type="Number">120</Data></Cell>
    <Cell><Data ss:Type="Number">2.5</Data></Cell>
   </Row>
  </Table>
 </Worksheet>
</Workbook>`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseOptimizationXML(t *testing.T) {
	p := NewParser(zap.NewNop())
	passes, err := p.ParseOptimizationXML(writeTemp(t, "opt.xml", optimizationXML))
	require.NoError(t, err)
	require.Len(t, passes, 2)

	// Sorted by result descending.
	best := passes[0]
	assert.Equal(t, 300.25, best.Result)
	assert.Equal(t, 2500.00, best.Profit)
	assert.Equal(t, 1.92, best.ProfitFactor)
	assert.Equal(t, 9.8, best.MaxDrawdownPct)
	assert.Equal(t, 120, best.TotalTrades)
	assert.Equal(t, 1, best.PassNum())

	// Unknown columns land in params with numeric coercion.
	assert.Equal(t, 2.5, best.Params["RiskPercent"])
	assert.Equal(t, 1, best.Params[types.ParamKeyPass])
	assert.Equal(t, 0, passes[1].PassNum())
}

func TestParseOptimizationXMLUnnamespaced(t *testing.T) {
	raw := `<?xml version="1.0"?>
<Workbook><Worksheet><Table>
 <Row><Cell><Data>Pass</Data></Cell><Cell><Data>Profit</Data></Cell><Cell><Data></Data></Cell></Row>
 <Row><Cell><Data>0</Data></Cell><Cell><Data>42.5</Data></Cell><Cell><Data>x</Data></Cell></Row>
</Table></Worksheet></Workbook>`

	p := NewParser(zap.NewNop())
	passes, err := p.ParseOptimizationXML(writeTemp(t, "bare.xml", raw))
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, 42.5, passes[0].Profit)
	// No result column: result falls back to profit.
	assert.Equal(t, 42.5, passes[0].Result)
	// Empty header takes a positional name.
	assert.Equal(t, "x", passes[0].Params["col_2"])
}

func TestParseOptimizationXMLRejectsEmpty(t *testing.T) {
	p := NewParser(zap.NewNop())
	_, err := p.ParseOptimizationXML(writeTemp(t, "empty.xml", `<Workbook></Workbook>`))
	assert.Error(t, err)
}

func TestMergeForward(t *testing.T) {
	p := NewParser(zap.NewNop())
	main := []types.PassRecord{
		{Result: 300, Profit: 2500, TotalTrades: 120, Params: map[string]any{types.ParamKeyPass: 1}},
		{Result: 150, Profit: 1200, TotalTrades: 80, Params: map[string]any{types.ParamKeyPass: 0}},
	}
	forward := []types.PassRecord{
		{Result: 90, Profit: 450, ProfitFactor: 1.3, TotalTrades: 30, Params: map[string]any{types.ParamKeyPass: 1}},
	}

	merged := p.MergeForward(main, forward)
	require.Len(t, merged, 2)

	fwd, ok := merged[0].ForwardResult()
	require.True(t, ok)
	assert.Equal(t, 90.0, fwd)

	// Back result falls back to the main-file result.
	back, ok := merged[0].BackResult()
	require.True(t, ok)
	assert.Equal(t, 300.0, back)

	require.NotNil(t, merged[0].Forward)
	assert.Equal(t, 450.0, merged[0].Forward.Profit)
	assert.Equal(t, 30, merged[0].Forward.Trades)
	assert.Equal(t, 150, merged[0].TotalTrades, "back + forward trades")
	assert.True(t, merged[0].Consistent())

	// Pass without a forward row is untouched.
	assert.Nil(t, merged[1].Forward)
	assert.Equal(t, 80, merged[1].TotalTrades)
}

const statementHTML = `<html><body><table>
<tr><td>Initial Deposit:</td><td align="right"><b>10 000.00</b></td></tr>
<tr><td>Total Net Profit:</td><td align="right"><b>2 656.13</b></td></tr>
<tr><td>Gross Profit:</td><td align="right"><b>5 000.00</b></td></tr>
<tr><td>Gross Loss:</td><td align="right"><b>-2 343.87</b></td></tr>
<tr><td>Profit Factor:</td><td align="right"><b>2.13</b></td></tr>
<tr><td>Expected Payoff:</td><td align="right"><b>12.53</b></td></tr>
<tr><td>Recovery Factor:</td><td align="right"><b>3.20</b></td></tr>
<tr><td>Sharpe Ratio:</td><td align="right"><b>1.85</b></td></tr>
<tr><td>Balance Drawdown Maximal:</td><td align="right"><b>1 008.20 (9.87%)</b></td></tr>
<tr><td>Equity Drawdown Maximal:</td><td align="right"><b>1 100.45 (10.43%)</b></td></tr>
<tr><td>Total Trades:</td><td align="right"><b>212</b></td></tr>
<tr><td>Short Trades (won %):</td><td align="right"><b>90 (51.11%)</b></td></tr>
<tr><td>Long Trades (won %):</td><td align="right"><b>122 (58.20%)</b></td></tr>
<tr><td>Profit Trades (% of total):</td><td align="right"><b>117 (55.19%)</b></td></tr>
<tr><td>Loss Trades (% of total):</td><td align="right"><b>95 (44.81%)</b></td></tr>
<tr><td>Maximum consecutive wins ($):</td><td align="right"><b>10 (112.55)</b></td></tr>
<tr><td>History Quality:</td><td align="right"><b>99%</b></td></tr>
</table></body></html>`

func TestParseBacktestHTML(t *testing.T) {
	p := NewParser(zap.NewNop())
	stats, err := p.ParseBacktestHTML(writeTemp(t, "bt.html", statementHTML))
	require.NoError(t, err)

	assert.InDelta(t, 2656.13, stats.Profit, 1e-9)
	assert.InDelta(t, 2.13, stats.ProfitFactor, 1e-9)
	assert.Equal(t, 212, stats.TotalTrades)
	assert.InDelta(t, 10000.0, stats.InitialDeposit, 1e-9)
	assert.InDelta(t, 1008.20, stats.BalanceDD, 1e-9)
	assert.InDelta(t, 9.87, stats.BalanceDDPct, 1e-9)
	assert.InDelta(t, 10.43, stats.EquityDDPct, 1e-9)
	assert.Equal(t, 90, stats.ShortTrades)
	assert.InDelta(t, 51.11, stats.ShortWonPct, 1e-9)
	assert.InDelta(t, 55.19, stats.WinRate, 1e-9)
	assert.Equal(t, 10, stats.MaxConsecWins)
	assert.InDelta(t, 112.55, stats.MaxConsecWinAmount, 1e-9)
	assert.InDelta(t, 99.0, stats.HistoryQuality, 1e-9)

	m := stats.Metrics()
	assert.InDelta(t, 10.43, m.MaxDrawdownPct, 1e-9, "equity drawdown preferred")
	assert.InDelta(t, 55.19, m.WinRate, 1e-9)
	assert.InDelta(t, -2343.87, m.GrossLoss, 1e-9)
}

func TestParseBacktestHTMLUTF16(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	encoded, _, err := transform.Bytes(enc, []byte(statementHTML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bt16.html")
	require.NoError(t, os.WriteFile(path, encoded, 0o644))

	p := NewParser(zap.NewNop())
	stats, perr := p.ParseBacktestHTML(path)
	require.NoError(t, perr)
	assert.InDelta(t, 2656.13, stats.Profit, 1e-9)
	assert.Equal(t, 212, stats.TotalTrades)
}

func TestParseBacktestHTMLRejectsForeignFile(t *testing.T) {
	p := NewParser(zap.NewNop())
	_, err := p.ParseBacktestHTML(writeTemp(t, "err.html", `<html><body>Access denied</body></html>`))
	assert.Error(t, err)

	// A single core field is not enough to call it a statement.
	_, err = p.ParseBacktestHTML(writeTemp(t, "one.html", `<td>Profit Factor:</td><td><b>1.10</b></td>`))
	assert.Error(t, err)
}

const statXML = `<?xml version="1.0"?>
<Report>
 <Stat name="Profit">2656.13</Stat>
 <Stat name="Profit Factor">2.13</Stat>
 <Stat name="Total Trades">212</Stat>
 <Stat name="Equity Drawdown Maximal %">10.43</Stat>
 <Stat name="Profit Trades (% of total)">55.19</Stat>
 <Stat name="Broker">not-a-number</Stat>
</Report>`

func TestParseBacktestXML(t *testing.T) {
	p := NewParser(zap.NewNop())
	stats, err := p.ParseBacktestXML(writeTemp(t, "bt.xml", statXML))
	require.NoError(t, err)
	assert.InDelta(t, 2656.13, stats.Profit, 1e-9)
	assert.Equal(t, 212, stats.TotalTrades)
	assert.InDelta(t, 10.43, stats.EquityDDPct, 1e-9)
	assert.InDelta(t, 55.19, stats.WinRate, 1e-9)
	assert.NotContains(t, stats.Matched, "Broker")
}

func dealRow(ts, ticket, symbol, typ, dir, vol, price, order, comm, swap, profit, balance string) string {
	cells := []string{ts, ticket, symbol, typ, dir, vol, price, order, comm, swap, profit, balance}
	row := "<tr align=\"right\">"
	for _, c := range cells {
		row += "<td>" + c + "</td>"
	}
	return row + "</tr>\n"
}

func dealsFixture() string {
	return `<html><body><div>Deals</div><table>` +
		dealRow("2024.01.10 09:00:00", "1", "", "balance", "", "", "", "", "", "", "10 000.00", "10 000.00") +
		dealRow("2024.01.10 10:00:00", "2", "EURUSD", "buy", "in", "1.00", "1.10000", "2", "-4.00", "0.00", "0.00", "10 000.00") +
		dealRow("2024.01.10 12:00:00", "3", "EURUSD", "sell", "out", "0.40", "1.10500", "3", "-1.60", "0.00", "200.00", "10 194.40") +
		dealRow("2024.01.10 14:00:00", "4", "EURUSD", "sell", "out", "0.60", "1.11000", "4", "-2.40", "-0.50", "600.00", "10 789.10") +
		`</table></body></html>`
}

func TestExtractTradesPartialClose(t *testing.T) {
	p := NewParser(zap.NewNop())
	res, err := p.ExtractTrades(writeTemp(t, "deals.html", dealsFixture()))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	assert.Equal(t, 10000.0, res.InitialBalance)
	assert.Equal(t, 10789.10, res.FinalBalance)

	first := res.Trades[0]
	assert.Equal(t, 2, first.Ticket, "keeps the entry ticket")
	assert.Equal(t, types.TradeSideBuy, first.Side)
	assert.InDelta(t, 0.40, first.Volume, 1e-9)
	assert.InDelta(t, 200.0, first.GrossProfit, 1e-9)
	// Exit commission plus a 0.4 share of the entry's -4.00.
	assert.InDelta(t, -3.20, first.Commission, 1e-9)
	assert.InDelta(t, 196.80, first.NetProfit, 1e-9)

	second := res.Trades[1]
	assert.InDelta(t, 0.60, second.Volume, 1e-9)
	// Final close flushes the remaining -2.40 of entry commission.
	assert.InDelta(t, -4.80, second.Commission, 1e-9)
	assert.InDelta(t, -0.50, second.Swap, 1e-9)
	assert.InDelta(t, 594.70, second.NetProfit, 1e-9)

	// Per-trade nets reconcile with the statement total.
	total := 0.0
	for _, tr := range res.Trades {
		total += tr.NetProfit
	}
	assert.InDelta(t, 791.50, total, 1e-9)
}

func TestExtractTradesStandaloneClose(t *testing.T) {
	html := `<table>` +
		dealRow("2024.02.01 10:00:00", "7", "GBPUSD", "sell", "out", "0.50", "1.26000", "7", "-1.00", "0.00", "-75.00", "9 924.00") +
		`</table>`
	p := NewParser(zap.NewNop())
	res, err := p.ExtractTrades(writeTemp(t, "orphan.html", html))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	assert.Equal(t, 7, tr.Ticket)
	assert.Equal(t, types.TradeSideSell, tr.Side)
	assert.InDelta(t, -76.0, tr.NetProfit, 1e-9)
	assert.Equal(t, tr.OpenTime, tr.CloseTime)
}

func TestExtractTradesFIFOAcrossLots(t *testing.T) {
	// Two entries, one oversized exit: FIFO closes the older lot first
	// and the exit row's numbers split in volume proportion.
	html := `<table>` +
		dealRow("2024.03.01 09:00:00", "1", "EURUSD", "buy", "in", "0.30", "1.08000", "1", "0.00", "0.00", "0.00", "10 000.00") +
		dealRow("2024.03.01 10:00:00", "2", "EURUSD", "buy", "in", "0.70", "1.08500", "2", "0.00", "0.00", "0.00", "10 000.00") +
		dealRow("2024.03.01 15:00:00", "3", "EURUSD", "sell", "out", "1.00", "1.09000", "3", "0.00", "0.00", "650.00", "10 650.00") +
		`</table>`
	p := NewParser(zap.NewNop())
	res, err := p.ExtractTrades(writeTemp(t, "fifo.html", html))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	assert.Equal(t, 1, res.Trades[0].Ticket)
	assert.InDelta(t, 0.30, res.Trades[0].Volume, 1e-9)
	assert.InDelta(t, 650.0*0.3, res.Trades[0].GrossProfit, 1e-6)
	assert.Equal(t, 2, res.Trades[1].Ticket)
	assert.InDelta(t, 650.0*0.7, res.Trades[1].GrossProfit, 1e-6)

	sum := res.Trades[0].GrossProfit + res.Trades[1].GrossProfit
	assert.InDelta(t, 650.0, sum, 1e-9, "split sums back to the row")
}

func TestComputeEquityCurve(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	trades := []types.Trade{
		{NetProfit: 594.70, CloseTime: now.Add(2 * time.Hour)},
		{NetProfit: 196.80, CloseTime: now},
	}
	curve := ComputeEquityCurve(trades, 10000)
	require.Len(t, curve, 3)
	assert.InDelta(t, 10000.0, curve[0], 1e-9)
	assert.InDelta(t, 10196.80, curve[1], 1e-9, "ordered by close time")
	assert.InDelta(t, 10791.50, curve[2], 1e-9)

	assert.Nil(t, ComputeEquityCurve(nil, 0))
	assert.Equal(t, []float64{500}, ComputeEquityCurve(nil, 500))
}

func TestSplitTradesByDate(t *testing.T) {
	boundary := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	trades := []types.Trade{
		{Ticket: 1, CloseTime: boundary.Add(-time.Hour)},
		{Ticket: 2, CloseTime: boundary},
		{Ticket: 3, CloseTime: boundary.Add(time.Hour)},
	}
	before, after := SplitTradesByDate(trades, boundary)
	require.Len(t, before, 1)
	require.Len(t, after, 2)
	assert.Equal(t, 1, before[0].Ticket)
	assert.Equal(t, 2, after[0].Ticket, "boundary close lands after")
}

func TestSplitComposite(t *testing.T) {
	v, pct, ok := splitComposite("2 656.13 (82.77%)")
	require.True(t, ok)
	assert.InDelta(t, 2656.13, v, 1e-9)
	assert.InDelta(t, 82.77, pct, 1e-9)

	n, amt, ok := splitComposite("10 (112.55)")
	require.True(t, ok)
	assert.InDelta(t, 10.0, n, 1e-9)
	assert.InDelta(t, 112.55, amt, 1e-9)

	_, _, ok = splitComposite("plain 42")
	assert.False(t, ok)
}

package simulator

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// Fixtures configures MemSim responses. BacktestByName overrides the
// generated result for report names matching a key exactly or by
// substring, which lets tests vary outcomes per scenario or symbol.
type Fixtures struct {
	CompileSuccess       bool
	CompileErrors        []string
	BacktestTrades       int
	BacktestProfit       float64
	BacktestProfitFactor float64
	BacktestDrawdownPct  float64
	HistoryQuality       float64
	BacktestByName       map[string]types.BacktestResult
	OptimizationPasses   int
	OptimizationResults  []types.PassRecord
}

// DefaultFixtures returns a healthy strategy profile.
func DefaultFixtures() Fixtures {
	return Fixtures{
		CompileSuccess:       true,
		BacktestTrades:       100,
		BacktestProfit:       500,
		BacktestProfitFactor: 1.8,
		BacktestDrawdownPct:  15,
		HistoryQuality:       99,
		OptimizationPasses:   500,
	}
}

// Call records one simulator invocation for test assertions.
type Call struct {
	Method string
	Args   map[string]any
}

// MemSim is the in-memory simulator used by tests and dry runs. Every
// call is logged; results are deterministic functions of the fixtures
// and the request.
type MemSim struct {
	mu       sync.Mutex
	logger   *zap.Logger
	fixtures Fixtures
	calls    []Call
}

var _ Simulator = (*MemSim)(nil)

// NewMemSim builds the fixture-backed simulator.
func NewMemSim(logger *zap.Logger, fixtures Fixtures) *MemSim {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemSim{logger: logger.Named("memsim"), fixtures: fixtures}
}

// Calls returns a copy of the invocation log.
func (m *MemSim) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount counts invocations of one method.
func (m *MemSim) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastCall returns the most recent invocation of one method.
func (m *MemSim) LastCall(method string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Method == method {
			return m.calls[i], true
		}
	}
	return Call{}, false
}

func (m *MemSim) record(method string, args map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Compile returns the configured outcome.
func (m *MemSim) Compile(ctx context.Context, eaPath string) (types.CompileResult, error) {
	if err := ctx.Err(); err != nil {
		return types.CompileResult{}, err
	}
	m.record("compile", map[string]any{"ea_path": eaPath})

	if !m.fixtures.CompileSuccess {
		errs := m.fixtures.CompileErrors
		if len(errs) == 0 {
			errs = []string{"compile failed"}
		}
		return types.CompileResult{Errors: errs}, nil
	}
	return types.CompileResult{
		Success:    true,
		BinaryPath: replaceExt(eaPath, ".ex5"),
	}, nil
}

// Backtest returns a named fixture when one matches the report name,
// otherwise a result generated from the fixture profile.
func (m *MemSim) Backtest(ctx context.Context, binaryPath string, opts BacktestOptions) (types.BacktestResult, error) {
	if err := ctx.Err(); err != nil {
		return types.BacktestResult{}, err
	}
	m.record("backtest", map[string]any{
		"binary_path": binaryPath,
		"symbol":      opts.Symbol,
		"timeframe":   string(opts.Timeframe),
		"params":      opts.Params,
		"from_date":   opts.FromDate,
		"to_date":     opts.ToDate,
		"model":       opts.Model,
		"latency_ms":  opts.LatencyMS,
		"report_name": opts.ReportName,
	})

	if fixture, ok := m.fixtureFor(opts.ReportName); ok {
		return fixture, nil
	}
	return m.generateBacktest(opts), nil
}

// Optimize returns the configured pass list or a generated grid sweep.
func (m *MemSim) Optimize(ctx context.Context, binaryPath string, opts OptimizeOptions) (types.OptimizationResult, error) {
	if err := ctx.Err(); err != nil {
		return types.OptimizationResult{}, err
	}
	m.record("optimize", map[string]any{
		"binary_path": binaryPath,
		"symbol":      opts.Symbol,
		"timeframe":   string(opts.Timeframe),
		"ranges":      len(opts.Ranges),
		"report_name": opts.ReportName,
	})

	passes := m.fixtures.OptimizationResults
	if passes == nil {
		passes = generatePasses(m.fixtures.OptimizationPasses, opts.Ranges)
	}
	res := types.OptimizationResult{
		Success:     len(passes) > 0,
		PassesCount: len(passes),
		Results:     passes,
	}
	if len(passes) > 0 {
		best := passes[0]
		res.Best = &best
	} else {
		res.Errors = []string{"no optimization passes"}
	}
	return res, nil
}

func (m *MemSim) fixtureFor(reportName string) (types.BacktestResult, bool) {
	if len(m.fixtures.BacktestByName) == 0 {
		return types.BacktestResult{}, false
	}
	if r, ok := m.fixtures.BacktestByName[reportName]; ok {
		return r, true
	}
	keys := make([]string, 0, len(m.fixtures.BacktestByName))
	for k := range m.fixtures.BacktestByName {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lower := strings.ToLower(reportName)
	for _, k := range keys {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return m.fixtures.BacktestByName[k], true
		}
	}
	return types.BacktestResult{}, false
}

func (m *MemSim) generateBacktest(opts BacktestOptions) types.BacktestResult {
	f := m.fixtures
	trades := f.BacktestTrades
	if trades <= 0 {
		trades = 1
	}

	winRate := 55.0
	sharpe := 1.5
	if f.BacktestProfit <= 0 {
		winRate = 45.0
		sharpe = 0.5
	}
	expectedPayoff := f.BacktestProfit / float64(trades)
	recovery := 0.0
	if f.BacktestDrawdownPct > 0 {
		recovery = math.Abs(f.BacktestProfit / (f.BacktestDrawdownPct * 100))
	}
	grossProfit, grossLoss := grossSplit(f.BacktestProfit, f.BacktestProfitFactor)

	tradeList := m.generateTrades(opts, trades, winRate, grossProfit, grossLoss)
	initialBalance := 10000.0

	return types.BacktestResult{
		Success: true,
		TradeMetrics: types.TradeMetrics{
			Profit:         utils.Round2(f.BacktestProfit),
			ProfitFactor:   f.BacktestProfitFactor,
			MaxDrawdownPct: f.BacktestDrawdownPct,
			TotalTrades:    trades,
			WinRate:        winRate,
			Sharpe:         sharpe,
			ExpectedPayoff: utils.Round2(expectedPayoff),
			RecoveryFactor: utils.Round2(recovery),
			GrossProfit:    utils.Round2(grossProfit),
			GrossLoss:      utils.Round2(grossLoss),
		},
		EquityCurve:    equityCurve(tradeList, initialBalance),
		Trades:         tradeList,
		HistoryQuality: f.HistoryQuality,
	}
}

// generateTrades spreads wins and losses evenly across the requested
// window so date-sliced views keep a proportional share.
func (m *MemSim) generateTrades(opts BacktestOptions, count int, winRate, grossProfit, grossLoss float64) []types.Trade {
	start, err := utils.ParseDate(opts.FromDate)
	if err != nil {
		start = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	end, err := utils.ParseDate(opts.ToDate)
	if err != nil || !end.After(start) {
		end = start.AddDate(1, 0, 0)
	}
	span := end.Sub(start)
	step := span / time.Duration(count+1)

	wins := int(float64(count) * winRate / 100)
	losses := count - wins
	avgWin := 0.0
	if wins > 0 {
		avgWin = grossProfit / float64(wins)
	}
	avgLoss := 0.0
	if losses > 0 {
		avgLoss = grossLoss / float64(losses)
	}

	trades := make([]types.Trade, 0, count)
	winsEmitted := 0
	for i := 0; i < count; i++ {
		// Bresenham-style spacing keeps wins evenly interleaved.
		profit := avgLoss
		side := types.TradeSideSell
		if (i+1)*wins/count > winsEmitted {
			profit = avgWin
			winsEmitted++
			side = types.TradeSideBuy
		}
		open := start.Add(step * time.Duration(i+1))
		trades = append(trades, types.Trade{
			Ticket:      i + 1,
			Symbol:      opts.Symbol,
			Side:        side,
			Volume:      0.10,
			OpenTime:    open,
			CloseTime:   open.Add(2 * time.Hour),
			OpenPrice:   1.1000,
			ClosePrice:  1.1000 + profit/10000,
			GrossProfit: utils.Round2(profit),
			NetProfit:   utils.Round2(profit),
		})
	}
	return trades
}

// generatePasses emits a deterministic sweep, best pass first, with
// parameter values walked along each range's grid.
func generatePasses(count int, ranges []types.OptimizationRange) []types.PassRecord {
	if count <= 0 {
		return nil
	}
	passes := make([]types.PassRecord, 0, count)
	for i := 0; i < count; i++ {
		profit := 1000.0 - float64(i)*2.0
		pf := math.Max(0.5, 2.5-float64(i)*0.004)
		dd := 10.0 + float64(i)*0.02
		trades := 100 + i%50
		sharpe := 1.5 - float64(i)*0.002
		result := profit * pf

		params := map[string]any{types.ParamKeyPass: i}
		for _, r := range ranges {
			if r.Name == "" {
				continue
			}
			params[r.Name] = gridValue(r, i)
		}

		forwardResult := utils.Round2(result * 0.8)
		params[types.ParamKeyForwardResult] = forwardResult
		params[types.ParamKeyBackResult] = utils.Round2(result)

		passes = append(passes, types.PassRecord{
			Result:         utils.Round2(result),
			Profit:         utils.Round2(profit),
			ProfitFactor:   utils.Round2(pf),
			ExpectedPayoff: utils.Round2(profit / float64(trades)),
			MaxDrawdownPct: utils.Round2(dd),
			TotalTrades:    trades,
			Sharpe:         utils.Round2(sharpe),
			Sortino:        utils.Round2(sharpe * 1.2),
			RecoveryFactor: utils.Round2(profit / (dd * 100)),
			WinRate:        55,
			Params:         params,
			Forward: &types.ForwardSegment{
				Result:         forwardResult,
				Profit:         utils.Round2(profit * 0.4),
				ProfitFactor:   utils.Round2(math.Max(0.5, pf-0.2)),
				MaxDrawdownPct: utils.Round2(dd + 2),
				Trades:         30 + i%20,
			},
		})
	}
	return passes
}

func gridValue(r types.OptimizationRange, i int) float64 {
	if !r.Optimize || r.Step <= 0 || r.Stop <= r.Start {
		return r.Start
	}
	points := int((r.Stop-r.Start)/r.Step) + 1
	if points < 1 {
		points = 1
	}
	return r.Start + r.Step*float64(i%points)
}

// grossSplit solves gross profit/loss from net profit and profit
// factor; an unsolvable pair collapses to an all-profit split.
func grossSplit(profit, pf float64) (grossProfit, grossLoss float64) {
	switch {
	case pf > 1 && profit > 0:
		grossLoss = -profit / (pf - 1)
		grossProfit = -grossLoss * pf
	case pf > 0 && pf < 1 && profit < 0:
		grossLoss = profit / (1 - pf)
		grossProfit = -grossLoss * pf
	default:
		grossProfit = math.Max(profit, 0)
		grossLoss = math.Min(profit, 0)
	}
	return grossProfit, grossLoss
}

func equityCurve(trades []types.Trade, initial float64) []float64 {
	curve := make([]float64, 0, len(trades)+1)
	balance := initial
	curve = append(curve, balance)
	for _, t := range trades {
		balance += t.NetProfit
		curve = append(curve, utils.Round2(balance))
	}
	return curve
}

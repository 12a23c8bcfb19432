package montecarlo

import (
	"fmt"
	"math"

	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// DefaultRiskFreeRate is the annual rate used for ratio baselines.
const DefaultRiskFreeRate = 0.05

// TradesFromSummary reconstructs an approximate trade list when only
// summary statistics survive. Wins and losses become uniform trades of
// the average size. When the gross split is unknown it is solved from
// profit and profit factor: |gross_loss| = profit / (pf - 1) for a
// profitable record, the mirror for a losing one, and an even split at
// pf == 1. Inconsistent summaries degrade to uniform expected payoff.
func TradesFromSummary(m types.TradeMetrics) []float64 {
	if m.TotalTrades <= 0 {
		return nil
	}

	winRate := m.WinRate
	if winRate <= 0 {
		winRate = 50
	}
	wins := int(float64(m.TotalTrades) * winRate / 100)
	if wins > m.TotalTrades {
		wins = m.TotalTrades
	}
	losses := m.TotalTrades - wins

	grossProfit := m.GrossProfit
	grossLoss := math.Abs(m.GrossLoss)
	if grossProfit == 0 && grossLoss == 0 {
		pf := m.ProfitFactor
		switch {
		case pf > 1 && m.Profit > 0:
			grossLoss = m.Profit / (pf - 1)
			grossProfit = grossLoss * pf
		case pf == 1:
			grossProfit = math.Abs(m.Profit)
			grossLoss = grossProfit
		case pf > 0 && pf < 1 && m.Profit < 0:
			grossLoss = math.Abs(m.Profit) / (1 - pf)
			grossProfit = grossLoss * pf
		case pf == 0 && m.Profit < 0:
			grossLoss = math.Abs(m.Profit)
		default:
			// Summary does not pin a gross split; spread the net
			// evenly so the simulation still has a sequence to walk.
			avg := m.Profit / float64(m.TotalTrades)
			trades := make([]float64, m.TotalTrades)
			for i := range trades {
				trades[i] = avg
			}
			return trades
		}
	}

	avgWin := 0.0
	if wins > 0 {
		avgWin = grossProfit / float64(wins)
	}
	avgLoss := 0.0
	if losses > 0 {
		avgLoss = -grossLoss / float64(losses)
	}

	trades := make([]float64, 0, m.TotalTrades)
	for i := 0; i < wins; i++ {
		trades = append(trades, avgWin)
	}
	for i := 0; i < losses; i++ {
		trades = append(trades, avgLoss)
	}
	return trades
}

// RiskMetrics carries the risk-adjusted ratios derived from a trade
// sequence. Returns are per trade and annualized on a 252-day calendar.
type RiskMetrics struct {
	Sharpe                float64 `json:"sharpe_ratio"`
	Sortino               float64 `json:"sortino_ratio"`
	Calmar                float64 `json:"calmar_ratio"`
	RecoveryFactor        float64 `json:"recovery_factor"`
	TotalReturnPct        float64 `json:"total_return_pct"`
	AnnualReturnPct       float64 `json:"annual_return_pct"`
	MaxDrawdownPct        float64 `json:"max_drawdown_pct"`
	VolatilityPct         float64 `json:"volatility_pct"`
	DownsideVolatilityPct float64 `json:"downside_volatility_pct"`
}

// ComputeRiskMetrics replays the trade list into an equity curve and
// derives Sharpe, Sortino, Calmar and recovery. Downside deviation uses
// the full period count, not just losing periods.
func ComputeRiskMetrics(trades []float64, initialBalance, riskFreeRate float64) (RiskMetrics, error) {
	if len(trades) == 0 {
		return RiskMetrics{}, fmt.Errorf("no trades")
	}
	if initialBalance <= 0 {
		initialBalance = DefaultInitialBalance
	}
	const tradingDays = 252

	equity := make([]float64, 0, len(trades)+1)
	equity = append(equity, initialBalance)
	for _, t := range trades {
		equity = append(equity, equity[len(equity)-1]+t)
	}

	returns := make([]float64, 0, len(trades))
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1]
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (equity[i]-prev)/prev)
	}

	n := float64(len(returns))
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= n

	variance := 0.0
	downVariance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
		if r < 0 {
			downVariance += r * r
		}
	}
	variance /= n
	downVariance /= n

	annualReturn := mean * tradingDays
	annualStd := math.Sqrt(variance) * math.Sqrt(tradingDays)
	annualDownStd := math.Sqrt(downVariance) * math.Sqrt(tradingDays)
	if annualDownStd == 0 {
		annualDownStd = 0.0001
	}

	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}

	m := RiskMetrics{
		TotalReturnPct:        utils.Round2((equity[len(equity)-1] - equity[0]) / equity[0] * 100),
		AnnualReturnPct:       utils.Round2(annualReturn * 100),
		MaxDrawdownPct:        utils.Round2(maxDD * 100),
		VolatilityPct:         utils.Round2(annualStd * 100),
		DownsideVolatilityPct: utils.Round2(annualDownStd * 100),
	}
	if annualStd > 0 {
		m.Sharpe = round3((annualReturn - riskFreeRate) / annualStd)
	}
	m.Sortino = round3((annualReturn - riskFreeRate) / annualDownStd)
	if maxDD > 0 {
		m.Calmar = round3(annualReturn / maxDD)
		ddValue := maxDD * initialBalance
		m.RecoveryFactor = round3((equity[len(equity)-1] - equity[0]) / ddValue)
	}
	return m, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

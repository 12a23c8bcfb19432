package stress

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// Per-trade pip value estimates above this are conversion artifacts.
const maxPipValuePerLot = 1e6

var nonLetters = regexp.MustCompile(`[^A-Za-z]`)

func canonicalSymbol(symbol string) string {
	return strings.ToUpper(nonLetters.ReplaceAllString(symbol, ""))
}

// PipSize returns the pip increment for a symbol. Canonical six-letter
// pairs infer it from the quote currency; anything else falls back to
// the decimals seen in sample prices.
func PipSize(symbol string, samplePrices []float64) float64 {
	sym := canonicalSymbol(symbol)
	if len(sym) >= 6 {
		if sym[3:6] == "JPY" {
			return 0.01
		}
		return 0.0001
	}

	digits := 0
	for _, p := range samplePrices {
		s := strconv.FormatFloat(p, 'f', -1, 64)
		if i := strings.IndexByte(s, '.'); i >= 0 {
			if d := len(s) - i - 1; d > digits {
				digits = d
			}
		}
	}
	switch {
	case digits >= 4:
		return 0.0001
	case digits == 3 || digits == 2:
		return 0.01
	default:
		return 0.0001
	}
}

// EstimatePipValuePerLot derives the account-currency value of one pip
// per lot from closed trades: each trade's profit divided by the pips
// it moved and the volume it carried. The median across trades is
// robust to outliers and conversion-rate drift.
func EstimatePipValuePerLot(trades []types.Trade, symbol string) (float64, bool) {
	var prices []float64
	for _, t := range trades {
		if t.OpenPrice == 0 || t.ClosePrice == 0 || t.Volume == 0 {
			continue
		}
		prices = append(prices, t.OpenPrice, t.ClosePrice)
	}

	pipSize := PipSize(symbol, prices)
	if pipSize <= 0 {
		return 0, false
	}

	var estimates []float64
	for _, t := range trades {
		if t.Volume <= 0 {
			continue
		}
		move := math.Abs(t.ClosePrice - t.OpenPrice)
		if move <= 0 {
			continue
		}
		pips := move / pipSize
		profit := t.GrossProfit
		if profit == 0 {
			profit = t.NetProfit
		}
		if profit == 0 {
			continue
		}
		pv := math.Abs(profit) / (pips * t.Volume)
		if pv <= 0 || pv > maxPipValuePerLot {
			continue
		}
		estimates = append(estimates, pv)
	}
	if len(estimates) == 0 {
		return 0, false
	}
	return utils.Median(estimates), true
}

// OverlayOutcome is the recomputed view of a trade list after charging
// synthetic execution costs.
type OverlayOutcome struct {
	Metrics types.TradeMetrics
	Cost    types.OverlayCost
}

// ApplyCostOverlay charges spread once plus slippage per configured
// side against every trade, then rebuilds profit, profit factor and
// balance drawdown from the adjusted close-time-ordered stream. No
// simulator run is involved, so the overlay is fully deterministic.
func ApplyCostOverlay(trades []types.Trade, initialBalance, pipValuePerLot float64, o types.OverlaySettings) OverlayOutcome {
	sides := o.Sides
	if sides < 0 {
		sides = 0
	}
	extraPips := math.Max(0, o.SpreadPips) + math.Max(0, o.SlippagePips)*float64(sides)

	ordered := make([]types.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CloseTime.Before(ordered[j].CloseTime)
	})

	totalCost := 0.0
	adjusted := make([]float64, 0, len(ordered))
	for _, t := range ordered {
		cost := pipValuePerLot * t.Volume * extraPips
		totalCost += cost
		adjusted = append(adjusted, t.NetProfit-cost)
	}

	var profit, grossProfit, grossLoss float64
	wins := 0
	for _, p := range adjusted {
		profit += p
		if p > 0 {
			grossProfit += p
			wins++
		} else if p < 0 {
			grossLoss += p
		}
	}

	m := types.TradeMetrics{
		Profit:         profit,
		ProfitFactor:   utils.ProfitFactor(grossProfit, grossLoss),
		MaxDrawdownPct: utils.MaxDrawdownPct(initialBalance, adjusted),
		TotalTrades:    len(ordered),
		GrossProfit:    grossProfit,
		GrossLoss:      grossLoss,
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades) * 100
		m.ExpectedPayoff = profit / float64(m.TotalTrades)
	}

	return OverlayOutcome{
		Metrics: m,
		Cost: types.OverlayCost{
			ExtraPipsPerTrade: extraPips,
			PipValuePerLot:    pipValuePerLot,
			TotalCost:         totalCost,
		},
	}
}

// Package windows slices a verified pass's trade history into date
// windows and recomputes performance inside each one. The slices cover
// the full test period, the in-sample and forward segments, recent
// rolling spans, individual calendar months and calendar years, so a
// strategy that only ever made money in one stretch stands out.
package windows

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// Slicer derives window definitions from the configured rolling and
// calendar spans and evaluates trade lists against them.
type Slicer struct {
	logger            *zap.Logger
	rollingDays       []int
	calendarMonthsAgo []int
}

// NewSlicer builds a slicer from the stress window settings.
func NewSlicer(logger *zap.Logger, cfg *config.Config) *Slicer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Slicer{
		logger:            logger.Named("windows"),
		rollingDays:       cfg.Stress.RollingDays,
		calendarMonthsAgo: cfg.Stress.CalendarMonthsAgo,
	}
}

// Slice evaluates every configured window over the trade list. Dates
// that fail to parse drop the windows that depend on them rather than
// failing the whole report; a missing end date falls back to now.
// Window bounds are midnight-anchored, so a trade closing later in the
// day of an end bound falls outside that window.
func (s *Slicer) Slice(trades []types.Trade, initialBalance float64, dates config.DateRange) *types.WindowReport {
	sorted := make([]types.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CloseTime.Before(sorted[j].CloseTime)
	})

	start := parseDate(dates.Start)
	split := parseDate(dates.Split)
	end := parseDate(dates.End)
	if end.IsZero() {
		end = time.Now().UTC().Truncate(24 * time.Hour)
	}

	report := &types.WindowReport{GeneratedAt: time.Now().UTC()}
	add := func(id, label string, kind types.WindowKind, from, to time.Time) {
		if from.After(to) {
			return
		}
		report.Windows = append(report.Windows, types.Window{
			ID:      id,
			Label:   label,
			Kind:    kind,
			From:    utils.FormatDate(from),
			To:      utils.FormatDate(to),
			Metrics: windowMetrics(sorted, initialBalance, from, to),
		})
	}

	if !start.IsZero() {
		add("full", "Full period", types.WindowFull, start, end)
		if !split.IsZero() {
			add("in_sample", "In-sample", types.WindowSegment, start, split)
		}
	}
	if !split.IsZero() {
		add("forward", "Forward", types.WindowSegment, split, end)
	}

	for _, d := range s.rollingDays {
		if d <= 0 {
			continue
		}
		add(fmt.Sprintf("last_%dd", d), fmt.Sprintf("Last %d days", d),
			types.WindowRolling, end.AddDate(0, 0, -d), end)
	}

	for _, m := range s.calendarMonthsAgo {
		if m <= 0 {
			continue
		}
		monthStart := time.Date(end.Year(), end.Month()-time.Month(m), 1, 0, 0, 0, 0, end.Location())
		monthEnd := monthStart.AddDate(0, 1, -1)
		add(fmt.Sprintf("month_%d_%02d", monthStart.Year(), int(monthStart.Month())),
			monthStart.Format("Jan 2006"), types.WindowCalendar, monthStart, monthEnd)
	}

	if !start.IsZero() {
		for year := start.Year(); year <= end.Year(); year++ {
			from := time.Date(year, 1, 1, 0, 0, 0, 0, end.Location())
			to := time.Date(year, 12, 31, 0, 0, 0, 0, end.Location())
			if from.Before(start) {
				from = start
			}
			if to.After(end) {
				to = end
			}
			add(fmt.Sprintf("year_%d", year), fmt.Sprintf("Year %d", year), types.WindowYear, from, to)
		}
	}

	s.logger.Debug("window slices computed",
		zap.Int("windows", len(report.Windows)),
		zap.Int("trades", len(sorted)))
	return report
}

// windowMetrics recomputes performance for trades closing inside
// [from, to]. The account balance is advanced through every earlier
// trade first so drawdown percentages are taken against the balance the
// account actually carried into the window.
func windowMetrics(sorted []types.Trade, initialBalance float64, from, to time.Time) types.TradeMetrics {
	balance := initialBalance
	i := 0
	for ; i < len(sorted) && sorted[i].CloseTime.Before(from); i++ {
		balance += sorted[i].NetProfit
	}

	var (
		profit      float64
		grossProfit float64
		grossLoss   float64
		wins        int
		profits     []float64
	)
	for ; i < len(sorted); i++ {
		t := sorted[i]
		if t.CloseTime.After(to) {
			break
		}
		profit += t.NetProfit
		profits = append(profits, t.NetProfit)
		switch {
		case t.NetProfit > 0:
			wins++
			grossProfit += t.NetProfit
		case t.NetProfit < 0:
			grossLoss += t.NetProfit
		}
	}

	total := len(profits)
	m := types.TradeMetrics{
		Profit:         profit,
		ProfitFactor:   utils.ProfitFactor(grossProfit, grossLoss),
		MaxDrawdownPct: utils.MaxDrawdownPct(balance, profits),
		TotalTrades:    total,
		GrossProfit:    grossProfit,
		GrossLoss:      grossLoss,
	}
	if total > 0 {
		m.WinRate = float64(wins) / float64(total) * 100
		m.ExpectedPayoff = profit / float64(total)
	}
	return m
}

func parseDate(s string) time.Time {
	t, err := utils.ParseDate(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

package windows

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/pkg/types"
)

func newSlicer(t *testing.T) *Slicer {
	t.Helper()
	cfg := config.Default()
	cfg.Stress.RollingDays = []int{30, 90}
	cfg.Stress.CalendarMonthsAgo = []int{1, 2}
	return NewSlicer(zap.NewNop(), cfg)
}

func trade(close time.Time, net float64) types.Trade {
	return types.Trade{
		Symbol:    "EURUSD",
		Side:      types.TradeSideBuy,
		Volume:    0.1,
		OpenTime:  close.Add(-2 * time.Hour),
		CloseTime: close,
		NetProfit: net,
	}
}

func windowByID(t *testing.T, r *types.WindowReport, id string) types.Window {
	t.Helper()
	for _, w := range r.Windows {
		if w.ID == id {
			return w
		}
	}
	t.Fatalf("window %s not found", id)
	return types.Window{}
}

func TestSliceBuildsAllWindowKinds(t *testing.T) {
	s := newSlicer(t)
	dates := config.DateRange{Start: "2022.01.01", End: "2026.01.01", Split: "2025.01.01"}

	// Deliberately unsorted input.
	trades := []types.Trade{
		trade(time.Date(2025, 12, 20, 10, 0, 0, 0, time.UTC), 200),
		trade(time.Date(2023, 6, 15, 10, 0, 0, 0, time.UTC), 100),
		trade(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC), -50),
	}

	r := s.Slice(trades, 1000, dates)
	require.NotNil(t, r)

	ids := make([]string, len(r.Windows))
	for i, w := range r.Windows {
		ids[i] = w.ID
	}
	assert.Equal(t, []string{
		"full", "in_sample", "forward",
		"last_30d", "last_90d",
		"month_2025_12", "month_2025_11",
		"year_2022", "year_2023", "year_2024", "year_2025", "year_2026",
	}, ids)

	full := windowByID(t, r, "full")
	assert.Equal(t, types.WindowFull, full.Kind)
	assert.Equal(t, "2022.01.01", full.From)
	assert.Equal(t, "2026.01.01", full.To)
	assert.Equal(t, 3, full.Metrics.TotalTrades)
	assert.InDelta(t, 250, full.Metrics.Profit, 1e-9)
	assert.InDelta(t, 6.0, full.Metrics.ProfitFactor, 1e-9)
	assert.InDelta(t, 66.67, full.Metrics.WinRate, 0.01)

	inSample := windowByID(t, r, "in_sample")
	assert.Equal(t, types.WindowSegment, inSample.Kind)
	assert.Equal(t, 1, inSample.Metrics.TotalTrades)
	assert.InDelta(t, 100, inSample.Metrics.Profit, 1e-9)
	assert.InDelta(t, 99.0, inSample.Metrics.ProfitFactor, 1e-9, "no losing trades caps the ratio")

	forward := windowByID(t, r, "forward")
	assert.Equal(t, 2, forward.Metrics.TotalTrades)
	assert.InDelta(t, 150, forward.Metrics.Profit, 1e-9)
	assert.InDelta(t, 4.0, forward.Metrics.ProfitFactor, 1e-9)

	dec := windowByID(t, r, "month_2025_12")
	assert.Equal(t, "Dec 2025", dec.Label)
	assert.Equal(t, "2025.12.01", dec.From)
	assert.Equal(t, "2025.12.31", dec.To)
	assert.Equal(t, 1, dec.Metrics.TotalTrades)
	assert.InDelta(t, 200, dec.Metrics.Profit, 1e-9)

	nov := windowByID(t, r, "month_2025_11")
	assert.Equal(t, 0, nov.Metrics.TotalTrades)
	assert.Zero(t, nov.Metrics.ProfitFactor)
	assert.Zero(t, nov.Metrics.WinRate)

	rolling := windowByID(t, r, "last_30d")
	assert.Equal(t, types.WindowRolling, rolling.Kind)
	assert.Equal(t, "2025.12.02", rolling.From)
	assert.Equal(t, 1, rolling.Metrics.TotalTrades)

	lastYear := windowByID(t, r, "year_2026")
	assert.Equal(t, "2026.01.01", lastYear.From)
	assert.Equal(t, "2026.01.01", lastYear.To, "clamped to the backtest end")
}

func TestSliceAdvancesBalanceIntoWindow(t *testing.T) {
	s := newSlicer(t)
	dates := config.DateRange{Start: "2022.01.01", End: "2026.01.01", Split: "2025.01.01"}
	trades := []types.Trade{
		trade(time.Date(2023, 6, 15, 10, 0, 0, 0, time.UTC), 100),
		trade(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC), -50),
		trade(time.Date(2025, 12, 20, 10, 0, 0, 0, time.UTC), 200),
	}

	r := s.Slice(trades, 1000, dates)

	// Forward window opens at 1100 after the in-sample win, so the -50
	// dip is measured against 1100, not 1000.
	forward := windowByID(t, r, "forward")
	assert.InDelta(t, 50.0/1100.0*100, forward.Metrics.MaxDrawdownPct, 1e-6)

	full := windowByID(t, r, "full")
	assert.InDelta(t, 50.0/1100.0*100, full.Metrics.MaxDrawdownPct, 1e-6)
}

func TestSliceWindowBoundsAreMidnightAnchored(t *testing.T) {
	s := newSlicer(t)
	dates := config.DateRange{Start: "2025.01.01", End: "2026.01.01", Split: ""}

	// Closes in the afternoon of the month's last day: past the
	// midnight-anchored month and year bounds, still inside "full".
	late := trade(time.Date(2025, 12, 31, 15, 0, 0, 0, time.UTC), 75)
	r := s.Slice([]types.Trade{late}, 1000, dates)

	assert.Equal(t, 0, windowByID(t, r, "month_2025_12").Metrics.TotalTrades)
	assert.Equal(t, 0, windowByID(t, r, "year_2025").Metrics.TotalTrades)
	assert.Equal(t, 1, windowByID(t, r, "full").Metrics.TotalTrades)
}

func TestSliceWithoutSplitSkipsSegments(t *testing.T) {
	s := newSlicer(t)
	r := s.Slice(nil, 1000, config.DateRange{Start: "2025.01.01", End: "2026.01.01"})

	ids := make(map[string]bool)
	for _, w := range r.Windows {
		ids[w.ID] = true
	}
	assert.True(t, ids["full"])
	assert.False(t, ids["in_sample"])
	assert.False(t, ids["forward"])
}

func TestSliceUnparseableStartDropsDependents(t *testing.T) {
	s := newSlicer(t)
	r := s.Slice(nil, 1000, config.DateRange{Start: "not-a-date", End: "2026.01.01"})

	require.Len(t, r.Windows, 4, "only rolling and calendar windows survive")
	assert.Equal(t, "last_30d", r.Windows[0].ID)
	assert.Equal(t, "month_2025_11", r.Windows[3].ID)
}

func TestSliceEndFallsBackToToday(t *testing.T) {
	s := newSlicer(t)
	recent := trade(time.Now().UTC().AddDate(0, 0, -2), 40)
	r := s.Slice([]types.Trade{recent}, 1000, config.DateRange{Start: "2024.01.01"})

	rolling := windowByID(t, r, "last_30d")
	assert.Equal(t, 1, rolling.Metrics.TotalTrades)
	assert.InDelta(t, 40, rolling.Metrics.Profit, 1e-9)
}

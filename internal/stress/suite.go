// Package stress replays the best pass under degraded execution and
// data assumptions: short lookback windows, real-tick modelling with
// added latency, and deterministic post-hoc cost overlays. Scenarios
// are infrastructure-level and EA-agnostic.
package stress

import (
	"fmt"
	"time"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// suiteWindow is one date slice the suite replays under every model.
type suiteWindow struct {
	id    string
	label string
	from  time.Time
	to    time.Time
}

// BuildSuite enumerates the scenario suite: every configured window
// crossed with every configured data model, plus per-latency variants
// for tick replays. Windows anchor to the workflow end date so the
// suite is reproducible for a given run.
func BuildSuite(cfg *config.Config, dates config.DateRange, now time.Time) []types.Scenario {
	anchor, err := utils.ParseDate(dates.End)
	if err != nil {
		anchor = now
	}

	var scenarios []types.Scenario
	for _, w := range suiteWindows(cfg, anchor) {
		window := types.ScenarioWindow{
			ID:    w.id,
			Label: w.label,
			From:  utils.FormatDate(w.from),
			To:    utils.FormatDate(w.to),
		}

		for _, name := range cfg.Stress.Models {
			model, ok := modelFor(name)
			if !ok {
				continue
			}

			base := types.Scenario{
				ID:       fmt.Sprintf("%s_%s", name, w.id),
				Label:    fmt.Sprintf("%s - %s", modelLabel(model), w.label),
				PeriodID: w.id,
				Variant:  types.VariantBase,
				Window:   window,
				Settings: types.ScenarioSettings{
					From:      window.From,
					To:        window.To,
					Model:     model,
					LatencyMS: cfg.Backtest.LatencyMS,
				},
				Tags: []string{"window", name},
			}
			scenarios = append(scenarios, base)

			if model != types.ModelTick {
				continue
			}
			for _, lat := range cfg.Stress.TickLatencies {
				if lat <= 0 {
					continue
				}
				scenarios = append(scenarios, types.Scenario{
					ID:       fmt.Sprintf("%s_latency_%dms", base.ID, lat),
					Label:    fmt.Sprintf("Tick + latency %dms - %s", lat, w.label),
					PeriodID: w.id,
					Variant:  types.VariantBase,
					Window:   window,
					Settings: types.ScenarioSettings{
						From:      window.From,
						To:        window.To,
						Model:     types.ModelTick,
						LatencyMS: lat,
					},
					Tags: []string{"window", "tick", "latency"},
				})
			}
		}
	}
	return scenarios
}

// suiteWindows derives the rolling and calendar-month windows from the
// stress config. Calendar bounds are midnight-anchored whole months.
func suiteWindows(cfg *config.Config, anchor time.Time) []suiteWindow {
	var windows []suiteWindow

	for _, days := range cfg.Stress.RollingDays {
		if days <= 0 {
			continue
		}
		windows = append(windows, suiteWindow{
			id:    fmt.Sprintf("last_%dd", days),
			label: fmt.Sprintf("Last %d days", days),
			from:  anchor.AddDate(0, 0, -days),
			to:    anchor,
		})
	}

	for _, monthsAgo := range cfg.Stress.CalendarMonthsAgo {
		if monthsAgo <= 0 {
			continue
		}
		// time.Date normalizes out-of-range months, so the subtraction
		// lands on the right calendar month without manual wrapping.
		start := time.Date(anchor.Year(), anchor.Month()-time.Month(monthsAgo), 1, 0, 0, 0, 0, anchor.Location())
		end := start.AddDate(0, 1, -1)
		windows = append(windows, suiteWindow{
			id:    fmt.Sprintf("month_%d_%02d", start.Year(), int(start.Month())),
			label: start.Format("Jan 2006"),
			from:  start,
			to:    end,
		})
	}

	return windows
}

func modelFor(name string) (int, bool) {
	switch name {
	case "tick":
		return types.ModelTick, true
	case "ohlc":
		return types.ModelOHLC, true
	default:
		return 0, false
	}
}

func modelLabel(model int) string {
	if model == types.ModelTick {
		return "Tick"
	}
	return "OHLC (1m)"
}

package report

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

// MergeForward folds a forward-period export into the main optimization
// passes, matching rows on the Pass column. Each matched pass gains
// "Forward Result" and "Back Result" bookkeeping params, a Forward
// segment with the out-of-sample metrics, and a combined trade count.
// Passes without a forward row are left untouched.
func (p *Parser) MergeForward(main, forward []types.PassRecord) []types.PassRecord {
	byPass := make(map[int]types.PassRecord, len(forward))
	for _, fp := range forward {
		if n := fp.PassNum(); n >= 0 {
			byPass[n] = fp
		}
	}

	merged := 0
	for i := range main {
		n := main[i].PassNum()
		if n < 0 {
			continue
		}
		fp, ok := byPass[n]
		if !ok {
			continue
		}
		if main[i].Params == nil {
			main[i].Params = make(map[string]any)
		}
		main[i].Params[types.ParamKeyForwardResult] = fp.Result
		// The forward export repeats the in-sample result as "Back
		// Result"; older builds omit it, so fall back to the main row.
		back, hasBack := fp.BackResult()
		if !hasBack {
			back = main[i].Result
		}
		main[i].Params[types.ParamKeyBackResult] = back
		main[i].Forward = &types.ForwardSegment{
			Result:         fp.Result,
			Profit:         fp.Profit,
			ProfitFactor:   fp.ProfitFactor,
			ExpectedPayoff: fp.ExpectedPayoff,
			MaxDrawdownPct: fp.MaxDrawdownPct,
			Trades:         fp.TotalTrades,
		}
		main[i].TotalTrades += fp.TotalTrades
		merged++
	}

	p.logger.Debug("merged forward export",
		zap.Int("forward_rows", len(forward)),
		zap.Int("matched", merged),
		zap.Int("passes", len(main)))
	return main
}

// ParseOptimizationWithForward parses the main export and, when a
// forward export exists alongside it, merges the two. A missing forward
// file is not an error: single-period optimizations have none.
func (p *Parser) ParseOptimizationWithForward(mainPath, forwardPath string) ([]types.PassRecord, error) {
	passes, err := p.ParseOptimizationXML(mainPath)
	if err != nil {
		return nil, err
	}
	if forwardPath == "" {
		return passes, nil
	}
	if _, err := os.Stat(forwardPath); err != nil {
		if os.IsNotExist(err) {
			return passes, nil
		}
		return nil, fmt.Errorf("stat forward export: %w", err)
	}
	forward, err := p.ParseOptimizationXML(forwardPath)
	if err != nil {
		p.logger.Warn("forward export unreadable, keeping main passes only",
			zap.String("path", forwardPath), zap.Error(err))
		return passes, nil
	}
	return p.MergeForward(passes, forward), nil
}

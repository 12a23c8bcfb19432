// Package montecarlo estimates strategy robustness by resampling the
// trade sequence: shuffle, replay, and measure how often the account
// survives. Iteration batches run on a bounded worker pool with
// per-batch seeded RNGs so a fixed seed reproduces the full
// distribution.
package montecarlo

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/workers"
	"github.com/eaforge/stress-backend/pkg/types"
	"github.com/eaforge/stress-backend/pkg/utils"
)

// DefaultInitialBalance stands in when the caller has no deposit figure.
const DefaultInitialBalance = 10000

// Config tunes a simulation run. Zero values take defaults.
type Config struct {
	Iterations       int       `json:"iterations"`
	RuinThreshold    float64   `json:"ruin_threshold"` // drawdown fraction of peak
	ConfidenceLevels []float64 `json:"confidence_levels"`
	Seed             int64     `json:"seed,omitempty"` // 0 means time-based
	Workers          int       `json:"workers,omitempty"`
}

// DefaultConfig mirrors the production settings: ten thousand shuffles,
// ruin at a 50% drawdown, septile confidence levels.
func DefaultConfig() Config {
	return Config{
		Iterations:       10000,
		RuinThreshold:    0.5,
		ConfidenceLevels: []float64{0.05, 0.10, 0.25, 0.50, 0.75, 0.90, 0.95},
		Workers:          8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Iterations <= 0 {
		c.Iterations = d.Iterations
	}
	if c.RuinThreshold <= 0 {
		c.RuinThreshold = d.RuinThreshold
	}
	if len(c.ConfidenceLevels) == 0 {
		c.ConfidenceLevels = d.ConfidenceLevels
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Workers > c.Iterations {
		c.Workers = c.Iterations
	}
	return c
}

// Engine runs shuffle-resampling simulations.
type Engine struct {
	logger *zap.Logger
	cfg    Config
}

// NewEngine returns an engine logging under "montecarlo".
func NewEngine(logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("montecarlo"), cfg: cfg.withDefaults()}
}

// Config exposes the normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

// Run simulates the trade list and summarizes the outcome distribution.
// Percentiles are taken from the sorted distributions so results are
// independent of worker scheduling.
func (e *Engine) Run(profits []float64, initialBalance float64) (types.MonteCarloResult, error) {
	if len(profits) == 0 {
		return types.MonteCarloResult{}, fmt.Errorf("no trades provided for simulation")
	}
	if initialBalance <= 0 {
		initialBalance = DefaultInitialBalance
	}

	seed := e.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	iterations := e.cfg.Iterations
	finals := make([]float64, iterations)
	drawdowns := make([]float64, iterations)
	ruins := make([]bool, iterations)

	// Each batch owns a contiguous run of iterations and a seed derived
	// from the batch index, so results never depend on which pool worker
	// picks a batch up. A panicking batch is recovered by the pool and
	// surfaces as an error instead of a zero-filled distribution.
	pool := workers.NewPool(e.logger, &workers.Config{
		Name:       "montecarlo",
		NumWorkers: e.cfg.Workers,
		QueueSize:  e.cfg.Workers,
	})
	pool.Start()
	chunk := (iterations + e.cfg.Workers - 1) / e.cfg.Workers
	for batch := 0; batch < e.cfg.Workers; batch++ {
		lo := batch * chunk
		hi := lo + chunk
		if hi > iterations {
			hi = iterations
		}
		if lo >= hi {
			break
		}
		if err := pool.SubmitFunc(func() error {
			rng := rand.New(rand.NewSource(seed + int64(batch)))
			shuffled := make([]float64, len(profits))
			for i := lo; i < hi; i++ {
				copy(shuffled, profits)
				rng.Shuffle(len(shuffled), func(a, b int) {
					shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
				})
				finals[i], drawdowns[i], ruins[i] = walkOnce(shuffled, initialBalance, e.cfg.RuinThreshold)
			}
			return nil
		}); err != nil {
			pool.Stop()
			return types.MonteCarloResult{}, fmt.Errorf("queue simulation batch: %w", err)
		}
	}
	pool.Stop()
	if st := pool.Stats(); st.Failed > 0 {
		return types.MonteCarloResult{}, fmt.Errorf("%d of %d simulation batches failed", st.Failed, st.Submitted)
	}

	sort.Float64s(finals)
	sort.Float64s(drawdowns)

	ruinCount := 0
	profitable := 0
	var sum float64
	for i := range finals {
		sum += finals[i]
		if finals[i] > 0 {
			profitable++
		}
		if ruins[i] {
			ruinCount++
		}
	}

	n := len(finals)
	res := types.MonteCarloResult{
		Iterations:          iterations,
		ConfidencePct:       utils.Round2(float64(profitable) / float64(iterations) * 100),
		RuinProbabilityPct:  utils.Round2(float64(ruinCount) / float64(iterations) * 100),
		ExpectedProfit:      utils.Round2(sum / float64(n)),
		MedianProfit:        utils.Round2(finals[n/2]),
		MaxDrawdownMedian:   utils.Round2(drawdowns[n/2]),
		MaxDrawdownWorstP95: utils.Round2(drawdowns[clampIndex(int(0.95*float64(n)), n)]),
		Percentiles:         make(map[string]float64, len(e.cfg.ConfidenceLevels)),
		DrawdownPercentiles: make(map[string]float64, len(e.cfg.ConfidenceLevels)),
	}
	for _, level := range e.cfg.ConfidenceLevels {
		idx := clampIndex(int(level*float64(n)), n)
		key := levelKey(level)
		res.Percentiles[key] = utils.Round2(finals[idx])
		res.DrawdownPercentiles[key] = utils.Round2(drawdowns[idx])
	}
	res.WorstCaseP5 = pickLevel(res.Percentiles, 0.05, utils.Round2(finals[0]))
	res.BestCaseP95 = pickLevel(res.Percentiles, 0.95, utils.Round2(finals[n-1]))

	e.logger.Debug("simulation complete",
		zap.Int("iterations", iterations),
		zap.Int("trades", len(profits)),
		zap.Float64("confidence_pct", res.ConfidencePct),
		zap.Float64("ruin_pct", res.RuinProbabilityPct))
	return res, nil
}

// walkOnce replays one shuffled sequence. Ruin is latched when drawdown
// reaches the threshold but the walk continues, so the final profit
// reflects the whole sequence.
func walkOnce(profits []float64, initialBalance, ruinThreshold float64) (finalProfit, maxDDPct float64, ruined bool) {
	balance := initialBalance
	peak := initialBalance
	maxDD := 0.0
	for _, p := range profits {
		balance += p
		if balance > peak {
			peak = balance
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - balance) / peak
		}
		if dd > maxDD {
			maxDD = dd
		}
		if dd >= ruinThreshold {
			ruined = true
		}
	}
	return balance - initialBalance, maxDD * 100, ruined
}

func clampIndex(idx, n int) int {
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}

func levelKey(level float64) string {
	return strconv.FormatFloat(level, 'g', -1, 64)
}

func pickLevel(percentiles map[string]float64, level float64, fallback float64) float64 {
	if v, ok := percentiles[levelKey(level)]; ok {
		return v
	}
	return fallback
}

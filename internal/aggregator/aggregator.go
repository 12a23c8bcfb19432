// Package aggregator renders the cross-workflow views over persisted
// state: the global pass leaderboard, the boards index of runs and
// scenarios, and per-workflow dashboards. It reads workflow documents
// and result side-cars but never writes them back. Every view is a
// static index.html plus a data.json side-car carrying the full
// document; the JSON is the contract, the HTML a convenience.
package aggregator

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/store"
	"github.com/eaforge/stress-backend/pkg/types"
)

// DefaultPassesPerWorkflow caps how many passes a single workflow may
// contribute to the leaderboard.
const DefaultPassesPerWorkflow = 30

// dashboardPassCap keeps single-workflow dashboards readable.
const dashboardPassCap = 50

const defaultScanWorkers = 8

// Options relocate outputs or tune the scan. Zero values keep the
// defaults: directories under the store root, 30 passes per workflow.
type Options struct {
	LeaderboardDir    string
	BoardsDir         string
	DashboardsDir     string
	PassesPerWorkflow int
	ScanWorkers       int
	Now               func() time.Time
}

// Aggregator builds the rendered views. Scores shown on any board are
// recomputed through the same gate engine the pipeline uses, so the
// leaderboard and the workflow state can never disagree.
type Aggregator struct {
	logger *zap.Logger
	cfg    *config.Config
	store  *store.Store
	scorer *gates.Engine

	leaderboardDir string
	boardsDir      string
	dashboardsDir  string
	perWorkflow    int
	scanWorkers    int
	now            func() time.Time
}

// New wires an aggregator over the given store.
func New(logger *zap.Logger, cfg *config.Config, st *store.Store, opts *Options) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	a := &Aggregator{
		logger:         logger.Named("aggregator"),
		cfg:            cfg,
		store:          st,
		scorer:         gates.NewEngine(logger, cfg),
		leaderboardDir: filepath.Join(st.Root(), "leaderboard"),
		boardsDir:      filepath.Join(st.Root(), "boards"),
		dashboardsDir:  filepath.Join(st.Root(), "dashboards"),
		perWorkflow:    DefaultPassesPerWorkflow,
		scanWorkers:    defaultScanWorkers,
		now:            time.Now,
	}
	if opts != nil {
		if opts.LeaderboardDir != "" {
			a.leaderboardDir = opts.LeaderboardDir
		}
		if opts.BoardsDir != "" {
			a.boardsDir = opts.BoardsDir
		}
		if opts.DashboardsDir != "" {
			a.dashboardsDir = opts.DashboardsDir
		}
		if opts.PassesPerWorkflow > 0 {
			a.perWorkflow = opts.PassesPerWorkflow
		}
		if opts.ScanWorkers > 0 {
			a.scanWorkers = opts.ScanWorkers
		}
		if opts.Now != nil {
			a.now = opts.Now
		}
	}
	return a
}

// LeaderboardData assembles the global pass ranking without touching
// disk. Failed, pending and paused workflows contribute nothing; the
// rest contribute their top passes, preferring verification backtests
// over the raw sweep.
func (a *Aggregator) LeaderboardData() (LeaderboardData, error) {
	states, err := a.scan()
	if err != nil {
		return LeaderboardData{}, err
	}

	rows := make([]PassRow, 0, len(states)*4)
	processed := 0
	for _, w := range states {
		if excludedFromLeaderboard(w.Status) {
			continue
		}
		wr := a.passRows(w, a.perWorkflow)
		if len(wr) == 0 {
			continue
		}
		rows = append(rows, wr...)
		processed++
	}

	sortRows(rows)
	for i := range rows {
		rows[i].Rank = i + 1
	}

	return LeaderboardData{
		Passes:             rows,
		TotalPasses:        len(rows),
		WorkflowsProcessed: processed,
		UpdatedAt:          a.now().UTC(),
	}, nil
}

// Leaderboard renders the global pass ranking.
func (a *Aggregator) Leaderboard() (string, error) {
	doc, err := a.LeaderboardData()
	if err != nil {
		return "", err
	}
	path, err := writePage(a.leaderboardDir, leaderboardTmpl, doc)
	if err != nil {
		return "", err
	}
	a.logger.Info("leaderboard rendered",
		zap.Int("passes", doc.TotalPasses),
		zap.Int("workflows", doc.WorkflowsProcessed),
		zap.String("path", path))
	return path, nil
}

// Boards renders the global index of workflows and post-stage
// scenarios. Every run stays listed regardless of status, so results
// do not disappear from the index when a run fails or pauses.
func (a *Aggregator) Boards() (string, error) {
	states, err := a.scan()
	if err != nil {
		return "", err
	}

	workflows := make([]WorkflowRow, 0, len(states))
	scenarios := make([]ScenarioRow, 0)
	eas := make(map[string]struct{})
	symbols := make(map[string]struct{})
	for _, w := range states {
		workflows = append(workflows, a.workflowRow(w))
		scenarios = append(scenarios, scenarioRows(w)...)
		eas[w.EAName] = struct{}{}
		symbols[w.Symbol] = struct{}{}
	}
	sort.SliceStable(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	doc := BoardsData{
		Workflows: workflows,
		Scenarios: scenarios,
		UpdatedAt: a.now().UTC(),
		Counts: BoardCounts{
			Workflows:     len(workflows),
			Scenarios:     len(scenarios),
			UniqueEAs:     len(eas),
			UniqueSymbols: len(symbols),
		},
	}
	path, err := writePage(a.boardsDir, boardsTmpl, doc)
	if err != nil {
		return "", err
	}
	a.logger.Info("boards rendered",
		zap.Int("workflows", len(workflows)),
		zap.Int("scenarios", len(scenarios)),
		zap.String("path", path))
	return path, nil
}

// Dashboard renders the single-workflow view under dashboards/<id>/.
func (a *Aggregator) Dashboard(w *types.WorkflowState) (string, error) {
	if w == nil {
		return "", fmt.Errorf("dashboard: nil workflow state")
	}
	doc := a.dashboardData(w)
	path, err := writePage(filepath.Join(a.dashboardsDir, w.WorkflowID), dashboardTmpl, doc)
	if err != nil {
		return "", err
	}
	a.logger.Info("dashboard rendered",
		zap.String("workflow_id", w.WorkflowID),
		zap.Int("passes", len(doc.Passes)))
	return path, nil
}

// scan loads every workflow document under the store root. Unreadable
// files are logged and skipped; one corrupt run must not take down the
// whole board.
func (a *Aggregator) scan() ([]*types.WorkflowState, error) {
	files, err := a.store.Files()
	if err != nil {
		return nil, fmt.Errorf("list workflow files: %w", err)
	}
	loaded := make([]*types.WorkflowState, len(files))
	var eg errgroup.Group
	eg.SetLimit(a.scanWorkers)
	for i, file := range files {
		i, file := i, file
		eg.Go(func() error {
			w, err := a.store.LoadPath(file)
			if err != nil {
				a.logger.Warn("skipping unreadable workflow file",
					zap.String("file", filepath.Base(file)),
					zap.Error(err))
				return nil
			}
			loaded[i] = w
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	states := loaded[:0]
	for _, w := range loaded {
		if w != nil {
			states = append(states, w)
		}
	}
	return states, nil
}

// excludedFromLeaderboard filters workflows with nothing rankable yet:
// failed and pending runs, and runs paused on external input.
func excludedFromLeaderboard(s types.Status) bool {
	return s == types.StatusFailed || s == types.StatusPending || s.IsAwaiting()
}

// sortRows orders by composite score, profit breaking ties, matching
// the order the backtest stage picks its best pass in.
func sortRows(rows []PassRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].Profit > rows[j].Profit
	})
}

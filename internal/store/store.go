// Package store persists workflow state as JSON documents under a runs
// directory. Each workflow is one `workflow_<id>.json` file written
// atomically after every stage; bulky stage output (thousands of
// optimization passes, per-pass backtests) lives in side-car files under
// `<runs dir>/<id>/` and is referenced from the state by path. The
// pipeline executor is the only writer; dashboards, the aggregator and
// the API only read.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/pkg/types"
)

// Side-car names referenced from step results via results_file.
const (
	ResultsOptimization = "optimization"
	ResultsBacktests    = "backtests"
	ResultsBestTrades   = "best_trades"
)

const statePrefix = "workflow_"

// Store reads and writes workflow documents under one runs directory.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger
	root   string
}

// New opens a store rooted at dir, creating it when absent.
func New(logger *zap.Logger, dir string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "runs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &Store{logger: logger.Named("store"), root: dir}, nil
}

// Root returns the runs directory.
func (s *Store) Root() string { return s.root }

// Path returns the state-file location for a workflow id.
func (s *Store) Path(workflowID string) string {
	return filepath.Join(s.root, statePrefix+workflowID+".json")
}

// Save writes the workflow document atomically: marshal, write to a
// temp file in the same directory, rename over the target. A crash
// mid-write leaves the previous document intact.
func (s *Store) Save(w *types.WorkflowState) error {
	if w == nil || w.WorkflowID == "" {
		return fmt.Errorf("save: workflow id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Touch()
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", w.WorkflowID, err)
	}
	if err := writeAtomic(s.Path(w.WorkflowID), data); err != nil {
		return fmt.Errorf("persist workflow %s: %w", w.WorkflowID, err)
	}
	return nil
}

// Load reads one workflow document by id.
func (s *Store) Load(workflowID string) (*types.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadPath(s.Path(workflowID))
}

// LoadPath reads a workflow document from an explicit file path, for
// callers iterating Files().
func (s *Store) LoadPath(path string) (*types.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadPath(path)
}

func (s *Store) loadPath(path string) (*types.WorkflowState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workflow not found: %s", strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), statePrefix), ".json"))
		}
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	var w types.WorkflowState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", path, err)
	}
	if w.Steps == nil {
		w.Steps = types.NewStepMap()
	}
	return &w, nil
}

// Exists reports whether a workflow document is on disk.
func (s *Store) Exists(workflowID string) bool {
	_, err := os.Stat(s.Path(workflowID))
	return err == nil
}

// Files lists every workflow document path, sorted by filename
// descending. Workflow ids embed a timestamp, so this is newest first.
func (s *Store) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, statePrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan runs dir: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// Summary is the lightweight listing row for one workflow.
type Summary struct {
	WorkflowID  string          `json:"workflow_id"`
	EAName      string          `json:"ea_name"`
	Symbol      string          `json:"symbol"`
	Timeframe   types.Timeframe `json:"timeframe"`
	Status      types.Status    `json:"status"`
	CurrentStep string          `json:"current_step"`
	StepsPassed int             `json:"steps_passed"`
	StepsFailed int             `json:"steps_failed"`
	GatesPassed bool            `json:"all_gates_passed"`
	Score       float64         `json:"composite_score,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	File        string          `json:"file"`
}

// Summarize condenses a workflow document into a listing row.
func Summarize(w *types.WorkflowState, file string) Summary {
	sum := Summary{
		WorkflowID:  w.WorkflowID,
		EAName:      w.EAName,
		Symbol:      w.Symbol,
		Timeframe:   w.Timeframe,
		Status:      w.Status,
		CurrentStep: w.CurrentStep,
		GatesPassed: len(w.Gates) > 0,
		Score:       w.Metrics["composite_score"],
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		File:        file,
	}
	w.Steps.Each(func(_ string, r types.StageResult) bool {
		if r.Success {
			sum.StepsPassed++
		} else {
			sum.StepsFailed++
		}
		return true
	})
	for _, g := range w.Gates {
		if !g.Passed {
			sum.GatesPassed = false
			break
		}
	}
	return sum
}

// List summarizes every readable workflow document, newest first.
// Unreadable files are skipped with a warning rather than failing the
// whole listing.
func (s *Store) List() ([]Summary, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(files))
	for _, f := range files {
		w, err := s.LoadPath(f)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow file", zap.String("file", f), zap.Error(err))
			continue
		}
		out = append(out, Summarize(w, f))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].WorkflowID > out[j].WorkflowID
	})
	return out, nil
}

// ResultsDir returns (creating if needed) the side-car directory for a
// workflow.
func (s *Store) ResultsDir(workflowID string) (string, error) {
	dir := filepath.Join(s.root, workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	return dir, nil
}

// SaveResults writes a named side-car document and returns its path,
// which the caller stores in the step result as results_file.
func (s *Store) SaveResults(workflowID, name string, v any) (string, error) {
	dir, err := s.ResultsDir(workflowID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s results: %w", name, err)
	}
	path := filepath.Join(dir, name+".json")
	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("persist %s results: %w", name, err)
	}
	s.logger.Debug("side-car written",
		zap.String("workflow", workflowID),
		zap.String("name", name),
		zap.Int("bytes", len(data)))
	return path, nil
}

// LoadResults reads a named side-car document into v.
func (s *Store) LoadResults(workflowID, name string, v any) error {
	path := filepath.Join(s.root, workflowID, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s results for %s: %w", name, workflowID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s results for %s: %w", name, workflowID, err)
	}
	return nil
}

// HasResults reports whether a named side-car exists.
func (s *Store) HasResults(workflowID, name string) bool {
	_, err := os.Stat(filepath.Join(s.root, workflowID, name+".json"))
	return err == nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

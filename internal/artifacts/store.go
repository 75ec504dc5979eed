// Package artifacts is the durability substrate of a run: named
// snapshots, the append-only trace log, and the terminal summary.
// Everything else about a run is reconstructible from these files.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haruyama/ailoop/internal/model"
	"github.com/haruyama/ailoop/internal/secrets"
)

const (
	TraceFileName   = "trace.jsonl"
	SummaryFileName = "summary.json"
)

// Store manages artifacts under a single root, one directory per run.
// Each run's directory is single-writer by convention (only the owning
// run writes there); concurrent readers tolerate torn reads by
// skipping malformed records.
type Store struct {
	root string

	mu    sync.Mutex
	trace map[string]*os.File // run_id → open trace file
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &Store{
		root:  root,
		trace: make(map[string]*os.File),
	}, nil
}

func (s *Store) Root() string {
	return s.root
}

// RunDir returns the run's directory, creating it if needed.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return dir, nil
}

// WriteSnapshot writes a named text artifact for the run, passing the
// content through secret redaction first so leaked credentials never
// reach disk in the clear.
func (s *Store) WriteSnapshot(runID, name, content string) error {
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	safe, _ := secrets.Redact(content)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(safe), 0644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", name, err)
	}
	return nil
}

func (s *Store) WriteIssuePack(runID, content string) error {
	return s.WriteSnapshot(runID, "issue_pack.md", content)
}

func (s *Store) WritePlan(runID string, version int, content string) error {
	return s.WriteSnapshot(runID, fmt.Sprintf("plan_v%d.md", version), content)
}

func (s *Store) WriteFinalPlan(runID, content string) error {
	return s.WriteSnapshot(runID, "final_plan.md", content)
}

func (s *Store) WriteImplementLog(runID, content string) error {
	return s.WriteSnapshot(runID, "implement_log.txt", content)
}

func (s *Store) WriteFixLog(runID string, iteration int, content string) error {
	return s.WriteSnapshot(runID, fmt.Sprintf("implement_fix_v%d.txt", iteration), content)
}

// WriteCritique records a successful critique result as a JSON artifact.
func (s *Store) WriteCritique(runID, name string, critique model.CritiqueResult) error {
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	return AtomicWriteJSON(filepath.Join(dir, name+".json"), critique)
}

// AppendTrace appends one event to the run's trace log. Strictly
// append-only, one JSON record per line, fsynced per write so a
// concurrent tail never misses a committed event.
func (s *Store) AppendTrace(runID string, event model.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.traceFile(runID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync trace file: %w", err)
	}
	return nil
}

// LogEvent builds and appends a trace event stamped with the run's
// current stage.
func (s *Store) LogEvent(rc *model.RunContext, eventType string, data map[string]any) error {
	return s.AppendTrace(rc.RunID, model.TraceEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Stage:     string(rc.Status),
		Data:      data,
	})
}

func (s *Store) traceFile(runID string) (*os.File, error) {
	if f, ok := s.trace[runID]; ok {
		return f, nil
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, TraceFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	s.trace[runID] = f
	return f, nil
}

// CloseTrace releases the run's trace file handle.
func (s *Store) CloseTrace(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.trace[runID]
	if !ok {
		return nil
	}
	delete(s.trace, runID)
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync trace file on close: %w", err)
	}
	return f.Close()
}

// WriteSummary overwrites the run's terminal summary atomically. The
// summary file doubles as the existence marker when listing runs.
func (s *Store) WriteSummary(rc *model.RunContext) error {
	dir, err := s.RunDir(rc.RunID)
	if err != nil {
		return err
	}
	return AtomicWriteJSON(filepath.Join(dir, SummaryFileName), rc.Summarize())
}

// ListRuns scans the artifact root for run summaries, newest first.
// Partially written or corrupt summaries are skipped: partial records
// from crashed runs are expected, not exceptional.
func (s *Store) ListRuns() ([]model.RunSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read artifacts root: %w", err)
	}

	var runs []model.RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name(), SummaryFileName))
		if err != nil {
			continue
		}
		var summary model.RunSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			continue
		}
		if summary.RunID == "" {
			continue
		}
		runs = append(runs, summary)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// ReadTrace parses the run's full event log, skipping malformed lines
// rather than failing the whole read.
func (s *Store) ReadTrace(runID string) ([]model.TraceEvent, error) {
	data, err := os.ReadFile(filepath.Join(s.root, runID, TraceFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trace file: %w", err)
	}

	var events []model.TraceEvent
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev model.TraceEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

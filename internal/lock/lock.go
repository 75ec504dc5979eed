// Package lock enforces at most one active pipeline per issue across
// any number of orchestrator processes on the same machine, using
// atomic create-exclusive files as the coordination primitive.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

const (
	// RecordSchemaVersion versions the lock file shape.
	RecordSchemaVersion = 1
	// nullPIDStaleAge: a lock whose owner crashed between creation and
	// spawn never gets a pid; reclaim after this age.
	nullPIDStaleAge = 60 * time.Second
)

// Record is the JSON payload of an issue lock file.
type Record struct {
	SchemaVersion int       `json:"schema_version"`
	JobID         string    `json:"job_id"`
	PID           *int      `json:"pid"`
	Cmd           string    `json:"cmd,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HeldError reports a genuinely held lock with the owning job id for
// diagnostics.
type HeldError struct {
	IssueID string
	OwnerID string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("issue %s locked by job %s", e.IssueID, e.OwnerID)
}

// Manager manages per-issue lock files under a single locks directory.
// The create-exclusive open is the sole source of mutual exclusion;
// the MutexMap only serializes attempts within one process.
type Manager struct {
	locksDir string
	mutexes  *MutexMap

	// verifyPID is swappable for tests.
	verifyPID func(pid int, expectedCmd string) bool
}

func NewManager(locksDir string) (*Manager, error) {
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		return nil, fmt.Errorf("create locks directory: %w", err)
	}
	return &Manager{
		locksDir:  locksDir,
		mutexes:   NewMutexMap(),
		verifyPID: verifyPID,
	}, nil
}

func (m *Manager) lockPath(issueID string) string {
	safe := strings.ReplaceAll(issueID, "/", "-")
	return filepath.Join(m.locksDir, safe+".lock")
}

// Acquire claims the issue for jobID. On conflict the existing lock is
// classified: stale locks are reclaimed and acquisition retried once;
// a live lock yields a HeldError carrying the owner.
func (m *Manager) Acquire(issueID, jobID, cmd string) error {
	m.mutexes.Lock(issueID)
	defer m.mutexes.Unlock(issueID)

	err := m.tryCreate(issueID, jobID, cmd)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return err
	}

	existing, readErr := m.read(issueID)
	if readErr == nil && !m.isStale(existing) {
		return &HeldError{IssueID: issueID, OwnerID: existing.JobID}
	}
	// Unreadable or stale: reclaim and retry once.
	if rmErr := os.Remove(m.lockPath(issueID)); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("reclaim stale lock for %s: %w", issueID, rmErr)
	}
	if err := m.tryCreate(issueID, jobID, cmd); err != nil {
		if errors.Is(err, os.ErrExist) {
			if rec, e := m.read(issueID); e == nil {
				return &HeldError{IssueID: issueID, OwnerID: rec.JobID}
			}
			return &HeldError{IssueID: issueID, OwnerID: "unknown"}
		}
		return err
	}
	return nil
}

// tryCreate performs the atomic create-exclusive open and writes the
// owner record. Must stay a single O_EXCL open, never check-then-create.
func (m *Manager) tryCreate(issueID, jobID, cmd string) error {
	f, err := os.OpenFile(m.lockPath(issueID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("lock exists: %w", os.ErrExist)
		}
		return fmt.Errorf("create lock file for %s: %w", issueID, err)
	}

	rec := Record{
		SchemaVersion: RecordSchemaVersion,
		JobID:         jobID,
		PID:           nil, // filled in by AttachPID after spawn
		Cmd:           cmd,
		CreatedAt:     time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		f.Close()
		os.Remove(m.lockPath(issueID))
		return fmt.Errorf("marshal lock record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(m.lockPath(issueID))
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(m.lockPath(issueID))
		return fmt.Errorf("sync lock file: %w", err)
	}
	return f.Close()
}

// AttachPID records the owning process id once known. Best effort; not
// required for exclusion, only for later stale detection.
func (m *Manager) AttachPID(issueID string, pid int) error {
	m.mutexes.Lock(issueID)
	defer m.mutexes.Unlock(issueID)

	rec, err := m.read(issueID)
	if err != nil {
		return fmt.Errorf("read lock for pid attach: %w", err)
	}
	rec.PID = &pid

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	if err := os.WriteFile(m.lockPath(issueID), data, 0600); err != nil {
		return fmt.Errorf("update lock file: %w", err)
	}
	return nil
}

// Release deletes the lock only while still owned by jobID. Another
// job may have reclaimed it as stale in the interim; never delete a
// lock that is no longer ours.
func (m *Manager) Release(issueID, jobID string) error {
	m.mutexes.Lock(issueID)
	defer m.mutexes.Unlock(issueID)

	rec, err := m.read(issueID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock for release: %w", err)
	}
	if rec.JobID != jobID {
		return fmt.Errorf("lock for %s owned by %s, not %s", issueID, rec.JobID, jobID)
	}
	if err := os.Remove(m.lockPath(issueID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Owner returns the current lock record, or os.ErrNotExist when the
// issue is unclaimed.
func (m *Manager) Owner(issueID string) (Record, error) {
	return m.read(issueID)
}

func (m *Manager) read(issueID string) (Record, error) {
	data, err := os.ReadFile(m.lockPath(issueID))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock file for %s: %w", issueID, err)
	}
	return rec, nil
}

func (m *Manager) isStale(rec Record) bool {
	if rec.PID == nil {
		return time.Since(rec.CreatedAt) > nullPIDStaleAge
	}
	return !m.verifyPID(*rec.PID, rec.Cmd)
}

// verifyPID reports whether pid belongs to the recorded lock: a live
// process must exist AND its command line must contain the expected
// prefix. The command check guards against the OS reusing the pid for
// an unrelated process.
func verifyPID(pid int, expectedCmd string) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	if expectedCmd == "" {
		return true
	}
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.TrimSpace(string(out)), expectedCmd)
}

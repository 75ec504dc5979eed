// Package approval implements the file-based human gate protocol: a
// blocked run writes a pending marker into its artifact directory and
// waits for a resolution file written by a human (or the resolve CLI
// verb). Files, not sockets, so any editor or script can answer.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haruyama/ailoop/internal/artifacts"
	"github.com/haruyama/ailoop/internal/model"
)

const (
	PendingFileName    = "gate_pending.json"
	ResolutionFileName = "gate_resolution.json"
)

// Request is the pending marker describing what the human is deciding on.
type Request struct {
	GateType   string    `json:"gate_type"` // plan_gate|code_gate
	CreatedAt  time.Time `json:"created_at"`
	Confidence int       `json:"confidence"`
	Approved   bool      `json:"approved"`
	Blockers   []string  `json:"blockers,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
}

// Resolution is the human's answer.
type Resolution struct {
	Action     string    `json:"action"` // approve|reject|request_changes
	Feedback   string    `json:"feedback,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Options tune the wait loop. Zero values take the defaults; tests
// shrink them to keep the suite fast.
type Options struct {
	PollInterval     time.Duration // default 2s
	SlowPollInterval time.Duration // default 5s
	SlowAfter        time.Duration // switch to slow polling after this, default 60s
	Timeout          time.Duration // hard deadline, default 30m
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.SlowPollInterval <= 0 {
		o.SlowPollInterval = 5 * time.Second
	}
	if o.SlowAfter <= 0 {
		o.SlowAfter = 60 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
}

// Resolver waits for gate resolutions in one run's artifact directory.
type Resolver struct {
	runDir string
	opts   Options
}

func NewResolver(runDir string, opts Options) *Resolver {
	opts.applyDefaults()
	return &Resolver{runDir: runDir, opts: opts}
}

func (r *Resolver) pendingPath() string {
	return filepath.Join(r.runDir, PendingFileName)
}

func (r *Resolver) resolutionPath() string {
	return filepath.Join(r.runDir, ResolutionFileName)
}

// WriteRequest publishes the pending marker. Any stale resolution from
// a previous gate is removed first so it cannot answer this one.
func (r *Resolver) WriteRequest(req Request) error {
	if err := os.Remove(r.resolutionPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear stale resolution: %w", err)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if err := artifacts.AtomicWriteJSON(r.pendingPath(), req); err != nil {
		return fmt.Errorf("write pending gate request: %w", err)
	}
	return nil
}

// Await blocks until a valid resolution appears, the timeout elapses,
// or ctx is cancelled. A timeout resolves as a reject so the pipeline
// always reaches a terminal state. Both protocol files are removed
// before returning.
func (r *Resolver) Await(ctx context.Context) (Resolution, error) {
	defer r.Clear()

	deadline := time.NewTimer(r.opts.Timeout)
	defer deadline.Stop()
	started := time.Now()

	// The watcher is a wake-up hint only; polling is the correctness
	// path. A failed watcher (e.g. inotify limits) degrades to polling.
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(r.runDir); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	for {
		if res, ok := r.tryRead(); ok {
			return res, nil
		}

		interval := r.opts.PollInterval
		if time.Since(started) > r.opts.SlowAfter {
			interval = r.opts.SlowPollInterval
		}
		poll := time.NewTimer(interval)

		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}

		select {
		case <-ctx.Done():
			poll.Stop()
			return Resolution{}, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return Resolution{
				Action:     model.ActionReject,
				Feedback:   fmt.Sprintf("Timed out (%dm)", int(r.opts.Timeout.Minutes())),
				ResolvedAt: time.Now(),
			}, nil
		case <-events:
		case <-poll.C:
		}
		poll.Stop()
	}
}

// tryRead reports a valid resolution if one is on disk. Malformed or
// partially written files are ignored; the next poll retries.
func (r *Resolver) tryRead() (Resolution, bool) {
	data, err := os.ReadFile(r.resolutionPath())
	if err != nil {
		return Resolution{}, false
	}
	var res Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return Resolution{}, false
	}
	switch res.Action {
	case model.ActionApprove, model.ActionReject, model.ActionRequestChanges:
	default:
		return Resolution{}, false
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	return res, true
}

// Clear removes both protocol files. Safe to call repeatedly and when
// nothing is pending.
func (r *Resolver) Clear() {
	_ = os.Remove(r.pendingPath())
	_ = os.Remove(r.resolutionPath())
}

// Resolve writes a resolution file into runDir, answering a pending
// gate from outside the orchestrator process.
func Resolve(runDir, action, feedback string) error {
	switch action {
	case model.ActionApprove, model.ActionReject, model.ActionRequestChanges:
	default:
		return fmt.Errorf("unknown resolution action %q", action)
	}
	if _, err := os.Stat(filepath.Join(runDir, PendingFileName)); err != nil {
		return fmt.Errorf("no pending gate in %s: %w", runDir, err)
	}
	res := Resolution{
		Action:     action,
		Feedback:   feedback,
		ResolvedAt: time.Now(),
	}
	if err := artifacts.AtomicWriteJSON(filepath.Join(runDir, ResolutionFileName), res); err != nil {
		return fmt.Errorf("write gate resolution: %w", err)
	}
	return nil
}

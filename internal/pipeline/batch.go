package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/haruyama/ailoop/internal/lock"
	"github.com/haruyama/ailoop/internal/model"
	"github.com/haruyama/ailoop/internal/tracker"
)

// BatchResult is the outcome of one issue in a batch.
type BatchResult struct {
	Identifier string
	RunID      string
	Status     model.RunStatus
	Skipped    bool // another process holds the issue lock
	Err        string
}

// BatchRunner executes the pipeline over a filtered issue set with
// bounded concurrency. Issues already locked by another process are
// skipped, not failed.
type BatchRunner struct {
	orch     *Orchestrator
	locks    *lock.Manager
	tracker  tracker.Client
	repoRoot string

	maxConcurrent int64
	progressEvery time.Duration

	logger   *log.Logger
	logLevel LogLevel
}

func NewBatchRunner(
	orch *Orchestrator,
	locks *lock.Manager,
	trackerClient tracker.Client,
	repoRoot string,
	cfg model.BatchConfig,
	logger *log.Logger,
	logLevel LogLevel,
) *BatchRunner {
	return &BatchRunner{
		orch:          orch,
		locks:         locks,
		tracker:       trackerClient,
		repoRoot:      repoRoot,
		maxConcurrent: int64(cfg.MaxConcurrent),
		progressEvery: 15 * time.Second,
		logger:        logger,
		logLevel:      logLevel,
	}
}

// Run lists matching issues and pipelines each one. Per-issue failures
// land in the results; the returned error covers only listing itself.
func (b *BatchRunner) Run(ctx context.Context, filters tracker.Filters) ([]BatchResult, error) {
	issues, err := b.tracker.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list issues for batch: %w", err)
	}
	if len(issues) == 0 {
		return nil, nil
	}
	b.log(LogLevelInfo, "batch_started issues=%d max_concurrent=%d", len(issues), b.maxConcurrent)

	results := make([]BatchResult, len(issues))
	var completed int64
	var mu sync.Mutex

	// Progress ticker with its own lifecycle: cancelled and awaited
	// after the workers finish, never leaked.
	progressCtx, stopProgress := context.WithCancel(ctx)
	progressDone := make(chan struct{})
	started := time.Now()
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(b.progressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-progressCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				done := completed
				mu.Unlock()
				b.log(LogLevelInfo, "batch_progress elapsed=%.0fs completed=%d/%d",
					time.Since(started).Seconds(), done, len(issues))
			}
		}
	}()

	sem := semaphore.NewWeighted(b.maxConcurrent)
	g := new(errgroup.Group)
	for i, issue := range issues {
		i, issue := i, issue
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = BatchResult{Identifier: issue.Identifier, Err: err.Error()}
				return nil
			}
			defer sem.Release(1)

			results[i] = b.runOne(ctx, issue)
			mu.Lock()
			completed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	stopProgress()
	<-progressDone

	b.log(LogLevelInfo, "batch_completed issues=%d elapsed=%.0fs", len(issues), time.Since(started).Seconds())
	return results, nil
}

func (b *BatchRunner) runOne(ctx context.Context, issue model.Issue) BatchResult {
	jobID := "batch-" + uuid.NewString()[:8]
	if err := b.locks.Acquire(issue.Identifier, jobID, "ailoop"); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			b.log(LogLevelInfo, "batch_skip_locked issue=%s owner=%s", issue.Identifier, held.OwnerID)
			return BatchResult{Identifier: issue.Identifier, Skipped: true}
		}
		return BatchResult{Identifier: issue.Identifier, Err: err.Error()}
	}
	defer func() {
		if err := b.locks.Release(issue.Identifier, jobID); err != nil {
			b.log(LogLevelWarn, "batch_release_lock issue=%s error=%v", issue.Identifier, err)
		}
	}()
	if err := b.locks.AttachPID(issue.Identifier, os.Getpid()); err != nil {
		b.log(LogLevelWarn, "batch_attach_pid issue=%s error=%v", issue.Identifier, err)
	}

	summary, err := b.orch.Run(ctx, issue.Identifier, b.repoRoot)
	result := BatchResult{
		Identifier: issue.Identifier,
		RunID:      summary.RunID,
		Status:     summary.Status,
	}
	if err != nil {
		result.Err = err.Error()
	}
	return result
}

func (b *BatchRunner) log(level LogLevel, format string, args ...any) {
	if level < b.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	b.logger.Printf("%s %s batch: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

// Package pipeline drives a full issue-to-change run: fetch, plan,
// critique until stable, implement, review, fix, terminate. One
// Orchestrator instance serves many runs; each run owns its state.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/haruyama/ailoop/internal/approval"
	"github.com/haruyama/ailoop/internal/artifacts"
	"github.com/haruyama/ailoop/internal/gate"
	"github.com/haruyama/ailoop/internal/git"
	"github.com/haruyama/ailoop/internal/model"
	"github.com/haruyama/ailoop/internal/runner"
	"github.com/haruyama/ailoop/internal/sanitize"
	"github.com/haruyama/ailoop/internal/tracker"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// MaxFixIterations bounds the code_gate ⇄ fixing loop.
const MaxFixIterations = 3

// finalizeTimeout bounds the post-run cleanup and writeback.
const finalizeTimeout = 30 * time.Second

// maxLabels caps how many issue labels flow into prompts.
const maxLabels = 10

// Planner is the planning and implementation agent.
type Planner interface {
	GeneratePlan(ctx context.Context, dir, issuePack string) (string, error)
	RefinePlan(ctx context.Context, dir, issuePack, currentPlan, critiqueContext, humanFeedback string) (string, error)
	Implement(ctx context.Context, dir, plan string) (string, error)
	Fix(ctx context.Context, dir, plan, critiqueContext, humanFeedback string) (string, error)
}

// Critic is the review agent. It receives the gate iteration and its
// previous verdict, if any, so repeated reviews carry continuity. The
// raw output accompanies every verdict so unparseable responses can be
// preserved as artifacts.
type Critic interface {
	CritiquePlan(ctx context.Context, dir, issuePack, plan string, iteration int, prev *model.CritiqueResult) (model.CritiqueResult, string, error)
	CritiqueCode(ctx context.Context, dir, issuePack, plan, diff string, iteration int, prev *model.CritiqueResult) (model.CritiqueResult, string, error)
}

// Repo is the slice of git the pipeline needs.
type Repo interface {
	CreateBranch(ctx context.Context, branch string) error
	CreateWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, path string) error
	Diff(ctx context.Context, workDir string) (string, error)
	HasUncommittedChanges(ctx context.Context, workDir string) (bool, error)
}

// GateResolver blocks a run on a human decision.
type GateResolver interface {
	WriteRequest(req approval.Request) error
	Await(ctx context.Context) (approval.Resolution, error)
}

// Orchestrator wires the collaborators together and executes runs.
type Orchestrator struct {
	cfg     model.Config
	store   *artifacts.Store
	tracker tracker.Client
	planner Planner
	critic  Critic
	repo    Repo

	// newResolver builds the approval resolver for a run directory;
	// swappable for tests.
	newResolver func(runDir string) GateResolver

	statusObservers []StatusObserver
	eventObservers  []EventObserver

	logger   *log.Logger
	logLevel LogLevel
}

func NewOrchestrator(
	cfg model.Config,
	store *artifacts.Store,
	trackerClient tracker.Client,
	planner Planner,
	critic Critic,
	repo Repo,
	logger *log.Logger,
	logLevel LogLevel,
) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		tracker:  trackerClient,
		planner:  planner,
		critic:   critic,
		repo:     repo,
		logger:   logger,
		logLevel: logLevel,
	}
	o.newResolver = func(runDir string) GateResolver {
		return approval.NewResolver(runDir, approval.Options{
			PollInterval:     time.Duration(cfg.Approval.PollIntervalSec) * time.Second,
			SlowPollInterval: time.Duration(cfg.Approval.SlowPollIntervalSec) * time.Second,
			SlowAfter:        time.Duration(cfg.Approval.SlowAfterSec) * time.Second,
			Timeout:          time.Duration(cfg.Approval.TimeoutMin) * time.Minute,
		})
	}
	return o
}

func (o *Orchestrator) AddStatusObserver(obs StatusObserver) {
	o.statusObservers = append(o.statusObservers, obs)
}

func (o *Orchestrator) AddEventObserver(obs EventObserver) {
	o.eventObservers = append(o.eventObservers, obs)
}

// Run executes the full pipeline for one issue and always returns a
// summary with a terminal status, unless the issue could not even be
// fetched.
func (o *Orchestrator) Run(ctx context.Context, issueIdentifier, repoRoot string) (model.RunSummary, error) {
	issue, err := o.tracker.Fetch(ctx, issueIdentifier)
	if err != nil {
		return model.RunSummary{}, fmt.Errorf("fetch issue %s: %w", issueIdentifier, err)
	}
	sanitizeIssue(&issue)

	rc := &model.RunContext{
		RunID:               model.NewRunID(issue.Identifier),
		Issue:               issue,
		RepoRoot:            repoRoot,
		DryRun:              o.cfg.Pipeline.DryRun,
		MaxPlanIterations:   o.cfg.Pipeline.MaxPlanIterations,
		ConfidenceThreshold: o.cfg.Pipeline.ConfidenceThreshold,
		StablePasses:        o.cfg.Pipeline.StablePasses,
		UseWorktree:         o.cfg.Pipeline.UseWorktree,
		ApprovalMode:        o.cfg.Pipeline.ApprovalMode,
		NoWriteback:         o.cfg.Pipeline.NoWriteback,
		Status:              model.StatusPending,
		StartedAt:           time.Now(),
	}

	runDir, err := o.store.RunDir(rc.RunID)
	if err != nil {
		return model.RunSummary{}, err
	}
	rc.ArtifactsDir = runDir

	if err := o.store.WriteIssuePack(rc.RunID, issue.IssuePack()); err != nil {
		o.log(LogLevelWarn, "write_issue_pack run=%s error=%v", rc.RunID, err)
	}
	o.event(rc, "pipeline_started", map[string]any{
		"issue":   issue.Identifier,
		"dry_run": rc.DryRun,
	})

	runErr := o.executeGuarded(ctx, rc)
	o.finalize(rc)
	return rc.Summarize(), runErr
}

// executeGuarded converts any panic from a collaborator into a failed
// run so finalize still records a terminal status.
func (o *Orchestrator) executeGuarded(ctx context.Context, rc *model.RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.fail(rc, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return o.execute(ctx, rc)
}

// sanitizeIssue neutralizes injection-shaped content in every field
// that will be embedded in a prompt.
func sanitizeIssue(issue *model.Issue) {
	issue.Title = sanitize.Title(issue.Title)
	issue.Description = sanitize.Content(issue.Description)
	if len(issue.Labels) > maxLabels {
		issue.Labels = issue.Labels[:maxLabels]
	}
	for i, l := range issue.Labels {
		issue.Labels[i] = sanitize.Title(l)
	}
}

func (o *Orchestrator) execute(ctx context.Context, rc *model.RunContext) error {
	if !rc.DryRun {
		if err := o.setupWorkspace(ctx, rc); err != nil {
			return o.fail(rc, fmt.Sprintf("workspace setup: %v", err))
		}
	}

	plan, err := o.planningStage(ctx, rc)
	if err != nil {
		return err
	}

	plan, err = o.planGateLoop(ctx, rc, plan)
	if err != nil || model.IsTerminal(rc.Status) {
		return err
	}

	if err := o.implementStage(ctx, rc); err != nil {
		return err
	}

	return o.codeGateLoop(ctx, rc)
}

func (o *Orchestrator) setupWorkspace(ctx context.Context, rc *model.RunContext) error {
	if dirty, err := o.repo.HasUncommittedChanges(ctx, rc.RepoRoot); err != nil {
		o.log(LogLevelWarn, "dirty_check run=%s error=%v", rc.RunID, err)
	} else if dirty {
		o.log(LogLevelWarn, "repo_dirty run=%s detail=uncommitted changes present before run", rc.RunID)
		o.event(rc, "repo_dirty", nil)
	}

	rc.BranchName = git.GenerateBranchName(rc.Issue.Identifier)
	if rc.UseWorktree {
		rc.WorktreeDir = filepath.Join(rc.ArtifactsDir, "worktree")
		if err := o.repo.CreateWorktree(ctx, rc.WorktreeDir, rc.BranchName); err != nil {
			return err
		}
		o.log(LogLevelInfo, "worktree_created run=%s path=%s branch=%s", rc.RunID, rc.WorktreeDir, rc.BranchName)
		return nil
	}
	if err := o.repo.CreateBranch(ctx, rc.BranchName); err != nil {
		return err
	}
	o.log(LogLevelInfo, "branch_created run=%s branch=%s", rc.RunID, rc.BranchName)
	return nil
}

func (o *Orchestrator) planningStage(ctx context.Context, rc *model.RunContext) (string, error) {
	o.setStatus(rc, model.StatusPlanning)

	plan, err := o.planner.GeneratePlan(ctx, rc.WorkingDir(), rc.Issue.IssuePack())
	if err != nil {
		return "", o.fail(rc, fmt.Sprintf("plan generation: %v", err))
	}
	rc.PlanVersions = append(rc.PlanVersions, model.NewPlanVersion(1, plan))
	if err := o.store.WritePlan(rc.RunID, 1, plan); err != nil {
		o.log(LogLevelWarn, "write_plan run=%s version=1 error=%v", rc.RunID, err)
	}
	o.event(rc, "plan_generated", map[string]any{
		"version": 1,
		"hash":    rc.PlanVersions[0].Hash,
	})
	return plan, nil
}

// planGateLoop critiques and refines until the plan passes the gate a
// stable number of consecutive times, iterations run out, or refining
// stops changing the plan.
func (o *Orchestrator) planGateLoop(ctx context.Context, rc *model.RunContext, plan string) (string, error) {
	for rc.CurrentIteration = 1; rc.CurrentIteration <= rc.MaxPlanIterations; rc.CurrentIteration++ {
		o.setStatus(rc, model.StatusPlanGate)

		if gate.DetectStuck(rc.PlanVersions) {
			o.setStatus(rc, model.StatusStuck)
			rc.ErrorMessage = "refinement is no longer changing the plan"
			o.event(rc, "stuck_detected", map[string]any{
				"plan_versions": len(rc.PlanVersions),
			})
			return plan, nil
		}

		version := len(rc.PlanVersions)
		var prev *model.CritiqueResult
		if n := len(rc.PlanGates); n > 0 {
			prev = &rc.PlanGates[n-1]
		}
		critique, raw, err := o.critic.CritiquePlan(ctx, rc.WorkingDir(), rc.Issue.IssuePack(), plan, rc.CurrentIteration, prev)
		if err != nil {
			o.preserveRawOutput(rc, fmt.Sprintf("plan_gate_v%d", version), raw)
			return plan, o.fail(rc, fmt.Sprintf("plan critique: %v", err))
		}
		rc.PlanGates = append(rc.PlanGates, critique)
		if err := o.store.WriteCritique(rc.RunID, fmt.Sprintf("plan_gate_v%d", version), critique); err != nil {
			o.log(LogLevelWarn, "write_critique run=%s error=%v", rc.RunID, err)
		}

		result := gate.Evaluate(critique, rc.ConfidenceThreshold)
		o.event(rc, "gate_evaluated", map[string]any{
			"gate":       "plan_gate",
			"iteration":  rc.CurrentIteration,
			"confidence": critique.Confidence,
			"approved":   critique.Approved,
			"blockers":   len(critique.Blockers),
			"result":     string(result),
		})

		result, rejected, err := o.maybeResolve(ctx, rc, "plan_gate", critique, result)
		if err != nil {
			return plan, err
		}
		if rejected {
			return plan, nil
		}

		if result == model.GatePass {
			rc.StablePassCount++
			o.log(LogLevelInfo, "plan_gate_pass run=%s iteration=%d stable=%d/%d",
				rc.RunID, rc.CurrentIteration, rc.StablePassCount, rc.StablePasses)
			if rc.StablePassCount >= rc.StablePasses {
				rc.FinalPlan = plan
				if err := o.store.WriteFinalPlan(rc.RunID, plan); err != nil {
					o.log(LogLevelWarn, "write_final_plan run=%s error=%v", rc.RunID, err)
				}
				o.event(rc, "plan_frozen", map[string]any{
					"version":    len(rc.PlanVersions),
					"confidence": critique.Confidence,
				})
				if rc.DryRun {
					o.setStatus(rc, model.StatusSuccess)
				}
				return plan, nil
			}
		} else {
			rc.StablePassCount = 0
		}

		if rc.CurrentIteration == rc.MaxPlanIterations {
			return plan, o.fail(rc, fmt.Sprintf("plan not approved within %d iterations", rc.MaxPlanIterations))
		}

		// Non-terminal verdicts all refine, passes included. Each
		// iteration appends a plan version.
		o.setStatus(rc, model.StatusRefining)
		feedback := rc.HumanFeedback
		rc.HumanFeedback = ""
		refined, err := o.planner.RefinePlan(ctx, rc.WorkingDir(), rc.Issue.IssuePack(), plan, runner.FormatCritique(critique), feedback)
		if err != nil {
			return plan, o.fail(rc, fmt.Sprintf("plan refinement: %v", err))
		}
		plan = refined
		next := len(rc.PlanVersions) + 1
		rc.PlanVersions = append(rc.PlanVersions, model.NewPlanVersion(next, plan))
		if err := o.store.WritePlan(rc.RunID, next, plan); err != nil {
			o.log(LogLevelWarn, "write_plan run=%s version=%d error=%v", rc.RunID, next, err)
		}
		o.event(rc, "plan_refined", map[string]any{
			"version": next,
			"hash":    rc.PlanVersions[next-1].Hash,
		})
	}
	return plan, o.fail(rc, fmt.Sprintf("plan not approved within %d iterations", rc.MaxPlanIterations))
}

func (o *Orchestrator) implementStage(ctx context.Context, rc *model.RunContext) error {
	o.setStatus(rc, model.StatusImplementing)

	out, err := o.planner.Implement(ctx, rc.WorkingDir(), rc.FinalPlan)
	if err != nil {
		return o.fail(rc, fmt.Sprintf("implementation: %v", err))
	}
	if err := o.store.WriteImplementLog(rc.RunID, out); err != nil {
		o.log(LogLevelWarn, "write_implement_log run=%s error=%v", rc.RunID, err)
	}
	o.event(rc, "implementation_completed", nil)
	return nil
}

func (o *Orchestrator) codeGateLoop(ctx context.Context, rc *model.RunContext) error {
	for fix := 0; fix <= MaxFixIterations; fix++ {
		o.setStatus(rc, model.StatusCodeGate)

		diff, err := o.repo.Diff(ctx, rc.WorkingDir())
		if err != nil {
			return o.fail(rc, fmt.Sprintf("diff extraction: %v", err))
		}

		version := len(rc.CodeGates) + 1
		var prev *model.CritiqueResult
		if n := len(rc.CodeGates); n > 0 {
			prev = &rc.CodeGates[n-1]
		}
		critique, raw, err := o.critic.CritiqueCode(ctx, rc.WorkingDir(), rc.Issue.IssuePack(), rc.FinalPlan, diff, version, prev)
		if err != nil {
			o.preserveRawOutput(rc, fmt.Sprintf("code_gate_v%d", version), raw)
			return o.fail(rc, fmt.Sprintf("code critique: %v", err))
		}
		rc.CodeGates = append(rc.CodeGates, critique)
		if err := o.store.WriteCritique(rc.RunID, fmt.Sprintf("code_gate_v%d", version), critique); err != nil {
			o.log(LogLevelWarn, "write_critique run=%s error=%v", rc.RunID, err)
		}

		result := gate.Evaluate(critique, rc.ConfidenceThreshold)
		o.event(rc, "gate_evaluated", map[string]any{
			"gate":       "code_gate",
			"fix_round":  fix,
			"confidence": critique.Confidence,
			"approved":   critique.Approved,
			"blockers":   len(critique.Blockers),
			"result":     string(result),
		})

		result, rejected, err := o.maybeResolve(ctx, rc, "code_gate", critique, result)
		if err != nil {
			return err
		}
		if rejected {
			return nil
		}

		if result == model.GatePass {
			o.setStatus(rc, model.StatusSuccess)
			return nil
		}
		if fix == MaxFixIterations {
			return o.fail(rc, fmt.Sprintf("code review not passed after %d fix rounds", MaxFixIterations))
		}

		o.setStatus(rc, model.StatusFixing)
		feedback := rc.HumanFeedback
		rc.HumanFeedback = ""
		out, err := o.planner.Fix(ctx, rc.WorkingDir(), rc.FinalPlan, runner.FormatCritique(critique), feedback)
		if err != nil {
			return o.fail(rc, fmt.Sprintf("fix round %d: %v", fix+1, err))
		}
		if err := o.store.WriteFixLog(rc.RunID, fix+1, out); err != nil {
			o.log(LogLevelWarn, "write_fix_log run=%s round=%d error=%v", rc.RunID, fix+1, err)
		}
		o.event(rc, "fix_applied", map[string]any{"round": fix + 1})
	}
	return nil
}

// maybeResolve runs the human approval protocol when the mode calls
// for it. The human verdict overrides the automated one; a rejection
// terminates the run.
func (o *Orchestrator) maybeResolve(ctx context.Context, rc *model.RunContext, gateType string, critique model.CritiqueResult, result model.GateResult) (model.GateResult, bool, error) {
	if !gate.ShouldBlock(rc.ApprovalMode, result) {
		return result, false, nil
	}

	resolver := o.newResolver(rc.ArtifactsDir)
	req := approval.Request{
		GateType:   gateType,
		Confidence: critique.Confidence,
		Approved:   critique.Approved,
		Blockers:   critique.Blockers,
		Feedback:   critique.Feedback,
	}
	if err := resolver.WriteRequest(req); err != nil {
		return result, false, o.fail(rc, fmt.Sprintf("approval request: %v", err))
	}
	o.event(rc, "approval_requested", map[string]any{"gate": gateType})
	o.log(LogLevelInfo, "approval_requested run=%s gate=%s result=%s", rc.RunID, gateType, result)

	res, err := resolver.Await(ctx)
	if err != nil {
		return result, false, o.fail(rc, fmt.Sprintf("approval wait: %v", err))
	}
	o.event(rc, "approval_resolved", map[string]any{
		"gate":   gateType,
		"action": res.Action,
	})

	switch res.Action {
	case model.ActionApprove:
		return model.GatePass, false, nil
	case model.ActionRequestChanges:
		rc.HumanFeedback = res.Feedback
		return model.GateFail, false, nil
	case model.ActionReject:
		msg := "Rejected by user"
		if res.Feedback != "" {
			msg = "Rejected by user: " + res.Feedback
		}
		return result, true, o.fail(rc, msg)
	}
	return result, false, o.fail(rc, fmt.Sprintf("unknown approval action %q", res.Action))
}

// fail moves the run to failed and records the reason. Always returns
// a non-nil error carrying the same message.
func (o *Orchestrator) fail(rc *model.RunContext, msg string) error {
	rc.ErrorMessage = msg
	o.setStatus(rc, model.StatusFailed)
	o.event(rc, "pipeline_failed", map[string]any{"error": msg})
	o.log(LogLevelError, "pipeline_failed run=%s error=%s", rc.RunID, msg)
	return fmt.Errorf("run %s: %s", rc.RunID, msg)
}

// finalize runs unconditionally after every run: summary, terminal
// event, best-effort writeback, trace close. Nothing here may abort.
// The run's own context may already be cancelled, so cleanup and
// writeback get a detached one with a short deadline.
func (o *Orchestrator) finalize(rc *model.RunContext) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	rc.CompletedAt = time.Now()

	if err := o.store.WriteSummary(rc); err != nil {
		o.log(LogLevelError, "write_summary run=%s error=%v", rc.RunID, err)
	}
	o.event(rc, "pipeline_completed", map[string]any{
		"status":     string(rc.Status),
		"iterations": rc.CurrentIteration,
		"confidence": rc.CurrentConfidence(),
	})
	if err := o.store.CloseTrace(rc.RunID); err != nil {
		o.log(LogLevelWarn, "close_trace run=%s error=%v", rc.RunID, err)
	}

	// A worktree holding no frozen plan holds no work worth keeping.
	// The branch itself survives removal.
	if rc.WorktreeDir != "" && rc.FinalPlan == "" {
		if err := o.repo.RemoveWorktree(ctx, rc.WorktreeDir); err != nil {
			o.log(LogLevelWarn, "worktree_cleanup run=%s error=%v", rc.RunID, err)
		} else {
			rc.WorktreeDir = ""
		}
	}

	if !rc.NoWriteback && !rc.DryRun {
		if err := o.tracker.Comment(ctx, rc.Issue.ID, writebackComment(rc)); err != nil {
			o.log(LogLevelWarn, "writeback_failed run=%s error=%v", rc.RunID, err)
		}
	}
	o.log(LogLevelInfo, "pipeline_completed run=%s status=%s iterations=%d",
		rc.RunID, rc.Status, rc.CurrentIteration)
}

func writebackComment(rc *model.RunContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## AI Loop Run: %s\n\n", rc.Issue.Identifier)
	fmt.Fprintf(&sb, "**Run ID:** `%s`\n", rc.RunID)
	fmt.Fprintf(&sb, "**Status:** %s\n", rc.Status)
	fmt.Fprintf(&sb, "**Iterations:** %d\n", rc.CurrentIteration)
	if c := rc.CurrentConfidence(); c >= 0 {
		fmt.Fprintf(&sb, "**Final Confidence:** %d\n", c)
	}
	if rc.BranchName != "" {
		fmt.Fprintf(&sb, "**Branch:** `%s`\n", rc.BranchName)
	}
	if rc.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\n%s\n", rc.ErrorMessage)
	}
	return sb.String()
}

// preserveRawOutput keeps the critic's unparseable response for
// debugging. Best effort.
func (o *Orchestrator) preserveRawOutput(rc *model.RunContext, name, raw string) {
	if raw == "" {
		return
	}
	if err := o.store.WriteSnapshot(rc.RunID, name+"_raw_error.txt", raw); err != nil {
		o.log(LogLevelWarn, "preserve_raw_output run=%s artifact=%s error=%v", rc.RunID, name, err)
	}
}

func (o *Orchestrator) setStatus(rc *model.RunContext, to model.RunStatus) {
	from := rc.Status
	if err := model.ValidateRunTransition(from, to); err != nil {
		o.log(LogLevelWarn, "status_transition run=%s error=%v", rc.RunID, err)
	}
	rc.Status = to
	o.event(rc, "status_changed", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	notifyStatus(o.statusObservers, rc.RunID, from, to)
	o.log(LogLevelDebug, "status_changed run=%s from=%s to=%s", rc.RunID, from, to)
}

func (o *Orchestrator) event(rc *model.RunContext, eventType string, data map[string]any) {
	if err := o.store.LogEvent(rc, eventType, data); err != nil {
		o.log(LogLevelWarn, "trace_append run=%s event=%s error=%v", rc.RunID, eventType, err)
	}
	notifyEvent(o.eventObservers, rc.RunID, eventType, data)
}

func (o *Orchestrator) log(level LogLevel, format string, args ...any) {
	if level < o.logLevel {
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
	o.logger.Printf("%s %s pipeline: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

package pipeline

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haruyama/ailoop/internal/approval"
	"github.com/haruyama/ailoop/internal/artifacts"
	"github.com/haruyama/ailoop/internal/model"
	"github.com/haruyama/ailoop/internal/tracker"
)

type stubTracker struct {
	mu       sync.Mutex
	issues   []model.Issue
	comments []string
}

func (s *stubTracker) Fetch(_ context.Context, identifier string) (model.Issue, error) {
	for _, i := range s.issues {
		if i.Identifier == identifier {
			return i, nil
		}
	}
	return model.Issue{ID: "uuid-" + identifier, Identifier: identifier, Title: "stub issue"}, nil
}

func (s *stubTracker) List(_ context.Context, _ tracker.Filters) ([]model.Issue, error) {
	return s.issues, nil
}

func (s *stubTracker) Comment(ctx context.Context, _ string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, body)
	return nil
}

type stubPlanner struct {
	mu sync.Mutex

	plan       string
	planPanics bool
	refineFn   func(current string, round int) string
	refines    int
	lastHuman  string
	implements int
	fixes      int
}

func (p *stubPlanner) GeneratePlan(_ context.Context, _, _ string) (string, error) {
	if p.planPanics {
		panic("planner backend went away")
	}
	return p.plan, nil
}

func (p *stubPlanner) RefinePlan(_ context.Context, _, _, current, _ string, human string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refines++
	p.lastHuman = human
	if p.refineFn != nil {
		return p.refineFn(current, p.refines), nil
	}
	return current, nil
}

func (p *stubPlanner) Implement(_ context.Context, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.implements++
	return "implemented", nil
}

func (p *stubPlanner) Fix(_ context.Context, _, _, _ string, human string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixes++
	p.lastHuman = human
	return "fixed", nil
}

type stubCritic struct {
	mu        sync.Mutex
	planQueue []model.CritiqueResult
	codeQueue []model.CritiqueResult
	planCalls int
	codeCalls int
	planErr   error
	rawOnErr  string
	sawPrev   bool
}

func pass(confidence int) model.CritiqueResult {
	return model.CritiqueResult{Confidence: confidence, Approved: true}
}

func fail(confidence int, blockers ...string) model.CritiqueResult {
	return model.CritiqueResult{Confidence: confidence, Approved: false, Blockers: blockers}
}

func (c *stubCritic) CritiquePlan(_ context.Context, _, _, _ string, iteration int, prev *model.CritiqueResult) (model.CritiqueResult, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planCalls++
	if iteration > 1 {
		c.sawPrev = c.sawPrev || prev != nil
	}
	if c.planErr != nil {
		return model.CritiqueResult{}, c.rawOnErr, c.planErr
	}
	return c.next(&c.planQueue), "", nil
}

func (c *stubCritic) CritiqueCode(_ context.Context, _, _, _, _ string, _ int, _ *model.CritiqueResult) (model.CritiqueResult, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codeCalls++
	return c.next(&c.codeQueue), "", nil
}

func (c *stubCritic) next(queue *[]model.CritiqueResult) model.CritiqueResult {
	if len(*queue) == 0 {
		return pass(99)
	}
	head := (*queue)[0]
	*queue = (*queue)[1:]
	return head
}

type stubRepo struct {
	mu       sync.Mutex
	branches []string
	removed  []string
	dirty    bool
}

func (r *stubRepo) CreateBranch(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches = append(r.branches, branch)
	return nil
}

func (r *stubRepo) CreateWorktree(_ context.Context, _, branch string) error {
	return r.CreateBranch(context.Background(), branch)
}

func (r *stubRepo) RemoveWorktree(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
	return nil
}

func (r *stubRepo) Diff(_ context.Context, _ string) (string, error) {
	return "diff --git a/x b/x", nil
}

func (r *stubRepo) HasUncommittedChanges(_ context.Context, _ string) (bool, error) {
	return r.dirty, nil
}

type stubResolver struct {
	mu    sync.Mutex
	queue []approval.Resolution
}

func (r *stubResolver) WriteRequest(_ approval.Request) error { return nil }

func (r *stubResolver) Await(_ context.Context) (approval.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return approval.Resolution{Action: model.ActionApprove}, nil
	}
	head := r.queue[0]
	r.queue = r.queue[1:]
	return head, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *artifacts.Store
	tracker  *stubTracker
	planner  *stubPlanner
	critic   *stubCritic
	repo     *stubRepo
	resolver *stubResolver
}

func newFixture(t *testing.T, mutate func(*model.Config)) *fixture {
	t.Helper()
	cfg := model.ApplyDefaults(model.Config{})
	cfg.Pipeline.StablePasses = 1
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := artifacts.NewStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		tracker:  &stubTracker{},
		planner:  &stubPlanner{plan: "## Plan v1"},
		critic:   &stubCritic{},
		repo:     &stubRepo{},
		resolver: &stubResolver{},
	}
	f.orch = NewOrchestrator(cfg, store, f.tracker, f.planner, f.critic, f.repo,
		log.New(io.Discard, "", 0), LogLevelError)
	f.orch.newResolver = func(string) GateResolver { return f.resolver }
	return f
}

func TestRun_SuccessPath(t *testing.T) {
	f := newFixture(t, nil)
	f.critic.planQueue = []model.CritiqueResult{pass(98)}
	f.critic.codeQueue = []model.CritiqueResult{pass(99)}

	summary, err := f.orch.Run(context.Background(), "ENG-1", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.Equal(t, 98, summary.FinalConfidence)
	assert.NotEmpty(t, summary.BranchName)
	assert.Equal(t, 1, f.planner.implements)

	runDir := filepath.Join(f.store.Root(), summary.RunID)
	for _, name := range []string{"issue_pack.md", "plan_v1.md", "final_plan.md", "plan_gate_v1.json", "code_gate_v1.json", "implement_log.txt", "summary.json", "trace.jsonl"} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, name)
	}

	require.Len(t, f.tracker.comments, 1)
	assert.Contains(t, f.tracker.comments[0], summary.RunID)
	assert.Contains(t, f.tracker.comments[0], "**Status:** success")
}

func TestRun_StablePassesRequiresConsecutive(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.StablePasses = 2
		cfg.Pipeline.DryRun = true
	})
	// Pass, fail (resets the streak), then two consecutive passes.
	f.critic.planQueue = []model.CritiqueResult{pass(98), fail(50, "scope creep"), pass(98), pass(98)}
	f.planner.refineFn = func(current string, round int) string {
		return current + "\nrefined"
	}

	summary, err := f.orch.Run(context.Background(), "ENG-2", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.Equal(t, 4, f.critic.planCalls)
	// Every non-terminal verdict refines, so three refinements precede
	// the stable second pass.
	assert.Equal(t, 3, f.planner.refines)
}

func TestRun_StablePassRefinesBetweenPasses(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.StablePasses = 2
		cfg.Pipeline.DryRun = true
	})
	f.critic.planQueue = []model.CritiqueResult{pass(98), pass(99)}
	f.planner.refineFn = func(current string, round int) string {
		return current + "\ntightened"
	}

	summary, err := f.orch.Run(context.Background(), "ENG-2b", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.Equal(t, 2, f.critic.planCalls)
	assert.Equal(t, 1, f.planner.refines)
	assert.Equal(t, 2, summary.Iterations)

	// One plan version per iteration: the second pass judged a refined
	// plan, not the same bytes twice.
	for _, name := range []string{"plan_v1.md", "plan_v2.md"} {
		_, statErr := os.Stat(filepath.Join(f.store.Root(), summary.RunID, name))
		assert.NoError(t, statErr, name)
	}
}

func TestRun_StuckWhenRefinementStopsChangingPlan(t *testing.T) {
	f := newFixture(t, nil)
	f.critic.planQueue = []model.CritiqueResult{
		fail(60, "missing tests"),
		fail(60, "missing tests"),
		fail(60, "missing tests"),
	}
	// refineFn nil: the plan comes back byte-identical every round.

	summary, err := f.orch.Run(context.Background(), "ENG-3", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusStuck, summary.Status)
	// v1, v2, v3 identical: the third gate entry detects the cycle
	// before invoking the critic again.
	assert.Equal(t, 2, f.critic.planCalls)
	assert.Equal(t, 2, f.planner.refines)
}

func TestRun_IterationExhaustion(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.MaxPlanIterations = 2
	})
	f.critic.planQueue = []model.CritiqueResult{fail(70), fail(75)}
	f.planner.refineFn = func(current string, round int) string {
		return current + "\nmore detail"
	}

	summary, err := f.orch.Run(context.Background(), "ENG-4", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.Status)
	assert.Contains(t, summary.ErrorMessage, "within 2 iterations")
	assert.Equal(t, 2, f.critic.planCalls)
	assert.Equal(t, 0, f.planner.implements)
}

func TestRun_AlwaysGateReject(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.ApprovalMode = model.ApprovalAlwaysGate
	})
	f.critic.planQueue = []model.CritiqueResult{pass(99)}
	f.resolver.queue = []approval.Resolution{
		{Action: model.ActionReject, Feedback: "not today"},
	}

	summary, err := f.orch.Run(context.Background(), "ENG-5", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.Status)
	assert.Equal(t, "Rejected by user: not today", summary.ErrorMessage)
	assert.Equal(t, 0, f.planner.refines)
	assert.Equal(t, 0, f.planner.implements)
}

func TestRun_RequestChangesFeedsHumanFeedback(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.ApprovalMode = model.ApprovalAlwaysGate
	})
	f.critic.planQueue = []model.CritiqueResult{pass(99), pass(99)}
	f.critic.codeQueue = []model.CritiqueResult{pass(99)}
	f.planner.refineFn = func(current string, round int) string {
		return current + "\nwith rollback"
	}
	f.resolver.queue = []approval.Resolution{
		{Action: model.ActionRequestChanges, Feedback: "add a rollback step"},
		{Action: model.ActionApprove},
		{Action: model.ActionApprove},
	}

	summary, err := f.orch.Run(context.Background(), "ENG-6", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.Equal(t, 1, f.planner.refines)
	assert.Equal(t, "add a rollback step", f.planner.lastHuman)
}

func TestRun_ApproveOverridesFailedGate(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.ApprovalMode = model.ApprovalGateOnFail
		cfg.Pipeline.DryRun = true
	})
	f.critic.planQueue = []model.CritiqueResult{fail(50, "risky")}
	f.resolver.queue = []approval.Resolution{{Action: model.ActionApprove}}

	summary, err := f.orch.Run(context.Background(), "ENG-7", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.Equal(t, 0, f.planner.implements)
	assert.Equal(t, 0, f.planner.refines)
}

func TestRun_DryRunSkipsWorkspaceAndWriteback(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.DryRun = true
	})
	f.critic.planQueue = []model.CritiqueResult{pass(99)}

	summary, err := f.orch.Run(context.Background(), "ENG-8", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.Empty(t, summary.BranchName)
	assert.Empty(t, f.repo.branches)
	assert.Empty(t, f.tracker.comments)
	assert.Equal(t, 0, f.planner.implements)
}

func TestRun_FixLoopExhaustion(t *testing.T) {
	f := newFixture(t, nil)
	f.critic.planQueue = []model.CritiqueResult{pass(99)}
	f.critic.codeQueue = []model.CritiqueResult{
		fail(80, "broken test"),
		fail(80, "still broken"),
		fail(80, "still broken"),
		fail(80, "still broken"),
	}

	summary, err := f.orch.Run(context.Background(), "ENG-9", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.Status)
	assert.Contains(t, summary.ErrorMessage, "fix rounds")
	assert.Equal(t, MaxFixIterations, f.planner.fixes)
	assert.Equal(t, MaxFixIterations+1, f.critic.codeCalls)
}

func TestRun_FixThenPass(t *testing.T) {
	f := newFixture(t, nil)
	f.critic.planQueue = []model.CritiqueResult{pass(99)}
	f.critic.codeQueue = []model.CritiqueResult{fail(80, "edge case"), pass(98)}

	summary, err := f.orch.Run(context.Background(), "ENG-10", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.Equal(t, 1, f.planner.fixes)

	_, err = os.Stat(filepath.Join(f.store.Root(), summary.RunID, "implement_fix_v1.txt"))
	assert.NoError(t, err)
}

func TestRun_CritiqueParseFailurePreservesRawOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.critic.planErr = assert.AnError
	f.critic.rawOnErr = "the critic rambled instead of emitting JSON"

	summary, err := f.orch.Run(context.Background(), "ENG-11", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.Status)

	raw, err := os.ReadFile(filepath.Join(f.store.Root(), summary.RunID, "plan_gate_v1_raw_error.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "rambled")
}

func TestRun_NoWriteback(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.NoWriteback = true
	})
	f.critic.planQueue = []model.CritiqueResult{pass(99)}

	_, err := f.orch.Run(context.Background(), "ENG-12", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, f.tracker.comments)
}

func TestRun_SanitizesIssueContent(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.DryRun = true
	})
	f.tracker.issues = []model.Issue{{
		ID:          "uuid-inj",
		Identifier:  "ENG-13",
		Title:       "fix $(rm -rf /) bug",
		Description: "see ${SECRET} and ../../etc/passwd",
		Labels:      []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"},
	}}
	f.critic.planQueue = []model.CritiqueResult{pass(99)}

	summary, err := f.orch.Run(context.Background(), "ENG-13", t.TempDir())
	require.NoError(t, err)

	pack, err := os.ReadFile(filepath.Join(f.store.Root(), summary.RunID, "issue_pack.md"))
	require.NoError(t, err)
	assert.NotContains(t, string(pack), "$(rm")
	assert.Contains(t, string(pack), "[FILTERED:subshell]")
	assert.Contains(t, string(pack), "[FILTERED:env-expansion]")
	assert.NotContains(t, string(pack), "k, l")
}

func TestRun_SecondReviewSeesPreviousVerdict(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.DryRun = true
	})
	f.critic.planQueue = []model.CritiqueResult{fail(70, "too vague"), pass(99)}
	f.planner.refineFn = func(current string, round int) string {
		return current + "\nclarified"
	}

	summary, err := f.orch.Run(context.Background(), "ENG-15", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	assert.True(t, f.critic.sawPrev)
}

func TestRun_FailedPlanningRemovesWorktree(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.UseWorktree = true
	})
	f.critic.planErr = assert.AnError

	summary, err := f.orch.Run(context.Background(), "ENG-16", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.Status)
	require.Len(t, f.repo.removed, 1)
	assert.Contains(t, f.repo.removed[0], summary.RunID)
}

func TestRun_PanicTerminatesAsFailed(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.DryRun = true
	})
	f.planner.planPanics = true

	summary, err := f.orch.Run(context.Background(), "ENG-17", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.Status)
	assert.Contains(t, summary.ErrorMessage, "internal error")

	// The summary still lands on disk despite the panic.
	_, statErr := os.Stat(filepath.Join(f.store.Root(), summary.RunID, "summary.json"))
	assert.NoError(t, statErr)
}

func TestRun_WritebackSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	f.critic.planQueue = []model.CritiqueResult{pass(99)}
	f.critic.codeQueue = []model.CritiqueResult{pass(99)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.orch.Run(ctx, "ENG-18", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, summary.Status)
	require.Len(t, f.tracker.comments, 1)
}

func TestRun_TraceRecordsLifecycle(t *testing.T) {
	f := newFixture(t, func(cfg *model.Config) {
		cfg.Pipeline.DryRun = true
	})
	f.critic.planQueue = []model.CritiqueResult{pass(99)}

	summary, err := f.orch.Run(context.Background(), "ENG-14", t.TempDir())
	require.NoError(t, err)

	events, err := f.store.ReadTrace(summary.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "pipeline_started", events[0].EventType)
	assert.Equal(t, "pipeline_completed", events[len(events)-1].EventType)

	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, "plan_generated")
	assert.Contains(t, types, "gate_evaluated")
	assert.Contains(t, types, "plan_frozen")
}

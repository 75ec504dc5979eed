package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/haruyama/ailoop/internal/approval"
	"github.com/haruyama/ailoop/internal/artifacts"
	"github.com/haruyama/ailoop/internal/git"
	"github.com/haruyama/ailoop/internal/lock"
	"github.com/haruyama/ailoop/internal/model"
	"github.com/haruyama/ailoop/internal/notify"
	"github.com/haruyama/ailoop/internal/pipeline"
	"github.com/haruyama/ailoop/internal/runner"
	"github.com/haruyama/ailoop/internal/setup"
	"github.com/haruyama/ailoop/internal/tracker"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runPipeline(os.Args[2:])
	case "batch":
		runBatch(os.Args[2:])
	case "list-runs":
		runListRuns(os.Args[2:])
	case "trace":
		runTrace(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	case "version":
		fmt.Printf("ailoop %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ailoop %s — issue-to-change pipeline with critique gates

Usage: ailoop <command> [options]

Setup:
  init [dir]                Create the .ailoop/ directory and default config

Pipelines:
  run <issue-id> [flags]    Run the full pipeline for one issue
  batch [flags]             Run the pipeline over a filtered issue set

Run flags:
  --dry-run                 Stop after an approved plan, no code changes
  --worktree                Implement in an isolated git worktree
  --approval <mode>         auto | always_gate | gate_on_fail
  --no-writeback            Skip the tracker comment at the end
  --max-iterations <n>      Plan critique iteration budget
  --threshold <n>           Confidence threshold (0-100)

Batch flags:
  --team <key> --project <name> --state <name> --label <name>
  --limit <n> --max-concurrent <n> --dry-run

Inspection:
  list-runs [--json]        List recorded runs, newest first
  trace <run-id> [--json]   Print a run's event log

Approval:
  resolve <run-id> <approve|reject|request-changes> [--feedback <text>]

Utilities:
  version                   Show version
  help                      Show this help

`, version)
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	base, err := setup.Run(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
}

// findAiloopDir walks from the working directory to the filesystem
// root looking for an existing .ailoop directory.
func findAiloopDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".ailoop")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ensureAiloopDir returns the nearest .ailoop directory, creating one
// at the enclosing repository root (or the working directory) when
// none exists yet.
func ensureAiloopDir() string {
	if dir := findAiloopDir(); dir != "" {
		return dir
	}
	base, err := git.RepoRoot(context.Background(), ".")
	if err != nil {
		base, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve working directory: %v\n", err)
			os.Exit(1)
		}
	}
	dir := filepath.Join(base, ".ailoop")
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", dir, err)
		os.Exit(1)
	}
	return dir
}

// loadConfig reads .ailoop/config.yaml when present, overlays the
// tracker key from the environment, and fills defaults. A missing
// config file is fine; everything has a default except the API key.
func loadConfig(ailoopDir string) model.Config {
	var cfg model.Config
	data, err := os.ReadFile(filepath.Join(ailoopDir, "config.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "parse config.yaml: %v\n", err)
			os.Exit(1)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "read config.yaml: %v\n", err)
		os.Exit(1)
	}
	if key := os.Getenv("AILOOP_TRACKER_API_KEY"); key != "" {
		cfg.Tracker.APIKey = key
	}
	return model.ApplyDefaults(cfg)
}

func requireValue(args []string, i int, flag string) string {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i+1]
}

func requireInt(args []string, i int, flag string) int {
	v := requireValue(args, i, flag)
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", flag, v)
		os.Exit(1)
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildOrchestrator(cfg model.Config, ailoopDir, repoRoot string) (*pipeline.Orchestrator, *artifacts.Store) {
	store, err := artifacts.NewStore(filepath.Join(ailoopDir, "artifacts"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open artifact store: %v\n", err)
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", 0)
	level := pipeline.ParseLogLevel(cfg.Logging.Level)

	planner, err := runner.NewCLIPlanner(cfg.Runners)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	critic, err := runner.NewCLICritic(cfg.Runners)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	orch := pipeline.NewOrchestrator(
		cfg,
		store,
		tracker.NewGraphQLClient(cfg.Tracker),
		planner,
		critic,
		git.NewClient(repoRoot),
		logger,
		level,
	)
	orch.AddEventObserver(desktopNotifier{})
	return orch, store
}

// desktopNotifier surfaces the moments where a human needs to look:
// a blocked gate and the end of a run.
type desktopNotifier struct{}

func (desktopNotifier) OnEvent(runID, eventType string, data map[string]any) {
	switch eventType {
	case "approval_requested":
		_ = notify.Send("ailoop", fmt.Sprintf("run %s is waiting for a gate decision", runID))
	case "pipeline_completed":
		status, _ := data["status"].(string)
		_ = notify.Send("ailoop", fmt.Sprintf("run %s finished: %s", runID, status))
	}
}

func resolveRepoRoot(dryRun bool) string {
	root, err := git.RepoRoot(context.Background(), ".")
	if err != nil {
		if dryRun {
			cwd, _ := os.Getwd()
			return cwd
		}
		fmt.Fprintf(os.Stderr, "error: not inside a git repository: %v\n", err)
		os.Exit(1)
	}
	return root
}

func runPipeline(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: ailoop run <issue-id> [flags]")
		os.Exit(1)
	}
	issueID := args[0]
	rest := args[1:]

	ailoopDir := ensureAiloopDir()
	cfg := loadConfig(ailoopDir)

	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--dry-run":
			cfg.Pipeline.DryRun = true
		case "--worktree":
			cfg.Pipeline.UseWorktree = true
		case "--no-writeback":
			cfg.Pipeline.NoWriteback = true
		case "--approval":
			cfg.Pipeline.ApprovalMode = model.ApprovalMode(requireValue(rest, i, "--approval"))
			i++
		case "--max-iterations":
			cfg.Pipeline.MaxPlanIterations = requireInt(rest, i, "--max-iterations")
			i++
		case "--threshold":
			cfg.Pipeline.ConfidenceThreshold = requireInt(rest, i, "--threshold")
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: ailoop run <issue-id> [flags]\n", rest[i])
			os.Exit(1)
		}
	}
	if err := model.ValidateApprovalMode(cfg.Pipeline.ApprovalMode); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	repoRoot := resolveRepoRoot(cfg.Pipeline.DryRun)
	orch, store := buildOrchestrator(cfg, ailoopDir, repoRoot)

	locks, err := lock.NewManager(filepath.Join(ailoopDir, "locks"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open lock manager: %v\n", err)
		os.Exit(1)
	}
	jobID := "run-" + uuid.NewString()[:8]
	if err := locks.Acquire(issueID, jobID, "ailoop"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := locks.Release(issueID, jobID); err != nil {
			fmt.Fprintf(os.Stderr, "release lock: %v\n", err)
		}
	}()
	if err := locks.AttachPID(issueID, os.Getpid()); err != nil {
		fmt.Fprintf(os.Stderr, "attach pid to lock: %v\n", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	summary, runErr := orch.Run(ctx, issueID, repoRoot)
	printSummary(store, summary)
	if runErr != nil || summary.Status != model.StatusSuccess {
		os.Exit(1)
	}
}

func printSummary(store *artifacts.Store, s model.RunSummary) {
	fmt.Printf("run:        %s\n", s.RunID)
	fmt.Printf("issue:      %s  %s\n", s.IssueIdentifier, s.IssueTitle)
	fmt.Printf("status:     %s\n", s.Status)
	fmt.Printf("iterations: %d\n", s.Iterations)
	if s.FinalConfidence >= 0 {
		fmt.Printf("confidence: %d\n", s.FinalConfidence)
	}
	if s.BranchName != "" {
		fmt.Printf("branch:     %s\n", s.BranchName)
	}
	if s.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", s.ErrorMessage)
	}
	if s.Status != model.StatusSuccess && s.RunID != "" {
		fmt.Printf("trace:      %s\n", filepath.Join(store.Root(), s.RunID, "trace.jsonl"))
	}
}

func runBatch(args []string) {
	var filters tracker.Filters

	ailoopDir := ensureAiloopDir()
	cfg := loadConfig(ailoopDir)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--team":
			filters.TeamKey = requireValue(args, i, "--team")
			i++
		case "--project":
			filters.Project = requireValue(args, i, "--project")
			i++
		case "--state":
			filters.State = requireValue(args, i, "--state")
			i++
		case "--label":
			filters.Label = requireValue(args, i, "--label")
			i++
		case "--limit":
			filters.Limit = requireInt(args, i, "--limit")
			i++
		case "--max-concurrent":
			cfg.Batch.MaxConcurrent = requireInt(args, i, "--max-concurrent")
			i++
		case "--dry-run":
			cfg.Pipeline.DryRun = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: ailoop batch [flags]\n", args[i])
			os.Exit(1)
		}
	}

	repoRoot := resolveRepoRoot(cfg.Pipeline.DryRun)
	orch, _ := buildOrchestrator(cfg, ailoopDir, repoRoot)

	locks, err := lock.NewManager(filepath.Join(ailoopDir, "locks"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open lock manager: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", 0)
	batch := pipeline.NewBatchRunner(orch, locks, tracker.NewGraphQLClient(cfg.Tracker),
		repoRoot, cfg.Batch, logger, pipeline.ParseLogLevel(cfg.Logging.Level))

	ctx, cancel := signalContext()
	defer cancel()

	results, err := batch.Run(ctx, filters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "batch: %v\n", err)
		os.Exit(1)
	}
	if len(results) == 0 {
		fmt.Println("no matching issues")
		return
	}

	failed := 0
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Printf("%-12s skipped (locked by another process)\n", r.Identifier)
		case r.Err != "":
			failed++
			fmt.Printf("%-12s %-8s %s  %s\n", r.Identifier, r.Status, r.RunID, r.Err)
		default:
			if r.Status != model.StatusSuccess {
				failed++
			}
			fmt.Printf("%-12s %-8s %s\n", r.Identifier, r.Status, r.RunID)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runListRuns(args []string) {
	asJSON := false
	for _, a := range args {
		switch a {
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: ailoop list-runs [--json]\n", a)
			os.Exit(1)
		}
	}

	ailoopDir := findAiloopDir()
	if ailoopDir == "" {
		fmt.Fprintln(os.Stderr, "error: no .ailoop directory found")
		os.Exit(1)
	}
	store, err := artifacts.NewStore(filepath.Join(ailoopDir, "artifacts"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open artifact store: %v\n", err)
		os.Exit(1)
	}
	runs, err := store.ListRuns()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		os.Exit(1)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "encode runs: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return
	}
	for _, r := range runs {
		conf := "-"
		if r.FinalConfidence >= 0 {
			conf = strconv.Itoa(r.FinalConfidence)
		}
		fmt.Printf("%-40s %-10s %-8s conf=%-4s %s\n",
			r.RunID, r.IssueIdentifier, r.Status, conf,
			r.StartedAt.Format("2006-01-02 15:04"))
	}
}

func runTrace(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ailoop trace <run-id> [--json]")
		os.Exit(1)
	}
	runID := args[0]
	asJSON := false
	for _, a := range args[1:] {
		if a == "--json" {
			asJSON = true
		}
	}
	if err := model.ValidateRunID(runID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ailoopDir := findAiloopDir()
	if ailoopDir == "" {
		fmt.Fprintln(os.Stderr, "error: no .ailoop directory found")
		os.Exit(1)
	}
	store, err := artifacts.NewStore(filepath.Join(ailoopDir, "artifacts"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open artifact store: %v\n", err)
		os.Exit(1)
	}
	events, err := store.ReadTrace(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read trace: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Fprintf(os.Stderr, "no trace for run %s\n", runID)
		os.Exit(1)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				fmt.Fprintf(os.Stderr, "encode event: %v\n", err)
				os.Exit(1)
			}
		}
		return
	}
	for _, ev := range events {
		fmt.Printf("%s %-22s %-12s%s\n",
			ev.Timestamp.Format("15:04:05"), ev.EventType, ev.Stage, formatEventData(ev.Data))
	}
}

func formatEventData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, data[k])
	}
	return sb.String()
}

func runResolve(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: ailoop resolve <run-id> <approve|reject|request-changes> [--feedback <text>]")
		os.Exit(1)
	}
	runID := args[0]
	action := strings.ReplaceAll(args[1], "-", "_")
	rest := args[2:]

	var feedback string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--feedback":
			feedback = requireValue(rest, i, "--feedback")
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	ailoopDir := findAiloopDir()
	if ailoopDir == "" {
		fmt.Fprintln(os.Stderr, "error: no .ailoop directory found")
		os.Exit(1)
	}
	runDir := filepath.Join(ailoopDir, "artifacts", runID)
	if err := approval.Resolve(runDir, action, feedback); err != nil {
		fmt.Fprintf(os.Stderr, "resolve: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("resolved %s: %s\n", runID, action)
}

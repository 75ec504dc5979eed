package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PlanVersion is one immutable entry in a run's plan history. The
// content hash drives stuck-cycle detection.
type PlanVersion struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPlanVersion computes the content hash at construction; the entry
// is never mutated afterwards, only appended.
func NewPlanVersion(version int, content string) PlanVersion {
	return PlanVersion{
		Version:   version,
		Content:   content,
		Hash:      ContentHash(content),
		Timestamp: time.Now(),
	}
}

// ContentHash returns the first 16 hex chars of the SHA-256 digest.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])[:16]
}

// RunContext is the mutable record of one pipeline execution. It is
// owned exclusively by the orchestrator instance driving it; the trace
// log on disk is the durable source of truth, this struct is a cache
// over it.
type RunContext struct {
	RunID        string
	Issue        Issue
	RepoRoot     string
	ArtifactsDir string
	WorktreeDir  string // empty when worktree isolation is off
	BranchName   string

	// Configuration snapshot
	DryRun              bool
	MaxPlanIterations   int
	ConfidenceThreshold int
	StablePasses        int
	UseWorktree         bool
	ApprovalMode        ApprovalMode
	NoWriteback         bool
	Verbose             bool

	// Runtime state
	Status           RunStatus
	CurrentIteration int
	StablePassCount  int
	PlanVersions     []PlanVersion
	PlanGates        []CritiqueResult
	CodeGates        []CritiqueResult
	FinalPlan        string
	ErrorMessage     string
	StartedAt        time.Time
	CompletedAt      time.Time

	// Transient human feedback from a gate resolution; consumed once
	// by the next refine/fix call, then cleared.
	HumanFeedback string
}

// WorkingDir is the directory the implementer operates in: the
// worktree when isolation is enabled, otherwise the repo root.
func (rc *RunContext) WorkingDir() string {
	if rc.WorktreeDir != "" {
		return rc.WorktreeDir
	}
	return rc.RepoRoot
}

// CurrentConfidence is the latest critique's confidence: plan gates
// take precedence over code gates. Returns -1 when no critique exists.
func (rc *RunContext) CurrentConfidence() int {
	if n := len(rc.PlanGates); n > 0 {
		return rc.PlanGates[n-1].Confidence
	}
	if n := len(rc.CodeGates); n > 0 {
		return rc.CodeGates[n-1].Confidence
	}
	return -1
}

// TraceEvent is one append-only record in a run's trace log.
type TraceEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Stage     string         `json:"stage"`
	Data      map[string]any `json:"data,omitempty"`
}

// RunSummary is the terminal snapshot of a run. Its presence on disk
// doubles as the marker used when listing runs.
type RunSummary struct {
	SchemaVersion   int       `json:"schema_version"`
	RunID           string    `json:"run_id"`
	IssueIdentifier string    `json:"issue_identifier"`
	IssueTitle      string    `json:"issue_title"`
	Status          RunStatus `json:"status"`
	Iterations      int       `json:"iterations"`
	FinalConfidence int       `json:"final_confidence"` // -1 when no critique ran
	BranchName      string    `json:"branch_name,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

const SummarySchemaVersion = 1

// Summarize builds the terminal summary from the run's current state.
func (rc *RunContext) Summarize() RunSummary {
	return RunSummary{
		SchemaVersion:   SummarySchemaVersion,
		RunID:           rc.RunID,
		IssueIdentifier: rc.Issue.Identifier,
		IssueTitle:      rc.Issue.Title,
		Status:          rc.Status,
		Iterations:      rc.CurrentIteration,
		FinalConfidence: rc.CurrentConfidence(),
		BranchName:      rc.BranchName,
		StartedAt:       rc.StartedAt,
		CompletedAt:     rc.CompletedAt,
		ErrorMessage:    rc.ErrorMessage,
	}
}

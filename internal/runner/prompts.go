package runner

import (
	"fmt"
	"strings"

	"github.com/haruyama/ailoop/internal/model"
)

const planPrompt = `You are a senior software engineer planning a code change.

%s

Write a concrete implementation plan for this issue. The plan must list
the files to change, the shape of each change, the tests to add or
update, and a short rollout note. Do not write code yet. Respond with
the plan in markdown only.`

const refinePrompt = `You are a senior software engineer revising an implementation plan.

%s

## Current plan

%s

## Review feedback

%s

Rewrite the plan addressing every blocker and as much of the other
feedback as is reasonable. Keep what the review did not object to.
Respond with the full revised plan in markdown only.`

const implementPrompt = `You are a senior software engineer. Implement the following approved
plan in the current repository. Make the code changes and add the tests
the plan calls for. Keep changes minimal and within the plan's scope.

%s`

const fixPrompt = `You are a senior software engineer. A review of your implementation
found problems. Fix them in the current repository.

## Plan being implemented

%s

## Review feedback

%s

Address every blocker. Do not expand scope beyond the plan.`

const critiquePlanPrompt = `You are a rigorous staff engineer reviewing an implementation plan.

%s

## Plan under review

%s

Judge whether this plan is safe and sufficient to implement as written.
Score strictly. Respond with a single JSON object matching the review
schema: confidence (0-100), approved (bool), blockers, warnings,
feedback, diff_instructions, and rubric_breakdown with integer scores
for goal_clarity, scope_minimality, ux_contract, data_contract,
architecture, test_coverage, rollout_safety, done_checklist.`

const critiqueCodePrompt = `You are a rigorous staff engineer reviewing an implementation diff.

%s

## Plan it implements

%s

## Diff under review

%s

Judge whether this change correctly and safely implements the plan.
Score strictly. Respond with a single JSON object matching the review
schema: confidence (0-100), approved (bool), blockers, warnings,
feedback, diff_instructions, and rubric_breakdown with integer scores
for goal_clarity, scope_minimality, ux_contract, data_contract,
architecture, test_coverage, rollout_safety, done_checklist.`

// critiqueSchema constrains structured output when the critic CLI
// supports a schema flag.
const critiqueSchema = `{
  "type": "object",
  "properties": {
    "confidence": {"type": "integer", "minimum": 0, "maximum": 100},
    "approved": {"type": "boolean"},
    "blockers": {"type": "array", "items": {"type": "string"}},
    "warnings": {"type": "array", "items": {"type": "string"}},
    "feedback": {"type": "string"},
    "diff_instructions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "location": {"type": "string"},
          "change_type": {"type": "string"},
          "before": {"type": "string"},
          "after": {"type": "string"}
        },
        "required": ["location", "change_type"]
      }
    },
    "rubric_breakdown": {
      "type": "object",
      "properties": {
        "goal_clarity": {"type": "integer"},
        "scope_minimality": {"type": "integer"},
        "ux_contract": {"type": "integer"},
        "data_contract": {"type": "integer"},
        "architecture": {"type": "integer"},
        "test_coverage": {"type": "integer"},
        "rollout_safety": {"type": "integer"},
        "done_checklist": {"type": "integer"}
      }
    }
  },
  "required": ["confidence", "approved"]
}`

const (
	maxFeedbackItems = 10
	maxItemLength    = 500
)

// FormatCritique renders a critique as bounded markdown for embedding
// in a refine or fix prompt. Item counts and lengths are capped so one
// verbose review cannot blow the prompt budget.
func FormatCritique(c model.CritiqueResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Confidence: %d, approved: %t\n", c.Confidence, c.Approved)

	writeItems(&sb, "Blockers", c.Blockers)
	writeItems(&sb, "Warnings", c.Warnings)

	if c.Feedback != "" {
		fmt.Fprintf(&sb, "\nFeedback:\n%s\n", clip(c.Feedback, 2000))
	}
	if len(c.DiffInstructions) > 0 {
		sb.WriteString("\nSuggested changes:\n")
		for i, d := range c.DiffInstructions {
			if i >= maxFeedbackItems {
				fmt.Fprintf(&sb, "- (and %d more)\n", len(c.DiffInstructions)-i)
				break
			}
			fmt.Fprintf(&sb, "- [%s] %s", d.ChangeType, d.Location)
			if d.After != "" {
				fmt.Fprintf(&sb, ": %s", clip(d.After, maxItemLength))
			}
			sb.WriteString("\n")
		}
	}

	r := c.RubricBreakdown
	fmt.Fprintf(&sb, "\nRubric: goal_clarity=%d scope_minimality=%d ux_contract=%d data_contract=%d architecture=%d test_coverage=%d rollout_safety=%d done_checklist=%d\n",
		r.GoalClarity, r.ScopeMinimality, r.UXContract, r.DataContract,
		r.Architecture, r.TestCoverage, r.RolloutSafety, r.DoneChecklist)
	return sb.String()
}

func writeItems(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", heading)
	for i, item := range items {
		if i >= maxFeedbackItems {
			fmt.Fprintf(sb, "- (and %d more)\n", len(items)-i)
			return
		}
		fmt.Fprintf(sb, "- %s\n", clip(item, maxItemLength))
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

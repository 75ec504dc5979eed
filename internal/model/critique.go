package model

import "fmt"

// DiffInstruction is a structured change suggestion from a critique.
type DiffInstruction struct {
	Location   string `json:"location"`
	ChangeType string `json:"change_type"` // add|remove|modify|move
	Before     string `json:"before,omitempty"`
	After      string `json:"after,omitempty"`
}

// RubricBreakdown carries the eight informational sub-scores (0-100 each).
// Older critique records used a different field set; those fields are
// ignored on read and the breakdown stays zero-valued.
type RubricBreakdown struct {
	GoalClarity     int `json:"goal_clarity"`
	ScopeMinimality int `json:"scope_minimality"`
	UXContract      int `json:"ux_contract"`
	DataContract    int `json:"data_contract"`
	Architecture    int `json:"architecture"`
	TestCoverage    int `json:"test_coverage"`
	RolloutSafety   int `json:"rollout_safety"`
	DoneChecklist   int `json:"done_checklist"`
}

// CritiqueResult is the structured judgment from a critique collaborator.
// Immutable once created; a retry produces a new entry, never an update.
type CritiqueResult struct {
	Confidence       int               `json:"confidence"`
	Approved         bool              `json:"approved"`
	Blockers         []string          `json:"blockers,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	Feedback         string            `json:"feedback,omitempty"`
	DiffInstructions []DiffInstruction `json:"diff_instructions,omitempty"`
	RubricBreakdown  RubricBreakdown   `json:"rubric_breakdown"`
}

// Validate checks the shape constraints a critique must satisfy before
// the gate evaluator may consume it. A critique that fails validation
// is a hard error for the call, never coerced into a verdict.
func (c *CritiqueResult) Validate() error {
	if c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range [0,100]", c.Confidence)
	}
	if err := c.RubricBreakdown.validate(); err != nil {
		return fmt.Errorf("rubric breakdown: %w", err)
	}
	return nil
}

func (r *RubricBreakdown) validate() error {
	scores := map[string]int{
		"goal_clarity":     r.GoalClarity,
		"scope_minimality": r.ScopeMinimality,
		"ux_contract":      r.UXContract,
		"data_contract":    r.DataContract,
		"architecture":     r.Architecture,
		"test_coverage":    r.TestCoverage,
		"rollout_safety":   r.RolloutSafety,
		"done_checklist":   r.DoneChecklist,
	}
	for name, s := range scores {
		if s < 0 || s > 100 {
			return fmt.Errorf("%s score %d out of range [0,100]", name, s)
		}
	}
	return nil
}

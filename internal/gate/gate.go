// Package gate implements the pure gate decision functions: the
// pass/fail evaluation of a critique and stuck-cycle detection over
// the plan history.
package gate

import "github.com/haruyama/ailoop/internal/model"

// stuckWindow is how many consecutive identical plan hashes count as
// non-progress.
const stuckWindow = 3

// Evaluate maps a critique and threshold to PASS/FAIL. All three
// conditions are independently necessary: a high confidence cannot
// override an unapproved verdict or outstanding blockers. Strict
// conjunction, no partial credit.
func Evaluate(critique model.CritiqueResult, threshold int) model.GateResult {
	if critique.Approved && critique.Confidence >= threshold && len(critique.Blockers) == 0 {
		return model.GatePass
	}
	return model.GateFail
}

// DetectStuck reports whether the last stuckWindow plan versions share
// an identical content hash, meaning critique→refine cycles are no
// longer changing the plan. Fires regardless of why the plan is
// unchanged.
func DetectStuck(planVersions []model.PlanVersion) bool {
	if len(planVersions) < stuckWindow {
		return false
	}
	recent := planVersions[len(planVersions)-stuckWindow:]
	first := recent[0].Hash
	for _, p := range recent[1:] {
		if p.Hash != first {
			return false
		}
	}
	return true
}

// ShouldBlock decides whether the run pauses for human resolution at a
// gate, evaluated after the automated check so a human action can
// override the automated verdict.
func ShouldBlock(mode model.ApprovalMode, result model.GateResult) bool {
	switch mode {
	case model.ApprovalAlwaysGate:
		return true
	case model.ApprovalGateOnFail:
		return result == model.GateFail
	}
	return false
}

package model

import "fmt"

type RunStatus string

const (
	StatusPending      RunStatus = "pending"
	StatusPlanning     RunStatus = "planning"
	StatusPlanGate     RunStatus = "plan_gate"
	StatusRefining     RunStatus = "refining"
	StatusImplementing RunStatus = "implementing"
	StatusCodeGate     RunStatus = "code_gate"
	StatusFixing       RunStatus = "fixing"
	StatusSuccess      RunStatus = "success"
	StatusFailed       RunStatus = "failed"
	StatusStuck        RunStatus = "stuck"
)

type GateResult string

const (
	GatePass GateResult = "pass"
	GateFail GateResult = "fail"
)

// ApprovalMode controls when a run pauses for human resolution at a gate.
type ApprovalMode string

const (
	ApprovalAuto       ApprovalMode = "auto"         // never block
	ApprovalAlwaysGate ApprovalMode = "always_gate"  // block at every gate
	ApprovalGateOnFail ApprovalMode = "gate_on_fail" // block only when the automated gate fails
)

// Resolution actions a human can take at a blocked gate.
const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
)

var terminalStatuses = map[RunStatus]bool{
	StatusSuccess: true,
	StatusFailed:  true,
	StatusStuck:   true,
}

// Run status transitions: linear pipeline with two retry sub-loops
// (plan_gate ⇄ refining, code_gate ⇄ fixing). Any non-terminal status
// may abort to failed on a collaborator error.
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	StatusPending: {
		StatusPlanning: true,
		StatusFailed:   true,
	},
	StatusPlanning: {
		StatusPlanGate: true,
		StatusFailed:   true,
	},
	StatusPlanGate: {
		StatusRefining:     true,
		StatusImplementing: true,
		StatusSuccess:      true, // dry-run short-circuit on approved plan
		StatusFailed:       true,
		StatusStuck:        true,
	},
	StatusRefining: {
		StatusPlanGate: true,
		StatusFailed:   true,
	},
	StatusImplementing: {
		StatusCodeGate: true,
		StatusFailed:   true,
	},
	StatusCodeGate: {
		StatusFixing:  true,
		StatusSuccess: true,
		StatusFailed:  true,
	},
	StatusFixing: {
		StatusCodeGate: true,
		StatusFailed:   true,
	},
}

func IsTerminal(s RunStatus) bool {
	return terminalStatuses[s]
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

func ValidateApprovalMode(m ApprovalMode) error {
	switch m {
	case ApprovalAuto, ApprovalAlwaysGate, ApprovalGateOnFail:
		return nil
	}
	return fmt.Errorf("unknown approval mode %q", m)
}

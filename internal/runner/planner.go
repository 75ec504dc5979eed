// Package runner wraps the planner and critic command line agents as
// subprocesses. The CLIs are the integration boundary; nothing here
// knows which model sits behind them.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/haruyama/ailoop/internal/model"
)

// CLIPlanner drives the planning and implementation agent. The prompt
// goes in on stdin; stdout is the result.
type CLIPlanner struct {
	cmd              string
	args             []string
	planTimeout      time.Duration
	implementTimeout time.Duration
}

func NewCLIPlanner(cfg model.RunnersConfig) (*CLIPlanner, error) {
	parts := strings.Fields(cfg.PlannerCmd)
	if len(parts) == 0 {
		return nil, fmt.Errorf("planner_cmd is blank")
	}
	cmd, args := parts[0], parts[1:]
	return &CLIPlanner{
		cmd:              cmd,
		args:             append(args, "-p"),
		planTimeout:      time.Duration(cfg.PlanTimeoutSec) * time.Second,
		implementTimeout: time.Duration(cfg.ImplementTimeoutSec) * time.Second,
	}, nil
}

// GeneratePlan produces the first plan draft from the issue pack.
func (p *CLIPlanner) GeneratePlan(ctx context.Context, dir, issuePack string) (string, error) {
	prompt := fmt.Sprintf(planPrompt, issuePack)
	out, err := p.run(ctx, dir, prompt, p.planTimeout)
	if err != nil {
		return "", fmt.Errorf("generate plan: %w", err)
	}
	return out, nil
}

// RefinePlan rewrites the plan against critique and optional human
// feedback.
func (p *CLIPlanner) RefinePlan(ctx context.Context, dir, issuePack, currentPlan, critiqueContext, humanFeedback string) (string, error) {
	feedback := critiqueContext
	if humanFeedback != "" {
		feedback += "\n\n## Reviewer note\n\n" + humanFeedback
	}
	prompt := fmt.Sprintf(refinePrompt, issuePack, currentPlan, feedback)
	out, err := p.run(ctx, dir, prompt, p.planTimeout)
	if err != nil {
		return "", fmt.Errorf("refine plan: %w", err)
	}
	return out, nil
}

// Implement executes the approved plan inside dir and returns the
// agent's transcript.
func (p *CLIPlanner) Implement(ctx context.Context, dir, plan string) (string, error) {
	prompt := fmt.Sprintf(implementPrompt, plan)
	out, err := p.run(ctx, dir, prompt, p.implementTimeout)
	if err != nil {
		return "", fmt.Errorf("implement plan: %w", err)
	}
	return out, nil
}

// Fix addresses code review feedback inside dir.
func (p *CLIPlanner) Fix(ctx context.Context, dir, plan, critiqueContext, humanFeedback string) (string, error) {
	feedback := critiqueContext
	if humanFeedback != "" {
		feedback += "\n\n## Reviewer note\n\n" + humanFeedback
	}
	prompt := fmt.Sprintf(fixPrompt, plan, feedback)
	out, err := p.run(ctx, dir, prompt, p.implementTimeout)
	if err != nil {
		return "", fmt.Errorf("fix implementation: %w", err)
	}
	return out, nil
}

func (p *CLIPlanner) run(ctx context.Context, dir, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.cmd, p.args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s timed out after %s", p.cmd, timeout)
	}
	if err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", p.cmd, err, firstLines(stderr.String(), 5))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("%s produced no output", p.cmd)
	}
	return out, nil
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haruyama/ailoop/internal/model"
)

const detectTimeout = 10 * time.Second

// Capabilities are the optional flags the critic CLI was observed to
// support. Detection failures leave everything false; the critic then
// falls back to parsing stdout.
type Capabilities struct {
	OutputSchema bool // --output-schema <file>
	OutputFile   bool // -o <file>
}

// CLICritic drives the critique agent and parses its structured
// verdicts. The flag surface of the underlying CLI varies between
// versions, so capabilities are probed once per instance.
type CLICritic struct {
	cmd     string
	args    []string
	timeout time.Duration

	sf       singleflight.Group
	mu       sync.Mutex
	detected bool
	caps     Capabilities
}

func NewCLICritic(cfg model.RunnersConfig) (*CLICritic, error) {
	parts := strings.Fields(cfg.CriticCmd)
	if len(parts) == 0 {
		return nil, fmt.Errorf("critic_cmd is blank")
	}
	cmd, args := parts[0], parts[1:]
	return &CLICritic{
		cmd:     cmd,
		args:    args,
		timeout: time.Duration(cfg.CritiqueTimeoutSec) * time.Second,
	}, nil
}

// capabilities probes `<cmd> exec --help` once, deduplicating
// concurrent probes. Any probe failure yields the zero value.
func (c *CLICritic) capabilities(ctx context.Context) Capabilities {
	c.mu.Lock()
	if c.detected {
		caps := c.caps
		c.mu.Unlock()
		return caps
	}
	c.mu.Unlock()

	v, _, _ := c.sf.Do("detect", func() (any, error) {
		caps := c.detect(ctx)
		c.mu.Lock()
		c.caps, c.detected = caps, true
		c.mu.Unlock()
		return caps, nil
	})
	return v.(Capabilities)
}

func (c *CLICritic) detect(ctx context.Context) Capabilities {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	args := append(append([]string{}, c.args...), "exec", "--help")
	cmd := exec.CommandContext(ctx, c.cmd, args...)

	// Help text lands on stdout or stderr depending on version.
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		return Capabilities{}
	}

	help := combined.String()
	return Capabilities{
		OutputSchema: strings.Contains(help, "--output-schema"),
		OutputFile:   strings.Contains(help, "-o, --output") || strings.Contains(help, "--output-last-message"),
	}
}

// CritiquePlan reviews a plan. The previous verdict, when present,
// gives the critic continuity across iterations. The raw agent output
// is returned alongside the parsed result so callers can preserve it
// when parsing fails.
func (c *CLICritic) CritiquePlan(ctx context.Context, dir, issuePack, plan string, iteration int, prev *model.CritiqueResult) (model.CritiqueResult, string, error) {
	prompt := fmt.Sprintf(critiquePlanPrompt, issuePack, plan)
	prompt += iterationContext(iteration, prev)
	return c.critique(ctx, dir, prompt)
}

// CritiqueCode reviews an implementation diff against its plan.
func (c *CLICritic) CritiqueCode(ctx context.Context, dir, issuePack, plan, diff string, iteration int, prev *model.CritiqueResult) (model.CritiqueResult, string, error) {
	prompt := fmt.Sprintf(critiqueCodePrompt, issuePack, plan, diff)
	prompt += iterationContext(iteration, prev)
	return c.critique(ctx, dir, prompt)
}

func iterationContext(iteration int, prev *model.CritiqueResult) string {
	if iteration <= 1 || prev == nil {
		return ""
	}
	return fmt.Sprintf("\n\nThis is review iteration %d. Your previous verdict:\n\n%s\nJudge whether your earlier objections were addressed.",
		iteration, FormatCritique(*prev))
}

func (c *CLICritic) critique(ctx context.Context, dir, prompt string) (model.CritiqueResult, string, error) {
	caps := c.capabilities(ctx)

	tmpDir, err := os.MkdirTemp("", "ailoop-critique-*")
	if err != nil {
		return model.CritiqueResult{}, "", fmt.Errorf("create critique temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	args := append(append([]string{}, c.args...), "exec")
	if caps.OutputSchema {
		schemaPath := filepath.Join(tmpDir, "schema.json")
		if err := os.WriteFile(schemaPath, []byte(critiqueSchema), 0644); err != nil {
			return model.CritiqueResult{}, "", fmt.Errorf("write critique schema: %w", err)
		}
		args = append(args, "--output-schema", schemaPath)
	}
	outPath := filepath.Join(tmpDir, "critique.json")
	if caps.OutputFile {
		args = append(args, "-o", outPath)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cmd, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.CritiqueResult{}, stdout.String(), fmt.Errorf("%s timed out after %s", c.cmd, c.timeout)
	}

	// Prefer the output file: it survives chatter on stdout, and a
	// non-zero exit with a complete output file still counts.
	raw := stdout.String()
	if caps.OutputFile {
		if data, err := os.ReadFile(outPath); err == nil && len(bytes.TrimSpace(data)) > 0 {
			raw = string(data)
			runErr = nil
		}
	}
	if runErr != nil {
		return model.CritiqueResult{}, raw, fmt.Errorf("%s failed: %w: %s", c.cmd, runErr, firstLines(stderr.String(), 5))
	}

	result, err := ParseCritique(raw)
	if err != nil {
		return model.CritiqueResult{}, raw, err
	}
	return result, raw, nil
}

// ParseCritique extracts and validates the JSON verdict from raw agent
// output. Agents sometimes wrap the object in prose or code fences, so
// the outermost braces delimit the candidate. Anything unparseable is
// an error, never a default verdict.
func ParseCritique(raw string) (model.CritiqueResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return model.CritiqueResult{}, fmt.Errorf("no JSON object in critique output")
	}

	var result model.CritiqueResult
	if err := json.Unmarshal([]byte(raw[start:end+1]), &result); err != nil {
		return model.CritiqueResult{}, fmt.Errorf("parse critique: %w", err)
	}
	if err := result.Validate(); err != nil {
		return model.CritiqueResult{}, fmt.Errorf("invalid critique: %w", err)
	}
	return result, nil
}

package approval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haruyama/ailoop/internal/artifacts"
	"github.com/haruyama/ailoop/internal/model"
)

func fastOptions() Options {
	return Options{
		PollInterval:     10 * time.Millisecond,
		SlowPollInterval: 10 * time.Millisecond,
		SlowAfter:        time.Second,
		Timeout:          5 * time.Second,
	}
}

func setupResolver(t *testing.T) *Resolver {
	return NewResolver(t.TempDir(), fastOptions())
}

func TestAwait_ResolutionAlreadyPresent(t *testing.T) {
	r := setupResolver(t)
	require.NoError(t, r.WriteRequest(Request{GateType: "plan_gate", Confidence: 80}))
	require.NoError(t, Resolve(r.runDir, model.ActionApprove, "looks good"))

	res, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionApprove, res.Action)
	assert.Equal(t, "looks good", res.Feedback)
}

func TestAwait_ResolutionArrivesLater(t *testing.T) {
	r := setupResolver(t)
	require.NoError(t, r.WriteRequest(Request{GateType: "code_gate"}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = Resolve(r.runDir, model.ActionRequestChanges, "tighten the scope")
	}()

	res, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionRequestChanges, res.Action)
	assert.Equal(t, "tighten the scope", res.Feedback)
}

func TestAwait_TimeoutRejects(t *testing.T) {
	opts := fastOptions()
	opts.Timeout = 100 * time.Millisecond
	r := NewResolver(t.TempDir(), opts)
	require.NoError(t, r.WriteRequest(Request{GateType: "plan_gate"}))

	res, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionReject, res.Action)
	assert.Contains(t, res.Feedback, "Timed out")
}

func TestAwait_CleansUpProtocolFiles(t *testing.T) {
	r := setupResolver(t)
	require.NoError(t, r.WriteRequest(Request{GateType: "plan_gate"}))
	require.NoError(t, Resolve(r.runDir, model.ActionReject, "not now"))

	_, err := r.Await(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(r.pendingPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(r.resolutionPath())
	assert.True(t, os.IsNotExist(err))
}

func TestAwait_IgnoresMalformedResolution(t *testing.T) {
	opts := fastOptions()
	opts.Timeout = time.Second
	r := NewResolver(t.TempDir(), opts)
	require.NoError(t, r.WriteRequest(Request{GateType: "plan_gate"}))
	require.NoError(t, os.WriteFile(r.resolutionPath(), []byte("{half a rec"), 0644))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = artifacts.AtomicWriteJSON(r.resolutionPath(), Resolution{Action: model.ActionApprove})
	}()

	res, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionApprove, res.Action)
}

func TestAwait_IgnoresUnknownAction(t *testing.T) {
	opts := fastOptions()
	opts.Timeout = 150 * time.Millisecond
	r := NewResolver(t.TempDir(), opts)
	require.NoError(t, r.WriteRequest(Request{GateType: "plan_gate"}))
	require.NoError(t, artifacts.AtomicWriteJSON(r.resolutionPath(), Resolution{Action: "maybe"}))

	res, err := r.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ActionReject, res.Action)
}

func TestAwait_ContextCancel(t *testing.T) {
	r := setupResolver(t)
	require.NoError(t, r.WriteRequest(Request{GateType: "plan_gate"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteRequest_ClearsStaleResolution(t *testing.T) {
	r := setupResolver(t)

	// A leftover resolution from a previous gate must not answer a new one.
	require.NoError(t, artifacts.AtomicWriteJSON(r.resolutionPath(), Resolution{Action: model.ActionApprove}))
	require.NoError(t, r.WriteRequest(Request{GateType: "code_gate"}))

	_, err := os.Stat(r.resolutionPath())
	assert.True(t, os.IsNotExist(err))
}

func TestResolve_RequiresPendingGate(t *testing.T) {
	dir := t.TempDir()
	err := Resolve(dir, model.ActionApprove, "")
	require.Error(t, err)
}

func TestResolve_RejectsUnknownAction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PendingFileName), []byte("{}"), 0644))
	err := Resolve(dir, "ship_it", "")
	require.Error(t, err)
}

func TestClear_Idempotent(t *testing.T) {
	r := setupResolver(t)
	r.Clear()
	r.Clear()
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

func TestApplyAction(t *testing.T) {
	t.Setenv("HOOK_TOKEN", "s3cret")
	f := newFixture(t)
	ctx := metadata.WithUser(context.Background(), &metadata.UserContext{ID: "u1", Roles: []string{"manager"}})
	p := f.project(t, ctx, "Apollo", 10)

	row, err := f.e.ApplyAction(ctx, "project", p.ID, "approve")
	require.NoError(t, err)
	assert.Equal(t, "approved", row.State)
	stamped, ok := row.Values["approved_at"].Date()
	require.True(t, ok, "effect stamps the read-only date")
	assert.Equal(t, testNow, stamped)
	assert.Equal(t, "u1", row.UpdatedBy)

	f.e.Wait()
	calls := f.hooks.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "http://hooks.test/approved", calls[0].url)
	assert.Equal(t, "POST", calls[0].method)
	assert.Equal(t, "Bearer s3cret", calls[0].headers["Authorization"], "env placeholders resolve before dispatch")

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(calls[0].body, &payload))
	assert.Equal(t, "workflow.action", payload.Event)
	assert.Equal(t, "draft", payload.From)
	assert.Equal(t, "approved", payload.To)
	assert.Equal(t, p.ID, payload.Record["id"])
	assert.Equal(t, "u1", payload.User["id"])

	_, err = f.e.ApplyAction(ctx, "project", p.ID, "approve")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "approve is not available from approved")

	row, err = f.e.ApplyAction(ctx, "project", p.ID, "close")
	require.NoError(t, err)
	assert.Equal(t, "closed", row.State)
}

func TestApplyAction_GuardAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.e.CreateRow(ctx, RowInput{Entity: "project", Values: map[string]record.Value{"name": record.Text("No budget")}})
	require.NoError(t, err)

	_, err = f.e.ApplyAction(ctx, "project", p.ID, "approve")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "guard needs a positive budget")

	_, err = f.e.ApplyAction(ctx, "project", p.ID, "launch")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	row, err := f.e.GetRow(ctx, "project", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", row.State)
	assert.Empty(t, f.hooks.Calls())
}

func TestAvailableActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	funded := f.project(t, ctx, "Funded", 10)
	broke := f.project(t, ctx, "Broke", 0)

	actions, err := f.e.AvailableActions(ctx, "project", funded.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "approve", actions[0].Name)

	actions, err = f.e.AvailableActions(ctx, "project", broke.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestSetState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 10)

	row, err := f.e.SetState(ctx, "project", p.ID, "closed")
	require.NoError(t, err)
	assert.Equal(t, "closed", row.State)
	_, stamped := row.Get("approved_at")
	assert.False(t, stamped, "no effect runs")

	row, err = f.e.SetState(ctx, "project", p.ID, metadata.NoState)
	require.NoError(t, err)
	assert.Equal(t, "", row.State)

	_, err = f.e.SetState(ctx, "project", p.ID, "archived")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Empty(t, f.hooks.Calls())
}

func TestWebhookRetry(t *testing.T) {
	f := newFixture(t)
	f.hooks.failures = 2
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 10)

	_, err := f.e.ApplyAction(ctx, "project", p.ID, "approve")
	require.NoError(t, err)
	f.e.Wait()
	assert.Len(t, f.hooks.Calls(), 3, "two failures then success")
}

func TestWebhookRetry_GivesUp(t *testing.T) {
	f := newFixture(t)
	f.hooks.failures = 10
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 10)

	row, err := f.e.ApplyAction(ctx, "project", p.ID, "approve")
	require.NoError(t, err)
	f.e.Wait()
	assert.Len(t, f.hooks.Calls(), 3)
	assert.Equal(t, "approved", row.State, "delivery failures never undo the action")
}

func TestWebhookRetry_AbandonedOnClose(t *testing.T) {
	f := newFixture(t)
	f.hooks.failures = 10
	f.e.opts.WebhookBackoff = time.Hour
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 10)

	_, err := f.e.ApplyAction(ctx, "project", p.ID, "approve")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not abandon the pending retry")
	}
	assert.Len(t, f.hooks.Calls(), 1)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(2*time.Second, 1))
	assert.Equal(t, 4*time.Second, backoff(2*time.Second, 2))
	assert.Equal(t, 8*time.Second, backoff(2*time.Second, 3))
}

func TestResolveHeaders(t *testing.T) {
	t.Setenv("HOOK_USER", "ops")
	got := ResolveHeaders(map[string]string{
		"X-User":  "{{env.HOOK_USER}}",
		"X-Pair":  "{{env.HOOK_USER}}:{{env.HOOK_USER}}",
		"X-Unset": "[{{env.HOOK_MISSING_VAR}}]",
		"X-Open":  "{{env.HOOK_USER",
	})
	assert.Equal(t, map[string]string{
		"X-User":  "ops",
		"X-Pair":  "ops:ops",
		"X-Unset": "[]",
		"X-Open":  "{{env.HOOK_USER",
	}, got)
	assert.Nil(t, ResolveHeaders(nil))
}

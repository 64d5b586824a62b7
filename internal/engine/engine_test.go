package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

var testNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type dispatchCall struct {
	url     string
	method  string
	headers map[string]string
	body    []byte
}

// dispatchRecorder fails the first failures calls and records every one.
type dispatchRecorder struct {
	mu       sync.Mutex
	calls    []dispatchCall
	failures int
}

func (d *dispatchRecorder) dispatch(ctx context.Context, url, method string, headers map[string]string, body []byte) *DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{url: url, method: method, headers: headers, body: body})
	if len(d.calls) <= d.failures {
		return &DispatchResult{StatusCode: 503}
	}
	return &DispatchResult{StatusCode: 200}
}

func (d *dispatchRecorder) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

type fixture struct {
	e     *Engine
	repo  store.Repository
	hooks *dispatchRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemoryStore()
	hooks := &dispatchRecorder{}
	e := New(repo, metadata.NewCache(repo, 0), Options{
		DefaultPageSize: 25,
		MaxPageSize:     100,
		Now:             func() time.Time { return testNow },
		Dispatch:        hooks.dispatch,
		WebhookAttempts: 3,
		WebhookBackoff:  time.Millisecond,
	})
	t.Cleanup(e.Close)
	require.NoError(t, e.ImportSchema(context.Background(), projectSchema()))
	return &fixture{e: e, repo: repo, hooks: hooks}
}

func numberFormula(expr string, trigger metadata.Trigger) *metadata.Formula {
	return &metadata.Formula{Expression: expr, ResultAs: metadata.ResultNumber, Trigger: trigger}
}

// projectSchema: projects own tasks (cascade, required) and milestones
// (required, not cascading). spent rolls up task cost.
func projectSchema() *metadata.Schema {
	return &metadata.Schema{
		Entities: []*metadata.Entity{
			{
				Name: "project", TitleSingular: "Project", TitlePlural: "Projects", Prefix: "PRJ",
				Properties: []metadata.Property{
					{Name: "name", Type: metadata.TypeText, Required: true, IsDisplay: true},
					{Name: "budget", Type: metadata.TypeNumber},
					{Name: "approved_at", Type: metadata.TypeDate, ReadOnly: true},
					{Name: "spent", Type: metadata.TypeFormula, Formula: numberFormula(`sumOf("project_task", "cost")`, metadata.TriggerOnRelatedChange)},
				},
				Views: []metadata.View{
					{
						Name: "big", IsSystem: true,
						Filters:  []metadata.Filter{{Property: "budget", Condition: metadata.CondGreaterThan, Value: 50.0}},
						Sort:     []metadata.SortKey{{Property: "name", Ascending: true}},
						PageSize: 10,
					},
				},
				Workflow: metadata.Workflow{
					DefaultState: "draft",
					States: []metadata.WorkflowState{
						{Name: "draft", Order: 1},
						{Name: "approved", Order: 2},
						{Name: "closed", Order: 3},
					},
					Actions: []metadata.WorkflowAction{
						{
							Name: "approve", From: metadata.StateList{"draft"}, To: "approved",
							Roles: []string{"manager"},
							Guard: "budget != nil && budget > 0",
							Effects: []metadata.Effect{
								{Type: metadata.EffectSetValue, Property: "approved_at", Value: "now"},
								{
									Type: metadata.EffectWebhook, URL: "http://hooks.test/approved", Method: "POST",
									Headers: map[string]string{"Authorization": "Bearer {{env.HOOK_TOKEN}}"},
								},
							},
						},
						{Name: "close", From: metadata.StateList{"approved"}, To: "closed"},
					},
				},
			},
			{
				Name: "task", TitleSingular: "Task", TitlePlural: "Tasks",
				Properties: []metadata.Property{
					{Name: "title", Type: metadata.TypeText, Required: true, IsDisplay: true},
					{Name: "cost", Type: metadata.TypeNumber},
					{Name: "label", Type: metadata.TypeText},
					{Name: "double", Type: metadata.TypeFormula, Formula: numberFormula(`cost * 2`, metadata.TriggerOnUpdate)},
					{Name: "label_number", Type: metadata.TypeFormula, Formula: numberFormula(`label`, metadata.TriggerOnUpdate)},
				},
			},
			{
				Name: "milestone", TitleSingular: "Milestone", TitlePlural: "Milestones",
				Properties: []metadata.Property{
					{Name: "title", Type: metadata.TypeText, Required: true, IsDisplay: true},
				},
			},
			{
				Name: "person", TitleSingular: "Person", TitlePlural: "People",
				Properties: []metadata.Property{
					{Name: "name", Type: metadata.TypeText, Required: true, IsDisplay: true},
				},
			},
		},
		Relationships: []*metadata.Relationship{
			{Name: "project_task", Parent: "project", Child: "task", Type: metadata.OneToMany, Cascade: true, Required: true},
			{Name: "project_milestone", Parent: "project", Child: "milestone", Type: metadata.OneToMany, Required: true},
			{Name: "project_lead", Parent: "project", Child: "person", Type: metadata.OneToOne},
			{Name: "project_sponsor", Parent: "person", Child: "project", Type: metadata.ManyToOne, ReadOnly: true},
		},
	}
}

func (f *fixture) project(t *testing.T, ctx context.Context, name string, budget float64) *record.Row {
	t.Helper()
	row, err := f.e.CreateRow(ctx, RowInput{Entity: "project", Values: map[string]record.Value{
		"name":   record.Text(name),
		"budget": record.Number(budget),
	}})
	require.NoError(t, err)
	return row
}

func (f *fixture) task(t *testing.T, ctx context.Context, projectID, title string, cost float64) *record.Row {
	t.Helper()
	row, err := f.e.CreateRow(ctx, RowInput{
		Entity:  "task",
		Values:  map[string]record.Value{"title": record.Text(title), "cost": record.Number(cost)},
		Parents: []ParentLink{{Relationship: "project_task", ParentID: projectID}},
	})
	require.NoError(t, err)
	return row
}

func numberOf(t *testing.T, c record.Computed) float64 {
	t.Helper()
	require.False(t, c.Unavailable, "cell unavailable: %s", c.Reason)
	n, ok := c.Value.Number()
	require.True(t, ok, "cell is %s, not a number", c.Value.Kind())
	return n
}

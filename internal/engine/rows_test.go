package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

func TestCreateRow_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.project(t, ctx, "Apollo", 120.5)
	assert.Equal(t, "draft", created.State)
	assert.Equal(t, int64(1), created.Folio)
	assert.Equal(t, testNow, created.CreatedAt)

	got, err := f.e.GetRow(ctx, "project", created.ID)
	require.NoError(t, err)
	name, _ := got.Values["name"].Text()
	budget, _ := got.Values["budget"].Number()
	assert.Equal(t, "Apollo", name)
	assert.Equal(t, 120.5, budget)
	assert.Equal(t, 0.0, numberOf(t, got.Computed["spent"]))
	assert.Equal(t, "PRJ-0001", got.FolioLabel("PRJ"))
}

func TestCreateRow_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.e.CreateRow(ctx, RowInput{Entity: "project", Values: map[string]record.Value{
		"budget": record.Text("lots"),
		"ghost":  record.Text("x"),
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	rules := map[string]string{}
	for _, d := range appErr.Details {
		rules[d.Field] = d.Rule
	}
	assert.Equal(t, "type", rules["budget"])
	assert.Equal(t, "unknown", rules["ghost"])
	assert.Equal(t, "required", rules["name"])

	_, err = f.e.CreateRow(ctx, RowInput{Entity: "task", Values: map[string]record.Value{"title": record.Text("orphan")}})
	assert.True(t, errors.Is(err, ErrValidation), "task needs its required project link")

	_, err = f.e.CreateRow(ctx, RowInput{Entity: "nope"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateRow_ConcurrentFolios(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	folios := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			row, err := f.e.CreateRow(ctx, RowInput{Entity: "project", Values: map[string]record.Value{
				"name": record.Text("p"),
			}})
			if assert.NoError(t, err) {
				folios[i] = row.Folio
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(folios, func(i, j int) bool { return folios[i] < folios[j] })
	for i, folio := range folios {
		assert.Equal(t, int64(i+1), folio)
	}
}

func TestSetValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 10)

	row, err := f.e.SetValue(ctx, "project", p.ID, "budget", record.Number(75))
	require.NoError(t, err)
	budget, _ := row.Values["budget"].Number()
	assert.Equal(t, 75.0, budget)

	row, err = f.e.SetValue(ctx, "project", p.ID, "budget", record.Value{})
	require.NoError(t, err)
	_, ok := row.Get("budget")
	assert.False(t, ok, "unset value clears the cell")

	_, err = f.e.SetValue(ctx, "project", p.ID, "approved_at", record.Date(testNow))
	assert.True(t, errors.Is(err, ErrValidation), "read-only property")

	_, err = f.e.SetValue(ctx, "project", p.ID, "spent", record.Number(1))
	assert.True(t, errors.Is(err, ErrValidation), "formula property")

	_, err = f.e.SetValue(ctx, "project", p.ID, "name", record.Value{})
	assert.True(t, errors.Is(err, ErrValidation), "required property cannot be cleared")

	_, err = f.e.SetValue(ctx, "task", p.ID, "title", record.Text("x"))
	assert.True(t, errors.Is(err, ErrNotFound), "row of another entity")
}

func TestFormula_ResultAsNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 10)
	task := f.task(t, ctx, p.ID, "Design", 10)

	assert.Equal(t, 20.0, numberOf(t, task.Computed["double"]))
	assert.True(t, task.Computed["label_number"].Unavailable, "unset label yields no number")

	task, err := f.e.SetValues(ctx, "task", task.ID, map[string]record.Value{
		"cost":  record.Number(21),
		"label": record.Text("not a number"),
	})
	require.NoError(t, err)
	assert.Equal(t, 42.0, numberOf(t, task.Computed["double"]))
	cell := task.Computed["label_number"]
	assert.True(t, cell.Unavailable)
	assert.False(t, cell.Value.IsSet())
	assert.NotEmpty(t, cell.Reason)

	c, err := f.e.EvaluateFormula(ctx, "task", task.ID, "double")
	require.NoError(t, err)
	assert.Equal(t, 42.0, numberOf(t, c))

	_, err = f.e.EvaluateFormula(ctx, "task", task.ID, "cost")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestFormula_BudgetRollup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 500)

	spent := func() float64 {
		row, err := f.e.GetRow(ctx, "project", p.ID)
		require.NoError(t, err)
		return numberOf(t, row.Computed["spent"])
	}
	assert.Equal(t, 0.0, spent())

	task := f.task(t, ctx, p.ID, "Build", 100)
	assert.Equal(t, 100.0, spent())

	_, err := f.e.SetValue(ctx, "task", task.ID, "cost", record.Number(60))
	require.NoError(t, err)
	assert.Equal(t, 60.0, spent())

	require.NoError(t, f.e.DeleteRow(ctx, "task", task.ID))
	assert.Equal(t, 0.0, spent())
}

func TestDeleteRow_CascadeRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.project(t, ctx, "Apollo", 10)
	t1 := f.task(t, ctx, p.ID, "A", 1)
	t2 := f.task(t, ctx, p.ID, "B", 2)

	require.NoError(t, f.e.DeleteRow(ctx, "project", p.ID))
	for _, id := range []string{p.ID, t1.ID, t2.ID} {
		_, err := f.e.GetRow(ctx, "task", id)
		assert.True(t, errors.Is(err, ErrNotFound))
	}
}

func TestDeleteRow_RequiredChildrenBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.project(t, ctx, "Apollo", 10)
	task := f.task(t, ctx, p.ID, "A", 1)
	m, err := f.e.CreateRow(ctx, RowInput{
		Entity:  "milestone",
		Values:  map[string]record.Value{"title": record.Text("Launch")},
		Parents: []ParentLink{{Relationship: "project_milestone", ParentID: p.ID}},
	})
	require.NoError(t, err)

	err = f.e.DeleteRow(ctx, "project", p.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequiredChildren))

	for _, r := range []struct{ entity, id string }{{"project", p.ID}, {"task", task.ID}, {"milestone", m.ID}} {
		_, err := f.e.GetRow(ctx, r.entity, r.id)
		assert.NoError(t, err, "%s survives a blocked delete", r.entity)
	}

	require.NoError(t, f.e.DeleteRow(ctx, "milestone", m.ID))
	require.NoError(t, f.e.DeleteRow(ctx, "project", p.ID))
}

func TestParseValues(t *testing.T) {
	ent := projectSchema().Entity("project")

	values, err := ParseValues(ent, map[string]any{"name": "Apollo", "budget": 12.5, "approved_at": nil})
	require.NoError(t, err)
	name, _ := values["name"].Text()
	assert.Equal(t, "Apollo", name)
	assert.False(t, values["approved_at"].IsSet())

	_, err = ParseValues(ent, map[string]any{"budget": "twelve"})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = ParseValues(ent, map[string]any{"missing": 1})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestSchema_DuplicateProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.e.AddProperty(ctx, "project", metadata.Property{Name: "budget", Type: metadata.TypeNumber})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.e.CreateEntity(ctx, &metadata.Entity{Name: "dup", Properties: []metadata.Property{
		{Name: "a", Type: metadata.TypeText},
		{Name: "a", Type: metadata.TypeNumber},
	}})
	assert.True(t, errors.Is(err, ErrValidation))

	ent, err := f.e.GetEntity(ctx, "project")
	require.NoError(t, err)
	assert.Len(t, ent.Properties, 4, "failed edits leave the schema unchanged")
}

func TestFormula_TriggersFollowRelatedRows(t *testing.T) {
	tests := []struct {
		trigger                 metadata.Trigger
		created, updated, after float64
	}{
		{metadata.TriggerOnUpdate, 100, 250, 0},
		{metadata.TriggerOnRelatedChange, 100, 250, 0},
		{metadata.TriggerOnCreate, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.trigger), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.e.AddProperty(ctx, "project", metadata.Property{
				Name: "tally", Type: metadata.TypeFormula,
				Formula: numberFormula(`sumOf("project_task", "cost")`, tt.trigger),
			})
			require.NoError(t, err)

			p := f.project(t, ctx, "Apollo", 500)
			tally := func() float64 {
				row, err := f.e.GetRow(ctx, "project", p.ID)
				require.NoError(t, err)
				return numberOf(t, row.Computed["tally"])
			}

			task := f.task(t, ctx, p.ID, "Build", 100)
			assert.Equal(t, tt.created, tally(), "after link")

			_, err = f.e.SetValue(ctx, "task", task.ID, "cost", record.Number(250))
			require.NoError(t, err)
			assert.Equal(t, tt.updated, tally(), "after related value change")

			require.NoError(t, f.e.DeleteRow(ctx, "task", task.ID))
			assert.Equal(t, tt.after, tally(), "after unlink")
		})
	}
}

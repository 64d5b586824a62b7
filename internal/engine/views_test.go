package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

func rowNames(rows []*record.Row) []string {
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i], _ = r.Values["name"].Text()
	}
	return names
}

// seedProjects creates P15..P01 in reverse so folio order differs from
// name order. P01..P12 have budget 100, the rest 10.
func seedProjects(t *testing.T, f *fixture, ctx context.Context) {
	t.Helper()
	for i := 15; i >= 1; i-- {
		budget := 10.0
		if i <= 12 {
			budget = 100
		}
		f.project(t, ctx, fmt.Sprintf("P%02d", i), budget)
	}
}

func TestEvaluateView_FilterSortPaginate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProjects(t, f, ctx)

	page1, err := f.e.EvaluateView(ctx, ViewQuery{Entity: "project", ViewName: "big", Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 12, page1.TotalCount)
	assert.Equal(t, 2, page1.TotalPages)
	assert.Equal(t, 10, page1.PageSize)
	assert.Equal(t, []string{"P01", "P02", "P03", "P04", "P05", "P06", "P07", "P08", "P09", "P10"}, rowNames(page1.Rows))

	page2, err := f.e.EvaluateView(ctx, ViewQuery{Entity: "project", ViewName: "big", Page: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"P11", "P12"}, rowNames(page2.Rows))

	page3, err := f.e.EvaluateView(ctx, ViewQuery{Entity: "project", ViewName: "big", Page: 3})
	require.NoError(t, err)
	assert.Empty(t, page3.Rows)
	assert.NotNil(t, page3.Rows)
}

func TestEvaluateView_Deterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProjects(t, f, ctx)

	q := ViewQuery{Entity: "project", View: &metadata.View{
		Name: "by_budget",
		Sort: []metadata.SortKey{{Property: "budget", Ascending: false}},
	}, PageSize: 100}
	first, err := f.e.EvaluateView(ctx, q)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.e.EvaluateView(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, rowIDs(first.Rows), rowIDs(again.Rows))
	}
	require.Len(t, first.Rows, 15)
	top, _ := first.Rows[0].Values["budget"].Number()
	assert.Equal(t, 100.0, top)
}

func TestEvaluateView_DefaultsAndBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProjects(t, f, ctx)

	res, err := f.e.EvaluateView(ctx, ViewQuery{Entity: "project"})
	require.NoError(t, err)
	assert.Equal(t, 15, res.TotalCount)
	assert.Equal(t, 1, res.TotalPages)
	assert.Equal(t, 25, res.PageSize)
	assert.Contains(t, res.Columns, "name")

	res, err = f.e.EvaluateView(ctx, ViewQuery{Entity: "project", PageSize: 1000, Page: -3})
	require.NoError(t, err)
	assert.Equal(t, 100, res.PageSize)
	assert.Equal(t, 1, res.Page)

	res, err = f.e.EvaluateView(ctx, ViewQuery{Entity: "project", PageSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalPages)
}

func TestEvaluateView_SearchAndManualFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProjects(t, f, ctx)

	res, err := f.e.EvaluateView(ctx, ViewQuery{Entity: "project", Search: "p1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"P10", "P11", "P12", "P13", "P14", "P15"}, rowNames(res.Rows))

	res, err = f.e.EvaluateView(ctx, ViewQuery{Entity: "project", Manual: map[string]string{"name": "P07"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"P07"}, rowNames(res.Rows))

	_, err = f.e.EvaluateView(ctx, ViewQuery{Entity: "project", Manual: map[string]string{"ghost": "x"}})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestEvaluateView_UnknownViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.e.EvaluateView(ctx, ViewQuery{Entity: "project", ViewName: "missing"})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.e.EvaluateView(ctx, ViewQuery{Entity: "project", View: &metadata.View{
		Filters: []metadata.Filter{{Property: "ghost", Condition: metadata.CondEquals, Value: "x"}},
	}})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.e.EvaluateView(ctx, ViewQuery{Entity: "nope"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEvaluateView_PersonalViewsAndDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedProjects(t, f, ctx)

	_, err := f.e.SaveView(ctx, "project", metadata.View{
		Name: "mine", UserID: "u1", IsDefault: true,
		Filters: []metadata.Filter{{Property: "budget", Condition: metadata.CondLessThan, Value: 50.0}},
	})
	require.NoError(t, err)

	u1 := metadata.WithUser(ctx, &metadata.UserContext{ID: "u1", Roles: []string{"member"}})
	u2 := metadata.WithUser(ctx, &metadata.UserContext{ID: "u2", Roles: []string{"member"}})

	res, err := f.e.EvaluateView(u1, ViewQuery{Entity: "project"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalCount, "u1 gets their default view")

	res, err = f.e.EvaluateView(u2, ViewQuery{Entity: "project"})
	require.NoError(t, err)
	assert.Equal(t, 15, res.TotalCount)

	_, err = f.e.EvaluateView(u2, ViewQuery{Entity: "project", ViewName: "mine"})
	assert.True(t, errors.Is(err, ErrNotFound), "personal views are private")
}

func TestEvaluateView_IncludeRelated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "Apollo", 10)
	task := f.task(t, ctx, p.ID, "A", 1)

	res, err := f.e.EvaluateView(ctx, ViewQuery{Entity: "project", IncludeRelated: true})
	require.NoError(t, err)
	require.Contains(t, res.Related, p.ID)
	var taskIDs []string
	for _, g := range res.Related[p.ID] {
		if g.Entity == "task" {
			taskIDs = rowIDs(g.Rows)
		}
	}
	assert.Equal(t, []string{task.ID}, taskIDs)
}

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		name string
		kind record.Kind
		v    record.Value
		f    metadata.Filter
		want bool
	}{
		{"equals text", record.KindText, record.Text("Apollo"), metadata.Filter{Condition: metadata.CondEquals, Value: "Apollo"}, true},
		{"contains folds case", record.KindText, record.Text("Apollo"), metadata.Filter{Condition: metadata.CondContains, Value: "POL"}, true},
		{"starts with", record.KindText, record.Text("Apollo"), metadata.Filter{Condition: metadata.CondStartsWith, Value: "ap"}, true},
		{"greater than", record.KindNumber, record.Number(51), metadata.Filter{Condition: metadata.CondGreaterThan, Value: 50.0}, true},
		{"not greater", record.KindNumber, record.Number(50), metadata.Filter{Condition: metadata.CondGreaterThan, Value: 50.0}, false},
		{"unset is empty", record.KindNumber, record.Value{}, metadata.Filter{Condition: metadata.CondIsEmpty}, true},
		{"unset fails comparison", record.KindNumber, record.Value{}, metadata.Filter{Condition: metadata.CondLessThan, Value: 5.0}, false},
		{"in list", record.KindText, record.Text("b"), metadata.Filter{Condition: metadata.CondIn, Value: []any{"a", "b"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchFilter(tt.kind, tt.v, tt.f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

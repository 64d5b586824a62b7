package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

func TestSchemaEdits_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, ctx context.Context)
		edit    func(f *fixture, ctx context.Context) error
		want    error
	}{
		{
			name: "delete entity with rows",
			prepare: func(t *testing.T, f *fixture, ctx context.Context) {
				p := f.project(t, ctx, "Apollo", 10)
				f.task(t, ctx, p.ID, "Build", 5)
			},
			edit: func(f *fixture, ctx context.Context) error {
				return f.e.DeleteEntity(ctx, "task", false)
			},
			want: ErrEntityInUse,
		},
		{
			name: "delete property read by a formula",
			edit: func(f *fixture, ctx context.Context) error {
				_, err := f.e.DeleteProperty(ctx, "task", "cost", false)
				return err
			},
			want: ErrDependentFormula,
		},
		{
			name: "add self-referencing formula",
			edit: func(f *fixture, ctx context.Context) error {
				_, err := f.e.AddProperty(ctx, "task", metadata.Property{
					Name: "loop", Type: metadata.TypeFormula,
					Formula: numberFormula(`loop + 1`, metadata.TriggerOnUpdate),
				})
				return err
			},
			want: ErrCircularFormula,
		},
		{
			name: "update formula into a cycle",
			prepare: func(t *testing.T, f *fixture, ctx context.Context) {
				_, err := f.e.AddProperty(ctx, "task", metadata.Property{
					Name: "triple", Type: metadata.TypeFormula,
					Formula: numberFormula(`double * 1.5`, metadata.TriggerOnUpdate),
				})
				require.NoError(t, err)
			},
			edit: func(f *fixture, ctx context.Context) error {
				_, err := f.e.UpdateProperty(ctx, "task", metadata.Property{
					Name: "double", Type: metadata.TypeFormula,
					Formula: numberFormula(`triple / 3`, metadata.TriggerOnUpdate),
				})
				return err
			},
			want: ErrCircularFormula,
		},
		{
			name: "delete entity whose relationship feeds a formula elsewhere",
			edit: func(f *fixture, ctx context.Context) error {
				return f.e.DeleteEntity(ctx, "task", true)
			},
			want: ErrDependentFormula,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.prepare != nil {
				tt.prepare(t, f, ctx)
			}
			before, err := f.e.ListEntities(ctx)
			require.NoError(t, err)

			err = tt.edit(f, ctx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			after, err := f.e.ListEntities(ctx)
			require.NoError(t, err)
			assert.Equal(t, before, after, "a rejected edit leaves the schema unchanged")
		})
	}
}

func TestDeleteProperty_CascadeRemovesDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.AddProperty(ctx, "project", metadata.Property{
		Name: "overrun", Type: metadata.TypeFormula,
		Formula: numberFormula(`spent - budget`, metadata.TriggerOnUpdate),
	})
	require.NoError(t, err)
	p := f.project(t, ctx, "Apollo", 10)
	task := f.task(t, ctx, p.ID, "Build", 5)

	_, err = f.e.DeleteProperty(ctx, "task", "cost", true)
	require.NoError(t, err)

	tests := []struct {
		entity, property string
		kept             bool
	}{
		{"task", "cost", false},
		{"task", "double", false},
		{"project", "spent", false},
		{"project", "overrun", false},
		{"task", "label_number", true},
		{"project", "budget", true},
	}
	for _, tt := range tests {
		t.Run(tt.entity+"."+tt.property, func(t *testing.T) {
			ent, err := f.e.GetEntity(ctx, tt.entity)
			require.NoError(t, err)
			assert.Equal(t, tt.kept, ent.HasProperty(tt.property))
		})
	}

	row, err := f.e.GetRow(ctx, "task", task.ID)
	require.NoError(t, err)
	_, ok := row.Get("cost")
	assert.False(t, ok, "stored values of a deleted property are dropped")
	assert.NotContains(t, row.Computed, "double")
}

func TestDeleteEntity_CascadeDeletesRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Drop the cross-entity formula so the project entity can go.
	_, err := f.e.DeleteProperty(ctx, "project", "spent", false)
	require.NoError(t, err)

	p := f.project(t, ctx, "Apollo", 10)
	t1 := f.task(t, ctx, p.ID, "A", 1)
	t2 := f.task(t, ctx, p.ID, "B", 2)
	lead, err := f.e.CreateRow(ctx, RowInput{
		Entity:  "person",
		Values:  map[string]record.Value{"name": record.Text("Ada")},
		Parents: []ParentLink{{Relationship: "project_lead", ParentID: p.ID}},
	})
	require.NoError(t, err)

	require.NoError(t, f.e.DeleteEntity(ctx, "project", true))

	_, err = f.e.GetEntity(ctx, "project")
	assert.True(t, errors.Is(err, ErrNotFound))
	for _, id := range []string{t1.ID, t2.ID} {
		_, err := f.e.GetRow(ctx, "task", id)
		assert.True(t, errors.Is(err, ErrNotFound), "cascade child %s is deleted", id)
	}
	_, err = f.e.GetRow(ctx, "person", lead.ID)
	assert.NoError(t, err, "non-cascade children survive")
}

func TestDeleteEntity_CascadeBlockedByRequiredChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.DeleteProperty(ctx, "project", "spent", false)
	require.NoError(t, err)

	p := f.project(t, ctx, "Apollo", 10)
	task := f.task(t, ctx, p.ID, "A", 1)
	m, err := f.e.CreateRow(ctx, RowInput{
		Entity:  "milestone",
		Values:  map[string]record.Value{"title": record.Text("Launch")},
		Parents: []ParentLink{{Relationship: "project_milestone", ParentID: p.ID}},
	})
	require.NoError(t, err)

	err = f.e.DeleteEntity(ctx, "project", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequiredChildren))

	_, err = f.e.GetEntity(ctx, "project")
	assert.NoError(t, err)
	for _, r := range []struct{ entity, id string }{{"project", p.ID}, {"task", task.ID}, {"milestone", m.ID}} {
		_, err := f.e.GetRow(ctx, r.entity, r.id)
		assert.NoError(t, err, "%s survives a blocked delete", r.entity)
	}
}

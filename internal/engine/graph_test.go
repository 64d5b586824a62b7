package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/record"
)

func (f *fixture) person(t *testing.T, ctx context.Context, name string) *record.Row {
	t.Helper()
	row, err := f.e.CreateRow(ctx, RowInput{Entity: "person", Values: map[string]record.Value{"name": record.Text(name)}})
	require.NoError(t, err)
	return row
}

func rowIDs(rows []*record.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func TestLink_Cardinality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.project(t, ctx, "One", 1)
	p2 := f.project(t, ctx, "Two", 1)
	a := f.person(t, ctx, "Ada")
	b := f.person(t, ctx, "Bob")

	require.NoError(t, f.e.Link(ctx, "project_lead", p1.ID, a.ID))

	err := f.e.Link(ctx, "project_lead", p1.ID, b.ID)
	assert.True(t, errors.Is(err, ErrCardinality), "one-to-one parent already has a child")
	err = f.e.Link(ctx, "project_lead", p2.ID, a.ID)
	assert.True(t, errors.Is(err, ErrCardinality), "one-to-one child already has a parent")

	children, err := f.e.Children(ctx, "project_lead", p1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, rowIDs(children))

	parents, err := f.e.Parents(ctx, "project_lead", a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p1.ID}, rowIDs(parents))

	require.NoError(t, f.e.Unlink(ctx, "project_lead", p1.ID, a.ID))
	require.NoError(t, f.e.Link(ctx, "project_lead", p1.ID, b.ID))

	err = f.e.Unlink(ctx, "project_lead", p2.ID, a.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLink_WrongEntityAndMissingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "One", 1)

	err := f.e.Link(ctx, "project_lead", p.ID, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "child must be a person row")

	err = f.e.Link(ctx, "project_lead", p.ID, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = f.e.Link(ctx, "no_such_relationship", p.ID, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLink_ReadOnlyRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sponsor := f.person(t, ctx, "Sam")
	p := f.project(t, ctx, "One", 1)

	err := f.e.Link(ctx, "project_sponsor", sponsor.ID, p.ID)
	assert.True(t, errors.Is(err, ErrValidation), "read-only links are only set at creation")

	sponsored, err := f.e.CreateRow(ctx, RowInput{
		Entity:  "project",
		Values:  map[string]record.Value{"name": record.Text("Two")},
		Parents: []ParentLink{{Relationship: "project_sponsor", ParentID: sponsor.ID}},
	})
	require.NoError(t, err)

	err = f.e.Unlink(ctx, "project_sponsor", sponsor.ID, sponsored.ID)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestUnlink_RequiredLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "One", 1)
	task := f.task(t, ctx, p.ID, "A", 5)

	err := f.e.Unlink(ctx, "project_task", p.ID, task.ID)
	assert.True(t, errors.Is(err, ErrValidation))

	children, err := f.e.Children(ctx, "project_task", p.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestCreateRow_SingleParentCardinality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.project(t, ctx, "One", 1)
	p2 := f.project(t, ctx, "Two", 1)

	_, err := f.e.CreateRow(ctx, RowInput{
		Entity: "person",
		Values: map[string]record.Value{"name": record.Text("Ada")},
		Parents: []ParentLink{
			{Relationship: "project_lead", ParentID: p1.ID},
			{Relationship: "project_lead", ParentID: p2.ID},
		},
	})
	assert.True(t, errors.Is(err, ErrCardinality))
}

func TestChildren_LinkOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, ctx, "One", 1)
	c := f.task(t, ctx, p.ID, "C", 1)
	a := f.task(t, ctx, p.ID, "A", 1)
	b := f.task(t, ctx, p.ID, "B", 1)

	children, err := f.e.Children(ctx, "project_task", p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, rowIDs(children))
}

func TestRelatedRowsByEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sponsor := f.person(t, ctx, "Sam")
	p, err := f.e.CreateRow(ctx, RowInput{
		Entity:  "project",
		Values:  map[string]record.Value{"name": record.Text("One")},
		Parents: []ParentLink{{Relationship: "project_sponsor", ParentID: sponsor.ID}},
	})
	require.NoError(t, err)
	lead := f.person(t, ctx, "Lou")
	require.NoError(t, f.e.Link(ctx, "project_lead", p.ID, lead.ID))
	task := f.task(t, ctx, p.ID, "A", 1)

	groups, err := f.e.RelatedRowsByEntity(ctx, "project", p.ID)
	require.NoError(t, err)

	byEntity := make(map[string]RelatedGroup)
	for _, g := range groups {
		byEntity[g.Entity] = g
	}
	people := byEntity["person"]
	assert.ElementsMatch(t, []string{"project_lead", "project_sponsor"}, people.Relationships)
	assert.ElementsMatch(t, []string{sponsor.ID, lead.ID}, rowIDs(people.Rows))
	assert.Equal(t, []string{task.ID}, rowIDs(byEntity["task"].Rows))

	_, err = f.e.RelatedRowsByEntity(ctx, "project", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

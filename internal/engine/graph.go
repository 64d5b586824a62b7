package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// RelatedGroup is the set of rows of one concrete entity linked to a row,
// across every relationship connecting the two.
type RelatedGroup struct {
	Entity        string        `json:"entity"`
	Title         string        `json:"title"`
	Relationships []string      `json:"relationships"`
	Rows          []*record.Row `json:"rows"`
}

// rowFilter decides whether a row may be returned. The gate supplies one
// for reads; nil admits every row.
type rowFilter func(ctx context.Context, tx store.Tx, row *record.Row) (bool, error)

func (f rowFilter) apply(ctx context.Context, tx store.Tx, rows []*record.Row) ([]*record.Row, error) {
	if f == nil {
		return rows, nil
	}
	out := rows[:0:0]
	for _, r := range rows {
		ok, err := f(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) relationship(ctx context.Context, name string) (*metadata.Registry, *metadata.Relationship, error) {
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, nil, err
	}
	rel := reg.GetRelationship(name)
	if rel == nil {
		return nil, nil, NewAppError(CodeNotFound, 404, fmt.Sprintf("Unknown relationship: %s", name))
	}
	return reg, rel, nil
}

// Link associates two existing rows.
func (e *Engine) Link(ctx context.Context, relationship, parentID, childID string) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "graph", "link.create")
	defer span.End()
	span.SetMetadata("relationship", relationship)

	err := e.link(ctx, relationship, parentID, childID)
	finish(span, err)
	return err
}

func (e *Engine) link(ctx context.Context, relationship, parentID, childID string) error {
	reg, rel, err := e.relationship(ctx, relationship)
	if err != nil {
		return err
	}
	if rel.ReadOnly {
		return fieldError(rel.Name, "read_only", "links are only set when the child row is created")
	}
	return e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		if err := u.insertLink(rel, parentID, childID); err != nil {
			return err
		}
		u.linkChanged(rel, parentID, childID)
		return u.settle()
	})
}

// insertLink checks both ends and cardinality, then stores the link.
func (u *unit) insertLink(rel *metadata.Relationship, parentID, childID string) error {
	parent, err := u.entityRow(rel.Parent, parentID)
	if err != nil {
		return err
	}
	child, err := u.entityRow(rel.Child, childID)
	if err != nil {
		return err
	}
	if parent.TenantID != "" && child.TenantID != "" && parent.TenantID != child.TenantID {
		return fieldError(rel.Name, "tenant", "rows belong to different tenants")
	}

	if rel.SingleParent() {
		links, err := u.tx.Links(u.ctx, store.LinkQuery{Relationship: rel.Name, ChildID: childID})
		if err != nil {
			return err
		}
		if len(links) > 0 {
			return CardinalityError(rel.Name, "the child already has a parent")
		}
	}
	if rel.SingleChild() {
		links, err := u.tx.Links(u.ctx, store.LinkQuery{Relationship: rel.Name, ParentID: parentID})
		if err != nil {
			return err
		}
		if len(links) > 0 {
			return CardinalityError(rel.Name, "the parent already has a child")
		}
	}

	err = u.tx.InsertLink(u.ctx, record.Link{
		Relationship: rel.Name,
		ParentID:     parentID,
		ChildID:      childID,
		CreatedAt:    u.e.opts.Now().UTC(),
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		return CardinalityError(rel.Name, "the rows are already linked")
	}
	return err
}

// Unlink removes a link. The only link of a required relationship cannot
// be removed; delete the child instead.
func (e *Engine) Unlink(ctx context.Context, relationship, parentID, childID string) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "graph", "link.delete")
	defer span.End()
	span.SetMetadata("relationship", relationship)

	err := e.unlink(ctx, relationship, parentID, childID)
	finish(span, err)
	return err
}

func (e *Engine) unlink(ctx context.Context, relationship, parentID, childID string) error {
	reg, rel, err := e.relationship(ctx, relationship)
	if err != nil {
		return err
	}
	if rel.ReadOnly {
		return fieldError(rel.Name, "read_only", "links of a read-only relationship cannot be removed")
	}
	return e.repo.RunInTx(ctx, func(tx store.Tx) error {
		links, err := tx.Links(ctx, store.LinkQuery{Relationship: rel.Name, ChildID: childID})
		if err != nil {
			return err
		}
		found := false
		for _, l := range links {
			if l.ParentID == parentID {
				found = true
			}
		}
		if !found {
			return NewAppError(CodeNotFound, 404, fmt.Sprintf("%s link %s -> %s not found", rel.Name, parentID, childID))
		}
		if rel.Required && len(links) == 1 {
			return fieldError(rel.Name, "required", "the only link of a required relationship cannot be removed")
		}
		if err := tx.DeleteLink(ctx, rel.Name, parentID, childID); err != nil {
			return err
		}
		u := e.newUnit(ctx, tx, reg)
		u.linkChanged(rel, parentID, childID)
		return u.settle()
	})
}

// Children returns the child rows of a parent in link order.
func (e *Engine) Children(ctx context.Context, relationship, parentID string) ([]*record.Row, error) {
	return e.traverse(ctx, relationship, parentID, true, nil)
}

// Parents returns the parent rows of a child in the order they were linked.
func (e *Engine) Parents(ctx context.Context, relationship, childID string) ([]*record.Row, error) {
	return e.traverse(ctx, relationship, childID, false, nil)
}

func (e *Engine) traverse(ctx context.Context, relationship, id string, children bool, filter rowFilter) ([]*record.Row, error) {
	reg, rel, err := e.relationship(ctx, relationship)
	if err != nil {
		return nil, err
	}
	from := rel.Child
	if children {
		from = rel.Parent
	}
	var out []*record.Row
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		if _, err := u.entityRow(from, id); err != nil {
			return err
		}
		rows, err := u.related(rel, from, id)
		if err != nil {
			return err
		}
		out, err = filter.apply(ctx, tx, rows)
		return err
	})
	return out, err
}

// RelatedRowsByEntity groups every row linked to a row by the related
// entity, ordered by entity title. Groups built only from hidden-if-empty
// relationships are omitted when they have no rows.
func (e *Engine) RelatedRowsByEntity(ctx context.Context, entity, id string) ([]RelatedGroup, error) {
	return e.relatedRowsByEntity(ctx, entity, id, nil)
}

func (e *Engine) relatedRowsByEntity(ctx context.Context, entity, id string, filter rowFilter) ([]RelatedGroup, error) {
	reg, _, err := e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	var groups []RelatedGroup
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		if _, err := u.entityRow(entity, id); err != nil {
			return err
		}
		groups, err = u.relatedGroups(entity, id, filter)
		return err
	})
	return groups, err
}

func (u *unit) relatedGroups(entity, id string, filter rowFilter) ([]RelatedGroup, error) {
	type acc struct {
		group   RelatedGroup
		seen    map[string]bool
		visible bool
	}
	byEntity := make(map[string]*acc)

	collect := func(rel *metadata.Relationship) error {
		other := rel.Other(entity)
		rows, err := u.related(rel, entity, id)
		if err != nil {
			return err
		}
		rows, err = filter.apply(u.ctx, u.tx, rows)
		if err != nil {
			return err
		}
		a, ok := byEntity[other]
		if !ok {
			title := other
			if ent := u.reg.GetEntity(other); ent != nil {
				title = ent.Title()
			}
			a = &acc{group: RelatedGroup{Entity: other, Title: title, Rows: []*record.Row{}}, seen: map[string]bool{}}
			byEntity[other] = a
		}
		a.group.Relationships = append(a.group.Relationships, rel.Name)
		if len(rows) > 0 || !rel.HiddenIfEmpty {
			a.visible = true
		}
		for _, r := range rows {
			if !a.seen[r.ID] {
				a.seen[r.ID] = true
				a.group.Rows = append(a.group.Rows, r.Clone())
			}
		}
		return nil
	}

	for _, rel := range u.reg.ChildRelationships(entity) {
		if err := collect(rel); err != nil {
			return nil, err
		}
	}
	for _, rel := range u.reg.ParentRelationships(entity) {
		if err := collect(rel); err != nil {
			return nil, err
		}
	}

	var ents []*metadata.Entity
	for name, a := range byEntity {
		if !a.visible {
			continue
		}
		ent := u.reg.GetEntity(name)
		if ent == nil {
			ent = &metadata.Entity{Name: name}
		}
		ents = append(ents, ent)
	}
	sort.Slice(ents, func(i, j int) bool { return metadata.EntityTitleLess(ents[i], ents[j]) })

	groups := make([]RelatedGroup, 0, len(ents))
	for _, ent := range ents {
		groups = append(groups, byEntity[ent.Name].group)
	}
	return groups, nil
}

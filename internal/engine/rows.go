package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// ParentLink names a parent row the new row is linked under.
type ParentLink struct {
	Relationship string `json:"relationship"`
	ParentID     string `json:"parent_id"`
}

type RowInput struct {
	Entity  string
	Values  map[string]record.Value
	Parents []ParentLink
}

func finish(span instrument.Span, err error) {
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return
	}
	span.SetStatus("ok")
}

func callerID(ctx context.Context) string {
	if u := metadata.UserFrom(ctx); u != nil {
		return u.ID
	}
	return ""
}

// rowTenant is the entity's tenant, or the caller's for global entities.
func rowTenant(ctx context.Context, ent *metadata.Entity) string {
	if ent.TenantID != "" {
		return ent.TenantID
	}
	if u := metadata.UserFrom(ctx); u != nil {
		return u.TenantID
	}
	return ""
}

// CreateRow validates and inserts a row, links it under its parents and
// computes every formula, all in one transaction.
func (e *Engine) CreateRow(ctx context.Context, in RowInput) (*record.Row, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rows", "row.create")
	defer span.End()
	span.SetEntity(in.Entity, "")

	row, err := e.createRow(ctx, in)
	if row != nil {
		span.SetEntity(in.Entity, row.ID)
	}
	finish(span, err)
	return row, err
}

func (e *Engine) createRow(ctx context.Context, in RowInput) (*record.Row, error) {
	reg, ent, err := e.entity(ctx, in.Entity)
	if err != nil {
		return nil, err
	}
	values, err := prepareCreate(ent, in.Values)
	if err != nil {
		return nil, err
	}
	rels, err := checkParents(reg, ent, in.Parents)
	if err != nil {
		return nil, err
	}

	// Allocated outside the transaction: a failed create leaves a gap.
	folio, err := e.repo.NextFolio(ctx, ent.Name)
	if err != nil {
		return nil, fmt.Errorf("allocate folio for %s: %w", ent.Name, err)
	}

	now := e.opts.Now().UTC()
	row := &record.Row{
		ID:        uuid.NewString(),
		Entity:    ent.Name,
		TenantID:  rowTenant(ctx, ent),
		Folio:     folio,
		State:     ent.Workflow.DefaultState,
		CreatedBy: callerID(ctx),
		CreatedAt: now,
		UpdatedBy: callerID(ctx),
		UpdatedAt: now,
		Values:    values,
	}
	row.SearchText = searchText(ent, row)

	var created *record.Row
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		if err := tx.InsertRow(ctx, row); err != nil {
			return fmt.Errorf("insert %s row: %w", ent.Name, err)
		}
		working := row.Clone()
		u.put(working)

		for i, pl := range in.Parents {
			if err := u.insertLink(rels[i], pl.ParentID, working.ID); err != nil {
				return err
			}
		}
		if err := u.computeAll(ent, working); err != nil {
			return err
		}
		for i, pl := range in.Parents {
			u.linkChanged(rels[i], pl.ParentID, working.ID)
		}
		if err := u.settle(); err != nil {
			return err
		}
		created = working.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// checkParents resolves the requested parent links and enforces required
// relationships, which can only be satisfied at creation.
func checkParents(reg *metadata.Registry, ent *metadata.Entity, parents []ParentLink) ([]*metadata.Relationship, error) {
	rels := make([]*metadata.Relationship, len(parents))
	count := make(map[string]int)
	for i, pl := range parents {
		rel := reg.GetRelationship(pl.Relationship)
		if rel == nil {
			return nil, fieldError(pl.Relationship, "relationship", "unknown relationship")
		}
		if rel.Child != ent.Name {
			return nil, fieldError(rel.Name, "relationship", "%s rows are not children in %s", ent.Name, rel.Name)
		}
		if pl.ParentID == "" {
			return nil, fieldError(rel.Name, "required", "parent_id is required")
		}
		count[rel.Name]++
		if rel.SingleParent() && count[rel.Name] > 1 {
			return nil, CardinalityError(rel.Name, "a child may have only one parent")
		}
		rels[i] = rel
	}
	for _, rel := range reg.ParentRelationships(ent.Name) {
		if rel.Required && count[rel.Name] == 0 {
			return nil, fieldError(rel.Name, "required", "a parent link is required")
		}
	}
	return rels, nil
}

// GetRow returns a row with its computed cells.
func (e *Engine) GetRow(ctx context.Context, entity, id string) (*record.Row, error) {
	reg, _, err := e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	var row *record.Row
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		r, err := e.newUnit(ctx, tx, reg).entityRow(entity, id)
		row = r
		return err
	})
	return row, err
}

// SetValue writes one property. The unset Value clears it.
func (e *Engine) SetValue(ctx context.Context, entity, id, property string, v record.Value) (*record.Row, error) {
	return e.SetValues(ctx, entity, id, map[string]record.Value{property: v})
}

// SetValues writes several properties in one transaction and recomputes
// the formulas that depend on them.
func (e *Engine) SetValues(ctx context.Context, entity, id string, values map[string]record.Value) (*record.Row, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rows", "row.update")
	defer span.End()
	span.SetEntity(entity, id)

	row, err := e.setValues(ctx, entity, id, values)
	finish(span, err)
	return row, err
}

func (e *Engine) setValues(ctx context.Context, entity, id string, values map[string]record.Value) (*record.Row, error) {
	reg, ent, err := e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	if err := checkUpdate(ent, values); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var updated *record.Row
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		row, err := u.entityRow(entity, id)
		if err != nil {
			return err
		}
		changed := false
		for _, name := range names {
			v := values[name]
			if row.Values[name].Equal(v) {
				continue
			}
			row.Set(name, v)
			changed = true
			if err := u.valueChanged(row, name); err != nil {
				return err
			}
		}
		if changed {
			row.UpdatedAt = e.opts.Now().UTC()
			row.UpdatedBy = callerID(ctx)
			u.touch(row)
		}
		if err := u.settle(); err != nil {
			return err
		}
		updated = row.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRow removes a row and its cascade descendants in one transaction.
// Formulas on surviving rows that read through removed links are
// recomputed before commit.
func (e *Engine) DeleteRow(ctx context.Context, entity, id string) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rows", "row.delete")
	defer span.End()
	span.SetEntity(entity, id)

	err := e.deleteRow(ctx, entity, id)
	finish(span, err)
	return err
}

func (e *Engine) deleteRow(ctx context.Context, entity, id string) error {
	reg, _, err := e.entity(ctx, entity)
	if err != nil {
		return err
	}
	return e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		root, err := u.entityRow(entity, id)
		if err != nil {
			return err
		}
		if err := u.deleteCascade(root); err != nil {
			return err
		}
		return u.settle()
	})
}

// deleteCascade deletes root with its cascade descendants and schedules
// formulas that read through the links this severs.
func (u *unit) deleteCascade(root *record.Row) error {
	doomed, err := u.cascadeSet(root)
	if err != nil {
		return err
	}

	inSet := make(map[string]bool, len(doomed))
	for _, r := range doomed {
		inSet[r.ID] = true
	}
	var severed []record.Link
	for _, r := range doomed {
		links, err := u.tx.Links(u.ctx, store.LinkQuery{RowID: r.ID})
		if err != nil {
			return err
		}
		for _, l := range links {
			if inSet[l.ParentID] && inSet[l.ChildID] {
				continue
			}
			severed = append(severed, l)
		}
	}

	for _, r := range doomed {
		u.deleted[r.ID] = true
		if err := u.tx.DeleteRow(u.ctx, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete %s/%s: %w", r.Entity, r.ID, err)
		}
	}
	for _, l := range severed {
		if rel := u.reg.GetRelationship(l.Relationship); rel != nil {
			u.linkChanged(rel, l.ParentID, l.ChildID)
		}
	}
	return nil
}

// cascadeSet walks cascade relationships depth first from root and returns
// every row to delete. A required, non-cascading child outside the set
// blocks the delete.
func (u *unit) cascadeSet(root *record.Row) ([]*record.Row, error) {
	seen := make(map[string]bool)
	var order []*record.Row
	var visit func(r *record.Row) error
	visit = func(r *record.Row) error {
		if seen[r.ID] {
			return nil
		}
		seen[r.ID] = true
		order = append(order, r)
		for _, rel := range u.reg.ChildRelationships(r.Entity) {
			if !rel.Cascade {
				continue
			}
			children, err := u.related(rel, r.Entity, r.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}

	for _, r := range order {
		for _, rel := range u.reg.ChildRelationships(r.Entity) {
			if rel.Cascade || !rel.Required {
				continue
			}
			ids, err := u.relatedIDs(rel, r.Entity, r.ID)
			if err != nil {
				return nil, err
			}
			blocking := 0
			for _, id := range ids {
				if !seen[id] {
					blocking++
				}
			}
			if blocking > 0 {
				return nil, RequiredChildrenError(rel.Name, blocking)
			}
		}
	}
	return order, nil
}

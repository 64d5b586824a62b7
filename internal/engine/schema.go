package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/store"
)

// schemaEdit mutates a working copy of the committed schema. It runs inside
// the transaction so it can consult rows.
type schemaEdit func(tx store.Tx, s *metadata.Schema) error

// schemaApply persists an accepted schema. reg indexes the new schema.
type schemaApply func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error

// updateSchema edits, validates and persists the schema in one
// transaction, then invalidates the cache. It returns the new registry.
func (e *Engine) updateSchema(ctx context.Context, op string, edit schemaEdit, apply schemaApply) (*metadata.Registry, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "schema", op)
	defer span.End()

	var reg *metadata.Registry
	err := e.repo.RunInTx(ctx, func(tx store.Tx) error {
		s, err := tx.LoadSchema(ctx)
		if err != nil {
			return fmt.Errorf("load schema: %w", err)
		}
		if err := edit(tx, s); err != nil {
			return err
		}
		reg, err = metadata.BuildRegistry(s)
		if err != nil {
			return schemaError(err)
		}
		return apply(tx, s, reg)
	})
	finish(span, err)
	if err != nil {
		return nil, err
	}
	e.cache.Invalidate()
	log.Info().Str("op", op).Msg("schema updated")
	return reg, nil
}

func findEntity(s *metadata.Schema, name string) (*metadata.Entity, error) {
	ent := s.Entity(name)
	if ent == nil {
		return nil, UnknownEntityError(name)
	}
	return ent, nil
}

func saveEntities(ctx context.Context, tx store.Tx, s *metadata.Schema, names ...string) error {
	for _, name := range names {
		if err := tx.SaveEntity(ctx, s.Entity(name)); err != nil {
			return fmt.Errorf("save entity %s: %w", name, err)
		}
	}
	return nil
}

// GetEntity returns a copy of a visible entity definition.
func (e *Engine) GetEntity(ctx context.Context, name string) (*metadata.Entity, error) {
	_, ent, err := e.entity(ctx, name)
	if err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// ListEntities returns the entities visible to the caller.
func (e *Engine) ListEntities(ctx context.Context) ([]*metadata.Entity, error) {
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, err
	}
	ents := reg.AllEntities()
	if u := metadata.UserFrom(ctx); u != nil && !u.IsSuperUser() {
		ents = reg.EntitiesForTenant(u.TenantID)
	}
	out := make([]*metadata.Entity, len(ents))
	for i, ent := range ents {
		out[i] = ent.Clone()
	}
	return out, nil
}

func (e *Engine) CreateEntity(ctx context.Context, ent *metadata.Entity) (*metadata.Entity, error) {
	ent = ent.Clone()
	for i := range ent.Properties {
		if ent.Properties[i].Order == 0 {
			ent.Properties[i].Order = i + 1
		}
	}
	ent.Flags.HasWorkflow = len(ent.Workflow.States) > 0

	reg, err := e.updateSchema(ctx, "entity.create",
		func(tx store.Tx, s *metadata.Schema) error {
			if s.Entity(ent.Name) != nil {
				return ConflictError(fmt.Sprintf("Entity %s already exists", ent.Name))
			}
			s.Entities = append(s.Entities, ent)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return saveEntities(ctx, tx, s, ent.Name)
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(ent.Name).Clone(), nil
}

// UpdateEntity changes titles, flags, prefix, edit mode and description
// property. Properties, views, workflow and tenant are left as they are.
func (e *Engine) UpdateEntity(ctx context.Context, in *metadata.Entity) (*metadata.Entity, error) {
	var searchChanged bool
	reg, err := e.updateSchema(ctx, "entity.update",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, in.Name)
			if err != nil {
				return err
			}
			searchChanged = ent.Prefix != in.Prefix || ent.DescriptionProperty != in.DescriptionProperty
			ent.TitleSingular = in.TitleSingular
			ent.TitlePlural = in.TitlePlural
			ent.Prefix = in.Prefix
			ent.EditMode = in.EditMode
			ent.DescriptionProperty = in.DescriptionProperty
			hasWorkflow := ent.Flags.HasWorkflow
			ent.Flags = in.Flags
			ent.Flags.HasWorkflow = hasWorkflow
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			if err := saveEntities(ctx, tx, s, in.Name); err != nil {
				return err
			}
			if searchChanged {
				return e.refreshRows(ctx, tx, reg, in.Name, nil)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(in.Name).Clone(), nil
}

// DeleteEntity removes an entity. Rows block the delete unless cascade is
// set; formulas elsewhere reading through its relationships always block.
// With cascade every row is deleted the way DeleteRow deletes it, so cascade
// children in other entities go too and required children block.
func (e *Engine) DeleteEntity(ctx context.Context, name string, cascade bool) error {
	_, err := e.updateSchema(ctx, "entity.delete",
		func(tx store.Tx, s *metadata.Schema) error {
			if _, err := findEntity(s, name); err != nil {
				return err
			}
			rows, err := tx.CountRows(ctx, name)
			if err != nil {
				return err
			}
			if rows > 0 && !cascade {
				return EntityInUseError(name, rows)
			}
			var blocking []metadata.PropertyRef
			for _, rel := range s.Relationships {
				if !rel.Involves(name) {
					continue
				}
				deps, err := s.RelationshipDependents(rel.Name)
				if err != nil {
					return schemaError(err)
				}
				for _, d := range deps {
					if d.Entity != name {
						blocking = append(blocking, d)
					}
				}
			}
			if len(blocking) > 0 {
				return DependentFormulaError(name, blocking)
			}
			if rows > 0 {
				if err := e.purgeRows(ctx, tx, s, name); err != nil {
					return err
				}
			}
			s.RemoveEntity(name)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			if err := tx.DeleteEntity(ctx, name); err != nil {
				return fmt.Errorf("delete entity %s: %w", name, err)
			}
			return nil
		})
	return err
}

// purgeRows deletes every row of entity through the cascade path, using the
// schema as it stands before the entity is removed.
func (e *Engine) purgeRows(ctx context.Context, tx store.Tx, s *metadata.Schema, entity string) error {
	reg, err := metadata.BuildRegistry(s)
	if err != nil {
		return schemaError(err)
	}
	rows, err := tx.ListRows(ctx, entity)
	if err != nil {
		return fmt.Errorf("list %s rows: %w", entity, err)
	}
	u := e.newUnit(ctx, tx, reg)
	for _, r := range rows {
		root, err := u.row(r.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := u.deleteCascade(root); err != nil {
			return err
		}
	}
	return u.settle()
}

func (e *Engine) AddProperty(ctx context.Context, entity string, p metadata.Property) (*metadata.Entity, error) {
	reg, err := e.updateSchema(ctx, "property.create",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, entity)
			if err != nil {
				return err
			}
			if ent.HasProperty(p.Name) {
				return fieldError(p.Name, "unique", "%s already has a property named %s", entity, p.Name)
			}
			if p.Order == 0 {
				for _, q := range ent.Properties {
					if q.Order >= p.Order {
						p.Order = q.Order + 1
					}
				}
				if p.Order == 0 {
					p.Order = 1
				}
			}
			if p.Required && !p.IsFormula() && !p.DefaultValue().IsSet() {
				rows, err := tx.CountRows(ctx, entity)
				if err != nil {
					return err
				}
				if rows > 0 {
					return fieldError(p.Name, "required", "a required property added to %s needs a default while rows exist", entity)
				}
			}
			ent.Properties = append(ent.Properties, p)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			if err := saveEntities(ctx, tx, s, entity); err != nil {
				return err
			}
			return e.backfill(ctx, tx, reg, entity, p)
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(entity).Clone(), nil
}

// UpdateProperty replaces a property definition. The storage type cannot
// change while any row holds a value for it.
func (e *Engine) UpdateProperty(ctx context.Context, entity string, p metadata.Property) (*metadata.Entity, error) {
	var old metadata.Property
	reg, err := e.updateSchema(ctx, "property.update",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, entity)
			if err != nil {
				return err
			}
			cur := ent.GetProperty(p.Name)
			if cur == nil {
				return NewAppError(CodeNotFound, 404, fmt.Sprintf("%s has no property %s", entity, p.Name))
			}
			old = *cur
			if old.StorageKind() != p.StorageKind() && !old.IsFormula() {
				n, err := countValues(ctx, tx, entity, p.Name)
				if err != nil {
					return err
				}
				if n > 0 {
					return fieldError(p.Name, "type", "cannot change the type of %s while %d row(s) hold values", p.Name, n)
				}
			}
			if p.Required && !old.Required && !p.IsFormula() {
				rows, err := tx.ListRows(ctx, entity)
				if err != nil {
					return err
				}
				for _, r := range rows {
					if _, ok := r.Get(p.Name); !ok {
						return fieldError(p.Name, "required", "row %s has no value for %s", r.FolioLabel(ent.Prefix), p.Name)
					}
				}
			}
			if p.Order == 0 {
				p.Order = old.Order
			}
			*cur = p
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			if err := saveEntities(ctx, tx, s, entity); err != nil {
				return err
			}
			if p.IsFormula() {
				if old.IsFormula() && old.Formula != nil && p.Formula != nil && *old.Formula == *p.Formula {
					return nil
				}
				return e.backfill(ctx, tx, reg, entity, p)
			}
			if old.IsFormula() {
				// A formula turned into a stored property: drop its cells.
				if err := tx.DeleteProperty(ctx, entity, p.Name); err != nil {
					return err
				}
			}
			if old.IsDisplay != p.IsDisplay {
				return e.refreshRows(ctx, tx, reg, entity, nil)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(entity).Clone(), nil
}

func countValues(ctx context.Context, tx store.Tx, entity, property string) (int, error) {
	rows, err := tx.ListRows(ctx, entity)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if _, ok := r.Get(property); ok {
			n++
		}
	}
	return n, nil
}

// DeleteProperty removes a property. Formulas reading it block the delete
// unless cascade is set, in which case they are deleted too, transitively.
// Views and workflow effects referencing deleted properties are pruned.
func (e *Engine) DeleteProperty(ctx context.Context, entity, name string, cascade bool) (*metadata.Entity, error) {
	var removed []metadata.PropertyRef
	reg, err := e.updateSchema(ctx, "property.delete",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, entity)
			if err != nil {
				return err
			}
			if !ent.HasProperty(name) {
				return NewAppError(CodeNotFound, 404, fmt.Sprintf("%s has no property %s", entity, name))
			}
			removed, err = propertyClosure(s, metadata.PropertyRef{Entity: entity, Property: name}, cascade)
			if err != nil {
				return err
			}
			for _, ref := range removed {
				pruneProperty(s, ref)
			}
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			touched := make(map[string]bool)
			for _, ref := range removed {
				touched[ref.Entity] = true
			}
			names := make([]string, 0, len(touched))
			for n := range touched {
				names = append(names, n)
			}
			sort.Strings(names)
			if err := saveEntities(ctx, tx, s, names...); err != nil {
				return err
			}
			for _, rel := range s.Relationships {
				if touched[rel.Parent] || touched[rel.Child] {
					if err := tx.SaveRelationship(ctx, rel); err != nil {
						return err
					}
				}
			}
			for _, ref := range removed {
				if err := tx.DeleteProperty(ctx, ref.Entity, ref.Property); err != nil {
					return fmt.Errorf("delete %s values: %w", ref, err)
				}
			}
			for _, n := range names {
				if err := e.refreshRows(ctx, tx, reg, n, nil); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(entity).Clone(), nil
}

// propertyClosure returns root plus, with cascade, every formula that
// transitively reads it. Without cascade any dependent is an error.
func propertyClosure(s *metadata.Schema, root metadata.PropertyRef, cascade bool) ([]metadata.PropertyRef, error) {
	seen := map[metadata.PropertyRef]bool{root: true}
	out := []metadata.PropertyRef{root}
	for i := 0; i < len(out); i++ {
		deps, err := s.FormulaDependents(out[i].Entity, out[i].Property)
		if err != nil {
			return nil, schemaError(err)
		}
		var fresh []metadata.PropertyRef
		for _, d := range deps {
			if !seen[d] {
				fresh = append(fresh, d)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		if !cascade {
			return nil, DependentFormulaError(root.String(), fresh)
		}
		for _, d := range fresh {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out, nil
}

// pruneProperty removes a property and every reference to it from the
// schema: views, workflow effects, description and related views.
func pruneProperty(s *metadata.Schema, ref metadata.PropertyRef) {
	ent := s.Entity(ref.Entity)
	if ent == nil {
		return
	}
	props := ent.Properties[:0]
	for _, p := range ent.Properties {
		if p.Name != ref.Property {
			props = append(props, p)
		}
	}
	ent.Properties = props
	if ent.DescriptionProperty == ref.Property {
		ent.DescriptionProperty = ""
	}
	for i, v := range ent.Views {
		if v.References(ref.Property) {
			ent.Views[i] = v.WithoutProperty(ref.Property)
		}
	}
	for i := range ent.Workflow.Actions {
		a := &ent.Workflow.Actions[i]
		effects := a.Effects[:0]
		for _, eff := range a.Effects {
			if eff.Type == metadata.EffectSetValue && eff.Property == ref.Property {
				continue
			}
			effects = append(effects, eff)
		}
		a.Effects = effects
	}
}

// ReorderProperties puts the listed properties first in the given order;
// the rest keep their relative order after them.
func (e *Engine) ReorderProperties(ctx context.Context, entity string, names []string) (*metadata.Entity, error) {
	reg, err := e.updateSchema(ctx, "property.reorder",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, entity)
			if err != nil {
				return err
			}
			pos := make(map[string]int, len(names))
			var details []ErrorDetail
			for i, n := range names {
				if !ent.HasProperty(n) {
					details = append(details, ErrorDetail{Field: n, Rule: "unknown", Message: fmt.Sprintf("unknown property for %s", entity)})
					continue
				}
				if _, dup := pos[n]; dup {
					details = append(details, ErrorDetail{Field: n, Rule: "duplicate", Message: "listed twice"})
					continue
				}
				pos[n] = i
			}
			if len(details) > 0 {
				return ValidationError(details)
			}

			ordered := ent.OrderedProperties()
			sort.SliceStable(ordered, func(i, j int) bool {
				pi, iListed := pos[ordered[i].Name]
				pj, jListed := pos[ordered[j].Name]
				switch {
				case iListed && jListed:
					return pi < pj
				case iListed != jListed:
					return iListed
				}
				return false
			})
			for i := range ordered {
				ordered[i].Order = i + 1
			}
			ent.Properties = ordered
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return saveEntities(ctx, tx, s, entity)
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(entity).Clone(), nil
}

// ListRelationships returns relationships whose ends are both visible.
func (e *Engine) ListRelationships(ctx context.Context) ([]*metadata.Relationship, error) {
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, err
	}
	u := metadata.UserFrom(ctx)
	var out []*metadata.Relationship
	for _, rel := range reg.AllRelationships() {
		if u != nil && !u.IsSuperUser() {
			p, c := reg.GetEntity(rel.Parent), reg.GetEntity(rel.Child)
			if p == nil || c == nil || !p.VisibleTo(u.TenantID) || !c.VisibleTo(u.TenantID) {
				continue
			}
		}
		rc := *rel
		out = append(out, &rc)
	}
	return out, nil
}

func (e *Engine) CreateRelationship(ctx context.Context, rel *metadata.Relationship) (*metadata.Relationship, error) {
	rc := *rel
	reg, err := e.updateSchema(ctx, "relationship.create",
		func(tx store.Tx, s *metadata.Schema) error {
			if s.Relationship(rc.Name) != nil {
				return ConflictError(fmt.Sprintf("Relationship %s already exists", rc.Name))
			}
			s.Relationships = append(s.Relationships, &rc)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return tx.SaveRelationship(ctx, &rc)
		})
	if err != nil {
		return nil, err
	}
	out := *reg.GetRelationship(rc.Name)
	return &out, nil
}

// UpdateRelationship changes a relationship's rules. Parent and child are
// fixed; tightening cardinality or requiredness must hold for existing links.
func (e *Engine) UpdateRelationship(ctx context.Context, rel *metadata.Relationship) (*metadata.Relationship, error) {
	rc := *rel
	reg, err := e.updateSchema(ctx, "relationship.update",
		func(tx store.Tx, s *metadata.Schema) error {
			cur := s.Relationship(rc.Name)
			if cur == nil {
				return NewAppError(CodeNotFound, 404, fmt.Sprintf("Unknown relationship: %s", rc.Name))
			}
			if cur.Parent != rc.Parent || cur.Child != rc.Child {
				return fieldError(rc.Name, "immutable", "parent and child of a relationship cannot change")
			}
			if err := checkExistingLinks(ctx, tx, &rc); err != nil {
				return err
			}
			*cur = rc
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return tx.SaveRelationship(ctx, &rc)
		})
	if err != nil {
		return nil, err
	}
	out := *reg.GetRelationship(rc.Name)
	return &out, nil
}

func checkExistingLinks(ctx context.Context, tx store.Tx, rel *metadata.Relationship) error {
	links, err := tx.Links(ctx, store.LinkQuery{Relationship: rel.Name})
	if err != nil {
		return err
	}
	parents := make(map[string]int)
	children := make(map[string]int)
	for _, l := range links {
		parents[l.ChildID]++
		children[l.ParentID]++
	}
	if rel.SingleParent() {
		for _, n := range parents {
			if n > 1 {
				return CardinalityError(rel.Name, "existing rows have more than one parent")
			}
		}
	}
	if rel.SingleChild() {
		for _, n := range children {
			if n > 1 {
				return CardinalityError(rel.Name, "existing rows have more than one child")
			}
		}
	}
	if rel.Required {
		rows, err := tx.ListRows(ctx, rel.Child)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if parents[r.ID] == 0 {
				return fieldError(rel.Name, "required", "existing %s rows have no parent link", rel.Child)
			}
		}
	}
	return nil
}

// DeleteRelationship removes a relationship and its links. Formulas
// reading through it block the delete.
func (e *Engine) DeleteRelationship(ctx context.Context, name string) error {
	_, err := e.updateSchema(ctx, "relationship.delete",
		func(tx store.Tx, s *metadata.Schema) error {
			if s.Relationship(name) == nil {
				return NewAppError(CodeNotFound, 404, fmt.Sprintf("Unknown relationship: %s", name))
			}
			deps, err := s.RelationshipDependents(name)
			if err != nil {
				return schemaError(err)
			}
			if len(deps) > 0 {
				return DependentFormulaError(name, deps)
			}
			s.RemoveRelationship(name)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return tx.DeleteRelationship(ctx, name)
		})
	return err
}

// SaveView creates or replaces a view by name. A default view clears the
// default flag of the other views in its scope.
func (e *Engine) SaveView(ctx context.Context, entity string, v metadata.View) (*metadata.Entity, error) {
	reg, err := e.updateSchema(ctx, "view.save",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, entity)
			if err != nil {
				return err
			}
			if v.IsDefault {
				for i := range ent.Views {
					if ent.Views[i].Name != v.Name && ent.Views[i].Scope() == v.Scope() {
						ent.Views[i].IsDefault = false
					}
				}
			}
			for i := range ent.Views {
				if ent.Views[i].Name == v.Name {
					ent.Views[i] = v
					return nil
				}
			}
			ent.Views = append(ent.Views, v)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return saveEntities(ctx, tx, s, entity)
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(entity).Clone(), nil
}

// DeleteView removes a view and detaches relationships that display it.
func (e *Engine) DeleteView(ctx context.Context, entity, name string) (*metadata.Entity, error) {
	var detached []*metadata.Relationship
	reg, err := e.updateSchema(ctx, "view.delete",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, entity)
			if err != nil {
				return err
			}
			if ent.GetView(name) == nil {
				return NewAppError(CodeNotFound, 404, fmt.Sprintf("%s view %s not found", entity, name))
			}
			views := ent.Views[:0]
			for _, v := range ent.Views {
				if v.Name != name {
					views = append(views, v)
				}
			}
			ent.Views = views
			for _, rel := range s.Relationships {
				changed := false
				if rel.Parent == entity && rel.ParentView == name {
					rel.ParentView = ""
					changed = true
				}
				if rel.Child == entity && rel.ChildView == name {
					rel.ChildView = ""
					changed = true
				}
				if changed {
					detached = append(detached, rel)
				}
			}
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			for _, rel := range detached {
				if err := tx.SaveRelationship(ctx, rel); err != nil {
					return err
				}
			}
			return saveEntities(ctx, tx, s, entity)
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(entity).Clone(), nil
}

// SetWorkflow replaces an entity's states and actions. States still
// occupied by rows cannot be removed.
func (e *Engine) SetWorkflow(ctx context.Context, entity string, wf metadata.Workflow) (*metadata.Entity, error) {
	reg, err := e.updateSchema(ctx, "workflow.set",
		func(tx store.Tx, s *metadata.Schema) error {
			ent, err := findEntity(s, entity)
			if err != nil {
				return err
			}
			rows, err := tx.ListRows(ctx, entity)
			if err != nil {
				return err
			}
			occupied := make(map[string]int)
			for _, r := range rows {
				if r.State != metadata.NoState {
					occupied[r.State]++
				}
			}
			var details []ErrorDetail
			for state, n := range occupied {
				if wf.State(state) == nil {
					details = append(details, ErrorDetail{Field: state, Rule: "occupied", Message: fmt.Sprintf("%d row(s) are in this state", n)})
				}
			}
			if len(details) > 0 {
				sort.Slice(details, func(i, j int) bool { return details[i].Field < details[j].Field })
				return ValidationError(details)
			}
			ent.Workflow = wf
			ent.Flags.HasWorkflow = len(wf.States) > 0
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return saveEntities(ctx, tx, s, entity)
		})
	if err != nil {
		return nil, err
	}
	return reg.GetEntity(entity).Clone(), nil
}

func (e *Engine) GetPermissions(ctx context.Context, entity string) ([]*metadata.Permission, error) {
	reg, _, err := e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	out := []*metadata.Permission{}
	for _, p := range reg.Schema().Permissions {
		if p.Entity == entity {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetPermissions replaces every policy of an entity.
func (e *Engine) SetPermissions(ctx context.Context, entity string, perms []*metadata.Permission) ([]*metadata.Permission, error) {
	next := make([]*metadata.Permission, len(perms))
	for i, p := range perms {
		pc := *p
		pc.Entity = entity
		if pc.ID == "" {
			pc.ID = uuid.NewString()
		}
		if pc.Scope == "" {
			pc.Scope = metadata.ScopeAll
		}
		next[i] = &pc
	}
	_, err := e.updateSchema(ctx, "permissions.set",
		func(tx store.Tx, s *metadata.Schema) error {
			if _, err := findEntity(s, entity); err != nil {
				return err
			}
			kept := s.Permissions[:0]
			for _, p := range s.Permissions {
				if p.Entity != entity {
					kept = append(kept, p)
				}
			}
			s.Permissions = append(kept, next...)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			return tx.ReplacePermissions(ctx, entity, next)
		})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// GrantRow gives a user or role capabilities on one row.
func (e *Engine) GrantRow(ctx context.Context, g metadata.RowGrant) (*metadata.RowGrant, error) {
	reg, _, err := e.entity(ctx, g.Entity)
	if err != nil {
		return nil, err
	}
	if g.UserID == "" && g.Role == "" {
		return nil, fieldError("user_id", "required", "a grant needs a user or a role")
	}
	if len(g.Actions) == 0 {
		return nil, fieldError("actions", "required", "a grant needs at least one action")
	}
	for _, a := range g.Actions {
		switch a {
		case metadata.ActionRead, metadata.ActionUpdate, metadata.ActionDelete:
		default:
			return nil, fieldError("actions", "action", "unknown row action %q", a)
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := e.newUnit(ctx, tx, reg).entityRow(g.Entity, g.RowID); err != nil {
			return err
		}
		return tx.SaveGrant(ctx, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (e *Engine) RevokeRow(ctx context.Context, entity, grantID string) error {
	if _, _, err := e.entity(ctx, entity); err != nil {
		return err
	}
	return e.repo.RunInTx(ctx, func(tx store.Tx) error {
		grants, err := tx.Grants(ctx, entity)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if g.ID == grantID {
				return tx.DeleteGrant(ctx, grantID)
			}
		}
		return NewAppError(CodeNotFound, 404, fmt.Sprintf("Grant %s not found", grantID))
	})
}

// ImportSchema merges definitions into the committed schema: entities and
// relationships are added or replaced by name, and permissions replace the
// policies of every entity they mention.
func (e *Engine) ImportSchema(ctx context.Context, in *metadata.Schema) error {
	in = in.Clone()
	var changed []string
	_, err := e.updateSchema(ctx, "schema.import",
		func(tx store.Tx, s *metadata.Schema) error {
			for _, ent := range in.Entities {
				for i := range ent.Properties {
					if ent.Properties[i].Order == 0 {
						ent.Properties[i].Order = i + 1
					}
				}
				ent.Flags.HasWorkflow = len(ent.Workflow.States) > 0
				if cur := s.Entity(ent.Name); cur != nil {
					if err := checkTypeChanges(ctx, tx, cur, ent); err != nil {
						return err
					}
					*cur = *ent
				} else {
					s.Entities = append(s.Entities, ent)
				}
				changed = append(changed, ent.Name)
			}
			for _, rel := range in.Relationships {
				if cur := s.Relationship(rel.Name); cur != nil {
					if cur.Parent != rel.Parent || cur.Child != rel.Child {
						return fieldError(rel.Name, "immutable", "parent and child of a relationship cannot change")
					}
					*cur = *rel
				} else {
					s.Relationships = append(s.Relationships, rel)
				}
			}
			mentioned := make(map[string]bool)
			for _, p := range in.Permissions {
				mentioned[p.Entity] = true
				if p.ID == "" {
					p.ID = uuid.NewString()
				}
				if p.Scope == "" {
					p.Scope = metadata.ScopeAll
				}
			}
			kept := s.Permissions[:0]
			for _, p := range s.Permissions {
				if !mentioned[p.Entity] {
					kept = append(kept, p)
				}
			}
			s.Permissions = append(kept, in.Permissions...)
			return nil
		},
		func(tx store.Tx, s *metadata.Schema, reg *metadata.Registry) error {
			if err := saveEntities(ctx, tx, s, changed...); err != nil {
				return err
			}
			for _, rel := range in.Relationships {
				if err := tx.SaveRelationship(ctx, s.Relationship(rel.Name)); err != nil {
					return err
				}
			}
			byEntity := make(map[string][]*metadata.Permission)
			for _, p := range in.Permissions {
				byEntity[p.Entity] = append(byEntity[p.Entity], p)
			}
			for ent, perms := range byEntity {
				if err := tx.ReplacePermissions(ctx, ent, perms); err != nil {
					return err
				}
			}
			for _, name := range changed {
				if err := e.refreshRows(ctx, tx, reg, name, reg.GetEntity(name).FormulaProperties()); err != nil {
					return err
				}
			}
			return nil
		})
	return err
}

func checkTypeChanges(ctx context.Context, tx store.Tx, cur, next *metadata.Entity) error {
	for _, p := range next.Properties {
		old := cur.GetProperty(p.Name)
		if old == nil || old.IsFormula() || old.StorageKind() == p.StorageKind() {
			continue
		}
		n, err := countValues(ctx, tx, cur.Name, p.Name)
		if err != nil {
			return err
		}
		if n > 0 {
			return fieldError(cur.Name+"."+p.Name, "type", "cannot change the type of %s while %d row(s) hold values", p.Name, n)
		}
	}
	return nil
}

// backfill fills a new or changed property on existing rows: defaults for
// stored properties, computed cells for formulas.
func (e *Engine) backfill(ctx context.Context, tx store.Tx, reg *metadata.Registry, entity string, p metadata.Property) error {
	if p.IsFormula() {
		return e.refreshRows(ctx, tx, reg, entity, []*metadata.Property{&p})
	}
	dv := p.DefaultValue()
	if !dv.IsSet() {
		return nil
	}
	rows, err := tx.ListRows(ctx, entity)
	if err != nil {
		return err
	}
	u := e.newUnit(ctx, tx, reg)
	for _, r := range rows {
		if _, ok := r.Get(p.Name); ok {
			continue
		}
		u.put(r)
		r.Set(p.Name, dv)
		u.touch(r)
		if err := u.valueChanged(r, p.Name); err != nil {
			return err
		}
	}
	return u.settle()
}

// refreshRows recomputes the given formulas on every row of an entity and
// rewrites search text.
func (e *Engine) refreshRows(ctx context.Context, tx store.Tx, reg *metadata.Registry, entity string, formulas []*metadata.Property) error {
	rows, err := tx.ListRows(ctx, entity)
	if err != nil {
		return err
	}
	u := e.newUnit(ctx, tx, reg)
	for _, r := range rows {
		u.put(r)
		u.touch(r)
		for _, p := range formulas {
			u.enqueue(r.ID, p.Name)
		}
	}
	return u.settle()
}

// SaveFile records an uploaded media file.
func (e *Engine) SaveFile(ctx context.Context, f *store.File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = e.opts.Now().UTC().Truncate(time.Microsecond)
	}
	return e.repo.RunInTx(ctx, func(tx store.Tx) error {
		return tx.SaveFile(ctx, f)
	})
}

func (e *Engine) GetFile(ctx context.Context, id string) (*store.File, error) {
	var f *store.File
	err := e.repo.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		f, err = tx.GetFile(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewAppError(CodeNotFound, 404, fmt.Sprintf("File %s not found", id))
	}
	return f, err
}

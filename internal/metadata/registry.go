package metadata

import (
	"sort"
	"strings"
	"sync"
)

// FormulaRef points at a formula property that must be recomputed. Via is
// the relationship the dependency crosses, empty for same-row dependencies.
type FormulaRef struct {
	Entity   string
	Property string
	Via      string
}

type Registry struct {
	mu                        sync.RWMutex
	schema                    *Schema
	entities                  map[string]*Entity
	relationshipsByName       map[string]*Relationship
	relationshipsByParent     map[string][]*Relationship // keyed by parent entity name
	relationshipsByChild      map[string][]*Relationship // keyed by child entity name
	permissionsByEntityAction map[string][]*Permission   // keyed by "entity:action"
	formulaDeps               map[PropertyRef]*FormulaDeps
	dependents                map[PropertyRef][]FormulaRef // changed property -> formulas reading it
	linkDependents            map[string][]FormulaRef      // relationship -> formulas reading through it
}

func NewRegistry() *Registry {
	return &Registry{
		schema:                    &Schema{},
		entities:                  make(map[string]*Entity),
		relationshipsByName:       make(map[string]*Relationship),
		relationshipsByParent:     make(map[string][]*Relationship),
		relationshipsByChild:      make(map[string][]*Relationship),
		permissionsByEntityAction: make(map[string][]*Permission),
		formulaDeps:               make(map[PropertyRef]*FormulaDeps),
		dependents:                make(map[PropertyRef][]FormulaRef),
		linkDependents:            make(map[string][]FormulaRef),
	}
}

// BuildRegistry validates a schema and returns a registry over it.
func BuildRegistry(s *Schema) (*Registry, error) {
	r := NewRegistry()
	if err := r.Load(s); err != nil {
		return nil, err
	}
	return r, nil
}

// Load validates the schema and replaces every index. On error the
// registry is left unchanged.
func (r *Registry) Load(s *Schema) error {
	deps, err := Validate(s)
	if err != nil {
		return err
	}

	entities := make(map[string]*Entity, len(s.Entities))
	for _, e := range s.Entities {
		entities[e.Name] = e
	}

	byName := make(map[string]*Relationship, len(s.Relationships))
	byParent := make(map[string][]*Relationship)
	byChild := make(map[string][]*Relationship)
	for _, rel := range s.Relationships {
		byName[rel.Name] = rel
		byParent[rel.Parent] = append(byParent[rel.Parent], rel)
		byChild[rel.Child] = append(byChild[rel.Child], rel)
	}
	for _, rels := range byParent {
		sortRelationships(rels)
	}
	for _, rels := range byChild {
		sortRelationships(rels)
	}

	perms := make(map[string][]*Permission)
	for _, p := range s.Permissions {
		key := p.Entity + ":" + p.Action
		perms[key] = append(perms[key], p)
	}

	dependents, linkDependents := buildDependencyIndex(s, deps)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schema = s
	r.entities = entities
	r.relationshipsByName = byName
	r.relationshipsByParent = byParent
	r.relationshipsByChild = byChild
	r.permissionsByEntityAction = perms
	r.formulaDeps = deps
	r.dependents = dependents
	r.linkDependents = linkDependents
	return nil
}

// buildDependencyIndex inverts formula dependencies so a change to one
// property only touches the formulas that read it.
func buildDependencyIndex(s *Schema, deps map[PropertyRef]*FormulaDeps) (map[PropertyRef][]FormulaRef, map[string][]FormulaRef) {
	dependents := make(map[PropertyRef][]FormulaRef)
	linkDependents := make(map[string][]FormulaRef)

	refs := make([]PropertyRef, 0, len(deps))
	for ref := range deps {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })

	for _, ref := range refs {
		d := deps[ref]
		for _, name := range d.Own {
			key := PropertyRef{Entity: ref.Entity, Property: name}
			dependents[key] = append(dependents[key], FormulaRef{Entity: ref.Entity, Property: ref.Property})
		}
		seenRel := map[string]bool{}
		for _, rr := range d.Related {
			rel := s.Relationship(rr.Relationship)
			fr := FormulaRef{Entity: ref.Entity, Property: ref.Property, Via: rel.Name}
			if rr.Property != "" {
				key := PropertyRef{Entity: rel.Other(ref.Entity), Property: rr.Property}
				dependents[key] = appendUnique(dependents[key], fr)
			}
			if !seenRel[rel.Name] {
				seenRel[rel.Name] = true
				linkDependents[rel.Name] = append(linkDependents[rel.Name], fr)
			}
		}
	}
	return dependents, linkDependents
}

func appendUnique(list []FormulaRef, fr FormulaRef) []FormulaRef {
	for _, existing := range list {
		if existing == fr {
			return list
		}
	}
	return append(list, fr)
}

func sortRelationships(rels []*Relationship) {
	sort.SliceStable(rels, func(i, j int) bool {
		if rels[i].Order != rels[j].Order {
			return rels[i].Order < rels[j].Order
		}
		return rels[i].Name < rels[j].Name
	})
}

// Schema returns a deep copy of the loaded schema for editing.
func (r *Registry) Schema() *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schema.Clone()
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities sorted by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// EntitiesForTenant returns global entities plus those owned by tenantID.
func (r *Registry) EntitiesForTenant(tenantID string) []*Entity {
	var out []*Entity
	for _, e := range r.AllEntities() {
		if e.VisibleTo(tenantID) {
			out = append(out, e)
		}
	}
	return out
}

// GetRelationship returns a relationship by name, or nil.
func (r *Registry) GetRelationship(name string) *Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationshipsByName[name]
}

// AllRelationships returns all relationships sorted by name.
func (r *Registry) AllRelationships() []*Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rels := make([]*Relationship, 0, len(r.relationshipsByName))
	for _, rel := range r.relationshipsByName {
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })
	return rels
}

// ChildRelationships returns relationships where entity is the parent.
func (r *Registry) ChildRelationships(entity string) []*Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationshipsByParent[entity]
}

// ParentRelationships returns relationships where entity is the child.
func (r *Registry) ParentRelationships(entity string) []*Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationshipsByChild[entity]
}

// GetPermissions returns all permissions for an entity + action pair.
func (r *Registry) GetPermissions(entity, action string) []*Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.permissionsByEntityAction[entity+":"+action]
}

// FormulaDeps returns the analyzed dependencies of a formula property.
func (r *Registry) FormulaDeps(entity, property string) *FormulaDeps {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.formulaDeps[PropertyRef{Entity: entity, Property: property}]
}

// Dependents returns the formulas that read entity.property, directly or
// through a relationship.
func (r *Registry) Dependents(entity, property string) []FormulaRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependents[PropertyRef{Entity: entity, Property: property}]
}

// LinkDependents returns the formulas that read through a relationship and
// so change when links are added or removed.
func (r *Registry) LinkDependents(relationship string) []FormulaRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.linkDependents[relationship]
}

// EntityTitleLess orders entities by display title, case-insensitively,
// falling back to the name.
func EntityTitleLess(a, b *Entity) bool {
	ta, tb := strings.ToLower(a.Title()), strings.ToLower(b.Title())
	if ta != tb {
		return ta < tb
	}
	return a.Name < b.Name
}

package metadata

import "sort"

// Schema is the full set of definitions a Registry is built from.
type Schema struct {
	Entities      []*Entity       `json:"entities" yaml:"entities"`
	Relationships []*Relationship `json:"relationships" yaml:"relationships"`
	Permissions   []*Permission   `json:"permissions" yaml:"permissions"`
}

// PropertyRef identifies a property across entities.
type PropertyRef struct {
	Entity   string
	Property string
}

func (r PropertyRef) String() string {
	return r.Entity + "." + r.Property
}

// Entity returns the named entity, or nil.
func (s *Schema) Entity(name string) *Entity {
	for _, e := range s.Entities {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Relationship returns the named relationship, or nil.
func (s *Schema) Relationship(name string) *Relationship {
	for _, r := range s.Relationships {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// RemoveEntity drops an entity and every relationship and permission
// that mentions it.
func (s *Schema) RemoveEntity(name string) {
	entities := s.Entities[:0]
	for _, e := range s.Entities {
		if e.Name != name {
			entities = append(entities, e)
		}
	}
	s.Entities = entities

	rels := s.Relationships[:0]
	for _, r := range s.Relationships {
		if !r.Involves(name) {
			rels = append(rels, r)
		}
	}
	s.Relationships = rels

	perms := s.Permissions[:0]
	for _, p := range s.Permissions {
		if p.Entity != name {
			perms = append(perms, p)
		}
	}
	s.Permissions = perms
}

// RemoveRelationship drops the named relationship.
func (s *Schema) RemoveRelationship(name string) {
	rels := s.Relationships[:0]
	for _, r := range s.Relationships {
		if r.Name != name {
			rels = append(rels, r)
		}
	}
	s.Relationships = rels
}

// Clone returns a deep copy that can be edited without touching s.
func (s *Schema) Clone() *Schema {
	c := &Schema{
		Entities:      make([]*Entity, len(s.Entities)),
		Relationships: make([]*Relationship, len(s.Relationships)),
		Permissions:   make([]*Permission, len(s.Permissions)),
	}
	for i, e := range s.Entities {
		c.Entities[i] = e.Clone()
	}
	for i, r := range s.Relationships {
		rc := *r
		c.Relationships[i] = &rc
	}
	for i, p := range s.Permissions {
		pc := *p
		pc.Roles = append([]string(nil), p.Roles...)
		pc.Conditions = append([]PermissionCondition(nil), p.Conditions...)
		c.Permissions[i] = &pc
	}
	return c
}

// FormulaDependents returns every formula that reads the given property,
// either on its own entity or through a relationship.
func (s *Schema) FormulaDependents(entity, property string) ([]PropertyRef, error) {
	var out []PropertyRef
	for _, e := range s.Entities {
		for _, p := range e.FormulaProperties() {
			if p.Formula == nil {
				continue
			}
			deps, err := AnalyzeFormula(p.Formula.Expression)
			if err != nil {
				return nil, invalid(e.Name+"."+p.Name, "%v", err)
			}
			if e.Name == entity && containsString(deps.Own, property) {
				out = append(out, PropertyRef{Entity: e.Name, Property: p.Name})
				continue
			}
			for _, ref := range deps.Related {
				rel := s.Relationship(ref.Relationship)
				if rel == nil || !rel.Involves(e.Name) {
					continue
				}
				if rel.Other(e.Name) == entity && ref.Property == property {
					out = append(out, PropertyRef{Entity: e.Name, Property: p.Name})
					break
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// RelationshipDependents returns every formula that reads through the
// named relationship.
func (s *Schema) RelationshipDependents(relationship string) ([]PropertyRef, error) {
	var out []PropertyRef
	for _, e := range s.Entities {
		for _, p := range e.FormulaProperties() {
			if p.Formula == nil {
				continue
			}
			deps, err := AnalyzeFormula(p.Formula.Expression)
			if err != nil {
				return nil, invalid(e.Name+"."+p.Name, "%v", err)
			}
			for _, ref := range deps.Related {
				if ref.Relationship == relationship {
					out = append(out, PropertyRef{Entity: e.Name, Property: p.Name})
					break
				}
			}
		}
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

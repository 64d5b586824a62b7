package metadata

type Cardinality string

const (
	OneToMany  Cardinality = "one_to_many"
	OneToOne   Cardinality = "one_to_one"
	ManyToOne  Cardinality = "many_to_one"
	ManyToMany Cardinality = "many_to_many"
)

// Relationship is a directed edge type between a parent and a child entity.
type Relationship struct {
	Name          string      `json:"name" yaml:"name"`
	Title         string      `json:"title,omitempty" yaml:"title"`
	Parent        string      `json:"parent" yaml:"parent"`
	Child         string      `json:"child" yaml:"child"`
	Type          Cardinality `json:"type" yaml:"type"`
	Required      bool        `json:"required,omitempty" yaml:"required"`  // child cannot exist without a parent link
	Cascade       bool        `json:"cascade,omitempty" yaml:"cascade"`    // deleting the parent deletes children
	ReadOnly      bool        `json:"read_only,omitempty" yaml:"read_only"` // links only set at child creation
	HiddenIfEmpty bool        `json:"hidden_if_empty,omitempty" yaml:"hidden_if_empty"`
	ParentView    string      `json:"parent_view,omitempty" yaml:"parent_view"`
	ChildView     string      `json:"child_view,omitempty" yaml:"child_view"`
	Order         int         `json:"order" yaml:"order"`
}

// SingleParent reports whether a child may have at most one parent link.
func (r *Relationship) SingleParent() bool {
	return r.Type == OneToOne || r.Type == ManyToOne
}

// SingleChild reports whether a parent may have at most one child link.
func (r *Relationship) SingleChild() bool {
	return r.Type == OneToOne
}

// Involves reports whether the entity is either end of the relationship.
func (r *Relationship) Involves(entity string) bool {
	return r.Parent == entity || r.Child == entity
}

// Other returns the entity at the opposite end from the given one.
func (r *Relationship) Other(entity string) string {
	if r.Parent == entity {
		return r.Child
	}
	return r.Parent
}

func knownCardinality(c Cardinality) bool {
	switch c {
	case OneToMany, OneToOne, ManyToOne, ManyToMany:
		return true
	}
	return false
}

package metadata

import "sort"

// EditMode controls whether the overview of a row is editable in place.
type EditMode string

const (
	EditModeOverview EditMode = "overview_always_editable"
	EditModeExplicit EditMode = "explicit"
)

type EntityFlags struct {
	HasWorkflow bool `json:"has_workflow" yaml:"has_workflow"`
	HasTags     bool `json:"has_tags" yaml:"has_tags"`
	HasTasks    bool `json:"has_tasks" yaml:"has_tasks"`
	HasComments bool `json:"has_comments" yaml:"has_comments"`
	HasActivity bool `json:"has_activity" yaml:"has_activity"`
	HasAPI      bool `json:"has_api" yaml:"has_api"`
}

type Entity struct {
	Name                string      `json:"name" yaml:"name"`
	TitleSingular       string      `json:"title_singular" yaml:"title_singular"`
	TitlePlural         string      `json:"title_plural" yaml:"title_plural"`
	TenantID            string      `json:"tenant_id,omitempty" yaml:"tenant_id"` // empty = global
	Prefix              string      `json:"prefix,omitempty" yaml:"prefix"`       // folio label prefix, e.g. PRJ
	Flags               EntityFlags `json:"flags" yaml:"flags"`
	EditMode            EditMode    `json:"edit_mode,omitempty" yaml:"edit_mode"`
	DescriptionProperty string      `json:"description_property,omitempty" yaml:"description_property"`
	Properties          []Property  `json:"properties" yaml:"properties"`
	Views               []View      `json:"views,omitempty" yaml:"views"`
	Workflow            Workflow    `json:"workflow" yaml:"workflow"`
}

// IsGlobal reports whether the entity is shared by all tenants.
func (e *Entity) IsGlobal() bool {
	return e.TenantID == ""
}

// VisibleTo reports whether a tenant can see the entity.
func (e *Entity) VisibleTo(tenantID string) bool {
	return e.TenantID == "" || e.TenantID == tenantID
}

// Title returns the singular display title, falling back to the name.
func (e *Entity) Title() string {
	if e.TitleSingular != "" {
		return e.TitleSingular
	}
	return e.Name
}

// GetProperty returns a pointer to the property with the given name, or nil.
func (e *Entity) GetProperty(name string) *Property {
	for i := range e.Properties {
		if e.Properties[i].Name == name {
			return &e.Properties[i]
		}
	}
	return nil
}

// HasProperty returns true if the entity has a property with the given name.
func (e *Entity) HasProperty(name string) bool {
	return e.GetProperty(name) != nil
}

// PropertyNames returns all property names in display order.
func (e *Entity) PropertyNames() []string {
	props := e.OrderedProperties()
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Name
	}
	return names
}

// OrderedProperties returns the properties sorted by ordering index.
// Ties keep insertion order.
func (e *Entity) OrderedProperties() []Property {
	props := make([]Property, len(e.Properties))
	copy(props, e.Properties)
	sort.SliceStable(props, func(i, j int) bool {
		return props[i].Order < props[j].Order
	})
	return props
}

// DisplayProperty returns the title source, or nil when the folio is used.
func (e *Entity) DisplayProperty() *Property {
	for i := range e.Properties {
		if e.Properties[i].IsDisplay {
			return &e.Properties[i]
		}
	}
	return nil
}

// FormulaProperties returns every formula-typed property.
func (e *Entity) FormulaProperties() []*Property {
	var out []*Property
	for i := range e.Properties {
		if e.Properties[i].IsFormula() {
			out = append(out, &e.Properties[i])
		}
	}
	return out
}

// GetView returns the named view, or nil.
func (e *Entity) GetView(name string) *View {
	for i := range e.Views {
		if e.Views[i].Name == name {
			return &e.Views[i]
		}
	}
	return nil
}

// Clone returns a deep copy suitable for building a candidate schema.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Properties = make([]Property, len(e.Properties))
	for i, p := range e.Properties {
		c.Properties[i] = p.clone()
	}
	c.Views = make([]View, len(e.Views))
	for i, v := range e.Views {
		c.Views[i] = v.clone()
	}
	c.Workflow = e.Workflow.clone()
	return &c
}

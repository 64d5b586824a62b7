package metadata

// Condition is a filter operator matched against typed storage.
type Condition string

const (
	CondEquals         Condition = "equals"
	CondNotEquals      Condition = "not_equals"
	CondContains       Condition = "contains"
	CondNotContains    Condition = "not_contains"
	CondStartsWith     Condition = "starts_with"
	CondEndsWith       Condition = "ends_with"
	CondGreaterThan    Condition = "greater_than"
	CondGreaterOrEqual Condition = "greater_or_equal"
	CondLessThan       Condition = "less_than"
	CondLessOrEqual    Condition = "less_or_equal"
	CondIsEmpty        Condition = "is_empty"
	CondIsNotEmpty     Condition = "is_not_empty"
	CondIn             Condition = "in"
)

var knownConditions = map[Condition]bool{
	CondEquals: true, CondNotEquals: true, CondContains: true, CondNotContains: true,
	CondStartsWith: true, CondEndsWith: true, CondGreaterThan: true, CondGreaterOrEqual: true,
	CondLessThan: true, CondLessOrEqual: true, CondIsEmpty: true, CondIsNotEmpty: true, CondIn: true,
}

// KnownCondition reports whether c is a supported filter operator.
func KnownCondition(c Condition) bool {
	return knownConditions[c]
}

type Filter struct {
	Property  string    `json:"property" yaml:"property"`
	Condition Condition `json:"condition" yaml:"condition"`
	Value     any       `json:"value,omitempty" yaml:"value"`
}

type SortKey struct {
	Property  string `json:"property" yaml:"property"`
	Ascending bool   `json:"ascending" yaml:"ascending"`
}

// View is a saved query over an entity. TenantID and UserID narrow its
// scope; both empty with IsSystem set means it applies to every tenant.
type View struct {
	Name      string    `json:"name" yaml:"name"`
	Title     string    `json:"title,omitempty" yaml:"title"`
	TenantID  string    `json:"tenant_id,omitempty" yaml:"tenant_id"`
	UserID    string    `json:"user_id,omitempty" yaml:"user_id"`
	IsSystem  bool      `json:"is_system,omitempty" yaml:"is_system"`
	IsDefault bool      `json:"is_default,omitempty" yaml:"is_default"`
	Layout    string    `json:"layout,omitempty" yaml:"layout"` // table, board, ...
	Columns   []string  `json:"columns,omitempty" yaml:"columns"`
	Filters   []Filter  `json:"filters,omitempty" yaml:"filters"`
	Sort      []SortKey `json:"sort,omitempty" yaml:"sort"`
	PageSize  int       `json:"page_size,omitempty" yaml:"page_size"`
}

// ViewScope is the (tenant, user) pair a default view is unique within.
type ViewScope struct {
	TenantID string
	UserID   string
}

func (v View) Scope() ViewScope {
	return ViewScope{TenantID: v.TenantID, UserID: v.UserID}
}

// References reports whether the view mentions the property anywhere.
func (v View) References(property string) bool {
	for _, c := range v.Columns {
		if c == property {
			return true
		}
	}
	for _, f := range v.Filters {
		if f.Property == property {
			return true
		}
	}
	for _, s := range v.Sort {
		if s.Property == property {
			return true
		}
	}
	return false
}

// WithoutProperty returns a copy with every reference to property removed.
func (v View) WithoutProperty(property string) View {
	c := v.clone()
	c.Columns = c.Columns[:0]
	for _, col := range v.Columns {
		if col != property {
			c.Columns = append(c.Columns, col)
		}
	}
	c.Filters = c.Filters[:0]
	for _, f := range v.Filters {
		if f.Property != property {
			c.Filters = append(c.Filters, f)
		}
	}
	c.Sort = c.Sort[:0]
	for _, s := range v.Sort {
		if s.Property != property {
			c.Sort = append(c.Sort, s)
		}
	}
	return c
}

// SelectView picks the default view for a caller: user scope first, then
// tenant scope, then system defaults. Returns nil when none is marked default.
func SelectView(views []View, tenantID, userID string) *View {
	var tenantDefault, systemDefault *View
	for i := range views {
		v := &views[i]
		if !v.IsDefault {
			continue
		}
		switch {
		case v.UserID != "" && v.UserID == userID && (v.TenantID == "" || v.TenantID == tenantID):
			return v
		case v.UserID == "" && v.TenantID != "" && v.TenantID == tenantID:
			tenantDefault = v
		case v.UserID == "" && v.TenantID == "":
			systemDefault = v
		}
	}
	if tenantDefault != nil {
		return tenantDefault
	}
	return systemDefault
}

// VisibleTo reports whether the view can be used by the caller.
func (v View) VisibleTo(tenantID, userID string) bool {
	if v.TenantID != "" && v.TenantID != tenantID {
		return false
	}
	if v.UserID != "" && v.UserID != userID {
		return false
	}
	return true
}

func (v View) clone() View {
	c := v
	c.Columns = append([]string(nil), v.Columns...)
	c.Filters = append([]Filter(nil), v.Filters...)
	c.Sort = append([]SortKey(nil), v.Sort...)
	return c
}

package metadata

// Capabilities checked by the permission gate.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Row scopes of a permission policy.
const (
	ScopeAll = "all"
	ScopeOwn = "own" // only rows the caller created
)

// Permission grants roles a capability on an entity. Conditions further
// restrict which rows the grant covers.
type Permission struct {
	ID         string                `json:"id,omitempty" yaml:"id"`
	Entity     string                `json:"entity" yaml:"entity"`
	Action     string                `json:"action" yaml:"action"`
	Roles      []string              `json:"roles" yaml:"roles"`
	Scope      string                `json:"scope,omitempty" yaml:"scope"`
	Conditions []PermissionCondition `json:"conditions,omitempty" yaml:"conditions"`
}

// PermissionCondition is a property-level condition for a permission policy.
type PermissionCondition struct {
	Property string `json:"property" yaml:"property"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// RowGrant is an explicit grant on a single row to a user or a role.
type RowGrant struct {
	ID      string   `json:"id"`
	Entity  string   `json:"entity"`
	RowID   string   `json:"row_id"`
	UserID  string   `json:"user_id,omitempty"`
	Role    string   `json:"role,omitempty"`
	Actions []string `json:"actions"`
}

// Allows reports whether the grant covers the user and action.
func (g RowGrant) Allows(user *UserContext, action string) bool {
	if g.UserID != "" && g.UserID != user.ID {
		return false
	}
	if g.Role != "" && !user.HasRole(g.Role) {
		return false
	}
	if g.UserID == "" && g.Role == "" {
		return false
	}
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}

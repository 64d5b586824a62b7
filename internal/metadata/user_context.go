package metadata

import (
	"context"
	"strings"
)

// UserContext represents the authenticated caller, set by auth middleware.
type UserContext struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	Roles     []string `json:"roles"`
	SuperUser bool     `json:"super_user,omitempty"`
}

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the user administers their tenant.
func (u *UserContext) IsAdmin() bool {
	return u.SuperUser || u.HasRole("admin")
}

// IsSuperUser checks for the platform-wide override.
func (u *UserContext) IsSuperUser() bool {
	return u.SuperUser
}

type userKey struct{}

// WithUser attaches the caller to ctx.
func WithUser(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the caller attached to ctx, or nil.
func UserFrom(ctx context.Context) *UserContext {
	u, _ := ctx.Value(userKey{}).(*UserContext)
	return u
}

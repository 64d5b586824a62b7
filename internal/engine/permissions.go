package engine

import (
	"fmt"
	"strings"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

// CheckPermission verifies that the user may perform action on the entity
// and, when row is given, on that row. An entity-level role match is always
// required; row grants only widen which rows a matched role reaches.
// Returns nil if allowed, or an UNAUTHORIZED/NOT_FOUND/FORBIDDEN AppError.
func CheckPermission(user *metadata.UserContext, ent *metadata.Entity, action string, reg *metadata.Registry, row *record.Row, grants []metadata.RowGrant) error {
	if user == nil {
		return UnauthorizedError()
	}
	if user.IsSuperUser() {
		return nil
	}
	if !ent.VisibleTo(user.TenantID) {
		return UnknownEntityError(ent.Name)
	}
	if row != nil && row.TenantID != "" && row.TenantID != user.TenantID {
		return ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", action, ent.Name))
	}

	// Tenant admins hold every capability inside their tenant.
	if user.HasRole("admin") {
		return nil
	}

	policies := reg.GetPermissions(ent.Name, action)
	matched := false
	for _, p := range policies {
		if !hasRoleIntersection(user.Roles, p.Roles) {
			continue
		}
		matched = true
		if row == nil || policyCovers(p, user, row) {
			return nil
		}
	}
	if !matched {
		return ForbiddenError(fmt.Sprintf("No permission for %s on %s", action, ent.Name))
	}

	for _, g := range grants {
		if g.RowID == row.ID && g.Allows(user, action) {
			return nil
		}
	}
	return ForbiddenError(fmt.Sprintf("Permission denied for %s on %s %s", action, ent.Name, row.ID))
}

// policyCovers applies a policy's row scope and property conditions.
func policyCovers(p *metadata.Permission, user *metadata.UserContext, row *record.Row) bool {
	if p.Scope == metadata.ScopeOwn && row.CreatedBy != user.ID {
		return false
	}
	return evaluateConditions(p.Conditions, row)
}

func hasRoleIntersection(userRoles, policyRoles []string) bool {
	for _, ur := range userRoles {
		for _, pr := range policyRoles {
			if strings.EqualFold(ur, pr) {
				return true
			}
		}
	}
	return false
}

// evaluateConditions compares each condition against the row's typed value.
// The operand is parsed to the value's kind; an operand that does not parse,
// or a kind without an order, fails the condition.
func evaluateConditions(conditions []metadata.PermissionCondition, row *record.Row) bool {
	for _, cond := range conditions {
		v := fieldValue(row, cond.Property)
		if !v.IsSet() {
			return false
		}
		if !evaluateCondition(cond, v) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond metadata.PermissionCondition, v record.Value) bool {
	switch cond.Operator {
	case "in", "not_in":
		list, err := filterList(v.Kind(), metadata.Filter{Property: cond.Property, Value: cond.Value})
		if err != nil {
			return false
		}
		found := false
		for _, item := range list {
			if valuesMatch(v, item) {
				found = true
				break
			}
		}
		return found == (cond.Operator == "in")
	}

	operand, err := filterOperand(v.Kind(), cond.Property, cond.Value)
	if err != nil {
		return false
	}
	switch cond.Operator {
	case "eq":
		return valuesMatch(v, operand)
	case "neq":
		return !valuesMatch(v, operand)
	}
	cmp, ok := v.Compare(operand)
	if !ok {
		return false
	}
	switch cond.Operator {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

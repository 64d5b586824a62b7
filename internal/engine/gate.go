package engine

import (
	"context"
	"errors"
	"fmt"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// Gate authorizes every operation against the caller in the context before
// delegating to the engine. Single-object denials are FORBIDDEN; list reads
// drop the rows the caller may not see.
type Gate struct {
	e *Engine
}

func NewGate(e *Engine) *Gate {
	return &Gate{e: e}
}

func caller(ctx context.Context) (*metadata.UserContext, error) {
	u := metadata.UserFrom(ctx)
	if u == nil {
		return nil, UnauthorizedError()
	}
	return u, nil
}

// authorize checks entity-level capability, without a row.
func (g *Gate) authorize(ctx context.Context, entity, action string) (*metadata.UserContext, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	reg, ent, err := g.e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	return user, CheckPermission(user, ent, action, reg, nil, nil)
}

// authorizeRow checks capability on one row.
func (g *Gate) authorizeRow(ctx context.Context, entity, id, action string) error {
	user, err := caller(ctx)
	if err != nil {
		return err
	}
	reg, ent, err := g.e.entity(ctx, entity)
	if err != nil {
		return err
	}
	return g.e.repo.RunInTx(ctx, func(tx store.Tx) error {
		row, err := tx.GetRow(ctx, id)
		if err != nil {
			return rowError(entity, id, err)
		}
		if row.Entity != entity {
			return NotFoundError(entity, id)
		}
		grants, err := tx.Grants(ctx, entity)
		if err != nil {
			return err
		}
		return CheckPermission(user, ent, action, reg, row, grants)
	})
}

// readFilter admits the rows the caller may read, across entities.
func (g *Gate) readFilter(user *metadata.UserContext, reg *metadata.Registry) rowFilter {
	grants := make(map[string][]metadata.RowGrant)
	return func(ctx context.Context, tx store.Tx, row *record.Row) (bool, error) {
		ent := reg.GetEntity(row.Entity)
		if ent == nil {
			return false, nil
		}
		gs, ok := grants[row.Entity]
		if !ok {
			var err error
			gs, err = tx.Grants(ctx, row.Entity)
			if err != nil {
				return false, err
			}
			grants[row.Entity] = gs
		}
		err := CheckPermission(user, ent, metadata.ActionRead, reg, row, gs)
		if err == nil {
			return true, nil
		}
		var appErr *AppError
		if errors.As(err, &appErr) {
			return false, nil
		}
		return false, err
	}
}

// administer allows schema changes on an entity: superusers for global
// entities, tenant admins for their own tenant's entities.
func administer(user *metadata.UserContext, ent *metadata.Entity) error {
	if user.IsSuperUser() {
		return nil
	}
	if ent.TenantID != "" && ent.TenantID == user.TenantID && user.HasRole("admin") {
		return nil
	}
	if !ent.VisibleTo(user.TenantID) {
		return UnknownEntityError(ent.Name)
	}
	return ForbiddenError(fmt.Sprintf("Schema changes on %s require an administrator", ent.Name))
}

func (g *Gate) administerEntity(ctx context.Context, entity string) error {
	user, err := caller(ctx)
	if err != nil {
		return err
	}
	_, ent, err := g.e.entity(ctx, entity)
	if err != nil {
		return err
	}
	return administer(user, ent)
}

// --- schema ---

func (g *Gate) GetEntity(ctx context.Context, name string) (*metadata.Entity, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return g.e.GetEntity(ctx, name)
}

func (g *Gate) ListEntities(ctx context.Context) ([]*metadata.Entity, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return g.e.ListEntities(ctx)
}

func (g *Gate) CreateEntity(ctx context.Context, ent *metadata.Entity) (*metadata.Entity, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if !user.IsSuperUser() {
		// Tenant admins create entities for their own tenant only.
		if ent.TenantID == "" {
			ent.TenantID = user.TenantID
		}
		if err := administer(user, ent); err != nil {
			return nil, err
		}
	}
	return g.e.CreateEntity(ctx, ent)
}

func (g *Gate) UpdateEntity(ctx context.Context, ent *metadata.Entity) (*metadata.Entity, error) {
	if err := g.administerEntity(ctx, ent.Name); err != nil {
		return nil, err
	}
	return g.e.UpdateEntity(ctx, ent)
}

func (g *Gate) DeleteEntity(ctx context.Context, name string, cascade bool) error {
	if err := g.administerEntity(ctx, name); err != nil {
		return err
	}
	return g.e.DeleteEntity(ctx, name, cascade)
}

func (g *Gate) AddProperty(ctx context.Context, entity string, p metadata.Property) (*metadata.Entity, error) {
	if err := g.administerEntity(ctx, entity); err != nil {
		return nil, err
	}
	return g.e.AddProperty(ctx, entity, p)
}

func (g *Gate) UpdateProperty(ctx context.Context, entity string, p metadata.Property) (*metadata.Entity, error) {
	if err := g.administerEntity(ctx, entity); err != nil {
		return nil, err
	}
	return g.e.UpdateProperty(ctx, entity, p)
}

func (g *Gate) DeleteProperty(ctx context.Context, entity, name string, cascade bool) (*metadata.Entity, error) {
	if err := g.administerEntity(ctx, entity); err != nil {
		return nil, err
	}
	return g.e.DeleteProperty(ctx, entity, name, cascade)
}

func (g *Gate) ReorderProperties(ctx context.Context, entity string, names []string) (*metadata.Entity, error) {
	if err := g.administerEntity(ctx, entity); err != nil {
		return nil, err
	}
	return g.e.ReorderProperties(ctx, entity, names)
}

func (g *Gate) ListRelationships(ctx context.Context) ([]*metadata.Relationship, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return g.e.ListRelationships(ctx)
}

// administerRelationship requires administration of both ends.
func (g *Gate) administerRelationship(ctx context.Context, rel *metadata.Relationship) error {
	if err := g.administerEntity(ctx, rel.Parent); err != nil {
		return err
	}
	return g.administerEntity(ctx, rel.Child)
}

func (g *Gate) CreateRelationship(ctx context.Context, rel *metadata.Relationship) (*metadata.Relationship, error) {
	if err := g.administerRelationship(ctx, rel); err != nil {
		return nil, err
	}
	return g.e.CreateRelationship(ctx, rel)
}

func (g *Gate) UpdateRelationship(ctx context.Context, rel *metadata.Relationship) (*metadata.Relationship, error) {
	_, existing, err := g.e.relationship(ctx, rel.Name)
	if err != nil {
		return nil, err
	}
	if err := g.administerRelationship(ctx, existing); err != nil {
		return nil, err
	}
	return g.e.UpdateRelationship(ctx, rel)
}

func (g *Gate) DeleteRelationship(ctx context.Context, name string) error {
	_, existing, err := g.e.relationship(ctx, name)
	if err != nil {
		return err
	}
	if err := g.administerRelationship(ctx, existing); err != nil {
		return err
	}
	return g.e.DeleteRelationship(ctx, name)
}

// SaveView lets any reader keep personal views; shared views need an
// administrator.
func (g *Gate) SaveView(ctx context.Context, entity string, v metadata.View) (*metadata.Entity, error) {
	user, err := g.authorize(ctx, entity, metadata.ActionRead)
	if err != nil {
		return nil, err
	}
	if !isPersonalView(user, v) {
		if err := g.administerEntity(ctx, entity); err != nil {
			return nil, err
		}
	} else if existing, err := g.e.GetEntity(ctx, entity); err == nil {
		if old := existing.GetView(v.Name); old != nil && !isPersonalView(user, *old) {
			return nil, ForbiddenError(fmt.Sprintf("View %s is shared", v.Name))
		}
	}
	return g.e.SaveView(ctx, entity, v)
}

func (g *Gate) DeleteView(ctx context.Context, entity, name string) (*metadata.Entity, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	ent, err := g.e.GetEntity(ctx, entity)
	if err != nil {
		return nil, err
	}
	v := ent.GetView(name)
	if v == nil || !isPersonalView(user, *v) {
		if err := administer(user, ent); err != nil {
			return nil, err
		}
	}
	return g.e.DeleteView(ctx, entity, name)
}

func isPersonalView(user *metadata.UserContext, v metadata.View) bool {
	return v.UserID != "" && v.UserID == user.ID && v.TenantID == user.TenantID && !v.IsSystem
}

func (g *Gate) SetWorkflow(ctx context.Context, entity string, wf metadata.Workflow) (*metadata.Entity, error) {
	if err := g.administerEntity(ctx, entity); err != nil {
		return nil, err
	}
	return g.e.SetWorkflow(ctx, entity, wf)
}

func (g *Gate) GetPermissions(ctx context.Context, entity string) ([]*metadata.Permission, error) {
	if err := g.administerEntity(ctx, entity); err != nil {
		return nil, err
	}
	return g.e.GetPermissions(ctx, entity)
}

func (g *Gate) SetPermissions(ctx context.Context, entity string, perms []*metadata.Permission) ([]*metadata.Permission, error) {
	if err := g.administerEntity(ctx, entity); err != nil {
		return nil, err
	}
	return g.e.SetPermissions(ctx, entity, perms)
}

func (g *Gate) GrantRow(ctx context.Context, grant metadata.RowGrant) (*metadata.RowGrant, error) {
	if err := g.administerEntity(ctx, grant.Entity); err != nil {
		return nil, err
	}
	return g.e.GrantRow(ctx, grant)
}

func (g *Gate) RevokeRow(ctx context.Context, entity, grantID string) error {
	if err := g.administerEntity(ctx, entity); err != nil {
		return err
	}
	return g.e.RevokeRow(ctx, entity, grantID)
}

func (g *Gate) ImportSchema(ctx context.Context, s *metadata.Schema) error {
	user, err := caller(ctx)
	if err != nil {
		return err
	}
	if !user.IsSuperUser() {
		return ForbiddenError("Schema import requires a superuser")
	}
	return g.e.ImportSchema(ctx, s)
}

// --- rows ---

func (g *Gate) CreateRow(ctx context.Context, in RowInput) (*record.Row, error) {
	if _, err := g.authorize(ctx, in.Entity, metadata.ActionCreate); err != nil {
		return nil, err
	}
	reg, err := g.e.registry(ctx)
	if err != nil {
		return nil, err
	}
	for _, pl := range in.Parents {
		rel := reg.GetRelationship(pl.Relationship)
		if rel == nil {
			continue
		}
		if err := g.authorizeRow(ctx, rel.Parent, pl.ParentID, metadata.ActionRead); err != nil {
			return nil, err
		}
	}
	return g.e.CreateRow(ctx, in)
}

func (g *Gate) GetRow(ctx context.Context, entity, id string) (*record.Row, error) {
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionRead); err != nil {
		return nil, err
	}
	return g.e.GetRow(ctx, entity, id)
}

func (g *Gate) SetValue(ctx context.Context, entity, id, property string, v record.Value) (*record.Row, error) {
	return g.SetValues(ctx, entity, id, map[string]record.Value{property: v})
}

func (g *Gate) SetValues(ctx context.Context, entity, id string, values map[string]record.Value) (*record.Row, error) {
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionUpdate); err != nil {
		return nil, err
	}
	return g.e.SetValues(ctx, entity, id, values)
}

func (g *Gate) DeleteRow(ctx context.Context, entity, id string) error {
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionDelete); err != nil {
		return err
	}
	return g.e.DeleteRow(ctx, entity, id)
}

func (g *Gate) EvaluateFormula(ctx context.Context, entity, id, property string) (record.Computed, error) {
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionRead); err != nil {
		return record.Computed{}, err
	}
	return g.e.EvaluateFormula(ctx, entity, id, property)
}

// --- graph ---

// Linking changes the parent and needs to see the child.
func (g *Gate) authorizeLink(ctx context.Context, relationship, parentID, childID string) error {
	_, rel, err := g.e.relationship(ctx, relationship)
	if err != nil {
		return err
	}
	if err := g.authorizeRow(ctx, rel.Parent, parentID, metadata.ActionUpdate); err != nil {
		return err
	}
	return g.authorizeRow(ctx, rel.Child, childID, metadata.ActionRead)
}

func (g *Gate) Link(ctx context.Context, relationship, parentID, childID string) error {
	if err := g.authorizeLink(ctx, relationship, parentID, childID); err != nil {
		return err
	}
	return g.e.Link(ctx, relationship, parentID, childID)
}

func (g *Gate) Unlink(ctx context.Context, relationship, parentID, childID string) error {
	if err := g.authorizeLink(ctx, relationship, parentID, childID); err != nil {
		return err
	}
	return g.e.Unlink(ctx, relationship, parentID, childID)
}

func (g *Gate) Children(ctx context.Context, relationship, parentID string) ([]*record.Row, error) {
	return g.traverse(ctx, relationship, parentID, true)
}

func (g *Gate) Parents(ctx context.Context, relationship, childID string) ([]*record.Row, error) {
	return g.traverse(ctx, relationship, childID, false)
}

func (g *Gate) traverse(ctx context.Context, relationship, id string, children bool) ([]*record.Row, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	reg, rel, err := g.e.relationship(ctx, relationship)
	if err != nil {
		return nil, err
	}
	from := rel.Child
	if children {
		from = rel.Parent
	}
	if err := g.authorizeRow(ctx, from, id, metadata.ActionRead); err != nil {
		return nil, err
	}
	return g.e.traverse(ctx, relationship, id, children, g.readFilter(user, reg))
}

func (g *Gate) RelatedRowsByEntity(ctx context.Context, entity, id string) ([]RelatedGroup, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionRead); err != nil {
		return nil, err
	}
	reg, err := g.e.registry(ctx)
	if err != nil {
		return nil, err
	}
	return g.e.relatedRowsByEntity(ctx, entity, id, g.readFilter(user, reg))
}

// --- views ---

func (g *Gate) EvaluateView(ctx context.Context, q ViewQuery) (*ViewResult, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := g.e.registry(ctx)
	if err != nil {
		return nil, err
	}
	q.filter = g.readFilter(user, reg)
	return g.e.EvaluateView(ctx, q)
}

// --- workflow ---

func (g *Gate) ApplyAction(ctx context.Context, entity, id, action string) (*record.Row, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionUpdate); err != nil {
		return nil, err
	}
	_, ent, err := g.e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	if a := ent.Workflow.FindAction(action); a != nil && !mayRun(user, a) {
		return nil, ForbiddenError(fmt.Sprintf("Action %s requires one of the roles %v", a.Name, a.Roles))
	}
	return g.e.ApplyAction(ctx, entity, id, action)
}

func mayRun(user *metadata.UserContext, a *metadata.WorkflowAction) bool {
	return len(a.Roles) == 0 || user.IsAdmin() || hasRoleIntersection(user.Roles, a.Roles)
}

// SetState is reserved to administrators.
func (g *Gate) SetState(ctx context.Context, entity, id, state string) (*record.Row, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() {
		return nil, ForbiddenError("Setting a workflow state directly requires an administrator")
	}
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionUpdate); err != nil {
		return nil, err
	}
	return g.e.SetState(ctx, entity, id, state)
}

func (g *Gate) AvailableActions(ctx context.Context, entity, id string) ([]metadata.WorkflowAction, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.authorizeRow(ctx, entity, id, metadata.ActionRead); err != nil {
		return nil, err
	}
	actions, err := g.e.AvailableActions(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if mayRun(user, &a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- files ---

func (g *Gate) SaveFile(ctx context.Context, f *store.File) error {
	user, err := caller(ctx)
	if err != nil {
		return err
	}
	f.TenantID = user.TenantID
	f.UploadedBy = user.ID
	return g.e.SaveFile(ctx, f)
}

func (g *Gate) GetFile(ctx context.Context, id string) (*store.File, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	f, err := g.e.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsSuperUser() && f.TenantID != user.TenantID {
		return nil, NewAppError(CodeNotFound, 404, fmt.Sprintf("File %s not found", id))
	}
	return f, nil
}

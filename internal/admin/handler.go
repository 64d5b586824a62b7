package admin

import (
	"github.com/gofiber/fiber/v2"

	"entity-engine/internal/auth"
	"entity-engine/internal/engine"
	"entity-engine/internal/metadata"
)

// Handler exposes schema administration over a SchemaService. The service
// (normally an engine.Gate) decides who may change what; RequireAdmin only
// keeps ordinary callers away from the write routes early.
type Handler struct {
	svc engine.SchemaService
}

func NewHandler(svc engine.SchemaService) *Handler {
	return &Handler{svc: svc}
}

func RegisterAdminRoutes(app fiber.Router, h *Handler) {
	admin := app.Group("/api/_admin")

	// Readable by any authenticated caller; clients render forms from it.
	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Get("/relationships", h.ListRelationships)

	// Personal views are allowed for everyone.
	admin.Put("/entities/:name/views", h.SaveView)
	admin.Delete("/entities/:name/views/:view", h.DeleteView)

	w := admin.Group("", auth.RequireAdmin())
	w.Post("/entities", h.CreateEntity)
	w.Put("/entities/:name", h.UpdateEntity)
	w.Delete("/entities/:name", h.DeleteEntity)

	w.Post("/entities/:name/properties", h.AddProperty)
	w.Put("/entities/:name/properties/_order", h.ReorderProperties)
	w.Put("/entities/:name/properties/:property", h.UpdateProperty)
	w.Delete("/entities/:name/properties/:property", h.DeleteProperty)

	w.Put("/entities/:name/workflow", h.SetWorkflow)
	w.Get("/entities/:name/permissions", h.GetPermissions)
	w.Put("/entities/:name/permissions", h.SetPermissions)
	w.Post("/entities/:name/grants", h.GrantRow)
	w.Delete("/entities/:name/grants/:id", h.RevokeRow)

	w.Post("/relationships", h.CreateRelationship)
	w.Put("/relationships/:name", h.UpdateRelationship)
	w.Delete("/relationships/:name", h.DeleteRelationship)

	w.Post("/import", h.Import)
}

func invalidBody() error {
	return engine.NewAppError(engine.CodeInvalidPayload, 400, "Invalid JSON body")
}

// --- Entity Endpoints ---

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	ents, err := h.svc.ListEntities(c.UserContext())
	if err != nil {
		return err
	}
	if ents == nil {
		ents = []*metadata.Entity{}
	}
	return c.JSON(fiber.Map{"data": ents})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	ent, err := h.svc.GetEntity(c.UserContext(), c.Params("name"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ent})
}

func (h *Handler) CreateEntity(c *fiber.Ctx) error {
	var ent metadata.Entity
	if err := c.BodyParser(&ent); err != nil {
		return invalidBody()
	}
	created, err := h.svc.CreateEntity(c.UserContext(), &ent)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": created})
}

func (h *Handler) UpdateEntity(c *fiber.Ctx) error {
	var ent metadata.Entity
	if err := c.BodyParser(&ent); err != nil {
		return invalidBody()
	}
	ent.Name = c.Params("name")
	updated, err := h.svc.UpdateEntity(c.UserContext(), &ent)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": updated})
}

func (h *Handler) DeleteEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.svc.DeleteEntity(c.UserContext(), name, c.QueryBool("cascade")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// --- Property Endpoints ---

func (h *Handler) AddProperty(c *fiber.Ctx) error {
	var p metadata.Property
	if err := c.BodyParser(&p); err != nil {
		return invalidBody()
	}
	ent, err := h.svc.AddProperty(c.UserContext(), c.Params("name"), p)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": ent})
}

func (h *Handler) UpdateProperty(c *fiber.Ctx) error {
	var p metadata.Property
	if err := c.BodyParser(&p); err != nil {
		return invalidBody()
	}
	p.Name = c.Params("property")
	ent, err := h.svc.UpdateProperty(c.UserContext(), c.Params("name"), p)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ent})
}

func (h *Handler) DeleteProperty(c *fiber.Ctx) error {
	ent, err := h.svc.DeleteProperty(c.UserContext(), c.Params("name"), c.Params("property"), c.QueryBool("cascade"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ent})
}

func (h *Handler) ReorderProperties(c *fiber.Ctx) error {
	var body struct {
		Order []string `json:"order"`
	}
	if err := c.BodyParser(&body); err != nil {
		return invalidBody()
	}
	ent, err := h.svc.ReorderProperties(c.UserContext(), c.Params("name"), body.Order)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ent})
}

// --- Views and Workflow ---

func (h *Handler) SaveView(c *fiber.Ctx) error {
	var v metadata.View
	if err := c.BodyParser(&v); err != nil {
		return invalidBody()
	}
	ent, err := h.svc.SaveView(c.UserContext(), c.Params("name"), v)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ent})
}

func (h *Handler) DeleteView(c *fiber.Ctx) error {
	ent, err := h.svc.DeleteView(c.UserContext(), c.Params("name"), c.Params("view"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ent})
}

func (h *Handler) SetWorkflow(c *fiber.Ctx) error {
	var wf metadata.Workflow
	if err := c.BodyParser(&wf); err != nil {
		return invalidBody()
	}
	ent, err := h.svc.SetWorkflow(c.UserContext(), c.Params("name"), wf)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ent})
}

// --- Permissions ---

func (h *Handler) GetPermissions(c *fiber.Ctx) error {
	perms, err := h.svc.GetPermissions(c.UserContext(), c.Params("name"))
	if err != nil {
		return err
	}
	if perms == nil {
		perms = []*metadata.Permission{}
	}
	return c.JSON(fiber.Map{"data": perms})
}

func (h *Handler) SetPermissions(c *fiber.Ctx) error {
	var perms []*metadata.Permission
	if err := c.BodyParser(&perms); err != nil {
		return invalidBody()
	}
	saved, err := h.svc.SetPermissions(c.UserContext(), c.Params("name"), perms)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": saved})
}

func (h *Handler) GrantRow(c *fiber.Ctx) error {
	var g metadata.RowGrant
	if err := c.BodyParser(&g); err != nil {
		return invalidBody()
	}
	g.Entity = c.Params("name")
	saved, err := h.svc.GrantRow(c.UserContext(), g)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": saved})
}

func (h *Handler) RevokeRow(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.svc.RevokeRow(c.UserContext(), c.Params("name"), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- Relationship Endpoints ---

func (h *Handler) ListRelationships(c *fiber.Ctx) error {
	rels, err := h.svc.ListRelationships(c.UserContext())
	if err != nil {
		return err
	}
	if rels == nil {
		rels = []*metadata.Relationship{}
	}
	return c.JSON(fiber.Map{"data": rels})
}

func (h *Handler) CreateRelationship(c *fiber.Ctx) error {
	var rel metadata.Relationship
	if err := c.BodyParser(&rel); err != nil {
		return invalidBody()
	}
	created, err := h.svc.CreateRelationship(c.UserContext(), &rel)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": created})
}

func (h *Handler) UpdateRelationship(c *fiber.Ctx) error {
	var rel metadata.Relationship
	if err := c.BodyParser(&rel); err != nil {
		return invalidBody()
	}
	rel.Name = c.Params("name")
	updated, err := h.svc.UpdateRelationship(c.UserContext(), &rel)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": updated})
}

func (h *Handler) DeleteRelationship(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.svc.DeleteRelationship(c.UserContext(), name); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// Import handles POST /api/_admin/import with a whole schema document.
func (h *Handler) Import(c *fiber.Ctx) error {
	var s metadata.Schema
	if err := c.BodyParser(&s); err != nil {
		return invalidBody()
	}
	if err := h.svc.ImportSchema(c.UserContext(), &s); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"entities":      len(s.Entities),
		"relationships": len(s.Relationships),
		"permissions":   len(s.Permissions),
	}})
}

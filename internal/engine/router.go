package engine

import "github.com/gofiber/fiber/v2"

// RegisterDynamicRoutes mounts the row, graph, view and workflow API.
// Reserved paths start with an underscore so they never collide with an
// entity name.
func RegisterDynamicRoutes(app fiber.Router, h *Handler, files *FileHandler) {
	api := app.Group("/api")

	api.Post("/_links", h.Link)
	api.Delete("/_links", h.Unlink)
	if files != nil {
		api.Post("/_files", files.Upload)
		api.Get("/_files/:id", files.Serve)
	}

	api.Get("/:entity", h.List)
	api.Post("/:entity/_query", h.Query)
	api.Post("/:entity", h.Create)
	api.Get("/:entity/:id", h.GetByID)
	api.Patch("/:entity/:id", h.Update)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)

	api.Get("/:entity/:id/related", h.Related)
	api.Get("/:entity/:id/children/:relationship", h.Children)
	api.Get("/:entity/:id/parents/:relationship", h.Parents)
	api.Get("/:entity/:id/formulas/:property", h.Formula)
	api.Get("/:entity/:id/actions", h.Actions)
	api.Post("/:entity/:id/actions/:action", h.ApplyAction)
	api.Put("/:entity/:id/state", h.SetState)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// Handler serves row, view, graph and workflow endpoints over a Service.
type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// requestContext carries the caller from Locals into the context the
// engine reads.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if user := getUser(c); user != nil && metadata.UserFrom(ctx) == nil {
		ctx = metadata.WithUser(ctx, user)
	}
	return ctx
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

func invalidPayload(msg string) *AppError {
	return NewAppError(CodeInvalidPayload, 400, msg)
}

// ErrorHandler renders AppErrors with their status and hides everything
// else behind a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		msg := "A record with this value already exists"
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			msg = pgErr.Detail
		}
		return respondError(c, ConflictError(msg))
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: &AppError{Code: strings.ToUpper(strings.ReplaceAll(fiberErr.Message, " ", "_")), Message: fiberErr.Message},
		})
	}

	log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
	})
}

// List handles GET /api/:entity with view, page, per_page, q,
// filter[property] and include=related.
func (h *Handler) List(c *fiber.Ctx) error {
	q := ViewQuery{
		Entity:         c.Params("entity"),
		ViewName:       c.Query("view"),
		Page:           c.QueryInt("page", 1),
		PageSize:       c.QueryInt("per_page", 0),
		Search:         c.Query("q"),
		IncludeRelated: c.Query("include") == "related",
	}
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		k := string(key)
		if strings.HasPrefix(k, "filter[") && strings.HasSuffix(k, "]") {
			if q.Manual == nil {
				q.Manual = make(map[string]string)
			}
			q.Manual[k[len("filter["):len(k)-1]] = string(value)
		}
	})
	return h.evaluate(c, q)
}

type queryBody struct {
	View     *metadata.View    `json:"view"`
	ViewName string            `json:"view_name"`
	Page     int               `json:"page"`
	PerPage  int               `json:"per_page"`
	Search   string            `json:"q"`
	Manual   map[string]string `json:"filter"`
	Include  string            `json:"include"`
}

// Query handles POST /api/:entity/_query with an inline view.
func (h *Handler) Query(c *fiber.Ctx) error {
	var body queryBody
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload("Invalid JSON body")
	}
	return h.evaluate(c, ViewQuery{
		Entity:         c.Params("entity"),
		ViewName:       body.ViewName,
		View:           body.View,
		Page:           body.Page,
		PageSize:       body.PerPage,
		Search:         body.Search,
		Manual:         body.Manual,
		IncludeRelated: body.Include == "related",
	})
}

func (h *Handler) evaluate(c *fiber.Ctx, q ViewQuery) error {
	res, err := h.svc.EvaluateView(requestContext(c), q)
	if err != nil {
		return err
	}
	meta := fiber.Map{
		"page":        res.Page,
		"per_page":    res.PageSize,
		"total":       res.TotalCount,
		"total_pages": res.TotalPages,
		"columns":     res.Columns,
	}
	if res.Related != nil {
		meta["related"] = res.Related
	}
	return c.JSON(fiber.Map{"data": res.Rows, "meta": meta})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	row, err := h.svc.GetRow(requestContext(c), c.Params("entity"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

type createBody struct {
	Values  map[string]any `json:"values"`
	Parents []ParentLink   `json:"parents"`
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	ctx := requestContext(c)
	var body createBody
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload("Invalid JSON body")
	}
	ent, err := h.svc.GetEntity(ctx, c.Params("entity"))
	if err != nil {
		return err
	}
	values, err := ParseValues(ent, body.Values)
	if err != nil {
		return err
	}
	row, err := h.svc.CreateRow(ctx, RowInput{Entity: ent.Name, Values: values, Parents: body.Parents})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": row})
}

// Update handles PATCH /api/:entity/:id with a map of property values;
// null clears a value.
func (h *Handler) Update(c *fiber.Ctx) error {
	ctx := requestContext(c)
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload("Invalid JSON body")
	}
	if v, ok := body["values"].(map[string]any); ok && len(body) == 1 {
		body = v
	}
	if len(body) == 0 {
		return invalidPayload("No values to update")
	}
	ent, err := h.svc.GetEntity(ctx, c.Params("entity"))
	if err != nil {
		return err
	}
	values, err := ParseValues(ent, body)
	if err != nil {
		return err
	}
	row, err := h.svc.SetValues(ctx, ent.Name, c.Params("id"), values)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.svc.DeleteRow(requestContext(c), c.Params("entity"), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// Related handles GET /api/:entity/:id/related
func (h *Handler) Related(c *fiber.Ctx) error {
	groups, err := h.svc.RelatedRowsByEntity(requestContext(c), c.Params("entity"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": groups})
}

// Children handles GET /api/:entity/:id/children/:relationship
func (h *Handler) Children(c *fiber.Ctx) error {
	rows, err := h.svc.Children(requestContext(c), c.Params("relationship"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": nonNil(rows)})
}

// Parents handles GET /api/:entity/:id/parents/:relationship
func (h *Handler) Parents(c *fiber.Ctx) error {
	rows, err := h.svc.Parents(requestContext(c), c.Params("relationship"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": nonNil(rows)})
}

func nonNil(rows []*record.Row) []*record.Row {
	if rows == nil {
		return []*record.Row{}
	}
	return rows
}

// Formula handles GET /api/:entity/:id/formulas/:property
func (h *Handler) Formula(c *fiber.Ctx) error {
	cell, err := h.svc.EvaluateFormula(requestContext(c), c.Params("entity"), c.Params("id"), c.Params("property"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": cell})
}

type linkBody struct {
	Relationship string `json:"relationship"`
	ParentID     string `json:"parent_id"`
	ChildID      string `json:"child_id"`
}

func parseLink(c *fiber.Ctx) (linkBody, error) {
	var body linkBody
	if err := c.BodyParser(&body); err != nil {
		return body, invalidPayload("Invalid JSON body")
	}
	if body.Relationship == "" || body.ParentID == "" || body.ChildID == "" {
		return body, invalidPayload("relationship, parent_id and child_id are required")
	}
	return body, nil
}

// Link handles POST /api/_links
func (h *Handler) Link(c *fiber.Ctx) error {
	body, err := parseLink(c)
	if err != nil {
		return err
	}
	if err := h.svc.Link(requestContext(c), body.Relationship, body.ParentID, body.ChildID); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": body})
}

// Unlink handles DELETE /api/_links
func (h *Handler) Unlink(c *fiber.Ctx) error {
	body, err := parseLink(c)
	if err != nil {
		return err
	}
	if err := h.svc.Unlink(requestContext(c), body.Relationship, body.ParentID, body.ChildID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": body})
}

// Actions handles GET /api/:entity/:id/actions
func (h *Handler) Actions(c *fiber.Ctx) error {
	actions, err := h.svc.AvailableActions(requestContext(c), c.Params("entity"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": actions})
}

// ApplyAction handles POST /api/:entity/:id/actions/:action
func (h *Handler) ApplyAction(c *fiber.Ctx) error {
	row, err := h.svc.ApplyAction(requestContext(c), c.Params("entity"), c.Params("id"), c.Params("action"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// SetState handles PUT /api/:entity/:id/state
func (h *Handler) SetState(c *fiber.Ctx) error {
	var body struct {
		State *string `json:"state"`
	}
	if err := c.BodyParser(&body); err != nil {
		return invalidPayload("Invalid JSON body")
	}
	if body.State == nil {
		return invalidPayload(fmt.Sprintf("%s is required", metadata.IdentState))
	}
	row, err := h.svc.SetState(requestContext(c), c.Params("entity"), c.Params("id"), *body.State)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

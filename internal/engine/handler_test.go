package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/metadata"
	"entity-engine/internal/store"
)

// newTestApp serves the gate with the caller picked by the X-User header.
func newTestApp(gf *gateFixture) *fiber.App {
	users := map[string]context.Context{
		"alice":  gf.alice,
		"viewer": gf.viewer,
		"admin":  gf.tenantAdmin,
	}
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(func(c *fiber.Ctx) error {
		if ctx, ok := users[c.Get("X-User")]; ok {
			c.Locals("user", metadata.UserFrom(ctx))
		}
		return c.Next()
	})
	RegisterDynamicRoutes(app, NewHandler(gf.g), nil)
	return app
}

type apiResponse struct {
	status int
	body   map[string]any
}

func (r apiResponse) data() map[string]any {
	d, _ := r.body["data"].(map[string]any)
	return d
}

func (r apiResponse) errorCode() string {
	e, _ := r.body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func call(t *testing.T, app *fiber.App, method, path, user, body string) apiResponse {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := apiResponse{status: resp.StatusCode}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

// cellValue unwraps a typed value from a row's values map.
func cellValue(row map[string]any, property string) any {
	values, _ := row["values"].(map[string]any)
	cell, _ := values[property].(map[string]any)
	return cell["value"]
}

func TestHandler_RowLifecycle(t *testing.T) {
	gf := newGateFixture(t)
	app := newTestApp(gf)

	created := call(t, app, "POST", "/api/project", "alice", `{"values":{"name":"Apollo","budget":10}}`)
	require.Equal(t, 201, created.status, created.body)
	id, _ := created.data()["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "Apollo", cellValue(created.data(), "name"))

	got := call(t, app, "GET", "/api/project/"+id, "viewer", "")
	assert.Equal(t, 200, got.status)
	assert.Equal(t, 10.0, cellValue(got.data(), "budget"))

	updated := call(t, app, "PATCH", "/api/project/"+id, "alice", `{"budget":20}`)
	require.Equal(t, 200, updated.status, updated.body)
	assert.Equal(t, 20.0, cellValue(updated.data(), "budget"))

	wrapped := call(t, app, "PUT", "/api/project/"+id, "alice", `{"values":{"budget":25}}`)
	require.Equal(t, 200, wrapped.status, wrapped.body)
	assert.Equal(t, 25.0, cellValue(wrapped.data(), "budget"))

	formula := call(t, app, "GET", "/api/project/"+id+"/formulas/spent", "alice", "")
	require.Equal(t, 200, formula.status)
	assert.Equal(t, 0.0, formula.data()["value"].(map[string]any)["value"])

	deleted := call(t, app, "DELETE", "/api/project/"+id, "alice", "")
	assert.Equal(t, 200, deleted.status)
	missing := call(t, app, "GET", "/api/project/"+id, "alice", "")
	assert.Equal(t, 404, missing.status)
	assert.Equal(t, CodeNotFound, missing.errorCode())
}

func TestHandler_Errors(t *testing.T) {
	gf := newGateFixture(t)
	app := newTestApp(gf)
	p := gf.createProject(t, gf.alice, "Apollo", 10)

	tests := []struct {
		name, method, path, user, body string
		status                         int
		code                           string
	}{
		{"anonymous", "GET", "/api/project", "", "", 401, CodeUnauthorized},
		{"unknown entity", "GET", "/api/nope", "alice", "", 404, CodeNotFound},
		{"denied update", "PATCH", "/api/project/" + p.ID, "viewer", `{"budget":99}`, 403, CodeForbidden},
		{"bad type", "PATCH", "/api/project/" + p.ID, "alice", `{"budget":"lots"}`, 422, CodeValidation},
		{"empty update", "PATCH", "/api/project/" + p.ID, "alice", `{}`, 400, CodeInvalidPayload},
		{"malformed json", "POST", "/api/project", "alice", `{"values":`, 400, CodeInvalidPayload},
		{"incomplete link", "POST", "/api/_links", "alice", `{"relationship":"project_lead"}`, 400, CodeInvalidPayload},
		{"state required", "PUT", "/api/project/" + p.ID + "/state", "admin", `{}`, 400, CodeInvalidPayload},
		{"role-gated action", "POST", "/api/project/" + p.ID + "/actions/approve", "alice", "", 403, CodeForbidden},
		{"unknown filter", "GET", "/api/project?filter[ghost]=x", "alice", "", 422, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, app, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, resp.status, resp.body)
			assert.Equal(t, tt.code, resp.errorCode())
		})
	}

	after := call(t, app, "GET", "/api/project/"+p.ID, "alice", "")
	assert.Equal(t, 10.0, cellValue(after.data(), "budget"))
}

func TestHandler_ListAndQuery(t *testing.T) {
	gf := newGateFixture(t)
	app := newTestApp(gf)
	for i := 1; i <= 3; i++ {
		gf.createProject(t, gf.alice, fmt.Sprintf("Apollo %d", i), float64(i*10))
	}
	gf.createProject(t, gf.alice, "Zeus", 5)

	list := call(t, app, "GET", "/api/project?filter[name]=apollo&per_page=2&page=2", "alice", "")
	require.Equal(t, 200, list.status, list.body)
	meta := list.body["meta"].(map[string]any)
	assert.Equal(t, 3.0, meta["total"])
	assert.Equal(t, 2.0, meta["total_pages"])
	assert.Equal(t, 2.0, meta["page"])
	assert.Len(t, list.body["data"], 1)

	query := call(t, app, "POST", "/api/project/_query", "alice",
		`{"view":{"filters":[{"property":"budget","condition":"greater_than","value":15}],"sort":[{"property":"budget","ascending":false}]}}`)
	require.Equal(t, 200, query.status, query.body)
	rows := query.body["data"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "Apollo 3", cellValue(rows[0].(map[string]any), "name"))

	named := call(t, app, "POST", "/api/project/_query", "alice", `{"view_name":"big"}`)
	require.Equal(t, 200, named.status)
	assert.Equal(t, 0.0, named.body["meta"].(map[string]any)["total"])
}

func TestHandler_GraphAndWorkflow(t *testing.T) {
	gf := newGateFixture(t)
	app := newTestApp(gf)
	p := gf.createProject(t, gf.alice, "Apollo", 10)

	task := call(t, app, "POST", "/api/task", "alice",
		fmt.Sprintf(`{"values":{"title":"Design","cost":5},"parents":[{"relationship":"project_task","parent_id":%q}]}`, p.ID))
	require.Equal(t, 201, task.status, task.body)

	children := call(t, app, "GET", "/api/project/"+p.ID+"/children/project_task", "alice", "")
	require.Equal(t, 200, children.status)
	assert.Len(t, children.body["data"], 1)

	related := call(t, app, "GET", "/api/project/"+p.ID+"/related", "alice", "")
	require.Equal(t, 200, related.status)
	assert.NotEmpty(t, related.body["data"])

	actions := call(t, app, "GET", "/api/project/"+p.ID+"/actions", "admin", "")
	require.Equal(t, 200, actions.status)
	assert.Len(t, actions.body["data"], 1)

	approved := call(t, app, "POST", "/api/project/"+p.ID+"/actions/approve", "admin", "")
	require.Equal(t, 200, approved.status, approved.body)
	assert.Equal(t, "approved", approved.data()["state"])

	reset := call(t, app, "PUT", "/api/project/"+p.ID+"/state", "admin", `{"state":"draft"}`)
	require.Equal(t, 200, reset.status, reset.body)
	assert.Equal(t, "draft", reset.data()["state"])
}

func TestErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("disk on fire") })
	app.Get("/dup", func(c *fiber.Ctx) error { return fmt.Errorf("insert: %w", store.ErrUniqueViolation) })
	app.Get("/teapot", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusTeapot, "short and stout") })

	boom := call(t, app, "GET", "/boom", "", "")
	assert.Equal(t, 500, boom.status)
	assert.Equal(t, "INTERNAL_ERROR", boom.errorCode())
	assert.NotContains(t, fmt.Sprint(boom.body), "disk on fire")

	dup := call(t, app, "GET", "/dup", "", "")
	assert.Equal(t, 409, dup.status)
	assert.Equal(t, CodeConflict, dup.errorCode())

	teapot := call(t, app, "GET", "/teapot", "", "")
	assert.Equal(t, fiber.StatusTeapot, teapot.status)
	assert.Equal(t, "SHORT_AND_STOUT", teapot.errorCode())
}

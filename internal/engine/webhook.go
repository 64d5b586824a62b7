package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

var webhookHTTPClient = &http.Client{Timeout: 30 * time.Second}

// WebhookPayload is the JSON body posted by a workflow webhook effect.
type WebhookPayload struct {
	Event          string         `json:"event"`
	Entity         string         `json:"entity"`
	Action         string         `json:"action"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Record         map[string]any `json:"record"`
	User           map[string]any `json:"user,omitempty"`
	Timestamp      string         `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// BuildWebhookPayload describes a committed workflow action.
func BuildWebhookPayload(row *record.Row, action *metadata.WorkflowAction, from string, user *metadata.UserContext, now time.Time) *WebhookPayload {
	p := &WebhookPayload{
		Event:          "workflow.action",
		Entity:         row.Entity,
		Action:         action.Name,
		From:           from,
		To:             action.To,
		Record:         rowRecord(row),
		Timestamp:      now.UTC().Format(time.RFC3339),
		IdempotencyKey: "wh_" + uuid.New().String(),
	}
	if user != nil {
		p.User = map[string]any{"id": user.ID, "tenant_id": user.TenantID, "roles": user.Roles}
	}
	return p
}

// rowRecord flattens a row into plain values keyed by property, plus the
// system fields.
func rowRecord(row *record.Row) map[string]any {
	out := make(map[string]any, len(row.Values)+len(row.Computed)+4)
	for name, v := range row.Values {
		out[name] = v.Interface()
	}
	for name := range row.Computed {
		out[name] = row.Lookup(name).Interface()
	}
	out["id"] = row.ID
	out[metadata.IdentFolio] = row.Folio
	out[metadata.IdentState] = row.State
	out["tenant_id"] = row.TenantID
	return out
}

// ResolveHeaders replaces {{env.NAME}} in header values with the
// environment variable, empty when unset. A nil map stays nil.
func ResolveHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved[k] = resolveEnvVars(v)
	}
	return resolved
}

func resolveEnvVars(s string) string {
	for {
		start := strings.Index(s, "{{env.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		varName := s[start+6 : end]
		s = s[:start] + os.Getenv(varName) + s[end+2:]
	}
}

// DispatchResult holds the outcome of a single webhook HTTP call.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

// OK reports a 2xx response without transport error.
func (r *DispatchResult) OK() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// DispatchWebhook performs the HTTP call. url/method/headers are resolved values.
func DispatchWebhook(ctx context.Context, url, method string, headers map[string]string, bodyJSON []byte) *DispatchResult {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "dispatcher", "webhook.dispatch")
	defer span.End()
	span.SetMetadata("url", url)
	span.SetMetadata("method", method)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyJSON))
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("build request: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := webhookHTTPClient.Do(req)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("http call: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("http call: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // max 64KB

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	span.SetMetadata("status_code", resp.StatusCode)

	return &DispatchResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
	}
}

// DispatchWebhookDirect fires a single webhook, defaulting to POST. Header
// placeholders are already resolved by the caller.
func DispatchWebhookDirect(ctx context.Context, url, method string, headers map[string]string, body []byte) *DispatchResult {
	if method == "" {
		method = http.MethodPost
	}
	return DispatchWebhook(ctx, url, method, headers, body)
}

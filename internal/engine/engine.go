package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// Dispatcher delivers a webhook. DispatchWebhookDirect is the default.
type Dispatcher func(ctx context.Context, url, method string, headers map[string]string, body []byte) *DispatchResult

type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	Now             func() time.Time
	Dispatch        Dispatcher
	// WebhookAttempts bounds deliveries per webhook effect, first try
	// included. WebhookBackoff is the wait before the first retry and
	// doubles after each further failure.
	WebhookAttempts int
	WebhookBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = 25
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 100
	}
	if o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = o.MaxPageSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Dispatch == nil {
		o.Dispatch = DispatchWebhookDirect
	}
	if o.WebhookAttempts <= 0 {
		o.WebhookAttempts = 3
	}
	if o.WebhookBackoff <= 0 {
		o.WebhookBackoff = 2 * time.Second
	}
	return o
}

// Engine implements every schema, row, graph, view, formula and workflow
// operation without authorization. Wrap it in a Gate before exposing it to
// callers.
type Engine struct {
	repo  store.Repository
	cache *metadata.Cache
	opts  Options

	programsMu sync.RWMutex
	programs   map[string]*vm.Program

	webhooks sync.WaitGroup
	closing  context.Context
	close    context.CancelFunc
}

func New(repo store.Repository, cache *metadata.Cache, opts Options) *Engine {
	closing, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:     repo,
		cache:    cache,
		opts:     opts.withDefaults(),
		programs: make(map[string]*vm.Program),
		closing:  closing,
		close:    cancel,
	}
}

// Wait blocks until every dispatched webhook has finished, retries
// included.
func (e *Engine) Wait() {
	e.webhooks.Wait()
}

// Close abandons pending webhook retries and waits for in-flight
// deliveries.
func (e *Engine) Close() {
	e.close()
	e.webhooks.Wait()
}

func (e *Engine) registry(ctx context.Context) (*metadata.Registry, error) {
	reg, err := e.cache.Registry(ctx)
	if err != nil {
		return nil, fmt.Errorf("schema registry: %w", err)
	}
	return reg, nil
}

// entity resolves a visible entity for the caller in ctx.
func (e *Engine) entity(ctx context.Context, name string) (*metadata.Registry, *metadata.Entity, error) {
	reg, err := e.registry(ctx)
	if err != nil {
		return nil, nil, err
	}
	ent := reg.GetEntity(name)
	if ent == nil {
		return nil, nil, UnknownEntityError(name)
	}
	if u := metadata.UserFrom(ctx); u != nil && !u.IsSuperUser() && !ent.VisibleTo(u.TenantID) {
		return nil, nil, UnknownEntityError(name)
	}
	return reg, ent, nil
}

// Service is the full operation set exposed to transports. Both *Engine
// and *Gate implement it.
type Service interface {
	SchemaService
	RowService
	GraphService
	ViewService
	WorkflowService
	FileService
}

type SchemaService interface {
	GetEntity(ctx context.Context, name string) (*metadata.Entity, error)
	ListEntities(ctx context.Context) ([]*metadata.Entity, error)
	CreateEntity(ctx context.Context, ent *metadata.Entity) (*metadata.Entity, error)
	UpdateEntity(ctx context.Context, ent *metadata.Entity) (*metadata.Entity, error)
	DeleteEntity(ctx context.Context, name string, cascade bool) error
	AddProperty(ctx context.Context, entity string, p metadata.Property) (*metadata.Entity, error)
	UpdateProperty(ctx context.Context, entity string, p metadata.Property) (*metadata.Entity, error)
	DeleteProperty(ctx context.Context, entity, name string, cascade bool) (*metadata.Entity, error)
	ReorderProperties(ctx context.Context, entity string, names []string) (*metadata.Entity, error)
	ListRelationships(ctx context.Context) ([]*metadata.Relationship, error)
	CreateRelationship(ctx context.Context, rel *metadata.Relationship) (*metadata.Relationship, error)
	UpdateRelationship(ctx context.Context, rel *metadata.Relationship) (*metadata.Relationship, error)
	DeleteRelationship(ctx context.Context, name string) error
	SaveView(ctx context.Context, entity string, v metadata.View) (*metadata.Entity, error)
	DeleteView(ctx context.Context, entity, name string) (*metadata.Entity, error)
	SetWorkflow(ctx context.Context, entity string, wf metadata.Workflow) (*metadata.Entity, error)
	GetPermissions(ctx context.Context, entity string) ([]*metadata.Permission, error)
	SetPermissions(ctx context.Context, entity string, perms []*metadata.Permission) ([]*metadata.Permission, error)
	GrantRow(ctx context.Context, g metadata.RowGrant) (*metadata.RowGrant, error)
	RevokeRow(ctx context.Context, entity, grantID string) error
	ImportSchema(ctx context.Context, s *metadata.Schema) error
}

type RowService interface {
	CreateRow(ctx context.Context, in RowInput) (*record.Row, error)
	GetRow(ctx context.Context, entity, id string) (*record.Row, error)
	SetValue(ctx context.Context, entity, id, property string, v record.Value) (*record.Row, error)
	SetValues(ctx context.Context, entity, id string, values map[string]record.Value) (*record.Row, error)
	DeleteRow(ctx context.Context, entity, id string) error
	EvaluateFormula(ctx context.Context, entity, id, property string) (record.Computed, error)
}

type GraphService interface {
	Link(ctx context.Context, relationship, parentID, childID string) error
	Unlink(ctx context.Context, relationship, parentID, childID string) error
	Children(ctx context.Context, relationship, parentID string) ([]*record.Row, error)
	Parents(ctx context.Context, relationship, childID string) ([]*record.Row, error)
	RelatedRowsByEntity(ctx context.Context, entity, id string) ([]RelatedGroup, error)
}

type ViewService interface {
	EvaluateView(ctx context.Context, q ViewQuery) (*ViewResult, error)
}

type WorkflowService interface {
	ApplyAction(ctx context.Context, entity, id, action string) (*record.Row, error)
	SetState(ctx context.Context, entity, id, state string) (*record.Row, error)
	AvailableActions(ctx context.Context, entity, id string) ([]metadata.WorkflowAction, error)
}

type FileService interface {
	SaveFile(ctx context.Context, f *store.File) error
	GetFile(ctx context.Context, id string) (*store.File, error)
}

var (
	_ Service = (*Engine)(nil)
	_ Service = (*Gate)(nil)
)

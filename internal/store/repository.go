package store

import (
	"context"
	"errors"
	"time"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

var ErrNotFound = errors.New("not found")
var ErrUniqueViolation = errors.New("unique constraint violation")

// Repository is the transactional storage collaborator the engine runs on.
type Repository interface {
	// LoadSchema reads committed schema definitions.
	LoadSchema(ctx context.Context) (*metadata.Schema, error)

	// NextFolio allocates the next folio number for an entity in its own
	// atomic step. Numbers are never handed out twice, and numbers taken
	// by transactions that later fail are simply skipped.
	NextFolio(ctx context.Context, entity string) (int64, error)

	// RunInTx runs fn in one transaction, committing when fn returns nil.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// LinkQuery selects links; empty fields match anything. RowID matches
// either end.
type LinkQuery struct {
	Relationship string
	ParentID     string
	ChildID      string
	RowID        string
}

func (q LinkQuery) matches(l record.Link) bool {
	if q.Relationship != "" && l.Relationship != q.Relationship {
		return false
	}
	if q.ParentID != "" && l.ParentID != q.ParentID {
		return false
	}
	if q.ChildID != "" && l.ChildID != q.ChildID {
		return false
	}
	if q.RowID != "" && l.ParentID != q.RowID && l.ChildID != q.RowID {
		return false
	}
	return true
}

// User is a login account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	TenantID     string    `json:"tenant_id"`
	Roles        []string  `json:"roles"`
	SuperUser    bool      `json:"super_user"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// File is the metadata of an uploaded media file.
type File struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"-"`
	MimeType    string    `json:"mime_type"`
	Size        int64     `json:"size"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tx is the unit of work handed to RunInTx callbacks.
type Tx interface {
	LoadSchema(ctx context.Context) (*metadata.Schema, error)
	SaveEntity(ctx context.Context, e *metadata.Entity) error
	// DeleteEntity removes the definition and every row, value, link and
	// grant of the entity.
	DeleteEntity(ctx context.Context, name string) error
	SaveRelationship(ctx context.Context, r *metadata.Relationship) error
	// DeleteRelationship removes the definition and all of its links.
	DeleteRelationship(ctx context.Context, name string) error
	ReplacePermissions(ctx context.Context, entity string, perms []*metadata.Permission) error

	InsertRow(ctx context.Context, row *record.Row) error
	// UpdateRow replaces system fields, values and computed cells.
	UpdateRow(ctx context.Context, row *record.Row) error
	GetRow(ctx context.Context, id string) (*record.Row, error)
	GetRows(ctx context.Context, ids []string) ([]*record.Row, error)
	// ListRows returns every row of an entity ordered by folio.
	ListRows(ctx context.Context, entity string) ([]*record.Row, error)
	CountRows(ctx context.Context, entity string) (int, error)
	// DeleteRow removes the row with its values, links and grants.
	DeleteRow(ctx context.Context, id string) error
	// DeleteProperty removes a property's cells from every row.
	DeleteProperty(ctx context.Context, entity, property string) error

	// InsertLink returns ErrUniqueViolation for an identical existing link.
	InsertLink(ctx context.Context, link record.Link) error
	DeleteLink(ctx context.Context, relationship, parentID, childID string) error
	// Links returns matching links ordered by position.
	Links(ctx context.Context, q LinkQuery) ([]record.Link, error)

	SaveGrant(ctx context.Context, g *metadata.RowGrant) error
	DeleteGrant(ctx context.Context, id string) error
	Grants(ctx context.Context, entity string) ([]metadata.RowGrant, error)

	FindUserByEmail(ctx context.Context, email string) (*User, error)
	SaveUser(ctx context.Context, u *User) error
	CountUsers(ctx context.Context) (int, error)

	SaveFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id string) (*File, error)
}

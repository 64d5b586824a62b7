package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &numberedParams{mark: '$'}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []string) string {
	ph := pb.Add(values)
	return fmt.Sprintf("%s = ANY(%s)", field, ph)
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	// With pgx/stdlib some paths only surface the message text
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// Timestamps are RFC 3339 text so both dialects keep nanoseconds.
const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL DEFAULT '',
    definition  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS _relationships (
    name        TEXT PRIMARY KEY,
    parent      TEXT NOT NULL,
    child       TEXT NOT NULL,
    definition  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS _permissions (
    id          TEXT PRIMARY KEY,
    entity      TEXT NOT NULL,
    definition  JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_permissions_entity ON _permissions (entity);

CREATE TABLE IF NOT EXISTS _folios (
    entity  TEXT PRIMARY KEY,
    last    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS _rows (
    id           TEXT PRIMARY KEY,
    entity       TEXT NOT NULL,
    tenant_id    TEXT NOT NULL DEFAULT '',
    folio        BIGINT NOT NULL,
    state        TEXT NOT NULL DEFAULT '',
    created_by   TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL,
    updated_by   TEXT NOT NULL DEFAULT '',
    updated_at   TEXT NOT NULL,
    search_text  TEXT NOT NULL DEFAULT '',
    UNIQUE (entity, folio)
);

CREATE TABLE IF NOT EXISTS _values (
    row_id        TEXT NOT NULL REFERENCES _rows(id) ON DELETE CASCADE,
    property      TEXT NOT NULL,
    kind          TEXT NOT NULL,
    text_value    TEXT,
    number_value  DOUBLE PRECISION,
    bool_value    BOOLEAN,
    date_value    TEXT,
    range_min     DOUBLE PRECISION,
    range_max     DOUBLE PRECISION,
    media         JSONB,
    computed      BOOLEAN NOT NULL DEFAULT false,
    unavailable   BOOLEAN NOT NULL DEFAULT false,
    reason        TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (row_id, property)
);

CREATE TABLE IF NOT EXISTS _row_links (
    relationship  TEXT NOT NULL,
    parent_id     TEXT NOT NULL REFERENCES _rows(id) ON DELETE CASCADE,
    child_id      TEXT NOT NULL REFERENCES _rows(id) ON DELETE CASCADE,
    position      BIGINT NOT NULL,
    created_at    TEXT NOT NULL,
    PRIMARY KEY (relationship, parent_id, child_id)
);

CREATE INDEX IF NOT EXISTS idx_row_links_child ON _row_links (relationship, child_id);

CREATE TABLE IF NOT EXISTS _row_grants (
    id          TEXT PRIMARY KEY,
    entity      TEXT NOT NULL,
    row_id      TEXT NOT NULL REFERENCES _rows(id) ON DELETE CASCADE,
    definition  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS _users (
    id             TEXT PRIMARY KEY,
    email          TEXT NOT NULL UNIQUE,
    password_hash  TEXT NOT NULL,
    tenant_id      TEXT NOT NULL DEFAULT '',
    roles          JSONB NOT NULL DEFAULT '[]',
    super_user     BOOLEAN NOT NULL DEFAULT false,
    active         BOOLEAN NOT NULL DEFAULT true,
    created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _files (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL DEFAULT '',
    filename      TEXT NOT NULL,
    storage_path  TEXT NOT NULL,
    mime_type     TEXT NOT NULL DEFAULT '',
    size          BIGINT NOT NULL DEFAULT 0,
    uploaded_by   TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL
);
`

package store

import (
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &numberedParams{mark: '?'}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []string) string {
	if len(values) == 0 {
		return "1=0" // always false
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(phs, ", "))
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL DEFAULT '',
    definition  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _relationships (
    name        TEXT PRIMARY KEY,
    parent      TEXT NOT NULL,
    child       TEXT NOT NULL,
    definition  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _permissions (
    id          TEXT PRIMARY KEY,
    entity      TEXT NOT NULL,
    definition  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_permissions_entity ON _permissions (entity);

CREATE TABLE IF NOT EXISTS _folios (
    entity  TEXT PRIMARY KEY,
    last    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _rows (
    id           TEXT PRIMARY KEY,
    entity       TEXT NOT NULL,
    tenant_id    TEXT NOT NULL DEFAULT '',
    folio        INTEGER NOT NULL,
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
    number_value  REAL,
    bool_value    INTEGER,
    date_value    TEXT,
    range_min     REAL,
    range_max     REAL,
    media         TEXT,
    computed      INTEGER NOT NULL DEFAULT 0,
    unavailable   INTEGER NOT NULL DEFAULT 0,
    reason        TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (row_id, property)
);

CREATE TABLE IF NOT EXISTS _row_links (
    relationship  TEXT NOT NULL,
    parent_id     TEXT NOT NULL REFERENCES _rows(id) ON DELETE CASCADE,
    child_id      TEXT NOT NULL REFERENCES _rows(id) ON DELETE CASCADE,
    position      INTEGER NOT NULL,
    created_at    TEXT NOT NULL,
    PRIMARY KEY (relationship, parent_id, child_id)
);

CREATE INDEX IF NOT EXISTS idx_row_links_child ON _row_links (relationship, child_id);

CREATE TABLE IF NOT EXISTS _row_grants (
    id          TEXT PRIMARY KEY,
    entity      TEXT NOT NULL,
    row_id      TEXT NOT NULL REFERENCES _rows(id) ON DELETE CASCADE,
    definition  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _users (
    id             TEXT PRIMARY KEY,
    email          TEXT NOT NULL UNIQUE,
    password_hash  TEXT NOT NULL,
    tenant_id      TEXT NOT NULL DEFAULT '',
    roles          TEXT NOT NULL DEFAULT '[]',
    super_user     INTEGER NOT NULL DEFAULT 0,
    active         INTEGER NOT NULL DEFAULT 1,
    created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _files (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL DEFAULT '',
    filename      TEXT NOT NULL,
    storage_path  TEXT NOT NULL,
    mime_type     TEXT NOT NULL DEFAULT '',
    size          INTEGER NOT NULL DEFAULT 0,
    uploaded_by   TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL
);
`

package store

import "strconv"

// Dialect hides the differences between the PostgreSQL and SQLite backends:
// placeholder syntax, list membership, DDL and driver error shapes.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver the dialect registers under.
	DriverName() string
	NewParamBuilder() ParamBuilder
	// SystemTablesSQL is the DDL for every engine table, safe to rerun.
	SystemTablesSQL() string
	// InExpr renders "field is one of values". An empty list matches nothing.
	InExpr(field string, pb ParamBuilder, values []string) string
	// MapError wraps driver errors that have a sentinel, leaving others as is.
	MapError(err error) error
}

// ParamBuilder collects positional arguments for one statement.
type ParamBuilder interface {
	// Add records v and returns its placeholder.
	Add(v any) string
	Params() []any
	Count() int
}

// NewDialect picks the dialect for a configured driver. Anything other
// than "postgres" runs on SQLite.
func NewDialect(driver string) Dialect {
	if driver == "postgres" {
		return &PostgresDialect{}
	}
	return &SQLiteDialect{}
}

// numberedParams emits numbered placeholders: $1, $2 for PostgreSQL and
// ?1, ?2 for SQLite. Numbering lets one argument be referenced twice.
type numberedParams struct {
	mark   byte
	params []any
}

func (p *numberedParams) Add(v any) string {
	p.params = append(p.params, v)
	return string(p.mark) + strconv.Itoa(len(p.params))
}

func (p *numberedParams) Params() []any { return p.params }
func (p *numberedParams) Count() int    { return len(p.params) }

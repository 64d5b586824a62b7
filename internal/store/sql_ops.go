package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

// sqlOps implements Tx over any Querier. Store.RunInTx hands callbacks
// one bound to a *sql.Tx.
type sqlOps struct {
	q Querier
	d Dialect
}

func (o *sqlOps) exec(ctx context.Context, query string, args ...any) (int64, error) {
	n, err := Exec(ctx, o.q, query, args...)
	return n, MapError(o.d, err)
}

// --- Schema ---

func (o *sqlOps) LoadSchema(ctx context.Context) (*metadata.Schema, error) {
	s := &metadata.Schema{}

	err := o.eachDefinition(ctx, "SELECT definition FROM _entities ORDER BY name", func(raw []byte) error {
		var e metadata.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode entity: %w", err)
		}
		s.Entities = append(s.Entities, &e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.eachDefinition(ctx, "SELECT definition FROM _relationships ORDER BY name", func(raw []byte) error {
		var r metadata.Relationship
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode relationship: %w", err)
		}
		s.Relationships = append(s.Relationships, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.eachDefinition(ctx, "SELECT definition FROM _permissions ORDER BY entity, id", func(raw []byte) error {
		var p metadata.Permission
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode permission: %w", err)
		}
		s.Permissions = append(s.Permissions, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (o *sqlOps) eachDefinition(ctx context.Context, query string, fn func(raw []byte) error, args ...any) error {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan definition: %w", err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (o *sqlOps) SaveEntity(ctx context.Context, e *metadata.Entity) error {
	def, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _entities (name, tenant_id, definition) VALUES (%s, %s, %s)
ON CONFLICT (name) DO UPDATE SET tenant_id = excluded.tenant_id, definition = excluded.definition`,
		pb.Add(e.Name), pb.Add(e.TenantID), pb.Add(string(def)))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("save entity %s: %w", e.Name, err)
	}
	return nil
}

func (o *sqlOps) DeleteEntity(ctx context.Context, name string) error {
	pb := o.d.NewParamBuilder()
	ph := pb.Add(name)
	ids := "SELECT id FROM _rows WHERE entity = " + ph
	stmts := []string{
		"DELETE FROM _values WHERE row_id IN (" + ids + ")",
		"DELETE FROM _row_links WHERE parent_id IN (" + ids + ") OR child_id IN (" + ids + ")",
		"DELETE FROM _row_grants WHERE entity = " + ph,
		"DELETE FROM _rows WHERE entity = " + ph,
		"DELETE FROM _permissions WHERE entity = " + ph,
		"DELETE FROM _relationships WHERE parent = " + ph + " OR child = " + ph,
		"DELETE FROM _entities WHERE name = " + ph,
	}
	for _, stmt := range stmts {
		if _, err := o.exec(ctx, stmt, pb.Params()...); err != nil {
			return fmt.Errorf("delete entity %s: %w", name, err)
		}
	}
	return nil
}

func (o *sqlOps) SaveRelationship(ctx context.Context, r *metadata.Relationship) error {
	def, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode relationship: %w", err)
	}
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _relationships (name, parent, child, definition) VALUES (%s, %s, %s, %s)
ON CONFLICT (name) DO UPDATE SET parent = excluded.parent, child = excluded.child, definition = excluded.definition`,
		pb.Add(r.Name), pb.Add(r.Parent), pb.Add(r.Child), pb.Add(string(def)))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("save relationship %s: %w", r.Name, err)
	}
	return nil
}

func (o *sqlOps) DeleteRelationship(ctx context.Context, name string) error {
	pb := o.d.NewParamBuilder()
	ph := pb.Add(name)
	if _, err := o.exec(ctx, "DELETE FROM _row_links WHERE relationship = "+ph, pb.Params()...); err != nil {
		return fmt.Errorf("delete links of %s: %w", name, err)
	}
	if _, err := o.exec(ctx, "DELETE FROM _relationships WHERE name = "+ph, pb.Params()...); err != nil {
		return fmt.Errorf("delete relationship %s: %w", name, err)
	}
	return nil
}

func (o *sqlOps) ReplacePermissions(ctx context.Context, entity string, perms []*metadata.Permission) error {
	pb := o.d.NewParamBuilder()
	if _, err := o.exec(ctx, "DELETE FROM _permissions WHERE entity = "+pb.Add(entity), pb.Params()...); err != nil {
		return fmt.Errorf("clear permissions of %s: %w", entity, err)
	}
	for _, p := range perms {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		def, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode permission: %w", err)
		}
		pb := o.d.NewParamBuilder()
		query := fmt.Sprintf("INSERT INTO _permissions (id, entity, definition) VALUES (%s, %s, %s)",
			pb.Add(p.ID), pb.Add(entity), pb.Add(string(def)))
		if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
			return fmt.Errorf("insert permission: %w", err)
		}
	}
	return nil
}

// --- Rows ---

const rowColumns = "id, entity, tenant_id, folio, state, created_by, created_at, updated_by, updated_at, search_text"

func (o *sqlOps) InsertRow(ctx context.Context, row *record.Row) error {
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf("INSERT INTO _rows ("+rowColumns+") VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)",
		pb.Add(row.ID), pb.Add(row.Entity), pb.Add(row.TenantID), pb.Add(row.Folio), pb.Add(row.State),
		pb.Add(row.CreatedBy), pb.Add(formatTime(row.CreatedAt)),
		pb.Add(row.UpdatedBy), pb.Add(formatTime(row.UpdatedAt)), pb.Add(row.SearchText))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return o.writeCells(ctx, row)
}

func (o *sqlOps) UpdateRow(ctx context.Context, row *record.Row) error {
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf("UPDATE _rows SET state = %s, updated_by = %s, updated_at = %s, search_text = %s WHERE id = %s",
		pb.Add(row.State), pb.Add(row.UpdatedBy), pb.Add(formatTime(row.UpdatedAt)), pb.Add(row.SearchText), pb.Add(row.ID))
	n, err := o.exec(ctx, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	pb = o.d.NewParamBuilder()
	if _, err := o.exec(ctx, "DELETE FROM _values WHERE row_id = "+pb.Add(row.ID), pb.Params()...); err != nil {
		return fmt.Errorf("clear values: %w", err)
	}
	return o.writeCells(ctx, row)
}

// cell is the column form of one stored or computed value.
type cell struct {
	kind     string
	text     any
	number   any
	boolean  any
	date     any
	rmin     any
	rmax     any
	media    any
	computed bool
	unavail  bool
	reason   string
}

func toCell(v record.Value) cell {
	c := cell{kind: v.Kind().String()}
	switch v.Kind() {
	case record.KindText:
		c.text, _ = v.Text()
	case record.KindNumber:
		c.number, _ = v.Number()
	case record.KindBoolean:
		c.boolean, _ = v.Bool()
	case record.KindDate:
		d, _ := v.Date()
		c.date = formatTime(d)
	case record.KindRange:
		r, _ := v.Range()
		c.rmin, c.rmax = r.Min, r.Max
	case record.KindMedia:
		m, _ := v.Media()
		raw, _ := json.Marshal(m)
		c.media = string(raw)
	}
	return c
}

func (o *sqlOps) writeCells(ctx context.Context, row *record.Row) error {
	insert := func(property string, c cell) error {
		pb := o.d.NewParamBuilder()
		query := fmt.Sprintf(`INSERT INTO _values (row_id, property, kind, text_value, number_value, bool_value,
date_value, range_min, range_max, media, computed, unavailable, reason)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(row.ID), pb.Add(property), pb.Add(c.kind), pb.Add(c.text), pb.Add(c.number), pb.Add(c.boolean),
			pb.Add(c.date), pb.Add(c.rmin), pb.Add(c.rmax), pb.Add(c.media),
			pb.Add(c.computed), pb.Add(c.unavail), pb.Add(c.reason))
		if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
			return fmt.Errorf("write %s: %w", property, err)
		}
		return nil
	}

	for prop, v := range row.Values {
		if !v.IsSet() {
			continue
		}
		if err := insert(prop, toCell(v)); err != nil {
			return err
		}
	}
	for prop, comp := range row.Computed {
		c := toCell(comp.Value)
		c.computed = true
		c.unavail = comp.Unavailable
		c.reason = comp.Reason
		if err := insert(prop, c); err != nil {
			return err
		}
	}
	return nil
}

func (o *sqlOps) GetRow(ctx context.Context, id string) (*record.Row, error) {
	rows, err := o.GetRows(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (o *sqlOps) GetRows(ctx context.Context, ids []string) ([]*record.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pb := o.d.NewParamBuilder()
	where := o.d.InExpr("id", pb, ids)
	return o.selectRows(ctx, where, "row_id IN (SELECT id FROM _rows WHERE "+where+")", pb)
}

func (o *sqlOps) ListRows(ctx context.Context, entity string) ([]*record.Row, error) {
	pb := o.d.NewParamBuilder()
	ph := pb.Add(entity)
	return o.selectRows(ctx, "entity = "+ph, "row_id IN (SELECT id FROM _rows WHERE entity = "+ph+")", pb)
}

func (o *sqlOps) selectRows(ctx context.Context, rowWhere, cellWhere string, pb ParamBuilder) ([]*record.Row, error) {
	rows, err := o.q.QueryContext(ctx,
		"SELECT "+rowColumns+" FROM _rows WHERE "+rowWhere+" ORDER BY folio", pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	var out []*record.Row
	byID := make(map[string]*record.Row)
	for rows.Next() {
		var r record.Row
		var createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.Entity, &r.TenantID, &r.Folio, &r.State,
			&r.CreatedBy, &createdAt, &r.UpdatedBy, &updatedAt, &r.SearchText); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		r.Values = make(map[string]record.Value)
		out = append(out, &r)
		byID[r.ID] = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := o.loadCells(ctx, cellWhere, pb, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *sqlOps) loadCells(ctx context.Context, where string, pb ParamBuilder, byID map[string]*record.Row) error {
	rows, err := o.q.QueryContext(ctx, `SELECT row_id, property, kind, text_value, number_value, bool_value,
date_value, range_min, range_max, media, computed, unavailable, reason FROM _values WHERE `+where, pb.Params()...)
	if err != nil {
		return fmt.Errorf("query values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowID, property, kind, reason string
			text, date                    sql.NullString
			number, rmin, rmax            sql.NullFloat64
			boolean, computed, unavail    any
			media                         []byte
		)
		if err := rows.Scan(&rowID, &property, &kind, &text, &number, &boolean,
			&date, &rmin, &rmax, &media, &computed, &unavail, &reason); err != nil {
			return fmt.Errorf("scan value: %w", err)
		}
		row, ok := byID[rowID]
		if !ok {
			continue
		}

		v, err := fromCell(kind, text, number, boolean, date, rmin, rmax, media)
		if err != nil {
			return fmt.Errorf("decode %s.%s: %w", rowID, property, err)
		}
		if toBool(computed) {
			row.SetComputed(property, record.Computed{Value: v, Unavailable: toBool(unavail), Reason: reason})
			continue
		}
		row.Set(property, v)
	}
	return rows.Err()
}

func fromCell(kind string, text sql.NullString, number sql.NullFloat64, boolean any,
	date sql.NullString, rmin, rmax sql.NullFloat64, media []byte) (record.Value, error) {
	k, ok := record.ParseKind(kind)
	if !ok {
		return record.Value{}, fmt.Errorf("unknown kind %q", kind)
	}
	switch k {
	case record.KindText:
		return record.Text(text.String), nil
	case record.KindNumber:
		return record.Number(number.Float64), nil
	case record.KindBoolean:
		return record.Bool(toBool(boolean)), nil
	case record.KindDate:
		t, err := time.Parse(time.RFC3339Nano, date.String)
		if err != nil {
			return record.Value{}, err
		}
		return record.Date(t), nil
	case record.KindRange:
		return record.RangeOf(rmin.Float64, rmax.Float64), nil
	case record.KindMedia:
		var m record.MediaRef
		if err := json.Unmarshal(media, &m); err != nil {
			return record.Value{}, err
		}
		return record.Media(m), nil
	}
	return record.Value{}, nil
}

func (o *sqlOps) CountRows(ctx context.Context, entity string) (int, error) {
	pb := o.d.NewParamBuilder()
	var n int
	err := o.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM _rows WHERE entity = "+pb.Add(entity), pb.Params()...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func (o *sqlOps) DeleteRow(ctx context.Context, id string) error {
	pb := o.d.NewParamBuilder()
	ph := pb.Add(id)
	stmts := []string{
		"DELETE FROM _values WHERE row_id = " + ph,
		"DELETE FROM _row_links WHERE parent_id = " + ph + " OR child_id = " + ph,
		"DELETE FROM _row_grants WHERE row_id = " + ph,
	}
	for _, stmt := range stmts {
		if _, err := o.exec(ctx, stmt, pb.Params()...); err != nil {
			return fmt.Errorf("delete row %s: %w", id, err)
		}
	}
	n, err := o.exec(ctx, "DELETE FROM _rows WHERE id = "+ph, pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete row %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *sqlOps) DeleteProperty(ctx context.Context, entity, property string) error {
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf("DELETE FROM _values WHERE property = %s AND row_id IN (SELECT id FROM _rows WHERE entity = %s)",
		pb.Add(property), pb.Add(entity))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("delete property %s.%s: %w", entity, property, err)
	}
	return nil
}

// --- Links ---

func (o *sqlOps) InsertLink(ctx context.Context, link record.Link) error {
	pb := o.d.NewParamBuilder()
	var pos int64
	err := o.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(position), 0) FROM _row_links WHERE relationship = %s AND parent_id = %s",
			pb.Add(link.Relationship), pb.Add(link.ParentID)), pb.Params()...).Scan(&pos)
	if err != nil {
		return fmt.Errorf("next link position: %w", err)
	}

	pb = o.d.NewParamBuilder()
	query := fmt.Sprintf("INSERT INTO _row_links (relationship, parent_id, child_id, position, created_at) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(link.Relationship), pb.Add(link.ParentID), pb.Add(link.ChildID), pb.Add(pos+1), pb.Add(formatTime(link.CreatedAt)))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (o *sqlOps) DeleteLink(ctx context.Context, relationship, parentID, childID string) error {
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf("DELETE FROM _row_links WHERE relationship = %s AND parent_id = %s AND child_id = %s",
		pb.Add(relationship), pb.Add(parentID), pb.Add(childID))
	n, err := o.exec(ctx, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *sqlOps) Links(ctx context.Context, q LinkQuery) ([]record.Link, error) {
	pb := o.d.NewParamBuilder()
	var where []string
	if q.Relationship != "" {
		where = append(where, "relationship = "+pb.Add(q.Relationship))
	}
	if q.ParentID != "" {
		where = append(where, "parent_id = "+pb.Add(q.ParentID))
	}
	if q.ChildID != "" {
		where = append(where, "child_id = "+pb.Add(q.ChildID))
	}
	if q.RowID != "" {
		ph := pb.Add(q.RowID)
		where = append(where, "(parent_id = "+ph+" OR child_id = "+ph+")")
	}
	query := "SELECT relationship, parent_id, child_id, position, created_at FROM _row_links"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY relationship, parent_id, position, child_id"

	rows, err := o.q.QueryContext(ctx, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []record.Link
	for rows.Next() {
		var l record.Link
		var createdAt string
		if err := rows.Scan(&l.Relationship, &l.ParentID, &l.ChildID, &l.Position, &createdAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Grants ---

func (o *sqlOps) SaveGrant(ctx context.Context, g *metadata.RowGrant) error {
	def, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _row_grants (id, entity, row_id, definition) VALUES (%s, %s, %s, %s)
ON CONFLICT (id) DO UPDATE SET definition = excluded.definition`,
		pb.Add(g.ID), pb.Add(g.Entity), pb.Add(g.RowID), pb.Add(string(def)))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

func (o *sqlOps) DeleteGrant(ctx context.Context, id string) error {
	pb := o.d.NewParamBuilder()
	n, err := o.exec(ctx, "DELETE FROM _row_grants WHERE id = "+pb.Add(id), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *sqlOps) Grants(ctx context.Context, entity string) ([]metadata.RowGrant, error) {
	var out []metadata.RowGrant
	pb := o.d.NewParamBuilder()
	err := o.eachDefinition(ctx, "SELECT definition FROM _row_grants WHERE entity = "+pb.Add(entity)+" ORDER BY id",
		func(raw []byte) error {
			var g metadata.RowGrant
			if err := json.Unmarshal(raw, &g); err != nil {
				return fmt.Errorf("decode grant: %w", err)
			}
			out = append(out, g)
			return nil
		}, pb.Params()...)
	return out, err
}

// --- Users ---

func (o *sqlOps) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	pb := o.d.NewParamBuilder()
	row, err := QueryRow(ctx, o.q,
		"SELECT id, email, password_hash, tenant_id, roles, super_user, active, created_at FROM _users WHERE email = "+pb.Add(email),
		pb.Params()...)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	u := &User{
		ID:           toString(row["id"]),
		Email:        toString(row["email"]),
		PasswordHash: toString(row["password_hash"]),
		TenantID:     toString(row["tenant_id"]),
		SuperUser:    toBool(row["super_user"]),
		Active:       toBool(row["active"]),
		CreatedAt:    parseTime(toString(row["created_at"])),
	}
	if err := json.Unmarshal([]byte(toString(row["roles"])), &u.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return u, nil
}

func (o *sqlOps) SaveUser(ctx context.Context, u *User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _users (id, email, password_hash, tenant_id, roles, super_user, active, created_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
ON CONFLICT (id) DO UPDATE SET email = excluded.email, password_hash = excluded.password_hash,
tenant_id = excluded.tenant_id, roles = excluded.roles, super_user = excluded.super_user, active = excluded.active`,
		pb.Add(u.ID), pb.Add(u.Email), pb.Add(u.PasswordHash), pb.Add(u.TenantID), pb.Add(string(roles)),
		pb.Add(u.SuperUser), pb.Add(u.Active), pb.Add(formatTime(u.CreatedAt)))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (o *sqlOps) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := o.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// --- Files ---

func (o *sqlOps) SaveFile(ctx context.Context, f *File) error {
	pb := o.d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _files (id, tenant_id, filename, storage_path, mime_type, size, uploaded_by, created_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(f.ID), pb.Add(f.TenantID), pb.Add(f.Filename), pb.Add(f.StoragePath), pb.Add(f.MimeType),
		pb.Add(f.Size), pb.Add(f.UploadedBy), pb.Add(formatTime(f.CreatedAt)))
	if _, err := o.exec(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	return nil
}

func (o *sqlOps) GetFile(ctx context.Context, id string) (*File, error) {
	pb := o.d.NewParamBuilder()
	row, err := QueryRow(ctx, o.q,
		"SELECT id, tenant_id, filename, storage_path, mime_type, size, uploaded_by, created_at FROM _files WHERE id = "+pb.Add(id),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	size, _ := row["size"].(int64)
	return &File{
		ID:          toString(row["id"]),
		TenantID:    toString(row["tenant_id"]),
		Filename:    toString(row["filename"]),
		StoragePath: toString(row["storage_path"]),
		MimeType:    toString(row["mime_type"]),
		Size:        size,
		UploadedBy:  toString(row["uploaded_by"]),
		CreatedAt:   parseTime(toString(row["created_at"])),
	}, nil
}

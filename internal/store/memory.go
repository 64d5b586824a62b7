package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

type linkKey struct {
	relationship, parentID, childID string
}

// memState is one snapshot of everything the memory store holds.
type memState struct {
	entities      map[string]*metadata.Entity
	relationships map[string]*metadata.Relationship
	permissions   map[string][]*metadata.Permission
	rows          map[string]*record.Row
	links         map[linkKey]record.Link
	grants        map[string]metadata.RowGrant
	users         map[string]User
	files         map[string]File
}

func newMemState() *memState {
	return &memState{
		entities:      make(map[string]*metadata.Entity),
		relationships: make(map[string]*metadata.Relationship),
		permissions:   make(map[string][]*metadata.Permission),
		rows:          make(map[string]*record.Row),
		links:         make(map[linkKey]record.Link),
		grants:        make(map[string]metadata.RowGrant),
		users:         make(map[string]User),
		files:         make(map[string]File),
	}
}

// clone copies the maps. Rows and definitions are replaced, never
// mutated in place, so sharing the pointed-to values is safe.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.entities {
		c.entities[k] = v
	}
	for k, v := range s.relationships {
		c.relationships[k] = v
	}
	for k, v := range s.permissions {
		c.permissions[k] = v
	}
	for k, v := range s.rows {
		c.rows[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	return c
}

// MemoryStore is an in-process Repository. Transactions run one at a time
// against a private copy of the state that replaces the committed state
// only when the callback succeeds.
type MemoryStore struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	state *memState

	folioMu sync.Mutex
	folios  map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), folios: make(map[string]int64)}
}

func (m *MemoryStore) LoadSchema(ctx context.Context) (*metadata.Schema, error) {
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()
	return (&memTx{st: st}).LoadSchema(ctx)
}

func (m *MemoryStore) NextFolio(ctx context.Context, entity string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.folioMu.Lock()
	defer m.folioMu.Unlock()
	m.folios[entity]++
	return m.folios[entity], nil
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()

	if err := fn(&memTx{st: work}); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

type memTx struct {
	st *memState
}

func (t *memTx) LoadSchema(ctx context.Context) (*metadata.Schema, error) {
	s := &metadata.Schema{}
	for _, e := range t.st.entities {
		s.Entities = append(s.Entities, e.Clone())
	}
	sort.Slice(s.Entities, func(i, j int) bool { return s.Entities[i].Name < s.Entities[j].Name })

	for _, r := range t.st.relationships {
		rc := *r
		s.Relationships = append(s.Relationships, &rc)
	}
	sort.Slice(s.Relationships, func(i, j int) bool { return s.Relationships[i].Name < s.Relationships[j].Name })

	entities := make([]string, 0, len(t.st.permissions))
	for e := range t.st.permissions {
		entities = append(entities, e)
	}
	sort.Strings(entities)
	for _, e := range entities {
		for _, p := range t.st.permissions[e] {
			pc := *p
			pc.Roles = append([]string(nil), p.Roles...)
			pc.Conditions = append([]metadata.PermissionCondition(nil), p.Conditions...)
			s.Permissions = append(s.Permissions, &pc)
		}
	}
	return s, nil
}

func (t *memTx) SaveEntity(ctx context.Context, e *metadata.Entity) error {
	t.st.entities[e.Name] = e.Clone()
	return nil
}

func (t *memTx) DeleteEntity(ctx context.Context, name string) error {
	for id, row := range t.st.rows {
		if row.Entity == name {
			t.deleteRow(id)
		}
	}
	for rel, r := range t.st.relationships {
		if r.Involves(name) {
			t.deleteRelationship(rel)
		}
	}
	delete(t.st.permissions, name)
	delete(t.st.entities, name)
	return nil
}

func (t *memTx) SaveRelationship(ctx context.Context, r *metadata.Relationship) error {
	rc := *r
	t.st.relationships[r.Name] = &rc
	return nil
}

func (t *memTx) DeleteRelationship(ctx context.Context, name string) error {
	t.deleteRelationship(name)
	return nil
}

func (t *memTx) deleteRelationship(name string) {
	for k := range t.st.links {
		if k.relationship == name {
			delete(t.st.links, k)
		}
	}
	delete(t.st.relationships, name)
}

func (t *memTx) ReplacePermissions(ctx context.Context, entity string, perms []*metadata.Permission) error {
	list := make([]*metadata.Permission, 0, len(perms))
	for _, p := range perms {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		pc := *p
		pc.Roles = append([]string(nil), p.Roles...)
		pc.Conditions = append([]metadata.PermissionCondition(nil), p.Conditions...)
		list = append(list, &pc)
	}
	if len(list) == 0 {
		delete(t.st.permissions, entity)
		return nil
	}
	t.st.permissions[entity] = list
	return nil
}

func (t *memTx) InsertRow(ctx context.Context, row *record.Row) error {
	if _, ok := t.st.rows[row.ID]; ok {
		return ErrUniqueViolation
	}
	for _, r := range t.st.rows {
		if r.Entity == row.Entity && r.Folio == row.Folio {
			return ErrUniqueViolation
		}
	}
	t.st.rows[row.ID] = row.Clone()
	return nil
}

func (t *memTx) UpdateRow(ctx context.Context, row *record.Row) error {
	if _, ok := t.st.rows[row.ID]; !ok {
		return ErrNotFound
	}
	t.st.rows[row.ID] = row.Clone()
	return nil
}

func (t *memTx) GetRow(ctx context.Context, id string) (*record.Row, error) {
	r, ok := t.st.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) GetRows(ctx context.Context, ids []string) ([]*record.Row, error) {
	var out []*record.Row
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := t.st.rows[id]; ok {
			out = append(out, r.Clone())
		}
	}
	sortByFolio(out)
	return out, nil
}

func (t *memTx) ListRows(ctx context.Context, entity string) ([]*record.Row, error) {
	var out []*record.Row
	for _, r := range t.st.rows {
		if r.Entity == entity {
			out = append(out, r.Clone())
		}
	}
	sortByFolio(out)
	return out, nil
}

func sortByFolio(rows []*record.Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Folio != rows[j].Folio {
			return rows[i].Folio < rows[j].Folio
		}
		return rows[i].ID < rows[j].ID
	})
}

func (t *memTx) CountRows(ctx context.Context, entity string) (int, error) {
	n := 0
	for _, r := range t.st.rows {
		if r.Entity == entity {
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteRow(ctx context.Context, id string) error {
	if _, ok := t.st.rows[id]; !ok {
		return ErrNotFound
	}
	t.deleteRow(id)
	return nil
}

func (t *memTx) deleteRow(id string) {
	for k := range t.st.links {
		if k.parentID == id || k.childID == id {
			delete(t.st.links, k)
		}
	}
	for gid, g := range t.st.grants {
		if g.RowID == id {
			delete(t.st.grants, gid)
		}
	}
	delete(t.st.rows, id)
}

func (t *memTx) DeleteProperty(ctx context.Context, entity, property string) error {
	for id, r := range t.st.rows {
		if r.Entity != entity {
			continue
		}
		_, stored := r.Values[property]
		_, computed := r.Computed[property]
		if !stored && !computed {
			continue
		}
		c := r.Clone()
		delete(c.Values, property)
		delete(c.Computed, property)
		t.st.rows[id] = c
	}
	return nil
}

func (t *memTx) InsertLink(ctx context.Context, link record.Link) error {
	key := linkKey{link.Relationship, link.ParentID, link.ChildID}
	if _, ok := t.st.links[key]; ok {
		return ErrUniqueViolation
	}
	var pos int64
	for k, l := range t.st.links {
		if k.relationship == link.Relationship && k.parentID == link.ParentID && l.Position > pos {
			pos = l.Position
		}
	}
	link.Position = pos + 1
	t.st.links[key] = link
	return nil
}

func (t *memTx) DeleteLink(ctx context.Context, relationship, parentID, childID string) error {
	key := linkKey{relationship, parentID, childID}
	if _, ok := t.st.links[key]; !ok {
		return ErrNotFound
	}
	delete(t.st.links, key)
	return nil
}

func (t *memTx) Links(ctx context.Context, q LinkQuery) ([]record.Link, error) {
	var out []record.Link
	for _, l := range t.st.links {
		if q.matches(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Relationship != b.Relationship {
			return a.Relationship < b.Relationship
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ChildID < b.ChildID
	})
	return out, nil
}

func (t *memTx) SaveGrant(ctx context.Context, g *metadata.RowGrant) error {
	gc := *g
	gc.Actions = append([]string(nil), g.Actions...)
	t.st.grants[g.ID] = gc
	return nil
}

func (t *memTx) DeleteGrant(ctx context.Context, id string) error {
	if _, ok := t.st.grants[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.grants, id)
	return nil
}

func (t *memTx) Grants(ctx context.Context, entity string) ([]metadata.RowGrant, error) {
	var out []metadata.RowGrant
	for _, g := range t.st.grants {
		if g.Entity == entity {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	for _, u := range t.st.users {
		if strings.EqualFold(u.Email, email) {
			uc := u
			uc.Roles = append([]string(nil), u.Roles...)
			return &uc, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) SaveUser(ctx context.Context, u *User) error {
	for id, existing := range t.st.users {
		if id != u.ID && strings.EqualFold(existing.Email, u.Email) {
			return ErrUniqueViolation
		}
	}
	uc := *u
	uc.Roles = append([]string(nil), u.Roles...)
	t.st.users[u.ID] = uc
	return nil
}

func (t *memTx) CountUsers(ctx context.Context) (int, error) {
	return len(t.st.users), nil
}

func (t *memTx) SaveFile(ctx context.Context, f *File) error {
	t.st.files[f.ID] = *f
	return nil
}

func (t *memTx) GetFile(ctx context.Context, id string) (*File, error) {
	f, ok := t.st.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

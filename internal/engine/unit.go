package engine

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// maxCellPasses bounds how often one cell is recomputed inside a unit.
// Acyclic schemas stay far below it; diamonds recompute a cell once per
// changed input.
const maxCellPasses = 32

type cellKey struct {
	rowID    string
	property string
}

// unit is one unit of work inside a transaction. It caches the rows it has
// touched, tracks which are dirty, and drives formula recomputation until
// no dependent cell changes.
type unit struct {
	e   *Engine
	ctx context.Context
	tx  store.Tx
	reg *metadata.Registry

	rows    map[string]*record.Row
	dirty   map[string]bool
	deleted map[string]bool

	queue   []cellKey
	pending map[cellKey]bool
	passes  map[cellKey]int

	storeErr error
}

func (e *Engine) newUnit(ctx context.Context, tx store.Tx, reg *metadata.Registry) *unit {
	return &unit{
		e:       e,
		ctx:     ctx,
		tx:      tx,
		reg:     reg,
		rows:    make(map[string]*record.Row),
		dirty:   make(map[string]bool),
		deleted: make(map[string]bool),
		pending: make(map[cellKey]bool),
		passes:  make(map[cellKey]int),
	}
}

// row returns the working copy of a row, loading it on first use.
func (u *unit) row(id string) (*record.Row, error) {
	if u.deleted[id] {
		return nil, store.ErrNotFound
	}
	if r, ok := u.rows[id]; ok {
		return r, nil
	}
	r, err := u.tx.GetRow(u.ctx, id)
	if err != nil {
		return nil, err
	}
	u.rows[id] = r
	return r, nil
}

// entityRow loads a row and checks it belongs to entity.
func (u *unit) entityRow(entity, id string) (*record.Row, error) {
	r, err := u.row(id)
	if err != nil {
		return nil, rowError(entity, id, err)
	}
	if r.Entity != entity {
		return nil, NotFoundError(entity, id)
	}
	return r, nil
}

func (u *unit) put(r *record.Row) {
	u.rows[r.ID] = r
}

func (u *unit) touch(r *record.Row) {
	u.dirty[r.ID] = true
}

// relatedIDs returns the ids of rows linked to rowID through rel, seen
// from the side entity is on. Children come in link order, parents in the
// order they were linked.
func (u *unit) relatedIDs(rel *metadata.Relationship, entity, rowID string) ([]string, error) {
	if entity == rel.Parent {
		links, err := u.tx.Links(u.ctx, store.LinkQuery{Relationship: rel.Name, ParentID: rowID})
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(links))
		for _, l := range links {
			if !u.deleted[l.ChildID] {
				ids = append(ids, l.ChildID)
			}
		}
		return ids, nil
	}

	links, err := u.tx.Links(u.ctx, store.LinkQuery{Relationship: rel.Name, ChildID: rowID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].ParentID < links[j].ParentID
	})
	ids := make([]string, 0, len(links))
	for _, l := range links {
		if !u.deleted[l.ParentID] {
			ids = append(ids, l.ParentID)
		}
	}
	return ids, nil
}

func (u *unit) related(rel *metadata.Relationship, entity, rowID string) ([]*record.Row, error) {
	ids, err := u.relatedIDs(rel, entity, rowID)
	if err != nil {
		return nil, err
	}
	rows := make([]*record.Row, 0, len(ids))
	for _, id := range ids {
		r, err := u.row(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// recomputes reports whether a formula follows changes to its dependencies.
// on_update and on_related_change both react to any dependency: an own
// value, a related row's value, or link membership of a relationship the
// formula reads through. on_create formulas keep their creation value.
func recomputes(p *metadata.Property) bool {
	if p == nil || p.Formula == nil {
		return false
	}
	return p.Formula.Trigger != metadata.TriggerOnCreate
}

func (u *unit) formulaProperty(entity, property string) *metadata.Property {
	ent := u.reg.GetEntity(entity)
	if ent == nil {
		return nil
	}
	return ent.GetProperty(property)
}

func (u *unit) enqueue(rowID, property string) {
	k := cellKey{rowID: rowID, property: property}
	if u.pending[k] || u.deleted[rowID] {
		return
	}
	u.pending[k] = true
	u.queue = append(u.queue, k)
}

// valueChanged schedules every formula that reads property of row.
func (u *unit) valueChanged(row *record.Row, property string) error {
	for _, fr := range u.reg.Dependents(row.Entity, property) {
		p := u.formulaProperty(fr.Entity, fr.Property)
		if fr.Via == "" {
			if fr.Entity == row.Entity && recomputes(p) {
				u.enqueue(row.ID, fr.Property)
			}
			continue
		}
		if !recomputes(p) {
			continue
		}
		rel := u.reg.GetRelationship(fr.Via)
		ids, err := u.relatedIDs(rel, row.Entity, row.ID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			u.enqueue(id, fr.Property)
		}
	}
	return nil
}

// linkChanged schedules formulas on either end that read through rel.
func (u *unit) linkChanged(rel *metadata.Relationship, parentID, childID string) {
	for _, fr := range u.reg.LinkDependents(rel.Name) {
		if !recomputes(u.formulaProperty(fr.Entity, fr.Property)) {
			continue
		}
		if fr.Entity == rel.Parent {
			u.enqueue(parentID, fr.Property)
		} else {
			u.enqueue(childID, fr.Property)
		}
	}
}

// stateChanged schedules the row's own formulas, which may read state.
func (u *unit) stateChanged(row *record.Row) {
	ent := u.reg.GetEntity(row.Entity)
	for _, p := range ent.FormulaProperties() {
		if recomputes(p) {
			u.enqueue(row.ID, p.Name)
		}
	}
}

// computeAll evaluates every formula of a new row in dependency order.
func (u *unit) computeAll(ent *metadata.Entity, row *record.Row) error {
	for _, p := range formulaOrder(u.reg, ent) {
		c, err := u.evaluate(ent, p, row)
		if err != nil {
			return err
		}
		row.SetComputed(p.Name, c)
	}
	u.touch(row)
	return nil
}

// formulaOrder sorts an entity's formulas so each comes after the own
// formulas it reads.
func formulaOrder(reg *metadata.Registry, ent *metadata.Entity) []*metadata.Property {
	props := ent.FormulaProperties()
	byName := make(map[string]*metadata.Property, len(props))
	for _, p := range props {
		byName[p.Name] = p
	}
	visited := make(map[string]bool, len(props))
	order := make([]*metadata.Property, 0, len(props))
	var visit func(p *metadata.Property)
	visit = func(p *metadata.Property) {
		if visited[p.Name] {
			return
		}
		visited[p.Name] = true
		if deps := reg.FormulaDeps(ent.Name, p.Name); deps != nil {
			for _, name := range deps.Own {
				if q, ok := byName[name]; ok {
					visit(q)
				}
			}
		}
		order = append(order, p)
	}
	for _, p := range props {
		visit(p)
	}
	return order
}

// recalc drains the worklist. A recomputed cell that changed schedules
// its own dependents in turn.
func (u *unit) recalc() error {
	if len(u.queue) == 0 {
		return nil
	}
	_, span := instrument.GetInstrumenter(u.ctx).StartSpan(u.ctx, "engine", "formula", "formula.recalc")
	defer span.End()

	evaluated := 0
	for len(u.queue) > 0 {
		k := u.queue[0]
		u.queue = u.queue[1:]
		delete(u.pending, k)

		row, err := u.row(k.rowID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			span.SetStatus("error")
			return err
		}
		ent := u.reg.GetEntity(row.Entity)
		p := ent.GetProperty(k.property)
		if p == nil || !p.IsFormula() {
			continue
		}

		u.passes[k]++
		var c record.Computed
		if u.passes[k] > maxCellPasses {
			log.Warn().Str("entity", row.Entity).Str("row_id", row.ID).Str("property", p.Name).
				Msg("formula recalculation limit reached")
			c = record.UnavailableCell("recalculation limit reached")
		} else {
			c, err = u.evaluate(ent, p, row)
			if err != nil {
				span.SetStatus("error")
				return err
			}
		}
		evaluated++

		if old, ok := row.Computed[p.Name]; ok && computedEqual(old, c) {
			continue
		}
		row.SetComputed(p.Name, c)
		u.touch(row)
		log.Debug().Str("entity", row.Entity).Str("row_id", row.ID).Str("property", p.Name).
			Msg("formula recomputed")

		if u.passes[k] <= maxCellPasses {
			if err := u.valueChanged(row, p.Name); err != nil {
				span.SetStatus("error")
				return err
			}
		}
	}
	span.SetMetadata("evaluated", evaluated)
	span.SetStatus("ok")
	return nil
}

func computedEqual(a, b record.Computed) bool {
	return a.Unavailable == b.Unavailable && a.Reason == b.Reason && a.Value.Equal(b.Value)
}

// flush writes every dirty row back, refreshing its search text.
func (u *unit) flush() error {
	ids := make([]string, 0, len(u.dirty))
	for id := range u.dirty {
		if !u.deleted[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		row := u.rows[id]
		row.SearchText = searchText(u.reg.GetEntity(row.Entity), row)
		if err := u.tx.UpdateRow(u.ctx, row); err != nil {
			return err
		}
	}
	u.dirty = make(map[string]bool)
	return nil
}

// settle runs recomputation and writes the result.
func (u *unit) settle() error {
	if err := u.recalc(); err != nil {
		return err
	}
	return u.flush()
}

// searchText is the lowercased row title plus description text.
func searchText(ent *metadata.Entity, row *record.Row) string {
	parts := []string{rowTitle(ent, row)}
	if ent.DescriptionProperty != "" {
		if v := row.Lookup(ent.DescriptionProperty); v.IsSet() {
			parts = append(parts, v.String())
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// rowTitle is the display property value, or the folio label.
func rowTitle(ent *metadata.Entity, row *record.Row) string {
	if p := ent.DisplayProperty(); p != nil {
		if v := row.Lookup(p.Name); v.IsSet() {
			return v.String()
		}
	}
	return row.FolioLabel(ent.Prefix)
}

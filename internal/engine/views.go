package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// ViewQuery selects the rows of an entity through a named or inline view.
// With neither set, the caller's default view applies.
type ViewQuery struct {
	Entity         string
	ViewName       string
	View           *metadata.View
	Page           int
	PageSize       int
	Search         string
	Manual         map[string]string
	IncludeRelated bool

	filter rowFilter
}

type ViewResult struct {
	Rows       []*record.Row             `json:"rows"`
	TotalCount int                       `json:"total_count"`
	Page       int                       `json:"page"`
	PageSize   int                       `json:"page_size"`
	TotalPages int                       `json:"total_pages"`
	Columns    []string                  `json:"columns"`
	Related    map[string][]RelatedGroup `json:"related,omitempty"`
}

// EvaluateView authorizes, filters, sorts and paginates rows.
func (e *Engine) EvaluateView(ctx context.Context, q ViewQuery) (*ViewResult, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "views", "view.evaluate")
	defer span.End()
	span.SetEntity(q.Entity, "")
	if q.ViewName != "" {
		span.SetMetadata("view", q.ViewName)
	}

	res, err := e.evaluateView(ctx, q)
	if res != nil {
		span.SetMetadata("total_count", res.TotalCount)
	}
	finish(span, err)
	return res, err
}

func (e *Engine) evaluateView(ctx context.Context, q ViewQuery) (*ViewResult, error) {
	reg, ent, err := e.entity(ctx, q.Entity)
	if err != nil {
		return nil, err
	}
	view, err := e.resolveView(ctx, ent, q)
	if err != nil {
		return nil, err
	}
	for prop := range q.Manual {
		if !ent.HasProperty(prop) && !metadata.SortableSystemFields[prop] {
			return nil, fieldError(prop, "filter", "unknown property for %s", ent.Name)
		}
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = view.PageSize
	}
	if pageSize <= 0 {
		pageSize = e.opts.DefaultPageSize
	}
	if pageSize > e.opts.MaxPageSize {
		pageSize = e.opts.MaxPageSize
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	res := &ViewResult{Page: page, PageSize: pageSize, Columns: viewColumns(ent, view)}
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		rows, err := tx.ListRows(ctx, ent.Name)
		if err != nil {
			return fmt.Errorf("list %s rows: %w", ent.Name, err)
		}
		rows, err = q.filter.apply(ctx, tx, rows)
		if err != nil {
			return err
		}

		search := strings.ToLower(strings.TrimSpace(q.Search))
		matched := rows[:0:0]
		for _, r := range rows {
			if search != "" && !matchesSearch(ent, r, search) {
				continue
			}
			if !matchesManual(r, q.Manual) {
				continue
			}
			ok, err := matchesFilters(ent, r, view.Filters)
			if err != nil {
				return err
			}
			if ok {
				matched = append(matched, r)
			}
		}

		sortRows(matched, view.Sort)

		res.TotalCount = len(matched)
		res.TotalPages = (len(matched) + pageSize - 1) / pageSize
		start := (page - 1) * pageSize
		if start > len(matched) {
			start = len(matched)
		}
		end := start + pageSize
		if end > len(matched) {
			end = len(matched)
		}
		res.Rows = matched[start:end]

		if q.IncludeRelated {
			u := e.newUnit(ctx, tx, reg)
			res.Related = make(map[string][]RelatedGroup, len(res.Rows))
			for _, r := range res.Rows {
				u.put(r)
				groups, err := u.relatedGroups(ent.Name, r.ID, q.filter)
				if err != nil {
					return err
				}
				res.Related[r.ID] = groups
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Rows == nil {
		res.Rows = []*record.Row{}
	}
	return res, nil
}

// resolveView picks the inline view, the named view, or the caller's
// default. With none available every property is shown unfiltered.
func (e *Engine) resolveView(ctx context.Context, ent *metadata.Entity, q ViewQuery) (metadata.View, error) {
	var tenantID, userID string
	if u := metadata.UserFrom(ctx); u != nil {
		tenantID, userID = u.TenantID, u.ID
	}
	switch {
	case q.View != nil:
		if err := checkInlineView(ent, *q.View); err != nil {
			return metadata.View{}, err
		}
		return *q.View, nil
	case q.ViewName != "":
		v := ent.GetView(q.ViewName)
		if v == nil || !v.VisibleTo(tenantID, userID) {
			return metadata.View{}, NewAppError(CodeNotFound, 404, fmt.Sprintf("%s view %s not found", ent.Name, q.ViewName))
		}
		return *v, nil
	}
	if v := metadata.SelectView(ent.Views, tenantID, userID); v != nil {
		return *v, nil
	}
	return metadata.View{Name: "all"}, nil
}

func checkInlineView(ent *metadata.Entity, v metadata.View) error {
	var details []ErrorDetail
	for _, col := range v.Columns {
		if !ent.HasProperty(col) && !metadata.SortableSystemFields[col] {
			details = append(details, ErrorDetail{Field: col, Rule: "column", Message: "unknown property"})
		}
	}
	for _, f := range v.Filters {
		if !ent.HasProperty(f.Property) && !metadata.SortableSystemFields[f.Property] {
			details = append(details, ErrorDetail{Field: f.Property, Rule: "filter", Message: "unknown property"})
		} else if !metadata.KnownCondition(f.Condition) {
			details = append(details, ErrorDetail{Field: f.Property, Rule: "filter", Message: fmt.Sprintf("unknown condition %q", f.Condition)})
		}
	}
	for _, k := range v.Sort {
		if !ent.HasProperty(k.Property) && !metadata.SortableSystemFields[k.Property] {
			details = append(details, ErrorDetail{Field: k.Property, Rule: "sort", Message: "unknown property"})
		}
	}
	if len(details) > 0 {
		return ValidationError(details)
	}
	return nil
}

func viewColumns(ent *metadata.Entity, v metadata.View) []string {
	if len(v.Columns) > 0 {
		return append([]string(nil), v.Columns...)
	}
	var cols []string
	for _, p := range ent.OrderedProperties() {
		if !p.Hidden {
			cols = append(cols, p.Name)
		}
	}
	return cols
}

// fieldValue reads a property or one of the system fields as a typed value.
func fieldValue(r *record.Row, name string) record.Value {
	switch name {
	case "folio":
		return record.Number(float64(r.Folio))
	case "state":
		if r.State == "" {
			return record.Value{}
		}
		return record.Text(r.State)
	case "created_at":
		return record.Date(r.CreatedAt)
	case "updated_at":
		return record.Date(r.UpdatedAt)
	}
	return r.Lookup(name)
}

func fieldKind(ent *metadata.Entity, name string) record.Kind {
	switch name {
	case "folio":
		return record.KindNumber
	case "state":
		return record.KindText
	case "created_at", "updated_at":
		return record.KindDate
	}
	if p := ent.GetProperty(name); p != nil {
		return p.StorageKind()
	}
	return record.KindNone
}

func matchesSearch(ent *metadata.Entity, r *record.Row, search string) bool {
	if strings.Contains(r.SearchText, search) {
		return true
	}
	for _, p := range ent.Properties {
		if !p.IsTextLike() {
			continue
		}
		if v := r.Lookup(p.Name); v.IsSet() && strings.Contains(strings.ToLower(v.String()), search) {
			return true
		}
	}
	return false
}

func matchesManual(r *record.Row, manual map[string]string) bool {
	for prop, text := range manual {
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			continue
		}
		v := fieldValue(r, prop)
		if !v.IsSet() || !strings.Contains(strings.ToLower(v.String()), text) {
			return false
		}
	}
	return true
}

func matchesFilters(ent *metadata.Entity, r *record.Row, filters []metadata.Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matchFilter(fieldKind(ent, f.Property), fieldValue(r, f.Property), f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchFilter applies one condition. An unset value satisfies is_empty and
// the negative conditions only.
func matchFilter(kind record.Kind, v record.Value, f metadata.Filter) (bool, error) {
	switch f.Condition {
	case metadata.CondIsEmpty:
		return !v.IsSet(), nil
	case metadata.CondIsNotEmpty:
		return v.IsSet(), nil
	case metadata.CondIn:
		items, err := filterList(kind, f)
		if err != nil {
			return false, err
		}
		for _, item := range items {
			if v.IsSet() && valuesMatch(v, item) {
				return true, nil
			}
		}
		return false, nil
	}

	if !v.IsSet() {
		return f.Condition == metadata.CondNotEquals || f.Condition == metadata.CondNotContains, nil
	}

	switch f.Condition {
	case metadata.CondContains, metadata.CondNotContains, metadata.CondStartsWith, metadata.CondEndsWith:
		needle := strings.ToLower(fmt.Sprint(f.Value))
		hay := strings.ToLower(v.String())
		switch f.Condition {
		case metadata.CondContains:
			return strings.Contains(hay, needle), nil
		case metadata.CondNotContains:
			return !strings.Contains(hay, needle), nil
		case metadata.CondStartsWith:
			return strings.HasPrefix(hay, needle), nil
		default:
			return strings.HasSuffix(hay, needle), nil
		}
	}

	operand, err := filterOperand(kind, f.Property, f.Value)
	if err != nil {
		return false, err
	}
	switch f.Condition {
	case metadata.CondEquals:
		return valuesMatch(v, operand), nil
	case metadata.CondNotEquals:
		return !valuesMatch(v, operand), nil
	}

	c, ok := v.Compare(operand)
	if !ok {
		return false, nil
	}
	switch f.Condition {
	case metadata.CondGreaterThan:
		return c > 0, nil
	case metadata.CondGreaterOrEqual:
		return c >= 0, nil
	case metadata.CondLessThan:
		return c < 0, nil
	case metadata.CondLessOrEqual:
		return c <= 0, nil
	}
	return false, fieldError(f.Property, "filter", "unknown condition %q", f.Condition)
}

// valuesMatch is equality with range containment: a range matches a
// number inside it.
func valuesMatch(v, operand record.Value) bool {
	if rng, ok := v.Range(); ok {
		if n, ok := operand.Number(); ok {
			return rng.Contains(n)
		}
	}
	return v.Equal(operand)
}

// filterOperand converts a filter value to the field's kind. Query strings
// arrive as text, so numbers, booleans and dates are parsed from it.
func filterOperand(kind record.Kind, field string, raw any) (record.Value, error) {
	if s, ok := raw.(string); ok {
		switch kind {
		case record.KindNumber, record.KindRange:
			n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return record.Value{}, fieldError(field, "filter", "%q is not a number", s)
			}
			return record.Number(n), nil
		case record.KindBoolean:
			b, err := strconv.ParseBool(strings.TrimSpace(s))
			if err != nil {
				return record.Value{}, fieldError(field, "filter", "%q is not a boolean", s)
			}
			return record.Bool(b), nil
		case record.KindDate:
			t, err := record.ParseDate(strings.TrimSpace(s))
			if err != nil {
				return record.Value{}, fieldError(field, "filter", "%v", err)
			}
			return record.Date(t), nil
		}
	}
	if t, ok := raw.(time.Time); ok && kind == record.KindDate {
		return record.Date(t), nil
	}
	if kind == record.KindRange {
		kind = record.KindNumber
	}
	v, err := record.Parse(kind, raw)
	if err != nil {
		return record.Value{}, fieldError(field, "filter", "%v", err)
	}
	return v, nil
}

func filterList(kind record.Kind, f metadata.Filter) ([]record.Value, error) {
	var raw []any
	switch l := f.Value.(type) {
	case []any:
		raw = l
	case []string:
		for _, s := range l {
			raw = append(raw, s)
		}
	case string:
		for _, s := range strings.Split(l, ",") {
			raw = append(raw, strings.TrimSpace(s))
		}
	default:
		raw = []any{f.Value}
	}
	out := make([]record.Value, 0, len(raw))
	for _, item := range raw {
		v, err := filterOperand(kind, f.Property, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// sortRows orders rows stably by the sort keys, unset values last, with
// folio as the final tie breaker.
func sortRows(rows []*record.Row, keys []metadata.SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, b := fieldValue(rows[i], k.Property), fieldValue(rows[j], k.Property)
			switch {
			case !a.IsSet() && !b.IsSet():
				continue
			case !a.IsSet():
				return false
			case !b.IsSet():
				return true
			}
			c, ok := a.Compare(b)
			if !ok || c == 0 {
				continue
			}
			if k.Ascending {
				return c < 0
			}
			return c > 0
		}
		return rows[i].Folio < rows[j].Folio
	})
}

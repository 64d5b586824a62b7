package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// program compiles an expression once per engine. now() is bound to the
// engine clock rather than the expr builtin.
func (e *Engine) program(expression string) (*vm.Program, error) {
	e.programsMu.RLock()
	prog, ok := e.programs[expression]
	e.programsMu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression,
		expr.DisableBuiltin("now"),
		expr.Function("now", func(params ...any) (any, error) {
			return e.opts.Now().UTC(), nil
		}, new(func() time.Time)),
	)
	if err != nil {
		return nil, fmt.Errorf("compile formula: %w", err)
	}

	e.programsMu.Lock()
	e.programs[expression] = prog
	e.programsMu.Unlock()
	return prog, nil
}

// EvaluateFormula recomputes one formula cell without writing it.
func (e *Engine) EvaluateFormula(ctx context.Context, entity, id, property string) (record.Computed, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "formula", "formula.evaluate")
	defer span.End()
	span.SetEntity(entity, id)
	span.SetMetadata("property", property)

	var out record.Computed
	err := e.evaluateFormula(ctx, entity, id, property, &out)
	finish(span, err)
	return out, err
}

func (e *Engine) evaluateFormula(ctx context.Context, entity, id, property string, out *record.Computed) error {
	reg, ent, err := e.entity(ctx, entity)
	if err != nil {
		return err
	}
	p := ent.GetProperty(property)
	if p == nil || !p.IsFormula() {
		return fieldError(property, "formula", "%s is not a formula property of %s", property, entity)
	}
	return e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		row, err := u.entityRow(entity, id)
		if err != nil {
			return err
		}
		c, err := u.evaluate(ent, p, row)
		if err != nil {
			return err
		}
		*out = c
		return nil
	})
}

// evaluate runs one formula against a row. Expression failures degrade the
// cell; only storage failures are returned as errors.
func (u *unit) evaluate(ent *metadata.Entity, p *metadata.Property, row *record.Row) (record.Computed, error) {
	prog, err := u.e.program(p.Formula.Expression)
	if err != nil {
		return record.UnavailableCell(err.Error()), nil
	}

	u.storeErr = nil
	out, err := expr.Run(prog, u.env(ent, row))
	if u.storeErr != nil {
		return record.Computed{}, u.storeErr
	}
	if err != nil {
		return u.unavailable(ent, p, row, err), nil
	}
	v, err := coerce(out, p.Formula.ResultAs)
	if err != nil {
		return u.unavailable(ent, p, row, err), nil
	}
	return record.Computed{Value: v}, nil
}

func (u *unit) unavailable(ent *metadata.Entity, p *metadata.Property, row *record.Row, err error) record.Computed {
	log.Warn().
		Str("entity", ent.Name).
		Str("row_id", row.ID).
		Str("property", p.Name).
		Err(err).
		Msg("formula unavailable")
	return record.UnavailableCell(err.Error())
}

var errNoValues = errors.New("no related values")

// env exposes own values by property name plus the relation functions.
func (u *unit) env(ent *metadata.Entity, row *record.Row) map[string]any {
	env := make(map[string]any, len(ent.Properties)+8)
	for _, p := range ent.Properties {
		env[p.Name] = row.Lookup(p.Name).Interface()
	}
	env[metadata.IdentFolio] = row.Folio
	env[metadata.IdentState] = row.State

	related := func(relName string) ([]*record.Row, error) {
		rel := u.reg.GetRelationship(relName)
		if rel == nil {
			return nil, fmt.Errorf("unknown relationship %s", relName)
		}
		rows, err := u.related(rel, row.Entity, row.ID)
		if err != nil {
			u.storeErr = err
			return nil, err
		}
		return rows, nil
	}
	values := func(relName, prop string) ([]record.Value, error) {
		rows, err := related(relName)
		if err != nil {
			return nil, err
		}
		var out []record.Value
		for _, r := range rows {
			if v := r.Lookup(prop); v.IsSet() {
				out = append(out, v)
			}
		}
		return out, nil
	}

	env[metadata.FnSumOf] = func(rel, prop string) (float64, error) {
		vals, err := values(rel, prop)
		if err != nil {
			return 0, err
		}
		var sum float64
		for _, v := range vals {
			if n, ok := v.Number(); ok {
				sum += n
			}
		}
		return sum, nil
	}
	env[metadata.FnAvgOf] = func(rel, prop string) (float64, error) {
		vals, err := values(rel, prop)
		if err != nil {
			return 0, err
		}
		var sum float64
		var n int
		for _, v := range vals {
			if f, ok := v.Number(); ok {
				sum += f
				n++
			}
		}
		if n == 0 {
			return 0, errNoValues
		}
		return sum / float64(n), nil
	}
	env[metadata.FnMinOf] = func(rel, prop string) (any, error) {
		vals, err := values(rel, prop)
		if err != nil {
			return nil, err
		}
		return extreme(vals, -1)
	}
	env[metadata.FnMaxOf] = func(rel, prop string) (any, error) {
		vals, err := values(rel, prop)
		if err != nil {
			return nil, err
		}
		return extreme(vals, 1)
	}
	env[metadata.FnCountOf] = func(rel string) (int, error) {
		rows, err := related(rel)
		return len(rows), err
	}
	env[metadata.FnValueOf] = func(rel, prop string) (any, error) {
		rows, err := related(rel)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0].Lookup(prop).Interface(), nil
	}
	return env
}

// extreme returns the smallest (dir -1) or largest (dir 1) value.
func extreme(values []record.Value, dir int) (any, error) {
	if len(values) == 0 {
		return nil, errNoValues
	}
	best := values[0]
	for _, v := range values[1:] {
		c, ok := v.Compare(best)
		if !ok {
			return nil, fmt.Errorf("cannot compare %s with %s", v.Kind(), best.Kind())
		}
		if c*dir > 0 {
			best = v
		}
	}
	return best.Interface(), nil
}

// coerce converts an expression result into the declared result type.
func coerce(out any, rt metadata.ResultType) (record.Value, error) {
	if out == nil {
		return record.Value{}, errors.New("formula produced no value")
	}
	switch rt {
	case metadata.ResultNumber:
		n, ok := toNumber(out)
		if !ok {
			return record.Value{}, fmt.Errorf("expected number result, got %T", out)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return record.Value{}, errors.New("result is not a finite number")
		}
		return record.Number(n), nil
	case metadata.ResultBoolean:
		b, ok := out.(bool)
		if !ok {
			return record.Value{}, fmt.Errorf("expected boolean result, got %T", out)
		}
		return record.Bool(b), nil
	case metadata.ResultDate:
		switch t := out.(type) {
		case time.Time:
			return record.Date(t), nil
		case string:
			parsed, err := record.ParseDate(t)
			if err != nil {
				return record.Value{}, err
			}
			return record.Date(parsed), nil
		}
		return record.Value{}, fmt.Errorf("expected date result, got %T", out)
	case metadata.ResultString:
		switch s := out.(type) {
		case string:
			return record.Text(s), nil
		case float64:
			return record.Text(strconv.FormatFloat(s, 'f', -1, 64)), nil
		case time.Time:
			return record.Text(s.UTC().Format(time.RFC3339Nano)), nil
		}
		return record.Text(fmt.Sprint(out)), nil
	}
	return record.Value{}, fmt.Errorf("unknown result type %q", rt)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

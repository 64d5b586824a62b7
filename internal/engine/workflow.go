package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"entity-engine/internal/instrument"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
	"entity-engine/internal/store"
)

// guardProgram compiles a workflow guard, caching it beside formulas.
func (e *Engine) guardProgram(guard string) (*vm.Program, error) {
	key := "guard\x00" + guard
	e.programsMu.RLock()
	prog, ok := e.programs[key]
	e.programsMu.RUnlock()
	if ok {
		return prog, nil
	}
	prog, err := expr.Compile(guard, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile guard: %w", err)
	}
	e.programsMu.Lock()
	e.programs[key] = prog
	e.programsMu.Unlock()
	return prog, nil
}

// EvaluateGuard runs an action guard against a row. An empty guard allows
// the action.
func (e *Engine) EvaluateGuard(ctx context.Context, action *metadata.WorkflowAction, row *record.Row) (bool, error) {
	if action.Guard == "" {
		return true, nil
	}
	prog, err := e.guardProgram(action.Guard)
	if err != nil {
		return false, err
	}
	rec := rowRecord(row)
	env := make(map[string]any, len(rec)+2)
	for k, v := range rec {
		env[k] = v
	}
	env["record"] = rec
	if u := metadata.UserFrom(ctx); u != nil {
		env["user"] = map[string]any{"id": u.ID, "tenant_id": u.TenantID, "roles": u.Roles}
	} else {
		env["user"] = map[string]any{}
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard: %w", err)
	}
	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("guard did not return bool")
	}
	return allowed, nil
}

// ApplyAction moves a row along a workflow action. set_value effects run
// in the same transaction; webhook effects fire after commit.
func (e *Engine) ApplyAction(ctx context.Context, entity, id, action string) (*record.Row, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "workflow", "workflow.action")
	defer span.End()
	span.SetEntity(entity, id)
	span.SetMetadata("action", action)

	row, err := e.applyAction(ctx, entity, id, action)
	finish(span, err)
	return row, err
}

func (e *Engine) applyAction(ctx context.Context, entity, id, actionName string) (*record.Row, error) {
	reg, ent, err := e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	action := ent.Workflow.FindAction(actionName)
	if action == nil {
		return nil, InvalidTransitionError("%s has no workflow action %s", ent.Name, actionName)
	}

	var updated *record.Row
	var from string
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		row, err := u.entityRow(entity, id)
		if err != nil {
			return err
		}
		from = row.State
		if !action.From.Contains(row.State) {
			return InvalidTransitionError("action %s is not available from state %q", action.Name, row.State)
		}
		allowed, err := e.EvaluateGuard(ctx, action, row)
		if err != nil {
			return InvalidTransitionError("action %s: %v", action.Name, err)
		}
		if !allowed {
			return InvalidTransitionError("action %s blocked by guard", action.Name)
		}

		if err := u.applyEffects(ent, action, row); err != nil {
			return err
		}
		row.State = action.To
		row.UpdatedAt = e.opts.Now().UTC()
		row.UpdatedBy = callerID(ctx)
		u.touch(row)
		u.stateChanged(row)
		if err := u.settle(); err != nil {
			return err
		}
		updated = row.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fireWebhooks(ctx, action, updated, from)
	return updated, nil
}

func (u *unit) applyEffects(ent *metadata.Entity, action *metadata.WorkflowAction, row *record.Row) error {
	for _, eff := range action.Effects {
		if eff.Type != metadata.EffectSetValue {
			continue
		}
		p := ent.GetProperty(eff.Property)
		if p == nil || p.IsFormula() {
			return fieldError(eff.Property, "effect", "action %s sets an unknown or computed property", action.Name)
		}
		var v record.Value
		if s, ok := eff.Value.(string); ok && s == "now" && p.StorageKind() == record.KindDate {
			v = record.Date(u.e.opts.Now())
		} else {
			parsed, err := record.Parse(p.StorageKind(), eff.Value)
			if err != nil {
				return fieldError(eff.Property, "effect", "%v", err)
			}
			v = parsed
		}
		// Effects may stamp read-only properties.
		if d := checkValue(p, v, true); d != nil {
			return ValidationError([]ErrorDetail{*d})
		}
		if row.Lookup(p.Name).Equal(v) {
			continue
		}
		row.Set(p.Name, v)
		if err := u.valueChanged(row, p.Name); err != nil {
			return err
		}
	}
	return nil
}

// fireWebhooks dispatches webhook effects in the background. Failures are
// retried, logged and never affect the committed action.
func (e *Engine) fireWebhooks(ctx context.Context, action *metadata.WorkflowAction, row *record.Row, from string) {
	var hooks []metadata.Effect
	for _, eff := range action.Effects {
		if eff.Type == metadata.EffectWebhook && eff.URL != "" {
			hooks = append(hooks, eff)
		}
	}
	if len(hooks) == 0 {
		return
	}

	payload := BuildWebhookPayload(row, action, from, metadata.UserFrom(ctx), e.opts.Now())
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("entity", row.Entity).Str("action", action.Name).Msg("encode webhook payload")
		return
	}
	inst := instrument.GetInstrumenter(ctx)
	for _, hook := range hooks {
		e.webhooks.Add(1)
		go e.deliver(inst, webhookDelivery{
			entity:  row.Entity,
			rowID:   row.ID,
			action:  action.Name,
			url:     hook.URL,
			method:  hook.Method,
			headers: ResolveHeaders(hook.Headers),
			body:    body,
		})
	}
}

// SetState places a row in any declared state, or clears it with "".
// No action, guard or effect runs.
func (e *Engine) SetState(ctx context.Context, entity, id, state string) (*record.Row, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "workflow", "workflow.set_state")
	defer span.End()
	span.SetEntity(entity, id)
	span.SetMetadata("state", state)

	row, err := e.setState(ctx, entity, id, state)
	finish(span, err)
	return row, err
}

func (e *Engine) setState(ctx context.Context, entity, id, state string) (*record.Row, error) {
	reg, ent, err := e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	if state != metadata.NoState && ent.Workflow.State(state) == nil {
		return nil, fieldError(metadata.IdentState, "state", "%s has no workflow state %s", ent.Name, state)
	}
	var updated *record.Row
	err = e.repo.RunInTx(ctx, func(tx store.Tx) error {
		u := e.newUnit(ctx, tx, reg)
		row, err := u.entityRow(entity, id)
		if err != nil {
			return err
		}
		if row.State != state {
			row.State = state
			row.UpdatedAt = e.opts.Now().UTC()
			row.UpdatedBy = callerID(ctx)
			u.touch(row)
			u.stateChanged(row)
		}
		if err := u.settle(); err != nil {
			return err
		}
		updated = row.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AvailableActions lists the actions leaving the row's state whose guard
// passes. Role checks are left to the gate.
func (e *Engine) AvailableActions(ctx context.Context, entity, id string) ([]metadata.WorkflowAction, error) {
	row, err := e.GetRow(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	_, ent, err := e.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	out := []metadata.WorkflowAction{}
	for _, a := range ent.Workflow.ActionsFrom(row.State) {
		ok, err := e.EvaluateGuard(ctx, a, row)
		if err != nil {
			log.Debug().Err(err).Str("entity", entity).Str("action", a.Name).Msg("guard failed")
			continue
		}
		if ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

package metadata

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/expr-lang/expr"

	"entity-engine/internal/record"
)

var identifierRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var reservedProperties = map[string]bool{
	"id":         true,
	IdentFolio:   true,
	IdentState:   true,
	"created_at": true,
	"updated_at": true,
	"created_by": true,
	"updated_by": true,
}

// SortableSystemFields may appear in view sort keys besides properties.
var SortableSystemFields = map[string]bool{
	IdentFolio:   true,
	IdentState:   true,
	"created_at": true,
	"updated_at": true,
}

// Validate checks a whole schema and returns the analyzed formula
// dependencies keyed by formula property.
func Validate(s *Schema) (map[PropertyRef]*FormulaDeps, error) {
	entityNames := make(map[string]bool, len(s.Entities))
	for _, e := range s.Entities {
		if !identifierRe.MatchString(e.Name) {
			return nil, invalid(e.Name, "entity name must match %s", identifierRe)
		}
		if entityNames[e.Name] {
			return nil, invalid(e.Name, "duplicate entity name")
		}
		entityNames[e.Name] = true
		if err := validateEntity(e); err != nil {
			return nil, err
		}
	}

	relNames := make(map[string]bool, len(s.Relationships))
	for _, r := range s.Relationships {
		if err := validateRelationship(s, r); err != nil {
			return nil, err
		}
		if relNames[r.Name] {
			return nil, invalid(r.Name, "duplicate relationship name")
		}
		relNames[r.Name] = true
	}

	for _, p := range s.Permissions {
		if s.Entity(p.Entity) == nil {
			return nil, invalid(p.Entity, "permission references unknown entity")
		}
		switch p.Action {
		case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		default:
			return nil, invalid(p.Entity, "unknown permission action %q", p.Action)
		}
		switch p.Scope {
		case "", ScopeAll, ScopeOwn:
		default:
			return nil, invalid(p.Entity, "unknown permission scope %q", p.Scope)
		}
	}

	deps, err := validateFormulas(s)
	if err != nil {
		return nil, err
	}
	if err := checkFormulaCycles(s, deps); err != nil {
		return nil, err
	}
	if err := checkCascadeCycles(s); err != nil {
		return nil, err
	}
	return deps, nil
}

func validateEntity(e *Entity) error {
	switch e.EditMode {
	case "", EditModeOverview, EditModeExplicit:
	default:
		return invalid(e.Name, "unknown edit mode %q", e.EditMode)
	}

	names := make(map[string]bool, len(e.Properties))
	display := ""
	for _, p := range e.Properties {
		subject := e.Name + "." + p.Name
		if names[p.Name] {
			return invalid(subject, "duplicate property name")
		}
		names[p.Name] = true
		if err := validateProperty(subject, p); err != nil {
			return err
		}
		if p.IsDisplay {
			if display != "" {
				return invalid(subject, "only one display property allowed, %s is already the display property", display)
			}
			display = p.Name
		}
	}
	if e.DescriptionProperty != "" && !names[e.DescriptionProperty] {
		return invalid(e.Name, "description property %q does not exist", e.DescriptionProperty)
	}

	if err := validateViews(e); err != nil {
		return err
	}
	return validateWorkflow(e)
}

func validateProperty(subject string, p Property) error {
	if !identifierRe.MatchString(p.Name) {
		return invalid(subject, "property name must match %s", identifierRe)
	}
	if reservedProperties[p.Name] {
		return invalid(subject, "property name is reserved")
	}
	if _, ok := relationFuncs[p.Name]; ok {
		return invalid(subject, "property name is reserved")
	}
	if !knownPropertyType(p.Type) {
		return invalid(subject, "unknown property type %q", p.Type)
	}

	if p.IsFormula() {
		if p.Formula == nil || p.Formula.Expression == "" {
			return invalid(subject, "formula property requires an expression")
		}
		if KindForResult(p.Formula.ResultAs) == record.KindNone {
			return invalid(subject, "unknown formula result type %q", p.Formula.ResultAs)
		}
		switch p.Formula.Trigger {
		case TriggerOnCreate, TriggerOnUpdate, TriggerOnRelatedChange:
		default:
			return invalid(subject, "unknown formula trigger %q", p.Formula.Trigger)
		}
		if p.Required {
			return invalid(subject, "formula properties cannot be required")
		}
		if p.Default != nil {
			return invalid(subject, "formula properties cannot have a default")
		}
	} else if p.Formula != nil {
		return invalid(subject, "only formula properties may define a formula")
	}

	if p.Type == TypeSelect && len(p.Options) == 0 {
		return invalid(subject, "select properties require options")
	}

	for _, attr := range []string{AttrMin, AttrMax, AttrMinLength, AttrMaxLength} {
		if raw, ok := p.Attributes[attr]; ok {
			if _, err := strconv.ParseFloat(raw, 64); err != nil {
				return invalid(subject, "attribute %s must be numeric", attr)
			}
		}
	}
	if pattern, ok := p.Attributes[AttrPattern]; ok {
		if _, err := regexp.Compile(pattern); err != nil {
			return invalid(subject, "attribute pattern does not compile: %v", err)
		}
	}

	if p.Default != nil && !p.IsFormula() {
		v, err := record.Parse(p.StorageKind(), normalizeDefault(p.Default))
		if err != nil {
			return invalid(subject, "default value: %v", err)
		}
		if p.Type == TypeSelect {
			s, _ := v.Text()
			if !containsString(p.Options, s) {
				return invalid(subject, "default %q is not one of the options", s)
			}
		}
	}
	return nil
}

// normalizeDefault converts YAML-decoded scalars into the shapes
// record.Parse expects.
func normalizeDefault(v any) any {
	switch d := v.(type) {
	case map[string]any:
		return d
	case map[any]any:
		out := make(map[string]any, len(d))
		for k, val := range d {
			out[fmt.Sprint(k)] = val
		}
		return out
	}
	return v
}

// DefaultValue returns the parsed default of a property, unset when none.
func (p Property) DefaultValue() record.Value {
	if p.Default == nil || p.IsFormula() {
		return record.Value{}
	}
	v, err := record.Parse(p.StorageKind(), normalizeDefault(p.Default))
	if err != nil {
		return record.Value{}
	}
	return v
}

func validateViews(e *Entity) error {
	names := make(map[string]bool, len(e.Views))
	defaults := make(map[ViewScope]string)
	for _, v := range e.Views {
		subject := e.Name + "/" + v.Name
		if v.Name == "" {
			return invalid(e.Name, "view name is required")
		}
		if names[v.Name] {
			return invalid(subject, "duplicate view name")
		}
		names[v.Name] = true
		for _, col := range v.Columns {
			if !e.HasProperty(col) {
				return invalid(subject, "column %q does not exist", col)
			}
		}
		for _, f := range v.Filters {
			if !e.HasProperty(f.Property) {
				return invalid(subject, "filter property %q does not exist", f.Property)
			}
			if !KnownCondition(f.Condition) {
				return invalid(subject, "unknown filter condition %q", f.Condition)
			}
		}
		for _, k := range v.Sort {
			if !e.HasProperty(k.Property) && !SortableSystemFields[k.Property] {
				return invalid(subject, "sort property %q does not exist", k.Property)
			}
		}
		if v.PageSize < 0 {
			return invalid(subject, "page size cannot be negative")
		}
		if v.IsDefault {
			scope := v.Scope()
			if other, ok := defaults[scope]; ok {
				return invalid(subject, "view %s is already the default for this scope", other)
			}
			defaults[scope] = v.Name
		}
	}
	return nil
}

func validateWorkflow(e *Entity) error {
	w := &e.Workflow
	states := make(map[string]bool, len(w.States))
	for _, st := range w.States {
		if st.Name == "" {
			return invalid(e.Name, "workflow state name is required")
		}
		if states[st.Name] {
			return invalid(e.Name+"@"+st.Name, "duplicate workflow state")
		}
		states[st.Name] = true
	}
	if w.DefaultState != "" && !states[w.DefaultState] {
		return invalid(e.Name, "default state %q does not exist", w.DefaultState)
	}

	actions := make(map[string]bool, len(w.Actions))
	for _, a := range w.Actions {
		subject := e.Name + "!" + a.Name
		if a.Name == "" {
			return invalid(e.Name, "workflow action name is required")
		}
		if actions[a.Name] {
			return invalid(subject, "duplicate workflow action")
		}
		actions[a.Name] = true
		if !states[a.To] {
			return invalid(subject, "target state %q does not exist", a.To)
		}
		if len(a.From) == 0 {
			return invalid(subject, "action needs at least one source state")
		}
		for _, from := range a.From {
			if from != NoState && !states[from] {
				return invalid(subject, "source state %q does not exist", from)
			}
		}
		if a.Guard != "" {
			if _, err := expr.Compile(a.Guard, expr.AsBool()); err != nil {
				return invalid(subject, "guard does not compile: %v", err)
			}
		}
		for _, eff := range a.Effects {
			switch eff.Type {
			case EffectSetValue:
				p := e.GetProperty(eff.Property)
				if p == nil {
					return invalid(subject, "effect property %q does not exist", eff.Property)
				}
				if p.IsFormula() {
					return invalid(subject, "effect cannot write formula property %q", eff.Property)
				}
			case EffectWebhook:
				if eff.URL == "" {
					return invalid(subject, "webhook effect requires a url")
				}
			default:
				return invalid(subject, "unknown effect type %q", eff.Type)
			}
		}
	}
	return nil
}

func validateRelationship(s *Schema, r *Relationship) error {
	if !identifierRe.MatchString(r.Name) {
		return invalid(r.Name, "relationship name must match %s", identifierRe)
	}
	if !knownCardinality(r.Type) {
		return invalid(r.Name, "unknown relationship type %q", r.Type)
	}
	if r.Parent == r.Child {
		return invalid(r.Name, "parent and child must be different entities")
	}
	parent, child := s.Entity(r.Parent), s.Entity(r.Child)
	if parent == nil {
		return invalid(r.Name, "parent entity %q does not exist", r.Parent)
	}
	if child == nil {
		return invalid(r.Name, "child entity %q does not exist", r.Child)
	}
	if parent.TenantID != "" && child.TenantID != "" && parent.TenantID != child.TenantID {
		return invalid(r.Name, "cannot relate entities of different tenants")
	}
	if r.ParentView != "" && parent.GetView(r.ParentView) == nil {
		return invalid(r.Name, "parent view %q does not exist", r.ParentView)
	}
	if r.ChildView != "" && child.GetView(r.ChildView) == nil {
		return invalid(r.Name, "child view %q does not exist", r.ChildView)
	}
	return nil
}

func validateFormulas(s *Schema) (map[PropertyRef]*FormulaDeps, error) {
	out := make(map[PropertyRef]*FormulaDeps)
	for _, e := range s.Entities {
		for _, p := range e.FormulaProperties() {
			ref := PropertyRef{Entity: e.Name, Property: p.Name}
			deps, err := AnalyzeFormula(p.Formula.Expression)
			if err != nil {
				return nil, invalid(ref.String(), "%v", err)
			}
			if deps.UsesNow && !p.Formula.UsesNow {
				return nil, invalid(ref.String(), "now() requires uses_now")
			}
			for _, name := range deps.Own {
				if name == p.Name {
					return nil, &SchemaError{
						Kind:    KindCircularFormula,
						Subject: ref.String(),
						Message: "formula references itself",
						Path:    []string{ref.String(), ref.String()},
					}
				}
				if !e.HasProperty(name) {
					return nil, invalid(ref.String(), "unknown property %q", name)
				}
			}
			for _, rr := range deps.Related {
				rel := s.Relationship(rr.Relationship)
				if rel == nil || !rel.Involves(e.Name) {
					return nil, invalid(ref.String(), "relationship %q does not involve %s", rr.Relationship, e.Name)
				}
				if rr.Property != "" && !s.Entity(rel.Other(e.Name)).HasProperty(rr.Property) {
					return nil, invalid(ref.String(), "unknown property %q on %s", rr.Property, rel.Other(e.Name))
				}
			}
			out[ref] = deps
		}
	}
	return out, nil
}

// checkFormulaCycles runs a depth-first search over formula-to-formula
// edges, own and across relationships.
func checkFormulaCycles(s *Schema, deps map[PropertyRef]*FormulaDeps) error {
	edges := make(map[PropertyRef][]PropertyRef, len(deps))
	isFormula := func(ref PropertyRef) bool {
		_, ok := deps[ref]
		return ok
	}
	for ref, d := range deps {
		for _, name := range d.Own {
			target := PropertyRef{Entity: ref.Entity, Property: name}
			if isFormula(target) {
				edges[ref] = append(edges[ref], target)
			}
		}
		for _, rr := range d.Related {
			if rr.Property == "" {
				continue
			}
			rel := s.Relationship(rr.Relationship)
			target := PropertyRef{Entity: rel.Other(ref.Entity), Property: rr.Property}
			if isFormula(target) {
				edges[ref] = append(edges[ref], target)
			}
		}
	}

	nodes := make([]PropertyRef, 0, len(deps))
	for ref := range deps {
		nodes = append(nodes, ref)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })

	path, found := findCycle(nodes, func(n PropertyRef) []PropertyRef { return edges[n] })
	if !found {
		return nil
	}
	names := make([]string, len(path))
	for i, p := range path {
		names[i] = p.String()
	}
	return &SchemaError{
		Kind:    KindCircularFormula,
		Subject: names[0],
		Message: "circular formula dependency",
		Path:    names,
	}
}

// checkCascadeCycles rejects entity graphs where cascade edges loop.
func checkCascadeCycles(s *Schema) error {
	edges := make(map[string][]string)
	for _, r := range s.Relationships {
		if r.Cascade {
			edges[r.Parent] = append(edges[r.Parent], r.Child)
		}
	}
	nodes := make([]string, 0, len(s.Entities))
	for _, e := range s.Entities {
		nodes = append(nodes, e.Name)
	}
	sort.Strings(nodes)

	path, found := findCycle(nodes, func(n string) []string { return edges[n] })
	if !found {
		return nil
	}
	return &SchemaError{
		Kind:    KindCascadeCycle,
		Subject: path[0],
		Message: "cascade relationships form a cycle",
		Path:    path,
	}
}

// findCycle is a three-colour depth-first search. The returned path starts
// and ends at the same node.
func findCycle[T comparable](nodes []T, next func(T) []T) ([]T, bool) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[T]int, len(nodes))
	var stack []T
	var cycle []T

	var visit func(n T) bool
	visit = func(n T) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range next(n) {
			switch color[m] {
			case grey:
				for i, s := range stack {
					if s == m {
						cycle = append(append([]T(nil), stack[i:]...), m)
						return true
					}
				}
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range nodes {
		if color[n] == white && visit(n) {
			return cycle, true
		}
	}
	return nil, false
}

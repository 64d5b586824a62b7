package metadata

import (
	"fmt"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// Relation functions available to formulas. Each takes a relationship name
// and, except countOf, a property name on the related entity, both as
// string literals.
const (
	FnSumOf   = "sumOf"
	FnAvgOf   = "avgOf"
	FnMinOf   = "minOf"
	FnMaxOf   = "maxOf"
	FnCountOf = "countOf"
	FnValueOf = "valueOf"
)

var relationFuncs = map[string]int{
	FnSumOf:   2,
	FnAvgOf:   2,
	FnMinOf:   2,
	FnMaxOf:   2,
	FnCountOf: 1,
	FnValueOf: 2,
}

// System identifiers every formula may read besides property names.
const (
	IdentFolio = "folio"
	IdentState = "state"
)

// RelatedRef is a dependency on rows reached through a relationship.
// Property is empty when only link membership is read (countOf).
type RelatedRef struct {
	Relationship string
	Property     string
}

// FormulaDeps is the static dependency set of one formula expression.
type FormulaDeps struct {
	Own     []string
	Related []RelatedRef
	UsesNow bool
}

// AnalyzeFormula parses an expression and extracts what it reads.
// It does not check that the names exist.
func AnalyzeFormula(expression string) (*FormulaDeps, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse formula: %w", err)
	}
	v := &depVisitor{
		deps:   &FormulaDeps{},
		seen:   map[string]bool{},
		rel:    map[RelatedRef]bool{},
		locals: map[string]bool{},
	}
	ast.Walk(&tree.Node, v)
	if v.err != nil {
		return nil, v.err
	}
	v.deps.dropLocals(v.locals)
	return v.deps, nil
}

type depVisitor struct {
	deps   *FormulaDeps
	seen   map[string]bool
	rel    map[RelatedRef]bool
	locals map[string]bool
	err    error
}

// ast.Walk visits children before their parent, so a call's callee has
// already been recorded as an identifier when the call node is seen.
func (v *depVisitor) Visit(node *ast.Node) {
	if v.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.VariableDeclaratorNode:
		v.locals[n.Name] = true
	case *ast.BuiltinNode:
		if n.Name == "now" {
			v.deps.UsesNow = true
		}
	case *ast.CallNode:
		v.visitCall(n)
	case *ast.IdentifierNode:
		v.visitIdent(n)
	}
}

func (v *depVisitor) visitCall(n *ast.CallNode) {
	id, ok := n.Callee.(*ast.IdentifierNode)
	if !ok {
		return
	}
	arity, ok := relationFuncs[id.Value]
	if !ok {
		v.err = fmt.Errorf("unknown function %s", id.Value)
		return
	}
	// The callee identifier was already visited as a plain identifier;
	// take it back out of the own-property set.
	v.forget(id.Value)
	if len(n.Arguments) != arity {
		v.err = fmt.Errorf("%s expects %d arguments, got %d", id.Value, arity, len(n.Arguments))
		return
	}
	ref := RelatedRef{}
	for i, arg := range n.Arguments {
		s, ok := arg.(*ast.StringNode)
		if !ok {
			v.err = fmt.Errorf("%s argument %d must be a string literal", id.Value, i+1)
			return
		}
		if i == 0 {
			ref.Relationship = s.Value
		} else {
			ref.Property = s.Value
		}
	}
	if !v.rel[ref] {
		v.rel[ref] = true
		v.deps.Related = append(v.deps.Related, ref)
	}
}

func (v *depVisitor) visitIdent(n *ast.IdentifierNode) {
	name := n.Value
	if v.seen[name] || name == IdentFolio || name == IdentState {
		return
	}
	v.seen[name] = true
	v.deps.Own = append(v.deps.Own, name)
}

func (v *depVisitor) forget(name string) {
	if !v.seen[name] {
		return
	}
	delete(v.seen, name)
	for i, own := range v.deps.Own {
		if own == name {
			v.deps.Own = append(v.deps.Own[:i], v.deps.Own[i+1:]...)
			return
		}
	}
}

// dropLocals removes let-bound names, which are only known once the whole
// tree has been walked.
func (d *FormulaDeps) dropLocals(locals map[string]bool) {
	if len(locals) == 0 {
		return
	}
	own := d.Own[:0]
	for _, name := range d.Own {
		if !locals[name] {
			own = append(own, name)
		}
	}
	d.Own = own
}

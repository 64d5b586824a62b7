package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeFormula(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		own     []string
		related []RelatedRef
		usesNow bool
	}{
		{
			name: "own properties",
			expr: "price * quantity",
			own:  []string{"price", "quantity"},
		},
		{
			name:    "relation aggregate",
			expr:    `sumOf("tasks", "cost")`,
			related: []RelatedRef{{Relationship: "tasks", Property: "cost"}},
		},
		{
			name:    "count has no property",
			expr:    `countOf("tasks") > 0 && active`,
			own:     []string{"active"},
			related: []RelatedRef{{Relationship: "tasks"}},
		},
		{
			name:    "now builtin",
			expr:    "now() > due",
			own:     []string{"due"},
			usesNow: true,
		},
		{
			name: "system identifiers are not dependencies",
			expr: `folio > 10 && state == "open"`,
		},
		{
			name: "let bindings are local",
			expr: "let total = price * 2; total + tax",
			own:  []string{"price", "tax"},
		},
		{
			name: "repeated names are deduplicated",
			expr: "a + a + b",
			own:  []string{"a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, err := AnalyzeFormula(tt.expr)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.own, deps.Own)
			assert.ElementsMatch(t, tt.related, deps.Related)
			assert.Equal(t, tt.usesNow, deps.UsesNow)
		})
	}
}

func TestAnalyzeFormulaRejects(t *testing.T) {
	tests := map[string]string{
		"syntax":               "price *",
		"unknown function":     "lookup(price)",
		"non-literal args":     `sumOf(rel, "cost")`,
		"wrong argument count": `countOf("tasks", "cost")`,
	}
	for name, expr := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := AnalyzeFormula(expr)
			assert.Error(t, err)
		})
	}
}

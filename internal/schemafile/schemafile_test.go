package schemafile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/metadata"
)

const projectSchema = `
entities:
  - name: project
    title_singular: Project
    title_plural: Projects
    prefix: PRJ
    properties:
      - name: name
        type: text
        required: true
        is_display: true
      - name: budget
        type: number
        default: 100
      - name: budget_left
        type: formula
        formula:
          expression: budget - sumOf("project_expense", "amount")
          result_as: number
          trigger: on_related_change
    workflow:
      default_state: draft
      states:
        - name: draft
        - name: approved
      actions:
        - name: approve
          from: [draft]
          to: approved
          roles: [manager]
          effects:
            - type: set_value
              property: budget
              value: 0
  - name: expense
    title_singular: Expense
    title_plural: Expenses
    properties:
      - name: amount
        type: number
relationships:
  - name: project_expense
    parent: project
    child: expense
    type: one_to_many
    cascade: true
permissions:
  - entity: project
    action: read
    roles: [member]
    conditions:
      - property: budget
        operator: gte
        value: 10
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(projectSchema))
	require.NoError(t, err)
	require.Len(t, s.Entities, 2)
	require.Len(t, s.Relationships, 1)

	project := s.Entity("project")
	require.NotNil(t, project)
	assert.Equal(t, "PRJ", project.Prefix)
	assert.Equal(t, float64(100), project.GetProperty("budget").Default)
	assert.Equal(t, metadata.ResultNumber, project.GetProperty("budget_left").Formula.ResultAs)
	assert.Equal(t, metadata.StateList{"draft"}, project.Workflow.Actions[0].From)
	assert.Equal(t, float64(0), project.Workflow.Actions[0].Effects[0].Value)
	assert.Equal(t, float64(10), s.Permissions[0].Conditions[0].Value)

	rel := s.Relationship("project_expense")
	require.NotNil(t, rel)
	assert.Equal(t, metadata.OneToMany, rel.Type)
	assert.True(t, rel.Cascade)

	_, err = metadata.BuildRegistry(s)
	assert.NoError(t, err)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("entities:\n  - name: x\n    titel: X\n"))
	assert.Error(t, err)
}

func TestLoadAndEncode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(projectSchema), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	out, err := Encode(s)
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, s.Entity("project").Workflow, again.Entity("project").Workflow)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

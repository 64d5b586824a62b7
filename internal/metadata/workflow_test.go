package metadata

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestWorkflowParseFromJSON(t *testing.T) {
	raw := `{
		"default_state": "draft",
		"states": [
			{"name": "draft", "order": 1},
			{"name": "sent", "order": 2},
			{"name": "void", "order": 3}
		],
		"actions": [
			{
				"name": "send",
				"from": "draft",
				"to": "sent",
				"roles": ["admin", "accountant"],
				"guard": "total > 0",
				"effects": [
					{ "type": "set_value", "property": "sent_at", "value": "now" }
				]
			},
			{
				"name": "cancel",
				"from": ["draft", "sent"],
				"to": "void",
				"roles": ["admin"]
			}
		]
	}`

	var wf Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if wf.DefaultState != "draft" {
		t.Errorf("expected default_state=draft, got %s", wf.DefaultState)
	}
	if len(wf.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(wf.Actions))
	}

	// First action: "from" is a single string
	send := wf.Actions[0]
	if len(send.From) != 1 || send.From[0] != "draft" {
		t.Errorf("expected from=[draft], got %v", send.From)
	}
	if len(send.Roles) != 2 {
		t.Errorf("expected 2 roles, got %d", len(send.Roles))
	}
	if len(send.Effects) != 1 || send.Effects[0].Type != EffectSetValue || send.Effects[0].Property != "sent_at" {
		t.Errorf("unexpected effects: %+v", send.Effects)
	}

	// Second action: "from" is an array
	cancel := wf.Actions[1]
	if len(cancel.From) != 2 || cancel.From[0] != "draft" || cancel.From[1] != "sent" {
		t.Errorf("expected from=[draft, sent], got %v", cancel.From)
	}
}

func TestStateListFromYAMLScalar(t *testing.T) {
	var a WorkflowAction
	if err := yaml.Unmarshal([]byte("name: start\nfrom: \"\"\nto: draft\n"), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(a.From) != 1 || a.From[0] != NoState {
		t.Errorf("expected from=[\"\"], got %v", a.From)
	}
}

func TestStateListMarshalSingle(t *testing.T) {
	data, err := json.Marshal(StateList{"draft"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"draft"` {
		t.Errorf("expected \"draft\", got %s", string(data))
	}
}

func TestStateListMarshalArray(t *testing.T) {
	data, err := json.Marshal(StateList{"draft", "sent"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["draft","sent"]` {
		t.Errorf("expected [\"draft\",\"sent\"], got %s", string(data))
	}
}

func TestWorkflowTerminalStates(t *testing.T) {
	wf := Workflow{
		States: []WorkflowState{{Name: "draft"}, {Name: "sent"}, {Name: "void"}},
		Actions: []WorkflowAction{
			{Name: "send", From: StateList{"draft"}, To: "sent"},
			{Name: "cancel", From: StateList{"draft", "sent"}, To: "void"},
		},
	}

	if wf.IsTerminal("draft") {
		t.Error("draft has outgoing actions")
	}
	if !wf.IsTerminal("void") {
		t.Error("void should be terminal")
	}
	if got := len(wf.ActionsFrom("sent")); got != 1 {
		t.Errorf("expected 1 action from sent, got %d", got)
	}
	if wf.FindAction("missing") != nil {
		t.Error("expected nil for unknown action")
	}
}

package metadata

import (
	"encoding/json"
	"sort"

	"gopkg.in/yaml.v3"
)

// NoState is the pseudo-state of a row that has not entered the workflow.
const NoState = ""

type WorkflowState struct {
	Name  string `json:"name" yaml:"name"`
	Title string `json:"title,omitempty" yaml:"title"`
	Order int    `json:"order" yaml:"order"`
}

// Effect is a side effect applied when an action fires. set_value writes
// Value into Property ("now" stamps the current instant on dates); webhook
// posts the row to URL after commit.
type Effect struct {
	Type     string `json:"type" yaml:"type"`
	Property string `json:"property,omitempty" yaml:"property"`
	Value    any    `json:"value,omitempty" yaml:"value"`
	URL      string `json:"url,omitempty" yaml:"url"`
	Method   string `json:"method,omitempty" yaml:"method"`
	// Headers are sent with the webhook. {{env.NAME}} in a value is
	// replaced by the environment variable at dispatch time.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
}

const (
	EffectSetValue = "set_value"
	EffectWebhook  = "webhook"
)

// StateList handles both string and []string for the "from" field.
type StateList []string

func (s *StateList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

func (s *StateList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = []string{node.Value}
		return nil
	}
	var arr []string
	if err := node.Decode(&arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

func (s StateList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// Contains reports whether state is listed. An empty name matches rows with
// no state bound.
func (s StateList) Contains(state string) bool {
	for _, st := range s {
		if st == state {
			return true
		}
	}
	return false
}

// WorkflowAction is a named stepwise transition.
type WorkflowAction struct {
	Name    string    `json:"name" yaml:"name"`
	Title   string    `json:"title,omitempty" yaml:"title"`
	From    StateList `json:"from" yaml:"from"`
	To      string    `json:"to" yaml:"to"`
	Roles   []string  `json:"roles,omitempty" yaml:"roles"`
	Guard   string    `json:"guard,omitempty" yaml:"guard"`
	Effects []Effect  `json:"effects,omitempty" yaml:"effects"`
}

type Workflow struct {
	States       []WorkflowState  `json:"states,omitempty" yaml:"states"`
	Actions      []WorkflowAction `json:"actions,omitempty" yaml:"actions"`
	DefaultState string           `json:"default_state,omitempty" yaml:"default_state"`
}

// State returns the named state, or nil.
func (w *Workflow) State(name string) *WorkflowState {
	for i := range w.States {
		if w.States[i].Name == name {
			return &w.States[i]
		}
	}
	return nil
}

// OrderedStates returns states sorted by their ordering.
func (w *Workflow) OrderedStates() []WorkflowState {
	states := append([]WorkflowState(nil), w.States...)
	sort.SliceStable(states, func(i, j int) bool { return states[i].Order < states[j].Order })
	return states
}

// FindAction returns the named action, or nil.
func (w *Workflow) FindAction(name string) *WorkflowAction {
	for i := range w.Actions {
		if w.Actions[i].Name == name {
			return &w.Actions[i]
		}
	}
	return nil
}

// ActionsFrom returns the stepwise actions allowed from state.
func (w *Workflow) ActionsFrom(state string) []*WorkflowAction {
	var out []*WorkflowAction
	for i := range w.Actions {
		if w.Actions[i].From.Contains(state) {
			out = append(out, &w.Actions[i])
		}
	}
	return out
}

// IsTerminal reports whether no stepwise action leaves state.
func (w *Workflow) IsTerminal(state string) bool {
	return len(w.ActionsFrom(state)) == 0
}

func (w Workflow) clone() Workflow {
	c := w
	c.States = append([]WorkflowState(nil), w.States...)
	c.Actions = make([]WorkflowAction, len(w.Actions))
	for i, a := range w.Actions {
		a.From = append(StateList(nil), a.From...)
		a.Roles = append([]string(nil), a.Roles...)
		a.Effects = append([]Effect(nil), a.Effects...)
		c.Actions[i] = a
	}
	return c
}

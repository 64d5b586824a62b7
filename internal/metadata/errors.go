package metadata

import (
	"fmt"
	"strings"
)

// Schema error kinds.
const (
	KindInvalid         = "invalid"
	KindCircularFormula = "circular_formula"
	KindCascadeCycle    = "cascade_cycle"
)

// SchemaError reports why a candidate schema was rejected. Subject names
// the offending entity, property, relationship or view, e.g. "project.budget".
type SchemaError struct {
	Kind    string
	Subject string
	Message string
	Path    []string // cycle path for circular kinds
}

func (e *SchemaError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Subject, e.Message, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Subject, e.Message)
}

func invalid(subject, format string, args ...any) *SchemaError {
	return &SchemaError{Kind: KindInvalid, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

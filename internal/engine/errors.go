package engine

import (
	"errors"
	"fmt"
	"strings"

	"entity-engine/internal/metadata"
	"entity-engine/internal/store"
)

const (
	CodeNotFound          = "NOT_FOUND"
	CodeValidation        = "VALIDATION_FAILED"
	CodeCardinality       = "CARDINALITY_VIOLATION"
	CodeRequiredChildren  = "REQUIRED_CHILDREN_EXIST"
	CodeDependentFormula  = "DEPENDENT_FORMULA"
	CodeCircularFormula   = "CIRCULAR_FORMULA"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeForbidden         = "FORBIDDEN"
	CodeEntityInUse       = "ENTITY_IN_USE"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeConflict          = "CONFLICT"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		if d.Field != "" {
			parts[i] = d.Field + ": " + d.Message
		} else {
			parts[i] = d.Message
		}
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// Is matches any AppError carrying the same code, so callers can test
// against the sentinels below with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

var (
	ErrNotFound          = &AppError{Code: CodeNotFound, Status: 404}
	ErrValidation        = &AppError{Code: CodeValidation, Status: 422}
	ErrCardinality       = &AppError{Code: CodeCardinality, Status: 409}
	ErrRequiredChildren  = &AppError{Code: CodeRequiredChildren, Status: 409}
	ErrDependentFormula  = &AppError{Code: CodeDependentFormula, Status: 409}
	ErrCircularFormula   = &AppError{Code: CodeCircularFormula, Status: 422}
	ErrInvalidTransition = &AppError{Code: CodeInvalidTransition, Status: 409}
	ErrPermissionDenied  = &AppError{Code: CodeForbidden, Status: 403}
	ErrEntityInUse       = &AppError{Code: CodeEntityInUse, Status: 409}
	ErrUnauthorized      = &AppError{Code: CodeUnauthorized, Status: 401}
)

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func fieldError(field, rule, format string, args ...any) *AppError {
	return ValidationError([]ErrorDetail{{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}})
}

func CardinalityError(relationship, msg string) *AppError {
	return &AppError{
		Code:    CodeCardinality,
		Status:  409,
		Message: "Cardinality violation",
		Details: []ErrorDetail{{Field: relationship, Rule: "cardinality", Message: msg}},
	}
}

func RequiredChildrenError(relationship string, count int) *AppError {
	return &AppError{
		Code:    CodeRequiredChildren,
		Status:  409,
		Message: "Row has required children",
		Details: []ErrorDetail{{
			Field:   relationship,
			Rule:    "required",
			Message: fmt.Sprintf("%d linked child row(s) must be unlinked first", count),
		}},
	}
}

func DependentFormulaError(subject string, dependents []metadata.PropertyRef) *AppError {
	details := make([]ErrorDetail, len(dependents))
	for i, d := range dependents {
		details[i] = ErrorDetail{Field: d.String(), Rule: "formula", Message: fmt.Sprintf("formula reads %s", subject)}
	}
	return &AppError{
		Code:    CodeDependentFormula,
		Status:  409,
		Message: fmt.Sprintf("%s is referenced by formulas", subject),
		Details: details,
	}
}

func InvalidTransitionError(format string, args ...any) *AppError {
	return &AppError{Code: CodeInvalidTransition, Status: 409, Message: fmt.Sprintf(format, args...)}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: CodeForbidden, Status: 403, Message: msg}
}

func UnauthorizedError() *AppError {
	return &AppError{Code: CodeUnauthorized, Status: 401, Message: "Authentication required"}
}

func EntityInUseError(entity string, rows int) *AppError {
	return &AppError{
		Code:    CodeEntityInUse,
		Status:  409,
		Message: fmt.Sprintf("%s has %d row(s); delete with cascade to remove them", entity, rows),
	}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: CodeConflict, Status: 409, Message: msg}
}

// schemaError translates a rejected candidate schema into an AppError.
func schemaError(err error) error {
	var se *metadata.SchemaError
	if !errors.As(err, &se) {
		return err
	}
	switch se.Kind {
	case metadata.KindCircularFormula:
		return &AppError{
			Code:    CodeCircularFormula,
			Status:  422,
			Message: "Circular formula dependency",
			Details: []ErrorDetail{{Field: se.Subject, Rule: "circular", Message: se.Error()}},
		}
	case metadata.KindCascadeCycle:
		return fieldError(se.Subject, "cascade_cycle", "%s", se.Error())
	}
	return fieldError(se.Subject, "schema", "%s", se.Message)
}

// rowError turns a store miss into a NOT_FOUND for the given row.
func rowError(entity, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return NotFoundError(entity, id)
	}
	return fmt.Errorf("load %s/%s: %w", entity, id, err)
}

package metadata

import "entity-engine/internal/record"

type PropertyType string

const (
	TypeText     PropertyType = "text"
	TypeLongText PropertyType = "long_text"
	TypeNumber   PropertyType = "number"
	TypeBoolean  PropertyType = "boolean"
	TypeDate     PropertyType = "date"
	TypeSelect   PropertyType = "select"
	TypeMedia    PropertyType = "media"
	TypeRange    PropertyType = "range"
	TypeFormula  PropertyType = "formula"
)

var propertyKinds = map[PropertyType]record.Kind{
	TypeText:     record.KindText,
	TypeLongText: record.KindText,
	TypeSelect:   record.KindText,
	TypeNumber:   record.KindNumber,
	TypeBoolean:  record.KindBoolean,
	TypeDate:     record.KindDate,
	TypeMedia:    record.KindMedia,
	TypeRange:    record.KindRange,
}

// ResultType is the declared type a formula result is coerced into.
type ResultType string

const (
	ResultNumber  ResultType = "number"
	ResultBoolean ResultType = "boolean"
	ResultDate    ResultType = "date"
	ResultString  ResultType = "string"
)

// Trigger controls when a formula is recalculated.
type Trigger string

const (
	TriggerOnCreate        Trigger = "on_create"
	TriggerOnUpdate        Trigger = "on_update"
	TriggerOnRelatedChange Trigger = "on_related_change"
)

// Well-known property attributes. Format attributes are passed through to
// presentation untouched; the rest constrain writes.
const (
	AttrFormat    = "format"
	AttrMin       = "min"
	AttrMax       = "max"
	AttrMinLength = "min_length"
	AttrMaxLength = "max_length"
	AttrPattern   = "pattern"
)

type Formula struct {
	Expression string     `json:"expression" yaml:"expression"`
	ResultAs   ResultType `json:"result_as" yaml:"result_as"`
	Trigger    Trigger    `json:"trigger" yaml:"trigger"`
	UsesNow    bool       `json:"uses_now,omitempty" yaml:"uses_now"`
}

type Property struct {
	Name       string            `json:"name" yaml:"name"`
	Title      string            `json:"title,omitempty" yaml:"title"`
	Type       PropertyType      `json:"type" yaml:"type"`
	Order      int               `json:"order" yaml:"order"`
	Required   bool              `json:"required,omitempty" yaml:"required"`
	ReadOnly   bool              `json:"read_only,omitempty" yaml:"read_only"`
	Hidden     bool              `json:"hidden,omitempty" yaml:"hidden"`
	IsDisplay  bool              `json:"is_display,omitempty" yaml:"is_display"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes"`
	Options    []string          `json:"options,omitempty" yaml:"options"` // select choices
	Default    any               `json:"default,omitempty" yaml:"default"`
	Formula    *Formula          `json:"formula,omitempty" yaml:"formula"`
}

// IsFormula reports whether the property is derived.
func (p Property) IsFormula() bool {
	return p.Type == TypeFormula
}

// StorageKind returns the value slot this property populates.
func (p Property) StorageKind() record.Kind {
	if p.IsFormula() {
		if p.Formula == nil {
			return record.KindNone
		}
		return KindForResult(p.Formula.ResultAs)
	}
	return propertyKinds[p.Type]
}

// IsTextLike reports whether free-text search applies to the property.
func (p Property) IsTextLike() bool {
	return p.StorageKind() == record.KindText
}

// KindForResult maps a formula result type onto its value slot.
func KindForResult(r ResultType) record.Kind {
	switch r {
	case ResultNumber:
		return record.KindNumber
	case ResultBoolean:
		return record.KindBoolean
	case ResultDate:
		return record.KindDate
	case ResultString:
		return record.KindText
	}
	return record.KindNone
}

func knownPropertyType(t PropertyType) bool {
	_, ok := propertyKinds[t]
	return ok || t == TypeFormula
}

func (p Property) clone() Property {
	c := p
	if p.Attributes != nil {
		c.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			c.Attributes[k] = v
		}
	}
	c.Options = append([]string(nil), p.Options...)
	if p.Formula != nil {
		f := *p.Formula
		c.Formula = &f
	}
	return c
}

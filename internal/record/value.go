package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which slot of a Value is populated.
type Kind int

const (
	KindNone Kind = iota
	KindText
	KindNumber
	KindBoolean
	KindDate
	KindRange
	KindMedia
)

var kindNames = map[Kind]string{
	KindNone:    "none",
	KindText:    "text",
	KindNumber:  "number",
	KindBoolean: "boolean",
	KindDate:    "date",
	KindRange:   "range",
	KindMedia:   "media",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name back to a Kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindNone, false
}

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether n lies inside the range.
func (r Range) Contains(n float64) bool {
	return n >= r.Min && n <= r.Max
}

// MediaRef points at a stored file.
type MediaRef struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Value is a single typed cell. The zero Value is "not set".
type Value struct {
	kind    Kind
	text    string
	number  float64
	boolean bool
	date    time.Time
	rng     Range
	media   MediaRef
}

func Text(s string) Value { return Value{kind: KindText, text: s} }

func Number(n float64) Value { return Value{kind: KindNumber, number: n} }

func Bool(b bool) Value { return Value{kind: KindBoolean, boolean: b} }

// Date stores the instant in UTC.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t.UTC()} }

func RangeOf(min, max float64) Value {
	return Value{kind: KindRange, rng: Range{Min: min, Max: max}}
}

func Media(ref MediaRef) Value { return Value{kind: KindMedia, media: ref} }

// Kind returns the populated slot, KindNone when unset.
func (v Value) Kind() Kind { return v.kind }

// IsSet reports whether any slot is populated.
func (v Value) IsSet() bool { return v.kind != KindNone }

func (v Value) Text() (string, bool) { return v.text, v.kind == KindText }

func (v Value) Number() (float64, bool) { return v.number, v.kind == KindNumber }

func (v Value) Bool() (bool, bool) { return v.boolean, v.kind == KindBoolean }

func (v Value) Date() (time.Time, bool) { return v.date, v.kind == KindDate }

func (v Value) Range() (Range, bool) { return v.rng, v.kind == KindRange }

func (v Value) Media() (MediaRef, bool) { return v.media, v.kind == KindMedia }

// Equal compares kind and payload. Dates compare by instant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindText:
		return v.text == o.text
	case KindNumber:
		return v.number == o.number
	case KindBoolean:
		return v.boolean == o.boolean
	case KindDate:
		return v.date.Equal(o.date)
	case KindRange:
		return v.rng == o.rng
	case KindMedia:
		return v.media == o.media
	}
	return false
}

// Interface returns the payload as a plain Go value for expression
// environments: string, float64, bool, time.Time, map for range and media,
// nil when unset.
func (v Value) Interface() any {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return v.number
	case KindBoolean:
		return v.boolean
	case KindDate:
		return v.date
	case KindRange:
		return map[string]any{"min": v.rng.Min, "max": v.rng.Max}
	case KindMedia:
		return map[string]any{"file_id": v.media.FileID, "filename": v.media.Filename}
	}
	return nil
}

// String renders the payload for search indexing. It is not a display format.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.boolean)
	case KindDate:
		return v.date.Format(time.RFC3339Nano)
	case KindRange:
		return strconv.FormatFloat(v.rng.Min, 'f', -1, 64) + ".." + strconv.FormatFloat(v.rng.Max, 'f', -1, 64)
	case KindMedia:
		return v.media.Filename
	}
	return ""
}

// Compare orders two values of the same kind. ok is false when the kinds
// differ or the kind has no natural order.
func (v Value) Compare(o Value) (cmp int, ok bool) {
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindText:
		return strings.Compare(strings.ToLower(v.text), strings.ToLower(o.text)), true
	case KindNumber:
		return compareFloat(v.number, o.number), true
	case KindBoolean:
		switch {
		case v.boolean == o.boolean:
			return 0, true
		case !v.boolean:
			return -1, true
		default:
			return 1, true
		}
	case KindDate:
		return v.date.Compare(o.date), true
	case KindRange:
		if c := compareFloat(v.rng.Min, o.rng.Min); c != 0 {
			return c, true
		}
		return compareFloat(v.rng.Max, o.rng.Max), true
	case KindMedia:
		return strings.Compare(v.media.Filename, o.media.Filename), true
	}
	return 0, false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNone {
		return []byte("null"), nil
	}
	var payload any
	switch v.kind {
	case KindText:
		payload = v.text
	case KindNumber:
		payload = v.number
	case KindBoolean:
		payload = v.boolean
	case KindDate:
		payload = v.date.Format(time.RFC3339Nano)
	case KindRange:
		payload = v.rng
	case KindMedia:
		payload = v.media
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	kind, ok := ParseKind(wire.Type)
	if !ok || kind == KindNone {
		return fmt.Errorf("unknown value type %q", wire.Type)
	}
	var raw any
	if err := json.Unmarshal(wire.Value, &raw); err != nil {
		return fmt.Errorf("decode %s value: %w", wire.Type, err)
	}
	parsed, err := Parse(kind, raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse builds a Value of the given kind from a decoded payload. Mismatched
// payloads are rejected rather than coerced; the only conversions are the
// textual encodings a wire format cannot avoid (RFC 3339 dates).
func Parse(kind Kind, raw any) (Value, error) {
	if raw == nil {
		return Value{}, nil
	}
	switch kind {
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return Value{}, mismatch(kind, raw)
		}
		return Text(s), nil
	case KindNumber:
		n, ok := toNumber(raw)
		if !ok {
			return Value{}, mismatch(kind, raw)
		}
		return Number(n), nil
	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, mismatch(kind, raw)
		}
		return Bool(b), nil
	case KindDate:
		switch t := raw.(type) {
		case time.Time:
			return Date(t), nil
		case string:
			parsed, err := ParseDate(t)
			if err != nil {
				return Value{}, err
			}
			return Date(parsed), nil
		}
		return Value{}, mismatch(kind, raw)
	case KindRange:
		switch r := raw.(type) {
		case Range:
			return RangeOf(r.Min, r.Max), nil
		case map[string]any:
			min, okMin := toNumber(r["min"])
			max, okMax := toNumber(r["max"])
			if !okMin || !okMax {
				return Value{}, mismatch(kind, raw)
			}
			if min > max {
				return Value{}, fmt.Errorf("range min %v is greater than max %v", min, max)
			}
			return RangeOf(min, max), nil
		}
		return Value{}, mismatch(kind, raw)
	case KindMedia:
		switch m := raw.(type) {
		case MediaRef:
			return Media(m), nil
		case map[string]any:
			id, _ := m["file_id"].(string)
			if id == "" {
				return Value{}, fmt.Errorf("media value requires file_id")
			}
			ref := MediaRef{FileID: id}
			ref.Filename, _ = m["filename"].(string)
			ref.MimeType, _ = m["mime_type"].(string)
			if size, ok := toNumber(m["size"]); ok {
				ref.Size = int64(size)
			}
			return Media(ref), nil
		}
		return Value{}, mismatch(kind, raw)
	}
	return Value{}, fmt.Errorf("cannot store values of kind %s", kind)
}

// ParseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func toNumber(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func mismatch(kind Kind, raw any) error {
	return fmt.Errorf("expected %s value, got %T", kind, raw)
}

package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"unicode/utf8"

	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}

// ParseValues decodes a JSON-style payload against the entity's
// properties. A nil payload value decodes to the unset Value.
func ParseValues(ent *metadata.Entity, raw map[string]any) (map[string]record.Value, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]record.Value, len(raw))
	var details []ErrorDetail
	for _, name := range names {
		p := ent.GetProperty(name)
		if p == nil {
			details = append(details, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("unknown property for %s", ent.Name)})
			continue
		}
		if p.IsFormula() {
			details = append(details, ErrorDetail{Field: name, Rule: "formula", Message: "formula properties are computed"})
			continue
		}
		v, err := record.Parse(p.StorageKind(), raw[name])
		if err != nil {
			details = append(details, ErrorDetail{Field: name, Rule: "type", Message: err.Error()})
			continue
		}
		out[name] = v
	}
	if len(details) > 0 {
		return nil, ValidationError(details)
	}
	return out, nil
}

// checkValue validates one value for a property. creating relaxes the
// read-only and required rules, which are enforced on the whole row.
func checkValue(p *metadata.Property, v record.Value, creating bool) *ErrorDetail {
	detail := func(rule, format string, args ...any) *ErrorDetail {
		return &ErrorDetail{Field: p.Name, Rule: rule, Message: fmt.Sprintf(format, args...)}
	}
	if p.IsFormula() {
		return detail("formula", "formula properties are computed")
	}
	if p.ReadOnly && !creating {
		return detail("read_only", "property is read-only")
	}
	if !v.IsSet() {
		if p.Required && !creating {
			return detail("required", "property is required")
		}
		return nil
	}
	if want := p.StorageKind(); v.Kind() != want {
		return detail("type", "expected %s value, got %s", want, v.Kind())
	}

	switch v.Kind() {
	case record.KindText:
		s, _ := v.Text()
		if p.Type == metadata.TypeSelect && !containsString(p.Options, s) {
			return detail("options", "%q is not one of the allowed options", s)
		}
		n := utf8.RuneCountInString(s)
		if limit, ok := intAttr(p, metadata.AttrMinLength); ok && n < limit {
			return detail("min_length", "must be at least %d characters", limit)
		}
		if limit, ok := intAttr(p, metadata.AttrMaxLength); ok && n > limit {
			return detail("max_length", "must be at most %d characters", limit)
		}
		if pattern := p.Attributes[metadata.AttrPattern]; pattern != "" {
			re, err := compilePattern(pattern)
			if err != nil {
				return detail("pattern", "invalid pattern: %v", err)
			}
			if !re.MatchString(s) {
				return detail("pattern", "does not match %s", pattern)
			}
		}
	case record.KindNumber:
		n, _ := v.Number()
		if limit, ok := floatAttr(p, metadata.AttrMin); ok && n < limit {
			return detail("min", "must be >= %v", limit)
		}
		if limit, ok := floatAttr(p, metadata.AttrMax); ok && n > limit {
			return detail("max", "must be <= %v", limit)
		}
	}
	return nil
}

func intAttr(p *metadata.Property, key string) (int, bool) {
	raw, ok := p.Attributes[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func floatAttr(p *metadata.Property, key string) (float64, bool) {
	raw, ok := p.Attributes[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	return f, err == nil
}

// prepareCreate validates initial values, fills defaults and checks that
// every required property ends up set.
func prepareCreate(ent *metadata.Entity, in map[string]record.Value) (map[string]record.Value, error) {
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]record.Value, len(ent.Properties))
	var details []ErrorDetail
	for _, name := range names {
		p := ent.GetProperty(name)
		if p == nil {
			details = append(details, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("unknown property for %s", ent.Name)})
			continue
		}
		v := in[name]
		if d := checkValue(p, v, true); d != nil {
			details = append(details, *d)
			continue
		}
		if v.IsSet() {
			out[name] = v
		}
	}

	for _, p := range ent.OrderedProperties() {
		if p.IsFormula() {
			continue
		}
		if _, ok := out[p.Name]; !ok {
			if _, given := in[p.Name]; !given {
				if dv := p.DefaultValue(); dv.IsSet() {
					out[p.Name] = dv
				}
			}
		}
		if _, ok := out[p.Name]; !ok && p.Required {
			details = append(details, ErrorDetail{Field: p.Name, Rule: "required", Message: "property is required"})
		}
	}

	if len(details) > 0 {
		return nil, ValidationError(details)
	}
	return out, nil
}

// checkUpdate validates a batch of value writes against their properties.
func checkUpdate(ent *metadata.Entity, values map[string]record.Value) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var details []ErrorDetail
	for _, name := range names {
		p := ent.GetProperty(name)
		if p == nil {
			details = append(details, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("unknown property for %s", ent.Name)})
			continue
		}
		if d := checkValue(p, values[name], false); d != nil {
			details = append(details, *d)
		}
	}
	if len(details) > 0 {
		return ValidationError(details)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

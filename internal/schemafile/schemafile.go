// Package schemafile reads and writes schema documents in YAML so a
// deployment can be seeded or migrated from version-controlled files.
package schemafile

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"entity-engine/internal/metadata"
)

// Parse decodes a schema document. Unknown keys are rejected so typos in
// hand-written files surface instead of being ignored.
func Parse(data []byte) (*metadata.Schema, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s metadata.Schema
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	normalize(&s)
	return &s, nil
}

// Load reads and decodes the schema document at path.
func Load(path string) (*metadata.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Encode renders s as YAML.
func Encode(s *metadata.Schema) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return buf.Bytes(), nil
}

// normalize fills in what a file may leave implicit: permission entities
// when nested, and integer defaults that YAML decodes as int.
func normalize(s *metadata.Schema) {
	for _, ent := range s.Entities {
		if ent == nil {
			continue
		}
		for i := range ent.Properties {
			ent.Properties[i].Default = widen(ent.Properties[i].Default)
		}
		for i := range ent.Workflow.Actions {
			effects := ent.Workflow.Actions[i].Effects
			for j := range effects {
				effects[j].Value = widen(effects[j].Value)
			}
		}
		for i := range ent.Views {
			filters := ent.Views[i].Filters
			for j := range filters {
				filters[j].Value = widen(filters[j].Value)
			}
		}
	}
	for _, p := range s.Permissions {
		if p == nil {
			continue
		}
		for i := range p.Conditions {
			p.Conditions[i].Value = widen(p.Conditions[i].Value)
		}
	}
}

// widen converts YAML integers to float64, matching what JSON decoding
// produces for the same document.
func widen(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = widen(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, item := range n {
			out[k] = widen(item)
		}
		return out
	}
	return v
}

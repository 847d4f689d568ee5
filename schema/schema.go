// Package schema validates application arguments against the JSON Schema an
// implementation declares.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Static errors for schema package
var (
	ErrValidation    = errors.New("argument validation failed")
	ErrInvalidSchema = errors.New("invalid argument schema")
)

// Schema is a compiled argument schema. The zero value and a nil *Schema accept
// any JSON object.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document. An empty source yields a
// permissive schema.
func Compile(name, source string) (*Schema, error) {
	if strings.TrimSpace(source) == "" {
		return &Schema{name: name}, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, name, err)
	}

	url := "mem://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// Validate checks args against the schema.
func (s *Schema) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	v, err := Normalize(args)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if s == nil || s.compiled == nil {
		return nil
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// WithDefaults returns a copy of args with missing top-level properties filled
// from their schema defaults.
func (s *Schema) WithDefaults(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if s == nil || s.compiled == nil {
		return out
	}
	for name, prop := range s.compiled.Properties {
		if _, set := out[name]; set || prop == nil || prop.Default == nil {
			continue
		}
		out[name] = plain(*prop.Default)
	}
	return out
}

// WithoutDefaults returns a copy of args with every top-level property equal to
// its schema default removed, so persisted configs only carry explicit values.
func (s *Schema) WithoutDefaults(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	if s == nil || s.compiled == nil {
		return out
	}
	for name, prop := range s.compiled.Properties {
		v, set := out[name]
		if !set || prop == nil || prop.Default == nil {
			continue
		}
		if reflect.DeepEqual(plain(v), plain(*prop.Default)) {
			delete(out, name)
		}
	}
	return out
}

// Normalize converts a Go value into the representation the validator expects.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// plain maps json.Number values (as produced by the schema loader) onto the
// float64 shape encoding/json uses, so defaults compare equal to decoded
// configuration values.
func plain(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

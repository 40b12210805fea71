package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
)

// Schema validates a model's JSON output for one analysis module.
type Schema interface {
	// Name is the module name the schema belongs to.
	Name() string
	// Validate checks raw and returns the normalized payload.
	Validate(raw json.RawMessage) (json.RawMessage, error)
	// JSONSchema describes the expected output for providers that accept one.
	JSONSchema() map[string]any
}

// ValidationError reports a payload that does not match its schema.
type ValidationError struct {
	Schema string
	Issues []string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s output invalid: %s", e.Schema, strings.Join(e.Issues, "; "))
}

// Unwrap exposes both the schema sentinel and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{pferrors.ErrSchemaValidation}
	}
	return []error{pferrors.ErrSchemaValidation, e.Err}
}

// Feedback renders the error as an instruction the model can act on.
func (e *ValidationError) Feedback() string {
	var b strings.Builder
	b.WriteString("Your previous response did not match the required JSON schema.\n")
	b.WriteString("Problems:\n")
	for _, issue := range e.Issues {
		b.WriteString("- ")
		b.WriteString(issue)
		b.WriteString("\n")
	}
	b.WriteString("Return only a corrected JSON object.")
	return b.String()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var reflector = jsonschema.Reflector{
	AllowAdditionalProperties:  false,
	DoNotReference:             true,
	RequiredFromJSONSchemaTags: true,
}

// WithReasoning returns a copy of schema whose top-level object also accepts
// an optional "reasoning" string, so providers that enforce the schema can
// still return one.
func WithReasoning(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	props := map[string]any{}
	if existing, ok := schema["properties"].(map[string]any); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props["reasoning"] = map[string]any{
		"type":        "string",
		"description": "Short explanation of the answer.",
	}
	out["properties"] = props
	return out
}

// TypedSchema validates payloads by decoding into T and running validator
// tags over it.
type TypedSchema[T any] struct {
	name   string
	schema map[string]any
}

// NewTypedSchema builds a schema for T. It panics if T cannot be reflected,
// which only happens for programming errors in payload types.
func NewTypedSchema[T any](name string) *TypedSchema[T] {
	var zero T
	s := reflector.Reflect(&zero)
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("analysis: reflect schema %s: %v", name, err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("analysis: decode schema %s: %v", name, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return &TypedSchema[T]{name: name, schema: m}
}

// Name implements Schema.
func (s *TypedSchema[T]) Name() string { return s.name }

// JSONSchema implements Schema.
func (s *TypedSchema[T]) JSONSchema() map[string]any { return s.schema }

// Parse decodes and validates raw into T.
func (s *TypedSchema[T]) Parse(raw json.RawMessage) (*T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&v); err != nil {
		return nil, &ValidationError{Schema: s.name, Issues: []string{"payload is not a valid object: " + err.Error()}, Err: err}
	}
	if err := validate.Struct(&v); err != nil {
		return nil, s.validationError(err)
	}
	return &v, nil
}

// Validate implements Schema.
func (s *TypedSchema[T]) Validate(raw json.RawMessage) (json.RawMessage, error) {
	v, err := s.Parse(raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode %s payload: %w", s.name, err)
	}
	return out, nil
}

func (s *TypedSchema[T]) validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Schema: s.name, Issues: []string{err.Error()}, Err: err}
	}
	issues := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, describeFieldError(fe))
	}
	return &ValidationError{Schema: s.name, Issues: issues, Err: err}
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%q is required", field)
	case "oneof":
		return fmt.Sprintf("%q must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%q must be >= %s, got %v", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%q must be <= %s, got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%q failed %q check", field, fe.Tag())
	}
}

// BatchedSchema combines module schemas into one object keyed by module name.
type BatchedSchema struct {
	parts []Schema
}

// NewBatchedSchema combines the given schemas.
func NewBatchedSchema(parts ...Schema) *BatchedSchema {
	return &BatchedSchema{parts: parts}
}

// Name implements Schema.
func (b *BatchedSchema) Name() string {
	names := make([]string, 0, len(b.parts))
	for _, p := range b.parts {
		names = append(names, p.Name())
	}
	return "batch(" + strings.Join(names, ",") + ")"
}

// JSONSchema implements Schema.
func (b *BatchedSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(b.parts))
	required := make([]string, 0, len(b.parts))
	for _, p := range b.parts {
		props[p.Name()] = p.JSONSchema()
		required = append(required, p.Name())
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate implements Schema. Every part must be present and valid; the
// issues of all failing parts are reported together.
func (b *BatchedSchema) Validate(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Schema: b.Name(), Issues: []string{"payload is not a JSON object"}, Err: err}
	}

	out := make(map[string]json.RawMessage, len(b.parts))
	var issues []string
	for _, p := range b.parts {
		part, ok := fields[p.Name()]
		if !ok || len(part) == 0 || string(part) == "null" {
			issues = append(issues, fmt.Sprintf("%q is required", p.Name()))
			continue
		}
		normalized, err := p.Validate(part)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				for _, issue := range ve.Issues {
					issues = append(issues, p.Name()+": "+issue)
				}
				continue
			}
			return nil, err
		}
		out[p.Name()] = normalized
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Schema: b.Name(), Issues: issues}
	}
	return json.Marshal(out)
}

// Split returns the normalized sub-payload for each part name.
func (b *BatchedSchema) Split(normalized json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(normalized, &fields); err != nil {
		return nil, fmt.Errorf("failed to split batched payload: %w", err)
	}
	return fields, nil
}

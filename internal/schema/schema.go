// Package schema is the Schema Validator & Date Engine (spec §4.1, C1). It
// compiles a JSON Schema once, using xeipuuv/gojsonschema as the
// compiled-schema primitive the spec treats as an external collaborator,
// and layers the date-path extraction, date-aware validation, and
// ISO<->timestamp conversion the wire protocol depends on.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adred-codev/multiplex/internal/jsonpath"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/xeipuuv/gojsonschema"
)

// Schema wraps a compiled JSON Schema plus the date paths extracted from
// its source document.
type Schema struct {
	compiled  *gojsonschema.Schema
	datePaths []jsonpath.Path
}

// Compile parses and compiles raw as a JSON Schema document, extracting its
// date paths in the same pass. A nil or empty raw compiles to a Schema that
// accepts any value (used by endpoints with no declared schema).
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: invalid JSON: %w", err)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}

	datePaths := extractDatePaths(doc, nil)

	return &Schema{compiled: compiled, datePaths: datePaths}, nil
}

// DatePaths returns the (deterministic, order-independent) list of paths at
// which this schema requires a date/date-time typed value.
func (s *Schema) DatePaths() []jsonpath.Path {
	out := make([]jsonpath.Path, len(s.datePaths))
	copy(out, s.datePaths)
	return out
}

// Check reports whether value validates, tolerating either a native
// time.Time or an ISO string at every date path (spec's "date-aware
// validation").
func (s *Schema) Check(value any) bool {
	_, err := s.Validate(value)
	return err == nil
}

// Validate validates value, treating native timestamps at date paths as
// valid (the pre-serialization case). It returns value unchanged on
// success, or a *multiplexerr.Error with code VALIDATION_FAILED.
func (s *Schema) Validate(value any) (any, error) {
	forValidation := jsonpath.TransformAtPaths(value, s.datePaths, jsonpath.TimeToISOLeaf)
	if err := s.validateDoc(forValidation); err != nil {
		return nil, err
	}
	return value, nil
}

// ValidateAndParseDates validates value (expected in post-deserialization
// form: ISO strings at date paths) and returns a copy with every date path
// converted from string to time.Time.
func (s *Schema) ValidateAndParseDates(value any) (any, error) {
	forValidation := jsonpath.TransformAtPaths(value, s.datePaths, jsonpath.TimeToISOLeaf)
	if err := s.validateDoc(forValidation); err != nil {
		return nil, err
	}
	return jsonpath.TransformAtPaths(value, s.datePaths, jsonpath.ISOToTimeLeaf), nil
}

// SerializeDates walks value and replaces every timestamp at a known date
// path with its ISO-8601 representation; objects and arrays get a shallow
// copy, leaf values are replaced. This is the canonical egress step before
// framing (spec §4.1).
func (s *Schema) SerializeDates(value any) any {
	return jsonpath.TransformAtPaths(value, s.datePaths, jsonpath.TimeToISOLeaf)
}

func (s *Schema) validateDoc(value any) error {
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return multiplexerr.Wrap(multiplexerr.ValidationFailed, "schema: "+err.Error(), err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]ValidationIssue, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		issues = append(issues, ValidationIssue{Path: re.Field(), Reason: re.Description()})
	}
	ve := &ValidationError{Issues: issues}
	return multiplexerr.Wrap(multiplexerr.ValidationFailed, ve.Error(), ve)
}

// ---------------------------------------------------------------------
// Date path extraction
// ---------------------------------------------------------------------

// extractDatePaths walks a decoded JSON Schema document once, recording the
// accumulated path at every node with format "date" or "date-time" (spec
// §4.1). Extraction order does not matter: callers treat the result as a
// set, not a sequence.
func extractDatePaths(node any, path jsonpath.Path) []jsonpath.Path {
	obj, ok := node.(map[string]any)
	if !ok {
		return nil
	}

	var out []jsonpath.Path

	if format, ok := obj["format"].(string); ok && (format == "date" || format == "date-time") {
		out = append(out, path.Clone())
	}

	if props, ok := obj["properties"].(map[string]any); ok {
		for key, sub := range props {
			out = append(out, extractDatePaths(sub, path.Append(jsonpath.Key(key)))...)
		}
	}

	if ap, ok := obj["additionalProperties"].(map[string]any); ok {
		out = append(out, extractDatePaths(ap, path.Append(jsonpath.Key(jsonpath.WildcardKey)))...)
	}

	if items, ok := obj["items"].(map[string]any); ok {
		out = append(out, extractDatePaths(items, path.Append(jsonpath.Key(jsonpath.WildcardIndex)))...)
	}

	for _, combinator := range []string{"allOf", "anyOf", "oneOf"} {
		if list, ok := obj[combinator].([]any); ok {
			for _, sub := range list {
				out = append(out, extractDatePaths(sub, path)...)
			}
		}
	}

	return out
}

// ---------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------

// ValidationIssue is one offending path and the reason it failed.
type ValidationIssue struct {
	Path   string
	Reason string
}

// ValidationError lists every offending path and reason found in a single
// validation pass; no partial results are produced.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", iss.Path, iss.Reason)
	}
	return "schema: validation failed: " + strings.Join(parts, "; ")
}

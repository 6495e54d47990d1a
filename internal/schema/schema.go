package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the shape of a schema node.
type Kind int

const (
	// KindAny accepts any value (declared as an empty mapping).
	KindAny Kind = iota

	// KindExemplar declares a required field whose scalar value is a type
	// exemplar for command validation and a seed value for status templates.
	KindExemplar

	// KindDefault declares an optional field ({default: v}) whose value is
	// supplied when the caller omits it.
	KindDefault

	// KindObject declares a required nested object with per-field child nodes.
	KindObject
)

// Node is a single node in a schema tree.
type Node struct {
	Kind     Kind
	Exemplar any             // scalar for KindExemplar
	Default  any             // value for KindDefault
	Fields   map[string]Node // children for KindObject
}

// ValidationError describes a payload that failed validation.
//
// Reason carries the human-readable message published on the wire
// (e.g. "Missing required field 'target_position.x'").
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "schema: validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Parse converts a raw schema definition (as decoded from YAML or JSON)
// into a Node tree.
//
// Returns:
//   - Node: Parsed schema node
//   - error: ErrInvalidSchema if the definition is malformed
func Parse(raw any) (Node, error) {
	switch v := raw.(type) {
	case nil:
		return Node{Kind: KindAny}, nil
	case map[string]any:
		if len(v) == 0 {
			return Node{Kind: KindAny}, nil
		}
		if len(v) == 1 {
			if def, ok := v["default"]; ok {
				return Node{Kind: KindDefault, Default: def}, nil
			}
		}
		fields := make(map[string]Node, len(v))
		for name, child := range v {
			node, err := Parse(child)
			if err != nil {
				return Node{}, fmt.Errorf("field %q: %w", name, err)
			}
			fields[name] = node
		}
		return Node{Kind: KindObject, Fields: fields}, nil
	case bool, string, int, int64, float64, float32:
		return Node{Kind: KindExemplar, Exemplar: v}, nil
	default:
		return Node{}, fmt.Errorf("%w: unsupported value %T", ErrInvalidSchema, raw)
	}
}

// ParseMap parses a mapping of names to schema definitions, as found under
// commands.schemas in the configuration.
func ParseMap(raw map[string]any) (map[string]Node, error) {
	out := make(map[string]Node, len(raw))
	for name, def := range raw {
		node, err := Parse(def)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", name, err)
		}
		out[name] = node
	}
	return out, nil
}

// ValidateAndDefault validates payload against the node tree and fills in
// declared defaults for omitted optional fields.
//
// The walk follows the dialect rules: exemplar fields must be present with a
// matching JSON type (any number matches a numeric exemplar), default fields
// are inserted when absent and unchecked when present, nested objects recurse,
// and undeclared payload fields pass through verbatim.
//
// Returns:
//   - map[string]any: A new payload object; the input is never mutated
//   - error: *ValidationError on rejection
func (n Node) ValidateAndDefault(payload map[string]any) (map[string]any, error) {
	switch n.Kind {
	case KindAny:
		return clonePayload(payload), nil
	case KindObject:
		return applyObject("", payload, n.Fields)
	default:
		return nil, fmt.Errorf("%w: top-level schema must be a mapping", ErrInvalidSchema)
	}
}

func applyObject(path string, payload map[string]any, fields map[string]Node) (map[string]any, error) {
	out := clonePayload(payload)

	for _, name := range sortedNames(fields) {
		child := fields[name]
		full := joinPath(path, name)
		value, present := payload[name]

		switch child.Kind {
		case KindDefault:
			if !present {
				out[name] = child.Default
			}
		case KindExemplar:
			if !present {
				return nil, missingField(full)
			}
			if err := checkExemplar(full, value, child.Exemplar); err != nil {
				return nil, err
			}
		case KindObject:
			if !present {
				return nil, missingField(full)
			}
			nested, ok := value.(map[string]any)
			if !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf(
					"Field '%s' expected object, got %s", full, typeName(value))}
			}
			merged, err := applyObject(full, nested, child.Fields)
			if err != nil {
				return nil, err
			}
			out[name] = merged
		case KindAny:
			// accept anything, including absence
		}
	}
	return out, nil
}

// StatusTemplate builds the initial status snapshot from a status schema.
// Every leaf contributes its value: exemplars seed with the scalar itself,
// defaults with their default value, and nested objects recurse.
func (n Node) StatusTemplate() map[string]any {
	if n.Kind != KindObject {
		return map[string]any{}
	}
	return templateObject(n.Fields)
}

func templateObject(fields map[string]Node) map[string]any {
	out := make(map[string]any, len(fields))
	for name, child := range fields {
		switch child.Kind {
		case KindExemplar:
			out[name] = child.Exemplar
		case KindDefault:
			out[name] = child.Default
		case KindObject:
			out[name] = templateObject(child.Fields)
		case KindAny:
			// no seed value
		}
	}
	return out
}

// ValidateStatusUpdate checks a partial status update against the status
// schema before it is merged into the snapshot.
//
// Unlike command validation, numeric types are checked strictly here: status
// updates originate from application code, so an int field stays an int.
// Fields not declared in the schema are always accepted. Nested objects must
// carry every declared key.
func (n Node) ValidateStatusUpdate(partial map[string]any) error {
	if n.Kind != KindObject {
		return nil
	}
	return validateUpdateObject("", partial, n.Fields)
}

func validateUpdateObject(path string, partial map[string]any, fields map[string]Node) error {
	for _, name := range sortedNames(fields) {
		child := fields[name]
		value, present := partial[name]
		if !present {
			continue
		}
		full := joinPath(path, name)

		switch child.Kind {
		case KindExemplar:
			if err := checkStrict(full, value, child.Exemplar); err != nil {
				return err
			}
		case KindDefault:
			if err := checkStrict(full, value, child.Default); err != nil {
				return err
			}
		case KindObject:
			nested, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: field '%s' expected object, got %s",
					ErrStatusValidation, full, typeName(value))
			}
			for _, key := range sortedNames(child.Fields) {
				if _, has := nested[key]; !has {
					return fmt.Errorf("%w: field '%s' missing required key '%s'",
						ErrStatusValidation, full, key)
				}
			}
			if err := validateUpdateObject(full, nested, child.Fields); err != nil {
				return err
			}
		case KindAny:
			// accept anything
		}
	}
	return nil
}

// checkExemplar verifies a command payload value against a type exemplar.
// Any number matches a numeric exemplar; booleans and strings are strict.
func checkExemplar(path string, value, exemplar any) error {
	if isNumber(exemplar) && isNumber(value) {
		return nil
	}
	if typeName(value) == typeName(exemplar) {
		return nil
	}
	return &ValidationError{Reason: fmt.Sprintf(
		"Field '%s' expected %s, got %s", path, typeName(exemplar), typeName(value))}
}

// checkStrict verifies a status update value with exact type matching,
// including the int/float distinction.
func checkStrict(path string, value, exemplar any) error {
	if typeName(value) == typeName(exemplar) {
		return nil
	}
	return fmt.Errorf("%w: field '%s' expected %s, got %s",
		ErrStatusValidation, path, typeName(exemplar), typeName(value))
}

func missingField(path string) error {
	return &ValidationError{Reason: fmt.Sprintf("Missing required field '%s'", path)}
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func sortedNames(fields map[string]Node) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func typeName(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return strings.TrimPrefix(fmt.Sprintf("%T", t), "*")
	}
}

package appmcp

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// FieldPathError is returned when a caller supplies field paths that do not
// exist on the target argument type. It carries the invalid subset and the
// complete set of valid paths so the failing registration is diagnosable
// without re-deriving the schema by hand.
type FieldPathError struct {
	// Label names the list being validated, e.g. "required" or "optional".
	Label string
	// Invalid holds the unknown paths in the order they were supplied.
	Invalid []string
	// Available holds every valid leaf field path of the target type.
	Available []string
}

func (e *FieldPathError) Error() string {
	return fmt.Sprintf("invalid %s field paths %v, available paths are %v",
		e.Label, e.Invalid, e.Available)
}

var timeType = reflect.TypeOf(time.Time{})

// FieldPaths returns every leaf field path of t in declaration order,
// depth-first, using dot notation for nested structs (e.g. "user.theme").
// Pointers are dereferenced, anonymous embedded structs are inlined the way
// encoding/json promotes their fields, and a struct exposing zero visible
// fields is treated as a leaf rather than recursed into.
func FieldPaths(t reflect.Type) []string {
	return appendFieldPaths(nil, structType(t), "")
}

func appendFieldPaths(paths []string, t reflect.Type, prefix string) []string {
	if t == nil || t.Kind() != reflect.Struct {
		return paths
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, ok := jsonFieldName(f)
		if !ok {
			continue
		}
		ft := structType(f.Type)
		if f.Anonymous && f.Tag.Get("json") == "" && ft != nil {
			// Embedded struct without a tag: fields are promoted, no prefix.
			paths = appendFieldPaths(paths, ft, prefix)
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if ft != nil && ft != timeType && visibleFieldCount(ft) > 0 {
			paths = appendFieldPaths(paths, ft, path)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// SchemaProperties builds a JSON-Schema-style property map for the visible
// fields of t. Nested structs become nested object schemas; maps are
// simplified to a bare "object" with no value schema.
func SchemaProperties(t reflect.Type) map[string]any {
	props := map[string]any{}
	st := structType(t)
	if st == nil {
		return props
	}
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := jsonFieldName(f)
		if !ok {
			continue
		}
		ft := structType(f.Type)
		if f.Anonymous && f.Tag.Get("json") == "" && ft != nil {
			for k, v := range SchemaProperties(ft) {
				props[k] = v
			}
			continue
		}
		props[name] = propertySchema(f.Type)
	}
	return props
}

func propertySchema(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		schema := map[string]any{"type": "array"}
		items := propertySchema(t.Elem())
		if items["type"] != "any" {
			schema["items"] = items
		}
		return schema
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		if t == timeType {
			return map[string]any{"type": "string"}
		}
		if visibleFieldCount(t) == 0 {
			return map[string]any{"type": "any"}
		}
		return map[string]any{
			"type":       "object",
			"properties": SchemaProperties(t),
		}
	default:
		return map[string]any{"type": "any"}
	}
}

// ValidateFieldPaths checks that every element of paths is a valid leaf field
// path of t. It returns nil when all paths are known, and a *FieldPathError
// enumerating the invalid subset and the full valid set otherwise. The label
// is carried into the error for context ("required", "optional").
func ValidateFieldPaths(paths []string, t reflect.Type, label string) error {
	available := FieldPaths(t)
	known := make(map[string]struct{}, len(available))
	for _, p := range available {
		known[p] = struct{}{}
	}

	var invalid []string
	for _, p := range paths {
		if _, ok := known[p]; !ok {
			invalid = append(invalid, p)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	return &FieldPathError{
		Label:     label,
		Invalid:   invalid,
		Available: available,
	}
}

func buildInputSchema(t reflect.Type, required []string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": SchemaProperties(t),
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	bs, _ := json.Marshal(schema)
	return bs
}

func structType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func visibleFieldCount(t reflect.Type) int {
	count := 0
	for i := 0; i < t.NumField(); i++ {
		if _, ok := jsonFieldName(t.Field(i)); ok {
			count++
		}
	}
	return count
}

func jsonFieldName(f reflect.StructField) (string, bool) {
	if f.PkgPath != "" && !f.Anonymous {
		return "", false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, true
}

package appmcp

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

type userSettings struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
}

type nestedArgs struct {
	User    userSettings `json:"user"`
	Enabled bool         `json:"enabled"`
}

type kitchenSink struct {
	Name    string            `json:"name"`
	Age     int               `json:"age"`
	Score   float64           `json:"score"`
	Active  bool              `json:"active"`
	Tags    []string          `json:"tags"`
	Extra   map[string]string `json:"extra"`
	When    time.Time         `json:"when"`
	Ignored string            `json:"-"`
	hidden  string
}

func TestFieldPathsNestedFlattening(t *testing.T) {
	got := FieldPaths(reflect.TypeOf(nestedArgs{}))
	want := []string{"user.theme", "user.notifications", "enabled"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FieldPaths = %v, want %v", got, want)
	}
}

func TestFieldPathsSkipsHiddenFields(t *testing.T) {
	got := FieldPaths(reflect.TypeOf(kitchenSink{}))
	want := []string{"name", "age", "score", "active", "tags", "extra", "when"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FieldPaths = %v, want %v", got, want)
	}
}

func TestFieldPathsEmptyType(t *testing.T) {
	type empty struct{}
	if got := FieldPaths(reflect.TypeOf(empty{})); len(got) != 0 {
		t.Fatalf("expected no field paths for empty type, got %v", got)
	}
}

func TestFieldPathsPointerType(t *testing.T) {
	got := FieldPaths(reflect.TypeOf(&nestedArgs{}))
	want := []string{"user.theme", "user.notifications", "enabled"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FieldPaths = %v, want %v", got, want)
	}
}

func TestFieldPathsEmbeddedStruct(t *testing.T) {
	type base struct {
		ID string `json:"id"`
	}
	type derived struct {
		base
		Name string `json:"name"`
	}

	got := FieldPaths(reflect.TypeOf(derived{}))
	want := []string{"id", "name"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FieldPaths = %v, want %v", got, want)
	}
}

func TestSchemaPropertiesKinds(t *testing.T) {
	props := SchemaProperties(reflect.TypeOf(kitchenSink{}))

	tests := []struct {
		field string
		want  string
	}{
		{"name", "string"},
		{"age", "number"},
		{"score", "number"},
		{"active", "boolean"},
		{"tags", "array"},
		{"extra", "object"},
		{"when", "string"},
	}
	for _, tc := range tests {
		schema, ok := props[tc.field].(map[string]any)
		if !ok {
			t.Fatalf("missing property schema for %q", tc.field)
		}
		if schema["type"] != tc.want {
			t.Errorf("property %q type = %v, want %q", tc.field, schema["type"], tc.want)
		}
	}

	if _, ok := props["Ignored"]; ok {
		t.Error("json:\"-\" field should not appear in properties")
	}
}

func TestSchemaPropertiesNestedObject(t *testing.T) {
	props := SchemaProperties(reflect.TypeOf(nestedArgs{}))

	user, ok := props["user"].(map[string]any)
	if !ok {
		t.Fatal("missing nested object schema for user")
	}
	if user["type"] != "object" {
		t.Fatalf("user type = %v, want object", user["type"])
	}
	nested, ok := user["properties"].(map[string]any)
	if !ok {
		t.Fatal("nested object schema has no properties")
	}
	theme, ok := nested["theme"].(map[string]any)
	if !ok || theme["type"] != "string" {
		t.Fatalf("user.theme schema = %v, want string", nested["theme"])
	}
}

func TestSchemaPropertiesArrayItems(t *testing.T) {
	type args struct {
		Paths []string `json:"paths"`
	}
	props := SchemaProperties(reflect.TypeOf(args{}))

	paths, ok := props["paths"].(map[string]any)
	if !ok {
		t.Fatal("missing schema for paths")
	}
	items, ok := paths["items"].(map[string]any)
	if !ok || items["type"] != "string" {
		t.Fatalf("paths items = %v, want string items", paths["items"])
	}
}

func TestValidateFieldPathsAccepts(t *testing.T) {
	typ := reflect.TypeOf(nestedArgs{})
	subsets := [][]string{
		nil,
		{"enabled"},
		{"user.theme"},
		{"user.theme", "user.notifications", "enabled"},
	}
	for _, subset := range subsets {
		if err := ValidateFieldPaths(subset, typ, "required"); err != nil {
			t.Errorf("ValidateFieldPaths(%v) = %v, want nil", subset, err)
		}
	}
}

func TestValidateFieldPathsRejects(t *testing.T) {
	typ := reflect.TypeOf(nestedArgs{})

	err := ValidateFieldPaths([]string{"enabled", "bogus"}, typ, "optional")
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	var fpErr *FieldPathError
	if !errors.As(err, &fpErr) {
		t.Fatalf("expected *FieldPathError, got %T", err)
	}
	if !reflect.DeepEqual(fpErr.Invalid, []string{"bogus"}) {
		t.Errorf("Invalid = %v, want [bogus]", fpErr.Invalid)
	}
	if !reflect.DeepEqual(fpErr.Available, []string{"user.theme", "user.notifications", "enabled"}) {
		t.Errorf("Available = %v", fpErr.Available)
	}
	if fpErr.Label != "optional" {
		t.Errorf("Label = %q, want optional", fpErr.Label)
	}
}

func TestBuildInputSchema(t *testing.T) {
	raw := buildInputSchema(reflect.TypeOf(nestedArgs{}), []string{"enabled"})

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("input schema is not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema type = %v, want object", schema["type"])
	}
	required, ok := schema["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "enabled" {
		t.Errorf("schema required = %v, want [enabled]", schema["required"])
	}
	if _, ok := schema["properties"].(map[string]any); !ok {
		t.Error("schema has no properties map")
	}
}

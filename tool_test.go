package appmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp"
)

type createUserArgs struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler[T any](captured *T) func(context.Context, T) (mcp.CallToolResult, error) {
	return func(_ context.Context, args T) (mcp.CallToolResult, error) {
		if captured != nil {
			*captured = args
		}
		return textResult("ok"), nil
	}
}

func callTool(t *testing.T, r *ToolRegistry, name, args string) mcp.CallToolResult {
	t.Helper()
	result, err := r.CallTool(context.Background(), mcp.CallToolParams{
		Name:      name,
		Arguments: json.RawMessage(args),
	}, nil, nil)
	if err != nil {
		t.Fatalf("CallTool returned transport error: %v", err)
	}
	return result
}

func resultText(t *testing.T, result mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	return result.Content[0].Text
}

func TestRegisterToolRejectsUnknownRequiredPath(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	err := RegisterTool(r, "create_user", "creates a user", createUserArgs{},
		[]string{"name", "nope"}, okHandler[createUserArgs](nil))
	if err == nil {
		t.Fatal("expected registration to fail")
	}

	var fpErr *FieldPathError
	if !errors.As(err, &fpErr) {
		t.Fatalf("expected *FieldPathError, got %T", err)
	}
	if !reflect.DeepEqual(fpErr.Invalid, []string{"nope"}) {
		t.Errorf("Invalid = %v, want [nope]", fpErr.Invalid)
	}

	if len(r.ToolNames()) != 0 {
		t.Errorf("rejected tool should not be registered, got %v", r.ToolNames())
	}
}

func TestRegisterToolOptionalComplement(t *testing.T) {
	r1 := NewToolRegistry(testLogger())
	defer r1.Close()
	r2 := NewToolRegistry(testLogger())
	defer r2.Close()

	// Declaring age optional must be equivalent to declaring name required.
	err := RegisterTool(r1, "create_user", "creates a user", createUserArgs{Age: 25},
		[]string{"name"}, okHandler[createUserArgs](nil))
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}
	err = RegisterToolOptional(r2, "create_user", "creates a user", createUserArgs{Age: 25},
		[]string{"age"}, okHandler[createUserArgs](nil))
	if err != nil {
		t.Fatalf("RegisterToolOptional failed: %v", err)
	}

	list1, err := r1.ListTools(context.Background(), mcp.ListToolsParams{}, nil, nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	list2, err := r2.ListTools(context.Background(), mcp.ListToolsParams{}, nil, nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(list1.Tools) != 1 || len(list2.Tools) != 1 {
		t.Fatalf("expected one tool each, got %d and %d", len(list1.Tools), len(list2.Tools))
	}

	t1, t2 := list1.Tools[0], list2.Tools[0]
	if t1.Name != t2.Name || t1.Description != t2.Description {
		t.Errorf("tool metadata differs: %+v vs %+v", t1, t2)
	}
	if !bytes.Equal(t1.InputSchema, t2.InputSchema) {
		t.Errorf("input schemas differ:\n%s\n%s", t1.InputSchema, t2.InputSchema)
	}
}

func TestCallToolAppliesDefaults(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	var got createUserArgs
	err := RegisterTool(r, "create_user", "creates a user", createUserArgs{Age: 25},
		[]string{"name"}, okHandler(&got))
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	result := callTool(t, r, "create_user", `{"name":"alice"}`)
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}
	if got.Name != "alice" || got.Age != 25 {
		t.Errorf("handler args = %+v, want name=alice age=25", got)
	}

	result = callTool(t, r, "create_user", `{"name":"bob","age":40}`)
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}
	if got.Name != "bob" || got.Age != 40 {
		t.Errorf("handler args = %+v, want name=bob age=40", got)
	}
}

func TestCallToolMissingRequiredField(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	var called bool
	err := RegisterTool(r, "create_user", "creates a user", createUserArgs{},
		[]string{"name"}, func(context.Context, createUserArgs) (mcp.CallToolResult, error) {
			called = true
			return textResult("ok"), nil
		})
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	result := callTool(t, r, "create_user", `{"age":30}`)
	if !result.IsError {
		t.Fatal("expected error result for missing required field")
	}
	text := resultText(t, result)
	if !strings.HasPrefix(text, "Invalid tool arguments") {
		t.Errorf("error text = %q, want Invalid tool arguments prefix", text)
	}
	if !strings.Contains(text, `"name"`) {
		t.Errorf("error text = %q, should name the missing field", text)
	}
	if called {
		t.Error("handler must not run when required fields are missing")
	}
}

func TestCallToolNestedRequiredField(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	err := RegisterTool(r, "update_settings", "updates settings", nestedArgs{},
		[]string{"user.theme"}, okHandler[nestedArgs](nil))
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	result := callTool(t, r, "update_settings", `{"user":{"notifications":true}}`)
	if !result.IsError {
		t.Fatal("expected error result for missing nested required field")
	}

	result = callTool(t, r, "update_settings", `{"user":{"theme":"dark"}}`)
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}
}

func TestCallToolMalformedArguments(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	err := RegisterTool(r, "create_user", "creates a user", createUserArgs{},
		nil, okHandler[createUserArgs](nil))
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	for _, args := range []string{`{"name":`, `[1,2]`, `"str"`} {
		result := callTool(t, r, "create_user", args)
		if !result.IsError {
			t.Errorf("args %s: expected error result", args)
			continue
		}
		if text := resultText(t, result); !strings.HasPrefix(text, "Invalid tool arguments") {
			t.Errorf("args %s: error text = %q", args, text)
		}
	}
}

func TestCallToolEmptyArguments(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	var got createUserArgs
	err := RegisterTool(r, "create_user", "creates a user", createUserArgs{Age: 25},
		nil, okHandler(&got))
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	result, err := r.CallTool(context.Background(), mcp.CallToolParams{Name: "create_user"}, nil, nil)
	if err != nil {
		t.Fatalf("CallTool returned transport error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}
	if got.Age != 25 {
		t.Errorf("defaults not applied on empty arguments, got %+v", got)
	}
}

func TestCallToolUnknownTool(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	result := callTool(t, r, "no_such_tool", `{}`)
	if !result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
	if text := resultText(t, result); !strings.Contains(text, "tool not found: no_such_tool") {
		t.Errorf("error text = %q", text)
	}
}

func TestCallToolHandlerError(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	err := RegisterTool(r, "flaky", "always fails", createUserArgs{}, nil,
		func(context.Context, createUserArgs) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, fmt.Errorf("backend unavailable")
		})
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	result := callTool(t, r, "flaky", `{}`)
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if text := resultText(t, result); !strings.Contains(text, "backend unavailable") {
		t.Errorf("error text = %q", text)
	}
}

func TestCallToolPanicRecovery(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	err := RegisterTool(r, "crasher", "panics", createUserArgs{}, nil,
		func(context.Context, createUserArgs) (mcp.CallToolResult, error) {
			panic("boom")
		})
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	result := callTool(t, r, "crasher", `{}`)
	if !result.IsError {
		t.Fatal("expected error result from panicking handler")
	}
	if text := resultText(t, result); !strings.Contains(text, "boom") {
		t.Errorf("error text = %q, should carry panic value", text)
	}
}

func TestRegisterToolOverwrites(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	err := RegisterTool(r, "echo", "v1", createUserArgs{}, nil,
		func(context.Context, createUserArgs) (mcp.CallToolResult, error) {
			return textResult("v1"), nil
		})
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}
	err = RegisterTool(r, "echo", "v2", createUserArgs{}, nil,
		func(context.Context, createUserArgs) (mcp.CallToolResult, error) {
			return textResult("v2"), nil
		})
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	if names := r.ToolNames(); len(names) != 1 {
		t.Fatalf("expected one tool after overwrite, got %v", names)
	}
	result := callTool(t, r, "echo", `{}`)
	if text := resultText(t, result); text != "v2" {
		t.Errorf("got %q, want the replacement handler's result", text)
	}
}

func TestListToolsPagination(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	for i := 0; i < 15; i++ {
		name := fmt.Sprintf("tool_%02d", i)
		err := RegisterTool(r, name, "test tool", createUserArgs{}, nil,
			okHandler[createUserArgs](nil))
		if err != nil {
			t.Fatalf("RegisterTool %s failed: %v", name, err)
		}
	}

	first, err := r.ListTools(context.Background(), mcp.ListToolsParams{}, nil, nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(first.Tools) != toolPageSize {
		t.Fatalf("first page has %d tools, want %d", len(first.Tools), toolPageSize)
	}
	if first.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	second, err := r.ListTools(context.Background(), mcp.ListToolsParams{Cursor: first.NextCursor}, nil, nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(second.Tools) != 5 {
		t.Fatalf("second page has %d tools, want 5", len(second.Tools))
	}
	if second.NextCursor != "" {
		t.Errorf("unexpected next cursor %q on last page", second.NextCursor)
	}
	if first.Tools[0].Name != "tool_00" || second.Tools[0].Name != "tool_10" {
		t.Errorf("pages not in lexical order: %s, %s", first.Tools[0].Name, second.Tools[0].Name)
	}
}

func TestListToolsHostileCursor(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("tool_%02d", i)
		err := RegisterTool(r, name, "test tool", createUserArgs{}, nil,
			okHandler[createUserArgs](nil))
		if err != nil {
			t.Fatalf("RegisterTool %s failed: %v", name, err)
		}
	}

	for _, cursor := range []string{"-3", "-9999", "garbage", "99"} {
		result, err := r.ListTools(context.Background(), mcp.ListToolsParams{Cursor: cursor}, nil, nil)
		if err != nil {
			t.Fatalf("ListTools(cursor=%q) failed: %v", cursor, err)
		}
		if len(result.Tools) > 3 {
			t.Errorf("ListTools(cursor=%q) returned %d tools", cursor, len(result.Tools))
		}
	}

	// Negative and unparsable cursors resolve to the first page.
	result, err := r.ListTools(context.Background(), mcp.ListToolsParams{Cursor: "-1"}, nil, nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(result.Tools) != 3 || result.Tools[0].Name != "tool_00" {
		t.Errorf("negative cursor page = %+v, want full first page", result.Tools)
	}
}

type staticContributor struct {
	name string
	err  error
}

func (c staticContributor) ProviderName() string { return c.name }

func (c staticContributor) RegisterTools(r *ToolRegistry) error {
	if c.err != nil {
		return c.err
	}
	return RegisterTool(r, c.name+"_ping", "ping", createUserArgs{}, nil,
		okHandler[createUserArgs](nil))
}

func TestRegisterContributor(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	if err := r.RegisterContributor(staticContributor{name: "demo"}); err != nil {
		t.Fatalf("RegisterContributor failed: %v", err)
	}
	if names := r.ContributorNames(); !reflect.DeepEqual(names, []string{"demo"}) {
		t.Errorf("ContributorNames = %v, want [demo]", names)
	}
	if names := r.ToolNames(); !reflect.DeepEqual(names, []string{"demo_ping"}) {
		t.Errorf("ToolNames = %v, want [demo_ping]", names)
	}

	failing := staticContributor{name: "broken", err: fmt.Errorf("no backend")}
	if err := r.RegisterContributor(failing); err == nil {
		t.Fatal("expected contributor registration to fail")
	}
	if names := r.ContributorNames(); len(names) != 1 {
		t.Errorf("failed contributor must not be recorded, got %v", names)
	}
}

func TestToolListUpdates(t *testing.T) {
	r := NewToolRegistry(testLogger())
	defer r.Close()

	err := RegisterTool(r, "first", "test", createUserArgs{}, nil,
		okHandler[createUserArgs](nil))
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}

	got := 0
	for range r.ToolListUpdates() {
		got++
		break
	}
	if got != 1 {
		t.Fatal("expected a pending tool list update after registration")
	}
}

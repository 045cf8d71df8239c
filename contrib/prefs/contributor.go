package prefs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/go-mcp"

	"github.com/kaeawc/appmcp"
)

// Contributor exposes a Store through prefs_get, prefs_set, prefs_delete,
// and prefs_list tools.
type Contributor struct {
	store *Store
}

// NewContributor wraps an opened store.
func NewContributor(store *Store) *Contributor {
	return &Contributor{store: store}
}

// ProviderName implements appmcp.ToolContributor.
func (*Contributor) ProviderName() string {
	return "prefs"
}

// RegisterTools implements appmcp.ToolContributor.
func (c *Contributor) RegisterTools(r *appmcp.ToolRegistry) error {
	err := appmcp.RegisterTool(r, "prefs_get",
		"Reads a preference value by key",
		keyArgs{}, []string{"key"}, c.get)
	if err != nil {
		return err
	}

	err = appmcp.RegisterTool(r, "prefs_set",
		"Stores a preference value under a key and persists the store",
		setArgs{}, []string{"key", "value"}, c.set)
	if err != nil {
		return err
	}

	err = appmcp.RegisterTool(r, "prefs_delete",
		"Removes a preference key and persists the store",
		keyArgs{}, []string{"key"}, c.delete)
	if err != nil {
		return err
	}

	return appmcp.RegisterTool(r, "prefs_list",
		"Lists all preference keys",
		struct{}{}, nil, c.list)
}

type keyArgs struct {
	Key string `json:"key"`
}

type setArgs struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (c *Contributor) get(_ context.Context, args keyArgs) (mcp.CallToolResult, error) {
	value, ok := c.store.Get(args.Key)
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("preference %q not found", args.Key)
	}
	return jsonResult(map[string]any{"key": args.Key, "value": value})
}

func (c *Contributor) set(_ context.Context, args setArgs) (mcp.CallToolResult, error) {
	if err := c.store.Set(args.Key, args.Value); err != nil {
		return mcp.CallToolResult{}, err
	}
	return textResult(fmt.Sprintf("stored %q", args.Key)), nil
}

func (c *Contributor) delete(_ context.Context, args keyArgs) (mcp.CallToolResult, error) {
	existed, err := c.store.Delete(args.Key)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if !existed {
		return mcp.CallToolResult{}, fmt.Errorf("preference %q not found", args.Key)
	}
	return textResult(fmt.Sprintf("deleted %q", args.Key)), nil
}

func (c *Contributor) list(context.Context, struct{}) (mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"keys": c.store.Keys()})
}

func jsonResult(v any) (mcp.CallToolResult, error) {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return textResult(string(bs)), nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}

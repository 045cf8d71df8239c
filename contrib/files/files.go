// Package files contributes file manipulation tools scoped to the server's
// allowed roots: reading, writing, editing with diff output, directory
// listing, and recursive search.
package files

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kaeawc/appmcp"
)

// Contributor registers the file tools. Every path argument is resolved
// through the resource manager, so the same access policy governs tool calls
// and resource reads.
type Contributor struct {
	resources *appmcp.ResourceManager
	logger    *slog.Logger
}

// New creates a contributor bound to the given resource manager.
func New(resources *appmcp.ResourceManager, logger *slog.Logger) *Contributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Contributor{
		resources: resources,
		logger:    logger.With("component", "files"),
	}
}

// ProviderName implements appmcp.ToolContributor.
func (*Contributor) ProviderName() string {
	return "files"
}

// RegisterTools implements appmcp.ToolContributor.
func (c *Contributor) RegisterTools(r *appmcp.ToolRegistry) error {
	err := appmcp.RegisterTool(r, "read_file",
		"Reads the complete contents of a file as text",
		pathArgs{}, []string{"path"}, c.readFile)
	if err != nil {
		return err
	}

	err = appmcp.RegisterTool(r, "write_file",
		"Creates or overwrites a file with the given content",
		writeArgs{}, []string{"path", "content"}, c.writeFile)
	if err != nil {
		return err
	}

	err = appmcp.RegisterToolOptional(r, "edit_file",
		"Applies text replacements to a file and returns a unified diff; dryRun previews without writing",
		editArgs{}, []string{"dryRun"}, c.editFile)
	if err != nil {
		return err
	}

	err = appmcp.RegisterTool(r, "list_directory",
		"Lists the entries of a directory, marking each as file or directory",
		pathArgs{}, []string{"path"}, c.listDirectory)
	if err != nil {
		return err
	}

	return appmcp.RegisterToolOptional(r, "search_files",
		"Recursively finds files whose name contains the pattern, skipping excluded globs",
		searchArgs{}, []string{"excludePatterns"}, c.searchFiles)
}

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditOperation is a single exact-text replacement within a file.
type EditOperation struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

type editArgs struct {
	Path   string          `json:"path"`
	Edits  []EditOperation `json:"edits"`
	DryRun bool            `json:"dryRun"`
}

type searchArgs struct {
	Path            string   `json:"path"`
	Pattern         string   `json:"pattern"`
	ExcludePatterns []string `json:"excludePatterns"`
}

// resolve maps an OS path argument to an access-checked absolute path.
func (c *Contributor) resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return c.resources.ResolveFilePath("file://" + filepath.ToSlash(abs))
}

func (c *Contributor) readFile(_ context.Context, args pathArgs) (mcp.CallToolResult, error) {
	path, err := c.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return textResult(string(data)), nil
}

func (c *Contributor) writeFile(_ context.Context, args writeArgs) (mcp.CallToolResult, error) {
	path, err := c.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return mcp.CallToolResult{}, err
	}

	c.logger.Debug("file written", "path", path, "bytes", len(args.Content))
	return textResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)), nil
}

func (c *Contributor) editFile(_ context.Context, args editArgs) (mcp.CallToolResult, error) {
	if len(args.Edits) == 0 {
		return mcp.CallToolResult{}, fmt.Errorf("no edits supplied")
	}

	path, err := c.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	original := normalizeLineEndings(string(data))
	modified := original
	for _, edit := range args.Edits {
		oldText := normalizeLineEndings(edit.OldText)
		if !strings.Contains(modified, oldText) {
			return mcp.CallToolResult{}, fmt.Errorf("text not found in %s: %q", args.Path, edit.OldText)
		}
		modified = strings.Replace(modified, oldText, normalizeLineEndings(edit.NewText), 1)
	}

	diff := unifiedDiff(original, modified, args.Path)
	if args.DryRun {
		return textResult(diff), nil
	}

	if err := os.WriteFile(path, []byte(modified), 0o644); err != nil {
		return mcp.CallToolResult{}, err
	}
	c.logger.Debug("file edited", "path", path, "edits", len(args.Edits))
	return textResult(diff), nil
}

func (c *Contributor) listDirectory(_ context.Context, args pathArgs) (mcp.CallToolResult, error) {
	path, err := c.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	var lines []string
	for _, entry := range entries {
		kind := "[FILE]"
		if entry.IsDir() {
			kind = "[DIR] "
		}
		lines = append(lines, kind+" "+entry.Name())
	}
	sort.Strings(lines)

	return textResult(strings.Join(lines, "\n")), nil
}

func (c *Contributor) searchFiles(_ context.Context, args searchArgs) (mcp.CallToolResult, error) {
	root, err := c.resolve(args.Path)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	excludes := make([]glob.Glob, 0, len(args.ExcludePatterns))
	for _, pattern := range args.ExcludePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		excludes = append(excludes, g)
	}

	needle := strings.ToLower(args.Pattern)
	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		slashed := filepath.ToSlash(rel)
		for _, g := range excludes {
			if g.Match(slashed) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if !d.IsDir() && strings.Contains(strings.ToLower(d.Name()), needle) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	if len(matches) == 0 {
		return textResult("no matches found"), nil
	}
	return textResult(strings.Join(matches, "\n")), nil
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// unifiedDiff renders the change between two versions of a file in unified
// diff form.
func unifiedDiff(original, modified, path string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(original, modified, true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	diff.WriteString(fmt.Sprintf("--- %s (original)\n", path))
	diff.WriteString(fmt.Sprintf("+++ %s (modified)\n", path))
	for _, patch := range patches {
		diff.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}
	return diff.String()
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

package appmcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/gobwas/glob"
)

const resourcePageSize = 10

// fileURIPrefix marks resources backed by on-disk files; everything else is
// served from the custom resource map.
const fileURIPrefix = "file://"

// ResourceReadFunc produces the current contents of a custom resource. It is
// invoked on every read, so contents are always computed on demand.
type ResourceReadFunc func(ctx context.Context) (mcp.ResourceContents, error)

// ContentSource supplies resource content for change detection. It is the
// boundary between the subscription manager and the resource layer: the
// manager resolves file URIs to watchable paths through it, and reads
// contents through it when polling. Read errors are returned out-of-band
// here (they drive poll backoff), unlike the MCP read boundary where they
// are reported in-band.
type ContentSource interface {
	// ResolveFilePath maps a file:// URI to an accessible on-disk path, or
	// returns an error when the path is outside the permitted scope.
	ResolveFilePath(uri string) (string, error)
	// ReadContents returns the current contents of the resource at uri.
	ReadContents(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
}

type customResource struct {
	resource mcp.Resource
	read     ResourceReadFunc
}

// ResourceManager stores custom resources and resource templates keyed by
// URI, and serves file:// URIs under an access-control policy: a requested
// path must resolve beneath one of the configured root directories or match
// one of the allow patterns. It implements mcp.ResourceServer,
// mcp.ResourceListUpdater, and ContentSource.
type ResourceManager struct {
	logger *slog.Logger

	roots         []string
	allowPatterns []glob.Glob

	custom    sync.Map // map[string]customResource
	templates sync.Map // map[string]mcp.ResourceTemplate

	updates chan struct{}
	done    chan struct{}
}

// NewResourceManager creates a resource manager permitting file access under
// the given root directories plus any path matching the allow glob patterns
// (compiled with '/' as separator). Roots are made absolute; a root that
// cannot be resolved is an error.
func NewResourceManager(roots []string, allowPatterns []string, logger *slog.Logger) (*ResourceManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
		}
		absRoots = append(absRoots, filepath.Clean(abs))
	}

	compiled := make([]glob.Glob, 0, len(allowPatterns))
	for _, pattern := range allowPatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}

	return &ResourceManager{
		logger:        logger.With("component", "resourcemanager"),
		roots:         absRoots,
		allowPatterns: compiled,
		updates:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}, nil
}

// AddResource registers (or replaces) a custom resource with its content
// provider and signals a resource list change.
func (m *ResourceManager) AddResource(res mcp.Resource, read ResourceReadFunc) {
	m.custom.Store(res.URI, customResource{resource: res, read: read})
	m.logger.Debug("resource added", "uri", res.URI)
	m.signalListChanged()
}

// RemoveResource unregisters a custom resource.
func (m *ResourceManager) RemoveResource(uri string) {
	if _, loaded := m.custom.LoadAndDelete(uri); loaded {
		m.logger.Debug("resource removed", "uri", uri)
		m.signalListChanged()
	}
}

// AddTemplate registers a resource template keyed by its URI template.
func (m *ResourceManager) AddTemplate(t mcp.ResourceTemplate) {
	m.templates.Store(t.URITemplate, t)
}

func (m *ResourceManager) signalListChanged() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

// ListResources implements mcp.ResourceServer.
func (m *ResourceManager) ListResources(
	_ context.Context,
	params mcp.ListResourcesParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ListResourcesResult, error) {
	var resources []mcp.Resource
	m.custom.Range(func(_, value any) bool {
		resources = append(resources, value.(customResource).resource)
		return true
	})
	sort.Slice(resources, func(i, j int) bool {
		return resources[i].URI < resources[j].URI
	})

	startIndex := 0
	if params.Cursor != "" {
		startIndex, _ = strconv.Atoi(params.Cursor)
	}
	// Cursors are client input; anything out of range falls back to a
	// valid window instead of panicking the host.
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex > len(resources) {
		startIndex = len(resources)
	}
	endIndex := startIndex + resourcePageSize
	if endIndex > len(resources) {
		endIndex = len(resources)
	}

	nextCursor := ""
	if endIndex < len(resources) {
		nextCursor = strconv.Itoa(endIndex)
	}

	return mcp.ListResourcesResult{
		Resources:  resources[startIndex:endIndex],
		NextCursor: nextCursor,
	}, nil
}

// ReadResource implements mcp.ResourceServer. Failures never propagate as
// errors: access-denied, nonexistent-file, and provider failures all resolve
// to contents carrying the original URI and a human-readable error string.
func (m *ResourceManager) ReadResource(
	ctx context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ReadResourceResult, error) {
	contents, err := m.ReadContents(ctx, params.URI)
	if err != nil {
		m.logger.Warn("resource read failed", "uri", params.URI, "err", err)
		contents = []mcp.ResourceContents{errorContents(params.URI, err)}
	}
	return mcp.ReadResourceResult{Contents: contents}, nil
}

// ListResourceTemplates implements mcp.ResourceServer.
func (m *ResourceManager) ListResourceTemplates(
	context.Context,
	mcp.ListResourceTemplatesParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListResourceTemplatesResult, error) {
	var templates []mcp.ResourceTemplate
	m.templates.Range(func(_, value any) bool {
		templates = append(templates, value.(mcp.ResourceTemplate))
		return true
	})
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].URITemplate < templates[j].URITemplate
	})

	return mcp.ListResourceTemplatesResult{Templates: templates}, nil
}

// CompletesResourceTemplate implements mcp.ResourceServer. Templates carry
// no completion data, so the result is always empty.
func (m *ResourceManager) CompletesResourceTemplate(
	context.Context,
	mcp.CompletesCompletionParams,
	mcp.RequestClientFunc,
) (mcp.CompletionResult, error) {
	return mcp.CompletionResult{}, nil
}

// ResourceListUpdates implements mcp.ResourceListUpdater.
func (m *ResourceManager) ResourceListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-m.done:
				return
			case <-m.updates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// Close stops the update stream.
func (m *ResourceManager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// ReadContents implements ContentSource. Custom resources take precedence
// over file:// resolution so a registered provider can shadow a file path.
func (m *ResourceManager) ReadContents(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	if entry, ok := m.custom.Load(uri); ok {
		contents, err := entry.(customResource).read(ctx)
		if err != nil {
			return nil, fmt.Errorf("resource provider for %s failed: %w", uri, err)
		}
		return []mcp.ResourceContents{contents}, nil
	}

	if strings.HasPrefix(uri, fileURIPrefix) {
		path, err := m.ResolveFilePath(uri)
		if err != nil {
			return nil, err
		}
		contents, err := readFileContents(path, uri)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{contents}, nil
	}

	return nil, fmt.Errorf("resource not found: %s", uri)
}

// ResolveFilePath implements ContentSource. The resolved path (symlinks
// included) must reside under one of the allowed roots or match an allow
// pattern; for paths that do not exist yet, the parent directory is held to
// the same policy so a subscription can watch for the file's creation.
func (m *ResourceManager) ResolveFilePath(uri string) (string, error) {
	if !strings.HasPrefix(uri, fileURIPrefix) {
		return "", fmt.Errorf("not a file uri: %s", uri)
	}
	requested := strings.TrimPrefix(uri, fileURIPrefix)

	absolute, err := filepath.Abs(filepath.FromSlash(requested))
	if err != nil {
		return "", err
	}

	if !m.isPathAllowed(filepath.Clean(absolute)) {
		return "", fmt.Errorf("access denied - path %s outside allowed directories", requested)
	}

	realPath, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}

		// The file does not exist yet; hold its parent to the same policy.
		parentDir := filepath.Dir(absolute)
		realParent, err := filepath.EvalSymlinks(parentDir)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("access denied - parent directory %s does not exist", parentDir)
			}
			return "", err
		}
		if !m.isPathAllowed(filepath.Clean(realParent)) {
			return "", fmt.Errorf("access denied - parent directory %s outside allowed directories", parentDir)
		}
		return absolute, nil
	}

	if !m.isPathAllowed(filepath.Clean(realPath)) {
		return "", fmt.Errorf("access denied - real path %s outside allowed directories", realPath)
	}
	return realPath, nil
}

func (m *ResourceManager) isPathAllowed(path string) bool {
	for _, root := range m.roots {
		if isSubpath(path, root) {
			return true
		}
	}
	slashed := filepath.ToSlash(path)
	for _, pattern := range m.allowPatterns {
		if pattern.Match(slashed) {
			return true
		}
	}
	return false
}

// AllowedRoots returns the configured root directories.
func (m *ResourceManager) AllowedRoots() []string {
	return append([]string(nil), m.roots...)
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func readFileContents(path, uri string) (mcp.ResourceContents, error) {
	info, err := os.Stat(path)
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return mcp.ResourceContents{}, fmt.Errorf("path %s is a directory, not a file", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if utf8.Valid(data) {
		if mimeType == "" {
			mimeType = "text/plain"
		}
		return mcp.ResourceContents{
			URI:      uri,
			MimeType: mimeType,
			Text:     string(data),
		}, nil
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mcp.ResourceContents{
		URI:      uri,
		MimeType: mimeType,
		Blob:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func errorContents(uri string, err error) mcp.ResourceContents {
	return mcp.ResourceContents{
		URI:      uri,
		MimeType: "text/plain",
		Text:     fmt.Sprintf("error: %v", err),
	}
}

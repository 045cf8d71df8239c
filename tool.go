package appmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-mcp"
)

const toolPageSize = 10

// ToolHandler is the untyped adapter stored in the registry. It receives the
// raw JSON argument object from the client and must never panic; all
// failures are reported through the IsError flag of the result.
type ToolHandler func(ctx context.Context, args json.RawMessage) mcp.CallToolResult

// ToolContributor is implemented by independently-built modules that want to
// inject tools into a registry without the core knowing about them at
// compile time. The composition root wires contributors in explicitly at
// startup.
type ToolContributor interface {
	// ProviderName identifies the contributor for diagnostics.
	ProviderName() string
	// RegisterTools registers the contributor's tools into the registry.
	// It is called synchronously during RegisterContributor.
	RegisterTools(r *ToolRegistry) error
}

type toolEntry struct {
	tool    mcp.Tool
	handler ToolHandler
}

// ToolRegistry stores tool definitions keyed by name together with their
// untyped handlers. Registration is last-write-wins: re-registering a name
// silently replaces the previous entry. The registry implements
// mcp.ToolServer and mcp.ToolListUpdater so it can be plugged straight into
// a go-mcp server.
type ToolRegistry struct {
	logger *slog.Logger

	tools sync.Map // map[string]toolEntry

	contributorsMu sync.Mutex
	contributors   []string

	updates chan struct{}
	done    chan struct{}
}

// NewToolRegistry creates an empty registry. The logger may be nil, in which
// case slog.Default is used.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		logger:  logger.With("component", "toolregistry"),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// RegisterTool registers a tool whose arguments deserialize into T. The
// required list names the field paths (dot notation for nested fields) the
// client must supply; every other field is optional. An empty required list
// means no field is mandatory.
//
// The input schema is derived from T by reflection. The handler is wrapped
// in an adapter that deserializes the raw argument object over a copy of
// defaults, so zero-or-default values survive absent keys. Conversion
// failures, handler errors, and handler panics all surface as error-flagged
// results rather than transport errors.
//
// Registration fails fast with a *FieldPathError if any required path does
// not exist on T; this is a programmer error in the contributing module.
func RegisterTool[T any](r *ToolRegistry, name, description string, defaults T,
	required []string, handler func(context.Context, T) (mcp.CallToolResult, error),
) error {
	t := reflect.TypeOf(defaults)
	if err := ValidateFieldPaths(required, t, "required"); err != nil {
		r.logger.Error("tool registration rejected",
			"tool", name, "err", err)
		return err
	}

	tool := mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: buildInputSchema(t, required),
	}
	r.register(tool, adaptHandler(name, defaults, required, handler))
	return nil
}

// RegisterToolOptional is the complement form of RegisterTool: it takes the
// optional field paths and computes required as every other field path of T,
// preserving declaration order. Both forms produce identical tool
// definitions for equivalent required sets.
func RegisterToolOptional[T any](r *ToolRegistry, name, description string, defaults T,
	optional []string, handler func(context.Context, T) (mcp.CallToolResult, error),
) error {
	t := reflect.TypeOf(defaults)
	if err := ValidateFieldPaths(optional, t, "optional"); err != nil {
		r.logger.Error("tool registration rejected",
			"tool", name, "err", err)
		return err
	}

	opt := make(map[string]struct{}, len(optional))
	for _, p := range optional {
		opt[p] = struct{}{}
	}
	var required []string
	for _, p := range FieldPaths(t) {
		if _, ok := opt[p]; !ok {
			required = append(required, p)
		}
	}
	return RegisterTool(r, name, description, defaults, required, handler)
}

func (r *ToolRegistry) register(tool mcp.Tool, handler ToolHandler) {
	if _, loaded := r.tools.Swap(tool.Name, toolEntry{tool: tool, handler: handler}); loaded {
		r.logger.Debug("tool replaced", "tool", tool.Name)
	} else {
		r.logger.Debug("tool registered", "tool", tool.Name)
	}

	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// RegisterContributor calls back into the contributor synchronously so it
// can register its tools, then records the provider name for diagnostics.
func (r *ToolRegistry) RegisterContributor(c ToolContributor) error {
	if err := c.RegisterTools(r); err != nil {
		return fmt.Errorf("contributor %s failed to register tools: %w", c.ProviderName(), err)
	}

	r.contributorsMu.Lock()
	r.contributors = append(r.contributors, c.ProviderName())
	r.contributorsMu.Unlock()

	r.logger.Info("contributor registered", "provider", c.ProviderName())
	return nil
}

// ContributorNames returns the provider names of every registered
// contributor in registration order.
func (r *ToolRegistry) ContributorNames() []string {
	r.contributorsMu.Lock()
	defer r.contributorsMu.Unlock()
	return append([]string(nil), r.contributors...)
}

// ToolNames returns the registered tool names in lexical order.
func (r *ToolRegistry) ToolNames() []string {
	var names []string
	r.tools.Range(func(key, _ any) bool {
		name, _ := key.(string)
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// ListTools implements mcp.ToolServer.
func (r *ToolRegistry) ListTools(
	_ context.Context,
	params mcp.ListToolsParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	names := r.ToolNames()

	startIndex := 0
	if params.Cursor != "" {
		startIndex, _ = strconv.Atoi(params.Cursor)
	}
	// Cursors are client input; anything out of range falls back to a
	// valid window instead of panicking the host.
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex > len(names) {
		startIndex = len(names)
	}
	endIndex := startIndex + toolPageSize
	if endIndex > len(names) {
		endIndex = len(names)
	}

	tools := make([]mcp.Tool, 0, endIndex-startIndex)
	for _, name := range names[startIndex:endIndex] {
		if entry, ok := r.tools.Load(name); ok {
			tools = append(tools, entry.(toolEntry).tool)
		}
	}

	nextCursor := ""
	if endIndex < len(names) {
		nextCursor = strconv.Itoa(endIndex)
	}

	return mcp.ListToolsResult{
		Tools:      tools,
		NextCursor: nextCursor,
	}, nil
}

// CallTool implements mcp.ToolServer. It never returns a Go error for
// client-induced failures: unknown tools, malformed arguments, and handler
// failures all come back as error-flagged results so the transport layer
// keeps running regardless of any single misbehaving call.
func (r *ToolRegistry) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	entry, ok := r.tools.Load(params.Name)
	if !ok {
		r.logger.Warn("unknown tool called", "tool", params.Name)
		return errorResult(fmt.Sprintf("tool not found: %s", params.Name)), nil
	}
	return entry.(toolEntry).handler(ctx, params.Arguments), nil
}

// ToolListUpdates implements mcp.ToolListUpdater.
func (r *ToolRegistry) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-r.done:
				return
			case <-r.updates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// Close stops the update stream. Registered tools remain callable.
func (r *ToolRegistry) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func adaptHandler[T any](name string, defaults T, required []string,
	handler func(context.Context, T) (mcp.CallToolResult, error),
) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (result mcp.CallToolResult) {
		defer func() {
			if rec := recover(); rec != nil {
				result = errorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
			}
		}()

		if len(args) == 0 {
			args = json.RawMessage("{}")
		}

		var argTree map[string]any
		if err := json.Unmarshal(args, &argTree); err != nil {
			return errorResult(fmt.Sprintf("Invalid tool arguments: %v", err))
		}
		for _, path := range required {
			if !hasFieldPath(argTree, path) {
				return errorResult(fmt.Sprintf("Invalid tool arguments: missing required field %q", path))
			}
		}

		value := defaults
		if err := json.Unmarshal(args, &value); err != nil {
			return errorResult(fmt.Sprintf("Invalid tool arguments: %v", err))
		}

		res, err := handler(ctx, value)
		if err != nil {
			return errorResult(fmt.Sprintf("tool %s failed: %v", name, err))
		}
		return res
	}
}

// hasFieldPath walks the decoded argument tree along the dotted path,
// descending through nested JSON objects.
func hasFieldPath(tree map[string]any, path string) bool {
	segments := strings.Split(path, ".")
	current := tree
	for i, segment := range segments {
		v, ok := current[segment]
		if !ok {
			return false
		}
		if i == len(segments)-1 {
			return true
		}
		current, ok = v.(map[string]any)
		if !ok {
			return false
		}
	}
	return false
}

func errorResult(msg string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: msg,
			},
		},
		IsError: true,
	}
}

func textResult(texts ...string) mcp.CallToolResult {
	contents := make([]mcp.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, mcp.Content{
			Type: mcp.ContentTypeText,
			Text: text,
		})
	}
	return mcp.CallToolResult{
		Content: contents,
		IsError: false,
	}
}

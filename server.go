package appmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp"
)

// Config configures a Server. The zero value is not usable: at least one
// root directory or allow pattern should be supplied for file resources to
// resolve.
type Config struct {
	// Info identifies the server to MCP clients.
	Info mcp.Info
	// Roots are the directories under which file:// resources may resolve.
	Roots []string
	// AllowPatterns are additional path allowlist globs ('/'-separated).
	AllowPatterns []string
	// Subscription tunes change detection; zero fields use defaults.
	Subscription SubscriptionConfig
	// Logger receives operational logs; nil falls back to slog.Default.
	Logger *slog.Logger
}

// Server is the composition root of the debug bridge: it owns the tool
// registry, the resource manager, and the subscription manager, and exposes
// them through the go-mcp server interfaces so a single value can be plugged
// into mcp.NewServer. There is no hidden global instance; the embedding
// application constructs, starts, and closes it explicitly.
type Server struct {
	info   mcp.Info
	logger *slog.Logger

	tools         *ToolRegistry
	resources     *ResourceManager
	subscriptions *SubscriptionManager

	startedAt time.Time
	closeOnce sync.Once
}

// NewServer wires up the registries and starts the subscription machinery.
// Built-in app:// resources are registered immediately; their contents are
// computed on every read.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resources, err := NewResourceManager(cfg.Roots, cfg.AllowPatterns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}

	s := &Server{
		info:          cfg.Info,
		logger:        logger.With("component", "server"),
		tools:         NewToolRegistry(logger),
		resources:     resources,
		subscriptions: NewSubscriptionManager(resources, cfg.Subscription, logger),
		startedAt:     time.Now(),
	}
	s.registerBuiltinResources()

	s.logger.Info("server created", "name", cfg.Info.Name, "version", cfg.Info.Version)
	return s, nil
}

// Tools returns the tool registry for direct registration.
func (s *Server) Tools() *ToolRegistry { return s.tools }

// Resources returns the resource manager.
func (s *Server) Resources() *ResourceManager { return s.resources }

// Subscriptions returns the subscription manager.
func (s *Server) Subscriptions() *SubscriptionManager { return s.subscriptions }

// RegisterContributor wires an independently-built tool module into the
// registry.
func (s *Server) RegisterContributor(c ToolContributor) error {
	return s.tools.RegisterContributor(c)
}

// ServerOptions returns the go-mcp options that plug this server's
// capabilities into mcp.NewServer.
func (s *Server) ServerOptions() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithToolServer(s),
		mcp.WithToolListUpdater(s),
		mcp.WithResourceServer(s),
		mcp.WithResourceListUpdater(s),
		mcp.WithResourceSubscriptionHandler(s),
	}
}

// Close tears down the subscription machinery and update streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.subscriptions.Close()
		s.resources.Close()
		s.tools.Close()
		s.logger.Info("server closed")
	})
}

// ListTools implements mcp.ToolServer.
func (s *Server) ListTools(ctx context.Context, params mcp.ListToolsParams,
	pr mcp.ProgressReporter, rc mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	return s.tools.ListTools(ctx, params, pr, rc)
}

// CallTool implements mcp.ToolServer.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams,
	pr mcp.ProgressReporter, rc mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	return s.tools.CallTool(ctx, params, pr, rc)
}

// ToolListUpdates implements mcp.ToolListUpdater.
func (s *Server) ToolListUpdates() iter.Seq[struct{}] {
	return s.tools.ToolListUpdates()
}

// ListResources implements mcp.ResourceServer.
func (s *Server) ListResources(ctx context.Context, params mcp.ListResourcesParams,
	pr mcp.ProgressReporter, rc mcp.RequestClientFunc,
) (mcp.ListResourcesResult, error) {
	return s.resources.ListResources(ctx, params, pr, rc)
}

// ReadResource implements mcp.ResourceServer.
func (s *Server) ReadResource(ctx context.Context, params mcp.ReadResourceParams,
	pr mcp.ProgressReporter, rc mcp.RequestClientFunc,
) (mcp.ReadResourceResult, error) {
	return s.resources.ReadResource(ctx, params, pr, rc)
}

// ListResourceTemplates implements mcp.ResourceServer.
func (s *Server) ListResourceTemplates(ctx context.Context, params mcp.ListResourceTemplatesParams,
	pr mcp.ProgressReporter, rc mcp.RequestClientFunc,
) (mcp.ListResourceTemplatesResult, error) {
	return s.resources.ListResourceTemplates(ctx, params, pr, rc)
}

// CompletesResourceTemplate implements mcp.ResourceServer.
func (s *Server) CompletesResourceTemplate(ctx context.Context, params mcp.CompletesCompletionParams,
	rc mcp.RequestClientFunc,
) (mcp.CompletionResult, error) {
	return s.resources.CompletesResourceTemplate(ctx, params, rc)
}

// ResourceListUpdates implements mcp.ResourceListUpdater.
func (s *Server) ResourceListUpdates() iter.Seq[struct{}] {
	return s.resources.ResourceListUpdates()
}

// SubscribeResource implements mcp.ResourceSubscriptionHandler.
func (s *Server) SubscribeResource(params mcp.SubscribeResourceParams) {
	s.subscriptions.Subscribe(params.URI)
}

// UnsubscribeResource implements mcp.ResourceSubscriptionHandler.
func (s *Server) UnsubscribeResource(params mcp.UnsubscribeResourceParams) {
	s.subscriptions.Unsubscribe(params.URI)
}

// SubscribedResourceUpdates implements mcp.ResourceSubscriptionHandler.
func (s *Server) SubscribedResourceUpdates() iter.Seq[string] {
	return s.subscriptions.SubscribedResourceUpdates()
}

const (
	runtimeResourceURI = "app://runtime"
	processResourceURI = "app://process"
)

func (s *Server) registerBuiltinResources() {
	s.resources.AddResource(mcp.Resource{
		URI:         runtimeResourceURI,
		Name:        "Go runtime",
		Description: "Go version, platform, and scheduler information of the host application",
		MimeType:    "application/json",
	}, s.readRuntimeResource)

	s.resources.AddResource(mcp.Resource{
		URI:         processResourceURI,
		Name:        "Process",
		Description: "Process identity and uptime of the host application",
		MimeType:    "application/json",
	}, s.readProcessResource)
}

func (s *Server) readRuntimeResource(context.Context) (mcp.ResourceContents, error) {
	info := map[string]any{
		"goVersion":  runtime.Version(),
		"goos":       runtime.GOOS,
		"goarch":     runtime.GOARCH,
		"numCPU":     runtime.NumCPU(),
		"gomaxprocs": runtime.GOMAXPROCS(0),
		"goroutines": runtime.NumGoroutine(),
	}
	bs, err := json.Marshal(info)
	if err != nil {
		return mcp.ResourceContents{}, err
	}
	return mcp.ResourceContents{
		URI:      runtimeResourceURI,
		MimeType: "application/json",
		Text:     string(bs),
	}, nil
}

func (s *Server) readProcessResource(context.Context) (mcp.ResourceContents, error) {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	info := map[string]any{
		"pid":           os.Getpid(),
		"ppid":          os.Getppid(),
		"hostname":      hostname,
		"workingDir":    wd,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"serverName":    s.info.Name,
		"serverVersion": s.info.Version,
		"contributors":  s.tools.ContributorNames(),
	}
	bs, err := json.Marshal(info)
	if err != nil {
		return mcp.ResourceContents{}, err
	}
	return mcp.ResourceContents{
		URI:      processResourceURI,
		MimeType: "application/json",
		Text:     string(bs),
	}, nil
}

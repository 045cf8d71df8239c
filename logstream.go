package appmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/go-mcp"
)

// LogBridge forwards slog records to connected MCP clients. It implements
// both slog.Handler (so it can back a *slog.Logger, alone or teed with a
// local handler) and mcp.LogHandler (so go-mcp streams the records out as
// notifications/message). Messages below the client-set minimum level are
// filtered; pushes never block, a slow consumer just loses records.
type LogBridge struct {
	name     string
	minLevel atomic.Int32

	logs chan mcp.LogParams
	done chan struct{}
	once sync.Once
}

// NewLogBridge creates a bridge whose records are attributed to the given
// logger name. The initial minimum level is info.
func NewLogBridge(name string) *LogBridge {
	b := &LogBridge{
		name: name,
		logs: make(chan mcp.LogParams, 32),
		done: make(chan struct{}),
	}
	b.minLevel.Store(int32(mcp.LogLevelInfo))
	return b
}

// LogStreams implements mcp.LogHandler.
func (b *LogBridge) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-b.done:
				return
			case params := <-b.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements mcp.LogHandler.
func (b *LogBridge) SetLogLevel(level mcp.LogLevel) {
	b.minLevel.Store(int32(level))
}

// Close stops the stream.
func (b *LogBridge) Close() {
	b.once.Do(func() {
		close(b.done)
	})
}

// Enabled implements slog.Handler.
func (b *LogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return mcpLogLevel(level) >= mcp.LogLevel(b.minLevel.Load())
}

// Handle implements slog.Handler.
func (b *LogBridge) Handle(_ context.Context, record slog.Record) error {
	return b.emit(record, nil)
}

// WithAttrs implements slog.Handler.
func (b *LogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &bridgeHandler{bridge: b, attrs: attrs}
}

// WithGroup implements slog.Handler. Groups are flattened; the group name is
// dropped.
func (b *LogBridge) WithGroup(string) slog.Handler {
	return b
}

func (b *LogBridge) emit(record slog.Record, attrs []slog.Attr) error {
	level := mcpLogLevel(record.Level)
	if level < mcp.LogLevel(b.minLevel.Load()) {
		return nil
	}

	fields := map[string]any{"message": record.Message}
	for _, attr := range attrs {
		fields[attr.Key] = attr.Value.String()
	}
	record.Attrs(func(attr slog.Attr) bool {
		fields[attr.Key] = attr.Value.String()
		return true
	})

	data, err := json.Marshal(fields)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"message":%q}`, record.Message))
	}

	select {
	case b.logs <- mcp.LogParams{
		Level:  level,
		Logger: b.name,
		Data:   data,
	}:
	default:
	}
	return nil
}

// bridgeHandler is a LogBridge view carrying pre-bound attributes from
// slog.Logger.With calls.
type bridgeHandler struct {
	bridge *LogBridge
	attrs  []slog.Attr
}

func (h *bridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.bridge.Enabled(ctx, level)
}

func (h *bridgeHandler) Handle(_ context.Context, record slog.Record) error {
	return h.bridge.emit(record, h.attrs)
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &bridgeHandler{bridge: h.bridge, attrs: combined}
}

func (h *bridgeHandler) WithGroup(string) slog.Handler {
	return h
}

func mcpLogLevel(level slog.Level) mcp.LogLevel {
	switch {
	case level >= slog.LevelError:
		return mcp.LogLevelError
	case level >= slog.LevelWarn:
		return mcp.LogLevelWarning
	case level >= slog.LevelInfo:
		return mcp.LogLevelInfo
	default:
		return mcp.LogLevelDebug
	}
}

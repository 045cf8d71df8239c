// Package runtimeinfo contributes tools for inspecting the Go runtime of the
// host application: scheduler configuration, heap statistics, and garbage
// collection history.
package runtimeinfo

import (
	"context"
	"encoding/json"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/MegaGrindStone/go-mcp"

	"github.com/kaeawc/appmcp"
)

// Contributor registers the runtime inspection tools. It is stateless.
type Contributor struct{}

// New creates the contributor.
func New() Contributor {
	return Contributor{}
}

// ProviderName implements appmcp.ToolContributor.
func (Contributor) ProviderName() string {
	return "runtimeinfo"
}

// RegisterTools implements appmcp.ToolContributor.
func (c Contributor) RegisterTools(r *appmcp.ToolRegistry) error {
	err := appmcp.RegisterTool(r, "runtime_info",
		"Reports the Go version, platform, and scheduler configuration of the host application",
		struct{}{}, nil, c.runtimeInfo)
	if err != nil {
		return err
	}

	err = appmcp.RegisterToolOptional(r, "memory_stats",
		"Reports heap and allocation statistics, optionally forcing a garbage collection first",
		memoryStatsArgs{}, []string{"runGc"}, c.memoryStats)
	if err != nil {
		return err
	}

	return appmcp.RegisterToolOptional(r, "gc_stats",
		"Reports garbage collection counts and recent pause durations",
		gcStatsArgs{MaxPauses: 5}, []string{"maxPauses"}, c.gcStats)
}

type memoryStatsArgs struct {
	RunGC bool `json:"runGc"`
}

type gcStatsArgs struct {
	MaxPauses int `json:"maxPauses"`
}

func (Contributor) runtimeInfo(context.Context, struct{}) (mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"goVersion":  runtime.Version(),
		"goos":       runtime.GOOS,
		"goarch":     runtime.GOARCH,
		"numCPU":     runtime.NumCPU(),
		"gomaxprocs": runtime.GOMAXPROCS(0),
		"goroutines": runtime.NumGoroutine(),
		"compiler":   runtime.Compiler,
	})
}

func (Contributor) memoryStats(_ context.Context, args memoryStatsArgs) (mcp.CallToolResult, error) {
	if args.RunGC {
		runtime.GC()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return jsonResult(map[string]any{
		"heapAlloc":     ms.HeapAlloc,
		"heapSys":       ms.HeapSys,
		"heapObjects":   ms.HeapObjects,
		"totalAlloc":    ms.TotalAlloc,
		"sys":           ms.Sys,
		"mallocs":       ms.Mallocs,
		"frees":         ms.Frees,
		"numGC":         ms.NumGC,
		"gcCPUFraction": ms.GCCPUFraction,
		"nextGC":        ms.NextGC,
	})
}

func (Contributor) gcStats(_ context.Context, args gcStatsArgs) (mcp.CallToolResult, error) {
	var gs debug.GCStats
	debug.ReadGCStats(&gs)

	limit := args.MaxPauses
	if limit < 0 {
		limit = 0
	}
	if limit > len(gs.Pause) {
		limit = len(gs.Pause)
	}
	pauses := make([]string, 0, limit)
	for _, p := range gs.Pause[:limit] {
		pauses = append(pauses, p.String())
	}

	lastGC := ""
	if !gs.LastGC.IsZero() {
		lastGC = gs.LastGC.Format(time.RFC3339Nano)
	}

	return jsonResult(map[string]any{
		"numGC":        gs.NumGC,
		"lastGC":       lastGC,
		"pauseTotal":   gs.PauseTotal.String(),
		"recentPauses": pauses,
	})
}

func jsonResult(v any) (mcp.CallToolResult, error) {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(bs),
			},
		},
	}, nil
}

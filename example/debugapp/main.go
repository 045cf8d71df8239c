// Command debugapp runs a standalone debug MCP server over SSE. It wires up
// every contributor in this repository and serves on a loopback port, the way
// an application would embed the server for local tooling to connect to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp"

	"github.com/kaeawc/appmcp"
	"github.com/kaeawc/appmcp/contrib/files"
	"github.com/kaeawc/appmcp/contrib/prefs"
	"github.com/kaeawc/appmcp/contrib/runtimeinfo"
	"github.com/kaeawc/appmcp/contrib/sqlitetools"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8989", "listen address for the SSE endpoint")
	root := flag.String("root", ".", "directory exposed as file resources")
	flag.Parse()

	absRoot, err := filepath.Abs(*root)
	if err != nil {
		log.Fatalf("failed to resolve root: %v", err)
	}

	bridge := appmcp.NewLogBridge("debugapp")
	defer bridge.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv, err := appmcp.NewServer(appmcp.Config{
		Info:   mcp.Info{Name: "debugapp", Version: "0.1.0"},
		Roots:  []string{absRoot},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	defer srv.Close()

	store, err := prefs.Open(filepath.Join(absRoot, "prefs.json"), logger)
	if err != nil {
		log.Fatalf("failed to open preference store: %v", err)
	}
	dbTools, err := sqlitetools.Open(filepath.Join(absRoot, "debug.db"), logger)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer dbTools.Close()

	contributors := []appmcp.ToolContributor{
		runtimeinfo.New(),
		files.New(srv.Resources(), logger),
		prefs.NewContributor(store),
		dbTools,
	}
	for _, c := range contributors {
		if err := srv.RegisterContributor(c); err != nil {
			log.Fatalf("failed to register %s: %v", c.ProviderName(), err)
		}
	}

	messageURL := fmt.Sprintf("http://%s/message", *addr)
	sse := mcp.NewSSEServer(messageURL)

	opts := append(srv.ServerOptions(),
		mcp.WithLogHandler(bridge),
		mcp.WithServerPingInterval(30*time.Second),
	)
	mcpSrv := mcp.NewServer(mcp.Info{Name: "debugapp", Version: "0.1.0"}, sse, opts...)
	go mcpSrv.Serve()

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", *addr, "root", absRoot)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sse.Shutdown(ctx); err != nil {
		logger.Error("sse shutdown failed", "err", err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
}

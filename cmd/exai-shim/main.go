// Command exai-shim is the MCP stdio server that MCP clients launch. It
// forwards every tool call to a running exai-daemon over WebSocket, so many
// client processes share one daemon and its call coalescing.
//
// Usage:
//
//	EXAI_AUTH_TOKEN=exai_... exai-shim
//
// stdout carries the MCP stream; all logs go to stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/shim"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/logutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultDaemonURL = "ws://127.0.0.1:8079/ws"

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(
		logutil.OutputTo(os.Stderr, os.Stderr),
		&slog.HandlerOptions{Level: logutil.ParseLevel(os.Getenv("EXAI_LOG_LEVEL"))},
	))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("exai-shim %s\n", version)
			return
		case "help", "--help", "-h":
			fmt.Println("exai-shim - MCP stdio front end for exai-daemon\n\n" +
				"Environment:\n" +
				"  EXAI_DAEMON_URL     Daemon WebSocket URL (default: " + defaultDaemonURL + ")\n" +
				"  EXAI_AUTH_TOKEN     Token printed by `exai-daemon setup`\n" +
				"  EXAI_CATALOG_FILE   Tool catalog override (must match the daemon's)\n" +
				"  EXAI_LOG_LEVEL      debug, info, warn or error")
			return
		}
	}

	var (
		cat *catalog.Catalog
		err error
	)
	if path := os.Getenv("EXAI_CATALOG_FILE"); path != "" {
		cat, err = catalog.LoadFromFile(path)
	} else {
		cat, err = catalog.Load()
	}
	if err != nil {
		logger.Error("catalog error", "error", err)
		os.Exit(1)
	}

	daemonURL := os.Getenv("EXAI_DAEMON_URL")
	if daemonURL == "" {
		daemonURL = defaultDaemonURL
	}
	client := shim.NewClient(shim.ClientConfig{
		URL:           daemonURL,
		Token:         os.Getenv("EXAI_AUTH_TOKEN"),
		ClientName:    "exai-shim",
		ClientVersion: version,
	}, logger.With("component", "daemon_client"))
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect eagerly so a bad token shows up in the logs at startup. Calls
	// retry the connection if the daemon is not up yet.
	if err := client.Connect(ctx); err != nil {
		logger.Warn("daemon not reachable yet", "url", daemonURL, "error", err)
	}

	srv := shim.NewServer(cat, client, version, logger)
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}

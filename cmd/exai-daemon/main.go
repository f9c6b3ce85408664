// Command exai-daemon is the shared EX-AI MCP daemon.
//
// MCP clients (usually through exai-shim) connect over WebSocket, present a
// token and call tools. Identical concurrent calls are coalesced into one
// provider execution, results are cached briefly, and a three-tier limiter
// bounds global, per-provider and per-session concurrency.
//
// Usage:
//
//	# Start the daemon (EXAI_REDIS_URL optional: embedded Redis otherwise)
//	exai-daemon
//
//	# Generate a client token and its hash
//	exai-daemon setup [--write-env]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/daemon"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/auth"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/logutil"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/provider"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Environment variables already set take precedence over .env values.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(
		logutil.Output(os.Stderr),
		&slog.HandlerOptions{Level: logutil.ParseLevel(os.Getenv("EXAI_LOG_LEVEL"))},
	))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup":
			writeEnv := false
			for _, arg := range os.Args[2:] {
				if arg == "--write-env" {
					writeEnv = true
				}
			}
			runSetup(writeEnv)
			return
		case "tools":
			runTools()
			return
		case "version":
			fmt.Printf("exai-daemon %s\n", version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
			printHelp()
			os.Exit(2)
		}
	}

	cfg, err := daemon.LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	cat, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		logger.Error("catalog error", "error", err)
		os.Exit(1)
	}

	// Start embedded miniredis if no EXAI_REDIS_URL provided
	var miniRedis *miniredis.Miniredis
	if cfg.RedisURL == "" {
		miniRedis, err = miniredis.Run()
		if err != nil {
			logger.Error("failed to start embedded redis", "error", err)
			os.Exit(1)
		}
		cfg.RedisURL = "redis://" + miniRedis.Addr()
		cfg.EmbeddedRedis = true
		logger.Info("started embedded redis", "addr", miniRedis.Addr())
	}
	defer func() {
		if miniRedis != nil {
			miniRedis.Close()
		}
	}()

	// Miniredis TTLs don't decrease on their own; advance time so health
	// keys expire the way they would on a real Redis.
	if miniRedis != nil {
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				miniRedis.FastForward(1 * time.Second)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTelEndpoint, "exai-daemon", version, cfg.OTelInsecure)
	if err != nil {
		logger.Error("telemetry initialization failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry flush failed", "error", err)
		}
	}()

	providers := provider.FromCatalog(cat, os.LookupEnv)
	if configured := providers.Configured(); len(configured) == 0 {
		logger.Warn("no provider API keys set, only local tools will succeed")
	} else {
		logger.Info("providers configured", "providers", configured)
	}

	srv, err := daemon.NewServer(cfg, daemon.Options{
		Catalog:   cat,
		Providers: providers,
		Version:   version,
	}, logger)
	if err != nil {
		logger.Error("server initialization failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path != "" {
		return catalog.LoadFromFile(path)
	}
	return catalog.Load()
}

// runSetup generates a client token and prints the hash the daemon needs.
//
// Modes:
//   - Default:      prints the token and the .env line to stdout
//   - --write-env:  writes the hash to .env (refuses if it exists)
func runSetup(writeEnv bool) {
	if writeEnv {
		if _, err := os.Stat(".env"); err == nil {
			fmt.Fprintln(os.Stderr, "Error: .env already exists. Remove it first or run setup without --write-env.")
			os.Exit(1)
		}
	}

	tok, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("exai-daemon setup")
	fmt.Println("=================")
	fmt.Println()
	fmt.Println("=== CLIENT TOKEN (for exai-shim and other MCP clients) ===")
	fmt.Printf("  %s\n", tok.Token)
	fmt.Println()
	fmt.Printf("  Use it with:  EXAI_AUTH_TOKEN=%s exai-shim\n", tok.Token)
	fmt.Println()
	fmt.Println("=== SAVE THIS TOKEN NOW ===")
	fmt.Println("The plaintext token above will NOT be shown again.")
	fmt.Println()

	envContent := fmt.Sprintf(
		"EXAI_AUTH_TOKEN_HASH='%s'\n# EXAI_REDIS_URL=redis://localhost:6379  # Optional: uses embedded Redis if not set\n# KIMI_API_KEY=\n# GLM_API_KEY=\n",
		tok.Hash,
	)

	if writeEnv {
		if err := os.WriteFile(".env", []byte(envContent), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing .env: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Wrote .env (mode 0600)")
		return
	}
	fmt.Println("=== .env FILE ===")
	fmt.Println("Copy this into the daemon's .env file (or re-run with --write-env):")
	fmt.Println()
	fmt.Print(envContent)
	fmt.Println()
}

// runTools prints the catalog the daemon would serve.
func runTools() {
	cat, err := loadCatalog(os.Getenv("EXAI_CATALOG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading catalog: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("exai tool catalog (v%s, %d tools)\n", cat.Version, len(cat.Tools))
	fmt.Println()

	tools := make([]catalog.Tool, len(cat.Tools))
	copy(tools, cat.Tools)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	fmt.Printf("  %-12s %-8s %-9s %-8s %s\n", "TOOL", "PROVIDER", "CLASS", "TIMEOUT", "ALIASES")
	for _, t := range tools {
		aliases := "-"
		if len(t.Aliases) > 0 {
			aliases = fmt.Sprint(t.Aliases)
		}
		fmt.Printf("  %-12s %-8s %-9s %-8s %s\n",
			t.Name, t.Provider, t.Class, cat.Timeout(t.Class), aliases)
	}
}

func printHelp() {
	fmt.Println(`exai-daemon - shared MCP tool daemon with call coalescing

Usage:
  exai-daemon               Start the daemon
  exai-daemon setup         Generate a client token and its hash
    --write-env             Write the hash to .env instead of printing it
  exai-daemon tools         List the tool catalog
  exai-daemon version       Print version
  exai-daemon help          Show this help

Environment:
  EXAI_HOST                       Bind address (default: 127.0.0.1)
  EXAI_PORT                       Listen port (default: 8079)
  EXAI_AUTH_TOKEN_HASH            Argon2id hash of the client token
  EXAI_REDIS_URL                  Redis URL (default: embedded)
  EXAI_GLOBAL_CONCURRENCY         Executions across all providers
  EXAI_PROVIDER_CONCURRENCY       Executions per provider
  EXAI_SESSION_CONCURRENCY        Executions per client session
  EXAI_PROVIDER_TIMEOUT_MARGIN    Gap between provider and execution deadline
  EXAI_CATALOG_FILE               Replace the embedded tool catalog
  EXAI_OTEL_ENDPOINT              OTLP/HTTP endpoint for traces and metrics
  EXAI_LOG_LEVEL                  debug, info, warn or error
  KIMI_API_KEY, GLM_API_KEY       Provider credentials`)
}

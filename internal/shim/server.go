package shim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/protocol"
)

// Caller forwards one tool call to the daemon.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any, progress ProgressFunc) (*protocol.CallToolResultMessage, error)
}

// Server exposes the catalog tools over MCP.
type Server struct {
	mcpServer *server.MCPServer
	catalog   *catalog.Catalog
	caller    Caller
	logger    *slog.Logger
}

// NewServer builds the MCP server and registers one tool per catalog entry.
func NewServer(cat *catalog.Catalog, caller Caller, version string, logger *slog.Logger) *Server {
	s := &Server{
		catalog: cat,
		caller:  caller,
		logger:  logger,
	}
	s.mcpServer = server.NewMCPServer(
		"exai",
		version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// Serve runs the MCP stdio transport until in reaches EOF or ctx ends.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	for i := range s.catalog.Tools {
		t := &s.catalog.Tools[i]
		s.mcpServer.AddTool(toolDefinition(t), s.handler(t.Name))
	}
}

// toolDefinition describes a catalog tool's arguments. Local tools take
// none; provider tools share the prompt schema the executor accepts.
func toolDefinition(t *catalog.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	if !t.Local() {
		opts = append(opts,
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The request for the model"),
			),
			mcp.WithString("model",
				mcp.Description("Model override (must be one the provider serves)"),
			),
			mcp.WithNumber("temperature",
				mcp.Description("Sampling temperature between 0 and 2"),
			),
			mcp.WithNumber("max_tokens",
				mcp.Description("Upper bound on generated tokens"),
			),
			mcp.WithArray("files",
				mcp.Description("Text snippets to include, as strings or {name, content} objects"),
			),
		)
	}
	return mcp.NewTool(t.Name, opts...)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.caller.Call(ctx, name, req.GetArguments(), s.progressNotifier(ctx, req))
		if err != nil {
			s.logger.Warn("tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("exai daemon: %v", err)), nil
		}
		if !res.OK {
			return mcp.NewToolResultError(renderError(res.Error)), nil
		}
		return mcp.NewToolResultText(renderResult(res)), nil
	}
}

// progressNotifier forwards daemon progress as MCP progress notifications
// when the client asked for them with a progress token.
func (s *Server) progressNotifier(ctx context.Context, req mcp.CallToolRequest) ProgressFunc {
	if req.Params.Meta == nil || req.Params.Meta.ProgressToken == nil {
		return nil
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return nil
	}
	token := req.Params.Meta.ProgressToken
	var count int
	return func(message string) {
		count++
		err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      count,
			"message":       message,
		})
		if err != nil {
			s.logger.Debug("progress notification failed", "error", err)
		}
	}
}

// renderResult returns the model's text for provider tools and indented
// JSON for everything else.
func renderResult(res *protocol.CallToolResultMessage) string {
	var tr struct {
		Content string `json:"content"`
	}
	if err := decodeResult(res, &tr); err == nil && tr.Content != "" {
		return tr.Content
	}
	var v any
	if err := decodeResult(res, &v); err != nil {
		return string(res.Result)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(res.Result)
	}
	return string(out)
}

func renderError(e *protocol.CallError) string {
	if e == nil {
		return "tool call failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	switch e.Retry {
	case protocol.RetryNow:
		b.WriteString(" (safe to retry)")
	case protocol.RetryLater:
		fmt.Fprintf(&b, " (retry after %dms)", e.RetryAfterMS)
	case protocol.RetryNever:
		b.WriteString(" (do not retry)")
	}
	return b.String()
}

// Package executor runs catalog tools for the dispatcher. Provider tools
// become a single streaming chat completion against the tool's upstream;
// local tools are answered from daemon state.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/dispatch"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/health"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/provider"
)

// Config tunes the executor.
type Config struct {
	Version string

	// ProgressInterval is the minimum gap between progress messages for one
	// call. Zero reports every streamed delta.
	ProgressInterval time.Duration
}

// Executor implements dispatch.ToolExecutor.
type Executor struct {
	cfg       Config
	catalog   *catalog.Catalog
	providers *provider.Set
	status    func() health.Snapshot
	logger    *slog.Logger
}

// New creates an Executor. status may be nil, in which case the status tool
// reports an empty snapshot.
func New(cfg Config, cat *catalog.Catalog, providers *provider.Set, status func() health.Snapshot, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		catalog:   cat,
		providers: providers,
		status:    status,
		logger:    logger.With("component", "executor"),
	}
}

// ToolResult is the result payload of a provider tool.
type ToolResult struct {
	Tool         string         `json:"tool"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Content      string         `json:"content"`
	Reasoning    string         `json:"reasoning,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        provider.Usage `json:"usage"`
}

// Execute runs call. Argument problems come back as validation errors so the
// client is told not to retry.
func (e *Executor) Execute(ctx context.Context, call dispatch.Call, progress dispatch.ProgressFunc) (json.RawMessage, error) {
	tool, ok := e.catalog.Lookup(call.Tool)
	if !ok {
		return nil, dispatch.ValidationError("unknown tool %q", call.Tool)
	}
	if tool.Local() {
		return e.local(tool, call)
	}
	return e.remote(ctx, tool, call, progress)
}

func (e *Executor) remote(ctx context.Context, tool *catalog.Tool, call dispatch.Call, progress dispatch.ProgressFunc) (json.RawMessage, error) {
	args, err := parseArgs(call.Arguments)
	if err != nil {
		return nil, err
	}
	client, err := e.providers.Get(tool.Provider)
	if err != nil {
		return nil, dispatch.ExecutionFailed(tool.Name, tool.Provider, err)
	}
	if args.Model != "" {
		if p, ok := e.catalog.Provider(tool.Provider); ok && len(p.Models) > 0 && !slices.Contains(p.Models, args.Model) {
			return nil, dispatch.ValidationError("model %q is not offered by %s", args.Model, tool.Provider)
		}
	}

	req := &provider.ChatRequest{
		Model:       args.Model,
		Messages:    buildMessages(tool, args),
		Temperature: args.Temperature,
		MaxTokens:   args.MaxTokens,
	}

	// Upstream requests stop at the provider deadline, which is always inside
	// the dispatcher's own deadline.
	if !call.ProviderDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, call.ProviderDeadline)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = client.DefaultModel()
	}
	logger := e.logger.With("tool", tool.Name, "provider", tool.Provider, "model", model, "request_id", call.RequestID)
	logger.Debug("provider call starting")
	report(progress, fmt.Sprintf("%s: calling %s (%s)", tool.Name, tool.Provider, model))

	started := time.Now()
	var received int
	var lastReport time.Time
	res, err := client.Complete(ctx, req, func(content, reasoning string) {
		received += len(content) + len(reasoning)
		if now := time.Now(); now.Sub(lastReport) >= e.cfg.ProgressInterval {
			lastReport = now
			phase := "writing"
			if content == "" {
				phase = "thinking"
			}
			report(progress, fmt.Sprintf("%s: %s, %d chars received", tool.Name, phase, received))
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !call.ProviderDeadline.IsZero() && !time.Now().Before(call.ProviderDeadline) {
			err = fmt.Errorf("provider deadline exceeded after %s: %w", time.Since(started).Round(time.Millisecond), err)
		}
		logger.Warn("provider call failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		return nil, dispatch.ExecutionFailed(tool.Name, tool.Provider, err)
	}

	logger.Info("provider call finished",
		"duration_ms", time.Since(started).Milliseconds(),
		"finish_reason", res.FinishReason,
		"total_tokens", res.Usage.TotalTokens,
	)
	out, err := json.Marshal(ToolResult{
		Tool:         tool.Name,
		Provider:     tool.Provider,
		Model:        res.Model,
		Content:      res.Content,
		Reasoning:    res.Reasoning,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return out, nil
}

func report(progress dispatch.ProgressFunc, msg string) {
	if progress != nil {
		progress(msg)
	}
}

// FileSnippet is inline file content supplied with a call.
type FileSnippet struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type toolArgs struct {
	Prompt      string
	Model       string
	Temperature *float64
	MaxTokens   *int
	Files       []FileSnippet
}

func parseArgs(raw map[string]any) (*toolArgs, error) {
	a := &toolArgs{}
	prompt, _ := raw["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, dispatch.ValidationError("argument %q is required", "prompt")
	}
	a.Prompt = prompt

	if v, ok := raw["model"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, dispatch.ValidationError("argument %q must be a string", "model")
		}
		a.Model = s
	}
	if v, ok := raw["temperature"]; ok && v != nil {
		f, ok := number(v)
		if !ok || f < 0 || f > 2 {
			return nil, dispatch.ValidationError("argument %q must be a number between 0 and 2", "temperature")
		}
		a.Temperature = &f
	}
	if v, ok := raw["max_tokens"]; ok && v != nil {
		f, ok := number(v)
		if !ok || f < 1 || f != float64(int(f)) {
			return nil, dispatch.ValidationError("argument %q must be a positive integer", "max_tokens")
		}
		n := int(f)
		a.MaxTokens = &n
	}
	if v, ok := raw["files"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return nil, dispatch.ValidationError("argument %q must be a list", "files")
		}
		for i, item := range list {
			switch f := item.(type) {
			case string:
				a.Files = append(a.Files, FileSnippet{Name: fmt.Sprintf("file%d", i+1), Content: f})
			case map[string]any:
				name, _ := f["name"].(string)
				content, ok := f["content"].(string)
				if !ok {
					return nil, dispatch.ValidationError("files[%d].content must be a string", i)
				}
				a.Files = append(a.Files, FileSnippet{Name: name, Content: content})
			default:
				return nil, dispatch.ValidationError("files[%d] must be a string or an object", i)
			}
		}
	}
	return a, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func buildMessages(tool *catalog.Tool, a *toolArgs) []provider.Message {
	var msgs []provider.Message
	if tool.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: tool.SystemPrompt})
	}
	var user strings.Builder
	user.WriteString(a.Prompt)
	for _, f := range a.Files {
		name := f.Name
		if name == "" {
			name = "untitled"
		}
		fmt.Fprintf(&user, "\n\n--- %s ---\n%s", name, f.Content)
	}
	return append(msgs, provider.Message{Role: "user", Content: user.String()})
}

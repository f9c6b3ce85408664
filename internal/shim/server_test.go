package shim

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/protocol"
)

type fakeCaller struct {
	name string
	args map[string]any
	res  *protocol.CallToolResultMessage
	err  error
}

func (f *fakeCaller) Call(_ context.Context, name string, args map[string]any, _ ProgressFunc) (*protocol.CallToolResultMessage, error) {
	f.name = name
	f.args = args
	return f.res, f.err
}

func loadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load()
	require.NoError(t, err)
	return cat
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return text.Text
}

func TestToolDefinition(t *testing.T) {
	cat := loadCatalog(t)

	chat, ok := cat.Lookup("chat")
	require.True(t, ok)
	def := toolDefinition(chat)
	assert.Equal(t, "chat", def.Name)
	assert.Contains(t, def.InputSchema.Properties, "prompt")
	assert.Contains(t, def.InputSchema.Properties, "files")
	assert.Equal(t, []string{"prompt"}, def.InputSchema.Required)

	version, ok := cat.Lookup("version")
	require.True(t, ok)
	def = toolDefinition(version)
	assert.Empty(t, def.InputSchema.Properties)
	assert.Empty(t, def.InputSchema.Required)
}

func TestServer_RegistersEveryCatalogTool(t *testing.T) {
	cat := loadCatalog(t)
	s := NewServer(cat, &fakeCaller{}, "test", testLogger())

	tools := s.MCPServer().ListTools()
	assert.Len(t, tools, len(cat.Tools))
	for _, tool := range cat.Tools {
		assert.Contains(t, tools, tool.Name)
	}
}

func TestServer_HandlerRendersContent(t *testing.T) {
	caller := &fakeCaller{res: &protocol.CallToolResultMessage{
		OK:      true,
		Outcome: protocol.OutcomeCacheHit,
		Result:  json.RawMessage(`{"tool":"chat","content":"the answer","usage":{}}`),
	}}
	s := NewServer(loadCatalog(t), caller, "test", testLogger())

	res, err := s.handler("chat")(context.Background(), callRequest("chat", map[string]any{"prompt": "q"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "the answer", resultText(t, res))
	assert.Equal(t, "chat", caller.name)
	assert.Equal(t, map[string]any{"prompt": "q"}, caller.args)
}

func TestServer_HandlerRendersJSONForLocalTools(t *testing.T) {
	caller := &fakeCaller{res: &protocol.CallToolResultMessage{
		OK:     true,
		Result: json.RawMessage(`{"version":"1.2.3"}`),
	}}
	s := NewServer(loadCatalog(t), caller, "test", testLogger())

	res, err := s.handler("version")(context.Background(), callRequest("version", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.2.3"}`, resultText(t, res))
}

func TestServer_HandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		caller *fakeCaller
		want   string
	}{
		{
			name: "daemon error result",
			caller: &fakeCaller{res: &protocol.CallToolResultMessage{
				Error: &protocol.CallError{
					Kind:         protocol.KindRetryAfter,
					Retry:        protocol.RetryLater,
					Message:      "identical call already running",
					RetryAfterMS: 500,
				},
			}},
			want: "retry_after: identical call already running (retry after 500ms)",
		},
		{
			name: "validation error",
			caller: &fakeCaller{res: &protocol.CallToolResultMessage{
				Error: &protocol.CallError{Kind: protocol.KindValidation, Retry: protocol.RetryNever, Message: "prompt is required"},
			}},
			want: "validation_error: prompt is required (do not retry)",
		},
		{
			name:   "transport failure",
			caller: &fakeCaller{err: errors.New("dialing daemon: refused")},
			want:   "exai daemon: dialing daemon: refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(loadCatalog(t), tt.caller, "test", testLogger())
			res, err := s.handler("chat")(context.Background(), callRequest("chat", map[string]any{"prompt": "q"}))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Equal(t, tt.want, resultText(t, res))
		})
	}
}

// Package provider is an HTTP client for the OpenAI-compatible
// /chat/completions endpoints of the upstream model providers (Moonshot Kimi
// and ZhipuAI GLM).
//
// This package handles:
//   - Building the authenticated HTTP request
//   - Parsing the SSE stream into content, reasoning and usage
//   - Cancellation via context
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNotConfigured is returned when a provider has no API key.
var ErrNotConfigured = errors.New("provider not configured")

// APIError is a non-200 response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Client talks to one provider.
type Client struct {
	id           string
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
}

// NewClient creates a client for the provider id at baseURL
// (e.g. "https://api.moonshot.ai/v1").
func NewClient(id, baseURL, apiKey, defaultModel string) *Client {
	return &Client{
		id:           id,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		httpClient:   &http.Client{},
	}
}

// ID returns the provider id.
func (c *Client) ID() string { return c.id }

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string { return c.defaultModel }

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool { return c.apiKey != "" }

// StreamToken is a single event from the SSE stream.
type StreamToken struct {
	Content      string
	Reasoning    string
	FinishReason string // "stop", "length", "error" or "" if not done
	Model        string
	Usage        *Usage
}

// Completion is the result after the whole stream is consumed.
type Completion struct {
	Content      string `json:"content"`
	Reasoning    string `json:"reasoning,omitempty"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// StreamCompletion sends a streaming chat request and returns a channel of
// tokens. The channel is closed when the stream ends or an error occurs.
//
// The caller MUST drain the channel or cancel the context to avoid goroutine
// leaks. Stream errors are delivered as a StreamToken with FinishReason
// "error" and the message in Content.
func (c *Client) StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan StreamToken, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", c.id, ErrNotConfigured)
	}
	reqCopy := *req
	reqCopy.Stream = true
	reqCopy.StreamOptions = &StreamOptions{IncludeUsage: true}
	if reqCopy.Model == "" {
		reqCopy.Model = c.defaultModel
	}

	body, err := json.Marshal(reqCopy)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", c.id, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &APIError{Provider: c.id, StatusCode: resp.StatusCode, Message: errorMessage(errBody)}
	}

	tokens := make(chan StreamToken, 32)
	go func() {
		defer close(tokens)
		defer resp.Body.Close()
		parseSSEStream(ctx, resp.Body, tokens)
	}()
	return tokens, nil
}

func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// parseSSEStream reads the SSE stream line by line and sends tokens.
func parseSSEStream(ctx context.Context, body io.Reader, tokens chan<- StreamToken) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(ctx, tokens, StreamToken{
				Content:      fmt.Sprintf("error parsing SSE chunk: %v", err),
				FinishReason: "error",
			})
			return
		}
		if !send(ctx, tokens, chunkToToken(&chunk)) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, tokens, StreamToken{
			Content:      fmt.Sprintf("error reading stream: %v", err),
			FinishReason: "error",
		})
	}
}

func send(ctx context.Context, tokens chan<- StreamToken, t StreamToken) bool {
	select {
	case tokens <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

func chunkToToken(chunk *chatChunk) StreamToken {
	token := StreamToken{Model: chunk.Model, Usage: chunk.Usage}
	if len(chunk.Choices) == 0 {
		return token
	}
	choice := chunk.Choices[0]
	token.Content = choice.Delta.Content
	token.Reasoning = choice.Delta.ReasoningContent
	if choice.FinishReason != nil {
		token.FinishReason = *choice.FinishReason
	}
	if token.Usage == nil {
		token.Usage = choice.Usage
	}
	return token
}

// CollectStream drains tokens into a Completion. onDelta, if set, sees
// every content and reasoning fragment as it arrives.
func CollectStream(tokens <-chan StreamToken, onDelta func(content, reasoning string)) (*Completion, error) {
	result := &Completion{}
	var content, reasoning strings.Builder

	for token := range tokens {
		if token.FinishReason == "error" {
			return nil, errors.New(token.Content)
		}
		content.WriteString(token.Content)
		reasoning.WriteString(token.Reasoning)
		if onDelta != nil && (token.Content != "" || token.Reasoning != "") {
			onDelta(token.Content, token.Reasoning)
		}
		if token.Model != "" {
			result.Model = token.Model
		}
		if token.FinishReason != "" {
			result.FinishReason = token.FinishReason
		}
		if token.Usage != nil {
			result.Usage = *token.Usage
		}
	}

	result.Content = content.String()
	result.Reasoning = reasoning.String()
	return result, nil
}

// Complete runs a request to completion.
func (c *Client) Complete(ctx context.Context, req *ChatRequest, onDelta func(content, reasoning string)) (*Completion, error) {
	tokens, err := c.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := CollectStream(tokens, onDelta)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", c.id, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return res, nil
}

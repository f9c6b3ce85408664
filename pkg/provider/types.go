package provider

// ChatRequest is the OpenAI-compatible /chat/completions request body that
// both Moonshot (Kimi) and ZhipuAI (GLM) accept.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions asks the upstream to report usage in the final chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatChunk is one SSE chunk. reasoning_content is the GLM/Kimi thinking
// channel; it is reported as progress but not as answer text.
type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role             string `json:"role,omitempty"`
			Content          string `json:"content,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
		Usage        *Usage  `json:"usage,omitempty"` // Kimi puts usage on the choice
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// errorResponse is the OpenAI-compatible error body.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

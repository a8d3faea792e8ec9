package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicDefault    = "claude-sonnet-4-20250514"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewAnthropicClient builds a client. An empty model selects the
// default.
func NewAnthropicClient(apiKey, model string, logger *zap.Logger) *AnthropicClient {
	if model == "" {
		model = anthropicDefault
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: anthropicBaseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

func (c *AnthropicClient) ModelName() string { return c.model }

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Model      string                  `json:"model"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) buildRequest(req *Request, stream bool) *anthropicRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body := &anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Stream:    stream,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool(t))
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, convertAnthropicMessage(m)...)
	}
	return body
}

// convertAnthropicMessage maps a neutral message to API shape. Tool
// results become user-role tool_result blocks, tool calls become
// assistant tool_use blocks.
func convertAnthropicMessage(m Message) []anthropicMessage {
	switch {
	case len(m.ToolResults) > 0:
		blocks := make([]anthropicContentBlock, 0, len(m.ToolResults))
		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: tr.CallID,
				Content:   tr.Content,
				IsError:   tr.IsError,
			})
		}
		return []anthropicMessage{{Role: "user", Content: blocks}}
	case len(m.ToolCalls) > 0:
		var blocks []anthropicContentBlock
		if m.Text != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			input := tc.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		return []anthropicMessage{{Role: "assistant", Content: blocks}}
	default:
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		return []anthropicMessage{{
			Role:    role,
			Content: []anthropicContentBlock{{Type: "text", Text: m.Text}},
		}}
	}
}

func (c *AnthropicClient) post(ctx context.Context, body *anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Provider:  "anthropic",
			Status:    resp.StatusCode,
			Message:   string(data),
			Retryable: resp.StatusCode == 429 || resp.StatusCode >= 500,
		}
	}
	return resp, nil
}

// Generate performs a blocking completion.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Response{Model: ar.Model}
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	switch ar.StopReason {
	case "tool_use":
		out.StopReason = StopToolUse
	case "max_tokens":
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	out.Usage = Usage{InputTokens: ar.Usage.InputTokens, OutputTokens: ar.Usage.OutputTokens}
	return out, nil
}

// GenerateStream performs a streaming completion over SSE.
func (c *AnthropicClient) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		streamBody(ctx, resp.Body, NewEventTranslator("anthropic"), out, c.logger)
	}()
	return out, nil
}

// streamBody reads the SSE body, feeding the parser and forwarding
// translated chunks. If the stream ends without a Done chunk a
// synthetic one is emitted so consumers always see a terminator.
func streamBody(ctx context.Context, body io.Reader, tr *EventTranslator, out chan<- StreamChunk, logger *zap.Logger) {
	parser := &SSEParser{}
	buf := make([]byte, 8192)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			payloads, err := parser.Feed(buf[:n])
			if err != nil {
				logger.Error("sse parse failed", zap.Error(err))
				sendChunk(ctx, out, DoneError(err.Error()))
				return
			}
			for _, payload := range payloads {
				for _, chunk := range tr.Translate(payload) {
					if !sendChunk(ctx, out, chunk) {
						return
					}
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Warn("sse read error", zap.Error(readErr))
			}
			if !tr.Finished() {
				sendChunk(ctx, out, Done(StopEndTurn, Usage{}))
			}
			return
		}
	}
}

func sendChunk(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

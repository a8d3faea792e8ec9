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
	openAIBaseURL = "https://api.openai.com/v1/chat/completions"
	openAIDefault = "gpt-4o"
)

// OpenAIClient talks to the OpenAI Chat Completions API.
type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewOpenAIClient(apiKey, model string, logger *zap.Logger) *OpenAIClient {
	if model == "" {
		model = openAIDefault
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: openAIBaseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

func (c *OpenAIClient) ModelName() string { return c.model }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_completion_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) buildRequest(req *Request, stream bool) *openAIRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	body := &openAIRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, convertOpenAIMessage(m)...)
	}
	for _, t := range req.Tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		body.Tools = append(body.Tools, ot)
	}
	return body
}

func convertOpenAIMessage(m Message) []openAIMessage {
	switch {
	case len(m.ToolResults) > 0:
		msgs := make([]openAIMessage, 0, len(m.ToolResults))
		for _, tr := range m.ToolResults {
			msgs = append(msgs, openAIMessage{
				Role:       "tool",
				Content:    tr.Content,
				ToolCallID: tr.CallID,
			})
		}
		return msgs
	case len(m.ToolCalls) > 0:
		msg := openAIMessage{Role: "assistant", Content: m.Text}
		for _, tc := range m.ToolCalls {
			var otc openAIToolCall
			otc.ID = tc.ID
			otc.Type = "function"
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Input)
			msg.ToolCalls = append(msg.ToolCalls, otc)
		}
		return []openAIMessage{msg}
	default:
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		} else if m.Role == RoleSystem {
			role = "system"
		}
		return []openAIMessage{{Role: role, Content: m.Text}}
	}
}

func (c *OpenAIClient) post(ctx context.Context, body *openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Provider:  "openai",
			Status:    resp.StatusCode,
			Message:   string(data),
			Retryable: resp.StatusCode == 429 || resp.StatusCode >= 500,
		}
	}
	return resp, nil
}

// Generate performs a blocking completion.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var or openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(or.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "empty choices"}
	}

	choice := or.Choices[0]
	out := &Response{Model: or.Model, Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	switch choice.FinishReason {
	case "tool_calls":
		out.StopReason = StopToolUse
	case "length":
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	out.Usage = Usage{InputTokens: or.Usage.PromptTokens, OutputTokens: or.Usage.CompletionTokens}
	return out, nil
}

// GenerateStream performs a streaming completion over SSE.
func (c *OpenAIClient) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		streamBody(ctx, resp.Body, NewEventTranslator("openai"), out, c.logger)
	}()
	return out, nil
}

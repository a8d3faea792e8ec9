package llm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockProvider struct {
	name  string
	err   error
	calls int
}

func (m *mockProvider) Generate(_ context.Context, _ *Request) (*Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &Response{Text: "response from " + m.name, StopReason: StopEndTurn}, nil
}

func (m *mockProvider) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	return FallbackStream(ctx, m, req)
}

func (m *mockProvider) ModelName() string { return m.name }

func TestChainFirstProviderSuccess(t *testing.T) {
	primary := &mockProvider{name: "primary"}
	fallback := &mockProvider{name: "fallback"}
	chain := NewChain([]Provider{primary, fallback}, zap.NewNop())

	resp, err := chain.Generate(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "response from primary", resp.Text)
	assert.Zero(t, fallback.calls)
}

func TestChainFailoverToSecondProvider(t *testing.T) {
	primary := &mockProvider{
		name: "primary",
		err:  &ProviderError{Provider: "primary", Status: 401, Message: "unauthorized"},
	}
	fallback := &mockProvider{name: "fallback"}
	chain := NewChain([]Provider{primary, fallback}, zap.NewNop())

	resp, err := chain.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "response from fallback", resp.Text)
	// Non-retryable error moves on without retrying the first provider.
	assert.Equal(t, 1, primary.calls)
}

func TestChainAllProvidersFail(t *testing.T) {
	only := &mockProvider{
		name: "only",
		err:  &ProviderError{Provider: "only", Status: 401, Message: "unauthorized"},
	}
	chain := NewChain([]Provider{only}, zap.NewNop())

	_, err := chain.Generate(context.Background(), &Request{})
	require.Error(t, err)
}

func TestChainExcludesProviderAfterMaxFailures(t *testing.T) {
	bad := &mockProvider{
		name: "bad",
		err:  &ProviderError{Provider: "bad", Status: 401, Message: "unauthorized"},
	}
	good := &mockProvider{name: "good"}
	chain := NewChain([]Provider{bad, good}, zap.NewNop()).WithMaxFailures(2)

	for range 3 {
		_, err := chain.Generate(context.Background(), &Request{})
		require.NoError(t, err)
	}

	// Two failures exclude the bad provider from the third call.
	assert.Equal(t, 2, bad.calls)
	assert.Equal(t, 3, good.calls)
}

func TestChainStreamFallback(t *testing.T) {
	p := &mockProvider{name: "p"}
	chain := NewChain([]Provider{p}, zap.NewNop())

	ch, err := chain.GenerateStream(context.Background(), &Request{})
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, ChunkTextDelta, chunks[0].Type)
	assert.Equal(t, ChunkDone, chunks[len(chunks)-1].Type)
}

func TestFallbackStreamToolCalls(t *testing.T) {
	resp := &Response{
		ToolCalls: []ToolCall{
			{ID: "call_1", Name: "shell", Input: json.RawMessage(`{"cmd":"date"}`)},
		},
		StopReason: StopToolUse,
	}
	p := &staticProvider{resp: resp}

	ch, err := FallbackStream(context.Background(), p, &Request{})
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkToolCallStart, chunks[0].Type)
	assert.Equal(t, "shell", chunks[0].ToolName)
	assert.Equal(t, ChunkToolCallDelta, chunks[1].Type)
	assert.Equal(t, `{"cmd":"date"}`, chunks[1].Fragment)
	assert.Equal(t, ChunkDone, chunks[2].Type)
	assert.Equal(t, StopToolUse, chunks[2].StopReason)
}

type staticProvider struct {
	resp *Response
}

func (s *staticProvider) Generate(context.Context, *Request) (*Response, error) {
	return s.resp, nil
}

func (s *staticProvider) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	return FallbackStream(ctx, s, req)
}

func (s *staticProvider) ModelName() string { return "static" }

func TestParseRetryDelay(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want time.Duration
		ok   bool
	}{
		{"plain seconds", "429 too many requests, retry-after: 7", 7 * time.Second, true},
		{"capped at five minutes", "retry-after: 9000", 5 * time.Minute, true},
		{"no hint", "server exploded", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetryDelay(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ProviderError{Status: 429}))
	assert.True(t, IsRetryable(&ProviderError{Status: 503}))
	assert.True(t, IsRetryable(&ProviderError{Message: "model overloaded", Retryable: true}))
	assert.False(t, IsRetryable(&ProviderError{Status: 401, Message: "unauthorized"}))
}

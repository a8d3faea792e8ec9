package llm

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSSEParserSplitsEvents(t *testing.T) {
	p := &SSEParser{}

	payloads, err := p.Feed([]byte("data: one\n\ndata: two\n\ndata: partial"))
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, payloads)
	assert.Equal(t, len("data: partial"), p.Pending())

	payloads, err = p.Feed([]byte("-done\n\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"partial-done"}, payloads)
	assert.Zero(t, p.Pending())
}

func TestSSEParserMultiByteRuneAcrossReads(t *testing.T) {
	p := &SSEParser{}

	// "héllo" with the é (0xC3 0xA9) split across two reads.
	full := []byte("data: h\xc3\xa9llo\n\n")
	cut := bytes.IndexByte(full, 0xc3) + 1

	payloads, err := p.Feed(full[:cut])
	require.NoError(t, err)
	assert.Empty(t, payloads)

	payloads, err = p.Feed(full[cut:])
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "héllo", payloads[0])
}

func TestSSEParserBufferLimit(t *testing.T) {
	p := &SSEParser{}

	// Exactly the cap is accepted.
	_, err := p.Feed(make([]byte, MaxSSEBuffer))
	require.NoError(t, err)
	assert.Equal(t, MaxSSEBuffer, p.Pending())

	// One more byte aborts.
	_, err = p.Feed([]byte{'x'})
	require.Error(t, err)
	var abort *StreamAbortError
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Reason, "buffer limit")
}

func TestSSEParserIgnoresCommentLines(t *testing.T) {
	p := &SSEParser{}
	payloads, err := p.Feed([]byte(": keep-alive\n\nevent: ping\ndata: x\n\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, payloads)
}

func TestAnthropicTranslate(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []StreamChunk
	}{
		{
			name:    "text delta",
			payload: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			want:    []StreamChunk{TextDelta("Hello")},
		},
		{
			name:    "tool call start",
			payload: `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_123","name":"shell"}}`,
			want:    []StreamChunk{ToolCallStart("toolu_123", "shell")},
		},
		{
			name:    "text block start emits nothing",
			payload: `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			want:    nil,
		},
		{
			name:    "done with stop reason and usage",
			payload: `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}`,
			want:    []StreamChunk{Done(StopToolUse, Usage{OutputTokens: 42})},
		},
		{
			name:    "ping ignored",
			payload: `{"type":"ping"}`,
			want:    nil,
		},
		{
			name:    "malformed json ignored",
			payload: `{not json`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewEventTranslator("anthropic")
			got := tr.Translate(tt.payload)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnthropicInputTokensCarriedToDone(t *testing.T) {
	tr := NewEventTranslator("anthropic")

	got := tr.Translate(`{"type":"message_start","message":{"usage":{"input_tokens":120}}}`)
	assert.Empty(t, got)

	chunks := tr.Translate(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 7}, chunks[0].Usage)
}

func TestAnthropicDeltaAttributedToOpenBlock(t *testing.T) {
	tr := NewEventTranslator("anthropic")

	tr.Translate(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"shell"}}`)
	chunks := tr.Translate(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":"}}`)

	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkToolCallDelta, chunks[0].Type)
	assert.Equal(t, "toolu_9", chunks[0].CallID)
	assert.Equal(t, `{"cmd":`, chunks[0].Fragment)
}

func TestOpenAITranslate(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []StreamChunk
	}{
		{
			name:    "text delta",
			payload: `{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
			want:    []StreamChunk{TextDelta("Hi")},
		},
		{
			name:    "done sentinel",
			payload: "[DONE]",
			want:    []StreamChunk{Done(StopEndTurn, Usage{})},
		},
		{
			name:    "tool call start with inline args",
			payload: `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"shell","arguments":"{"}}]}}]}`,
			want:    []StreamChunk{ToolCallStart("call_abc", "shell"), ToolCallDelta("call_abc", "{")},
		},
		{
			name:    "finish reason length",
			payload: `{"choices":[{"index":0,"delta":{},"finish_reason":"length"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
			want:    []StreamChunk{Done(StopMaxTokens, Usage{InputTokens: 10, OutputTokens: 5})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewEventTranslator("openai")
			got := tr.Translate(tt.payload)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenAIDeltaAttributedByIndex(t *testing.T) {
	tr := NewEventTranslator("openai")

	tr.Translate(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"shell"}}]}}]}`)
	chunks := tr.Translate(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"date\"}"}}]}}]}`)

	require.Len(t, chunks, 1)
	assert.Equal(t, "call_1", chunks[0].CallID)
	assert.Equal(t, `"date"}`, chunks[0].Fragment)
}

func TestOpenAIDoneEmittedOnce(t *testing.T) {
	tr := NewEventTranslator("openai")
	first := tr.Translate(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
	second := tr.Translate("[DONE]")

	require.Len(t, first, 1)
	assert.True(t, tr.Finished())
	assert.Empty(t, second)
}

func TestStreamBodyAbortCarriesReason(t *testing.T) {
	body := strings.NewReader(strings.Repeat("x", MaxSSEBuffer+1))
	out := make(chan StreamChunk, 8)
	streamBody(context.Background(), body, NewEventTranslator("anthropic"), out, zap.NewNop())
	close(out)

	var last StreamChunk
	for chunk := range out {
		last = chunk
	}
	assert.Equal(t, ChunkDone, last.Type)
	assert.Equal(t, StopError, last.StopReason)
	assert.Contains(t, last.ErrorReason, "buffer limit")
}

func TestNextCallIDUnique(t *testing.T) {
	a := NextCallID("shell")
	b := NextCallID("shell")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "call_shell_"))
}

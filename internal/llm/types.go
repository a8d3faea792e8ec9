// Package llm defines the provider-neutral chat types, the streaming
// chunk model, and the HTTP clients for the supported vendors.
package llm

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation. Exactly one of Text, ToolCalls,
// or ToolResults carries the payload depending on the role.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// UserMessage builds a plain text user turn.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage builds a plain text assistant turn.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// ToolCall is a tool invocation requested by the model. Input holds the
// raw JSON arguments as accumulated from the stream.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// StopReason reports why generation ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// Usage carries token accounting for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage across iterations of an agent loop.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ChunkType discriminates StreamChunk variants.
type ChunkType int

const (
	ChunkTextDelta ChunkType = iota
	ChunkToolCallStart
	ChunkToolCallDelta
	ChunkDone
)

// StreamChunk is one increment of a streamed response. Fields are valid
// according to Type: Text for ChunkTextDelta; CallID and ToolName for
// ChunkToolCallStart; CallID and Fragment for ChunkToolCallDelta;
// StopReason and Usage for ChunkDone, plus ErrorReason when the stop
// reason is StopError.
type StreamChunk struct {
	Type        ChunkType
	Text        string
	CallID      string
	ToolName    string
	Fragment    string
	StopReason  StopReason
	ErrorReason string
	Usage       Usage
}

// TextDelta builds a text increment chunk.
func TextDelta(text string) StreamChunk {
	return StreamChunk{Type: ChunkTextDelta, Text: text}
}

// ToolCallStart builds a chunk opening a tool call.
func ToolCallStart(id, name string) StreamChunk {
	return StreamChunk{Type: ChunkToolCallStart, CallID: id, ToolName: name}
}

// ToolCallDelta builds a chunk carrying an argument fragment.
func ToolCallDelta(id, fragment string) StreamChunk {
	return StreamChunk{Type: ChunkToolCallDelta, CallID: id, Fragment: fragment}
}

// Done builds the terminal chunk of a stream.
func Done(reason StopReason, usage Usage) StreamChunk {
	return StreamChunk{Type: ChunkDone, StopReason: reason, Usage: usage}
}

// DoneError builds a terminal chunk for an aborted stream, carrying the
// failure reason to the consumer.
func DoneError(reason string) StreamChunk {
	return StreamChunk{Type: ChunkDone, StopReason: StopError, ErrorReason: reason}
}

// ToolSpec describes a tool to the model. InputSchema is the JSON-Schema
// shaped property map the vendor APIs expect.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a provider-neutral generation request.
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is a complete (non-streamed) generation result.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
	Model      string
}

var callCounter atomic.Uint64

// NextCallID returns a process-unique tool call ID with the tool name
// embedded for log readability.
func NextCallID(name string) string {
	n := callCounter.Add(1)
	return fmt.Sprintf("call_%s_%d", name, n)
}

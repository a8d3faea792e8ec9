package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MaxSSEBuffer caps the pending event buffer so a malformed stream that
// never terminates an event cannot grow memory without bound.
const MaxSSEBuffer = 1 << 20

// SSEParser accumulates raw bytes from an HTTP response body and yields
// complete server-sent event payloads. Bytes are buffered and only
// decoded to UTF-8 at event boundaries, so multi-byte runes split across
// reads survive intact.
type SSEParser struct {
	buf []byte
}

// Feed appends raw bytes and returns the data payloads of every event
// completed by this read. An event is terminated by a blank line; the
// payload is the concatenation of its "data: " lines.
//
// A pending buffer of exactly MaxSSEBuffer bytes is still legal; the
// first byte past it aborts the stream.
func (p *SSEParser) Feed(data []byte) ([]string, error) {
	if len(p.buf)+len(data) > MaxSSEBuffer {
		p.buf = nil
		return nil, &StreamAbortError{Reason: "buffer limit exceeded"}
	}
	p.buf = append(p.buf, data...)

	var payloads []string
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		event := p.buf[:idx]
		p.buf = p.buf[idx+2:]

		payload := extractData(string(event))
		if payload != "" {
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

// Pending returns the number of buffered bytes awaiting an event
// terminator.
func (p *SSEParser) Pending() int {
	return len(p.buf)
}

func extractData(event string) string {
	var parts []string
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			parts = append(parts, rest)
		}
	}
	return strings.Join(parts, "\n")
}

// EventTranslator converts vendor SSE payloads into StreamChunks. It is
// stateful: Anthropic argument deltas arrive without a call ID and are
// attributed to the block index opened by the matching start event, and
// OpenAI argument deltas are attributed by tool call index.
type EventTranslator struct {
	vendor      string
	blockCalls  map[int]string // anthropic content block index -> call ID
	indexCalls  map[int]string // openai tool call index -> call ID
	inputTokens int            // anthropic reports input usage on message_start
	doneEmitted bool
}

// NewEventTranslator builds a translator for "anthropic" or "openai".
func NewEventTranslator(vendor string) *EventTranslator {
	return &EventTranslator{
		vendor:     vendor,
		blockCalls: make(map[int]string),
		indexCalls: make(map[int]string),
	}
}

// Translate parses one event payload. Unknown or malformed events yield
// no chunks rather than an error; the stream keeps going.
func (t *EventTranslator) Translate(payload string) []StreamChunk {
	switch t.vendor {
	case "openai":
		return t.translateOpenAI(payload)
	default:
		return t.translateAnthropic(payload)
	}
}

// Finished reports whether a Done chunk has been emitted.
func (t *EventTranslator) Finished() bool {
	return t.doneEmitted
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Block *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (t *EventTranslator) translateAnthropic(payload string) []StreamChunk {
	var ev anthropicEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			t.inputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_start":
		if ev.Block != nil && ev.Block.Type == "tool_use" {
			t.blockCalls[ev.Index] = ev.Block.ID
			return []StreamChunk{ToolCallStart(ev.Block.ID, ev.Block.Name)}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return []StreamChunk{TextDelta(ev.Delta.Text)}
			}
		case "input_json_delta":
			return []StreamChunk{ToolCallDelta(t.blockCalls[ev.Index], ev.Delta.PartialJSON)}
		}
	case "message_delta":
		reason := StopEndTurn
		if ev.Delta != nil {
			switch ev.Delta.StopReason {
			case "tool_use":
				reason = StopToolUse
			case "max_tokens":
				reason = StopMaxTokens
			}
		}
		usage := Usage{InputTokens: t.inputTokens}
		if ev.Usage != nil {
			usage.OutputTokens = ev.Usage.OutputTokens
		}
		t.doneEmitted = true
		return []StreamChunk{Done(reason, usage)}
	}
	return nil
}

type openAIEvent struct {
	Choices []struct {
		Delta *struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (t *EventTranslator) translateOpenAI(payload string) []StreamChunk {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "[DONE]" {
		if t.doneEmitted {
			return nil
		}
		t.doneEmitted = true
		return []StreamChunk{Done(StopEndTurn, Usage{})}
	}

	var ev openAIEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return nil
	}

	var chunks []StreamChunk
	for _, choice := range ev.Choices {
		if choice.FinishReason != "" {
			reason := StopEndTurn
			switch choice.FinishReason {
			case "tool_calls":
				reason = StopToolUse
			case "length":
				reason = StopMaxTokens
			}
			var usage Usage
			if ev.Usage != nil {
				usage = Usage{InputTokens: ev.Usage.PromptTokens, OutputTokens: ev.Usage.CompletionTokens}
			}
			t.doneEmitted = true
			chunks = append(chunks, Done(reason, usage))
			continue
		}
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != "" {
			chunks = append(chunks, TextDelta(choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" {
				t.indexCalls[tc.Index] = tc.ID
				name := ""
				if tc.Function != nil {
					name = tc.Function.Name
				}
				chunks = append(chunks, ToolCallStart(tc.ID, name))
				if tc.Function != nil && tc.Function.Arguments != "" {
					chunks = append(chunks, ToolCallDelta(tc.ID, tc.Function.Arguments))
				}
				continue
			}
			if tc.Function != nil && tc.Function.Arguments != "" {
				chunks = append(chunks, ToolCallDelta(t.indexCalls[tc.Index], tc.Function.Arguments))
			}
		}
	}
	return chunks
}

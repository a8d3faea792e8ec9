package llm

import (
	"context"
)

// Provider generates model responses. GenerateStream returns a channel
// that is closed after the Done chunk; implementations that cannot
// stream may use FallbackStream to wrap Generate.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
	ModelName() string
}

// FallbackStream adapts a non-streaming response into the chunk
// protocol: one TextDelta for the text, a ToolCallStart plus a single
// ToolCallDelta per tool call, then Done.
func FallbackStream(ctx context.Context, p Provider, req *Request) (<-chan StreamChunk, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, len(resp.ToolCalls)*2+2)
	if resp.Text != "" {
		out <- TextDelta(resp.Text)
	}
	for _, tc := range resp.ToolCalls {
		out <- ToolCallStart(tc.ID, tc.Name)
		if len(tc.Input) > 0 {
			out <- ToolCallDelta(tc.ID, string(tc.Input))
		}
	}
	out <- Done(resp.StopReason, resp.Usage)
	close(out)
	return out, nil
}

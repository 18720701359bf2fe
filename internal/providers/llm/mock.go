package llm

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Mock echoes the latest user turn back word by word. It needs no
// credential and is meant for local runs and demos.
type Mock struct {
	Delay time.Duration
}

func MockProvider(delay time.Duration) Provider {
	return Provider{
		Name: "mock",
		New: func(context.Context, string) (Client, error) {
			return &Mock{Delay: delay}, nil
		},
	}
}

func (m *Mock) Close() error { return nil }

func (m *Mock) reply(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return "Echo: " + msgs[i].Content
		}
	}
	return "Echo:"
}

func (m *Mock) usage(msgs []Message, reply string) *Usage {
	prompt := 0
	for _, msg := range msgs {
		prompt += utf8.RuneCountInString(msg.Content)/4 + 1
	}
	completion := utf8.RuneCountInString(reply)/4 + 1
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (m *Mock) StreamCompletion(ctx context.Context, msgs []Message, _ Params) (<-chan StreamChunk, <-chan error) {
	out := make(chan StreamChunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		reply := m.reply(msgs)
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if m.Delay > 0 {
				t := time.NewTimer(m.Delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					errs <- ctx.Err()
					return
				}
			}
			select {
			case out <- StreamChunk{Delta: w}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		out <- StreamChunk{FinishReason: "stop", Usage: m.usage(msgs, reply)}
	}()

	return out, errs
}

func (m *Mock) Completion(ctx context.Context, msgs []Message, _ Params) (*Completion, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	reply := m.reply(msgs)
	return &Completion{Content: reply, FinishReason: "stop", Usage: m.usage(msgs, reply)}, nil
}

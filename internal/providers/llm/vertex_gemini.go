package llm

import (
	"context"
	"errors"
	"strings"

	vertexgenai "cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// VertexGemini serves Gemini models through Vertex AI. The credential is a
// service-account JSON document.
type VertexGemini struct {
	client *vertexgenai.Client
}

func NewVertexGemini(ctx context.Context, projectID, location, credentialsJSON string) (*VertexGemini, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	c, err := vertexgenai.NewClient(ctx, projectID, location, opts...)
	if err != nil {
		return nil, err
	}
	return &VertexGemini{client: c}, nil
}

// VertexProvider registers Vertex AI under "vertex".
func VertexProvider(projectID, location string) Provider {
	return Provider{
		Name:        "vertex",
		RequiresKey: true,
		New: func(ctx context.Context, apiKey string) (Client, error) {
			return NewVertexGemini(ctx, projectID, location, apiKey)
		},
	}
}

func (v *VertexGemini) Close() error { return v.client.Close() }

// chat builds a session whose history holds every turn but the last; the
// last turn's parts are what gets sent.
func (v *VertexGemini) chat(msgs []Message, p Params) (*vertexgenai.ChatSession, []vertexgenai.Part, error) {
	model := p.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	m := v.client.GenerativeModel(model)
	if p.Temperature != nil {
		m.SetTemperature(float32(*p.Temperature))
	}
	if p.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(p.MaxTokens))
	}

	system, turns := SplitSystem(msgs)
	if system != "" {
		m.SystemInstruction = &vertexgenai.Content{Parts: []vertexgenai.Part{vertexgenai.Text(system)}}
	}
	if len(turns) == 0 {
		return nil, nil, errors.New("vertex: no conversation turns")
	}

	cs := m.StartChat()
	for _, t := range turns[:len(turns)-1] {
		cs.History = append(cs.History, &vertexgenai.Content{
			Role:  vertexRole(t.Role),
			Parts: []vertexgenai.Part{vertexgenai.Text(t.Content)},
		})
	}
	return cs, []vertexgenai.Part{vertexgenai.Text(turns[len(turns)-1].Content)}, nil
}

func (v *VertexGemini) StreamCompletion(ctx context.Context, msgs []Message, p Params) (<-chan StreamChunk, <-chan error) {
	out := make(chan StreamChunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		cs, parts, err := v.chat(msgs, p)
		if err != nil {
			errs <- err
			return
		}

		var last StreamChunk
		it := cs.SendMessageStream(ctx, parts...)
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				errs <- err
				return
			}

			text, finish := vertexText(resp)
			if resp.UsageMetadata != nil {
				last.Usage = &Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if finish != "" {
				last.FinishReason = finish
			}
			if text == "" {
				continue
			}
			select {
			case out <- StreamChunk{Delta: text}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		if last.FinishReason == "" {
			last.FinishReason = "stop"
		}
		out <- last
	}()

	return out, errs
}

func (v *VertexGemini) Completion(ctx context.Context, msgs []Message, p Params) (*Completion, error) {
	cs, parts, err := v.chat(msgs, p)
	if err != nil {
		return nil, err
	}
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return nil, err
	}

	text, finish := vertexText(resp)
	out := &Completion{Content: text, FinishReason: finish}
	if out.FinishReason == "" {
		out.FinishReason = "stop"
	}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func vertexText(resp *vertexgenai.GenerateContentResponse) (text, finish string) {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.FinishReason != vertexgenai.FinishReasonUnspecified {
			finish = strings.ToLower(strings.TrimPrefix(cand.FinishReason.String(), "FinishReason"))
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(vertexgenai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String(), finish
}

func vertexRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return "user"
}

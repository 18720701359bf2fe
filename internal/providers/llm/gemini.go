package llm

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

// Gemini serves the Gemini API with a per-user API key.
type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Gemini{client: c}, nil
}

func GeminiProvider() Provider {
	return Provider{
		Name:        "gemini",
		RequiresKey: true,
		New: func(ctx context.Context, apiKey string) (Client, error) {
			return NewGemini(ctx, apiKey)
		},
	}
}

// Close is a no-op; the genai client holds no connection of its own.
func (g *Gemini) Close() error { return nil }

func (g *Gemini) request(msgs []Message, p Params) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	model := p.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	cfg := &genai.GenerateContentConfig{}
	if p.Temperature != nil {
		t := float32(*p.Temperature)
		cfg.Temperature = &t
	}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}

	system, turns := SplitSystem(msgs)
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(turns) == 0 {
		return "", nil, nil, errors.New("gemini: no conversation turns")
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	return model, contents, cfg, nil
}

func (g *Gemini) StreamCompletion(ctx context.Context, msgs []Message, p Params) (<-chan StreamChunk, <-chan error) {
	out := make(chan StreamChunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		model, contents, cfg, err := g.request(msgs, p)
		if err != nil {
			errs <- err
			return
		}

		var last StreamChunk
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				errs <- err
				return
			}

			text, finish, usage := geminiResult(resp)
			if usage != nil {
				last.Usage = usage
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

func (g *Gemini) Completion(ctx context.Context, msgs []Message, p Params) (*Completion, error) {
	model, contents, cfg, err := g.request(msgs, p)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, err
	}

	text, finish, usage := geminiResult(resp)
	if finish == "" {
		finish = "stop"
	}
	return &Completion{Content: text, FinishReason: finish, Usage: usage}, nil
}

func geminiResult(resp *genai.GenerateContentResponse) (text, finish string, usage *Usage) {
	if resp == nil {
		return "", "", nil
	}
	if resp.UsageMetadata != nil {
		usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return "", "", usage
	}

	cand := resp.Candidates[0]
	if cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonUnspecified {
		finish = strings.ToLower(string(cand.FinishReason))
	}
	if cand.Content == nil {
		return "", finish, usage
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String(), finish, usage
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yoockh/threadline/internal/sse"
)

// OpenAI speaks the OpenAI-compatible chat completions protocol.
type OpenAI struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewOpenAI(baseURL, apiKey string, hc *http.Client) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if hc == nil {
		// no overall timeout: streams are bounded by the caller's context
		hc = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &OpenAI{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: hc}
}

func OpenAIProvider(baseURL string, hc *http.Client) Provider {
	return Provider{
		Name:        "openai",
		RequiresKey: true,
		New: func(_ context.Context, apiKey string) (Client, error) {
			return NewOpenAI(baseURL, apiKey, hc), nil
		},
	}
}

func (o *OpenAI) Close() error { return nil }

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaRequest struct {
	Model         string           `json:"model"`
	Messages      []oaMessage      `json:"messages"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *oaStreamOptions `json:"stream_options,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaChoice struct {
	Delta        oaMessage `json:"delta"`
	Message      oaMessage `json:"message"`
	FinishReason *string   `json:"finish_reason"`
}

type oaResponse struct {
	Choices []oaChoice `json:"choices"`
	Usage   *oaUsage   `json:"usage"`
}

type oaError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (u *oaUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

func (o *OpenAI) post(ctx context.Context, msgs []Message, p Params, stream bool) (*http.Response, error) {
	body := oaRequest{
		Model:       p.Model,
		Messages:    make([]oaMessage, 0, len(msgs)),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &oaStreamOptions{IncludeUsage: true}
	}
	for _, m := range msgs {
		body.Messages = append(body.Messages, oaMessage{Role: string(m.Role), Content: m.Content})
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		var oe oaError
		if json.Unmarshal(raw, &oe) == nil && oe.Error.Message != "" {
			msg = oe.Error.Message
		}
		return nil, &APIError{Provider: "openai", StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

func (o *OpenAI) StreamCompletion(ctx context.Context, msgs []Message, p Params) (<-chan StreamChunk, <-chan error) {
	out := make(chan StreamChunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		resp, err := o.post(ctx, msgs, p, true)
		if err != nil {
			errs <- err
			return
		}
		r := sse.NewReader(resp.Body)
		defer r.Close()

		var last StreamChunk
		for {
			ev, err := r.Next()
			if errors.Is(err, io.EOF) {
				// stream cut before [DONE]: no finish chunk
				if ctx.Err() != nil {
					errs <- ctx.Err()
				}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				errs <- err
				return
			}
			if ev.Data == "[DONE]" {
				break
			}

			var chunk oaResponse
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				errs <- fmt.Errorf("openai: decode chunk: %w", err)
				return
			}
			if chunk.Usage != nil {
				last.Usage = chunk.Usage.toUsage()
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				last.FinishReason = *choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case out <- StreamChunk{Delta: choice.Delta.Content}:
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

func (o *OpenAI) Completion(ctx context.Context, msgs []Message, p Params) (*Completion, error) {
	resp, err := o.post(ctx, msgs, p, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(body.Choices) == 0 {
		return nil, errors.New("openai: empty choices")
	}

	out := &Completion{Content: body.Choices[0].Message.Content, Usage: body.Usage.toUsage(), FinishReason: "stop"}
	if fr := body.Choices[0].FinishReason; fr != nil && *fr != "" {
		out.FinishReason = *fr
	}
	return out, nil
}

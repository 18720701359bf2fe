package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Params struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one incremental unit of generated text. FinishReason and
// Usage are set on the final chunk only.
type StreamChunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
}

type Completion struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// Client talks to one provider on behalf of one credential.
type Client interface {
	// StreamCompletion returns a stream of chunks. The chunk channel is
	// closed when the provider is done; a failure is sent on errs first.
	StreamCompletion(ctx context.Context, msgs []Message, p Params) (chunks <-chan StreamChunk, errs <-chan error)
	Completion(ctx context.Context, msgs []Message, p Params) (*Completion, error)
	Close() error
}

// Factory builds a Client for a decrypted credential. apiKey is empty for
// providers registered without RequiresKey.
type Factory func(ctx context.Context, apiKey string) (Client, error)

type Provider struct {
	Name        string
	RequiresKey bool
	New         Factory
}

// APIError is a non-2xx answer from a provider endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name] = p
}

func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SplitSystem separates leading system messages from the conversation turns,
// for providers that take the system prompt out of band.
func SplitSystem(msgs []Message) (system string, turns []Message) {
	i := 0
	for ; i < len(msgs) && msgs[i].Role == RoleSystem; i++ {
		if system != "" {
			system += "\n\n"
		}
		system += msgs[i].Content
	}
	return system, msgs[i:]
}

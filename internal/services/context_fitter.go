package services

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/providers/llm"
)

// Per-message framing overhead (role, separators) and the closing overhead
// of a whole conversation, in tokens.
const (
	perMessageTokens = 4
	replyPrimeTokens = 3
)

type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates one token per four runes.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// TiktokenCounter counts with the cl100k_base encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ContextFitter trims thread history to a token budget. It keeps a leading
// system message, then as many of the newest turns as fit; the newest turn
// is kept even when it alone exceeds the budget.
type ContextFitter struct {
	counter      TokenCounter
	budget       int
	systemPrompt string
}

func NewContextFitter(counter TokenCounter, budget int, systemPrompt string) *ContextFitter {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	if budget <= 0 {
		budget = 8000
	}
	return &ContextFitter{counter: counter, budget: budget, systemPrompt: systemPrompt}
}

func (f *ContextFitter) cost(m llm.Message) int {
	return perMessageTokens + f.counter.Count(string(m.Role)) + f.counter.Count(m.Content)
}

// CountMessages returns the prompt size of msgs as the fitter sees it.
func (f *ContextFitter) CountMessages(msgs []llm.Message) int {
	total := replyPrimeTokens
	for _, m := range msgs {
		total += f.cost(m)
	}
	return total
}

// FitToWindow converts stored messages into a provider prompt no larger
// than budget (the configured budget when budget <= 0). Messages that are
// not complete, such as placeholders, are skipped.
func (f *ContextFitter) FitToWindow(msgs []models.Message, budget int) []llm.Message {
	if budget <= 0 {
		budget = f.budget
	}

	turns := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Status != models.StatusComplete {
			continue
		}
		turns = append(turns, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}

	var system *llm.Message
	if len(turns) > 0 && turns[0].Role == llm.RoleSystem {
		system = &turns[0]
		turns = turns[1:]
	} else if f.systemPrompt != "" {
		system = &llm.Message{Role: llm.RoleSystem, Content: f.systemPrompt}
	}

	used := replyPrimeTokens
	if system != nil {
		used += f.cost(*system)
	}

	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		c := f.cost(turns[i])
		if i < len(turns)-1 && used+c > budget {
			break
		}
		used += c
		start = i
	}

	out := make([]llm.Message, 0, len(turns)-start+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, turns[start:]...)
}

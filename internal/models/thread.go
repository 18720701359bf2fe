package models

import "sort"

// Metadata is an opaque JSON object. The core never inspects its shape.
type Metadata map[string]any

type ContextThread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt int64     `json:"createdAt"` // unix ms
	UpdatedAt int64     `json:"updatedAt"` // unix ms
	Metadata  Metadata  `json:"metadata"`
	Messages  []Message `json:"messages"`
}

// ThreadSummary is a list row; it never carries message bodies.
type ThreadSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int64  `json:"messageCount"`
}

type CreateThreadParams struct {
	Title    string          `json:"title" validate:"max=512"`
	Metadata Metadata        `json:"metadata,omitempty"`
	Seed     *MessagePayload `json:"seed,omitempty"`
}

// UpdateThreadParams replaces each non-nil field.
type UpdateThreadParams struct {
	Title    *string  `json:"title,omitempty" validate:"omitempty,max=512"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// StreamingMessage returns the message currently being generated, if any.
func (t *ContextThread) StreamingMessage() *Message {
	for i := range t.Messages {
		if t.Messages[i].Status == StatusStreaming {
			return &t.Messages[i]
		}
	}
	return nil
}

// FindMessage returns the message with id, or nil.
func (t *ContextThread) FindMessage(id string) *Message {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return &t.Messages[i]
		}
	}
	return nil
}

// NormalizeMessages orders messages by CreatedAt ascending. The sort is
// stable, so equal timestamps keep insertion order. No deduplication or
// merging happens here.
func NormalizeMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})
}

package models

// CompletionRequest drives one assistant turn on a thread.
type CompletionRequest struct {
	ThreadID    string   `json:"threadId" validate:"required"`
	Prompt      string   `json:"prompt" validate:"required"`
	Provider    string   `json:"provider" validate:"required"`
	ModelID     string   `json:"modelId" validate:"required"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"maxTokens,omitempty" validate:"gte=0"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ToMetadata renders usage the way it is stored in message metadata.
func (u Usage) ToMetadata() map[string]any {
	return map[string]any{
		"promptTokens":     float64(u.PromptTokens),
		"completionTokens": float64(u.CompletionTokens),
		"totalTokens":      float64(u.TotalTokens),
	}
}

type CompletionResult struct {
	ThreadID string  `json:"threadId"`
	Message  Message `json:"message"`
	Usage    *Usage  `json:"usage,omitempty"`
}

type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChunkEvent is one element of a generation's ordered event sequence. A
// sequence ends with exactly one done or error event.
type ChunkEvent struct {
	Type         EventType    `json:"type"`
	ThreadID     string       `json:"threadId"`
	MessageID    string       `json:"messageId"`
	Seq          int64        `json:"seq"`
	Delta        string       `json:"delta,omitempty"`
	Content      string       `json:"content,omitempty"`
	Status       Status       `json:"status,omitempty"`
	FinishReason string       `json:"finishReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

func (e ChunkEvent) Terminal() bool { return e.Type == EventDone || e.Type == EventError }

// ChunkHandler receives events in emission order. A non-nil return means the
// consumer went away; no further events are delivered to it.
type ChunkHandler func(ChunkEvent) error

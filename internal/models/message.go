package models

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusStreaming   Status = "streaming"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether s is a final status. Content is frozen once a
// message reaches one.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusInterrupted:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusComplete, StatusError, StatusInterrupted:
		return true
	}
	return false
}

type Message struct {
	ID        string   `json:"id"`
	ThreadID  string   `json:"threadId"`
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	CreatedAt int64    `json:"createdAt"` // unix ms
	UpdatedAt int64    `json:"updatedAt"` // unix ms
	Status    Status   `json:"status"`
	Metadata  Metadata `json:"metadata"`
}

// MessagePayload is the input of AddMessage. ID and CreatedAt are assigned
// when empty; Status defaults to complete.
type MessagePayload struct {
	ID        string   `json:"id,omitempty" validate:"omitempty,max=64"`
	Role      Role     `json:"role" validate:"required,oneof=user assistant system"`
	Content   string   `json:"content"`
	CreatedAt int64    `json:"createdAt,omitempty" validate:"gte=0"`
	Status    Status   `json:"status,omitempty" validate:"omitempty,oneof=pending streaming complete error interrupted"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// MessagePatch is the partial input of UpdateMessage. Metadata keys are
// merged into the stored map.
type MessagePatch struct {
	Content  *string  `json:"content,omitempty"`
	Status   *Status  `json:"status,omitempty" validate:"omitempty,oneof=pending streaming complete error interrupted"`
	Metadata Metadata `json:"metadata,omitempty"`
}

func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.Status == nil && len(p.Metadata) == 0
}

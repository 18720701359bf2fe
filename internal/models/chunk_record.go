package models

import "time"

// ChunkRecord is one journaled provider chunk, kept for a short TTL so a
// reconnecting observer can replay an in-flight generation.
type ChunkRecord struct {
	ThreadID  string    `bson:"thread_id" json:"threadId"`
	MessageID string    `bson:"message_id" json:"messageId"`
	Seq       int64     `bson:"seq" json:"seq"`
	Delta     string    `bson:"delta" json:"delta"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	ExpiresAt time.Time `bson:"expires_at" json:"-"` // TTL index
}

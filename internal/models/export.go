package models

type ExportJob struct {
	JobID      string `json:"jobId"`
	ThreadID   string `json:"threadId"`
	ObjectName string `json:"objectName"`
	EnqueuedAt int64  `json:"enqueuedAt"`
}

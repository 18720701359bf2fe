package services

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/storage"
	"github.com/yoockh/threadline/internal/utils"
)

const ExportStream = "thread:exports"

// ExportService snapshots threads to object storage through a Redis stream
// consumed by the export workers.
type ExportService interface {
	Enqueue(ctx context.Context, threadID string) (*models.ExportJob, error)
	Export(ctx context.Context, job models.ExportJob) (string, error)
}

type exportService struct {
	threads  ThreadService
	redis    *redis.Client
	uploader storage.Uploader
}

func NewExportService(threads ThreadService, rdb *redis.Client, uploader storage.Uploader) ExportService {
	return &exportService{threads: threads, redis: rdb, uploader: uploader}
}

func (s *exportService) Enqueue(ctx context.Context, threadID string) (*models.ExportJob, error) {
	const op = "ExportService.Enqueue"

	if _, err := s.threads.Get(ctx, threadID); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	job := &models.ExportJob{
		JobID:      jobID,
		ThreadID:   threadID,
		ObjectName: "threads/" + threadID + "/" + jobID + ".json",
		EnqueuedAt: time.Now().UnixMilli(),
	}

	err := s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: ExportStream,
		Values: map[string]any{
			"job_id":      job.JobID,
			"thread_id":   job.ThreadID,
			"object_name": job.ObjectName,
			"enqueued_at": strconv.FormatInt(job.EnqueuedAt, 10),
		},
	}).Err()
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to enqueue export", err)
	}
	return job, nil
}

func (s *exportService) Export(ctx context.Context, job models.ExportJob) (string, error) {
	const op = "ExportService.Export"

	if job.ThreadID == "" || job.ObjectName == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "thread_id and object_name are required", nil)
	}

	t, err := s.threads.Get(ctx, job.ThreadID)
	if err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to encode thread", err)
	}

	path, err := s.uploader.Upload(ctx, job.ObjectName, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "failed to upload export", err)
	}
	return path, nil
}

// ExportJobFromValues decodes a stream entry written by Enqueue.
func ExportJobFromValues(values map[string]any) (models.ExportJob, bool) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	job := models.ExportJob{
		JobID:      str("job_id"),
		ThreadID:   str("thread_id"),
		ObjectName: str("object_name"),
	}
	job.EnqueuedAt, _ = strconv.ParseInt(str("enqueued_at"), 10, 64)
	return job, job.ThreadID != "" && job.ObjectName != ""
}

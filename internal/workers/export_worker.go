package workers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/threadline/internal/services"
	"github.com/yoockh/threadline/internal/utils"
)

// ExportWorkerPool drains the export stream with a consumer group, so each
// job is handled by one worker across all instances.
type ExportWorkerPool struct {
	Redis      *redis.Client
	Exports    services.ExportService
	NumWorkers int

	Logger *logrus.Logger

	Stream         string
	Group          string
	ConsumerPrefix string
	Block          time.Duration

	wg sync.WaitGroup
}

func (p *ExportWorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Exports == nil {
		return errors.New("ExportWorkerPool missing dependency: Redis/Exports must be set")
	}
	if p.Stream == "" {
		p.Stream = services.ExportStream
	}
	if p.Group == "" {
		p.Group = "export-workers"
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.Block <= 0 {
		p.Block = 5 * time.Second
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runConsumer(ctx, consumer)
		}()
	}
	return nil
}

// Wait blocks until every consumer has returned.
func (p *ExportWorkerPool) Wait() { p.wg.Wait() }

func (p *ExportWorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    p.Block,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			p.Logger.WithError(err).WithField("consumer", consumer).Warn("export stream read failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				p.handleMsg(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

func (p *ExportWorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) {
	job, ok := services.ExportJobFromValues(msg.Values)
	log := p.Logger.WithFields(logrus.Fields{
		"redis_id":  msg.ID,
		"job_id":    job.JobID,
		"thread_id": job.ThreadID,
	})
	if !ok {
		log.Warn("dropping malformed export job")
		return
	}

	start := time.Now()
	path, err := p.Exports.Export(ctx, job)
	if err != nil {
		entry := log.WithError(err).WithField("code", utils.CodeOf(err))
		if utils.IsCode(err, utils.CodeNotFound) {
			entry.Warn("export skipped: thread is gone")
			return
		}
		entry.Error("export failed")
		return
	}
	log.WithFields(logrus.Fields{
		"path":       path,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Info("thread exported")
}

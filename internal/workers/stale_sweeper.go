package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/threadline/internal/models"
	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
	"github.com/yoockh/threadline/internal/services"
	"github.com/yoockh/threadline/internal/utils"
)

// StaleSweeper settles messages left streaming by a process that died
// mid-generation. Threads whose generation lock is still held are skipped.
type StaleSweeper struct {
	Repo    pgrepo.ThreadRepository
	Threads services.ThreadService
	Guard   services.GenerationGuard
	Logger  *logrus.Logger

	After    time.Duration // how long a message may sit in streaming
	Interval time.Duration
	Batch    int

	now func() time.Time
}

// Run sweeps once immediately and then every Interval until ctx ends.
func (s *StaleSweeper) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.Logger.WithError(err).Warn("stale generation sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// SweepOnce marks stale streaming messages interrupted and reports how many
// it settled.
func (s *StaleSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	after := s.After
	if after <= 0 {
		after = 10 * time.Minute
	}

	stale, err := s.Repo.ListStaleStreaming(ctx, now().Add(-after).UnixMilli(), s.Batch)
	if err != nil {
		return 0, err
	}

	settled := 0
	status := models.StatusInterrupted
	for _, m := range stale {
		log := s.Logger.WithFields(logrus.Fields{"thread_id": m.ThreadID, "message_id": m.MessageID})

		if s.Guard != nil {
			held, err := s.Guard.Held(ctx, m.ThreadID)
			if err != nil {
				log.WithError(err).Warn("generation lock check failed")
				continue
			}
			if held {
				continue
			}
		}

		_, err := s.Threads.UpdateMessage(ctx, m.ThreadID, m.MessageID, models.MessagePatch{
			Status: &status,
			Metadata: models.Metadata{
				"finishReason": "abandoned",
				"error": map[string]any{
					"code":    string(utils.CodeProviderUnavailable),
					"message": "generation was abandoned",
				},
			},
		})
		if err != nil {
			if utils.IsCode(err, utils.CodeConflict) || utils.IsCode(err, utils.CodeNotFound) {
				continue
			}
			log.WithError(err).Warn("failed to settle stale message")
			continue
		}
		log.Info("stale generation marked interrupted")
		settled++
	}
	return settled, nil
}

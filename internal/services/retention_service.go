package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/metrics"
)

// RetentionService prunes old detection log rows on a cron schedule.
type RetentionService struct {
	Cron      *cron.Cron
	logs      *DetectionLogService
	retention time.Duration
	now       func() time.Time
}

// NewRetentionService schedules pruning. A zero retention keeps rows forever
// and schedules nothing.
func NewRetentionService(logs *DetectionLogService, retention time.Duration, schedule string, now func() time.Time) (*RetentionService, error) {
	if now == nil {
		now = time.Now
	}
	s := &RetentionService{
		Cron:      cron.New(),
		logs:      logs,
		retention: retention,
		now:       now,
	}
	if retention <= 0 {
		return s, nil
	}

	_, err := s.Cron.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			logger.Log().WithError(err).Error("scheduled detection log pruning failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule retention %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *RetentionService) Start() {
	s.Cron.Start()
}

// Stop halts the scheduler and waits for a running prune to finish or ctx to end.
func (s *RetentionService) Stop(ctx context.Context) {
	done := s.Cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes immediately and returns the number of rows removed.
func (s *RetentionService) RunOnce(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	now := s.now().UTC()
	n, err := s.logs.Prune(ctx, now.Add(-s.retention), now)
	if err != nil {
		return 0, err
	}
	metrics.AddPrunedLogs(n)
	logger.WithFields(logrus.Fields{
		"removed":   n,
		"retention": s.retention.String(),
	}).Info("pruned detection logs")
	return n, nil
}

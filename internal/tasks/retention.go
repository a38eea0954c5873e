package tasks

import (
	"time"

	"realtime-chat/internal/metrics"
	"realtime-chat/internal/registry"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner is the part of the registry the sweeper needs.
type Pruner interface {
	PruneBefore(cutoff time.Time) int
}

var _ Pruner = (*registry.Registry)(nil)

// RetentionSweeper drops messages older than ttl on a cron schedule.
type RetentionSweeper struct {
	store    Pruner
	ttl      time.Duration
	schedule string
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	cron *cron.Cron
}

func NewRetentionSweeper(store Pruner, ttl time.Duration, schedule string, m *metrics.Metrics, log *zap.Logger) *RetentionSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetentionSweeper{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		metrics:  m,
		log:      log.Named("retention"),
		now:      time.Now,
	}
}

// Sweep runs one pass and returns how many messages were removed.
func (s *RetentionSweeper) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	removed := s.store.PruneBefore(s.now().Add(-s.ttl))
	if removed > 0 {
		if s.metrics != nil {
			s.metrics.Pruned.Add(float64(removed))
		}
		s.log.Info("pruned expired messages", zap.Int("removed", removed), zap.Duration("ttl", s.ttl))
	}
	return removed
}

// Start schedules Sweep. A zero ttl disables the sweeper.
func (s *RetentionSweeper) Start() error {
	if s.ttl <= 0 {
		s.log.Info("message ttl not set, retention sweeper disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("retention sweeper scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

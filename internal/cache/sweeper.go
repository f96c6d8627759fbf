package cache

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs a sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically removes expired entries so they do not hold memory
// until their next lookup.
type Sweeper struct {
	cron   *cron.Cron
	cache  *Cache
	logger *zap.Logger
}

// NewSweeper schedules Sweep on c using a standard cron spec or descriptor
// such as "@every 30s".
func NewSweeper(c *Cache, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		cron:   cron.New(),
		cache:  c,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("schedule cache sweep %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cache sweeper stop wait: %w", ctx.Err())
	}
}

func (s *Sweeper) run() {
	if n := s.cache.Sweep(); n > 0 {
		s.logger.Debug("swept expired screenshots", zap.Int("removed", n))
	}
}

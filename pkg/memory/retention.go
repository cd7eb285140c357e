package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/JamalEddineEb/discord/pkg/logger"
)

// RetentionSweeper caps per-identity history on a cron schedule. The
// schedule is checked once per tick (a minute by default), matching cron
// resolution.
type RetentionSweeper struct {
	store          Store
	schedule       string
	maxPerIdentity int
	tick           time.Duration
	cron           cronChecker
	now            func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	lastRun   time.Time
}

type cronChecker interface {
	IsDue(expr string, ref ...time.Time) (bool, error)
}

func NewRetentionSweeper(store Store, schedule string, maxPerIdentity int) (*RetentionSweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = "@hourly"
	}
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", schedule)
	}
	return &RetentionSweeper{
		store:          store,
		schedule:       schedule,
		maxPerIdentity: maxPerIdentity,
		tick:           time.Minute,
		cron:           g,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}, nil
}

// SweepNow prunes immediately regardless of the schedule.
func (s *RetentionSweeper) SweepNow(ctx context.Context) (int, error) {
	if s.maxPerIdentity <= 0 {
		return 0, nil
	}
	removed, err := s.store.Prune(ctx, s.maxPerIdentity)
	if err != nil {
		return 0, err
	}
	logger.InfoCF("retention", "Memory pruned", map[string]any{
		"removed":          removed,
		"max_per_identity": s.maxPerIdentity,
	})
	return removed, nil
}

// Start runs the schedule in the background until Stop. A zero cap disables
// the sweeper entirely.
func (s *RetentionSweeper) Start() {
	if s.maxPerIdentity <= 0 {
		logger.InfoC("retention", "Retention disabled (max_utterances_per_identity=0)")
		return
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
		logger.InfoCF("retention", "Retention sweeper started", map[string]any{
			"schedule":         s.schedule,
			"max_per_identity": s.maxPerIdentity,
		})
	})
}

func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

func (s *RetentionSweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maybeSweep()
		}
	}
}

func (s *RetentionSweeper) maybeSweep() {
	now := s.now().Truncate(time.Minute)
	if now.Equal(s.lastRun) {
		return
	}
	due, err := s.cron.IsDue(s.schedule, now)
	if err != nil {
		logger.WarnCF("retention", "Schedule check failed", map[string]any{"error": err.Error()})
		return
	}
	if !due {
		return
	}
	s.lastRun = now

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.SweepNow(ctx); err != nil {
		logger.ErrorCF("retention", "Memory prune failed", map[string]any{"error": err.Error()})
	}
}

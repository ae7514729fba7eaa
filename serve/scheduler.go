package serve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	goskills "github.com/everydev1618/goskills"
)

// Scheduler drives each loaded skill's periodic tick through a cron
// runner. Tick work (summarization, pruning, entity refresh) runs on
// the cron goroutine; a slow tick never blocks other skills because
// cron schedules each entry independently.
type Scheduler struct {
	c   *cron.Cron
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // skill name → cron entry ID
}

// NewScheduler creates a Scheduler.
func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		c:       cron.New(),
		log:     log,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins the cron runner and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.c.Start()
	s.log.Info("scheduler started")
	<-ctx.Done()
	s.c.Stop()
	s.log.Info("scheduler stopped")
}

// AddSkill schedules a skill's tick at the given interval. Re-adding a
// skill replaces its schedule.
func (s *Scheduler) AddSkill(skill goskills.Skill, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[skill.Name()]; ok {
		s.c.Remove(id)
		delete(s.entries, skill.Name())
	}

	id := s.c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := skill.Tick(ctx); err != nil {
			s.log.Warn("tick failed", "skill", skill.Name(), "error", err)
		}
	}))
	s.entries[skill.Name()] = id

	s.log.Info("tick scheduled", "skill", skill.Name(), "interval", interval)
}

// RemoveSkill drops a skill's tick schedule.
func (s *Scheduler) RemoveSkill(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
}

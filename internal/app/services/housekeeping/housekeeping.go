// Package housekeeping runs the periodic cleanup jobs of the process on a
// cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/infomart/internal/app/system"
	"github.com/R3E-Network/infomart/pkg/logger"
)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "@every 5m"

var _ system.Service = (*Scheduler)(nil)

// Task removes stale state older than cutoff and returns how many items it
// removed.
type Task func(ctx context.Context, cutoff time.Time) (int, error)

type job struct {
	name string
	ttl  time.Duration
	task Task
}

// Scheduler runs registered tasks together on one cron schedule.
type Scheduler struct {
	schedule string
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	jobs    []job
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// New creates a scheduler. An empty schedule means DefaultSchedule.
func New(schedule string, log *logger.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid housekeeping schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = logger.NewDefault("housekeeping")
	}
	return &Scheduler{
		schedule: schedule,
		log:      log,
		now:      time.Now,
	}, nil
}

// Add registers a task. Each sweep calls it with now minus ttl.
func (s *Scheduler) Add(name string, ttl time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, ttl: ttl, task: task})
}

func (s *Scheduler) Name() string { return "housekeeping" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cl := cronLogger{entry: s.log.Entry}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule housekeeping: %w", err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("housekeeping started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("housekeeping stopped")
	return nil
}

// Sweep runs every task once and returns the number of items each removed.
// A failing task is logged and does not stop the others.
func (s *Scheduler) Sweep(ctx context.Context) map[string]int {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	now := s.now()
	removed := make(map[string]int, len(jobs))
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		n, err := j.task(ctx, now.Add(-j.ttl))
		if err != nil {
			s.log.WithError(err).WithField("task", j.name).Warn("housekeeping task failed")
			continue
		}
		removed[j.name] = n
		if n > 0 {
			s.log.WithFields(logrus.Fields{"task": j.name, "removed": n}).Info("housekeeping")
		}
	}
	return removed
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	out := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}

package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"keptpush/internal/metrics"
	logx "keptpush/pkg/logx"
)

// Sweeper is the part of platform.Tray the sweep needs.
type Sweeper interface {
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}

// traySweep dismisses stale notifications on a cron schedule.
type traySweep struct {
	tray Sweeper
	log  logx.Logger

	mu       sync.Mutex
	c        *cron.Cron
	schedule string
	ttl      time.Duration
}

func newTraySweep(tray Sweeper, log logx.Logger) *traySweep {
	return &traySweep{tray: tray, log: log}
}

// Apply (re)starts the schedule. A non-positive ttl stops sweeping.
func (s *traySweep) Apply(schedule string, ttl time.Duration) error {
	schedule = strings.TrimSpace(schedule)
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("notifications.sweep_schedule: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil && schedule == s.schedule && ttl == s.ttl {
		return nil
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.schedule, s.ttl = schedule, ttl
	if ttl <= 0 {
		s.log.Info("tray sweep disabled")
		return nil
	}

	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(sched, cron.FuncJob(func() { s.run(ttl) }))
	c.Start()
	s.c = c
	s.log.Info("tray sweep scheduled", logx.String("schedule", schedule), logx.Duration("ttl", ttl))
	return nil
}

func (s *traySweep) run(ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.tray.Sweep(ctx, ttl)
	if err != nil {
		s.log.Warn("tray sweep failed", logx.Err(err))
		return
	}
	metrics.RecordSweep(n)
}

func (s *traySweep) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

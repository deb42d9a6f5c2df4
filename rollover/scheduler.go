package rollover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner is triggered by the scheduler.
type Runner interface {
	RunNow(ctx context.Context) (Result, error)
}

// Scheduler fires a Runner once a day at a fixed local time.
type Scheduler struct {
	runner   Runner
	hour     int
	minute   int
	location *time.Location
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	logger   *slog.Logger
}

// NewScheduler creates a scheduler for hour:minute in the IANA timezone tz.
func NewScheduler(runner Runner, hour, minute int, tz string, logger *slog.Logger) (*Scheduler, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid rollover time %02d:%02d", hour, minute)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		hour:     hour,
		minute:   minute,
		location: loc,
		now:      time.Now,
		after:    time.After,
		logger:   logger.With("component", "rollover-scheduler"),
	}, nil
}

// Next returns the first fire time strictly after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	local := from.In(s.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.location)
	}
	return next
}

// Run fires the runner at every scheduled time until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.Next(s.now())
		wait := next.Sub(s.now())
		s.logger.Info("next rollover scheduled", "at", next, "in", wait.Round(time.Second))

		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}

		if _, err := s.runner.RunNow(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error("scheduled rollover failed, will retry at next trigger", "err", err)
		}
	}
}

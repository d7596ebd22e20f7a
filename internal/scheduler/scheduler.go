package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"timeclock/internal/attendance"
	"timeclock/internal/metrics"
)

const (
	// OperatingWindowEndHour is the local hour at which automatic polling
	// stops for the day. The loop does not resume until the process restarts.
	OperatingWindowEndHour = 9

	// MaxBackoff caps the interval after repeated failures.
	MaxBackoff = 60 * time.Minute

	// DefaultAbsentCutoff applies when the absentCutoff setting is unset or malformed.
	DefaultAbsentCutoff = attendance.DefaultAbsentCutoff

	backoffAfterFailures = 2
)

// Ingester runs one device batch.
type Ingester interface {
	Ingest(ctx context.Context, source attendance.Source) (attendance.Run, error)
}

// CutoffSource reads the configured absence cutoff ("HH:MM").
type CutoffSource interface {
	AbsentCutoff(ctx context.Context, fallback string) string
}

// Config holds the polling intervals.
type Config struct {
	Interval            time.Duration
	IntervalAfterCutoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.IntervalAfterCutoff <= 0 {
		c.IntervalAfterCutoff = 30 * time.Minute
	}
	return c
}

// NextInterval picks the wait before the next cycle: Interval before the
// cutoff, IntervalAfterCutoff from the cutoff on, doubled (capped at
// MaxBackoff) once failures reach two.
func (c Config) NextInterval(now, cutoff time.Time, failures int) time.Duration {
	c = c.withDefaults()
	next := c.Interval
	if !now.Before(cutoff) {
		next = c.IntervalAfterCutoff
	}
	if failures >= backoffAfterFailures {
		next = min(2*next, MaxBackoff)
	}
	return next
}

// Scheduler polls the device on an adaptive interval during the morning window.
type Scheduler struct {
	ingester Ingester
	cutoff   CutoffSource
	cfg      Config
	loc      *time.Location
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	logger   zerolog.Logger

	failures int
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithAfter overrides how the loop waits between cycles.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) { s.after = after }
}

// WithLocation sets the zone the operating window and cutoff are read in.
func WithLocation(loc *time.Location) Option { return func(s *Scheduler) { s.loc = loc } }

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a scheduler.
func New(ingester Ingester, cutoff CutoffSource, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		ingester: ingester,
		cutoff:   cutoff,
		cfg:      cfg.withDefaults(),
		loc:      time.Local,
		now:      time.Now,
		after:    time.After,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Failures returns the current consecutive failure count.
func (s *Scheduler) Failures() int { return s.failures }

// Run cycles until the operating window closes or ctx is cancelled. The
// first cycle runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("interval_after_cutoff", s.cfg.IntervalAfterCutoff).Msg("auto ingest started")
	for {
		if ctx.Err() != nil {
			s.logger.Info().Msg("auto ingest stopped")
			return
		}
		wait, ok := s.Cycle(ctx)
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("auto ingest stopped")
			return
		case <-s.after(wait):
		}
	}
}

// Cycle runs one batch unless the operating window has closed, and returns
// the wait before the next cycle. The interval is chosen from the time the
// cycle started. ok is false once the window is closed.
func (s *Scheduler) Cycle(ctx context.Context) (wait time.Duration, ok bool) {
	now := s.now().In(s.loc)
	if now.Hour() >= OperatingWindowEndHour {
		s.logger.Info().Int("end_hour", OperatingWindowEndHour).Msg("operating window closed, auto ingest halted for today")
		metrics.ObserveSchedulerCycle("halted", s.failures)
		return 0, false
	}

	outcome := "success"
	run, err := s.ingester.Ingest(ctx, attendance.SourceAuto)
	if err != nil {
		s.failures++
		outcome = "failure"
		s.logger.Warn().Err(err).Int("failures", s.failures).Msg("auto ingest failed")
	} else {
		s.failures = 0
		s.logger.Debug().Str("run_id", run.ID).Int("stored", run.Stored).Msg("auto ingest cycle")
	}
	metrics.ObserveSchedulerCycle(outcome, s.failures)

	wait = s.cfg.NextInterval(now, s.cutoffOn(ctx, now), s.failures)
	s.logger.Debug().Dur("next", wait).Msg("auto ingest rescheduled")
	return wait, true
}

func (s *Scheduler) cutoffOn(ctx context.Context, day time.Time) time.Time {
	raw := DefaultAbsentCutoff
	if s.cutoff != nil {
		raw = s.cutoff.AbsentCutoff(ctx, DefaultAbsentCutoff)
	}
	clock, err := time.Parse("15:04", raw)
	if err != nil {
		s.logger.Warn().Str("cutoff", raw).Msg("malformed absent cutoff, using default")
		clock, _ = time.Parse("15:04", DefaultAbsentCutoff)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, day.Location())
}

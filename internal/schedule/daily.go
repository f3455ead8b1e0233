// Package schedule runs a job once per day at a fixed wall-clock time.
package schedule

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultAt is the default daily run time, in the schedule's location.
const DefaultAt = "08:00"

// Daily runs a job every day at Hour:Minute in Location.
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
	// RunOnStart runs the job immediately when no run has happened today.
	RunOnStart bool

	// Now and After default to time.Now and time.After.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
	Log   *zap.Logger
}

// ParseAt parses an "HH:MM" time of day.
func ParseAt(at string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "schedule: parse time of day %q", at)
	}
	return t.Hour(), t.Minute(), nil
}

// New builds a Daily for at ("HH:MM") in the named location.
func New(at, location string) (*Daily, error) {
	if at == "" {
		at = DefaultAt
	}
	h, m, err := ParseAt(at)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if location != "" {
		if loc, err = time.LoadLocation(location); err != nil {
			return nil, eris.Wrapf(err, "schedule: load location %q", location)
		}
	}
	return &Daily{Hour: h, Minute: m, Location: loc}, nil
}

// Next returns the first run time strictly after now.
func (d *Daily) Next(now time.Time) time.Time {
	now = now.In(d.loc())
	next := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, d.loc())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, d.Hour, d.Minute, 0, 0, d.loc())
	}
	return next
}

// Due reports whether a run is needed: never run, or not run since the
// start of the current day.
func Due(now time.Time, lastRun *time.Time) bool {
	if lastRun == nil {
		return true
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return lastRun.Before(today)
}

// Run calls job at every scheduled time until ctx is done. A failed job is
// logged and the next day's run still happens. Run returns nil on
// cancellation.
func (d *Daily) Run(ctx context.Context, lastRun *time.Time, job func(context.Context) error) error {
	log := d.Log
	if log == nil {
		log = zap.L()
	}

	if d.RunOnStart && Due(d.now().In(d.loc()), lastRun) {
		d.runOnce(ctx, log, job)
	}

	for {
		now := d.now()
		next := d.Next(now)
		log.Info("schedule: next run", zap.Time("at", next), zap.Duration("in", next.Sub(now)))

		select {
		case <-ctx.Done():
			log.Info("schedule: stopped")
			return nil
		case <-d.after(next.Sub(now)):
		}
		if ctx.Err() != nil {
			return nil
		}
		d.runOnce(ctx, log, job)
	}
}

func (d *Daily) runOnce(ctx context.Context, log *zap.Logger, job func(context.Context) error) {
	started := d.now()
	if err := job(ctx); err != nil {
		log.Error("schedule: run failed", zap.Error(err))
	} else {
		log.Info("schedule: run complete", zap.Duration("took", d.now().Sub(started)))
	}
}

func (d *Daily) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Daily) after(dur time.Duration) <-chan time.Time {
	if d.After != nil {
		return d.After(dur)
	}
	return time.After(dur)
}

func (d *Daily) loc() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}

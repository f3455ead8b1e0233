// Package submit drives one sub-batch through the batch service: submit,
// poll to a terminal status, retry with capped exponential backoff, and
// defer the sub-batch when retries run out.
package submit

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/batchsvc"
	"github.com/sells-group/batch-cli/internal/deferred"
	"github.com/sells-group/batch-cli/internal/metrics"
	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/internal/resilience"
)

// Defaults for Config.
const (
	DefaultMaxRetries   = 20
	DefaultPollInterval = time.Minute
	DefaultStallTimeout = 3 * time.Hour
)

// Config controls the retry and polling policy.
type Config struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int
	// Backoff is the delay policy between attempts.
	Backoff resilience.Backoff
	// PollInterval is the wait between status polls.
	PollInterval time.Duration
	// StallTimeout cancels a job whose completed count has not grown for
	// this long. Zero disables the check.
	StallTimeout time.Duration
	// MaxPollDuration cancels a job that has been polled for this long.
	// Zero disables the check.
	MaxPollDuration time.Duration
	// WorkDir receives submission files.
	WorkDir string
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   DefaultMaxRetries,
		Backoff:      resilience.DefaultBackoff(),
		PollInterval: DefaultPollInterval,
		StallTimeout: DefaultStallTimeout,
		WorkDir:      os.TempDir(),
	}
}

// PrepareFunc writes the submission file for a sub-batch and returns its path.
type PrepareFunc func(dir string, batch model.SubBatch, modelName string) (string, error)

// Result is the outcome of SubmitWithRetry. Exactly one of JobID and
// Deferred is set.
type Result struct {
	JobID    string
	Deferred bool
	Attempts int
}

// Submitter submits sub-batches. It is safe for concurrent use when the
// service and deferred store are.
type Submitter struct {
	svc      batchsvc.Service
	deferred deferred.Store
	cfg      Config
	sleeper  resilience.Sleeper
	now      func() time.Time
	prepare  PrepareFunc
	log      *zap.Logger
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithSleeper replaces the sleeper used for backoff and poll waits.
func WithSleeper(s resilience.Sleeper) Option {
	return func(sub *Submitter) { sub.sleeper = s }
}

// WithClock replaces the clock used for stall detection.
func WithClock(now func() time.Time) Option {
	return func(sub *Submitter) { sub.now = now }
}

// WithPrepare replaces the submission file writer.
func WithPrepare(fn PrepareFunc) Option {
	return func(sub *Submitter) { sub.prepare = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(sub *Submitter) { sub.log = l }
}

// New creates a Submitter.
func New(svc batchsvc.Service, store deferred.Store, cfg Config, opts ...Option) *Submitter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	s := &Submitter{
		svc:      svc,
		deferred: store,
		cfg:      cfg,
		sleeper:  resilience.TimerSleeper{},
		now:      time.Now,
		prepare:  batchsvc.WriteSubmission,
		log:      zap.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SubmitWithRetry submits batch until the service reports Completed or
// MaxRetries attempts have been made. Cancelled, Failed, and any error
// raised while preparing, submitting, or polling share one backoff
// counter. When retries run out the unmodified batch is persisted under
// label and Result.Deferred is set.
//
// The returned error is non-nil only when ctx is cancelled or the
// deferral itself could not be persisted.
func (s *Submitter) SubmitWithRetry(ctx context.Context, batch model.SubBatch, modelName, label string) (Result, error) {
	log := s.log.With(
		zap.String("label", label),
		zap.String("model", modelName),
		zap.Int("items", len(batch)),
	)

	delay := s.cfg.Backoff.First()
	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		start := s.now()
		jobID, status, err := s.attempt(ctx, batch, modelName)
		metrics.AttemptDuration.WithLabelValues(label).Observe(s.now().Sub(start).Seconds())

		if err == nil && status == model.JobStatusCompleted {
			metrics.SubmitAttempts.WithLabelValues(label, string(status)).Inc()
			metrics.SubBatches.WithLabelValues(label, "completed").Inc()
			log.Info("submit: batch completed",
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt),
			)
			return Result{JobID: jobID, Attempts: attempt}, nil
		}

		if err != nil {
			lastErr = err
			metrics.SubmitAttempts.WithLabelValues(label, "errored").Inc()
		} else {
			lastErr = eris.Errorf("submit: job %s ended %s", jobID, status)
			metrics.SubmitAttempts.WithLabelValues(label, string(status)).Inc()
		}

		if ctx.Err() != nil {
			break
		}
		if attempt >= s.cfg.MaxRetries {
			log.Error("submit: retries exhausted",
				zap.Int("attempts", attempt),
				zap.Error(lastErr),
			)
			break
		}

		log.Warn("submit: attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if serr := s.sleeper.Sleep(ctx, delay); serr != nil {
			break
		}
		delay = s.cfg.Backoff.Next(delay)
	}

	res := Result{Deferred: true, Attempts: attempt}
	if err := s.deferred.Persist(deferred.WithCause(context.WithoutCancel(ctx), attempt, lastErr), label, batch); err != nil {
		return res, eris.Wrapf(err, "submit: defer %s", label)
	}
	metrics.SubBatches.WithLabelValues(label, "deferred").Inc()
	metrics.DeferredItems.WithLabelValues(label).Add(float64(len(batch)))
	log.Warn("submit: batch deferred", zap.Int("attempts", attempt))

	if err := ctx.Err(); err != nil {
		return res, eris.Wrap(err, "submit: interrupted")
	}
	return res, nil
}

// attempt runs one submit-and-poll cycle and returns the terminal status.
func (s *Submitter) attempt(ctx context.Context, batch model.SubBatch, modelName string) (string, model.JobStatus, error) {
	path, err := s.prepare(s.cfg.WorkDir, batch, modelName)
	if err != nil {
		return "", "", eris.Wrap(err, "submit: prepare")
	}
	defer os.Remove(path) //nolint:errcheck

	jobID, err := s.svc.Submit(ctx, path)
	if err != nil {
		return "", "", eris.Wrap(err, "submit: submit")
	}

	status, err := s.poll(ctx, jobID)
	if err != nil {
		return jobID, "", err
	}
	return jobID, status, nil
}

// poll blocks until the job reports a terminal status. A job that stops
// making progress for StallTimeout, or outlives MaxPollDuration, is
// cancelled and polled until the service confirms; the attempt then
// counts as Cancelled whatever the final status.
func (s *Submitter) poll(ctx context.Context, jobID string) (model.JobStatus, error) {
	start := s.now()
	lastProgress := start
	lastCompleted := int64(-1)
	cancelled := false

	for {
		snap, err := s.svc.Poll(ctx, jobID)
		if err != nil {
			return "", eris.Wrapf(err, "submit: poll %s", jobID)
		}
		if snap.Status.Terminal() {
			if cancelled {
				return model.JobStatusCancelled, nil
			}
			return snap.Status, nil
		}

		now := s.now()
		if snap.Completed > lastCompleted {
			lastCompleted = snap.Completed
			lastProgress = now
		}

		if !cancelled {
			reason := ""
			switch {
			case s.cfg.StallTimeout > 0 && now.Sub(lastProgress) >= s.cfg.StallTimeout:
				reason = "stalled"
			case s.cfg.MaxPollDuration > 0 && now.Sub(start) >= s.cfg.MaxPollDuration:
				reason = "poll timeout"
			}
			if reason != "" {
				s.log.Warn("submit: cancelling job",
					zap.String("job_id", jobID),
					zap.String("reason", reason),
					zap.Int64("completed", snap.Completed),
					zap.Int64("total", snap.Total),
				)
				if err := s.svc.Cancel(ctx, jobID); err != nil {
					return "", eris.Wrapf(err, "submit: cancel %s", jobID)
				}
				cancelled = true
			}
		}

		if err := s.sleeper.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return "", eris.Wrapf(err, "submit: poll wait %s", jobID)
		}
	}
}

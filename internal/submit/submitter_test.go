package submit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/deferred"
	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/internal/resilience"
)

// fakeClock is a Sleeper that advances time instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// scriptedService returns one scripted outcome per Submit call. Each
// outcome is either a submit error or a sequence of poll snapshots.
type scriptedService struct {
	mu        sync.Mutex
	outcomes  []outcome
	submits   int
	cancels   []string
	pollCalls int
	current   []pollStep
}

type outcome struct {
	submitErr error
	polls     []pollStep
}

type pollStep struct {
	snap model.JobSnapshot
	err  error
}

func terminal(status model.JobStatus) outcome {
	return outcome{polls: []pollStep{{snap: model.JobSnapshot{Status: status}}}}
}

func (s *scriptedService) Submit(_ context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	idx := s.submits
	s.submits++
	o := s.outcomes[min(idx, len(s.outcomes)-1)]
	if o.submitErr != nil {
		return "", o.submitErr
	}
	s.current = append([]pollStep(nil), o.polls...)
	return "job-" + string(rune('a'+idx)), nil
}

func (s *scriptedService) Poll(_ context.Context, jobID string) (model.JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++
	step := s.current[0]
	if len(s.current) > 1 {
		s.current = s.current[1:]
	}
	step.snap.ID = jobID
	return step.snap, step.err
}

func (s *scriptedService) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, jobID)
	// After cancellation the service reports the job as ended.
	s.current = []pollStep{{snap: model.JobSnapshot{Status: model.JobStatusCompleted}}}
	return nil
}

func (s *scriptedService) Download(context.Context, string, string) error { return nil }

func items(n int) model.SubBatch {
	out := make(model.SubBatch, n)
	for i := range out {
		out[i] = model.WorkItem{ID: string(rune('A' + i)), EstimatedTokens: 100 * (i + 1)}
	}
	return out
}

func newTestSubmitter(t *testing.T, svc *scriptedService, store deferred.Store, cfg Config) (*Submitter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	return New(svc, store, cfg,
		WithSleeper(clock),
		WithClock(clock.Now),
		WithLogger(zap.NewNop()),
	), clock
}

func TestSubmitWithRetry_BackoffSequenceThenDeferred(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{terminal(model.JobStatusFailed)}}
	store := deferred.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.WorkDir = ""
	sub, clock := newTestSubmitter(t, svc, store, cfg)

	batch := items(3)
	res, err := sub.SubmitWithRetry(context.Background(), batch, "m", "stage1")
	require.NoError(t, err)

	assert.True(t, res.Deferred)
	assert.Empty(t, res.JobID)
	assert.Equal(t, 20, res.Attempts)
	assert.Equal(t, 20, svc.submits)

	want := []time.Duration{}
	for _, s := range []int{10, 20, 40, 80, 160, 320, 640, 1280, 2560} {
		want = append(want, time.Duration(s)*time.Second)
	}
	for len(want) < 19 {
		want = append(want, time.Hour)
	}
	assert.Equal(t, want, clock.sleeps)

	recs, err := store.List(context.Background(), "stage1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []model.WorkItem(batch), recs[0].Items)
	assert.Equal(t, 20, recs[0].Attempts)
	assert.Contains(t, recs[0].Error, "failed")
}

func TestSubmitWithRetry_SuccessShortCircuit(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{
		terminal(model.JobStatusFailed),
		{submitErr: errors.New("connection refused")},
		terminal(model.JobStatusCompleted),
	}}
	store := deferred.NewMemoryStore()
	sub, clock := newTestSubmitter(t, svc, store, DefaultConfig())

	res, err := sub.SubmitWithRetry(context.Background(), items(2), "m", "s")
	require.NoError(t, err)

	assert.False(t, res.Deferred)
	assert.Equal(t, "job-c", res.JobID)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, svc.submits)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, clock.sleeps)
	assert.Zero(t, store.Len())
}

func TestSubmitWithRetry_FirstAttemptSuccessNoSleep(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{terminal(model.JobStatusCompleted)}}
	sub, clock := newTestSubmitter(t, svc, deferred.NewMemoryStore(), DefaultConfig())

	res, err := sub.SubmitWithRetry(context.Background(), items(1), "m", "s")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, clock.sleeps)
}

func TestSubmitWithRetry_MixedFailuresShareCounter(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{
		terminal(model.JobStatusCancelled),
		{submitErr: errors.New("timeout")},
		{polls: []pollStep{{err: errors.New("poll 502")}}},
		terminal(model.JobStatusFailed),
	}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 4
	sub, clock := newTestSubmitter(t, svc, deferred.NewMemoryStore(), cfg)

	res, err := sub.SubmitWithRetry(context.Background(), items(1), "m", "s")
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, clock.sleeps)
}

func TestSubmitWithRetry_PrepareErrorIsRetried(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{terminal(model.JobStatusCompleted)}}
	calls := 0
	clock := newFakeClock()
	sub := New(svc, deferred.NewMemoryStore(), DefaultConfig(),
		WithSleeper(clock),
		WithClock(clock.Now),
		WithLogger(zap.NewNop()),
		WithPrepare(func(dir string, batch model.SubBatch, m string) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("disk full")
			}
			f, err := os.CreateTemp(t.TempDir(), "s*.jsonl")
			if err != nil {
				return "", err
			}
			_ = f.Close()
			return f.Name(), nil
		}),
	)

	res, err := sub.SubmitWithRetry(context.Background(), items(1), "m", "s")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, svc.submits)
}

func TestSubmitWithRetry_PollsUntilTerminal(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{{polls: []pollStep{
		{snap: model.JobSnapshot{Status: model.JobStatusInProgress, Completed: 0, Total: 4}},
		{snap: model.JobSnapshot{Status: model.JobStatusInProgress, Completed: 2, Total: 4}},
		{snap: model.JobSnapshot{Status: model.JobStatusCompleted, Completed: 4, Total: 4}},
	}}}}
	sub, clock := newTestSubmitter(t, svc, deferred.NewMemoryStore(), DefaultConfig())

	res, err := sub.SubmitWithRetry(context.Background(), items(4), "m", "s")
	require.NoError(t, err)
	assert.Equal(t, "job-a", res.JobID)
	assert.Equal(t, 3, svc.pollCalls)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, clock.sleeps)
}

func TestSubmitWithRetry_StallCancelCountsAsCancelled(t *testing.T) {
	stuck := model.JobSnapshot{Status: model.JobStatusInProgress, Completed: 1, Total: 5}
	svc := &scriptedService{outcomes: []outcome{
		{polls: []pollStep{{snap: stuck}}},
		terminal(model.JobStatusCompleted),
	}}
	cfg := DefaultConfig()
	cfg.PollInterval = 30 * time.Minute
	cfg.StallTimeout = 2 * time.Hour
	sub, _ := newTestSubmitter(t, svc, deferred.NewMemoryStore(), cfg)

	res, err := sub.SubmitWithRetry(context.Background(), items(5), "m", "s")
	require.NoError(t, err)

	assert.Equal(t, []string{"job-a"}, svc.cancels)
	assert.Equal(t, "job-b", res.JobID, "a stalled job is retried even if the service ends it")
	assert.Equal(t, 2, res.Attempts)
}

func TestSubmitWithRetry_MaxPollDuration(t *testing.T) {
	progressing := make([]pollStep, 0, 10)
	for i := range 10 {
		progressing = append(progressing, pollStep{snap: model.JobSnapshot{Status: model.JobStatusInProgress, Completed: int64(i)}})
	}
	svc := &scriptedService{outcomes: []outcome{{polls: progressing}}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.MaxPollDuration = 3 * time.Minute
	store := deferred.NewMemoryStore()
	sub, _ := newTestSubmitter(t, svc, store, cfg)

	res, err := sub.SubmitWithRetry(context.Background(), items(1), "m", "s")
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Len(t, svc.cancels, 1)
	assert.Equal(t, 1, store.Len())
}

func TestSubmitWithRetry_StallDisabled(t *testing.T) {
	steps := []pollStep{}
	for range 5 {
		steps = append(steps, pollStep{snap: model.JobSnapshot{Status: model.JobStatusInProgress}})
	}
	steps = append(steps, pollStep{snap: model.JobSnapshot{Status: model.JobStatusCompleted}})
	svc := &scriptedService{outcomes: []outcome{{polls: steps}}}
	cfg := DefaultConfig()
	cfg.StallTimeout = 0
	cfg.PollInterval = 10 * time.Hour
	sub, _ := newTestSubmitter(t, svc, deferred.NewMemoryStore(), cfg)

	res, err := sub.SubmitWithRetry(context.Background(), items(1), "m", "s")
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	assert.Empty(t, svc.cancels)
}

type failingStore struct{}

func (failingStore) Persist(context.Context, string, []model.WorkItem) error {
	return deferred.ErrPersist
}

func TestSubmitWithRetry_PersistFailureSurfaces(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{terminal(model.JobStatusFailed)}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	sub, _ := newTestSubmitter(t, svc, failingStore{}, cfg)

	res, err := sub.SubmitWithRetry(context.Background(), items(1), "m", "s")
	require.Error(t, err)
	assert.ErrorIs(t, err, deferred.ErrPersist)
	assert.True(t, res.Deferred)
}

func TestSubmitWithRetry_ContextCancelledDefers(t *testing.T) {
	svc := &scriptedService{outcomes: []outcome{terminal(model.JobStatusFailed)}}
	store := deferred.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	clock := newFakeClock()
	sleeper := resilience.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})
	sub := New(svc, store, Config{WorkDir: t.TempDir()},
		WithSleeper(sleeper),
		WithClock(clock.Now),
		WithLogger(zap.NewNop()),
	)

	res, err := sub.SubmitWithRetry(ctx, items(2), "m", "s")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Deferred)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, store.Len())
}

func TestSubmitWithRetry_RemovesSubmissionFiles(t *testing.T) {
	dir := t.TempDir()
	svc := &scriptedService{outcomes: []outcome{terminal(model.JobStatusFailed), terminal(model.JobStatusCompleted)}}
	cfg := DefaultConfig()
	cfg.WorkDir = dir
	sub, _ := newTestSubmitter(t, svc, deferred.NewMemoryStore(), cfg)

	_, err := sub.SubmitWithRetry(context.Background(), items(2), "m", "s")
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_Defaults(t *testing.T) {
	sub := New(&scriptedService{}, deferred.NewMemoryStore(), Config{})
	assert.Equal(t, DefaultMaxRetries, sub.cfg.MaxRetries)
	assert.Equal(t, DefaultPollInterval, sub.cfg.PollInterval)
	assert.NotEmpty(t, sub.cfg.WorkDir)
	assert.Equal(t, 10*time.Second, sub.cfg.Backoff.First())
}

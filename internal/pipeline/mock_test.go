package pipeline

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/batch-cli/internal/cost"
	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/internal/submit"
)

// --- Submitter Mock ---

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) SubmitWithRetry(ctx context.Context, batch model.SubBatch, modelName, label string) (submit.Result, error) {
	args := m.Called(ctx, batch, modelName, label)
	return args.Get(0).(submit.Result), args.Error(1)
}

// --- Downloader Fake ---

// fakeDownloader writes one result line per item id registered for a job.
type fakeDownloader struct {
	mu    sync.Mutex
	jobs  map[string][]string
	bad   map[string]int // job id -> number of malformed lines appended
	err   error
	paths []string
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{jobs: map[string][]string{}, bad: map[string]int{}}
}

func (f *fakeDownloader) register(jobID string, batch model.SubBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = batch.IDs()
}

func (f *fakeDownloader) Download(_ context.Context, jobID, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var b strings.Builder
	for _, id := range f.jobs[jobID] {
		line, _ := json.Marshal(map[string]any{
			"custom_id": id,
			"response": map[string]any{"body": map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": `{"score":1}`}}},
			}},
		})
		b.Write(line)
		b.WriteByte('\n')
	}
	for range f.bad[jobID] {
		b.WriteString("{broken\n")
	}
	f.paths = append(f.paths, destPath)
	return os.WriteFile(destPath, []byte(b.String()), 0o644)
}

// --- Gate Fake ---

type fakeGate struct {
	mu        sync.Mutex
	canStage  bool
	remaining float64
	reserved  []float64
	err       error
}

func (g *fakeGate) CanProcess(float64) bool { return g.canStage }

func (g *fakeGate) Reserve(_ context.Context, estimate float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	if estimate > g.remaining+1e-12 {
		return eris.Wrapf(cost.ErrBudgetExceeded, "estimate %.4f", estimate)
	}
	g.reserved = append(g.reserved, estimate)
	g.remaining -= estimate
	return nil
}

// --- Source / Sink Fakes ---

type sliceSource struct {
	items []model.WorkItem
	err   error
}

func (s sliceSource) Fetch(context.Context) ([]model.WorkItem, error) { return s.items, s.err }

type collectSink struct {
	mu   sync.Mutex
	recs []model.ResultRecord
	err  error
}

func (s *collectSink) Consume(_ context.Context, _ string, recs iter.Seq[model.ResultRecord]) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for r := range recs {
		s.recs = append(s.recs, r)
		n++
	}
	return n, nil
}

func (s *collectSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recs))
	for i, r := range s.recs {
		out[i] = r.ItemID
	}
	return out
}

type dropCleaner struct{ drop string }

func (c dropCleaner) Clean(items []model.WorkItem) []model.WorkItem {
	var out []model.WorkItem
	for _, it := range items {
		if it.ID != c.drop {
			out = append(out, it)
		}
	}
	return out
}

type countJanitor struct {
	calls int
	err   error
}

func (j *countJanitor) Run(context.Context) (int, error) {
	j.calls++
	return 0, j.err
}

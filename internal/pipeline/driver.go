package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/batch-cli/internal/cost"
	"github.com/sells-group/batch-cli/internal/ingest"
	"github.com/sells-group/batch-cli/internal/metrics"
	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/internal/splitter"
	"github.com/sells-group/batch-cli/internal/submit"
)

// ErrNoItems is returned by RunStage when a stage has nothing to submit
// after cleaning. Run treats it as the end of the run.
var ErrNoItems = eris.New("pipeline: no items")

// Source fetches the raw work items of a stage.
type Source interface {
	Fetch(ctx context.Context) ([]model.WorkItem, error)
}

// Cleaner sanitizes and validates items, dropping those that fail.
type Cleaner interface {
	Clean(items []model.WorkItem) []model.WorkItem
}

// Sink applies ingested result records downstream and returns how many it
// accepted.
type Sink interface {
	Consume(ctx context.Context, stage string, recs iter.Seq[model.ResultRecord]) (int, error)
}

// Submitter runs one sub-batch to completion or deferral. *submit.Submitter
// satisfies it.
type Submitter interface {
	SubmitWithRetry(ctx context.Context, batch model.SubBatch, modelName, label string) (submit.Result, error)
}

// Downloader fetches a completed job's result file. batchsvc.Service
// satisfies it.
type Downloader interface {
	Download(ctx context.Context, jobID, destPath string) error
}

// Gate is the cost admission check. *cost.Ledger satisfies it.
type Gate interface {
	CanProcess(estimate float64) bool
	Reserve(ctx context.Context, estimate float64) error
}

// Estimator prices items for a model. *cost.Calculator satisfies it.
type Estimator interface {
	Estimate(modelName string, items []model.WorkItem) float64
}

// Janitor runs housekeeping before stages start. *retention.Cleaner
// satisfies it.
type Janitor interface {
	Run(ctx context.Context) (int, error)
}

// Stage is one fetch-submit-ingest pass.
type Stage struct {
	Name    string
	Model   string
	Source  Source
	Cleaner Cleaner
	Sink    Sink
	// RequiredKeys must be present in each parsed result.
	RequiredKeys []string
	// TokenLimit overrides the driver's limit when > 0.
	TokenLimit int
}

// Config controls the driver.
type Config struct {
	// Concurrency is the number of sub-batches in flight. 1 runs them
	// strictly in order.
	Concurrency int
	// WorkDir receives downloaded result files.
	WorkDir string
	// TokenLimit bounds each sub-batch's summed token estimate.
	TokenLimit int
}

// Driver sequences stages through the splitter, cost gate, submitter, and
// result ingester.
type Driver struct {
	sub     Submitter
	dl      Downloader
	gate    Gate
	est     Estimator
	cfg     Config
	janitor Janitor
	log     *zap.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithJanitor runs j once at the start of Run.
func WithJanitor(j Janitor) Option {
	return func(d *Driver) { d.janitor = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// New creates a Driver.
func New(sub Submitter, dl Downloader, gate Gate, est Estimator, cfg Config, opts ...Option) *Driver {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	d := &Driver{sub: sub, dl: dl, gate: gate, est: est, cfg: cfg, log: zap.L()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run executes stages in order and returns a report per stage that ran.
// Deferred or rejected sub-batches never stop the run. A stage with no
// items ends the run early without error. The returned error is non-nil
// only for setup failures (a source that cannot be read) or cancellation.
func (d *Driver) Run(ctx context.Context, stages []Stage) ([]Report, error) {
	if d.janitor != nil {
		if _, err := d.janitor.Run(ctx); err != nil {
			d.log.Warn("pipeline: cleanup failed", zap.Error(err))
		}
	}

	var reports []Report
	for _, st := range stages {
		rep, err := d.RunStage(ctx, st)
		if errors.Is(err, ErrNoItems) {
			d.log.Warn("pipeline: no items to process, ending run", zap.String("stage", st.Name))
			reports = append(reports, rep)
			return reports, nil
		}
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// RunStage runs a single stage.
func (d *Driver) RunStage(ctx context.Context, st Stage) (Report, error) {
	start := time.Now()
	rep := Report{Stage: st.Name, Model: st.Model}
	log := d.log.With(zap.String("stage", st.Name), zap.String("model", st.Model))

	items, err := st.Source.Fetch(ctx)
	if err != nil {
		return rep, eris.Wrapf(err, "pipeline: fetch stage %s", st.Name)
	}
	rep.Fetched = len(items)
	if st.Cleaner != nil {
		items = st.Cleaner.Clean(items)
	}
	rep.Items = len(items)
	if len(items) == 0 {
		rep.Duration = time.Since(start)
		return rep, ErrNoItems
	}

	estimate := d.est.Estimate(st.Model, items)
	rep.EstimatedUSD = estimate
	if !d.gate.CanProcess(estimate) {
		rep.BudgetSkipped = true
		metrics.BudgetRejections.WithLabelValues(st.Name, "stage").Inc()
		log.Error("pipeline: budget exceeded, skipping stage",
			zap.Float64("estimate_usd", estimate),
			zap.Int("items", len(items)),
		)
		rep.Duration = time.Since(start)
		return rep, nil
	}

	limit := d.cfg.TokenLimit
	if st.TokenLimit > 0 {
		limit = st.TokenLimit
	}
	batches := splitter.Split(items, limit)
	rep.SubBatches = len(batches)
	log.Info("pipeline: stage starting",
		zap.Int("items", len(items)),
		zap.Int("sub_batches", len(batches)),
		zap.Float64("estimate_usd", estimate),
	)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, batch := range batches {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := d.processBatch(gCtx, st, i, batch, log)
			mu.Lock()
			rep.add(out)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	rep.Duration = time.Since(start)
	log.Info("pipeline: stage finished",
		zap.Int("completed", rep.Completed),
		zap.Int("deferred", rep.Deferred),
		zap.Int("budget_rejected", rep.BudgetRejected),
		zap.Int("records", rep.Records),
		zap.Int64("parse_errors", rep.ParseErrors),
		zap.Float64("cost_usd", rep.CostUSD),
	)
	if err != nil {
		return rep, eris.Wrapf(err, "pipeline: stage %s", st.Name)
	}
	return rep, nil
}

// batchOutcome is one sub-batch's contribution to a Report.
type batchOutcome struct {
	completed      bool
	deferred       int
	budgetRejected bool
	failed         bool
	costUSD        float64
	records        int
	parseErrors    int64
}

// processBatch admits, submits, downloads, and ingests one sub-batch. It
// returns an error only when ctx is done; every other failure is logged
// and reflected in the outcome.
func (d *Driver) processBatch(ctx context.Context, st Stage, idx int, batch model.SubBatch, log *zap.Logger) (batchOutcome, error) {
	var out batchOutcome
	log = log.With(zap.Int("sub_batch", idx), zap.Int("items", len(batch)))

	estimate := d.est.Estimate(st.Model, batch)
	if err := d.gate.Reserve(ctx, estimate); err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.budgetRejected = errors.Is(err, cost.ErrBudgetExceeded)
		out.failed = !out.budgetRejected
		metrics.BudgetRejections.WithLabelValues(st.Name, "sub_batch").Inc()
		log.Error("pipeline: sub-batch not admitted", zap.Float64("estimate_usd", estimate), zap.Error(err))
		return out, nil
	}
	out.costUSD = estimate
	metrics.SpendUSD.WithLabelValues(st.Name).Add(estimate)

	res, err := d.sub.SubmitWithRetry(ctx, batch, st.Model, st.Name)
	if err != nil {
		if ctx.Err() != nil {
			out.deferred = len(batch)
			return out, err
		}
		out.failed = true
		log.Error("pipeline: sub-batch lost", zap.Error(err))
		return out, nil
	}
	if res.Deferred {
		out.deferred = len(batch)
		return out, nil
	}
	out.completed = true

	dest := filepath.Join(d.cfg.WorkDir, fmt.Sprintf("%s_result_%s.jsonl", st.Name, uuid.NewString()))
	if err := d.dl.Download(ctx, res.JobID, dest); err != nil {
		out.failed = true
		log.Error("pipeline: download failed", zap.String("job_id", res.JobID), zap.Error(err))
		return out, nil
	}

	parser := &ingest.Parser{
		RequiredKeys: st.RequiredKeys,
		Log:          log,
		OnError: func(*ingest.ParseError) {
			metrics.ParseErrors.WithLabelValues(st.Name).Inc()
		},
	}
	n, err := st.Sink.Consume(ctx, st.Name, parser.Parse(dest))
	out.records = n
	out.parseErrors = parser.Errors()
	metrics.Records.WithLabelValues(st.Name).Add(float64(n))
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.failed = true
		log.Error("pipeline: sink failed", zap.String("job_id", res.JobID), zap.Error(err))
		return out, nil
	}
	log.Info("pipeline: sub-batch ingested",
		zap.String("job_id", res.JobID),
		zap.Int("records", n),
		zap.Int64("parse_errors", out.parseErrors),
	)
	return out, nil
}

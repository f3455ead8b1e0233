package main

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/batchsvc"
	"github.com/sells-group/batch-cli/internal/collab"
	"github.com/sells-group/batch-cli/internal/config"
	"github.com/sells-group/batch-cli/internal/cost"
	"github.com/sells-group/batch-cli/internal/deferred"
	"github.com/sells-group/batch-cli/internal/pipeline"
	"github.com/sells-group/batch-cli/internal/resilience"
	"github.com/sells-group/batch-cli/internal/retention"
	"github.com/sells-group/batch-cli/internal/store"
	"github.com/sells-group/batch-cli/internal/submit"
	anthropicpkg "github.com/sells-group/batch-cli/pkg/anthropic"
)

// engineEnv holds the store, ledger, and deferral store shared by the
// commands. Callers should defer env.Close().
type engineEnv struct {
	Store    store.Store
	Ledger   *cost.Ledger
	Deferred *deferred.Durable

	closers []func() error
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// initEngine opens the store, loads the ledger for the current period, and
// builds the deferral store.
func initEngine(ctx context.Context, c *config.Config) (*engineEnv, error) {
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st, closers: []func() error{st.Close}}

	env.Ledger = cost.NewLedger(st, c.Budget.Period)
	if err := env.Ledger.Initialize(ctx, c.Budget.LimitUSD, ""); err != nil {
		env.Close()
		return nil, err
	}

	env.Deferred, err = initDeferred(c.Deferred, st, env)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// initDeferred selects the deferral backend. Every backend other than
// "file" falls back to the file store when it cannot be written.
func initDeferred(dc config.DeferredConfig, st store.Store, env *engineEnv) (*deferred.Durable, error) {
	files := deferred.NewFileStore(dc.Dir, zap.L())

	switch dc.Backend {
	case "", "file":
		return deferred.NewDurable(files), nil
	case "store":
		return deferred.NewDurable(deferred.NewRecordStore(st), deferred.WithFallback(files)), nil
	case "amqp":
		q, err := deferred.DialAMQP(dc.AMQPURL, dc.AMQPQueue)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, q.Close)
		return deferred.NewDurable(q, deferred.WithFallback(files)), nil
	default:
		return nil, eris.Errorf("unsupported deferred backend: %s", dc.Backend)
	}
}

// newBatchService builds the Anthropic-backed service behind a rate limiter
// and circuit breaker.
func newBatchService(c *config.Config) batchsvc.Service {
	var opts []option.RequestOption
	if c.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(c.Anthropic.Key, opts...)
	svc := batchsvc.NewAnthropicService(client, c.Anthropic.DefaultModel, zap.L())

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "anthropic-batches",
		FailureThreshold: c.Anthropic.BreakerThreshold,
		ResetTimeout:     c.Anthropic.BreakerReset,
	})
	return batchsvc.NewGuarded(svc, batchsvc.NewLimiter(c.Anthropic.MaxRequestsPerSecond), breaker)
}

// submitConfig maps the submit section onto the submitter's policy.
func submitConfig(c *config.Config) submit.Config {
	return submit.Config{
		MaxRetries: c.Submit.MaxRetries,
		Backoff: resilience.Backoff{
			Initial: c.Submit.InitialDelay,
			Max:     c.Submit.MaxDelay,
		},
		PollInterval:    c.Submit.PollInterval,
		StallTimeout:    c.Submit.StallTimeout,
		MaxPollDuration: c.Submit.MaxPollDuration,
		WorkDir:         c.Pipeline.WorkDir,
	}
}

// buildDriver wires the submitter, downloader, ledger, and calculator into
// a pipeline driver.
func buildDriver(c *config.Config, env *engineEnv, svc batchsvc.Service) *pipeline.Driver {
	sub := submit.New(svc, env.Deferred, submitConfig(c))
	calc := cost.NewCalculator(c.Pricing.Rates(), c.Split.OutputTokensPerItem)
	janitor := &retention.Cleaner{
		Dir:  c.Pipeline.WorkDir,
		Days: c.Retention.BatchResponseDays,
	}
	return pipeline.New(sub, svc, env.Ledger, calc, pipeline.Config{
		Concurrency: c.Pipeline.Concurrency,
		WorkDir:     c.Pipeline.WorkDir,
		TokenLimit:  c.Split.TokenLimit,
	}, pipeline.WithJanitor(janitor))
}

// buildStages converts configured stages, keeping those named in only (all
// when only is empty) in configuration order.
func buildStages(c *config.Config, saver collab.ResultSaver, only []string) ([]pipeline.Stage, error) {
	want := make(map[string]bool, len(only))
	for _, name := range only {
		if _, ok := c.Stage(name); !ok {
			return nil, eris.Errorf("unknown stage %q", name)
		}
		want[name] = true
	}

	var stages []pipeline.Stage
	for _, sc := range c.Pipeline.Stages {
		if len(want) > 0 && !want[sc.Name] {
			continue
		}
		modelName := sc.Model
		if modelName == "" {
			modelName = c.Anthropic.DefaultModel
		}

		var sink pipeline.Sink
		switch sc.Sink {
		case "store":
			sink = collab.NewStoreSink(saver, 0)
		default:
			sink = &collab.JSONLSink{Path: sc.Output}
		}

		st := pipeline.Stage{
			Name:         sc.Name,
			Model:        modelName,
			Source:       stageSource(c, sc),
			Sink:         sink,
			RequiredKeys: sc.RequiredKeys,
			TokenLimit:   sc.TokenLimit,
		}
		if len(sc.RequiredFields) > 0 {
			st.Cleaner = &collab.Validator{RequiredFields: sc.RequiredFields}
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// stageSource reads sc.Input, narrowed by the upstream stage's scored
// results when sc.From is set.
func stageSource(c *config.Config, sc config.StageConfig) pipeline.Source {
	items := &collab.JSONLSource{
		Path:          sc.Input,
		DefaultTokens: c.Split.DefaultItemTokens,
	}
	if sc.From == "" {
		return items
	}
	up, _ := c.Stage(sc.From)
	scores := make([]collab.Score, len(sc.Scores))
	for i, w := range sc.Scores {
		scores[i] = collab.Score{Field: w.Field, Weight: w.Weight}
	}
	return &collab.ChainSource{
		Results:   up.Output,
		Stage:     up.Name,
		Scores:    scores,
		Threshold: sc.Threshold,
		Items:     items,
	}
}

// ensureDirs creates the working and deferral directories.
func ensureDirs(c *config.Config) error {
	for _, dir := range []string{c.Pipeline.WorkDir, c.Deferred.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "create dir %s", dir)
		}
	}
	return nil
}

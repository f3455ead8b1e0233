package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/batch-cli/internal/cost"
	"github.com/sells-group/batch-cli/internal/schedule"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Budget    BudgetConfig    `yaml:"budget" mapstructure:"budget"`
	Submit    SubmitConfig    `yaml:"submit" mapstructure:"submit"`
	Split     SplitConfig     `yaml:"split" mapstructure:"split"`
	Deferred  DeferredConfig  `yaml:"deferred" mapstructure:"deferred"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. For sqlite, DatabaseURL is
// the file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Message Batches API settings.
type AnthropicConfig struct {
	Key                  string        `yaml:"key" mapstructure:"key"`
	BaseURL              string        `yaml:"base_url" mapstructure:"base_url"`
	DefaultModel         string        `yaml:"default_model" mapstructure:"default_model"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second"`
	BreakerThreshold     int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset         time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// BudgetConfig configures the cost ledger.
type BudgetConfig struct {
	LimitUSD float64 `yaml:"limit_usd" mapstructure:"limit_usd"`
	Period   string  `yaml:"period" mapstructure:"period"`
}

// SubmitConfig configures retry and polling of batch jobs.
type SubmitConfig struct {
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialDelay    time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	StallTimeout    time.Duration `yaml:"stall_timeout" mapstructure:"stall_timeout"`
	MaxPollDuration time.Duration `yaml:"max_poll_duration" mapstructure:"max_poll_duration"`
}

// SplitConfig configures sub-batch sizing and token estimates.
type SplitConfig struct {
	TokenLimit          int `yaml:"token_limit" mapstructure:"token_limit"`
	DefaultItemTokens   int `yaml:"default_item_tokens" mapstructure:"default_item_tokens"`
	OutputTokensPerItem int `yaml:"output_tokens_per_item" mapstructure:"output_tokens_per_item"`
}

// DeferredConfig selects where exhausted sub-batches are written.
type DeferredConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"`
	Dir       string `yaml:"dir" mapstructure:"dir"`
	AMQPURL   string `yaml:"amqp_url" mapstructure:"amqp_url"`
	AMQPQueue string `yaml:"amqp_queue" mapstructure:"amqp_queue"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	WorkDir     string        `yaml:"work_dir" mapstructure:"work_dir"`
	Stages      []StageConfig `yaml:"stages" mapstructure:"stages"`
}

// StageConfig describes one pipeline stage.
type StageConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	// Model defaults to anthropic.default_model.
	Model string `yaml:"model" mapstructure:"model"`
	// Input is a JSONL file of work items.
	Input string `yaml:"input" mapstructure:"input"`
	// Sink is "jsonl" (write to Output) or "store".
	Sink   string `yaml:"sink" mapstructure:"sink"`
	Output string `yaml:"output" mapstructure:"output"`
	// RequiredFields must be non-empty payload strings after sanitizing.
	RequiredFields []string `yaml:"required_fields" mapstructure:"required_fields"`
	// RequiredKeys must be present in each parsed result.
	RequiredKeys []string `yaml:"required_keys" mapstructure:"required_keys"`
	// TokenLimit overrides split.token_limit when > 0.
	TokenLimit int `yaml:"token_limit" mapstructure:"token_limit"`
	// From names an earlier jsonl stage. Only Input items whose weighted
	// Scores in that stage's output reach Threshold are processed.
	From      string        `yaml:"from" mapstructure:"from"`
	Scores    []ScoreWeight `yaml:"scores" mapstructure:"scores"`
	Threshold float64       `yaml:"threshold" mapstructure:"threshold"`
}

// ScoreWeight weights one numeric field (a gjson path) of an upstream result.
type ScoreWeight struct {
	Field  string  `yaml:"field" mapstructure:"field"`
	Weight float64 `yaml:"weight" mapstructure:"weight"`
}

// RetentionConfig configures cleanup of downloaded result files.
type RetentionConfig struct {
	BatchResponseDays int `yaml:"batch_response_days" mapstructure:"batch_response_days"`
}

// PricingConfig holds per-model token rates. Models is a list so model
// names containing dots survive key parsing.
type PricingConfig struct {
	Models   []ModelPricing `yaml:"models" mapstructure:"models"`
	Fallback cost.ModelRate `yaml:"fallback" mapstructure:"fallback"`
}

// ModelPricing holds token pricing for one model (USD per million tokens).
type ModelPricing struct {
	Name          string  `yaml:"name" mapstructure:"name"`
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MetricsConfig configures the metrics listener used during `run`. Empty
// Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// ScheduleConfig configures the daily run of the `schedule` command.
type ScheduleConfig struct {
	// At is the "HH:MM" time of day in Timezone.
	At         string `yaml:"at" mapstructure:"at"`
	Timezone   string `yaml:"timezone" mapstructure:"timezone"`
	RunOnStart bool   `yaml:"run_on_start" mapstructure:"run_on_start"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Rates converts the pricing section into calculator rates. The built-in
// table is used when no models are configured.
func (p PricingConfig) Rates() cost.Rates {
	rates := cost.DefaultRates()
	if len(p.Models) > 0 {
		rates.Models = make(map[string]cost.ModelRate, len(p.Models))
		for _, m := range p.Models {
			rates.Models[m.Name] = cost.ModelRate{Input: m.Input, Output: m.Output, BatchDiscount: m.BatchDiscount}
		}
	}
	if p.Fallback.Input > 0 || p.Fallback.Output > 0 {
		rates.Fallback = p.Fallback
	}
	return rates
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/batch.db")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.default_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_requests_per_second", 5)
	v.SetDefault("anthropic.breaker_threshold", 5)
	v.SetDefault("anthropic.breaker_reset", "30s")
	v.SetDefault("budget.limit_usd", 50.0)
	v.SetDefault("budget.period", cost.PeriodMonth)
	v.SetDefault("submit.max_retries", 20)
	v.SetDefault("submit.initial_delay", "10s")
	v.SetDefault("submit.max_delay", "1h")
	v.SetDefault("submit.poll_interval", "60s")
	v.SetDefault("submit.stall_timeout", "3h")
	v.SetDefault("submit.max_poll_duration", "0s")
	v.SetDefault("split.token_limit", 200000)
	v.SetDefault("split.default_item_tokens", 300)
	v.SetDefault("split.output_tokens_per_item", cost.DefaultOutputTokensPerItem)
	v.SetDefault("deferred.backend", "file")
	v.SetDefault("deferred.dir", "data/deferred")
	v.SetDefault("deferred.amqp_url", "")
	v.SetDefault("deferred.amqp_queue", "batch.deferred")
	v.SetDefault("pipeline.concurrency", 1)
	v.SetDefault("pipeline.work_dir", "data/batch_responses")
	v.SetDefault("retention.batch_response_days", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("metrics.addr", "")
	v.SetDefault("schedule.at", schedule.DefaultAt)
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings needed by mode: "run", "schedule", "serve",
// or "inspect" (ledger, deferred, cleanup). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "run", "schedule":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Anthropic.DefaultModel == "" {
			errs = append(errs, "anthropic.default_model is required")
		}
		if c.Budget.LimitUSD <= 0 {
			errs = append(errs, "budget.limit_usd must be > 0")
		}
		if c.Budget.Period != cost.PeriodDay && c.Budget.Period != cost.PeriodMonth {
			errs = append(errs, "budget.period must be day or month")
		}
		if c.Submit.MaxRetries <= 0 {
			errs = append(errs, "submit.max_retries must be > 0")
		}
		if c.Submit.InitialDelay <= 0 || c.Submit.MaxDelay < c.Submit.InitialDelay {
			errs = append(errs, "submit delays must satisfy 0 < initial_delay <= max_delay")
		}
		if c.Submit.PollInterval <= 0 {
			errs = append(errs, "submit.poll_interval must be > 0")
		}
		if c.Split.TokenLimit <= 0 {
			errs = append(errs, "split.token_limit must be > 0")
		}
		if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 32 {
			errs = append(errs, "pipeline.concurrency must be between 1 and 32")
		}
		if c.Pipeline.WorkDir == "" {
			errs = append(errs, "pipeline.work_dir is required")
		}
		errs = append(errs, c.validateDeferred()...)
		errs = append(errs, c.validateStages()...)
		if mode == "schedule" {
			if _, err := schedule.New(c.Schedule.At, c.Schedule.Timezone); err != nil {
				errs = append(errs, "schedule: "+err.Error())
			}
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "inspect":
		errs = append(errs, c.validateDeferred()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateDeferred() []string {
	var errs []string
	switch c.Deferred.Backend {
	case "file":
		if c.Deferred.Dir == "" {
			errs = append(errs, "deferred.dir is required")
		}
	case "store":
	case "amqp":
		if c.Deferred.AMQPURL == "" {
			errs = append(errs, "deferred.amqp_url is required for the amqp backend")
		}
	default:
		errs = append(errs, "deferred.backend must be file, store, or amqp")
	}
	return errs
}

func (c *Config) validateStages() []string {
	if len(c.Pipeline.Stages) == 0 {
		return []string{"pipeline.stages must not be empty"}
	}
	var errs []string
	var seen []string
	for i, s := range c.Pipeline.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("pipeline.stages[%d].name is required", i))
			continue
		}
		if slices.Contains(seen, s.Name) {
			errs = append(errs, "duplicate stage "+s.Name)
		}
		seen = append(seen, s.Name)
		if s.Input == "" {
			errs = append(errs, "stage "+s.Name+": input is required")
		}
		switch s.Sink {
		case "", "jsonl":
			if s.Output == "" {
				errs = append(errs, "stage "+s.Name+": output is required for the jsonl sink")
			}
		case "store":
		default:
			errs = append(errs, "stage "+s.Name+": sink must be jsonl or store")
		}
		if s.From != "" {
			errs = append(errs, c.validateChain(s, seen[:len(seen)-1])...)
		}
	}
	return errs
}

// validateChain checks that s reads from an earlier stage's jsonl output.
func (c *Config) validateChain(s StageConfig, earlier []string) []string {
	var errs []string
	if !slices.Contains(earlier, s.From) {
		return []string{"stage " + s.Name + ": from must name an earlier stage"}
	}
	if up, _ := c.Stage(s.From); up.Sink == "store" {
		errs = append(errs, "stage "+s.Name+": from stage "+s.From+" must use the jsonl sink")
	}
	if len(s.Scores) == 0 {
		errs = append(errs, "stage "+s.Name+": scores are required with from")
	}
	for _, sc := range s.Scores {
		if sc.Field == "" {
			errs = append(errs, "stage "+s.Name+": score field is required")
		}
	}
	return errs
}

// Stage returns the named stage.
func (c *Config) Stage(name string) (StageConfig, bool) {
	for _, s := range c.Pipeline.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Anthropic.Key = mask(c.Anthropic.Key)
	if c.Store.Driver == "postgres" {
		c.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	}
	c.Deferred.AMQPURL = mask(c.Deferred.AMQPURL)
	return c
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

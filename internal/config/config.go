// Package config loads and validates harvest configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
	// Schedules are usually pinned to a named zone; distroless images ship no zoneinfo.
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/JakeFAU/harvest/internal/extract"
	"github.com/JakeFAU/harvest/internal/orchestrator"
	"github.com/JakeFAU/harvest/internal/pipeline"
	"github.com/JakeFAU/harvest/internal/status"
)

// DefaultUserAgent looks like a desktop browser; several public-sector sites
// reject obvious bots.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Auth      AuthConfig            `mapstructure:"auth"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler"`
	Fetch     FetchConfig           `mapstructure:"fetch"`
	Headless  HeadlessConfig        `mapstructure:"headless"`
	Storage   StorageConfig         `mapstructure:"storage"`
	Archive   ArchiveConfig         `mapstructure:"archive"`
	PubSub    PubSubConfig          `mapstructure:"pubsub"`
	Notify    NotifyConfig          `mapstructure:"notify"`
	Targets   []TargetConfig        `mapstructure:"targets"`
	Rules     map[string]RuleConfig `mapstructure:"rules"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig governs when and how many runs execute.
type SchedulerConfig struct {
	Schedule       string        `mapstructure:"schedule"`
	RunOnStart     bool          `mapstructure:"run_on_start"`
	Timezone       string        `mapstructure:"timezone"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	NotifyTimeout  time.Duration `mapstructure:"notify_timeout"`
}

// FetchConfig configures the simple HTTP fetch path and retries.
type FetchConfig struct {
	UserAgent      string          `mapstructure:"user_agent"`
	AcceptLanguage string          `mapstructure:"accept_language"`
	Timeout        time.Duration   `mapstructure:"timeout"`
	RespectRobots  bool            `mapstructure:"respect_robots"`
	Retry          RetryConfig     `mapstructure:"retry"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RetryConfig is the backoff policy applied to every fetch.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      bool          `mapstructure:"jitter"`
}

// RateLimitConfig throttles requests per host.
type RateLimitConfig struct {
	RPS     float64         `mapstructure:"rps"`
	Burst   int             `mapstructure:"burst"`
	PerHost []HostRateLimit `mapstructure:"per_host"`
}

// HostRateLimit overrides the rate for one host. Hosts are a list rather than
// map keys because Viper splits keys on dots.
type HostRateLimit struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HeadlessConfig configures the browser fetch path.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WaitSelector      string        `mapstructure:"wait_selector"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ExecPath          string        `mapstructure:"exec_path"`
	// PromoteMinText is the visible text, in runes, below which an auto
	// target's script-heavy page is refetched in the browser.
	PromoteMinText int `mapstructure:"promote_min_text"`
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// StorageConfig selects the record store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	RecordsTable    string        `mapstructure:"records_table"`
	ReportsTable    string        `mapstructure:"reports_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Archive drivers.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// ArchiveConfig selects where raw pages are kept.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the topic run reports are published to.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Notify drivers.
const (
	NotifyNone  = "none"
	NotifyLog   = "log"
	NotifyEmail = "email"
)

// NotifyConfig selects how new records are announced.
type NotifyConfig struct {
	Driver string      `mapstructure:"driver"`
	Email  EmailConfig `mapstructure:"email"`
	// SkipExpired leaves records whose closing date has passed out of
	// notifications.
	SkipExpired bool `mapstructure:"skip_expired"`
}

// EmailConfig holds SendGrid settings.
type EmailConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	From          string        `mapstructure:"from"`
	FromName      string        `mapstructure:"from_name"`
	To            []string      `mapstructure:"to"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Host          string        `mapstructure:"host"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// TargetConfig is one scrape source.
type TargetConfig struct {
	ID            string            `mapstructure:"id"`
	Name          string            `mapstructure:"name"`
	URL           string            `mapstructure:"url"`
	Strategy      string            `mapstructure:"strategy"`
	Rule          string            `mapstructure:"rule"`
	Disabled      bool              `mapstructure:"disabled"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Schedule      string            `mapstructure:"schedule"`
	Headers       map[string]string `mapstructure:"headers"`
}

// RuleConfig is the configuration form of extract.Rule.
type RuleConfig struct {
	Item     string        `mapstructure:"item"`
	Identity []string      `mapstructure:"identity"`
	Fields   []FieldConfig `mapstructure:"fields"`
	Status   StatusConfig  `mapstructure:"status"`
}

// StatusConfig names the date fields a record's status is computed from.
type StatusConfig struct {
	OpeningField string        `mapstructure:"opening_field"`
	ClosingField string        `mapstructure:"closing_field"`
	ClosingSoon  time.Duration `mapstructure:"closing_soon"`
}

// FieldConfig is the configuration form of extract.FieldRule.
type FieldConfig struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
	Attr     string `mapstructure:"attr"`
	Type     string `mapstructure:"type"`
	Required bool   `mapstructure:"required"`
	MaxLen   int    `mapstructure:"max_len"`
	Default  string `mapstructure:"default"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("scheduler.schedule", "0 2 * * *")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.persist_timeout", "2m")
	v.SetDefault("scheduler.notify_timeout", "1m")
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.accept_language", "it-IT,it;q=0.9,en;q=0.8")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.retry.max_attempts", 3)
	v.SetDefault("fetch.retry.base_delay", "1s")
	v.SetDefault("fetch.retry.multiplier", 2.0)
	v.SetDefault("fetch.retry.max_delay", "30s")
	v.SetDefault("fetch.retry.jitter", false)
	v.SetDefault("fetch.rate_limit.rps", 1.0)
	v.SetDefault("fetch.rate_limit.burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.settle_delay", "2s")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.promote_min_text", 200)
	v.SetDefault("storage.driver", StoragePostgres)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.records_table", "records")
	v.SetDefault("storage.reports_table", "run_reports")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.max_conn_lifetime", "1h")
	v.SetDefault("archive.driver", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/raw")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "harvest-runs")
	v.SetDefault("notify.driver", NotifyLog)
	v.SetDefault("notify.skip_expired", false)
	v.SetDefault("notify.email.api_key", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.from_name", "harvest")
	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.email.subject_prefix", "[harvest]")
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.timeout", "30s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent must be > 0"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := orchestrator.ParseSchedule(c.Scheduler.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.schedule: %w", err))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be > 0"))
	}
	if c.Fetch.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("fetch.retry.max_attempts must be > 0"))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("headless.max_parallel must be > 0 when headless is enabled"))
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	switch c.Archive.Driver {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, errors.New("archive.base_dir must be set for the local driver"))
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket must be set for the gcs driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver))
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic must be set when pubsub is enabled"))
	}
	switch c.Notify.Driver {
	case NotifyNone, NotifyLog:
	case NotifyEmail:
		if c.Notify.Email.APIKey == "" || c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0 {
			errs = append(errs, errors.New("notify.email needs api_key, from and at least one recipient"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.driver %q is not supported", c.Notify.Driver))
	}

	if _, err := c.CompileRules(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.validateStatus()...)
	errs = append(errs, c.validateTargets()...)
	return errors.Join(errs...)
}

func (c Config) validateStatus() []error {
	var errs []error
	for name, rc := range c.Rules {
		for _, field := range []string{rc.Status.OpeningField, rc.Status.ClosingField} {
			if field == "" {
				continue
			}
			idx := slices.IndexFunc(rc.Fields, func(f FieldConfig) bool { return f.Name == field })
			if idx < 0 {
				errs = append(errs, fmt.Errorf("rule %q: status field %q is not a rule field", name, field))
				continue
			}
			if extract.FieldType(rc.Fields[idx].Type) != extract.TypeDate {
				errs = append(errs, fmt.Errorf("rule %q: status field %q must have type date", name, field))
			}
		}
		if rc.Status.ClosingSoon < 0 {
			errs = append(errs, fmt.Errorf("rule %q: status.closing_soon must be >= 0", name))
		}
	}
	return errs
}

// StatusPolicies maps every target to the status policy of its rule.
func (c Config) StatusPolicies() status.Policies {
	out := make(status.Policies, len(c.Targets))
	for _, t := range c.Targets {
		rc, ok := c.Rules[ruleKey(t.Rule)]
		if !ok {
			continue
		}
		p := status.Policy{
			OpeningField: rc.Status.OpeningField,
			ClosingField: rc.Status.ClosingField,
			ClosingSoon:  rc.Status.ClosingSoon,
		}
		if p.Enabled() {
			out[t.ID] = p
		}
	}
	return out
}

func (c Config) validateTargets() []error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: id is required", i))
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = struct{}{}
		if err := c.toTarget(t).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("target %q: %w", t.ID, err))
		}
		if _, ok := c.Rules[ruleKey(t.Rule)]; !ok {
			errs = append(errs, fmt.Errorf("target %q: unknown rule %q", t.ID, t.Rule))
		}
		if t.Schedule != "" {
			if _, err := orchestrator.ParseSchedule(t.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("target %q: %w", t.ID, err))
			}
		}
		if t.Strategy == string(pipeline.StrategyBrowser) && !c.Headless.Enabled && !t.Disabled {
			errs = append(errs, fmt.Errorf("target %q: browser strategy requires headless.enabled", t.ID))
		}
	}
	return errs
}

// Location resolves scheduler.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// CompileRules turns the configured rules into compiled extractors.
func (c Config) CompileRules() (map[string]*extract.Compiled, error) {
	rules := make(map[string]extract.Rule, len(c.Rules))
	for name, rc := range c.Rules {
		fields := make([]extract.FieldRule, 0, len(rc.Fields))
		for _, f := range rc.Fields {
			fields = append(fields, extract.FieldRule{
				Name:     f.Name,
				Selector: f.Selector,
				Attr:     f.Attr,
				Type:     extract.FieldType(f.Type),
				Required: f.Required,
				MaxLen:   f.MaxLen,
				Default:  f.Default,
			})
		}
		rules[name] = extract.Rule{Item: rc.Item, Identity: rc.Identity, Fields: fields}
	}
	compiled, err := extract.CompileAll(rules)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return compiled, nil
}

// PipelineTargets converts the configured targets.
func (c Config) PipelineTargets() []pipeline.Target {
	out := make([]pipeline.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, c.toTarget(t))
	}
	return out
}

func (c Config) toTarget(t TargetConfig) pipeline.Target {
	strategy := pipeline.Strategy(t.Strategy)
	if strategy == "" {
		strategy = pipeline.StrategySimple
	}
	name := t.Name
	if name == "" {
		name = t.ID
	}
	var headers http.Header
	if len(t.Headers) > 0 {
		headers = make(http.Header, len(t.Headers))
		for k, v := range t.Headers {
			headers.Set(k, v)
		}
	}
	return pipeline.Target{
		ID:            t.ID,
		Name:          name,
		URL:           t.URL,
		Strategy:      strategy,
		Rule:          ruleKey(t.Rule),
		Disabled:      t.Disabled,
		RespectRobots: t.RespectRobots || c.Fetch.RespectRobots,
		Headers:       headers,
		Schedule:      t.Schedule,
	}
}

// ruleKey matches Viper, which lower-cases map keys.
func ruleKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

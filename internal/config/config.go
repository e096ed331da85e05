package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Commands and tests depend on it rather than on *Config.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Crawl() CrawlConfig
	Equivalence() EquivalenceConfig
	Output() OutputConfig

	// Setters for the values taken from command arguments.
	SetCrawlSeedURL(string)
	SetOutputSnapshot(string)
}

// Config holds the entire application configuration. The fields are exported
// so viper can decode into them; code reads them through the Interface getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	CrawlCfg       CrawlConfig       `mapstructure:"crawl" yaml:"crawl"`
	EquivalenceCfg EquivalenceConfig `mapstructure:"equivalence" yaml:"equivalence"`
	OutputCfg      OutputConfig      `mapstructure:"output" yaml:"output"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Crawl() CrawlConfig             { return c.CrawlCfg }
func (c *Config) Equivalence() EquivalenceConfig { return c.EquivalenceCfg }
func (c *Config) Output() OutputConfig           { return c.OutputCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetCrawlSeedURL(u string)      { c.CrawlCfg.SeedURL = u }
func (c *Config) SetOutputSnapshot(path string) { c.OutputCfg.Snapshot = path }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the headless browser instances, one per worker.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	// MaxRestarts is how many times a worker may replace a failed browser
	// in a row before it gives up.
	MaxRestarts int `mapstructure:"max_restarts" yaml:"max_restarts"`
}

// RuleConfig is one include or exclude crawl rule.
type RuleConfig struct {
	Tag        string            `mapstructure:"tag" yaml:"tag"`
	Attributes map[string]string `mapstructure:"attributes" yaml:"attributes"`
	UnderXPath string            `mapstructure:"under_xpath" yaml:"under_xpath"`
}

// CrawlConfig drives the scheduler and the candidate extractor.
type CrawlConfig struct {
	SeedURL           string        `mapstructure:"seed_url" yaml:"seed_url"`
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	MaxStates         int           `mapstructure:"max_states" yaml:"max_states"`
	MaxDepth          int           `mapstructure:"max_depth" yaml:"max_depth"`
	MaxRuntime        time.Duration `mapstructure:"max_runtime" yaml:"max_runtime"`
	ClickOnce         bool          `mapstructure:"click_once" yaml:"click_once"`
	VerifyReplay      bool          `mapstructure:"verify_replay" yaml:"verify_replay"`
	FailOnPluginError bool          `mapstructure:"fail_on_plugin_error" yaml:"fail_on_plugin_error"`
	WaitAfterEvent    time.Duration `mapstructure:"wait_after_event" yaml:"wait_after_event"`
	WaitAfterReload   time.Duration `mapstructure:"wait_after_reload" yaml:"wait_after_reload"`
	EventsPerSecond   float64       `mapstructure:"events_per_second" yaml:"events_per_second"`
	EventKinds        []string      `mapstructure:"event_kinds" yaml:"event_kinds"`
	AllowedHosts      []string      `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
	Include           []RuleConfig  `mapstructure:"include" yaml:"include"`
	Exclude           []RuleConfig  `mapstructure:"exclude" yaml:"exclude"`
}

// FingerprintConfig tunes the fingerprint strategy.
type FingerprintConfig struct {
	Bits        int     `mapstructure:"bits" yaml:"bits"`
	Threshold   float64 `mapstructure:"threshold" yaml:"threshold"`
	MinFeatures int     `mapstructure:"min_features" yaml:"min_features"`
}

// NormalizerConfig describes one step of the normalizer chain. Which fields
// matter depends on Type.
type NormalizerConfig struct {
	Type        string   `mapstructure:"type" yaml:"type"`
	Attributes  []string `mapstructure:"attributes" yaml:"attributes"`
	Pattern     string   `mapstructure:"pattern" yaml:"pattern"`
	Expressions []string `mapstructure:"expressions" yaml:"expressions"`
}

// EquivalenceConfig selects the state equivalence strategy and its parameters.
type EquivalenceConfig struct {
	Strategy      string             `mapstructure:"strategy" yaml:"strategy"`
	Threshold     float64            `mapstructure:"threshold" yaml:"threshold"`
	TreeThreshold int                `mapstructure:"tree_threshold" yaml:"tree_threshold"`
	Fingerprint   FingerprintConfig  `mapstructure:"fingerprint" yaml:"fingerprint"`
	Normalizers   []NormalizerConfig `mapstructure:"normalizers" yaml:"normalizers"`
}

// OutputConfig lists where a finished crawl is written.
type OutputConfig struct {
	Snapshot string `mapstructure:"snapshot" yaml:"snapshot"`
	GraphML  string `mapstructure:"graphml" yaml:"graphml"`
	Persist  bool   `mapstructure:"persist" yaml:"persist"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "stateflow")
	v.SetDefault("logger.log_file", "stateflow.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.max_restarts", 3)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})

	// -- Crawl --
	v.SetDefault("crawl.workers", 1)
	v.SetDefault("crawl.max_states", 0)
	v.SetDefault("crawl.max_depth", 0)
	v.SetDefault("crawl.max_runtime", "1h")
	v.SetDefault("crawl.click_once", true)
	v.SetDefault("crawl.verify_replay", true)
	v.SetDefault("crawl.fail_on_plugin_error", false)
	v.SetDefault("crawl.wait_after_event", "500ms")
	v.SetDefault("crawl.wait_after_reload", "500ms")
	v.SetDefault("crawl.events_per_second", 0.0)
	v.SetDefault("crawl.event_kinds", []string{"click"})
	v.SetDefault("crawl.include", []map[string]any{{"tag": "a"}, {"tag": "button"}})

	// -- Equivalence --
	v.SetDefault("equivalence.strategy", "oracle")
	v.SetDefault("equivalence.threshold", 0.9)
	v.SetDefault("equivalence.tree_threshold", 2)
	v.SetDefault("equivalence.fingerprint.bits", 64)
	v.SetDefault("equivalence.fingerprint.threshold", 0.9)
	v.SetDefault("equivalence.fingerprint.min_features", 8)

	// -- Output --
	v.SetDefault("output.persist", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries a password; allow it from the environment.
	_ = v.BindEnv("database.url", "STATEFLOW_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// The seed URL is checked separately by CrawlConfig.ValidateSeed because
// only the crawl command needs one.
func (c *Config) Validate() error {
	if err := c.CrawlCfg.Validate(); err != nil {
		return err
	}
	if err := c.EquivalenceCfg.Validate(); err != nil {
		return err
	}
	if c.BrowserCfg.MaxRestarts < 0 {
		return fmt.Errorf("browser.max_restarts must not be negative")
	}
	if c.OutputCfg.Persist && c.DatabaseCfg.URL == "" {
		return fmt.Errorf("database.url is required when output.persist is enabled")
	}
	return nil
}

// Validate checks the crawl limits.
func (c *CrawlConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("crawl.workers must be a positive integer")
	}
	if c.MaxStates < 0 {
		return fmt.Errorf("crawl.max_states must not be negative")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must not be negative")
	}
	if c.MaxRuntime < 0 {
		return fmt.Errorf("crawl.max_runtime must not be negative")
	}
	if c.WaitAfterEvent < 0 || c.WaitAfterReload < 0 {
		return fmt.Errorf("crawl.wait_after_event and crawl.wait_after_reload must not be negative")
	}
	if c.EventsPerSecond < 0 {
		return fmt.Errorf("crawl.events_per_second must not be negative")
	}
	if len(c.EventKinds) == 0 {
		return fmt.Errorf("crawl.event_kinds must list at least one event kind")
	}
	for i, r := range append(append([]RuleConfig{}, c.Include...), c.Exclude...) {
		if r.Tag == "" {
			return fmt.Errorf("crawl rule %d has no tag", i)
		}
	}
	return nil
}

// ValidateSeed checks that the seed URL is present and absolute.
func (c *CrawlConfig) ValidateSeed() error {
	if c.SeedURL == "" {
		return fmt.Errorf("crawl.seed_url is required")
	}
	u, err := url.Parse(c.SeedURL)
	if err != nil {
		return fmt.Errorf("crawl.seed_url is not a valid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("crawl.seed_url must be an absolute URL, got %q", c.SeedURL)
	}
	return nil
}

// Validate checks the numeric parameters. Strategy and normalizer names are
// resolved, and rejected when unknown, by the equivalence package.
func (e *EquivalenceConfig) Validate() error {
	if e.Threshold < 0 || e.Threshold > 1 {
		return fmt.Errorf("equivalence.threshold must be between 0.0 and 1.0")
	}
	if e.TreeThreshold < 0 {
		return fmt.Errorf("equivalence.tree_threshold must not be negative")
	}
	if e.Fingerprint.Bits <= 0 || e.Fingerprint.Bits%64 != 0 {
		return fmt.Errorf("equivalence.fingerprint.bits must be a positive multiple of 64")
	}
	if e.Fingerprint.Threshold < 0 || e.Fingerprint.Threshold > 1 {
		return fmt.Errorf("equivalence.fingerprint.threshold must be between 0.0 and 1.0")
	}
	if e.Fingerprint.MinFeatures < 1 {
		return fmt.Errorf("equivalence.fingerprint.min_features must be a positive integer")
	}
	return nil
}

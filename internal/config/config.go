// Package config holds the typed run configuration and converts it into
// the settings of each component.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/storeharvest/internal/browser"
	"github.com/JakeFAU/storeharvest/internal/captcha"
	"github.com/JakeFAU/storeharvest/internal/extract"
	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/logging"
	"github.com/JakeFAU/storeharvest/internal/orchestrator"
	"github.com/JakeFAU/storeharvest/internal/promo"
	"github.com/JakeFAU/storeharvest/internal/proxy"
	"github.com/JakeFAU/storeharvest/internal/retry"
	pkgconfig "github.com/JakeFAU/storeharvest/pkg/config"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Harvest   HarvestConfig            `mapstructure:"harvest"`
	Retry     RetryConfig              `mapstructure:"retry"`
	Proxy     ProxyConfig              `mapstructure:"proxy"`
	Captcha   CaptchaConfig            `mapstructure:"captcha"`
	Browser   BrowserConfig            `mapstructure:"browser"`
	Extract   extract.Selectors        `mapstructure:"extract"`
	Products  ProductsConfig           `mapstructure:"products"`
	Export    ExportConfig             `mapstructure:"export"`
	Notify    NotifyConfig             `mapstructure:"notify"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Provinces []harvest.ProvinceTarget `mapstructure:"provinces"`
}

// HarvestConfig governs the traversal.
type HarvestConfig struct {
	OutputFile          string        `mapstructure:"output_file"`
	StoresPerProvince   int           `mapstructure:"stores_per_province"`
	ProvinceConcurrency int           `mapstructure:"province_concurrency"`
	DetailConcurrency   int           `mapstructure:"detail_concurrency"`
	MaxListPages        int           `mapstructure:"max_list_pages"`
	ListURLTemplate     string        `mapstructure:"list_url_template"`
	StoreURLTemplate    string        `mapstructure:"store_url_template"`
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	ExhaustionGrace     time.Duration `mapstructure:"exhaustion_grace"`
	DirectIdentities    int           `mapstructure:"direct_identities"`
	RunTimeout          time.Duration `mapstructure:"run_timeout"`
}

// RetryConfig bounds attempts and challenge solves per unit.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	MaxChallengeSolves int           `mapstructure:"max_challenge_solves"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
}

// ProxyConfig lists egress proxies and the health policy.
type ProxyConfig struct {
	List             []string      `mapstructure:"list"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CooldownBase     time.Duration `mapstructure:"cooldown_base"`
	CooldownMax      time.Duration `mapstructure:"cooldown_max"`
}

// CaptchaConfig configures the solving provider.
type CaptchaConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	SolveTimeout time.Duration `mapstructure:"solve_timeout"`
}

// BrowserConfig configures the browser driver.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	PerimeterXWait    time.Duration `mapstructure:"perimeterx_wait"`
	UserAgents        []string      `mapstructure:"user_agents"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// ProductsConfig controls the promoted product lookup run after the
// traversal.
type ProductsConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	SearchURL         string        `mapstructure:"search_url"`
	Queries           []string      `mapstructure:"queries"`
	MaxPages          int           `mapstructure:"max_pages"`
	ItemsPerPage      int           `mapstructure:"items_per_page"`
	Concurrency       int           `mapstructure:"concurrency"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

// ExportConfig controls the optional bucket mirror.
type ExportConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// NotifyConfig controls the run completion message.
type NotifyConfig struct {
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// MetricsConfig exposes Prometheus metrics when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig toggles zap development features and the log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// DefaultProvinces are the ten provinces with their known store counts.
func DefaultProvinces() []harvest.ProvinceTarget {
	return []harvest.ProvinceTarget{
		{Code: "ON", Name: "Ontario", ExpectedStores: 147},
		{Code: "QC", Name: "Quebec", ExpectedStores: 72},
		{Code: "AB", Name: "Alberta", ExpectedStores: 59},
		{Code: "BC", Name: "British Columbia", ExpectedStores: 48},
		{Code: "NS", Name: "Nova Scotia", ExpectedStores: 18},
		{Code: "MB", Name: "Manitoba", ExpectedStores: 16},
		{Code: "SK", Name: "Saskatchewan", ExpectedStores: 14},
		{Code: "NB", Name: "New Brunswick", ExpectedStores: 13},
		{Code: "NL", Name: "Newfoundland and Labrador", ExpectedStores: 11},
		{Code: "PE", Name: "Prince Edward Island", ExpectedStores: 2},
	}
}

// Load unmarshals an initialized viper instance, fills province defaults
// and validates the result.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile builds a fresh viper instance around path and loads it.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	if err := pkgconfig.InitConfig(v, path, nil); err != nil {
		return Config{}, fmt.Errorf("init config: %w", err)
	}
	return Load(v)
}

func (c *Config) normalize() {
	if len(c.Provinces) == 0 {
		c.Provinces = DefaultProvinces()
	}
	for i := range c.Provinces {
		p := &c.Provinces[i]
		p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
		if p.ListURL == "" && c.Harvest.ListURLTemplate != "" {
			p.ListURL = c.Harvest.ListURLTemplate
		}
	}
	proxies := make([]string, 0, len(c.Proxy.List))
	for _, raw := range c.Proxy.List {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				proxies = append(proxies, part)
			}
		}
	}
	c.Proxy.List = proxies
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Harvest.OutputFile) == "" {
		return fmt.Errorf("harvest.output_file must be set")
	}
	if c.Harvest.StoresPerProvince < 0 {
		return fmt.Errorf("harvest.stores_per_province must be >= 0")
	}
	if c.Harvest.ProvinceConcurrency <= 0 || c.Harvest.DetailConcurrency <= 0 {
		return fmt.Errorf("harvest concurrency must be > 0")
	}
	if c.Harvest.RunTimeout < 0 {
		return fmt.Errorf("harvest.run_timeout must be >= 0")
	}
	if c.Harvest.DirectIdentities < 1 && len(c.Proxy.List) == 0 {
		return fmt.Errorf("harvest.direct_identities must be >= 1 when no proxies are configured")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffMax < c.Retry.BackoffBase {
		return fmt.Errorf("retry.backoff_max must be >= retry.backoff_base")
	}
	if c.Proxy.FailureThreshold < 1 {
		return fmt.Errorf("proxy.failure_threshold must be >= 1")
	}
	if c.Proxy.CooldownMax < c.Proxy.CooldownBase {
		return fmt.Errorf("proxy.cooldown_max must be >= proxy.cooldown_base")
	}
	if c.Browser.MinDelay < 0 || c.Browser.MaxDelay < c.Browser.MinDelay {
		return fmt.Errorf("browser delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Products.Enabled {
		if strings.TrimSpace(c.Products.SearchURL) == "" {
			return fmt.Errorf("products.search_url must be set when products.enabled is true")
		}
		if c.Products.MaxPages < 1 || c.Products.ItemsPerPage < 1 || c.Products.Concurrency < 1 {
			return fmt.Errorf("products.max_pages, items_per_page and concurrency must be >= 1")
		}
		if c.Products.RequestsPerSecond < 0 {
			return fmt.Errorf("products.requests_per_second must be >= 0")
		}
	}
	if c.Notify.PubSubTopic != "" && c.Notify.PubSubProject == "" {
		return fmt.Errorf("notify.pubsub_project must be set when notify.pubsub_topic is set")
	}
	seen := make(map[string]struct{}, len(c.Provinces))
	for _, p := range c.Provinces {
		if p.Code == "" || p.Name == "" {
			return fmt.Errorf("province entries need a code and a name: %+v", p)
		}
		if _, dup := seen[p.Code]; dup {
			return fmt.Errorf("province %s listed twice", p.Code)
		}
		seen[p.Code] = struct{}{}
		if p.ListURL == "" && (p.ExpectedStores <= 0 || c.Harvest.StoreURLTemplate == "") {
			return fmt.Errorf("province %s has no list_url and cannot synthesize store urls", p.Code)
		}
	}
	return nil
}

// Pool returns the identity pool policy.
func (c Config) Pool() proxy.Config {
	return proxy.Config{
		FailureThreshold: c.Proxy.FailureThreshold,
		CooldownBase:     c.Proxy.CooldownBase,
		CooldownMax:      c.Proxy.CooldownMax,
	}
}

// RetryPolicy returns the per-unit retry budget.
func (c Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:        c.Retry.MaxAttempts,
		MaxChallengeSolves: c.Retry.MaxChallengeSolves,
		BackoffBase:        c.Retry.BackoffBase,
		BackoffMax:         c.Retry.BackoffMax,
		SolveTimeout:       c.Captcha.SolveTimeout,
	}
}

// Solver returns the CAPTCHA provider settings.
func (c Config) Solver() captcha.Config {
	return captcha.Config{
		APIKey:       c.Captcha.APIKey,
		BaseURL:      c.Captcha.BaseURL,
		PollInterval: c.Captcha.PollInterval,
		HTTPTimeout:  c.Captcha.HTTPTimeout,
	}
}

// BrowserSettings returns the browser driver settings.
func (c Config) BrowserSettings() browser.Config {
	return browser.Config{
		Headless:          c.Browser.Headless,
		NavigationTimeout: c.Browser.NavigationTimeout,
		MinDelay:          c.Browser.MinDelay,
		MaxDelay:          c.Browser.MaxDelay,
		RequestsPerSecond: c.Browser.RequestsPerSecond,
		PerimeterXWait:    c.Browser.PerimeterXWait,
		UserAgents:        c.Browser.UserAgents,
		ExecPath:          c.Browser.ExecPath,
	}
}

// ProductSearch returns the product lookup settings. Requests carry the
// first configured browser user agent.
func (c Config) ProductSearch() promo.Config {
	ua := browser.DefaultUserAgents[0]
	if len(c.Browser.UserAgents) > 0 {
		ua = c.Browser.UserAgents[0]
	}
	return promo.Config{
		SearchURL:         c.Products.SearchURL,
		Queries:           c.Products.Queries,
		MaxPages:          c.Products.MaxPages,
		ItemsPerPage:      c.Products.ItemsPerPage,
		Concurrency:       c.Products.Concurrency,
		RequestsPerSecond: c.Products.RequestsPerSecond,
		HTTPTimeout:       c.Products.HTTPTimeout,
		UserAgent:         ua,
	}
}

// Traversal returns the orchestrator bounds.
func (c Config) Traversal() orchestrator.Config {
	return orchestrator.Config{
		ProvinceConcurrency: c.Harvest.ProvinceConcurrency,
		DetailConcurrency:   c.Harvest.DetailConcurrency,
		StoresPerProvince:   c.Harvest.StoresPerProvince,
		StoreURLTemplate:    c.Harvest.StoreURLTemplate,
		MaxListPages:        c.Harvest.MaxListPages,
		GracePeriod:         c.Harvest.GracePeriod,
		ExhaustionGrace:     c.Harvest.ExhaustionGrace,
		RunTimeout:          c.Harvest.RunTimeout,
	}
}

// LoggerOptions returns the logging settings.
func (c Config) LoggerOptions() logging.Options {
	return logging.Options{
		Development: c.Logging.Development,
		Level:       c.Logging.Level,
		File:        c.Logging.File,
		MaxSizeMB:   c.Logging.MaxSizeMB,
		MaxBackups:  c.Logging.MaxBackups,
		MaxAgeDays:  c.Logging.MaxAgeDays,
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storeharvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFile(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	require.Len(t, cfg.Provinces, 10)
	total := 0
	for _, p := range cfg.Provinces {
		total += p.ExpectedStores
	}
	require.Equal(t, 400, total)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 2, cfg.Retry.MaxChallengeSolves)
	require.Equal(t, 3, cfg.Harvest.DirectIdentities)
	require.Equal(t, 30*time.Second, cfg.Proxy.CooldownBase)
	require.Equal(t, 30*time.Minute, cfg.Proxy.CooldownMax)
	require.Equal(t, 120*time.Second, cfg.RetryPolicy().SolveTimeout)
	require.True(t, cfg.BrowserSettings().Headless)
	require.Empty(t, cfg.Solver().APIKey)
	require.Equal(t, "https://www.walmart.ca/en/stores/{province}/store-{n}", cfg.Traversal().StoreURLTemplate)

	require.False(t, cfg.Products.Enabled)
	search := cfg.ProductSearch()
	require.Equal(t, "https://www.walmart.ca/api/product-search/search", search.SearchURL)
	require.Equal(t, []string{"rollback", "clearance", "deal"}, search.Queries)
	require.Equal(t, 48, search.ItemsPerPage)
	require.Equal(t, 30*time.Second, search.HTTPTimeout)
	require.NotEmpty(t, search.UserAgent)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFile(writeConfig(t, `
harvest:
  output_file: out/stores
  stores_per_province: 5
  list_url_template: https://example.test/stores/{province}?page={page}
retry:
  max_attempts: 6
  max_challenge_solves: -1
  backoff_base: 500ms
  backoff_max: 4s
proxy:
  list: ["http://u:p@10.0.0.1:8080,http://10.0.0.2:8080", "socks5://10.0.0.3:1080"]
  failure_threshold: 2
browser:
  headless: false
  min_delay: 0s
  max_delay: 1s
extract:
  detail_anchor: ".store-detail"
logging:
  level: debug
provinces:
  - code: on
    name: Ontario
  - code: QC
    name: Quebec
    list_url: https://example.test/qc
`))
	require.NoError(t, err)

	require.Equal(t, "out/stores", cfg.Harvest.OutputFile)
	require.Equal(t, 5, cfg.Traversal().StoresPerProvince)
	require.Equal(t, 6, cfg.RetryPolicy().MaxAttempts)
	require.Equal(t, -1, cfg.RetryPolicy().MaxChallengeSolves)
	require.Equal(t, 500*time.Millisecond, cfg.RetryPolicy().BackoffBase)
	require.Equal(t, []string{"http://u:p@10.0.0.1:8080", "http://10.0.0.2:8080", "socks5://10.0.0.3:1080"}, cfg.Proxy.List)
	require.Equal(t, 2, cfg.Pool().FailureThreshold)
	require.False(t, cfg.BrowserSettings().Headless)
	require.Equal(t, ".store-detail", cfg.Extract.DetailAnchor)
	require.Equal(t, "debug", cfg.LoggerOptions().Level)

	require.Len(t, cfg.Provinces, 2)
	require.Equal(t, "ON", cfg.Provinces[0].Code)
	require.Equal(t, "https://example.test/stores/{province}?page={page}", cfg.Provinces[0].ListURL)
	require.Equal(t, "https://example.test/qc", cfg.Provinces[1].ListURL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HARVEST_CAPTCHA_API_KEY", "env-key")
	t.Setenv("HARVEST_RETRY_MAX_ATTEMPTS", "4")

	cfg, err := LoadFile(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Solver().APIKey)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) Config {
		cfg, err := LoadFile(writeConfig(t, "{}\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"output", func(c *Config) { c.Harvest.OutputFile = " " }, "output_file"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"negative cap", func(c *Config) { c.Harvest.StoresPerProvince = -1 }, "stores_per_province"},
		{"negative run timeout", func(c *Config) { c.Harvest.RunTimeout = -time.Second }, "run_timeout"},
		{"backoff", func(c *Config) { c.Retry.BackoffMax = time.Millisecond }, "backoff_max"},
		{"cooldown", func(c *Config) { c.Proxy.CooldownMax = time.Second }, "cooldown_max"},
		{"delays", func(c *Config) { c.Browser.MinDelay = time.Minute }, "delays"},
		{"threshold", func(c *Config) { c.Proxy.FailureThreshold = 0 }, "failure_threshold"},
		{"no identities", func(c *Config) { c.Harvest.DirectIdentities = 0 }, "direct_identities"},
		{"products without url", func(c *Config) { c.Products.Enabled = true; c.Products.SearchURL = "" }, "products.search_url"},
		{"products pages", func(c *Config) { c.Products.Enabled = true; c.Products.MaxPages = 0 }, "products.max_pages"},
		{"topic without project", func(c *Config) { c.Notify.PubSubTopic = "runs" }, "pubsub_project"},
		{"duplicate province", func(c *Config) { c.Provinces = append(c.Provinces, c.Provinces[0]) }, "twice"},
		{"no source", func(c *Config) { c.Harvest.StoreURLTemplate = "" }, "cannot synthesize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base(t)
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	require.NoError(t, base(t).Validate())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(writeConfig(t, "retry:\n  max_attempts: 0\n"))
	require.ErrorContains(t, err, "max_attempts")
}

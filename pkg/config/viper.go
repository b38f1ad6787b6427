// Package config initializes the viper instance behind the CLI. Values come
// from defaults, an optional config file, HARVEST_* environment variables
// and bound command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix namespaces environment overrides, e.g. HARVEST_CAPTCHA_API_KEY.
const EnvPrefix = "HARVEST"

// InitConfig wires defaults, search paths and the environment into v, then
// reads the config file. An explicit cfgFile must exist; a missing file in
// the search paths is not an error.
func InitConfig(v *viper.Viper, cfgFile string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("storeharvest")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/storeharvest/")
		v.AddConfigPath("$HOME/.storeharvest")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			logger.Debug("Config file not found; using defaults and environment variables")
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	logger.Info("Using config file", zap.String("path", v.ConfigFileUsed()))
	return nil
}

// SetDefaults registers every known key so environment overrides reach
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("harvest.output_file", "walmart_stores")
	v.SetDefault("harvest.stores_per_province", 0)
	v.SetDefault("harvest.province_concurrency", 2)
	v.SetDefault("harvest.detail_concurrency", 4)
	v.SetDefault("harvest.max_list_pages", 50)
	v.SetDefault("harvest.list_url_template", "")
	v.SetDefault("harvest.store_url_template", "https://www.walmart.ca/en/stores/{province}/store-{n}")
	v.SetDefault("harvest.grace_period", "30s")
	v.SetDefault("harvest.exhaustion_grace", "2m")
	v.SetDefault("harvest.direct_identities", 3)
	v.SetDefault("harvest.run_timeout", "0s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.max_challenge_solves", 2)
	v.SetDefault("retry.backoff_base", "1s")
	v.SetDefault("retry.backoff_max", "30s")

	v.SetDefault("proxy.list", []string{})
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.cooldown_base", "30s")
	v.SetDefault("proxy.cooldown_max", "30m")

	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.base_url", "https://2captcha.com")
	v.SetDefault("captcha.poll_interval", "5s")
	v.SetDefault("captcha.http_timeout", "30s")
	v.SetDefault("captcha.solve_timeout", "120s")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.min_delay", "2s")
	v.SetDefault("browser.max_delay", "5s")
	v.SetDefault("browser.requests_per_second", 1.0)
	v.SetDefault("browser.perimeterx_wait", "15s")
	v.SetDefault("browser.user_agents", []string{})
	v.SetDefault("browser.exec_path", "")

	v.SetDefault("products.enabled", false)
	v.SetDefault("products.search_url", "https://www.walmart.ca/api/product-search/search")
	v.SetDefault("products.queries", []string{"rollback", "clearance", "deal"})
	v.SetDefault("products.max_pages", 2)
	v.SetDefault("products.items_per_page", 48)
	v.SetDefault("products.concurrency", 2)
	v.SetDefault("products.requests_per_second", 1.0)
	v.SetDefault("products.http_timeout", "30s")

	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.gcs_prefix", "storeharvest")

	v.SetDefault("notify.pubsub_project", "")
	v.SetDefault("notify.pubsub_topic", "")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

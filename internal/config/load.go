package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"assessment-sync/internal/syncerr"
)

// EnvPrefix prefixes environment overrides, e.g. SYNC_SYNC_WORKER_POOL_SIZE.
const EnvPrefix = "SYNC"

// LoadConfig reads the YAML config at path (optional when empty), applies
// environment overrides and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Notifications.Routes) == 0 {
		cfg.Notifications.Routes = DefaultSeverityRoutes()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; decoding them cannot fail.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	cfg.Notifications.Routes = DefaultSeverityRoutes()
	return &cfg
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return syncerr.Config("validate config", "%s", strings.Join(msgs, "; "))
		}
		return syncerr.Wrap(syncerr.KindConfig, "validate config", err)
	}
	for sev := range c.Notifications.Routes {
		switch sev {
		case "info", "warning", "error", "critical":
		default:
			return syncerr.Config("validate config", "unknown severity %q in notifications.routes", sev)
		}
	}
	if tz := c.Scheduler.DefaultTimezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return syncerr.Config("validate config", "scheduler.default_timezone: %v", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("databases.source.type", "memory")
	v.SetDefault("databases.source.port", 3306)
	v.SetDefault("databases.target.type", "memory")
	v.SetDefault("databases.target.port", 3306)

	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "sync-state.db")
	v.SetDefault("state_storage.port", 3306)

	v.SetDefault("sync.worker_pool_size", 4)
	v.SetDefault("sync.batch_io_timeout", 60*time.Second)
	v.SetDefault("sync.batch_retry_max", 3)
	v.SetDefault("sync.batch_retry_base", time.Second)
	v.SetDefault("sync.batch_retry_cap", 30*time.Second)
	v.SetDefault("sync.job_timeout", 0)
	v.SetDefault("sync.pipeline_buffer", 2)
	v.SetDefault("sync.watch_catalog", false)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", time.Second)
	v.SetDefault("scheduler.heartbeat_interval", 10*time.Second)
	v.SetDefault("scheduler.heartbeat_miss_factor", 3)
	v.SetDefault("scheduler.default_timezone", "UTC")

	v.SetDefault("notifications.history_size", 256)
	v.SetDefault("notifications.queue_size", 1024)
	v.SetDefault("notifications.send_timeout", 10*time.Second)
	v.SetDefault("notifications.email.port", 587)
	v.SetDefault("notifications.sms.default_region", "US")
	v.SetDefault("notifications.slack.username", "assessment-sync")
	v.SetDefault("notifications.syslog.app_name", "assessment-sync")

	v.SetDefault("lock.type", "local")
	v.SetDefault("lock.ttl", 2*time.Minute)

	v.SetDefault("change_feed.enabled", false)
	v.SetDefault("change_feed.server_id", 1001)
	v.SetDefault("change_feed.debounce", 5*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

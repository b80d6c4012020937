package config

import (
	"time"
)

type Config struct {
	Databases     DatabasesConfig     `mapstructure:"databases"`
	StateStorage  StateStorage        `mapstructure:"state_storage"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Lock          LockConfig          `mapstructure:"lock"`
	ChangeFeed    ChangeFeedConfig    `mapstructure:"change_feed"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// DatabasesConfig holds the two systems being synchronized: the legacy
// assessment system (source) and the assessment cloud (target).
type DatabasesConfig struct {
	Source DatabaseConnection `mapstructure:"source"`
	Target DatabaseConnection `mapstructure:"target"`
}

type DatabaseConnection struct {
	Type                string `mapstructure:"type" validate:"oneof=mysql sqlite memory"`
	Host                string `mapstructure:"host" validate:"required_if=Type mysql"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database" validate:"required_if=Type mysql"`
	FilePath            string `mapstructure:"file_path" validate:"required_if=Type sqlite"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

type StateStorage struct {
	Type     string `mapstructure:"type" validate:"oneof=mysql sqlite"`
	Host     string `mapstructure:"host" validate:"required_if=Type mysql"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required_if=Type mysql"`
	FilePath string `mapstructure:"file_path" validate:"required_if=Type sqlite"` // For SQLite
}

type SyncConfig struct {
	WorkerPoolSize int           `mapstructure:"worker_pool_size" validate:"min=1"`
	BatchIOTimeout time.Duration `mapstructure:"batch_io_timeout" validate:"gt=0"`
	BatchRetryMax  int           `mapstructure:"batch_retry_max" validate:"min=1"`
	BatchRetryBase time.Duration `mapstructure:"batch_retry_base" validate:"gte=0"`
	BatchRetryCap  time.Duration `mapstructure:"batch_retry_cap" validate:"gtefield=BatchRetryBase"`
	// JobTimeout is an optional hard limit per job; zero disables it.
	JobTimeout     time.Duration `mapstructure:"job_timeout" validate:"gte=0"`
	PipelineBuffer int           `mapstructure:"pipeline_buffer" validate:"min=1"`
	HashSalt       string        `mapstructure:"hash_salt"`
	CatalogPath    string        `mapstructure:"catalog_path"`
	WatchCatalog   bool          `mapstructure:"watch_catalog"`
}

type SchedulerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	TickInterval        time.Duration `mapstructure:"tick_interval" validate:"gte=1s"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	HeartbeatMissFactor int           `mapstructure:"heartbeat_miss_factor" validate:"min=1"`
	DefaultTimezone     string        `mapstructure:"default_timezone"`
}

type NotificationsConfig struct {
	// Routes maps a severity (info, warning, error, critical) to channel names.
	Routes      map[string][]string `mapstructure:"routes"`
	HistorySize int                 `mapstructure:"history_size" validate:"min=0"`
	QueueSize   int                 `mapstructure:"queue_size" validate:"min=1"`
	SendTimeout time.Duration       `mapstructure:"send_timeout" validate:"gt=0"`
	Email       EmailConfig         `mapstructure:"email"`
	SMS         SMSConfig           `mapstructure:"sms"`
	Slack       SlackConfig         `mapstructure:"slack"`
	Webhook     WebhookConfig       `mapstructure:"webhook"`
	Syslog      SyslogConfig        `mapstructure:"syslog"`
	PubSub      PubSubConfig        `mapstructure:"pubsub"`
}

type EmailConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Host       string   `mapstructure:"host" validate:"required_if=Enabled true"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from" validate:"omitempty,email"`
	Recipients []string `mapstructure:"recipients" validate:"dive,email"`
}

type SMSConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Endpoint      string   `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey        string   `mapstructure:"api_key"`
	Sender        string   `mapstructure:"sender"`
	DefaultRegion string   `mapstructure:"default_region"`
	Recipients    []string `mapstructure:"recipients"`
}

type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url" validate:"omitempty,url"`
	Headers map[string]string `mapstructure:"headers"`
	Secret  string            `mapstructure:"secret"`
}

type SyslogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	AppName string `mapstructure:"app_name"`
}

type PubSubConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ProjectID       string `mapstructure:"project_id" validate:"required_if=Enabled true"`
	Topic           string `mapstructure:"topic" validate:"required_if=Enabled true"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type LockConfig struct {
	Type      string        `mapstructure:"type" validate:"oneof=local redis"`
	RedisAddr string        `mapstructure:"redis_addr" validate:"required_if=Type redis"`
	RedisDB   int           `mapstructure:"redis_db"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type ChangeFeedConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	ServerID uint32        `mapstructure:"server_id"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	AuthToken    string        `mapstructure:"auth_token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CorsOrigins  []string      `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultSeverityRoutes is the routing table used when none is configured.
func DefaultSeverityRoutes() map[string][]string {
	return map[string][]string{
		"info":     {"log"},
		"warning":  {"log", "email"},
		"error":    {"log", "email", "slack"},
		"critical": {"log", "email", "slack", "sms"},
	}
}

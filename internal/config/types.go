package config

// Config is the full service configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Objects  ObjectsConfig  `json:"objects"`
	Queue    QueueConfig    `json:"queue"`
	Schedule ScheduleConfig `json:"schedule"`
	Analysis AnalysisConfig `json:"analysis,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console bool           `json:"console,omitempty"`
	File    *FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type ServerConfig struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `json:"addr,omitempty"`
}

// StorageConfig points at the sqlite database file.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ObjectsConfig selects where rendered reports are kept.
//
// Example (local directory):
//
//	"objects": { "driver": "fs", "path": "./reports" }
//
// Example (S3-compatible):
//
//	"objects": { "driver": "s3", "endpoint": "minio:9000",
//	             "bucket": "sugar-reports", "access_key": "...",
//	             "secret_key": "..." }
type ObjectsConfig struct {
	Driver    string `json:"driver,omitempty"`
	Path      string `json:"path,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

type QueueConfig struct {
	Workers        int    `json:"workers,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	Lease          string `json:"lease,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// ScheduleConfig carries the cron expressions for the two report cadences.
// Expressions without an explicit TZ= prefix are evaluated in UTC. Both
// fields are hot-reloadable.
type ScheduleConfig struct {
	Daily        string `json:"daily,omitempty"`
	Weekly       string `json:"weekly,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

type AnalysisConfig struct {
	Enabled       bool   `json:"enabled"`
	APIKey        string `json:"api_key,omitempty"`
	Model         string `json:"model,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
}

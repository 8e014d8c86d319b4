// Package config loads fieldsync core configuration from an optional
// YAML file and environment variables.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	API     APIConfig
	Queue   QueueConfig
	Upload  UploadConfig
	Cache   CacheConfig
	Sync    SyncConfig
	Storage StorageConfig
}

type ServerConfig struct {
	ListenAddr string
	LogLevel   string
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// QueueConfig holds the mutation queue tunables. The duplicate window
// and retry cap are product-tuned values, kept configurable on purpose.
type QueueConfig struct {
	MaxRetries      int
	DuplicateWindow time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	BackoffJitter   time.Duration
}

type UploadConfig struct {
	MaxAttempts       int
	CompressThreshold int64 // bytes; assets at or below skip compression
	MaxUploadBytes    int64 // terminal error if still larger after compression
	MaxEdge           int   // longest image edge after resize, px
	JPEGQuality       int
}

type CacheConfig struct {
	StaleAfter time.Duration
}

type SyncConfig struct {
	StabilizationWindow time.Duration
}

type StorageConfig struct {
	DataDir string
}

func Load() (*Config, error) {
	viper.SetConfigName("fieldsync")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.listen_addr", "FIELDSYNC_LISTEN_ADDR")
	_ = viper.BindEnv("server.log_level", "FIELDSYNC_LOG_LEVEL")
	_ = viper.BindEnv("api.base_url", "FIELDSYNC_API_BASE_URL")
	_ = viper.BindEnv("api.timeout", "FIELDSYNC_API_TIMEOUT")
	_ = viper.BindEnv("storage.data_dir", "FIELDSYNC_DATA_DIR")

	// Defaults
	viper.SetDefault("server.listen_addr", "127.0.0.1:8790")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("api.base_url", "https://api.fieldhq.app")
	viper.SetDefault("api.timeout", "30s")
	viper.SetDefault("queue.max_retries", 5)
	viper.SetDefault("queue.duplicate_window", "5s")
	viper.SetDefault("queue.backoff_base", "1s")
	viper.SetDefault("queue.backoff_cap", "16s")
	viper.SetDefault("queue.backoff_jitter", "500ms")
	viper.SetDefault("upload.max_attempts", 3)
	viper.SetDefault("upload.compress_threshold", 2*1024*1024)
	viper.SetDefault("upload.max_upload_bytes", 10*1024*1024)
	viper.SetDefault("upload.max_edge", 1920)
	viper.SetDefault("upload.jpeg_quality", 80)
	viper.SetDefault("cache.stale_after", "24h")
	viper.SetDefault("sync.stabilization_window", "3s")
	viper.SetDefault("storage.data_dir", "./data")

	// Config file is optional; env vars and defaults cover everything.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: viper.GetString("server.listen_addr"),
			LogLevel:   viper.GetString("server.log_level"),
		},
		API: APIConfig{
			BaseURL: viper.GetString("api.base_url"),
			Timeout: viper.GetDuration("api.timeout"),
		},
		Queue: QueueConfig{
			MaxRetries:      viper.GetInt("queue.max_retries"),
			DuplicateWindow: viper.GetDuration("queue.duplicate_window"),
			BackoffBase:     viper.GetDuration("queue.backoff_base"),
			BackoffCap:      viper.GetDuration("queue.backoff_cap"),
			BackoffJitter:   viper.GetDuration("queue.backoff_jitter"),
		},
		Upload: UploadConfig{
			MaxAttempts:       viper.GetInt("upload.max_attempts"),
			CompressThreshold: viper.GetInt64("upload.compress_threshold"),
			MaxUploadBytes:    viper.GetInt64("upload.max_upload_bytes"),
			MaxEdge:           viper.GetInt("upload.max_edge"),
			JPEGQuality:       viper.GetInt("upload.jpeg_quality"),
		},
		Cache: CacheConfig{
			StaleAfter: viper.GetDuration("cache.stale_after"),
		},
		Sync: SyncConfig{
			StabilizationWindow: viper.GetDuration("sync.stabilization_window"),
		},
		Storage: StorageConfig{
			DataDir: viper.GetString("storage.data_dir"),
		},
	}

	return cfg, nil
}

package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	TrackSync TrackSyncConfig `yaml:"tracksync"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                          string `yaml:"host"`
	Port                          int    `yaml:"port"`
	OrderTrackingUpdatedTopicName string `yaml:"order_tracking_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TrackSyncConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// ProviderMode: "track123" ходит в реальный шлюз, "fake" (и пустое
	// значение) — локальная заглушка для дев-стенда.
	ProviderMode           string `yaml:"provider_mode"`
	Track123BaseURL        string `yaml:"track123_base_url"`
	Track123APIKey         string `yaml:"track123_api_key"`
	Track123TimeoutSeconds int    `yaml:"track123_timeout_seconds"`

	SchedulerAutoStart              bool `yaml:"scheduler_auto_start"`
	SchedulerDefaultIntervalMinutes int  `yaml:"scheduler_default_interval_minutes"`
	TickTimeoutSeconds              int  `yaml:"tick_timeout_seconds"`
	TickLockEnabled                 bool `yaml:"tick_lock_enabled"`

	WorkerBatchSize          int `yaml:"worker_batch_size"`
	WorkerConcurrency        int `yaml:"worker_concurrency"`
	WorkerRateLimitPerMinute int `yaml:"worker_rate_limit_per_minute"`

	ResultCacheTTLSeconds int `yaml:"result_cache_ttl_seconds"`

	SwaggerPath string `yaml:"swagger_path"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

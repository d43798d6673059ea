package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Web      WebConfig      `yaml:"web"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// LogConfig defines the logger output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// WebConfig defines the web server settings.
type WebConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SessionSecret string `yaml:"session_secret"`
	SessionMaxAge int    `yaml:"session_max_age"` // seconds
}

// StorageConfig selects where the tracking slot is persisted.
type StorageConfig struct {
	Backend    string      `yaml:"backend"` // "sqlite", "redis" or "memory"
	SQLitePath string      `yaml:"sqlite_path"`
	KeyPrefix  string      `yaml:"key_prefix"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig defines the redis connection for the redis storage backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// APIConfig defines the order status REST endpoint.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RealtimeConfig defines the push channel.
type RealtimeConfig struct {
	Backend        string        `yaml:"backend"` // "websocket", "mqtt" or "kafka"
	URL            string        `yaml:"url"`
	Channel        string        `yaml:"channel"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
	Kafka          KafkaConfig   `yaml:"kafka"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// TrackingConfig defines coordinator timings.
type TrackingConfig struct {
	LingerDelay time.Duration `yaml:"linger_delay"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Web: WebConfig{
			Host:          "0.0.0.0",
			Port:          8090,
			SessionMaxAge: 24 * 60 * 60,
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "ordertrack.db",
			KeyPrefix:  "ordertrack:active-order",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				TTL:  24 * time.Hour,
			},
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			Backend:        "websocket",
			URL:            "ws://localhost:8080/ws",
			Channel:        "orders",
			PingInterval:   30 * time.Second,
			ReconnectDelay: 3 * time.Second,
			MQTT: MQTTConfig{
				Broker:      "localhost",
				Port:        1883,
				TopicPrefix: "storefront",
			},
		},
		Tracking: TrackingConfig{
			LingerDelay: 5 * time.Second,
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

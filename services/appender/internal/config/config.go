package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	ObjectBackend  string `yaml:"objectBackend"`
	DatabaseURL    string `yaml:"databaseURL"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioRegion    string `yaml:"minioRegion"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	ConsumerBackend  string `yaml:"consumerBackend"`
	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	AppendStream     string `yaml:"appendStream"`
	AppendGroup      string `yaml:"appendGroup"`
	AMQPURL          string `yaml:"amqpURL"`
	AMQPQueue        string `yaml:"amqpQueue"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`
	QueueRetryDelay  string `yaml:"queueRetryDelay"`

	// The HTTP append endpoint is mounted only when a public key is set.
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTAllowedIssuers   []string `yaml:"internalJwtAllowedIssuers"`

	StoreRetryAttempts int `yaml:"storeRetryAttempts"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("APPENDER_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.ObjectBackend == "" {
		cfg.ObjectBackend = "minio"
	}
	if cfg.ConsumerBackend == "" {
		cfg.ConsumerBackend = "redis"
	}
	if cfg.AppendStream == "" {
		cfg.AppendStream = "companionchat:append"
	}
	if cfg.AppendGroup == "" {
		cfg.AppendGroup = "appender"
	}
	if cfg.AMQPQueue == "" {
		cfg.AMQPQueue = "companionchat.append"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 4
	}
	if len(cfg.InternalJWTAllowedIssuers) == 0 {
		cfg.InternalJWTAllowedIssuers = []string{"chat"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.ObjectBackend {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio object backend")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres object backend")
		}
	default:
		return fmt.Errorf("config: unknown objectBackend %q", cfg.ObjectBackend)
	}
	switch cfg.ConsumerBackend {
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis consumer")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for the amqp consumer")
		}
	case "none":
		if cfg.InternalJWTPublicKeyPath == "" {
			return errors.New("config: internalJwtPublicKeyPath is required when no queue consumer runs")
		}
	default:
		return fmt.Errorf("config: unknown consumerBackend %q", cfg.ConsumerBackend)
	}
	if cfg.QueueConcurrency < 0 || cfg.QueueMaxRetries < 0 || cfg.StoreRetryAttempts < 0 {
		return errors.New("config: queueConcurrency, queueMaxRetries and storeRetryAttempts must be >= 0")
	}
	if _, err := ParseQueueRetryDelay(cfg.QueueRetryDelay); err != nil {
		return err
	}
	return nil
}

// ParseQueueRetryDelay parses the optional redelivery delay.
func ParseQueueRetryDelay(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid queueRetryDelay duration: %w", err)
	}
	if dur < 0 {
		return 0, errors.New("queueRetryDelay must be >= 0")
	}
	return dur, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

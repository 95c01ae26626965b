package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	LogsDir        string   `yaml:"logsDir"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	DirectoryBackend string `yaml:"directoryBackend"`
	DatabaseURL      string `yaml:"databaseURL"`
	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`

	ObjectBackend  string `yaml:"objectBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioRegion    string `yaml:"minioRegion"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	InferenceProvider string   `yaml:"inferenceProvider"`
	InferenceBaseURL  string   `yaml:"inferenceBaseURL"`
	InferenceAPIKey   string   `yaml:"inferenceAPIKey"`
	InferenceModel    string   `yaml:"inferenceModel"`
	InferenceTimeout  string   `yaml:"inferenceTimeout"`
	MaxNewTokens      int      `yaml:"maxNewTokens"`
	Temperature       *float64 `yaml:"temperature"`
	TopP              *float64 `yaml:"topP"`
	ReturnFullText    bool     `yaml:"returnFullText"`
	StripLeadingChar  *bool    `yaml:"stripLeadingChar"`
	SystemPrompt      string   `yaml:"systemPrompt"`
	TaskMarker        string   `yaml:"taskMarker"`
	ContextWindow     int      `yaml:"contextWindow"`
	HistoryWindow     int      `yaml:"historyWindow"`
	PasswordScheme    string   `yaml:"passwordScheme"`

	DispatchBackend   string `yaml:"dispatchBackend"`
	DispatchQueueSize int    `yaml:"dispatchQueueSize"`
	DispatchWorkers   int    `yaml:"dispatchWorkers"`
	AppendStream      string `yaml:"appendStream"`
	AMQPURL           string `yaml:"amqpURL"`
	AMQPQueue         string `yaml:"amqpQueue"`
	AppenderURL       string `yaml:"appenderURL"`

	InternalJWTPrivateKeyPath string `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID          string `yaml:"internalJwtKeyId"`

	StoreRetryAttempts        int    `yaml:"storeRetryAttempts"`
	StoreRetryInitialInterval string `yaml:"storeRetryInitialInterval"`
	AuthRateLimitPerMinute    int    `yaml:"authRateLimitPerMinute"`
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
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
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
	if v := os.Getenv("INFERENCE_BASE_URL"); v != "" {
		cfg.InferenceBaseURL = v
	}
	if v := os.Getenv("INFERENCE_API_KEY"); v != "" {
		cfg.InferenceAPIKey = v
	}
	if v := os.Getenv("INFERENCE_MODEL"); v != "" {
		cfg.InferenceModel = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("APPENDER_URL"); v != "" {
		cfg.AppenderURL = v
	}
	if v := os.Getenv("INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("CHAT_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ContextWindow = n
		}
	}
	if v := os.Getenv("CHAT_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryWindow = n
		}
	}
	if v := os.Getenv("CHAT_STRIP_LEADING_CHAR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StripLeadingChar = &b
		}
	}
	if v := os.Getenv("AUTH_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuthRateLimitPerMinute = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.DirectoryBackend == "" {
		cfg.DirectoryBackend = "redis"
	}
	if cfg.ObjectBackend == "" {
		cfg.ObjectBackend = "minio"
	}
	if cfg.InferenceProvider == "" {
		cfg.InferenceProvider = "tgi"
	}
	if cfg.MaxNewTokens == 0 {
		cfg.MaxNewTokens = 100
	}
	if cfg.Temperature == nil {
		v := 0.7
		cfg.Temperature = &v
	}
	if cfg.TopP == nil {
		v := 0.9
		cfg.TopP = &v
	}
	if cfg.StripLeadingChar == nil {
		v := true
		cfg.StripLeadingChar = &v
	}
	if cfg.ContextWindow == 0 {
		cfg.ContextWindow = 5
	}
	if cfg.PasswordScheme == "" {
		cfg.PasswordScheme = "plaintext"
	}
	if cfg.DispatchBackend == "" {
		cfg.DispatchBackend = "redis"
	}
	if cfg.AppendStream == "" {
		cfg.AppendStream = "companionchat:append"
	}
	if cfg.AMQPQueue == "" {
		cfg.AMQPQueue = "companionchat.append"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.DirectoryBackend {
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis user directory")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres user directory")
		}
	default:
		return fmt.Errorf("config: unknown directoryBackend %q", cfg.DirectoryBackend)
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
	if cfg.InferenceBaseURL == "" && cfg.InferenceProvider != "gemini" {
		return errors.New("config: inferenceBaseURL is required (set in config.yaml or INFERENCE_BASE_URL)")
	}
	if cfg.MaxNewTokens < 0 {
		return errors.New("config: maxNewTokens must be >= 0")
	}
	if cfg.ContextWindow < 0 || cfg.HistoryWindow < 0 {
		return errors.New("config: contextWindow and historyWindow must be >= 0")
	}
	switch cfg.DispatchBackend {
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis dispatch backend")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for the amqp dispatch backend")
		}
	case "http":
		if cfg.AppenderURL == "" || cfg.InternalJWTPrivateKeyPath == "" {
			return errors.New("config: appenderURL and internalJwtPrivateKeyPath are required for the http dispatch backend")
		}
	default:
		return fmt.Errorf("config: unknown dispatchBackend %q", cfg.DispatchBackend)
	}
	if cfg.DispatchQueueSize < 0 || cfg.DispatchWorkers < 0 || cfg.StoreRetryAttempts < 0 || cfg.AuthRateLimitPerMinute < 0 {
		return errors.New("config: queue sizes, worker counts, retry attempts and rate limits must be >= 0")
	}
	return nil
}

// ParseInferenceTimeout parses the optional inference timeout (default 30s).
func ParseInferenceTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 30 * time.Second, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid inferenceTimeout duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("inferenceTimeout must be positive")
	}
	return dur, nil
}

// ParseRetryInterval parses the optional initial store retry interval.
func ParseRetryInterval(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid storeRetryInitialInterval duration: %w", err)
	}
	return dur, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

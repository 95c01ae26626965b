package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimal = `
port: "8081"
redisAddr: "localhost:6379"
minioEndpoint: "localhost:9000"
minioBucket: "chats"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConsumerBackend != "redis" || cfg.ObjectBackend != "minio" {
		t.Fatalf("unexpected backends: %s %s", cfg.ConsumerBackend, cfg.ObjectBackend)
	}
	if cfg.AppendStream != "companionchat:append" || cfg.AppendGroup != "appender" || cfg.QueueConcurrency != 4 {
		t.Fatalf("unexpected queue defaults: %+v", cfg)
	}
	if len(cfg.InternalJWTAllowedIssuers) != 1 || cfg.InternalJWTAllowedIssuers[0] != "chat" {
		t.Fatalf("unexpected issuers: %v", cfg.InternalJWTAllowedIssuers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APPENDER_QUEUE_CONCURRENCY", "9")
	t.Setenv("REDIS_ADDR", "redis:6379")
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueConcurrency != 9 || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]string{
		"unknown consumer":   minimal + "consumerBackend: kafka\n",
		"amqp needs url":     minimal + "consumerBackend: amqp\n",
		"none needs jwt key": minimal + "consumerBackend: none\n",
		"postgres needs dsn": minimal + "objectBackend: postgres\n",
		"bad retry delay":    minimal + "queueRetryDelay: later\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseQueueRetryDelay(t *testing.T) {
	if d, err := ParseQueueRetryDelay(""); err != nil || d != 0 {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseQueueRetryDelay("2s"); err != nil || d != 2*time.Second {
		t.Fatalf("parse = %v, %v", d, err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
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
port: "8080"
redisAddr: "localhost:6379"
minioEndpoint: "localhost:9000"
minioBucket: "chats"
inferenceBaseURL: "http://tgi:8080/generate"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ContextWindow != 5 || cfg.HistoryWindow != 0 {
		t.Fatalf("windows = %d/%d", cfg.ContextWindow, cfg.HistoryWindow)
	}
	if cfg.MaxNewTokens != 100 || *cfg.Temperature != 0.7 || *cfg.TopP != 0.9 || cfg.ReturnFullText {
		t.Fatalf("unexpected sampling defaults: %+v", cfg)
	}
	if !*cfg.StripLeadingChar {
		t.Fatalf("stripLeadingChar should default to true")
	}
	if cfg.DirectoryBackend != "redis" || cfg.ObjectBackend != "minio" || cfg.DispatchBackend != "redis" {
		t.Fatalf("unexpected backends: %s %s %s", cfg.DirectoryBackend, cfg.ObjectBackend, cfg.DispatchBackend)
	}
	if cfg.PasswordScheme != "plaintext" {
		t.Fatalf("password scheme = %s", cfg.PasswordScheme)
	}
}

func TestLoadKeepsExplicitZeroTemperature(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+"temperature: 0\nstripLeadingChar: false\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg.Temperature != 0 || *cfg.StripLeadingChar {
		t.Fatalf("explicit values overwritten: temp=%v strip=%v", *cfg.Temperature, *cfg.StripLeadingChar)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_HISTORY_WINDOW", "5")
	t.Setenv("INFERENCE_API_KEY", "from-env")
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HistoryWindow != 5 || cfg.InferenceAPIKey != "from-env" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]string{
		"missing port":       strings.Replace(minimal, `port: "8080"`, "", 1),
		"unknown directory":  minimal + "directoryBackend: dynamo\n",
		"postgres needs dsn": minimal + "directoryBackend: postgres\n",
		"http needs key":     minimal + "dispatchBackend: http\nappenderURL: http://appender\n",
		"negative window":    minimal + "historyWindow: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseInferenceTimeout(t *testing.T) {
	if d, err := ParseInferenceTimeout(""); err != nil || d != 30*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseInferenceTimeout("5s"); err != nil || d != 5*time.Second {
		t.Fatalf("parse = %v, %v", d, err)
	}
	if _, err := ParseInferenceTimeout("soon"); err == nil {
		t.Fatalf("expected parse error")
	}
}

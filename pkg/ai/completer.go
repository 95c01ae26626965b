package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Completer turns a prompt into generated text. Every inference provider
// (TGI, OpenAI-compatible, Ollama, Gemini) implements this interface.
type Completer interface {
	Complete(ctx context.Context, prompt string, params SamplingParams) (string, error)
}

// SamplingParams controls generation.
type SamplingParams struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	ReturnFullText bool    `json:"return_full_text"`
}

// DefaultSamplingParams returns the sampling configuration used when none is configured.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		MaxNewTokens:   100,
		Temperature:    0.7,
		TopP:           0.9,
		ReturnFullText: false,
	}
}

// Provider names accepted by NewCompleter.
const (
	ProviderTGI    = "tgi"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// Config selects and configures a Completer.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	// Timeout bounds a single HTTP call; zero keeps the provider default.
	Timeout time.Duration
}

// NewCompleter builds the Completer named by cfg.Provider.
func NewCompleter(cfg Config) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderTGI:
		return NewTGIClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	case ProviderOpenAI:
		return NewOpenAICompatClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
	case ProviderOllama:
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout)
	case ProviderGemini:
		return NewGeminiClient(cfg.APIKey, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported inference provider %q", cfg.Provider)
	}
}

// APIError is returned when a provider answers with a non-2xx status.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

func newHTTPClient(timeout, fallback time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = fallback
	}
	return &http.Client{Timeout: timeout}
}

func postJSON(ctx context.Context, client *http.Client, provider, url string, header http.Header, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp apiErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.message()
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", provider, err)
	}
	return nil
}

// apiErrorBody accepts both {"error":"..."} and {"error":{"message":"..."}}.
type apiErrorBody struct {
	Error json.RawMessage `json:"error"`
}

func (b apiErrorBody) message() string {
	if len(b.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b.Error, &obj); err == nil {
		return obj.Message
	}
	return ""
}

package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient calls the Ollama /api/generate endpoint.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient constructs a client with the provided base URL and model.
func NewOllamaClient(baseURL, model string, timeout time.Duration) (*OllamaClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("ollama model required")
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: newHTTPClient(timeout, 60*time.Second),
	}, nil
}

// Complete implements Completer with a non-streaming generate call.
func (c *OllamaClient) Complete(ctx context.Context, prompt string, params SamplingParams) (string, error) {
	reqBody := ollamaGenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			NumPredict:  params.MaxNewTokens,
			Temperature: params.Temperature,
			TopP:        params.TopP,
		},
	}
	var resp ollamaGenerateResponse
	if err := postJSON(ctx, c.httpClient, "ollama", c.baseURL+"/api/generate", nil, reqBody, &resp); err != nil {
		return "", err
	}
	if params.ReturnFullText {
		return prompt + resp.Response, nil
	}
	return resp.Response, nil
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

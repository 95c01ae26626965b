package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatClient calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with vLLM, LiteLLM, LocalAI, OpenRouter and similar gateways.
type OpenAICompatClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatClient builds an OpenAI-compatible Completer.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
func NewOpenAICompatClient(baseURL, apiKey, model string, timeout time.Duration) (*OpenAICompatClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("openai-compat base url required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("openai-compat model required")
	}
	return &OpenAICompatClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		httpClient: newHTTPClient(timeout, 120*time.Second),
	}, nil
}

// Complete sends the assembled prompt as a single user message.
func (c *OpenAICompatClient) Complete(ctx context.Context, prompt string, params SamplingParams) (string, error) {
	reqBody := oaiChatRequest{
		Model:       c.model,
		Messages:    []oaiMessage{{Role: "user", Content: prompt}},
		MaxTokens:   params.MaxNewTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	var resp oaiChatResponse
	if err := postJSON(ctx, c.httpClient, "openai-compat", c.baseURL+"/chat/completions", header, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	text := resp.Choices[0].Message.Content
	if params.ReturnFullText {
		text = prompt + text
	}
	return text, nil
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature"`
	TopP        float64      `json:"top_p"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

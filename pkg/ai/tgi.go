package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TGIClient calls a Hugging Face text-generation-inference style endpoint:
// POST {inputs, parameters} returning [{"generated_text": ...}].
type TGIClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewTGIClient builds a client for the full endpoint URL (for example
// "http://tgi:8080/generate" or a hosted model invocation URL).
func NewTGIClient(endpoint, apiKey string, timeout time.Duration) (*TGIClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("tgi endpoint required")
	}
	return &TGIClient{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: newHTTPClient(timeout, 60*time.Second),
	}, nil
}

// Complete implements Completer.
func (c *TGIClient) Complete(ctx context.Context, prompt string, params SamplingParams) (string, error) {
	reqBody := tgiRequest{
		Inputs: prompt,
		Parameters: tgiParameters{
			MaxNewTokens:   params.MaxNewTokens,
			Temperature:    params.Temperature,
			TopP:           params.TopP,
			ReturnFullText: params.ReturnFullText,
		},
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	var raw json.RawMessage
	if err := postJSON(ctx, c.httpClient, "tgi", c.endpoint, header, reqBody, &raw); err != nil {
		return "", err
	}
	return parseTGIResponse(raw)
}

// The endpoint returns a list for batched inputs and a bare object otherwise.
func parseTGIResponse(raw json.RawMessage) (string, error) {
	var list []tgiGeneration
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return "", fmt.Errorf("empty response from tgi")
		}
		return list[0].GeneratedText, nil
	}
	var single tgiGeneration
	if err := json.Unmarshal(raw, &single); err != nil {
		return "", fmt.Errorf("tgi decode: %w", err)
	}
	return single.GeneratedText, nil
}

type tgiParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	ReturnFullText bool    `json:"return_full_text"`
}

type tgiRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters tgiParameters `json:"parameters"`
}

type tgiGeneration struct {
	GeneratedText string `json:"generated_text"`
}

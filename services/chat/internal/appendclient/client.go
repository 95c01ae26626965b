// Package appendclient publishes append jobs to the appender's internal HTTP endpoint.
package appendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"companionchat/internal/servicetoken"
	"companionchat/pkg/domain"
	"companionchat/pkg/queue"
)

// Audience is the token audience the appender verifies.
const Audience = "appender"

// Client posts jobs to POST {baseURL}/internal/history_entries.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client whose requests carry a service token from signer.
func NewClient(baseURL string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &servicetoken.Transport{Signer: signer, Audience: Audience},
		},
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("appender returned %d: %s", e.Status, e.Message)
}

// Publish implements queue.Publisher.
func (c *Client) Publish(ctx context.Context, job domain.AppendJob) error {
	if err := queue.ValidateJob(job); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/history_entries", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("appender request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
		if payload.Message == "" {
			payload.Message = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Message}
	}
	return nil
}

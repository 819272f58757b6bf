// Package enrichment provides the client for the task-enrichment API.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"example.com/timeslice/internal/resilience"
)

// TaskEnrichment is the model-produced metadata for a task name.
type TaskEnrichment struct {
	Labels  []string `json:"labels"`
	Summary string   `json:"summary"`
}

// Config carries connection and resilience tuning for the client.
type Config struct {
	BaseURL string
	Token   string
	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig
}

// Client calls the enrichment API with the same resilience wrapping as the
// billing client: retry inner, breaker outer.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.Breaker
	retry      resilience.RetryConfig
}

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: resilience.NewBreaker(cfg.Breaker),
		retry:   cfg.Retry,
	}
}

// Enrich requests labels and a summary for the given task.
func (c *Client) Enrich(ctx context.Context, taskName, notes string) (*TaskEnrichment, error) {
	body, err := json.Marshal(map[string]string{
		"task":  taskName,
		"notes": notes,
	})
	if err != nil {
		return nil, err
	}

	var result TaskEnrichment
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/enrich", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				data, _ := io.ReadAll(resp.Body)
				return &resilience.HTTPStatusError{Code: resp.StatusCode, Detail: string(data)}
			}
			return json.NewDecoder(resp.Body).Decode(&result)
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

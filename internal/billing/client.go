// Package billing provides the client for the external time-billing API. All
// calls are wrapped in jittered retry (inner) and a circuit breaker (outer) so
// repeated retry exhaustion, not a single failure, trips the breaker.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"example.com/timeslice/internal/resilience"
)

// Entry is a time entry in the billing system. A nil Stop means the entry is
// still running.
type Entry struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	ProjectID   string     `json:"project_id,omitempty"`
	Tags        []string   `json:"tags"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop,omitempty"`
	DurationSec int64      `json:"duration_seconds"`
}

// Config carries connection and resilience tuning for the client.
type Config struct {
	BaseURL     string
	Token       string
	WorkspaceID string
	Breaker     resilience.BreakerConfig
	Retry       resilience.RetryConfig
}

// Client talks to the billing API.
type Client struct {
	baseURL     string
	token       string
	workspaceID string
	httpClient  *http.Client
	breaker     *resilience.Breaker
	retry       resilience.RetryConfig
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		workspaceID: cfg.WorkspaceID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: resilience.NewBreaker(cfg.Breaker),
		retry:   cfg.Retry,
	}
}

// StartEntry creates a running time entry.
func (c *Client) StartEntry(ctx context.Context, description string, start time.Time, tags []string) (*Entry, error) {
	body := map[string]any{
		"description": description,
		"start":       start.UTC().Format(time.RFC3339Nano),
		"tags":        tags,
	}
	var entry Entry
	err := c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, c.entriesURL(""), body, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// StopEntry stops a running entry now.
func (c *Client) StopEntry(ctx context.Context, id string) (*Entry, error) {
	var entry Entry
	err := c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPatch, c.entriesURL(id)+"/stop", nil, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// StopEntryAt backdates a stop: the entry is closed at the explicit stop time
// and its duration recomputed from the recorded start.
func (c *Client) StopEntryAt(ctx context.Context, id string, stop time.Time) (*Entry, error) {
	current, err := c.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	duration := int64(stop.Sub(current.Start) / time.Second)
	body := map[string]any{
		"stop":             stop.UTC().Format(time.RFC3339Nano),
		"duration_seconds": duration,
	}
	var entry Entry
	err = c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, c.entriesURL(id), body, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CurrentEntry returns the running entry, or nil when nothing is running.
func (c *Client) CurrentEntry(ctx context.Context) (*Entry, error) {
	var entry Entry
	found := true
	err := c.call(ctx, func(ctx context.Context) error {
		err := c.doJSON(ctx, http.MethodGet, c.entriesURL("current"), nil, &entry)
		if status, ok := statusOf(err); ok && status == http.StatusNotFound {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

// AddTags appends tags to an entry via read-modify-write of the tag set.
func (c *Client) AddTags(ctx context.Context, id string, tags ...string) (*Entry, error) {
	return c.updateTags(ctx, id, func(existing []string) []string {
		seen := make(map[string]struct{}, len(existing))
		merged := make([]string, 0, len(existing)+len(tags))
		for _, tag := range existing {
			seen[tag] = struct{}{}
			merged = append(merged, tag)
		}
		for _, tag := range tags {
			if _, ok := seen[tag]; !ok {
				merged = append(merged, tag)
			}
		}
		return merged
	})
}

// RemoveTags removes tags from an entry via read-modify-write of the tag set.
func (c *Client) RemoveTags(ctx context.Context, id string, tags ...string) (*Entry, error) {
	drop := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		drop[tag] = struct{}{}
	}
	return c.updateTags(ctx, id, func(existing []string) []string {
		kept := make([]string, 0, len(existing))
		for _, tag := range existing {
			if _, ok := drop[tag]; !ok {
				kept = append(kept, tag)
			}
		}
		return kept
	})
}

func (c *Client) updateTags(ctx context.Context, id string, apply func([]string) []string) (*Entry, error) {
	current, err := c.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"tags": apply(current.Tags)}
	var entry Entry
	err = c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, c.entriesURL(id)+"/tags", body, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) getEntry(ctx context.Context, id string) (*Entry, error) {
	var entry Entry
	err := c.call(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, c.entriesURL(id), nil, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// call composes the resilience wrappers: retry inner, breaker outer.
func (c *Client) call(ctx context.Context, op func(context.Context) error) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, op)
	})
}

func (c *Client) entriesURL(suffix string) string {
	base := fmt.Sprintf("%s/api/v1/workspaces/%s/time_entries", c.baseURL, url.PathEscape(c.workspaceID))
	if suffix == "" {
		return base
	}
	return base + "/" + url.PathEscape(suffix)
}

func (c *Client) doJSON(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &resilience.HTTPStatusError{Code: resp.StatusCode, Detail: string(data)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusOf(err error) (int, bool) {
	var statusErr *resilience.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code, true
	}
	return 0, false
}

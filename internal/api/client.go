// Package api is the HTTP command adapter: job creation, cancellation, and
// full snapshot fetches. Command results are returned to the caller in the
// same shape the sync channel delivers, so both paths reconcile through one
// merge entry point. Command errors are the caller's; nothing here touches
// local state.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/jobsync/internal/protocol"
	"github.com/opswatch/jobsync/pkg/debug"
)

const defaultTimeout = 30 * time.Second

// Config holds the command API endpoint and credentials.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client issues commands against the job server.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a command client. A zero Timeout falls back to 30s.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// CreateJobRequest describes a job submission. RequestID is filled with a
// generated id when empty, so retries of the same submission are
// distinguishable server-side.
type CreateJobRequest struct {
	Name      string                 `json:"name"`
	Pipeline  string                 `json:"pipeline,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	RequestID string                 `json:"request_id"`
}

// CreateJob submits a job and returns the server's view of the new record,
// ready for Registry.Seed.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (protocol.EntityUpdate, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return protocol.EntityUpdate{}, fmt.Errorf("failed to encode job request: %w", err)
	}

	var out protocol.EntityUpdate
	if err := c.do(ctx, http.MethodPost, "/api/jobs", body, &out); err != nil {
		return protocol.EntityUpdate{}, fmt.Errorf("failed to create job: %w", err)
	}
	debug.Info("Created job %s (request %s)", out.ID, req.RequestID)
	return out, nil
}

// CancelJob requests cancellation of the given job and returns the updated
// record. The record's status reflects the server's decision; a job that
// already finished comes back in its terminal state unchanged.
func (c *Client) CancelJob(ctx context.Context, id string) (protocol.EntityUpdate, error) {
	var out protocol.EntityUpdate
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+id+"/cancel", nil, &out); err != nil {
		return protocol.EntityUpdate{}, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	debug.Info("Cancelled job %s, status now %s", id, out.Status)
	return out, nil
}

// FetchSnapshot retrieves every job record visible to this client, for
// seeding a fresh or recovering subscription.
func (c *Client) FetchSnapshot(ctx context.Context) ([]protocol.EntityUpdate, error) {
	var out []protocol.EntityUpdate
	if err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch job snapshot: %w", err)
	}
	debug.Debug("Fetched snapshot with %d job records", len(out))
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

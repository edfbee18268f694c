package indexing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatsurface/internal/domain"
)

// ClientConfig configures the backend indexing client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client implements domain.Indexer against the backend ingestion API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// TriggerIndex asks the backend to start an ingestion run for indexID and
// returns the job id to poll.
func (c *Client) TriggerIndex(ctx context.Context, indexID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"index_id": indexID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/trigger-indexing", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("trigger indexing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("trigger endpoint status %d: %s", resp.StatusCode, string(respBody))
	}

	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode trigger response: %w", err)
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("trigger endpoint returned no job id for index %s", indexID)
	}
	return payload.JobID, nil
}

// JobStatus queries one ingestion run. Statuses the backend does not label
// as settled count as still pending.
func (c *Client) JobStatus(ctx context.Context, jobID string) (domain.IndexStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/indexing-status?job_id="+jobID, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query indexing status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status endpoint status %d", resp.StatusCode)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}

	switch payload.Status {
	case "success", "succeeded", "completed":
		return domain.IndexSuccess, nil
	case "error", "failed":
		return domain.IndexTransientFailure, nil
	default:
		return domain.IndexPending, nil
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

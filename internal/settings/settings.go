// Package settings fetches server-sourced surface configuration: upload
// size limit, indexing poll interval, and feature toggles.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Remote is the settings payload served by the backend. Absent fields keep
// their zero value, which the consumers treat as "no limit" / "no delay".
type Remote struct {
	UploadMaxFilesizeMB float64 `json:"upload_max_filesize"`
	PollingIntervalSec  float64 `json:"polling_interval"`
	OYDEnabled          bool    `json:"oyd_enabled"`
}

// SizeLimitBytes converts the MB limit to bytes. Zero means no limit.
func (r Remote) SizeLimitBytes() int64 {
	if r.UploadMaxFilesizeMB <= 0 {
		return 0
	}
	return int64(r.UploadMaxFilesizeMB * 1024 * 1024)
}

// PollInterval converts the polling interval to a duration. Zero means the
// caller should fall back to its minimum practical delay.
func (r Remote) PollInterval() time.Duration {
	if r.PollingIntervalSec <= 0 {
		return 0
	}
	return time.Duration(r.PollingIntervalSec * float64(time.Second))
}

// ClientConfig configures the settings client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to the backend settings endpoints.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// Fetch retrieves the current remote settings. A failed fetch returns the
// zero value alongside the error so callers can degrade to defaults.
func (c *Client) Fetch(ctx context.Context) (Remote, error) {
	var remote Remote

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/frontend_settings", nil)
	if err != nil {
		return remote, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return remote, fmt.Errorf("fetch settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return remote, fmt.Errorf("settings endpoint status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return remote, fmt.Errorf("decode settings: %w", err)
	}

	c.logger.Info("remote settings fetched",
		"upload_max_filesize_mb", remote.UploadMaxFilesizeMB,
		"polling_interval_s", remote.PollingIntervalSec,
		"oyd_enabled", remote.OYDEnabled,
	)
	return remote, nil
}

// EnvMode reports whether the backend is in custom knowledge-base mode.
func (c *Client) EnvMode(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/get-env-mode", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch env mode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("env-mode endpoint status %d", resp.StatusCode)
	}

	var payload struct {
		IsCustomMode bool `json:"isCustomMode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode env mode: %w", err)
	}
	return payload.IsCustomMode, nil
}

// SetEnvMode switches the backend knowledge-base mode.
func (c *Client) SetEnvMode(ctx context.Context, custom bool) error {
	body, _ := json.Marshal(map[string]bool{"isCustomMode": custom})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/set-env-mode", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("set env mode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("env-mode endpoint status %d: %s", resp.StatusCode, string(respBody))
	}

	c.logger.Info("env mode updated", "custom", custom)
	return nil
}

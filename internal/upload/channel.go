// Package upload transfers documents to the remote upload endpoint and
// reports the per-item lifecycle as an ordered event stream.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"chatsurface/internal/domain"
)

// MaxDropItems bounds a grouped drag-and-drop batch. Items beyond the cap
// are not submitted.
const MaxDropItems = 3

// SizeLimitError marks a file rejected pre-flight by the configured
// maximum upload size. No network call is made for these.
type SizeLimitError struct {
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("file is %.1f MB, the upload limit is %.0f MB",
		float64(e.Size)/(1024*1024), float64(e.Limit)/(1024*1024))
}

// ChannelConfig configures the upload channel.
type ChannelConfig struct {
	Endpoint  string       // full URL of the upload endpoint
	SizeLimit func() int64 // max bytes per file; 0 = no limit
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Channel performs multipart transfers. Each item gets its own event
// stream: one start, then exactly one of error or finish.
type Channel struct {
	endpoint  string
	sizeLimit func() int64
	client    *http.Client
	logger    *slog.Logger
}

func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.SizeLimit == nil {
		cfg.SizeLimit = func() int64 { return 0 }
	}
	return &Channel{
		endpoint:  cfg.Endpoint,
		sizeLimit: cfg.SizeLimit,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    cfg.Logger,
	}
}

// Upload transfers one item. The returned channel is closed after the
// terminal event. An oversize item produces a single error event and no
// network traffic.
func (c *Channel) Upload(ctx context.Context, item domain.UploadItem) <-chan domain.UploadEvent {
	events := make(chan domain.UploadEvent, 3)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	go func() {
		defer close(events)

		if limit := c.sizeLimit(); limit > 0 && item.Size > limit {
			err := &SizeLimitError{Size: item.Size, Limit: limit}
			c.logger.Warn("upload rejected pre-flight", "item", item.ID, "name", item.Name, "err", err)
			events <- domain.UploadEvent{Type: domain.UploadErrored, ItemID: item.ID, Err: err.Error()}
			return
		}

		events <- domain.UploadEvent{Type: domain.UploadStarted, ItemID: item.ID}

		result, err := c.transfer(ctx, item)
		if err != nil {
			c.logger.Warn("upload failed", "item", item.ID, "name", item.Name, "err", err)
			events <- domain.UploadEvent{Type: domain.UploadErrored, ItemID: item.ID, Err: err.Error()}
			return
		}

		c.logger.Info("upload finished",
			"item", item.ID,
			"document", result.DocumentName,
			"index_id", result.IndexID,
		)
		events <- domain.UploadEvent{Type: domain.UploadFinished, ItemID: item.ID, Result: result}
	}()

	return events
}

// UploadAll submits a drag-and-drop group, capped at MaxDropItems.
// Transfers run independently per item.
func (c *Channel) UploadAll(ctx context.Context, items []domain.UploadItem) []<-chan domain.UploadEvent {
	if len(items) > MaxDropItems {
		c.logger.Warn("drop group truncated", "items", len(items), "cap", MaxDropItems)
		items = items[:MaxDropItems]
	}
	streams := make([]<-chan domain.UploadEvent, 0, len(items))
	for _, item := range items {
		streams = append(streams, c.Upload(ctx, item))
	}
	return streams
}

func (c *Channel) transfer(ctx context.Context, item domain.UploadItem) (*domain.UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", item.Name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, item.Data); err != nil {
		return nil, fmt.Errorf("copy file data: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload endpoint status %d: %s", resp.StatusCode, string(respBody))
	}

	var result domain.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &result, nil
}

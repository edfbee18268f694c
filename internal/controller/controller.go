// Package controller owns the attachment-and-ingestion state machine of
// one chat-input session: accept a selected or pasted file, upload it,
// wait for server-side indexing, and gate message release on that
// lifecycle.
package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatsurface/internal/composer"
	"chatsurface/internal/domain"
	"chatsurface/internal/filter"
	"chatsurface/internal/imaging"
	"chatsurface/internal/metrics"
)

const (
	defaultMaxImageWidth  = 800
	defaultMaxImageHeight = 800
)

var (
	// ErrIndexingInFlight rejects a second send while a poll loop runs.
	ErrIndexingInFlight = errors.New("a send is already waiting on document indexing")

	// ErrUploadInFlight rejects a send while the document transfer runs.
	ErrUploadInFlight = errors.New("the document upload has not settled yet")

	// ErrNotSendable is returned when the send gate is closed (empty text
	// or disabled surface).
	ErrNotSendable = errors.New("nothing to send")

	// ErrImageAttachDisabled is returned when the image entry points are
	// switched off by the oyd_enabled remote toggle.
	ErrImageAttachDisabled = errors.New("image attachments are disabled")
)

// Config wires one controller instance. Shared app-wide settings come in
// here explicitly; the controller never reads ambient state.
type Config struct {
	SessionID string
	Uploader  domain.Uploader
	Waiter    domain.IndexWaiter
	Bus       domain.MessageBus
	Records   domain.UploadRecorder // optional
	Filter    *filter.Policy
	Logger    *slog.Logger

	OYDEnabled  func() bool // image entry points disabled when true
	ClearOnSend bool

	MaxImageWidth  int
	MaxImageHeight int

	// OnDocumentIndexing is signaled exactly once when a send enters the
	// indexing wait and once when it leaves it.
	OnDocumentIndexing func(active bool)

	// OnConversation reports a conversation id newly associated by a
	// finished upload.
	OnConversation func(id string)
}

// Controller sequences UploadChannel -> IndexingPoller -> MessageComposer
// for one session. Text editing stays responsive while the upload and the
// indexing wait run.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	state State
	text  string

	// cancel aborts the in-flight upload or poll loop when the attachment
	// is replaced or the controller is torn down.
	cancel context.CancelFunc
}

func New(cfg Config) *Controller {
	if cfg.MaxImageWidth <= 0 {
		cfg.MaxImageWidth = defaultMaxImageWidth
	}
	if cfg.MaxImageHeight <= 0 {
		cfg.MaxImageHeight = defaultMaxImageHeight
	}
	if cfg.OYDEnabled == nil {
		cfg.OYDEnabled = func() bool { return false }
	}
	if cfg.Filter == nil {
		cfg.Filter = filter.Default()
	}
	return &Controller{
		cfg:   cfg,
		state: State{Phase: PhaseIdle},
	}
}

// Snapshot returns a copy of the current state for rendering.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.Attachment != nil {
		att := *s.Attachment
		s.Attachment = &att
	}
	return s
}

// Text returns the pending message text.
func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// UpdateText replaces the pending message text. Allowed at any time; the
// text input is never blocked by attachment lifecycles.
func (c *Controller) UpdateText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

// AttachImage encodes an image from the picker or the clipboard and holds
// it as the current attachment. Decode failures reject the attachment and
// never propagate.
func (c *Controller) AttachImage(name, mimeType string, data []byte) error {
	if c.cfg.OYDEnabled() {
		return ErrImageAttachDisabled
	}
	if !c.cfg.Filter.AllowImage(mimeType) {
		c.step(AttachmentRejected{Reason: "unsupported image type: " + mimeType})
		return nil
	}

	payload, err := imaging.Encode(data, c.cfg.MaxImageWidth, c.cfg.MaxImageHeight)
	if err != nil {
		var de *imaging.DecodeError
		if errors.As(err, &de) {
			c.cfg.Logger.Warn("image rejected", "session", c.cfg.SessionID, "name", name, "err", err)
			metrics.ImageRejects.Inc()
			c.step(AttachmentRejected{Reason: "the file is not a usable image"})
			return nil
		}
		return err
	}

	c.abortInFlight()
	c.step(ImageAttached{Name: name, Payload: payload})
	metrics.ImageAttachments.Inc()
	return nil
}

// AttachDocument uploads a document and, on success, holds its index id.
// The previous attachment (and any in-flight transfer) is replaced without
// confirmation.
func (c *Controller) AttachDocument(ctx context.Context, name, mimeType string, size int64, data io.Reader) error {
	if !c.cfg.Filter.AllowDocument(name, mimeType) {
		c.step(AttachmentRejected{Reason: "unsupported document type: " + name})
		return nil
	}

	c.abortInFlight()
	uploadCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.step(DocumentSelected{Name: name})
	metrics.UploadsTotal.Inc()

	item := domain.UploadItem{Name: name, MimeType: mimeType, Size: size, Data: data}
	events := c.cfg.Uploader.Upload(uploadCtx, item)

	go c.consumeUploadEvents(uploadCtx, item, events)
	return nil
}

// consumeUploadEvents applies the ordered start -> (error|finish) stream
// to the machine and writes the audit record on the terminal event.
func (c *Controller) consumeUploadEvents(ctx context.Context, item domain.UploadItem, events <-chan domain.UploadEvent) {
	started := time.Now()
	for ev := range events {
		switch ev.Type {
		case domain.UploadStarted:
			// Already in PhaseUploading; nothing to apply.

		case domain.UploadErrored:
			if ctx.Err() != nil {
				return // replaced or torn down; the discarded outcome must not touch state
			}
			metrics.UploadErrors.Inc()
			c.step(UploadErrored{Reason: ev.Err})
			c.record(domain.UploadRecord{
				ItemID:       ev.ItemID,
				SessionID:    c.cfg.SessionID,
				DocumentName: item.Name,
				Size:         item.Size,
				Outcome:      "failed",
				Error:        ev.Err,
				CreatedAt:    time.Now(),
			})

		case domain.UploadFinished:
			if ctx.Err() != nil {
				return
			}
			metrics.UploadDuration.Observe(time.Since(started).Seconds())
			_, effects := c.stepEffects(UploadCompleted{Result: *ev.Result})
			for _, eff := range effects {
				if a, ok := eff.(AnnounceConversation); ok && c.cfg.OnConversation != nil {
					c.cfg.OnConversation(a.ConversationID)
				}
			}
			c.record(domain.UploadRecord{
				ItemID:       ev.ItemID,
				SessionID:    c.cfg.SessionID,
				DocumentName: ev.Result.DocumentName,
				Size:         item.Size,
				IndexID:      ev.Result.IndexID,
				Outcome:      "finished",
				CreatedAt:    time.Now(),
			})
		}
	}
}

// RemoveAttachment discards the held attachment and aborts an in-flight
// transfer. A no-op while a send is waiting on indexing.
func (c *Controller) RemoveAttachment() {
	c.abortInFlight()
	c.step(AttachmentRemoved{})
}

// DismissError clears the transient error indicator.
func (c *Controller) DismissError() {
	c.step(ErrorDismissed{})
}

// Send releases the pending message. With a document attachment it blocks
// until indexing settles (bounded by the poller's attempt ceiling); the
// exhausted outcome still releases the message. Concurrent sends during
// the wait are rejected with ErrIndexingInFlight.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseIndexing:
		c.mu.Unlock()
		return ErrIndexingInFlight
	case PhaseUploading:
		c.mu.Unlock()
		return ErrUploadInFlight
	}
	text := c.text
	if !composer.CanSend(text, false) {
		c.mu.Unlock()
		return ErrNotSendable
	}

	next, effects := Step(c.state, SendRequested{Text: text})
	c.state = next
	c.mu.Unlock()

	return c.runEffects(ctx, effects)
}

// runEffects executes transition effects. StartPolling is the only
// blocking one; it runs outside the lock so text editing stays live.
func (c *Controller) runEffects(ctx context.Context, effects []Effect) error {
	for _, eff := range effects {
		switch e := eff.(type) {
		case NotifyIndexing:
			if c.cfg.OnDocumentIndexing != nil {
				c.cfg.OnDocumentIndexing(e.Active)
			}

		case StartPolling:
			metrics.IndexingRuns.Inc()
			waitStarted := time.Now()
			status, err := c.cfg.Waiter.WaitForIndex(ctx, e.IndexID)
			if err != nil {
				// Cancellation mid-poll: leave Indexing, surface nothing.
				c.mu.Lock()
				c.state = State{Phase: PhaseIdle, ConversationID: c.state.ConversationID}
				c.mu.Unlock()
				if c.cfg.OnDocumentIndexing != nil {
					c.cfg.OnDocumentIndexing(false)
				}
				return err
			}
			metrics.IndexingWait.Observe(time.Since(waitStarted).Seconds())
			if status == domain.IndexExhausted {
				metrics.IndexingExhausted.Inc()
			}

			c.mu.Lock()
			next, settled := Step(c.state, IndexingSettled{Status: status})
			c.state = next
			c.mu.Unlock()
			if err := c.runEffects(ctx, settled); err != nil {
				return err
			}

		case Dispatch:
			c.cfg.Bus.Release(domain.ReleasedMessage{
				SessionID:      c.cfg.SessionID,
				ConversationID: e.ConversationID,
				Content:        e.Content,
				Timestamp:      time.Now(),
			})
			metrics.MessagesReleased.Inc()
			c.finishSend()

		case AnnounceConversation:
			if c.cfg.OnConversation != nil {
				c.cfg.OnConversation(e.ConversationID)
			}
		}
	}
	return nil
}

// finishSend collapses Resolved to Idle and applies the clear-on-send flag.
func (c *Controller) finishSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state, _ = Step(c.state, Cleared{})
	if c.cfg.ClearOnSend {
		c.text = ""
	}
}

// Close aborts any in-flight upload. Safe to call more than once.
func (c *Controller) Close() {
	c.abortInFlight()
}

func (c *Controller) abortInFlight() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) step(ev Event) {
	c.mu.Lock()
	c.state, _ = Step(c.state, ev)
	c.mu.Unlock()
}

func (c *Controller) stepEffects(ev Event) (State, []Effect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var effects []Effect
	c.state, effects = Step(c.state, ev)
	return c.state, effects
}

func (c *Controller) record(rec domain.UploadRecord) {
	if c.cfg.Records == nil {
		return
	}
	if err := c.cfg.Records.RecordUpload(context.Background(), rec); err != nil {
		c.cfg.Logger.Warn("failed to record upload", "session", c.cfg.SessionID, "err", err)
	}
}

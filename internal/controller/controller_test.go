package controller

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsurface/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeUploader replays a scripted event sequence. When hold is set, the
// terminal event is delayed until the channel is closed.
type fakeUploader struct {
	events []domain.UploadEvent
	hold   chan struct{}
	calls  atomic.Int32
}

func (u *fakeUploader) Upload(ctx context.Context, item domain.UploadItem) <-chan domain.UploadEvent {
	u.calls.Add(1)
	ch := make(chan domain.UploadEvent, len(u.events))
	go func() {
		defer close(ch)
		for i, ev := range u.events {
			if i > 0 && u.hold != nil {
				<-u.hold
			}
			ch <- ev
		}
	}()
	return ch
}

// fakeWaiter blocks on release when set, otherwise settles immediately.
type fakeWaiter struct {
	status  domain.IndexStatus
	release chan domain.IndexStatus
	calls   atomic.Int32
}

func (w *fakeWaiter) WaitForIndex(ctx context.Context, indexID string) (domain.IndexStatus, error) {
	w.calls.Add(1)
	if w.release != nil {
		select {
		case st := <-w.release:
			return st, nil
		case <-ctx.Done():
			return domain.IndexPending, ctx.Err()
		}
	}
	return w.status, nil
}

type fakeBus struct {
	mu       sync.Mutex
	released []domain.ReleasedMessage
}

func (b *fakeBus) Release(msg domain.ReleasedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, msg)
}

func (b *fakeBus) messages() []domain.ReleasedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ReleasedMessage, len(b.released))
	copy(out, b.released)
	return out
}

func (b *fakeBus) Subscribe() <-chan domain.ReleasedMessage                 { return nil }
func (b *fakeBus) Deliver(domain.DeliveredMessage)                          {}
func (b *fakeBus) OnDeliver(string, func(msg domain.DeliveredMessage))      {}
func (b *fakeBus) Close()                                                   {}

type fakeRecorder struct {
	mu      sync.Mutex
	records []domain.UploadRecord
}

func (r *fakeRecorder) RecordUpload(_ context.Context, rec domain.UploadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) all() []domain.UploadRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UploadRecord, len(r.records))
	copy(out, r.records)
	return out
}

func waitForPhase(t *testing.T, c *Controller, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().Phase == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase never reached %s, still %s", want, c.Snapshot().Phase)
}

func TestController_ImagePasteAndSend(t *testing.T) {
	bus := &fakeBus{}
	c := New(Config{
		SessionID:   "s1",
		Uploader:    &fakeUploader{},
		Waiter:      &fakeWaiter{},
		Bus:         bus,
		Logger:      testLogger(),
		ClearOnSend: true,
	})
	defer c.Close()

	if err := c.AttachImage("shot.png", "image/png", testPNG(t)); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if snap.Attachment == nil || snap.Attachment.Kind != domain.AttachmentImage {
		t.Fatalf("image not held: %+v", snap.Attachment)
	}

	c.UpdateText("what is this?")
	if err := c.Send(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := bus.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one released message, got %d", len(msgs))
	}
	content := msgs[0].Content
	if !content.Multipart() || len(content.Parts) != 2 {
		t.Fatalf("expected two-part content, got %+v", content)
	}
	if content.Parts[0].Type != "text" || content.Parts[0].Text != "what is this?" {
		t.Errorf("text part wrong: %+v", content.Parts[0])
	}
	if content.Parts[1].Type != "image_url" ||
		!strings.HasPrefix(content.Parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("image part wrong: %+v", content.Parts[1])
	}

	if c.Text() != "" {
		t.Error("clear-on-send should empty the text")
	}
	snap = c.Snapshot()
	if snap.Phase != PhaseIdle || snap.Attachment != nil {
		t.Errorf("surface should be clean after send, got %+v", snap)
	}
}

func TestController_DocumentSendWaitsOnIndexing(t *testing.T) {
	uploader := &fakeUploader{events: []domain.UploadEvent{
		{Type: domain.UploadStarted, ItemID: "item-1"},
		{Type: domain.UploadFinished, ItemID: "item-1", Result: &domain.UploadResult{
			ConversationID: "conv-1", IndexID: "idx-abc", DocumentName: "report.pdf",
		}},
	}}
	waiter := &fakeWaiter{release: make(chan domain.IndexStatus)}
	bus := &fakeBus{}
	recorder := &fakeRecorder{}
	indexingSignals := make(chan bool, 4)
	var convID atomic.Value

	c := New(Config{
		SessionID:          "s1",
		Uploader:           uploader,
		Waiter:             waiter,
		Bus:                bus,
		Records:            recorder,
		Logger:             testLogger(),
		OnDocumentIndexing: func(active bool) { indexingSignals <- active },
		OnConversation:     func(id string) { convID.Store(id) },
	})
	defer c.Close()

	if err := c.AttachDocument(context.Background(), "report.pdf", "application/pdf", 1024, strings.NewReader("pdf bytes")); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, c, PhaseUploadSucceeded)

	if got, _ := convID.Load().(string); got != "conv-1" {
		t.Errorf("conversation id not announced, got %q", got)
	}

	c.UpdateText("summarize")
	sendErr := make(chan error, 1)
	go func() { sendErr <- c.Send(context.Background()) }()

	select {
	case active := <-indexingSignals:
		if !active {
			t.Fatal("first indexing signal should be active=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("indexing never signaled")
	}

	// The wait is in flight: a concurrent send must be refused, and text
	// editing must stay possible.
	if err := c.Send(context.Background()); !errors.Is(err, ErrIndexingInFlight) {
		t.Fatalf("expected ErrIndexingInFlight, got %v", err)
	}
	c.UpdateText("summarize (edited while waiting)")
	if len(bus.messages()) != 0 {
		t.Fatal("nothing may be released before indexing settles")
	}

	waiter.release <- domain.IndexSuccess
	if err := <-sendErr; err != nil {
		t.Fatal(err)
	}

	select {
	case active := <-indexingSignals:
		if active {
			t.Fatal("second indexing signal should be active=false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("indexing end never signaled")
	}

	msgs := bus.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one released message, got %d", len(msgs))
	}
	if msgs[0].ConversationID != "conv-1" {
		t.Errorf("conversation id not carried: %q", msgs[0].ConversationID)
	}
	if msgs[0].Content.Multipart() || msgs[0].Content.Text != "summarize" {
		t.Errorf("document send should release the text captured at send time, got %+v", msgs[0].Content)
	}

	if waiter.calls.Load() != 1 {
		t.Errorf("expected exactly one indexing wait, got %d", waiter.calls.Load())
	}
	if c.Snapshot().Phase != PhaseIdle {
		t.Errorf("surface should return to idle, got %s", c.Snapshot().Phase)
	}

	recs := recorder.all()
	if len(recs) != 1 || recs[0].Outcome != "finished" || recs[0].IndexID != "idx-abc" {
		t.Errorf("unexpected audit records: %+v", recs)
	}
}

func TestController_ExhaustedStillReleases(t *testing.T) {
	uploader := &fakeUploader{events: []domain.UploadEvent{
		{Type: domain.UploadStarted},
		{Type: domain.UploadFinished, Result: &domain.UploadResult{ConversationID: "conv-1", IndexID: "idx-1"}},
	}}
	bus := &fakeBus{}
	c := New(Config{
		SessionID: "s1",
		Uploader:  uploader,
		Waiter:    &fakeWaiter{status: domain.IndexExhausted},
		Bus:       bus,
		Logger:    testLogger(),
	})
	defer c.Close()

	if err := c.AttachDocument(context.Background(), "big.pdf", "application/pdf", 1, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, c, PhaseUploadSucceeded)

	c.UpdateText("go ahead anyway")
	if err := c.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(bus.messages()) != 1 {
		t.Fatal("an exhausted indexing wait must not block the release")
	}
}

func TestController_SendDuringUploadRejected(t *testing.T) {
	hold := make(chan struct{})
	uploader := &fakeUploader{
		hold: hold,
		events: []domain.UploadEvent{
			{Type: domain.UploadStarted},
			{Type: domain.UploadFinished, Result: &domain.UploadResult{IndexID: "idx-1"}},
		},
	}
	c := New(Config{
		SessionID: "s1",
		Uploader:  uploader,
		Waiter:    &fakeWaiter{status: domain.IndexSuccess},
		Bus:       &fakeBus{},
		Logger:    testLogger(),
	})
	defer c.Close()

	if err := c.AttachDocument(context.Background(), "slow.pdf", "application/pdf", 1, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, c, PhaseUploading)

	c.UpdateText("too early")
	if err := c.Send(context.Background()); !errors.Is(err, ErrUploadInFlight) {
		t.Fatalf("expected ErrUploadInFlight, got %v", err)
	}

	close(hold)
	waitForPhase(t, c, PhaseUploadSucceeded)
}

func TestController_UploadErrorIsRetryable(t *testing.T) {
	uploader := &fakeUploader{events: []domain.UploadEvent{
		{Type: domain.UploadStarted, ItemID: "item-1"},
		{Type: domain.UploadErrored, ItemID: "item-1", Err: "upload endpoint status 502"},
	}}
	recorder := &fakeRecorder{}
	c := New(Config{
		SessionID: "s1",
		Uploader:  uploader,
		Waiter:    &fakeWaiter{},
		Bus:       &fakeBus{},
		Records:   recorder,
		Logger:    testLogger(),
	})
	defer c.Close()

	if err := c.AttachDocument(context.Background(), "bad.pdf", "application/pdf", 9, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, c, PhaseUploadFailed)

	snap := c.Snapshot()
	if snap.Attachment != nil || snap.ErrorText == "" {
		t.Errorf("failed upload should leave no attachment and a visible error, got %+v", snap)
	}

	// Another attempt must be possible immediately.
	if err := c.AttachDocument(context.Background(), "bad.pdf", "application/pdf", 9, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if uploader.calls.Load() != 2 {
		t.Errorf("expected a second transfer attempt, got %d", uploader.calls.Load())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(recorder.all()) < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	recs := recorder.all()
	if len(recs) < 1 || recs[0].Outcome != "failed" || recs[0].Error == "" {
		t.Errorf("failed upload should be audited, got %+v", recs)
	}
}

func TestController_OYDDisablesImageAttach(t *testing.T) {
	c := New(Config{
		SessionID:  "s1",
		Uploader:   &fakeUploader{},
		Waiter:     &fakeWaiter{},
		Bus:        &fakeBus{},
		Logger:     testLogger(),
		OYDEnabled: func() bool { return true },
	})
	defer c.Close()

	if err := c.AttachImage("shot.png", "image/png", testPNG(t)); !errors.Is(err, ErrImageAttachDisabled) {
		t.Fatalf("expected ErrImageAttachDisabled, got %v", err)
	}
}

func TestController_UnsupportedDocumentRejected(t *testing.T) {
	uploader := &fakeUploader{}
	c := New(Config{
		SessionID: "s1",
		Uploader:  uploader,
		Waiter:    &fakeWaiter{},
		Bus:       &fakeBus{},
		Logger:    testLogger(),
	})
	defer c.Close()

	if err := c.AttachDocument(context.Background(), "script.sh", "text/x-shellscript", 4, strings.NewReader("#!")); err != nil {
		t.Fatal(err)
	}
	if uploader.calls.Load() != 0 {
		t.Error("rejected file must never reach the transfer")
	}
	snap := c.Snapshot()
	if snap.Phase != PhaseIdle || snap.ErrorText == "" {
		t.Errorf("rejection should surface an error in idle, got %+v", snap)
	}
}

func TestController_UndecodableImageRejectedWithoutError(t *testing.T) {
	c := New(Config{
		SessionID: "s1",
		Uploader:  &fakeUploader{},
		Waiter:    &fakeWaiter{},
		Bus:       &fakeBus{},
		Logger:    testLogger(),
	})
	defer c.Close()

	if err := c.AttachImage("junk.png", "image/png", []byte("not an image")); err != nil {
		t.Fatalf("decode failure must not propagate, got %v", err)
	}
	snap := c.Snapshot()
	if snap.Attachment != nil || snap.ErrorText == "" {
		t.Errorf("rejection should discard the attachment and surface an error, got %+v", snap)
	}
}

func TestController_EmptyTextNotSendable(t *testing.T) {
	c := New(Config{
		SessionID: "s1",
		Uploader:  &fakeUploader{},
		Waiter:    &fakeWaiter{},
		Bus:       &fakeBus{},
		Logger:    testLogger(),
	})
	defer c.Close()

	c.UpdateText("   ")
	if err := c.Send(context.Background()); !errors.Is(err, ErrNotSendable) {
		t.Fatalf("expected ErrNotSendable, got %v", err)
	}
}

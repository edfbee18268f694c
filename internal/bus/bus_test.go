package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"chatsurface/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestReleaseAndSubscribe(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	b.Release(domain.ReleasedMessage{SessionID: "s1", Content: domain.MessageContent{Text: "hello"}})

	select {
	case msg := <-b.Subscribe():
		if msg.SessionID != "s1" || msg.Content.Text != "hello" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestDeliverRoutesToOwningSession(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	got := make(chan domain.DeliveredMessage, 1)
	b.OnDeliver("s1", func(msg domain.DeliveredMessage) { got <- msg })

	b.Deliver(domain.DeliveredMessage{SessionID: "s1", Content: "answer"})
	b.Deliver(domain.DeliveredMessage{SessionID: "other", Content: "not yours"})

	select {
	case msg := <-got:
		if msg.Content != "answer" {
			t.Errorf("unexpected delivery: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}

	select {
	case msg := <-got:
		t.Errorf("delivery leaked across sessions: %+v", msg)
	default:
	}
}

func TestReleaseAfterCloseDoesNotPanic(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Release(domain.ReleasedMessage{SessionID: "s1"})
	b.Close() // idempotent
}

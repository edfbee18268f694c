// Package bus carries composed messages from the input surface to the
// messaging layer, and routes responses back to the owning session.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatsurface/internal/domain"
)

const releaseTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based bus for in-process communication.
type InMemoryBus struct {
	released chan domain.ReleasedMessage
	handlers map[string]func(domain.DeliveredMessage)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		released: make(chan domain.ReleasedMessage, bufferSize),
		handlers: make(map[string]func(domain.DeliveredMessage)),
		logger:   logger,
	}
}

// Release hands a composed message to the messaging layer. Blocks up to
// 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Release(msg domain.ReleasedMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to release on closed bus")
		return
	}

	select {
	case b.released <- msg:
	default:
		b.logger.Warn("release bus full, waiting...", "session", msg.SessionID)
		timer := time.NewTimer(releaseTimeout)
		defer timer.Stop()
		select {
		case b.released <- msg:
			b.logger.Info("message released after wait", "session", msg.SessionID)
		case <-timer.C:
			b.logger.Error("message dropped: bus full for 10s",
				"session", msg.SessionID,
				"conversation", msg.ConversationID,
			)
		}
	}
}

// Subscribe returns the stream the messaging layer consumes.
func (b *InMemoryBus) Subscribe() <-chan domain.ReleasedMessage {
	return b.released
}

// Deliver routes a messaging-layer response to the session that owns it.
func (b *InMemoryBus) Deliver(msg domain.DeliveredMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.SessionID]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for session",
			"session", msg.SessionID,
		)
		return
	}

	handler(msg)
}

// OnDeliver registers the delivery handler for a session.
func (b *InMemoryBus) OnDeliver(sessionID string, handler func(domain.DeliveredMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[sessionID] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.released)
	}
}

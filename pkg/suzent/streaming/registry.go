package streaming

import (
	"log/slog"
	"sync"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// Controller carries the cancel signal for one active stream.
type Controller struct {
	chatID string

	mu     sync.Mutex
	done   chan struct{}
	reason string
}

// Done returns the channel closed when the stream is cancelled.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Cancelled reports whether the cancel signal has been raised.
func (c *Controller) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, if any.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		// Already cancelled; first reason wins.
	default:
		c.reason = reason
		close(c.done)
	}
}

// Registry maps chat id to its active stream controller.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Controller
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams: make(map[string]*Controller),
		logger:  logger.With("component", "streaming"),
	}
}

// Register creates a controller for chatID. A chat with an active stream
// is rejected with Conflict; turns on one chat never run in parallel.
func (r *Registry) Register(chatID string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[chatID]; exists {
		return nil, apierr.Conflict("chat %q already has an active stream", chatID)
	}
	c := &Controller{chatID: chatID, done: make(chan struct{})}
	r.streams[chatID] = c
	return c, nil
}

// Unregister removes the controller for chatID. Safe to call twice.
func (r *Registry) Unregister(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, chatID)
}

// Stop raises the cancel signal for an active stream. Returns false when
// no stream is active for the chat.
func (r *Registry) Stop(chatID, reason string) bool {
	r.mu.Lock()
	c, ok := r.streams[chatID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "stopped by request"
	}
	c.cancel(reason)
	r.logger.Info("stream stopped", "chat_id", chatID, "reason", reason)
	return true
}

// Active reports whether chatID has a registered stream.
func (r *Registry) Active(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[chatID]
	return ok
}

// Package channels implements the social fan-in layer. Platform drivers
// push inbound messages into one shared queue; a single consumer (the
// brain) authorizes each message, maps it onto a per-conversation chat,
// runs an agent turn, and replies through the originating driver.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/config"
)

// UnifiedMessage is the platform-independent inbound message shape every
// driver converts into.
type UnifiedMessage struct {
	Platform   string
	SenderID   string
	SenderName string
	ThreadID   string
	Text       string
	Images     [][]byte
}

// Target returns the conversation key: the thread when present,
// otherwise the sender.
func (m UnifiedMessage) Target() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.SenderID
}

// Driver is one platform connector. Connect starts the platform session
// and delivers inbound traffic via the push function until the context
// is cancelled or Disconnect is called.
type Driver interface {
	Name() string
	Connect(ctx context.Context, push func(UnifiedMessage)) error
	Disconnect() error
	SendMessage(ctx context.Context, target, text string) error
	SendFile(ctx context.Context, target, path, caption string) error
}

// Manager owns the registered drivers and the shared inbound queue.
type Manager struct {
	cfg    map[string]config.ChannelConfig
	logger *slog.Logger

	mu      sync.RWMutex
	drivers map[string]Driver
	inbound chan UnifiedMessage
}

// NewManager creates a channel manager with a buffered inbound queue.
func NewManager(cfg map[string]config.ChannelConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "channels"),
		drivers: make(map[string]Driver),
		inbound: make(chan UnifiedMessage, 64),
	}
}

// Register adds a driver. Registration is wiring only; Connect happens
// in Start for platforms the config enables.
func (m *Manager) Register(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.Name()] = d
}

// Start connects every registered driver whose platform is enabled in
// the config. Connect failures log and skip the platform.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, d := range m.drivers {
		cc, ok := m.cfg[name]
		if !ok || !cc.Enabled {
			continue
		}
		if err := d.Connect(ctx, m.push); err != nil {
			m.logger.Error("channel connect failed", "platform", name, "error", err)
			continue
		}
		m.logger.Info("channel connected", "platform", name)
	}
}

// Stop disconnects every driver.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, d := range m.drivers {
		if err := d.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "platform", name, "error", err)
		}
	}
}

// Inbound exposes the shared queue for the brain consumer.
func (m *Manager) Inbound() <-chan UnifiedMessage { return m.inbound }

// push enqueues an inbound message, dropping it when the queue is full
// so a stalled consumer cannot block platform sessions.
func (m *Manager) push(msg UnifiedMessage) {
	select {
	case m.inbound <- msg:
	default:
		m.logger.Warn("inbound queue full, message dropped", "platform", msg.Platform, "sender", msg.SenderID)
	}
}

// SendMessage delivers text to a target on a platform. It satisfies the
// agent's social sender so the social_message tool can push progress
// updates mid-turn.
func (m *Manager) SendMessage(ctx context.Context, platform, target, text string) error {
	d, err := m.driver(platform)
	if err != nil {
		return err
	}
	return d.SendMessage(ctx, target, text)
}

// SendFile delivers a file to a target on a platform.
func (m *Manager) SendFile(ctx context.Context, platform, target, path, caption string) error {
	d, err := m.driver(platform)
	if err != nil {
		return err
	}
	return d.SendFile(ctx, target, path, caption)
}

func (m *Manager) driver(platform string) (Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[platform]
	if !ok {
		return nil, apierr.NotFound("no channel driver for platform %q", platform)
	}
	return d, nil
}

// authorized checks the sender against the platform's allow-list,
// matching by id or display name. An empty allow-list is open.
func (m *Manager) authorized(msg UnifiedMessage) bool {
	cc, ok := m.cfg[msg.Platform]
	if !ok {
		return false
	}
	if len(cc.AllowList) == 0 {
		return true
	}
	for _, entry := range cc.AllowList {
		if entry == msg.SenderID || (msg.SenderName != "" && entry == msg.SenderName) {
			return true
		}
	}
	return false
}

// ChatIDFor maps a message onto its persistent chat.
func ChatIDFor(msg UnifiedMessage) string {
	return fmt.Sprintf("social-%s-%s", msg.Platform, msg.Target())
}

// Envelope prepends the sender header the agent sees, so multi-party
// threads keep speakers distinguishable.
func Envelope(msg UnifiedMessage) string {
	return fmt.Sprintf("[%s %s id:%s]\n%s", title(msg.Platform), msg.SenderName, msg.SenderID, msg.Text)
}

func title(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-32) + s[1:]
	}
	return s
}

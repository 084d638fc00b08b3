package channels

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDriver records sends and replays a canned connection.
type fakeDriver struct {
	name string

	mu        sync.Mutex
	connected bool
	sent      []string
	push      func(UnifiedMessage)
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Connect(ctx context.Context, push func(UnifiedMessage)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	d.push = push
	return nil
}

func (d *fakeDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDriver) SendMessage(ctx context.Context, target, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, target+": "+text)
	return nil
}

func (d *fakeDriver) SendFile(ctx context.Context, target, path, caption string) error {
	return nil
}

func (d *fakeDriver) sentMessages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func TestChatIDFor(t *testing.T) {
	t.Parallel()
	direct := UnifiedMessage{Platform: "telegram", SenderID: "u42"}
	if got := ChatIDFor(direct); got != "social-telegram-u42" {
		t.Errorf("direct chat id = %q", got)
	}
	threaded := UnifiedMessage{Platform: "discord", SenderID: "u42", ThreadID: "general"}
	if got := ChatIDFor(threaded); got != "social-discord-general" {
		t.Errorf("threaded chat id = %q", got)
	}
}

func TestEnvelope(t *testing.T) {
	t.Parallel()
	msg := UnifiedMessage{Platform: "telegram", SenderID: "u42", SenderName: "Dana", Text: "hello"}
	want := "[Telegram Dana id:u42]\nhello"
	if got := Envelope(msg); got != want {
		t.Errorf("envelope = %q, want %q", got, want)
	}
}

func TestAuthorized(t *testing.T) {
	t.Parallel()
	m := NewManager(map[string]config.ChannelConfig{
		"telegram": {Enabled: true, AllowList: []string{"u1", "u2"}},
		"discord":  {Enabled: true},
	}, newTestLogger())

	tests := []struct {
		name string
		msg  UnifiedMessage
		want bool
	}{
		{"listed sender", UnifiedMessage{Platform: "telegram", SenderID: "u1"}, true},
		{"listed display name", UnifiedMessage{Platform: "telegram", SenderID: "u9", SenderName: "u2"}, true},
		{"unlisted sender", UnifiedMessage{Platform: "telegram", SenderID: "u3"}, false},
		{"empty allow list is open", UnifiedMessage{Platform: "discord", SenderID: "anyone"}, true},
		{"unknown platform", UnifiedMessage{Platform: "matrix", SenderID: "u1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.authorized(tt.msg); got != tt.want {
				t.Errorf("authorized = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStartConnectsEnabledOnly(t *testing.T) {
	t.Parallel()
	m := NewManager(map[string]config.ChannelConfig{
		"telegram": {Enabled: true},
		"discord":  {Enabled: false},
	}, newTestLogger())

	tg := &fakeDriver{name: "telegram"}
	dc := &fakeDriver{name: "discord"}
	m.Register(tg)
	m.Register(dc)
	m.Start(context.Background())

	if !tg.connected {
		t.Error("enabled platform not connected")
	}
	if dc.connected {
		t.Error("disabled platform connected")
	}
	m.Stop()
	if tg.connected {
		t.Error("driver still connected after stop")
	}
}

func TestSendMessageUnknownPlatform(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, newTestLogger())
	err := m.SendMessage(context.Background(), "telegram", "t", "hi")
	if apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("send = %v, want not_found", err)
	}
}

func TestPushDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, newTestLogger())

	for i := 0; i < 70; i++ {
		m.push(UnifiedMessage{Platform: "telegram", Text: "x"})
	}
	if got := len(m.inbound); got != 64 {
		t.Errorf("queued = %d, want 64", got)
	}
}

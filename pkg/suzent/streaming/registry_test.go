package streaming

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterConflict(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newTestLogger())
	if _, err := r.Register("chat-1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := r.Register("chat-1")
	if err == nil {
		t.Fatal("second register should conflict")
	}
	if apierr.CodeOf(err) != apierr.CodeConflict {
		t.Errorf("code = %s, want conflict", apierr.CodeOf(err))
	}
	// A different chat is unaffected.
	if _, err := r.Register("chat-2"); err != nil {
		t.Errorf("other chat register: %v", err)
	}
}

func TestUnregisterAllowsReuse(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newTestLogger())
	if _, err := r.Register("chat-1"); err != nil {
		t.Fatal(err)
	}
	r.Unregister("chat-1")
	if r.Active("chat-1") {
		t.Error("chat still active after unregister")
	}
	if _, err := r.Register("chat-1"); err != nil {
		t.Errorf("register after unregister: %v", err)
	}
	r.Unregister("chat-1")
	r.Unregister("chat-1") // safe to call twice
}

func TestStop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newTestLogger())
	c, err := r.Register("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Cancelled() {
		t.Fatal("controller cancelled before stop")
	}
	if !r.Stop("chat-1", "user clicked stop") {
		t.Fatal("Stop returned false for an active stream")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
	if !c.Cancelled() {
		t.Error("Cancelled() false after stop")
	}
	if c.Reason() != "user clicked stop" {
		t.Errorf("reason = %q", c.Reason())
	}
	if r.Stop("missing", "") {
		t.Error("Stop returned true for an inactive chat")
	}
}

func TestStopFirstReasonWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newTestLogger())
	c, _ := r.Register("chat-1")
	r.Stop("chat-1", "first")
	r.Stop("chat-1", "second")
	if c.Reason() != "first" {
		t.Errorf("reason = %q, want first", c.Reason())
	}
}

func TestSSEFrame(t *testing.T) {
	t.Parallel()

	frame := string(SSEFrame(Delta("hel\nlo")))
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("malformed frame: %q", frame)
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	var ev struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.Fatalf("frame payload not JSON: %v", err)
	}
	if ev.Type != EventStreamDelta {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.Data["content"] != "hel\nlo" {
		t.Errorf("content = %q", ev.Data["content"])
	}
}

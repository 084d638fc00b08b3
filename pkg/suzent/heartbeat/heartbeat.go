// Package heartbeat implements the periodic proactive wake-up. On each
// tick the agent is handed the HEARTBEAT.md checklist; when it decides
// nothing needs attention it replies with a sentinel and the result is
// suppressed, otherwise the result is surfaced as a notification.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/scheduler"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

const (
	// ChatID is the dedicated chat heartbeat turns run on.
	ChatID = "heartbeat-main"

	// Sentinel is the reply that marks a no-action heartbeat.
	Sentinel = "HEARTBEAT_OK"

	// sentinelSlack is how much text may surround the sentinel while the
	// reply still counts as no-action.
	sentinelSlack = 300

	// DefaultInterval between heartbeat turns.
	DefaultInterval = 30 * time.Minute

	// MinInterval is the smallest accepted interval.
	MinInterval = time.Minute
)

const promptTemplate = `Read the following heartbeat checklist and follow it strictly. Do not infer tasks from earlier messages in this conversation; only the checklist below counts. If nothing needs attention right now, reply with exactly ` + Sentinel + `.

---
%s
---`

// Status is the externally visible heartbeat state.
type Status struct {
	Enabled         bool      `json:"enabled"`
	IntervalMinutes int       `json:"interval_minutes"`
	ChecklistExists bool      `json:"checklist_exists"`
	LastRunAt       time.Time `json:"last_run_at,omitzero"`
	LastResult      string    `json:"last_result,omitempty"`
	LastOK          bool      `json:"last_ok"`
}

// Heartbeat owns the tick loop and the sentinel logic.
type Heartbeat struct {
	store         *database.Store
	runTurn       scheduler.TurnFunc
	streams       *streaming.Registry
	notifications *scheduler.Notifications
	checklistPath string
	logger        *slog.Logger

	mu         sync.Mutex
	enabled    bool
	interval   time.Duration
	cancel     context.CancelFunc
	parentCtx  context.Context
	lastRunAt  time.Time
	lastResult string
	lastOK     bool
}

// New creates a heartbeat. notifications may be the scheduler's deque so
// heartbeat findings surface through the same polling endpoint.
func New(store *database.Store, runTurn scheduler.TurnFunc, streams *streaming.Registry, notifications *scheduler.Notifications, checklistPath string, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if interval < MinInterval {
		interval = DefaultInterval
	}
	return &Heartbeat{
		store:         store,
		runTurn:       runTurn,
		streams:       streams,
		notifications: notifications,
		checklistPath: checklistPath,
		interval:      interval,
		logger:        logger.With("component", "heartbeat"),
	}
}

// Start begins ticking. The parent context bounds the loop for the
// lifetime of the process; Enable/Disable toggle within it.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parentCtx = ctx
	if h.enabled {
		return
	}
	h.enabled = true
	h.startLoopLocked()
	h.logger.Info("heartbeat started", "interval", h.interval.String())
}

// Stop halts the loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = false
	h.stopLoopLocked()
}

// Enable turns the heartbeat on (idempotent).
func (h *Heartbeat) Enable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enabled {
		return
	}
	h.enabled = true
	h.startLoopLocked()
	h.logger.Info("heartbeat enabled", "interval", h.interval.String())
}

// Disable turns the heartbeat off (idempotent).
func (h *Heartbeat) Disable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return
	}
	h.enabled = false
	h.stopLoopLocked()
	h.logger.Info("heartbeat disabled")
}

// SetInterval changes the tick interval, restarting the loop if running.
// Intervals under one minute are rejected.
func (h *Heartbeat) SetInterval(minutes int) error {
	d := time.Duration(minutes) * time.Minute
	if d < MinInterval {
		return apierr.InvalidInput("heartbeat interval must be at least 1 minute")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interval = d
	if h.enabled {
		h.stopLoopLocked()
		h.startLoopLocked()
	}
	h.logger.Info("heartbeat interval updated", "interval", d.String())
	return nil
}

// TriggerNow runs one heartbeat turn immediately.
func (h *Heartbeat) TriggerNow() {
	go h.beat(context.Background())
}

// Status reports the current heartbeat state.
func (h *Heartbeat) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := os.Stat(h.checklistPath)
	return Status{
		Enabled:         h.enabled,
		IntervalMinutes: int(h.interval / time.Minute),
		ChecklistExists: err == nil,
		LastRunAt:       h.lastRunAt,
		LastResult:      h.lastResult,
		LastOK:          h.lastOK,
	}
}

func (h *Heartbeat) startLoopLocked() {
	parent := h.parentCtx
	if parent == nil {
		parent = context.Background()
	}
	loopCtx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	go h.loop(loopCtx, h.interval)
}

func (h *Heartbeat) stopLoopLocked() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *Heartbeat) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// beat runs one heartbeat turn, unless the checklist is absent or empty
// or a previous heartbeat is still streaming.
func (h *Heartbeat) beat(ctx context.Context) {
	checklist, ok := h.readChecklist()
	if !ok {
		h.logger.Debug("heartbeat skipped, checklist absent or empty")
		return
	}
	if h.streams.Active(ChatID) {
		h.logger.Debug("heartbeat skipped, previous run still streaming")
		return
	}
	if !h.store.ChatExists(ChatID) {
		cfg := map[string]any{"platform": "heartbeat"}
		if _, err := h.store.CreateChat(ChatID, "Heartbeat", cfg, nil); err != nil {
			h.logger.Error("failed to create heartbeat chat", "error", err)
			return
		}
	}

	prompt := fmt.Sprintf(promptTemplate, checklist)
	result, err := h.runTurn(ctx, ChatID, "default", prompt, nil)

	h.mu.Lock()
	h.lastRunAt = time.Now()
	h.mu.Unlock()

	if err != nil {
		h.recordResult("", false)
		h.logger.Error("heartbeat turn failed", "error", err)
		return
	}
	if IsOK(result) {
		h.recordResult(result, true)
		h.logger.Debug("heartbeat ok")
		return
	}
	h.recordResult(result, false)
	h.logger.Info("heartbeat produced a finding")
	if h.notifications != nil {
		h.notifications.Push(scheduler.Notification{
			JobID:     "heartbeat",
			JobName:   "Heartbeat",
			Result:    result,
			Timestamp: time.Now(),
		})
	}
}

func (h *Heartbeat) recordResult(result string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastResult = result
	h.lastOK = ok
}

// readChecklist loads HEARTBEAT.md and reports whether it has actionable
// content (any non-blank line that is not a markdown heading).
func (h *Heartbeat) readChecklist() (string, bool) {
	data, err := os.ReadFile(h.checklistPath)
	if err != nil {
		return "", false
	}
	text := string(data)
	if !hasContent(text) {
		return "", false
	}
	return text, true
}

// hasContent reports whether the checklist contains anything beyond
// blank lines and headings.
func hasContent(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return true
	}
	return false
}

// IsOK reports whether a heartbeat reply counts as no-action: the
// sentinel alone, or the sentinel surrounded by a small amount of
// filler text.
func IsOK(result string) bool {
	trimmed := strings.TrimSpace(result)
	if trimmed == Sentinel {
		return true
	}
	if !strings.Contains(trimmed, Sentinel) {
		return false
	}
	return len(trimmed)-len(Sentinel) <= sentinelSlack
}

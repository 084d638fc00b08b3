package scheduler

import (
	"sync"
	"time"
)

// Notification is one announced job (or heartbeat) result waiting for a
// polling client.
type Notification struct {
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifications is a bounded FIFO deque; when full, the oldest entry is
// evicted. Drain empties it.
type Notifications struct {
	mu    sync.Mutex
	items []Notification
	max   int
}

// NewNotifications creates a deque holding at most max entries.
func NewNotifications(max int) *Notifications {
	if max <= 0 {
		max = 20
	}
	return &Notifications{max: max}
}

// Push appends a notification, evicting the oldest when full.
func (n *Notifications) Push(item Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
	if len(n.items) > n.max {
		n.items = n.items[len(n.items)-n.max:]
	}
}

// Drain returns all pending notifications and empties the deque.
func (n *Notifications) Drain() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.items
	n.items = nil
	if out == nil {
		out = []Notification{}
	}
	return out
}

// Len returns the number of pending notifications.
func (n *Notifications) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

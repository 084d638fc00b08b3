package scheduler

import (
	"fmt"
	"testing"
	"time"
)

func TestNotificationsBounded(t *testing.T) {
	t.Parallel()
	n := NewNotifications(20)

	for i := 0; i < 25; i++ {
		n.Push(Notification{JobID: fmt.Sprintf("job-%d", i), Timestamp: time.Now()})
	}
	if n.Len() != 20 {
		t.Fatalf("len = %d, want 20", n.Len())
	}
	notes := n.Drain()
	if len(notes) != 20 {
		t.Fatalf("drained %d", len(notes))
	}
	// Oldest five were evicted.
	if notes[0].JobID != "job-5" || notes[19].JobID != "job-24" {
		t.Errorf("window = %s .. %s", notes[0].JobID, notes[19].JobID)
	}
}

func TestDrainEmpties(t *testing.T) {
	t.Parallel()
	n := NewNotifications(20)

	if got := n.Drain(); got == nil || len(got) != 0 {
		t.Errorf("empty drain = %#v, want empty non-nil slice", got)
	}
	n.Push(Notification{JobID: "a"})
	if len(n.Drain()) != 1 {
		t.Error("first drain missed the notification")
	}
	if n.Len() != 0 {
		t.Error("drain did not empty the deque")
	}
}

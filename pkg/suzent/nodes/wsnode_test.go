package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

func newNodeServer(t *testing.T) (*Manager, *websocket.Conn) {
	t.Helper()
	m := NewManager(newTestLogger())
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = m.HandleConnection(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return m, conn
}

func attach(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	err := conn.WriteJSON(wireMessage{
		Type:        "connect",
		DisplayName: "Test Phone",
		Platform:    "android",
		Capabilities: []Capability{
			{Name: "system.notify", Description: "show a notification"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	var reply wireMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "connected" || reply.NodeID == "" {
		t.Fatalf("handshake reply = %+v", reply)
	}
	return reply.NodeID
}

func waitRegistered(t *testing.T, m *Manager, nodeID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Lookup(nodeID); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("node never registered")
}

func TestHandshakeAssignsNodeID(t *testing.T) {
	t.Parallel()
	m, conn := newNodeServer(t)
	nodeID := attach(t, conn)
	waitRegistered(t, m, nodeID)

	infos := m.List()
	if len(infos) != 1 || infos[0].ID != nodeID || infos[0].DisplayName != "Test Phone" {
		t.Errorf("list = %+v", infos)
	}
	if infos[0].Capabilities[0].Name != "system.notify" {
		t.Errorf("capabilities = %+v", infos[0].Capabilities)
	}
}

func TestHandshakeRejectsMalformedHello(t *testing.T) {
	t.Parallel()
	_, conn := newNodeServer(t)

	if err := conn.WriteJSON(wireMessage{Type: "invoke"}); err != nil {
		t.Fatal(err)
	}
	var reply wireMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" || reply.Error == "" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	t.Parallel()
	m, conn := newNodeServer(t)
	nodeID := attach(t, conn)
	waitRegistered(t, m, nodeID)

	// Answer the next invoke frame like a device would.
	go func() {
		var req wireMessage
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		payload, _ := json.Marshal(map[string]any{"shown": true, "command": req.Command})
		_ = conn.WriteJSON(wireMessage{
			Type: "result", RequestID: req.RequestID, Success: true, Result: payload,
		})
	}()

	out, err := m.Invoke(context.Background(), nodeID, "system.notify", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	res, _ := out.(map[string]any)
	if res["shown"] != true || res["command"] != "system.notify" {
		t.Errorf("result = %v", out)
	}
}

func TestResultWireFieldNames(t *testing.T) {
	t.Parallel()
	m, conn := newNodeServer(t)
	nodeID := attach(t, conn)
	waitRegistered(t, m, nodeID)

	// Answer with the literal wire keys a device client sends, bypassing
	// our struct tags, so a tag rename cannot go unnoticed.
	go func() {
		var req wireMessage
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type":       "result",
			"request_id": req.RequestID,
			"success":    true,
			"result":     map[string]any{"msg": "hi"},
		})
	}()

	out, err := m.Invoke(context.Background(), nodeID, "system.notify", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	res, _ := out.(map[string]any)
	if res["msg"] != "hi" {
		t.Errorf("result = %v", out)
	}
}

func TestInvokeNodeReportedError(t *testing.T) {
	t.Parallel()
	m, conn := newNodeServer(t)
	nodeID := attach(t, conn)
	waitRegistered(t, m, nodeID)

	go func() {
		var req wireMessage
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(wireMessage{
			Type: "result", RequestID: req.RequestID, Success: false, Error: "camera busy",
		})
	}()

	_, err := m.Invoke(context.Background(), nodeID, "system.notify", nil)
	if err == nil || !strings.Contains(err.Error(), "camera busy") {
		t.Errorf("invoke = %v", err)
	}
}

func TestDisconnectFailsPendingAndUnregisters(t *testing.T) {
	t.Parallel()
	m, conn := newNodeServer(t)
	nodeID := attach(t, conn)
	waitRegistered(t, m, nodeID)

	done := make(chan error, 1)
	go func() {
		_, err := m.Invoke(context.Background(), nodeID, "system.notify", nil)
		done <- err
	}()

	// Swallow the invoke frame, then drop the connection mid-request.
	var req wireMessage
	if err := conn.ReadJSON(&req); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	select {
	case err := <-done:
		if apierr.CodeOf(err) != apierr.CodeConnectionFailed {
			t.Errorf("pending invoke = %v, want connection_failed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending invoke never failed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.List()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("node still registered after disconnect")
}

func TestInvokeCancelledContext(t *testing.T) {
	t.Parallel()
	m, conn := newNodeServer(t)
	nodeID := attach(t, conn)
	waitRegistered(t, m, nodeID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Invoke(ctx, nodeID, "system.notify", nil); err != context.Canceled {
		t.Errorf("invoke = %v, want context.Canceled", err)
	}
}

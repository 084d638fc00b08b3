package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

const (
	invokeTimeout = 30 * time.Second
	pingInterval  = 30 * time.Second
	writeTimeout  = 10 * time.Second
)

// wireMessage is the WebSocket frame shape in both directions.
type wireMessage struct {
	Type         string          `json:"type"`
	NodeID       string          `json:"node_id,omitempty"`
	DisplayName  string          `json:"display_name,omitempty"`
	Platform     string          `json:"platform,omitempty"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Command      string          `json:"command,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
	Success      bool            `json:"success,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type invokeResult struct {
	payload json.RawMessage
	err     error
}

// WSNode is a device attached over WebSocket. Invocations are matched to
// results by request id; a disconnect fails everything still pending.
type WSNode struct {
	id          string
	displayName string
	platform    string
	caps        []Capability

	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan invokeResult
	closed  bool
}

func (n *WSNode) ID() string                 { return n.id }
func (n *WSNode) DisplayName() string        { return n.displayName }
func (n *WSNode) Platform() string           { return n.platform }
func (n *WSNode) Capabilities() []Capability { return n.caps }

// HandleConnection performs the attach handshake on an upgraded
// connection, registers the node, and blocks serving it until the socket
// closes. The node is always unregistered on return. The server assigns
// the node id; a malformed handshake gets an error frame before close.
func (m *Manager) HandleConnection(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(invokeTimeout))
	var hello wireMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return apierr.Wrap(apierr.CodeConnectionFailed, err, "node handshake read")
	}
	if hello.Type != "connect" {
		writeTo(conn, wireMessage{Type: "error", Error: "expected a connect message"})
		return apierr.InvalidInput("expected a connect message, got %q", hello.Type)
	}
	conn.SetReadDeadline(time.Time{})

	nodeID := uuid.NewString()
	node := &WSNode{
		id:          nodeID,
		displayName: hello.DisplayName,
		platform:    hello.Platform,
		caps:        hello.Capabilities,
		conn:        conn,
		logger:      m.logger.With("node_id", nodeID),
		pending:     make(map[string]chan invokeResult),
	}
	if node.displayName == "" {
		node.displayName = nodeID
	}
	if err := node.write(wireMessage{Type: "connected", NodeID: nodeID}); err != nil {
		return err
	}

	m.Register(node)
	defer m.Unregister(node.id)

	stopPing := make(chan struct{})
	go node.pingLoop(stopPing)
	defer close(stopPing)

	node.readLoop()
	return nil
}

// Invoke sends a command and waits for the matching result frame.
func (n *WSNode) Invoke(ctx context.Context, command string, params map[string]any) (any, error) {
	requestID := uuid.NewString()
	ch := make(chan invokeResult, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, apierr.ConnectionFailed("node %q is disconnected", n.displayName)
	}
	n.pending[requestID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, requestID)
		n.mu.Unlock()
	}()

	err := n.write(wireMessage{
		Type:      "invoke",
		RequestID: requestID,
		Command:   command,
		Params:    params,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeConnectionFailed, err, "node invoke send")
	}

	timer := time.NewTimer(invokeTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		var payload any
		if len(res.payload) > 0 {
			if err := json.Unmarshal(res.payload, &payload); err != nil {
				return nil, apierr.Wrap(apierr.CodeInternal, err, "node %q returned an undecodable payload", n.displayName)
			}
		}
		return payload, nil
	case <-timer.C:
		return nil, apierr.Timeout("node %q did not answer %q within %s", n.displayName, command, invokeTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop pumps frames until the socket closes, routing result frames
// to their waiting invocations.
func (n *WSNode) readLoop() {
	defer n.failPending()
	for {
		var msg wireMessage
		if err := n.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.logger.Warn("node connection lost", "error", err)
			}
			return
		}
		switch msg.Type {
		case "result":
			n.deliver(msg)
		case "ping":
			// Application-level keepalive from the node side.
			_ = n.write(wireMessage{Type: "pong"})
		default:
			n.logger.Debug("unexpected node frame ignored", "type", msg.Type)
		}
	}
}

func (n *WSNode) deliver(msg wireMessage) {
	n.mu.Lock()
	ch, ok := n.pending[msg.RequestID]
	if ok {
		delete(n.pending, msg.RequestID)
	}
	n.mu.Unlock()
	if !ok {
		// Late result after a timeout, or a request id we never issued.
		n.logger.Warn("result for unknown request dropped", "request_id", msg.RequestID)
		return
	}
	if !msg.Success {
		errText := msg.Error
		if errText == "" {
			errText = "node reported failure"
		}
		ch <- invokeResult{err: apierr.Wrap(apierr.CodeInternal, nil, "node %q: %s", n.displayName, errText)}
		return
	}
	ch <- invokeResult{payload: msg.Result}
}

// failPending marks the node closed and fails every in-flight invoke.
func (n *WSNode) failPending() {
	n.mu.Lock()
	n.closed = true
	pending := n.pending
	n.pending = make(map[string]chan invokeResult)
	n.mu.Unlock()
	for _, ch := range pending {
		ch <- invokeResult{err: apierr.ConnectionFailed("node %q disconnected mid-request", n.displayName)}
	}
}

func (n *WSNode) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.writeMu.Lock()
			err := n.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			n.writeMu.Unlock()
			if err != nil {
				n.logger.Debug("node ping failed", "error", err)
				return
			}
		case <-stop:
			return
		}
	}
}

func writeTo(conn *websocket.Conn, msg wireMessage) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(msg)
}

func (n *WSNode) write(msg wireMessage) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := n.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("node write: %w", err)
	}
	return nil
}

package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/suzent/suzent/pkg/suzent/agent"
	"github.com/suzent/suzent/pkg/suzent/config"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/llm"
	"github.com/suzent/suzent/pkg/suzent/nodes"
	"github.com/suzent/suzent/pkg/suzent/scheduler"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway over real subsystems with a scripted
// provider. Memory, heartbeat, and MCP stay nil; their routes answer 503.
func newTestGateway(t *testing.T, provider llm.Provider) (*httptest.Server, *database.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := database.Open(filepath.Join(dir, "suzent.db"), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Host:      "127.0.0.1",
		DataDir:   dir,
		SharedDir: dir,
		Models:    []config.ModelConfig{{Name: "fake-model", Provider: "openai", Enabled: true}},
		Agent:     config.AgentConfig{MaxSteps: 5},
	}
	agents := agent.NewManager(cfg, nil, newTestLogger())
	agents.SetProviderFactory(func(config.ModelConfig) llm.Provider { return provider })
	streams := streaming.NewRegistry(newTestLogger())
	proc := agent.NewProcessor(store, agents, nil, nil, streams, filepath.Join(dir, "uploads"), false, newTestLogger())
	sched := scheduler.New(store, proc.RunTurn, streams, time.Second, newTestLogger())
	nodeMgr := nodes.NewManager(newTestLogger())
	nodeMgr.Register(nodes.NewLocalNode(newTestLogger()))

	srv := New(Options{
		Config:    cfg,
		Store:     store,
		Processor: proc,
		Scheduler: sched,
		Nodes:     nodeMgr,
		Version:   "test",
		Logger:    newTestLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health = %v", body)
	}
}

func TestChatBufferedTurn(t *testing.T) {
	t.Parallel()
	provider := &llm.FakeProvider{Responses: []llm.Response{{Content: "hi from the agent"}}}
	ts, _ := newTestGateway(t, provider)

	resp := postJSON(t, ts.URL+"/chat", map[string]any{"message": "hello", "stream": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	if body["response"] != "hi from the agent" {
		t.Fatalf("body = %v", body)
	}
	chatID, _ := body["chat_id"].(string)
	if chatID == "" {
		t.Fatal("no chat id in response")
	}

	// The turn persisted both messages.
	get, err := http.Get(ts.URL + "/chats/" + chatID)
	if err != nil {
		t.Fatal(err)
	}
	chat := decodeResponse(t, get)
	msgs, _ := chat["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %v", chat["messages"])
	}
}

func TestChatStreamedTurn(t *testing.T) {
	t.Parallel()
	provider := &llm.FakeProvider{Responses: []llm.Response{{Content: "streamed answer"}}}
	ts, _ := newTestGateway(t, provider)

	resp := postJSON(t, ts.URL+"/chat", map[string]any{"message": "hello"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Chat-ID") == "" {
		t.Error("no X-Chat-ID header")
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	if !strings.Contains(body, `"type":"final_answer"`) || !strings.Contains(body, "streamed answer") {
		t.Errorf("sse body:\n%s", body)
	}
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line != "" && !strings.HasPrefix(line, "data: ") {
			t.Errorf("malformed sse line: %q", line)
		}
	}
}

func TestChatValidation(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	resp := postJSON(t, ts.URL+"/chat", map[string]any{"message": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	if body["code"] != "invalid_input" {
		t.Errorf("body = %v", body)
	}
}

func TestChatStopWithoutStream(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	resp := postJSON(t, ts.URL+"/chat/stop", map[string]any{"chat_id": "nobody-home"})
	body := decodeResponse(t, resp)
	if body["status"] != "no_active_stream" {
		t.Errorf("body = %v", body)
	}
}

func TestGetMissingChat(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	resp, err := http.Get(ts.URL + "/chats/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body := decodeResponse(t, resp)
	if body["code"] != "not_found" {
		t.Errorf("body = %v", body)
	}
}

func TestChatCRUD(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	resp := postJSON(t, ts.URL+"/chats", map[string]any{"title": "groceries"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeResponse(t, resp)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("no id on created chat")
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/chats/"+id,
		strings.NewReader(`{"title":"errands"}`))
	req.Header.Set("Content-Type", "application/json")
	upd, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	updated := decodeResponse(t, upd)
	if updated["title"] != "errands" {
		t.Errorf("updated = %v", updated)
	}

	del, _ := http.NewRequest(http.MethodDelete, ts.URL+"/chats/"+id, nil)
	delResp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", delResp.StatusCode)
	}
	gone, _ := http.Get(ts.URL + "/chats/" + id)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Errorf("after delete status = %d", gone.StatusCode)
	}
}

func TestCronJobEndpoints(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	// Invalid expression is rejected up front.
	bad := postJSON(t, ts.URL+"/cron/jobs", map[string]any{
		"name": "x", "cron_expr": "not cron", "prompt": "p",
	})
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad expr status = %d", bad.StatusCode)
	}
	bad.Body.Close()

	resp := postJSON(t, ts.URL+"/cron/jobs", map[string]any{
		"name": "daily summary", "cron_expr": "0 9 * * *", "prompt": "summarize",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	job := decodeResponse(t, resp)
	if job["next_run_at"] == nil || job["delivery_mode"] != "announce" {
		t.Errorf("job = %v", job)
	}
	id, _ := job["id"].(string)

	list, _ := http.Get(ts.URL + "/cron/jobs?active=true")
	listed := decodeResponse(t, list)
	jobs, _ := listed["jobs"].([]any)
	if len(jobs) != 1 {
		t.Errorf("jobs = %v", listed)
	}

	runs, _ := http.Get(ts.URL + "/cron/jobs/" + id + "/runs")
	runsBody := decodeResponse(t, runs)
	if _, ok := runsBody["runs"]; !ok {
		t.Errorf("runs = %v", runsBody)
	}

	missing, _ := http.Get(ts.URL + "/cron/jobs/nope/runs")
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing job runs status = %d", missing.StatusCode)
	}

	status, _ := http.Get(ts.URL + "/cron/status")
	st := decodeResponse(t, status)
	if st["active_jobs"] != float64(1) {
		t.Errorf("status = %v", st)
	}
}

func TestDisabledSubsystemsAnswer503(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	for _, path := range []string{"/memory/archival?q=x", "/memory/stats", "/heartbeat/status"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestNodeEndpoints(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	resp, err := http.Get(ts.URL + "/nodes")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeResponse(t, resp)
	nodeList, _ := body["nodes"].([]any)
	if len(nodeList) != 1 {
		t.Fatalf("nodes = %v", body)
	}
	first, _ := nodeList[0].(map[string]any)
	if first["id"] != "local" {
		t.Errorf("node = %v", first)
	}

	invoke := postJSON(t, ts.URL+"/nodes/local/invoke", map[string]any{"command": "system.info"})
	if invoke.StatusCode != http.StatusOK {
		t.Fatalf("invoke status = %d", invoke.StatusCode)
	}
	result := decodeResponse(t, invoke)
	info, _ := result["result"].(map[string]any)
	if info["os"] == "" {
		t.Errorf("result = %v", result)
	}

	noCmd := postJSON(t, ts.URL+"/nodes/local/invoke", map[string]any{})
	noCmd.Body.Close()
	if noCmd.StatusCode != http.StatusBadRequest {
		t.Errorf("missing command status = %d", noCmd.StatusCode)
	}
}

func TestHeartbeatChecklistFile(t *testing.T) {
	t.Parallel()
	ts, _ := newTestGateway(t, &llm.FakeProvider{})

	// Absent checklist reads as empty, not an error.
	resp, err := http.Get(ts.URL + "/heartbeat/md")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeResponse(t, resp)
	if body["exists"] != false {
		t.Errorf("initial read = %v", body)
	}

	write := postJSON(t, ts.URL+"/heartbeat/md", map[string]any{"content": "- check the inbox\n"})
	write.Body.Close()
	if write.StatusCode != http.StatusOK {
		t.Fatalf("write status = %d", write.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/heartbeat/md")
	if err != nil {
		t.Fatal(err)
	}
	body = decodeResponse(t, resp)
	if body["exists"] != true || body["content"] != "- check the inbox\n" {
		t.Errorf("read back = %v", body)
	}
}

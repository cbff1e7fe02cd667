package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/pipeline"
	"github.com/warden-ai/warden/internal/security"
	"github.com/warden-ai/warden/internal/store"
)

type nopExecutor struct{}

func (nopExecutor) Execute(ctx context.Context, p pipeline.Pipeline, phase pipeline.Phase) error {
	return nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server, Deps) {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	mgr := agent.NewManager(agent.NewRegistry(), bus, st, agent.ManagerConfig{Command: "claude"})
	monitor := security.NewMonitor(nil, nil, nil, nil, bus, security.MonitorConfig{BatchInterval: time.Hour})
	monitor.Enable()
	t.Cleanup(monitor.Disable)
	pipelines := pipeline.NewManager(nopExecutor{}, nil, st, bus, time.Second)

	deps := Deps{Manager: mgr, Monitor: monitor, Pipelines: pipelines, Store: st, Bus: bus}
	srv := New(deps, opts)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts, deps
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

func TestHookAlwaysAcks(t *testing.T) {
	_, ts, deps := newTestServer(t, Options{})

	// Well-formed hook attributed via the agent_id query fallback.
	resp := postJSON(t, ts.URL+"/hook?agent_id=a1", security.HookRequest{
		HookEventName: security.HookPreToolUse,
		ToolName:      "Bash",
		ToolInput:     json.RawMessage(`{"command":"ls"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
	if deps.Monitor.PendingCount() != 1 {
		t.Fatalf("pending = %d", deps.Monitor.PendingCount())
	}

	// Garbage still gets a 200: hooks must never stall the subprocess.
	r2, err := http.Post(ts.URL+"/hook", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("garbage status %d", r2.StatusCode)
	}
}

func TestListAgentsEmpty(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/api/agents")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})

	resp := postJSON(t, ts.URL+"/api/pipelines", map[string]any{
		"user_request": "refactor",
		"phases": []map[string]any{
			{"name": "review", "checkpoint": map[string]any{"kind": "human_review"}},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	var created pipeline.Pipeline
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	get, err := http.Get(ts.URL + "/api/pipelines/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", get.StatusCode)
	}

	// Approving a phase that is not awaiting review is rejected.
	appr := postJSON(t, ts.URL+"/api/pipelines/"+created.ID+"/approve", map[string]any{
		"phase_index": 0, "approved": true,
	})
	defer appr.Body.Close()
	if appr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("approve status %d", appr.StatusCode)
	}

	missing := postJSON(t, ts.URL+"/api/pipelines/nope/approve", map[string]any{"phase_index": 0})
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status %d", missing.StatusCode)
	}
}

func TestStopUnknownAgentIs404(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/agents/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAuthMiddleware(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{AuthToken: "sekrit"})

	resp, err := http.Get(ts.URL + "/api/agents")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/agents", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d", resp2.StatusCode)
	}

	// The hook endpoint stays open for subprocesses.
	open := postJSON(t, ts.URL+"/hook", security.HookRequest{HookEventName: security.HookPostToolUse})
	open.Body.Close()
	if open.StatusCode != http.StatusOK {
		t.Fatalf("hook status %d", open.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{RateLimit: 1})

	limited := false
	for i := 0; i < 10; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limit never triggered")
	}
}

func TestSelfSignedCert(t *testing.T) {
	cert, err := generateSelfSignedCert("example.internal", "10.1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("empty certificate chain")
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{Port: -1})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if srv.HookURL() != "http://"+srv.Addr() {
		t.Fatalf("hook url %q", srv.HookURL())
	}
	// Callers advertising the server (mDNS) need the resolved port, not
	// the requested one.
	if srv.Port() <= 0 {
		t.Fatalf("resolved port = %d", srv.Port())
	}
}

func TestSpawnedAgentOutlivesRequest(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	mgr := agent.NewManager(agent.NewRegistry(), bus, st, agent.ManagerConfig{
		Command:   "sh",
		ExtraArgs: []string{"-c", "exec cat", "echo-agent"},
	})
	srv := New(Deps{Manager: mgr, Store: st, Bus: bus}, Options{})
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/api/agents", map[string]string{"working_dir": t.TempDir()})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	id := body["agent_id"]
	t.Cleanup(func() { _ = mgr.StopAgent(id) })

	// The request context is cancelled once the handler returns; the
	// subprocess must not be tied to it.
	time.Sleep(150 * time.Millisecond)
	info, err := mgr.GetAgentInfo(id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status == agent.StatusStopped {
		t.Fatal("agent died after the spawn request returned")
	}
}

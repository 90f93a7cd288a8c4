package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/auth"
	"github.com/sentryai/sentry/internal/config"
	"github.com/sentryai/sentry/internal/metrics"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/workflow"
)

type signalCall struct {
	MissionID string
	Signal    string
	Payload   any
}

// fakeBackend records every workflow interaction. Query and describe fail by
// default, matching a control plane whose execution backend is unreachable.
type fakeBackend struct {
	mu          sync.Mutex
	inputs      []workflow.MissionInput
	signals     []signalCall
	terminated  map[string]string
	statusCalls int

	startErr  error
	signalErr error
	status    workflow.StatusInfo
	statusErr error
	label     string
	labelErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		terminated: make(map[string]string),
		statusErr:  errors.New("workflow not found"),
		labelErr:   errors.New("workflow not found"),
	}
}

func (b *fakeBackend) StartMission(_ context.Context, in workflow.MissionInput) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return "", b.startErr
	}
	b.inputs = append(b.inputs, in)
	return "run-" + in.MissionID, nil
}

func (b *fakeBackend) SignalMission(_ context.Context, missionID, signal string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signalErr != nil {
		return b.signalErr
	}
	b.signals = append(b.signals, signalCall{MissionID: missionID, Signal: signal, Payload: payload})
	return nil
}

func (b *fakeBackend) CancelMission(_ context.Context, missionID string) error {
	return b.SignalMission(context.Background(), missionID, "cancel", nil)
}

func (b *fakeBackend) TerminateMission(_ context.Context, missionID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated[missionID] = reason
	return nil
}

func (b *fakeBackend) QueryMissionStatus(_ context.Context, _ string) (workflow.StatusInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	return b.status, b.statusErr
}

func (b *fakeBackend) DescribeMission(_ context.Context, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.label, b.labelErr
}

func (b *fakeBackend) lastSignal(t *testing.T) signalCall {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.signals) == 0 {
		t.Fatal("no signals sent to backend")
	}
	return b.signals[len(b.signals)-1]
}

func newTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = ":0"
	cfg.DataDir = t.TempDir()

	backend := newFakeBackend()
	srv, err := New(cfg, backend, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, backend
}

func TestNewInitializesSubsystems(t *testing.T) {
	srv, _ := newTestServer(t)

	if srv.store == nil {
		t.Fatal("store not initialized")
	}
	if srv.registry == nil {
		t.Fatal("tool registry not initialized")
	}
	if srv.bus == nil {
		t.Fatal("event bus not initialized")
	}
	if srv.hub == nil {
		t.Fatal("websocket hub not initialized")
	}
	if srv.scheduler == nil {
		t.Fatal("scheduler not initialized")
	}
	if srv.mcp == nil {
		t.Fatal("mcp handler not initialized")
	}
	if srv.httpServer == nil {
		t.Fatal("http server not initialized")
	}
	if srv.authMW != nil {
		t.Fatal("auth middleware should be off with no keys and no jwt secret")
	}
	if srv.embedder != nil {
		t.Fatal("embedder should be off without llm config")
	}
}

func TestHandleHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.handleHealthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if got["status"] != "ok" {
		t.Fatalf("unexpected healthz payload: %#v", got)
	}
}

func TestOpenAPIServesAnonymousRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on open api, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBootstrapKeyEnablesAuth(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = ":0"
	cfg.DataDir = t.TempDir()
	cfg.APIKeyBootstrap = "snk_bootstrap-integration-test-key"

	srv, err := New(cfg, newFakeBackend(), zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	if srv.authMW == nil {
		t.Fatal("expected auth middleware with a bootstrap key")
	}

	// No credentials: rejected.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rr.Code)
	}

	// Bootstrap key: admitted.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	req.Header.Set("Authorization", "Bearer "+cfg.APIKeyBootstrap)
	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with bootstrap key, got %d: %s", rr.Code, rr.Body.String())
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on /healthz without credentials, got %d", rr.Code)
	}
}

func TestReadOnlyKeyCannotStartMissions(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = ":0"
	cfg.DataDir = t.TempDir()
	cfg.APIKeyBootstrap = "snk_bootstrap-permission-test-key"

	srv, err := New(cfg, newFakeBackend(), zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	_, plain, err := srv.keys.Create("reader", []auth.Permission{auth.PermMissionRead, auth.PermFindingRead}, nil)
	if err != nil {
		t.Fatalf("create read-only key: %v", err)
	}

	body := `{"target":"example.com","objective":"recon"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/missions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+plain)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only key, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for read with read-only key, got %d", rr.Code)
	}
}

func TestBodyLimitRejectsOversizedRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	big := bytes.Repeat([]byte("x"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/missions", bytes.NewReader(big))
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestMirrorStatusUpdatesStoreRow(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	seeded, err := srv.store.CreateMission(ctx, mission.Mission{
		Target:    "example.com",
		Objective: "recon",
		Status:    mission.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed mission: %v", err)
	}

	evt := mission.NewEvent(seeded.ID, mission.TopicStatus, "", map[string]string{
		"status": string(mission.StatusExecuting),
	})
	srv.mirrorStatus(ctx, evt)

	row, err := srv.store.GetMission(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if row.Status != mission.StatusExecuting {
		t.Fatalf("status = %q, want executing", row.Status)
	}

	evt = mission.NewEvent(seeded.ID, mission.TopicStatus, "", map[string]string{
		"status": string(mission.StatusFailed),
		"detail": "tool chain broke",
	})
	srv.mirrorStatus(ctx, evt)

	row, err = srv.store.GetMission(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get mission after fail: %v", err)
	}
	if row.Status != mission.StatusFailed {
		t.Fatalf("status = %q, want failed", row.Status)
	}
	if row.Error != "tool chain broke" {
		t.Fatalf("error = %q, want detail preserved", row.Error)
	}
}

func TestTrackActiveCountsEachMissionOnce(t *testing.T) {
	srv, _ := newTestServer(t)
	before := testutil.ToFloat64(metrics.ActiveMissions)

	srv.trackActive("m-1", mission.StatusExecuting)
	srv.trackActive("m-1", mission.StatusPaused)
	srv.trackActive("m-1", mission.StatusExecuting)

	if got := testutil.ToFloat64(metrics.ActiveMissions); got != before+1 {
		t.Fatalf("gauge = %v, want %v after repeated non-terminal transitions", got, before+1)
	}

	srv.trackActive("m-1", mission.StatusCompleted)
	srv.trackActive("m-1", mission.StatusCompleted)

	if got := testutil.ToFloat64(metrics.ActiveMissions); got != before {
		t.Fatalf("gauge = %v, want %v after terminal status", got, before)
	}
	if len(srv.activeMissions) != 0 {
		t.Fatalf("active set = %v, want empty", srv.activeMissions)
	}
}

func TestEventsSSEStreamsBusEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?mission_id=m-sse", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open sse stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	reader := newSSEReader(t, resp)
	reader.expectComment("connected")

	srv.bus.Publish(mission.NewEvent("m-sse", mission.TopicStatus, "", map[string]string{
		"status": string(mission.StatusExecuting),
	}))
	// Filtered out: different mission.
	srv.bus.Publish(mission.NewEvent("m-other", mission.TopicStatus, "", map[string]string{
		"status": string(mission.StatusFailed),
	}))
	srv.bus.Publish(mission.NewEvent("m-sse", mission.TopicFinding, "", map[string]string{
		"title": "weak tls",
	}))

	event, data := reader.next()
	if event != string(mission.TopicStatus) {
		t.Fatalf("first event = %q, want status", event)
	}
	var got mission.Event
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("decode sse payload: %v", err)
	}
	if got.MissionID != "m-sse" {
		t.Fatalf("mission id = %q, want m-sse", got.MissionID)
	}

	event, _ = reader.next()
	if event != string(mission.TopicFinding) {
		t.Fatalf("second event = %q, want finding (other mission must be filtered)", event)
	}
}

// sseReader pulls "event:"/"data:" pairs off a live event-stream response.
type sseReader struct {
	t     *testing.T
	lines chan string
}

func newSSEReader(t *testing.T, resp *http.Response) *sseReader {
	t.Helper()
	r := &sseReader{t: t, lines: make(chan string, 64)}
	go func() {
		defer close(r.lines)
		buf := make([]byte, 1)
		line := ""
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				return
			}
			if buf[0] == '\n' {
				r.lines <- line
				line = ""
				continue
			}
			line += string(buf[0])
		}
	}()
	return r
}

func (r *sseReader) readLine() string {
	r.t.Helper()
	select {
	case line, ok := <-r.lines:
		if !ok {
			r.t.Fatal("sse stream closed early")
		}
		return line
	case <-time.After(3 * time.Second):
		r.t.Fatal("timeout reading sse stream")
	}
	return ""
}

func (r *sseReader) expectComment(want string) {
	r.t.Helper()
	line := r.readLine()
	if !strings.HasPrefix(line, ": "+want) {
		r.t.Fatalf("expected comment %q, got %q", want, line)
	}
}

// next skips blank lines and returns the next event/data pair.
func (r *sseReader) next() (event, data string) {
	r.t.Helper()
	for {
		line := r.readLine()
		switch {
		case line == "":
			if event != "" && data != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHandleScopeCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"targets":["app.example.com","other.org"],"policy":{"allow":["*.example.com"]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scope/check", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleScopeCheck(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var got struct {
		Results []struct {
			Target   string `json:"target"`
			Decision string `json:"decision"`
		} `json:"results"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode scope response: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(got.Results))
	}
	if got.Results[0].Decision != "ALLOWED" {
		t.Fatalf("app.example.com = %q, want ALLOWED", got.Results[0].Decision)
	}
	if got.Results[1].Decision == "ALLOWED" {
		t.Fatalf("other.org = %q, want a denial", got.Results[1].Decision)
	}
}

func TestHandleScopeCheck_NoTargets(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scope/check", strings.NewReader(`{"targets":[]}`))
	rr := httptest.NewRecorder()
	srv.handleScopeCheck(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without targets, got %d", rr.Code)
	}
}

func TestToolHandlers(t *testing.T) {
	srv, _ := newTestServer(t)

	schema := `{"name":"httpx","version":"1.0","description":"http prober","binary_path":"/usr/bin/httpx"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/tools/httpx", strings.NewReader(schema))
	req.SetPathValue("name", "httpx")
	rr := httptest.NewRecorder()
	srv.handlePutTool(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 registering tool, got %d: %s", rr.Code, rr.Body.String())
	}

	// Name mismatch between path and payload.
	req = httptest.NewRequest(http.MethodPut, "/api/v1/tools/other", strings.NewReader(schema))
	req.SetPathValue("name", "other")
	rr = httptest.NewRecorder()
	srv.handlePutTool(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on name mismatch, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	rr = httptest.NewRecorder()
	srv.handleListTools(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 listing tools, got %d", rr.Code)
	}
	var list struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode tool list: %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("expected 1 tool, got %d", list.Total)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tools/httpx", nil)
	req.SetPathValue("name", "httpx")
	rr = httptest.NewRecorder()
	srv.handleGetTool(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 getting tool, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tools/httpx", nil)
	req.SetPathValue("name", "httpx")
	rr = httptest.NewRecorder()
	srv.handleDeleteTool(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting tool, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tools/httpx", nil)
	req.SetPathValue("name", "httpx")
	rr = httptest.NewRecorder()
	srv.handleDeleteTool(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting missing tool, got %d", rr.Code)
	}
}

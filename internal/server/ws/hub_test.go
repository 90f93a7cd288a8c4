package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/events"
	"github.com/sentryai/sentry/internal/mission"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

type approveCall struct {
	missionID string
	planID    string
	steps     []int
}

type fakeController struct {
	mu       sync.Mutex
	approved []approveCall
	killed   []string
	err      error
}

func (f *fakeController) ApprovePlan(_ context.Context, missionID, planID string, steps []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.approved = append(f.approved, approveCall{missionID: missionID, planID: planID, steps: steps})
	return nil
}

func (f *fakeController) KillMission(_ context.Context, missionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.killed = append(f.killed, missionID)
	return nil
}

func (f *fakeController) approveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.approved)
}

func (f *fakeController) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

// testHub builds a hub on a fresh bus with its pump running.
func testHub(t *testing.T, ctrl Controller) (*Hub, *events.Bus, *httptest.Server) {
	t.Helper()
	bus := events.NewBus(events.DefaultQueueDepth, zap.NewNop())
	hub := NewHub(bus, ctrl, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return hub, bus, ts
}

func dialWS(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

// readFrame reads frames until one of the wanted type arrives, skipping
// interleaved traffic.
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame within deadline", frameType)
	return Frame{}
}

func TestConnectedFrameAndSessionTracking(t *testing.T) {
	hub, _, ts := testHub(t, &fakeController{})

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	f := readFrame(t, conn, ServerConnected)
	if f.SessionID == "" {
		t.Fatal("expected session_id in connected frame")
	}
	waitFor(t, time.Second, func() bool { return hub.SessionCount() == 1 })

	if err := conn.Close(); err != nil {
		t.Fatalf("close websocket: %v", err)
	}
	waitFor(t, time.Second, func() bool { return hub.SessionCount() == 0 })
}

func TestClientPing(t *testing.T) {
	_, _, ts := testHub(t, &fakeController{})

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn, ServerConnected)

	if err := conn.WriteJSON(Frame{Type: ClientPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readFrame(t, conn, ServerPong)
}

func TestLogFramesRequireSubscription(t *testing.T) {
	hub, bus, ts := testHub(t, &fakeController{})

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn, ServerConnected)
	waitFor(t, time.Second, func() bool { return hub.SessionCount() == 1 })

	if err := conn.WriteJSON(Frame{Type: ClientSubscribeLogs, Channel: "job_logs:m-1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := readFrame(t, conn, ServerSubscribed)
	if sub.Channel != "job_logs:m-1" {
		t.Fatalf("subscribed to %q, want job_logs:m-1", sub.Channel)
	}

	// A log line for another mission must not arrive; one for the
	// subscribed mission must.
	bus.Publish(mission.NewEvent("m-2", mission.TopicStatus, mission.KindLog, map[string]string{"line": "other"}))
	bus.Publish(mission.NewEvent("m-1", mission.TopicStatus, mission.KindLog, map[string]string{"line": "mine"}))

	f := readFrame(t, conn, ServerJobLog)
	if f.MissionID != "m-1" {
		t.Fatalf("got log for mission %q, want m-1", f.MissionID)
	}
	if f.Channel != "job_logs:m-1" {
		t.Fatalf("got channel %q, want job_logs:m-1", f.Channel)
	}
}

func TestBroadcastFramesReachEveryone(t *testing.T) {
	hub, bus, ts := testHub(t, &fakeController{})

	c1 := dialWS(t, ts.URL)
	defer c1.Close()
	c2 := dialWS(t, ts.URL)
	defer c2.Close()
	readFrame(t, c1, ServerConnected)
	readFrame(t, c2, ServerConnected)
	waitFor(t, time.Second, func() bool { return hub.SessionCount() == 2 })

	bus.Publish(mission.NewEvent("m-1", mission.TopicFinding, "", map[string]string{"title": "SQLi"}))

	for _, conn := range []*websocket.Conn{c1, c2} {
		f := readFrame(t, conn, ServerFinding)
		if f.MissionID != "m-1" {
			t.Fatalf("finding frame for mission %q, want m-1", f.MissionID)
		}
		if len(f.Payload) == 0 {
			t.Fatal("expected payload in finding frame")
		}
	}
}

func TestApprovePlanInvokesController(t *testing.T) {
	ctrl := &fakeController{}
	_, _, ts := testHub(t, ctrl)

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn, ServerConnected)

	err := conn.WriteJSON(Frame{
		Type:          ClientApprovePlan,
		MissionID:     "m-7",
		PlanID:        "plan-1",
		ApprovedSteps: []int{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("write approve frame: %v", err)
	}

	waitFor(t, time.Second, func() bool { return ctrl.approveCount() == 1 })
	ctrl.mu.Lock()
	got := ctrl.approved[0]
	ctrl.mu.Unlock()
	if got.missionID != "m-7" || got.planID != "plan-1" {
		t.Fatalf("controller got %+v", got)
	}
	if len(got.steps) != 3 || got.steps[2] != 3 {
		t.Fatalf("approved steps = %v, want [1 2 3]", got.steps)
	}
}

func TestApprovePlanWithoutPlanIDFails(t *testing.T) {
	ctrl := &fakeController{}
	_, _, ts := testHub(t, ctrl)

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn, ServerConnected)

	if err := conn.WriteJSON(Frame{Type: ClientApprovePlan, MissionID: "m-7"}); err != nil {
		t.Fatalf("write approve frame: %v", err)
	}
	f := readFrame(t, conn, ServerError)
	if f.Message == "" {
		t.Fatal("expected error message")
	}
	if ctrl.approveCount() != 0 {
		t.Fatal("controller should not have been invoked")
	}
}

func TestCancelInvokesController(t *testing.T) {
	ctrl := &fakeController{}
	_, _, ts := testHub(t, ctrl)

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn, ServerConnected)

	if err := conn.WriteJSON(Frame{Type: ClientCancel, MissionID: "m-9"}); err != nil {
		t.Fatalf("write cancel frame: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ctrl.killCount() == 1 })
	ctrl.mu.Lock()
	got := ctrl.killed[0]
	ctrl.mu.Unlock()
	if got != "m-9" {
		t.Fatalf("killed mission %q, want m-9", got)
	}
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	_, _, ts := testHub(t, &fakeController{})

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn, ServerConnected)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"bad":`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	readFrame(t, conn, ServerError)

	// The session still answers pings.
	if err := conn.WriteJSON(Frame{Type: ClientPing}); err != nil {
		t.Fatalf("write ping after malformed frame: %v", err)
	}
	readFrame(t, conn, ServerPong)
}

func TestUnknownFrameType(t *testing.T) {
	_, _, ts := testHub(t, &fakeController{})

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn, ServerConnected)

	if err := conn.WriteJSON(Frame{Type: "client:reboot"}); err != nil {
		t.Fatalf("write unknown frame: %v", err)
	}
	f := readFrame(t, conn, ServerError)
	if !strings.Contains(f.Message, "client:reboot") {
		t.Fatalf("error message %q should name the frame type", f.Message)
	}
}

func TestFrameForMapping(t *testing.T) {
	tests := []struct {
		name  string
		topic mission.Topic
		kind  string
		want  string
	}{
		{"log line", mission.TopicStepComplete, mission.KindLog, ServerJobLog},
		{"agent thought", mission.TopicAgentThought, "", ServerAgentThought},
		{"plan proposal", mission.TopicPlanProposal, "", ServerPlanProposal},
		{"finding", mission.TopicFinding, "", ServerFinding},
		{"graph update", mission.TopicGraphUpdate, "", ServerGraphUpdate},
		{"scope violation", mission.TopicScopeViolation, "", ServerNotification},
		{"budget warning", mission.TopicBudgetWarning, "", ServerNotification},
		{"notification", mission.TopicNotification, "", ServerNotification},
		{"status", mission.TopicStatus, "", ServerJobStatus},
		{"step begin", mission.TopicStepBegin, "", ServerJobStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := mission.NewEvent("m-1", tt.topic, tt.kind, map[string]string{"k": "v"})
			got := frameFor(evt)
			if got.Type != tt.want {
				t.Fatalf("frameFor(%s/%s) = %s, want %s", tt.topic, tt.kind, got.Type, tt.want)
			}
			if got.MissionID != "m-1" {
				t.Fatalf("mission id = %q", got.MissionID)
			}
			if tt.kind == mission.KindLog && got.Channel != "job_logs:m-1" {
				t.Fatalf("log channel = %q, want job_logs:m-1", got.Channel)
			}
		})
	}
}

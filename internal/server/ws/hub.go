// Package ws streams mission events to WebSocket clients and carries
// interactive commands (plan approval, cancellation) back from them.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/events"
	"github.com/sentryai/sentry/internal/events/redisbridge"
	"github.com/sentryai/sentry/internal/metrics"
	"github.com/sentryai/sentry/internal/mission"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead. pingPeriod must be well under it.
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
	// sendQueueDepth buffers outbound frames per session; a session that
	// falls this far behind starts losing frames.
	sendQueueDepth = 256
)

// Client frame types.
const (
	ClientPing            = "client:ping"
	ClientSubscribeLogs   = "client:subscribe_logs"
	ClientUnsubscribeLogs = "client:unsubscribe_logs"
	ClientApprovePlan     = "client:approve_plan"
	ClientCancel          = "client:cancel"
)

// Server frame types.
const (
	ServerConnected    = "server:connected"
	ServerPong         = "server:pong"
	ServerSubscribed   = "server:subscribed"
	ServerUnsubscribed = "server:unsubscribed"
	ServerJobLog       = "server:job_log"
	ServerAgentThought = "server:agent_thought"
	ServerJobStatus    = "server:job_status"
	ServerPlanProposal = "server:plan_proposal"
	ServerFinding      = "server:finding"
	ServerGraphUpdate  = "server:graph_update"
	ServerNotification = "server:notification"
	ServerError        = "server:error"
)

// Frame is the wire format in both directions. Fields are populated per
// frame type; absent ones are omitted.
type Frame struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"session_id,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	MissionID     string          `json:"mission_id,omitempty"`
	PlanID        string          `json:"plan_id,omitempty"`
	ApprovedSteps []int           `json:"approved_steps,omitempty"`
	Seq           uint64          `json:"seq,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitzero"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// Controller executes the interactive commands a session may issue.
type Controller interface {
	ApprovePlan(ctx context.Context, missionID, planID string, steps []int) error
	KillMission(ctx context.Context, missionID, reason string) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin allows all origins; authentication happens before the
	// upgrade in the HTTP middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus events out to connected sessions. Broadcast frames go to
// everyone; job_log frames only to sessions subscribed to that mission's
// log channel.
type Hub struct {
	bus  *events.Bus
	ctrl Controller
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub wires the hub to the event bus and the command controller.
func NewHub(bus *events.Bus, ctrl Controller, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		bus:      bus,
		ctrl:     ctrl,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Run pumps bus events to sessions until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe("")
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			h.broadcast(evt)
		}
	}
}

// SessionCount reports connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleWS upgrades the request and serves the session until the client
// disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan Frame, sendQueueDepth),
		logChannels: make(map[string]bool),
		done:        make(chan struct{}),
	}
	h.register(sess)
	defer h.unregister(sess)

	go sess.writeLoop()

	sess.trySend(Frame{Type: ServerConnected, SessionID: sess.id, Timestamp: time.Now().UTC()})
	h.log.Info("websocket session opened",
		zap.String("session_id", sess.id),
		zap.String("remote_addr", r.RemoteAddr),
	)
	h.readLoop(r.Context(), sess)
}

func (h *Hub) register(sess *session) {
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	metrics.WSClients.Inc()
}

func (h *Hub) unregister(sess *session) {
	sess.close()
	_ = sess.conn.Close()
	h.mu.Lock()
	if h.sessions[sess.id] == sess {
		delete(h.sessions, sess.id)
	}
	h.mu.Unlock()
	metrics.WSClients.Dec()
	h.log.Info("websocket session closed", zap.String("session_id", sess.id))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
		_ = sess.conn.Close()
	}
}

func (h *Hub) broadcast(evt mission.Event) {
	frame := frameFor(evt)
	logOnly := evt.Kind == mission.KindLog

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sess := range h.sessions {
		if logOnly && !sess.subscribedTo(frame.Channel) {
			continue
		}
		sess.trySend(frame)
	}
}

// frameFor translates a bus event into its server frame. The mapping mirrors
// the Redis channel vocabulary so WebSocket and pub/sub consumers see the
// same shape of traffic.
func frameFor(evt mission.Event) Frame {
	f := Frame{
		MissionID: evt.MissionID,
		Seq:       evt.Seq,
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	}
	if evt.Kind == mission.KindLog {
		f.Type = ServerJobLog
		f.Channel = redisbridge.ChannelFor(evt)
		return f
	}
	switch evt.Topic {
	case mission.TopicAgentThought:
		f.Type = ServerAgentThought
	case mission.TopicPlanProposal:
		f.Type = ServerPlanProposal
	case mission.TopicFinding:
		f.Type = ServerFinding
	case mission.TopicGraphUpdate:
		f.Type = ServerGraphUpdate
	case mission.TopicScopeViolation, mission.TopicBudgetWarning, mission.TopicNotification:
		f.Type = ServerNotification
	default:
		f.Type = ServerJobStatus
	}
	return f
}

func (h *Hub) readLoop(ctx context.Context, sess *session) {
	conn := sess.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			h.log.Warn("undecodable websocket frame",
				zap.String("session_id", sess.id),
				zap.Error(err),
			)
			sess.trySend(Frame{Type: ServerError, Message: "invalid frame"})
			continue
		}
		h.handleClientFrame(ctx, sess, f)
	}
}

func (h *Hub) handleClientFrame(ctx context.Context, sess *session, f Frame) {
	switch f.Type {
	case ClientPing:
		sess.trySend(Frame{Type: ServerPong, Timestamp: time.Now().UTC()})

	case ClientSubscribeLogs:
		if f.Channel == "" {
			sess.trySend(Frame{Type: ServerError, Message: "channel is required"})
			return
		}
		sess.subscribe(f.Channel)
		sess.trySend(Frame{Type: ServerSubscribed, Channel: f.Channel})

	case ClientUnsubscribeLogs:
		if f.Channel == "" {
			sess.trySend(Frame{Type: ServerError, Message: "channel is required"})
			return
		}
		sess.unsubscribe(f.Channel)
		sess.trySend(Frame{Type: ServerUnsubscribed, Channel: f.Channel})

	case ClientApprovePlan:
		if f.MissionID == "" || f.PlanID == "" {
			sess.trySend(Frame{Type: ServerError, Message: "mission_id and plan_id are required"})
			return
		}
		if err := h.ctrl.ApprovePlan(ctx, f.MissionID, f.PlanID, f.ApprovedSteps); err != nil {
			h.log.Warn("plan approval failed",
				zap.String("mission_id", f.MissionID),
				zap.String("plan_id", f.PlanID),
				zap.Error(err),
			)
			sess.trySend(Frame{Type: ServerError, MissionID: f.MissionID, Message: err.Error()})
		}

	case ClientCancel:
		if f.MissionID == "" {
			sess.trySend(Frame{Type: ServerError, Message: "mission_id is required"})
			return
		}
		if err := h.ctrl.KillMission(ctx, f.MissionID, "user cancel"); err != nil {
			h.log.Warn("mission cancel failed",
				zap.String("mission_id", f.MissionID),
				zap.Error(err),
			)
			sess.trySend(Frame{Type: ServerError, MissionID: f.MissionID, Message: err.Error()})
		}

	default:
		sess.trySend(Frame{Type: ServerError, Message: "unknown frame type: " + f.Type})
	}
}

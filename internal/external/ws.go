package external

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/service"
	"github.com/perchhq/perch/pkg/agentwire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is token-authenticated; agents connect from anywhere.
	CheckOrigin: func(*http.Request) bool { return true },
}

// conn is the per-connection state of one agent WebSocket.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	log  *logger.Logger

	mu       sync.Mutex
	agentID  string
	identity agentwire.RegisterPayload
	sessions map[string]bool // sessions created over this connection
}

// serveWS upgrades the connection and runs the frame loop. The first frame
// must be a register; every subsequent frame gets a typed reply. On
// disconnect each session created here receives an agent_disconnected
// event; the sessions themselves persist.
func (h *Handlers) serveWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cn := &conn{
		ws:       ws,
		send:     make(chan []byte, 64),
		log:      h.log,
		sessions: make(map[string]bool),
	}

	go cn.writePump()
	h.readPump(c.Request.Context(), cn)
}

func (h *Handlers) readPump(ctx context.Context, cn *conn) {
	defer func() {
		close(cn.send)
		_ = cn.ws.Close()
		h.disconnect(cn)
	}()

	cn.ws.SetReadLimit(maxMessageSize)
	_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				cn.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var frame agentwire.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			cn.reply(agentwire.NewError("", agentwire.ErrorCodeValidation, "invalid frame"))
			continue
		}
		cn.reply(h.handleFrame(ctx, cn, &frame))
	}
}

func (cn *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cn.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-cn.send:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cn *conn) reply(frame *agentwire.Frame) {
	if frame == nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		cn.log.Warn("failed to encode frame", zap.Error(err))
		return
	}
	select {
	case cn.send <- data:
	default:
		// A stalled agent loses replies rather than wedging the server.
		cn.log.Warn("websocket send buffer full, dropping frame",
			zap.String("type", frame.Type))
	}
}

func (h *Handlers) handleFrame(ctx context.Context, cn *conn, frame *agentwire.Frame) *agentwire.Frame {
	cn.mu.Lock()
	registered := cn.agentID != ""
	cn.mu.Unlock()

	if !registered && frame.Type != agentwire.TypeRegister {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeValidation, "first frame must be register")
	}

	switch frame.Type {
	case agentwire.TypeRegister:
		return h.handleRegister(cn, frame)
	case agentwire.TypeCreateSession:
		return h.handleCreateSession(ctx, cn, frame)
	case agentwire.TypeEvent:
		return h.handleEvent(ctx, frame)
	case agentwire.TypePollEvents:
		return h.handlePollEvents(ctx, frame)
	default:
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeUnknownType, "unknown frame type: "+frame.Type)
	}
}

func (h *Handlers) handleRegister(cn *conn, frame *agentwire.Frame) *agentwire.Frame {
	var payload agentwire.RegisterPayload
	if err := frame.ParsePayload(&payload); err != nil || strings.TrimSpace(payload.Name) == "" {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeValidation, "agent name is required")
	}

	agentID := "agent_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	cn.mu.Lock()
	cn.agentID = agentID
	cn.identity = payload
	cn.mu.Unlock()

	h.log.Info("external agent registered",
		zap.String("agent_id", agentID),
		zap.String("agent_name", payload.Name))

	reply, err := agentwire.NewFrame(frame.ID, agentwire.TypeRegistered, agentwire.RegisteredPayload{AgentID: agentID})
	if err != nil {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeInternalError, "internal error")
	}
	return reply
}

func (h *Handlers) handleCreateSession(ctx context.Context, cn *conn, frame *agentwire.Frame) *agentwire.Frame {
	var payload agentwire.CreateSessionPayload
	if err := frame.ParsePayload(&payload); err != nil {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeValidation, "invalid payload")
	}

	cn.mu.Lock()
	agentID := cn.agentID
	identity := cn.identity
	cn.mu.Unlock()

	sess, err := h.svc.RegisterExternalSession(ctx, service.RegisterExternalRequest{
		AgentID:        agentID,
		AgentName:      identity.Name,
		AgentType:      identity.Type,
		AgentIcon:      identity.Icon,
		AgentWorkspace: identity.Workspace,
		SessionName:    payload.Title,
		Workdir:        payload.Workdir,
		Metadata:       payload.Metadata,
	})
	if err != nil {
		return wireError(frame.ID, err)
	}

	cn.mu.Lock()
	cn.sessions[sess.ID] = true
	cn.mu.Unlock()

	reply, ferr := agentwire.NewFrame(frame.ID, agentwire.TypeSessionCreated, agentwire.SessionCreatedPayload{SessionID: sess.ID})
	if ferr != nil {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeInternalError, "internal error")
	}
	return reply
}

func (h *Handlers) handleEvent(ctx context.Context, frame *agentwire.Frame) *agentwire.Frame {
	var payload agentwire.EventPayload
	if err := frame.ParsePayload(&payload); err != nil || payload.SessionID == "" || payload.Type == "" {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeValidation, "session_id and type are required")
	}
	ev, err := h.svc.AppendExternalEvent(ctx, payload.SessionID, payload.Type, payload.Payload)
	if err != nil {
		return wireError(frame.ID, err)
	}
	reply, ferr := agentwire.NewFrame(frame.ID, agentwire.TypeAck, agentwire.AckPayload{Seq: ev.Seq})
	if ferr != nil {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeInternalError, "internal error")
	}
	return reply
}

func (h *Handlers) handlePollEvents(ctx context.Context, frame *agentwire.Frame) *agentwire.Frame {
	var payload agentwire.PollEventsPayload
	if err := frame.ParsePayload(&payload); err != nil || payload.SessionID == "" {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeValidation, "session_id is required")
	}
	events, err := h.svc.Events(ctx, payload.SessionID, payload.SinceSeq, payload.Types)
	if err != nil {
		return wireError(frame.ID, err)
	}
	wire := make([]agentwire.Event, 0, len(events))
	for _, ev := range events {
		wire = append(wire, agentwire.Event{
			Seq:     ev.Seq,
			TS:      ev.TS,
			Type:    string(ev.Type),
			Payload: ev.Payload,
		})
	}
	reply, ferr := agentwire.NewFrame(frame.ID, agentwire.TypeEvents, agentwire.EventsPayload{
		SessionID: payload.SessionID,
		Events:    wire,
	})
	if ferr != nil {
		return agentwire.NewError(frame.ID, agentwire.ErrorCodeInternalError, "internal error")
	}
	return reply
}

// disconnect emits agent_disconnected on every session this connection
// created. State is untouched; a reconnecting agent resumes by appending
// more events.
func (h *Handlers) disconnect(cn *conn) {
	cn.mu.Lock()
	agentID := cn.agentID
	sessions := make([]string, 0, len(cn.sessions))
	for id := range cn.sessions {
		sessions = append(sessions, id)
	}
	cn.mu.Unlock()

	if agentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range sessions {
		h.svc.MarkAgentDisconnected(ctx, id)
	}
	h.log.Info("external agent disconnected",
		zap.String("agent_id", agentID),
		zap.Int("sessions", len(sessions)))
}

// wireError maps service errors onto wire error codes the way the REST
// surface maps them onto HTTP statuses.
func wireError(frameID string, err error) *agentwire.Frame {
	switch {
	case isNotFoundErr(err):
		return agentwire.NewError(frameID, agentwire.ErrorCodeNotFound, err.Error())
	case isValidationErr(err):
		return agentwire.NewError(frameID, agentwire.ErrorCodeValidation, err.Error())
	case isStateErr(err):
		return agentwire.NewError(frameID, agentwire.ErrorCodeInvalidState, err.Error())
	default:
		return agentwire.NewError(frameID, agentwire.ErrorCodeInternalError, "internal error")
	}
}

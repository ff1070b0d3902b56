package external

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/events/bus"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/repository"
	"github.com/perchhq/perch/internal/session/service"
	"github.com/perchhq/perch/internal/session/store"
	"github.com/perchhq/perch/pkg/agentwire"
)

type harness struct {
	router   *gin.Engine
	handlers *Handlers
	svc      *service.Service
	store    *store.Store
}

func setup(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.ReleaseMode)

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := repository.New(db, db)
	require.NoError(t, err)

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := store.New(repo, log, store.Options{DataDir: t.TempDir()})
	svc := service.NewService(st, bus.NewMemoryEventBus(log), log)

	h := NewHandlers(svc, log)
	router := gin.New()
	h.RegisterRoutes(router, "", true)

	return &harness{router: router, handlers: h, svc: svc, store: st}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

type obj = map[string]any

func registerSession(t *testing.T, h *harness) models.Session {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/external/sessions", obj{
		"agent_name": "aider",
		"agent_type": "cli",
		"workdir":    "/srv/projects/demo",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode[struct {
		Session models.Session `json:"session"`
	}](t, w)
	return resp.Session
}

func TestRegisterSessionBornRunning(t *testing.T) {
	h := setup(t)
	sess := registerSession(t, h)

	assert.Equal(t, models.StateRunning, sess.State)
	assert.NotEmpty(t, sess.AgentID)
	assert.Equal(t, "aider", sess.AgentName)
	assert.Equal(t, "/srv/projects/demo", sess.Workdir)
	assert.True(t, sess.External())
}

func TestRegisterSessionRequiresAgentName(t *testing.T) {
	h := setup(t)
	w := h.do(t, http.MethodPost, "/api/external/sessions", obj{"workdir": "/tmp"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[map[string]map[string]any](t, w)
	assert.Equal(t, "VALIDATION_ERROR", resp["error"]["code"])
}

func TestListReturnsOnlyExternalSessions(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	ext := registerSession(t, h)
	_, err := h.store.CreateSession(ctx, &models.Session{})
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/api/external/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Sessions []models.Session `json:"sessions"`
	}](t, w)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, ext.ID, resp.Sessions[0].ID)
}

func TestAppendEventAssignsSequence(t *testing.T) {
	h := setup(t)
	sess := registerSession(t, h)

	w := h.do(t, http.MethodPost, "/api/external/sessions/"+sess.ID+"/events", obj{
		"type":    "output",
		"payload": obj{"text": "working on it"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	first := resp["seq"].(float64)

	w = h.do(t, http.MethodPost, "/api/external/sessions/"+sess.ID+"/events", obj{
		"type":    "output",
		"payload": obj{"text": "still at it"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[map[string]any](t, w)
	assert.Equal(t, first+1, resp["seq"].(float64))
}

func TestAppendEventRejectsServerOwnedTypes(t *testing.T) {
	h := setup(t)
	sess := registerSession(t, h)

	for _, typ := range []string{"human_input", "session_state", "approval_response"} {
		w := h.do(t, http.MethodPost, "/api/external/sessions/"+sess.ID+"/events", obj{"type": typ})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, typ)
	}

	w := h.do(t, http.MethodPost, "/api/external/sessions/"+sess.ID+"/events", obj{"type": "no_such_type"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAppendEventRejectsManagedSessions(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	sess, err := h.store.CreateSession(ctx, &models.Session{})
	require.NoError(t, err)

	w := h.do(t, http.MethodPost, "/api/external/sessions/"+sess.ID+"/events", obj{"type": "output"})
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[map[string]map[string]any](t, w)
	assert.Equal(t, "INVALID_STATE", resp["error"]["code"])
}

func TestAppendErrorEventTransitionsToError(t *testing.T) {
	h := setup(t)
	sess := registerSession(t, h)

	w := h.do(t, http.MethodPost, "/api/external/sessions/"+sess.ID+"/events", obj{
		"type":    "error",
		"payload": obj{"message": "agent crashed"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, got.State)
}

func TestPollEventsSinceSeq(t *testing.T) {
	h := setup(t)
	sess := registerSession(t, h)

	for _, text := range []string{"one", "two", "three"} {
		w := h.do(t, http.MethodPost, "/api/external/sessions/"+sess.ID+"/events", obj{
			"type":    "output",
			"payload": obj{"text": text},
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := h.do(t, http.MethodGet, "/api/external/sessions/"+sess.ID+"/events?since_seq=2&types=output", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Events []models.Event `json:"events"`
	}](t, w)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "three", resp.Events[0].Payload["text"])
}

func TestPollEventsUnknownSession(t *testing.T) {
	h := setup(t)
	w := h.do(t, http.MethodGet, "/api/external/sessions/sess_missing/events", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// Frame handling is tested against handleFrame directly; the WebSocket
// transport above it only moves bytes.

func newTestConn(h *Handlers) *conn {
	return &conn{
		send:     make(chan []byte, 8),
		log:      h.log,
		sessions: make(map[string]bool),
	}
}

func frame(t *testing.T, id, typ string, payload any) *agentwire.Frame {
	t.Helper()
	f, err := agentwire.NewFrame(id, typ, payload)
	require.NoError(t, err)
	return f
}

func TestFrameRequiresRegisterFirst(t *testing.T) {
	h := setup(t)
	cn := newTestConn(h.handlers)
	ctx := context.Background()

	reply := h.handlers.handleFrame(ctx, cn, frame(t, "1", agentwire.TypeCreateSession, agentwire.CreateSessionPayload{}))
	require.Equal(t, agentwire.TypeError, reply.Type)

	var errPayload agentwire.ErrorPayload
	require.NoError(t, reply.ParsePayload(&errPayload))
	assert.Equal(t, agentwire.ErrorCodeValidation, errPayload.Code)
}

func TestFrameRegisterAndCreateSession(t *testing.T) {
	h := setup(t)
	cn := newTestConn(h.handlers)
	ctx := context.Background()

	reply := h.handlers.handleFrame(ctx, cn, frame(t, "1", agentwire.TypeRegister, agentwire.RegisterPayload{
		Name:      "goose",
		Type:      "cli",
		Workspace: "/work/goose",
	}))
	require.Equal(t, agentwire.TypeRegistered, reply.Type)
	assert.Equal(t, "1", reply.ID)

	var registered agentwire.RegisteredPayload
	require.NoError(t, reply.ParsePayload(&registered))
	assert.NotEmpty(t, registered.AgentID)

	reply = h.handlers.handleFrame(ctx, cn, frame(t, "2", agentwire.TypeCreateSession, agentwire.CreateSessionPayload{
		Title: "refactor pass",
	}))
	require.Equal(t, agentwire.TypeSessionCreated, reply.Type)

	var created agentwire.SessionCreatedPayload
	require.NoError(t, reply.ParsePayload(&created))

	sess, err := h.store.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, registered.AgentID, sess.AgentID)
	assert.Equal(t, "goose", sess.AgentName)
	assert.Equal(t, models.StateRunning, sess.State)
}

func TestFrameRegisterRequiresName(t *testing.T) {
	h := setup(t)
	cn := newTestConn(h.handlers)

	reply := h.handlers.handleFrame(context.Background(), cn, frame(t, "1", agentwire.TypeRegister, agentwire.RegisterPayload{Name: "  "}))
	require.Equal(t, agentwire.TypeError, reply.Type)
}

func TestFrameEventAndPollRoundTrip(t *testing.T) {
	h := setup(t)
	cn := newTestConn(h.handlers)
	ctx := context.Background()

	h.handlers.handleFrame(ctx, cn, frame(t, "1", agentwire.TypeRegister, agentwire.RegisterPayload{Name: "goose"}))
	created := h.handlers.handleFrame(ctx, cn, frame(t, "2", agentwire.TypeCreateSession, agentwire.CreateSessionPayload{}))
	var sessPayload agentwire.SessionCreatedPayload
	require.NoError(t, created.ParsePayload(&sessPayload))

	reply := h.handlers.handleFrame(ctx, cn, frame(t, "3", agentwire.TypeEvent, agentwire.EventPayload{
		SessionID: sessPayload.SessionID,
		Type:      "output",
		Payload:   map[string]any{"text": "hello"},
	}))
	require.Equal(t, agentwire.TypeAck, reply.Type)

	var ack agentwire.AckPayload
	require.NoError(t, reply.ParsePayload(&ack))
	assert.Greater(t, ack.Seq, int64(0))

	reply = h.handlers.handleFrame(ctx, cn, frame(t, "4", agentwire.TypePollEvents, agentwire.PollEventsPayload{
		SessionID: sessPayload.SessionID,
		Types:     []string{"output"},
	}))
	require.Equal(t, agentwire.TypeEvents, reply.Type)

	var events agentwire.EventsPayload
	require.NoError(t, reply.ParsePayload(&events))
	require.Len(t, events.Events, 1)
	assert.Equal(t, "hello", events.Events[0].Payload["text"])
}

func TestFrameUnknownType(t *testing.T) {
	h := setup(t)
	cn := newTestConn(h.handlers)
	ctx := context.Background()

	h.handlers.handleFrame(ctx, cn, frame(t, "1", agentwire.TypeRegister, agentwire.RegisterPayload{Name: "goose"}))
	reply := h.handlers.handleFrame(ctx, cn, frame(t, "2", "resume", nil))
	require.Equal(t, agentwire.TypeError, reply.Type)

	var errPayload agentwire.ErrorPayload
	require.NoError(t, reply.ParsePayload(&errPayload))
	assert.Equal(t, agentwire.ErrorCodeUnknownType, errPayload.Code)
}

func TestDisconnectEmitsAgentDisconnected(t *testing.T) {
	h := setup(t)
	cn := newTestConn(h.handlers)
	ctx := context.Background()

	h.handlers.handleFrame(ctx, cn, frame(t, "1", agentwire.TypeRegister, agentwire.RegisterPayload{Name: "goose"}))
	created := h.handlers.handleFrame(ctx, cn, frame(t, "2", agentwire.TypeCreateSession, agentwire.CreateSessionPayload{}))
	var sessPayload agentwire.SessionCreatedPayload
	require.NoError(t, created.ParsePayload(&sessPayload))

	h.handlers.disconnect(cn)

	events, err := h.svc.Events(ctx, sessPayload.SessionID, 0, []string{string(models.EventAgentDisconnected)})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// State is untouched; a reconnecting agent resumes where it left off.
	sess, err := h.store.GetSession(ctx, sessPayload.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, sess.State)
}

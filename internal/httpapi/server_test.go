package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchhq/perch/internal/bridge"
	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/events/bus"
	"github.com/perchhq/perch/internal/runner"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/repository"
	"github.com/perchhq/perch/internal/session/service"
	"github.com/perchhq/perch/internal/session/store"
)

type fakeRunner struct {
	stopCode *int
}

func (f *fakeRunner) Start(ctx context.Context, sessionID, prompt string, approvalChoice int) error {
	return nil
}
func (f *fakeRunner) SendInput(ctx context.Context, sessionID, text string) error { return nil }
func (f *fakeRunner) Stop(ctx context.Context, sessionID string) (*int, error) {
	return f.stopCode, nil
}
func (f *fakeRunner) UpdatePermissionMode(ctx context.Context, sessionID, mode string) error {
	return nil
}
func (f *fakeRunner) RunnerType() string { return "fake" }

type fakeProvider struct{ r runner.Runner }

func (p *fakeProvider) Get(name string) (runner.Runner, error) { return p.r, nil }
func (p *fakeProvider) ValidateAdapter(name string) error      { return nil }

type harness struct {
	server *Server
	svc    *service.Service
	store  *store.Store
	cfg    *config.Config
}

func setupServer(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := repository.New(db, db)
	require.NoError(t, err)

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Logging.Format = "json" // release mode keeps test output quiet
	if mutate != nil {
		mutate(cfg)
	}

	st := store.New(repo, log, store.Options{DataDir: cfg.DataDir})
	svc := service.NewService(st, bus.NewMemoryEventBus(log), log)
	svc.SetRunnerProvider(&fakeProvider{r: &fakeRunner{}})

	mgr := bridge.NewManager(log)
	fanout := bridge.NewSubscriber(st, mgr, log)
	t.Cleanup(fanout.Close)

	return &harness{
		server: New(cfg, svc, mgr, fanout, log),
		svc:    svc,
		store:  st,
		cfg:    cfg,
	}
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
	h.server.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func createSession(t *testing.T, h *harness) models.Session {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/sessions", obj{"repo_id": "repo_smoke"})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode[struct {
		Session models.Session `json:"session"`
	}](t, w)
	return resp.Session
}

type obj = map[string]any

func TestHealth(t *testing.T) {
	h := setupServer(t, nil)
	w := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, Version, resp["version"])
}

func TestCreateGetListDelete(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)
	assert.True(t, strings.HasPrefix(sess.ID, "sess_"))
	assert.Equal(t, models.StateCreated, sess.State)

	w := h.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Sessions []models.Session `json:"sessions"`
	}](t, w)
	require.Len(t, list.Sessions, 1)

	w = h.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	errResp := decode[errorBody](t, w)
	assert.Equal(t, CodeNotFound, errResp.Error.Code)
}

func TestCreateRejectsMissingDirectory(t *testing.T) {
	h := setupServer(t, nil)
	w := h.do(t, http.MethodPost, "/api/sessions", obj{"directory": "/definitely/not/here"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errResp := decode[errorBody](t, w)
	assert.Equal(t, CodeValidation, errResp.Error.Code)
}

func TestStartValidatesApprovalChoice(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)
	for _, choice := range []int{0, 7} {
		w := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", obj{"prompt": "hi", "approval_choice": choice})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code, "choice %d", choice)
		errResp := decode[errorBody](t, w)
		assert.Equal(t, CodeValidation, errResp.Error.Code)
	}
}

func TestStartDefaultsApprovalChoice(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)

	w := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", obj{"prompt": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	started := decode[struct {
		Session models.Session `json:"session"`
	}](t, w)
	assert.Equal(t, runner.ModeAcceptEdits, started.Session.ApprovalMode)
}

func TestStartAndStopLifecycle(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)

	w := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", obj{"prompt": "hi there", "approval_choice": 1})
	require.Equal(t, http.StatusOK, w.Code)
	started := decode[struct {
		Session models.Session `json:"session"`
	}](t, w)
	assert.Equal(t, models.StateRunning, started.Session.State)
	assert.Equal(t, "hi there", started.Session.Name)

	// Second start is a state violation.
	w = h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", obj{"prompt": "again", "approval_choice": 1})
	require.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stopped := decode[struct {
		Session models.Session `json:"session"`
	}](t, w)
	assert.Equal(t, models.StateStopped, stopped.Session.State)

	// Stop past terminal is idempotent.
	w = h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestInputRequiresRunning(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)
	w := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/input", obj{"text": "hello"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteActiveSessionConflicts(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)
	w := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", obj{"approval_choice": 1})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	errResp := decode[errorBody](t, w)
	assert.Equal(t, CodeInvalidState, errResp.Error.Code)
}

func TestRenameTrimsAndTruncates(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)

	long := strings.Repeat("word  ", 40)
	w := h.do(t, http.MethodPatch, "/api/sessions/"+sess.ID+"/rename", obj{"name": long})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Session models.Session `json:"session"`
	}](t, w)
	assert.NotContains(t, resp.Session.Name, "  ")
	assert.LessOrEqual(t, len([]rune(resp.Session.Name)), 80)
}

func TestPermissionResolveFirstWriterWins(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)

	ch := h.store.RegisterPermission(sess.ID, models.ApprovalRequest{ID: "req_1", Title: "Bash"})

	w := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/permission", obj{"request_id": "req_1", "allow": true})
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case d := <-ch:
		assert.True(t, d.Allowed)
	case <-time.After(time.Second):
		t.Fatal("decision not delivered")
	}

	w = h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/permission", obj{"request_id": "req_1", "allow": false})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsReplaySinceSeq(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := h.store.Emit(ctx, sess.ID, models.EventOutput, map[string]any{"text": fmt.Sprintf("line %d", i)})
		require.NoError(t, err)
	}

	w := h.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/events?since_seq=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Events []models.Event `json:"events"`
	}](t, w)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, int64(2), resp.Events[0].Seq)
	assert.Equal(t, int64(3), resp.Events[1].Seq)

	w = h.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/events?since_seq=bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthEnforcedOutsideDevMode(t *testing.T) {
	h := setupServer(t, func(cfg *config.Config) {
		cfg.Auth.DevMode = false
		cfg.Auth.Token = "sekrit"
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCheckDirectory(t *testing.T) {
	h := setupServer(t, nil)
	dir := t.TempDir()

	w := h.do(t, http.MethodGet, "/api/directories/check?path="+dir, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, true, resp["exists"])
	assert.Equal(t, false, resp["is_git"])

	w = h.do(t, http.MethodGet, "/api/directories/check?path="+dir+"/missing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[map[string]any](t, w)
	assert.Equal(t, false, resp["exists"])

	w = h.do(t, http.MethodGet, "/api/directories/check", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClearDataDevModeOnly(t *testing.T) {
	h := setupServer(t, nil)
	createSession(t, h)

	w := h.do(t, http.MethodPost, "/api/debug/clear-data", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), resp["removed"])

	prod := setupServer(t, func(cfg *config.Config) {
		cfg.Auth.DevMode = false
		cfg.Auth.Token = "sekrit"
	})
	req := httptest.NewRequest(http.MethodPost, "/api/debug/clear-data", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w2 := httptest.NewRecorder()
	prod.server.Router().ServeHTTP(w2, req)
	require.Equal(t, http.StatusNotFound, w2.Code)
}

type stubBridge struct {
	threads []string
}

func (b *stubBridge) CreateThread(ctx context.Context, sessionID, name string) (*bridge.ThreadInfo, error) {
	b.threads = append(b.threads, name)
	return &bridge.ThreadInfo{ThreadID: "42", Platform: "telegram", Title: name}, nil
}
func (b *stubBridge) OnOutput(ctx context.Context, sessionID, text string) error { return nil }
func (b *stubBridge) OnApprovalRequest(ctx context.Context, sessionID string, req bridge.ApprovalRequest) error {
	return nil
}
func (b *stubBridge) OnStatusChange(ctx context.Context, sessionID, status string, meta map[string]any) error {
	return nil
}
func (b *stubBridge) OnTyping(ctx context.Context, sessionID string) error         { return nil }
func (b *stubBridge) OnTypingStopped(ctx context.Context, sessionID string) error  { return nil }
func (b *stubBridge) OnSessionRemoved(ctx context.Context, sessionID string) error { return nil }

func TestBindBridge(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)

	sb := &stubBridge{}
	h.server.bridges.Register("telegram", sb)

	w := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/bridge", obj{"platform": "telegram"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Session models.Session `json:"session"`
	}](t, w)
	assert.Equal(t, "telegram", resp.Session.Platform)
	assert.Equal(t, "42", resp.Session.ThreadID)
	assert.True(t, h.server.fanout.Subscribed(sess.ID))

	w = h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/bridge", obj{"platform": "slack"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSSEStreamsEventsAndUnsubscribes(t *testing.T) {
	h := setupServer(t, nil)
	sess := createSession(t, h)

	srv := httptest.NewServer(h.server.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/sessions/"+sess.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = h.store.Emit(context.Background(), sess.ID, models.EventOutput, map[string]any{"text": "hello", "final": true})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	var frame string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			frame = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}

	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(frame), &ev))
	assert.Equal(t, models.EventOutput, ev.Type)
	assert.Equal(t, "hello", ev.Payload["text"])
	assert.Equal(t, int64(1), ev.Seq)
}

func TestSSEUnknownSession(t *testing.T) {
	h := setupServer(t, nil)
	w := h.do(t, http.MethodGet, "/events/sessions/sess_nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

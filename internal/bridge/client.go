package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/models"
)

const defaultClientTimeout = 30 * time.Second

// ErrNotFound is returned by the API client when the server answers 404,
// typically because a session or permission request no longer exists.
var ErrNotFound = errors.New("not found")

// API is the slice of the HTTP API that bridges consume. Bridges never
// reach into the store directly; every mutation goes through the server so
// that web UI clients and chat clients observe the same state transitions.
type API interface {
	// ListSessions returns all known sessions.
	ListSessions(ctx context.Context) ([]models.Session, error)

	// SendInput forwards operator text to a session's agent.
	SendInput(ctx context.Context, sessionID, text string) error

	// ResolvePermission answers a pending tool-use approval.
	ResolvePermission(ctx context.Context, sessionID, requestID string, allow bool, message string) error

	// InterruptSession asks the agent to stop its current run.
	InterruptSession(ctx context.Context, sessionID string) error

	// BindSession attaches a session to a chat platform. The server creates
	// the thread through the registered bridge and starts event fanout.
	BindSession(ctx context.Context, sessionID, platform string) (*models.Session, error)

	// SessionMessages returns the last messages of a session's transcript,
	// oldest first. A limit of 0 means no limit.
	SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// Client is the HTTP implementation of API used by the in-process bridges.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates an API client for the Perch server at baseURL. The token
// is sent as a bearer credential and may be empty in dev mode.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultClientTimeout},
		log:        log,
	}
}

var _ API = (*Client)(nil)

func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var resp struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) SendInput(ctx context.Context, sessionID, text string) error {
	body := map[string]any{"text": text}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/input", body, nil)
}

func (c *Client) ResolvePermission(ctx context.Context, sessionID, requestID string, allow bool, message string) error {
	body := map[string]any{
		"request_id": requestID,
		"allow":      allow,
		"message":    message,
	}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/permission", body, nil)
}

func (c *Client) InterruptSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/interrupt", nil, nil)
}

func (c *Client) BindSession(ctx context.Context, sessionID, platform string) (*models.Session, error) {
	body := map[string]any{"platform": platform}
	var resp struct {
		Session *models.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/bridge", body, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// do performs one API request. A non-nil body is sent as JSON; a non-nil out
// receives the decoded response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := apiErrorMessage(resp)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrNotFound)
		}
		return fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// apiErrorMessage extracts the message from the server's error envelope,
// falling back to the HTTP status text.
func apiErrorMessage(resp *http.Response) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return http.StatusText(resp.StatusCode)
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
)

// OpenAIRunner talks to an OpenAI-compatible chat completion endpoint. It
// has no workspace of its own: the conversation history lives in memory per
// session, and each turn streams one completion.
type OpenAIRunner struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events
	client *openai.Client
	model  string

	mu       sync.Mutex
	sessions map[string]*openaiSession
}

var _ Runner = (*OpenAIRunner)(nil)

type openaiSession struct {
	id string

	mu            sync.Mutex
	history       []openai.ChatCompletionMessage
	cancelTurn    context.CancelFunc
	stopRequested bool
	headerSent    bool
}

// NewOpenAIRunner creates the chat completion runner. It fails when no API
// key is configured so misconfiguration surfaces at first use rather than
// mid-session.
func NewOpenAIRunner(cfg *config.Config, log *logger.Logger, events Events, _ InfoSource) (Runner, error) {
	oc := cfg.Runner.OpenAI
	if oc.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}

	clientConfig := openai.DefaultConfig(oc.APIKey)
	if oc.BaseURL != "" {
		clientConfig.BaseURL = oc.BaseURL
	}

	return &OpenAIRunner{
		cfg:      cfg,
		log:      log.WithFields(zap.String("runner", "openai")),
		events:   events,
		client:   openai.NewClientWithConfig(clientConfig),
		model:    oc.Model,
		sessions: make(map[string]*openaiSession),
	}, nil
}

func (r *OpenAIRunner) RunnerType() string { return "openai" }

func (r *OpenAIRunner) Start(_ context.Context, sessionID, prompt string, _ int) error {
	return r.runTurn(sessionID, prompt)
}

func (r *OpenAIRunner) SendInput(_ context.Context, sessionID, text string) error {
	return r.runTurn(sessionID, text)
}

// Stop cancels the in-flight completion and forgets the conversation.
func (r *OpenAIRunner) Stop(_ context.Context, sessionID string) (*int, error) {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if sess == nil {
		return nil, nil
	}

	sess.mu.Lock()
	sess.stopRequested = true
	cancel := sess.cancelTurn
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	code := 0
	return &code, nil
}

// UpdatePermissionMode is a no-op: a plain chat endpoint never calls tools.
func (r *OpenAIRunner) UpdatePermissionMode(context.Context, string, string) error {
	return nil
}

func (r *OpenAIRunner) session(sessionID string) *openaiSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[sessionID]
	if sess == nil {
		sess = &openaiSession{id: sessionID}
		r.sessions[sessionID] = sess
	}
	return sess
}

// runTurn appends the prompt to the conversation and streams one completion
// in the background. The caller unblocks as soon as the turn is dispatched.
func (r *OpenAIRunner) runTurn(sessionID, prompt string) error {
	sess := r.session(sessionID)

	sess.mu.Lock()
	if sess.cancelTurn != nil {
		sess.mu.Unlock()
		return fmt.Errorf("turn already in progress for session %s", sessionID)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	sess.cancelTurn = cancel
	sess.history = append(sess.history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	messages := make([]openai.ChatCompletionMessage, len(sess.history))
	copy(messages, sess.history)
	headerSent := sess.headerSent
	sess.headerSent = true
	sess.mu.Unlock()

	if !headerSent {
		r.events.OnHeader(sessionID, "OpenAI "+r.model, "", r.model, "openai")
	}

	go r.stream(turnCtx, sess, messages)
	return nil
}

func (r *OpenAIRunner) stream(ctx context.Context, sess *openaiSession, messages []openai.ChatCompletionMessage) {
	hb := startHeartbeats(r.events, sess.id)
	defer hb.stop()
	defer r.clearTurn(sess)

	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         r.model,
		Messages:      messages,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		r.failTurn(sess, fmt.Errorf("create stream failed: %w", err))
		return
	}
	defer stream.Close()

	var reply strings.Builder
	var usage *openai.Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.failTurn(sess, fmt.Errorf("stream recv failed: %w", err))
			return
		}
		if len(resp.Choices) > 0 {
			reply.WriteString(resp.Choices[0].Delta.Content)
		}
		if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
			usage = resp.Usage
		}
	}

	sess.mu.Lock()
	sess.history = append(sess.history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply.String(),
	})
	stopped := sess.stopRequested
	sess.mu.Unlock()
	if stopped {
		return
	}

	if usage != nil {
		r.events.OnMetadata(sess.id, "tokens", map[string]any{
			"input":  usage.PromptTokens,
			"output": usage.CompletionTokens,
		}, map[string]any{"total_tokens": usage.TotalTokens})
	}
	if text := strings.TrimSpace(reply.String()); text != "" {
		r.events.OnOutput(sess.id, "stdout", text, "", true)
	}
	r.events.OnAwaitingInput(sess.id)
}

func (r *OpenAIRunner) failTurn(sess *openaiSession, err error) {
	sess.mu.Lock()
	stopped := sess.stopRequested
	sess.mu.Unlock()
	if stopped {
		return
	}
	r.log.Warn("completion failed", zap.String("session_id", sess.id), zap.Error(err))
	r.events.OnError(sess.id, "runner_error", err.Error())
}

func (r *OpenAIRunner) clearTurn(sess *openaiSession) {
	sess.mu.Lock()
	cancel := sess.cancelTurn
	sess.cancelTurn = nil
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

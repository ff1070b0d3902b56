// Package telegram implements the Telegram chat bridge. Every supervised
// session is mirrored into a forum topic of one supergroup: agent output and
// status land in the topic, operator text in the topic goes back to the
// agent, and approval requests become inline keyboards. A control topic
// takes commands such as !list and !attach.
//
// The bridge talks to Telegram over the Bot API and to Perch over the HTTP
// API client. It never touches the session store directly.
package telegram

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/bridge"
	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/models"
)

// Platform is the tag sessions are bound to when this bridge owns them.
const Platform = "telegram"

const (
	controlTopicName = "Perch"
	topicIconColor   = 7322096
	topicNameLimit   = 64
	replayLimit      = 10
	replayTextLimit  = 800

	callbackDataLimit = 64
	errorDebounce     = 30 * time.Second
	typingInterval    = 4 * time.Second
	typingMaxDuration = 10 * time.Minute
)

const helpText = `🪶 Perch commands:
!list - list sessions
!attach <n> - mirror session n into a forum topic
!status - session summary
!stop - interrupt the session (inside its topic)
!pair <code> - pair this account when pairing is enabled
!help - this text

Inside a session topic, plain text goes to the agent.
Reply "deny: <reason>" to deny a pending approval.`

const controlWelcome = "🪶 Perch control topic. Session activity appears in per-session topics.\n\n" + helpText

// transport is the slice of the Bot API the bridge uses. Forum topic methods
// postdate the typed surface of the Bot API library, so every call goes
// through the raw request path with explicit parameters.
type transport interface {
	request(endpoint string, params tgbotapi.Params) (json.RawMessage, error)
}

type botTransport struct {
	bot *tgbotapi.BotAPI
}

func (t *botTransport) request(endpoint string, params tgbotapi.Params) (json.RawMessage, error) {
	resp, err := t.bot.MakeRequest(endpoint, params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Bridge mirrors sessions into forum topics of one Telegram supergroup.
type Bridge struct {
	cfg       config.TelegramConfig
	api       bridge.API
	log       *logger.Logger
	tg        transport
	state     *stateManager
	approvals *approvalState

	mu          sync.Mutex
	typing      map[string]context.CancelFunc
	lastError   map[string]time.Time
	flushTimers map[string]*time.Timer
	listCache   []string
	pairingCode string

	offset int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bridge.Bridge = (*Bridge)(nil)

// New connects to the Bot API and loads persisted topic state from
// statePath. The bridge is inert until Start.
func New(cfg config.TelegramConfig, statePath string, apiClient bridge.API, log *logger.Logger) (*Bridge, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	log.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return newBridge(cfg, statePath, apiClient, log, &botTransport{bot: bot})
}

func newBridge(cfg config.TelegramConfig, statePath string, apiClient bridge.API, log *logger.Logger, tg transport) (*Bridge, error) {
	st, err := newStateManager(statePath)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:         cfg,
		api:         apiClient,
		log:         log,
		tg:          tg,
		state:       st,
		approvals:   newApprovalState(),
		typing:      map[string]context.CancelFunc{},
		lastError:   map[string]time.Time{},
		flushTimers: map[string]*time.Timer{},
	}
	if cfg.PairingEnabled {
		b.pairingCode = newPairingCode()
	}
	return b, nil
}

// newPairingCode generates the one-time code operators must present before
// the bot accepts their messages. The code is printed to the log at startup.
func newPairingCode() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%08d", time.Now().UnixNano()%100000000)
	}
	return fmt.Sprintf("%08d", binary.BigEndian.Uint32(buf[:])%100000000)
}

// Start ensures the control topic exists and begins polling for updates.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.ControlChatID == 0 {
		return errors.New("telegram control_chat_id is not configured")
	}
	if err := b.ensureControlTopic(); err != nil {
		return err
	}
	if b.cfg.PairingEnabled {
		b.log.Info("telegram pairing enabled", zap.String("code", b.pairingCode))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.pollLoop(pollCtx)
	return nil
}

// Stop halts update polling, typing loops, and pending notice flushes. It
// blocks until the in-flight long poll returns.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	for _, cancel := range b.typing {
		cancel()
	}
	b.typing = map[string]context.CancelFunc{}
	for _, t := range b.flushTimers {
		t.Stop()
	}
	b.flushTimers = map[string]*time.Timer{}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) ensureControlTopic() error {
	if b.state.controlTopic() != 0 {
		return nil
	}
	topicID, err := b.createTopic(controlTopicName)
	if err != nil {
		return fmt.Errorf("creating control topic: %w", err)
	}
	if err := b.state.setControlTopic(topicID); err != nil {
		return err
	}
	if _, err := b.sendTopicText(topicID, controlWelcome, false); err != nil {
		b.log.Warn("control topic welcome failed", zap.Error(err))
	}
	return nil
}

// CreateThread creates a forum topic for a session and replays the tail of
// its transcript so the topic opens with context. Binding an already bound
// session returns the existing topic.
func (b *Bridge) CreateThread(ctx context.Context, sessionID, name string) (*bridge.ThreadInfo, error) {
	if existing, ok := b.state.binding(sessionID); ok {
		return &bridge.ThreadInfo{
			ThreadID: strconv.FormatInt(existing.TopicID, 10),
			Platform: Platform,
			Title:    existing.Name,
		}, nil
	}

	title := uniqueTitle(topicTitle(name), b.state.topicNames())
	topicID, err := b.createTopic(title)
	if err != nil {
		return nil, fmt.Errorf("creating topic: %w", err)
	}
	if err := b.state.bindTopic(sessionID, topicID, title); err != nil {
		return nil, err
	}
	b.replayTranscript(ctx, sessionID, topicID)

	b.log.Info("telegram topic created",
		zap.String("session_id", sessionID),
		zap.Int64("topic_id", topicID),
		zap.String("title", title))
	return &bridge.ThreadInfo{
		ThreadID: strconv.FormatInt(topicID, 10),
		Platform: Platform,
		Title:    title,
	}, nil
}

// topicTitle normalizes a session name into a topic title.
func topicTitle(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Session"
	}
	runes := []rune(name)
	runes[0] = unicode.ToUpper(runes[0])
	if len(runes) > topicNameLimit {
		runes = runes[:topicNameLimit]
	}
	return string(runes)
}

// uniqueTitle appends a numeric suffix when the title is already in use.
func uniqueTitle(base string, taken map[string]bool) string {
	if !taken[base] {
		return base
	}
	for i := 2; i < 100; i++ {
		candidate := fmt.Sprintf("%s %d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
	return base
}

// replayTranscript posts the last transcript messages into a fresh topic.
// Replay is best effort; a failure leaves the topic empty but bound.
func (b *Bridge) replayTranscript(ctx context.Context, sessionID string, topicID int64) {
	messages, err := b.api.SessionMessages(ctx, sessionID, replayLimit)
	if err != nil {
		b.log.Warn("transcript replay failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}
	header := fmt.Sprintf("📜 Replaying last %d messages:", len(messages))
	if _, err := b.sendTopicText(topicID, header, false); err != nil {
		return
	}
	for _, m := range messages {
		prefix := "💬"
		switch m.Role {
		case models.RoleUser:
			prefix = "👤"
		case models.RoleAssistant:
			prefix = "🤖"
		}
		content := truncate(stripToolMarkers(m.Content), replayTextLimit)
		if content == "" {
			continue
		}
		for _, chunk := range chunkMessage(prefix+" "+content, messageLimit) {
			if _, err := b.sendTopicText(topicID, chunk, false); err != nil {
				return
			}
		}
	}
}

// OnOutput posts a completed output block to the session's topic.
func (b *Bridge) OnOutput(ctx context.Context, sessionID, text string) error {
	topicID, ok := b.state.topicFor(sessionID)
	if !ok {
		return nil
	}
	for _, chunk := range chunkMessage(markdownToHTML(text), messageLimit) {
		if _, err := b.sendTopicText(topicID, chunk, true); err != nil {
			// Telegram rejects messages with unbalanced entities; resend the
			// chunk without parse_mode so the content still arrives.
			if _, err2 := b.sendTopicText(topicID, chunk, false); err2 != nil {
				return err2
			}
		}
	}
	return nil
}

// OnApprovalRequest posts an approval prompt with inline buttons, or
// auto-approves it when an allow grant covers the tool.
func (b *Bridge) OnApprovalRequest(ctx context.Context, sessionID string, req bridge.ApprovalRequest) error {
	topicID, ok := b.state.topicFor(sessionID)
	if !ok {
		return nil
	}

	tool := req.Title
	if reason, active := b.approvals.autoApproveReason(sessionID, tool); active {
		message := fmt.Sprintf("Auto-approved (%s active)", reason)
		if err := b.api.ResolvePermission(ctx, sessionID, req.RequestID, true, message); err != nil {
			b.log.Warn("auto-approve failed, prompting instead",
				zap.String("session_id", sessionID),
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		} else {
			if b.approvals.addNotice(sessionID, tool) {
				b.scheduleNoticeFlush(sessionID, topicID)
			}
			return nil
		}
	}

	text := "⚠️ Approval Required\n\n" + req.Title
	if desc := formatToolInput(req.Description); desc != "" {
		text += "\n\n" + desc
	}
	text += "\n\nReply \"deny: <reason>\" to deny with a note."

	msgID, err := b.sendTopicKeyboard(topicID, text, approvalKeyboard(req))
	if err != nil {
		return err
	}
	b.approvals.setPending(req.RequestID, pendingApproval{
		SessionID: sessionID,
		Title:     req.Title,
		MessageID: msgID,
	})
	return nil
}

func approvalKeyboard(req bridge.ApprovalRequest) tgbotapi.InlineKeyboardMarkup {
	prefix := "approval:" + req.RequestID + ":"
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow", prefix+"Allow"),
			tgbotapi.NewInlineKeyboardButtonData("Deny", prefix+"Deny"),
		),
	}
	var grants []tgbotapi.InlineKeyboardButton
	tool := req.Title
	// callback_data is capped at 64 bytes; drop the per-tool button for
	// tools whose name does not fit.
	if data := prefix + "AllowTool:" + tool; tool != "" && len(data) <= callbackDataLimit {
		grants = append(grants, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Allow %s (30m)", tool), data))
	}
	if data := prefix + "AllowAll"; len(data) <= callbackDataLimit {
		grants = append(grants, tgbotapi.NewInlineKeyboardButtonData("Allow All (30m)", data))
	}
	if len(grants) > 0 {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(grants...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bridge) scheduleNoticeFlush(sessionID string, topicID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.flushTimers[sessionID]; ok {
		return
	}
	b.flushTimers[sessionID] = time.AfterFunc(noticeFlushDelay, func() {
		b.mu.Lock()
		delete(b.flushTimers, sessionID)
		b.mu.Unlock()
		b.flushNotices(sessionID, topicID)
	})
}

// flushNotices sends one batched message for buffered auto-approvals.
func (b *Bridge) flushNotices(sessionID string, topicID int64) {
	lines := b.approvals.drainNotices(sessionID)
	if len(lines) == 0 {
		return
	}
	var text string
	if len(lines) == 1 {
		text = "⚙️ Auto-approved: " + lines[0]
	} else {
		text = fmt.Sprintf("⚙️ Auto-approved %d requests:\n• %s", len(lines), strings.Join(lines, "\n• "))
	}
	if _, err := b.sendTopicText(topicID, text, false); err != nil {
		b.log.Warn("notice flush failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// OnStatusChange posts a status line. Repeated errors inside the debounce
// window are dropped so a crash loop does not flood the topic.
func (b *Bridge) OnStatusChange(ctx context.Context, sessionID, status string, meta map[string]any) error {
	topicID, ok := b.state.topicFor(sessionID)
	if !ok {
		return nil
	}
	if status == "error" && !b.shouldReportError(sessionID) {
		return nil
	}
	text := statusEmoji(status) + " Status: " + status
	if msg, ok := meta["message"].(string); ok && msg != "" {
		text += "\n" + truncate(msg, toolInputRawLimit)
	}
	_, err := b.sendTopicText(topicID, text, false)
	return err
}

func (b *Bridge) shouldReportError(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if last, ok := b.lastError[sessionID]; ok && now.Sub(last) < errorDebounce {
		return false
	}
	b.lastError[sessionID] = now
	return true
}

// OnTyping keeps the typing indicator alive until OnTypingStopped. Telegram
// clears the indicator after a few seconds, so a loop re-sends it.
func (b *Bridge) OnTyping(ctx context.Context, sessionID string) error {
	topicID, ok := b.state.topicFor(sessionID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	if cancel, ok := b.typing[sessionID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	b.typing[sessionID] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.typingLoop(loopCtx, topicID)
	return nil
}

func (b *Bridge) typingLoop(ctx context.Context, topicID int64) {
	defer b.wg.Done()
	deadline := time.NewTimer(typingMaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()

	b.sendChatAction(topicID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			b.sendChatAction(topicID)
		}
	}
}

// OnTypingStopped cancels the session's typing loop.
func (b *Bridge) OnTypingStopped(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.typing[sessionID]; ok {
		cancel()
		delete(b.typing, sessionID)
	}
	return nil
}

// OnSessionRemoved tears down the session's binding. The topic is closed but
// not deleted so the conversation history stays readable.
func (b *Bridge) OnSessionRemoved(ctx context.Context, sessionID string) error {
	_ = b.OnTypingStopped(ctx, sessionID)
	b.mu.Lock()
	if t, ok := b.flushTimers[sessionID]; ok {
		t.Stop()
		delete(b.flushTimers, sessionID)
	}
	delete(b.lastError, sessionID)
	b.mu.Unlock()
	b.approvals.clearSession(sessionID)

	topicID, ok := b.state.topicFor(sessionID)
	if !ok {
		return nil
	}
	if _, err := b.sendTopicText(topicID, "🗑 Session removed.", false); err != nil {
		b.log.Debug("session removal notice failed", zap.Error(err))
	}
	b.closeTopic(topicID)
	return b.state.removeSession(sessionID)
}

func (b *Bridge) createTopic(name string) (int64, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", b.cfg.ControlChatID)
	params["name"] = name
	params.AddNonZero("icon_color", topicIconColor)
	raw, err := b.tg.request("createForumTopic", params)
	if err != nil {
		return 0, err
	}
	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := json.Unmarshal(raw, &topic); err != nil {
		return 0, fmt.Errorf("parsing forum topic: %w", err)
	}
	return topic.MessageThreadID, nil
}

func (b *Bridge) closeTopic(topicID int64) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", b.cfg.ControlChatID)
	params.AddNonZero64("message_thread_id", topicID)
	if _, err := b.tg.request("closeForumTopic", params); err != nil {
		b.log.Debug("closing forum topic failed", zap.Int64("topic_id", topicID), zap.Error(err))
	}
}

// sendTopicText sends text into a topic and returns the message id. A
// topicID of zero posts to the group's general topic.
func (b *Bridge) sendTopicText(topicID int64, text string, asHTML bool) (int64, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", b.cfg.ControlChatID)
	params.AddNonZero64("message_thread_id", topicID)
	params["text"] = text
	if asHTML {
		params.AddNonEmpty("parse_mode", tgbotapi.ModeHTML)
	}
	return b.sendMessage(params)
}

func (b *Bridge) sendTopicKeyboard(topicID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) (int64, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", b.cfg.ControlChatID)
	params.AddNonZero64("message_thread_id", topicID)
	params["text"] = text
	if err := params.AddInterface("reply_markup", keyboard); err != nil {
		return 0, err
	}
	return b.sendMessage(params)
}

func (b *Bridge) sendMessage(params tgbotapi.Params) (int64, error) {
	raw, err := b.tg.request("sendMessage", params)
	if err != nil {
		return 0, err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("parsing sent message: %w", err)
	}
	return msg.MessageID, nil
}

// editMessageText replaces a message's text and drops its inline keyboard.
func (b *Bridge) editMessageText(messageID int64, text string) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", b.cfg.ControlChatID)
	params.AddNonZero64("message_id", messageID)
	params["text"] = text
	_, err := b.tg.request("editMessageText", params)
	return err
}

func (b *Bridge) sendChatAction(topicID int64) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", b.cfg.ControlChatID)
	params.AddNonZero64("message_thread_id", topicID)
	params["action"] = "typing"
	if _, err := b.tg.request("sendChatAction", params); err != nil {
		b.log.Debug("chat action failed", zap.Error(err))
	}
}

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/bridge"
	"github.com/perchhq/perch/internal/session/models"
)

const (
	pollTimeoutS   = 10
	pollRetryDelay = time.Second
)

// Raw update payloads. The typed library predates forum topics, so updates
// are decoded here to keep message_thread_id.
type update struct {
	UpdateID      int64            `json:"update_id"`
	Message       *incomingMessage `json:"message"`
	CallbackQuery *callbackQuery   `json:"callback_query"`
}

type incomingMessage struct {
	MessageID       int64   `json:"message_id"`
	From            *tgUser `json:"from"`
	Chat            tgChat  `json:"chat"`
	Text            string  `json:"text"`
	MessageThreadID int64   `json:"message_thread_id"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	UserName  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type callbackQuery struct {
	ID      string           `json:"id"`
	From    *tgUser          `json:"from"`
	Message *incomingMessage `json:"message"`
	Data    string           `json:"data"`
}

func (b *Bridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	for ctx.Err() == nil {
		updates, err := b.fetchUpdates()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bridge) fetchUpdates() ([]update, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("offset", b.offset)
	params.AddNonZero("timeout", pollTimeoutS)
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return nil, err
	}
	raw, err := b.tg.request("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("parsing updates: %w", err)
	}
	return updates, nil
}

func (b *Bridge) handleUpdate(ctx context.Context, u update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.Text != "":
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg *incomingMessage) {
	if msg.From == nil || msg.Chat.ID != b.cfg.ControlChatID {
		return
	}
	if !b.userAllowed(msg.From.ID) {
		b.log.Debug("message from unlisted user ignored", zap.Int64("user_id", msg.From.ID))
		return
	}

	cmd, args, isCmd := parseCommand(msg.Text)
	if b.cfg.PairingEnabled && !b.state.isPaired(msg.From.ID) {
		if isCmd && cmd == "pair" {
			b.cmdPair(msg, args)
		} else {
			b.reply(msg, "🔒 Pairing required. Send !pair <code> with the code from the server log.")
		}
		return
	}
	if isCmd {
		b.dispatchCommand(ctx, msg, cmd, args)
		return
	}
	b.handleThreadText(ctx, msg)
}

func (b *Bridge) userAllowed(userID int64) bool {
	if len(b.cfg.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range b.cfg.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// parseCommand splits "!attach 2" or "/attach@PerchBot 2" into name and
// arguments. Both prefixes are accepted since Telegram clients auto-complete
// slash commands.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || (text[0] != '!' && text[0] != '/') {
		return "", "", false
	}
	rest := text[1:]
	name = rest
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		name, args = rest[:i], strings.TrimSpace(rest[i+1:])
	}
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", "", false
	}
	return name, args, true
}

func (b *Bridge) dispatchCommand(ctx context.Context, msg *incomingMessage, cmd, args string) {
	switch cmd {
	case "help", "start":
		b.reply(msg, helpText)
	case "status":
		b.cmdStatus(ctx, msg)
	case "list", "sessions":
		b.cmdList(ctx, msg)
	case "attach":
		b.cmdAttach(ctx, msg, args)
	case "stop":
		b.cmdStop(ctx, msg)
	case "pair":
		b.cmdPair(msg, args)
	default:
		b.reply(msg, "Unknown command. Send !help for the command list.")
	}
}

// reply posts text into the topic the message came from.
func (b *Bridge) reply(msg *incomingMessage, text string) {
	if _, err := b.sendTopicText(msg.MessageThreadID, text, false); err != nil {
		b.log.Warn("reply failed", zap.Error(err))
	}
}

func (b *Bridge) cmdList(ctx context.Context, msg *incomingMessage) {
	sessions, err := b.api.ListSessions(ctx)
	if err != nil {
		b.reply(msg, "❌ "+err.Error())
		return
	}
	if len(sessions) == 0 {
		b.reply(msg, "No sessions.")
		return
	}
	ids := make([]string, 0, len(sessions))
	var sb strings.Builder
	for i, s := range sessions {
		ids = append(ids, s.ID)
		fmt.Fprintf(&sb, "%d. %s %s", i+1, stateEmoji(s.State), sessionLabel(s))
		if _, attached := b.state.topicFor(s.ID); attached {
			sb.WriteString(" 🔗")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nSend !attach <n> to mirror a session into a topic.")

	b.mu.Lock()
	b.listCache = ids
	b.mu.Unlock()
	b.reply(msg, sb.String())
}

func sessionLabel(s models.Session) string {
	name := s.Name
	if name == "" && s.Workdir != "" {
		name = filepath.Base(s.Workdir)
	}
	if name == "" {
		name = s.ID
	}
	return fmt.Sprintf("%s (%s)", name, s.State)
}

func (b *Bridge) cmdAttach(ctx context.Context, msg *incomingMessage, args string) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || n < 1 {
		b.reply(msg, "Usage: !attach <number> from the last !list.")
		return
	}
	b.mu.Lock()
	cache := b.listCache
	b.mu.Unlock()
	if n > len(cache) {
		b.reply(msg, "No such entry. Run !list first.")
		return
	}
	sessionID := cache[n-1]
	if _, attached := b.state.topicFor(sessionID); attached {
		b.reply(msg, "Already attached.")
		return
	}
	sess, err := b.api.BindSession(ctx, sessionID, Platform)
	if err != nil {
		b.reply(msg, "❌ "+err.Error())
		return
	}
	label := sessionID
	if sess != nil {
		label = sessionLabel(*sess)
	}
	b.reply(msg, "✅ Attached: "+label)
}

func (b *Bridge) cmdStatus(ctx context.Context, msg *incomingMessage) {
	sessions, err := b.api.ListSessions(ctx)
	if err != nil {
		b.reply(msg, "❌ "+err.Error())
		return
	}
	counts := map[models.State]int{}
	for _, s := range sessions {
		counts[s.State]++
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sessions: %d\n", len(sessions))
	for _, state := range []models.State{
		models.StateRunning,
		models.StateAwaitingInput,
		models.StateCreated,
		models.StateInterrupting,
		models.StateStopping,
		models.StateStopped,
		models.StateError,
	} {
		if c := counts[state]; c > 0 {
			fmt.Fprintf(&sb, "%s %s: %d\n", stateEmoji(state), state, c)
		}
	}
	fmt.Fprintf(&sb, "Topics: %d", b.state.sessionCount())
	if b.cfg.PairingEnabled {
		fmt.Fprintf(&sb, "\nPaired users: %d", b.state.pairedCount())
	}
	b.reply(msg, sb.String())
}

func (b *Bridge) cmdStop(ctx context.Context, msg *incomingMessage) {
	sessionID, ok := b.state.sessionFor(msg.MessageThreadID)
	if !ok {
		b.reply(msg, "Use !stop inside a session topic.")
		return
	}
	if err := b.api.InterruptSession(ctx, sessionID); err != nil {
		b.reply(msg, "❌ "+err.Error())
		return
	}
	b.reply(msg, "⏹ Interrupt requested.")
}

func (b *Bridge) cmdPair(msg *incomingMessage, args string) {
	if !b.cfg.PairingEnabled {
		b.reply(msg, "Pairing is not enabled.")
		return
	}
	if args == "" || args != b.pairingCode {
		b.reply(msg, "❌ Invalid pairing code.")
		return
	}
	if err := b.state.pairUser(msg.From.ID); err != nil {
		b.reply(msg, "❌ "+err.Error())
		return
	}
	b.reply(msg, "✅ Paired. Send !help for commands.")
}

// handleThreadText forwards operator text from a session topic to the agent.
// The "deny: <reason>" shortcut answers the pending approval instead.
func (b *Bridge) handleThreadText(ctx context.Context, msg *incomingMessage) {
	topicID := msg.MessageThreadID
	if topicID == 0 || topicID == b.state.controlTopic() {
		return
	}
	sessionID, ok := b.state.sessionFor(topicID)
	if !ok {
		return
	}
	text := strings.TrimSpace(msg.Text)

	if reason, isDeny := denyReason(text); isDeny {
		b.denyPending(ctx, msg, sessionID, reason)
		return
	}
	if err := b.api.SendInput(ctx, sessionID, text); err != nil {
		b.reply(msg, "❌ "+err.Error())
	}
}

func denyReason(text string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(text), "deny:") {
		return "", false
	}
	return strings.TrimSpace(text[len("deny:"):]), true
}

func (b *Bridge) denyPending(ctx context.Context, msg *incomingMessage, sessionID, reason string) {
	requestID, pend, ok := b.approvals.pendingFor(sessionID)
	if !ok {
		b.reply(msg, "No pending approval to deny.")
		return
	}
	message := "Denied by " + displayName(msg.From)
	if reason != "" {
		message += ": " + reason
	}
	if err := b.api.ResolvePermission(ctx, sessionID, requestID, false, message); err != nil {
		b.reply(msg, "❌ "+err.Error())
		return
	}
	b.approvals.take(requestID)
	if pend.MessageID != 0 {
		_ = b.editMessageText(pend.MessageID, "⚠️ "+pend.Title+"\n\n❌ "+message)
	}
	if reason != "" {
		b.reply(msg, "❌ Denied: "+reason)
	} else {
		b.reply(msg, "❌ Denied.")
	}
}

func (b *Bridge) handleCallback(ctx context.Context, cq *callbackQuery) {
	defer b.answerCallback(cq.ID)

	const prefix = "approval:"
	if !strings.HasPrefix(cq.Data, prefix) {
		return
	}
	parts := strings.SplitN(cq.Data[len(prefix):], ":", 2)
	if len(parts) != 2 {
		return
	}
	requestID, option := parts[0], parts[1]

	pend, ok := b.approvals.take(requestID)
	if !ok {
		// Stale buttons from a restart or an already answered request.
		if cq.Message != nil {
			_ = b.editMessageText(cq.Message.MessageID, "ℹ️ Already resolved.")
		}
		return
	}

	allow, display := b.resolveOption(pend.SessionID, option)
	message := display + " by " + displayName(cq.From)
	err := b.api.ResolvePermission(ctx, pend.SessionID, requestID, allow, message)

	var note string
	switch {
	case err == nil && allow:
		note = "✅ " + message
	case err == nil:
		note = "❌ " + message
	case errors.Is(err, bridge.ErrNotFound):
		note = "ℹ️ Already resolved."
	default:
		note = "❌ Error: " + err.Error()
	}
	if pend.MessageID != 0 {
		_ = b.editMessageText(pend.MessageID, "⚠️ "+pend.Title+"\n\n"+note)
	}
}

// resolveOption maps a button option to the allow decision, arming grant
// windows for the AllowAll and AllowTool variants.
func (b *Bridge) resolveOption(sessionID, option string) (allow bool, display string) {
	switch {
	case option == "Allow":
		return true, "Allow"
	case option == "Deny":
		return false, "Deny"
	case option == "AllowAll":
		b.approvals.grantAll(sessionID, allowWindow)
		return true, "Allow All (30m)"
	case strings.HasPrefix(option, "AllowTool:"):
		tool := option[len("AllowTool:"):]
		b.approvals.grantTool(sessionID, tool, allowWindow)
		return true, fmt.Sprintf("Allow %s (30m)", tool)
	}
	lower := strings.ToLower(option)
	return lower == "allow" || lower == "yes" || lower == "approve", option
}

func (b *Bridge) answerCallback(id string) {
	params := tgbotapi.Params{}
	params["callback_query_id"] = id
	if _, err := b.tg.request("answerCallbackQuery", params); err != nil {
		b.log.Debug("answering callback failed", zap.Error(err))
	}
}

// displayName renders a user for audit messages attached to decisions.
func displayName(u *tgUser) string {
	if u == nil {
		return "unknown"
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return "unknown"
	}
	return name
}

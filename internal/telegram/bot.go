// Package telegram delivers guild notices as direct messages and runs the
// operator console in the admin chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"guild-entitlements/internal/entitlement"
	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Operator is the part of the engine the console drives.
type Operator interface {
	ReconcileUserKeys(ctx context.Context, owner store.UserID) error
	RecalculateGuildEntitlement(ctx context.Context, guild store.GuildID) error
	GuildEntitlement(ctx context.Context, guild store.GuildID) (store.GuildEntitlement, error)
	ListKeys(ctx context.Context, owner store.UserID) ([]store.KeyInfo, error)
	ProvisionKey(ctx context.Context, owner store.UserID, class license.Class) (string, error)
	SetKeyDisabled(ctx context.Context, value string, disabled bool) (store.KeyInfo, error)
}

type Bot struct {
	api         *tgbotapi.BotAPI
	adminChatID int64
	logger      zerolog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone         pendingState = ""
	stateAskReconcile pendingState = "ask_reconcile"
	stateAskRecalc    pendingState = "ask_recalc"
	stateAskKeys      pendingState = "ask_keys"
	stateAskProvision pendingState = "ask_provision"
	stateAskEnable    pendingState = "ask_enable"
	stateAskDisable   pendingState = "ask_disable"
)

const (
	maxListedKeys      = 20
	maxCallbackDataLen = 64
)

type options struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

type Option func(*options)

// WithEndpoint overrides the Bot API endpoint format, e.g.
// "http://host/bot%s/%s".
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func NewBot(token string, adminChatID int64, opts ...Option) (*Bot, error) {
	o := options{
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 45 * time.Second},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, o.client)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	api.Debug = false
	return &Bot{
		api:         api,
		adminChatID: adminChatID,
		logger:      o.logger.With().Str("component", "telegram").Str("bot", api.Self.UserName).Logger(),
		states:      map[int64]pendingState{},
	}, nil
}

// SendDirectMessage delivers content to user's private chat. Only one bot
// identity is configured, so via is informational.
func (b *Bot) SendDirectMessage(ctx context.Context, via entitlement.ClientRef, user store.UserID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(int64(user), content)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send to %s via bot %d: %w", user, via.BotID, err)
	}
	return nil
}

// Run serves the operator console until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, op Operator) error {
	if op == nil {
		return errors.New("telegram: operator is required")
	}
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	b.logger.Info().Int64("admin_chat", b.adminChatID).Msg("operator console started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, op, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, op, u.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, op Operator, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if chatID != b.adminChatID {
		b.reply(chatID, "This bot only answers its operators.")
		return
	}

	if strings.HasPrefix(text, "/") {
		b.setState(chatID, stateNone)
		b.handleCommand(ctx, op, chatID, text)
		return
	}

	args := strings.Fields(text)
	switch b.getState(chatID) {
	case stateAskReconcile:
		b.cmdReconcile(ctx, op, chatID, args)
	case stateAskRecalc:
		b.cmdRecalc(ctx, op, chatID, args)
	case stateAskKeys:
		b.cmdKeys(ctx, op, chatID, args)
	case stateAskProvision:
		b.cmdProvision(ctx, op, chatID, args)
	case stateAskEnable:
		b.cmdSetDisabled(ctx, op, chatID, args, false)
	case stateAskDisable:
		b.cmdSetDisabled(ctx, op, chatID, args, true)
	default:
		b.sendMenu(chatID, "Use the menu buttons or /help.")
		return
	}
	b.setState(chatID, stateNone)
}

func (b *Bot) handleCommand(ctx context.Context, op Operator, chatID int64, text string) {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]
	// Group chats append the bot name: /recalc@bot.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start", "/menu":
		b.sendMenu(chatID, "Entitlement console")
	case "/help":
		b.reply(chatID, helpText())
	case "/reconcile":
		b.cmdReconcile(ctx, op, chatID, args)
	case "/recalc":
		b.cmdRecalc(ctx, op, chatID, args)
	case "/keys":
		b.cmdKeys(ctx, op, chatID, args)
	case "/provision":
		b.cmdProvision(ctx, op, chatID, args)
	case "/enable":
		b.cmdSetDisabled(ctx, op, chatID, args, false)
	case "/disable":
		b.cmdSetDisabled(ctx, op, chatID, args, true)
	default:
		b.reply(chatID, "Unknown command. "+helpText())
	}
}

func (b *Bot) handleCallback(ctx context.Context, op Operator, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Access denied")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "Entitlement console")
	case data == "ask_reconcile":
		b.prompt(chatID, stateAskReconcile, "Send the user ID to reconcile:")
	case data == "ask_recalc":
		b.prompt(chatID, stateAskRecalc, "Send the guild ID to recalculate:")
	case data == "ask_keys":
		b.prompt(chatID, stateAskKeys, "Send the user ID whose keys to list:")
	case data == "ask_provision":
		b.prompt(chatID, stateAskProvision, "Send: <user ID> <premium|custom>")
	case data == "ask_enable":
		b.prompt(chatID, stateAskEnable, "Send the key to enable:")
	case data == "ask_disable":
		b.prompt(chatID, stateAskDisable, "Send the key to disable:")
	case strings.HasPrefix(data, "enable:"):
		b.setState(chatID, stateNone)
		b.cmdSetDisabled(ctx, op, chatID, []string{strings.TrimPrefix(data, "enable:")}, false)
	case strings.HasPrefix(data, "disable:"):
		b.setState(chatID, stateNone)
		b.cmdSetDisabled(ctx, op, chatID, []string{strings.TrimPrefix(data, "disable:")}, true)
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) prompt(chatID int64, st pendingState, text string) {
	b.setState(chatID, st)
	b.reply(chatID, text)
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Reconcile user", "ask_reconcile"),
			tgbotapi.NewInlineKeyboardButtonData("🧮 Recalculate guild", "ask_recalc"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📋 User keys", "ask_keys"),
			tgbotapi.NewInlineKeyboardButtonData("➕ Provision key", "ask_provision"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Enable key", "ask_enable"),
			tgbotapi.NewInlineKeyboardButtonData("⛔ Disable key", "ask_disable"),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdReconcile(ctx context.Context, op Operator, chatID int64, args []string) {
	user, ok := b.userArg(chatID, args, "/reconcile <user ID>")
	if !ok {
		return
	}
	if err := op.ReconcileUserKeys(ctx, user); err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Reconciled keys of user %s.", user))
}

func (b *Bot) cmdRecalc(ctx context.Context, op Operator, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /recalc <guild ID>")
		return
	}
	guild, err := store.ParseGuildID(args[0])
	if err != nil {
		b.reply(chatID, "Invalid guild ID.")
		return
	}
	if err := op.RecalculateGuildEntitlement(ctx, guild); err != nil {
		b.replyErr(chatID, err)
		return
	}
	ent, err := op.GuildEntitlement(ctx, guild)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Guild %s\nPremium: %s\nCustom bot: %s", guild, onOff(ent.HasPremium), onOff(ent.HasCustom)))
}

func (b *Bot) cmdKeys(ctx context.Context, op Operator, chatID int64, args []string) {
	user, ok := b.userArg(chatID, args, "/keys <user ID>")
	if !ok {
		return
	}
	keys, err := op.ListKeys(ctx, user)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	if len(keys) == 0 {
		b.reply(chatID, fmt.Sprintf("User %s has no keys.", user))
		return
	}

	lines := []string{fmt.Sprintf("Keys of user %s (oldest first):", user)}
	n := min(len(keys), maxListedKeys)
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, n+1)
	for _, k := range keys[:n] {
		lines = append(lines, describeKey(k))
		action, label := "disable:", "⛔ "
		if k.Disabled {
			action, label = "enable:", "✅ "
		}
		if data := action + k.Value; len(data) <= maxCallbackDataLen {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(label+shortKey(k.Value), data),
			))
		}
	}
	if len(keys) > n {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(keys)-n))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func (b *Bot) cmdProvision(ctx context.Context, op Operator, chatID int64, args []string) {
	const usage = "Usage: /provision <user ID> <premium|custom>"
	if len(args) != 2 {
		b.reply(chatID, usage)
		return
	}
	user, err := store.ParseUserID(args[0])
	if err != nil {
		b.reply(chatID, "Invalid user ID.")
		return
	}
	class, err := license.ParseClass(args[1])
	if err != nil {
		b.reply(chatID, usage)
		return
	}
	value, err := op.ProvisionKey(ctx, user, class)
	if err != nil {
		if value != "" {
			b.reply(chatID, fmt.Sprintf("Key %s was created but left disabled: %s", value, errText(err)))
			return
		}
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Key provisioned for user %s:\n%s", user, value))
}

func (b *Bot) cmdSetDisabled(ctx context.Context, op Operator, chatID int64, args []string, disabled bool) {
	if len(args) != 1 {
		if disabled {
			b.reply(chatID, "Usage: /disable <key>")
		} else {
			b.reply(chatID, "Usage: /enable <key>")
		}
		return
	}
	info, err := op.SetKeyDisabled(ctx, args[0], disabled)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, "OK\n"+describeKey(info))
}

func (b *Bot) userArg(chatID int64, args []string, usage string) (store.UserID, bool) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: "+usage)
		return 0, false
	}
	user, err := store.ParseUserID(args[0])
	if err != nil {
		b.reply(chatID, "Invalid user ID.")
		return 0, false
	}
	return user, true
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) replyErr(chatID int64, err error) {
	b.logger.Warn().Err(err).Msg("operator command failed")
	b.reply(chatID, "Error: "+errText(err))
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn().Err(err).Int64("chat", msg.ChatID).Msg("send failed")
	}
}

// errText prefers the user-facing message and falls back to the full error,
// which is fine in the operator chat.
func errText(err error) string {
	if msg, ok := entitlement.UserMessage(err); ok {
		return msg
	}
	return err.Error()
}

func describeKey(k store.KeyInfo) string {
	state := "enabled"
	if k.Disabled {
		state = "disabled"
	}
	where := "unbound"
	if k.Bound {
		where = "guild " + k.Guild.String()
	}
	return fmt.Sprintf("- %s | %s | %s | %s", k.Value, k.Class, state, where)
}

func shortKey(k string) string {
	k = strings.TrimSpace(k)
	if len(k) <= 18 {
		return k
	}
	return k[:10] + "..." + k[len(k)-6:]
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/reconcile <user ID>",
		"/recalc <guild ID>",
		"/keys <user ID>",
		"/provision <user ID> <premium|custom>",
		"/enable <key>",
		"/disable <key>",
		"/menu",
	}, "\n")
}

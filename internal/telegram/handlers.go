package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/suspectuso/ton-paywall/internal/config"
	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/sweep"
)

// Sweeps is the part of the sweep scheduler the bot drives
type Sweeps interface {
	RunManual(ctx context.Context) (sweep.Result, error)
	SweepSession(ctx context.Context, sessionID string) (sweep.Attempt, error)
	State() sweep.State
	LastResult() (*sweep.Result, time.Time)
}

// Bot is the operator's admin console. Only the configured admin chat is served.
type Bot struct {
	bot     *bot.Bot
	cfg     *config.Config
	storage storage.Store
	sweeps  Sweeps
	states  *StateManager
	log     *slog.Logger
}

// New creates a new telegram bot
func New(cfg *config.Config, store storage.Store, sweeps Sweeps, log *slog.Logger) (*Bot, error) {
	b := &Bot{
		cfg:     cfg,
		storage: store,
		sweeps:  sweeps,
		states:  NewStateManager(),
		log:     log,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
		bot.WithCallbackQueryDataHandler("", bot.MatchTypePrefix, b.callbackHandler),
	}

	tgBot, err := bot.New(cfg.AdminBotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot

	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/stats", bot.MatchTypeExact, b.statsHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/sweep", bot.MatchTypePrefix, b.sweepHandler)

	return b, nil
}

// Start starts the bot polling
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

func (b *Bot) allowed(chatID int64) bool {
	return b.cfg.AdminChatID != 0 && chatID == b.cfg.AdminChatID
}

// --- Handlers ---

func (b *Bot) startHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update.Message.Chat.ID) {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID, helpText, MainKeyboard())
}

func (b *Bot) statsHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update.Message.Chat.ID) {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID, b.statsText(ctx), MainKeyboard())
}

func (b *Bot) sweepHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update.Message.Chat.ID) {
		return
	}

	chatID := update.Message.Chat.ID
	cmd, arg := parseCommand(update.Message.Text)
	if cmd != "/sweep" {
		return
	}
	if arg == "" {
		b.sendMessage(ctx, chatID, b.runBatch(ctx), MainKeyboard())
		return
	}
	b.sendMessage(ctx, chatID, b.runSingle(ctx, arg), MainKeyboard())
}

func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	if !b.allowed(chatID) {
		b.log.Warn("ignoring message from unknown chat", "chat_id", chatID)
		return
	}

	state := b.states.Get(chatID)
	if state == nil {
		return
	}

	switch state.State {
	case StateWaitSessionID:
		b.states.Clear(chatID)
		b.sendMessage(ctx, chatID, b.runSingle(ctx, strings.TrimSpace(update.Message.Text)), MainKeyboard())
	}
}

func (b *Bot) callbackHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}

	cb := update.CallbackQuery
	tgBot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
	})

	if cb.Message.Message == nil || !b.allowed(cb.Message.Message.Chat.ID) {
		return
	}

	chatID := cb.Message.Message.Chat.ID
	switch cb.Data {
	case "back":
		b.states.Clear(chatID)
		b.editMessage(ctx, cb.Message, helpText, MainKeyboard())
	case "stats":
		b.editMessage(ctx, cb.Message, b.statsText(ctx), MainKeyboard())
	case "sweep_all":
		b.editMessage(ctx, cb.Message, b.runBatch(ctx), MainKeyboard())
	case "sweep_one":
		b.states.Set(chatID, StateWaitSessionID, nil)
		b.editMessage(ctx, cb.Message, "🔹 Send the session id to sweep:", BackKeyboard())
	default:
		b.log.Warn("unknown callback", "data", cb.Data, "chat_id", chatID)
	}
}

const helpText = "<b>TON Paywall admin</b>\n\n" +
	"/stats - sessions, payments and sweep state\n" +
	"/sweep - run a full sweep now\n" +
	"/sweep &lt;sessionId&gt; - sweep one session"

func (b *Bot) statsText(ctx context.Context) string {
	sessions, err := b.storage.List(ctx)
	if err != nil {
		b.log.Error("list sessions", "error", err)
		return "❌ Failed to load sessions."
	}

	last, at := b.sweeps.LastResult()
	return formatStats(collectStats(sessions, time.Now()), b.sweeps.State(), last, at)
}

func (b *Bot) runBatch(ctx context.Context) string {
	res, err := b.sweeps.RunManual(ctx)
	if errors.Is(err, sweep.ErrSweepQueued) {
		return "⏳ A sweep is already running, another run has been queued."
	}
	if err != nil {
		b.log.Error("manual sweep", "error", err)
		return fmt.Sprintf("❌ Sweep failed: <code>%s</code>", html.EscapeString(err.Error()))
	}
	return formatResult(res)
}

func (b *Bot) runSingle(ctx context.Context, sessionID string) string {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "❌ That does not look like a session id."
	}

	a, err := b.sweeps.SweepSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "❌ Session not found."
	}
	if err != nil {
		b.log.Error("single sweep", "session_id", sessionID, "error", err)
		return fmt.Sprintf("❌ Sweep failed: <code>%s</code>", html.EscapeString(err.Error()))
	}
	return formatAttempt(a)
}

// --- Helpers ---

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		b.log.Error("send message", "error", err)
	}
}

func (b *Bot) editMessage(ctx context.Context, msg models.MaybeInaccessibleMessage, text string, keyboard *models.InlineKeyboardMarkup) {
	if msg.Message == nil {
		return
	}

	params := &bot.EditMessageTextParams{
		ChatID:    msg.Message.Chat.ID,
		MessageID: msg.Message.ID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.EditMessageText(ctx, params)
	if err != nil {
		b.log.Error("edit message", "error", err)
	}
}

// SendNotification sends a notification to a chat
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error {
	disablePreview := true
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	return err
}

// parseCommand splits "/cmd@botname arg" into "/cmd" and "arg"
func parseCommand(text string) (string, string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	if len(fields) == 1 {
		return cmd, ""
	}
	return cmd, fields[1]
}

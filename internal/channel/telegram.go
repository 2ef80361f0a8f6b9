package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/DeepanB2005/MRI/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxVoiceBytes  = 20 << 20
)

// Telegram implements domain.Channel for a Telegram bot. Voice notes are
// transcribed before entering the conversation when a Transcriber is set.
type Telegram struct {
	token       string
	allowFrom   []int64 // allowed user IDs (empty = allow all)
	parseMode   string
	transcriber Transcriber

	bot      *tgbotapi.BotAPI
	bus      domain.MessageBus
	sessions Sessions
	logger   *slog.Logger
}

type TelegramChannelConfig struct {
	Token       string
	AllowFrom   []string // user IDs as strings
	ParseMode   string
	Transcriber Transcriber // optional
	Sessions    Sessions    // for /clear
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramChannelConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		token:       cfg.Token,
		allowFrom:   allowed,
		parseMode:   cfg.ParseMode,
		transcriber: cfg.Transcriber,
		sessions:    cfg.Sessions,
		logger:      cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
			return
		}
		t.sendMessage(chatID, msg.Content)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is canceled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID, "username", update.Message.From.UserName)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)

	if update.Message.Voice != nil {
		text = t.transcribeVoice(ctx, chatID, update.Message.Voice)
		if text == "" {
			return
		}
	}
	if text == "" {
		return
	}

	if update.Message.IsCommand() {
		t.handleCommand(ctx, chatID, update.Message)
		return
	}

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

// transcribeVoice downloads a voice note and turns it into text. Returns ""
// when transcription is unavailable or fails; the user is told either way.
func (t *Telegram) transcribeVoice(ctx context.Context, chatID int64, voice *tgbotapi.Voice) string {
	if t.transcriber == nil || !t.transcriber.Configured() {
		t.sendMessage(chatID, "Voice messages are not supported on this bot.")
		return ""
	}

	url, err := t.bot.GetFileDirectURL(voice.FileID)
	if err != nil {
		t.logger.Error("voice file lookup failed", "err", err)
		return ""
	}
	resp, err := http.Get(url)
	if err != nil {
		t.logger.Error("voice file download failed", "err", err)
		return ""
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxVoiceBytes))
	if err != nil {
		t.logger.Error("voice file read failed", "err", err)
		return ""
	}

	text, err := t.transcriber.Transcribe(ctx, audio, "voice.ogg")
	if err != nil {
		t.logger.Error("voice transcription failed", "err", err)
		t.sendMessage(chatID, "Could not transcribe that voice message.")
		return ""
	}
	return strings.TrimSpace(text)
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		t.sendMessage(chatID, "Hello! I'm an MRI diagnosis assistant.\n\nAsk me about medical conditions, symptoms, or a scan result.\n\nCommands:\n/clear — Clear conversation\n/help — Show this message")
	case "help":
		t.sendMessage(chatID, "*MRI Assistant Help*\n\nSend any question about medical conditions and I'll answer using AI. Voice messages are transcribed automatically when enabled.\n\nAlways consult a healthcare professional for personal medical advice.\n\nCommands:\n/clear — Clear conversation\n/help — This message")
	case "clear":
		if t.sessions != nil {
			t.sessions.Clear(ctx, "telegram", strconv.FormatInt(chatID, 10))
		}
		t.sendMessage(chatID, "Conversation cleared.")
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits long replies at the Telegram message limit.
func (t *Telegram) sendMessage(chatID int64, text string) {
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends one chunk with retry and rate limit handling. Markdown
// parse errors fall back to plain text.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plainMsg); err2 == nil {
				return
			}
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "err", err)
	}
}

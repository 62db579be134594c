// Package telegram is a thin long-polling consumer that turns Telegram
// messages into Core turns and streams the replies back by editing a
// single message as chunks arrive. All of the interesting behavior —
// thread handling, chunking thresholds, error taxonomy — lives in
// internal/core and internal/turn; this package only adapts chat
// transport semantics to Core's public operations.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/codexbridge/internal/core"
	"github.com/basket/codexbridge/internal/turn"
)

// maxMessageLen is Telegram's sendMessage text limit.
const maxMessageLen = 4096

// stallTimeout bounds how long the long-poll loop tolerates silence from
// the Telegram API before treating the connection as dead and
// reconnecting. tgbotapi's long-poll timeout is 60s; at 2.5x that, a
// stall is not noise.
const stallTimeout = 150 * time.Second

// Core is the subset of *core.Core this consumer drives.
type Core interface {
	StartTurnStream(ctx context.Context, chatID int64, text string) (<-chan string, <-chan turn.Result, error)
	Status() core.Status
	ResetThreads() error
}

// Config configures a Consumer.
type Config struct {
	Token      string
	AllowedIDs []int64
	Core       Core
	Logger     *slog.Logger
}

// Consumer is the Telegram long-polling chat transport.
type Consumer struct {
	token      string
	allowedIDs map[int64]struct{}
	core       Core
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// New builds a Consumer. Call Run to start polling.
func New(cfg Config) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &Consumer{
		token:      cfg.Token,
		allowedIDs: allowed,
		core:       cfg.Core,
		logger:     logger,
	}
}

// Run starts the bot and polls for updates until ctx is cancelled,
// reconnecting with exponential backoff on stalls or API errors.
func (c *Consumer) Run(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return fmt.Errorf("telegram: init: %w", err)
	}
	c.bot = bot
	c.logger.Info("telegram: consumer started", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := c.poll(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		c.logger.Warn("telegram: poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Consumer) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram: update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if !c.allowed(update.Message.From.ID) {
				c.logger.Warn("telegram: access denied", "user_id", update.Message.From.ID)
				continue
			}
			c.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("telegram: no updates for %v, possible disconnect", stallTimeout)
		}
	}
}

func (c *Consumer) allowed(userID int64) bool {
	if len(c.allowedIDs) == 0 {
		return false
	}
	_, ok := c.allowedIDs[userID]
	return ok
}

func (c *Consumer) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	switch {
	case text == "/start":
		c.reply(msg.Chat.ID, "Connected. Send a message to start chatting, or /whoami, /ping, /codex reset.")
		return
	case text == "/whoami":
		c.reply(msg.Chat.ID, fmt.Sprintf("chat_id=%d user_id=%d", msg.Chat.ID, msg.From.ID))
		return
	case text == "/ping":
		status := c.core.Status()
		c.reply(msg.Chat.ID, fmt.Sprintf("pong (running=%v initialized=%v)", status.Running, status.Initialized))
		return
	case text == "/codex reset":
		if err := c.core.ResetThreads(); err != nil {
			c.reply(msg.Chat.ID, fmt.Sprintf("reset failed: %v", err))
			return
		}
		c.reply(msg.Chat.ID, "every chat's conversation thread has been reset")
		return
	}

	c.streamTurn(ctx, msg.Chat.ID, text)
}

// streamTurn starts a turn and progressively edits a single Telegram
// message as chunks arrive, matching the Turn Engine's streaming
// contract: each chunk is reader-friendly text, not a raw delta.
func (c *Consumer) streamTurn(ctx context.Context, chatID int64, text string) {
	updates, done, err := c.core.StartTurnStream(ctx, chatID, text)
	if err != nil {
		c.reply(chatID, c.describeError(err))
		return
	}

	var sent *tgbotapi.Message
	for chunk := range updates {
		if sent == nil {
			m := c.reply(chatID, chunk)
			sent = m
			continue
		}
		sent.Text += chunk
		edit := tgbotapi.NewEditMessageText(chatID, sent.MessageID, truncate(sent.Text, maxMessageLen))
		if _, err := c.bot.Send(edit); err != nil {
			c.logger.Warn("telegram: edit failed", "error", err)
		}
	}

	result := <-done
	if result.Err != nil && sent == nil {
		c.reply(chatID, c.describeError(result.Err))
	}
}

func (c *Consumer) describeError(err error) string {
	switch err {
	case core.ErrSignInRequired:
		return "Not signed in yet. Ask an operator to complete ChatGPT login."
	case core.ErrBusy:
		return "Already working on a reply for this chat — hang tight."
	case core.ErrNotRunning:
		return "The bridge isn't connected right now."
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}

// reply sends text to chatID, chunking at Telegram's 4096-char limit.
// It returns the last message sent, for streamTurn to keep editing.
func (c *Consumer) reply(chatID int64, text string) *tgbotapi.Message {
	var last tgbotapi.Message
	for len(text) > 0 {
		chunk := truncate(text, maxMessageLen)
		text = text[len(chunk):]
		msg, err := c.bot.Send(tgbotapi.NewMessage(chatID, chunk))
		if err != nil {
			c.logger.Warn("telegram: send failed", "error", err)
			return nil
		}
		last = msg
	}
	return &last
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

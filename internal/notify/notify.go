// Package notify delivers operator alerts about background square-offs.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Kind classifies an operator event.
type Kind string

const (
	// KindSquareOff reports a position closed by the risk monitor.
	KindSquareOff Kind = "square_off"
	// KindFailure reports a background close that did not go through.
	KindFailure Kind = "failure"
)

// Event is one operator alert.
type Event struct {
	Kind Kind
	Text string
}

// Notifier sends operator alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to the service log.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

// Notify logs the event.
func (l *Log) Notify(_ context.Context, ev Event) error {
	if ev.Kind == KindFailure {
		l.logger.Warn(ev.Text, zap.String("kind", string(ev.Kind)))
		return nil
	}
	l.logger.Info(ev.Text, zap.String("kind", string(ev.Kind)))
	return nil
}

// TelegramConfig holds settings for the Telegram notifier.
type TelegramConfig struct {
	// Token is the bot token.
	Token string
	// ChatID is the operator chat.
	ChatID int64
	// Endpoint overrides the Bot API endpoint format, e.g. for a local server.
	Endpoint string
	// Kinds limits which events are sent. Empty sends everything.
	Kinds []Kind
	Logger *zap.Logger
}

// Telegram sends events to an operator chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	kinds  map[Kind]bool
	logger *zap.Logger
}

// NewTelegram connects to the Bot API and verifies the token.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	bot.Debug = false

	var kinds map[Kind]bool
	if len(cfg.Kinds) > 0 {
		kinds = make(map[Kind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			kinds[k] = true
		}
	}

	logger.Info("telegram notifier ready", zap.String("bot", bot.Self.UserName))
	return &Telegram{bot: bot, chatID: cfg.ChatID, kinds: kinds, logger: logger}, nil
}

// Notify sends the event text to the operator chat.
// Events of kinds that were not selected are dropped.
func (t *Telegram) Notify(_ context.Context, ev Event) error {
	if t.kinds != nil && !t.kinds[ev.Kind] {
		return nil
	}

	msg := tgbotapi.NewMessage(t.chatID, ev.Text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("telegram send failed", zap.Error(err))
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

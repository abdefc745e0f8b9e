package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"spiko-billing/internal/config"
	"spiko-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.Notifier = (*AlertNotifier)(nil)
	_ adapter.Notifier = (*LogNotifier)(nil)
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// AlertNotifier sends operator alerts to a fixed set of Telegram chats.
type AlertNotifier struct {
	bot     sender
	chatIDs []int64
	log     *zerolog.Logger
}

// NewAlertNotifier connects to the Bot API. endpoint may be empty for the
// public API; tests pass an httptest URL in tgbotapi's "%s/bot%s/%s" form.
func NewAlertNotifier(cfg config.AlertConfig, endpoint string, timeout time.Duration, logger *zerolog.Logger) (*AlertNotifier, error) {
	if cfg.TelegramToken == "" || len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram token and chat ids are required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.TelegramToken, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	l := logger.With().Str("component", "alerts").Logger()
	return &AlertNotifier{bot: bot, chatIDs: append([]int64(nil), cfg.ChatIDs...), log: &l}, nil
}

// Notify delivers text to every configured chat and returns the first error.
func (n *AlertNotifier) Notify(ctx context.Context, text string) error {
	var first error
	for _, id := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(id, "[billing] "+text)
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			n.log.Warn().Err(err).Int64("chat_id", id).Msg("alert not delivered")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// LogNotifier writes alerts to the log when Telegram is not configured.
type LogNotifier struct {
	log *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	l := logger.With().Str("component", "alerts").Logger()
	return &LogNotifier{log: &l}
}

func (n *LogNotifier) Notify(ctx context.Context, text string) error {
	n.log.Warn().Str("alert", text).Msg("operator alert")
	return nil
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/model"
)

// TelegramConfig holds bot settings
type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	APIBase string `mapstructure:"api_base"`
	// ChatID is used when a person has no chat of their own
	ChatID string `mapstructure:"chat_id"`
	Link   string `mapstructure:"link"`
}

// TelegramChannel sends alerts through the Telegram Bot API
type TelegramChannel struct {
	logger *zap.Logger
	config TelegramConfig
	client *tgbot.Bot
}

// NewTelegramChannel creates a Telegram channel
func NewTelegramChannel(logger *zap.Logger, config TelegramConfig) (*TelegramChannel, error) {
	if strings.TrimSpace(config.Token) == "" {
		return nil, errors.New("telegram bot token is required")
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if config.APIBase != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(config.APIBase, "/")))
	}
	client, err := tgbot.New(config.Token, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}

	return &TelegramChannel{
		logger: logger.Named("telegram"),
		config: config,
		client: client,
	}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

// Send posts the alert to the destination chat
func (c *TelegramChannel) Send(ctx context.Context, destination string, alert model.Alert, others []model.Alert, cond Conditions) error {
	chat := strings.TrimSpace(destination)
	if chat == "" {
		chat = c.config.ChatID
	}
	if chat == "" {
		return errors.New("no telegram chat id")
	}

	text := "<b>" + html.EscapeString(Banner(cond)+Subject(alert)) + "</b>"
	rest := Message(alert, others, Conditions{}, c.config.Link)
	if extra := strings.TrimPrefix(rest, Subject(alert)); extra != "" {
		text += html.EscapeString(extra)
	}

	sent, err := c.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    chatID(chat),
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}

	c.logger.Debug("Telegram message sent",
		zap.String("chat", chat),
		zap.Int("message_id", sent.ID),
		zap.Int64("alert_id", alert.ID()))
	return nil
}

// chatID keeps numeric ids as int64 and channel usernames as strings
func chatID(raw string) any {
	if numeric, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return numeric
	}
	return raw
}

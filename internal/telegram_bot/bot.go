package telegram_bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"backend/internal/config"
	"backend/internal/models"
)

const alertPreviewLimit = 200

// Bot relays critical analysis findings to a staff Telegram chat.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewBot creates a new Telegram bot instance. Returns nil when alerts are
// disabled in the configuration.
func NewBot(cfg *config.Config, logger *zap.Logger) (*Bot, error) {
	if !cfg.Alerts.Enabled || cfg.Alerts.TelegramBotToken == "" {
		logger.Info("Telegram alerts are disabled (alerts.enabled=false or token is empty)")
		return nil, nil
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Alerts.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", botAPI.Self.UserName))

	return &Bot{
		api:    botAPI,
		chatID: cfg.Alerts.TelegramChatID,
		logger: logger,
	}, nil
}

// NotifyUrgent sends a critical-feedback alert. The feedback body is
// truncated to a bounded preview, same as the websocket payload.
func (b *Bot) NotifyUrgent(feedback *models.Feedback, analysis *models.Analysis) error {
	if b == nil {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 Critical feedback #%d\n", feedback.ID)
	fmt.Fprintf(&sb, "Department: %s\n", feedback.Department)
	fmt.Fprintf(&sb, "Urgency: %s\n", analysis.Urgency)
	if analysis.UrgencyReason != nil {
		fmt.Fprintf(&sb, "Reason: %s\n", *analysis.UrgencyReason)
	}
	if len(analysis.UrgencyFlags) > 0 {
		fmt.Fprintf(&sb, "Flags: %s\n", strings.Join(analysis.UrgencyFlags, ", "))
	}
	preview := []rune(feedback.FeedbackText)
	if len(preview) > alertPreviewLimit {
		fmt.Fprintf(&sb, "Preview: %s...", string(preview[:alertPreviewLimit]))
	} else {
		fmt.Fprintf(&sb, "Preview: %s", feedback.FeedbackText)
	}

	msg := tgbotapi.NewMessage(b.chatID, sb.String())
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send Telegram alert: %w", err)
	}

	b.logger.Info("Urgent alert relayed to Telegram", zap.Int64("feedback_id", feedback.ID))
	return nil
}

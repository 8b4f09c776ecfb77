package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

// telegramSender is the part of tgbotapi.BotAPI the alerter uses.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter sends alerts via Telegram.
type TelegramAlerter struct {
	chatID int64
	api    telegramSender
	now    func() time.Time
}

// NewTelegramAlerter connects to the Bot API and returns an alerter.
func NewTelegramAlerter(cfg TelegramConfig) (*TelegramAlerter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not set")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newTelegramAlerter(cfg.ChatID, api), nil
}

func newTelegramAlerter(chatID int64, api telegramSender) *TelegramAlerter {
	return &TelegramAlerter{chatID: chatID, api: api, now: time.Now}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, t.formatMessage(severity, message, fields...))
}

// SendSessionSummary sends a formatted end-of-session report.
func (t *TelegramAlerter) SendSessionSummary(ctx context.Context, s SessionSummary) error {
	return t.send(ctx, t.formatSummary(s))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), message)

	if fieldsStr := FormatFields(fields...); fieldsStr != "" {
		text += "\n\n<b>Details:</b>\n" + fieldsStr
	}

	text += fmt.Sprintf("\n\n<i>%s</i>", t.now().Format("2006-01-02 15:04:05 MST"))
	return text
}

func (t *TelegramAlerter) formatSummary(s SessionSummary) string {
	plEmoji := "📈"
	if s.RealizedPL.IsNegative() {
		plEmoji = "📉"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Session Summary</b>\n<b>Date:</b> %s\n\n", plEmoji, s.Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "<b>Closed trades:</b> %d (W %d / L %d, %s%%)\n",
		s.ClosedTrades, s.Winners, s.Losers, s.WinRate().StringFixed(1))
	fmt.Fprintf(&b, "<b>Realized P/L:</b> $%s\n", s.RealizedPL.StringFixed(2))
	fmt.Fprintf(&b, "<b>Total R:</b> %s\n", s.TotalR.StringFixed(2))
	if reasons := s.Reasons(); len(reasons) > 0 {
		b.WriteString("\n<b>Exits:</b>\n")
		for _, r := range reasons {
			fmt.Fprintf(&b, "• %s: %d\n", r, s.ExitsByReason[r])
		}
	}
	fmt.Fprintf(&b, "\n<b>Open positions:</b> %d", s.OpenPositions)
	return b.String()
}

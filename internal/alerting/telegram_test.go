package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func newTestTelegram(sender *fakeSender) *TelegramAlerter {
	a := newTelegramAlerter(42, sender)
	a.now = func() time.Time { return time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC) }
	return a
}

func TestTelegramAlerter_Alert(t *testing.T) {
	sender := &fakeSender{}
	a := newTestTelegram(sender)

	if a.Name() != "telegram" {
		t.Errorf("Name() = %q", a.Name())
	}

	err := a.Alert(context.Background(), SeverityHigh, "Protection failed", "symbol", "AAPL")
	if err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}

	msg := sender.sent[0]
	if msg.ChatID != 42 {
		t.Errorf("ChatID = %d, want 42", msg.ChatID)
	}
	if msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("ParseMode = %q, want HTML", msg.ParseMode)
	}
	for _, want := range []string{"[HIGH]", "Protection failed", "• symbol: AAPL", "2026-03-02 15:04:05"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("message missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestTelegramAlerter_SendError(t *testing.T) {
	a := newTestTelegram(&fakeSender{err: errors.New("forbidden")})

	if err := a.Alert(context.Background(), SeverityInfo, "x"); err == nil {
		t.Error("expected send error")
	}
}

func TestTelegramAlerter_CancelledContext(t *testing.T) {
	sender := &fakeSender{}
	a := newTestTelegram(sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Alert(ctx, SeverityInfo, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Alert() error = %v, want context.Canceled", err)
	}
	if len(sender.sent) != 0 {
		t.Error("nothing should be sent on a cancelled context")
	}
}

func TestTelegramAlerter_SessionSummary(t *testing.T) {
	sender := &fakeSender{}
	a := newTestTelegram(sender)

	s := SessionSummary{
		Date:          time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		ClosedTrades:  2,
		Winners:       1,
		Losers:        1,
		RealizedPL:    decimal.NewFromInt(-50),
		TotalR:        decimal.NewFromFloat(-0.25),
		ExitsByReason: map[string]int{"stop": 1, "take_profit": 1},
	}
	if err := a.SendSessionSummary(context.Background(), s); err != nil {
		t.Fatalf("SendSessionSummary() error = %v", err)
	}

	text := sender.sent[0].Text
	for _, want := range []string{"📉", "2026-03-02", "$-50.00", "• stop: 1", "50.0%"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestNewTelegramAlerter_Validation(t *testing.T) {
	if _, err := NewTelegramAlerter(TelegramConfig{ChatID: 1}); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := NewTelegramAlerter(TelegramConfig{BotToken: "x"}); err == nil {
		t.Error("expected error for missing chat id")
	}
}

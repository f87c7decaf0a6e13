// Package notify sends a short summary when a fetch run ends.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Summary is what a notifier reports about one run.
type Summary struct {
	RunID          string
	Outcome        string
	StartedAt      time.Time
	FinishedAt     time.Time
	Entities       int
	Succeeded      int
	Partial        int
	Failed         int
	Cancelled      int
	ItemsOK        int
	ItemsFailed    int
	Records        int
	FailedEntities []string
}

// Notifier delivers run summaries.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// Nop discards summaries.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Summary) error { return nil }

// maxListed caps the failed entities named in a message.
const maxListed = 20

// Format renders s as plain text.
func Format(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sigfetch run %s: %s\n", s.RunID, s.Outcome)
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "duration: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "entities: %d (ok %d, partial %d, failed %d, cancelled %d)\n",
		s.Entities, s.Succeeded, s.Partial, s.Failed, s.Cancelled)
	fmt.Fprintf(&b, "items: %d ok, %d failed; records: %d", s.ItemsOK, s.ItemsFailed, s.Records)
	if len(s.FailedEntities) > 0 {
		listed := s.FailedEntities
		if len(listed) > maxListed {
			listed = listed[:maxListed]
		}
		fmt.Fprintf(&b, "\nfailed: %s", strings.Join(listed, ", "))
		if extra := len(s.FailedEntities) - len(listed); extra > 0 {
			fmt.Fprintf(&b, " (+%d more)", extra)
		}
	}
	return b.String()
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts summaries to one chat.
type Telegram struct {
	api    sender
	chatID int64
	logger *slog.Logger
}

// NewTelegram authenticates the bot token and targets chatID.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("notify: telegram token and chat id are required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram auth: %w", err)
	}
	return &Telegram{api: api, chatID: chatID, logger: logger}, nil
}

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, s Summary) error {
	msg := tgbotapi.NewMessage(t.chatID, Format(s))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.logger.WarnContext(ctx, "notify: telegram send failed", "run_id", s.RunID, "error", err)
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	return nil
}

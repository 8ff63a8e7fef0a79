package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/semmidev/pgmirror/internal/config"
	"github.com/semmidev/pgmirror/internal/domain"
)

// maxMessageLen is Telegram's limit for a text message.
const maxMessageLen = 4096

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts a job report to one chat.
type Telegram struct {
	bot           sender
	chatID        int64
	onFailureOnly bool
	newBackOff    func() backoff.BackOff
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat_id %q: %w", cfg.ChatID, err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return newTelegram(bot, chatID, cfg.OnFailureOnly), nil
}

func newTelegram(bot sender, chatID int64, onFailureOnly bool) *Telegram {
	return &Telegram{
		bot:           bot,
		chatID:        chatID,
		onFailureOnly: onFailureOnly,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// Notify sends the report, retrying transient send failures.
func (t *Telegram) Notify(ctx context.Context, job *domain.BackupJob) error {
	if t.onFailureOnly && job.Succeeded() {
		return nil
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatReport(job))
	msg.DisableWebPagePreview = true

	attempt := func() error {
		_, err := t.bot.Send(msg)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(t.newBackOff(), 3), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}

// FormatReport renders a plain text summary of a finished job.
func FormatReport(job *domain.BackupJob) string {
	var b strings.Builder

	if job.Succeeded() {
		fmt.Fprintf(&b, "✅ pgmirror job succeeded\n\n")
	} else {
		fmt.Fprintf(&b, "❌ pgmirror job failed\n\n")
	}

	fmt.Fprintf(&b, "🆔 Job: %s\n", job.ID)
	fmt.Fprintf(&b, "📤 Source: %s\n", job.Source)
	fmt.Fprintf(&b, "📥 Target: %s\n", job.Target)
	fmt.Fprintf(&b, "🕐 Started: %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ Duration: %s\n", job.Duration().Round(time.Second))

	if job.Dump != nil {
		fmt.Fprintf(&b, "📁 Dump: %s\n", humanize.Bytes(uint64(job.Dump.Size)))
	}
	if job.Filtered != nil {
		fmt.Fprintf(&b, "🧹 Filtered: %s lines kept, %d dropped\n",
			humanize.Comma(int64(job.Filtered.LinesRead-job.Filtered.LinesDropped)),
			job.Filtered.LinesDropped)
	}

	b.WriteString("\nStages:\n")
	for _, r := range job.Results {
		mark := "✓"
		if !r.OK() {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s (%s)", mark, r.Stage, r.Duration.Round(time.Millisecond))
		if r.Detail != "" {
			fmt.Fprintf(&b, " %s", r.Detail)
		}
		b.WriteString("\n")
	}

	if last, ok := job.LastResult(); ok && !last.OK() && last.Err != nil {
		fmt.Fprintf(&b, "\nError: %v\n", last.Err)
	}
	fmt.Fprintf(&b, "\nTarget state: %s\n", job.TargetState)
	if job.TargetState == domain.TargetPartiallyRestored {
		b.WriteString("⚠️ Target database is partially restored, manual intervention required\n")
	}

	out := b.String()
	if len(out) > maxMessageLen {
		cut := maxMessageLen - 4
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "\n..."
	}
	return out
}

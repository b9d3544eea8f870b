// Package alerts sends best-effort operator notifications, ported from
// reconciliation.py's _alert_operator/_post_json_sync (spec.md §4.7). A
// delivery failure is logged and swallowed; it never affects reconciliation
// control flow.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"perpsd/logx"
)

// Notifier delivers a free-form text alert, failing soft.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// TelegramNotifier posts to the Telegram Bot API sendMessage endpoint. A
// zero-value BotToken or ChatID makes Notify a no-op, matching the
// original's "unset env vars disable alerting" behavior.
type TelegramNotifier struct {
	BotToken string
	ChatID   string
	Client   *http.Client
}

// NewTelegramNotifier builds a notifier with a 10s HTTP timeout.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{BotToken: botToken, ChatID: chatID, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *TelegramNotifier) Notify(ctx context.Context, text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return nil
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	body, err := json.Marshal(map[string]string{"chat_id": t.ChatID, "text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		logx.Event("reconcile_alert_error", map[string]any{"error": err.Error()})
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logx.Event("reconcile_alert_error", map[string]any{"status": resp.StatusCode})
	}
	return nil
}

// NoopNotifier discards every alert; used when no alerting channel is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, text string) error { return nil }

// FormatSummary renders the first 10 items plus an "and N more" tail,
// matching _alert_operator's truncation.
func FormatSummary(header string, items []string) string {
	lines := []string{header}
	max := 10
	if len(items) < max {
		max = len(items)
	}
	lines = append(lines, items[:max]...)
	if len(items) > max {
		lines = append(lines, fmt.Sprintf("...and %d more", len(items)-max))
	}
	return strings.Join(lines, "\n")
}

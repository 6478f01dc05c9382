// Package notify delivers operator alerts. Telegram is the only backend;
// an unconfigured notifier is a silent no-op.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perp-engine/config"
)

// Sender is the alert surface components depend on.
type Sender interface {
	Send(title string, lines []string)
}

// Telegram posts messages to one or more chats via the bot API.
type Telegram struct {
	token   string
	chatIDs []string
	http    *http.Client
	log     zerolog.Logger
}

// New returns a Telegram sender, or a no-op when unconfigured.
func New(cfg config.NotifyConfig, log zerolog.Logger) Sender {
	if !cfg.Enabled || cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		return Noop{}
	}
	return &Telegram{
		token:   cfg.BotToken,
		chatIDs: cfg.ChatIDs,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Send posts the message to every configured chat. Failures are logged and
// swallowed; notification is never on a critical path.
func (t *Telegram) Send(title string, lines []string) {
	text := "*" + title + "*"
	if len(lines) > 0 {
		text += "\n" + strings.Join(lines, "\n")
	}
	for _, chat := range t.chatIDs {
		if err := t.post(chat, text); err != nil {
			t.log.Warn().Err(err).Str("chat", chat).Msg("telegram send failed")
		}
	}
}

func (t *Telegram) post(chatID, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}

// Noop drops every message.
type Noop struct{}

func (Noop) Send(string, []string) {}

package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pattern-trader/internal/model"
)

var levelIcon = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

// markdownV2 escapes every character Telegram reserves in MarkdownV2.
var markdownV2 = func() *strings.Replacer {
	var pairs []string
	for _, c := range "_*[]()~`>#+-=|{}.!\\" {
		pairs = append(pairs, string(c), `\`+string(c))
	}
	return strings.NewReplacer(pairs...)
}()

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Telegram posts events to a chat through the Bot API.
type Telegram struct {
	token  string
	chatID string
	client *http.Client

	// BaseURL defaults to https://api.telegram.org.
	BaseURL string
}

// NewTelegram creates a Telegram publisher for the bot token and chat.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		BaseURL: "https://api.telegram.org",
	}
}

// Publish renders ev as a MarkdownV2 message: level icon, bold title, the
// alert body and the event time.
func (t *Telegram) Publish(ctx context.Context, ev model.Event) error {
	a := AlertOf(ev)
	var text strings.Builder
	fmt.Fprintf(&text, "%s *%s*", levelIcon[a.Level], markdownV2.Replace(a.Title))
	if a.Message != "" {
		text.WriteString("\n\n" + markdownV2.Replace(a.Message))
	}
	if !ev.TS.IsZero() {
		text.WriteString("\n_" + markdownV2.Replace(ev.TS.UTC().Format(time.DateTime)) + "_")
	}

	body, err := json.Marshal(sendMessage{ChatID: t.chatID, Text: text.String(), ParseMode: "MarkdownV2"})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: %s: status %d", a.Title, resp.StatusCode)
	}
	return nil
}

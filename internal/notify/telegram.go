package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pressline/internal/domain"
)

// Sender is the part of the bot API the sink needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts a short HTML summary of each event to one chat.
type TelegramSink struct {
	Sender Sender
	ChatID int64
}

// NewTelegramSink logs in with token. The token is never logged.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return &TelegramSink{Sender: api, ChatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(ctx context.Context, evt domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.ChatID, FormatEvent(evt))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := s.Sender.Send(msg)
	return err
}

// FormatEvent renders an event for a chat message.
func FormatEvent(evt domain.Event) string {
	var payload map[string]any
	_ = json.Unmarshal([]byte(evt.Payload), &payload)

	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(evt.Type))
	b.WriteString("</b>")
	if evt.ItemID != "" {
		b.WriteString(" ")
		b.WriteString(html.EscapeString(evt.ItemID))
	}
	b.WriteString("\n")
	if v, ok := payload["version"]; ok {
		fmt.Fprintf(&b, "version %v\n", v)
	}
	if score, ok := payload["score"].(map[string]any); ok {
		fmt.Fprintf(&b, "score %v (grammar %v, style %v, engagement %v)\n",
			score["overall"], score["grammar"], score["style"], score["engagement"])
	}
	if reason, ok := payload["reason"].(string); ok && reason != "" {
		b.WriteString("<i>")
		b.WriteString(html.EscapeString(reason))
		b.WriteString("</i>\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

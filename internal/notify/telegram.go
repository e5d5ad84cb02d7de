package notify

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink pushes notifications to a telegram chat. Optional; only
// registered when a bot token and chat id are configured.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates the bot and returns the sink.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramSink{api: api, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send renders the message, preferring the rich trade detail when present.
func (s *TelegramSink) Send(msg Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", levelEmoji(msg.Level), msg.Subject)

	if d := msg.Rich; d != nil {
		fmt.Fprintf(&b, "%s %s %s (%s %s)\n", d.Action, d.Quantity, d.Symbol, d.Trading, d.Wallet)
		if d.PriceBuy != "" {
			fmt.Fprintf(&b, "buy %s", d.PriceBuy)
			if d.PriceSell != "" {
				fmt.Fprintf(&b, " → sell %s", d.PriceSell)
			}
			b.WriteString("\n")
		} else if d.PriceSell != "" {
			fmt.Fprintf(&b, "sell %s\n", d.PriceSell)
		}
		fmt.Fprintf(&b, "cost %s", d.Cost)
		if d.PnL != "" {
			fmt.Fprintf(&b, " · pnl %s%%", d.PnL)
		}
		if d.Held > 0 {
			fmt.Fprintf(&b, " · held %s", d.Held.Round(time.Second))
		}
		b.WriteString("\n")
	} else if msg.Body != "" {
		b.WriteString(msg.Body)
		b.WriteString("\n")
	}

	_, err := s.api.Send(tgbotapi.NewMessage(s.chatID, b.String()))
	return err
}

func levelEmoji(l Level) string {
	switch l {
	case LevelSuccess:
		return "✅"
	case LevelWarn:
		return "⚠️"
	case LevelError:
		return "🚨"
	default:
		return "ℹ️"
	}
}

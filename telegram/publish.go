// Package telegram publishes relayed uploads to the destination channel and
// serves the small bot command surface (/ping, /status, /latest).
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram hard limits.
const (
	maxMessageLen = 4096
	maxCaptionLen = 1024
)

// Publisher sends text posts and video files to a fixed chat.
type Publisher struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewPublisher connects the bot (one getMe round-trip) and binds it to chatID.
func NewPublisher(token string, chatID int64) (*Publisher, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Publisher{bot: bot, chatID: chatID}, nil
}

// NewPublisherWithEndpoint is NewPublisher against a custom API endpoint (tests).
func NewPublisherWithEndpoint(token, endpoint string, chatID int64) (*Publisher, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Publisher{bot: bot, chatID: chatID}, nil
}

// Bot exposes the underlying client for the command listener.
func (p *Publisher) Bot() *tgbotapi.BotAPI { return p.bot }

// PublishText sends text to the chat, split into chunks under Telegram's
// message limit. It returns the message id of the first chunk.
func (p *Publisher) PublishText(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	firstID := 0
	for _, chunk := range splitText(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(p.chatID, chunk)
		sent, err := p.bot.Send(msg)
		if err != nil {
			return firstID, fmt.Errorf("telegram send: %w", err)
		}
		if firstID == 0 {
			firstID = sent.MessageID
		}
	}
	return firstID, nil
}

// PublishVideo uploads the video file with a caption (truncated to Telegram's
// caption limit) and returns the message id.
func (p *Publisher) PublishVideo(ctx context.Context, path, caption string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	video := tgbotapi.NewVideo(p.chatID, tgbotapi.FilePath(path))
	video.Caption = truncate(caption, maxCaptionLen)
	video.SupportsStreaming = true
	sent, err := p.bot.Send(video)
	if err != nil {
		return 0, fmt.Errorf("telegram send video: %w", err)
	}
	return sent.MessageID, nil
}

// splitText chunks s into pieces of at most limit runes, preferring to break
// at the last newline (then space) inside the window.
func splitText(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut == limit {
			for i := limit; i > limit/2; i-- {
				if runes[i-1] == ' ' {
					cut = i
					break
				}
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

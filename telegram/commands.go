package telegram

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	dbpkg "github.com/onnwee/tube-relay/db"
)

// StartCommandListener long-polls Telegram updates and answers the bot
// commands. When adminID is non-zero, commands from anyone else are ignored.
// It blocks until ctx is done.
func StartCommandListener(ctx context.Context, db *sql.DB, bot *tgbotapi.BotAPI, adminID int64) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	slog.Info("telegram command listener started", slog.String("component", "telegram"))
	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			slog.Info("telegram command listener stopped", slog.String("component", "telegram"))
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if adminID != 0 && update.Message.From != nil && update.Message.From.ID != adminID {
				slog.Debug("ignoring command from non-admin", slog.Int64("from", update.Message.From.ID), slog.String("component", "telegram"))
				continue
			}
			reply, err := handleCommand(ctx, db, update.Message.Command())
			if err != nil {
				slog.Warn("command failed", slog.String("cmd", update.Message.Command()), slog.Any("err", err), slog.String("component", "telegram"))
				reply = "error: " + err.Error()
			}
			if reply == "" {
				continue
			}
			msg := tgbotapi.NewMessage(update.Message.Chat.ID, reply)
			msg.ReplyToMessageID = update.Message.MessageID
			if _, err := bot.Send(msg); err != nil {
				slog.Warn("command reply failed", slog.Any("err", err), slog.String("component", "telegram"))
			}
		}
	}
}

// handleCommand maps a bot command to its reply text. Unknown commands return
// an empty reply so arbitrary chatter is not answered.
func handleCommand(ctx context.Context, db *sql.DB, cmd string) (string, error) {
	switch cmd {
	case "ping":
		return "pong", nil
	case "status":
		lastID, err := dbpkg.LastPublishedVideoID(ctx, db)
		if err != nil {
			return "", err
		}
		if lastID == "" {
			lastID = "(none)"
		}
		var queued int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM videos WHERE COALESCE(posted,false)=false`).Scan(&queued); err != nil {
			return "", err
		}
		lastPoll, _ := dbpkg.GetKV(ctx, db, "job_relay_last")
		if lastPoll == "" {
			lastPoll = "(never)"
		}
		return fmt.Sprintf("last published: %s\nqueued: %d\nlast poll: %s", lastID, queued, lastPoll), nil
	case "latest":
		// Requeue the newest upload so the relay job publishes it again on the
		// next cycle, ahead of anything else.
		res, err := db.ExecContext(ctx, `UPDATE videos SET posted=FALSE, processing_error=NULL, priority=100, updated_at=NOW()
			WHERE video_id=(SELECT video_id FROM videos ORDER BY published_at DESC LIMIT 1)`)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "no uploads known yet", nil
		}
		return "latest upload requeued for publishing", nil
	default:
		return "", nil
	}
}

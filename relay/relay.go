// Package relay discovers channel uploads, fetches and repairs their captions,
// and republishes them to Telegram.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/tube-relay/captions"
	"github.com/onnwee/tube-relay/config"
	"github.com/onnwee/tube-relay/db"
	"github.com/onnwee/tube-relay/download"
	"github.com/onnwee/tube-relay/llm"
	"github.com/onnwee/tube-relay/telegram"
	"github.com/onnwee/tube-relay/youtube"
)

// UploadLister abstracts channel upload discovery (for tests/mocks).
type UploadLister interface {
	List(ctx context.Context, max int) ([]youtube.Upload, error)
}

// CaptionFetcher abstracts caption track retrieval.
type CaptionFetcher interface {
	Fetch(ctx context.Context, videoID string, langs []string) ([]captions.RawCue, string, error)
}

// Downloader abstracts video retrieval.
type Downloader interface {
	Download(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error)
}

// Rewriter abstracts the optional LLM rewrite step.
type Rewriter interface {
	Enabled() bool
	Rewrite(ctx context.Context, title, text string) (string, error)
}

// Publisher abstracts the Telegram destination.
type Publisher interface {
	PublishText(ctx context.Context, text string) (int, error)
	PublishVideo(ctx context.Context, path, caption string) (int, error)
}

// default implementations wrap existing packages.
type feedLister struct{ cfg *config.Config }

func (l feedLister) List(ctx context.Context, max int) ([]youtube.Upload, error) {
	c := &youtube.Client{APIKey: l.cfg.YTAPIKey, ChannelID: l.cfg.YTChannelID}
	return c.FetchChannelUploads(ctx, max)
}

type watchCaptionFetcher struct{}

func (watchCaptionFetcher) Fetch(ctx context.Context, videoID string, langs []string) ([]captions.RawCue, string, error) {
	c := &youtube.CaptionClient{}
	return c.FetchCaptionTrack(ctx, videoID, langs)
}

type ytDLPDownloader struct{}

func (ytDLPDownloader) Download(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error) {
	return download.Download(ctx, dbc, id, dataDir)
}

// configurable for tests
var (
	fetcher    CaptionFetcher = watchCaptionFetcher{}
	downloader Downloader     = ytDLPDownloader{}

	newLister    = func(cfg *config.Config) UploadLister { return feedLister{cfg: cfg} }
	newRewriter  = func(cfg *config.Config) Rewriter { return llm.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, "") }
	newPublisher = func(cfg *config.Config) (Publisher, error) {
		return telegram.NewPublisher(cfg.TelegramBotToken, cfg.TelegramChatID)
	}
)

// DiscoverAndUpsert inserts newly discovered uploads (idempotent via ON CONFLICT DO NOTHING).
func DiscoverAndUpsert(ctx context.Context, dbc *sql.DB, cfg *config.Config) error {
	max := 20
	if s := os.Getenv("DISCOVER_MAX_UPLOADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			max = n
		}
	}
	uploads, err := newLister(cfg).List(ctx, max)
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if err := db.UpsertVideo(ctx, dbc, u.ID, u.Title, u.Description, u.PublishedAt); err != nil {
			slog.Warn("upsert video", slog.String("video_id", u.ID), slog.Any("err", err))
		}
	}
	return nil
}

// Circuit breaker helpers
func updateCircuitOnFailure(ctx context.Context, dbc *sql.DB) {
	threshold := 0
	if s := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			threshold = n
		}
	}
	if threshold <= 0 {
		return
	}
	var fails int
	var val string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&val)
	if val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			fails = n
		}
	}
	fails++
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_failures',$1,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, fmt.Sprintf("%d", fails))
	if fails >= threshold {
		// open circuit
		cool := 5 * time.Minute
		if s := os.Getenv("CIRCUIT_OPEN_COOLDOWN"); s != "" {
			if d, err := time.ParseDuration(s); err == nil {
				cool = d
			}
		}
		until := time.Now().Add(cool).UTC().Format(time.RFC3339)
		_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','open',NOW())
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
		_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_open_until',$1,NOW())
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, until)
		slog.Warn("circuit opened", slog.Int("failures", fails), slog.String("until", until))
	}
}

func resetCircuit(ctx context.Context, dbc *sql.DB) {
	// success path: if half-open or open we close; reset failures
	var state string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&state)
	if state == "closed" && os.Getenv("CIRCUIT_FAILURE_THRESHOLD") == "" {
		return
	}
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_failures','0',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','closed',NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	_, _ = dbc.ExecContext(ctx, `DELETE FROM kv WHERE key IN ('circuit_open_until')`)
}

package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/tube-relay/captions"
	"github.com/onnwee/tube-relay/config"
	"github.com/onnwee/tube-relay/db"
	"github.com/onnwee/tube-relay/download"
	"github.com/onnwee/tube-relay/telemetry"
)

// StartRelayJob runs a loop relaying uploads at an interval.
func StartRelayJob(ctx context.Context, dbc *sql.DB, cfg *config.Config) {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	slog.Info("relay job starting", slog.Duration("interval", interval))
	// Kick an immediate run so we don't wait a full interval after boot.
	if err := relayOnce(ctx, dbc, cfg); err != nil {
		slog.Warn("relay once", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("relay job stopped")
			return
		case <-ticker.C:
			if err := relayOnce(ctx, dbc, cfg); err != nil {
				slog.Warn("relay once", slog.Any("err", err))
			}
		}
	}
}

// relayOnce selects a single unposted upload and relays it.
func relayOnce(ctx context.Context, dbc *sql.DB, cfg *config.Config) error {
	_ = db.SetKV(ctx, dbc, "job_relay_last", time.Now().UTC().Format(time.RFC3339Nano))
	var state, until string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&state)
	if state == "open" {
		_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_open_until'`).Scan(&until)
		if until != "" {
			if t, err := time.Parse(time.RFC3339, until); err == nil {
				if time.Now().Before(t) {
					slog.Debug("circuit open; skipping relay cycle", slog.String("until", until))
					telemetry.UpdateCircuitGauge(true)
					return nil
				}
				_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('circuit_state','half-open',NOW())
					ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
				slog.Info("circuit transitioning to half-open")
			}
		}
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	if err := DiscoverAndUpsert(ctx, dbc, cfg); err != nil {
		slog.Warn("discover uploads", slog.Any("err", err), slog.String("component", "relay"))
		return err
	}
	// Queue depth (unposted uploads)
	var queueDepth int
	_ = dbc.QueryRowContext(ctx, `SELECT COUNT(1) FROM videos WHERE COALESCE(posted,false)=false`).Scan(&queueDepth)
	slog.Debug("relay cycle queue depth", slog.Int("queue_depth", queueDepth), slog.String("component", "relay"))
	telemetry.SetQueueDepth(queueDepth)
	maxAttempts := 5
	if s := os.Getenv("DOWNLOAD_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	cooldown := 600 * time.Second
	if s := os.Getenv("RELAY_RETRY_COOLDOWN"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			cooldown = d
		}
	}
	row := dbc.QueryRowContext(ctx, `SELECT video_id, title, published_at FROM videos
		WHERE COALESCE(posted,false)=false AND (
			processing_error IS NULL OR processing_error='' OR (download_retries < $1 AND EXTRACT(EPOCH FROM (NOW() - COALESCE(updated_at, created_at))) >= $2)
		)
		ORDER BY priority DESC, published_at ASC LIMIT 1`, maxAttempts, int(cooldown.Seconds()))
	var id, title string
	var publishedAt time.Time
	if err := row.Scan(&id, &title, &publishedAt); err != nil {
		if err == sql.ErrNoRows {
			slog.Debug("no uploads ready for relay", slog.String("component", "relay"))
			return nil
		}
		return err
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("video_id", id), slog.String("component", "relay"))
	logger.Info("relay candidate selected", slog.String("title", title), slog.Time("published_at", publishedAt), slog.Int("queue_depth", queueDepth))
	telemetry.PollCycles.Inc()
	relayStart := time.Now()

	fetchStart := time.Now()
	raw, lang, err := fetcher.Fetch(ctx, id, cfg.CaptionLangs)
	if err != nil {
		lower := strings.ToLower(err.Error())
		// Uploads without any caption track are not retriable and do not trip the circuit.
		if strings.Contains(lower, "no caption") {
			logger.Warn("skipping upload: no captions available")
			_, _ = dbc.ExecContext(ctx, `UPDATE videos SET processing_error=$1, download_retries=$2, updated_at=NOW() WHERE video_id=$3`, "no captions available", maxAttempts, id)
			return nil
		}
		logger.Error("caption fetch failed", slog.Any("err", err), slog.Duration("fetch_duration", time.Since(fetchStart)), slog.Int("queue_depth", queueDepth))
		telemetry.CaptionsFailed.Inc()
		_, _ = dbc.ExecContext(ctx, `UPDATE videos SET processing_error=$1, download_retries=COALESCE(download_retries,0)+1, updated_at=NOW() WHERE video_id=$2`, err.Error(), id)
		updateCircuitOnFailure(ctx, dbc)
		telemetry.UpdateCircuitGauge(true)
		return nil
	}
	fetchDur := time.Since(fetchStart)
	telemetry.CaptionsFetched.Inc()
	telemetry.CaptionFetchDuration.Observe(fetchDur.Seconds())
	resetCircuit(ctx, dbc)
	telemetry.UpdateCircuitGauge(false)

	cues := captions.Prepare(raw)
	telemetry.CuesRepaired.Add(float64(len(cues)))
	logger.Info("captions prepared", slog.String("lang", lang), slog.Int("raw_cues", len(raw)), slog.Int("cues", len(cues)), slog.Duration("fetch_duration", fetchDur))

	srtPath := filepath.Join(dataDir, id+".srt")
	if err := writeSRTFile(srtPath, cues); err != nil {
		logger.Error("write srt failed", slog.Any("err", err))
		_, _ = dbc.ExecContext(ctx, `UPDATE videos SET processing_error=$1, updated_at=NOW() WHERE video_id=$2`, err.Error(), id)
		return nil
	}
	_, _ = dbc.ExecContext(ctx, `UPDATE videos SET caption_lang=$1, cue_count=$2, updated_at=NOW() WHERE video_id=$3`, lang, len(cues), id)

	text := transcriptText(cues)
	rw := newRewriter(cfg)
	if rw.Enabled() && text != "" {
		rewritten, err := rw.Rewrite(ctx, title, text)
		if err != nil {
			logger.Warn("rewrite failed; using raw transcript", slog.Any("err", err))
			telemetry.RewritesFailed.Inc()
		} else {
			text = rewritten
			telemetry.RewritesSucceeded.Inc()
		}
	}

	pub, err := newPublisher(cfg)
	if err != nil {
		logger.Error("telegram publisher init failed", slog.Any("err", err))
		return err
	}

	pubStart := time.Now()
	var messageID int
	mode := cfg.PublishMode
	if mode == "" {
		mode = config.PublishModeText
	}
	if mode == config.PublishModeVideo || mode == config.PublishModeBoth {
		filePath, err := downloader.Download(ctx, dbc, id, dataDir)
		if err != nil {
			logger.Error("download failed", slog.Any("err", err), slog.Int("queue_depth", queueDepth))
			_, _ = dbc.ExecContext(ctx, `UPDATE videos SET processing_error=$1, updated_at=NOW() WHERE video_id=$2`, err.Error(), id)
			updateCircuitOnFailure(ctx, dbc)
			telemetry.UpdateCircuitGauge(true)
			return nil
		}
		_, _ = dbc.ExecContext(ctx, `UPDATE videos SET downloaded_path=$1, updated_at=NOW() WHERE video_id=$2`, filePath, id)
		if muxed, err := download.MuxSubtitles(ctx, filePath, srtPath); err != nil {
			logger.Warn("subtitle mux failed; publishing without embedded captions", slog.Any("err", err))
		} else {
			filePath = muxed
		}
		mid, err := pub.PublishVideo(ctx, filePath, title)
		if err != nil {
			logger.Error("publish video failed", slog.Any("err", err))
			telemetry.PublishesFailed.Inc()
			_, _ = dbc.ExecContext(ctx, `UPDATE videos SET processing_error=$1, updated_at=NOW() WHERE video_id=$2`, err.Error(), id)
			return nil
		}
		messageID = mid
	}
	if mode == config.PublishModeText || mode == config.PublishModeBoth {
		body := title
		if text != "" {
			body = title + "\n\n" + text
		}
		mid, err := pub.PublishText(ctx, body)
		if err != nil {
			logger.Error("publish text failed", slog.Any("err", err))
			telemetry.PublishesFailed.Inc()
			_, _ = dbc.ExecContext(ctx, `UPDATE videos SET processing_error=$1, updated_at=NOW() WHERE video_id=$2`, err.Error(), id)
			return nil
		}
		if messageID == 0 {
			messageID = mid
		}
	}
	pubDur := time.Since(pubStart)
	totalDur := time.Since(relayStart)
	telemetry.PublishesSucceeded.Inc()
	telemetry.PublishDuration.Observe(pubDur.Seconds())
	telemetry.TotalRelayDuration.Observe(totalDur.Seconds())

	_, _ = dbc.ExecContext(ctx, `UPDATE videos SET posted=TRUE, telegram_message_id=$1, processing_error=NULL, updated_at=NOW() WHERE video_id=$2`, messageID, id)
	if err := db.SetLastPublishedVideoID(ctx, dbc, id); err != nil {
		logger.Warn("record last published id", slog.Any("err", err))
	}
	updateMovingAvg(ctx, dbc, "avg_fetch_ms", float64(fetchDur.Milliseconds()))
	updateMovingAvg(ctx, dbc, "avg_publish_ms", float64(pubDur.Milliseconds()))
	updateMovingAvg(ctx, dbc, "avg_total_ms", float64(totalDur.Milliseconds()))
	logger.Info("relayed upload", slog.Int("message_id", messageID), slog.Duration("fetch_duration", fetchDur), slog.Duration("publish_duration", pubDur), slog.Duration("total_duration", totalDur), slog.Int("queue_depth", queueDepth-1))
	telemetry.SetQueueDepth(queueDepth - 1)
	return nil
}

// writeSRTFile renders cues to path atomically via a temp file.
func writeSRTFile(path string, cues []captions.Cue) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := captions.WriteSRT(f, cues); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// transcriptText flattens cue text into a newline-joined transcript.
func transcriptText(cues []captions.Cue) string {
	var b strings.Builder
	for _, c := range cues {
		if c.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

// updateMovingAvg maintains a simple exponential moving average (EMA) stored in kv.
// alpha = 0.2 (new contributes 20%). Values stored as integer milliseconds.
func updateMovingAvg(ctx context.Context, dbc *sql.DB, key string, newVal float64) {
	const alpha = 0.2
	var existing string
	_ = dbc.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&existing)
	if existing == "" {
		_ = db.SetKV(ctx, dbc, key, fmt.Sprintf("%.0f", newVal))
		return
	}
	var old float64
	if v, err := strconv.ParseFloat(existing, 64); err == nil {
		old = v
	}
	ema := alpha*newVal + (1-alpha)*old
	_ = db.SetKV(ctx, dbc, key, fmt.Sprintf("%.0f", ema))
}

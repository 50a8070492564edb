package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db  *sql.DB
	ctx context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB) *Handlers {
	return &Handlers{db: db, ctx: ctx}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"circuit_breaker", func() error {
			var state string
			err := h.db.QueryRowContext(r.Context(),
				"SELECT value FROM kv WHERE key='circuit_state'").Scan(&state)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if state == "open" {
				return fmt.Errorf("circuit breaker open")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary including queue depth, circuit breaker state, etc.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}
	var pending, errored, posted int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(posted,false)=false`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(posted,false)=false AND processing_error IS NOT NULL AND processing_error!=''`).Scan(&errored)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE COALESCE(posted,false)=true`).Scan(&posted)
	resp["pending"] = pending
	resp["errored"] = errored
	resp["posted"] = posted

	retryConfig := map[string]any{
		"download_max_attempts": getEnvInt("DOWNLOAD_MAX_ATTEMPTS", 5),
		"download_backoff_base": os.Getenv("DOWNLOAD_BACKOFF_BASE"),
		"relay_retry_cooldown":  os.Getenv("RELAY_RETRY_COOLDOWN"),
	}
	if retryConfig["download_backoff_base"] == "" {
		retryConfig["download_backoff_base"] = "2s"
	}
	if retryConfig["relay_retry_cooldown"] == "" {
		retryConfig["relay_retry_cooldown"] = "600s"
	}
	resp["retry_config"] = retryConfig

	// Circuit breaker
	var cState, cFails, cUntil string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&cState)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&cFails)
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_open_until'`).Scan(&cUntil)
	if cState != "" {
		resp["circuit_state"] = cState
	}
	if cFails != "" {
		resp["circuit_failures"] = cFails
	}
	if cUntil != "" {
		resp["circuit_open_until"] = cUntil
	}
	// Moving averages (ms)
	for _, k := range []string{"avg_fetch_ms", "avg_publish_ms", "avg_total_ms"} {
		var v string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&v)
		if v != "" {
			resp[k] = v
		}
	}
	// Last job timestamp and last relayed video
	var last, lastVideo string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='job_relay_last'`).Scan(&last)
	if last != "" {
		resp["last_relay_run"] = last
	}
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='last_video_id'`).Scan(&lastVideo)
	if lastVideo != "" {
		resp["last_video_id"] = lastVideo
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleVideosList returns a paginated list of discovered uploads.
func (h *Handlers) HandleVideosList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Basic pagination: ?limit=50&offset=0
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT video_id,
               COALESCE(title, ''),
               COALESCE(published_at, to_timestamp(0)),
               COALESCE(posted, FALSE),
               COALESCE(caption_lang, ''),
               COALESCE(cue_count, 0)
        FROM videos
        ORDER BY COALESCE(published_at, to_timestamp(0)) DESC
        LIMIT $1 OFFSET $2
    `, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type video struct {
		PublishedAt time.Time `json:"published_at"`
		ID          string    `json:"id"`
		Title       string    `json:"title"`
		CaptionLang string    `json:"caption_lang"`
		CueCount    int       `json:"cue_count"`
		Posted      bool      `json:"posted"`
	}
	list := make([]video, 0)
	for rows.Next() {
		var v video
		if err := rows.Scan(&v.ID, &v.Title, &v.PublishedAt, &v.Posted, &v.CaptionLang, &v.CueCount); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, v)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleVideoDetail returns the full record for a single upload under /videos/{id}.
func (h *Handlers) HandleVideoDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	videoID := strings.TrimPrefix(r.URL.Path, "/videos/")
	if videoID == "" || strings.Contains(videoID, "/") {
		http.NotFound(w, r)
		return
	}
	row := h.db.QueryRowContext(r.Context(), `
        SELECT video_id,
               COALESCE(title, ''),
               COALESCE(description, ''),
               COALESCE(published_at, to_timestamp(0)),
               COALESCE(posted, FALSE),
               COALESCE(caption_lang, ''),
               COALESCE(cue_count, 0),
               COALESCE(downloaded_path, ''),
               COALESCE(download_state, ''),
               COALESCE(download_retries, 0),
               COALESCE(processing_error, ''),
               COALESCE(telegram_message_id, 0)
        FROM videos WHERE video_id=$1
    `, videoID)
	type video struct {
		PublishedAt       time.Time `json:"published_at"`
		ID                string    `json:"id"`
		Title             string    `json:"title"`
		Description       string    `json:"description"`
		CaptionLang       string    `json:"caption_lang"`
		DownloadedPath    string    `json:"downloaded_path,omitempty"`
		DownloadState     string    `json:"download_state,omitempty"`
		ProcessingError   string    `json:"processing_error,omitempty"`
		CueCount          int       `json:"cue_count"`
		DownloadRetries   int       `json:"download_retries"`
		TelegramMessageID int64     `json:"telegram_message_id,omitempty"`
		Posted            bool      `json:"posted"`
	}
	var v video
	if err := row.Scan(&v.ID, &v.Title, &v.Description, &v.PublishedAt, &v.Posted, &v.CaptionLang, &v.CueCount, &v.DownloadedPath, &v.DownloadState, &v.DownloadRetries, &v.ProcessingError, &v.TelegramMessageID); err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}

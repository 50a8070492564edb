// Package download retrieves upload video files with yt-dlp and muxes the
// repaired caption track into them with ffmpeg. Progress is persisted to the
// videos table so the HTTP status surface can report it.
package download

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// download cancellation registry
var (
	activeMu      = &sync.Mutex{}
	activeCancels = map[string]context.CancelFunc{}
)

// Cancel aborts an in-flight download for the given video id.
func Cancel(id string) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if c, ok := activeCancels[id]; ok {
		c()
		delete(activeCancels, id)
		return true
	}
	return false
}

// progress lines on stderr look like:
// "[download]   4.3% of ~219.0MiB at  3.05MiB/s ETA 01:22"
var (
	progressRe = regexp.MustCompile(`(?i)\[download\]\s+([0-9.]+)%.*?of\s+~?([0-9.]+)([KMG]iB)`)
	bytesRe    = regexp.MustCompile(`(?i)([0-9.]+)([KMG]iB)`)
)

// decUnit converts a yt-dlp size figure ("219.0", "MiB") to bytes.
func decUnit(val, unit string) int64 {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0
	}
	mult := float64(1)
	switch strings.ToUpper(unit) {
	case "KIB":
		mult = 1024
	case "MIB":
		mult = 1024 * 1024
	case "GIB":
		mult = 1024 * 1024 * 1024
	}
	return int64(f * mult)
}

// Download fetches a YouTube upload by id using yt-dlp with resume-friendly
// flags, retrying with exponential backoff + jitter. Progress rows are written
// to the videos table as stderr progress lines arrive.
func Download(ctx context.Context, db *sql.DB, id, dataDir string) (string, error) {
	// Stable output path so yt-dlp can resume (.part file) across restarts
	out := filepath.Join(dataDir, fmt.Sprintf("yt_%s.mp4", id))
	url := "https://www.youtube.com/watch?v=" + id

	args := []string{
		"--continue",                     // resume partial downloads
		"--retries", "infinite",          // retry network errors
		"--fragment-retries", "infinite", // retry fragment errors (HLS/DASH)
		"--concurrent-fragments", "10",
		"-f", "mp4/best",
		"-o", out,
		url,
	}

	// If aria2c available, prefer it for robustness on direct HTTP downloads
	if _, err := exec.LookPath("aria2c"); err == nil {
		args = append([]string{"--external-downloader", "aria2c", "--downloader-args", "aria2c:-x16 -s16 -k1M --file-allocation=none"}, args...)
	}

	maxAttempts := 5
	if s := os.Getenv("DOWNLOAD_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	baseBackoff := 2 * time.Second
	if s := os.Getenv("DOWNLOAD_BACKOFF_BASE"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			baseBackoff = d
		}
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<attempt)
			backoff += time.Duration(rand.Int63n(int64(baseBackoff))) // jitter up to baseBackoff extra
			slog.Warn("retrying download", slog.String("video_id", id), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		// Child context so the HTTP/bot surface can cancel via Cancel(id).
		dlCtx, cancel := context.WithCancel(ctx)
		activeMu.Lock()
		activeCancels[id] = cancel
		activeMu.Unlock()

		cmd := exec.CommandContext(dlCtx, "yt-dlp", args...)
		stderr, _ := cmd.StderrPipe()
		cmd.Stdout = os.Stdout
		if err := cmd.Start(); err != nil {
			lastErr = err
			activeMu.Lock()
			delete(activeCancels, id)
			activeMu.Unlock()
			continue
		}

		var totalBytes int64
		go func() {
			buf := make([]byte, 16*1024)
			var line strings.Builder
			for {
				n, err := stderr.Read(buf)
				if n > 0 {
					for _, r := range string(buf[:n]) {
						if r != '\n' && r != '\r' {
							line.WriteRune(r)
							continue
						}
						s := line.String()
						line.Reset()
						m := progressRe.FindStringSubmatch(s)
						if len(m) == 0 {
							continue
						}
						if totalBytes == 0 {
							if mm := bytesRe.FindStringSubmatch(m[2] + m[3]); len(mm) == 3 {
								totalBytes = decUnit(mm[1], mm[2])
							}
						}
						curBytes := int64(0)
						if pct, err := strconv.ParseFloat(m[1], 64); err == nil && totalBytes > 0 {
							curBytes = int64((pct / 100.0) * float64(totalBytes))
						}
						_, _ = db.Exec(`UPDATE videos SET download_state=$1, download_total=$2, download_bytes=$3, progress_updated_at=NOW() WHERE video_id=$4`, s, totalBytes, curBytes, id)
					}
				}
				if err != nil {
					break
				}
			}
		}()

		err := cmd.Wait()
		activeMu.Lock()
		delete(activeCancels, id)
		activeMu.Unlock()
		if err == nil {
			_, _ = db.Exec(`UPDATE videos SET download_state='complete', download_total=$1, download_bytes=$1, downloaded_path=$2, progress_updated_at=NOW() WHERE video_id=$3`, totalBytes, out, id)
			return out, nil
		}
		lastErr = fmt.Errorf("yt-dlp: %w", err)
		_, _ = db.Exec(`UPDATE videos SET download_retries = COALESCE(download_retries,0) + 1, progress_updated_at=NOW() WHERE video_id=$1`, id)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// MuxSubtitles remuxes the repaired SRT into the video as a soft subtitle
// track (mov_text for mp4 containers). The video and audio streams are copied,
// not re-encoded. Returns the path of the muxed file.
func MuxSubtitles(ctx context.Context, videoPath, srtPath string) (string, error) {
	outPath := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".subbed.mp4"
	args := []string{
		"-y",
		"-i", videoPath,
		"-i", srtPath,
		"-c", "copy",
		"-c:s", "mov_text",
		"-metadata:s:s:0", "language=und",
		outPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(outPath)
		return "", fmt.Errorf("ffmpeg mux: %w: %s", err, string(out))
	}
	return outPath, nil
}

package relay

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/tube-relay/captions"
	"github.com/onnwee/tube-relay/config"
	dbpkg "github.com/onnwee/tube-relay/db"
	"github.com/onnwee/tube-relay/telemetry"
	"github.com/onnwee/tube-relay/youtube"
)

// relayOnce records metrics unconditionally, so the package vars must be
// registered before any test drives it.
func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type mockLister struct {
	uploads []youtube.Upload
	err     error
}

func (m mockLister) List(ctx context.Context, max int) ([]youtube.Upload, error) {
	return m.uploads, m.err
}

type mockFetcher struct {
	raw  []captions.RawCue
	lang string
	err  error
}

func (m mockFetcher) Fetch(ctx context.Context, videoID string, langs []string) ([]captions.RawCue, string, error) {
	return m.raw, m.lang, m.err
}

type mockRewriter struct {
	enabled bool
	out     string
	err     error
}

func (m mockRewriter) Enabled() bool { return m.enabled }
func (m mockRewriter) Rewrite(ctx context.Context, title, text string) (string, error) {
	return m.out, m.err
}

type mockPublisher struct {
	texts  []string
	videos []string
	err    error
}

func (m *mockPublisher) PublishText(ctx context.Context, text string) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.texts = append(m.texts, text)
	return 42, nil
}

func (m *mockPublisher) PublishVideo(ctx context.Context, path, caption string) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.videos = append(m.videos, path)
	return 43, nil
}

func swapSeams(t *testing.T, lister UploadLister, f CaptionFetcher, rw Rewriter, pub Publisher) {
	t.Helper()
	oldLister, oldFetcher, oldRewriter, oldPublisher := newLister, fetcher, newRewriter, newPublisher
	newLister = func(cfg *config.Config) UploadLister { return lister }
	fetcher = f
	newRewriter = func(cfg *config.Config) Rewriter { return rw }
	newPublisher = func(cfg *config.Config) (Publisher, error) { return pub, nil }
	t.Cleanup(func() {
		newLister, fetcher, newRewriter, newPublisher = oldLister, oldFetcher, oldRewriter, oldPublisher
	})
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := dbpkg.Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestRelayMetricsRegistered(t *testing.T) {
	// Every metric relayOnce touches must be usable without a DB, or the
	// Postgres-gated tests would die on the first Inc instead of testing.
	if telemetry.PollCycles == nil || telemetry.CaptionsFetched == nil || telemetry.CaptionsFailed == nil ||
		telemetry.CuesRepaired == nil || telemetry.PublishesSucceeded == nil || telemetry.PublishesFailed == nil ||
		telemetry.CaptionFetchDuration == nil || telemetry.PublishDuration == nil || telemetry.TotalRelayDuration == nil {
		t.Fatal("telemetry metrics not initialized for relay tests")
	}
	telemetry.PollCycles.Inc()
	telemetry.CaptionsFetched.Inc()
	telemetry.CuesRepaired.Add(3)
	telemetry.PublishesSucceeded.Inc()
	telemetry.CaptionFetchDuration.Observe(0.1)
	telemetry.TotalRelayDuration.Observe(1.5)
}

func TestTranscriptText(t *testing.T) {
	cues := []captions.Cue{
		{Text: "Hello", Start: 0.5, End: 1},
		{Text: "", Start: 1, End: 2},
		{Text: "World", Start: 2, End: 3},
	}
	if got := transcriptText(cues); got != "Hello\nWorld" {
		t.Fatalf("transcriptText = %q", got)
	}
	if got := transcriptText(nil); got != "" {
		t.Fatalf("transcriptText(nil) = %q", got)
	}
}

func TestWriteSRTFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.srt")
	cues := []captions.Cue{{Text: "Hi", Start: 0.5, End: 1.25}}
	if err := writeSRTFile(path, cues); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "00:00:00,500 --> 00:00:01,250") {
		t.Fatalf("unexpected srt content: %s", b)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestRelayOnceHappyPath(t *testing.T) {
	db := openTestDB(t)
	_, _ = db.Exec(`DELETE FROM videos WHERE video_id='r1'`)
	_, _ = db.Exec(`INSERT INTO videos (video_id,title,published_at,created_at) VALUES ('r1','Test upload',NOW(),NOW()) ON CONFLICT (video_id) DO NOTHING`)
	// High priority so the candidate query picks it over leftovers from other tests.
	_, _ = db.Exec(`UPDATE videos SET priority=500 WHERE video_id='r1'`)

	pub := &mockPublisher{}
	swapSeams(t,
		mockLister{},
		mockFetcher{raw: []captions.RawCue{{Text: "hello &amp; goodbye", Start: "0.5", Dur: "2"}}, lang: "en"},
		mockRewriter{},
		pub,
	)
	cfg := &config.Config{PublishMode: config.PublishModeText, DataDir: t.TempDir(), CaptionLangs: []string{"en"}}
	if err := relayOnce(context.Background(), db, cfg); err != nil {
		t.Fatal(err)
	}

	var posted bool
	var msgID int64
	var lang string
	var cueCount int
	if err := db.QueryRow(`SELECT posted, telegram_message_id, caption_lang, cue_count FROM videos WHERE video_id='r1'`).Scan(&posted, &msgID, &lang, &cueCount); err != nil {
		t.Fatal(err)
	}
	if !posted || msgID != 42 {
		t.Fatalf("expected posted with message 42, got posted=%v msg=%d", posted, msgID)
	}
	if lang != "en" || cueCount != 1 {
		t.Fatalf("expected lang=en cue_count=1, got %s %d", lang, cueCount)
	}
	if len(pub.texts) != 1 || !strings.Contains(pub.texts[0], "Hello & goodbye") {
		t.Fatalf("published text = %v", pub.texts)
	}
	last, err := dbpkg.LastPublishedVideoID(context.Background(), db)
	if err != nil || last != "r1" {
		t.Fatalf("last published = %q err=%v", last, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "r1.srt")); err != nil {
		t.Fatalf("srt not written: %v", err)
	}
}

func TestRelayOnceFetchFail(t *testing.T) {
	db := openTestDB(t)
	_, _ = db.Exec(`DELETE FROM videos WHERE video_id='r2'`)
	_, _ = db.Exec(`INSERT INTO videos (video_id,title,published_at,created_at,priority) VALUES ('r2','Broken',NOW(),NOW(),500) ON CONFLICT (video_id) DO NOTHING`)

	swapSeams(t, mockLister{}, mockFetcher{err: errors.New("boom")}, mockRewriter{}, &mockPublisher{})
	cfg := &config.Config{PublishMode: config.PublishModeText, DataDir: t.TempDir()}
	if err := relayOnce(context.Background(), db, cfg); err != nil {
		t.Fatal(err)
	}

	var perr string
	var retries int
	_ = db.QueryRow(`SELECT processing_error, download_retries FROM videos WHERE video_id='r2'`).Scan(&perr, &retries)
	if perr == "" || retries != 1 {
		t.Fatalf("expected error recorded with 1 retry, got %q %d", perr, retries)
	}
}

func TestRelayOnceNoCaptionsSkips(t *testing.T) {
	db := openTestDB(t)
	_, _ = db.Exec(`DELETE FROM videos WHERE video_id='r3'`)
	_, _ = db.Exec(`INSERT INTO videos (video_id,title,published_at,created_at,priority) VALUES ('r3','Silent',NOW(),NOW(),500) ON CONFLICT (video_id) DO NOTHING`)

	swapSeams(t, mockLister{}, mockFetcher{err: errors.New("no caption tracks for video r3")}, mockRewriter{}, &mockPublisher{})
	cfg := &config.Config{PublishMode: config.PublishModeText, DataDir: t.TempDir()}
	if err := relayOnce(context.Background(), db, cfg); err != nil {
		t.Fatal(err)
	}

	var perr string
	var retries int
	_ = db.QueryRow(`SELECT processing_error, download_retries FROM videos WHERE video_id='r3'`).Scan(&perr, &retries)
	if perr != "no captions available" {
		t.Fatalf("expected non-retriable skip, got %q", perr)
	}
	if retries < 5 {
		t.Fatalf("expected retries exhausted, got %d", retries)
	}
}

func TestRelayOnceRewriteApplied(t *testing.T) {
	db := openTestDB(t)
	_, _ = db.Exec(`DELETE FROM videos WHERE video_id='r4'`)
	_, _ = db.Exec(`INSERT INTO videos (video_id,title,published_at,created_at,priority) VALUES ('r4','Rewritten',NOW(),NOW(),500) ON CONFLICT (video_id) DO NOTHING`)

	pub := &mockPublisher{}
	swapSeams(t,
		mockLister{},
		mockFetcher{raw: []captions.RawCue{{Text: "raw words", Start: "1", Dur: "2"}}, lang: "en"},
		mockRewriter{enabled: true, out: "Polished summary."},
		pub,
	)
	cfg := &config.Config{PublishMode: config.PublishModeText, DataDir: t.TempDir()}
	if err := relayOnce(context.Background(), db, cfg); err != nil {
		t.Fatal(err)
	}
	if len(pub.texts) != 1 || !strings.Contains(pub.texts[0], "Polished summary.") {
		t.Fatalf("expected rewritten text published, got %v", pub.texts)
	}
}

func TestUpdateMovingAvg(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, _ = db.Exec(`DELETE FROM kv WHERE key='avg_test_ms'`)
	updateMovingAvg(ctx, db, "avg_test_ms", 100)
	v, _ := dbpkg.GetKV(ctx, db, "avg_test_ms")
	if v != "100" {
		t.Fatalf("first sample = %s want 100", v)
	}
	updateMovingAvg(ctx, db, "avg_test_ms", 200)
	v, _ = dbpkg.GetKV(ctx, db, "avg_test_ms")
	if v != "120" { // 0.2*200 + 0.8*100
		t.Fatalf("ema = %s want 120", v)
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	db := openTestDB(t)
	_, _ = db.Exec(`DELETE FROM kv WHERE key IN ('circuit_failures','circuit_state','circuit_open_until')`)
	os.Setenv("CIRCUIT_FAILURE_THRESHOLD", "2")
	defer os.Unsetenv("CIRCUIT_FAILURE_THRESHOLD")
	ctx := context.Background()
	updateCircuitOnFailure(ctx, db)
	var v string
	_ = db.QueryRow(`SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&v)
	if v != "1" {
		t.Fatalf("expected failures=1 got %s", v)
	}
	updateCircuitOnFailure(ctx, db)
	_ = db.QueryRow(`SELECT value FROM kv WHERE key='circuit_state'`).Scan(&v)
	if v != "open" {
		t.Fatalf("expected state open got %s", v)
	}
	resetCircuit(ctx, db)
	_ = db.QueryRow(`SELECT value FROM kv WHERE key='circuit_state'`).Scan(&v)
	if v != "closed" {
		t.Fatalf("expected state closed got %s", v)
	}
}

func TestStartRelayJobStopsOnCancel(t *testing.T) {
	db := openTestDB(t)
	swapSeams(t, mockLister{}, mockFetcher{err: errors.New("no caption tracks")}, mockRewriter{}, &mockPublisher{})
	cfg := &config.Config{PublishMode: config.PublishModeText, DataDir: t.TempDir(), PollInterval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartRelayJob(ctx, db, cfg)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay job did not stop on cancel")
	}
}

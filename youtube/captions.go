package youtube

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/tube-relay/captions"
)

// ytInitialPlayerResponseMarker marks the start of the player response JSON in watch page HTML.
const ytInitialPlayerResponseMarker = "ytInitialPlayerResponse = "

const watchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// CaptionClient fetches a video's caption track. WatchBaseURL overrides the
// watch page endpoint in tests.
type CaptionClient struct {
	HTTPClient   *http.Client
	WatchBaseURL string
}

func (c *CaptionClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 20 * time.Second}
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" for auto-generated
}

type playerResponse struct {
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

// FetchCaptionTrack scrapes the watch page for ytInitialPlayerResponse, picks
// the best caption track for the language preferences, and fetches its
// timedtext XML as raw cues. It returns the cues plus the track's language.
func (c *CaptionClient) FetchCaptionTrack(ctx context.Context, videoID string, langs []string) ([]captions.RawCue, string, error) {
	base := c.WatchBaseURL
	if base == "" {
		base = "https://www.youtube.com/watch"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?v="+videoID, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", watchUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("watch page: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 6*1024*1024))
	if err != nil {
		return nil, "", fmt.Errorf("read watch page: %w", err)
	}

	idx := strings.Index(string(body), ytInitialPlayerResponseMarker)
	if idx < 0 {
		return nil, "", errors.New("ytInitialPlayerResponse not found in watch page")
	}
	jsonData := extractJSON(body[idx+len(ytInitialPlayerResponseMarker):])
	if jsonData == nil {
		return nil, "", errors.New("failed to extract ytInitialPlayerResponse JSON")
	}

	var player playerResponse
	if err := json.Unmarshal(jsonData, &player); err != nil {
		return nil, "", fmt.Errorf("decode ytInitialPlayerResponse: %w", err)
	}
	if player.Captions == nil {
		return nil, "", errors.New("no captions in ytInitialPlayerResponse")
	}
	tracks := player.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
	if len(tracks) == 0 {
		return nil, "", errors.New("no caption tracks")
	}
	track := pickBestTrack(tracks, langs)
	cues, err := c.fetchTimedText(ctx, track.BaseURL)
	if err != nil {
		return nil, "", err
	}
	return cues, track.LanguageCode, nil
}

// pickBestTrack selects a caption track for the given language preferences:
// manual track in a preferred language, then auto-generated in a preferred
// language, then any English track, then the first track.
func pickBestTrack(tracks []captionTrack, langs []string) captionTrack {
	for _, lang := range langs {
		for _, t := range tracks {
			if t.LanguageCode == lang && t.Kind != "asr" {
				return t
			}
		}
	}
	for _, lang := range langs {
		for _, t := range tracks {
			if t.LanguageCode == lang {
				return t
			}
		}
	}
	for _, t := range tracks {
		if strings.HasPrefix(t.LanguageCode, "en") {
			return t
		}
	}
	return tracks[0]
}

// timedtext XML: <transcript><text start="12.3" dur="4.0">…</text></transcript>
type timedText struct {
	XMLName xml.Name       `xml:"transcript"`
	Lines   []timedTextCue `xml:"text"`
}

type timedTextCue struct {
	Start string `xml:"start,attr"`
	Dur   string `xml:"dur,attr"`
	Text  string `xml:",chardata"`
}

func (c *CaptionClient) fetchTimedText(ctx context.Context, baseURL string) ([]captions.RawCue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", watchUserAgent)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch timedtext: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch timedtext: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, err
	}
	var tt timedText
	if err := xml.Unmarshal(body, &tt); err != nil {
		return nil, fmt.Errorf("parse timedtext XML: %w", err)
	}
	cues := make([]captions.RawCue, 0, len(tt.Lines))
	for _, line := range tt.Lines {
		cues = append(cues, captions.RawCue{Text: line.Text, Start: line.Start, Dur: line.Dur})
	}
	return cues, nil
}

// extractJSON returns the first balanced {...} object at the start of b,
// honoring string literals and escapes, or nil if none closes.
func extractJSON(b []byte) []byte {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i, ch := range b {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return b[:i+1]
				}
			}
		}
	}
	return nil
}

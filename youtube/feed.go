// Package youtube discovers new uploads on the watched channel and retrieves
// their caption tracks. Discovery prefers the Data API when an API key is
// configured and falls back to the channel's public RSS feed; caption tracks
// are fetched from the timedtext endpoint referenced by the watch page.
package youtube

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// Upload is one channel upload as seen by discovery.
type Upload struct {
	ID          string
	Title       string
	Description string
	PublishedAt time.Time
}

// Client lists channel uploads. FeedBaseURL overrides the RSS endpoint in tests.
type Client struct {
	APIKey      string
	ChannelID   string
	HTTPClient  *http.Client
	FeedBaseURL string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// FetchChannelUploads returns the channel's most recent uploads, newest first.
// With an API key it resolves the uploads playlist through the Data API;
// otherwise it parses the channel's public RSS feed (capped at 15 entries by
// YouTube).
func (c *Client) FetchChannelUploads(ctx context.Context, max int) ([]Upload, error) {
	if c.ChannelID == "" {
		return nil, nil
	}
	if c.APIKey != "" {
		return c.fetchViaDataAPI(ctx, max)
	}
	return c.fetchViaFeed(ctx, max)
}

func (c *Client) fetchViaDataAPI(ctx context.Context, max int) ([]Upload, error) {
	opts := []option.ClientOption{option.WithAPIKey(c.APIKey)}
	if c.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.HTTPClient))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	chResp, err := svc.Channels.List([]string{"contentDetails"}).Id(c.ChannelID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("channels.list: %w", err)
	}
	if len(chResp.Items) == 0 {
		return nil, fmt.Errorf("channel %s not found", c.ChannelID)
	}
	playlistID := chResp.Items[0].ContentDetails.RelatedPlaylists.Uploads
	if playlistID == "" {
		return nil, fmt.Errorf("channel %s has no uploads playlist", c.ChannelID)
	}
	if max <= 0 || max > 50 {
		max = 50
	}
	plResp, err := svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).MaxResults(int64(max)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("playlistItems.list: %w", err)
	}
	out := make([]Upload, 0, len(plResp.Items))
	for _, it := range plResp.Items {
		if it.Snippet == nil || it.ContentDetails == nil {
			continue
		}
		published, _ := time.Parse(time.RFC3339, it.ContentDetails.VideoPublishedAt)
		out = append(out, Upload{
			ID:          it.ContentDetails.VideoId,
			Title:       it.Snippet.Title,
			Description: it.Snippet.Description,
			PublishedAt: published,
		})
	}
	return out, nil
}

// RSS feed schema: /feeds/videos.xml?channel_id=<id>
type rssFeed struct {
	XMLName xml.Name   `xml:"feed"`
	Entries []rssEntry `xml:"entry"`
}

type rssEntry struct {
	VideoID   string `xml:"videoId"`
	Title     string `xml:"title"`
	Published string `xml:"published"`
	Group     struct {
		Description string `xml:"description"`
	} `xml:"group"`
}

func (c *Client) fetchViaFeed(ctx context.Context, max int) ([]Upload, error) {
	base := c.FeedBaseURL
	if base == "" {
		base = "https://www.youtube.com/feeds/videos.xml"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?channel_id="+c.ChannelID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, err
	}
	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse feed XML: %w", err)
	}
	out := make([]Upload, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		if e.VideoID == "" {
			continue
		}
		published, _ := time.Parse(time.RFC3339, e.Published)
		out = append(out, Upload{ID: e.VideoID, Title: e.Title, Description: e.Group.Description, PublishedAt: published})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

package youtube

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
  <title>Channel uploads</title>
  <entry>
    <id>yt:video:newvid01</id>
    <yt:videoId>newvid01</yt:videoId>
    <title>Newest upload</title>
    <published>2025-06-02T10:00:00+00:00</published>
    <media:group>
      <media:description>Fresh description</media:description>
    </media:group>
  </entry>
  <entry>
    <id>yt:video:oldvid02</id>
    <yt:videoId>oldvid02</yt:videoId>
    <title>Older upload</title>
    <published>2025-06-01T10:00:00+00:00</published>
    <media:group>
      <media:description>Older description</media:description>
    </media:group>
  </entry>
</feed>`

func TestFetchChannelUploadsViaFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("channel_id"); got != "UCtest" {
			t.Errorf("channel_id = %q, want UCtest", got)
		}
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	c := &Client{ChannelID: "UCtest", FeedBaseURL: srv.URL}
	uploads, err := c.FetchChannelUploads(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != 2 {
		t.Fatalf("got %d uploads, want 2", len(uploads))
	}
	if uploads[0].ID != "newvid01" || uploads[0].Title != "Newest upload" {
		t.Errorf("first upload = %+v", uploads[0])
	}
	if uploads[0].Description != "Fresh description" {
		t.Errorf("description = %q", uploads[0].Description)
	}
	if uploads[0].PublishedAt.IsZero() {
		t.Errorf("published_at not parsed")
	}
}

func TestFetchChannelUploadsFeedMax(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	c := &Client{ChannelID: "UCtest", FeedBaseURL: srv.URL}
	uploads, err := c.FetchChannelUploads(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(uploads))
	}
}

func TestFetchChannelUploadsEmptyChannel(t *testing.T) {
	c := &Client{}
	uploads, err := c.FetchChannelUploads(context.Background(), 0)
	if err != nil || uploads != nil {
		t.Fatalf("expected nil, nil for empty channel id; got %v, %v", uploads, err)
	}
}

func TestFetchChannelUploadsFeedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{ChannelID: "UCtest", FeedBaseURL: srv.URL}
	if _, err := c.FetchChannelUploads(context.Background(), 0); err == nil {
		t.Fatal("expected error on 503 feed response")
	}
}

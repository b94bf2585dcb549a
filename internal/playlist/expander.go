// Package playlist expands YouTube playlist links into their video links.
package playlist

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ytget/ytdlp/v2"
)

const (
	defaultTimeout   = 60 * time.Second
	videoURLTemplate = "https://www.youtube.com/watch?v=%s"
)

// Entry is one video of a playlist.
type Entry struct {
	VideoID string
	Title   string
}

// Lister fetches every entry of a playlist by id.
type Lister interface {
	ListPlaylist(ctx context.Context, listID string) ([]Entry, error)
}

// YTDLPLister lists playlists through the ytdlp library.
type YTDLPLister struct{}

func (YTDLPLister) ListPlaylist(ctx context.Context, listID string) ([]Entry, error) {
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, listID, 0)
	if err != nil {
		return nil, fmt.Errorf("get playlist items: %w", err)
	}
	entries := make([]Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, Entry{VideoID: it.VideoID, Title: it.Title})
	}
	return entries, nil
}

type Config struct {
	Timeout time.Duration
	Lister  Lister
	Logger  *logrus.Logger
}

// Expander replaces playlist URLs by the URLs of their videos.
type Expander struct {
	cfg Config
}

func NewExpander(cfg Config) *Expander {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Lister == nil {
		cfg.Lister = YTDLPLister{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Expander{cfg: cfg}
}

// Expand returns urls with every YouTube playlist link replaced by its
// videos, in playlist order. Other URLs pass through unchanged, and a
// playlist that cannot be listed is kept as it was.
func (e *Expander) Expand(ctx context.Context, urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		listID := PlaylistID(raw)
		if listID == "" {
			out = append(out, raw)
			continue
		}

		videos, err := e.list(ctx, listID)
		if err != nil || len(videos) == 0 {
			e.cfg.Logger.WithField("playlist", listID).Warnf("playlist not expanded: %v", err)
			out = append(out, raw)
			continue
		}
		e.cfg.Logger.WithField("playlist", listID).Infof("expanded playlist into %d videos", len(videos))
		out = append(out, videos...)
	}
	return out
}

func (e *Expander) list(ctx context.Context, listID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	entries, err := e.cfg.Lister.ListPlaylist(ctx, listID)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.VideoID == "" {
			continue
		}
		urls = append(urls, fmt.Sprintf(videoURLTemplate, entry.VideoID))
	}
	return urls, nil
}

// PlaylistID returns the list= parameter of a YouTube URL, or "" for any
// other URL.
func PlaylistID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host != "youtube.com" && !strings.HasSuffix(host, ".youtube.com") && host != "youtu.be" {
		return ""
	}
	return u.Query().Get("list")
}

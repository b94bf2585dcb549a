package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"batch-downloader/internal/metrics"
)

const maxTitlePageBytes = 1 << 20

var ErrNoTitle = errors.New("no title found")

// ResolveTitle looks up a display title for rawURL. Magnet links use their dn
// parameter; web pages their <title>. Results are cached.
func (e *engine) ResolveTitle(ctx context.Context, rawURL string) (string, error) {
	if title, ok := e.titles.Get(rawURL); ok {
		metrics.TitleCacheHitsTotal.Inc()
		return title, nil
	}
	metrics.TitleCacheMissesTotal.Inc()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TitleTimeout)
	defer cancel()

	title, err := lookupTitle(ctx, e.client, rawURL)
	if err != nil {
		return "", err
	}
	e.titles.Add(rawURL, title)
	return title, nil
}

func lookupTitle(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "magnet":
		if dn := strings.TrimSpace(u.Query().Get("dn")); dn != "" {
			return dn, nil
		}
		return "", ErrNoTitle
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch page: unexpected status %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", ErrNoTitle
	}
	return ParseHTMLTitle(io.LimitReader(resp.Body, maxTitlePageBytes))
}

// ParseHTMLTitle returns the text of the first <title> element.
func ParseHTMLTitle(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	inTitle := false
	var b strings.Builder

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("parse html: %w", err)
			}
			return "", ErrNoTitle
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				b.Write(z.Text())
			}
		case html.EndTagToken:
			if !inTitle {
				continue
			}
			name, _ := z.TagName()
			if string(name) != "title" {
				continue
			}
			title := strings.Join(strings.Fields(b.String()), " ")
			if title == "" {
				return "", ErrNoTitle
			}
			return title, nil
		}
	}
}

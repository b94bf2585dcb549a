package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ytget/ytdlp/v2"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/metrics"
)

// YouTubeFetcher downloads YouTube videos natively through the ytdlp library.
// Only progressive formats are available, so no muxing step is needed.
type YouTubeFetcher struct {
	Client *http.Client
	// Format is a ytdlp selector such as "best" or "height<=720". Empty keeps
	// the library default.
	Format string
	Ext    string
}

func (f *YouTubeFetcher) Fetch(ctx context.Context, job domain.DownloadJob, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}

	ext := strings.TrimPrefix(f.Ext, ".")
	if ext == "" {
		ext = "mp4"
	}
	name := uniqueName(dir, job.Name, "."+ext)
	target := filepath.Join(dir, name)

	d := ytdlp.New().WithFormat(f.Format, ext).WithOutputPath(target)
	if f.Client != nil {
		d = d.WithHTTPClient(f.Client)
	}
	if _, err := d.Download(ctx, job.URL); err != nil {
		return "", fmt.Errorf("youtube download: %w", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return "", fmt.Errorf("stat youtube output: %w", err)
	}
	metrics.EngineBytesTotal.Add(float64(info.Size()))
	return name, nil
}

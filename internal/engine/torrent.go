package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/metrics"
)

// TorrentFetcher downloads magnet links with a shared anacrolix client. Each
// job stores its data under the task directory it was started with.
type TorrentFetcher struct {
	Trackers     []string
	PollInterval time.Duration
	Logger       *logrus.Logger

	once    sync.Once
	client  *torrent.Client
	initErr error
}

func (f *TorrentFetcher) init() error {
	f.once.Do(func() {
		if f.PollInterval <= 0 {
			f.PollInterval = 2 * time.Second
		}
		if f.Logger == nil {
			f.Logger = logrus.New()
		}

		clientConfig := torrent.NewDefaultClientConfig()
		clientConfig.DataDir = os.TempDir()
		clientConfig.NoUpload = false
		clientConfig.Seed = false

		f.client, f.initErr = torrent.NewClient(clientConfig)
		if f.initErr != nil {
			f.initErr = fmt.Errorf("create torrent client: %w", f.initErr)
		}
	})
	return f.initErr
}

func (f *TorrentFetcher) Fetch(ctx context.Context, job domain.DownloadJob, dir string) (string, error) {
	if err := f.init(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}
	logger := f.Logger.WithField("job_id", job.ID)

	magnetSpec, err := torrent.TorrentSpecFromMagnetUri(job.URL)
	if err != nil {
		return "", fmt.Errorf("parse magnet: %w", err)
	}
	files := storage.NewFile(dir)
	defer files.Close()
	magnetSpec.Storage = files

	t, _, err := f.client.AddTorrentSpec(magnetSpec)
	if err != nil {
		return "", fmt.Errorf("add magnet: %w", err)
	}
	defer t.Drop()

	for _, tracker := range f.Trackers {
		t.AddTrackers([][]string{{tracker}})
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.GotInfo():
	}

	info := t.Info()
	if info == nil {
		return "", errors.New("missing torrent info")
	}
	name := info.BestName()
	total := info.TotalLength()
	logger.Infof("torrent metadata received: %s (%s)", name, domain.FormatBytes(total))

	t.DownloadAll()

	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			if t.BytesMissing() == 0 {
				metrics.EngineBytesTotal.Add(float64(total))
				return name, nil
			}
		}
	}
}

// Close releases the torrent client if it was created.
func (f *TorrentFetcher) Close() {
	if f.client != nil {
		f.client.Close()
	}
}

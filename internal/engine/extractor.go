package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/metrics"
)

// ExtractorFetcher hands site URLs to an external yt-dlp compatible binary.
// The output template keeps the job name as file stem so the file can be
// found again by name.
type ExtractorFetcher struct {
	Bin   string
	Proxy string
	// Args are appended before the URL.
	Args []string
}

func (f *ExtractorFetcher) Fetch(ctx context.Context, job domain.DownloadJob, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}

	args := f.buildArgs(job, dir)
	cmd := exec.CommandContext(ctx, f.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("extractor %q not installed: %w", f.Bin, err)
		}
		return "", fmt.Errorf("extractor failed: %w: %s", err, lastLine(stderr.String()))
	}

	produced := lastLine(stdout.String())
	if produced == "" {
		return "", errors.New("extractor reported no output file")
	}
	info, err := os.Stat(produced)
	if err != nil {
		return "", fmt.Errorf("stat extractor output: %w", err)
	}
	metrics.EngineBytesTotal.Add(float64(info.Size()))
	return filepath.Base(produced), nil
}

func (f *ExtractorFetcher) buildArgs(job domain.DownloadJob, dir string) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-simulate",
		"-o", filepath.Join(dir, job.Name+".%(ext)s"),
		"--print", "after_move:filepath",
	}
	if site, ok := job.Type.(domain.SiteJob); ok && site.Extractor != "" {
		args = append(args, "--use-extractors", site.Extractor)
	}
	if f.Proxy != "" {
		args = append(args, "--proxy", f.Proxy)
	}
	args = append(args, f.Args...)
	return append(args, job.URL)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/repository"
	"batch-downloader/internal/repository/sqlite"
)

// fetchFunc adapts a function to the Fetcher interface.
type fetchFunc func(ctx context.Context, job domain.DownloadJob, dir string) (string, error)

func (f fetchFunc) Fetch(ctx context.Context, job domain.DownloadJob, dir string) (string, error) {
	return f(ctx, job, dir)
}

func newJobRepo(t *testing.T) repository.JobRepository {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	jobs := sqlite.NewJobRepository(db)
	if err := jobs.Init(context.Background()); err != nil {
		t.Fatalf("init jobs: %v", err)
	}
	return jobs
}

func newTestEngine(t *testing.T, jobs repository.JobRepository, fetcher Fetcher) Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	eng, err := New(Config{
		MaxRunners: 2,
		Logger:     logger,
		Fetchers:   map[string]Fetcher{"manifest": fetcher, "site": fetcher, "youtube": fetcher, "magnet": fetcher},
	}, jobs)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	return eng
}

func waitEvent(t *testing.T, eng Engine) Event {
	t.Helper()
	select {
	case ev := <-eng.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestJobSuccessEmitsOneEvent(t *testing.T) {
	jobs := newJobRepo(t)
	eng := newTestEngine(t, jobs, fetchFunc(func(_ context.Context, job domain.DownloadJob, dir string) (string, error) {
		name := job.Name + ".mp4"
		return name, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644)
	}))
	defer eng.Shutdown()
	ctx := context.Background()

	id, err := eng.SubmitJob(ctx, SubmitRequest{Name: "My: Clip?", URL: "https://a.example/v.m3u8", Folder: "t_1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := eng.ResolveJob(ctx, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if job.Name != "My_ Clip_" || job.Folder != "t_1" || job.Status != domain.JobStatusWaiting {
		t.Fatalf("unexpected submitted job: %+v", job)
	}
	if _, ok := job.Type.(domain.ManifestJob); !ok {
		t.Fatalf("job type = %v, want manifest", job.Type)
	}

	if err := eng.BeginTransfer(ctx, id, t.TempDir()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := eng.BeginTransfer(ctx, id, t.TempDir()); !errors.Is(err, ErrJobNotSubmitted) {
		t.Fatalf("second begin should be rejected, got %v", err)
	}

	ev := waitEvent(t, eng)
	if ev.JobID != id || ev.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected event: %+v", ev)
	}
	job, err = eng.ResolveJob(ctx, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if job.Status != domain.JobStatusSuccess || job.Filename != "My_ Clip_.mp4" {
		t.Fatalf("unexpected finished job: %+v", job)
	}

	select {
	case extra := <-eng.Events():
		t.Fatalf("unexpected second event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJobFailureEmitsFailure(t *testing.T) {
	jobs := newJobRepo(t)
	eng := newTestEngine(t, jobs, fetchFunc(func(context.Context, domain.DownloadJob, string) (string, error) {
		return "", errors.New("403 forbidden")
	}))
	defer eng.Shutdown()
	ctx := context.Background()

	id, err := eng.SubmitJob(ctx, SubmitRequest{Name: "x", URL: "magnet:?xt=urn:btih:abc&dn=x", Folder: "t_1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := eng.BeginTransfer(ctx, id, t.TempDir()); err != nil {
		t.Fatalf("begin: %v", err)
	}

	ev := waitEvent(t, eng)
	if ev.JobID != id || ev.Outcome != OutcomeFailure {
		t.Fatalf("unexpected event: %+v", ev)
	}
	job, _ := eng.ResolveJob(ctx, id)
	if job.Status != domain.JobStatusFailed || !strings.Contains(job.Error, "403") {
		t.Fatalf("unexpected failed job: %+v", job)
	}
	if eng.IsActive(id) {
		t.Fatal("finished job still active")
	}
}

func TestShutdownCancelsWithoutEventsAndRestartFailsJobs(t *testing.T) {
	jobs := newJobRepo(t)
	started := make(chan struct{})
	eng := newTestEngine(t, jobs, fetchFunc(func(ctx context.Context, _ domain.DownloadJob, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}))
	ctx := context.Background()

	id, err := eng.SubmitJob(ctx, SubmitRequest{Name: "slow", URL: "https://a.example/slow.mp4", Folder: "t_1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := eng.BeginTransfer(ctx, id, t.TempDir()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	<-started
	if !eng.IsActive(id) {
		t.Fatal("running job should be active")
	}

	eng.Shutdown()
	select {
	case ev := <-eng.Events():
		t.Fatalf("cancelled job emitted %+v", ev)
	default:
	}
	if err := eng.BeginTransfer(ctx, id, t.TempDir()); err == nil {
		t.Fatal("stopped engine accepted work")
	}

	job, _ := jobs.Get(ctx, id)
	if job.Status != domain.JobStatusDownloading {
		t.Fatalf("job status after shutdown = %s", job.Status)
	}

	restarted := newTestEngine(t, jobs, fetchFunc(func(context.Context, domain.DownloadJob, string) (string, error) {
		return "", nil
	}))
	defer restarted.Shutdown()

	job, _ = jobs.Get(ctx, id)
	if job.Status != domain.JobStatusFailed || job.Error != "interrupted by restart" {
		t.Fatalf("stale job not failed on restart: %+v", job)
	}
}

func TestBeginUnknownJob(t *testing.T) {
	eng := newTestEngine(t, newJobRepo(t), fetchFunc(func(context.Context, domain.DownloadJob, string) (string, error) {
		return "", nil
	}))
	defer eng.Shutdown()

	if err := eng.BeginTransfer(context.Background(), 404, t.TempDir()); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"  Hello World  ":      "Hello World",
		`a/b\c:d*e?f"g<h>i|j`: "a_b_c_d_e_f_g_h_i_j",
		"...":                  "download",
		"":                     "download",
		"line\nbreak":          "line_break",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}

	long := strings.Repeat("é", 200)
	if got := []rune(SanitizeName(long)); len(got) != maxNameRunes {
		t.Errorf("long name kept %d runes", len(got))
	}
}

func TestExtractorArgs(t *testing.T) {
	f := &ExtractorFetcher{Bin: "yt-dlp", Proxy: "socks5://127.0.0.1:1080"}
	args := f.buildArgs(domain.DownloadJob{
		Name: "clip",
		URL:  "https://www.bilibili.com/video/BV1",
		Type: domain.SiteJob{Extractor: "bilibili"},
	}, "/data/t_1")

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-o /data/t_1/clip.%(ext)s",
		"--use-extractors bilibili",
		"--proxy socks5://127.0.0.1:1080",
		"--print after_move:filepath",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "https://www.bilibili.com/video/BV1" {
		t.Errorf("url must be the last argument, got %q", args[len(args)-1])
	}
}

func TestExtractorMissingBinary(t *testing.T) {
	f := &ExtractorFetcher{Bin: filepath.Join(t.TempDir(), "no-such-extractor")}
	_, err := f.Fetch(context.Background(), domain.DownloadJob{Name: "x", URL: "https://a.example", Type: domain.SiteJob{}}, t.TempDir())
	if err == nil {
		t.Fatal("expected an error for a missing extractor")
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("a\nb\n\n  \n"); got != "b" {
		t.Fatalf("lastLine = %q", got)
	}
	if got := lastLine(""); got != "" {
		t.Fatalf("lastLine of empty = %q", got)
	}
}

type namedFetcher string

func (n namedFetcher) Fetch(context.Context, domain.DownloadJob, string) (string, error) {
	return string(n), nil
}

func TestFetcherRouting(t *testing.T) {
	eng, err := New(Config{
		Fetchers: map[string]Fetcher{
			"manifest": namedFetcher("manifest"),
			"site":     namedFetcher("site"),
			"youtube":  namedFetcher("youtube"),
			"magnet":   namedFetcher("magnet"),
		},
	}, newJobRepo(t))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e := eng.(*engine)

	cases := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "youtube"},
		{"https://youtu.be/dQw4w9WgXcQ", "youtube"},
		{"https://www.bilibili.com/video/BV1xx411c7mD", "site"},
		{"magnet:?xt=urn:btih:abc", "magnet"},
		{"https://cdn.example/v/index.m3u8", "manifest"},
	}
	for _, c := range cases {
		jt := domain.ClassifyURL(c.url)
		if got := e.fetcherFor(jt); got != namedFetcher(c.want) {
			t.Errorf("fetcherFor(%s) = %v, want %s", c.url, got, c.want)
		}
		if got := jobKind(jt); got != c.want {
			t.Errorf("jobKind(%s) = %s, want %s", c.url, got, c.want)
		}
	}
}

func TestYouTubeFetcherRejectsURLWithoutVideo(t *testing.T) {
	dir := t.TempDir()
	f := &YouTubeFetcher{}
	_, err := f.Fetch(context.Background(), domain.DownloadJob{Name: "clip", URL: "https://www.youtube.com/watch"}, dir)
	if err == nil {
		t.Fatal("expected an error for a url without a video id")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("failed download left files behind: %v", entries)
	}
}

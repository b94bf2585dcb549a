// Package engine runs download jobs. A job is registered with SubmitJob,
// started with BeginTransfer and reported exactly once on the Events channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/metrics"
	"batch-downloader/internal/repository"
)

// Outcome is the terminal result of a job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event reports the end of one job.
type Event struct {
	JobID   int64
	Outcome Outcome
}

// SubmitRequest describes a job to register.
type SubmitRequest struct {
	Name   string
	URL    string
	Type   domain.JobType
	Folder string
}

// Engine is the download engine consumed by the dispatcher.
type Engine interface {
	Start(ctx context.Context) error
	Shutdown()
	SubmitJob(ctx context.Context, req SubmitRequest) (int64, error)
	BeginTransfer(ctx context.Context, jobID int64, dir string) error
	ResolveJob(ctx context.Context, jobID int64) (*domain.DownloadJob, error)
	ResolveTitle(ctx context.Context, rawURL string) (string, error)
	IsActive(jobID int64) bool
	Events() <-chan Event
}

// Fetcher downloads one job into dir and returns the produced file name,
// relative to dir.
type Fetcher interface {
	Fetch(ctx context.Context, job domain.DownloadJob, dir string) (string, error)
}

type Config struct {
	MaxRunners     int
	ExtractorBin   string
	Proxy          string
	TitleTimeout   time.Duration
	TitleCacheSize int
	TitleCacheTTL  time.Duration
	EventBuffer    int
	TrackerList    []string
	Logger         *logrus.Logger

	// Fetchers override the default fetcher per job kind ("manifest", "site",
	// "youtube", "magnet").
	Fetchers map[string]Fetcher
}

var ErrJobNotSubmitted = errors.New("job is not waiting to start")

type engine struct {
	cfg    Config
	jobs   repository.JobRepository
	client *http.Client
	titles *expirable.LRU[string, string]

	manifest Fetcher
	site     Fetcher
	youtube  Fetcher
	magnet   Fetcher

	events chan Event
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[int64]context.CancelFunc
}

func New(cfg Config, jobs repository.JobRepository) (Engine, error) {
	if cfg.MaxRunners <= 0 {
		cfg.MaxRunners = 3
	}
	if cfg.ExtractorBin == "" {
		cfg.ExtractorBin = "yt-dlp"
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 10 * time.Second
	}
	if cfg.TitleCacheSize <= 0 {
		cfg.TitleCacheSize = 512
	}
	if cfg.TitleCacheTTL <= 0 {
		cfg.TitleCacheTTL = time.Hour
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.TrackerList) == 0 {
		cfg.TrackerList = defaultTrackers()
	}

	client, err := newHTTPClient(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:    cfg,
		jobs:   jobs,
		client: client,
		titles: expirable.NewLRU[string, string](cfg.TitleCacheSize, nil, cfg.TitleCacheTTL),
		events: make(chan Event, cfg.EventBuffer),
		sem:    make(chan struct{}, cfg.MaxRunners),
		active: make(map[int64]context.CancelFunc),
	}
	e.manifest = fetcherOr(cfg.Fetchers["manifest"], &HTTPFetcher{Client: client})
	e.site = fetcherOr(cfg.Fetchers["site"], &ExtractorFetcher{Bin: cfg.ExtractorBin, Proxy: cfg.Proxy})
	e.youtube = fetcherOr(cfg.Fetchers["youtube"], &YouTubeFetcher{Client: client})
	e.magnet = fetcherOr(cfg.Fetchers["magnet"], &TorrentFetcher{Trackers: cfg.TrackerList, Logger: cfg.Logger})
	return e, nil
}

func fetcherOr(f, fallback Fetcher) Fetcher {
	if f != nil {
		return f
	}
	return fallback
}

func newHTTPClient(proxy string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport}, nil
}

// Start fails every job left unfinished by a previous process. No events are
// emitted for them.
func (e *engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	stale, err := e.jobs.ListByStatuses(ctx, domain.JobStatusWaiting, domain.JobStatusDownloading)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, job := range stale {
		if err := e.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "interrupted by restart"); err != nil {
			e.cfg.Logger.WithField("job_id", job.ID).Warnf("fail stale job: %v", err)
		}
	}
	if len(stale) > 0 {
		e.cfg.Logger.Infof("marked %d interrupted jobs as failed", len(stale))
	}

	e.cfg.Logger.Infof("download engine started, runners: %d", e.cfg.MaxRunners)
	return nil
}

// Shutdown cancels running jobs and waits for their goroutines. Cancelled
// jobs do not produce events.
func (e *engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if closer, ok := e.magnet.(interface{ Close() }); ok {
		closer.Close()
	}
	e.cfg.Logger.Info("download engine stopped")
}

func (e *engine) Events() <-chan Event {
	return e.events
}

func (e *engine) SubmitJob(ctx context.Context, req SubmitRequest) (int64, error) {
	if strings.TrimSpace(req.URL) == "" {
		return 0, errors.New("job url is required")
	}
	if req.Type == nil {
		req.Type = domain.ClassifyURL(req.URL)
	}

	job := &domain.DownloadJob{
		Name:   SanitizeName(req.Name),
		URL:    strings.TrimSpace(req.URL),
		Type:   req.Type,
		Folder: req.Folder,
		Status: domain.JobStatusWaiting,
	}
	id, err := e.jobs.Create(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("register job: %w", err)
	}
	e.cfg.Logger.WithFields(logrus.Fields{"job_id": id, "type": job.Type.String()}).Debug("job submitted")
	return id, nil
}

// BeginTransfer starts a waiting job in the background. The job runs once a
// runner slot is free.
func (e *engine) BeginTransfer(ctx context.Context, jobID int64, dir string) error {
	if e.ctx == nil {
		return errors.New("download engine not started")
	}
	if err := e.ctx.Err(); err != nil {
		return fmt.Errorf("download engine stopped: %w", err)
	}

	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusWaiting {
		return fmt.Errorf("%w: job %d is %s", ErrJobNotSubmitted, jobID, job.Status)
	}

	jobCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	if _, running := e.active[jobID]; running {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: job %d already running", ErrJobNotSubmitted, jobID)
	}
	e.active[jobID] = cancel
	e.mu.Unlock()

	if err := e.jobs.UpdateStatus(ctx, jobID, domain.JobStatusDownloading, "", ""); err != nil {
		e.release(jobID)
		return fmt.Errorf("mark job downloading: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(jobID)

		select {
		case <-jobCtx.Done():
			return
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
			e.run(jobCtx, *job, dir)
		}
	}()
	return nil
}

func (e *engine) IsActive(jobID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[jobID]
	return ok
}

func (e *engine) ResolveJob(ctx context.Context, jobID int64) (*domain.DownloadJob, error) {
	return e.jobs.Get(ctx, jobID)
}

func (e *engine) release(jobID int64) {
	e.mu.Lock()
	if cancel, ok := e.active[jobID]; ok {
		cancel()
		delete(e.active, jobID)
	}
	e.mu.Unlock()
}

func (e *engine) run(ctx context.Context, job domain.DownloadJob, dir string) {
	logger := e.cfg.Logger.WithFields(logrus.Fields{"job_id": job.ID, "folder": job.Folder})
	logger.Infof("job started: %s", job.URL)

	filename, err := e.fetcherFor(job.Type).Fetch(ctx, job, dir)
	if ctx.Err() != nil {
		// shutdown; the job is failed by the next Start
		logger.Info("job cancelled")
		return
	}

	// persisted with a detached context so the record survives a late cancel
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
		logger.Warnf("job failed: %v", err)
		if uerr := e.jobs.UpdateStatus(storeCtx, job.ID, domain.JobStatusFailed, "", err.Error()); uerr != nil {
			logger.Errorf("persist job failure: %v", uerr)
		}
	} else {
		logger.Infof("job finished: %s", filename)
		if uerr := e.jobs.UpdateStatus(storeCtx, job.ID, domain.JobStatusSuccess, filename, ""); uerr != nil {
			logger.Errorf("persist job success: %v", uerr)
		}
	}
	metrics.EngineJobsTotal.WithLabelValues(jobKind(job.Type), string(outcome)).Inc()

	select {
	case e.events <- Event{JobID: job.ID, Outcome: outcome}:
	case <-ctx.Done():
	}
}

func (e *engine) fetcherFor(t domain.JobType) Fetcher {
	switch jt := t.(type) {
	case domain.SiteJob:
		if jt.Extractor == "youtube" {
			return e.youtube
		}
		return e.site
	case domain.MagnetJob:
		return e.magnet
	default:
		return e.manifest
	}
}

func jobKind(t domain.JobType) string {
	switch jt := t.(type) {
	case domain.SiteJob:
		if jt.Extractor == "youtube" {
			return "youtube"
		}
		return "site"
	case domain.MagnetJob:
		return "magnet"
	default:
		return "manifest"
	}
}

const maxNameRunes = 120

// SanitizeName turns a display title into a file name stem.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r), unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), " .")
	if runes := []rune(out); len(runes) > maxNameRunes {
		out = strings.TrimSpace(string(runes[:maxNameRunes]))
	}
	if out == "" {
		return "download"
	}
	return out
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

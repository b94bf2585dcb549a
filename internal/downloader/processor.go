package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/engine"
	"batch-downloader/internal/metrics"
	"batch-downloader/internal/service"
)

const (
	// reconcileFailureMessage is stored on items whose job reported failure.
	reconcileFailureMessage = "Download failed"
	// interruptedMessage is stored on items orphaned by a restart.
	interruptedMessage = "interrupted by restart"
)

// Processor feeds pending batch items to the download engine under a global
// concurrency limit and folds engine events back into task state.
//
// The processing set and the active job counter live in memory only. Recover
// must run at startup to settle items left downloading by a previous process.
type Processor interface {
	Start(ctx context.Context, taskID string) error
	Stop(taskID string)
	DownloadSingle(ctx context.Context, rawURL string) (*SingleDownload, error)
	Run(ctx context.Context)
	Reconcile(ctx context.Context, ev engine.Event)
	Recover(ctx context.Context) error
	IsProcessing(taskID string) bool
	ActiveJobs() int
	Shutdown()
}

// Storage is the subset of the storage service the processor needs.
type Storage interface {
	DataDir() string
	HasCapacity(ctx context.Context) (bool, error)
	TaskDirectory(taskID string) (string, error)
	LocateFile(taskID, recorded, name string) (string, int64)
}

type Config struct {
	MaxConcurrent int
	PumpDelay     time.Duration
	Logger        *logrus.Logger
}

// SingleDownload describes a job started outside any batch.
type SingleDownload struct {
	JobID int64
	Name  string
}

type processor struct {
	cfg     Config
	tasks   service.TaskService
	storage Storage
	engine  engine.Engine

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards processing and activeJobs, and serialises item claims and
	// folds. It is never held across engine calls or disk scans.
	mu         sync.Mutex
	processing map[string]struct{}
	// waiting holds processing tasks whose last pump found no free slot.
	waiting    map[string]struct{}
	activeJobs int
}

func NewProcessor(cfg Config, tasks service.TaskService, storage Storage, eng engine.Engine) Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.PumpDelay <= 0 {
		cfg.PumpDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &processor{
		cfg:        cfg,
		tasks:      tasks,
		storage:    storage,
		engine:     eng,
		ctx:        ctx,
		cancel:     cancel,
		processing: make(map[string]struct{}),
		waiting:    make(map[string]struct{}),
	}
}

// Start begins dispatching the pending items of a task. Starting a task that
// is already processing or already finished does nothing.
func (p *processor) Start(ctx context.Context, taskID string) error {
	if p.IsProcessing(taskID) {
		return nil
	}

	task, err := p.tasks.GetTask(ctx, taskID, false)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	ok, err := p.storage.HasCapacity(ctx)
	if err != nil {
		return fmt.Errorf("check storage capacity: %w", err)
	}
	if !ok {
		return domain.ErrCapacityExceeded
	}

	p.mu.Lock()
	if _, ok := p.processing[taskID]; ok {
		p.mu.Unlock()
		return nil
	}
	p.processing[taskID] = struct{}{}
	if err := p.tasks.UpdateStatus(ctx, taskID, domain.TaskStatusRunning); err != nil {
		delete(p.processing, taskID)
		p.mu.Unlock()
		return fmt.Errorf("mark task running: %w", err)
	}
	p.syncGauges()
	p.mu.Unlock()

	p.cfg.Logger.WithField("task_id", taskID).Info("batch task started")
	p.pump(taskID)
	return nil
}

// Stop prevents further dispatch for the task. Jobs already handed to the
// engine keep running and are still reconciled.
func (p *processor) Stop(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.waiting, taskID)
	if _, ok := p.processing[taskID]; ok {
		delete(p.processing, taskID)
		p.syncGauges()
		p.cfg.Logger.WithField("task_id", taskID).Info("batch task stopped")
	}
}

func (p *processor) IsProcessing(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processing[taskID]
	return ok
}

func (p *processor) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeJobs
}

// Run consumes engine events until ctx is done or the engine closes its
// channel.
func (p *processor) Run(ctx context.Context) {
	events := p.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Reconcile(ctx, ev)
		}
	}
}

func (p *processor) Shutdown() {
	p.cancel()
	p.mu.Lock()
	p.processing = make(map[string]struct{})
	p.waiting = make(map[string]struct{})
	p.syncGauges()
	p.mu.Unlock()
	p.cfg.Logger.Info("download processor stopped")
}

// pump dispatches the oldest pending item of the task if a slot is free.
func (p *processor) pump(taskID string) {
	if p.ctx.Err() != nil {
		return
	}
	item, ok := p.claim(taskID)
	if !ok {
		return
	}
	p.dispatch(taskID, item)
}

func (p *processor) schedulePump(taskID string) {
	time.AfterFunc(p.cfg.PumpDelay, func() { p.pump(taskID) })
}

// pumpWaiting gives a freed slot to the tasks that were turned away while
// every slot was taken.
func (p *processor) pumpWaiting() {
	p.mu.Lock()
	waiting := make([]string, 0, len(p.waiting))
	for taskID := range p.waiting {
		waiting = append(waiting, taskID)
	}
	clear(p.waiting)
	p.mu.Unlock()

	for _, taskID := range waiting {
		p.pump(taskID)
	}
}

// claim takes a slot and moves the oldest pending item of the task to
// downloading. A further pump is scheduled while more items are pending or
// when the store could not be read.
func (p *processor) claim(taskID string) (domain.BatchTaskItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.cfg.Logger.WithField("task_id", taskID)

	if _, ok := p.processing[taskID]; !ok {
		return domain.BatchTaskItem{}, false
	}
	if p.activeJobs >= p.cfg.MaxConcurrent {
		logger.Debugf("concurrency limit reached (%d)", p.cfg.MaxConcurrent)
		p.waiting[taskID] = struct{}{}
		return domain.BatchTaskItem{}, false
	}

	pending, err := p.tasks.ListPendingItems(p.ctx, taskID)
	if err != nil {
		logger.Errorf("list pending items: %v", err)
		p.schedulePump(taskID)
		return domain.BatchTaskItem{}, false
	}
	if len(pending) == 0 {
		delete(p.processing, taskID)
		p.syncGauges()
		logger.Info("no pending items left")
		return domain.BatchTaskItem{}, false
	}

	item := pending[0]
	if err := p.tasks.MarkItemDownloading(p.ctx, item.ID); err != nil {
		logger.WithField("item_id", item.ID).Warnf("claim item: %v", err)
		p.schedulePump(taskID)
		return domain.BatchTaskItem{}, false
	}
	p.activeJobs++
	p.syncGauges()

	if len(pending) > 1 {
		p.schedulePump(taskID)
	}
	return item, true
}

// dispatch hands a claimed item to the engine. Any failure marks the item
// failed and moves on to the next one.
func (p *processor) dispatch(taskID string, item domain.BatchTaskItem) {
	logger := p.cfg.Logger.WithFields(logrus.Fields{"task_id": taskID, "item_id": item.ID})

	jobID, err := p.submit(taskID, item, logger)
	if err == nil {
		metrics.DispatchedTotal.Inc()
		logger.WithField("job_id", jobID).Infof("item dispatched: %s", item.URL)
		return
	}
	metrics.DispatchFailuresTotal.Inc()
	logger.Warnf("dispatch failed: %v", err)

	p.mu.Lock()
	p.releaseSlot()
	if ferr := p.tasks.FailItem(p.ctx, item.ID, err.Error()); ferr != nil {
		logger.Errorf("mark item failed: %v", ferr)
	} else if _, ferr := p.tasks.ApplyDelta(p.ctx, taskID, domain.FailedDelta()); ferr != nil {
		logger.Errorf("fold failed item: %v", ferr)
	}
	p.mu.Unlock()

	p.pump(taskID)
	p.pumpWaiting()
}

func (p *processor) submit(taskID string, item domain.BatchTaskItem, logger *logrus.Entry) (int64, error) {
	title, err := p.engine.ResolveTitle(p.ctx, item.URL)
	if err != nil || title == "" {
		logger.Debugf("title lookup failed, using placeholder: %v", err)
		title = fmt.Sprintf("video_%d", item.ID)
	}

	jobID, err := p.engine.SubmitJob(p.ctx, engine.SubmitRequest{
		Name:   title,
		URL:    item.URL,
		Type:   domain.ClassifyURL(item.URL),
		Folder: taskID,
	})
	if err != nil {
		return 0, fmt.Errorf("submit job: %w", err)
	}
	if err := p.tasks.SetItemJob(p.ctx, item.ID, jobID); err != nil {
		return 0, fmt.Errorf("record job id: %w", err)
	}

	dir, err := p.storage.TaskDirectory(taskID)
	if err != nil {
		return 0, fmt.Errorf("prepare task dir: %w", err)
	}
	if err := p.engine.BeginTransfer(p.ctx, jobID, dir); err != nil {
		return 0, fmt.Errorf("begin transfer: %w", err)
	}
	return jobID, nil
}

// DownloadSingle starts a download that belongs to no batch. The file lands
// in the data directory root. The job holds a slot like a batch item so that
// its event pays back what it took, but it never waits for one.
func (p *processor) DownloadSingle(ctx context.Context, rawURL string) (*SingleDownload, error) {
	ok, err := p.storage.HasCapacity(ctx)
	if err != nil {
		return nil, fmt.Errorf("check storage capacity: %w", err)
	}
	if !ok {
		return nil, domain.ErrCapacityExceeded
	}

	title, err := p.engine.ResolveTitle(ctx, rawURL)
	if err != nil || title == "" {
		title = fmt.Sprintf("download_%d", time.Now().UnixMilli())
	}

	jobID, err := p.engine.SubmitJob(ctx, engine.SubmitRequest{
		Name: title,
		URL:  rawURL,
		Type: domain.ClassifyURL(rawURL),
	})
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}

	p.mu.Lock()
	p.activeJobs++
	p.syncGauges()
	p.mu.Unlock()

	if err := p.engine.BeginTransfer(ctx, jobID, p.storage.DataDir()); err != nil {
		p.mu.Lock()
		p.releaseSlot()
		p.mu.Unlock()
		p.pumpWaiting()
		return nil, fmt.Errorf("begin transfer: %w", err)
	}

	p.cfg.Logger.WithField("job_id", jobID).Infof("single download started: %s", rawURL)
	return &SingleDownload{JobID: jobID, Name: title}, nil
}

// Reconcile applies one engine event. The slot is always released; state is
// only changed when the event maps to a non-terminal item.
func (p *processor) Reconcile(ctx context.Context, ev engine.Event) {
	p.mu.Lock()
	p.releaseSlot()
	p.mu.Unlock()
	defer p.pumpWaiting()

	logger := p.cfg.Logger.WithFields(logrus.Fields{"job_id": ev.JobID, "outcome": ev.Outcome})

	job, err := p.engine.ResolveJob(ctx, ev.JobID)
	if err != nil {
		metrics.ReconcileMissesTotal.Inc()
		logger.Warnf("event has no owning task: %v", err)
		return
	}
	if job.Folder == "" {
		logger.Infof("single download finished: %s", job.URL)
		return
	}
	taskID := job.Folder
	logger = logger.WithField("task_id", taskID)
	defer p.pump(taskID)

	var result domain.ItemResult
	if ev.Outcome == engine.OutcomeSuccess {
		filename, size := p.storage.LocateFile(taskID, job.Filename, job.Name)
		if filename == "" {
			filename = job.Filename
		}
		result = domain.ItemResult{Filename: filename, SizeBytes: size, Title: job.Name}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	item, err := p.findItem(ctx, taskID, ev.JobID)
	if err != nil {
		metrics.ReconcileMissesTotal.Inc()
		logger.Warnf("reconcile miss: %v", err)
		return
	}
	if item.Status.IsTerminal() {
		metrics.ReconcileMissesTotal.Inc()
		logger.WithField("item_id", item.ID).Warnf("duplicate event for %s item", item.Status)
		return
	}
	logger = logger.WithField("item_id", item.ID)

	var delta domain.Delta
	if ev.Outcome == engine.OutcomeSuccess {
		err = p.tasks.CompleteItem(ctx, item.ID, result)
		delta = domain.CompletedDelta(result.SizeBytes)
	} else {
		err = p.tasks.FailItem(ctx, item.ID, reconcileFailureMessage)
		delta = domain.FailedDelta()
	}
	if err != nil {
		logger.Warnf("record item outcome: %v", err)
		return
	}

	task, err := p.tasks.ApplyDelta(ctx, taskID, delta)
	if err != nil {
		logger.Errorf("fold item outcome: %v", err)
		return
	}
	metrics.ReconciledTotal.WithLabelValues(string(ev.Outcome)).Inc()
	logger.Infof("item %s, task %d/%d done (%s)", ev.Outcome, task.Completed+task.Failed, task.Total, task.Status)
}

func (p *processor) findItem(ctx context.Context, taskID string, jobID int64) (*domain.BatchTaskItem, error) {
	items, err := p.tasks.ListItems(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task items: %w", err)
	}
	for i := range items {
		if items[i].DownloadJobID != nil && *items[i].DownloadJobID == jobID {
			return &items[i], nil
		}
	}
	return nil, domain.ErrItemNotFound
}

// Recover settles state left by a previous process: items still downloading
// without a live job are failed, then unfinished tasks are started again.
func (p *processor) Recover(ctx context.Context) error {
	if err := p.settleOrphans(ctx); err != nil {
		return err
	}

	tasks, err := p.tasks.ListByStatuses(ctx, domain.TaskStatusPending, domain.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("list unfinished tasks: %w", err)
	}
	for _, task := range tasks {
		if err := p.Start(ctx, task.ID); err != nil {
			if errors.Is(err, domain.ErrCapacityExceeded) {
				p.cfg.Logger.WithField("task_id", task.ID).Warn("not resumed: storage capacity exceeded")
				continue
			}
			p.cfg.Logger.WithField("task_id", task.ID).Errorf("resume task: %v", err)
		}
	}
	if len(tasks) > 0 {
		p.cfg.Logger.Infof("resumed %d unfinished tasks", len(tasks))
	}
	return nil
}

func (p *processor) settleOrphans(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	items, err := p.tasks.ListItemsByStatus(ctx, domain.ItemStatusDownloading)
	if err != nil {
		return fmt.Errorf("list downloading items: %w", err)
	}

	for _, item := range items {
		logger := p.cfg.Logger.WithFields(logrus.Fields{"task_id": item.TaskID, "item_id": item.ID})
		if item.DownloadJobID != nil && p.engine.IsActive(*item.DownloadJobID) {
			// still running in this process; its event will release the slot
			p.activeJobs++
			continue
		}
		if err := p.tasks.FailItem(ctx, item.ID, interruptedMessage); err != nil {
			logger.Warnf("fail orphaned item: %v", err)
			continue
		}
		if _, err := p.tasks.ApplyDelta(ctx, item.TaskID, domain.FailedDelta()); err != nil {
			logger.Errorf("fold orphaned item: %v", err)
			continue
		}
		logger.Info("orphaned item marked failed")
	}
	p.syncGauges()
	return nil
}

func (p *processor) releaseSlot() {
	if p.activeJobs > 0 {
		p.activeJobs--
	}
	p.syncGauges()
}

func (p *processor) syncGauges() {
	metrics.ActiveDownloads.Set(float64(p.activeJobs))
	metrics.ProcessingTasks.Set(float64(len(p.processing)))
}

var _ Processor = (*processor)(nil)

package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/metrics"
)

// cleanupStatuses are the task states eligible for automatic removal.
var cleanupStatuses = []domain.TaskStatus{
	domain.TaskStatusCompleted,
	domain.TaskStatusPartial,
	domain.TaskStatusFailed,
}

// CleanupService periodically removes finished tasks older than the
// configured retention window when auto cleanup is enabled.
type CleanupService struct {
	tasks    TaskService
	storage  StorageService
	interval time.Duration
	logger   *logrus.Entry
	now      func() time.Time

	mu     sync.Mutex // serialises RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCleanupService(tasks TaskService, storage StorageService, interval time.Duration, logger *logrus.Logger) *CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CleanupService{
		tasks:    tasks,
		storage:  storage,
		interval: interval,
		logger:   logger.WithField("component", "cleanup"),
		now:      time.Now,
	}
}

// Start launches the background loop. The first run happens immediately.
func (c *CleanupService) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(loopCtx)
	c.logger.Infof("cleanup scheduler started, interval: %s", c.interval)
}

func (c *CleanupService) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.logger.Info("cleanup scheduler stopped")
}

func (c *CleanupService) run(ctx context.Context) {
	defer close(c.done)
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cleanup pass. It does nothing while auto cleanup is
// disabled.
func (c *CleanupService) RunOnce(ctx context.Context) domain.CleanupResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.storage.Config()
	if !cfg.AutoCleanup {
		return domain.CleanupResult{}
	}

	cutoff := c.now().Add(-time.Duration(cfg.AutoCleanupDays) * 24 * time.Hour)
	result, err := RemoveTasksBefore(ctx, c.tasks, c.storage, cutoff, cleanupStatuses...)
	metrics.CleanupRunsTotal.Inc()
	if err != nil {
		c.logger.Errorf("cleanup failed: %v", err)
		return result
	}

	metrics.CleanupDeletedTasksTotal.Add(float64(result.DeletedCount))
	metrics.CleanupFreedBytesTotal.Add(float64(result.FreedBytes))
	if result.DeletedCount > 0 {
		c.logger.Infof("cleaned up %d tasks, freed %s", result.DeletedCount, domain.FormatBytes(result.FreedBytes))
	}
	return result
}

// RemoveTasksBefore deletes matching tasks and their files. Freed bytes are
// measured on disk; the recorded task size is used when a directory is
// already gone.
func RemoveTasksBefore(ctx context.Context, tasks TaskService, storage StorageService, cutoff time.Time, statuses ...domain.TaskStatus) (domain.CleanupResult, error) {
	result, err := tasks.CleanupBefore(ctx, cutoff, statuses...)
	if err != nil {
		return domain.CleanupResult{}, err
	}

	var onDisk int64
	for _, id := range result.TaskIDs {
		freed, err := storage.DeleteTaskFiles(id)
		if err != nil {
			logrus.WithField("task_id", id).Warnf("delete task files: %v", err)
			continue
		}
		onDisk += freed
	}
	if onDisk > 0 {
		result.FreedBytes = onDisk
	}
	return result, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/metrics"
	"batch-downloader/internal/repository"
)

// partialSuffix marks files the engine is still writing.
const partialSuffix = ".part"

// StorageService owns the managed download directory and the storage budget.
// It is the admission gate consulted before a task starts.
type StorageService interface {
	Init(ctx context.Context) error
	DataDir() string
	Config() domain.StorageConfig
	UpdateConfig(ctx context.Context, update domain.StorageConfigUpdate) (domain.StorageConfig, error)
	Status(ctx context.Context) (domain.StorageStatus, error)
	HasCapacity(ctx context.Context) (bool, error)
	TaskDirectory(taskID string) (string, error)
	LocateFile(taskID, recorded, name string) (string, int64)
	FileSizeOf(taskID, name string) int64
	DeleteTaskFiles(taskID string) (int64, error)
	WriteArchive(ctx context.Context, taskID string, w io.Writer) error
}

type StorageConfig struct {
	DataDir  string
	Defaults domain.StorageConfig
	Logger   *logrus.Logger
}

type storageService struct {
	cfg     StorageConfig
	configs repository.StorageConfigRepository

	mu      sync.RWMutex
	current domain.StorageConfig
}

func NewStorageService(cfg StorageConfig, configs repository.StorageConfigRepository) StorageService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join("data", "downloads")
	}
	if cfg.Defaults.MaxBytes <= 0 {
		cfg.Defaults.MaxBytes = 100 << 30
	}
	if cfg.Defaults.AutoCleanupDays <= 0 {
		cfg.Defaults.AutoCleanupDays = 7
	}
	return &storageService{
		cfg:     cfg,
		configs: configs,
		current: cfg.Defaults,
	}
}

func (s *storageService) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	cfg, err := s.configs.Load(ctx, s.cfg.Defaults)
	if err != nil {
		return fmt.Errorf("load storage config: %w", err)
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()

	s.cfg.Logger.Infof("storage initialised, dir: %s, budget: %s", s.cfg.DataDir, domain.FormatBytes(cfg.MaxBytes))
	return nil
}

func (s *storageService) DataDir() string {
	return s.cfg.DataDir
}

func (s *storageService) Config() domain.StorageConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *storageService) UpdateConfig(ctx context.Context, update domain.StorageConfigUpdate) (domain.StorageConfig, error) {
	if update.MaxBytes != nil && *update.MaxBytes <= 0 {
		return domain.StorageConfig{}, fmt.Errorf("%w: max_bytes must be positive", domain.ErrInvalidStorageConfig)
	}
	if update.AutoCleanupDays != nil && *update.AutoCleanupDays < 1 {
		return domain.StorageConfig{}, fmt.Errorf("%w: auto_cleanup_days must be at least 1", domain.ErrInvalidStorageConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved, err := s.configs.Save(ctx, s.current.Merge(update))
	if err != nil {
		return domain.StorageConfig{}, fmt.Errorf("save storage config: %w", err)
	}
	s.current = saved
	s.cfg.Logger.WithFields(logrus.Fields{
		"max_bytes":         saved.MaxBytes,
		"auto_cleanup":      saved.AutoCleanup,
		"auto_cleanup_days": saved.AutoCleanupDays,
	}).Info("storage config updated")
	return saved, nil
}

// Status walks the download directory. Unreadable entries are skipped.
func (s *storageService) Status(ctx context.Context) (domain.StorageStatus, error) {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return domain.StorageStatus{}, fmt.Errorf("create download dir: %w", err)
	}

	var (
		used  int64
		files int
	)
	err := filepath.WalkDir(s.cfg.DataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()
		files++
		return nil
	})
	if err != nil {
		return domain.StorageStatus{}, fmt.Errorf("scan download dir: %w", err)
	}

	total := s.Config().MaxBytes
	free := total - used
	if free < 0 {
		free = 0
	}
	usage := 0.0
	if total > 0 {
		usage = float64(int64(float64(used)/float64(total)*1000+0.5)) / 10
	}

	metrics.StorageUsedBytes.Set(float64(used))
	return domain.StorageStatus{
		TotalBytes:   total,
		UsedBytes:    used,
		FreeBytes:    free,
		UsagePercent: usage,
		FileCount:    files,
	}, nil
}

// HasCapacity reports whether usage is still below the configured budget.
func (s *storageService) HasCapacity(ctx context.Context) (bool, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return false, err
	}
	return status.UsedBytes < status.TotalBytes, nil
}

// TaskDirectory returns the working directory of a task, creating it on demand.
func (s *storageService) TaskDirectory(taskID string) (string, error) {
	dir, err := s.taskPath(taskID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	return dir, nil
}

// LocateFile finds the file an engine job produced for a task. The recorded
// filename wins; otherwise the first `<name>.*` match is used. It returns an
// empty name and 0 when nothing is found.
func (s *storageService) LocateFile(taskID, recorded, name string) (string, int64) {
	dir, err := s.taskPath(taskID)
	if err != nil {
		return "", 0
	}

	if recorded != "" {
		base := filepath.Base(recorded)
		if size, ok := pathSize(filepath.Join(dir, base)); ok {
			return base, size
		}
	}
	if name == "" {
		return "", 0
	}

	matches, err := filepath.Glob(filepath.Join(dir, escapeGlob(name)+".*"))
	if err != nil {
		return "", 0
	}
	for _, match := range matches {
		if strings.HasSuffix(match, partialSuffix) {
			continue
		}
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		return filepath.Base(match), info.Size()
	}
	return "", 0
}

func (s *storageService) FileSizeOf(taskID, name string) int64 {
	_, size := s.LocateFile(taskID, "", name)
	return size
}

// DeleteTaskFiles removes the task directory and returns the bytes it held.
func (s *storageService) DeleteTaskFiles(taskID string) (int64, error) {
	dir, err := s.taskPath(taskID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat task dir: %w", err)
	}
	if !info.IsDir() {
		return 0, nil
	}

	freed, _ := pathSize(dir)
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("remove task dir: %w", err)
	}
	s.cfg.Logger.WithField("task_id", taskID).Infof("deleted task files, freed %s", domain.FormatBytes(freed))
	return freed, nil
}

// WriteArchive streams the task directory to w as a ZIP archive.
func (s *storageService) WriteArchive(ctx context.Context, taskID string, w io.Writer) error {
	dir, err := s.taskPath(taskID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("open task dir: %w", err)
	}

	zw := zip.NewWriter(w)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, partialSuffix) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		f.Close()
		return err
	})
	if walkErr != nil {
		_ = zw.Close()
		return fmt.Errorf("archive task dir: %w", walkErr)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func (s *storageService) taskPath(taskID string) (string, error) {
	if taskID == "" || taskID != filepath.Base(taskID) || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return filepath.Join(s.cfg.DataDir, taskID), nil
}

// pathSize returns the size of a file, or the total size of a directory such
// as a multi-file torrent.
func pathSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	if !info.IsDir() {
		return info.Size(), true
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total, true
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

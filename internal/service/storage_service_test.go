package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"

	"batch-downloader/internal/domain"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestStatusAndCapacity(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	ok, err := env.storage.HasCapacity(ctx)
	if err != nil || !ok {
		t.Fatalf("empty storage should have capacity: %v %v", ok, err)
	}

	writeFile(t, filepath.Join(env.dataDir, "t_1", "a.mp4"), 600)
	writeFile(t, filepath.Join(env.dataDir, "t_2", "b.mp4"), 150)

	status, err := env.storage.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.UsedBytes != 750 || status.FreeBytes != 250 || status.FileCount != 2 || status.UsagePercent != 75 {
		t.Fatalf("unexpected status: %+v", status)
	}

	writeFile(t, filepath.Join(env.dataDir, "t_3", "c.mp4"), 250)
	ok, err = env.storage.HasCapacity(ctx)
	if err != nil {
		t.Fatalf("has capacity: %v", err)
	}
	if ok {
		t.Fatal("storage at its budget must refuse new work")
	}

	status, _ = env.storage.Status(ctx)
	if status.FreeBytes != 0 || status.UsagePercent != 100 {
		t.Fatalf("unexpected full status: %+v", status)
	}
}

func TestUpdateConfig(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	zero := int64(0)
	if _, err := env.storage.UpdateConfig(ctx, domain.StorageConfigUpdate{MaxBytes: &zero}); !errors.Is(err, domain.ErrInvalidStorageConfig) {
		t.Fatalf("expected ErrInvalidStorageConfig, got %v", err)
	}
	days := 0
	if _, err := env.storage.UpdateConfig(ctx, domain.StorageConfigUpdate{AutoCleanupDays: &days}); !errors.Is(err, domain.ErrInvalidStorageConfig) {
		t.Fatalf("expected ErrInvalidStorageConfig, got %v", err)
	}

	enabled := true
	cfg, err := env.storage.UpdateConfig(ctx, domain.StorageConfigUpdate{AutoCleanup: &enabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !cfg.AutoCleanup || cfg.MaxBytes != 1000 || cfg.AutoCleanupDays != 7 {
		t.Fatalf("partial update clobbered fields: %+v", cfg)
	}
	if got := env.storage.Config(); !got.AutoCleanup {
		t.Fatalf("cached config not refreshed: %+v", got)
	}
}

func TestLocateFile(t *testing.T) {
	env := newTestEnv(t, 1<<30)

	dir, err := env.storage.TaskDirectory("t_1")
	if err != nil {
		t.Fatalf("task dir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "Clip [1].mp4"), 42)
	writeFile(t, filepath.Join(dir, "Other.webm.part"), 10)
	writeFile(t, filepath.Join(dir, "Album", "01.flac"), 100)
	writeFile(t, filepath.Join(dir, "Album", "02.flac"), 200)

	name, size := env.storage.LocateFile("t_1", "", "Clip [1]")
	if name != "Clip [1].mp4" || size != 42 {
		t.Fatalf("glob lookup = %q %d", name, size)
	}

	name, size = env.storage.LocateFile("t_1", "/somewhere/else/Album", "ignored")
	if name != "Album" || size != 300 {
		t.Fatalf("recorded directory lookup = %q %d", name, size)
	}

	if name, size = env.storage.LocateFile("t_1", "", "Other"); name != "" || size != 0 {
		t.Fatalf("partial files must be ignored, got %q %d", name, size)
	}
	if name, size = env.storage.LocateFile("../etc", "", "passwd"); name != "" || size != 0 {
		t.Fatalf("path traversal should find nothing, got %q %d", name, size)
	}
	if size := env.storage.FileSizeOf("t_1", "Clip [1]"); size != 42 {
		t.Fatalf("file size = %d", size)
	}
}

func TestDeleteTaskFiles(t *testing.T) {
	env := newTestEnv(t, 1<<30)

	dir, _ := env.storage.TaskDirectory("t_1")
	writeFile(t, filepath.Join(dir, "a.mp4"), 30)
	writeFile(t, filepath.Join(dir, "b.mp4"), 70)

	freed, err := env.storage.DeleteTaskFiles("t_1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if freed != 100 {
		t.Fatalf("freed = %d, want 100", freed)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("task dir still present: %v", err)
	}

	if freed, err = env.storage.DeleteTaskFiles("t_1"); err != nil || freed != 0 {
		t.Fatalf("deleting a missing dir = %d, %v", freed, err)
	}
}

func TestWriteArchive(t *testing.T) {
	env := newTestEnv(t, 1<<30)
	ctx := context.Background()

	dir, _ := env.storage.TaskDirectory("t_1")
	writeFile(t, filepath.Join(dir, "a.mp4"), 12)
	writeFile(t, filepath.Join(dir, "season", "b.mkv"), 5)
	writeFile(t, filepath.Join(dir, "c.mp4.part"), 3)

	var buf bytes.Buffer
	if err := env.storage.WriteArchive(ctx, "t_1", &buf); err != nil {
		t.Fatalf("archive: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == "a.mp4" {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open entry: %v", err)
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			if len(data) != 12 {
				t.Fatalf("entry size = %d", len(data))
			}
		}
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.mp4" || names[1] != "season/b.mkv" {
		t.Fatalf("unexpected entries: %v", names)
	}

	if err := env.storage.WriteArchive(ctx, "t_missing", io.Discard); err == nil {
		t.Fatal("archiving a missing task dir should fail")
	}
}

// Package storage exports finished task directories to S3 compatible object
// storage.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrExportDisabled is returned by every operation when no bucket is configured.
var ErrExportDisabled = errors.New("export is not configured")

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Exporter copies task directories to remote storage. Objects of a task live
// under `<key prefix>/<task id>/`.
type Exporter interface {
	Enabled() bool
	ExportDirectory(ctx context.Context, taskID, localDir string) (string, error)
	ListObjects(ctx context.Context, taskID string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, taskID string) error
}

// Disabled is the Exporter used when export is not configured.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) ExportDirectory(context.Context, string, string) (string, error) {
	return "", ErrExportDisabled
}

func (Disabled) ListObjects(context.Context, string) ([]ObjectInfo, error) {
	return nil, ErrExportDisabled
}

func (Disabled) DeletePrefix(context.Context, string) error {
	return ErrExportDisabled
}

var _ Exporter = Disabled{}

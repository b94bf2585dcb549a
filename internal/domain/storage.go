package domain

import (
	"fmt"
	"time"
)

// StorageConfig is the singleton storage budget record.
type StorageConfig struct {
	MaxBytes        int64
	AutoCleanup     bool
	AutoCleanupDays int
	UpdatedAt       time.Time
}

// StorageConfigUpdate is a partial update; nil fields keep their value.
type StorageConfigUpdate struct {
	MaxBytes        *int64
	AutoCleanup     *bool
	AutoCleanupDays *int
}

// Merge returns c with every set field of u applied.
func (c StorageConfig) Merge(u StorageConfigUpdate) StorageConfig {
	if u.MaxBytes != nil {
		c.MaxBytes = *u.MaxBytes
	}
	if u.AutoCleanup != nil {
		c.AutoCleanup = *u.AutoCleanup
	}
	if u.AutoCleanupDays != nil {
		c.AutoCleanupDays = *u.AutoCleanupDays
	}
	return c
}

// StorageStatus is a point-in-time view of the managed download directory.
type StorageStatus struct {
	TotalBytes   int64
	UsedBytes    int64
	FreeBytes    int64
	UsagePercent float64
	FileCount    int
	TaskCount    int
}

// CleanupResult summarises a bulk task deletion.
type CleanupResult struct {
	DeletedCount int
	FreedBytes   int64
	TaskIDs      []string
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusPartial   TaskStatus = "partial"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsValid reports whether s is one of the known task statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusPartial, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether every item of the task has reached a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusPartial || s == TaskStatusFailed
}

type ItemStatus string

const (
	ItemStatusPending     ItemStatus = "pending"
	ItemStatusDownloading ItemStatus = "downloading"
	ItemStatusCompleted   ItemStatus = "completed"
	ItemStatusFailed      ItemStatus = "failed"
)

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusPending, ItemStatusDownloading, ItemStatusCompleted, ItemStatusFailed:
		return true
	}
	return false
}

func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// CanTransitionTo encodes pending → downloading → {completed | failed}.
// A pending item may also fail directly when its dispatch cannot start.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	switch s {
	case ItemStatusPending:
		return next == ItemStatusDownloading || next == ItemStatusFailed
	case ItemStatusDownloading:
		return next == ItemStatusCompleted || next == ItemStatusFailed
	}
	return false
}

// BatchTask is one batch submission tracked as a unit.
type BatchTask struct {
	ID        string
	Name      string
	Status    TaskStatus
	Total     int
	Completed int
	Failed    int
	SizeBytes int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Items     []BatchTaskItem
}

// BatchTaskItem is one URL within a batch task.
type BatchTaskItem struct {
	ID            int64
	TaskID        string
	URL           string
	Title         *string
	Status        ItemStatus
	Progress      int
	Filename      *string
	SizeBytes     *int64
	Error         *string
	DownloadJobID *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ItemResult carries the metadata written when an item completes.
type ItemResult struct {
	Filename  string
	SizeBytes int64
	Title     string
}

// Progress returns the share of items in a terminal state as a percentage
// with one decimal place. Rounding is done on integer tenths.
func (t *BatchTask) Progress() float64 {
	if t.Total <= 0 {
		return 0
	}
	done := int64(t.Completed + t.Failed)
	total := int64(t.Total)
	tenths := (done*2000 + total) / (2 * total)
	return float64(tenths) / 10
}

// NewTaskID returns an opaque, globally unique task identifier.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("t_%s", strings.ReplaceAll(id.String(), "-", ""))
}

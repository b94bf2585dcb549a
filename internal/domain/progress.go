package domain

import "fmt"

// Delta is the change folded into a task when one of its items finishes.
type Delta struct {
	Completed int
	Failed    int
	Bytes     int64
}

// CompletedDelta is the delta for one successfully downloaded item.
func CompletedDelta(size int64) Delta {
	return Delta{Completed: 1, Bytes: size}
}

// FailedDelta is the delta for one failed item.
func FailedDelta() Delta {
	return Delta{Failed: 1}
}

// DeriveStatus computes the task status from its item counters.
func DeriveStatus(total, completed, failed int) TaskStatus {
	if completed+failed < total {
		return TaskStatusRunning
	}
	switch {
	case failed == 0:
		return TaskStatusCompleted
	case completed == 0:
		return TaskStatusFailed
	default:
		return TaskStatusPartial
	}
}

// Fold merges d into the task counters and recomputes the status. The task is
// left untouched when the result would break completed+failed <= total.
func (t *BatchTask) Fold(d Delta) error {
	if d.Completed < 0 || d.Failed < 0 || d.Bytes < 0 {
		return fmt.Errorf("%w: negative delta %+v", ErrFoldOverflow, d)
	}
	completed := t.Completed + d.Completed
	failed := t.Failed + d.Failed
	if completed+failed > t.Total {
		return fmt.Errorf("%w: %d+%d exceeds total %d", ErrFoldOverflow, completed, failed, t.Total)
	}

	t.Completed = completed
	t.Failed = failed
	t.SizeBytes += d.Bytes
	t.Status = DeriveStatus(t.Total, completed, failed)
	return nil
}

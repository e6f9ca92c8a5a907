package models

import "time"

// Task kinds.
const (
	TaskMediaFetch = "media_fetch"
)

// Task statuses.
const (
	TaskStatusPending = "pending"
	TaskStatusRunning = "running"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

// Task is a durable background work item. Retry count and backoff are
// persisted so retries survive a process restart. (Kind, TargetID) is
// unique: enqueueing the same work twice is a no-op.
type Task struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Kind     string `gorm:"size:32;not null;uniqueIndex:idx_kind_target,priority:1"`
	TargetID uint   `gorm:"not null;uniqueIndex:idx_kind_target,priority:2"`
	Status   string `gorm:"size:10;default:pending;index:idx_status_next,priority:1"`

	Attempts    int       `gorm:"default:0"`
	MaxAttempts int       `gorm:"default:3"`
	NextRunAt   time.Time `gorm:"index:idx_status_next,priority:2"`
	LastError   string    `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Package work is the durable background task queue: a bounded worker
// pool consuming persisted Task rows keyed by (kind, target id), with
// retry counts and backoff stored per task so retries survive restarts.
package work

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/averden/switchboard/internal/models"
)

// ErrNoTask is returned by Claim when nothing is due.
var ErrNoTask = errors.New("work: no task due")

// Enqueue inserts a pending task. Enqueueing work that already exists for
// the same (kind, target) is a no-op.
func Enqueue(db *gorm.DB, kind string, targetID uint) error {
	if db == nil {
		return fmt.Errorf("work: db is required")
	}
	if kind == "" {
		return fmt.Errorf("work: kind is required")
	}
	task := models.Task{
		Kind:      kind,
		TargetID:  targetID,
		Status:    models.TaskStatusPending,
		NextRunAt: time.Now(),
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "target_id"}},
		DoNothing: true,
	}).Create(&task).Error
	if err != nil {
		return fmt.Errorf("work: enqueue %s/%d: %w", kind, targetID, err)
	}
	return nil
}

// Claim atomically takes the oldest due pending task and marks it
// running. Returns ErrNoTask when the queue is empty.
func Claim(db *gorm.DB) (*models.Task, error) {
	if db == nil {
		return nil, fmt.Errorf("work: db is required")
	}
	var task models.Task
	err := db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("status = ? AND next_run_at <= ?", models.TaskStatusPending, time.Now()).
			Order("next_run_at ASC").First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoTask
		}
		if err != nil {
			return fmt.Errorf("work: claim lookup: %w", err)
		}

		res := tx.Model(&models.Task{}).
			Where("id = ? AND status = ?", task.ID, models.TaskStatusPending).
			Update("status", models.TaskStatusRunning)
		if res.Error != nil {
			return fmt.Errorf("work: claim %d: %w", task.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNoTask // raced with another worker
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusRunning
	return &task, nil
}

// Complete marks a task done.
func Complete(db *gorm.DB, taskID uint) error {
	return setStatus(db, taskID, map[string]interface{}{"status": models.TaskStatusDone})
}

// Retry reschedules a failed attempt with exponential backoff, or marks
// the task failed once MaxAttempts is exhausted. Returns true while the
// task will run again.
func Retry(db *gorm.DB, task *models.Task, cause string) (bool, error) {
	if db == nil {
		return false, fmt.Errorf("work: db is required")
	}
	attempts := task.Attempts + 1
	if attempts >= task.MaxAttempts {
		err := setStatus(db, task.ID, map[string]interface{}{
			"status":     models.TaskStatusFailed,
			"attempts":   attempts,
			"last_error": cause,
		})
		return false, err
	}

	backoff := time.Duration(1<<uint(attempts)) * time.Second
	err := setStatus(db, task.ID, map[string]interface{}{
		"status":      models.TaskStatusPending,
		"attempts":    attempts,
		"last_error":  cause,
		"next_run_at": time.Now().Add(backoff),
	})
	return err == nil, err
}

// ReapStale requeues tasks stuck in running longer than staleAfter
// (typically left behind by a crashed process). Returns how many were
// requeued.
func ReapStale(db *gorm.DB, staleAfter time.Duration) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("work: db is required")
	}
	cutoff := time.Now().Add(-staleAfter)
	res := db.Model(&models.Task{}).
		Where("status = ? AND updated_at < ?", models.TaskStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":      models.TaskStatusPending,
			"next_run_at": time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("work: reap stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func setStatus(db *gorm.DB, taskID uint, fields map[string]interface{}) error {
	if db == nil {
		return fmt.Errorf("work: db is required")
	}
	res := db.Model(&models.Task{}).Where("id = ?", taskID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("work: update task %d: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("work: task %d not found", taskID)
	}
	return nil
}

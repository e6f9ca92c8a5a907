// Package ledger tracks which operator owns which conversation. A
// conversation has zero or one open assignment at any instant, and an
// operator's open count always equals the number of open assignments
// referencing them; both invariants are enforced inside one transaction.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/averden/switchboard/internal/models"
	"gorm.io/gorm"
)

// Typed rejections. The losing actor in an assignment race receives one of
// these, never a crash or a partial write.
var (
	ErrAlreadyAssigned  = errors.New("ledger: conversation already assigned to another operator")
	ErrCapacityExceeded = errors.New("ledger: operator is at maximum open assignments")
	ErrNotAssigned      = errors.New("ledger: conversation not assigned to this operator")
	ErrOperatorInactive = errors.New("ledger: operator is not active")
)

// Assign opens an assignment binding the conversation to the operator.
// Re-assigning to the same operator is a no-op success. The operator's
// open count is updated in the same transaction so concurrent capacity
// checks never observe it stale.
func Assign(db *gorm.DB, conversationID, operatorID uint) error {
	if db == nil {
		return fmt.Errorf("ledger: db is required")
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var open models.Assignment
		err := tx.Where("conversation_id = ? AND closed_at IS NULL", conversationID).First(&open).Error
		switch {
		case err == nil:
			if open.OperatorID == operatorID {
				return nil // idempotent re-claim
			}
			return ErrAlreadyAssigned
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("ledger: lookup open assignment: %w", err)
		}

		var op models.Operator
		if err := tx.First(&op, operatorID).Error; err != nil {
			return fmt.Errorf("ledger: operator %d: %w", operatorID, err)
		}
		if !op.Active {
			return ErrOperatorInactive
		}

		// Guarded increment: succeeds only while below capacity, so two
		// concurrent assigns cannot both slip past the limit.
		res := tx.Model(&models.Operator{}).
			Where("id = ? AND open_count < max_open", operatorID).
			Update("open_count", gorm.Expr("open_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("ledger: bump open count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCapacityExceeded
		}

		a := models.Assignment{
			ConversationID: conversationID,
			OperatorID:     operatorID,
			OpenedAt:       time.Now(),
		}
		if err := tx.Create(&a).Error; err != nil {
			return fmt.Errorf("ledger: open assignment: %w", err)
		}
		return nil
	})
}

// Unassign closes the conversation's open assignment, retaining it as
// history. Closing an unassigned conversation is a no-op success.
func Unassign(db *gorm.DB, conversationID uint) error {
	if db == nil {
		return fmt.Errorf("ledger: db is required")
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var open models.Assignment
		err := tx.Where("conversation_id = ? AND closed_at IS NULL", conversationID).First(&open).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ledger: lookup open assignment: %w", err)
		}

		now := time.Now()
		if err := tx.Model(&models.Assignment{}).Where("id = ?", open.ID).
			Update("closed_at", &now).Error; err != nil {
			return fmt.Errorf("ledger: close assignment %d: %w", open.ID, err)
		}
		if err := tx.Model(&models.Operator{}).
			Where("id = ? AND open_count > 0", open.OperatorID).
			Update("open_count", gorm.Expr("open_count - 1")).Error; err != nil {
			return fmt.Errorf("ledger: drop open count: %w", err)
		}
		return nil
	})
}

// Reassign atomically moves a conversation from its current owner (if any)
// to another operator.
func Reassign(db *gorm.DB, conversationID, operatorID uint) error {
	if err := Unassign(db, conversationID); err != nil {
		return err
	}
	return Assign(db, conversationID, operatorID)
}

// OwnerOf returns the operator owning the conversation, or ok=false when
// unassigned.
func OwnerOf(db *gorm.DB, conversationID uint) (operatorID uint, ok bool, err error) {
	if db == nil {
		return 0, false, fmt.Errorf("ledger: db is required")
	}
	var open models.Assignment
	e := db.Where("conversation_id = ? AND closed_at IS NULL", conversationID).First(&open).Error
	if errors.Is(e, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if e != nil {
		return 0, false, fmt.Errorf("ledger: owner of conversation %d: %w", conversationID, e)
	}
	return open.OperatorID, true, nil
}

// RequireOwner verifies that operatorID currently owns the conversation.
func RequireOwner(db *gorm.DB, conversationID, operatorID uint) error {
	owner, ok, err := OwnerOf(db, conversationID)
	if err != nil {
		return err
	}
	if !ok || owner != operatorID {
		return ErrNotAssigned
	}
	return nil
}

// AssignedConversationIDs returns the ids of every conversation the
// operator currently owns.
func AssignedConversationIDs(db *gorm.DB, operatorID uint) ([]uint, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	var ids []uint
	err := db.Model(&models.Assignment{}).
		Where("operator_id = ? AND closed_at IS NULL", operatorID).
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: assigned conversations for operator %d: %w", operatorID, err)
	}
	return ids, nil
}

// History returns every assignment ever opened for the conversation,
// oldest first, so reassignment stays auditable.
func History(db *gorm.DB, conversationID uint) ([]models.Assignment, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	var rows []models.Assignment
	if err := db.Where("conversation_id = ?", conversationID).
		Order("opened_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: history for conversation %d: %w", conversationID, err)
	}
	return rows, nil
}

// AutoAssign claims a fresh conversation for the least-loaded active
// operator with spare capacity, per the round_robin policy. Returns the
// chosen operator id, or ok=false when nobody has room.
func AutoAssign(db *gorm.DB, conversationID uint) (operatorID uint, ok bool, err error) {
	if db == nil {
		return 0, false, fmt.Errorf("ledger: db is required")
	}
	var candidates []models.Operator
	if err := db.Where("active = ? AND open_count < max_open", true).
		Order("open_count ASC, id ASC").Find(&candidates).Error; err != nil {
		return 0, false, fmt.Errorf("ledger: auto-assign candidates: %w", err)
	}
	for _, op := range candidates {
		switch e := Assign(db, conversationID, op.ID); {
		case e == nil:
			return op.ID, true, nil
		case errors.Is(e, ErrCapacityExceeded) || errors.Is(e, ErrOperatorInactive):
			continue // raced with another claim; try the next candidate
		case errors.Is(e, ErrAlreadyAssigned):
			// Someone claimed it first; report the settled owner.
			owner, found, oe := OwnerOf(db, conversationID)
			return owner, found, oe
		default:
			return 0, false, e
		}
	}
	return 0, false, nil
}

// VerifyCounts recomputes every operator's open-assignment count and
// compares it to the maintained counter, returning a descriptive error on
// the first divergence. Intended for tests and integrity sweeps.
func VerifyCounts(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("ledger: db is required")
	}
	var ops []models.Operator
	if err := db.Find(&ops).Error; err != nil {
		return fmt.Errorf("ledger: verify counts: %w", err)
	}
	for _, op := range ops {
		var n int64
		if err := db.Model(&models.Assignment{}).
			Where("operator_id = ? AND closed_at IS NULL", op.ID).
			Count(&n).Error; err != nil {
			return fmt.Errorf("ledger: count open assignments: %w", err)
		}
		if int(n) != op.OpenCount {
			return fmt.Errorf("ledger: operator %d open_count=%d but %d open assignments", op.ID, op.OpenCount, n)
		}
	}
	return nil
}

package ingest

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/transport"
)

// RecordOutbound creates the canonical record for an operator-authored
// reply, status pending. The send itself is the router's business.
func RecordOutbound(db *gorm.DB, conversationID uint, content transport.Content) (*models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("ingest: db is required")
	}
	msg := &models.Message{
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		Kind:           messageKind(content.Kind),
		Status:         models.MessageStatusPending,
		Text:           content.Text,
		RemoteDate:     time.Now().UTC(),
	}
	if content.ReplyToRemoteID != "" {
		rid := content.ReplyToRemoteID
		msg.ReplyToRemoteID = &rid
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("ingest: create outbound message: %w", err)
		}
		now := time.Now()
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).
			Updates(map[string]interface{}{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": &now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ConfirmSent moves a pending outbound message to sent and records the
// transport's remote reference. Status transitions are monotonic: a
// message that already left pending is never rewritten.
func ConfirmSent(db *gorm.DB, messageID uint, ref transport.RemoteRef) error {
	if db == nil {
		return fmt.Errorf("ingest: db is required")
	}
	updates := map[string]interface{}{
		"status":     models.MessageStatusSent,
		"last_error": "",
	}
	if ref.MessageID != "" {
		updates["remote_id"] = ref.MessageID
	}
	if !ref.Timestamp.IsZero() {
		updates["remote_date"] = ref.Timestamp
	}
	result := db.Model(&models.Message{}).
		Where("id = ? AND status = ?", messageID, models.MessageStatusPending).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("ingest: confirm sent %d: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("ingest: message %d is not pending", messageID)
	}
	return nil
}

// MarkFailed moves a pending outbound message to failed with the cause.
func MarkFailed(db *gorm.DB, messageID uint, cause string) error {
	if db == nil {
		return fmt.Errorf("ingest: db is required")
	}
	result := db.Model(&models.Message{}).
		Where("id = ? AND status = ?", messageID, models.MessageStatusPending).
		Updates(map[string]interface{}{
			"status":     models.MessageStatusFailed,
			"last_error": cause,
		})
	if result.Error != nil {
		return fmt.Errorf("ingest: mark failed %d: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("ingest: message %d is not pending", messageID)
	}
	return nil
}

// MarkRead zeroes a conversation's unread counter. Returns the previous
// counter so callers can skip fan-out when nothing changed.
func MarkRead(db *gorm.DB, conversationID uint) (hadUnread bool, err error) {
	if db == nil {
		return false, fmt.Errorf("ingest: db is required")
	}
	var conv models.Conversation
	if e := db.First(&conv, conversationID).Error; e != nil {
		if errors.Is(e, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("ingest: conversation %d not found", conversationID)
		}
		return false, fmt.Errorf("ingest: mark read %d: %w", conversationID, e)
	}
	if conv.UnreadCount == 0 {
		return false, nil
	}
	if e := db.Model(&models.Conversation{}).Where("id = ?", conversationID).
		Update("unread_count", 0).Error; e != nil {
		return false, fmt.Errorf("ingest: mark read %d: %w", conversationID, e)
	}
	return true, nil
}

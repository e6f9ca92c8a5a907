package models

import "time"

// Conversation kinds.
const (
	ConversationDirect    = "direct"
	ConversationGroup     = "group"
	ConversationBroadcast = "broadcast_group"
	ConversationChannel   = "channel"
)

// Conversation is a single remote chat thread tied to one Account.
// (AccountID, RemoteID) is unique: the same remote conversation under the
// same account never yields two rows.
type Conversation struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	AccountID uint   `gorm:"not null;uniqueIndex:idx_account_remote,priority:1"`
	RemoteID  string `gorm:"size:64;not null;uniqueIndex:idx_account_remote,priority:2"`
	Kind      string `gorm:"size:20;default:direct"`

	// Remote metadata snapshot, refreshed on every inbound event.
	Title     string `gorm:"size:255"`
	Username  string `gorm:"size:255;index"`
	FirstName string `gorm:"size:255"`
	LastName  string `gorm:"size:255"`

	MessageCount  int        `gorm:"default:0"`
	UnreadCount   int        `gorm:"default:0"`
	LastMessageAt *time.Time `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Account Account `gorm:"foreignKey:AccountID"`
}

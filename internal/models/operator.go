package models

import "time"

// Operator is a human inbox user. OpenCount is a maintained invariant, not
// a cache: it must always equal the number of open Assignments referencing
// the operator, and is only mutated inside the same transaction that opens
// or closes an Assignment.
type Operator struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:64;not null;uniqueIndex"`
	Active    bool   `gorm:"default:true;index"`
	MaxOpen   int    `gorm:"default:50"`
	OpenCount int    `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Assignment binds a Conversation to one Operator. At most one open
// Assignment (ClosedAt == nil) exists per Conversation at any instant;
// closed rows are retained as reassignment history.
type Assignment struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	ConversationID uint `gorm:"not null;index:idx_conv_open,priority:1"`
	OperatorID     uint `gorm:"not null;index"`
	OpenedAt       time.Time
	ClosedAt       *time.Time `gorm:"index:idx_conv_open,priority:2"`

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
	Operator     Operator     `gorm:"foreignKey:OperatorID"`
}

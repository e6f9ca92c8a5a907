package models

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message kinds.
const (
	MessageText     = "text"
	MessageImage    = "image"
	MessageVideo    = "video"
	MessageVoice    = "voice"
	MessageFile     = "file"
	MessageSticker  = "sticker"
	MessageLocation = "location"
	MessageContact  = "contact"
	MessageOther    = "other"
)

// Message delivery statuses. Transitions are monotonic: pending->sent or
// pending->failed for outbound, received is terminal for inbound.
const (
	MessageStatusReceived = "received"
	MessageStatusPending  = "pending"
	MessageStatusSent     = "sent"
	MessageStatusFailed   = "failed"
)

// Media fetch states for messages that carry a media reference.
const (
	MediaNone        = ""
	MediaPending     = "pending"
	MediaFetched     = "fetched"
	MediaPlaceholder = "placeholder"
)

// Message is one inbound or outbound message in a Conversation. RemoteID
// is the provider-side message id; when present it is unique within the
// Conversation and drives deduplication. For outbound messages it stays
// empty until the transport confirms the send.
type Message struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	ConversationID uint    `gorm:"not null;uniqueIndex:idx_conv_remote,priority:1;index:idx_conv_date,priority:1"`
	RemoteID       *string `gorm:"size:64;uniqueIndex:idx_conv_remote,priority:2"`
	Direction      string  `gorm:"size:10;not null;index"`
	Kind           string  `gorm:"size:20;default:text"`
	Status         string  `gorm:"size:10;not null;index"`
	Text           string  `gorm:"type:text"`

	SenderRemoteID string `gorm:"size:64;index"`
	SenderName     string `gorm:"size:255"`

	// Reply linkage. ReplyToRemoteID is always stored when the event
	// carries one; ReplyToID is resolved best-effort within the same
	// Conversation and may stay nil.
	ReplyToID       *uint
	ReplyToRemoteID *string `gorm:"size:64"`

	// Media reference contract: MediaRemoteID names the provider-side
	// blob, MediaPath the fetched local file, MediaState tracks the
	// asynchronous fetch.
	MediaRemoteID string `gorm:"size:255"`
	MediaPath     string `gorm:"size:500"`
	MediaState    string `gorm:"size:12;default:''"`

	LastError string `gorm:"type:text"`

	RemoteDate time.Time `gorm:"index:idx_conv_date,priority:2"` // origin timestamp
	CreatedAt  time.Time // local ingestion timestamp
	UpdatedAt  time.Time

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
	ReplyTo      *Message     `gorm:"foreignKey:ReplyToID"`
}

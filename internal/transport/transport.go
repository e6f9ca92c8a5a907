// Package transport defines the capability interface implemented by
// per-account connection adapters (session gateway, callback bot API).
package transport

import (
	"context"
	"time"
)

// Adapter is the interface that transport-specific implementations must
// satisfy. One Adapter instance serves exactly one account.
type Adapter interface {
	// Connect establishes (or validates) the account's connection.
	Connect(ctx context.Context) error

	// Events returns a channel of normalized raw inbound events. The
	// channel is closed on disconnect or fatal error. Events must only
	// be called after Connect. For callback transports the channel is
	// fed by the HTTP webhook entry point instead of a held socket.
	Events() <-chan RawEvent

	// Send delivers one outbound message to a remote conversation and
	// returns the provider-side message reference.
	Send(ctx context.Context, remoteConversationID string, content Content) (RemoteRef, error)

	// Close shuts the adapter down. The Events channel closes soon after.
	Close() error
}

// RawEvent is one normalized inbound event from a provider, before
// canonical ingestion.
type RawEvent struct {
	RemoteMessageID      string // provider message id, unique per conversation
	RemoteConversationID string // provider conversation id
	ConversationKind     string // direct, group, broadcast_group, channel
	ConversationTitle    string

	SenderID   string
	SenderName string
	Username   string

	Kind    string // text, image, video, voice, file, ...
	Text    string
	MediaID string // provider-side media reference, empty if none

	ReplyToRemoteID string // provider id of the replied-to message, if any

	Timestamp time.Time // origin timestamp at the provider

	// RateLimit is set on synthetic backpressure events emitted by
	// session transports ("wait N seconds"). Such events carry no
	// message payload.
	RateLimit time.Duration
}

// IsRateLimit reports whether the event is a backpressure signal rather
// than a message.
func (e RawEvent) IsRateLimit() bool { return e.RateLimit > 0 }

// Content is an operator-authored outbound payload.
type Content struct {
	Text            string
	Kind            string // defaults to text
	MediaPath       string // local file to attach, optional
	ReplyToRemoteID string // provider id to reply to, optional
}

// RemoteRef identifies a sent message on the provider side.
type RemoteRef struct {
	MessageID string
	Timestamp time.Time
}

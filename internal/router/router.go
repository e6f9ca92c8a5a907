// Package router drives the operator reply path: ownership check,
// canonical pending record, delivery through the account's connection,
// and the status bookkeeping that follows.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/ingest"
	"github.com/averden/switchboard/internal/ledger"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/transport"
)

// ErrNotConnected is returned before any record is written when the
// conversation's account has no live connection.
var ErrNotConnected = errors.New("router: account not connected")

// Sender is the live-connection surface the router delivers through.
// Implemented by the connection supervisor.
type Sender interface {
	Running(accountID uint) bool
	Send(ctx context.Context, accountID uint, remoteConversationID string, content transport.Content) (transport.RemoteRef, error)
}

// Router sends operator replies.
type Router struct {
	db     *gorm.DB
	sender Sender
	deltas *fanout.Registry
	log    zerolog.Logger
}

// New creates a Router.
func New(db *gorm.DB, sender Sender, deltas *fanout.Registry, log zerolog.Logger) (*Router, error) {
	if db == nil {
		return nil, fmt.Errorf("router: db is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("router: sender is required")
	}
	return &Router{db: db, sender: sender, deltas: deltas, log: log}, nil
}

// SendReply delivers operator content into a conversation the operator
// owns. The returned message reflects the final status: sent on success,
// failed on remote rejection. A rate-limited delivery is retried once
// after the provider's window; if the window holds, the message stays
// pending and the rate-limit error is returned so the caller can retry
// later. No record is written when the ownership check or the
// connection precheck fails.
func (r *Router) SendReply(ctx context.Context, conversationID, operatorID uint, content transport.Content) (*models.Message, error) {
	if err := ledger.RequireOwner(r.db, conversationID, operatorID); err != nil {
		return nil, err
	}

	var conv models.Conversation
	if err := r.db.First(&conv, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("router: conversation %d not found", conversationID)
		}
		return nil, fmt.Errorf("router: load conversation %d: %w", conversationID, err)
	}
	if !r.sender.Running(conv.AccountID) {
		return nil, ErrNotConnected
	}

	msg, err := ingest.RecordOutbound(r.db, conversationID, content)
	if err != nil {
		return nil, err
	}

	ref, err := r.deliver(ctx, conv.AccountID, conv.RemoteID, content)
	if err != nil {
		if rl, ok := transport.AsRateLimited(err); ok {
			// Stays pending; the provider window is not a failure.
			r.log.Warn().Uint("message", msg.ID).Dur("retryAfter", rl.RetryAfter).
				Msg("reply rate limited, left pending")
			return msg, err
		}
		if ferr := ingest.MarkFailed(r.db, msg.ID, err.Error()); ferr != nil {
			r.log.Error().Err(ferr).Uint("message", msg.ID).Msg("failure bookkeeping failed")
		}
		msg.Status = models.MessageStatusFailed
		msg.LastError = err.Error()
		r.publishStatus(operatorID, conversationID, msg.ID, models.MessageStatusFailed)
		return msg, err
	}

	if err := ingest.ConfirmSent(r.db, msg.ID, ref); err != nil {
		return msg, err
	}
	msg.Status = models.MessageStatusSent
	if ref.MessageID != "" {
		rid := ref.MessageID
		msg.RemoteID = &rid
	}
	r.publishStatus(operatorID, conversationID, msg.ID, models.MessageStatusSent)
	return msg, nil
}

// deliver performs the transport send with a single rate-limit retry.
func (r *Router) deliver(ctx context.Context, accountID uint, remoteConversationID string, content transport.Content) (transport.RemoteRef, error) {
	ref, err := r.sender.Send(ctx, accountID, remoteConversationID, content)
	if err == nil {
		return ref, nil
	}
	rl, ok := transport.AsRateLimited(err)
	if !ok {
		return transport.RemoteRef{}, err
	}

	timer := time.NewTimer(rl.RetryAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return transport.RemoteRef{}, &transport.RateLimitedError{RetryAfter: rl.RetryAfter}
	case <-timer.C:
	}
	return r.sender.Send(ctx, accountID, remoteConversationID, content)
}

func (r *Router) publishStatus(operatorID, conversationID, messageID uint, status string) {
	if r.deltas == nil {
		return
	}
	r.deltas.Publish(operatorID, fanout.Delta{
		Kind:           fanout.DeltaMessageStatus,
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         status,
	})
}

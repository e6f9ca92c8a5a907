// Package ingest converts raw inbound transport events into canonical
// Conversation/Message records: resolve-or-create the conversation,
// deduplicate by remote message id, link replies best-effort, and hand
// media off to the asynchronous fetch queue.
package ingest

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/ledger"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/transport"
	"github.com/averden/switchboard/internal/work"
)

// ErrDuplicate marks an event already ingested for its conversation.
// Duplicates are discarded silently; this is not a failure.
var ErrDuplicate = errors.New("ingest: duplicate event")

// shardCount fixes the number of ordered ingestion lanes. Events for the
// same conversation always land on the same lane, so per-conversation
// arrival order is preserved while distinct conversations proceed in
// parallel.
const shardCount = 16

// recentTTL bounds the in-memory dedup front. The database unique index
// is the authority; the cache only short-circuits provider retries.
const recentTTL = 10 * time.Minute

// Mirror republishes normalized inbound messages to an external consumer.
type Mirror interface {
	PublishInbound(accountID uint, msg *models.Message) error
}

// Opts holds parameters for creating a Normalizer.
type Opts struct {
	DB       *gorm.DB
	Registry *fanout.Registry
	Logger   zerolog.Logger
	Policy   string // assignment policy: "manual" or "round_robin"
	Mirror   Mirror // optional
}

// Normalizer is the canonical-record keeper for the message store.
type Normalizer struct {
	db     *gorm.DB
	reg    *fanout.Registry
	log    zerolog.Logger
	policy string
	mirror Mirror
	recent *cache.Cache

	shards   []chan job
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type job struct {
	accountID uint
	ev        transport.RawEvent
}

// New creates a Normalizer. Start must be called before Submit.
func New(opts Opts) (*Normalizer, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ingest: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("ingest: fanout registry is required")
	}
	n := &Normalizer{
		db:     opts.DB,
		reg:    opts.Registry,
		log:    opts.Logger,
		policy: opts.Policy,
		mirror: opts.Mirror,
		recent: cache.New(recentTTL, recentTTL),
		shards: make([]chan job, shardCount),
	}
	for i := range n.shards {
		n.shards[i] = make(chan job, 64)
	}
	return n, nil
}

// Start launches the shard workers.
func (n *Normalizer) Start() {
	for i := range n.shards {
		n.wg.Add(1)
		go func(ch <-chan job) {
			defer n.wg.Done()
			for j := range ch {
				if _, err := n.IngestEvent(j.accountID, j.ev); err != nil && !errors.Is(err, ErrDuplicate) {
					n.log.Error().Err(err).
						Uint("account", j.accountID).
						Str("remoteMessageID", j.ev.RemoteMessageID).
						Msg("ingestion failed")
				}
			}
		}(n.shards[i])
	}
}

// Stop drains and shuts down the shard workers.
func (n *Normalizer) Stop() {
	n.stopOnce.Do(func() {
		for _, ch := range n.shards {
			close(ch)
		}
	})
	n.wg.Wait()
}

// Submit enqueues an event on its conversation's ordered lane. Blocks
// only when that lane is full, never stalling other conversations' lanes.
func (n *Normalizer) Submit(accountID uint, ev transport.RawEvent) {
	n.shards[n.shardFor(accountID, ev.RemoteConversationID)] <- job{accountID: accountID, ev: ev}
}

func (n *Normalizer) shardFor(accountID uint, remoteConversationID string) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d\x00%s", accountID, remoteConversationID)
	return int(h.Sum32() % shardCount)
}

// IngestEvent performs one synchronous ingestion. Callers needing the
// per-conversation ordering guarantee go through Submit instead.
func (n *Normalizer) IngestEvent(accountID uint, ev transport.RawEvent) (*models.Message, error) {
	if ev.IsRateLimit() {
		return nil, fmt.Errorf("ingest: rate-limit signals are not ingestible events")
	}
	if ev.RemoteConversationID == "" {
		return nil, fmt.Errorf("ingest: event without remote conversation id")
	}

	dedupKey := fmt.Sprintf("%d\x00%s\x00%s", accountID, ev.RemoteConversationID, ev.RemoteMessageID)
	if ev.RemoteMessageID != "" {
		if _, seen := n.recent.Get(dedupKey); seen {
			return nil, ErrDuplicate
		}
	}

	var (
		msg       *models.Message
		conv      *models.Conversation
		freshConv bool
	)
	err := n.db.Transaction(func(tx *gorm.DB) error {
		var err error
		conv, freshConv, err = resolveConversation(tx, accountID, ev)
		if err != nil {
			return err
		}

		// Idempotent ingestion: the same (conversation, remote message
		// id) pair never yields two records.
		if ev.RemoteMessageID != "" {
			var existing models.Message
			err := tx.Where("conversation_id = ? AND remote_id = ?", conv.ID, ev.RemoteMessageID).
				First(&existing).Error
			if err == nil {
				return ErrDuplicate
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("ingest: dedup lookup: %w", err)
			}
		}

		msg, err = buildInbound(tx, conv, ev)
		if err != nil {
			return err
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("ingest: create message: %w", err)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"message_count":   gorm.Expr("message_count + 1"),
			"unread_count":    gorm.Expr("unread_count + 1"),
			"last_message_at": &now,
		}
		applyMetadata(updates, ev)
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("ingest: bump conversation: %w", err)
		}

		if msg.MediaState == models.MediaPending {
			if err := work.Enqueue(tx, models.TaskMediaFetch, msg.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			n.recent.SetDefault(dedupKey, struct{}{})
		}
		return nil, err
	}
	if ev.RemoteMessageID != "" {
		n.recent.SetDefault(dedupKey, struct{}{})
	}

	n.afterIngest(accountID, conv, msg, freshConv)
	return msg, nil
}

// afterIngest handles the post-commit side effects: auto-assignment,
// fan-out, and the optional external mirror.
func (n *Normalizer) afterIngest(accountID uint, conv *models.Conversation, msg *models.Message, freshConv bool) {
	if freshConv && n.policy == "round_robin" {
		if op, ok, err := ledger.AutoAssign(n.db, conv.ID); err != nil {
			n.log.Error().Err(err).Uint("conversation", conv.ID).Msg("auto-assign failed")
		} else if ok {
			n.reg.Publish(op, fanout.Delta{
				Kind:           fanout.DeltaAssignmentChange,
				ConversationID: conv.ID,
				OperatorID:     op,
			})
		}
	}

	owner, ok, err := ledger.OwnerOf(n.db, conv.ID)
	if err != nil {
		n.log.Error().Err(err).Uint("conversation", conv.ID).Msg("owner lookup failed")
	} else if ok {
		n.reg.Publish(owner, fanout.Delta{
			Kind:           fanout.DeltaNewMessage,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			AccountID:      accountID,
			Status:         msg.Status,
		})
	}

	if n.mirror != nil {
		if err := n.mirror.PublishInbound(accountID, msg); err != nil {
			n.log.Warn().Err(err).Uint("message", msg.ID).Msg("event mirror publish failed")
		}
	}
}

// resolveConversation finds or creates the conversation for the event.
func resolveConversation(tx *gorm.DB, accountID uint, ev transport.RawEvent) (*models.Conversation, bool, error) {
	var conv models.Conversation
	err := tx.Where("account_id = ? AND remote_id = ?", accountID, ev.RemoteConversationID).
		First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("ingest: conversation lookup: %w", err)
	}

	conv = models.Conversation{
		AccountID: accountID,
		RemoteID:  ev.RemoteConversationID,
		Kind:      conversationKind(ev.ConversationKind),
		Title:     ev.ConversationTitle,
		Username:  ev.Username,
	}
	if err := tx.Create(&conv).Error; err != nil {
		// Lost a race with a concurrent first-event; re-read the winner.
		var again models.Conversation
		if err2 := tx.Where("account_id = ? AND remote_id = ?", accountID, ev.RemoteConversationID).
			First(&again).Error; err2 == nil {
			return &again, false, nil
		}
		return nil, false, fmt.Errorf("ingest: create conversation: %w", err)
	}
	return &conv, true, nil
}

// buildInbound constructs the message record, resolving the reply target
// best-effort within the same conversation.
func buildInbound(tx *gorm.DB, conv *models.Conversation, ev transport.RawEvent) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Kind:           messageKind(ev.Kind),
		Status:         models.MessageStatusReceived,
		Text:           ev.Text,
		SenderRemoteID: ev.SenderID,
		SenderName:     ev.SenderName,
		RemoteDate:     ev.Timestamp,
	}
	if ev.RemoteMessageID != "" {
		rid := ev.RemoteMessageID
		msg.RemoteID = &rid
	}
	if ev.MediaID != "" {
		msg.MediaRemoteID = ev.MediaID
		msg.MediaState = models.MediaPending
	}
	if ev.ReplyToRemoteID != "" {
		rid := ev.ReplyToRemoteID
		msg.ReplyToRemoteID = &rid
		var target models.Message
		err := tx.Where("conversation_id = ? AND remote_id = ?", conv.ID, rid).First(&target).Error
		switch {
		case err == nil:
			msg.ReplyToID = &target.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Unresolved reply references are stored, not errors.
		default:
			return nil, fmt.Errorf("ingest: reply lookup: %w", err)
		}
	}
	return msg, nil
}

// applyMetadata refreshes the conversation's remote metadata snapshot.
func applyMetadata(updates map[string]interface{}, ev transport.RawEvent) {
	if ev.ConversationTitle != "" {
		updates["title"] = ev.ConversationTitle
	}
	if ev.Username != "" {
		updates["username"] = ev.Username
	}
}

func conversationKind(kind string) string {
	switch kind {
	case models.ConversationDirect, models.ConversationGroup,
		models.ConversationBroadcast, models.ConversationChannel:
		return kind
	default:
		return models.ConversationDirect
	}
}

func messageKind(kind string) string {
	switch strings.ToLower(kind) {
	case models.MessageText, models.MessageImage, models.MessageVideo,
		models.MessageVoice, models.MessageFile, models.MessageSticker,
		models.MessageLocation, models.MessageContact:
		return strings.ToLower(kind)
	case "":
		return models.MessageText
	default:
		return models.MessageOther
	}
}

package work

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/ledger"
	"github.com/averden/switchboard/internal/models"
)

// ErrNoFetcher is returned by a MediaSource when the account's transport
// cannot serve attachment downloads. The message keeps a placeholder
// reference instead of a blob; this is terminal, not retried.
var ErrNoFetcher = errors.New("work: transport cannot fetch media")

// MediaSource downloads an attachment blob from an account's remote
// service. Implemented by the connection supervisor, which routes to the
// live adapter for the account.
type MediaSource interface {
	FetchMedia(ctx context.Context, accountID uint, mediaID string) ([]byte, error)
}

// MediaFetcher resolves pending attachment references into files on
// disk. One task per message; the message row is the unit of progress.
type MediaFetcher struct {
	db     *gorm.DB
	log    zerolog.Logger
	source MediaSource
	deltas *fanout.Registry
	dir    string
}

// NewMediaFetcher builds the media_fetch task handler.
func NewMediaFetcher(db *gorm.DB, log zerolog.Logger, source MediaSource, deltas *fanout.Registry, dir string) (*MediaFetcher, error) {
	if db == nil {
		return nil, fmt.Errorf("work: db is required")
	}
	if source == nil {
		return nil, fmt.Errorf("work: media source is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("work: media dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("work: media dir %s: %w", dir, err)
	}
	return &MediaFetcher{db: db, log: log, source: source, deltas: deltas, dir: dir}, nil
}

// Handle fetches the attachment for the message identified by the
// task's target and records the outcome on the message row.
func (m *MediaFetcher) Handle(ctx context.Context, task *models.Task) error {
	var msg models.Message
	err := m.db.First(&msg, task.TargetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Message deleted by retention; nothing to fetch.
		return nil
	}
	if err != nil {
		return fmt.Errorf("work: load message %d: %w", task.TargetID, err)
	}
	if msg.MediaState != models.MediaPending {
		return nil // already resolved
	}

	var conv models.Conversation
	if err := m.db.First(&conv, msg.ConversationID).Error; err != nil {
		return fmt.Errorf("work: load conversation %d: %w", msg.ConversationID, err)
	}

	data, err := m.source.FetchMedia(ctx, conv.AccountID, msg.MediaRemoteID)
	if errors.Is(err, ErrNoFetcher) {
		return m.finish(&msg, conv.ID, "", models.MediaPlaceholder)
	}
	if err != nil {
		return fmt.Errorf("work: fetch media %q for message %d: %w", msg.MediaRemoteID, msg.ID, err)
	}

	name := fmt.Sprintf("%d_%s", msg.ID, filepath.Base(msg.MediaRemoteID))
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("work: write media file %s: %w", path, err)
	}
	return m.finish(&msg, conv.ID, path, models.MediaFetched)
}

func (m *MediaFetcher) finish(msg *models.Message, conversationID uint, path, state string) error {
	res := m.db.Model(&models.Message{}).
		Where("id = ? AND media_state = ?", msg.ID, models.MediaPending).
		Updates(map[string]interface{}{
			"media_path":  path,
			"media_state": state,
		})
	if res.Error != nil {
		return fmt.Errorf("work: update message %d media: %w", msg.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil // resolved concurrently
	}

	if m.deltas != nil {
		if opID, ok, err := ledger.OwnerOf(m.db, conversationID); err == nil && ok {
			m.deltas.Publish(opID, fanout.Delta{
				Kind:           fanout.DeltaChatUpdated,
				ConversationID: conversationID,
				MessageID:      msg.ID,
				Status:         state,
			})
		}
	}
	m.log.Debug().Uint("message", msg.ID).Str("state", state).Msg("media resolved")
	return nil
}

// MediaRef reports the local blob path for a message's attachment and
// whether it is available yet. A placeholder counts as resolved with no
// blob.
func MediaRef(msg *models.Message) (path string, ready bool) {
	switch msg.MediaState {
	case models.MediaFetched:
		return msg.MediaPath, true
	case models.MediaPlaceholder:
		return "", true
	default:
		return "", false
	}
}

package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/ingest"
	"github.com/averden/switchboard/internal/ledger"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/registry"
	"github.com/averden/switchboard/internal/router"
	"github.com/averden/switchboard/internal/supervisor"
	"github.com/averden/switchboard/internal/transport"
	"github.com/averden/switchboard/internal/work"
)

const defaultMessagePage = 50

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// --- accounts ---

func (s *server) handleAccountList(c *gin.Context) {
	accounts, err := registry.List(s.db)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, len(accounts))
	for i, a := range accounts {
		out[i] = s.accountJSON(&a)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *server) handleAccountCreate(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		Transport  string `json:"transport" binding:"required"`
		Credential string `json:"credential" binding:"required"`
		Ingest     string `json:"ingest"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acc, err := registry.Create(s.db, req.Name, req.Transport, req.Credential)
	if err != nil {
		if errors.Is(err, transport.ErrInvalidCredential) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	if req.Ingest != "" && req.Ingest != acc.Ingest {
		if err := registry.SetIngestMode(s.db, acc.ID, req.Ingest); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		acc.Ingest = req.Ingest
	}
	c.JSON(http.StatusCreated, s.accountJSON(acc))
}

func (s *server) handleAccountGet(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	acc, err := registry.Get(s.db, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.accountJSON(acc))
}

func (s *server) handleAccountStart(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.conns.Start(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": models.AccountStatusAuthenticating})
}

func (s *server) handleAccountStop(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.conns.Stop(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.AccountStatusInactive})
}

func (s *server) handleAccountRestart(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.conns.Restart(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": models.AccountStatusAuthenticating})
}

func (s *server) handleAccountCredential(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Credential string `json:"credential" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := registry.UpdateCredential(s.db, id, req.Credential); err != nil {
		if errors.Is(err, transport.ErrInvalidCredential) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *server) handleAccountDeactivate(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.conns.Stop(id); err != nil {
		s.fail(c, err)
		return
	}
	if err := registry.Deactivate(s.db, id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false})
}

func (s *server) accountJSON(a *models.Account) gin.H {
	return gin.H{
		"id":            a.ID,
		"name":          a.Name,
		"transport":     a.Transport,
		"ingest":        a.Ingest,
		"status":        a.Status,
		"remote_name":   a.RemoteName,
		"last_error":    a.LastError,
		"error_count":   a.ErrorCount,
		"last_activity": a.LastActivity,
		"active":        a.Active,
		"running":       s.conns.Running(a.ID),
	}
}

// --- operators ---

func (s *server) handleOperatorList(c *gin.Context) {
	var ops []models.Operator
	if err := s.db.Order("name ASC").Find(&ops).Error; err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operators": ops})
}

func (s *server) handleOperatorCreate(c *gin.Context) {
	var req struct {
		Name    string `json:"name" binding:"required"`
		MaxOpen int    `json:"max_open"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op := models.Operator{Name: req.Name, Active: true, MaxOpen: req.MaxOpen}
	if op.MaxOpen <= 0 {
		op.MaxOpen = 50
	}
	if err := s.db.Create(&op).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "operator name already taken"})
		return
	}
	c.JSON(http.StatusCreated, op)
}

func (s *server) handleOperatorFeed(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var op models.Operator
	if err := s.db.First(&op, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "operator not found"})
		return
	}
	fanout.SSEHandler(s.deltas, op.ID)(c)
}

// --- conversations and messages ---

func (s *server) handleConversationList(c *gin.Context) {
	q := s.db.Model(&models.Conversation{}).Order("last_message_at DESC")

	if acc := c.Query("account_id"); acc != "" {
		q = q.Where("account_id = ?", acc)
	}
	if opID := c.Query("operator_id"); opID != "" {
		id, err := strconv.ParseUint(opID, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operator_id"})
			return
		}
		ids, err := ledger.AssignedConversationIDs(s.db, uint(id))
		if err != nil {
			s.fail(c, err)
			return
		}
		if len(ids) == 0 {
			c.JSON(http.StatusOK, gin.H{"conversations": []models.Conversation{}})
			return
		}
		q = q.Where("id IN ?", ids)
	}

	var convs []models.Conversation
	if err := q.Find(&convs).Error; err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *server) handleMessageList(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit := defaultMessagePage
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	q := s.db.Where("conversation_id = ?", id).Order("id DESC").Limit(limit)
	if before := c.Query("before_id"); before != "" {
		q = q.Where("id < ?", before)
	}

	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		s.fail(c, err)
		return
	}
	// Oldest first for rendering.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *server) handleSendReply(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		OperatorID      uint   `json:"operator_id" binding:"required"`
		Kind            string `json:"kind"`
		Text            string `json:"text" binding:"required"`
		ReplyToRemoteID string `json:"reply_to_remote_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content := transport.Content{Kind: req.Kind, Text: req.Text, ReplyToRemoteID: req.ReplyToRemoteID}

	msg, err := s.sender.SendReply(c.Request.Context(), id, req.OperatorID, content)
	if err != nil {
		if rl, isRL := transport.AsRateLimited(err); isRL && msg != nil {
			c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter/time.Second)+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "provider rate limit",
				"message_id": msg.ID,
				"status":     msg.Status,
			})
			return
		}
		if msg != nil {
			// Recorded but not delivered.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":      err.Error(),
				"message_id": msg.ID,
				"status":     msg.Status,
			})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *server) handleAssign(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		OperatorID uint `json:"operator_id" binding:"required"`
		Takeover   bool `json:"takeover"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	if req.Takeover {
		err = ledger.Reassign(s.db, id, req.OperatorID)
	} else {
		err = ledger.Assign(s.db, id, req.OperatorID)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	s.deltas.Publish(req.OperatorID, fanout.Delta{
		Kind:           fanout.DeltaAssignmentChange,
		ConversationID: id,
		OperatorID:     req.OperatorID,
	})
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "operator_id": req.OperatorID})
}

func (s *server) handleRelease(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	owner, had, err := ledger.OwnerOf(s.db, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := ledger.Unassign(s.db, id); err != nil {
		s.fail(c, err)
		return
	}
	if had {
		s.deltas.Publish(owner, fanout.Delta{
			Kind:           fanout.DeltaAssignmentChange,
			ConversationID: id,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "released": had})
}

func (s *server) handleMarkRead(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		OperatorID uint `json:"operator_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ledger.RequireOwner(s.db, id, req.OperatorID); err != nil {
		s.fail(c, err)
		return
	}
	hadUnread, err := ingest.MarkRead(s.db, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if hadUnread {
		s.deltas.Publish(req.OperatorID, fanout.Delta{
			Kind:           fanout.DeltaChatMarkedRead,
			ConversationID: id,
			UnreadCount:    0,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "unread_count": 0})
}

func (s *server) handleAssignmentHistory(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	history, err := ledger.History(s.db, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": history})
}

// --- media ---

func (s *server) handleMedia(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var msg models.Message
	if err := s.db.First(&msg, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if msg.MediaState == models.MediaNone {
		c.JSON(http.StatusNotFound, gin.H{"error": "message has no media"})
		return
	}

	path, ready := work.MediaRef(&msg)
	if !ready {
		c.JSON(http.StatusAccepted, gin.H{"media_state": models.MediaPending})
		return
	}
	if path == "" {
		c.JSON(http.StatusOK, gin.H{"media_state": models.MediaPlaceholder})
		return
	}
	c.File(path)
}

// --- webhook entry point ---

// webhookEvent is the callback provider's POST body.
type webhookEvent struct {
	MessageID         string `json:"message_id"`
	ConversationID    string `json:"conversation_id"`
	ConversationKind  string `json:"conversation_kind"`
	ConversationTitle string `json:"conversation_title"`
	SenderID          string `json:"sender_id"`
	SenderName        string `json:"sender_name"`
	Username          string `json:"username"`
	Kind              string `json:"kind"`
	Text              string `json:"text"`
	MediaID           string `json:"media_id"`
	ReplyTo           string `json:"reply_to"`
	Timestamp         int64  `json:"timestamp"`
}

func (s *server) handleWebhook(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	target, err := s.conns.Webhook(id)
	if err != nil {
		// Providers retry on 5xx; a stopped account is temporary.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account not accepting callbacks"})
		return
	}
	if c.GetHeader("X-Webhook-Secret") != target.WebhookSecret() {
		c.JSON(http.StatusForbidden, gin.H{"error": "bad webhook secret"})
		return
	}

	var ev webhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}

	raw := transport.RawEvent{
		RemoteMessageID:      ev.MessageID,
		RemoteConversationID: ev.ConversationID,
		ConversationKind:     ev.ConversationKind,
		ConversationTitle:    ev.ConversationTitle,
		SenderID:             ev.SenderID,
		SenderName:           ev.SenderName,
		Username:             ev.Username,
		Kind:                 ev.Kind,
		Text:                 ev.Text,
		MediaID:              ev.MediaID,
		ReplyToRemoteID:      ev.ReplyTo,
		Timestamp:            time.Unix(ev.Timestamp, 0),
	}
	if !target.Deliver(raw) {
		// Buffer full; the provider retries and ingestion dedups.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// fail maps domain errors to HTTP statuses.
func (s *server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, transport.ErrInvalidCredential):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotAssigned):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAlreadyAssigned),
		errors.Is(err, ledger.ErrCapacityExceeded),
		errors.Is(err, ledger.ErrOperatorInactive),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrDeactivated),
		errors.Is(err, router.ErrNotConnected),
		errors.Is(err, supervisor.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

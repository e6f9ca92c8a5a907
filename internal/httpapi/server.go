// Package httpapi exposes the operator-facing JSON API: account
// lifecycle, the inbox views, reply sending, assignment, the live delta
// feed, and the provider webhook entry point.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/supervisor"
	"github.com/averden/switchboard/internal/transport"
)

// Connections is the account-lifecycle surface the API drives.
// Implemented by the connection supervisor.
type Connections interface {
	Start(ctx context.Context, accountID uint) error
	Stop(accountID uint) error
	Restart(ctx context.Context, accountID uint) error
	Running(accountID uint) bool
	Webhook(accountID uint) (supervisor.WebhookTarget, error)
}

// ReplySender delivers operator replies. Implemented by the router.
type ReplySender interface {
	SendReply(ctx context.Context, conversationID, operatorID uint, content transport.Content) (*models.Message, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB     *gorm.DB
	Port   int
	Log    zerolog.Logger
	Conns  Connections
	Sender ReplySender
	Deltas *fanout.Registry
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	opts.Log.Info().Int("port", opts.Port).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with all routes registered. Split from
// Start so tests can drive it with httptest.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("httpapi: db is required")
	}
	if opts.Conns == nil {
		return nil, fmt.Errorf("httpapi: connections surface is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("httpapi: reply sender is required")
	}
	if opts.Deltas == nil {
		return nil, fmt.Errorf("httpapi: delta registry is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &server{
		db:     opts.DB,
		log:    opts.Log,
		conns:  opts.Conns,
		sender: opts.Sender,
		deltas: opts.Deltas,
	}
	s.registerRoutes(router)
	return router, nil
}

type server struct {
	db     *gorm.DB
	log    zerolog.Logger
	conns  Connections
	sender ReplySender
	deltas *fanout.Registry
}

// registerRoutes sets up all API routes on the gin router.
func (s *server) registerRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.GET("/accounts", s.handleAccountList)
	api.POST("/accounts", s.handleAccountCreate)
	api.GET("/accounts/:id", s.handleAccountGet)
	api.POST("/accounts/:id/start", s.handleAccountStart)
	api.POST("/accounts/:id/stop", s.handleAccountStop)
	api.POST("/accounts/:id/restart", s.handleAccountRestart)
	api.PUT("/accounts/:id/credential", s.handleAccountCredential)
	api.DELETE("/accounts/:id", s.handleAccountDeactivate)

	api.GET("/operators", s.handleOperatorList)
	api.POST("/operators", s.handleOperatorCreate)
	api.GET("/operators/:id/feed", s.handleOperatorFeed)

	api.GET("/conversations", s.handleConversationList)
	api.GET("/conversations/:id/messages", s.handleMessageList)
	api.POST("/conversations/:id/messages", s.handleSendReply)
	api.POST("/conversations/:id/assign", s.handleAssign)
	api.POST("/conversations/:id/release", s.handleRelease)
	api.POST("/conversations/:id/read", s.handleMarkRead)
	api.GET("/conversations/:id/assignments", s.handleAssignmentHistory)

	api.GET("/messages/:id/media", s.handleMedia)

	router.POST("/webhook/:id", s.handleWebhook)
}

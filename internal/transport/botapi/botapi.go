// Package botapi implements the callback transport: a bot-style account
// whose inbound events arrive as webhook callbacks and whose sends are
// stateless request/response API calls. There is no socket to supervise,
// only credential validity.
package botapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/averden/switchboard/internal/transport"
)

const (
	defaultTimeout = 30 * time.Second
	// Polling defaults follow the provider's long-poll conventions: a
	// short breather between polls, a long-poll window that stays under
	// the HTTP client timeout.
	defaultPollInterval = time.Second
	defaultPollTimeout  = 25 * time.Second
)

// Adapter implements transport.Adapter over the provider bot API.
type Adapter struct {
	http          *resty.Client
	token         string
	webhookSecret string
	log           zerolog.Logger

	polling      bool
	pollInterval time.Duration
	pollTimeout  time.Duration
	done         chan struct{} // closed by Close; stops the poll loop

	mu          sync.Mutex
	closed      bool
	validated   bool
	pollRunning bool // the poll loop owns closing events while true
	pollCancel  context.CancelFunc
	remoteUser  string
	remoteName  string
	events      chan transport.RawEvent
}

// Opts holds parameters for creating a bot API Adapter.
type Opts struct {
	BaseURL    string // provider API root, e.g. https://api.example.net
	Credential string // "<apiToken>:<webhookSecret>"
	Logger     zerolog.Logger
	Timeout    time.Duration

	// Polling switches inbound ingestion from pushed webhooks to a
	// getUpdates long-poll loop started by Connect.
	Polling      bool
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// New creates a bot API Adapter. The credential blob must carry both the
// API token and the webhook secret.
func New(opts Opts) (*Adapter, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("botapi: base url is required")
	}
	token, secret, ok := strings.Cut(opts.Credential, ":")
	if !ok || token == "" || secret == "" {
		return nil, fmt.Errorf("botapi: %w: credential must be <token>:<webhookSecret>", transport.ErrInvalidCredential)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	// The HTTP client timeout must outlast the long-poll window or every
	// getUpdates call would be cut short.
	if opts.Polling && timeout < pollTimeout+5*time.Second {
		timeout = pollTimeout + 5*time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout)

	return &Adapter{
		http:          client,
		token:         token,
		webhookSecret: secret,
		log:           opts.Logger,
		polling:       opts.Polling,
		pollInterval:  pollInterval,
		pollTimeout:   pollTimeout,
		done:          make(chan struct{}),
		events:        make(chan transport.RawEvent, 100),
	}, nil
}

// WebhookSecret returns the secret the webhook entry point must match
// before handing callbacks to this adapter.
func (a *Adapter) WebhookSecret() string { return a.webhookSecret }

// RemoteIdentity returns the bot's user id and display name. Valid after
// Connect.
func (a *Adapter) RemoteIdentity() (id, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteUser, a.remoteName
}

// Connect validates the credential against the provider's identity
// endpoint. No connection is held afterwards.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	a.mu.Unlock()

	var me meResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(a.token).
		SetResult(&me).
		Get("/bot/getMe")
	if err != nil {
		return fmt.Errorf("botapi: getMe: %w", transport.ErrNetworkUnavailable)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return fmt.Errorf("botapi: getMe status %d: %w", resp.StatusCode(), transport.ErrInvalidCredential)
	case resp.IsError():
		return fmt.Errorf("botapi: getMe status %d: %w", resp.StatusCode(), transport.ErrRemoteRejected)
	}

	a.mu.Lock()
	a.validated = true
	a.remoteUser = me.UserID
	a.remoteName = me.Name
	if a.polling && !a.pollRunning && !a.closed {
		a.pollRunning = true
		pollCtx, cancel := context.WithCancel(context.Background())
		a.pollCancel = cancel
		go a.pollLoop(pollCtx)
	}
	a.mu.Unlock()

	a.log.Info().Str("bot", me.UserID).Msg("bot credential validated")
	return nil
}

// Events returns the inbound channel fed by Deliver.
func (a *Adapter) Events() <-chan transport.RawEvent {
	return a.events
}

// Deliver pushes one webhook callback payload into the event stream. The
// HTTP entry point calls this after verifying the webhook secret. It never
// blocks the provider's callback: on a full buffer the event is dropped
// and false is returned so the caller can answer with a retryable status.
func (a *Adapter) Deliver(ev transport.RawEvent) bool {
	// The mutex stays held across the send; Close also closes the events
	// channel under it, so a webhook racing a stop can never send on a
	// closed channel. The send itself never blocks.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.events <- ev:
		return true
	default:
		a.log.Warn().Str("remoteMessageID", ev.RemoteMessageID).Msg("webhook event buffer full")
		return false
	}
}

// Send performs one stateless sendMessage API call.
func (a *Adapter) Send(ctx context.Context, remoteConversationID string, content transport.Content) (transport.RemoteRef, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.RemoteRef{}, transport.ErrClosed
	}
	a.mu.Unlock()

	body := sendRequest{
		ConversationID: remoteConversationID,
		Text:           content.Text,
		Kind:           content.Kind,
		ReplyTo:        content.ReplyToRemoteID,
	}

	var result sendResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(a.token).
		SetBody(body).
		SetResult(&result).
		Post("/bot/sendMessage")
	if err != nil {
		return transport.RemoteRef{}, fmt.Errorf("botapi: sendMessage: %w", transport.ErrNetworkUnavailable)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp)
		return transport.RemoteRef{}, fmt.Errorf("botapi: sendMessage throttled: %w",
			&transport.RateLimitedError{RetryAfter: retryAfter})
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return transport.RemoteRef{}, fmt.Errorf("botapi: sendMessage status %d: %w", resp.StatusCode(), transport.ErrRemoteRejected)
	case resp.IsError():
		return transport.RemoteRef{}, fmt.Errorf("botapi: sendMessage status %d: %s", resp.StatusCode(), resp.String())
	}

	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return transport.RemoteRef{MessageID: result.MessageID, Timestamp: ts}, nil
}

// FetchMedia downloads a media blob by its provider reference and returns
// the raw bytes. Used by the asynchronous media fetch task.
func (a *Adapter) FetchMedia(ctx context.Context, mediaID string) ([]byte, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(a.token).
		Get("/bot/getFile/" + mediaID)
	if err != nil {
		return nil, fmt.Errorf("botapi: getFile %s: %w", mediaID, transport.ErrNetworkUnavailable)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("botapi: getFile %s: status %d", mediaID, resp.StatusCode())
	}
	return resp.Body(), nil
}

// Close stops accepting events. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.done)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	// While the poll loop runs it owns the events channel and closes it
	// on its way out.
	if !a.pollRunning {
		close(a.events)
	}
	return nil
}

// pollLoop long-polls the provider's getUpdates endpoint and feeds the
// same event stream webhook deliveries use. It owns closing the events
// channel once started.
func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.events)

	offset := 0
	for {
		select {
		case <-a.done:
			return
		default:
		}

		updates, err := a.getUpdates(ctx, offset)
		if err != nil {
			a.log.Warn().Err(err).Msg("getUpdates failed")
			select {
			case <-a.done:
				return
			case <-time.After(a.pollInterval):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			select {
			case a.events <- u.Message.rawEvent():
			case <-a.done:
				return
			}
		}
	}
}

// getUpdates fetches the next batch of inbound updates past offset.
func (a *Adapter) getUpdates(ctx context.Context, offset int) ([]update, error) {
	var env updatesResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(a.token).
		SetQueryParam("offset", strconv.Itoa(offset)).
		SetQueryParam("timeout", strconv.Itoa(int(a.pollTimeout/time.Second))).
		SetResult(&env).
		Get("/bot/getUpdates")
	if err != nil {
		return nil, fmt.Errorf("botapi: getUpdates: %w", transport.ErrNetworkUnavailable)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("botapi: getUpdates status %d", resp.StatusCode())
	}
	return env.Result, nil
}

// parseRetryAfter reads the provider wait hint, defaulting to one second.
func parseRetryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return time.Second
}

type meResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Kind           string `json:"kind,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
}

type sendResponse struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type updatesResponse struct {
	Result []update `json:"result"`
}

type update struct {
	UpdateID int            `json:"update_id"`
	Message  *updateMessage `json:"message"`
}

// updateMessage carries the same fields a webhook callback body does.
type updateMessage struct {
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

func (m *updateMessage) rawEvent() transport.RawEvent {
	return transport.RawEvent{
		RemoteMessageID:      m.MessageID,
		RemoteConversationID: m.ConversationID,
		ConversationKind:     m.ConversationKind,
		ConversationTitle:    m.ConversationTitle,
		SenderID:             m.SenderID,
		SenderName:           m.SenderName,
		Username:             m.Username,
		Kind:                 m.Kind,
		Text:                 m.Text,
		MediaID:              m.MediaID,
		ReplyToRemoteID:      m.ReplyTo,
		Timestamp:            time.Unix(m.Timestamp, 0),
	}
}

var _ transport.Adapter = (*Adapter)(nil)

// Package gateway implements the session transport: a long-lived
// authenticated websocket connection to the provider gateway, carrying
// pushed inbound events and ack-based sends.
package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/averden/switchboard/internal/transport"
)

const (
	// defaultAckTimeout bounds how long a send waits for the gateway ack.
	defaultAckTimeout = 15 * time.Second
	// inboundBuffer sizes the raw event channel.
	inboundBuffer = 100
)

// Adapter implements transport.Adapter over a websocket gateway session.
type Adapter struct {
	url   string
	token string
	log   zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	seq         uint64
	pending     map[uint64]chan ackFrame
	notBefore   time.Time // sends before this instant are rate limited
	remoteUser  string
	remoteName  string
	ackTimeout  time.Duration
	events      chan transport.RawEvent
	done        chan struct{} // closed by Close; unblocks the read loop's event sends
	dialContext func(ctx context.Context, url string) (*websocket.Conn, error)
}

// Opts holds parameters for creating a gateway Adapter.
type Opts struct {
	URL        string // gateway websocket endpoint
	Token      string // session token credential
	Logger     zerolog.Logger
	AckTimeout time.Duration // defaults to defaultAckTimeout

	// Dial overrides the websocket dialer, for tests.
	Dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// New creates a gateway Adapter. Connect must be called before use.
func New(opts Opts) (*Adapter, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("gateway: %w: empty session token", transport.ErrInvalidCredential)
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		}
	}
	return &Adapter{
		url:         opts.URL,
		token:       opts.Token,
		log:         opts.Logger,
		pending:     make(map[uint64]chan ackFrame),
		ackTimeout:  ackTimeout,
		events:      make(chan transport.RawEvent, inboundBuffer),
		done:        make(chan struct{}),
		dialContext: dial,
	}, nil
}

// Connect dials the gateway, authenticates with the session token, and
// starts the read loop. The returned error is classified per the connect
// taxonomy.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	if a.connected {
		a.mu.Unlock()
		return fmt.Errorf("gateway: already connected")
	}
	a.mu.Unlock()

	conn, err := a.dialContext(ctx, a.url)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", a.url, classifyNetErr(err))
	}

	if err := conn.WriteJSON(frame{Op: opAuth, Token: a.token}); err != nil {
		conn.Close()
		return fmt.Errorf("gateway: auth write: %w", transport.ErrNetworkUnavailable)
	}

	var ready frame
	conn.SetReadDeadline(time.Now().Add(a.ackTimeout))
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return fmt.Errorf("gateway: auth read: %w", transport.ErrNetworkUnavailable)
	}
	conn.SetReadDeadline(time.Time{})

	switch ready.Op {
	case opReady:
	case opError:
		conn.Close()
		if ready.Code == codeInvalidToken {
			return fmt.Errorf("gateway: auth rejected: %w", transport.ErrInvalidCredential)
		}
		return fmt.Errorf("gateway: auth rejected (%s): %w", ready.Code, transport.ErrRemoteRejected)
	default:
		conn.Close()
		return fmt.Errorf("gateway: unexpected op %q during auth: %w", ready.Op, transport.ErrRemoteRejected)
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.remoteUser = ready.UserID
	a.remoteName = ready.UserName
	a.mu.Unlock()

	a.log.Info().Str("user", ready.UserID).Msg("gateway session established")

	go a.readLoop(conn)
	return nil
}

// RemoteIdentity returns the authenticated user id and display name.
// Valid after Connect.
func (a *Adapter) RemoteIdentity() (id, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteUser, a.remoteName
}

// Events returns the inbound event channel. Closed when the session ends.
func (a *Adapter) Events() <-chan transport.RawEvent {
	return a.events
}

// Send delivers a message over the session and waits for the gateway ack.
// Sends issued while a "wait" condition is in force fail with
// RateLimitedError carrying the remaining wait.
func (a *Adapter) Send(ctx context.Context, remoteConversationID string, content transport.Content) (transport.RemoteRef, error) {
	a.mu.Lock()
	if a.closed || !a.connected {
		a.mu.Unlock()
		return transport.RemoteRef{}, transport.ErrClosed
	}
	if wait := time.Until(a.notBefore); wait > 0 {
		a.mu.Unlock()
		return transport.RemoteRef{}, fmt.Errorf("gateway: send deferred: %w", &transport.RateLimitedError{RetryAfter: wait})
	}
	a.seq++
	seq := a.seq
	ackCh := make(chan ackFrame, 1)
	a.pending[seq] = ackCh
	conn := a.conn
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, seq)
		a.mu.Unlock()
	}()

	out := frame{
		Op:             opSend,
		Seq:            seq,
		ConversationID: remoteConversationID,
		Text:           content.Text,
		Kind:           content.Kind,
		ReplyTo:        content.ReplyToRemoteID,
	}
	if err := conn.WriteJSON(out); err != nil {
		return transport.RemoteRef{}, fmt.Errorf("gateway: send write: %w", transport.ErrNetworkUnavailable)
	}

	timer := time.NewTimer(a.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return transport.RemoteRef{}, ctx.Err()
	case <-timer.C:
		return transport.RemoteRef{}, fmt.Errorf("gateway: ack timeout: %w", transport.ErrNetworkUnavailable)
	case ack, ok := <-ackCh:
		if !ok {
			return transport.RemoteRef{}, transport.ErrClosed
		}
		return a.resolveAck(ack)
	}
}

// resolveAck turns an ack frame into a RemoteRef or a typed send error.
func (a *Adapter) resolveAck(ack ackFrame) (transport.RemoteRef, error) {
	switch ack.Code {
	case "":
		ts := ack.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		return transport.RemoteRef{MessageID: ack.MessageID, Timestamp: ts}, nil
	case codeRateLimited:
		wait := time.Duration(ack.RetryAfter) * time.Second
		a.deferSends(wait)
		return transport.RemoteRef{}, fmt.Errorf("gateway: send rejected: %w", &transport.RateLimitedError{RetryAfter: wait})
	case codeRejected:
		return transport.RemoteRef{}, fmt.Errorf("gateway: send rejected: %w", transport.ErrRemoteRejected)
	default:
		return transport.RemoteRef{}, fmt.Errorf("gateway: send failed (%s)", ack.Code)
	}
}

// deferSends records a "wait N" condition so later sends honor it.
func (a *Adapter) deferSends(wait time.Duration) {
	a.mu.Lock()
	nb := time.Now().Add(wait)
	if nb.After(a.notBefore) {
		a.notBefore = nb
	}
	a.mu.Unlock()
}

// Close tears down the session. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.connected = false
	close(a.done)
	a.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	// Never connected: close the events channel ourselves since no read
	// loop will.
	close(a.events)
	return nil
}

// readLoop pumps gateway frames into the events channel until the
// connection dies. Ack frames are routed to their waiting sender.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer func() {
		a.mu.Lock()
		a.connected = false
		for seq, ch := range a.pending {
			close(ch)
			delete(a.pending, seq)
		}
		a.mu.Unlock()
		close(a.events)
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if !closed {
				a.log.Warn().Err(err).Msg("gateway session dropped")
			}
			return
		}

		switch f.Op {
		case opEvent:
			if !a.deliver(rawEventFromFrame(f)) {
				return
			}
		case opWait:
			wait := time.Duration(f.RetryAfter) * time.Second
			a.deferSends(wait)
			if !a.deliver(transport.RawEvent{RateLimit: wait}) {
				return
			}
		case opAck, opError:
			a.mu.Lock()
			ch := a.pending[f.Seq]
			a.mu.Unlock()
			if ch != nil {
				ch <- ackFrame{
					MessageID:  f.MessageID,
					Timestamp:  f.Timestamp,
					Code:       f.Code,
					RetryAfter: f.RetryAfter,
				}
			}
		default:
			a.log.Debug().Str("op", f.Op).Msg("ignoring unknown gateway op")
		}
	}
}

// deliver forwards one inbound event to consumers. It returns false when
// Close has been called, so a read loop stuck behind a full buffer
// unwinds instead of leaking.
func (a *Adapter) deliver(ev transport.RawEvent) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

// rawEventFromFrame converts an inbound event frame.
func rawEventFromFrame(f frame) transport.RawEvent {
	return transport.RawEvent{
		RemoteMessageID:      f.MessageID,
		RemoteConversationID: f.ConversationID,
		ConversationKind:     f.ConversationKind,
		ConversationTitle:    f.ConversationTitle,
		SenderID:             f.SenderID,
		SenderName:           f.SenderName,
		Username:             f.Username,
		Kind:                 f.Kind,
		Text:                 f.Text,
		MediaID:              f.MediaID,
		ReplyToRemoteID:      f.ReplyTo,
		Timestamp:            f.Timestamp,
	}
}

// classifyNetErr maps dial failures onto the connect taxonomy.
func classifyNetErr(err error) error {
	if _, ok := err.(net.Error); ok {
		return transport.ErrNetworkUnavailable
	}
	// A handshake-level refusal means the remote answered and said no.
	if err == websocket.ErrBadHandshake {
		return transport.ErrRemoteRejected
	}
	return transport.ErrNetworkUnavailable
}

// frame is the gateway wire format. One struct covers every op; unused
// fields are omitted on the wire.
type frame struct {
	Op  string `json:"op"`
	Seq uint64 `json:"seq,omitempty"`

	// auth / ready
	Token    string `json:"token,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`

	// event / send / ack
	MessageID         string    `json:"message_id,omitempty"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	ConversationKind  string    `json:"conversation_kind,omitempty"`
	ConversationTitle string    `json:"conversation_title,omitempty"`
	SenderID          string    `json:"sender_id,omitempty"`
	SenderName        string    `json:"sender_name,omitempty"`
	Username          string    `json:"username,omitempty"`
	Kind              string    `json:"kind,omitempty"`
	Text              string    `json:"text,omitempty"`
	MediaID           string    `json:"media_id,omitempty"`
	ReplyTo           string    `json:"reply_to,omitempty"`
	Timestamp         time.Time `json:"timestamp,omitempty"`

	// wait / error
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// ackFrame is the subset of a frame routed back to a waiting Send.
type ackFrame struct {
	MessageID  string
	Timestamp  time.Time
	Code       string
	RetryAfter int
}

// Gateway op codes.
const (
	opAuth  = "auth"
	opReady = "ready"
	opEvent = "event"
	opSend  = "send"
	opAck   = "ack"
	opWait  = "wait"
	opError = "error"
)

// Gateway error codes.
const (
	codeInvalidToken = "invalid_token"
	codeRateLimited  = "rate_limited"
	codeRejected     = "rejected"
)

var _ transport.Adapter = (*Adapter)(nil)

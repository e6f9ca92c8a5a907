// Package supervisor owns the lifecycle of account connections: one
// runner per started account, bounded reconnect backoff, rate-limit
// pauses on the send path, and status bookkeeping in the account
// registry. A failing account never takes another account down with it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/config"
	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/registry"
	"github.com/averden/switchboard/internal/transport"
	"github.com/averden/switchboard/internal/transport/botapi"
	"github.com/averden/switchboard/internal/transport/gateway"
	"github.com/averden/switchboard/internal/work"
)

var (
	// ErrAlreadyRunning is returned by Start for an account with a live runner.
	ErrAlreadyRunning = errors.New("supervisor: account already running")
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("supervisor: account not connected")
	// ErrDeactivated is returned by Start for a soft-deleted account.
	ErrDeactivated = errors.New("supervisor: account is deactivated")
)

// Factory builds a transport adapter for an account. Injected so tests
// can substitute fakes for the real gateway and bot API clients.
type Factory func(acc *models.Account) (transport.Adapter, error)

// NewFactory returns the production factory: session accounts get a
// gateway adapter, callback accounts a bot API adapter.
func NewFactory(cfg *config.Config, log zerolog.Logger) Factory {
	return func(acc *models.Account) (transport.Adapter, error) {
		switch acc.Transport {
		case models.TransportSession:
			return gateway.New(gateway.Opts{
				URL:    cfg.Supervisor.GatewayURL,
				Token:  acc.Credential,
				Logger: log.With().Uint("account", acc.ID).Logger(),
			})
		case models.TransportCallback:
			return botapi.New(botapi.Opts{
				BaseURL:      cfg.Supervisor.BotAPIBaseURL,
				Credential:   acc.Credential,
				Logger:       log.With().Uint("account", acc.ID).Logger(),
				Timeout:      cfg.Supervisor.SendTimeout.Std(),
				Polling:      acc.Ingest == models.IngestPolling,
				PollInterval: cfg.Supervisor.PollInterval.Std(),
				PollTimeout:  cfg.Supervisor.PollTimeout.Std(),
			})
		default:
			return nil, fmt.Errorf("supervisor: unknown transport %q", acc.Transport)
		}
	}
}

// Sink receives normalized inbound events, keyed by account.
// Implemented by the ingest normalizer.
type Sink interface {
	Submit(accountID uint, ev transport.RawEvent)
}

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	DB      *gorm.DB
	Log     zerolog.Logger
	Sink    Sink
	Deltas  *fanout.Registry // optional; receives connection alerts
	Factory Factory

	MaxRestarts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	StopTimeout    time.Duration
	SendTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Supervisor manages one runner goroutine per started account.
type Supervisor struct {
	db      *gorm.DB
	log     zerolog.Logger
	sink    Sink
	deltas  *fanout.Registry
	factory Factory

	maxRestarts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	stopTimeout    time.Duration
	sendTimeout    time.Duration
	connectTimeout time.Duration

	mu      sync.Mutex
	runners map[uint]*runner
}

// runner is one account's connection loop plus its live adapter handle.
type runner struct {
	accountID uint
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	adapter  transport.Adapter // nil while (re)connecting
	resumeAt time.Time         // outbound paused until this instant
}

func (r *runner) liveAdapter() transport.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapter
}

func (r *runner) setAdapter(a transport.Adapter) {
	r.mu.Lock()
	r.adapter = a
	r.mu.Unlock()
}

func (r *runner) pauseOutbound(d time.Duration) {
	r.mu.Lock()
	until := time.Now().Add(d)
	if until.After(r.resumeAt) {
		r.resumeAt = until
	}
	r.mu.Unlock()
}

func (r *runner) outboundPause() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Until(r.resumeAt)
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("supervisor: db is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("supervisor: event sink is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("supervisor: adapter factory is required")
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &Supervisor{
		db:             opts.DB,
		log:            opts.Log,
		sink:           opts.Sink,
		deltas:         opts.Deltas,
		factory:        opts.Factory,
		maxRestarts:    opts.MaxRestarts,
		baseBackoff:    opts.BaseBackoff,
		maxBackoff:     opts.MaxBackoff,
		stopTimeout:    opts.StopTimeout,
		sendTimeout:    opts.SendTimeout,
		connectTimeout: opts.ConnectTimeout,
		runners:        make(map[uint]*runner),
	}, nil
}

// Start launches a connection runner for the account. Starting an
// account that is already running is an error, not a restart.
func (s *Supervisor) Start(ctx context.Context, accountID uint) error {
	acc, err := registry.Get(s.db, accountID)
	if err != nil {
		return err
	}
	if !acc.Active {
		return ErrDeactivated
	}
	// A missing or malformed credential blob fails here, synchronously,
	// so the caller sees ErrInvalidCredential instead of a runner that
	// dies on its first connect.
	if err := registry.ValidateCredential(acc.Transport, acc.Credential); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.runners[accountID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &runner{accountID: accountID, cancel: cancel, done: make(chan struct{})}
	s.runners[accountID] = r
	s.mu.Unlock()

	if err := registry.SetStatus(s.db, accountID, models.AccountStatusAuthenticating); err != nil {
		s.log.Error().Err(err).Uint("account", accountID).Msg("status update failed")
	}

	go s.run(runCtx, r, acc)
	return nil
}

// Stop shuts the account's runner down and marks the account inactive.
// Stopping an account that is not running is a no-op.
func (s *Supervisor) Stop(accountID uint) error {
	s.mu.Lock()
	r, exists := s.runners[accountID]
	if exists {
		delete(s.runners, accountID)
	}
	s.mu.Unlock()
	if !exists {
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
	case <-time.After(s.stopTimeout):
		s.log.Warn().Uint("account", accountID).Msg("runner did not stop in time")
	}

	if err := registry.SetStatus(s.db, accountID, models.AccountStatusInactive); err != nil {
		return err
	}
	return nil
}

// Restart stops the account's runner if any, then starts a fresh one.
func (s *Supervisor) Restart(ctx context.Context, accountID uint) error {
	if err := s.Stop(accountID); err != nil {
		return err
	}
	return s.Start(ctx, accountID)
}

// StartAllActive starts every active account, typically at boot. One
// account failing to start does not stop the others.
func (s *Supervisor) StartAllActive(ctx context.Context) error {
	accounts, err := registry.ListStartable(s.db)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if err := s.Start(ctx, acc.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Error().Err(err).Uint("account", acc.ID).Msg("account start failed")
		}
	}
	return nil
}

// StopAll stops every runner.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.log.Error().Err(err).Uint("account", id).Msg("account stop failed")
		}
	}
}

// Running reports whether the account has a live runner.
func (s *Supervisor) Running(accountID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[accountID]
	return ok
}

// Send delivers operator content through the account's live connection.
// A rate-limit pause surfaces as a RateLimitedError so the caller can
// retry after the window instead of failing the message.
func (s *Supervisor) Send(ctx context.Context, accountID uint, remoteConversationID string, content transport.Content) (transport.RemoteRef, error) {
	s.mu.Lock()
	r := s.runners[accountID]
	s.mu.Unlock()
	if r == nil {
		return transport.RemoteRef{}, ErrNotConnected
	}
	adapter := r.liveAdapter()
	if adapter == nil {
		return transport.RemoteRef{}, ErrNotConnected
	}
	if pause := r.outboundPause(); pause > 0 {
		return transport.RemoteRef{}, &transport.RateLimitedError{RetryAfter: pause}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	ref, err := adapter.Send(sendCtx, remoteConversationID, content)
	if err != nil {
		if rl, ok := transport.AsRateLimited(err); ok {
			r.pauseOutbound(rl.RetryAfter)
		}
		return transport.RemoteRef{}, err
	}
	if err := registry.TouchActivity(s.db, accountID); err != nil {
		s.log.Warn().Err(err).Uint("account", accountID).Msg("activity touch failed")
	}
	return ref, nil
}

// FetchMedia implements the media work queue's source: it routes blob
// downloads through the account's live adapter. Transports without a
// download surface report work.ErrNoFetcher so the message keeps a
// placeholder.
func (s *Supervisor) FetchMedia(ctx context.Context, accountID uint, mediaID string) ([]byte, error) {
	s.mu.Lock()
	r := s.runners[accountID]
	s.mu.Unlock()
	if r == nil {
		return nil, ErrNotConnected
	}
	adapter := r.liveAdapter()
	if adapter == nil {
		return nil, ErrNotConnected
	}
	fetcher, ok := adapter.(interface {
		FetchMedia(ctx context.Context, mediaID string) ([]byte, error)
	})
	if !ok {
		return nil, work.ErrNoFetcher
	}
	return fetcher.FetchMedia(ctx, mediaID)
}

// WebhookTarget is the surface a callback adapter exposes to the webhook
// entry point.
type WebhookTarget interface {
	WebhookSecret() string
	Deliver(ev transport.RawEvent) bool
}

// Webhook returns the account's webhook delivery target, if its live
// adapter accepts callbacks.
func (s *Supervisor) Webhook(accountID uint) (WebhookTarget, error) {
	s.mu.Lock()
	r := s.runners[accountID]
	s.mu.Unlock()
	if r == nil {
		return nil, ErrNotConnected
	}
	adapter := r.liveAdapter()
	if adapter == nil {
		return nil, ErrNotConnected
	}
	target, ok := adapter.(WebhookTarget)
	if !ok {
		return nil, fmt.Errorf("supervisor: account %d does not accept webhooks", accountID)
	}
	return target, nil
}

// run is the per-account connection loop: connect, pump events, and on
// connection loss reconnect with exponential backoff up to maxRestarts
// consecutive failures.
func (s *Supervisor) run(ctx context.Context, r *runner, acc *models.Account) {
	defer close(r.done)
	log := s.log.With().Uint("account", acc.ID).Str("name", acc.Name).Logger()

	failures := 0
	for {
		adapter, err := s.connectOnce(ctx, acc, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrInvalidCredential) || errors.Is(err, transport.ErrRemoteRejected) {
				s.fail(acc.ID, log, fmt.Sprintf("credential rejected: %v", err))
				return
			}
			failures++
			if failures >= s.maxRestarts {
				s.fail(acc.ID, log, fmt.Sprintf("gave up after %d connect attempts: %v", failures, err))
				return
			}
			if !s.sleep(ctx, s.backoff(failures)) {
				return
			}
			continue
		}

		failures = 0
		r.setAdapter(adapter)
		s.markLive(acc.ID, adapter, log)

		dropped := s.pump(ctx, r, acc.ID, adapter)
		r.setAdapter(nil)
		if err := adapter.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			log.Debug().Err(err).Msg("adapter close")
		}
		if !dropped || ctx.Err() != nil {
			return
		}

		log.Warn().Msg("connection dropped, reconnecting")
		if err := registry.SetStatus(s.db, acc.ID, models.AccountStatusAuthenticating); err != nil {
			log.Error().Err(err).Msg("status update failed")
		}
		failures++
		if failures >= s.maxRestarts {
			s.fail(acc.ID, log, fmt.Sprintf("connection dropped %d times in a row", failures))
			return
		}
		if !s.sleep(ctx, s.backoff(failures)) {
			return
		}
	}
}

// connectOnce builds a fresh adapter and connects it within the connect
// timeout.
func (s *Supervisor) connectOnce(ctx context.Context, acc *models.Account, log zerolog.Logger) (transport.Adapter, error) {
	adapter, err := s.factory(acc)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := adapter.Connect(connectCtx); err != nil {
		if cerr := adapter.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
			log.Debug().Err(cerr).Msg("adapter close after failed connect")
		}
		return nil, err
	}
	return adapter, nil
}

// pump forwards inbound events to the sink until the events channel
// closes (connection dropped, returns true) or the context is canceled
// (returns false). Rate-limit signals pause the send path instead of
// being ingested.
func (s *Supervisor) pump(ctx context.Context, r *runner, accountID uint, adapter transport.Adapter) (dropped bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-adapter.Events():
			if !ok {
				return true
			}
			if ev.IsRateLimit() {
				r.pauseOutbound(ev.RateLimit)
				s.log.Warn().Uint("account", accountID).Dur("retryAfter", ev.RateLimit).
					Msg("rate limited, outbound paused")
				continue
			}
			s.sink.Submit(accountID, ev)
		}
	}
}

// markLive records a successful connect: status, identity snapshot, and
// cleared error counters.
func (s *Supervisor) markLive(accountID uint, adapter transport.Adapter, log zerolog.Logger) {
	var remoteID, remoteName string
	if ident, ok := adapter.(interface{ RemoteIdentity() (string, string) }); ok {
		remoteID, remoteName = ident.RemoteIdentity()
	}
	if err := registry.MarkLive(s.db, accountID, remoteID, remoteName); err != nil {
		log.Error().Err(err).Msg("mark live failed")
		return
	}
	log.Info().Str("remoteUser", remoteName).Msg("account connected")
}

// fail records a terminal connection failure and alerts operators.
func (s *Supervisor) fail(accountID uint, log zerolog.Logger, cause string) {
	log.Error().Str("cause", cause).Msg("account failed")
	if err := registry.RecordError(s.db, accountID, cause); err != nil {
		log.Error().Err(err).Msg("error bookkeeping failed")
	}
	s.mu.Lock()
	delete(s.runners, accountID)
	s.mu.Unlock()

	if s.deltas != nil {
		s.deltas.Broadcast(fanout.Delta{
			Kind:      fanout.DeltaAlert,
			AccountID: accountID,
			Status:    models.AccountStatusError,
			Text:      cause,
		})
	}
}

func (s *Supervisor) backoff(failures int) time.Duration {
	d := s.baseBackoff << uint(failures-1)
	if d > s.maxBackoff || d <= 0 {
		d = s.maxBackoff
	}
	return d
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/db"
	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/registry"
	"github.com/averden/switchboard/internal/transport"
	"github.com/averden/switchboard/internal/work"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("ConnectSQLite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gdb
}

type fakeAdapter struct {
	connectErr error
	sendRef    transport.RemoteRef
	sendErr    error
	media      []byte

	mu     sync.Mutex
	events chan transport.RawEvent
	closed bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan transport.RawEvent, 16)}
}

func (f *fakeAdapter) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeAdapter) Events() <-chan transport.RawEvent { return f.events }

func (f *fakeAdapter) Send(ctx context.Context, remoteConversationID string, content transport.Content) (transport.RemoteRef, error) {
	return f.sendRef, f.sendErr
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeAdapter) RemoteIdentity() (string, string) { return "u9", "Bridge Bot" }

func (f *fakeAdapter) FetchMedia(ctx context.Context, mediaID string) ([]byte, error) {
	if f.media == nil {
		return nil, errors.New("no blob")
	}
	return f.media, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []transport.RawEvent
}

func (c *captureSink) Submit(accountID uint, ev transport.RawEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func seedAccount(t *testing.T, gdb *gorm.DB, kind string) *models.Account {
	t.Helper()
	acc := models.Account{Name: "acc", Transport: kind, Status: models.AccountStatusInactive, Credential: "tok", Active: true}
	if err := gdb.Create(&acc).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	return &acc
}

func staticFactory(a transport.Adapter, err error) Factory {
	return func(acc *models.Account) (transport.Adapter, error) { return a, err }
}

func newSupervisor(t *testing.T, gdb *gorm.DB, f Factory, sink Sink, deltas *fanout.Registry) *Supervisor {
	t.Helper()
	if sink == nil {
		sink = &captureSink{}
	}
	s, err := New(Opts{
		DB:          gdb,
		Log:         zerolog.Nop(),
		Sink:        sink,
		Deltas:      deltas,
		Factory:     f,
		MaxRestarts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		StopTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func waitStatus(t *testing.T, gdb *gorm.DB, accountID uint, want string) *models.Account {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		acc, err := registry.Get(gdb, accountID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if acc.Status == want {
			return acc
		}
		if time.Now().After(deadline) {
			t.Fatalf("account status = %q, want %q", acc.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStart_ConnectsAndRecordsIdentity(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	fake := newFakeAdapter()
	s := newSupervisor(t, gdb, staticFactory(fake, nil), nil, nil)
	defer s.StopAll()

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, gdb, acc.ID, models.AccountStatusActive)
	if got.RemoteUserID != "u9" || got.RemoteName != "Bridge Bot" {
		t.Errorf("identity snapshot = %q/%q", got.RemoteUserID, got.RemoteName)
	}
	if !s.Running(acc.ID) {
		t.Error("expected runner to be live")
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	s := newSupervisor(t, gdb, staticFactory(newFakeAdapter(), nil), nil, nil)
	defer s.StopAll()

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background(), acc.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStart_DeactivatedAccount(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	if err := registry.Deactivate(gdb, acc.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	s := newSupervisor(t, gdb, staticFactory(newFakeAdapter(), nil), nil, nil)

	if err := s.Start(context.Background(), acc.ID); !errors.Is(err, ErrDeactivated) {
		t.Errorf("expected ErrDeactivated, got %v", err)
	}
}

func TestStart_MalformedCredentialFailsSynchronously(t *testing.T) {
	gdb := testDB(t)
	acc := models.Account{Name: "acc", Transport: models.TransportCallback, Status: models.AccountStatusInactive, Credential: "token-without-secret", Active: true}
	if err := gdb.Create(&acc).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	s := newSupervisor(t, gdb, staticFactory(newFakeAdapter(), nil), nil, nil)

	err := s.Start(context.Background(), acc.ID)
	if !errors.Is(err, transport.ErrInvalidCredential) {
		t.Fatalf("Start err = %v, want ErrInvalidCredential", err)
	}
	if s.Running(acc.ID) {
		t.Error("no runner may be registered for a rejected credential")
	}
}

func TestStart_InvalidCredentialIsTerminal(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	fake := newFakeAdapter()
	fake.connectErr = transport.ErrInvalidCredential

	deltas := fanout.NewRegistry(zerolog.Nop())
	sub := deltas.Subscribe(1)
	defer sub.Cancel()

	s := newSupervisor(t, gdb, staticFactory(fake, nil), nil, deltas)
	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, gdb, acc.ID, models.AccountStatusError)
	if got.ErrorCount == 0 || got.LastError == "" {
		t.Errorf("error bookkeeping missing: count=%d lastError=%q", got.ErrorCount, got.LastError)
	}
	if s.Running(acc.ID) {
		t.Error("failed account must not keep a runner")
	}

	select {
	case d := <-sub.Deltas():
		if d.Kind != fanout.DeltaAlert || d.AccountID != acc.ID {
			t.Errorf("alert = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert broadcast")
	}
}

func TestRun_GivesUpAfterMaxRestarts(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	factory := func(a *models.Account) (transport.Adapter, error) {
		f := newFakeAdapter()
		f.connectErr = transport.ErrNetworkUnavailable
		return f, nil
	}
	s := newSupervisor(t, gdb, factory, nil, nil)

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusError)
	if s.Running(acc.ID) {
		t.Error("runner should be gone after giving up")
	}
}

func TestPump_ForwardsEventsToSink(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	fake := newFakeAdapter()
	sink := &captureSink{}
	s := newSupervisor(t, gdb, staticFactory(fake, nil), sink, nil)
	defer s.StopAll()

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusActive)

	fake.events <- transport.RawEvent{RemoteMessageID: "m1", RemoteConversationID: "c1", Text: "hi"}
	fake.events <- transport.RawEvent{RemoteMessageID: "m2", RemoteConversationID: "c1", Text: "there"}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sink got %d events, want 2", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRateLimit_PausesOutboundOnly(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	fake := newFakeAdapter()
	sink := &captureSink{}
	s := newSupervisor(t, gdb, staticFactory(fake, nil), sink, nil)
	defer s.StopAll()

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusActive)

	fake.events <- transport.RawEvent{RateLimit: time.Minute}
	fake.events <- transport.RawEvent{RemoteMessageID: "m1", RemoteConversationID: "c1"}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("inbound events must keep flowing during a rate limit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := s.Send(context.Background(), acc.ID, "c1", transport.Content{Text: "x"})
	rl, ok := transport.AsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("retry-after = %v", rl.RetryAfter)
	}
}

func TestSend_NotConnected(t *testing.T) {
	gdb := testDB(t)
	s := newSupervisor(t, gdb, staticFactory(newFakeAdapter(), nil), nil, nil)
	if _, err := s.Send(context.Background(), 42, "c1", transport.Content{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSend_DeliversThroughAdapter(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	fake := newFakeAdapter()
	fake.sendRef = transport.RemoteRef{MessageID: "r1"}
	s := newSupervisor(t, gdb, staticFactory(fake, nil), nil, nil)
	defer s.StopAll()

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusActive)

	ref, err := s.Send(context.Background(), acc.ID, "c1", transport.Content{Text: "x"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.MessageID != "r1" {
		t.Errorf("ref = %+v", ref)
	}

	got, err := registry.Get(gdb, acc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastActivity == nil {
		t.Error("send must touch last activity")
	}
}

func TestStop_MarksInactive(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	s := newSupervisor(t, gdb, staticFactory(newFakeAdapter(), nil), nil, nil)

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusActive)

	if err := s.Stop(acc.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusInactive)
	if s.Running(acc.ID) {
		t.Error("runner should be gone")
	}

	// Stopping again is a no-op.
	if err := s.Stop(acc.ID); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStop_DoesNotDisturbOtherAccounts(t *testing.T) {
	gdb := testDB(t)
	accA := seedAccount(t, gdb, models.TransportSession)
	accB := seedAccount(t, gdb, models.TransportSession)

	adapterA := newFakeAdapter()
	adapterB := newFakeAdapter()
	adapterB.sendRef = transport.RemoteRef{MessageID: "r-b"}
	sink := &captureSink{}
	factory := func(acc *models.Account) (transport.Adapter, error) {
		if acc.ID == accA.ID {
			return adapterA, nil
		}
		return adapterB, nil
	}
	s := newSupervisor(t, gdb, factory, sink, nil)
	defer s.StopAll()

	for _, acc := range []*models.Account{accA, accB} {
		if err := s.Start(context.Background(), acc.ID); err != nil {
			t.Fatalf("Start %d: %v", acc.ID, err)
		}
		waitStatus(t, gdb, acc.ID, models.AccountStatusActive)
	}

	if err := s.Stop(accA.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitStatus(t, gdb, accA.ID, models.AccountStatusInactive)

	if !s.Running(accB.ID) {
		t.Fatal("second runner must survive the first one stopping")
	}
	adapterB.events <- transport.RawEvent{RemoteMessageID: "m1", RemoteConversationID: "c1", Text: "still here"}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("surviving adapter stopped delivering inbound events")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ref, err := s.Send(context.Background(), accB.ID, "c1", transport.Content{Text: "x"}); err != nil || ref.MessageID != "r-b" {
		t.Errorf("surviving adapter send = %+v, %v", ref, err)
	}
}

func TestFetchMedia_RoutesToAdapter(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	fake := newFakeAdapter()
	fake.media = []byte("blob")
	s := newSupervisor(t, gdb, staticFactory(fake, nil), nil, nil)
	defer s.StopAll()

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusActive)

	data, err := s.FetchMedia(context.Background(), acc.ID, "photo_1")
	if err != nil {
		t.Fatalf("FetchMedia: %v", err)
	}
	if string(data) != "blob" {
		t.Errorf("data = %q", data)
	}

	if _, err := s.FetchMedia(context.Background(), 999, "photo_1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

type bareAdapter struct{ *fakeAdapter }

// bareAdapter hides the media surface.
func (b bareAdapter) FetchMedia() {}

func TestFetchMedia_NoFetcherForBareTransport(t *testing.T) {
	gdb := testDB(t)
	acc := seedAccount(t, gdb, models.TransportSession)
	fake := newFakeAdapter()
	s := newSupervisor(t, gdb, staticFactory(bareAdapter{fake}, nil), nil, nil)
	defer s.StopAll()

	if err := s.Start(context.Background(), acc.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, gdb, acc.ID, models.AccountStatusActive)

	if _, err := s.FetchMedia(context.Background(), acc.ID, "photo_1"); !errors.Is(err, work.ErrNoFetcher) {
		t.Errorf("expected ErrNoFetcher, got %v", err)
	}
}

package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/db"
	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/ledger"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/transport"
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

type stubSender struct {
	running bool
	refs    []transport.RemoteRef
	errs    []error
	calls   int
}

func (s *stubSender) Running(accountID uint) bool { return s.running }

func (s *stubSender) Send(ctx context.Context, accountID uint, remoteConversationID string, content transport.Content) (transport.RemoteRef, error) {
	i := s.calls
	s.calls++
	if i >= len(s.errs) {
		i = len(s.errs) - 1
	}
	return s.refs[i], s.errs[i]
}

type fixture struct {
	gdb    *gorm.DB
	conv   *models.Conversation
	op     *models.Operator
	deltas *fanout.Registry
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gdb := testDB(t)

	acc := models.Account{Name: "acc", Transport: models.TransportSession, Status: models.AccountStatusActive, Active: true}
	if err := gdb.Create(&acc).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	conv := models.Conversation{AccountID: acc.ID, RemoteID: "c1", Kind: models.ConversationDirect}
	if err := gdb.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	op := models.Operator{Name: "olga", Active: true, MaxOpen: 5}
	if err := gdb.Create(&op).Error; err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if err := ledger.Assign(gdb, conv.ID, op.ID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return &fixture{gdb: gdb, conv: &conv, op: &op, deltas: fanout.NewRegistry(zerolog.Nop())}
}

func newRouter(t *testing.T, fx *fixture, sender Sender) *Router {
	t.Helper()
	r, err := New(fx.gdb, sender, fx.deltas, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestSendReply_Success(t *testing.T) {
	fx := setup(t)
	sender := &stubSender{running: true, refs: []transport.RemoteRef{{MessageID: "r1", Timestamp: time.Now()}}, errs: []error{nil}}
	r := newRouter(t, fx, sender)

	sub := fx.deltas.Subscribe(fx.op.ID)
	defer sub.Cancel()

	msg, err := r.SendReply(context.Background(), fx.conv.ID, fx.op.ID, transport.Content{Kind: "text", Text: "hello"})
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if msg.Status != models.MessageStatusSent {
		t.Errorf("status = %q, want sent", msg.Status)
	}

	var got models.Message
	fx.gdb.First(&got, msg.ID)
	if got.Status != models.MessageStatusSent {
		t.Errorf("stored status = %q", got.Status)
	}
	if got.RemoteID == nil || *got.RemoteID != "r1" {
		t.Errorf("remote id = %v", got.RemoteID)
	}

	select {
	case d := <-sub.Deltas():
		if d.Kind != fanout.DeltaMessageStatus || d.Status != models.MessageStatusSent {
			t.Errorf("delta = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no status delta")
	}
}

func TestSendReply_NotOwnerWritesNothing(t *testing.T) {
	fx := setup(t)
	intruder := models.Operator{Name: "other", Active: true, MaxOpen: 5}
	if err := fx.gdb.Create(&intruder).Error; err != nil {
		t.Fatalf("create operator: %v", err)
	}
	sender := &stubSender{running: true, refs: []transport.RemoteRef{{}}, errs: []error{nil}}
	r := newRouter(t, fx, sender)

	_, err := r.SendReply(context.Background(), fx.conv.ID, intruder.ID, transport.Content{Text: "hi"})
	if !errors.Is(err, ledger.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}

	var count int64
	fx.gdb.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Errorf("messages = %d, ownership failure must write nothing", count)
	}
	if sender.calls != 0 {
		t.Error("transport must not be touched")
	}
}

func TestSendReply_NotConnectedWritesNothing(t *testing.T) {
	fx := setup(t)
	sender := &stubSender{running: false, refs: []transport.RemoteRef{{}}, errs: []error{nil}}
	r := newRouter(t, fx, sender)

	_, err := r.SendReply(context.Background(), fx.conv.ID, fx.op.ID, transport.Content{Text: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	var count int64
	fx.gdb.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Errorf("messages = %d, want 0", count)
	}
}

func TestSendReply_RemoteRejectionMarksFailed(t *testing.T) {
	fx := setup(t)
	sender := &stubSender{running: true, refs: []transport.RemoteRef{{}}, errs: []error{transport.ErrRemoteRejected}}
	r := newRouter(t, fx, sender)

	msg, err := r.SendReply(context.Background(), fx.conv.ID, fx.op.ID, transport.Content{Text: "hi"})
	if !errors.Is(err, transport.ErrRemoteRejected) {
		t.Fatalf("expected ErrRemoteRejected, got %v", err)
	}
	if msg == nil {
		t.Fatal("failed delivery still records the message")
	}

	var got models.Message
	fx.gdb.First(&got, msg.ID)
	if got.Status != models.MessageStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("failure cause must be recorded")
	}
}

func TestSendReply_RateLimitRetriesOnce(t *testing.T) {
	fx := setup(t)
	sender := &stubSender{
		running: true,
		refs:    []transport.RemoteRef{{}, {MessageID: "r2"}},
		errs:    []error{&transport.RateLimitedError{RetryAfter: 5 * time.Millisecond}, nil},
	}
	r := newRouter(t, fx, sender)

	msg, err := r.SendReply(context.Background(), fx.conv.ID, fx.op.ID, transport.Content{Text: "hi"})
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if sender.calls != 2 {
		t.Errorf("send calls = %d, want 2", sender.calls)
	}
	if msg.Status != models.MessageStatusSent {
		t.Errorf("status = %q, want sent", msg.Status)
	}
}

func TestSendReply_PersistentRateLimitStaysPending(t *testing.T) {
	fx := setup(t)
	rl := &transport.RateLimitedError{RetryAfter: time.Millisecond}
	sender := &stubSender{running: true, refs: []transport.RemoteRef{{}, {}}, errs: []error{rl, rl}}
	r := newRouter(t, fx, sender)

	msg, err := r.SendReply(context.Background(), fx.conv.ID, fx.op.ID, transport.Content{Text: "hi"})
	if _, ok := transport.AsRateLimited(err); !ok {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if sender.calls != 2 {
		t.Errorf("send calls = %d, want exactly 2", sender.calls)
	}

	var got models.Message
	fx.gdb.First(&got, msg.ID)
	if got.Status != models.MessageStatusPending {
		t.Errorf("status = %q, a rate limit is not a failure", got.Status)
	}
}

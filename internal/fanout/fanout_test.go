package fanout

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublish_ScopedToOperator(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	subA := reg.Subscribe(1)
	subB := reg.Subscribe(2)
	defer subA.Cancel()
	defer subB.Cancel()

	reg.Publish(1, Delta{Kind: DeltaNewMessage, ConversationID: 10, MessageID: 100})

	select {
	case d := <-subA.Deltas():
		if d.Kind != DeltaNewMessage || d.ConversationID != 10 {
			t.Errorf("delta = %+v", d)
		}
		if d.ID == "" || d.At.IsZero() {
			t.Error("delta not stamped with id/timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("operator 1 never received the delta")
	}

	select {
	case d := <-subB.Deltas():
		t.Errorf("operator 2 observed a delta for operator 1: %+v", d)
	default:
	}
}

func TestPublish_OrderPreserved(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	sub := reg.Subscribe(1)
	defer sub.Cancel()

	for i := 0; i < 20; i++ {
		reg.Publish(1, Delta{Kind: DeltaMessageStatus, MessageID: uint(i)})
	}
	for i := 0; i < 20; i++ {
		d := <-sub.Deltas()
		if d.MessageID != uint(i) {
			t.Fatalf("delta %d arrived with MessageID %d, order broken", i, d.MessageID)
		}
	}
}

func TestPublish_MultipleSessionsPerOperator(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	s1 := reg.Subscribe(1)
	s2 := reg.Subscribe(1)
	defer s1.Cancel()
	defer s2.Cancel()

	reg.Publish(1, Delta{Kind: DeltaChatUpdated, ConversationID: 3})

	for i, sub := range []*Subscription{s1, s2} {
		select {
		case d := <-sub.Deltas():
			if d.ConversationID != 3 {
				t.Errorf("session %d delta = %+v", i, d)
			}
		case <-time.After(time.Second):
			t.Fatalf("session %d never received the delta", i)
		}
	}
}

func TestOverrun_ClosesSubscriber(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	sub := reg.Subscribe(1)

	// Never drain: overflow the buffer.
	for i := 0; i < subscriptionBuffer+10; i++ {
		reg.Publish(1, Delta{Kind: DeltaNewMessage, MessageID: uint(i)})
	}

	// Drain everything; the channel must end closed, and every delta
	// seen must be in order (at-least-once allows loss only via the
	// close-and-refetch path, never reordering).
	last := -1
	for d := range sub.Deltas() {
		if int(d.MessageID) <= last {
			t.Fatalf("order broken: %d after %d", d.MessageID, last)
		}
		last = int(d.MessageID)
	}

	if reg.SessionCount(1) != 0 {
		t.Error("overrun subscriber still registered")
	}
}

func TestCancel_RemovesSession(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	sub := reg.Subscribe(7)
	if reg.SessionCount(7) != 1 {
		t.Fatalf("SessionCount = %d", reg.SessionCount(7))
	}
	sub.Cancel()
	if reg.SessionCount(7) != 0 {
		t.Errorf("SessionCount after Cancel = %d", reg.SessionCount(7))
	}
	// Publishing to a cancelled operator must not panic.
	reg.Publish(7, Delta{Kind: DeltaNewMessage})
}

func TestBroadcast_ReachesEveryOperator(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	var subs []*Subscription
	for op := uint(1); op <= 3; op++ {
		subs = append(subs, reg.Subscribe(op))
	}
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()

	reg.Broadcast(Delta{Kind: DeltaAlert, Text: "account 4 unreachable"})

	for i, sub := range subs {
		select {
		case d := <-sub.Deltas():
			if d.Kind != DeltaAlert {
				t.Errorf("sub %d got %+v", i, d)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d never received the alert", i)
		}
	}
}

func TestSend_AfterCancelIsNoOp(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	sub := reg.Subscribe(1)

	// A publisher that snapshotted the session list before Cancel ran
	// still holds this pointer; its late send must be a silent no-op
	// rather than a send on a closed channel.
	sub.Cancel()
	if !sub.send(Delta{Kind: DeltaNewMessage}) {
		t.Error("send after cancel reported overrun, want no-op")
	}
	if _, ok := <-sub.Deltas(); ok {
		t.Error("cancelled feed delivered a delta")
	}
}

func TestPublish_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	// Saturated buffers force every publish onto the overrun-close path
	// while Cancel races it from the session goroutine. Any window where
	// a close slips between a publisher's snapshot and its send panics
	// the process and fails the run.
	for iter := 0; iter < 50; iter++ {
		sub := reg.Subscribe(1)
		for i := 0; i < subscriptionBuffer; i++ {
			reg.Publish(1, Delta{Kind: DeltaNewMessage, MessageID: uint(i)})
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 50; i++ {
					reg.Publish(1, Delta{Kind: DeltaNewMessage})
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sub.Cancel()
		}()
		close(start)
		wg.Wait()
	}

	if reg.SessionCount(1) != 0 {
		t.Errorf("SessionCount = %d after every session cancelled", reg.SessionCount(1))
	}
}

func TestStamp_PreservesExplicitID(t *testing.T) {
	d := Delta{ID: "fixed", Kind: DeltaNewMessage}
	stamp(&d)
	if d.ID != "fixed" {
		t.Errorf("ID = %q, want fixed", d.ID)
	}
	if d.At.IsZero() {
		t.Error("At not stamped")
	}
	_ = fmt.Sprintf("%v", d)
}

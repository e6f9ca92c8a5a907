// Package fanout delivers state deltas to connected operator sessions,
// scoped to the conversations each operator owns. Delivery is
// at-least-once and order-preserving per subscription; a full subscriber
// is closed so its client reconnects and refetches.
package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delta kinds pushed to operator feeds.
const (
	DeltaNewMessage       = "new_message"
	DeltaMessageStatus    = "message_status"
	DeltaChatUpdated      = "chat_updated"
	DeltaChatMarkedRead   = "chat_marked_as_read"
	DeltaAssignmentChange = "assignment_changed"
	DeltaAlert            = "alert"
)

// Delta is one state change event. It carries enough identity for a
// client to reconcile without a full refetch.
type Delta struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConversationID uint      `json:"conversation_id,omitempty"`
	MessageID      uint      `json:"message_id,omitempty"`
	AccountID      uint      `json:"account_id,omitempty"`
	OperatorID     uint      `json:"operator_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	UnreadCount    int       `json:"unread_count,omitempty"`
	Text           string    `json:"text,omitempty"`
	At             time.Time `json:"at"`
}

// subscriptionBuffer sizes each operator session's delta queue. A
// subscriber that falls this far behind is closed; reconnect + refetch
// converges to the same state.
const subscriptionBuffer = 256

// Subscription is one connected operator session's delta feed.
type Subscription struct {
	OperatorID uint

	reg *Registry

	// mu serializes sends against close: the feed channel is only ever
	// closed while no publisher holds it, so a concurrent Cancel (or an
	// overrun close from another publisher) can never turn an in-flight
	// send into a send on a closed channel.
	mu     sync.Mutex
	ch     chan Delta
	closed bool
}

// Deltas returns the ordered feed channel. Closed when the subscription
// is cancelled or overrun.
func (s *Subscription) Deltas() <-chan Delta { return s.ch }

// Cancel detaches the subscription from the registry and closes the feed.
func (s *Subscription) Cancel() {
	s.reg.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// send enqueues a delta without blocking. It reports false on overrun so
// the caller can drop the laggard; a send to an already cancelled
// subscription is a silent no-op.
func (s *Subscription) send(d Delta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- d:
		return true
	default:
		return false
	}
}

// Registry tracks live subscriptions per operator and routes deltas.
type Registry struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[uint][]*Subscription // operator id -> sessions
}

// NewRegistry creates an empty subscription registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:  log,
		subs: make(map[uint][]*Subscription),
	}
}

// Subscribe opens a delta feed for one operator session. Multiple
// sessions per operator each get their own ordered feed.
func (r *Registry) Subscribe(operatorID uint) *Subscription {
	sub := &Subscription{
		OperatorID: operatorID,
		ch:         make(chan Delta, subscriptionBuffer),
		reg:        r,
	}
	r.mu.Lock()
	r.subs[operatorID] = append(r.subs[operatorID], sub)
	r.mu.Unlock()
	return sub
}

// remove detaches a subscription without closing it.
func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.subs[sub.OperatorID]
	for i, s := range sessions {
		if s == sub {
			r.subs[sub.OperatorID] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.OperatorID]) == 0 {
		delete(r.subs, sub.OperatorID)
	}
}

// Publish enqueues a delta for every session of the given operator, in
// arrival order. An operator with no sessions drops the delta; their next
// connect starts from a full refetch anyway.
func (r *Registry) Publish(operatorID uint, d Delta) {
	stamp(&d)

	r.mu.RLock()
	sessions := append([]*Subscription(nil), r.subs[operatorID]...)
	r.mu.RUnlock()

	for _, sub := range sessions {
		if !sub.send(d) {
			// Overrun: close the laggard rather than block or reorder.
			r.log.Warn().Uint("operator", operatorID).Msg("fanout subscriber overrun, closing")
			r.remove(sub)
			sub.close()
		}
	}
}

// Broadcast enqueues a delta for every connected session of every
// operator (used for supervisor alerts).
func (r *Registry) Broadcast(d Delta) {
	stamp(&d)

	r.mu.RLock()
	var sessions []*Subscription
	for _, subs := range r.subs {
		sessions = append(sessions, subs...)
	}
	r.mu.RUnlock()

	for _, sub := range sessions {
		if !sub.send(d) {
			r.remove(sub)
			sub.close()
		}
	}
}

// SessionCount reports the number of live sessions for an operator.
func (r *Registry) SessionCount(operatorID uint) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[operatorID])
}

func stamp(d *Delta) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
}

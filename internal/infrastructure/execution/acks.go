package execution

import (
	"sync"
	"time"

	"github.com/vitos/trade_copy_bridge/internal/domain"
)

const maxHeldAcks = 1024

type waiter struct {
	accountID string
	ch        chan *domain.CopyAck
}

type heldAck struct {
	accountID string
	ack       *domain.CopyAck
	expires   time.Time
}

// AckTracker pairs copy_ack frames from slave EAs with the deliveries waiting
// on them. An ack that arrives before its delivery starts, as with a direct
// push, is held for ttl.
type AckTracker struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	waiting map[string]*waiter
	held    map[string]heldAck
}

func NewAckTracker(ttl time.Duration) *AckTracker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AckTracker{
		ttl:     ttl,
		now:     time.Now,
		waiting: make(map[string]*waiter),
		held:    make(map[string]heldAck),
	}
}

// Expect registers interest in the ack of instructionID from accountID. The
// returned cancel must be called once the caller stops waiting.
func (t *AckTracker) Expect(accountID, instructionID string) (<-chan *domain.CopyAck, func()) {
	ch := make(chan *domain.CopyAck, 1)

	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.held[instructionID]; ok && h.accountID == accountID && t.now().Before(h.expires) {
		delete(t.held, instructionID)
		ch <- h.ack
		return ch, func() {}
	}
	w := &waiter{accountID: accountID, ch: ch}
	t.waiting[instructionID] = w
	return ch, func() {
		t.mu.Lock()
		if t.waiting[instructionID] == w {
			delete(t.waiting, instructionID)
		}
		t.mu.Unlock()
	}
}

// Resolve hands ack to its waiting delivery and reports whether one was
// waiting. Acks from an account other than the instruction's target are
// dropped.
func (t *AckTracker) Resolve(accountID string, ack *domain.CopyAck) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.waiting[ack.InstructionID]; ok {
		if w.accountID != accountID {
			return false
		}
		delete(t.waiting, ack.InstructionID)
		w.ch <- ack
		return true
	}

	now := t.now()
	for id, h := range t.held {
		if !now.Before(h.expires) {
			delete(t.held, id)
		}
	}
	if len(t.held) < maxHeldAcks {
		t.held[ack.InstructionID] = heldAck{accountID: accountID, ack: ack, expires: now.Add(t.ttl)}
	}
	return false
}

// Pending returns the number of deliveries waiting for an ack.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}

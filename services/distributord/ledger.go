package distributord

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Entry is a single unpaid reward. Immutable once created; it exists only
// between "reward granted" and "payment confirmed".
type Entry struct {
	ID          string
	Recipient   common.Address
	Kind        string
	Amount      *big.Int
	Description string
	CreatedAt   time.Time
}

// RetryPolicy bounds payment retries for a recipient.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type recipientQueue struct {
	entries     []Entry
	attempts    int
	nextAttempt time.Time
	stuck       bool
}

// Ledger accumulates unpaid reward entries keyed by recipient, together with
// each recipient's retry state. All methods are safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	queues map[common.Address]*recipientQueue
	retry  RetryPolicy
	now    func() time.Time
}

// NewLedger constructs an empty ledger with the supplied retry policy.
func NewLedger(retry RetryPolicy) *Ledger {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 8
	}
	if retry.BaseBackoff <= 0 {
		retry.BaseBackoff = 30 * time.Second
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = 10 * time.Minute
	}
	return &Ledger{
		queues: make(map[common.Address]*recipientQueue),
		retry:  retry,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	if clock != nil {
		l.now = clock
	}
	return l
}

// Add appends a new entry for the recipient and returns it. A fresh reward
// clears any stuck marker so the recipient re-enters the retry rotation.
func (l *Ledger) Add(recipient common.Address, kind string, amount *big.Int, description string) Entry {
	entry := Entry{
		ID:          uuid.NewString(),
		Recipient:   recipient,
		Kind:        kind,
		Amount:      new(big.Int).Set(amount),
		Description: description,
		CreatedAt:   l.now(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.queue(recipient)
	queue.entries = append(queue.entries, entry)
	queue.stuck = false
	queue.attempts = 0
	queue.nextAttempt = time.Time{}
	return entry
}

// Restore re-inserts journaled entries at startup, preserving their identity
// and ordering. Retry state starts clean.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range entries {
		queue := l.queue(entry.Recipient)
		queue.entries = append(queue.entries, entry)
	}
}

// Take removes and returns the recipient's full pending sequence.
func (l *Ledger) Take(recipient common.Address) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue, ok := l.queues[recipient]
	if !ok || len(queue.entries) == 0 {
		return nil
	}
	taken := queue.entries
	queue.entries = nil
	return taken
}

// Requeue puts a taken batch back at the head of the recipient's queue.
// Entries added while the batch was in flight stay behind it, so nothing is
// dropped and nothing is paid twice.
func (l *Ledger) Requeue(recipient common.Address, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.queue(recipient)
	queue.entries = append(append([]Entry{}, entries...), queue.entries...)
}

// Settle clears the recipient's retry state after a confirmed payout and
// drops the queue when nothing else is pending.
func (l *Ledger) Settle(recipient common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue, ok := l.queues[recipient]
	if !ok {
		return
	}
	queue.attempts = 0
	queue.nextAttempt = time.Time{}
	queue.stuck = false
	if len(queue.entries) == 0 {
		delete(l.queues, recipient)
	}
}

// RecordFailure notes a failed payment cycle, scheduling the next attempt with
// exponential backoff. It reports the attempt count and whether the recipient
// has exhausted its retry budget.
func (l *Ledger) RecordFailure(recipient common.Address) (attempts int, stuck bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.queue(recipient)
	queue.attempts++
	backoff := l.retry.BaseBackoff
	for i := 1; i < queue.attempts && backoff < l.retry.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > l.retry.MaxBackoff {
		backoff = l.retry.MaxBackoff
	}
	queue.nextAttempt = l.now().Add(backoff)
	if queue.attempts >= l.retry.MaxAttempts {
		queue.stuck = true
	}
	return queue.attempts, queue.stuck
}

// ClearStuck returns every stuck recipient to the retry rotation with a clean
// attempt counter and reports how many were cleared.
func (l *Ledger) ClearStuck() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cleared := 0
	for _, queue := range l.queues {
		if !queue.stuck {
			continue
		}
		queue.stuck = false
		queue.attempts = 0
		queue.nextAttempt = time.Time{}
		cleared++
	}
	return cleared
}

// CanAttempt reports whether a payment cycle for the recipient may start now:
// entries pending, not stuck, and past any scheduled backoff.
func (l *Ledger) CanAttempt(recipient common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue, ok := l.queues[recipient]
	if !ok || len(queue.entries) == 0 {
		return false
	}
	if queue.stuck {
		return false
	}
	return !l.now().Before(queue.nextAttempt)
}

// PendingTotal sums the recipient's pending amounts.
func (l *Ledger) PendingTotal(recipient common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := new(big.Int)
	queue, ok := l.queues[recipient]
	if !ok {
		return total
	}
	for _, entry := range queue.entries {
		total.Add(total, entry.Amount)
	}
	return total
}

// PendingEntries counts all unpaid entries across recipients.
func (l *Ledger) PendingEntries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, queue := range l.queues {
		count += len(queue.entries)
	}
	return count
}

// PendingRecipients counts recipients with at least one unpaid entry.
func (l *Ledger) PendingRecipients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, queue := range l.queues {
		if len(queue.entries) > 0 {
			count++
		}
	}
	return count
}

// StuckRecipients counts recipients that exhausted their retry budget.
func (l *Ledger) StuckRecipients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, queue := range l.queues {
		if queue.stuck && len(queue.entries) > 0 {
			count++
		}
	}
	return count
}

// ReadyRecipients lists recipients eligible for a payment attempt right now.
func (l *Ledger) ReadyRecipients() []common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	ready := make([]common.Address, 0, len(l.queues))
	for recipient, queue := range l.queues {
		if len(queue.entries) == 0 || queue.stuck {
			continue
		}
		if now.Before(queue.nextAttempt) {
			continue
		}
		ready = append(ready, recipient)
	}
	return ready
}

func (l *Ledger) queue(recipient common.Address) *recipientQueue {
	queue, ok := l.queues[recipient]
	if !ok {
		queue = &recipientQueue{}
		l.queues[recipient] = queue
	}
	return queue
}

package distributord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"apocat/services/distributord/evm"
)

// ErrProcessorPaused is returned when a payment is attempted while the
// processor is paused.
var ErrProcessorPaused = errors.New("distributord: processor paused")

// ErrRecipientBusy indicates a payment cycle for the recipient is already in
// flight; the trigger is a no-op and the entries stay queued.
var ErrRecipientBusy = errors.New("distributord: recipient payment in flight")

// payoutWallet is the slice of the wallet the processor drives directly.
type payoutWallet interface {
	Balances(ctx context.Context) (evm.Balances, error)
	TransferToken(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) error
}

// reserveEstimator projects the native-currency requirement for a transfer.
type reserveEstimator interface {
	RequiredReserve(ctx context.Context, to common.Address, amount, currentNative *big.Int) ReserveEstimate
}

// liquidityManager is the rebalancing surface the processor triggers.
type liquidityManager interface {
	SellForReserve(ctx context.Context, nativeNeeded *big.Int) error
	EnsureFloat(ctx context.Context) error
}

// Journal persists reward entries so they survive a restart. A nil journal
// keeps the ledger memory-only.
type Journal interface {
	Append(ctx context.Context, entry Entry) error
	MarkPaid(ctx context.Context, ids []string, txHash string) error
}

// Processor sequences payment cycles: accept a reward, top up gas if the
// reserve is projected short, transfer, confirm, and restore the token float.
// Payments for distinct recipients run concurrently; repeated attempts for one
// recipient are serialized by a per-recipient slot.
type Processor struct {
	wallet     payoutWallet
	estimator  reserveEstimator
	rebalancer liquidityManager
	ledger     *Ledger
	journal    Journal
	metrics    *Metrics
	log        *slog.Logger
	now        func() time.Time
	interval   time.Duration

	mu       sync.Mutex
	paused   bool
	inFlight map[common.Address]struct{}

	cycles sync.WaitGroup
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithJournal supplies the durable reward journal.
func WithJournal(j Journal) ProcessorOption {
	return func(p *Processor) { p.journal = j }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithSweepInterval configures the periodic balance/retry sweep cadence.
func WithSweepInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// NewProcessor constructs a processor over the supplied collaborators.
func NewProcessor(wallet payoutWallet, estimator reserveEstimator, rebalancer liquidityManager, ledger *Ledger, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		wallet:     wallet,
		estimator:  estimator,
		rebalancer: rebalancer,
		ledger:     ledger,
		metrics:    NewMetrics(),
		log:        slog.Default(),
		now:        time.Now,
		interval:   5 * time.Minute,
		inFlight:   make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc
}

// Enqueue records a reward for the recipient and immediately triggers a
// payment attempt in the background. There is no batching window.
func (p *Processor) Enqueue(ctx context.Context, recipient common.Address, kind string, amount *big.Int, description string) (Entry, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Entry{}, fmt.Errorf("distributord: reward amount must be positive")
	}
	entry := p.ledger.Add(recipient, kind, amount, description)
	if p.journal != nil {
		if err := p.journal.Append(ctx, entry); err != nil {
			p.log.Error("journal append failed", "error", err, "recipient", recipient.Hex())
			p.metrics.RecordError("journal")
		}
	}
	p.metrics.RecordQueued(kind)
	p.metrics.SetPending(p.ledger.PendingEntries())
	p.log.Info("reward queued",
		"recipient", recipient.Hex(),
		"kind", kind,
		"amount", formatDecimal(amount),
		"description", description)

	// The cycle outlives the HTTP request context on purpose: once a transfer
	// is submitted it must be confirmed and settled, not abandoned. Run drains
	// these before returning so shutdown never strands a mid-flight payout.
	p.cycles.Add(1)
	go func() {
		defer p.cycles.Done()
		if err := p.ProcessRecipient(context.Background(), recipient); err != nil &&
			!errors.Is(err, ErrRecipientBusy) && !errors.Is(err, ErrProcessorPaused) {
			p.log.Error("payment cycle failed", "error", err, "recipient", recipient.Hex())
		}
	}()
	return entry, nil
}

// ProcessRecipient runs one payment cycle for the recipient. A cycle already
// in flight for the same recipient, a paused processor, or an unexpired
// backoff all leave the queued entries untouched.
func (p *Processor) ProcessRecipient(ctx context.Context, recipient common.Address) error {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return ErrProcessorPaused
	}
	if _, busy := p.inFlight[recipient]; busy {
		p.mu.Unlock()
		return ErrRecipientBusy
	}
	if !p.ledger.CanAttempt(recipient) {
		p.mu.Unlock()
		return nil
	}
	p.inFlight[recipient] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, recipient)
		p.mu.Unlock()
		p.metrics.SetPending(p.ledger.PendingEntries())
		p.metrics.SetStuck(p.ledger.StuckRecipients())
	}()

	entries := p.ledger.Take(recipient)
	if len(entries) == 0 {
		return nil
	}
	total := new(big.Int)
	for _, entry := range entries {
		total.Add(total, entry.Amount)
	}
	start := p.now()
	p.log.Info("processing payout", "recipient", recipient.Hex(), "amount", formatDecimal(total), "entries", len(entries))

	balances, err := p.wallet.Balances(ctx)
	if err != nil {
		return p.cycleFailed(recipient, entries, "balances", err)
	}
	p.metrics.SetBalance("eth", balances.Native)
	p.metrics.SetBalance("apocat", balances.Token)

	estimate := p.estimator.RequiredReserve(ctx, recipient, total, balances.Native)
	if balances.Native.Cmp(estimate.TotalNeeded) < 0 {
		p.log.Info("native reserve below requirement, selling tokens",
			"native_balance", formatDecimal(balances.Native),
			"needed", formatDecimal(estimate.TotalNeeded),
			"fallback_estimate", estimate.Fallback)
		// The transfer is attempted even when the sell fails: an underfunded
		// transfer is rejected by the chain and lands in the retry path.
		if err := p.rebalancer.SellForReserve(ctx, estimate.TotalNeeded); err != nil {
			p.log.Error("sell for reserve failed", "error", err)
			p.metrics.RecordError("sell")
		}
	}

	txHash, err := p.wallet.TransferToken(ctx, recipient, total)
	if err != nil {
		return p.cycleFailed(recipient, entries, "transfer", err)
	}
	if err := p.wallet.WaitForReceipt(ctx, txHash); err != nil {
		return p.cycleFailed(recipient, entries, "confirm", err)
	}

	p.ledger.Settle(recipient)
	if p.journal != nil {
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ID)
		}
		if err := p.journal.MarkPaid(ctx, ids, txHash.Hex()); err != nil {
			p.log.Error("journal mark paid failed", "error", err, "tx_hash", txHash.Hex())
			p.metrics.RecordError("journal")
		}
	}
	p.metrics.RecordPayout("ok")
	p.metrics.ObservePayoutLatency(p.now().Sub(start))
	p.log.Info("payout confirmed",
		"recipient", recipient.Hex(),
		"amount", formatDecimal(total),
		"tx_hash", txHash.Hex())

	if err := p.rebalancer.EnsureFloat(ctx); err != nil {
		p.log.Error("buyback check failed", "error", err)
		p.metrics.RecordError("buyback")
	}
	return nil
}

func (p *Processor) cycleFailed(recipient common.Address, entries []Entry, stage string, err error) error {
	p.ledger.Requeue(recipient, entries)
	attempts, stuck := p.ledger.RecordFailure(recipient)
	p.metrics.RecordError(stage)
	p.metrics.RecordPayout("failed")
	if stuck {
		p.log.Error("recipient exhausted retry budget",
			"recipient", recipient.Hex(),
			"attempts", attempts)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// Run drives the periodic maintenance loop: refresh balance gauges, restore
// the token float, and sweep recipients whose backoff has elapsed. It blocks
// until the context is cancelled, then waits for background payment cycles to
// finish before returning.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.cycles.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	if p.isPaused() {
		return
	}
	if balances, err := p.wallet.Balances(ctx); err == nil {
		p.metrics.SetBalance("eth", balances.Native)
		p.metrics.SetBalance("apocat", balances.Token)
	} else {
		p.log.Warn("periodic balance check failed", "error", err)
	}
	if err := p.rebalancer.EnsureFloat(ctx); err != nil {
		p.log.Error("periodic buyback check failed", "error", err)
		p.metrics.RecordError("buyback")
	}
	for _, recipient := range p.ledger.ReadyRecipients() {
		if err := p.ProcessRecipient(ctx, recipient); err != nil &&
			!errors.Is(err, ErrRecipientBusy) && !errors.Is(err, ErrProcessorPaused) {
			p.log.Error("retry cycle failed", "error", err, "recipient", recipient.Hex())
		}
	}
}

// Pause halts new payment cycles. Cycles already in flight finish.
func (p *Processor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.metrics.SetPause(true)
}

// Resume re-enables payment processing and returns stuck recipients to the
// retry rotation.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	if cleared := p.ledger.ClearStuck(); cleared > 0 {
		p.log.Info("stuck recipients returned to rotation", "recipients", cleared)
	}
	p.metrics.SetPause(false)
	p.metrics.SetStuck(p.ledger.StuckRecipients())
}

func (p *Processor) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Status summarises processor state for the status and admin endpoints.
type Status struct {
	Paused            bool `json:"paused"`
	PendingEntries    int  `json:"pending_entries"`
	PendingRecipients int  `json:"pending_recipients"`
	InFlight          int  `json:"in_flight"`
	Stuck             int  `json:"stuck"`
}

// Status reports a snapshot of the processor.
func (p *Processor) Status() Status {
	p.mu.Lock()
	paused := p.paused
	inFlight := len(p.inFlight)
	p.mu.Unlock()
	return Status{
		Paused:            paused,
		PendingEntries:    p.ledger.PendingEntries(),
		PendingRecipients: p.ledger.PendingRecipients(),
		InFlight:          inFlight,
		Stuck:             p.ledger.StuckRecipients(),
	}
}

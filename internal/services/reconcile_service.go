package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cafepay/backend/internal/audit"
	"github.com/cafepay/backend/internal/config"
	"github.com/cafepay/backend/internal/models"
)

// Reconciliation states. CHANNEL_ERROR is retryable; FAILED is terminal for
// the attempt but the ledger entry survives, so confirmation can be retried.
const (
	StateAwaiting     = "AWAITING"
	StateSatisfied    = "SATISFIED"
	StateFinalizing   = "FINALIZING"
	StateFinalized    = "FINALIZED"
	StateFailed       = "FAILED"
	StateChannelError = "CHANNEL_ERROR"
)

var (
	ErrUnknownReference = errors.New("no open reconciliation for reference")
	ErrNotSatisfied     = errors.New("payment intent is not satisfied")
	ErrNoChannelError   = errors.New("connection is not in an error state")
	ErrFinalizing       = errors.New("finalization in progress")
)

// ReconciliationStatus is the derived projection the screen renders. It is
// recomputed from the ledger entry and the intent on every change, never
// mutated independently.
type ReconciliationStatus struct {
	Reference   string    `json:"reference"`
	State       string    `json:"state"`
	Target      int64     `json:"target"`
	Accumulated int64     `json:"accumulated"`
	Remaining   int64     `json:"remaining"`
	Overpaid    int64     `json:"overpaid"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Error       string    `json:"error,omitempty"`
}

// Finalizer converts a satisfied intent into a confirmed order exactly once
// per reference.
type Finalizer interface {
	Finalize(ctx context.Context, intent *models.PaymentIntent, accumulated int64) (*models.Receipt, error)
}

// ReconcileService tracks the open reconciliation sessions, one per payment
// reference.
type ReconcileService struct {
	ledger    Ledger
	finalizer Finalizer
	listeners ListenerFactory
	cfg       *config.ReconcileConfig
	audit     *audit.Logger

	mu       sync.Mutex
	sessions map[string]*Reconciliation
}

func NewReconcileService(ledger Ledger, finalizer Finalizer, listeners ListenerFactory, cfg *config.ReconcileConfig) *ReconcileService {
	return &ReconcileService{
		ledger:    ledger,
		finalizer: finalizer,
		listeners: listeners,
		cfg:       cfg,
		audit:     audit.NewLogger(),
		sessions:  make(map[string]*Reconciliation),
	}
}

// Open starts (or resumes) reconciliation for an intent. Any total already
// persisted for the reference is recovered first, so an intent satisfied
// while the app was not running lands directly in SATISFIED. A listener
// attach failure leaves the session in CHANNEL_ERROR rather than failing the
// open; the accumulated total remains visible and the connection retryable.
func (rs *ReconcileService) Open(ctx context.Context, intent *models.PaymentIntent) (*Reconciliation, error) {
	rs.mu.Lock()
	if existing, ok := rs.sessions[intent.Reference]; ok {
		rs.mu.Unlock()
		return existing, nil
	}
	rs.mu.Unlock()

	r := &Reconciliation{
		intent:    intent,
		ledger:    rs.ledger,
		finalizer: rs.finalizer,
		listeners: rs.listeners,
		cfg:       rs.cfg,
		audit:     rs.audit,
	}

	if err := r.resume(ctx); err != nil {
		return nil, err
	}
	if err := r.attach(ctx); err != nil {
		log.Printf("[RECONCILE] Listener attach failed for %s: %v", intent.Reference, err)
	}

	rs.mu.Lock()
	// Lost the race with a concurrent open for the same reference.
	if existing, ok := rs.sessions[intent.Reference]; ok {
		rs.mu.Unlock()
		r.Close()
		return existing, nil
	}
	rs.sessions[intent.Reference] = r
	rs.mu.Unlock()

	return r, nil
}

// Get returns the open session for reference.
func (rs *ReconcileService) Get(reference string) (*Reconciliation, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.sessions[reference]
	if !ok {
		return nil, ErrUnknownReference
	}
	return r, nil
}

// Confirm finalizes a satisfied intent and removes the session on success.
func (rs *ReconcileService) Confirm(ctx context.Context, reference string) (*models.Receipt, error) {
	r, err := rs.Get(reference)
	if err != nil {
		return nil, err
	}

	receipt, err := r.Confirm(ctx)
	if err != nil {
		return nil, err
	}

	rs.remove(reference)
	return receipt, nil
}

// Cancel abandons the checkout: the ledger entry is cleared and the session
// removed. Cancelling is rejected mid-finalization.
func (rs *ReconcileService) Cancel(ctx context.Context, reference string) error {
	r, err := rs.Get(reference)
	if err != nil {
		return err
	}
	if err := r.Cancel(ctx); err != nil {
		return err
	}
	rs.remove(reference)
	return nil
}

// Retry reopens the push connection after a channel error.
func (rs *ReconcileService) Retry(ctx context.Context, reference string) error {
	r, err := rs.Get(reference)
	if err != nil {
		return err
	}
	return r.Retry(ctx)
}

// CloseAll tears down the listeners on shutdown. Ledger entries stay put;
// every in-flight intent is resumable.
func (rs *ReconcileService) CloseAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.sessions {
		r.Close()
	}
	rs.sessions = make(map[string]*Reconciliation)
}

func (rs *ReconcileService) remove(reference string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.sessions, reference)
}

// Reconciliation owns the state machine for one payment reference. All
// ledger writes for the reference flow through its single apply loop, so
// accumulations are strictly serialized: a second event cannot start before
// the previous write round-trip has completed.
type Reconciliation struct {
	intent    *models.PaymentIntent
	ledger    Ledger
	finalizer Finalizer
	listeners ListenerFactory
	cfg       *config.ReconcileConfig
	audit     *audit.Logger

	mu          sync.Mutex
	state       string
	accumulated int64
	updatedAt   time.Time
	lastErr     error
	listener    NotificationListener
}

// resume recovers the persisted total before any new event is processed.
func (r *Reconciliation) resume(ctx context.Context) error {
	var entry *models.LedgerEntry
	var err error
	for attempt := 0; attempt < r.cfg.AccumulateRetries; attempt++ {
		entry, err = r.ledger.Read(ctx, r.intent.Reference)
		if err == nil {
			break
		}
		time.Sleep(r.cfg.AccumulateBackoff)
	}
	if err != nil {
		return fmt.Errorf("resume failed for %s: %w", r.intent.Reference, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry != nil {
		r.accumulated = entry.Amount
		r.updatedAt = entry.LastUpdatedAt
	}
	if r.accumulated >= r.intent.TargetAmount {
		r.state = StateSatisfied
	} else {
		r.state = StateAwaiting
	}
	return nil
}

func (r *Reconciliation) attach(ctx context.Context) error {
	listener, err := r.listeners(ctx, r.intent.Reference)
	if err != nil {
		r.mu.Lock()
		r.state = StateChannelError
		r.lastErr = err
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.listener = listener
	r.lastErr = nil
	r.mu.Unlock()

	go r.applyLoop(listener)
	return nil
}

// applyLoop is the only consumer of the listener and the only writer of the
// ledger entry. Accumulate is awaited before the next event is taken.
func (r *Reconciliation) applyLoop(listener NotificationListener) {
	for event := range listener.Events() {
		r.apply(context.Background(), event)
	}

	select {
	case err := <-listener.Errs():
		r.onChannelError(err)
	default:
	}
}

func (r *Reconciliation) apply(ctx context.Context, event models.PaymentEvent) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	if state != StateAwaiting && state != StateSatisfied {
		log.Printf("[RECONCILE] Discarding event for %s in state %s", r.intent.Reference, state)
		return
	}

	var entry *models.LedgerEntry
	var err error
	for attempt := 0; attempt < r.cfg.AccumulateRetries; attempt++ {
		entry, err = r.ledger.Accumulate(ctx, r.intent.Reference, event.Amount)
		if err == nil {
			break
		}
		log.Printf("[RECONCILE] Accumulate attempt %d failed for %s: %v", attempt+1, r.intent.Reference, err)
		time.Sleep(r.cfg.AccumulateBackoff)
	}
	if err != nil {
		// The amount was never written; surface the storage failure instead
		// of acknowledging the event as applied.
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		r.audit.LogError(r.intent.Reference, err)
		return
	}

	r.audit.LogAccumulation(r.intent.Reference, event.SourceID, event.Amount, entry.Amount)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accumulated = entry.Amount
	r.updatedAt = entry.LastUpdatedAt
	r.lastErr = nil
	if r.accumulated >= r.intent.TargetAmount {
		r.state = StateSatisfied
	}
}

func (r *Reconciliation) onChannelError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAwaiting && r.state != StateSatisfied {
		return
	}
	log.Printf("[RECONCILE] Channel error for %s: %v", r.intent.Reference, err)
	r.state = StateChannelError
	r.lastErr = err
}

// Status returns the current projection.
func (r *Reconciliation) Status() ReconciliationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := ReconciliationStatus{
		Reference:   r.intent.Reference,
		State:       r.state,
		Target:      r.intent.TargetAmount,
		Accumulated: r.accumulated,
		UpdatedAt:   r.updatedAt,
	}
	if r.accumulated < r.intent.TargetAmount {
		status.Remaining = r.intent.TargetAmount - r.accumulated
	} else {
		status.Overpaid = r.accumulated - r.intent.TargetAmount
	}
	if r.lastErr != nil {
		status.Error = r.lastErr.Error()
	}
	return status
}

// Confirm moves a satisfied intent through finalization. A FAILED attempt may
// be confirmed again; the finalizer's marker makes the retry safe.
func (r *Reconciliation) Confirm(ctx context.Context) (*models.Receipt, error) {
	r.mu.Lock()
	switch r.state {
	case StateSatisfied, StateFailed:
	case StateFinalizing:
		r.mu.Unlock()
		return nil, ErrFinalizing
	default:
		r.mu.Unlock()
		return nil, ErrNotSatisfied
	}
	r.state = StateFinalizing
	accumulated := r.accumulated
	r.mu.Unlock()

	receipt, err := r.finalizer.Finalize(ctx, r.intent, accumulated)
	if err != nil {
		r.mu.Lock()
		r.state = StateFailed
		r.lastErr = err
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.state = StateFinalized
	r.lastErr = nil
	r.mu.Unlock()
	r.Close()

	return receipt, nil
}

// Cancel clears the persisted total and tears the session down.
func (r *Reconciliation) Cancel(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateFinalizing {
		r.mu.Unlock()
		return ErrFinalizing
	}
	accumulated := r.accumulated
	r.mu.Unlock()

	var err error
	for attempt := 0; attempt < r.cfg.AccumulateRetries; attempt++ {
		err = r.ledger.Clear(ctx, r.intent.Reference)
		if err == nil {
			break
		}
		time.Sleep(r.cfg.AccumulateBackoff)
	}
	if err != nil {
		return fmt.Errorf("cancel failed for %s: %w", r.intent.Reference, err)
	}

	r.audit.LogCancel(r.intent.Reference, accumulated)
	r.Close()
	return nil
}

// Retry reopens the push connection after a channel error. The ledger total
// is re-read first; anything received during the outage is recovered.
func (r *Reconciliation) Retry(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateChannelError {
		r.mu.Unlock()
		return ErrNoChannelError
	}
	r.mu.Unlock()

	if err := r.resume(ctx); err != nil {
		return err
	}
	return r.attach(ctx)
}

// Close releases the listener. The ledger entry is untouched: leaving the
// payment screen keeps the intent resumable.
func (r *Reconciliation) Close() {
	r.mu.Lock()
	listener := r.listener
	r.listener = nil
	r.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			log.Printf("[RECONCILE] Listener close failed for %s: %v", r.intent.Reference, err)
		}
	}
}

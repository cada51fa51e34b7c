package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cafepay/backend/internal/config"
	"github.com/cafepay/backend/internal/models"
)

func testReconcileConfig() *config.ReconcileConfig {
	return &config.ReconcileConfig{
		LedgerPrefix:       "payment_ledger",
		EventChannelPrefix: "payment_events",
		SubmitMarkerPrefix: "payment_submit",
		AccumulateRetries:  3,
		AccumulateBackoff:  time.Millisecond,
		EventBufferSize:    8,
		InProgressTTL:      30 * time.Second,
		DoneMarkerTTL:      24 * time.Hour,
	}
}

// memLedger is an in-memory Ledger whose Accumulate deliberately performs a
// non-atomic read-sleep-write. Two overlapping calls for the same reference
// would lose an update, so it doubles as a probe that the controller
// serializes accumulations.
type memLedger struct {
	mu       sync.Mutex
	entries  map[string]int64
	failures int
	delay    time.Duration
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]int64)}
}

func (m *memLedger) Read(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount, ok := m.entries[reference]
	if !ok {
		return nil, nil
	}
	return &models.LedgerEntry{Reference: reference, Amount: amount, LastUpdatedAt: time.Now()}, nil
}

func (m *memLedger) Accumulate(ctx context.Context, reference string, amount int64) (*models.LedgerEntry, error) {
	m.mu.Lock()
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		return nil, errors.New("storage unavailable")
	}
	current := m.entries[reference]
	m.mu.Unlock()

	time.Sleep(m.delay)

	m.mu.Lock()
	m.entries[reference] = current + amount
	total := m.entries[reference]
	m.mu.Unlock()

	return &models.LedgerEntry{Reference: reference, Amount: total, LastUpdatedAt: time.Now()}, nil
}

func (m *memLedger) Clear(ctx context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, reference)
	return nil
}

func (m *memLedger) total(reference string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount, ok := m.entries[reference]
	return amount, ok
}

func (m *memLedger) set(reference string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[reference] = amount
}

// stubListener feeds the controller scripted events.
type stubListener struct {
	events    chan models.PaymentEvent
	errs      chan error
	closeOnce sync.Once
}

func newStubListener() *stubListener {
	return &stubListener{
		events: make(chan models.PaymentEvent, 16),
		errs:   make(chan error, 1),
	}
}

func (l *stubListener) Events() <-chan models.PaymentEvent { return l.events }
func (l *stubListener) Errs() <-chan error                 { return l.errs }

func (l *stubListener) Close() error {
	l.closeOnce.Do(func() { close(l.events) })
	return nil
}

func (l *stubListener) push(amount int64) {
	l.events <- models.PaymentEvent{Amount: amount, SourceID: "test", ReceivedAt: time.Now()}
}

func (l *stubListener) fail(err error) {
	l.errs <- err
	l.closeOnce.Do(func() { close(l.events) })
}

func stubListenerFactory(l *stubListener) ListenerFactory {
	return func(ctx context.Context, reference string) (NotificationListener, error) {
		return l, nil
	}
}

// stubFinalizer counts submissions and fails a scripted number of times.
type stubFinalizer struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *stubFinalizer) Finalize(ctx context.Context, intent *models.PaymentIntent, accumulated int64) (*models.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("order API unavailable")
	}
	return &models.Receipt{
		Reference:   intent.Reference,
		OrderID:     77,
		Target:      intent.TargetAmount,
		Accumulated: accumulated,
		Overpaid:    accumulated - intent.TargetAmount,
		FinalizedAt: time.Now(),
	}, nil
}

func (f *stubFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingSubmitter stands in for the order-management API.
type countingSubmitter struct {
	mu       sync.Mutex
	calls    int
	failures int
	orderID  int64
}

func (s *countingSubmitter) Submit(ctx context.Context, intent *models.PaymentIntent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("order API returned status 500")
	}
	return s.orderID, nil
}

func (s *countingSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

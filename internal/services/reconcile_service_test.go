package services

import (
	"context"
	"testing"
	"time"

	"github.com/cafepay/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIntent(reference string, target int64) *models.PaymentIntent {
	return &models.PaymentIntent{
		Reference:    reference,
		TargetAmount: target,
		CreatedAt:    time.Now(),
		Merchant:     "CAFEPAY MERCHANT",
		Account:      "0000000000",
		StaffID:      "7",
		Items:        []models.OrderLine{{ProductID: 1, Name: "Espresso", Quantity: 2}},
	}
}

func waitForState(t *testing.T, r *Reconciliation, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Status().State == state
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %s", state, r.Status().State)
}

func waitForAccumulated(t *testing.T, r *Reconciliation, total int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Status().Accumulated == total
	}, 2*time.Second, 5*time.Millisecond, "expected accumulated %d, got %d", total, r.Status().Accumulated)
}

func TestReconciliation_ResumeRecoversCompletion(t *testing.T) {
	ledger := newMemLedger()
	ledger.set("INV-1", 50_000)

	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-1", 50_000))
	require.NoError(t, err)

	// Satisfied immediately from the persisted total, no new event needed.
	status := r.Status()
	assert.Equal(t, StateSatisfied, status.State)
	assert.Equal(t, int64(50_000), status.Accumulated)
	assert.Equal(t, int64(0), status.Overpaid)
}

func TestReconciliation_ResumePartialTotal(t *testing.T) {
	ledger := newMemLedger()
	ledger.set("INV-2", 20_000)

	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-2", 50_000))
	require.NoError(t, err)

	status := r.Status()
	assert.Equal(t, StateAwaiting, status.State)
	assert.Equal(t, int64(20_000), status.Accumulated)
	assert.Equal(t, int64(30_000), status.Remaining)
}

func TestReconciliation_OverpaymentFromFragmentedEvents(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-3", 50_000))
	require.NoError(t, err)
	assert.Equal(t, StateAwaiting, r.Status().State)

	listener.push(30_000)
	waitForAccumulated(t, r, 30_000)
	assert.Equal(t, StateAwaiting, r.Status().State)
	assert.Equal(t, int64(20_000), r.Status().Remaining)

	// Larger than the remainder: credited in full, never split or refused.
	listener.push(25_000)
	waitForAccumulated(t, r, 55_000)

	status := r.Status()
	assert.Equal(t, StateSatisfied, status.State)
	assert.Equal(t, int64(5_000), status.Overpaid)
	assert.Equal(t, int64(0), status.Remaining)
}

func TestReconciliation_ContinuesAccumulatingAfterSatisfied(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-4", 10_000))
	require.NoError(t, err)

	listener.push(10_000)
	waitForState(t, r, StateSatisfied)

	// A second scan keeps accumulating and the overpaid figure tracks it.
	listener.push(10_000)
	waitForAccumulated(t, r, 20_000)
	assert.Equal(t, StateSatisfied, r.Status().State)
	assert.Equal(t, int64(10_000), r.Status().Overpaid)
}

func TestReconciliation_NoLostUpdateOnBackToBackEvents(t *testing.T) {
	ledger := newMemLedger()
	ledger.set("INV-5", 1_000)
	ledger.delay = 10 * time.Millisecond // make an unserialized read-modify-write race visible

	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-5", 50_000))
	require.NoError(t, err)

	listener.push(3_000)
	listener.push(4_000)

	waitForAccumulated(t, r, 8_000)
	total, ok := ledger.total("INV-5")
	require.True(t, ok)
	assert.Equal(t, int64(8_000), total)
}

func TestReconciliation_MonotonicAccumulation(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-6", 100_000))
	require.NoError(t, err)

	previous := int64(0)
	for _, amount := range []int64{5_000, 1, 20_000, 500} {
		listener.push(amount)
		waitForAccumulated(t, r, previous+amount)
		assert.GreaterOrEqual(t, r.Status().Accumulated, previous)
		previous += amount
	}
}

func TestReconciliation_StorageFailureRetried(t *testing.T) {
	ledger := newMemLedger()
	ledger.failures = 2 // first two attempts fail, third succeeds

	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-7", 50_000))
	require.NoError(t, err)

	listener.push(50_000)
	waitForState(t, r, StateSatisfied)
	assert.Equal(t, int64(50_000), r.Status().Accumulated)
}

func TestReconciliation_StorageFailureSurfacedNotSwallowed(t *testing.T) {
	cfg := testReconcileConfig()
	ledger := newMemLedger()
	ledger.failures = cfg.AccumulateRetries // every attempt fails

	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), cfg)

	r, err := rs.Open(context.Background(), testIntent("INV-8", 50_000))
	require.NoError(t, err)

	listener.push(50_000)
	require.Eventually(t, func() bool {
		return r.Status().Error != ""
	}, 2*time.Second, 5*time.Millisecond)

	// The amount was never written, and the controller did not pretend it was.
	status := r.Status()
	assert.Equal(t, StateAwaiting, status.State)
	assert.Equal(t, int64(0), status.Accumulated)
}

func TestReconciliation_ConfirmOnlyWhenSatisfied(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	finalizer := &stubFinalizer{}
	rs := NewReconcileService(ledger, finalizer, stubListenerFactory(listener), testReconcileConfig())

	_, err := rs.Open(context.Background(), testIntent("INV-9", 50_000))
	require.NoError(t, err)

	_, err = rs.Confirm(context.Background(), "INV-9")
	assert.ErrorIs(t, err, ErrNotSatisfied)
	assert.Equal(t, 0, finalizer.callCount())
}

func TestReconciliation_ConfirmFinalizes(t *testing.T) {
	ledger := newMemLedger()
	ledger.set("INV-10", 50_000)

	listener := newStubListener()
	finalizer := &stubFinalizer{}
	rs := NewReconcileService(ledger, finalizer, stubListenerFactory(listener), testReconcileConfig())

	_, err := rs.Open(context.Background(), testIntent("INV-10", 50_000))
	require.NoError(t, err)

	receipt, err := rs.Confirm(context.Background(), "INV-10")
	require.NoError(t, err)
	assert.Equal(t, int64(77), receipt.OrderID)
	assert.Equal(t, 1, finalizer.callCount())

	// Session is gone once finalized.
	_, err = rs.Get("INV-10")
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestReconciliation_FailedFinalizePreservesFunds(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	finalizer := &stubFinalizer{failures: 1}
	rs := NewReconcileService(ledger, finalizer, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-11", 40_000))
	require.NoError(t, err)

	listener.push(40_000)
	waitForState(t, r, StateSatisfied)

	_, err = rs.Confirm(context.Background(), "INV-11")
	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status().State)

	total, ok := ledger.total("INV-11")
	require.True(t, ok)
	assert.Equal(t, int64(40_000), total)

	// The user confirms again; this attempt succeeds with the preserved total.
	receipt, err := rs.Confirm(context.Background(), "INV-11")
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), receipt.Accumulated)
	assert.Equal(t, 2, finalizer.callCount())
}

func TestReconciliation_CancelClearsState(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-12", 50_000))
	require.NoError(t, err)

	listener.push(20_000)
	waitForAccumulated(t, r, 20_000)

	require.NoError(t, rs.Cancel(context.Background(), "INV-12"))

	entry, err := ledger.Read(context.Background(), "INV-12")
	require.NoError(t, err)
	assert.Nil(t, entry)

	_, err = rs.Get("INV-12")
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestReconciliation_ChannelErrorAndRetry(t *testing.T) {
	ledger := newMemLedger()
	first := newStubListener()
	second := newStubListener()

	listeners := []*stubListener{first, second}
	factory := func(ctx context.Context, reference string) (NotificationListener, error) {
		l := listeners[0]
		listeners = listeners[1:]
		return l, nil
	}

	rs := NewReconcileService(ledger, &stubFinalizer{}, factory, testReconcileConfig())
	r, err := rs.Open(context.Background(), testIntent("INV-13", 50_000))
	require.NoError(t, err)

	first.push(10_000)
	waitForAccumulated(t, r, 10_000)

	first.fail(ErrChannelClosed)
	waitForState(t, r, StateChannelError)

	// Money arrived while disconnected; retry recovers it from the ledger.
	ledger.set("INV-13", 60_000)
	require.NoError(t, rs.Retry(context.Background(), "INV-13"))

	status := r.Status()
	assert.Equal(t, StateSatisfied, status.State)
	assert.Equal(t, int64(60_000), status.Accumulated)
	assert.Equal(t, int64(10_000), status.Overpaid)

	second.push(1_000)
	waitForAccumulated(t, r, 61_000)
}

func TestReconciliation_CloseKeepsLedger(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	r, err := rs.Open(context.Background(), testIntent("INV-14", 50_000))
	require.NoError(t, err)

	listener.push(15_000)
	waitForAccumulated(t, r, 15_000)

	// Leaving the screen closes the connection but the intent stays resumable.
	r.Close()
	total, ok := ledger.total("INV-14")
	require.True(t, ok)
	assert.Equal(t, int64(15_000), total)
}

func TestReconcileService_OpenIsIdempotentPerReference(t *testing.T) {
	ledger := newMemLedger()
	listener := newStubListener()
	rs := NewReconcileService(ledger, &stubFinalizer{}, stubListenerFactory(listener), testReconcileConfig())

	intent := testIntent("INV-15", 50_000)
	r1, err := rs.Open(context.Background(), intent)
	require.NoError(t, err)
	r2, err := rs.Open(context.Background(), intent)
	require.NoError(t, err)
	assert.Same(t, r1, r2)
}

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sefoc/sagra-sync/internal/models"
)

type fakeQueue struct {
	touched []models.OrderRef
	err     error
}

func (f *fakeQueue) Drain(context.Context) ([]models.OrderRef, error) {
	return f.touched, f.err
}

type fakeScanner struct {
	discovered []models.OrderRef
	err        error
}

func (f *fakeScanner) Discover(context.Context) ([]models.OrderRef, error) {
	return f.discovered, f.err
}

type fakeReconciler struct {
	reconciled []models.OrderRef
	failOn     map[models.OrderRef]error
}

func (f *fakeReconciler) ReconcileOrder(_ context.Context, ref models.OrderRef) error {
	if err := f.failOn[ref]; err != nil {
		return err
	}
	f.reconciled = append(f.reconciled, ref)
	return nil
}

type fakeCentral struct {
	enforced []models.OrderRef
	backlog  int
}

func (f *fakeCentral) EnforceCurrentFlag(_ context.Context, ref models.OrderRef) error {
	f.enforced = append(f.enforced, ref)
	return nil
}

func (f *fakeCentral) CountUnprocessedChanges(context.Context) (int, error) {
	return f.backlog, nil
}

func newTestScheduler(q *fakeQueue, sc *fakeScanner, r *fakeReconciler, c *fakeCentral) *Scheduler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(q, sc, r, c, time.Second, log)
}

func ref(n int) models.OrderRef { return models.OrderRef{Number: n, Year: 2025} }

func TestCycleReconcilesDiscoveredOrders(t *testing.T) {
	r := &fakeReconciler{}
	s := newTestScheduler(
		&fakeQueue{},
		&fakeScanner{discovered: []models.OrderRef{ref(4999), ref(5100)}},
		r,
		&fakeCentral{},
	)

	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, []models.OrderRef{ref(4999), ref(5100)}, r.reconciled)
}

func TestQueueTouchedOrdersGetInvariantRepair(t *testing.T) {
	r := &fakeReconciler{}
	c := &fakeCentral{}
	s := newTestScheduler(
		&fakeQueue{touched: []models.OrderRef{ref(4999), ref(4800)}},
		&fakeScanner{discovered: []models.OrderRef{ref(4999)}},
		r,
		c,
	)

	require.NoError(t, s.RunCycle(context.Background()))

	// 4999 was reconciled, so only 4800 needs the standalone repair.
	assert.Equal(t, []models.OrderRef{ref(4999)}, r.reconciled)
	assert.Equal(t, []models.OrderRef{ref(4800)}, c.enforced)
}

func TestOneFailingOrderDoesNotStopTheRest(t *testing.T) {
	r := &fakeReconciler{failOn: map[models.OrderRef]error{ref(4999): errors.New("locked")}}
	s := newTestScheduler(
		&fakeQueue{},
		&fakeScanner{discovered: []models.OrderRef{ref(4999), ref(5100)}},
		r,
		&fakeCentral{},
	)

	err := s.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, []models.OrderRef{ref(5100)}, r.reconciled)
}

func TestQueueFailureStillRunsDiscovery(t *testing.T) {
	r := &fakeReconciler{}
	s := newTestScheduler(
		&fakeQueue{err: errors.New("central down")},
		&fakeScanner{discovered: []models.OrderRef{ref(5100)}},
		r,
		&fakeCentral{},
	)

	err := s.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, []models.OrderRef{ref(5100)}, r.reconciled)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestScheduler(&fakeQueue{}, &fakeScanner{}, &fakeReconciler{}, &fakeCentral{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

// Package service owns the reconciliation cycle: drain the change log
// queue, discover touched orders, reconcile them, repair invariants.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sefoc/sagra-sync/internal/models"
	"github.com/sefoc/sagra-sync/pkg/infra"
	"github.com/sefoc/sagra-sync/pkg/metrics"
)

// QueueDrainer consumes the trigger-fed change log queue.
type QueueDrainer interface {
	Drain(ctx context.Context) ([]models.OrderRef, error)
}

// ChangeScanner finds orders touched since the previous cycle.
type ChangeScanner interface {
	Discover(ctx context.Context) ([]models.OrderRef, error)
}

// OrderReconciler converges one order across stores.
type OrderReconciler interface {
	ReconcileOrder(ctx context.Context, ref models.OrderRef) error
}

// CentralStore is the scheduler's narrow view of the central repository.
type CentralStore interface {
	EnforceCurrentFlag(ctx context.Context, ref models.OrderRef) error
	CountUnprocessedChanges(ctx context.Context) (int, error)
}

// Pinger is a reachability probe for one store, feeding the per-store
// health gauge.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

type Scheduler struct {
	queue      QueueDrainer
	scanner    ChangeScanner
	reconciler OrderReconciler
	central    CentralStore
	pingers    []Pinger

	interval time.Duration
	backoff  *infra.Backoff
	log      *slog.Logger
}

func NewScheduler(queue QueueDrainer, scanner ChangeScanner, reconciler OrderReconciler, central CentralStore, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:      queue,
		scanner:    scanner,
		reconciler: reconciler,
		central:    central,
		interval:   interval,
		backoff:    infra.NewBackoff(interval, 2*time.Minute, 2.0),
		log:        log,
	}
}

// AddPinger registers a store health probe run at the start of each cycle.
func (s *Scheduler) AddPinger(p Pinger) {
	s.pingers = append(s.pingers, p)
}

// Run executes cycles until the context is cancelled. A failed cycle
// backs off exponentially instead of hammering a store that is already
// struggling; the first clean cycle resets the delay.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Sync engine started", "interval", s.interval)

	for {
		err := s.RunCycle(ctx)

		var wait time.Duration
		if err != nil {
			wait = s.backoff.Next()
			s.log.Error("Cycle finished with errors", "error", err, "retry_in", wait)
		} else {
			s.backoff.Reset()
			wait = s.interval
		}

		select {
		case <-ctx.Done():
			s.log.Info("Sync engine stopping")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RunCycle performs one full pass. Each phase is isolated: a failure in
// the queue still lets discovery run, and one order failing to
// reconcile does not abandon the rest.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	cycleLog := s.log.With("cycle_id", uuid.NewString()[:8])
	s.probeStores(ctx)

	if backlog, err := s.central.CountUnprocessedChanges(ctx); err == nil {
		metrics.QueueBacklog.Set(float64(backlog))
	}

	var failures int

	touched, err := s.queue.Drain(ctx)
	if err != nil {
		failures++
		cycleLog.Error("Queue drain failed", "error", err)
	}

	discovered, err := s.scanner.Discover(ctx)
	if err != nil {
		failures++
		cycleLog.Warn("Change discovery incomplete", "error", err)
	}

	discoveredSet := make(map[models.OrderRef]struct{}, len(discovered))
	for _, ref := range discovered {
		discoveredSet[ref] = struct{}{}

		if err := s.reconciler.ReconcileOrder(ctx, ref); err != nil {
			failures++
			metrics.OrdersReconciled.WithLabelValues("error").Inc()
			cycleLog.Error("Order reconciliation failed", "order", ref, "error", err)
			continue
		}
		metrics.OrdersReconciled.WithLabelValues("ok").Inc()
	}

	// Orders the queue touched but discovery did not see still need
	// their central invariant repaired; the consumer only fixed the
	// legacy side.
	for _, ref := range touched {
		if _, done := discoveredSet[ref]; done {
			continue
		}
		if err := s.central.EnforceCurrentFlag(ctx, ref); err != nil {
			failures++
			cycleLog.Error("Invariant enforcement failed", "order", ref, "error", err)
		}
	}

	if len(touched) > 0 || len(discovered) > 0 {
		cycleLog.Info("Cycle complete",
			"queued", len(touched),
			"discovered", len(discovered),
			"duration", time.Since(start).Round(time.Millisecond))
	}

	if failures > 0 {
		return fmt.Errorf("%d of the cycle's operations failed", failures)
	}
	return nil
}

func (s *Scheduler) probeStores(ctx context.Context) {
	for _, p := range s.pingers {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.Ping(probeCtx); err != nil {
			metrics.StoreUp.WithLabelValues(p.Name()).Set(0)
			s.log.Warn("Store unreachable", "store", p.Name(), "error", err)
		} else {
			metrics.StoreUp.WithLabelValues(p.Name()).Set(1)
		}
		cancel()
	}
}

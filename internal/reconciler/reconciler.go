// Package reconciler converges a single order across the central store
// and its authoritative legacy store. All movement comparison is done
// by content fingerprint; the legacy tables carry no version columns.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sefoc/sagra-sync/internal/authority"
	"github.com/sefoc/sagra-sync/internal/fingerprint"
	"github.com/sefoc/sagra-sync/internal/models"
	"github.com/sefoc/sagra-sync/pkg/metrics"
)

// CentralStore is the reconciler's view of the central repository.
type CentralStore interface {
	GetOrder(ctx context.Context, ref models.OrderRef) (*models.Order, error)
	InsertOrder(ctx context.Context, o *models.Order) (bool, error)
	GetDetail(ctx context.Context, ref models.OrderRef) (*models.OrderDetail, error)
	InsertDetail(ctx context.Context, d *models.OrderDetail) (bool, error)
	MovementsForOrder(ctx context.Context, ref models.OrderRef) ([]models.Movement, error)
	InsertMovement(ctx context.Context, m *models.Movement) (bool, error)
	UpdateMovement(ctx context.Context, m *models.Movement) error
	DeleteMovementWithTombstone(ctx context.Context, m *models.Movement, fingerprint, reason string) error
	HasPendingChangeForOrder(ctx context.Context, ref models.OrderRef) (bool, error)
	EnforceCurrentFlag(ctx context.Context, ref models.OrderRef) error
	LogAction(ctx context.Context, action, statusCode, detail string)
}

// LegacyStore is the reconciler's view of one desktop database.
type LegacyStore interface {
	Name() string
	GetOrder(ctx context.Context, ref models.OrderRef) (*models.Order, error)
	InsertOrder(ctx context.Context, o *models.Order) error
	GetDetail(ctx context.Context, ref models.OrderRef) (*models.OrderDetail, error)
	InsertDetail(ctx context.Context, d *models.OrderDetail) error
	MovementsForOrder(ctx context.Context, ref models.OrderRef) ([]models.Movement, error)
	InsertMovement(ctx context.Context, m *models.Movement) error
	DeleteMovement(ctx context.Context, statusCode string) error
	EnforceCurrentFlag(ctx context.Context, ref models.OrderRef) error
}

// TombstoneGate answers whether inserting a movement centrally would
// resurrect a deliberate deletion.
type TombstoneGate interface {
	ShouldBlock(ctx context.Context, m *models.Movement) (bool, error)
}

// EventSink receives a notification for every movement the reconciler
// writes or removes. Implementations must be best effort; the
// reconciler never checks an outcome.
type EventSink interface {
	MovementSynced(ctx context.Context, action string, m *models.Movement, store string)
}

type Reconciler struct {
	central    CentralStore
	stores     map[authority.StoreID]LegacyStore
	resolver   authority.Resolver
	tombstones TombstoneGate
	events     EventSink
	log        *slog.Logger
}

func NewReconciler(central CentralStore, stores map[authority.StoreID]LegacyStore, resolver authority.Resolver, tombstones TombstoneGate, log *slog.Logger) *Reconciler {
	return &Reconciler{
		central:    central,
		stores:     stores,
		resolver:   resolver,
		tombstones: tombstones,
		log:        log,
	}
}

// SetEventSink attaches an optional realtime event sink.
func (r *Reconciler) SetEventSink(s EventSink) { r.events = s }

func (r *Reconciler) emit(ctx context.Context, action string, m *models.Movement, store string) {
	if r.events != nil {
		r.events.MovementSynced(ctx, action, m, store)
	}
}

// ReconcileOrder converges one order: header and detail rows are copied
// to whichever side is missing them, movements are merged by
// fingerprint, and the single-active-status invariant is repaired on
// both sides. The operation is idempotent; running it twice against
// converged stores changes nothing.
func (r *Reconciler) ReconcileOrder(ctx context.Context, ref models.OrderRef) error {
	store, ok := r.stores[r.resolver.For(ref.Number)]
	if !ok {
		return fmt.Errorf("no legacy store for order number %d", ref.Number)
	}

	if err := r.reconcileHeader(ctx, store, ref); err != nil {
		return fmt.Errorf("order %s header: %w", ref, err)
	}
	if err := r.reconcileDetail(ctx, store, ref); err != nil {
		return fmt.Errorf("order %s detail: %w", ref, err)
	}
	if err := r.reconcileMovements(ctx, store, ref); err != nil {
		return fmt.Errorf("order %s movements: %w", ref, err)
	}

	if err := r.central.EnforceCurrentFlag(ctx, ref); err != nil {
		return err
	}
	if err := store.EnforceCurrentFlag(ctx, ref); err != nil {
		return err
	}
	return nil
}

// reconcileHeader copies the tabprotocolos row to the side missing it.
// Once both sides have the header neither wins: the desktop and the web
// application both edit headers in place and there is no timestamp to
// arbitrate with, so existing rows are deliberately left alone.
func (r *Reconciler) reconcileHeader(ctx context.Context, store LegacyStore, ref models.OrderRef) error {
	central, err := r.central.GetOrder(ctx, ref)
	if err != nil {
		return err
	}
	legacy, err := store.GetOrder(ctx, ref)
	if err != nil {
		return err
	}

	switch {
	case central == nil && legacy == nil:
		// An order with movements but no header happens when a desktop
		// client crashed mid-entry. Nothing to copy from.
		r.log.Warn("Order has no header on either side", "order", ref)
	case central == nil:
		if _, err := r.central.InsertOrder(ctx, legacy); err != nil {
			return err
		}
		r.log.Info("Copied order header to central store", "order", ref)
	case legacy == nil:
		if err := store.InsertOrder(ctx, central); err != nil {
			return err
		}
		r.log.Info("Copied order header to legacy store", "order", ref, "store", store.Name())
	}
	return nil
}

func (r *Reconciler) reconcileDetail(ctx context.Context, store LegacyStore, ref models.OrderRef) error {
	central, err := r.central.GetDetail(ctx, ref)
	if err != nil {
		return err
	}
	legacy, err := store.GetDetail(ctx, ref)
	if err != nil {
		return err
	}

	switch {
	case central == nil && legacy == nil:
		// Details are optional; plenty of orders never get one.
	case central == nil:
		if _, err := r.central.InsertDetail(ctx, legacy); err != nil {
			return err
		}
	case legacy == nil:
		if err := store.InsertDetail(ctx, central); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileMovements(ctx context.Context, store LegacyStore, ref models.OrderRef) error {
	centralRows, err := r.central.MovementsForOrder(ctx, ref)
	if err != nil {
		return err
	}
	legacyRows, err := store.MovementsForOrder(ctx, ref)
	if err != nil {
		return err
	}

	centralByCode := make(map[string]*models.Movement, len(centralRows))
	for i := range centralRows {
		centralByCode[centralRows[i].StatusCode] = &centralRows[i]
	}
	legacyByCode := make(map[string]*models.Movement, len(legacyRows))
	for i := range legacyRows {
		legacyByCode[legacyRows[i].StatusCode] = &legacyRows[i]
	}

	for i := range legacyRows {
		legacy := &legacyRows[i]
		central, both := centralByCode[legacy.StatusCode]

		if !both {
			// Older desktop rows sometimes carry mistyped link columns;
			// the order being reconciled is the trusted key.
			legacy.OrderNumber = ref.Number
			legacy.Year = ref.Year
			if err := r.importLegacyMovement(ctx, store, legacy); err != nil {
				return err
			}
			continue
		}

		// The desktop side is the editing surface for its partition, so
		// diverged content flows legacy to central.
		if fingerprint.Movement(legacy) != fingerprint.Movement(central) {
			if err := r.central.UpdateMovement(ctx, legacy); err != nil {
				metrics.MovementsApplied.WithLabelValues("to_central", "error").Inc()
				return err
			}
			metrics.MovementsApplied.WithLabelValues("to_central", "updated").Inc()
			r.central.LogAction(ctx, "atualizado", legacy.StatusCode, "conteúdo divergente no legado")
			r.emit(ctx, "updated", legacy, store.Name())
		}
	}

	for i := range centralRows {
		central := &centralRows[i]
		if _, both := legacyByCode[central.StatusCode]; both {
			continue
		}
		if err := r.cleanOrphan(ctx, store, central); err != nil {
			return err
		}
	}

	return nil
}

// importLegacyMovement copies a legacy-only movement into the central
// store unless a tombstone says it was deliberately deleted there. A
// matching tombstone also removes the legacy copy, completing the
// deletion's propagation.
func (r *Reconciler) importLegacyMovement(ctx context.Context, store LegacyStore, m *models.Movement) error {
	blocked, err := r.tombstones.ShouldBlock(ctx, m)
	if err != nil {
		return err
	}
	if blocked {
		metrics.ResurrectionsBlocked.Inc()
		if err := store.DeleteMovement(ctx, m.StatusCode); err != nil {
			return err
		}
		r.log.Info("Propagated deletion to legacy store",
			"codstatus", m.StatusCode, "store", store.Name())
		r.central.LogAction(ctx, "exclusao_propagada", m.StatusCode, store.Name())
		r.emit(ctx, "deleted", m, store.Name())
		return nil
	}

	inserted, err := r.central.InsertMovement(ctx, m)
	if err != nil {
		metrics.MovementsApplied.WithLabelValues("to_central", "error").Inc()
		return err
	}
	if inserted {
		metrics.MovementsApplied.WithLabelValues("to_central", "inserted").Inc()
		r.central.LogAction(ctx, "importado", m.StatusCode, store.Name())
		r.emit(ctx, "imported", m, store.Name())
	}
	return nil
}

// cleanOrphan handles a movement that exists only centrally. If an
// unprocessed queue entry still references the order, the row is a
// fresh web insert racing the queue and is left alone. Otherwise the
// desktop side deleted it, and the central copy goes too, tombstoned
// so it cannot come back.
func (r *Reconciler) cleanOrphan(ctx context.Context, store LegacyStore, m *models.Movement) error {
	pending, err := r.central.HasPendingChangeForOrder(ctx, m.Ref())
	if err != nil {
		return err
	}
	if pending {
		r.log.Debug("Leaving central-only movement for the queue", "codstatus", m.StatusCode)
		return nil
	}

	if err := r.central.DeleteMovementWithTombstone(ctx, m, fingerprint.Movement(m), "removido no "+store.Name()); err != nil {
		return err
	}
	metrics.OrphansDeleted.Inc()
	r.log.Info("Deleted orphaned central movement", "codstatus", m.StatusCode)
	r.central.LogAction(ctx, "orfao_removido", m.StatusCode, store.Name())
	r.emit(ctx, "deleted", m, store.Name())
	return nil
}

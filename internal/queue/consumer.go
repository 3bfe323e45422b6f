// Package queue drains sync_changes_log, the trigger-fed append-only
// queue that tells the engine which movements the web application
// inserted. Entries are acknowledged by setting processed, never
// deleted; the table doubles as an audit trail.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sefoc/sagra-sync/internal/authority"
	"github.com/sefoc/sagra-sync/internal/fingerprint"
	"github.com/sefoc/sagra-sync/internal/models"
	"github.com/sefoc/sagra-sync/pkg/metrics"
)

// CentralStore is the consumer's view of the central repository.
type CentralStore interface {
	FetchUnprocessedChanges(ctx context.Context, batchSize int) ([]models.ChangeLogEntry, error)
	MarkChangeProcessed(ctx context.Context, id int64) error
	GetMovement(ctx context.Context, statusCode string) (*models.Movement, error)
	GetOrder(ctx context.Context, ref models.OrderRef) (*models.Order, error)
	GetDetail(ctx context.Context, ref models.OrderRef) (*models.OrderDetail, error)
}

// LegacyStore is the consumer's view of one desktop database.
type LegacyStore interface {
	Name() string
	GetMovement(ctx context.Context, statusCode string) (*models.Movement, error)
	InsertMovement(ctx context.Context, m *models.Movement) error
	UpdateMovement(ctx context.Context, m *models.Movement) error
	GetOrder(ctx context.Context, ref models.OrderRef) (*models.Order, error)
	InsertOrder(ctx context.Context, o *models.Order) error
	GetDetail(ctx context.Context, ref models.OrderRef) (*models.OrderDetail, error)
	InsertDetail(ctx context.Context, d *models.OrderDetail) error
	EnforceCurrentFlag(ctx context.Context, ref models.OrderRef) error
}

// EventSink receives a notification for each movement propagated to a
// legacy store. Best effort only.
type EventSink interface {
	MovementSynced(ctx context.Context, action string, m *models.Movement, store string)
}

type Consumer struct {
	central   CentralStore
	stores    map[authority.StoreID]LegacyStore
	resolver  authority.Resolver
	batchSize int
	events    EventSink
	log       *slog.Logger
}

func NewConsumer(central CentralStore, stores map[authority.StoreID]LegacyStore, resolver authority.Resolver, batchSize int, log *slog.Logger) *Consumer {
	return &Consumer{
		central:   central,
		stores:    stores,
		resolver:  resolver,
		batchSize: batchSize,
		log:       log,
	}
}

// SetEventSink attaches an optional realtime event sink.
func (c *Consumer) SetEventSink(s EventSink) { c.events = s }

func (c *Consumer) emit(ctx context.Context, action string, m *models.Movement, store string) {
	if c.events != nil {
		c.events.MovementSynced(ctx, action, m, store)
	}
}

// Drain consumes one batch of unprocessed queue entries and returns the
// orders it touched so the cycle can follow up with invariant
// enforcement. A failed entry is logged and left unprocessed for the
// next cycle; the rest of the batch still applies. Every write here is
// an idempotent natural-key upsert, so retrying an entry out of its
// original position converges to the same state.
func (c *Consumer) Drain(ctx context.Context) ([]models.OrderRef, error) {
	entries, err := c.central.FetchUnprocessedChanges(ctx, c.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetching queue batch: %w", err)
	}

	touchedSet := make(map[models.OrderRef]struct{})
	var touched []models.OrderRef
	var errs []error

	for i := range entries {
		ref, propagated, err := c.consume(ctx, &entries[i])
		if err != nil {
			c.log.Error("Queue entry failed. Leaving unprocessed for retry",
				"id", entries[i].ID, "error", err)
			errs = append(errs, fmt.Errorf("queue entry %d: %w", entries[i].ID, err))
			continue
		}
		if propagated {
			if _, seen := touchedSet[ref]; !seen {
				touchedSet[ref] = struct{}{}
				touched = append(touched, ref)
			}
		}
		if err := c.central.MarkChangeProcessed(ctx, entries[i].ID); err != nil {
			errs = append(errs, err)
		}
	}

	return touched, errors.Join(errs...)
}

// consume handles a single entry. Only movement inserts carry work;
// every other table or action is acknowledged without effect.
func (c *Consumer) consume(ctx context.Context, e *models.ChangeLogEntry) (models.OrderRef, bool, error) {
	if e.TableName != models.MovementTable || e.Action != models.ActionInsert {
		c.log.Debug("Ignoring non-movement queue entry", "id", e.ID, "table", e.TableName, "action", e.Action)
		return models.OrderRef{}, false, nil
	}

	key, err := e.Key()
	if err != nil || key.StatusCode == "" {
		// A malformed key cannot be mapped to a row. Acknowledge it so
		// it does not wedge the queue; the row itself is still covered
		// by change discovery.
		c.log.Warn("Skipping queue entry with unusable key document", "id", e.ID, "error", err)
		return models.OrderRef{}, false, nil
	}

	central, err := c.central.GetMovement(ctx, key.StatusCode)
	if err != nil {
		return models.OrderRef{}, false, err
	}
	if central == nil {
		// Inserted and already deleted before we got here. The
		// tombstone written by the deletion handles the rest.
		c.log.Debug("Queued movement no longer exists centrally", "codstatus", key.StatusCode)
		return models.OrderRef{}, false, nil
	}

	store, ok := c.stores[c.resolver.For(central.OrderNumber)]
	if !ok {
		return models.OrderRef{}, false, fmt.Errorf("no legacy store for order number %d", central.OrderNumber)
	}

	ref := central.Ref()
	if err := c.ensureOrder(ctx, store, ref); err != nil {
		return models.OrderRef{}, false, err
	}

	existing, err := store.GetMovement(ctx, central.StatusCode)
	if err != nil {
		return models.OrderRef{}, false, err
	}

	switch {
	case existing == nil:
		if err := store.InsertMovement(ctx, central); err != nil {
			metrics.MovementsApplied.WithLabelValues("to_legacy", "error").Inc()
			return models.OrderRef{}, false, err
		}
		metrics.MovementsApplied.WithLabelValues("to_legacy", "inserted").Inc()
		c.log.Info("Propagated movement to legacy store",
			"codstatus", central.StatusCode, "store", store.Name())
		c.emit(ctx, "propagated", central, store.Name())

	case fingerprint.Movement(existing) != fingerprint.Movement(central):
		// The entry exists because the web side wrote this row, so the
		// central copy is the fresher one.
		if err := store.UpdateMovement(ctx, central); err != nil {
			metrics.MovementsApplied.WithLabelValues("to_legacy", "error").Inc()
			return models.OrderRef{}, false, err
		}
		metrics.MovementsApplied.WithLabelValues("to_legacy", "updated").Inc()
		c.emit(ctx, "propagated", central, store.Name())

	default:
		// Already replicated, often by a previous crash-interrupted
		// run. Acknowledging is all that is left to do.
		c.log.Debug("Queued movement already in sync", "codstatus", central.StatusCode)
		return ref, true, nil
	}

	if err := store.EnforceCurrentFlag(ctx, ref); err != nil {
		return models.OrderRef{}, false, err
	}
	return ref, true, nil
}

// ensureOrder copies the order header (and detail, when present) into
// the legacy store before the first movement lands there.
func (c *Consumer) ensureOrder(ctx context.Context, store LegacyStore, ref models.OrderRef) error {
	existing, err := store.GetOrder(ctx, ref)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	order, err := c.central.GetOrder(ctx, ref)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("movement references order %s but no header exists centrally", ref)
	}

	if err := store.InsertOrder(ctx, order); err != nil {
		return err
	}
	c.log.Info("Copied order header to legacy store", "order", ref, "store", store.Name())

	detail, err := c.central.GetDetail(ctx, ref)
	if err != nil {
		return err
	}
	if detail != nil {
		if err := store.InsertDetail(ctx, detail); err != nil {
			return err
		}
	}
	return nil
}

// Package tombstone decides whether a movement found only in a legacy
// store is genuinely new or a ghost of a row the engine deleted from
// the central store. Without this check, a slow legacy replica would
// resurrect every deliberate deletion on the next cycle.
package tombstone

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sefoc/sagra-sync/internal/fingerprint"
	"github.com/sefoc/sagra-sync/internal/models"
)

// Store is the persistence the tracker needs, implemented by the
// central repository over deleted_andamentos.
type Store interface {
	GetTombstone(ctx context.Context, key models.ChangeKey) (*models.Tombstone, error)
	UpsertTombstone(ctx context.Context, ts *models.Tombstone) error
	DeleteTombstone(ctx context.Context, key models.ChangeKey) error
}

type Tracker struct {
	store Store
	log   *slog.Logger
}

func NewTracker(store Store, log *slog.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// Record captures a movement's content fingerprint before it is
// deleted, so later cycles can tell the deleted row apart from a new
// one that reuses the same key.
func (t *Tracker) Record(ctx context.Context, m *models.Movement, origin, reason string) error {
	ts := &models.Tombstone{
		StatusCode:  m.StatusCode,
		OrderNumber: m.OrderNumber,
		Year:        m.Year,
		Origin:      origin,
		Fingerprint: fingerprint.Movement(m),
		DeletedAt:   time.Now(),
		Reason:      reason,
	}

	if err := t.store.UpsertTombstone(ctx, ts); err != nil {
		return fmt.Errorf("recording tombstone for %s: %w", m.StatusCode, err)
	}
	return nil
}

// ShouldBlock reports whether inserting m into the central store would
// resurrect a deleted row. A tombstone only blocks when its fingerprint
// matches the candidate's content: a different fingerprint means the
// legacy side wrote a genuinely new record under a reused key, so the
// stale tombstone is dropped and the insert goes through.
func (t *Tracker) ShouldBlock(ctx context.Context, m *models.Movement) (bool, error) {
	key := models.ChangeKey{
		StatusCode:  m.StatusCode,
		OrderNumber: m.OrderNumber,
		Year:        m.Year,
	}

	ts, err := t.store.GetTombstone(ctx, key)
	if err != nil {
		return false, fmt.Errorf("looking up tombstone for %s: %w", m.StatusCode, err)
	}
	if ts == nil {
		return false, nil
	}

	if ts.Fingerprint == fingerprint.Movement(m) {
		t.log.Debug("Blocking resurrection of deleted movement",
			"codstatus", m.StatusCode, "deleted_at", ts.DeletedAt)
		return true, nil
	}

	t.log.Info("Key reused with different content. Dropping stale tombstone",
		"codstatus", m.StatusCode)
	if err := t.store.DeleteTombstone(ctx, key); err != nil {
		return false, fmt.Errorf("dropping stale tombstone for %s: %w", m.StatusCode, err)
	}
	return false, nil
}

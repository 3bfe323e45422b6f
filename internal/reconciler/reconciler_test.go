package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sefoc/sagra-sync/internal/authority"
	"github.com/sefoc/sagra-sync/internal/fingerprint"
	"github.com/sefoc/sagra-sync/internal/models"
	"github.com/sefoc/sagra-sync/internal/tombstone"
)

type fakeCentral struct {
	orders     map[models.OrderRef]*models.Order
	details    map[models.OrderRef]*models.OrderDetail
	movements  map[string]*models.Movement
	tombstones map[string]*models.Tombstone
	pending    map[models.OrderRef]bool
	enforced   int
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{
		orders:     make(map[models.OrderRef]*models.Order),
		details:    make(map[models.OrderRef]*models.OrderDetail),
		movements:  make(map[string]*models.Movement),
		tombstones: make(map[string]*models.Tombstone),
		pending:    make(map[models.OrderRef]bool),
	}
}

func (f *fakeCentral) GetOrder(_ context.Context, ref models.OrderRef) (*models.Order, error) {
	return f.orders[ref], nil
}

func (f *fakeCentral) InsertOrder(_ context.Context, o *models.Order) (bool, error) {
	if _, exists := f.orders[o.Ref()]; exists {
		return false, nil
	}
	cp := *o
	f.orders[o.Ref()] = &cp
	return true, nil
}

func (f *fakeCentral) GetDetail(_ context.Context, ref models.OrderRef) (*models.OrderDetail, error) {
	return f.details[ref], nil
}

func (f *fakeCentral) InsertDetail(_ context.Context, d *models.OrderDetail) (bool, error) {
	if _, exists := f.details[d.Ref()]; exists {
		return false, nil
	}
	cp := *d
	f.details[d.Ref()] = &cp
	return true, nil
}

func (f *fakeCentral) MovementsForOrder(_ context.Context, ref models.OrderRef) ([]models.Movement, error) {
	var out []models.Movement
	for _, m := range f.movements {
		if m.Ref() == ref {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeCentral) InsertMovement(_ context.Context, m *models.Movement) (bool, error) {
	if _, exists := f.movements[m.StatusCode]; exists {
		return false, nil
	}
	cp := *m
	f.movements[m.StatusCode] = &cp
	return true, nil
}

func (f *fakeCentral) UpdateMovement(_ context.Context, m *models.Movement) error {
	cp := *m
	f.movements[m.StatusCode] = &cp
	return nil
}

func (f *fakeCentral) DeleteMovementWithTombstone(_ context.Context, m *models.Movement, fp, reason string) error {
	delete(f.movements, m.StatusCode)
	f.tombstones[m.StatusCode] = &models.Tombstone{
		StatusCode:  m.StatusCode,
		OrderNumber: m.OrderNumber,
		Year:        m.Year,
		Origin:      "central",
		Fingerprint: fp,
		DeletedAt:   time.Now(),
		Reason:      reason,
	}
	return nil
}

func (f *fakeCentral) HasPendingChangeForOrder(_ context.Context, ref models.OrderRef) (bool, error) {
	return f.pending[ref], nil
}

func (f *fakeCentral) EnforceCurrentFlag(_ context.Context, ref models.OrderRef) error {
	f.enforced++
	recomputeCurrentFlag(f.movements, ref)
	return nil
}

func (f *fakeCentral) LogAction(context.Context, string, string, string) {}

// tombstone.Store, so the tests run against the real tracker.

func (f *fakeCentral) GetTombstone(_ context.Context, key models.ChangeKey) (*models.Tombstone, error) {
	return f.tombstones[key.StatusCode], nil
}

func (f *fakeCentral) UpsertTombstone(_ context.Context, ts *models.Tombstone) error {
	f.tombstones[ts.StatusCode] = ts
	return nil
}

func (f *fakeCentral) DeleteTombstone(_ context.Context, key models.ChangeKey) error {
	delete(f.tombstones, key.StatusCode)
	return nil
}

type fakeLegacy struct {
	name      string
	orders    map[models.OrderRef]*models.Order
	details   map[models.OrderRef]*models.OrderDetail
	movements map[string]*models.Movement
	enforced  int
}

func newFakeLegacy(name string) *fakeLegacy {
	return &fakeLegacy{
		name:      name,
		orders:    make(map[models.OrderRef]*models.Order),
		details:   make(map[models.OrderRef]*models.OrderDetail),
		movements: make(map[string]*models.Movement),
	}
}

func (f *fakeLegacy) Name() string { return f.name }

func (f *fakeLegacy) GetOrder(_ context.Context, ref models.OrderRef) (*models.Order, error) {
	return f.orders[ref], nil
}

func (f *fakeLegacy) InsertOrder(_ context.Context, o *models.Order) error {
	cp := *o
	f.orders[o.Ref()] = &cp
	return nil
}

func (f *fakeLegacy) GetDetail(_ context.Context, ref models.OrderRef) (*models.OrderDetail, error) {
	return f.details[ref], nil
}

func (f *fakeLegacy) InsertDetail(_ context.Context, d *models.OrderDetail) error {
	cp := *d
	f.details[d.Ref()] = &cp
	return nil
}

func (f *fakeLegacy) MovementsForOrder(_ context.Context, ref models.OrderRef) ([]models.Movement, error) {
	var out []models.Movement
	for _, m := range f.movements {
		if m.Ref() == ref {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeLegacy) InsertMovement(_ context.Context, m *models.Movement) error {
	cp := *m
	f.movements[m.StatusCode] = &cp
	return nil
}

func (f *fakeLegacy) DeleteMovement(_ context.Context, statusCode string) error {
	delete(f.movements, statusCode)
	return nil
}

func (f *fakeLegacy) EnforceCurrentFlag(_ context.Context, ref models.OrderRef) error {
	f.enforced++
	recomputeCurrentFlag(f.movements, ref)
	return nil
}

// recomputeCurrentFlag mirrors what the repositories do in SQL: the
// lexicographically greatest codstatus of the order carries the flag,
// every other row loses it.
func recomputeCurrentFlag(movements map[string]*models.Movement, ref models.OrderRef) {
	var maxCode string
	for code, m := range movements {
		if m.Ref() == ref && code > maxCode {
			maxCode = code
		}
	}
	for _, m := range movements {
		if m.Ref() == ref {
			m.IsCurrent = m.StatusCode == maxCode
		}
	}
}

// currentCodes returns the status codes of the order's rows that carry
// the flag.
func currentCodes(movements map[string]*models.Movement, ref models.OrderRef) []string {
	var out []string
	for code, m := range movements {
		if m.Ref() == ref && m.IsCurrent {
			out = append(out, code)
		}
	}
	return out
}

type fixture struct {
	central   *fakeCentral
	primary   *fakeLegacy
	secondary *fakeLegacy
	rec       *Reconciler
}

func newFixture() *fixture {
	central := newFakeCentral()
	primary := newFakeLegacy("os_atual")
	secondary := newFakeLegacy("papelaria")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := map[authority.StoreID]LegacyStore{
		authority.StorePrimary:   primary,
		authority.StoreSecondary: secondary,
	}
	tracker := tombstone.NewTracker(central, log)

	return &fixture{
		central:   central,
		primary:   primary,
		secondary: secondary,
		rec:       NewReconciler(central, stores, authority.NewResolver(0), tracker, log),
	}
}

func movement(number, year, seq int, situation string) *models.Movement {
	return &models.Movement{
		StatusCode:  models.FormatStatusCode(number, year, seq),
		OrderNumber: number,
		Year:        year,
		Situation:   situation,
		Sector:      "Impressão",
		Date:        time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		Observation: "Registrado 10h00",
	}
}

func TestBoundaryRouting(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}

	// Order 4999 lives in the primary store; a legacy-only movement
	// there must reach the central store.
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	m := movement(4999, 2025, 1, "Em produção")
	f.primary.movements[m.StatusCode] = m

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.Contains(t, f.central.movements, "049992025-01")

	// Order 5100 lives in the secondary store; reconciling it must not
	// touch the primary.
	ref2 := models.OrderRef{Number: 5100, Year: 2025}
	f.secondary.orders[ref2] = &models.Order{Number: 5100, Year: 2025}
	m2 := movement(5100, 2025, 1, "Aguardando")
	f.secondary.movements[m2.StatusCode] = m2

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref2))
	assert.Contains(t, f.central.movements, m2.StatusCode)
	assert.NotContains(t, f.primary.movements, m2.StatusCode)
}

func TestHeaderAndDetailCopiedToMissingSideOnly(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4800, Year: 2025}

	f.primary.orders[ref] = &models.Order{Number: 4800, Year: 2025, Requester: "Setor Jurídico"}
	f.primary.details[ref] = &models.OrderDetail{Number: 4800, Year: 2025, Title: "Edital"}

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	require.Contains(t, f.central.orders, ref)
	assert.Equal(t, "Setor Jurídico", f.central.orders[ref].Requester)
	assert.Equal(t, "Edital", f.central.details[ref].Title)

	// Both sides present and diverged: neither wins, nothing changes.
	f.central.orders[ref].Requester = "Editado na web"
	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.Equal(t, "Editado na web", f.central.orders[ref].Requester)
	assert.Equal(t, "Setor Jurídico", f.primary.orders[ref].Requester)
}

func TestDivergedMovementFlowsLegacyToCentral(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	f.central.orders[ref] = &models.Order{Number: 4999, Year: 2025}

	legacy := movement(4999, 2025, 1, "Concluído")
	stale := movement(4999, 2025, 1, "Em produção")
	f.primary.movements[legacy.StatusCode] = legacy
	f.central.movements[stale.StatusCode] = stale

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.Equal(t, "Concluído", f.central.movements[legacy.StatusCode].Situation)
}

func TestOrphanCleanupDeletesAndTombstones(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.central.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}

	orphan := movement(4999, 2025, 2, "Cancelado")
	f.central.movements[orphan.StatusCode] = orphan

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.NotContains(t, f.central.movements, orphan.StatusCode)
	require.Contains(t, f.central.tombstones, orphan.StatusCode)
	assert.Equal(t, fingerprint.Movement(orphan), f.central.tombstones[orphan.StatusCode].Fingerprint)
}

func TestPendingQueueEntryProtectsFreshWebInsert(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.central.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	f.central.pending[ref] = true

	fresh := movement(4999, 2025, 3, "Aguardando")
	f.central.movements[fresh.StatusCode] = fresh

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.Contains(t, f.central.movements, fresh.StatusCode, "row racing the queue must survive")
	assert.NotContains(t, f.central.tombstones, fresh.StatusCode)
}

func TestNoResurrectionAndDeletionPropagates(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.central.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}

	// A movement deleted centrally leaves a tombstone; the legacy copy
	// is still there.
	ghost := movement(4999, 2025, 1, "Em produção")
	f.primary.movements[ghost.StatusCode] = ghost
	require.NoError(t, f.central.DeleteMovementWithTombstone(context.Background(), ghost, fingerprint.Movement(ghost), "teste"))

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.NotContains(t, f.central.movements, ghost.StatusCode, "deleted movement must stay deleted")
	assert.NotContains(t, f.primary.movements, ghost.StatusCode, "deletion must propagate to the legacy store")
}

func TestTombstoneBlocksAcrossTheBoundary(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 5100, Year: 2025}
	f.central.orders[ref] = &models.Order{Number: 5100, Year: 2025}
	f.secondary.orders[ref] = &models.Order{Number: 5100, Year: 2025}

	ghost := movement(5100, 2025, 1, "Em produção")
	f.secondary.movements[ghost.StatusCode] = ghost
	require.NoError(t, f.central.DeleteMovementWithTombstone(context.Background(), ghost, fingerprint.Movement(ghost), "teste"))

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.NotContains(t, f.central.movements, ghost.StatusCode)
	assert.NotContains(t, f.secondary.movements, ghost.StatusCode)
}

func TestReusedKeyWithNewContentIsImported(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.central.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}

	old := movement(4999, 2025, 1, "Em produção")
	require.NoError(t, f.central.DeleteMovementWithTombstone(context.Background(), old, fingerprint.Movement(old), "teste"))

	reused := movement(4999, 2025, 1, "Refeito do zero")
	f.primary.movements[reused.StatusCode] = reused

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	require.Contains(t, f.central.movements, reused.StatusCode)
	assert.Equal(t, "Refeito do zero", f.central.movements[reused.StatusCode].Situation)
	assert.NotContains(t, f.central.tombstones, reused.StatusCode, "stale tombstone must be dropped")
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}
	m1 := movement(4999, 2025, 1, "Aguardando")
	m2 := movement(4999, 2025, 2, "Em produção")
	f.primary.movements[m1.StatusCode] = m1
	f.primary.movements[m2.StatusCode] = m2

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))

	snapshotCentral := len(f.central.movements)
	snapshotLegacy := len(f.primary.movements)

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.Equal(t, snapshotCentral, len(f.central.movements))
	assert.Equal(t, snapshotLegacy, len(f.primary.movements))
	assert.Empty(t, f.central.tombstones)
}

func TestImportedMovementEndsCurrent(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}

	// The desktop wrote the row with a stale flag; after reconciling,
	// it is the order's only movement and must carry the flag on both
	// sides.
	m := movement(4999, 2025, 1, "Em produção")
	m.IsCurrent = false
	f.primary.movements[m.StatusCode] = m

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.Equal(t, []string{"049992025-01"}, currentCodes(f.central.movements, ref))
	assert.Equal(t, []string{"049992025-01"}, currentCodes(f.primary.movements, ref))
}

func TestCurrentFlagLandsOnLexicographicMax(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}

	// Both rows flagged current, a state the desktop produces when an
	// edit is abandoned halfway.
	m1 := movement(4999, 2025, 1, "Aguardando")
	m1.IsCurrent = true
	m2 := movement(4999, 2025, 2, "Em produção")
	m2.IsCurrent = true
	f.primary.movements[m1.StatusCode] = m1
	f.primary.movements[m2.StatusCode] = m2

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))

	assert.Equal(t, []string{"049992025-02"}, currentCodes(f.central.movements, ref),
		"exactly the greatest codstatus carries the flag centrally")
	assert.Equal(t, []string{"049992025-02"}, currentCodes(f.primary.movements, ref),
		"exactly the greatest codstatus carries the flag in the legacy store")
}

func TestInvariantEnforcedOnBothSides(t *testing.T) {
	f := newFixture()
	ref := models.OrderRef{Number: 4999, Year: 2025}
	f.primary.orders[ref] = &models.Order{Number: 4999, Year: 2025}

	require.NoError(t, f.rec.ReconcileOrder(context.Background(), ref))
	assert.Equal(t, 1, f.central.enforced)
	assert.Equal(t, 1, f.primary.enforced)
	assert.Zero(t, f.secondary.enforced)
}

func TestUnmappedOrderNumberFails(t *testing.T) {
	f := newFixture()
	delete(f.rec.stores, authority.StoreSecondary)

	err := f.rec.ReconcileOrder(context.Background(), models.OrderRef{Number: 5100, Year: 2025})
	assert.Error(t, err)
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/nakagami/firebirdsql"

	"github.com/sefoc/sagra-sync/internal/adapter"
	"github.com/sefoc/sagra-sync/internal/mapper"
	"github.com/sefoc/sagra-sync/internal/models"
)

// LegacyRepository handles one of the two desktop database files. The
// desktop application holds pessimistic page locks while users type, so
// the pool is kept at a single connection and statements retry on
// transient lock errors.
type LegacyRepository struct {
	db      *sql.DB
	name    string
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

const legacyLockRetries = 3

func NewLegacyRepository(connString, name string, logger *slog.Logger) (*LegacyRepository, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("opening legacy store %s: %w", name, err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("legacy store %s not responding: %w", name, err)
	}

	logger.Info("Connected to legacy store", "store", name)

	return &LegacyRepository{
		db:      db,
		name:    name,
		builder: mapper.NewSQLBuilder(),
		logger:  logger,
	}, nil
}

func (r *LegacyRepository) Name() string { return r.name }

func (r *LegacyRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *LegacyRepository) Close() error {
	r.logger.Info("Closing legacy store connection", "store", r.name)
	return r.db.Close()
}

// isLockError detects the lock conflict / deadlock errors the embedded
// engine raises while the desktop application holds its page locks.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock conflict") ||
		strings.Contains(msg, "concurrent transaction")
}

// exec runs a statement with linear backoff on lock errors. A desktop
// user releases locks within seconds of finishing an edit, so a few
// short retries almost always succeed.
func (r *LegacyRepository) exec(ctx context.Context, query string, args ...any) error {
	var err error
	for attempt := 1; attempt <= legacyLockRetries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err = r.db.ExecContext(opCtx, query, args...)
		cancel()

		if err == nil || !isLockError(err) {
			return err
		}

		r.logger.Warn("Legacy store locked. Retrying",
			"store", r.name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("legacy store %s still locked after %d attempts: %w", r.name, legacyLockRetries, err)
}

// ---- movements ----

const legacyMovementColumns = "CODSTATUS, NROPROTOCOLOLINK, ANOPROTOCOLOLINK, SITUACAOLINK, SETORLINK, DATA, ULTIMOSTATUS, OBSERVACAO, PONTO"

// scanMovement coerces one raw row into a Movement. The driver hands
// back padded CHAR columns, WIN1252 bytes and smallint flags; the
// adapter owns all of that.
func scanMovement(rows *sql.Rows) (models.Movement, error) {
	var raw [9]any
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return models.Movement{}, fmt.Errorf("scanning legacy movement: %w", err)
	}

	m := models.Movement{
		StatusCode:  adapter.Text(raw[0]),
		OrderNumber: adapter.IntOr(raw[1], 0),
		Year:        adapter.IntOr(raw[2], 0),
		Situation:   adapter.Text(raw[3]),
		Sector:      adapter.Text(raw[4]),
		IsCurrent:   adapter.Bool(raw[6]),
		Observation: adapter.Text(raw[7]),
		ActorCode:   adapter.Text(raw[8]),
	}
	if ts := adapter.Time(raw[5]); ts != nil {
		m.Date = *ts
	}
	return m, nil
}

func (r *LegacyRepository) queryMovements(ctx context.Context, query string, args ...any) ([]models.Movement, error) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying legacy store %s: %w", r.name, err)
	}
	defer rows.Close()

	var out []models.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MovementsOn feeds change discovery with the day's movements.
func (r *LegacyRepository) MovementsOn(ctx context.Context, day time.Time) ([]models.Movement, error) {
	query := fmt.Sprintf("SELECT %s FROM TABANDAMENTO WHERE DATA >= ?", legacyMovementColumns)
	return r.queryMovements(ctx, query, day.Format("2006-01-02"))
}

func (r *LegacyRepository) MovementsForOrder(ctx context.Context, ref models.OrderRef) ([]models.Movement, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM TABANDAMENTO WHERE NROPROTOCOLOLINK = ? AND ANOPROTOCOLOLINK = ? ORDER BY CODSTATUS",
		legacyMovementColumns,
	)
	return r.queryMovements(ctx, query, ref.Number, ref.Year)
}

func (r *LegacyRepository) GetMovement(ctx context.Context, statusCode string) (*models.Movement, error) {
	query := fmt.Sprintf("SELECT %s FROM TABANDAMENTO WHERE CODSTATUS = ?", legacyMovementColumns)
	movements, err := r.queryMovements(ctx, query, statusCode)
	if err != nil || len(movements) == 0 {
		return nil, err
	}
	return &movements[0], nil
}

func movementData(m *models.Movement) map[string]any {
	return map[string]any{
		"codstatus":        m.StatusCode,
		"nroprotocololink": m.OrderNumber,
		"anoprotocololink": m.Year,
		"situacaolink":     m.Situation,
		"setorlink":        m.Sector,
		"data":             m.Date,
		"ultimostatus":     m.IsCurrent,
		"observacao":       m.Observation,
		"ponto":            m.ActorCode,
	}
}

func (r *LegacyRepository) InsertMovement(ctx context.Context, m *models.Movement) error {
	query, args, err := r.builder.BuildInsert("tabandamento", movementData(m))
	if err != nil {
		return err
	}
	if err := r.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting movement %s into %s: %w", m.StatusCode, r.name, err)
	}
	return nil
}

func (r *LegacyRepository) UpdateMovement(ctx context.Context, m *models.Movement) error {
	query, args, err := r.builder.BuildUpdate("tabandamento",
		map[string]any{"codstatus": m.StatusCode},
		movementData(m),
	)
	if err != nil {
		return err
	}
	if err := r.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating movement %s in %s: %w", m.StatusCode, r.name, err)
	}
	return nil
}

func (r *LegacyRepository) DeleteMovement(ctx context.Context, statusCode string) error {
	query, args, err := r.builder.BuildDelete("tabandamento", map[string]any{"codstatus": statusCode})
	if err != nil {
		return err
	}
	if err := r.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting movement %s from %s: %w", statusCode, r.name, err)
	}
	return nil
}

// ---- orders ----

func (r *LegacyRepository) GetOrder(ctx context.Context, ref models.OrderRef) (*models.Order, error) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `SELECT NROPROTOCOLO, ANOPROTOCOLO, NOMEUSUARIO, CATEGORIA,
		DATAENTRADA, ENTREGDATA, ENTREGPRAZOLINK, COTAREPRO, COTACARTAO
		FROM TABPROTOCOLOS WHERE NROPROTOCOLO = ? AND ANOPROTOCOLO = ?`

	var raw [9]any
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	err := r.db.QueryRowContext(opCtx, query, ref.Number, ref.Year).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching order %s from %s: %w", ref, r.name, err)
	}

	return &models.Order{
		Number:     adapter.IntOr(raw[0], ref.Number),
		Year:       adapter.IntOr(raw[1], ref.Year),
		Requester:  adapter.Text(raw[2]),
		Category:   adapter.Text(raw[3]),
		EnteredAt:  adapter.Time(raw[4]),
		Delivered:  adapter.Time(raw[5]),
		Deadline:   adapter.Text(raw[6]),
		ReproQuota: adapter.Int(raw[7]),
		CardQuota:  adapter.Int(raw[8]),
	}, nil
}

func (r *LegacyRepository) InsertOrder(ctx context.Context, o *models.Order) error {
	query, args, err := r.builder.BuildInsert("tabprotocolos", map[string]any{
		"nroprotocolo":    o.Number,
		"anoprotocolo":    o.Year,
		"nomeusuario":     o.Requester,
		"categoria":       o.Category,
		"dataentrada":     o.EnteredAt,
		"entregdata":      o.Delivered,
		"entregprazolink": o.Deadline,
		"cotarepro":       o.ReproQuota,
		"cotacartao":      o.CardQuota,
	})
	if err != nil {
		return err
	}
	if err := r.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting order %s into %s: %w", o.Ref(), r.name, err)
	}
	return nil
}

// ---- order details ----

func (r *LegacyRepository) GetDetail(ctx context.Context, ref models.OrderRef) (*models.OrderDetail, error) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `SELECT NROPROTOCOLOLINKDET, ANOPROTOCOLOLINKDET, TITULO, TIPOPUBLICACAOLINK,
		FORMATO, MAQUINA, TIRAGEM, PAGS, PAPEL, COR, ACABAMENTO
		FROM TABDETALHESSERVICO WHERE NROPROTOCOLOLINKDET = ? AND ANOPROTOCOLOLINKDET = ?`

	var raw [11]any
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	err := r.db.QueryRowContext(opCtx, query, ref.Number, ref.Year).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching detail %s from %s: %w", ref, r.name, err)
	}

	return &models.OrderDetail{
		Number:      adapter.IntOr(raw[0], ref.Number),
		Year:        adapter.IntOr(raw[1], ref.Year),
		Title:       adapter.Text(raw[2]),
		Publication: adapter.Text(raw[3]),
		Format:      adapter.Text(raw[4]),
		Machine:     adapter.Text(raw[5]),
		RunQuantity: adapter.Int(raw[6]),
		Pages:       adapter.Int(raw[7]),
		Paper:       adapter.Text(raw[8]),
		Color:       adapter.Text(raw[9]),
		Finishing:   adapter.Text(raw[10]),
	}, nil
}

func (r *LegacyRepository) InsertDetail(ctx context.Context, d *models.OrderDetail) error {
	query, args, err := r.builder.BuildInsert("tabdetalhesservico", map[string]any{
		"nroprotocololinkdet": d.Number,
		"anoprotocololinkdet": d.Year,
		"titulo":              d.Title,
		"tipopublicacaolink":  d.Publication,
		"formato":             d.Format,
		"maquina":             d.Machine,
		"tiragem":             d.RunQuantity,
		"pags":                d.Pages,
		"papel":               d.Paper,
		"cor":                 d.Color,
		"acabamento":          d.Finishing,
	})
	if err != nil {
		return err
	}
	if err := r.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting detail %s into %s: %w", d.Ref(), r.name, err)
	}
	return nil
}

// EnforceCurrentFlag repairs the single-active-status invariant in the
// desktop schema, where ULTIMOSTATUS is a 0/1 smallint. Two statements
// because Firebird 2.5 has no UPDATE ... FROM.
func (r *LegacyRepository) EnforceCurrentFlag(ctx context.Context, ref models.OrderRef) error {
	demote := `UPDATE TABANDAMENTO SET ULTIMOSTATUS = 0
		WHERE NROPROTOCOLOLINK = ? AND ANOPROTOCOLOLINK = ? AND ULTIMOSTATUS <> 0
		  AND CODSTATUS < (SELECT MAX(CODSTATUS) FROM TABANDAMENTO
			WHERE NROPROTOCOLOLINK = ? AND ANOPROTOCOLOLINK = ?)`
	if err := r.exec(ctx, demote, ref.Number, ref.Year, ref.Number, ref.Year); err != nil {
		return fmt.Errorf("demoting stale current flags for %s in %s: %w", ref, r.name, err)
	}

	promote := `UPDATE TABANDAMENTO SET ULTIMOSTATUS = 1
		WHERE NROPROTOCOLOLINK = ? AND ANOPROTOCOLOLINK = ? AND ULTIMOSTATUS = 0
		  AND CODSTATUS = (SELECT MAX(CODSTATUS) FROM TABANDAMENTO
			WHERE NROPROTOCOLOLINK = ? AND ANOPROTOCOLOLINK = ?)`
	if err := r.exec(ctx, promote, ref.Number, ref.Year, ref.Number, ref.Year); err != nil {
		return fmt.Errorf("promoting current flag for %s in %s: %w", ref, r.name, err)
	}
	return nil
}

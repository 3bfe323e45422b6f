package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sefoc/sagra-sync/internal/models"
)

// CentralRepository wraps the pooled connection to the centralized
// store. All identifiers are lowercase; the web application created the
// schema without quoting.
type CentralRepository struct {
	pool   *pgxpool.Pool
	sb     sq.StatementBuilderType
	logger *slog.Logger
}

func NewCentralRepository(ctx context.Context, connString string, logger *slog.Logger) (*CentralRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing central store config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating central store pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("central store not responding: %w", err)
	}

	logger.Info("Connected to central store")

	return &CentralRepository{
		pool:   p,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger,
	}, nil
}

func (r *CentralRepository) Name() string { return "central" }

func (r *CentralRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *CentralRepository) Close() {
	r.pool.Close()
}

// ---- orders ----

func (r *CentralRepository) GetOrder(ctx context.Context, ref models.OrderRef) (*models.Order, error) {
	query, args, err := r.sb.
		Select("nroprotocolo", "anoprotocolo", "nomeusuario", "categoria",
			"dataentrada", "entregdata", "entregprazolink", "cotarepro", "cotacartao").
		From("tabprotocolos").
		Where(sq.Eq{"nroprotocolo": ref.Number, "anoprotocolo": ref.Year}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var o models.Order
	err = r.pool.QueryRow(ctx, query, args...).Scan(
		&o.Number, &o.Year, &o.Requester, &o.Category,
		&o.EnteredAt, &o.Delivered, &o.Deadline, &o.ReproQuota, &o.CardQuota,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", ref, err)
	}
	return &o, nil
}

// InsertOrder adds a header row only if the key is free. Existing rows
// are never field-level updated here: once both sides have the header,
// neither wins.
func (r *CentralRepository) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	query, args, err := r.sb.
		Insert("tabprotocolos").
		Columns("nroprotocolo", "anoprotocolo", "nomeusuario", "categoria",
			"dataentrada", "entregdata", "entregprazolink", "cotarepro", "cotacartao").
		Values(o.Number, o.Year, o.Requester, o.Category,
			o.EnteredAt, o.Delivered, o.Deadline, o.ReproQuota, o.CardQuota).
		Suffix("ON CONFLICT (nroprotocolo, anoprotocolo) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("inserting order %s: %w", o.Ref(), err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *CentralRepository) GetDetail(ctx context.Context, ref models.OrderRef) (*models.OrderDetail, error) {
	query, args, err := r.sb.
		Select("nroprotocololinkdet", "anoprotocololinkdet", "titulo", "tipopublicacaolink",
			"formato", "maquina", "tiragem", "pags", "papel", "cor", "acabamento").
		From("tabdetalhesservico").
		Where(sq.Eq{"nroprotocololinkdet": ref.Number, "anoprotocololinkdet": ref.Year}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var d models.OrderDetail
	err = r.pool.QueryRow(ctx, query, args...).Scan(
		&d.Number, &d.Year, &d.Title, &d.Publication,
		&d.Format, &d.Machine, &d.RunQuantity, &d.Pages, &d.Paper, &d.Color, &d.Finishing,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching detail %s: %w", ref, err)
	}
	return &d, nil
}

func (r *CentralRepository) InsertDetail(ctx context.Context, d *models.OrderDetail) (bool, error) {
	query, args, err := r.sb.
		Insert("tabdetalhesservico").
		Columns("nroprotocololinkdet", "anoprotocololinkdet", "titulo", "tipopublicacaolink",
			"formato", "maquina", "tiragem", "pags", "papel", "cor", "acabamento").
		Values(d.Number, d.Year, d.Title, d.Publication,
			d.Format, d.Machine, d.RunQuantity, d.Pages, d.Paper, d.Color, d.Finishing).
		Suffix("ON CONFLICT (nroprotocololinkdet, anoprotocololinkdet) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("inserting detail %s: %w", d.Ref(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// ---- movements ----

const movementColumns = "codstatus, nroprotocololink, anoprotocololink, situacaolink, setorlink, data, ultimostatus, observacao, ponto"

func (r *CentralRepository) scanMovements(rows pgx.Rows) ([]models.Movement, error) {
	defer rows.Close()

	var out []models.Movement
	for rows.Next() {
		var m models.Movement
		if err := rows.Scan(
			&m.StatusCode, &m.OrderNumber, &m.Year, &m.Situation,
			&m.Sector, &m.Date, &m.IsCurrent, &m.Observation, &m.ActorCode,
		); err != nil {
			return nil, fmt.Errorf("scanning movement row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *CentralRepository) MovementsForOrder(ctx context.Context, ref models.OrderRef) ([]models.Movement, error) {
	query := fmt.Sprintf(`SELECT %s FROM tabandamento
		WHERE nroprotocololink = $1 AND anoprotocololink = $2
		ORDER BY codstatus`, movementColumns)

	rows, err := r.pool.Query(ctx, query, ref.Number, ref.Year)
	if err != nil {
		return nil, fmt.Errorf("fetching movements for %s: %w", ref, err)
	}
	return r.scanMovements(rows)
}

func (r *CentralRepository) GetMovement(ctx context.Context, statusCode string) (*models.Movement, error) {
	query := fmt.Sprintf(`SELECT %s FROM tabandamento WHERE codstatus = $1`, movementColumns)

	rows, err := r.pool.Query(ctx, query, statusCode)
	if err != nil {
		return nil, fmt.Errorf("fetching movement %s: %w", statusCode, err)
	}
	movements, err := r.scanMovements(rows)
	if err != nil || len(movements) == 0 {
		return nil, err
	}
	return &movements[0], nil
}

// MovementsOn returns every movement dated on the given day; change
// discovery scans these for clock tokens.
func (r *CentralRepository) MovementsOn(ctx context.Context, day time.Time) ([]models.Movement, error) {
	query := fmt.Sprintf(`SELECT %s FROM tabandamento WHERE data::date = $1::date`, movementColumns)

	rows, err := r.pool.Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("fetching central movements on %s: %w", day.Format("2006-01-02"), err)
	}
	return r.scanMovements(rows)
}

func (r *CentralRepository) InsertMovement(ctx context.Context, m *models.Movement) (bool, error) {
	query, args, err := r.sb.
		Insert("tabandamento").
		Columns("codstatus", "nroprotocololink", "anoprotocololink", "situacaolink",
			"setorlink", "data", "ultimostatus", "observacao", "ponto").
		Values(m.StatusCode, m.OrderNumber, m.Year, m.Situation,
			m.Sector, m.Date, m.IsCurrent, m.Observation, m.ActorCode).
		Suffix("ON CONFLICT (codstatus) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("inserting movement %s: %w", m.StatusCode, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *CentralRepository) UpdateMovement(ctx context.Context, m *models.Movement) error {
	query, args, err := r.sb.
		Update("tabandamento").
		Set("situacaolink", m.Situation).
		Set("setorlink", m.Sector).
		Set("data", m.Date).
		Set("ultimostatus", m.IsCurrent).
		Set("observacao", m.Observation).
		Set("ponto", m.ActorCode).
		Where(sq.Eq{"codstatus": m.StatusCode}).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating movement %s: %w", m.StatusCode, err)
	}
	return nil
}

// DeleteMovementWithTombstone removes a movement and records its
// tombstone in one transaction, with a copy of the row kept in
// backup_andamentos. The single transaction is what guarantees no
// window exists where the row is gone but the tombstone is not.
func (r *CentralRepository) DeleteMovementWithTombstone(ctx context.Context, m *models.Movement, fingerprint, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting delete transaction for %s: %w", m.StatusCode, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO backup_andamentos
			(codstatus, nroprotocololink, anoprotocololink, situacaolink, setorlink, data, ultimostatus, observacao, ponto, backed_up_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)`,
		m.StatusCode, m.OrderNumber, m.Year, m.Situation, m.Sector, m.Date, m.IsCurrent, m.Observation, m.ActorCode,
	)
	if err != nil {
		return fmt.Errorf("backing up movement %s: %w", m.StatusCode, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deleted_andamentos (codstatus, nro, ano, origem, content_hash, deleted_at, motivo)
		VALUES ($1, $2, $3, 'central', $4, CURRENT_TIMESTAMP, $5)
		ON CONFLICT (codstatus) DO UPDATE
			SET content_hash = EXCLUDED.content_hash,
			    deleted_at = EXCLUDED.deleted_at,
			    motivo = EXCLUDED.motivo`,
		m.StatusCode, m.OrderNumber, m.Year, fingerprint, reason,
	)
	if err != nil {
		return fmt.Errorf("writing tombstone for %s: %w", m.StatusCode, err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM tabandamento WHERE codstatus = $1`, m.StatusCode); err != nil {
		return fmt.Errorf("deleting movement %s: %w", m.StatusCode, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delete of %s: %w", m.StatusCode, err)
	}
	return nil
}

// EnforceCurrentFlag repairs the single-active-status invariant for one
// order: exactly the lexicographically greatest codstatus carries
// ultimostatus = true. Fixed-width codes make the lexicographic maximum
// the chronological maximum.
func (r *CentralRepository) EnforceCurrentFlag(ctx context.Context, ref models.OrderRef) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tabandamento
		SET ultimostatus = (codstatus = sub.maxcode)
		FROM (
			SELECT MAX(codstatus) AS maxcode
			FROM tabandamento
			WHERE nroprotocololink = $1 AND anoprotocololink = $2
		) sub
		WHERE nroprotocololink = $1 AND anoprotocololink = $2
		  AND ultimostatus IS DISTINCT FROM (codstatus = sub.maxcode)`,
		ref.Number, ref.Year,
	)
	if err != nil {
		return fmt.Errorf("enforcing current flag for %s: %w", ref, err)
	}
	return nil
}

// ---- change log queue ----

func (r *CentralRepository) FetchUnprocessedChanges(ctx context.Context, batchSize int) ([]models.ChangeLogEntry, error) {
	query, args, err := r.sb.
		Select("id", "table_name", "pk_json", "action", "created_at", "processed").
		From("sync_changes_log").
		Where(sq.Eq{"processed": false}).
		OrderBy("id ASC").
		Limit(uint64(batchSize)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching change log batch: %w", err)
	}
	defer rows.Close()

	var entries []models.ChangeLogEntry
	for rows.Next() {
		var e models.ChangeLogEntry
		if err := rows.Scan(&e.ID, &e.TableName, &e.KeyJSON, &e.Action, &e.CreatedAt, &e.Processed); err != nil {
			return nil, fmt.Errorf("scanning change log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *CentralRepository) MarkChangeProcessed(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE sync_changes_log SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking change %d processed: %w", id, err)
	}
	return nil
}

func (r *CentralRepository) CountUnprocessedChanges(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_changes_log WHERE processed = FALSE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting change log backlog: %w", err)
	}
	return n, nil
}

// HasPendingChangeForOrder reports whether any unprocessed change log
// entry references the order. The reconciler uses this to avoid racing
// the queue: a row the web side just inserted must not be treated as an
// orphan before its queue entry is consumed.
func (r *CentralRepository) HasPendingChangeForOrder(ctx context.Context, ref models.OrderRef) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_changes_log
			WHERE processed = FALSE
			  AND table_name = $1
			  AND (pk_json->>'nroprotocololink')::int = $2
			  AND (pk_json->>'anoprotocololink')::int = $3
		)`, models.MovementTable, ref.Number, ref.Year).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking pending changes for %s: %w", ref, err)
	}
	return exists, nil
}

// ---- tombstones ----

func (r *CentralRepository) GetTombstone(ctx context.Context, key models.ChangeKey) (*models.Tombstone, error) {
	var ts models.Tombstone
	err := r.pool.QueryRow(ctx, `
		SELECT codstatus, nro, ano, origem, content_hash, deleted_at, motivo
		FROM deleted_andamentos
		WHERE codstatus = $1`, key.StatusCode).Scan(
		&ts.StatusCode, &ts.OrderNumber, &ts.Year, &ts.Origin, &ts.Fingerprint, &ts.DeletedAt, &ts.Reason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching tombstone %s: %w", key.StatusCode, err)
	}
	return &ts, nil
}

func (r *CentralRepository) UpsertTombstone(ctx context.Context, ts *models.Tombstone) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO deleted_andamentos (codstatus, nro, ano, origem, content_hash, deleted_at, motivo)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (codstatus) DO UPDATE
			SET content_hash = EXCLUDED.content_hash,
			    deleted_at = EXCLUDED.deleted_at,
			    origem = EXCLUDED.origem,
			    motivo = EXCLUDED.motivo`,
		ts.StatusCode, ts.OrderNumber, ts.Year, ts.Origin, ts.Fingerprint, ts.DeletedAt, ts.Reason,
	)
	if err != nil {
		return fmt.Errorf("upserting tombstone %s: %w", ts.StatusCode, err)
	}
	return nil
}

func (r *CentralRepository) DeleteTombstone(ctx context.Context, key models.ChangeKey) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM deleted_andamentos WHERE codstatus = $1`, key.StatusCode)
	if err != nil {
		return fmt.Errorf("deleting tombstone %s: %w", key.StatusCode, err)
	}
	return nil
}

// ---- sync action log ----

// LogAction appends a human-readable line to log_sync_andamentos. The
// shop supervisors read this table directly, so messages stay short.
func (r *CentralRepository) LogAction(ctx context.Context, action, statusCode, detail string) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO log_sync_andamentos (acao, codstatus, detalhe, created_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)`,
		action, statusCode, detail,
	)
	if err != nil {
		// Audit trail only; never fail the sync over it.
		r.logger.Warn("Failed to write sync action log", "action", action, "codstatus", statusCode, "error", err)
	}
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/timeslice/internal/domain"
	"example.com/timeslice/internal/observability"
)

const intervalColumns = `interval_id, category, dimension, source, started_at, ended_at, is_locked, linked_entity_id, external_ref, created_at, updated_at`

// Repository provides Postgres-backed persistence for time intervals.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// StartSlice performs the read-close-create sequence in one transaction. The
// open row is locked FOR UPDATE so no concurrent start on the same dimension
// can interleave; a partial unique index on (dimension) WHERE ended_at IS NULL
// backs the invariant at the store level as well.
func (r *Repository) StartSlice(ctx context.Context, candidate domain.TimeInterval) (*domain.TimeInterval, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`SELECT %s FROM time_intervals WHERE dimension=$1 AND ended_at IS NULL FOR UPDATE`, intervalColumns)
	open, err := scanInterval(tx.QueryRow(ctx, query, candidate.Dimension))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	if open != nil {
		if open.MatchesRequest(candidate.Category, candidate.LinkedEntityID) {
			if err = tx.Commit(ctx); err != nil {
				return nil, false, err
			}
			return open, true, nil
		}
		if _, err = tx.Exec(ctx,
			`UPDATE time_intervals SET ended_at=$1, updated_at=$1 WHERE interval_id=$2`,
			candidate.StartedAt, open.ID,
		); err != nil {
			return nil, false, err
		}
	}

	const insert = `INSERT INTO time_intervals (interval_id, category, dimension, source, started_at, is_locked, linked_entity_id, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	if _, err = tx.Exec(ctx, insert,
		candidate.ID,
		candidate.Category,
		candidate.Dimension,
		candidate.Source,
		candidate.StartedAt,
		candidate.Locked,
		candidate.LinkedEntityID,
		candidate.CreatedAt,
		candidate.UpdatedAt,
	); err != nil {
		return nil, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	observability.RecordSliceStarted(candidate.Dimension, candidate.StartedAt)
	stored := candidate
	return &stored, false, nil
}

// FindOpen returns the open interval for a dimension, or nil when none exists.
func (r *Repository) FindOpen(ctx context.Context, dimension domain.Dimension) (*domain.TimeInterval, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_intervals WHERE dimension=$1 AND ended_at IS NULL`, intervalColumns)
	interval, err := scanInterval(r.pool.QueryRow(ctx, query, dimension))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return interval, nil
}

// ListOpen returns all open intervals ordered by start time.
func (r *Repository) ListOpen(ctx context.Context) ([]domain.TimeInterval, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_intervals WHERE ended_at IS NULL ORDER BY started_at`, intervalColumns)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectIntervals(rows)
}

// ListRecent returns intervals newest first with keyset pagination.
func (r *Repository) ListRecent(ctx context.Context, dimension *domain.Dimension, cursor *domain.Cursor, limit int) ([]domain.TimeInterval, *domain.Cursor, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_intervals`, intervalColumns)
	clauses := make([]string, 0, 2)
	args := make([]interface{}, 0, 3)

	if dimension != nil {
		args = append(args, *dimension)
		clauses = append(clauses, fmt.Sprintf("dimension=$%d", len(args)))
	}
	if cursor != nil {
		args = append(args, cursor.StartedAt, cursor.ID)
		clauses = append(clauses, fmt.Sprintf("(started_at, interval_id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC, interval_id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results, err := collectIntervals(rows)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit && limit > 0 {
		last := results[len(results)-1]
		next = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, next, nil
}

// CloseInterval sets the end timestamp on an interval.
func (r *Repository) CloseInterval(ctx context.Context, id string, end time.Time) (*domain.TimeInterval, error) {
	query := fmt.Sprintf(`UPDATE time_intervals SET ended_at=$1, updated_at=$1 WHERE interval_id=$2 RETURNING %s`, intervalColumns)
	interval, err := scanInterval(r.pool.QueryRow(ctx, query, end, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIntervalNotFound
	}
	if err != nil {
		return nil, err
	}
	observability.RecordSliceStopped(interval.Dimension, end)
	return interval, nil
}

// Get retrieves an interval by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.TimeInterval, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_intervals WHERE interval_id=$1`, intervalColumns)
	interval, err := scanInterval(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIntervalNotFound
	}
	if err != nil {
		return nil, err
	}
	return interval, nil
}

// Update applies an administrative patch to the row.
func (r *Repository) Update(ctx context.Context, id string, patch domain.IntervalPatch) (*domain.TimeInterval, error) {
	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Category != nil {
		add("category", *patch.Category)
	}
	if patch.Source != nil {
		add("source", *patch.Source)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.ClearEnd {
		sets = append(sets, "ended_at=NULL")
	} else if patch.EndedAt != nil {
		add("ended_at", *patch.EndedAt)
	}
	if patch.Locked != nil {
		add("is_locked", *patch.Locked)
	}
	if patch.LinkedEntityID != nil {
		add("linked_entity_id", *patch.LinkedEntityID)
	}

	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE time_intervals SET %s WHERE interval_id=$%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), intervalColumns)

	interval, err := scanInterval(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIntervalNotFound
	}
	if err != nil {
		return nil, err
	}
	return interval, nil
}

// Delete removes an interval by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM time_intervals WHERE interval_id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIntervalNotFound
	}
	return nil
}

// SetExternalRef records the billing system's identifier for a mirrored interval.
func (r *Repository) SetExternalRef(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE time_intervals SET external_ref=$1, updated_at=$2 WHERE interval_id=$3`,
		ref, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIntervalNotFound
	}
	return nil
}

// LockedCovering reports whether a locked interval of the given category
// covers the instant on the dimension.
func (r *Repository) LockedCovering(ctx context.Context, dimension domain.Dimension, category string, at time.Time) (bool, error) {
	const query = `SELECT EXISTS (
        SELECT 1 FROM time_intervals
         WHERE dimension=$1 AND category=$2 AND is_locked
           AND started_at <= $3 AND (ended_at IS NULL OR ended_at >= $3))`

	var covering bool
	if err := r.pool.QueryRow(ctx, query, dimension, category, at).Scan(&covering); err != nil {
		return false, err
	}
	return covering, nil
}

func scanInterval(row pgx.Row) (*domain.TimeInterval, error) {
	var interval domain.TimeInterval
	if err := row.Scan(
		&interval.ID,
		&interval.Category,
		&interval.Dimension,
		&interval.Source,
		&interval.StartedAt,
		&interval.EndedAt,
		&interval.Locked,
		&interval.LinkedEntityID,
		&interval.ExternalRef,
		&interval.CreatedAt,
		&interval.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &interval, nil
}

func collectIntervals(rows pgx.Rows) ([]domain.TimeInterval, error) {
	results := make([]domain.TimeInterval, 0)
	for rows.Next() {
		interval, err := scanInterval(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *interval)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

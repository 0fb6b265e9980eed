package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/resilient_updater/internal/storage"
)

type HistoryReadRepository struct {
	db *sql.DB
}

func NewHistoryReadRepository(dbConn *sql.DB) *HistoryReadRepository {
	return &HistoryReadRepository{db: dbConn}
}

// LastCheck returns the most recent feed query, or storage.ErrNotFound.
func (r *HistoryReadRepository) LastCheck(ctx context.Context) (*storage.CheckRecord, error) {
	var (
		rec           storage.CheckRecord
		checkedAt     int64
		latestVersion sql.NullString
		errText       sql.NullString
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT checked_at, latest_version, available, error FROM update_checks ORDER BY checked_at DESC, id DESC LIMIT 1`,
	).Scan(&checkedAt, &latestVersion, &rec.Available, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	rec.CheckedAt = fromUnixNanos(checkedAt)
	rec.LatestVersion = latestVersion.String
	rec.Error = errText.String

	return &rec, nil
}

// ListCycles returns the newest cycles first, up to limit.
func (r *HistoryReadRepository) ListCycles(ctx context.Context, limit int) ([]storage.CycleRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			id,
			version,
			channel,
			outcome,
			fallback_used,
			error,
			started_at,
			finished_at
		FROM update_cycles
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []storage.CycleRecord

	for rows.Next() {
		var (
			rec                 storage.CycleRecord
			errText             sql.NullString
			startedAt, finished int64
		)

		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Channel, &rec.Outcome, &rec.FallbackUsed, &errText, &startedAt, &finished); err != nil {
			return nil, err
		}

		rec.Error = errText.String
		rec.StartedAt = fromUnixNanos(startedAt)
		rec.FinishedAt = fromUnixNanos(finished)

		cycles = append(cycles, rec)
	}

	return cycles, rows.Err()
}

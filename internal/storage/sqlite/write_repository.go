package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/resilient_updater/internal/storage"
)

// HistoryWriteRepository implements storage.HistoryWriteRepository
// and stores update history in SQLite.
type HistoryWriteRepository struct {
	db *sql.DB
}

func NewHistoryWriteRepository(db *sql.DB) *HistoryWriteRepository {
	return &HistoryWriteRepository{db: db}
}

func (r *HistoryWriteRepository) RecordCheck(ctx context.Context, rec storage.CheckRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO update_checks (checked_at, latest_version, available, error) VALUES (?, ?, ?, ?)`,
		unixNanos(rec.CheckedAt), nullString(rec.LatestVersion), rec.Available, nullString(rec.Error),
	)

	return err
}

// RecordCycle inserts the cycle or updates it when a cycle with the same id was recorded.
func (r *HistoryWriteRepository) RecordCycle(ctx context.Context, rec storage.CycleRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO update_cycles (id, version, channel, outcome, fallback_used, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel = excluded.channel,
			outcome = excluded.outcome,
			fallback_used = excluded.fallback_used,
			error = excluded.error,
			finished_at = excluded.finished_at
	`, rec.ID, rec.Version, rec.Channel, rec.Outcome, rec.FallbackUsed, nullString(rec.Error),
		unixNanos(rec.StartedAt), unixNanos(rec.FinishedAt))

	return err
}

// unixNanos stores the zero time as 0.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

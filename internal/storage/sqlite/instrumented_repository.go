package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/resilient_updater/internal/storage"
	"github.com/italolelis/resilient_updater/internal/telemetry"
)

// InstrumentedHistoryRepository wraps the history repositories with telemetry.
type InstrumentedHistoryRepository struct {
	read      *HistoryReadRepository
	write     *HistoryWriteRepository
	telemetry *telemetry.Telemetry
}

var _ storage.HistoryRepository = (*InstrumentedHistoryRepository)(nil)

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		read:      NewHistoryReadRepository(dbConn),
		write:     NewHistoryWriteRepository(dbConn),
		telemetry: tel,
	}
}

// LastCheck retrieves the latest feed query with telemetry.
func (r *InstrumentedHistoryRepository) LastCheck(ctx context.Context) (*storage.CheckRecord, error) {
	var result *storage.CheckRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "last_check", func(ctx context.Context) error {
		result, err = r.read.LastCheck(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ListCycles retrieves recent cycles with telemetry.
func (r *InstrumentedHistoryRepository) ListCycles(ctx context.Context, limit int) ([]storage.CycleRecord, error) {
	var result []storage.CycleRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_cycles", func(ctx context.Context) error {
		result, err = r.read.ListCycles(ctx, limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// RecordCheck stores a feed query with telemetry.
func (r *InstrumentedHistoryRepository) RecordCheck(ctx context.Context, rec storage.CheckRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_check", func(ctx context.Context) error {
		return r.write.RecordCheck(ctx, rec)
	})
}

// RecordCycle stores a cycle summary with telemetry.
func (r *InstrumentedHistoryRepository) RecordCycle(ctx context.Context, rec storage.CycleRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_cycle", func(ctx context.Context) error {
		return r.write.RecordCycle(ctx, rec)
	})
}

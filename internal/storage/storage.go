package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// Cycle outcomes.
const (
	OutcomeDownloaded = "downloaded"
	OutcomeFailed     = "failed"
	OutcomeInstalled  = "installed"
)

// CheckRecord is one release feed query.
type CheckRecord struct {
	CheckedAt     time.Time `json:"checked_at"`
	LatestVersion string    `json:"latest_version,omitempty"`
	Available     bool      `json:"available"`
	Error         string    `json:"error,omitempty"`
}

// CycleRecord summarizes one download cycle. Individual attempts are not stored.
type CycleRecord struct {
	ID           string    `json:"id"`
	Version      string    `json:"version"`
	Channel      string    `json:"channel"`
	Outcome      string    `json:"outcome"`
	FallbackUsed bool      `json:"fallback_used"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

type HistoryReadRepository interface {
	LastCheck(ctx context.Context) (*CheckRecord, error)
	ListCycles(ctx context.Context, limit int) ([]CycleRecord, error)
}

type HistoryWriteRepository interface {
	RecordCheck(ctx context.Context, rec CheckRecord) error
	RecordCycle(ctx context.Context, rec CycleRecord) error
}

type HistoryRepository interface {
	HistoryReadRepository
	HistoryWriteRepository
}

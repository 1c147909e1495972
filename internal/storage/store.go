package storage

import (
	"errors"
	"time"

	"github.com/funnyzak/reqreplay/internal/config"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/pkg/artifact"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ListOptions controls filtering and pagination.
type ListOptions struct {
	Search    string
	Method    string
	SessionID string
	Limit     int
	Offset    int
}

// SessionSummary aggregates the rows recorded under one session id.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Rows       int       `json:"rows"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	TotalBytes int64     `json:"total_bytes"`
}

// RunRecord is the outcome of replaying one artifact.
type RunRecord struct {
	ID        string        `json:"id"`
	Suite     string        `json:"suite"`
	Case      string        `json:"case"`
	Target    string        `json:"target"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Total     int           `json:"total"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Aborted   bool          `json:"aborted"`
}

// Store defines the persistence contract for recorded rows and run history.
type Store interface {
	Record(*artifact.Row) (*artifact.Row, error)
	// Rows returns every row of a session ordered by recording time.
	Rows(sessionID string) ([]*artifact.Row, error)
	List(ListOptions) ([]*artifact.Row, int, error)
	Sessions(ListOptions) ([]*SessionSummary, int, error)

	RecordRun(*RunRecord) error
	Runs(ListOptions) ([]*RunRecord, int, error)

	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}

// Package storage defines the persistence interface for run history.
// The default backend is SQLite (zero-config, pure Go driver).
package storage

import (
	"context"

	"github.com/kvothesson/capibara/internal/domain"
)

// DriverSQLite is the only supported driver today.
const DriverSQLite = "sqlite"

// Store is the persistence entry point. Sub-stores share the underlying
// connection.
type Store interface {
	// Runs returns the run history sub-store.
	Runs() RunStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// RunStore persists and queries run history.
type RunStore interface {
	// RecordRun appends a run record.
	RecordRun(ctx context.Context, rec *domain.RunRecord) error

	// Recent returns the newest records, newest first.
	Recent(ctx context.Context, limit int) ([]domain.RunRecord, error)

	// ByFingerprint returns records for one script, newest first.
	ByFingerprint(ctx context.Context, fingerprint string, limit int) ([]domain.RunRecord, error)
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver string // "sqlite" (default).
	Path   string // Database file path.
}

package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kvothesson/capibara/internal/domain"
)

// runRepository implements storage.RunStore. Append-only: history rows
// are never updated or deleted.
type runRepository struct {
	db *gorm.DB
}

func newRunRepository(db *gorm.DB) *runRepository {
	return &runRepository{db: db}
}

// RecordRun inserts a single run record. A zero ID gets a fresh UUID.
func (r *runRepository) RecordRun(ctx context.Context, rec *domain.RunRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Recent returns the newest run records. Limit defaults to 100.
func (r *runRepository) Recent(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []domain.RunRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	return records, nil
}

// ByFingerprint returns run records for one script, newest first.
// Limit defaults to 100.
func (r *runRepository) ByFingerprint(ctx context.Context, fingerprint string, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []domain.RunRecord
	err := r.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("querying runs for %s: %w", fingerprint, err)
	}
	return records, nil
}

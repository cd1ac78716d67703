package badges

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikke-map/mikke-api/internal/category"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingStoreDatabase = errors.New("badges: database handle is required")

// GormStore persists progress counters and earned badges through GORM. The
// increment runs inside a transaction with a row lock so concurrent posts in
// the same category each observe a distinct (old, new) pair.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs the store after validating its dependencies.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingStoreDatabase
	}
	return &GormStore{db: db}, nil
}

// IncrementProgress implements Store.
func (s *GormStore) IncrementProgress(ctx context.Context, userID string, cat category.ID) (IncrementResult, error) {
	var result IncrementResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record ProgressRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND category = ?", userID, cat).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = ProgressRecord{UserID: userID, Category: cat, Count: 1}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			result = IncrementResult{OldCount: 0, NewCount: 1}
			return nil
		}
		if err != nil {
			return err
		}

		newCount := record.Count + 1
		if err := tx.Model(&ProgressRecord{}).
			Where("user_id = ? AND category = ?", userID, cat).
			Update("count", newCount).Error; err != nil {
			return err
		}
		result = IncrementResult{OldCount: record.Count, NewCount: newCount}
		return nil
	})
	if txErr != nil {
		return IncrementResult{}, txErr
	}
	return result, nil
}

// ProgressCounts implements Store.
func (s *GormStore) ProgressCounts(ctx context.Context, userID string) (map[category.ID]int64, error) {
	var records []ProgressRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&records).Error; err != nil {
		return nil, err
	}

	counts := make(map[category.ID]int64, len(records))
	for _, record := range records {
		counts[record.Category] = record.Count
	}
	return counts, nil
}

// OverwriteProgress implements Store. Every counter is replaced inside one
// transaction so reconciliation never exposes a half-written state.
func (s *GormStore) OverwriteProgress(ctx context.Context, userID string, counts map[category.ID]int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for cat, count := range counts {
			if count < 0 {
				return fmt.Errorf("badges: negative count %d for category %q", count, cat)
			}
			record := ProgressRecord{UserID: userID, Category: cat, Count: count}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "category"}},
				DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
			}).Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// BadgeExists implements Store.
func (s *GormStore) BadgeExists(ctx context.Context, userID string, cat category.ID, level Level) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EarnedBadge{}).
		Where("user_id = ? AND category = ? AND level = ?", userID, cat, level).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertBadge implements Store. The composite primary key plus ON CONFLICT DO
// NOTHING makes the at-most-one invariant structural rather than procedural.
func (s *GormStore) InsertBadge(ctx context.Context, badge EarnedBadge) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&badge).Error
}

// ListBadges implements Store.
func (s *GormStore) ListBadges(ctx context.Context, userID string) ([]EarnedBadge, error) {
	var earned []EarnedBadge
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("earned_at ASC").
		Find(&earned).Error; err != nil {
		return nil, err
	}
	return earned, nil
}

package spots

import (
	"context"
	"fmt"

	"github.com/mikke-map/mikke-api/internal/category"
	"gorm.io/gorm"
)

// Recounter recounts a user's active spots per category straight from the
// table of record. It satisfies the badge engine's reconciliation source and
// stands alone so the badge service can be wired before the spot service.
type Recounter struct {
	db *gorm.DB
}

// NewRecounter constructs a Recounter over the shared database handle.
func NewRecounter(db *gorm.DB) (*Recounter, error) {
	if db == nil {
		return nil, fmt.Errorf("spots: recounter requires database handle")
	}
	return &Recounter{db: db}, nil
}

// CountActiveByCategory returns the user's active spot counts grouped by
// category. Categories without an active spot are absent from the map.
func (r *Recounter) CountActiveByCategory(ctx context.Context, userID string) (map[category.ID]int64, error) {
	type categoryCount struct {
		Category category.ID
		Total    int64
	}
	var rows []categoryCount
	err := r.db.WithContext(ctx).Model(&Spot{}).
		Select("category, COUNT(*) AS total").
		Where("user_id = ? AND is_active = ?", userID, true).
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("spots: recount query: %w", err)
	}

	counts := make(map[category.ID]int64, len(rows))
	for _, row := range rows {
		counts[row.Category] = row.Total
	}
	return counts, nil
}

// Package badges implements the achievement progress engine: per-category post
// counters, the fixed badge ladder, and the award flow that turns a counter
// increment into at most one celebration.
package badges

import (
	"fmt"
	"time"

	"github.com/mikke-map/mikke-api/internal/category"
)

// Level enumerates the badge tiers in ascending order of achievement.
type Level string

const (
	LevelBronze Level = "bronze"
	LevelSilver Level = "silver"
	LevelGold   Level = "gold"
)

// Rank maps levels onto their ladder position, bronze lowest. Unknown levels
// rank below bronze so they never win a comparison.
func (l Level) Rank() int {
	switch l {
	case LevelBronze:
		return 1
	case LevelSilver:
		return 2
	case LevelGold:
		return 3
	default:
		return 0
	}
}

// String returns the wire representation of the level.
func (l Level) String() string {
	return string(l)
}

// Threshold pairs a badge level with the post count required to earn it.
type Threshold struct {
	Level         Level
	RequiredCount int64
}

// ladder is the canonical threshold table. Every category shares the same
// ladder; the strictly-increasing invariant is enforced when the package loads.
var ladder = mustLadder([]Threshold{
	{Level: LevelBronze, RequiredCount: 5},
	{Level: LevelSilver, RequiredCount: 30},
	{Level: LevelGold, RequiredCount: 100},
})

func mustLadder(thresholds []Threshold) []Threshold {
	previousCount := int64(0)
	previousRank := 0
	for _, threshold := range thresholds {
		if threshold.RequiredCount <= previousCount {
			panic(fmt.Sprintf("badges: ladder counts must strictly increase, got %d after %d", threshold.RequiredCount, previousCount))
		}
		if threshold.Level.Rank() <= previousRank {
			panic(fmt.Sprintf("badges: ladder level order must match count order, got %q", threshold.Level))
		}
		previousCount = threshold.RequiredCount
		previousRank = threshold.Level.Rank()
	}
	return thresholds
}

// ThresholdsFor returns the ladder for the category, ascending by required
// count. Calling it with a category outside the fixed set is a programming
// error and panics; handlers only produce parsed categories.
func ThresholdsFor(cat category.ID) []Threshold {
	if !category.IsValid(cat) {
		panic(fmt.Sprintf("badges: unknown category %q", cat))
	}
	return append([]Threshold(nil), ladder...)
}

// ProgressRecord is the durable per-(user, category) count of qualifying
// posts. Rows are created lazily on first increment and only ever lowered by
// reconciliation.
type ProgressRecord struct {
	UserID    string      `gorm:"column:user_id;primaryKey;size:190;not null"`
	Category  category.ID `gorm:"column:category;primaryKey;size:64;not null"`
	Count     int64       `gorm:"column:count;not null;default:0"`
	UpdatedAt time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ProgressRecord) TableName() string {
	return "badge_progress"
}

// EarnedBadge is an append-only achievement fact. The composite primary key
// makes at-most-one-badge-per-(user, category, level) a schema invariant, and
// badges are never deleted even when a recount drops below the threshold.
type EarnedBadge struct {
	UserID      string      `gorm:"column:user_id;primaryKey;size:190;not null"`
	Category    category.ID `gorm:"column:category;primaryKey;size:64;not null"`
	Level       Level       `gorm:"column:level;primaryKey;size:16;not null"`
	EarnedAt    time.Time   `gorm:"column:earned_at;not null"`
	CountAtEarn int64       `gorm:"column:count_at_earn;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EarnedBadge) TableName() string {
	return "earned_badges"
}

// Celebration describes the single user-visible award produced by one
// qualifying event. It is never persisted.
type Celebration struct {
	Badge         EarnedBadge
	WasUpgrade    bool
	PreviousLevel *Level
}

// CategoryProgress is the per-category slice of a progress summary.
type CategoryProgress struct {
	Count        int64   `json:"count"`
	EarnedLevels []Level `json:"earned_levels"`
}

// Summary aggregates a user's progress across every category for display.
type Summary struct {
	PerCategory       map[category.ID]CategoryProgress `json:"per_category"`
	TotalBadgesEarned int                              `json:"total_badges_earned"`
}

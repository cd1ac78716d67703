package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillBadgeProgress = "2026-08-10_backfill_badge_progress_from_spots"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillBadgeProgress, apply: backfillBadgeProgressFromSpots},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillBadgeProgressFromSpots seeds progress counters for installs that
// predate badge tracking. Existing counter rows are left alone; earned badges
// are granted lazily by reconciliation, not here.
func backfillBadgeProgressFromSpots(db *gorm.DB) error {
	const statement = `
INSERT INTO badge_progress (user_id, category, count, updated_at)
SELECT user_id, category, COUNT(*), CURRENT_TIMESTAMP
FROM spots
WHERE is_active = 1
GROUP BY user_id, category
ON CONFLICT (user_id, category) DO NOTHING;`
	return db.Exec(statement).Error
}

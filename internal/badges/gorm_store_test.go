package badges

import (
	"context"
	"fmt"
	"testing"

	githubsqlite "github.com/glebarez/sqlite"
	"github.com/mikke-map/mikke-api/internal/category"
	"gorm.io/gorm"
)

func openStoreDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&ProgressRecord{}, &EarnedBadge{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustGormStore(t *testing.T, db *gorm.DB) *GormStore {
	t.Helper()
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func TestGormStoreIncrementCreatesRowLazily(t *testing.T) {
	store := mustGormStore(t, openStoreDB(t, "badges_increment_lazy"))
	ctx := context.Background()

	result, err := store.IncrementProgress(ctx, "user-1", category.ParkOutdoor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OldCount != 0 || result.NewCount != 1 {
		t.Fatalf("expected 0 -> 1, got %d -> %d", result.OldCount, result.NewCount)
	}

	result, err = store.IncrementProgress(ctx, "user-1", category.ParkOutdoor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OldCount != 1 || result.NewCount != 2 {
		t.Fatalf("expected 1 -> 2, got %d -> %d", result.OldCount, result.NewCount)
	}
}

func TestGormStoreCountersAreIndependent(t *testing.T) {
	store := mustGormStore(t, openStoreDB(t, "badges_independent"))
	ctx := context.Background()

	for increment := 0; increment < 3; increment++ {
		if _, err := store.IncrementProgress(ctx, "user-1", category.Pet); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := store.IncrementProgress(ctx, "user-1", category.Shopping); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.IncrementProgress(ctx, "user-2", category.Pet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := store.ProgressCounts(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[category.Pet] != 3 {
		t.Fatalf("expected pet count 3, got %d", counts[category.Pet])
	}
	if counts[category.Shopping] != 1 {
		t.Fatalf("expected shopping count 1, got %d", counts[category.Shopping])
	}

	otherCounts, err := store.ProgressCounts(ctx, "user-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if otherCounts[category.Pet] != 1 {
		t.Fatalf("expected isolated count 1 for user-2, got %d", otherCounts[category.Pet])
	}
}

func TestGormStoreInsertBadgeIsConflictTolerant(t *testing.T) {
	store := mustGormStore(t, openStoreDB(t, "badges_insert_conflict"))
	ctx := context.Background()

	badge := EarnedBadge{
		UserID:      "user-1",
		Category:    category.Tourism,
		Level:       LevelBronze,
		CountAtEarn: 5,
	}
	if err := store.InsertBadge(ctx, badge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A replayed insert for the same (user, category, level) must be silent.
	badge.CountAtEarn = 6
	if err := store.InsertBadge(ctx, badge); err != nil {
		t.Fatalf("replayed insert must not fail: %v", err)
	}

	earned, err := store.ListBadges(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(earned) != 1 {
		t.Fatalf("expected one badge row, got %d", len(earned))
	}
	if earned[0].CountAtEarn != 5 {
		t.Fatalf("original badge row must win, got count_at_earn %d", earned[0].CountAtEarn)
	}

	exists, err := store.BadgeExists(ctx, "user-1", category.Tourism, LevelBronze)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Fatalf("badge should exist")
	}
	exists, err = store.BadgeExists(ctx, "user-1", category.Tourism, LevelSilver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Fatalf("silver badge should not exist")
	}
}

func TestGormStoreOverwriteProgressReplacesCounters(t *testing.T) {
	store := mustGormStore(t, openStoreDB(t, "badges_overwrite"))
	ctx := context.Background()

	for increment := 0; increment < 5; increment++ {
		if _, err := store.IncrementProgress(ctx, "user-1", category.ParkOutdoor); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	err := store.OverwriteProgress(ctx, "user-1", map[category.ID]int64{
		category.ParkOutdoor: 3,
		category.FoodDrink:   8,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := store.ProgressCounts(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[category.ParkOutdoor] != 3 {
		t.Fatalf("expected lowered count 3, got %d", counts[category.ParkOutdoor])
	}
	if counts[category.FoodDrink] != 8 {
		t.Fatalf("expected inserted count 8, got %d", counts[category.FoodDrink])
	}

	// Increments continue from the overwritten value.
	result, err := store.IncrementProgress(ctx, "user-1", category.ParkOutdoor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OldCount != 3 || result.NewCount != 4 {
		t.Fatalf("expected 3 -> 4 after overwrite, got %d -> %d", result.OldCount, result.NewCount)
	}
}

func TestGormStoreOverwriteRejectsNegativeCounts(t *testing.T) {
	store := mustGormStore(t, openStoreDB(t, "badges_overwrite_negative"))
	err := store.OverwriteProgress(context.Background(), "user-1", map[category.ID]int64{
		category.Pet: -1,
	})
	if err == nil {
		t.Fatalf("expected error for negative count")
	}
}

func TestNewGormStoreRequiresDatabase(t *testing.T) {
	if _, err := NewGormStore(nil); err == nil {
		t.Fatalf("expected error for missing database")
	}
}

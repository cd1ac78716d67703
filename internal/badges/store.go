package badges

import (
	"context"
	"errors"

	"github.com/mikke-map/mikke-api/internal/category"
)

// ErrStoreUnavailable wraps any progress store failure. Callers treat badge
// tracking as best effort: the action that triggered the check must still
// succeed when this error is returned.
var ErrStoreUnavailable = errors.New("badges: progress store unavailable")

// IncrementResult carries both sides of an atomic counter increment.
type IncrementResult struct {
	OldCount int64
	NewCount int64
}

// Store abstracts the persistence the engine needs: an atomic counter per
// (user, category), and conflict-tolerant badge rows. The engine holds no
// locks of its own; lost-update protection is the store's obligation.
type Store interface {
	// IncrementProgress adds one to the (user, category) counter and returns
	// the count before and after in the same atomic step. The row is created
	// at zero when absent.
	IncrementProgress(ctx context.Context, userID string, cat category.ID) (IncrementResult, error)

	// ProgressCounts returns every stored counter for the user. Categories
	// without a row are simply absent.
	ProgressCounts(ctx context.Context, userID string) (map[category.ID]int64, error)

	// OverwriteProgress replaces the user's counters wholesale. Used only by
	// reconciliation; the hot path never lowers a counter.
	OverwriteProgress(ctx context.Context, userID string, counts map[category.ID]int64) error

	// BadgeExists reports whether the badge row is already present.
	BadgeExists(ctx context.Context, userID string, cat category.ID, level Level) (bool, error)

	// InsertBadge persists a badge. Inserting an already-earned badge is a
	// no-op, which keeps the award step idempotent under replays.
	InsertBadge(ctx context.Context, badge EarnedBadge) error

	// ListBadges returns every badge the user has earned.
	ListBadges(ctx context.Context, userID string) ([]EarnedBadge, error)
}

// SpotRecounter exposes the authoritative event source reconciliation counts
// from: the user's currently active spots, grouped by category.
type SpotRecounter interface {
	CountActiveByCategory(ctx context.Context, userID string) (map[category.ID]int64, error)
}

// SummaryCache is an optional read-side cache for progress summaries. Misses
// and failures are silent; the store remains the source of truth.
type SummaryCache interface {
	GetSummary(ctx context.Context, userID string) (Summary, bool)
	SetSummary(ctx context.Context, userID string, summary Summary)
	InvalidateSummary(ctx context.Context, userID string)
}

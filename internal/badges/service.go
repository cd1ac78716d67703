package badges

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikke-map/mikke-api/internal/category"
	"go.uber.org/zap"
)

var (
	errMissingStore     = errors.New("progress store is required")
	errMissingRecounter = errors.New("spot recounter is required")
	errMissingUserID    = errors.New("user identifier is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew      = "badges.service.new"
	opRecordProgress  = "badges.record_progress"
	opProgressSummary = "badges.progress_summary"
	opReconcile       = "badges.reconcile"
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func storeFailure(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %w", ErrStoreUnavailable, cause))
}

// ServiceConfig describes the dependencies of the badge service.
type ServiceConfig struct {
	Store     Store
	Recounter SpotRecounter
	Cache     SummaryCache
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service is the award recorder: it turns qualifying events into counter
// increments, badge rows, and at most one celebration per event.
type Service struct {
	store     Store
	recounter SpotRecounter
	cache     SummaryCache
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the badge service. Recounter and Cache are optional;
// Reconcile fails when no recounter was supplied.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:     cfg.Store,
		recounter: cfg.Recounter,
		cache:     cfg.Cache,
		clock:     clock,
		logger:    logger,
	}, nil
}

// RecordProgressEvent registers one qualifying post for (user, category) and
// returns the celebration for the highest newly earned badge, or nil when no
// threshold was crossed. Safe under concurrent calls and at-least-once
// replays: the increment is atomic in the store and badge inserts are
// conflict-tolerant, so a replayed crossing yields no second celebration.
func (s *Service) RecordProgressEvent(ctx context.Context, userID string, cat category.ID) (*Celebration, error) {
	if userID == "" {
		return nil, newServiceError(opRecordProgress, "missing_user_id", errMissingUserID)
	}

	result, err := s.store.IncrementProgress(ctx, userID, cat)
	if err != nil {
		s.logError(opRecordProgress, "increment_failed", err,
			zap.String("user_id", userID),
			zap.String("category", cat.String()))
		return nil, storeFailure(opRecordProgress, "increment_failed", err)
	}
	s.invalidateSummary(ctx, userID)

	crossed := Crossings(cat, result.OldCount, result.NewCount)
	if len(crossed) == 0 {
		return nil, nil
	}

	previousLevel := LevelAt(cat, result.OldCount)
	earnedAt := s.clock().UTC()

	var inserted []EarnedBadge
	for _, threshold := range crossed {
		exists, err := s.store.BadgeExists(ctx, userID, cat, threshold.Level)
		if err != nil {
			s.logError(opRecordProgress, "badge_lookup_failed", err,
				zap.String("user_id", userID),
				zap.String("category", cat.String()),
				zap.String("level", threshold.Level.String()))
			return nil, storeFailure(opRecordProgress, "badge_lookup_failed", err)
		}
		if exists {
			continue
		}

		badge := EarnedBadge{
			UserID:      userID,
			Category:    cat,
			Level:       threshold.Level,
			EarnedAt:    earnedAt,
			CountAtEarn: result.NewCount,
		}
		if err := s.store.InsertBadge(ctx, badge); err != nil {
			s.logError(opRecordProgress, "badge_insert_failed", err,
				zap.String("user_id", userID),
				zap.String("category", cat.String()),
				zap.String("level", threshold.Level.String()))
			return nil, storeFailure(opRecordProgress, "badge_insert_failed", err)
		}
		inserted = append(inserted, badge)
	}

	if len(inserted) == 0 {
		return nil, nil
	}

	// Crossings are ascending, so the last insert is the highest new level.
	top := inserted[len(inserted)-1]
	s.logger.Info("badge earned",
		zap.String("user_id", userID),
		zap.String("category", cat.String()),
		zap.String("level", top.Level.String()),
		zap.Int64("count_at_earn", top.CountAtEarn))

	return &Celebration{
		Badge:         top,
		WasUpgrade:    previousLevel != nil,
		PreviousLevel: previousLevel,
	}, nil
}

// ProgressSummary returns counts and earned levels for every category,
// including categories the user has never posted in.
func (s *Service) ProgressSummary(ctx context.Context, userID string) (Summary, error) {
	if userID == "" {
		return Summary{}, newServiceError(opProgressSummary, "missing_user_id", errMissingUserID)
	}

	if s.cache != nil {
		if summary, ok := s.cache.GetSummary(ctx, userID); ok {
			return summary, nil
		}
	}

	counts, err := s.store.ProgressCounts(ctx, userID)
	if err != nil {
		s.logError(opProgressSummary, "counts_query_failed", err, zap.String("user_id", userID))
		return Summary{}, storeFailure(opProgressSummary, "counts_query_failed", err)
	}
	earned, err := s.store.ListBadges(ctx, userID)
	if err != nil {
		s.logError(opProgressSummary, "badges_query_failed", err, zap.String("user_id", userID))
		return Summary{}, storeFailure(opProgressSummary, "badges_query_failed", err)
	}

	summary := buildSummary(counts, earned)
	if s.cache != nil {
		s.cache.SetSummary(ctx, userID, summary)
	}
	return summary, nil
}

// Reconcile recomputes every counter from the user's active spots and
// overwrites stored progress. Badges implied by the recount are backfilled;
// badges whose threshold the recount no longer satisfies are kept and only
// logged, because achievements are permanent.
func (s *Service) Reconcile(ctx context.Context, userID string) (map[category.ID]int64, error) {
	if userID == "" {
		return nil, newServiceError(opReconcile, "missing_user_id", errMissingUserID)
	}
	if s.recounter == nil {
		return nil, newServiceError(opReconcile, "missing_recounter", errMissingRecounter)
	}

	recounted, err := s.recounter.CountActiveByCategory(ctx, userID)
	if err != nil {
		s.logError(opReconcile, "recount_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opReconcile, "recount_failed", err)
	}

	counts := make(map[category.ID]int64, len(category.All()))
	for _, cat := range category.All() {
		counts[cat] = recounted[cat]
	}

	earned, err := s.store.ListBadges(ctx, userID)
	if err != nil {
		s.logError(opReconcile, "badges_query_failed", err, zap.String("user_id", userID))
		return nil, storeFailure(opReconcile, "badges_query_failed", err)
	}
	earnedIndex := make(map[category.ID]map[Level]struct{})
	for _, badge := range earned {
		if earnedIndex[badge.Category] == nil {
			earnedIndex[badge.Category] = make(map[Level]struct{})
		}
		earnedIndex[badge.Category][badge.Level] = struct{}{}
	}

	earnedAt := s.clock().UTC()
	for cat, count := range counts {
		for _, threshold := range ThresholdsFor(cat) {
			_, alreadyEarned := earnedIndex[cat][threshold.Level]
			switch {
			case count >= threshold.RequiredCount && !alreadyEarned:
				badge := EarnedBadge{
					UserID:      userID,
					Category:    cat,
					Level:       threshold.Level,
					EarnedAt:    earnedAt,
					CountAtEarn: count,
				}
				if err := s.store.InsertBadge(ctx, badge); err != nil {
					s.logError(opReconcile, "badge_insert_failed", err,
						zap.String("user_id", userID),
						zap.String("category", cat.String()),
						zap.String("level", threshold.Level.String()))
					return nil, storeFailure(opReconcile, "badge_insert_failed", err)
				}
			case count < threshold.RequiredCount && alreadyEarned:
				s.logger.Warn("recomputed count below earned badge threshold, keeping badge",
					zap.String("user_id", userID),
					zap.String("category", cat.String()),
					zap.String("level", threshold.Level.String()),
					zap.Int64("recomputed_count", count),
					zap.Int64("required_count", threshold.RequiredCount))
			}
		}
	}

	if err := s.store.OverwriteProgress(ctx, userID, counts); err != nil {
		s.logError(opReconcile, "overwrite_failed", err, zap.String("user_id", userID))
		return nil, storeFailure(opReconcile, "overwrite_failed", err)
	}
	s.invalidateSummary(ctx, userID)

	return counts, nil
}

func buildSummary(counts map[category.ID]int64, earned []EarnedBadge) Summary {
	perCategory := make(map[category.ID]CategoryProgress, len(category.All()))
	for _, cat := range category.All() {
		perCategory[cat] = CategoryProgress{Count: counts[cat]}
	}
	for _, badge := range earned {
		progress := perCategory[badge.Category]
		progress.EarnedLevels = insertLevelOrdered(progress.EarnedLevels, badge.Level)
		perCategory[badge.Category] = progress
	}
	return Summary{PerCategory: perCategory, TotalBadgesEarned: len(earned)}
}

func insertLevelOrdered(levels []Level, level Level) []Level {
	for index, existing := range levels {
		if existing == level {
			return levels
		}
		if level.Rank() < existing.Rank() {
			levels = append(levels[:index], append([]Level{level}, levels[index:]...)...)
			return levels
		}
	}
	return append(levels, level)
}

func (s *Service) invalidateSummary(ctx context.Context, userID string) {
	if s.cache != nil {
		s.cache.InvalidateSummary(ctx, userID)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("badge service error", attrs...)
}

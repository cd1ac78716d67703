package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikke-map/mikke-api/internal/category"
	"github.com/mikke-map/mikke-api/internal/spots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates login claims without a usable subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates the profile does not exist or is deactivated.
	ErrUserNotFound = errors.New("users: user not found")

	noOpLogger = zap.NewNop()
)

// ServiceConfig describes the dependencies of the profile service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages profiles and derives statistics and rankings from spots.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	known  sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// UpsertFromLogin creates the profile on first sign-in and refreshes claim
// fields on every subsequent one. The known-subject cache skips the read on
// repeat logins but last_login_at is still advanced.
func (s *Service) UpsertFromLogin(ctx context.Context, login LoginProfile) (Profile, error) {
	subject := normalize(login.Subject)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}

	if _, seen := s.known.Load(subject); seen {
		if profile, err := s.refreshProfile(ctx, subject, login); err == nil {
			return profile, nil
		}
		// Cache went stale, fall through to the full path.
		s.known.Delete(subject)
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", subject).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			UserID:      subject,
			Email:       normalize(login.Email),
			DisplayName: normalize(login.DisplayName),
			AvatarURL:   normalize(login.AvatarURL),
			IsActive:    true,
			LastLoginAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, fmt.Errorf("users: create profile: %w", err)
		}
		s.logger.Info("profile created", zap.String("user_id", subject))

	case err != nil:
		return Profile{}, fmt.Errorf("users: load profile: %w", err)

	default:
		refreshed, err := s.refreshProfile(ctx, subject, login)
		if err != nil {
			return Profile{}, err
		}
		profile = refreshed
	}

	s.known.Store(subject, struct{}{})
	return profile, nil
}

func (s *Service) refreshProfile(ctx context.Context, subject string, login LoginProfile) (Profile, error) {
	updates := map[string]interface{}{"last_login_at": s.now()}
	if email := normalize(login.Email); email != "" {
		updates["email"] = email
	}
	if display := normalize(login.DisplayName); display != "" {
		updates["display_name"] = display
	}
	if avatar := normalize(login.AvatarURL); avatar != "" {
		updates["avatar_url"] = avatar
	}

	result := s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ? AND is_active = ?", subject, true).
		Updates(updates)
	if result.Error != nil {
		return Profile{}, fmt.Errorf("users: refresh profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Profile{}, ErrUserNotFound
	}

	var profile Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", subject).First(&profile).Error; err != nil {
		return Profile{}, fmt.Errorf("users: load profile: %w", err)
	}
	return profile, nil
}

// GetProfile returns an active profile by id.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUserNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("users: load profile: %w", err)
	}
	return profile, nil
}

// Stats aggregates the user's active spots into a contribution summary.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	type totalsRow struct {
		TotalSpots    int64
		TotalViews    int64
		TotalLikes    int64
		TotalDislikes int64
	}
	var totals totalsRow
	err := s.db.WithContext(ctx).Model(&spots.Spot{}).
		Select("COUNT(*) AS total_spots, COALESCE(SUM(views_count), 0) AS total_views, COALESCE(SUM(likes_count), 0) AS total_likes, COALESCE(SUM(dislikes_count), 0) AS total_dislikes").
		Where("user_id = ? AND is_active = ?", userID, true).
		Scan(&totals).Error
	if err != nil {
		return Stats{}, fmt.Errorf("users: aggregate stats: %w", err)
	}

	type categoryRow struct {
		Category category.ID
		Total    int64
	}
	var rows []categoryRow
	err = s.db.WithContext(ctx).Model(&spots.Spot{}).
		Select("category, COUNT(*) AS total").
		Where("user_id = ? AND is_active = ?", userID, true).
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("users: aggregate categories: %w", err)
	}

	byCategory := make(map[category.ID]int64, len(rows))
	for _, row := range rows {
		byCategory[row.Category] = row.Total
	}
	return Stats{
		TotalSpots:      totals.TotalSpots,
		TotalViews:      totals.TotalViews,
		TotalLikes:      totals.TotalLikes,
		TotalDislikes:   totals.TotalDislikes,
		SpotsByCategory: byCategory,
	}, nil
}

// TopUsers returns the contribution leaderboard ordered by active spot count.
// Ties share ordering by user id so the ranking is deterministic.
func (s *Service) TopUsers(ctx context.Context, limit int) ([]RankedUser, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	type leaderboardRow struct {
		UserID      string
		DisplayName string
		AvatarURL   string
		SpotCount   int64
	}
	var rows []leaderboardRow
	err := s.db.WithContext(ctx).Model(&spots.Spot{}).
		Select("spots.user_id, user_profiles.display_name, user_profiles.avatar_url, COUNT(*) AS spot_count").
		Joins("JOIN user_profiles ON user_profiles.user_id = spots.user_id AND user_profiles.is_active = ?", true).
		Where("spots.is_active = ?", true).
		Group("spots.user_id, user_profiles.display_name, user_profiles.avatar_url").
		Order("spot_count DESC, spots.user_id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("users: leaderboard query: %w", err)
	}

	ranked := make([]RankedUser, 0, len(rows))
	for index, row := range rows {
		ranked = append(ranked, RankedUser{
			Rank:        index + 1,
			UserID:      row.UserID,
			DisplayName: row.DisplayName,
			AvatarURL:   row.AvatarURL,
			SpotCount:   row.SpotCount,
		})
	}
	return ranked, nil
}

// UserRank returns the user's leaderboard position, counting how many users
// have strictly more active spots. Users with no spots rank after everyone
// who has posted.
func (s *Service) UserRank(ctx context.Context, userID string) (RankedUser, error) {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return RankedUser{}, err
	}

	var ownCount int64
	err = s.db.WithContext(ctx).Model(&spots.Spot{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&ownCount).Error
	if err != nil {
		return RankedUser{}, fmt.Errorf("users: rank query: %w", err)
	}

	var ahead int64
	err = s.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM (SELECT user_id FROM spots WHERE is_active = ? GROUP BY user_id HAVING COUNT(*) > ?) AS busier",
		true, ownCount,
	).Scan(&ahead).Error
	if err != nil {
		return RankedUser{}, fmt.Errorf("users: rank query: %w", err)
	}

	return RankedUser{
		Rank:        int(ahead) + 1,
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		SpotCount:   ownCount,
	}, nil
}

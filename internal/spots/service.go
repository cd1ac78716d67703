package spots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikke-map/mikke-api/internal/badges"
	"github.com/mikke-map/mikke-api/internal/category"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew   = "spots.service.new"
	opCreateSpot   = "spots.create"
	opUpdateSpot   = "spots.update"
	opDeleteSpot   = "spots.delete"
	opGetSpot      = "spots.get"
	opListSpots    = "spots.list"
	opRegisterView = "spots.register_view"
	opRateSpot     = "spots.rate"
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

// BadgeRecorder is the badge engine entry point a spot creation triggers.
type BadgeRecorder interface {
	RecordProgressEvent(ctx context.Context, userID string, cat category.ID) (*badges.Celebration, error)
}

// IDProvider issues spot identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the spot service.
type ServiceConfig struct {
	Database *gorm.DB
	Provider IDProvider
	Recorder BadgeRecorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns spot CRUD, ratings, and view counters, and feeds the badge
// engine. Badge failures never fail the spot operation that triggered them.
type Service struct {
	db       *gorm.DB
	provider IDProvider
	recorder BadgeRecorder
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the spot service. Recorder is optional; without it
// spots are created without badge tracking.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Provider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		db:       cfg.Database,
		provider: cfg.Provider,
		recorder: cfg.Recorder,
		clock:    clock,
		logger:   logger,
	}, nil
}

// CreateSpot persists a new spot and registers the qualifying event with the
// badge engine. The returned celebration is nil when no badge was earned or
// when badge tracking failed; a recorder failure is logged and swallowed so
// the publish itself always stands.
func (s *Service) CreateSpot(ctx context.Context, request CreateRequest) (Spot, *badges.Celebration, error) {
	if err := request.validate(); err != nil {
		return Spot{}, nil, newServiceError(opCreateSpot, "invalid_request", err)
	}

	spotID, err := s.provider.NewID()
	if err != nil {
		s.logError(opCreateSpot, "id_generation_failed", err, zap.String("user_id", request.UserID))
		return Spot{}, nil, newServiceError(opCreateSpot, "id_generation_failed", err)
	}

	spot := Spot{
		SpotID:      spotID,
		UserID:      strings.TrimSpace(request.UserID),
		Title:       strings.TrimSpace(request.Title),
		Description: strings.TrimSpace(request.Description),
		Category:    request.Category,
		Latitude:    request.Latitude,
		Longitude:   request.Longitude,
		Address:     strings.TrimSpace(request.Address),
		IsActive:    true,
		CreatedAt:   s.clock().UTC(),
	}
	if err := spot.SetImages(request.ImageURLs); err != nil {
		return Spot{}, nil, newServiceError(opCreateSpot, "image_encoding_failed", err)
	}

	if err := s.db.WithContext(ctx).Create(&spot).Error; err != nil {
		s.logError(opCreateSpot, "insert_failed", err,
			zap.String("user_id", spot.UserID),
			zap.String("category", spot.Category.String()))
		return Spot{}, nil, newServiceError(opCreateSpot, "insert_failed", err)
	}

	var celebration *badges.Celebration
	if s.recorder != nil {
		celebration, err = s.recorder.RecordProgressEvent(ctx, spot.UserID, spot.Category)
		if err != nil {
			// Failure isolation: badge tracking is best effort and the
			// published spot stands regardless.
			s.logger.Warn("badge tracking unavailable for new spot",
				zap.String("spot_id", spot.SpotID),
				zap.String("user_id", spot.UserID),
				zap.String("category", spot.Category.String()),
				zap.Error(err))
			celebration = nil
		}
	}

	return spot, celebration, nil
}

// UpdateSpot applies a partial edit to a spot the user owns.
func (s *Service) UpdateSpot(ctx context.Context, userID, spotID string, request UpdateRequest) (Spot, error) {
	var updated Spot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		spot, err := lockActiveSpot(tx, spotID)
		if err != nil {
			return err
		}
		if spot.UserID != userID {
			return ErrNotSpotOwner
		}

		if request.Title != nil {
			title := strings.TrimSpace(*request.Title)
			if title == "" || len(title) > maxTitleLength {
				return fmt.Errorf("%w: invalid title", ErrInvalidSpot)
			}
			spot.Title = title
		}
		if request.Description != nil {
			if len(*request.Description) > maxDescriptionLength {
				return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidSpot, maxDescriptionLength)
			}
			spot.Description = strings.TrimSpace(*request.Description)
		}
		if request.Address != nil {
			if len(*request.Address) > maxAddressLength {
				return fmt.Errorf("%w: address exceeds %d characters", ErrInvalidSpot, maxAddressLength)
			}
			spot.Address = strings.TrimSpace(*request.Address)
		}
		if request.ImageURLs != nil {
			if len(request.ImageURLs) > maxImagesPerSpot {
				return fmt.Errorf("%w: at most %d images per spot", ErrInvalidSpot, maxImagesPerSpot)
			}
			if err := spot.SetImages(request.ImageURLs); err != nil {
				return err
			}
		}

		if err := tx.Save(&spot).Error; err != nil {
			return err
		}
		updated = spot
		return nil
	})
	if txErr != nil {
		return Spot{}, s.wrapMutationError(opUpdateSpot, spotID, txErr)
	}
	return updated, nil
}

// DeleteSpot soft-deletes a spot the user owns. Progress counters are not
// decremented here: the hot path only ever counts up, and reconciliation
// brings stored counts back in line with active spots.
func (s *Service) DeleteSpot(ctx context.Context, userID, spotID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		spot, err := lockActiveSpot(tx, spotID)
		if err != nil {
			return err
		}
		if spot.UserID != userID {
			return ErrNotSpotOwner
		}
		return tx.Model(&Spot{}).
			Where("spot_id = ?", spotID).
			Update("is_active", false).Error
	})
	if txErr != nil {
		return s.wrapMutationError(opDeleteSpot, spotID, txErr)
	}
	s.logger.Info("spot deactivated", zap.String("spot_id", spotID), zap.String("user_id", userID))
	return nil
}

// GetSpot returns an active spot by id.
func (s *Service) GetSpot(ctx context.Context, spotID string) (Spot, error) {
	var spot Spot
	err := s.db.WithContext(ctx).
		Where("spot_id = ? AND is_active = ?", spotID, true).
		Take(&spot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Spot{}, newServiceError(opGetSpot, "not_found", ErrSpotNotFound)
	}
	if err != nil {
		s.logError(opGetSpot, "query_failed", err, zap.String("spot_id", spotID))
		return Spot{}, newServiceError(opGetSpot, "query_failed", err)
	}
	return spot, nil
}

// RegisterView bumps the view counter for an active spot. The increment is a
// single UPDATE so concurrent views never lose counts.
func (s *Service) RegisterView(ctx context.Context, spotID string) error {
	result := s.db.WithContext(ctx).Model(&Spot{}).
		Where("spot_id = ? AND is_active = ?", spotID, true).
		UpdateColumn("views_count", gorm.Expr("views_count + 1"))
	if result.Error != nil {
		s.logError(opRegisterView, "update_failed", result.Error, zap.String("spot_id", spotID))
		return newServiceError(opRegisterView, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opRegisterView, "not_found", ErrSpotNotFound)
	}
	return nil
}

// ListSpots returns active spots newest first with optional category filter.
func (s *Service) ListSpots(ctx context.Context, query ListQuery) ([]Spot, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	tx := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if query.Category != nil {
		tx = tx.Where("category = ?", *query.Category)
	}

	var listed []Spot
	if err := tx.Find(&listed).Error; err != nil {
		s.logError(opListSpots, "query_failed", err)
		return nil, newServiceError(opListSpots, "query_failed", err)
	}
	return listed, nil
}

// ListByUser returns the user's own active spots newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Spot, error) {
	if limit <= 0 {
		limit = 20
	}
	var listed []Spot
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		Limit(limit).
		Find(&listed).Error; err != nil {
		s.logError(opListSpots, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListSpots, "query_failed", err)
	}
	return listed, nil
}

// RateSpot applies the original toggle semantics: a repeated rating removes
// it, a different one switches it, and the spot counters move accordingly,
// all inside one transaction.
func (s *Service) RateSpot(ctx context.Context, userID, spotID string, kind RatingKind) (RatingResult, error) {
	if kind != RatingLike && kind != RatingDislike {
		return RatingResult{}, newServiceError(opRateSpot, "invalid_rating", ErrInvalidRating)
	}

	var outcome RatingResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		spot, err := lockActiveSpot(tx, spotID)
		if err != nil {
			return err
		}

		likes, dislikes := spot.LikesCount, spot.DislikesCount
		var userRating *RatingKind

		var existing Rating
		err = tx.Where("spot_id = ? AND user_id = ?", spotID, userID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rating := Rating{SpotID: spotID, UserID: userID, Kind: kind}
			if err := tx.Create(&rating).Error; err != nil {
				return err
			}
			likes, dislikes = applyRatingDelta(likes, dislikes, kind, 1)
			userRating = &kind

		case err != nil:
			return err

		case existing.Kind == kind:
			if err := tx.Delete(&Rating{}, "spot_id = ? AND user_id = ?", spotID, userID).Error; err != nil {
				return err
			}
			likes, dislikes = applyRatingDelta(likes, dislikes, kind, -1)

		default:
			if err := tx.Model(&Rating{}).
				Where("spot_id = ? AND user_id = ?", spotID, userID).
				Update("kind", kind).Error; err != nil {
				return err
			}
			likes, dislikes = applyRatingDelta(likes, dislikes, existing.Kind, -1)
			likes, dislikes = applyRatingDelta(likes, dislikes, kind, 1)
			userRating = &kind
		}

		if err := tx.Model(&Spot{}).
			Where("spot_id = ?", spotID).
			Updates(map[string]interface{}{
				"likes_count":    likes,
				"dislikes_count": dislikes,
			}).Error; err != nil {
			return err
		}

		outcome = RatingResult{LikesCount: likes, DislikesCount: dislikes, UserRating: userRating}
		return nil
	})
	if txErr != nil {
		return RatingResult{}, s.wrapMutationError(opRateSpot, spotID, txErr)
	}
	return outcome, nil
}

func lockActiveSpot(tx *gorm.DB, spotID string) (Spot, error) {
	var spot Spot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("spot_id = ? AND is_active = ?", spotID, true).
		Take(&spot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Spot{}, ErrSpotNotFound
	}
	if err != nil {
		return Spot{}, err
	}
	return spot, nil
}

func applyRatingDelta(likes, dislikes int64, kind RatingKind, delta int64) (int64, int64) {
	switch kind {
	case RatingLike:
		likes += delta
	case RatingDislike:
		dislikes += delta
	}
	if likes < 0 {
		likes = 0
	}
	if dislikes < 0 {
		dislikes = 0
	}
	return likes, dislikes
}

func (s *Service) wrapMutationError(operation, spotID string, err error) error {
	switch {
	case errors.Is(err, ErrSpotNotFound):
		return newServiceError(operation, "not_found", err)
	case errors.Is(err, ErrNotSpotOwner):
		return newServiceError(operation, "not_owner", err)
	case errors.Is(err, ErrInvalidSpot):
		return newServiceError(operation, "invalid_request", err)
	default:
		s.logError(operation, "transaction_failed", err, zap.String("spot_id", spotID))
		return newServiceError(operation, "transaction_failed", err)
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
	s.logger.Error("spot service error", attrs...)
}

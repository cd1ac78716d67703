// Package spots manages the user-posted places shown on the Mikke map and is
// the authoritative event source the badge engine counts from.
package spots

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikke-map/mikke-api/internal/category"
)

const (
	maxTitleLength       = 140
	maxDescriptionLength = 2000
	maxAddressLength     = 512
	maxImagesPerSpot     = 5
)

var (
	// ErrInvalidSpot indicates a create or update payload that fails validation.
	ErrInvalidSpot = errors.New("spots: invalid spot")
	// ErrSpotNotFound indicates the spot does not exist or is inactive.
	ErrSpotNotFound = errors.New("spots: spot not found")
	// ErrNotSpotOwner indicates a mutation attempted by a non-owner.
	ErrNotSpotOwner = errors.New("spots: user does not own spot")
	// ErrInvalidRating indicates an unsupported rating kind.
	ErrInvalidRating = errors.New("spots: invalid rating")
)

// Spot models a posted place. Deletion is a soft flag: inactive spots stay on
// record but drop out of listings, stats, and badge recounts.
type Spot struct {
	SpotID        string      `gorm:"column:spot_id;primaryKey;size:190;not null"`
	UserID        string      `gorm:"column:user_id;size:190;not null;index:idx_spots_user_active,priority:1"`
	Title         string      `gorm:"column:title;size:140;not null"`
	Description   string      `gorm:"column:description;type:text;not null;default:''"`
	Category      category.ID `gorm:"column:category;size:64;not null;index"`
	Latitude      float64     `gorm:"column:latitude;not null"`
	Longitude     float64     `gorm:"column:longitude;not null"`
	Address       string      `gorm:"column:address;size:512;not null;default:''"`
	ImagesJSON    string      `gorm:"column:images_json;type:text;not null;default:''"`
	LikesCount    int64       `gorm:"column:likes_count;not null;default:0"`
	DislikesCount int64       `gorm:"column:dislikes_count;not null;default:0"`
	ViewsCount    int64       `gorm:"column:views_count;not null;default:0"`
	// No column default on purpose: gorm skips zero-value fields that carry
	// one on insert, which would store IsActive=false rows as active.
	IsActive  bool      `gorm:"column:is_active;not null;index:idx_spots_user_active,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Spot) TableName() string {
	return "spots"
}

// Images decodes the stored image URL list.
func (s *Spot) Images() []string {
	if s.ImagesJSON == "" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(s.ImagesJSON), &urls); err != nil {
		return nil
	}
	return urls
}

// SetImages encodes the image URL list for storage.
func (s *Spot) SetImages(urls []string) error {
	if len(urls) == 0 {
		s.ImagesJSON = ""
		return nil
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	s.ImagesJSON = string(encoded)
	return nil
}

// RatingKind enumerates the two spot reactions.
type RatingKind string

const (
	RatingLike    RatingKind = "like"
	RatingDislike RatingKind = "dislike"
)

// ParseRatingKind validates raw rating input.
func ParseRatingKind(rawInput string) (RatingKind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(RatingLike):
		return RatingLike, nil
	case string(RatingDislike):
		return RatingDislike, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRating, rawInput)
	}
}

// Rating records one user's reaction to one spot. Re-rating with the same
// kind removes the row (toggle), a different kind switches it.
type Rating struct {
	SpotID    string     `gorm:"column:spot_id;primaryKey;size:190;not null"`
	UserID    string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Kind      RatingKind `gorm:"column:kind;size:16;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Rating) TableName() string {
	return "spot_ratings"
}

// CreateRequest carries validated-on-entry input for a new spot.
type CreateRequest struct {
	UserID      string
	Title       string
	Description string
	Category    category.ID
	Latitude    float64
	Longitude   float64
	Address     string
	ImageURLs   []string
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidSpot)
	}
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return fmt.Errorf("%w: title required", ErrInvalidSpot)
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidSpot, maxTitleLength)
	}
	if len(r.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidSpot, maxDescriptionLength)
	}
	if !category.IsValid(r.Category) {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidSpot, r.Category)
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrInvalidSpot)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrInvalidSpot)
	}
	if len(r.Address) > maxAddressLength {
		return fmt.Errorf("%w: address exceeds %d characters", ErrInvalidSpot, maxAddressLength)
	}
	if len(r.ImageURLs) > maxImagesPerSpot {
		return fmt.Errorf("%w: at most %d images per spot", ErrInvalidSpot, maxImagesPerSpot)
	}
	return nil
}

// UpdateRequest carries a partial edit. Nil fields are left untouched. The
// category is deliberately not editable: progress counters only ever count
// the category a spot was posted under, and reconciliation handles the rest.
type UpdateRequest struct {
	Title       *string
	Description *string
	Address     *string
	ImageURLs   []string
}

// ListQuery filters and pages the public spot listing.
type ListQuery struct {
	Category *category.ID
	Limit    int
	Offset   int
}

// RatingResult reports the spot's counters after a rating mutation together
// with the caller's rating, nil when the toggle removed it.
type RatingResult struct {
	LikesCount    int64
	DislikesCount int64
	UserRating    *RatingKind
}

// Package users manages account profiles created from Google sign-in and the
// contribution statistics and rankings derived from posted spots.
package users

import (
	"strings"
	"time"

	"github.com/mikke-map/mikke-api/internal/category"
)

// Profile is the persisted account record. The user id is the Google subject,
// so sign-in never needs a separate identity mapping table.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	IsActive    bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	LastLoginAt time.Time `gorm:"column:last_login_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "user_profiles"
}

// LoginProfile carries the verified Google claims an upsert runs from.
type LoginProfile struct {
	Subject     string
	Email       string
	DisplayName string
	AvatarURL   string
}

// Stats aggregates a user's contribution footprint from their active spots.
type Stats struct {
	TotalSpots      int64                 `json:"total_spots"`
	TotalViews      int64                 `json:"total_views"`
	TotalLikes      int64                 `json:"total_likes"`
	TotalDislikes   int64                 `json:"total_dislikes"`
	SpotsByCategory map[category.ID]int64 `json:"spots_by_category"`
}

// RankedUser is one row of the contribution leaderboard.
type RankedUser struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	SpotCount   int64  `json:"spot_count"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

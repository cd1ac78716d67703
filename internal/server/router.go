// Package server wires the HTTP API: Google sign-in, spot CRUD and ratings,
// badge summaries, rankings, and the celebration event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mikke-map/mikke-api/internal/auth"
	"github.com/mikke-map/mikke-api/internal/badges"
	"github.com/mikke-map/mikke-api/internal/category"
	"github.com/mikke-map/mikke-api/internal/media"
	"github.com/mikke-map/mikke-api/internal/spots"
	"github.com/mikke-map/mikke-api/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "mikke_user_id"
	streamHeartbeat    = 25 * time.Second
	maxUploadFormBytes = 12 << 20
)

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingSpotService    = errors.New("spot service dependency required")
	errMissingUserService    = errors.New("user service dependency required")
	errMissingBadgeService   = errors.New("badge service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, claims auth.GoogleClaims) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type PhotoUploader interface {
	Upload(ctx context.Context, file *multipart.FileHeader) (media.UploadResult, error)
}

type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   SessionTokenManager
	SpotService    *spots.Service
	UserService    *users.Service
	BadgeService   *badges.Service
	Uploader       PhotoUploader
	Celebrations   *CelebrationDispatcher
	// AllowedOrigins restricts CORS; empty means any origin.
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SpotService == nil {
		return nil, errMissingSpotService
	}
	if deps.UserService == nil {
		return nil, errMissingUserService
	}
	if deps.BadgeService == nil {
		return nil, errMissingBadgeService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	celebrations := deps.Celebrations
	if celebrations == nil {
		celebrations = NewCelebrationDispatcher()
	}

	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:     deps.GoogleVerifier,
		tokens:       deps.TokenManager,
		spots:        deps.SpotService,
		users:        deps.UserService,
		badges:       deps.BadgeService,
		uploader:     deps.Uploader,
		celebrations: celebrations,
		logger:       logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/spots", handler.handleCreateSpot)
	protected.GET("/spots", handler.handleListSpots)
	protected.GET("/spots/:spot_id", handler.handleGetSpot)
	protected.PATCH("/spots/:spot_id", handler.handleUpdateSpot)
	protected.DELETE("/spots/:spot_id", handler.handleDeleteSpot)
	protected.POST("/spots/:spot_id/ratings", handler.handleRateSpot)
	protected.POST("/spots/:spot_id/images", handler.handleUploadImage)
	protected.GET("/me/spots", handler.handleMySpots)
	protected.GET("/me/stats", handler.handleMyStats)
	protected.GET("/me/badges", handler.handleMyBadges)
	protected.POST("/me/badges/reconcile", handler.handleReconcileBadges)
	protected.GET("/rankings", handler.handleRankings)

	// SSE clients cannot set headers, so the stream authorizes via query
	// parameter instead of the Bearer middleware.
	router.GET("/badges/stream", handler.handleCelebrationStream)

	return router, nil
}

type httpHandler struct {
	verifier     GoogleVerifier
	tokens       SessionTokenManager
	spots        *spots.Service
	users        *users.Service
	badges       *badges.Service
	uploader     PhotoUploader
	celebrations *CelebrationDispatcher
	logger       *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string         `json:"access_token"`
	ExpiresIn   int64          `json:"expires_in"`
	TokenType   string         `json:"token_type"`
	User        profilePayload `json:"user"`
}

type profilePayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.users.UpsertFromLogin(c.Request.Context(), users.LoginProfile{
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		AvatarURL:   claims.AvatarURL,
	})
	if err != nil {
		h.logger.Error("failed to upsert profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_upsert_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User: profilePayload{
			UserID:      profile.UserID,
			Email:       profile.Email,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		},
	})
}

type createSpotPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Address     string   `json:"address"`
	ImageURLs   []string `json:"image_urls"`
}

type spotPayload struct {
	SpotID        string   `json:"spot_id"`
	UserID        string   `json:"user_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Address       string   `json:"address,omitempty"`
	ImageURLs     []string `json:"image_urls,omitempty"`
	LikesCount    int64    `json:"likes_count"`
	DislikesCount int64    `json:"dislikes_count"`
	ViewsCount    int64    `json:"views_count"`
	CreatedAt     int64    `json:"created_at_s"`
}

type createSpotResponse struct {
	Spot        spotPayload       `json:"spot"`
	Celebration *CelebrationEvent `json:"celebration,omitempty"`
}

func spotToPayload(spot spots.Spot) spotPayload {
	return spotPayload{
		SpotID:        spot.SpotID,
		UserID:        spot.UserID,
		Title:         spot.Title,
		Description:   spot.Description,
		Category:      spot.Category.String(),
		Latitude:      spot.Latitude,
		Longitude:     spot.Longitude,
		Address:       spot.Address,
		ImageURLs:     spot.Images(),
		LikesCount:    spot.LikesCount,
		DislikesCount: spot.DislikesCount,
		ViewsCount:    spot.ViewsCount,
		CreatedAt:     spot.CreatedAt.Unix(),
	}
}

func (h *httpHandler) handleCreateSpot(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createSpotPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	parsedCategory, err := category.Parse(request.Category)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_category"})
		return
	}

	spot, celebration, err := h.spots.CreateSpot(c.Request.Context(), spots.CreateRequest{
		UserID:      userID,
		Title:       request.Title,
		Description: request.Description,
		Category:    parsedCategory,
		Latitude:    request.Latitude,
		Longitude:   request.Longitude,
		Address:     request.Address,
		ImageURLs:   request.ImageURLs,
	})
	if err != nil {
		h.writeSpotError(c, err)
		return
	}

	response := createSpotResponse{Spot: spotToPayload(spot)}
	if celebration != nil {
		event := NewCelebrationEvent(*celebration)
		response.Celebration = &event
		h.celebrations.Publish(event)
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleListSpots(c *gin.Context) {
	query := spots.ListQuery{
		Limit:  intQuery(c, "limit", 20),
		Offset: intQuery(c, "offset", 0),
	}
	if raw := c.Query("category"); raw != "" {
		parsed, err := category.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_category"})
			return
		}
		query.Category = &parsed
	}

	listed, err := h.spots.ListSpots(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("failed to list spots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"spots": spotsToPayload(listed)})
}

func (h *httpHandler) handleGetSpot(c *gin.Context) {
	spotID := c.Param("spot_id")
	spot, err := h.spots.GetSpot(c.Request.Context(), spotID)
	if err != nil {
		h.writeSpotError(c, err)
		return
	}

	// Opening a detail view counts as a view. The counter is advisory, so a
	// failed bump only logs.
	if err := h.spots.RegisterView(c.Request.Context(), spotID); err != nil {
		h.logger.Warn("failed to register view", zap.String("spot_id", spotID), zap.Error(err))
	} else {
		spot.ViewsCount++
	}
	c.JSON(http.StatusOK, gin.H{"spot": spotToPayload(spot)})
}

type updateSpotPayload struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Address     *string  `json:"address"`
	ImageURLs   []string `json:"image_urls"`
}

func (h *httpHandler) handleUpdateSpot(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request updateSpotPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updated, err := h.spots.UpdateSpot(c.Request.Context(), userID, c.Param("spot_id"), spots.UpdateRequest{
		Title:       request.Title,
		Description: request.Description,
		Address:     request.Address,
		ImageURLs:   request.ImageURLs,
	})
	if err != nil {
		h.writeSpotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spot": spotToPayload(updated)})
}

func (h *httpHandler) handleDeleteSpot(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.spots.DeleteSpot(c.Request.Context(), userID, c.Param("spot_id")); err != nil {
		h.writeSpotError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ratingPayload struct {
	Rating string `json:"rating"`
}

func (h *httpHandler) handleRateSpot(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request ratingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := spots.ParseRatingKind(request.Rating)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rating"})
		return
	}

	result, err := h.spots.RateSpot(c.Request.Context(), userID, c.Param("spot_id"), kind)
	if err != nil {
		h.writeSpotError(c, err)
		return
	}

	response := gin.H{
		"likes_count":    result.LikesCount,
		"dislikes_count": result.DislikesCount,
	}
	if result.UserRating != nil {
		response["user_rating"] = string(*result.UserRating)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUploadImage(c *gin.Context) {
	if h.uploader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "uploads_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)
	spotID := c.Param("spot_id")

	spot, err := h.spots.GetSpot(c.Request.Context(), spotID)
	if err != nil {
		h.writeSpotError(c, err)
		return
	}
	if spot.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadFormBytes)
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	uploaded, err := h.uploader.Upload(c.Request.Context(), file)
	if err != nil {
		if errors.Is(err, media.ErrInvalidImage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_image"})
			return
		}
		h.logger.Error("photo upload failed", zap.String("spot_id", spotID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed"})
		return
	}

	imageURLs := append(spot.Images(), uploaded.URL)
	updated, err := h.spots.UpdateSpot(c.Request.Context(), userID, spotID, spots.UpdateRequest{ImageURLs: imageURLs})
	if err != nil {
		h.writeSpotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spot": spotToPayload(updated), "image_url": uploaded.URL})
}

func (h *httpHandler) handleMySpots(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	listed, err := h.spots.ListByUser(c.Request.Context(), userID, intQuery(c, "limit", 20))
	if err != nil {
		h.logger.Error("failed to list own spots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"spots": spotsToPayload(listed)})
}

func (h *httpHandler) handleMyStats(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	stats, err := h.users.Stats(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to aggregate stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}

	rank, err := h.users.UserRank(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, users.ErrUserNotFound) {
		h.logger.Error("failed to compute rank", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}

	response := gin.H{"stats": stats}
	if err == nil {
		response["rank"] = rank
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMyBadges(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	summary, err := h.badges.ProgressSummary(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to build badge summary", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary_failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleReconcileBadges(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	counts, err := h.badges.Reconcile(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("badge reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

func (h *httpHandler) handleRankings(c *gin.Context) {
	ranked, err := h.users.TopUsers(c.Request.Context(), intQuery(c, "limit", 10))
	if err != nil {
		h.logger.Error("failed to build rankings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rankings_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rankings": ranked})
}

func (h *httpHandler) handleCelebrationStream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, cleanup := h.celebrations.Subscribe(c.Request.Context(), claims.Subject)
	defer cleanup()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			if err := writeSSEEvent(c.Writer, celebrationEventName, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", celebrationHeartbeatName); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, name string, event CelebrationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) writeSpotError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, spots.ErrSpotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, spots.ErrNotSpotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
	case errors.Is(err, spots.ErrInvalidSpot), errors.Is(err, spots.ErrInvalidRating):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("spot request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func spotsToPayload(listed []spots.Spot) []spotPayload {
	payloads := make([]spotPayload, 0, len(listed))
	for _, spot := range listed {
		payloads = append(payloads, spotToPayload(spot))
	}
	return payloads
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

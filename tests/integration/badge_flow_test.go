package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/mikke-map/mikke-api/internal/auth"
	"github.com/mikke-map/mikke-api/internal/badges"
	"github.com/mikke-map/mikke-api/internal/server"
	"github.com/mikke-map/mikke-api/internal/spots"
	"github.com/mikke-map/mikke-api/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationTokenIssuer   = "mikke-auth"
	integrationTokenAudience = "mikke-api"
	integrationGoogleToken   = "google-id-token"
	integrationSubject       = "google-sub-42"
	jsonContentType          = "application/json"
)

type staticVerifier struct {
	claims auth.GoogleClaims
}

func (v staticVerifier) Verify(_ context.Context, token string) (auth.GoogleClaims, error) {
	if token != integrationGoogleToken {
		return auth.GoogleClaims{}, fmt.Errorf("unknown token %q", token)
	}
	return v.claims, nil
}

// TestBadgeLifecycleFlow drives the full stack through login, posting spots
// until a badge threshold, and reconciling after a deletion.
func TestBadgeLifecycleFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:badge_flow?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&users.Profile{}, &spots.Spot{}, &spots.Rating{}, &badges.ProgressRecord{}, &badges.EarnedBadge{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	badgeStore, err := badges.NewGormStore(db)
	if err != nil {
		testContext.Fatalf("failed to build badge store: %v", err)
	}
	recounter, err := spots.NewRecounter(db)
	if err != nil {
		testContext.Fatalf("failed to build recounter: %v", err)
	}
	badgeService, err := badges.NewService(badges.ServiceConfig{
		Store:     badgeStore,
		Recounter: recounter,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build badge service: %v", err)
	}
	spotService, err := spots.NewService(spots.ServiceConfig{
		Database: db,
		Provider: spots.NewUUIDProvider(),
		Recorder: badgeService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build spot service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationTokenIssuer,
		Audience:      integrationTokenAudience,
		TokenTTL:      time.Hour,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: staticVerifier{claims: auth.GoogleClaims{
			Subject:     integrationSubject,
			Email:       "explorer@example.com",
			DisplayName: "Explorer",
		}},
		TokenManager: tokenManager,
		SpotService:  spotService,
		UserService:  userService,
		BadgeService: badgeService,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	sessionToken := loginForToken(testContext, testServer.URL)

	var lastSpotID string
	for index := 0; index < 5; index++ {
		payload := map[string]any{
			"title":     fmt.Sprintf("Riverside bench %d", index),
			"category":  "park_outdoor",
			"latitude":  35.68 + float64(index)*0.001,
			"longitude": 139.76,
		}
		body, _ := json.Marshal(payload)
		request, _ := http.NewRequest(http.MethodPost, testServer.URL+"/spots", bytes.NewReader(body))
		request.Header.Set("Content-Type", jsonContentType)
		request.Header.Set("Authorization", "Bearer "+sessionToken)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			testContext.Fatalf("create request failed: %v", err)
		}
		if response.StatusCode != http.StatusCreated {
			testContext.Fatalf("create %d: unexpected status %d", index, response.StatusCode)
		}
		var created struct {
			Spot struct {
				SpotID string `json:"spot_id"`
			} `json:"spot"`
			Celebration *struct {
				Category    string `json:"category"`
				Level       string `json:"level"`
				CountAtEarn int64  `json:"count_at_earn"`
			} `json:"celebration"`
		}
		if err := json.NewDecoder(response.Body).Decode(&created); err != nil {
			testContext.Fatalf("failed to decode create response: %v", err)
		}
		_ = response.Body.Close()
		lastSpotID = created.Spot.SpotID

		if index < 4 && created.Celebration != nil {
			testContext.Fatalf("unexpected celebration on spot %d: %#v", index+1, created.Celebration)
		}
		if index == 4 {
			if created.Celebration == nil {
				testContext.Fatal("expected bronze celebration on fifth spot")
			}
			if created.Celebration.Level != "bronze" || created.Celebration.Category != "park_outdoor" || created.Celebration.CountAtEarn != 5 {
				testContext.Fatalf("unexpected celebration: %#v", created.Celebration)
			}
		}
	}

	summary := fetchBadgeSummary(testContext, testServer.URL, sessionToken)
	if summary.TotalBadgesEarned != 1 {
		testContext.Fatalf("expected one earned badge, got %d", summary.TotalBadgesEarned)
	}

	deleteReq, _ := http.NewRequest(http.MethodDelete, testServer.URL+"/spots/"+lastSpotID, nil)
	deleteReq.Header.Set("Authorization", "Bearer "+sessionToken)
	deleteResp, err := http.DefaultClient.Do(deleteReq)
	if err != nil {
		testContext.Fatalf("delete request failed: %v", err)
	}
	_ = deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusNoContent {
		testContext.Fatalf("unexpected delete status: %d", deleteResp.StatusCode)
	}

	reconcileReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/me/badges/reconcile", nil)
	reconcileReq.Header.Set("Authorization", "Bearer "+sessionToken)
	reconcileResp, err := http.DefaultClient.Do(reconcileReq)
	if err != nil {
		testContext.Fatalf("reconcile request failed: %v", err)
	}
	defer reconcileResp.Body.Close()
	if reconcileResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected reconcile status: %d", reconcileResp.StatusCode)
	}
	var reconcilePayload struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := json.NewDecoder(reconcileResp.Body).Decode(&reconcilePayload); err != nil {
		testContext.Fatalf("failed to decode reconcile response: %v", err)
	}
	if reconcilePayload.Counts["park_outdoor"] != 4 {
		testContext.Fatalf("expected recounted 4 active spots, got %d", reconcilePayload.Counts["park_outdoor"])
	}

	summary = fetchBadgeSummary(testContext, testServer.URL, sessionToken)
	if summary.TotalBadgesEarned != 1 {
		testContext.Fatalf("badge should survive the count drop, got %d earned", summary.TotalBadgesEarned)
	}
	progress, ok := summary.PerCategory["park_outdoor"]
	if !ok {
		testContext.Fatal("expected park_outdoor progress entry")
	}
	if progress.Count != 4 {
		testContext.Fatalf("expected park_outdoor count 4 after reconcile, got %d", progress.Count)
	}
	if len(progress.EarnedLevels) != 1 || progress.EarnedLevels[0] != "bronze" {
		testContext.Fatalf("expected bronze to survive, got %v", progress.EarnedLevels)
	}
}

type badgeSummaryPayload struct {
	TotalBadgesEarned int `json:"total_badges_earned"`
	PerCategory       map[string]struct {
		Count        int64    `json:"count"`
		EarnedLevels []string `json:"earned_levels"`
	} `json:"per_category"`
}

func loginForToken(testContext *testing.T, baseURL string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"id_token": integrationGoogleToken})
	response, err := http.Post(baseURL+"/auth/google", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("login request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected login status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatal("expected access token")
	}
	return payload.AccessToken
}

func fetchBadgeSummary(testContext *testing.T, baseURL, token string) badgeSummaryPayload {
	testContext.Helper()
	request, _ := http.NewRequest(http.MethodGet, baseURL+"/me/badges", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("summary request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected summary status: %d", response.StatusCode)
	}
	var payload badgeSummaryPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode summary: %v", err)
	}
	return payload
}

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testIssuer(secret string, clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        "mikke-auth",
		Audience:      "mikke-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	issuer := testIssuer("super-secret", nil)

	tokenString, expiresIn, err := issuer.IssueSessionToken(context.Background(), GoogleClaims{
		Subject:     "user-123",
		Email:       "mika@example.com",
		DisplayName: "Mika",
		AvatarURL:   "https://avatar.example/mika.png",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.NewParser()
	claims := &SessionClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "mikke-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "mikke-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if claims.Email != "mika@example.com" || claims.DisplayName != "Mika" {
		t.Fatalf("profile claims missing from token: %+v", claims)
	}
}

func TestTokenIssuerRejectsMissingSecretAndSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{Issuer: "mikke-auth", Audience: "mikke-api"})
	if _, _, err := issuer.IssueSessionToken(context.Background(), GoogleClaims{Subject: "user-1"}); err == nil {
		t.Fatalf("expected issuance to fail without signing secret")
	}

	issuer = testIssuer("secret", nil)
	if _, _, err := issuer.IssueSessionToken(context.Background(), GoogleClaims{}); err == nil {
		t.Fatalf("expected issuance to fail without subject")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := testIssuer("another-secret", nil)

	tokenString, _, err := issuer.IssueSessionToken(context.Background(), GoogleClaims{
		Subject:     "user-321",
		DisplayName: "Kenta",
	})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "user-321" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.DisplayName != "Kenta" {
		t.Fatalf("unexpected display name %s", claims.DisplayName)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issued := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	issuer := testIssuer("secret", func() time.Time { return issued })

	tokenString, _, err := issuer.IssueSessionToken(context.Background(), GoogleClaims{Subject: "user-1"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	late := testIssuer("secret", func() time.Time { return issued.Add(31 * time.Minute) })
	if _, err := late.ValidateToken(tokenString); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected ErrExpiredSessionToken, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignSignature(t *testing.T) {
	issuer := testIssuer("secret-a", nil)
	tokenString, _, err := issuer.IssueSessionToken(context.Background(), GoogleClaims{Subject: "user-1"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	other := testIssuer("secret-b", nil)
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for foreign signature")
	}
}

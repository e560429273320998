package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/coaching-payflow/pkg/config"
	"github.com/google/uuid"
)

func TestMintAndParseAccessToken(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "coaching-payflow"}
	now := time.Now().UTC()
	userID := uuid.New()

	token, err := MintAccessToken(cfg, now, 30*time.Minute, AccessTokenPayload{UserID: userID, JTI: "jti-1"})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	claims, err := ParseAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user_id %s, got %s", userID, claims.UserID)
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("expected issuer %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if claims.ID != "jti-1" {
		t.Fatalf("expected jti to be preserved, got %s", claims.ID)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.After(now) {
		t.Fatalf("expected expiry after issue time")
	}
}

func TestMintAccessTokenValidation(t *testing.T) {
	now := time.Now()
	payload := AccessTokenPayload{UserID: uuid.New()}
	if _, err := MintAccessToken(config.JWTConfig{Issuer: "x"}, now, time.Minute, payload); err == nil {
		t.Fatal("expected missing secret error")
	}
	if _, err := MintAccessToken(config.JWTConfig{Secret: "s"}, now, time.Minute, payload); err == nil {
		t.Fatal("expected missing issuer error")
	}
	if _, err := MintAccessToken(config.JWTConfig{Secret: "s", Issuer: "x"}, now, 0, payload); err == nil {
		t.Fatal("expected ttl error")
	}
	if _, err := MintAccessToken(config.JWTConfig{Secret: "s", Issuer: "x"}, now, time.Minute, AccessTokenPayload{}); err == nil {
		t.Fatal("expected user id error")
	}
}

func TestParseAccessTokenRejectsTampering(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "coaching-payflow"}
	token, err := MintAccessToken(cfg, time.Now(), time.Minute, AccessTokenPayload{UserID: uuid.New()})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := ParseAccessToken(config.JWTConfig{Secret: "other", Issuer: cfg.Issuer}, token); err == nil {
		t.Fatal("expected signature failure with wrong secret")
	}
	if _, err := ParseAccessToken(config.JWTConfig{Secret: cfg.Secret, Issuer: "someone-else"}, token); err == nil {
		t.Fatal("expected issuer mismatch")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape")
	}
	if _, err := ParseAccessToken(cfg, parts[0]+"."+parts[1]+".invalid"); err == nil {
		t.Fatal("expected invalid signature error")
	}
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "coaching-payflow"}
	token, err := MintAccessToken(cfg, time.Now().Add(-2*time.Hour), time.Minute, AccessTokenPayload{UserID: uuid.New()})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(cfg, token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

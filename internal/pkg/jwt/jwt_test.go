package jwt

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValidateRoundTrip(t *testing.T) {
	svc := NewService("secret", time.Minute)
	userID := uuid.New()

	token, err := svc.GenerateAccessToken(userID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := svc.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected %s, got %s", userID, claims.UserID)
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	token, _ := NewService("other", time.Minute).GenerateAccessToken(uuid.New())
	if _, err := NewService("secret", time.Minute).ValidateAccessToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	svc := NewService("secret", -time.Minute)
	token, _ := svc.GenerateAccessToken(uuid.New())
	if _, err := svc.ValidateAccessToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

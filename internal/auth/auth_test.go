package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHMAC(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return signed
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier("test-secret")
	tokenString := signHMAC(t, "test-secret", tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PreferredUsername: "alice",
	})

	p, err := v.Verify(tokenString)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if p.UserID != "user-1" || p.Username != "alice" {
		t.Errorf("Unexpected principal: %+v", p)
	}
	if !p.Authenticated() {
		t.Error("Expected principal to be authenticated")
	}
}

func TestHMACVerifierRejectsWrongSecret(t *testing.T) {
	v := NewHMACVerifier("test-secret")
	tokenString := signHMAC(t, "other-secret", jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := v.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestHMACVerifierRejectsExpired(t *testing.T) {
	v := NewHMACVerifier("test-secret")
	tokenString := signHMAC(t, "test-secret", jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	if _, err := v.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestHMACVerifierRejectsMissingSubject(t *testing.T) {
	v := NewHMACVerifier("test-secret")
	tokenString := signHMAC(t, "test-secret", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := v.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestVisitorPrincipal(t *testing.T) {
	p := Visitor("livechat-token")
	if p.Authenticated() {
		t.Error("Expected visitor to be unauthenticated")
	}
	if p.VisitorToken != "livechat-token" {
		t.Errorf("Unexpected visitor token %q", p.VisitorToken)
	}
}

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims extends jwt.RegisteredClaims with the identity fields the
// identity provider puts in access tokens.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// JWKSVerifier validates RS256 access tokens against a Keycloak-style JWKS
// endpoint. The subject claim becomes the principal's user id.
type JWKSVerifier struct {
	jwks      *keyfunc.JWKS
	issuerURL string
}

// NewJWKSVerifier fetches and caches JWKS keys from the realm's certs
// endpoint, retrying while the identity provider starts up. If
// issuerOverride is non-empty it replaces the derived issuer (needed when
// the browser-facing URL differs from the internal service URL).
func NewJWKSVerifier(providerURL, realm, issuerOverride string) (*JWKSVerifier, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", providerURL, realm)
	issuerURL := fmt.Sprintf("%s/realms/%s", providerURL, realm)
	if issuerOverride != "" {
		issuerURL = issuerOverride
	}

	slog.Info("Initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &JWKSVerifier{jwks: jwks, issuerURL: issuerURL}, nil
}

func (v *JWKSVerifier) Verify(tokenString string) (Principal, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		UserID:   claims.Subject,
		Username: claims.PreferredUsername,
	}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

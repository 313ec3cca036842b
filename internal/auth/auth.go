// Package auth resolves bearer tokens to caller principals for presence
// RPCs and notification-stream policies.
package auth

import "errors"

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Principal identifies a caller. Authenticated users carry a UserID; an
// anonymous livechat visitor carries only a VisitorToken.
type Principal struct {
	UserID       string
	Username     string
	VisitorToken string
}

// Authenticated reports whether the principal belongs to a logged-in user.
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// Visitor returns an anonymous principal holding only a livechat token.
func Visitor(token string) Principal {
	return Principal{VisitorToken: token}
}

// Verifier resolves a bearer token string to a principal.
type Verifier interface {
	Verify(tokenString string) (Principal, error)
	Close()
}

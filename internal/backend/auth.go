// internal/backend/auth.go
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/store"
)

// parserUnverified reads claims without checking the signature; the backend verifies.
var parserUnverified = jwt.NewParser()

// bearer returns the stored token if one exists and has not expired.
func (c *Client) bearer(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("Could not read stored credentials.", zap.Error(err))
		}
		return ""
	}
	if tok.Value == "" || expired(tok, c.now()) {
		return ""
	}
	return tok.Value
}

// expired prefers the stored expiry and falls back to the token's exp claim.
// Tokens with neither are treated as valid.
func expired(tok store.Token, now time.Time) bool {
	if !tok.ExpiresAt.IsZero() {
		return !now.Before(tok.ExpiresAt)
	}
	if exp, ok := tokenExpiry(tok.Value); ok {
		return !now.Before(exp)
	}
	return false
}

func tokenExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := parserUnverified.ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

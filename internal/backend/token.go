package backend

import (
	"time"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Identity is what the client learns from the bearer token without verifying it.
// The backend verifies the signature; the client only needs the subject and the
// expiry to avoid sending requests that are bound to fail.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token expired before now. A token without exp
// never expires client-side.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// ParseToken reads the sub and exp claims of a JWT.
func ParseToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, errors.Wrap(chat.ErrAuth, "no token configured")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, errors.Wrapf(chat.ErrAuth, "malformed token: %v", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errors.Wrap(chat.ErrAuth, "token has no subject")
	}
	id := Identity{UserID: sub}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Identity{}, errors.Wrapf(chat.ErrAuth, "bad exp claim: %v", err)
	}
	if exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

package transport

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("transport: invalid token")
	ErrTokenExpired = errors.New("transport: token expired")
)

// checkIdentity makes sure the token belongs to userID. The signature is not
// verified here, the broker does that during the handshake.
func checkIdentity(token string, userID int64, now time.Time) error {
	if token == "" || userID <= 0 {
		return ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}
	if sub != userID {
		return ErrIdentityMismatch
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return ErrTokenExpired
	}
	return nil
}

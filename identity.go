package studychat

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when a token carries no user id claim.
var ErrNoIdentity = errors.New("studychat: token has no user id claim")

// IdentityFromToken reads the user id and name from the token's claims.
// The signature is not verified; the broker and the REST collaborator do that.
func IdentityFromToken(token string) (User, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return User{}, err
	}
	var u User
	for _, key := range []string{"userId", "user_id", "id", "sub"} {
		if id := claimID(claims[key]); id != "" {
			u.ID = id
			break
		}
	}
	if u.ID == "" {
		return User{}, ErrNoIdentity
	}
	for _, key := range []string{"name", "username", "userName"} {
		if s, ok := claims[key].(string); ok && s != "" {
			u.Name = s
			break
		}
	}
	return u, nil
}

// TokenExpiry returns the token's exp claim. ok is false when it has none.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	claims, err := parseClaims(token)
	if err != nil {
		return time.Time{}, false, err
	}
	nd, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("exp claim: %w", err)
	}
	if nd == nil {
		return time.Time{}, false, nil
	}
	return nd.Time, true, nil
}

func parseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

func claimID(v any) ID {
	switch x := v.(type) {
	case string:
		return ID(x)
	case float64:
		return ID(strconv.FormatInt(int64(x), 10))
	}
	return ""
}

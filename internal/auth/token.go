package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/id"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

const (
	tokenTTL = 72 * time.Hour
	stateTTL = 10 * time.Minute

	stateRoleKey  = "signup_role"
	stateNonceKey = "nonce"
)

var ErrInvalidState = errors.New("invalid oauth state")

// IssueToken signs a session token for usr.
func IssueToken(secret string, usr *user.User, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		utils.UserIDKey: usr.ID.String(),
		utils.RoleKey:   string(usr.Role),
		utils.ExpKey:    expiresAt.Unix(),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseToken verifies a session token and returns its claims.
func ParseToken(secret, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// newState packs the requested sign-up role into a short-lived signed
// OAuth state value.
func newState(secret string, role user.Role, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		stateRoleKey:  string(role),
		stateNonceKey: id.Generate(),
		utils.ExpKey:  now.Add(stateTTL).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func parseState(secret, state string) (user.Role, error) {
	claims, err := ParseToken(secret, state)
	if err != nil {
		return "", ErrInvalidState
	}
	role, _ := claims[stateRoleKey].(string)
	return user.ParseRole(role), nil
}

// bearerToken reads the token from the Authorization header. Browsers
// cannot set headers on websocket upgrades, so the access_token query
// parameter is accepted as well.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type accountKey struct{}

// Claims identify the account a request acts on. The subject is the
// account id.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for accountID. A non-positive ttl
// defaults to 24 hours.
func IssueToken(secret []byte, accountID string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.New("issue token: empty account id")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies the signature and expiry and returns the account id.
func ParseToken(secret []byte, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

// requireAccount rejects requests without a valid bearer token and stores
// the token's account id in the request context.
func requireAccount(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeMessage(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			accountID, err := ParseToken(secret, token)
			if err != nil {
				writeMessage(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), accountKey{}, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// accountID returns the authenticated account; handlers only run behind
// requireAccount.
func accountID(r *http.Request) string {
	id, _ := r.Context().Value(accountKey{}).(string)
	return id
}

package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const userIDClaim = "user_id"

// TokenProvider returns the bearer token for the session user. Tokens
// are fetched lazily so callers can refresh expired ones.
type TokenProvider func(userID string) (string, error)

// StaticTokenProvider always returns the given token.
func StaticTokenProvider(token string) TokenProvider {
	return func(string) (string, error) {
		return token, nil
	}
}

// NewUserToken signs a user token with the app's signing key. Chat
// backends authenticate SDK users with a JWT carrying the user id
// claim; exp is optional and omitted when ttl is zero.
func NewUserToken(signingKey []byte, userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		userIDClaim: userID,
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

// VerifyUserToken validates the token signature and returns the user id
// claim.
func VerifyUserToken(signingKey []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userID, ok := claims[userIDClaim].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userID, nil
}

package client

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_UserToken(t *testing.T) {
	key := []byte("test-signing-key")

	t.Run("round trip", func(t *testing.T) {
		token, err := NewUserToken(key, "alice", 0)
		require.NoError(t, err)

		userID, err := VerifyUserToken(key, token)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID, "expected user id claim to round trip")
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		token, err := NewUserToken(key, "alice", 0)
		require.NoError(t, err)

		_, err = VerifyUserToken([]byte("other-key"), token)
		assert.Error(t, err, "expected signature check to fail with the wrong key")
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			userIDClaim: "alice",
			"exp":       time.Now().Add(-time.Minute).Unix(),
		})
		token, err := expired.SignedString(key)
		require.NoError(t, err)

		_, err = VerifyUserToken(key, token)
		assert.Error(t, err, "expected expired token to fail verification")
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, err := VerifyUserToken(key, "not.a.token")
		assert.Error(t, err)
	})
}

func Test_StaticTokenProvider(t *testing.T) {
	provider := StaticTokenProvider("fixed-token")

	token, err := provider("anyone")
	require.NoError(t, err)
	assert.Equal(t, "fixed-token", token)
}

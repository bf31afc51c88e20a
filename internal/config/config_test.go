package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg, err := NewConfig("http://localhost:8000", "ws://localhost:8000/connect", "alice", "token", "cache.db")
		require.NoError(t, err)
		assert.Equal(t, "alice", cfg.UserID)
		assert.Equal(t, "cache.db", cfg.CachePath)
		assert.True(t, cfg.RecoveryEnabled, "expected recovery on by default")
	})

	t.Run("empty cache path is allowed", func(t *testing.T) {
		cfg, err := NewConfig("http://localhost:8000", "ws://localhost:8000/connect", "alice", "token", "")
		require.NoError(t, err)
		assert.Empty(t, cfg.CachePath)
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		cases := []struct {
			name                              string
			serverURL, wsURL, userID, tokenIn string
		}{
			{"no server url", "", "ws://h/connect", "alice", "token"},
			{"no websocket url", "http://h", "", "alice", "token"},
			{"no user id", "http://h", "ws://h/connect", "", "token"},
			{"no token", "http://h", "ws://h/connect", "alice", ""},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := NewConfig(tc.serverURL, tc.wsURL, tc.userID, tc.tokenIn, "")
				assert.Error(t, err)
			})
		}
	})
}

package config

import (
	"fmt"
	"net/url"
)

type Config struct {
	// ServerURL is the REST API base, WebSocketURL the event stream
	// endpoint.
	ServerURL    string
	WebSocketURL string
	UserID       string
	Token        string
	// CachePath is the offline cache file; empty disables offline
	// storage (in-memory cache only).
	CachePath string
	// RecoveryEnabled controls whether a reconnect triggers the full
	// recovery sweep.
	RecoveryEnabled bool
}

func NewConfig(serverURL, wsURL, userID, token, cachePath string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if wsURL == "" {
		return nil, fmt.Errorf("websocket URL cannot be empty")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	return &Config{
		ServerURL:       serverURL,
		WebSocketURL:    wsURL,
		UserID:          userID,
		Token:           token,
		CachePath:       cachePath,
		RecoveryEnabled: true,
	}, nil
}

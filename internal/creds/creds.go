// Package creds reads the session's persisted bearer credential. The file is
// written by the surrounding application's sign-in flow; this package only
// ever reads it.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrExpired is returned when the stored token's expiry has passed.
var ErrExpired = errors.New("credential expired")

// Credentials is the persisted credentials.json.
type Credentials struct {
	Token string `json:"token"`
}

// Claims are the token claims the client cares about. The token is validated
// server-side; locally it is only decoded to learn identity and expiry.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Load reads credentials from the given path.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if c.Token == "" {
		return nil, errors.New("credentials file has no token")
	}
	return &c, nil
}

// FileSource re-reads a credentials file on every call so a token refreshed
// by the sign-in flow is picked up without restarting the daemon.
type FileSource struct {
	Path string
}

func (s *FileSource) Credentials() (*Credentials, error) {
	return Load(s.Path)
}

// Claims decodes the token claims without verifying the signature. The
// signing key lives server-side only.
func (c *Credentials) Claims() (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(c.Token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &claims, nil
}

// Check returns ErrExpired if the token expiry has already passed. Tokens
// without an exp claim are accepted as-is.
func (c *Credentials) Check(now time.Time) error {
	claims, err := c.Claims()
	if err != nil {
		return err
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(now) {
		return ErrExpired
	}
	return nil
}

// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest). Clients fetch these from the relay just
// before building a peer connection; the TURN server never needs a user
// database, only the shared secret.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Generator struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string

	// now is injectable for tests.
	now func() time.Time
}

func NewGenerator(sharedSecret, usernamePrefix string, ttl time.Duration) (*Generator, error) {
	if strings.TrimSpace(sharedSecret) == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turnrest: ttl must be positive")
	}
	if usernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(usernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	return &Generator{
		sharedSecret:   []byte(sharedSecret),
		ttl:            ttl,
		usernamePrefix: usernamePrefix,
		now:            time.Now,
	}, nil
}

// Credentials is one ephemeral TURN login.
type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// TTLRemaining reports the credential lifetime left at time now.
func (c Credentials) TTLRemaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// ForSession mints credentials scoped to one signaling connection or call.
// The session id lands in the TURN username, which makes coturn logs
// correlatable with relay logs.
func (g *Generator) ForSession(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: session id must not contain ':'")
	}
	expiry := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry.Unix(), g.usernamePrefix, sessionID)

	mac := hmac.New(sha1.New, g.sharedSecret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expiry,
	}, nil
}

// Random mints credentials with a fresh random session id, for clients that
// ask before they have a connection id.
func (g *Generator) Random() (Credentials, error) {
	return g.ForSession(uuid.NewString())
}

package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// This package implements coturn-compatible TURN REST credentials, handed to
// session clients via GET /webrtc/ice so TURN URLs never ship with static
// secrets.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<grant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
	grantIDSource  func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now and GrantIDSource default to time.Now and 16 bytes of crypto
	// randomness; tests override them.
	Now           func() time.Time
	GrantIDSource func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.GrantIDSource == nil {
		cfg.GrantIDSource = cryptoRandomGrantID
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		grantIDSource:  cfg.GrantIDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate issues credentials bound to grantID, which shows up verbatim in
// the TURN username so coturn logs can be correlated with relay logs.
func (g *Generator) Generate(grantID string) (Credentials, error) {
	if grantID == "" {
		return Credentials{}, errors.New("grantID is required")
	}
	if strings.Contains(grantID, ":") {
		return Credentials{}, errors.New("grantID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, grantID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateRandom issues credentials for an anonymous grant. This is the
// normal path for GET /webrtc/ice, which runs before any session exists.
func (g *Generator) GenerateRandom() (Credentials, error) {
	grantID, err := g.grantIDSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(grantID)
}

// Verify reports whether credential is a valid signature for username under
// sharedSecret. Expiry is not checked; that is the TURN server's job.
func Verify(sharedSecret, username, credential string) bool {
	want := signUsername([]byte(sharedSecret), username)
	return hmac.Equal([]byte(want), []byte(credential))
}

func cryptoRandomGrantID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Package jwt mints and caches the ES256 provider authentication tokens
// APNs requires for token-based auth. It is deliberately narrow: one
// signing key in, one cached token out, refreshed on the schedule Apple
// documents.
package jwt

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// MaxAge is the age beyond which APNs will reject a provider token outright.
const MaxAge = 60 * time.Minute

// RefreshAge is the proactive age threshold: tokens older than this are
// re-minted on next use even without an explicit invalidation.
const RefreshAge = 50 * time.Minute

// SigningKey is the ES256 (P-256) key material used to mint provider tokens.
type SigningKey struct {
	KeyID      string
	TeamID     string
	PrivateKey *ecdsa.PrivateKey
}

// Token is a minted, cached provider authentication JWT.
type Token struct {
	KeyID    string
	TeamID   string
	IssuedAt time.Time
	Encoded  string
}

// Expired reports whether t is older than MaxAge as of now.
func (t *Token) Expired(now time.Time) bool {
	return now.Sub(t.IssuedAt) >= MaxAge
}

func (t *Token) stale(now time.Time) bool {
	return t == nil || now.Sub(t.IssuedAt) >= RefreshAge
}

// CryptoError reports a malformed signing key at first use, per the
// sender's error taxonomy.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("apns: crypto error: %v", e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// Minter caches one token per signing key and reuses it until it is
// invalidated or ages past RefreshAge, whichever comes first.
type Minter struct {
	key    SigningKey
	log    *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
	cached *Token
}

// NewMinter builds a Minter for key. log may be nil, in which case a no-op
// logger is used.
func NewMinter(key SigningKey, log *zap.Logger) *Minter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Minter{key: key, log: log, now: time.Now}
}

// Current returns the cached token, minting a fresh one if none is cached
// or the cached one has crossed RefreshAge.
func (m *Minter) Current() (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.cached.stale(now) {
		return m.cached, nil
	}
	tok, err := m.mint(now)
	if err != nil {
		return nil, err
	}
	m.cached = tok
	return tok, nil
}

// Invalidate discards the cached token so the next Current call mints a
// fresh one. Called after an ExpiredProviderToken rejection.
func (m *Minter) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		m.log.Debug("invalidating cached provider token",
			zap.String("key_id", m.key.KeyID), zap.Time("issued_at", m.cached.IssuedAt))
	}
	m.cached = nil
}

func (m *Minter) mint(now time.Time) (*Token, error) {
	if m.key.PrivateKey == nil {
		return nil, &CryptoError{Err: fmt.Errorf("signing key %s has no private key material", m.key.KeyID)}
	}
	claims := jwtlib.MapClaims{
		"iss": m.key.TeamID,
		"iat": now.Unix(),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodES256, claims)
	token.Header["kid"] = m.key.KeyID

	encoded, err := token.SignedString(m.key.PrivateKey)
	if err != nil {
		return nil, &CryptoError{Err: err}
	}
	m.log.Debug("minted provider token", zap.String("key_id", m.key.KeyID), zap.String("team_id", m.key.TeamID))
	return &Token{KeyID: m.key.KeyID, TeamID: m.key.TeamID, IssuedAt: now, Encoded: encoded}, nil
}

// Package session issues the short-lived credential a client earns by
// solving a challenge. Tokens are random and never derived from the request;
// the server keeps only their blake2b hash.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"captcha_gateway/internal/shard"
)

const tokenBytes = 32

var ErrEmptyClient = errors.New("session: empty client identity")

type Status int

const (
	StatusUnknown Status = iota
	StatusValid
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type Session struct {
	// Token is only populated on the value returned by Issue.
	Token     string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Validated bool

	hash string
}

type Manager struct {
	ttl      time.Duration
	sessions *shard.Map[Session]
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		ttl:      ttl,
		sessions: shard.New[Session](shard.DefaultShards),
	}
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a validated session for clientID.
func (m *Manager) Issue(clientID string, now time.Time) (Session, error) {
	if clientID == "" {
		return Session{}, ErrEmptyClient
	}
	for {
		token, err := generateToken()
		if err != nil {
			return Session{}, fmt.Errorf("session: generate token: %w", err)
		}
		s := Session{
			ClientID:  clientID,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
			Validated: true,
			hash:      hashToken(token),
		}
		if m.sessions.PutIfAbsent(s.hash, s) {
			s.Token = token
			return s, nil
		}
	}
}

// Validate fails closed: an expired session is deleted and reported
// as StatusExpired, which callers must treat like an absent one.
func (m *Manager) Validate(token string, now time.Time) (Session, Status) {
	if token == "" {
		return Session{}, StatusUnknown
	}
	h := hashToken(token)

	status := StatusUnknown
	var out Session
	m.sessions.Update(h, func(cur Session, ok bool) (Session, bool) {
		if !ok {
			return cur, false
		}
		if !now.Before(cur.ExpiresAt) {
			status = StatusExpired
			return cur, false
		}
		if !cur.Validated {
			return cur, true
		}
		status = StatusValid
		out = cur
		return cur, true
	})
	return out, status
}

// Renew slides the expiry of a valid session to now+TTL.
func (m *Manager) Renew(token string, now time.Time) (Session, bool) {
	h := hashToken(token)
	renewed := false
	s := m.sessions.Update(h, func(cur Session, ok bool) (Session, bool) {
		if !ok {
			return cur, false
		}
		if !now.Before(cur.ExpiresAt) {
			return cur, false
		}
		if cur.Validated {
			cur.ExpiresAt = now.Add(m.ttl)
			renewed = true
		}
		return cur, true
	})
	if !renewed {
		return Session{}, false
	}
	return s, true
}

func (m *Manager) Invalidate(token string) {
	if token == "" {
		return
	}
	m.sessions.Delete(hashToken(token))
}

// Sweep drops expired sessions and returns how many remain.
func (m *Manager) Sweep(now time.Time) int {
	m.sessions.Sweep(func(_ string, s Session) bool {
		return !now.Before(s.ExpiresAt)
	})
	return m.sessions.Len()
}

func (m *Manager) Len() int {
	return m.sessions.Len()
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

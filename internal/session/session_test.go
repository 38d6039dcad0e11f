package session

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestManager_IssueAndValidate(t *testing.T) {
	m := NewManager(5 * time.Minute)

	s, err := m.Issue("1.2.3.4", t0)
	require.NoError(t, err)
	assert.NotEmpty(t, s.Token)
	assert.True(t, s.Validated)
	assert.Equal(t, t0.Add(5*time.Minute), s.ExpiresAt)

	raw, err := base64.RawURLEncoding.DecodeString(s.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	got, status := m.Validate(s.Token, t0.Add(time.Minute))
	assert.Equal(t, StatusValid, status)
	assert.Equal(t, "1.2.3.4", got.ClientID)
	assert.Empty(t, got.Token)
}

func TestManager_IssueRejectsEmptyClient(t *testing.T) {
	m := NewManager(time.Minute)
	_, err := m.Issue("", t0)
	assert.ErrorIs(t, err, ErrEmptyClient)
}

func TestManager_TokensAreUnique(t *testing.T) {
	m := NewManager(5 * time.Minute)

	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		s, err := m.Issue("1.2.3.4", t0)
		require.NoError(t, err)
		seen[s.Token] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, m.Len())
}

func TestManager_TokenIndependentOfClient(t *testing.T) {
	m := NewManager(time.Minute)
	a, err := m.Issue("10.0.0.1", t0)
	require.NoError(t, err)
	b, err := m.Issue("10.0.0.1", t0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestManager_ExpiredIsTreatedAsAbsent(t *testing.T) {
	ttl := 5 * time.Minute
	m := NewManager(ttl)
	s, err := m.Issue("1.2.3.4", t0)
	require.NoError(t, err)

	_, status := m.Validate(s.Token, t0.Add(ttl+time.Millisecond))
	assert.Equal(t, StatusExpired, status)

	_, status = m.Validate(s.Token, t0.Add(ttl+2*time.Millisecond))
	assert.Equal(t, StatusUnknown, status)
	assert.Zero(t, m.Len())
}

func TestManager_ExpiresExactlyAtTTL(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Issue("1.2.3.4", t0)
	require.NoError(t, err)

	_, status := m.Validate(s.Token, t0.Add(time.Minute))
	assert.Equal(t, StatusExpired, status)
}

func TestManager_UnknownToken(t *testing.T) {
	m := NewManager(time.Minute)
	_, status := m.Validate("", t0)
	assert.Equal(t, StatusUnknown, status)
	_, status = m.Validate("not-a-token", t0)
	assert.Equal(t, StatusUnknown, status)
}

func TestManager_RenewSlidesExpiry(t *testing.T) {
	m := NewManager(5 * time.Minute)
	s, err := m.Issue("1.2.3.4", t0)
	require.NoError(t, err)

	renewed, ok := m.Renew(s.Token, t0.Add(4*time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(9*time.Minute), renewed.ExpiresAt)

	_, status := m.Validate(s.Token, t0.Add(8*time.Minute))
	assert.Equal(t, StatusValid, status)

	_, ok = m.Renew(s.Token, t0.Add(20*time.Minute))
	assert.False(t, ok)
}

func TestManager_Invalidate(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Issue("1.2.3.4", t0)
	require.NoError(t, err)

	m.Invalidate(s.Token)
	_, status := m.Validate(s.Token, t0)
	assert.Equal(t, StatusUnknown, status)
}

func TestManager_Sweep(t *testing.T) {
	m := NewManager(time.Minute)
	_, err := m.Issue("a", t0)
	require.NoError(t, err)
	_, err = m.Issue("b", t0.Add(2*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 1, m.Sweep(t0.Add(90*time.Second)))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "valid", StatusValid.String())
	assert.Equal(t, "expired", StatusExpired.String())
	assert.Equal(t, "unknown", StatusUnknown.String())
}

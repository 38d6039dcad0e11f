package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captcha_gateway/internal/alert"
	"captcha_gateway/internal/blocklist"
	"captcha_gateway/internal/metrics"
)

func getJSON(t *testing.T, router http.Handler, path string, v any) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAdminRouter(t *testing.T) {
	m := metrics.New()
	bl := blocklist.New(failingStore{}, nil, m)
	flag := alert.NewFlag(5*time.Minute, "")
	now := func() time.Time { return t0 }
	router := NewAdminRouter(bl, flag, m, now)

	var health healthResponse
	getJSON(t, router, "/healthz", &health)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.AlertActive)

	_, err := bl.Add(context.Background(), "5.6.7.8", blocklist.ReasonBurstFrequency, t0)
	require.ErrorIs(t, err, blocklist.ErrPersist)
	flag.Set(t0)

	getJSON(t, router, "/healthz", &health)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 1, health.BlocklistEntries)
	assert.EqualValues(t, 1, health.PersistFailures)
	assert.True(t, health.AlertActive)

	var al alertResponse
	getJSON(t, router, "/alert", &al)
	assert.True(t, al.Active)
	require.NotNil(t, al.ExpiresAt)
	assert.True(t, al.ExpiresAt.Equal(t0.Add(5*time.Minute)))

	var entries []blocklist.Entry
	getJSON(t, router, "/blocklist", &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "5.6.7.8", entries[0].IP)
	assert.Equal(t, blocklist.ReasonBurstFrequency, entries[0].Reason)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "captcha_gateway_blocklist_persist_failures_total 1")
}

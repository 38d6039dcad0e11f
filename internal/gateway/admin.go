package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"captcha_gateway/internal/alert"
	"captcha_gateway/internal/blocklist"
	"captcha_gateway/internal/logging"
	"captcha_gateway/internal/metrics"
	"captcha_gateway/internal/middleware"
)

type healthResponse struct {
	Status           string `json:"status"`
	BlocklistEntries int    `json:"blocklist_entries"`
	PersistFailures  int64  `json:"persist_failures"`
	AlertActive      bool   `json:"alert_active"`
}

type alertResponse struct {
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewAdminRouter serves the operator endpoints on the admin listener.
func NewAdminRouter(bl *blocklist.Blocklist, flag *alert.Flag, m *metrics.Metrics, now func() time.Time) *mux.Router {
	if now == nil {
		now = time.Now
	}
	r := mux.NewRouter()
	r.Use(middleware.Logging)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			Status:           "ok",
			BlocklistEntries: bl.Len(),
			PersistFailures:  bl.PersistFailures(),
			AlertActive:      flag.IsActive(now()),
		}
		// blocks that will not survive a restart need an operator
		if resp.PersistFailures > 0 {
			resp.Status = "degraded"
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/alert", func(w http.ResponseWriter, _ *http.Request) {
		resp := alertResponse{Active: flag.IsActive(now())}
		if resp.Active {
			exp := flag.ExpiresAt()
			resp.ExpiresAt = &exp
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/blocklist", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, bl.Entries())
	}).Methods(http.MethodGet)

	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogEvent("ERROR", "encode_response_failed", map[string]any{"error": err})
	}
}

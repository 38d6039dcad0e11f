package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"captcha_gateway/internal/config"
	"captcha_gateway/internal/logging"
	"captcha_gateway/internal/middleware"
)

// Handler is the client-facing HTTP surface.
type Handler struct {
	gw             *Gateway
	content        http.Handler
	trustForwarded bool
	cookieName     string
	cookieSecure   bool
}

func NewHandler(gw *Gateway, content http.Handler, server config.ServerConfig, sess config.SessionConfig) *Handler {
	name := sess.CookieName
	if name == "" {
		name = "session_id"
	}
	return &Handler{
		gw:             gw,
		content:        content,
		trustForwarded: server.TrustForwardedHeaders,
		cookieName:     name,
		cookieSecure:   sess.CookieSecure,
	}
}

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.HandleFunc("/validate", h.Validate).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(h.Entry).Methods(http.MethodGet, http.MethodHead)
	return r
}

func (h *Handler) Entry(w http.ResponseWriter, r *http.Request) {
	id, err := ClientIP(r, h.trustForwarded)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	token := ""
	if c, err := r.Cookie(h.cookieName); err == nil {
		token = c.Value
	}

	d := h.gw.Entry(r.Context(), EntryRequest{ClientID: id, Path: r.URL.Path, Token: token})
	if d.Err == nil && d.State == StateAdmitted {
		if d.ClearCookie {
			h.clearCookie(w)
		} else {
			h.setCookie(w, token, h.gw.SessionTTL())
		}
		h.stripSessionCookie(r)
		h.content.ServeHTTP(w, r)
		return
	}
	h.render(w, r, d, r.URL.RequestURI())
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	id, err := ClientIP(r, h.trustForwarded)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := r.ParseForm(); err != nil {
		h.badRequest(w, err)
		return
	}

	next := r.PostFormValue("next")
	d := h.gw.Validate(r.Context(), Submission{
		ClientID: id,
		Answer:   r.PostFormValue("captcha"),
		Next:     next,
	})
	if d.Err == nil && d.State == StateAdmitted {
		h.setCookie(w, d.Session.Token, h.gw.SessionTTL())
		http.Redirect(w, r, d.Redirect, http.StatusSeeOther)
		return
	}
	h.render(w, r, d, SanitizeNext(next, h.gw.EntryPath()))
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, d Decision, next string) {
	if d.ClearCookie {
		h.clearCookie(w)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	page := "denied"
	data := pageData{Next: next}
	switch {
	case d.Err != nil && d.Err.Kind == KindUpstreamUnavailable:
		page = "degraded"
	case d.State == StateChallenged:
		page = "challenge"
		data.Question = d.Challenge.Question
		if d.Err != nil {
			data.Message = messageFor(d.Err.Reason)
		}
	default:
		data.Message = messageFor(d.Reason)
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	}

	status := d.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if err := pages.ExecuteTemplate(w, page, data); err != nil {
		logging.LogEvent("ERROR", "render_failed", map[string]any{
			"page":  page,
			"error": err,
		})
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	logging.LogEvent("INFO", "bad_request", map[string]any{"error": err})
	http.Error(w, "bad request", http.StatusBadRequest)
}

func (h *Handler) setCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// stripSessionCookie keeps the gateway's token away from the content backend.
func (h *Handler) stripSessionCookie(r *http.Request) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != h.cookieName {
			r.AddCookie(c)
		}
	}
}

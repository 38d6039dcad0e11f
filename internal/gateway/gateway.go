// Package gateway is the request-facing admission state machine. The core
// API (Entry, Validate) is independent of HTTP; handlers.go translates.
package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"captcha_gateway/internal/alert"
	"captcha_gateway/internal/blocklist"
	"captcha_gateway/internal/challenge"
	"captcha_gateway/internal/config"
	"captcha_gateway/internal/logging"
	"captcha_gateway/internal/metrics"
	"captcha_gateway/internal/session"
	"captcha_gateway/internal/suspicion"
	"captcha_gateway/internal/upstream"
)

// VALIDATING is transient inside Validate and is never the resulting state
// of a Decision.
type State string

const (
	StateNew        State = "NEW"
	StateChallenged State = "CHALLENGED"
	StateValidating State = "VALIDATING"
	StateAdmitted   State = "ADMITTED"
	StateDenied     State = "DENIED"
)

type EntryRequest struct {
	ClientID string
	Path     string
	Token    string
}

type Submission struct {
	ClientID string
	Answer   string
	Next     string
}

// Decision is the outcome of one request. Err is nil only for admitted
// requests and for a freshly displayed challenge.
type Decision struct {
	State  State
	Status int
	Reason string

	// Challenge to display when State is CHALLENGED.
	Challenge challenge.Challenge
	// Session is set when a session was issued or renewed.
	Session session.Session
	// Redirect is the sanitized destination after a successful validation.
	Redirect    string
	ClearCookie bool
	RetryAfter  time.Duration

	Err *Error
}

// Sweeper is anything the janitor should prune periodically.
type Sweeper interface {
	Sweep() int
}

type Options struct {
	Challenge config.ChallengeConfig
	Session   config.SessionConfig
	EntryPath string

	Generator challenge.Generator
	Store     *challenge.Store
	Tracker   *suspicion.Tracker
	Blocklist *blocklist.Blocklist
	Sessions  *session.Manager
	Health    upstream.HealthChecker
	Alert     *alert.Flag
	Metrics   *metrics.Metrics
	Sweepers  []Sweeper

	Now func() time.Time
}

type Gateway struct {
	challengeCfg config.ChallengeConfig
	sessionMode  string
	entryPath    string

	generator challenge.Generator
	store     *challenge.Store
	tracker   *suspicion.Tracker
	blocklist *blocklist.Blocklist
	sessions  *session.Manager
	health    upstream.HealthChecker
	alert     *alert.Flag
	metrics   *metrics.Metrics
	sweepers  []Sweeper

	nowF func() time.Time
}

func New(opts Options) *Gateway {
	g := &Gateway{
		challengeCfg: opts.Challenge,
		sessionMode:  opts.Session.Mode,
		entryPath:    opts.EntryPath,
		generator:    opts.Generator,
		store:        opts.Store,
		tracker:      opts.Tracker,
		blocklist:    opts.Blocklist,
		sessions:     opts.Sessions,
		health:       opts.Health,
		alert:        opts.Alert,
		metrics:      opts.Metrics,
		sweepers:     opts.Sweepers,
		nowF:         opts.Now,
	}
	if g.nowF == nil {
		g.nowF = time.Now
	}
	if g.challengeCfg.TTL <= 0 {
		g.challengeCfg.TTL = 10 * time.Minute
	}
	if g.entryPath == "" {
		g.entryPath = "/"
	}
	if g.sessionMode == "" {
		g.sessionMode = config.SessionModeSliding
	}
	if g.health == nil {
		g.health = upstream.StaticHealth{}
	}
	return g
}

func (g *Gateway) EntryPath() string {
	return g.entryPath
}

func (g *Gateway) SessionTTL() time.Duration {
	return g.sessions.TTL()
}

// Entry handles a GET for any path: serve content for a valid session,
// otherwise display (or issue) a challenge.
func (g *Gateway) Entry(ctx context.Context, req EntryRequest) Decision {
	now := g.nowF()
	if g.blocklist.IsBlocked(req.ClientID) {
		return g.finish(req.ClientID, blockedDecision())
	}

	clearCookie := false
	if req.Token != "" {
		s, status := g.sessions.Validate(req.Token, now)
		if status == session.StatusValid {
			return g.finish(req.ClientID, g.admit(ctx, req.Token, s, now))
		}
		clearCookie = true
		logging.LogEvent("INFO", "session_rejected", map[string]any{
			"client_ip": req.ClientID,
			"status":    status,
		})
	}

	kind := suspicion.KindOther
	if req.Path == g.entryPath {
		kind = suspicion.KindEntry
	}
	if res := g.tracker.Evaluate(ctx, req.ClientID, kind, now); !res.OK() {
		d := escalationDecision(res)
		d.ClearCookie = clearCookie
		return g.finish(req.ClientID, d)
	}

	rec := g.store.Touch(req.ClientID, now)
	ch := rec.Challenge
	if !rec.Pending() || now.Sub(rec.ChallengeIssuedAt) >= g.challengeCfg.TTL {
		var err error
		ch, err = g.generator.New()
		if err != nil {
			d := Decision{State: StateNew, Err: upstreamError("challenge_generation", err), ClearCookie: clearCookie}
			return g.finish(req.ClientID, d)
		}
		g.store.RecordChallengeIssued(req.ClientID, ch, now)
		logging.LogEvent("INFO", "challenge_issued", map[string]any{
			"client_ip": req.ClientID,
			"path":      req.Path,
		})
	}

	return g.finish(req.ClientID, Decision{
		State:       StateChallenged,
		Status:      http.StatusOK,
		Reason:      "challenge",
		Challenge:   ch,
		ClearCookie: clearCookie,
	})
}

// admit serves content for a valid session. An unhealthy upstream leaves
// the session untouched.
func (g *Gateway) admit(ctx context.Context, token string, s session.Session, now time.Time) Decision {
	if err := g.health.Check(ctx); err != nil {
		return Decision{State: StateAdmitted, Err: upstreamError("upstream_unhealthy", err)}
	}

	d := Decision{State: StateAdmitted, Status: http.StatusOK, Reason: "session_valid", Session: s}
	switch g.sessionMode {
	case config.SessionModeSingleUse:
		g.sessions.Invalidate(token)
		d.ClearCookie = true
	default:
		if renewed, ok := g.sessions.Renew(token, now); ok {
			d.Session = renewed
		}
	}
	return d
}

// Validate handles a challenge response.
func (g *Gateway) Validate(ctx context.Context, sub Submission) Decision {
	now := g.nowF()
	if g.blocklist.IsBlocked(sub.ClientID) {
		return g.finish(sub.ClientID, blockedDecision())
	}

	if res := g.tracker.Evaluate(ctx, sub.ClientID, suspicion.KindResponse, now); !res.OK() {
		return g.finish(sub.ClientID, escalationDecision(res))
	}

	rec, ok := g.store.Get(sub.ClientID)
	if !ok || !rec.Pending() {
		return g.finish(sub.ClientID, Decision{
			State: StateNew,
			Err:   clientError(http.StatusForbidden, "no_challenge"),
		})
	}
	if now.Sub(rec.ChallengeIssuedAt) >= g.challengeCfg.TTL {
		g.store.Clear(sub.ClientID)
		return g.finish(sub.ClientID, Decision{
			State: StateNew,
			Err:   clientError(http.StatusForbidden, "challenge_expired"),
		})
	}
	g.store.Touch(sub.ClientID, now)

	if !rec.LastFailureAt.IsZero() {
		if elapsed := now.Sub(rec.LastFailureAt); elapsed < g.challengeCfg.RetryWait {
			return g.finish(sub.ClientID, Decision{
				State:      StateChallenged,
				Challenge:  rec.Challenge,
				RetryAfter: g.challengeCfg.RetryWait - elapsed,
				Err:        clientError(http.StatusTooManyRequests, "retry_too_soon"),
			})
		}
	}

	if !challenge.Verify(rec.Challenge, sub.Answer) {
		g.store.RecordFailure(sub.ClientID, now)
		return g.finish(sub.ClientID, Decision{
			State:     StateChallenged,
			Challenge: rec.Challenge,
			Err:       clientError(http.StatusForbidden, "wrong_answer"),
		})
	}

	if err := g.health.Check(ctx); err != nil {
		return g.finish(sub.ClientID, Decision{
			State:     StateChallenged,
			Challenge: rec.Challenge,
			Err:       upstreamError("upstream_unhealthy", err),
		})
	}

	s, err := g.sessions.Issue(sub.ClientID, now)
	if err != nil {
		return g.finish(sub.ClientID, Decision{
			State:     StateChallenged,
			Challenge: rec.Challenge,
			Err:       upstreamError("session_issue", err),
		})
	}
	g.store.Clear(sub.ClientID)
	g.metrics.SetSessionsActive(g.sessions.Len())

	return g.finish(sub.ClientID, Decision{
		State:    StateAdmitted,
		Status:   http.StatusSeeOther,
		Reason:   "challenge_solved",
		Session:  s,
		Redirect: SanitizeNext(sub.Next, g.entryPath),
	})
}

func blockedDecision() Decision {
	return Decision{
		State: StateDenied,
		Err: &Error{
			Kind:   KindSecurityEscalation,
			Status: http.StatusForbidden,
			Reason: "blocked",
		},
	}
}

// escalationDecision is always a 403. A persist failure changes only the
// classification.
func escalationDecision(res suspicion.Result) Decision {
	e := &Error{
		Kind:   KindSecurityEscalation,
		Status: http.StatusForbidden,
		Reason: string(res.Verdict),
		Err:    res.Err,
	}
	if errors.Is(res.Err, blocklist.ErrPersist) {
		e.Kind = KindPersistenceFailure
	}
	return Decision{State: StateDenied, Err: e}
}

func (g *Gateway) finish(clientID string, d Decision) Decision {
	if d.Err != nil {
		d.Status = d.Err.Status
		d.Reason = d.Err.Reason
	}
	g.metrics.ObserveDecision(string(d.State), d.Reason)

	fields := map[string]any{
		"client_ip": clientID,
		"state":     d.State,
		"status":    d.Status,
		"reason":    d.Reason,
	}
	level := "DEBUG"
	if d.Err != nil {
		fields["kind"] = d.Err.Kind
		if d.Err.Err != nil {
			fields["error"] = d.Err.Err
		}
		switch d.Err.Kind {
		case KindClient:
			level = "INFO"
		case KindPersistenceFailure:
			level = "ERROR"
		default:
			level = "WARN"
		}
	}
	logging.LogEvent(level, "admission_decision", fields)
	return d
}

// Sweep prunes idle client state and expired sessions.
func (g *Gateway) Sweep(now time.Time) {
	idle := g.challengeCfg.TTL
	if g.challengeCfg.RetryWait > idle {
		idle = g.challengeCfg.RetryWait
	}
	records := g.store.Sweep(now.Add(-idle))
	windows := g.tracker.Sweep(now.Add(-g.tracker.Retention()))
	active := g.sessions.Sweep(now)
	g.metrics.SetSessionsActive(active)

	for _, s := range g.sweepers {
		s.Sweep()
	}
	if g.alert != nil {
		g.alert.IsActive(now)
	}

	logging.LogEvent("DEBUG", "janitor_sweep", map[string]any{
		"records_removed": records,
		"windows_removed": windows,
		"sessions_active": active,
	})
}

func (g *Gateway) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Sweep(g.nowF())
		}
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// Package suspicion classifies unauthenticated traffic by timing and
// frequency and escalates offenders to the blocklist.
package suspicion

import (
	"context"
	"sync"
	"time"

	"captcha_gateway/internal/blocklist"
	"captcha_gateway/internal/challenge"
	"captcha_gateway/internal/config"
	"captcha_gateway/internal/logging"
	"captcha_gateway/internal/metrics"
	"captcha_gateway/internal/shard"
)

type Kind int

const (
	KindOther Kind = iota
	KindEntry
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindResponse:
		return "response"
	default:
		return "other"
	}
}

type Verdict string

const (
	VerdictOK        Verdict = "ok"
	VerdictTooFast   Verdict = "too_fast"
	VerdictBurst     Verdict = "burst"
	VerdictRootFlood Verdict = "root_flood"
)

// Reason maps a verdict to the reason recorded in the blocklist.
func (v Verdict) Reason() blocklist.Reason {
	switch v {
	case VerdictTooFast:
		return blocklist.ReasonRapidRetry
	case VerdictBurst:
		return blocklist.ReasonBurstFrequency
	case VerdictRootFlood:
		return blocklist.ReasonRootFlood
	default:
		return blocklist.ReasonUnknown
	}
}

// Escalator receives offenders. *blocklist.Blocklist satisfies it.
type Escalator interface {
	Add(ctx context.Context, id string, reason blocklist.Reason, now time.Time) (bool, error)
}

type Alerter interface {
	Set(now time.Time)
}

type Result struct {
	Verdict Verdict
	// Added is true when this request put the client on the blocklist.
	Added bool
	// Err carries persist/reload failures from the escalator.
	Err error
}

func (r Result) OK() bool {
	return r.Verdict == VerdictOK
}

type window struct {
	all   []time.Time
	entry []time.Time
}

func (w window) last() time.Time {
	if len(w.all) == 0 {
		return time.Time{}
	}
	return w.all[len(w.all)-1]
}

type Tracker struct {
	cfg       config.SuspicionConfig
	store     *challenge.Store
	escalator Escalator
	alerter   Alerter
	metrics   *metrics.Metrics
	windows   *shard.Map[window]

	mu          sync.Mutex
	escalations []time.Time
	surgeStart  time.Time
	surgeCount  int
}

func NewTracker(cfg config.SuspicionConfig, store *challenge.Store, esc Escalator, alerter Alerter, m *metrics.Metrics) *Tracker {
	return &Tracker{
		cfg:       cfg,
		store:     store,
		escalator: esc,
		alerter:   alerter,
		metrics:   m,
		windows:   shard.New[window](shard.DefaultShards),
	}
}

// Evaluate records the request and returns the first matching verdict in the
// order too_fast, burst, root_flood. A non-ok verdict has already been
// escalated when Evaluate returns.
func (t *Tracker) Evaluate(ctx context.Context, id string, kind Kind, now time.Time) Result {
	t.countSurge(now)

	var inBurst, onEntry int
	t.windows.Update(id, func(w window, _ bool) (window, bool) {
		w.all = slide(append(w.all, now), now.Add(-t.cfg.BurstWindow), t.cfg.BurstLimit+1)
		if kind == KindEntry {
			w.entry = slide(append(w.entry, now), now.Add(-t.cfg.RootWindow), t.cfg.RootLimit+1)
		}
		inBurst, onEntry = len(w.all), len(w.entry)
		return w, true
	})

	verdict := VerdictOK
	switch {
	case kind == KindResponse && t.respondedTooFast(id, now):
		verdict = VerdictTooFast
	case inBurst > t.cfg.BurstLimit:
		verdict = VerdictBurst
	case onEntry > t.cfg.RootLimit:
		verdict = VerdictRootFlood
	}
	if verdict == VerdictOK {
		return Result{Verdict: VerdictOK}
	}
	return t.escalate(ctx, id, kind, verdict, now)
}

func (t *Tracker) respondedTooFast(id string, now time.Time) bool {
	rec, ok := t.store.Get(id)
	if !ok || !rec.Pending() {
		return false
	}
	return now.Sub(rec.ChallengeIssuedAt) < t.cfg.MinWait
}

func (t *Tracker) escalate(ctx context.Context, id string, kind Kind, v Verdict, now time.Time) Result {
	reason := v.Reason()
	added, err := t.escalator.Add(ctx, id, reason, now)

	t.store.Clear(id)
	t.windows.Delete(id)
	t.metrics.ObserveEscalation(reason.String())

	fields := map[string]any{
		"client_ip":     id,
		"verdict":       string(v),
		"reason":        reason,
		"kind":          kind,
		"newly_blocked": added,
	}
	if err != nil {
		fields["error"] = err
	}
	logging.LogEvent("WARN", "security_escalation", fields)

	if added {
		t.noteEscalation(now)
	}
	return Result{Verdict: v, Added: added, Err: err}
}

func (t *Tracker) noteEscalation(now time.Time) {
	if t.cfg.EscalationThreshold <= 0 {
		return
	}
	t.mu.Lock()
	t.escalations = slide(append(t.escalations, now), now.Add(-t.cfg.EscalationWindow), t.cfg.EscalationThreshold)
	fire := len(t.escalations) >= t.cfg.EscalationThreshold
	if fire {
		t.escalations = t.escalations[:0]
	}
	t.mu.Unlock()

	if fire {
		t.raiseAlert("escalations", now)
	}
}

// countSurge is a fixed-window counter over all clients.
func (t *Tracker) countSurge(now time.Time) {
	if t.cfg.SurgeLimit <= 0 {
		return
	}
	t.mu.Lock()
	if t.surgeStart.IsZero() || now.Sub(t.surgeStart) >= t.cfg.SurgeWindow {
		t.surgeStart = now
		t.surgeCount = 0
	}
	t.surgeCount++
	fire := t.surgeCount == t.cfg.SurgeLimit+1
	t.mu.Unlock()

	if fire {
		t.raiseAlert("surge", now)
	}
}

func (t *Tracker) raiseAlert(trigger string, now time.Time) {
	t.metrics.AlertRaised(trigger)
	logging.LogEvent("WARN", "ddos_alert", map[string]any{
		"trigger": trigger,
	})
	if t.alerter != nil {
		t.alerter.Set(now)
	}
}

// Sweep forgets clients with no request since cutoff.
func (t *Tracker) Sweep(cutoff time.Time) int {
	return t.windows.Sweep(func(_ string, w window) bool {
		return w.last().Before(cutoff)
	})
}

// Retention is how long a client's timestamps can still affect a verdict.
func (t *Tracker) Retention() time.Duration {
	if t.cfg.RootWindow > t.cfg.BurstWindow {
		return t.cfg.RootWindow
	}
	return t.cfg.BurstWindow
}

func (t *Tracker) Len() int {
	return t.windows.Len()
}

// slide drops timestamps at or before cutoff and keeps at most keep of the
// newest ones.
func slide(ts []time.Time, cutoff time.Time, keep int) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if keep > 0 && len(ts)-i > keep {
		i = len(ts) - keep
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

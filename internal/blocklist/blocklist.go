// Package blocklist is the durable set of denied client identities. New
// entries are appended to an nginx include file and the proxy is reloaded
// once per entry.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"captcha_gateway/internal/logging"
	"captcha_gateway/internal/metrics"
	"captcha_gateway/internal/shard"
)

type Reason string

const (
	ReasonRapidRetry     Reason = "rapid_retry"
	ReasonBurstFrequency Reason = "burst_frequency"
	ReasonRootFlood      Reason = "root_flood"
	ReasonUnknown        Reason = "unknown"
)

func (r Reason) String() string {
	return string(r)
}

func ParseReason(s string) Reason {
	switch Reason(s) {
	case ReasonRapidRetry, ReasonBurstFrequency, ReasonRootFlood:
		return Reason(s)
	default:
		return ReasonUnknown
	}
}

type Entry struct {
	IP      string    `json:"ip"`
	AddedAt time.Time `json:"added_at"`
	Reason  Reason    `json:"reason"`
}

var (
	// ErrPersist marks an entry that is blocked in memory but was not written
	// to durable storage; it will not survive a restart.
	ErrPersist = errors.New("blocklist: persist failed")
	// ErrReload marks an entry whose proxy-level deny rule was not applied.
	ErrReload = errors.New("blocklist: proxy reload failed")
)

// Store is the durable side of the blocklist.
type Store interface {
	Append(Entry) error
	Load() ([]Entry, error)
}

// Reloader makes the reverse proxy pick up the persisted deny rules.
type Reloader interface {
	Reload(ctx context.Context) error
}

type Blocklist struct {
	entries  *shard.Map[Entry]
	store    Store
	reloader Reloader
	metrics  *metrics.Metrics

	persistFailures atomic.Int64
}

func New(store Store, reloader Reloader, m *metrics.Metrics) *Blocklist {
	if reloader == nil {
		reloader = NopReloader{}
	}
	return &Blocklist{
		entries:  shard.New[Entry](shard.DefaultShards),
		store:    store,
		reloader: reloader,
		metrics:  m,
	}
}

// Load fills the in-memory set from the store. It does not reload the proxy:
// the entries are already in its include file.
func (b *Blocklist) Load() (int, error) {
	if b.store == nil {
		return 0, nil
	}
	entries, err := b.store.Load()
	if err != nil {
		return 0, fmt.Errorf("blocklist: load: %w", err)
	}
	n := 0
	for _, e := range entries {
		if b.entries.PutIfAbsent(e.IP, e) {
			n++
		}
	}
	b.metrics.SetBlocklistSize(b.entries.Len())
	return n, nil
}

func (b *Blocklist) IsBlocked(id string) bool {
	_, ok := b.entries.Get(id)
	return ok
}

// Add blocks id. It reports true only for the call that actually inserted
// the entry; only that call persists and reloads. A non-nil error wraps
// ErrPersist and/or ErrReload, and never undoes the in-memory block.
// The reload is detached from ctx cancellation; the reloader bounds it.
func (b *Blocklist) Add(ctx context.Context, id string, reason Reason, now time.Time) (bool, error) {
	entry := Entry{IP: id, AddedAt: now, Reason: reason}
	if !b.entries.PutIfAbsent(id, entry) {
		return false, nil
	}
	b.metrics.SetBlocklistSize(b.entries.Len())

	var persistErr, reloadErr error
	if b.store != nil {
		if err := b.store.Append(entry); err != nil {
			persistErr = fmt.Errorf("%w: %s: %w", ErrPersist, id, err)
			b.metrics.PersistFailed()
			b.persistFailures.Add(1)
			logging.LogEvent("ERROR", "blocklist_persist_failed", map[string]any{
				"client_ip": id,
				"reason":    reason,
				"error":     err,
				"alert":     "block will not survive a restart",
			})
		}
	}

	if err := b.reloader.Reload(context.WithoutCancel(ctx)); err != nil {
		reloadErr = fmt.Errorf("%w: %w", ErrReload, err)
		b.metrics.ReloadFailed()
		logging.LogEvent("WARN", "proxy_reload_failed", map[string]any{
			"client_ip": id,
			"error":     err,
			"mode":      "degraded",
		})
	}

	logging.LogEvent("WARN", "client_blocked", map[string]any{
		"client_ip": id,
		"reason":    reason,
		"persisted": persistErr == nil,
		"reloaded":  reloadErr == nil,
	})

	return true, errors.Join(persistErr, reloadErr)
}

// Entries returns a snapshot ordered by AddedAt, then IP.
func (b *Blocklist) Entries() []Entry {
	out := make([]Entry, 0, b.entries.Len())
	b.entries.Range(func(_ string, e Entry) bool {
		out = append(out, e)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].IP < out[j].IP
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// PersistFailures counts entries that are only blocked in memory.
func (b *Blocklist) PersistFailures() int64 {
	return b.persistFailures.Load()
}

func (b *Blocklist) Len() int {
	return b.entries.Len()
}

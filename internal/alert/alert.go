// Package alert is the DDoS alert signal polled by downstream monitoring.
// It is active until a stored deadline; nothing sleeps or blocks.
package alert

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"captcha_gateway/internal/logging"
)

type Flag struct {
	mu        sync.Mutex
	duration  time.Duration
	expiresAt time.Time
	flagFile  string
}

// NewFlag returns a flag that stays active for duration after each Set.
// When flagFile is non-empty the state is mirrored to that file for
// monitors that only look at the filesystem.
func NewFlag(duration time.Duration, flagFile string) *Flag {
	if duration <= 0 {
		duration = 5 * time.Minute
	}
	return &Flag{duration: duration, flagFile: flagFile}
}

// Set activates the alert, or extends it when already active.
func (f *Flag) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.expiresAt = now.Add(f.duration)
	if f.flagFile == "" {
		return
	}
	msg := fmt.Sprintf("Alert active until %s.\n", f.expiresAt.UTC().Format(time.RFC3339))
	if err := os.WriteFile(f.flagFile, []byte(msg), 0o644); err != nil {
		logging.LogEvent("ERROR", "alert_flag_write_failed", map[string]any{
			"path":  f.flagFile,
			"error": err,
		})
	}
}

// IsActive reports now < expires_at. Once expired, the flag file is removed.
func (f *Flag) IsActive(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if now.Before(f.expiresAt) {
		return true
	}
	if f.flagFile != "" && !f.expiresAt.IsZero() {
		if err := os.Remove(f.flagFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.LogEvent("ERROR", "alert_flag_remove_failed", map[string]any{
				"path":  f.flagFile,
				"error": err,
			})
		}
		f.expiresAt = time.Time{}
	}
	return false
}

func (f *Flag) ExpiresAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiresAt
}

package blocklist

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

var _ Store = (*FileStore)(nil)

// FileStore appends one nginx directive per entry:
//
//	deny 5.6.7.8; # burst_frequency 2026-10-17T12:00:00Z
//
// The trailing comment is ignored by nginx and lets Load recover the reason.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string {
	return f.path
}

func FormatEntry(e Entry) string {
	return fmt.Sprintf("deny %s; # %s %s\n", e.IP, e.Reason, e.AddedAt.UTC().Format(time.RFC3339))
}

func (f *FileStore) Append(e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(FormatEntry(e)); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// Load reads the file back. A missing file is an empty blocklist; lines that
// are not deny directives are skipped.
func (f *FileStore) Load() ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	var out []Entry
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if e, ok := ParseLine(sc.Text()); ok {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseLine accepts `deny <ip>;` with an optional `# <reason> <time>` suffix.
func ParseLine(line string) (Entry, bool) {
	directive, comment, _ := strings.Cut(line, "#")
	directive = strings.TrimSpace(directive)

	rest, ok := strings.CutPrefix(directive, "deny ")
	if !ok {
		return Entry{}, false
	}
	ip, ok := strings.CutSuffix(strings.TrimSpace(rest), ";")
	if !ok {
		return Entry{}, false
	}
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return Entry{}, false
	}

	e := Entry{IP: ip, Reason: ReasonUnknown}
	fields := strings.Fields(comment)
	if len(fields) > 0 {
		e.Reason = ParseReason(fields[0])
	}
	if len(fields) > 1 {
		if t, err := time.Parse(time.RFC3339, fields[1]); err == nil {
			e.AddedAt = t
		}
	}
	return e, true
}

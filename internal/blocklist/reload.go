package blocklist

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rbmk-project/common/errclass"

	"captcha_gateway/internal/logging"
)

var (
	_ Reloader = NopReloader{}
	_ Reloader = (*CommandReloader)(nil)
)

type NopReloader struct{}

func (NopReloader) Reload(context.Context) error {
	return nil
}

// CommandReloader runs the proxy's reload command (e.g. `nginx -s reload`)
// and waits for it, so the caller sees the exit status.
type CommandReloader struct {
	Command []string
	Timeout time.Duration
}

func NewCommandReloader(command []string, timeout time.Duration) Reloader {
	if len(command) == 0 {
		return NopReloader{}
	}
	return &CommandReloader{Command: command, Timeout: timeout}
}

func (c *CommandReloader) Reload(ctx context.Context) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	out, err := cmd.CombinedOutput()

	fields := map[string]any{
		"command":  strings.Join(c.Command, " "),
		"duration": time.Since(start),
		"output":   strings.TrimSpace(string(out)),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			fields["exit_code"] = exitErr.ExitCode()
		}
		fields["error"] = err
		fields["errClass"] = errclass.New(err)
		logging.LogEvent("ERROR", "proxy_reload", fields)
		return fmt.Errorf("reload %q: %w", c.Command[0], err)
	}

	fields["exit_code"] = 0
	logging.LogEvent("INFO", "proxy_reload", fields)
	return nil
}

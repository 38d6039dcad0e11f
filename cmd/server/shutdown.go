package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"captcha_gateway/internal/logging"
)

type signalType string

const (
	signalTerm signalType = "SIGTERM"
	signalInt  signalType = "interrupt"
)

type InterruptError struct {
	kind signalType
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("interrupt error: %s", e.kind)
}

var (
	SignalTermError = &InterruptError{kind: signalTerm}
	SignalIntError  = &InterruptError{kind: signalInt}
)

func handleSignals(ctx context.Context) error {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(signalChan)

	select {
	case s := <-signalChan:
		if s == syscall.SIGTERM {
			return SignalTermError
		}
		return SignalIntError
	case <-ctx.Done():
		return nil
	}
}

func startSignalHandler(g *errgroup.Group, ctx context.Context) {
	g.Go(func() error {
		if err := handleSignals(ctx); err != nil {
			logging.LogEvent("WARN", "signal_received", map[string]any{"signal": err})
			return err
		}
		return nil
	})
}

func shutdownServer(name string, server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logging.LogEvent("INFO", "server_shutdown", map[string]any{"server": name})
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s server shutdown failed: %w", name, err)
	}
	return nil
}

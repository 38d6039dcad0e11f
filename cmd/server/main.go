package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"captcha_gateway/internal/alert"
	"captcha_gateway/internal/blocklist"
	"captcha_gateway/internal/challenge"
	"captcha_gateway/internal/config"
	"captcha_gateway/internal/gateway"
	"captcha_gateway/internal/logging"
	"captcha_gateway/internal/metrics"
	"captcha_gateway/internal/proxy"
	"captcha_gateway/internal/session"
	"captcha_gateway/internal/suspicion"
	"captcha_gateway/internal/upstream"
)

var configFlag = flag.String("config", "", "to set config file path")

const shutdownTimeout = 15 * time.Second

func main() {
	flag.Parse()

	c, err := config.LoadConfig()
	if err != nil {
		logrus.Fatal(err)
	}

	if err := config.ValidateConfig(c); err != nil {
		logrus.Fatal(err)
	}

	comps := c.SplitConfig()
	logging.Setup(comps.Server.LogLevel)

	if err := run(comps); err != nil {
		var interrupt *InterruptError
		if errors.As(err, &interrupt) {
			logging.LogEvent("INFO", "stopped", map[string]any{"cause": err})
			return
		}
		logrus.Fatal(err)
	}
}

func newGenerator(cfg config.ChallengeConfig) challenge.Generator {
	if cfg.Mode == config.ChallengeModeFixed {
		return challenge.FixedGenerator{Question: cfg.Question, Answer: cfg.Answer}
	}
	return challenge.ArithmeticGenerator{Max: 50}
}

func run(comps *config.Components) error {
	m := metrics.New()

	bl := blocklist.New(
		blocklist.NewFileStore(comps.Blocklist.Path),
		blocklist.NewCommandReloader(comps.Blocklist.ReloadCommand, comps.Blocklist.ReloadTimeout),
		m,
	)
	n, err := bl.Load()
	if err != nil {
		return err
	}
	logging.LogEvent("INFO", "blocklist_loaded", map[string]any{
		"path":    comps.Blocklist.Path,
		"entries": n,
	})

	ddosAlert := alert.NewFlag(comps.Alert.Duration, comps.Alert.FlagFile)
	store := challenge.NewStore()
	tracker := suspicion.NewTracker(comps.Suspicion, store, bl, ddosAlert, m)
	limiter := proxy.NewTokenBucketLimiter(&comps.RateLimiter)

	gw := gateway.New(gateway.Options{
		Challenge: comps.Challenge,
		Session:   comps.Session,
		EntryPath: comps.Suspicion.EntryPath,
		Generator: newGenerator(comps.Challenge),
		Store:     store,
		Tracker:   tracker,
		Blocklist: bl,
		Sessions:  session.NewManager(comps.Session.TTL),
		Health:    upstream.NewHTTPHealthChecker(comps.Health, m),
		Alert:     ddosAlert,
		Metrics:   m,
		Sweepers:  []gateway.Sweeper{limiter},
	})

	content := proxy.NewProxy(&comps.Proxy, nil)
	handler := gateway.NewHandler(gw, content, comps.Server, comps.Session)

	idle := time.Duration(comps.Proxy.IdleTimeoutSeconds) * time.Second
	clientServer := &http.Server{
		Handler:           gateway.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       idle,
	}
	adminServer := &http.Server{
		Addr:              comps.Server.AdminAddress,
		Handler:           gateway.NewAdminRouter(bl, ddosAlert, m, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", comps.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to open listen address: %w", err)
	}
	admission := &proxy.AdmissionController{
		RateLimiter: limiter,
		ConnReg:     proxy.NewConnectionRegister(&comps.Connections, m),
		Metrics:     m,
	}
	limited := proxy.NewListener(ln, admission)

	g, ctx := errgroup.WithContext(context.Background())
	startSignalHandler(g, ctx)

	g.Go(func() error {
		logging.LogEvent("INFO", "server_started", map[string]any{
			"listen":  comps.Server.ListenAddress,
			"content": content.Target(),
		})
		if err := clientServer.Serve(limited); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("client server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.LogEvent("INFO", "admin_started", map[string]any{"listen": comps.Server.AdminAddress})
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return gw.RunJanitor(ctx, comps.Server.JanitorInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		return errors.Join(
			shutdownServer("client", clientServer, shutdownTimeout),
			shutdownServer("admin", adminServer, shutdownTimeout),
		)
	})

	return g.Wait()
}

package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"captcha_gateway/internal/config"
)

/*
-------------------------------------------------
Helpers
-------------------------------------------------
*/

func newAdmission(total, perIP int64) *AdmissionController {
	reg := NewConnectionRegister(&config.ConnectionConfig{
		ConnectionLimit:      total,
		PerIPConnectionLimit: perIP,
	}, nil)
	return &AdmissionController{ConnReg: reg}
}

// startListener wraps a loopback listener and hands accepted conns to the test.
func startListener(t *testing.T, ac *AdmissionController) (*Listener, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	l := NewListener(ln, ac)

	accepted := make(chan net.Conn, 64)
	go func() {
		defer close(accepted)
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	t.Cleanup(func() { l.Close() })

	return l, accepted
}

func dialClient(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func waitAccepted(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()

	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("connection was not accepted")
		return nil
	}
}

func waitClosedByPeer(t *testing.T, c net.Conn) {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(time.Second))
	_, err := c.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was left open")
	}
}

/*
-------------------------------------------------
Test: closing an accepted conn → unregister happens
-------------------------------------------------
*/
func TestListener_NoLeakOnClose(t *testing.T) {
	ac := newAdmission(1, 1)
	l, accepted := startListener(t, ac)

	client := dialClient(t, l.Addr())
	defer client.Close()

	conn := waitAccepted(t, accepted)
	if ac.ConnReg.ActiveConnectionsCount() != 1 {
		t.Fatalf("expected 1 active, got %d", ac.ConnReg.ActiveConnectionsCount())
	}

	conn.Close()
	conn.Close()

	if ac.ConnReg.ActiveConnectionsCount() != 0 {
		t.Fatalf("connection leak: active=%d", ac.ConnReg.ActiveConnectionsCount())
	}
}

/*
-------------------------------------------------
Test: per-IP limit → extra conns are closed, slot is reusable
-------------------------------------------------
*/
func TestListener_RejectsOverPerIPLimit(t *testing.T) {
	ac := newAdmission(10, 1)
	l, accepted := startListener(t, ac)

	first := dialClient(t, l.Addr())
	defer first.Close()
	conn := waitAccepted(t, accepted)

	second := dialClient(t, l.Addr())
	defer second.Close()
	waitClosedByPeer(t, second)

	conn.Close()

	third := dialClient(t, l.Addr())
	defer third.Close()
	waitAccepted(t, accepted).Close()
}

/*
-------------------------------------------------
Test: rate limiter runs before registration
-------------------------------------------------
*/
func TestListener_RateLimited(t *testing.T) {
	ac := newAdmission(10, 10)
	ac.RateLimiter = NewTokenBucketLimiter(&config.RateLimiterConfig{
		RateLimiter: config.RateLimiterC{
			TokenBucketLimiter: config.TokenBucketLimiterC{Rate: 1, Capacity: 1},
		},
	})
	l, accepted := startListener(t, ac)

	first := dialClient(t, l.Addr())
	defer first.Close()
	conn := waitAccepted(t, accepted)
	defer conn.Close()

	second := dialClient(t, l.Addr())
	defer second.Close()
	waitClosedByPeer(t, second)

	if ac.ConnReg.ActiveConnectionsCount() != 1 {
		t.Fatalf("rate limited conn was registered: active=%d", ac.ConnReg.ActiveConnectionsCount())
	}
}

/*
-------------------------------------------------
Test: many conns concurrently → no leaks
-------------------------------------------------
*/
func TestListener_NoLeaksUnderConcurrency(t *testing.T) {
	const n = 10
	ac := newAdmission(20, 20)
	l, accepted := startListener(t, ac)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := net.Dial("tcp", l.Addr().String())
			if err != nil {
				t.Error(err)
				return
			}
			c.Close()
		}()
	}

	for i := 0; i < n; i++ {
		conn := waitAccepted(t, accepted)
		go conn.Close()
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for ac.ConnReg.ActiveConnectionsCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("leak after concurrency: active=%d", ac.ConnReg.ActiveConnectionsCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

/*
-------------------------------------------------
Test: token bucket
-------------------------------------------------
*/
func TestTokenBucketLimiter(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	tb := NewTokenBucketLimiter(&config.RateLimiterConfig{
		RateLimiter: config.RateLimiterC{
			TokenBucketLimiter: config.TokenBucketLimiterC{Rate: 1, Capacity: 2},
		},
	})
	tb.nowF = func() time.Time { return now }

	ip := net.ParseIP("10.0.0.1")
	if !tb.Allow(ip) || !tb.Allow(ip) {
		t.Fatal("capacity should allow two")
	}
	if tb.Allow(ip) {
		t.Fatal("third should be limited")
	}
	if !tb.Allow(net.ParseIP("10.0.0.2")) {
		t.Fatal("buckets are per ip")
	}

	now = now.Add(time.Second)
	if !tb.Allow(ip) {
		t.Fatal("bucket should refill")
	}

	now = now.Add(10 * time.Second)
	if n := tb.Sweep(); n != 2 {
		t.Fatalf("expected 2 full buckets swept, got %d", n)
	}
}

func TestTokenBucketLimiter_ZeroRateAllowsAll(t *testing.T) {
	tb := NewTokenBucketLimiter(&config.RateLimiterConfig{})
	ip := net.ParseIP("10.0.0.1")
	for i := 0; i < 100; i++ {
		if !tb.Allow(ip) {
			t.Fatal("rate 0 must not limit")
		}
	}
}

/*
-------------------------------------------------
Test: reverse proxy to content backend
-------------------------------------------------
*/
func TestProxy_ForwardsToContent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Forwarded", r.Header.Get("X-Forwarded-For"))
		io.WriteString(w, "protected:"+r.URL.Path)
	}))
	defer backend.Close()

	target, _ := url.Parse(backend.URL)
	p := NewProxy(&config.ProxyConfig{ContentURL: target}, nil)

	req := httptest.NewRequest(http.MethodGet, "/docs/page", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := rec.Body.String(); got != "protected:/docs/page" {
		t.Fatalf("body %q", got)
	}
	if got := rec.Header().Get("X-Seen-Forwarded"); got != "1.2.3.4" {
		t.Fatalf("X-Forwarded-For %q", got)
	}
}

func TestProxy_BackendDownUsesErrorHandler(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(backend.URL)
	backend.Close()

	called := false
	p := NewProxy(&config.ProxyConfig{ContentURL: target}, func(w http.ResponseWriter, _ *http.Request, _ error) {
		called = true
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called || rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("error handler not used: called=%v status=%d", called, rec.Code)
	}
}

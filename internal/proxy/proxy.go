package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rbmk-project/common/errclass"

	"captcha_gateway/internal/config"
	"captcha_gateway/internal/logging"
)

// ErrorHandler renders the response when the content backend fails.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Proxy forwards admitted requests to the protected content backend.
type Proxy struct {
	target string
	rp     *httputil.ReverseProxy
}

func NewProxy(cfg *config.ProxyConfig, onError ErrorHandler) *Proxy {
	idle := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = 90 * time.Second
	}
	target := cfg.ContentURL

	p := &Proxy{target: target.String()}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       idle,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.LogEvent("ERROR", "content_proxy_failed", map[string]any{
				"target":   p.target,
				"path":     r.URL.Path,
				"error":    err,
				"errClass": errclass.New(err),
			})
			if onError != nil {
				onError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) Target() string {
	return p.target
}

package proxy

import (
	"net"

	"captcha_gateway/internal/metrics"
)

// AdmissionController decides at accept time whether a connection is let
// through to the HTTP layer at all.
type AdmissionController struct {
	RateLimiter RateLimiter
	ConnReg     *ConnectionRegister
	Metrics     *metrics.Metrics
}

func (a *AdmissionController) Admit(ip net.IP) (bool, string) {
	if a.RateLimiter != nil && !a.RateLimiter.Allow(ip) {
		a.Metrics.ConnectionRejected(RejectRateLimit)
		return false, RejectRateLimit
	}

	ok, reason := a.ConnReg.TryRegister(ip)
	if !ok {
		return false, reason
	}

	return true, ""
}

func (a *AdmissionController) Release(ip net.IP) {
	a.ConnReg.Unregister(ip)
}

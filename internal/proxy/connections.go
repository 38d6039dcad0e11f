package proxy

import (
	"net"
	"sync"

	"captcha_gateway/internal/config"
	"captcha_gateway/internal/metrics"
)

const (
	RejectRateLimit       = "rate_limit"
	RejectConnectionLimit = "connection_limit"
	RejectPerIPLimit      = "per_ip_limit"
)

type ConnectionRegister struct {
	mu                sync.Mutex
	cfg               config.ConnectionConfig
	ActiveConnections int64
	ConnectionsByIP   map[string]int64

	metrics *metrics.Metrics
}

func NewConnectionRegister(cfg *config.ConnectionConfig, m *metrics.Metrics) *ConnectionRegister {
	return &ConnectionRegister{
		cfg:             *cfg,
		ConnectionsByIP: make(map[string]int64),
		metrics:         m,
	}
}

func (r *ConnectionRegister) TryRegister(ip net.IP) (bool, string) {
	key := ip.String()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ActiveConnections >= r.cfg.ConnectionLimit {
		r.metrics.ConnectionRejected(RejectConnectionLimit)
		return false, RejectConnectionLimit
	}

	if r.ConnectionsByIP[key] >= r.cfg.PerIPConnectionLimit {
		r.metrics.ConnectionRejected(RejectPerIPLimit)
		return false, RejectPerIPLimit
	}

	r.metrics.ConnectionAccepted()
	r.ActiveConnections++
	r.ConnectionsByIP[key]++
	return true, ""
}

func (r *ConnectionRegister) Unregister(ip net.IP) {
	key := ip.String()
	r.mu.Lock()
	defer r.mu.Unlock()

	ct, ok := r.ConnectionsByIP[key]
	if !ok {
		return
	}
	r.ActiveConnections--
	if ct <= 1 {
		delete(r.ConnectionsByIP, key)
		return
	}
	r.ConnectionsByIP[key] = ct - 1
}

func (r *ConnectionRegister) ActiveConnectionsCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ActiveConnections
}

func (r *ConnectionRegister) IPConnectionsCount(ip net.IP) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ConnectionsByIP[ip.String()]
}

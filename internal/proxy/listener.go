package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"captcha_gateway/internal/logging"
)

// Listener applies connection-level admission before http.Server sees a
// connection. Rejected connections are closed immediately.
type Listener struct {
	net.Listener
	ac *AdmissionController
}

func NewListener(ln net.Listener, ac *AdmissionController) *Listener {
	return &Listener{Listener: ln, ac: ac}
}

func (l *Listener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		ip := remoteIP(c.RemoteAddr())
		ok, reason := l.ac.Admit(ip)
		if !ok {
			c.Close()
			logging.LogEvent("WARN", "connection_rejected", map[string]any{
				"client_ip": ip.String(),
				"reason":    reason,
			})
			continue
		}
		logging.LogEvent("DEBUG", "connection_accepted", map[string]any{
			"client_ip":          ip.String(),
			"active_connections": l.ac.ConnReg.ActiveConnectionsCount(),
		})
		return &trackedConn{Conn: c, ip: ip, ac: l.ac, startTime: time.Now()}, nil
	}
}

type trackedConn struct {
	net.Conn
	ip                net.IP
	ac                *AdmissionController
	startTime         time.Time
	inBytes, outBytes int64

	closeOnce sync.Once
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	atomic.AddInt64(&c.inBytes, int64(n))
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	atomic.AddInt64(&c.outBytes, int64(n))
	return n, err
}

// Close releases the admission slot exactly once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.ac.Release(c.ip)
		logging.LogEvent("DEBUG", "connection_closed", map[string]any{
			"client_ip": c.ip.String(),
			"duration":  time.Since(c.startTime),
			"bytes_in":  atomic.LoadInt64(&c.inBytes),
			"bytes_out": atomic.LoadInt64(&c.outBytes),
		})
	})
	return err
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.IPv4zero
		}
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
		return net.IPv4zero
	}
}

package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the identity used for all per-client state. Forwarding
// headers are honoured only when the gateway runs behind a trusted proxy.
func ClientIP(r *http.Request, trustForwarded bool) (string, error) {
	realIP := ""
	if trustForwarded {
		if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
			realIP = v
		} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// first entry is the original client
			realIP = strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	if realIP == "" {
		realIP = r.RemoteAddr
	}
	if realIP == "" {
		return "", fmt.Errorf("no client address on request")
	}

	host, _, err := net.SplitHostPort(realIP)
	if err != nil {
		host = realIP
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	return ip.String(), nil
}

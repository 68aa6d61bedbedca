package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
)

// ConnectionLimiter caps the number of concurrent connections of a listener,
// in total and per client IP. A zero limit disables that check.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]int64
	mu               sync.Mutex
	protocol         string
}

func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]int64),
		protocol:         protocol,
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	ip, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return ip
}

// Accept registers a new connection and returns a function to release it.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := hostOf(remoteAddr)

	cl.mu.Lock()
	if current := cl.currentTotal.Load(); cl.maxConnections > 0 && current >= int64(cl.maxConnections) {
		cl.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues(cl.protocol).Inc()
		return nil, fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
	}
	if current := cl.perIPConnections[ip]; cl.maxPerIP > 0 && current >= int64(cl.maxPerIP) {
		cl.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues(cl.protocol).Inc()
		return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
	}
	total := cl.currentTotal.Add(1)
	cl.perIPConnections[ip]++
	perIP := cl.perIPConnections[ip]
	cl.mu.Unlock()

	logger.Debug("Connection limiter: Connection accepted", "protocol", cl.protocol, "ip", ip, "total", total, "max_total", cl.maxConnections, "per_ip", perIP, "max_per_ip", cl.maxPerIP)

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Lock()
			cl.currentTotal.Add(-1)
			cl.perIPConnections[ip]--
			if cl.perIPConnections[ip] <= 0 {
				delete(cl.perIPConnections, ip)
			}
			cl.mu.Unlock()
		})
	}, nil
}

// Current returns the number of registered connections.
func (cl *ConnectionLimiter) Current() int64 {
	return cl.currentTotal.Load()
}

package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(ip string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestConnectionLimiterTotal(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 2, 0)

	r1, err := limiter.Accept(tcpAddr("192.0.2.1", 1000))
	require.NoError(t, err)
	_, err = limiter.Accept(tcpAddr("192.0.2.2", 1000))
	require.NoError(t, err)

	_, err = limiter.Accept(tcpAddr("192.0.2.3", 1000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum connections reached")

	r1()
	_, err = limiter.Accept(tcpAddr("192.0.2.3", 1000))
	assert.NoError(t, err)
}

func TestConnectionLimiterPerIP(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 0, 1)

	release, err := limiter.Accept(tcpAddr("192.0.2.1", 1000))
	require.NoError(t, err)

	_, err = limiter.Accept(tcpAddr("192.0.2.1", 1001))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "192.0.2.1")

	_, err = limiter.Accept(tcpAddr("192.0.2.2", 1000))
	require.NoError(t, err)

	release()
	_, err = limiter.Accept(tcpAddr("192.0.2.1", 1002))
	assert.NoError(t, err)
}

func TestConnectionLimiterReleaseIsIdempotent(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 100, 10)
	release, err := limiter.Accept(tcpAddr("192.0.2.1", 12345))
	require.NoError(t, err)
	require.EqualValues(t, 1, limiter.Current())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 0, limiter.Current())
	limiter.mu.Lock()
	assert.Empty(t, limiter.perIPConnections)
	limiter.mu.Unlock()
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 0, 0)
	for i := 0; i < 50; i++ {
		_, err := limiter.Accept(tcpAddr("192.0.2.1", 1000+i))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 50, limiter.Current())
}

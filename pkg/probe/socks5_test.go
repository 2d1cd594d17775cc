package probe

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSOCKS answers a no-auth greeting and every CONNECT with reply code
func fakeSOCKS(t *testing.T, reply byte) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveSOCKS(conn, reply)
		}
	}()

	return l.Addr().String()
}

func serveSOCKS(conn net.Conn, reply byte) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	// VER NMETHODS METHODS...
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, head[1])); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return
	}

	// VER CMD RSV ATYP
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return
	}
	var addrLen int
	switch req[3] {
	case 0x01:
		addrLen = 4
	case 0x04:
		addrLen = 16
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return
		}
		addrLen = int(l[0])
	default:
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, addrLen+2)); err != nil {
		return
	}

	conn.Write([]byte{0x05, reply, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	io.Copy(io.Discard, conn)
}

func TestCheck_Reachable(t *testing.T) {
	addr := fakeSOCKS(t, 0x00)

	result, err := Check(context.Background(), Config{
		ProxyURI: "socks5://" + addr,
		Target:   "example.com:443",
	})
	require.NoError(t, err)
	assert.True(t, result.Reachable)
	assert.Empty(t, result.Error)
	assert.False(t, result.CheckedAt.IsZero())
}

func TestCheck_IPTarget(t *testing.T) {
	addr := fakeSOCKS(t, 0x00)

	result, err := Check(context.Background(), Config{
		ProxyURI: "socks5://" + addr,
		Target:   "10.1.2.3:80",
	})
	require.NoError(t, err)
	assert.True(t, result.Reachable)
}

func TestCheck_ConnectRefused(t *testing.T) {
	addr := fakeSOCKS(t, 0x05)

	result, err := Check(context.Background(), Config{
		ProxyURI: "socks5://" + addr,
		Target:   "example.com:443",
	})
	require.Error(t, err)
	assert.False(t, result.Reachable)
	assert.NotEmpty(t, result.Error)
}

func TestCheck_ProxyDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	result, err := Check(context.Background(), Config{
		ProxyURI: "socks5://" + addr,
		Timeout:  time.Second,
	})
	require.Error(t, err)
	assert.False(t, result.Reachable)
}

func TestDialer_RejectsBadURIs(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"http scheme", "http://127.0.0.1:9050"},
		{"no port", "socks5://127.0.0.1"},
		{"garbage", "://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dialer(tt.uri)
			assert.Error(t, err)
		})
	}
}

func TestDialer_UnsupportedScheme(t *testing.T) {
	_, err := Dialer("https://127.0.0.1:9050")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

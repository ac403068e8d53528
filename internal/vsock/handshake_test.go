package vsock

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, sockPath
}

func TestHandshakeSucceedsOnMatchingPort(t *testing.T) {
	l, sockPath := listenUnix(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, _ := reader.ReadString('\n')
		if line == "CONNECT 42\n" {
			fmt.Fprintf(conn, "OK 42\n")
		}
	}()

	conn, err := Handshake(sockPath, 42, time.Second)
	require.NoError(t, err)
	defer conn.Close()
}

func TestHandshakeFailsOnMismatchedPort(t *testing.T) {
	l, sockPath := listenUnix(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n')
		fmt.Fprintf(conn, "ERROR no such port\n")
	}()

	_, err := Handshake(sockPath, 42, time.Second)
	require.Error(t, err)
}

func TestHandshakeFailsWhenSocketMissing(t *testing.T) {
	_, err := Handshake(filepath.Join(os.TempDir(), "does-not-exist.sock"), 1, 200*time.Millisecond)
	require.Error(t, err)
}

func TestProbeHTTPReturnsNilOn200(t *testing.T) {
	l, sockPath := listenUnix(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n')
		fmt.Fprintf(conn, "OK 7\n")
		buf := make([]byte, 1024)
		conn.Read(buf)
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	}()

	err := ProbeHTTP(sockPath, 7, "/healthz", time.Second)
	require.NoError(t, err)
}

func TestProbeHTTPReturnsErrorOnNon2xx(t *testing.T) {
	l, sockPath := listenUnix(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n')
		fmt.Fprintf(conn, "OK 7\n")
		buf := make([]byte, 1024)
		conn.Read(buf)
		fmt.Fprintf(conn, "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\n\r\n")
	}()

	err := ProbeHTTP(sockPath, 7, "/healthz", time.Second)
	require.Error(t, err)
}

func TestIsSuccessStatusLine(t *testing.T) {
	require.True(t, isSuccessStatusLine("HTTP/1.1 200 OK\r\n"))
	require.True(t, isSuccessStatusLine("HTTP/1.1 204 No Content\r\n"))
	require.False(t, isSuccessStatusLine("HTTP/1.1 500 Internal Server Error\r\n"))
	require.False(t, isSuccessStatusLine("garbage"))
}

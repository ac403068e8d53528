// Package vsock implements the microVM vsock handshake protocol (spec
// §4.5/§4.7) used by the hypervisor's readiness check and health probes
// for VM instances; the router's proxy dials the instance socket
// directly and does not perform it:
// connect to the Unix socket Firecracker/QEMU exposes on the host,
// send "CONNECT <port>\n", and require an "OK <port>" reply before the
// socket is considered wired through to the guest's vsock device.
//
// Grounded directly on original_source/tenement/src/hypervisor.rs's
// ping_health_with_vsock. The line-based request/response framing idiom
// is adapted from the teacher's protocol/protocol.go, which speaks a
// JSON-line variant of the same "one line out, one line back" shape for
// its own (unrelated) exec/fs IPC.
package vsock

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds both the dial and the handshake read.
const DefaultTimeout = 5 * time.Second

// Handshake dials socketPath and performs the CONNECT/OK exchange for
// the given guest port. On success it returns the connection, now wired
// through to the guest's vsock listener on that port; the caller owns
// closing it.
func Handshake(socketPath string, port uint32, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("vsock: connecting to %s: %w", socketPath, err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsock: setting deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsock: sending CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsock: reading CONNECT response: %w", err)
	}

	expected := fmt.Sprintf("OK %d", port)
	if !strings.HasPrefix(strings.TrimSpace(line), expected) {
		conn.Close()
		return nil, fmt.Errorf("vsock: CONNECT failed: expected %q, got %q", expected, strings.TrimSpace(line))
	}

	// Clear the deadline the handshake imposed; callers set their own.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// ProbeHTTP performs the vsock handshake then issues a single HTTP GET
// against endpoint over the now-connected socket, returning nil if the
// response starts with a 2xx status line (spec §4.7 health probe
// semantics applied to VM instances).
func ProbeHTTP(socketPath string, port uint32, endpoint string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := Handshake(socketPath, port, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("vsock: setting deadline: %w", err)
	}

	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n", endpoint)
	if _, err := conn.Write([]byte(request)); err != nil {
		return fmt.Errorf("vsock: writing health request: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("vsock: reading health response: %w", err)
	}

	response := string(buf[:n])
	if !isSuccessStatusLine(response) {
		return fmt.Errorf("vsock: unhealthy response: %q", firstLine(response))
	}
	return nil
}

func isSuccessStatusLine(response string) bool {
	line := firstLine(response)
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return false
	}
	return strings.HasPrefix(parts[1], "2")
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

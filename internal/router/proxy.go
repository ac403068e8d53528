package router

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tenement-host/tenement/internal/runtime"
)

// proxyCache memoizes one *httputil.ReverseProxy per addressing target so
// repeated requests to the same instance do not rebuild a transport
// every time; entries are cheap to recreate so no eviction is needed
// beyond the process lifetime of the instance they address.
type proxyCache struct {
	mu    sync.Mutex
	byKey map[string]*httputil.ReverseProxy
}

func newProxyCache() *proxyCache {
	return &proxyCache{byKey: make(map[string]*httputil.ReverseProxy)}
}

func (c *proxyCache) get(addr runtime.Addressing, logger *slog.Logger) *httputil.ReverseProxy {
	key := addressingKey(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byKey[key]; ok {
		return p
	}
	p := newReverseProxy(addr, logger)
	c.byKey[key] = p
	return p
}

func addressingKey(addr runtime.Addressing) string {
	if addr.IsSocket() {
		return "unix:" + addr.SocketPath
	}
	return "tcp:" + strconv.Itoa(int(addr.Port))
}

// newReverseProxy builds a ReverseProxy that dials the instance's Unix
// socket or loopback TCP port regardless of the URL scheme/host the
// client presented, and rewrites Host/X-Forwarded-* per spec §4.8.
func newReverseProxy(addr runtime.Addressing, logger *slog.Logger) *httputil.ReverseProxy {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			if addr.IsSocket() {
				return dialer.DialContext(ctx, "unix", addr.SocketPath)
			}
			return dialer.DialContext(ctx, "tcp", "127.0.0.1:"+strconv.Itoa(int(addr.Port)))
		},
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(&fixedUpstreamURL)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// connection failures to the instance surface as 502 (spec
			// §4.8); the instance's own 5xx responses pass through
			// untouched because ErrorHandler is only invoked for
			// transport-level failures, never for a completed response.
			writeAPIError(w, ErrProxyUpstreamError)
		},
	}
}

// fixedUpstreamURL is a dummy placeholder; SetURL only needs scheme and
// host to build the outbound request line, and both are ignored by our
// DialContext which always dials the addressing target directly.
var fixedUpstreamURL = mustParseURL("http://upstream")

func mustParseURL(raw string) url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return *u
}

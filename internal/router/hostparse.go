package router

import (
	"net"
	"strings"
)

// target is the resolved meaning of an inbound Host header (spec §4.8).
type target struct {
	control  bool
	service  string
	label    string // set only for direct routing
	weighted bool   // true when only service matched (label.service absent)
}

// parseHost classifies a request's Host header against the configured
// control domain and base domain suffix. The port, if present, is
// stripped before matching. Matching is case-insensitive, per the usual
// DNS convention (Host headers are not case-sensitive).
func parseHost(hostHeader, controlDomain, baseDomain string) (target, bool) {
	host := stripPort(hostHeader)
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	controlDomain = strings.ToLower(controlDomain)
	baseDomain = strings.ToLower(baseDomain)

	if host == controlDomain {
		return target{control: true}, true
	}

	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return target{}, false
	}
	prefix := strings.TrimSuffix(host, suffix)
	if prefix == "" {
		return target{}, false
	}

	parts := strings.Split(prefix, ".")
	switch len(parts) {
	case 1:
		return target{service: parts[0], weighted: true}, true
	case 2:
		return target{service: parts[1], label: parts[0]}, true
	default:
		// more than one subdomain level than expected; treat the
		// leftmost as the label and the rest (joined) as the service,
		// matching the original Rust hypervisor's greedy-label split.
		return target{service: strings.Join(parts[1:], "."), label: parts[0]}, true
	}
}

func stripPort(hostHeader string) string {
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		return h
	}
	return hostHeader
}

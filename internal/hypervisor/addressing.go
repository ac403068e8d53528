package hypervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tenement-host/tenement/internal/config"
	"github.com/tenement-host/tenement/internal/runtime"
)

// materializeAddressing resolves a service's addressing scheme into a
// concrete socket path or allocated TCP port for one instance, removing
// any stale socket file left behind by a previous run first (spec §5
// "the previous socket file is removed before listen").
func (h *Hypervisor) materializeAddressing(spec *config.ServiceSpec, id ID) (runtime.Addressing, func(), error) {
	if spec.Addressing.TCP {
		port, err := h.ports.Allocate()
		if err != nil {
			return runtime.Addressing{}, nil, fmt.Errorf("allocating port: %w", err)
		}
		release := func() { h.ports.Release(port) }
		return runtime.Addressing{Port: port}, release, nil
	}

	template := spec.Addressing.SocketTemplate
	if template == "" {
		template = "{name}-{id}.sock"
	}
	name := interpolate(template, map[string]string{
		"name": spec.Name,
		"id":   id.Label,
	})
	socketPath := name
	if !filepath.IsAbs(socketPath) {
		socketPath = filepath.Join(h.socketDir, socketPath)
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return runtime.Addressing{}, nil, fmt.Errorf("creating socket dir: %w", err)
	}
	_ = os.Remove(socketPath) // stale socket from a prior crash

	return runtime.Addressing{SocketPath: socketPath}, nil, nil
}

// buildEnv constructs the curated environment passed to a child (spec
// §6): user entries with placeholder interpolation, plus PORT or
// SOCKET_PATH depending on the addressing scheme.
func buildEnv(spec *config.ServiceSpec, id ID, dataDir string, addressing runtime.Addressing) []string {
	values := map[string]string{
		"name":     spec.Name,
		"id":       id.Label,
		"data_dir": dataDir,
	}
	if addressing.IsSocket() {
		values["socket"] = addressing.SocketPath
	} else {
		values["port"] = strconv.Itoa(int(addressing.Port))
	}

	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+interpolate(v, values))
	}
	if addressing.IsSocket() {
		env = append(env, "SOCKET_PATH="+addressing.SocketPath)
	} else {
		env = append(env, "PORT="+strconv.Itoa(int(addressing.Port)))
	}
	return env
}

func interpolate(template string, values map[string]string) string {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

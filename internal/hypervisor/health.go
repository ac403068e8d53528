package hypervisor

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tenement-host/tenement/internal/config"
	"github.com/tenement-host/tenement/internal/runtime"
	"github.com/tenement-host/tenement/internal/vsock"
)

const maxConsecutiveDegraded = 3

// probeHealth sends a single HTTP GET to healthPath over addressing. For
// a VM instance (vsock port present in the handle's artifacts) the
// caller must use probeHealthVM instead, since vsock needs the CONNECT
// handshake first. Plain Unix socket and TCP addressing go straight to
// net/http.
func probeHealth(addressing runtime.Addressing, healthPath string, timeout time.Duration) error {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if addressing.IsSocket() {
					return net.DialTimeout("unix", addressing.SocketPath, timeout)
				}
				return net.DialTimeout("tcp", addr, timeout)
			},
		},
	}

	host := "localhost"
	if !addressing.IsSocket() {
		host = net.JoinHostPort("127.0.0.1", strconv.Itoa(int(addressing.Port)))
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+host+healthPath, nil)
	if err != nil {
		return err
	}
	req.Close = true

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe: non-2xx status %d", resp.StatusCode)
	}
	return nil
}

// probeHealthVM performs the vsock CONNECT/OK handshake before the HTTP
// GET, the readiness signal spec §4.7 and §9's VM open question require:
// both the handshake and a successful health probe must succeed.
func probeHealthVM(socketPath string, vsockPort uint32, healthPath string, timeout time.Duration) error {
	if healthPath == "" {
		healthPath = "/"
	}
	return vsock.ProbeHTTP(socketPath, vsockPort, healthPath, timeout)
}

// RunHealthMonitor periodically probes every running instance, jittered
// to avoid a thundering herd when many instances share one interval
// (spec §4.7 "Health monitor"). Stops when ctx is cancelled.
func (h *Hypervisor) RunHealthMonitor(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(h.healthInterval) / 4))
	timer := time.NewTimer(h.healthInterval + jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			h.probeAll(ctx)
			timer.Reset(h.healthInterval + time.Duration(rand.Int63n(int64(h.healthInterval)/4)))
		}
	}
}

func (h *Hypervisor) probeAll(ctx context.Context) {
	h.mu.RLock()
	ids := make([]ID, 0, len(h.table))
	for id, inst := range h.table {
		if inst.Status == StatusRunning || inst.Status == StatusStarting {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.probeOne(ctx, id)
		h.refreshStorageFor(id)
	}
}

// refreshStorageFor recomputes storage usage for one instance, piggy-
// backing on the health monitor's cadence rather than running its own
// timer (spec §4.7 "storage quota accounting").
func (h *Hypervisor) refreshStorageFor(id ID) {
	h.mu.RLock()
	inst, ok := h.table[id]
	var dataDir string
	if ok {
		dataDir = inst.DataDir
	}
	h.mu.RUnlock()
	if !ok || dataDir == "" {
		return
	}
	h.refreshStorage(id, dataDir, h.quotaMB(id.Service))
}

func (h *Hypervisor) probeOne(ctx context.Context, id ID) {
	h.mu.RLock()
	inst, ok := h.table[id]
	var addressing runtime.Addressing
	var isVM bool
	var vsockPort uint32
	var healthPath string
	if ok {
		addressing = inst.Addressing
		if inst.Handle != nil && inst.Handle.Kind == runtime.KindMicroVM {
			isVM = true
			if p, perr := strconv.ParseUint(inst.Handle.Artifacts["vsock_port"], 10, 32); perr == nil {
				vsockPort = uint32(p)
			}
		}
	}
	if spec, specOK := h.services[id.Service]; specOK {
		healthPath = spec.HealthPath
	}
	h.mu.RUnlock()
	if !ok || healthPath == "" {
		return
	}

	var err error
	if isVM {
		err = probeHealthVM(addressing.SocketPath, vsockPort, healthPath, 3*time.Second)
	} else {
		err = probeHealth(addressing, healthPath, 3*time.Second)
	}

	h.mu.Lock()
	inst, ok = h.table[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	if err != nil {
		inst.ConsecutiveDegrs++
		inst.Health = HealthDegraded
		shouldFail := inst.ConsecutiveDegrs >= maxConsecutiveDegraded
		if shouldFail {
			inst.Health = HealthFailed
			inst.Status = StatusFailed
		}
		h.mu.Unlock()
		h.logger.Warn("health probe failed", "instance", id, "consecutive", inst.ConsecutiveDegrs, "error", err)
		if shouldFail {
			h.handleFailure(ctx, id)
		}
		return
	}

	inst.ConsecutiveDegrs = 0
	inst.Health = HealthHealthy
	h.mu.Unlock()
}

// handleFailure applies the service's restart policy to a now-failed
// instance (spec §4.7 restart loop).
func (h *Hypervisor) handleFailure(ctx context.Context, id ID) {
	spec, ok := h.services[id.Service]
	if !ok {
		return
	}
	switch spec.RestartPolicy {
	case config.RestartNever:
		h.logger.Info("instance failed, restart policy is never", "instance", id)
		return
	case config.RestartOnFailure, config.RestartAlways:
		if err := h.Restart(ctx, id); err != nil {
			h.logger.Error("restart after failure did not succeed", "instance", id, "error", err)
		}
	}
}

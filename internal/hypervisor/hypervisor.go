package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tenement-host/tenement/internal/config"
	"github.com/tenement-host/tenement/internal/limiter"
	"github.com/tenement-host/tenement/internal/logplane"
	"github.com/tenement-host/tenement/internal/metrics"
	"github.com/tenement-host/tenement/internal/portalloc"
	"github.com/tenement-host/tenement/internal/runtime"
	"github.com/tenement-host/tenement/internal/storage"
	"github.com/tenement-host/tenement/internal/store"
	"github.com/tenement-host/tenement/internal/vsock"
)

// Runtimes maps an isolation level to the concrete variant that
// implements it. Only levels actually available on the host need be
// present; requesting an absent one is a spawn-time error for that
// service (spec §4.5 "fail loud, don't silently fall back").
type Runtimes map[config.IsolationLevel]runtime.Runtime

// Hypervisor is the instance table and everything that mutates it.
type Hypervisor struct {
	services map[string]*config.ServiceSpec
	runtimes Runtimes
	limiter  limiter.Limiter

	ports   *portalloc.Allocator
	logs    *logplane.Plane
	metrics *metrics.Metrics
	logger  *slog.Logger

	socketDir         string
	dataDir           string
	healthInterval    time.Duration
	stopGrace         time.Duration

	mu    sync.RWMutex
	table map[ID]*Instance

	spawnMu   sync.Mutex
	spawnLock map[ID]*sync.Mutex

	// restartLimiter bounds total restart throughput across every
	// service, layered atop each instance's own backoff/max-restarts
	// accounting: a host with many independently-failing services must
	// not let their restart storms sum into one big one.
	restartLimiter *rate.Limiter
}

// Config bundles the fixed knobs New needs beyond the wired collaborators.
type Config struct {
	SocketDir          string
	DataDir            string
	HealthCheckInterval time.Duration
	StopGrace          time.Duration
}

func New(
	services map[string]*config.ServiceSpec,
	runtimes Runtimes,
	lim limiter.Limiter,
	ports *portalloc.Allocator,
	logs *logplane.Plane,
	met *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Hypervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Hypervisor{
		services:       services,
		runtimes:       runtimes,
		limiter:        lim,
		ports:          ports,
		logs:           logs,
		metrics:        met,
		logger:         logger,
		socketDir:      cfg.SocketDir,
		dataDir:        cfg.DataDir,
		healthInterval: cfg.HealthCheckInterval,
		stopGrace:      cfg.StopGrace,
		table:          make(map[ID]*Instance),
		spawnLock:      make(map[ID]*sync.Mutex),
		restartLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// perIDLock returns (creating if absent) the mutex that serializes spawn
// attempts for one instance id, coalescing concurrent wake-on-request
// callers onto a single spawn. Grounded on the teacher's
// Manager.sessionLock.
func (h *Hypervisor) perIDLock(id ID) *sync.Mutex {
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()
	mu, ok := h.spawnLock[id]
	if !ok {
		mu = &sync.Mutex{}
		h.spawnLock[id] = mu
	}
	return mu
}

func (h *Hypervisor) dropPerIDLock(id ID) {
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()
	delete(h.spawnLock, id)
}

// List returns a snapshot of every tracked instance.
func (h *Hypervisor) List() []View {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]View, 0, len(h.table))
	for _, inst := range h.table {
		out = append(out, inst.view(h.quotaMB(inst.ID.Service)))
	}
	return out
}

// Get returns a single instance's view, if tracked.
func (h *Hypervisor) Get(id ID) (View, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.table[id]
	if !ok {
		return View{}, false
	}
	return inst.view(h.quotaMB(id.Service)), true
}

// IsRunning reports whether id has a live tracked instance in a running
// (not failed/stopped) status.
func (h *Hypervisor) IsRunning(id ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.table[id]
	if !ok {
		return false
	}
	return inst.Status == StatusRunning || inst.Status == StatusStarting
}

// TouchActivity updates last_activity for a real inbound request (spec
// invariant 4: health probes must never call this).
func (h *Hypervisor) TouchActivity(id ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.table[id]; ok {
		inst.LastActivity = time.Now()
	}
}

// GetAndTouch atomically reads and touches activity under one table
// acquisition, closing the check-then-act race with the reaper (spec
// §4.7).
func (h *Hypervisor) GetAndTouch(id ID) (View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.table[id]
	if !ok {
		return View{}, false
	}
	inst.LastActivity = time.Now()
	return inst.view(h.quotaMB(id.Service)), true
}

// SetWeight validates and updates an instance's routing weight; it has
// no side effect on the running process (spec §4.7).
func (h *Hypervisor) SetWeight(id ID, weight int) error {
	if weight < 0 || weight > 100 {
		return fmt.Errorf("%w: weight must be in [0,100], got %d", ErrBadRequest, weight)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.table[id]
	if !ok {
		return ErrNotFound
	}
	inst.Weight = weight
	return nil
}

// RunningByService returns live views of every instance of service with
// weight > 0 and health != failed, the eligible set for weighted routing
// (spec §4.8).
func (h *Hypervisor) RunningByService(service string) []View {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []View
	quota := h.quotaMB(service)
	for id, inst := range h.table {
		if id.Service != service {
			continue
		}
		if inst.Weight <= 0 || inst.Health == HealthFailed {
			continue
		}
		if inst.Status != StatusRunning && inst.Status != StatusStarting {
			continue
		}
		out = append(out, inst.view(quota))
	}
	return out
}

// ServiceExists reports whether service is a configured service name, and
// returns its default wake label if one is set (spec §4.8 weighted
// routing fallback when the eligible set is empty).
func (h *Hypervisor) ServiceExists(service string) (defaultLabel string, ok bool) {
	spec, ok := h.services[service]
	if !ok {
		return "", false
	}
	return spec.DefaultLabel, true
}

func (h *Hypervisor) quotaMB(service string) int {
	if spec, ok := h.services[service]; ok {
		return spec.StorageQuotaMB
	}
	return 0
}

// Spawn materializes and starts a new instance for (service, label).
// Preconditions and effects are exactly spec §4.7's spawn contract.
func (h *Hypervisor) Spawn(ctx context.Context, service, label string) (runtime.Addressing, error) {
	id := ID{Service: service, Label: label}

	spec, ok := h.services[service]
	if !ok {
		return runtime.Addressing{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	h.mu.RLock()
	_, exists := h.table[id]
	h.mu.RUnlock()
	if exists {
		return runtime.Addressing{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	return h.spawnLocked(ctx, id, spec)
}

// spawnLocked does the actual provisioning work. Callers must have
// already checked the instance is absent; this function itself commits
// the new Instance into the table only once the runtime has actually
// started, to keep the "at most one live child" invariant honest even
// under the per-id lock.
func (h *Hypervisor) spawnLocked(ctx context.Context, id ID, spec *config.ServiceSpec) (runtime.Addressing, error) {
	dataDir := filepath.Join(h.dataDir, id.Service, id.Label)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return runtime.Addressing{}, fmt.Errorf("%w: data dir: %v", ErrSpawnFailed, err)
	}

	addressing, releasePort, err := h.materializeAddressing(spec, id)
	if err != nil {
		return runtime.Addressing{}, fmt.Errorf("%w: addressing: %v", ErrSpawnFailed, err)
	}

	rt, ok := h.runtimes[spec.Isolation]
	if !ok || rt == nil {
		if releasePort != nil {
			releasePort()
		}
		return runtime.Addressing{}, fmt.Errorf("%w: runtime %q unavailable", ErrSpawnFailed, spec.Isolation)
	}

	var cgroupPath string
	if h.limiter != nil && (spec.Limits.MemoryMB > 0 || spec.Limits.CPUWeight > 0) {
		cgroupPath, err = h.limiter.Create(id.String(), limiter.Limits{
			MemoryMB:  spec.Limits.MemoryMB,
			CPUWeight: spec.Limits.CPUWeight,
		})
		if err != nil {
			h.logger.Warn("cgroup setup failed, running without limits", "instance", id, "error", err)
			cgroupPath = ""
		}
	}

	stdout := &logWriter{plane: h.logs, service: id.Service, instance: id.Label, stream: store.StreamStdout}
	stderr := &logWriter{plane: h.logs, service: id.Service, instance: id.Label, stream: store.StreamStderr}

	launchSpec := runtime.LaunchSpec{
		InstanceID: id.String(),
		Command:    spec.Command,
		Args:       spec.Args,
		Env:        buildEnv(spec, id, dataDir, addressing),
		WorkDir:    resolveWorkDir(spec.WorkDir),
		DataDir:    dataDir,
		Addressing: addressing,
		VM: runtime.VMConfig{
			Kernel:     spec.VM.Kernel,
			Rootfs:     spec.VM.Rootfs,
			MemoryMB:   spec.VM.MemoryMB,
			VCPUs:      spec.VM.VCPUs,
			VsockPort:  spec.VM.VsockPort,
			Hypervisor: spec.VM.Hypervisor,
		},
		Stdout: stdout,
		Stderr: stderr,
	}

	handle, err := rt.Spawn(ctx, launchSpec)
	if err != nil {
		if releasePort != nil {
			releasePort()
		}
		return runtime.Addressing{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if cgroupPath != "" && handle.PID != 0 {
		if err := h.limiter.Attach(cgroupPath, handle.PID); err != nil {
			h.logger.Warn("attaching pid to cgroup failed", "instance", id, "error", err)
		}
	}

	now := time.Now()
	inst := &Instance{
		ID:           id,
		Handle:       handle,
		Addressing:   addressing,
		DataDir:      dataDir,
		CgroupPath:   cgroupPath,
		CreatedAt:    now,
		LastActivity: now,
		Health:       HealthStarting,
		Status:       StatusStarting,
		Weight:       100,
	}

	h.mu.Lock()
	h.table[id] = inst
	h.mu.Unlock()
	h.metrics.InstancesUp.Inc()

	startupTimeout := time.Duration(spec.StartupTimeoutSeconds) * time.Second
	if err := h.awaitReadiness(ctx, inst, spec, startupTimeout); err != nil {
		h.logger.Warn("startup readiness failed", "instance", id, "error", err)
		_ = h.stopLocked(context.Background(), id, StatusFailed)
		return runtime.Addressing{}, err
	}

	h.mu.Lock()
	inst.Status = StatusRunning
	inst.Health = HealthHealthy
	inst.RestartCount = 0
	inst.CurrentBackoff = 0
	inst.ConsecutiveDegrs = 0
	h.mu.Unlock()

	h.logger.Info("instance spawned", "instance", id, "isolation", spec.Isolation)
	return addressing, nil
}

// awaitReadiness polls the socket/port until connectable, then performs
// one health probe if a health path is configured (spec §4.7 "startup
// readiness"). For microVM instances the vsock CONNECT/OK handshake is
// also required: it precedes the health probe, or is the whole check
// when no health path is configured.
func (h *Hypervisor) awaitReadiness(ctx context.Context, inst *Instance, spec *config.ServiceSpec, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if dialAddressing(inst.Addressing, 200*time.Millisecond) == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: socket/port never became connectable", ErrStartupTimeout)
		case <-ticker.C:
		}
	}

	isVM := inst.Handle != nil && inst.Handle.Kind == runtime.KindMicroVM
	if spec.HealthPath == "" && !isVM {
		return nil
	}

	for {
		var err error
		switch {
		case isVM && spec.HealthPath == "":
			var conn net.Conn
			if conn, err = vsock.Handshake(inst.Addressing.SocketPath, spec.VM.VsockPort, 2*time.Second); err == nil {
				conn.Close()
			}
		case isVM:
			err = probeHealthVM(inst.Addressing.SocketPath, spec.VM.VsockPort, spec.HealthPath, 2*time.Second)
		default:
			err = probeHealth(inst.Addressing, spec.HealthPath, 2*time.Second)
		}
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: health probe never succeeded", ErrStartupTimeout)
		case <-ticker.C:
		}
	}
}

// Stop gracefully stops and untracks id. Idempotent.
func (h *Hypervisor) Stop(ctx context.Context, id ID) error {
	return h.stopLocked(ctx, id, StatusStopped)
}

func (h *Hypervisor) stopLocked(ctx context.Context, id ID, finalStatus Status) error {
	h.mu.Lock()
	inst, ok := h.table[id]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.table, id)
	h.mu.Unlock()
	h.metrics.InstancesUp.Dec()

	spec := h.services[id.Service]

	if rt, ok := h.runtimes[spec.Isolation]; ok && rt != nil {
		if err := rt.Stop(ctx, inst.Handle, h.stopGrace); err != nil {
			h.logger.Warn("runtime stop returned error", "instance", id, "error", err)
		}
	}

	if inst.CgroupPath != "" && h.limiter != nil {
		if err := h.limiter.Remove(inst.CgroupPath); err != nil {
			h.logger.Warn("cgroup removal failed", "instance", id, "error", err)
		}
	}

	if inst.Addressing.IsSocket() {
		_ = os.Remove(inst.Addressing.SocketPath)
	} else if inst.Addressing.Port != 0 {
		h.ports.Release(inst.Addressing.Port)
	}

	if spec != nil && !spec.PersistOnStop && finalStatus != StatusIdleStopped {
		// Open Question #2 (DESIGN.md): idle-stop never deletes the data
		// directory; every other stop (explicit stop, restart, failed-
		// startup cleanup) does.
		_ = os.RemoveAll(inst.DataDir)
	}

	h.metrics.InstanceStorageBytes.Remove(metrics.Labels{"service": id.Service, "instance": id.Label})
	h.dropPerIDLock(id)

	h.logger.Info("instance stopped", "instance", id, "status", finalStatus)
	return nil
}

// Restart stops then spawns id again, preserving its label, and counts
// against the restart/backoff budget.
func (h *Hypervisor) Restart(ctx context.Context, id ID) error {
	spec, ok := h.services[id.Service]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id.Service)
	}

	h.mu.RLock()
	inst, existed := h.table[id]
	var priorRestarts int
	var windowStart time.Time
	if existed {
		priorRestarts = inst.RestartCount
		windowStart = inst.RestartWindowAt
	}
	h.mu.RUnlock()

	if existed {
		_ = h.stopLocked(ctx, id, StatusRestarting)
	}

	now := time.Now()
	if windowStart.IsZero() || now.Sub(windowStart) > time.Duration(spec.RestartWindowSeconds)*time.Second {
		windowStart = now
		priorRestarts = 0
	}
	priorRestarts++

	if priorRestarts > spec.MaxRestarts {
		h.mu.Lock()
		h.table[id] = &Instance{
			ID:              id,
			Status:          StatusFailed,
			Health:          HealthFailed,
			RestartCount:    priorRestarts,
			RestartWindowAt: windowStart,
			CreatedAt:       now,
			LastActivity:    now,
		}
		h.mu.Unlock()
		h.logger.Warn("restart budget exhausted, giving up", "instance", id, "restarts", priorRestarts)
		return fmt.Errorf("%w: max restarts exceeded for %s", ErrSpawnFailed, id)
	}

	backoff := nextBackoff(time.Duration(spec.BaseBackoffMs)*time.Millisecond, time.Duration(spec.MaxBackoffMs)*time.Millisecond, priorRestarts-1)
	if backoff > 0 {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := h.restartLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: restart rate limit: %v", ErrSpawnFailed, err)
	}

	h.metrics.InstanceRestartsTotal.WithLabels(metrics.Labels{"service": id.Service, "instance": id.Label}).Inc()

	_, err := h.spawnLocked(ctx, id, spec)
	if err != nil {
		// spawnLocked leaves no table entry on failure (its early-error
		// paths return before inserting; its awaitReadiness-failure path
		// inserts then removes via stopLocked), so there is nothing to
		// update in place here. Reseed a failed placeholder carrying the
		// restart budget forward instead, or the next Restart call would
		// read existed==false and reset priorRestarts to 0, making
		// max_restarts unreachable.
		h.mu.Lock()
		h.table[id] = &Instance{
			ID:              id,
			Status:          StatusFailed,
			Health:          HealthFailed,
			RestartCount:    priorRestarts,
			RestartWindowAt: windowStart,
			CurrentBackoff:  backoff,
			CreatedAt:       now,
			LastActivity:    now,
		}
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	if inst, ok := h.table[id]; ok {
		inst.RestartCount = priorRestarts
		inst.RestartWindowAt = windowStart
		inst.CurrentBackoff = backoff
	}
	h.mu.Unlock()
	return nil
}

// SpawnAndWait implements wake-on-request: absent instances are
// spawned, existing-but-unhealthy instances are waited on briefly,
// concurrent callers for the same id coalesce onto one spawn (spec
// §4.7, §4.8).
func (h *Hypervisor) SpawnAndWait(ctx context.Context, service, label string) (runtime.Addressing, error) {
	id := ID{Service: service, Label: label}

	lock := h.perIDLock(id)
	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	inst, exists := h.table[id]
	h.mu.RUnlock()

	if exists {
		if inst.Health == HealthHealthy {
			return inst.Addressing, nil
		}
		// Present but not yet healthy: wait a small bound for it.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			h.mu.RLock()
			cur, stillThere := h.table[id]
			h.mu.RUnlock()
			if !stillThere {
				break
			}
			if cur.Health == HealthHealthy {
				return cur.Addressing, nil
			}
			select {
			case <-ctx.Done():
				return runtime.Addressing{}, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		return runtime.Addressing{}, fmt.Errorf("%w: instance present but never became healthy", ErrHealthTimeout)
	}

	spec, ok := h.services[service]
	if !ok {
		return runtime.Addressing{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return h.spawnLocked(ctx, id, spec)
}

func resolveWorkDir(dir string) string {
	if dir != "" {
		return dir
	}
	wd, _ := os.Getwd()
	return wd
}

func dialAddressing(a runtime.Addressing, timeout time.Duration) error {
	if a.IsSocket() {
		conn, err := net.DialTimeout("unix", a.SocketPath, timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(a.Port))), timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// logWriter adapts a child's stdout/stderr pipe into log plane records
// line by line.
type logWriter struct {
	plane    *logplane.Plane
	service  string
	instance string
	stream   store.LogStream
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.plane.Append(w.service, w.instance, w.stream, store.SeverityInfo, line)
	}
	return len(p), nil
}

// refreshStorage updates the storage gauge/used-bytes for one instance;
// called periodically by the health monitor loop (spec §4.6, §4.7).
func (h *Hypervisor) refreshStorage(id ID, dataDir string, quotaMB int) {
	result, err := storage.CheckQuota(dataDir, quotaMB, id.Service, id.Label, h.logger)
	if err != nil {
		return
	}
	h.mu.Lock()
	if inst, ok := h.table[id]; ok {
		inst.StorageUsedBytes = result.UsedBytes
	}
	h.mu.Unlock()

	labels := metrics.Labels{"service": id.Service, "instance": id.Label}
	h.metrics.InstanceStorageBytes.WithLabels(labels).Set(uint64(result.UsedBytes))
	h.metrics.InstanceStorageQuotaBytes.WithLabels(labels).Set(uint64(result.QuotaBytes))
	h.metrics.InstanceStorageUsageRatio.WithLabels(labels).Set(uint64(result.RatioPer10000))
}

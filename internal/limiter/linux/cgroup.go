//go:build linux

// Package linux implements limiter.Limiter with cgroup-v2: one cgroup
// per instance under a Tenement-owned subtree, a memory.max ceiling, and
// a cpu.weight share instead of the teacher's CFS-quota cpu.max cap —
// the spec models CPU as a relative weight among co-resident instances,
// not an absolute fraction of a core.
//
// Grounded directly on internal/runtime/linux/cgroup.go (teacher):
// CreateCgroup/AttachToCgroup/KillCgroupProcesses/RemoveCgroup/
// DetectCgroupV2 are the same shape, same files written, same
// kill-via-cgroup.procs teardown.
package linux

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tenement-host/tenement/internal/limiter"
)

const cgroupRoot = "/sys/fs/cgroup/tenement"

const (
	minCPUWeight = 1
	maxCPUWeight = 10000
	// defaultCPUWeight matches cgroup-v2's own default so an unset weight
	// behaves identically to no limiter being attached at all.
	defaultCPUWeight = 100
)

type Limiter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{logger: logger}
}

func (l *Limiter) IsAvailable() bool {
	return detectCgroupV2() == nil
}

func (l *Limiter) Create(instanceID string, limits limiter.Limits) (string, error) {
	cgPath := cgroupPath(instanceID)
	if err := os.MkdirAll(cgPath, 0755); err != nil {
		return "", fmt.Errorf("limiter: create cgroup %s: %w", cgPath, err)
	}

	if limits.MemoryMB > 0 {
		memBytes := int64(limits.MemoryMB) * 1024 * 1024
		if err := os.WriteFile(filepath.Join(cgPath, "memory.max"), []byte(strconv.FormatInt(memBytes, 10)), 0644); err != nil {
			return "", fmt.Errorf("limiter: set memory.max: %w", err)
		}
	}

	weight := limits.CPUWeight
	if weight == 0 {
		weight = defaultCPUWeight
	}
	if weight < minCPUWeight || weight > maxCPUWeight {
		clamped := clamp(weight, minCPUWeight, maxCPUWeight)
		l.logger.Info("clamping cpu weight", "instance", instanceID, "requested", weight, "clamped", clamped)
		weight = clamped
	}
	if err := os.WriteFile(filepath.Join(cgPath, "cpu.weight"), []byte(strconv.Itoa(weight)), 0644); err != nil {
		return "", fmt.Errorf("limiter: set cpu.weight: %w", err)
	}

	return cgPath, nil
}

func (l *Limiter) Attach(handle string, pid int) error {
	procsPath := filepath.Join(handle, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("limiter: attach pid %d to cgroup: %w", pid, err)
	}
	return nil
}

func (l *Limiter) Remove(handle string) error {
	if err := killAll(handle); err != nil {
		l.logger.Warn("killing remaining cgroup processes failed", "cgroup", handle, "error", err)
	}
	if err := os.RemoveAll(handle); err != nil {
		return fmt.Errorf("limiter: remove cgroup %s: %w", handle, err)
	}
	return nil
}

func cgroupPath(instanceID string) string {
	return filepath.Join(cgroupRoot, sanitize(instanceID))
}

// sanitize keeps instance IDs (which may contain ':' between service and
// label) filesystem-safe.
func sanitize(id string) string {
	return strings.ReplaceAll(id, ":", "_")
}

func killAll(cgPath string) error {
	procsPath := filepath.Join(cgPath, "cgroup.procs")
	data, err := os.ReadFile(procsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cgroup.procs: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

func detectCgroupV2() error {
	var stat unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &stat); err != nil {
		return fmt.Errorf("stat /sys/fs/cgroup: %w", err)
	}
	if stat.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("cgroup v2 not mounted at /sys/fs/cgroup")
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

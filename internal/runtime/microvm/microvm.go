// Package microvm implements the microVM isolation variant: boot a guest
// kernel under Firecracker or QEMU with a vsock device bound to the
// host-side Unix socket, and require the vsock CONNECT/OK handshake
// before the instance is considered reachable (spec §4.5, §4.7, §9 VM
// open question).
//
// Grounded on the teacher's docker/client.go for the spawn/stop/artifact
// bookkeeping shape (translated from container lifecycle calls to plain
// exec.Command invocations of the configured hypervisor binary), and on
// original_source/tenement/src/hypervisor.rs for the vsock-aware
// liveness semantics (internal/vsock implements the exact handshake that
// file performs).
package microvm

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tenement-host/tenement/internal/runtime"
	"github.com/tenement-host/tenement/internal/vsock"
)

// Binaries maps a configured hypervisor name to the binary that boots it.
// Overridable for tests.
var Binaries = map[string]string{
	"firecracker": "firecracker",
	"qemu":        "qemu-system-x86_64",
}

type Runtime struct {
	apiSocketDir string
}

func New(apiSocketDir string) *Runtime {
	return &Runtime{apiSocketDir: apiSocketDir}
}

func (r *Runtime) Kind() runtime.Kind { return runtime.KindMicroVM }

func (r *Runtime) IsAvailable() bool {
	for _, bin := range Binaries {
		if _, err := exec.LookPath(bin); err == nil {
			return true
		}
	}
	return false
}

func (r *Runtime) binaryFor(hypervisorName string) (string, error) {
	if hypervisorName == "" {
		hypervisorName = "firecracker"
	}
	bin, ok := Binaries[hypervisorName]
	if !ok {
		return "", fmt.Errorf("microvm: unknown hypervisor %q", hypervisorName)
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("microvm: hypervisor binary %q not found: %w", bin, err)
	}
	return bin, nil
}

// Spawn boots a guest whose vsock device is wired to spec.Addressing's
// Unix socket. The guest workload inside is expected to listen on
// spec.VM.VsockPort; readiness is confirmed later by the hypervisor's
// health probe, which for this variant goes through internal/vsock.
func (r *Runtime) Spawn(ctx context.Context, spec runtime.LaunchSpec) (*runtime.Handle, error) {
	bin, err := r.binaryFor(spec.VM.Hypervisor)
	if err != nil {
		return nil, err
	}
	if !spec.Addressing.IsSocket() {
		return nil, fmt.Errorf("microvm: requires a unix socket address, got TCP port %d", spec.Addressing.Port)
	}
	if spec.VM.Kernel == "" || spec.VM.Rootfs == "" {
		return nil, fmt.Errorf("microvm: kernel and rootfs are required")
	}

	vmID := uuid.NewString()
	args := []string{
		"--id", vmID,
		"--kernel", spec.VM.Kernel,
		"--rootfs", spec.VM.Rootfs,
		"--vsock-path", spec.Addressing.SocketPath,
		"--vsock-port", strconv.FormatUint(uint64(spec.VM.VsockPort), 10),
		"--mem-mb", strconv.Itoa(spec.VM.MemoryMB),
		"--vcpus", strconv.Itoa(spec.VM.VCPUs),
	}

	cmd := exec.Command(bin, args...)
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("microvm: starting %s: %w", bin, err)
	}

	go cmd.Wait()

	return &runtime.Handle{
		Kind: runtime.KindMicroVM,
		PID:  cmd.Process.Pid,
		Artifacts: map[string]string{
			"vm_id":       vmID,
			"socket_path": spec.Addressing.SocketPath,
			"vsock_port":  strconv.FormatUint(uint64(spec.VM.VsockPort), 10),
		},
	}, nil
}

func (r *Runtime) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	if h == nil || h.PID == 0 {
		return nil
	}
	_ = syscall.Kill(-h.PID, syscall.SIGTERM)

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			_ = syscall.Kill(-h.PID, syscall.SIGKILL)
			return nil
		case <-ticker.C:
			if alive, _ := r.IsAlive(ctx, h); !alive {
				return nil
			}
		case <-ctx.Done():
			_ = syscall.Kill(-h.PID, syscall.SIGKILL)
			return ctx.Err()
		}
	}
}

// IsAlive checks only that the hypervisor process itself is still
// running. It does not perform the vsock handshake; that is a separate,
// heavier liveness signal the hypervisor package layers on top via
// internal/vsock for VM instances (spec §4.7).
func (r *Runtime) IsAlive(ctx context.Context, h *runtime.Handle) (bool, error) {
	if h == nil || h.PID == 0 {
		return false, nil
	}
	return syscall.Kill(h.PID, 0) == nil, nil
}

// ProbeHealth performs the vsock CONNECT/OK handshake followed by an
// HTTP health request, the readiness signal spec §4.7 requires for
// microVM instances in place of a plain TCP/socket connect.
func (r *Runtime) ProbeHealth(ctx context.Context, h *runtime.Handle, healthPath string, timeout time.Duration) error {
	if h == nil {
		return fmt.Errorf("microvm: nil handle")
	}
	socketPath := h.Artifacts["socket_path"]
	portStr := h.Artifacts["vsock_port"]
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return fmt.Errorf("microvm: invalid vsock port in handle: %w", err)
	}
	return vsock.ProbeHTTP(socketPath, uint32(port), healthPath, timeout)
}

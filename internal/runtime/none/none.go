// Package none implements runtime.Runtime with no isolation: a direct
// os/exec spawn. Used for debug or trusted co-tenants (spec §4.5).
// Grounded on the teacher's docker/client.go for the stdio-capture shape,
// translated from Docker's exec stream demultiplexing to plain os/exec
// pipes since there is no container runtime underneath this variant.
package none

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/tenement-host/tenement/internal/runtime"
)

type Runtime struct{}

func New() *Runtime { return &Runtime{} }

func (r *Runtime) Kind() runtime.Kind   { return runtime.KindNone }
func (r *Runtime) IsAvailable() bool    { return true }

func (r *Runtime) Spawn(ctx context.Context, spec runtime.LaunchSpec) (*runtime.Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	cmd.Stdout = orDiscard(spec.Stdout)
	cmd.Stderr = orDiscard(spec.Stderr)
	// Put the child in its own process group so Stop can signal the
	// whole group, not just the direct child, without namespace isolation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("none: spawning %s: %w", spec.Command, err)
	}

	go cmd.Wait() // reap in background; liveness is checked via signal(0)

	return &runtime.Handle{
		Kind:      runtime.KindNone,
		PID:       cmd.Process.Pid,
		Artifacts: map[string]string{},
	}, nil
}

func (r *Runtime) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	if h == nil || h.PID == 0 {
		return nil
	}
	pgid := -h.PID
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			return nil
		case <-ticker.C:
			if alive, _ := r.IsAlive(ctx, h); !alive {
				return nil
			}
		case <-ctx.Done():
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			return ctx.Err()
		}
	}
}

func (r *Runtime) IsAlive(ctx context.Context, h *runtime.Handle) (bool, error) {
	if h == nil || h.PID == 0 {
		return false, nil
	}
	err := syscall.Kill(h.PID, 0)
	return err == nil, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

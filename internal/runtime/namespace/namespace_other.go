//go:build !linux

package namespace

import (
	"context"
	"fmt"
	"time"

	"github.com/tenement-host/tenement/internal/runtime"
)

// Runtime is a stub on non-Linux hosts: this isolation level has no
// implementation outside Linux's namespace facility, and must fail
// construction loudly rather than silently degrade (spec §4.5).
type Runtime struct{}

func New() (*Runtime, error) {
	return nil, fmt.Errorf("namespace: PID/mount namespaces are only available on Linux")
}

func (r *Runtime) Kind() runtime.Kind { return runtime.KindNamespace }
func (r *Runtime) IsAvailable() bool  { return false }

func (r *Runtime) Spawn(ctx context.Context, spec runtime.LaunchSpec) (*runtime.Handle, error) {
	return nil, fmt.Errorf("namespace: unsupported on this platform")
}

func (r *Runtime) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	return fmt.Errorf("namespace: unsupported on this platform")
}

func (r *Runtime) IsAlive(ctx context.Context, h *runtime.Handle) (bool, error) {
	return false, fmt.Errorf("namespace: unsupported on this platform")
}

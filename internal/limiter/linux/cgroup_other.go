//go:build !linux

package linux

import (
	"fmt"
	"log/slog"

	"github.com/tenement-host/tenement/internal/limiter"
)

// Limiter is a loud no-op off Linux: cgroup-v2 has no equivalent here,
// and spec §4.5 requires failing clearly rather than pretending to limit.
type Limiter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{logger: logger}
}

func (l *Limiter) IsAvailable() bool { return false }

func (l *Limiter) Create(instanceID string, limits limiter.Limits) (string, error) {
	return "", fmt.Errorf("limiter: cgroup-v2 resource limits are only available on Linux")
}

func (l *Limiter) Attach(handle string, pid int) error {
	return fmt.Errorf("limiter: cgroup-v2 resource limits are only available on Linux")
}

func (l *Limiter) Remove(handle string) error {
	return fmt.Errorf("limiter: cgroup-v2 resource limits are only available on Linux")
}

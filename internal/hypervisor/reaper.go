package hypervisor

import (
	"context"
	"time"
)

// RunIdleReaper periodically stops instances whose idle_timeout has
// elapsed since their last real activity (spec §4.7 "Idle reaper").
// Grounded on the teacher's internal/reaper/reaper.go ticker-driven
// scan-and-act loop, translated from session expiry to per-service idle
// timeouts.
func (h *Hypervisor) RunIdleReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapIdle(ctx)
		}
	}
}

func (h *Hypervisor) reapIdle(ctx context.Context) {
	now := time.Now()

	h.mu.RLock()
	var candidates []ID
	for id, inst := range h.table {
		spec, ok := h.services[id.Service]
		if !ok || spec.IdleTimeoutSeconds <= 0 {
			continue
		}
		if inst.Status != StatusRunning {
			continue
		}
		idleFor := now.Sub(inst.LastActivity)
		if idleFor > time.Duration(spec.IdleTimeoutSeconds)*time.Second {
			candidates = append(candidates, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range candidates {
		h.logger.Info("reaping idle instance", "instance", id)
		if err := h.stopLocked(ctx, id, StatusIdleStopped); err != nil {
			h.logger.Error("idle reap failed", "instance", id, "error", err)
		}
	}
}

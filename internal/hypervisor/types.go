// Package hypervisor is the instance state machine at the center of
// Tenement: spawn/stop/restart, health monitoring, idle reaping, and
// wake-on-request coalescing over a table of running instances (spec
// §4.7). It is the single source of truth the router and control API
// consult for everything instance-shaped.
//
// Grounded on original_source/tenement/src/hypervisor.rs for the state
// machine and health/backoff semantics, and on the teacher's
// internal/session/manager.go (per-id locking to serialize operations
// on one instance), internal/pool/pool.go (RWMutex-guarded map plus
// background ticker workers) and internal/reaper/reaper.go (periodic
// scan-and-act loop) for the concurrency shape translated from Docker
// session supervision to process supervision.
package hypervisor

import (
	"time"

	"github.com/tenement-host/tenement/internal/runtime"
)

// Status is the instance's lifecycle state.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusIdleStopped Status = "idle-stopped"
	StatusRestarting  Status = "restarting"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
)

// Health is the last observed health-probe outcome.
type Health string

const (
	HealthStarting Health = "starting"
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthFailed   Health = "failed"
)

// ID identifies one instance: service name plus an opaque label.
type ID struct {
	Service string
	Label   string
}

func (id ID) String() string { return id.Service + ":" + id.Label }

// Instance is the hypervisor's mutable record of one running (or
// recently running) realization of a service.
type Instance struct {
	ID ID

	Handle     *runtime.Handle
	Addressing runtime.Addressing
	DataDir    string
	CgroupPath string

	CreatedAt    time.Time
	LastActivity time.Time

	Health Health
	Status Status

	RestartCount     int
	RestartWindowAt  time.Time
	CurrentBackoff   time.Duration
	ConsecutiveDegrs int // consecutive degraded health probes

	Weight int // 0-100

	StorageUsedBytes int64
}

// View is an immutable snapshot safe to hand out without holding the
// table lock (spec §4.7 get_and_touch / §9 "never keep a long-lived
// reference into the table").
type View struct {
	ID               ID
	Addressing       runtime.Addressing
	DataDir          string
	CreatedAt        time.Time
	LastActivity     time.Time
	Health           Health
	Status           Status
	RestartCount     int
	Weight           int
	StorageUsedBytes int64
	StorageQuotaMB   int
}

func (inst *Instance) view(quotaMB int) View {
	return View{
		ID:               inst.ID,
		Addressing:       inst.Addressing,
		DataDir:          inst.DataDir,
		CreatedAt:        inst.CreatedAt,
		LastActivity:     inst.LastActivity,
		Health:           inst.Health,
		Status:           inst.Status,
		RestartCount:     inst.RestartCount,
		Weight:           inst.Weight,
		StorageUsedBytes: inst.StorageUsedBytes,
		StorageQuotaMB:   quotaMB,
	}
}

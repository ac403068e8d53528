package hypervisor

import "errors"

// Sentinel error kinds (spec §7). Callers use errors.Is against these;
// the HTTP layer maps each to a status code.
var (
	ErrUnknownService  = errors.New("hypervisor: unknown service")
	ErrAlreadyRunning  = errors.New("hypervisor: instance already running")
	ErrNotFound        = errors.New("hypervisor: instance not found")
	ErrSpawnFailed     = errors.New("hypervisor: spawn failed")
	ErrStartupTimeout  = errors.New("hypervisor: startup timeout")
	ErrHealthTimeout   = errors.New("hypervisor: health check timeout")
	ErrConflict        = errors.New("hypervisor: conflict")
	ErrBadRequest      = errors.New("hypervisor: bad request")
)

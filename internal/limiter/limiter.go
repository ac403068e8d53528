// Package limiter attaches per-instance resource limits to a spawned
// process (spec §4.6): a memory ceiling and a relative CPU weight. The
// cgroup-v2 implementation lives in internal/limiter/linux; other
// platforms get a no-op that the daemon logs loudly about rather than
// silently ignoring (spec §4.5's "fail loud, don't silently degrade"
// principle applied here too).
//
// Grounded on internal/runtime/linux/cgroup.go (teacher), generalized
// from a session-keyed single cgroup tree to a service/instance-keyed
// one and from the teacher's CFS-quota cpu.max knob to the weighted
// cpu.weight knob the spec calls for.
package limiter

// Limits is the resource ceiling applied to one instance.
type Limits struct {
	MemoryMB int // 0 means unlimited
	// CPUWeight is the cgroup-v2 cpu.weight value, clamped to [1, 10000]
	// by the implementation; it is a relative share, not an absolute cap.
	CPUWeight int
}

// Limiter attaches and tears down resource limits for one instance at a
// time, keyed by an opaque instance ID the hypervisor controls.
type Limiter interface {
	// Create provisions whatever limiting construct this platform uses
	// and returns an opaque handle for Attach/Remove. It must be safe to
	// call even if limits are zero-valued (no-op ceilings).
	Create(instanceID string, limits Limits) (string, error)

	// Attach places pid under the limiting construct created for
	// instanceID.
	Attach(handle string, pid int) error

	// Remove tears down the limiting construct and kills any processes
	// still attached to it.
	Remove(handle string) error

	// IsAvailable reports whether this platform supports real limiting.
	IsAvailable() bool
}

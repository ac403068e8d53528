// Package runtime defines the polymorphic launch target (spec §4.5): a
// single capability set shared by four isolation variants (none,
// namespace, sandbox, microVM). The hypervisor treats all four through
// this one interface (spec §9's dynamic-dispatch design note); the
// differences live inside each variant's own package. The one place the
// hypervisor checks a handle's kind is to send microVM readiness and
// health probes through the vsock handshake.
//
// Grounded on internal/runtime/driver.go (teacher)'s Driver interface
// shape and on original_source/tenement/src/runtime/mod.rs's Runtime
// trait (spawn/runtime_type/is_available/name).
package runtime

import (
	"context"
	"io"
	"time"
)

// Kind identifies a runtime variant.
type Kind string

const (
	KindNone      Kind = "none"
	KindNamespace Kind = "namespace"
	KindSandbox   Kind = "sandbox"
	KindMicroVM   Kind = "microvm"
)

// Addressing is the addressing scheme an instance is reached by.
type Addressing struct {
	SocketPath string // set when the service uses a Unix socket
	Port       uint16 // set when the service uses loopback TCP
}

func (a Addressing) IsSocket() bool { return a.SocketPath != "" }

// VMConfig carries fields meaningful only to the microVM variant,
// kept off the generic LaunchSpec per spec §9.
type VMConfig struct {
	Kernel     string
	Rootfs     string
	MemoryMB   int
	VCPUs      int
	VsockPort  uint32
	Hypervisor string // "firecracker" or "qemu"
}

// LaunchSpec is everything a Runtime needs to start one instance.
type LaunchSpec struct {
	InstanceID string // "service:label", for logging/labeling only
	Command    string
	Args       []string
	Env        []string
	WorkDir    string
	DataDir    string
	Addressing Addressing
	VM         VMConfig

	// Stdout/Stderr receive the child's raw output lines for the log
	// plane to ingest; Runtime implementations must not block the child
	// if the sink is briefly slow (callers buffer internally).
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is what Spawn returns: enough to stop or health-check the
// instance later without re-deriving runtime-specific state.
type Handle struct {
	Kind Kind
	PID  int // 0 for VM variants without a host-visible PID

	// Artifacts carries per-runtime bookkeeping (e.g. a VM API socket
	// path, or a cgroup path assigned at a higher layer).
	Artifacts map[string]string
}

// Runtime is the single polymorphic capability every isolation variant
// implements.
type Runtime interface {
	// Spawn starts a child per spec and returns its handle. It does not
	// wait for the child to become ready to serve; that is the
	// hypervisor's job (spec §4.7 "startup readiness").
	Spawn(ctx context.Context, spec LaunchSpec) (*Handle, error)

	// Stop sends graceful termination, waits up to grace, then hard-kills.
	Stop(ctx context.Context, h *Handle, grace time.Duration) error

	// IsAlive reports whether the child is still running.
	IsAlive(ctx context.Context, h *Handle) (bool, error)

	// Kind is this variant's tag.
	Kind() Kind

	// IsAvailable reports whether this variant can be used on the current
	// host. Construction must fail loudly (spec §4.5) rather than
	// silently degrade to a different kind, so this is checked at startup
	// when the daemon builds its runtime set; the sandbox variant also
	// re-checks it on every Spawn.
	IsAvailable() bool
}

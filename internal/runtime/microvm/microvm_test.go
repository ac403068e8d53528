package microvm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenement-host/tenement/internal/runtime"
)

func TestBinaryForUnknownHypervisor(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.binaryFor("vmware")
	require.Error(t, err)
}

func TestSpawnRequiresSocketAddressing(t *testing.T) {
	prev := Binaries
	Binaries = map[string]string{"firecracker": "true"}
	defer func() { Binaries = prev }()

	r := New(t.TempDir())
	spec := runtime.LaunchSpec{
		VM: runtime.VMConfig{Hypervisor: "firecracker", Kernel: "k", Rootfs: "r"},
		Addressing: runtime.Addressing{Port: 9000},
	}
	_, err := r.Spawn(context.Background(), spec)
	require.Error(t, err)
}

func TestSpawnRequiresKernelAndRootfs(t *testing.T) {
	prev := Binaries
	Binaries = map[string]string{"firecracker": "true"}
	defer func() { Binaries = prev }()

	r := New(t.TempDir())
	spec := runtime.LaunchSpec{
		VM:         runtime.VMConfig{Hypervisor: "firecracker"},
		Addressing: runtime.Addressing{SocketPath: filepath.Join(t.TempDir(), "vm.sock")},
	}
	_, err := r.Spawn(context.Background(), spec)
	require.Error(t, err)
}

func TestIsAliveOnNilHandle(t *testing.T) {
	r := New(t.TempDir())
	alive, err := r.IsAlive(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestProbeHealthRejectsInvalidPort(t *testing.T) {
	r := New(t.TempDir())
	h := &runtime.Handle{Artifacts: map[string]string{"socket_path": "x", "vsock_port": "not-a-number"}}
	err := r.ProbeHealth(context.Background(), h, "/healthz", 0)
	require.Error(t, err)
}

package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tenement-host/tenement/internal/runtime"
)

// writeFakeRunner writes a stand-in for runsc: it accepts "run --bundle <dir> <id>"
// and "kill <id>", exiting 0 either way, so tests don't depend on gVisor
// being installed.
func writeFakeRunner(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-runsc.sh")
	script := "#!/bin/sh\ncase \"$1\" in\n  run) sleep 5 & exit 0 ;;\n  kill) exit 0 ;;\n  *) exit 0 ;;\nesac\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestSpawnWritesBundleAndInvokesRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("requires a POSIX shell")
	}
	prevBinary := RunnerBinary
	RunnerBinary = writeFakeRunner(t)
	defer func() { RunnerBinary = prevBinary }()

	bundleRoot := t.TempDir()
	r := New(bundleRoot)
	require.True(t, r.IsAvailable())
	require.Equal(t, runtime.KindSandbox, r.Kind())

	spec := runtime.LaunchSpec{
		Command:    "echo",
		Args:       []string{"hi"},
		Addressing: runtime.Addressing{SocketPath: filepath.Join(t.TempDir(), "instance.sock")},
	}

	h, err := r.Spawn(context.Background(), spec)
	require.NoError(t, err)
	require.NotEmpty(t, h.Artifacts["bundle_dir"])

	bundleFile := filepath.Join(h.Artifacts["bundle_dir"], "config.json")
	require.FileExists(t, bundleFile)

	err = r.Stop(context.Background(), h, time.Second)
	require.NoError(t, err)
	require.NoDirExists(t, h.Artifacts["bundle_dir"])
}

func TestIsAliveOnNilHandle(t *testing.T) {
	r := New(t.TempDir())
	alive, err := r.IsAlive(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestSpawnFailsWhenRunnerMissing(t *testing.T) {
	prevBinary := RunnerBinary
	RunnerBinary = "no-such-runner-binary-xyz"
	defer func() { RunnerBinary = prevBinary }()

	r := New(t.TempDir())
	require.False(t, r.IsAvailable())
	_, err := r.Spawn(context.Background(), runtime.LaunchSpec{Command: "echo"})
	require.Error(t, err)
}

package none

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tenement-host/tenement/internal/runtime"
)

func TestSpawnStopLifecycle(t *testing.T) {
	r := New()
	require.True(t, r.IsAvailable())
	require.Equal(t, runtime.KindNone, r.Kind())

	var stdout bytes.Buffer
	spec := runtime.LaunchSpec{
		Command: "sleep",
		Args:    []string{"5"},
		Stdout:  &stdout,
	}

	h, err := r.Spawn(context.Background(), spec)
	require.NoError(t, err)
	require.NotZero(t, h.PID)

	alive, err := r.IsAlive(context.Background(), h)
	require.NoError(t, err)
	require.True(t, alive)

	err = r.Stop(context.Background(), h, 2*time.Second)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	alive, err = r.IsAlive(context.Background(), h)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestIsAliveOnNilHandle(t *testing.T) {
	r := New()
	alive, err := r.IsAlive(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestSpawnUnknownCommandErrors(t *testing.T) {
	r := New()
	_, err := r.Spawn(context.Background(), runtime.LaunchSpec{Command: "no-such-binary-xyz"})
	require.Error(t, err)
}

package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenement-host/tenement/internal/config"
	"github.com/tenement-host/tenement/internal/portalloc"
)

func TestMaterializeAddressingSocketInterpolatesTemplate(t *testing.T) {
	h := &Hypervisor{socketDir: t.TempDir(), ports: portalloc.New()}
	spec := &config.ServiceSpec{Name: "api", Addressing: config.Addressing{SocketTemplate: "{name}-{id}.sock"}}

	addr, release, err := h.materializeAddressing(spec, ID{Service: "api", Label: "prod"})
	require.NoError(t, err)
	require.Nil(t, release)
	require.Contains(t, addr.SocketPath, "api-prod.sock")
}

func TestMaterializeAddressingTCPAllocatesPort(t *testing.T) {
	h := &Hypervisor{socketDir: t.TempDir(), ports: portalloc.New()}
	spec := &config.ServiceSpec{Name: "api", Addressing: config.Addressing{TCP: true}}

	addr, release, err := h.materializeAddressing(spec, ID{Service: "api", Label: "prod"})
	require.NoError(t, err)
	require.NotZero(t, addr.Port)
	require.NotNil(t, release)

	release()
	require.False(t, h.ports.InUse(addr.Port))
}

func TestInterpolateReplacesAllPlaceholders(t *testing.T) {
	out := interpolate("{name}/{id}/{data_dir}", map[string]string{"name": "a", "id": "b", "data_dir": "/d"})
	require.Equal(t, "a/b//d", out)
}

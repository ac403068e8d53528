package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.Listen)
	require.Equal(t, 10, cfg.HealthCheckIntervalSeconds)
	require.Equal(t, IsolationNamespace, cfg.DefaultRuntime)
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenement.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9090\nbase_domain: example.com\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.Listen)
	require.Equal(t, "example.com", cfg.BaseDomain)
	// unspecified fields keep their defaults
	require.Equal(t, 5, cfg.StopGraceSeconds)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.Listen)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TENEMENT_LISTEN", "10.0.0.1:1234")
	t.Setenv("TENEMENT_DEFAULT_RUNTIME", "sandbox")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:1234", cfg.Listen)
	require.Equal(t, IsolationSandbox, cfg.DefaultRuntime)
}

func TestParseIsolationLevel(t *testing.T) {
	cases := map[string]IsolationLevel{
		"":            IsolationNamespace,
		"namespace":   IsolationNamespace,
		"NONE":        IsolationNone,
		"process":     IsolationNone,
		"sandbox":     IsolationSandbox,
		"gvisor":      IsolationSandbox,
		"firecracker": IsolationMicroVM,
		"QEMU":        IsolationMicroVM,
		"microvm":     IsolationMicroVM,
	}
	for in, want := range cases {
		got, err := ParseIsolationLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseIsolationLevel("bogus")
	require.Error(t, err)
}

func TestLoadServices(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api.yaml"), []byte(`
name: api
command: echo-server
args: ["--socket", "{socket}"]
health_path: /health
addressing:
  socket_template: "{data_dir}/{name}-{id}.sock"
idle_timeout_seconds: 0
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not yaml"), 0644))

	specs, err := LoadServices(dir)
	require.NoError(t, err)
	require.Len(t, specs, 1)

	api := specs["api"]
	require.NotNil(t, api)
	require.Equal(t, "echo-server", api.Command)
	require.Equal(t, 10, api.StartupTimeoutSeconds) // default applied
	require.Equal(t, RestartOnFailure, api.RestartPolicy)
	require.Equal(t, int64(500), api.BaseBackoffMs)
}

func TestLoadServicesMissingDir(t *testing.T) {
	specs, err := LoadServices(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Empty(t, specs)
}

func TestLoadServicesRequiresName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("command: foo\n"), 0644))

	_, err := LoadServices(dir)
	require.Error(t, err)
}

package hypervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tenement-host/tenement/internal/config"
	"github.com/tenement-host/tenement/internal/logplane"
	"github.com/tenement-host/tenement/internal/metrics"
	"github.com/tenement-host/tenement/internal/portalloc"
	"github.com/tenement-host/tenement/internal/runtime"
	"github.com/tenement-host/tenement/internal/store"
)

// fakeRuntime is an in-process stand-in for a real runtime.Runtime: it
// starts a goroutine HTTP server listening on the requested Unix socket
// instead of forking a child process, so the state-machine tests don't
// depend on any real launch target.
type fakeRuntime struct {
	servers map[string]*httptest.Server
	fail    bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{servers: make(map[string]*httptest.Server)}
}

func (f *fakeRuntime) Kind() runtime.Kind { return runtime.KindNone }
func (f *fakeRuntime) IsAvailable() bool  { return true }

func (f *fakeRuntime) Spawn(ctx context.Context, spec runtime.LaunchSpec) (*runtime.Handle, error) {
	if f.fail {
		return nil, fmt.Errorf("fake spawn failure")
	}
	if !spec.Addressing.IsSocket() {
		return nil, fmt.Errorf("fake runtime only supports socket addressing")
	}

	l, err := net.Listen("unix", spec.Addressing.SocketPath)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &httptest.Server{Listener: l, Config: &http.Server{Handler: mux}}
	srv.Start()
	f.servers[spec.Addressing.SocketPath] = srv

	return &runtime.Handle{Kind: runtime.KindNone, PID: 1, Artifacts: map[string]string{"socket": spec.Addressing.SocketPath}}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	if h == nil {
		return nil
	}
	if srv, ok := f.servers[h.Artifacts["socket"]]; ok {
		srv.Close()
		delete(f.servers, h.Artifacts["socket"])
	}
	return nil
}

func (f *fakeRuntime) IsAlive(ctx context.Context, h *runtime.Handle) (bool, error) {
	if h == nil {
		return false, nil
	}
	_, ok := f.servers[h.Artifacts["socket"]]
	return ok, nil
}

func newTestHypervisor(t *testing.T, spec *config.ServiceSpec, rt *fakeRuntime) *Hypervisor {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tenement.db")
	st, err := store.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logs := logplane.New(st, 100, nil)

	services := map[string]*config.ServiceSpec{spec.Name: spec}
	runtimes := Runtimes{config.IsolationNone: rt}

	return New(services, runtimes, nil, portalloc.New(), logs, metrics.New(), nil, Config{
		SocketDir:           filepath.Join(dir, "sockets"),
		DataDir:             filepath.Join(dir, "data"),
		HealthCheckInterval: time.Second,
		StopGrace:           time.Second,
	})
}

func baseSpec(name string) *config.ServiceSpec {
	return &config.ServiceSpec{
		Name:                  name,
		Command:               "irrelevant-for-fake-runtime",
		Isolation:             config.IsolationNone,
		HealthPath:            "/health",
		StartupTimeoutSeconds: 5,
		RestartPolicy:         config.RestartOnFailure,
		MaxRestarts:           3,
		RestartWindowSeconds:  60,
		BaseBackoffMs:         10,
		MaxBackoffMs:          1000,
		Addressing:            config.Addressing{SocketTemplate: "{name}-{id}.sock"},
	}
}

func TestSpawnReachesRunningAndHealthy(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	addr, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)
	require.NotEmpty(t, addr.SocketPath)

	view, ok := h.Get(ID{Service: "api", Label: "prod"})
	require.True(t, ok)
	require.Equal(t, StatusRunning, view.Status)
	require.Equal(t, HealthHealthy, view.Health)
}

func TestSpawnRejectsDuplicateID(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	_, err = h.Spawn(context.Background(), "api", "prod")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSpawnUnknownServiceErrors(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	_, err := h.Spawn(context.Background(), "nope", "prod")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestStopIsIdempotentAndRemovesSocket(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	view, _ := h.Get(ID{Service: "api", Label: "prod"})
	socketPath := view.Addressing.SocketPath

	require.NoError(t, h.Stop(context.Background(), ID{Service: "api", Label: "prod"}))
	require.NoFileExists(t, socketPath)

	// idempotent: stopping again is a no-op, not an error
	require.NoError(t, h.Stop(context.Background(), ID{Service: "api", Label: "prod"}))

	_, ok := h.Get(ID{Service: "api", Label: "prod"})
	require.False(t, ok)
}

func TestTouchActivityUpdatesLastActivity(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	before, _ := h.Get(ID{Service: "api", Label: "prod"})
	time.Sleep(5 * time.Millisecond)
	h.TouchActivity(ID{Service: "api", Label: "prod"})
	after, _ := h.Get(ID{Service: "api", Label: "prod"})

	require.True(t, after.LastActivity.After(before.LastActivity))
}

func TestGetAndTouchUpdatesLastActivity(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	before, ok := h.Get(ID{Service: "api", Label: "prod"})
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	view, ok := h.GetAndTouch(ID{Service: "api", Label: "prod"})
	require.True(t, ok)
	require.True(t, view.LastActivity.After(before.LastActivity))
}

func TestSetWeightValidatesRange(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	require.Error(t, h.SetWeight(ID{Service: "api", Label: "prod"}, 101))
	require.Error(t, h.SetWeight(ID{Service: "api", Label: "prod"}, -1))
	require.NoError(t, h.SetWeight(ID{Service: "api", Label: "prod"}, 50))

	view, _ := h.Get(ID{Service: "api", Label: "prod"})
	require.Equal(t, 50, view.Weight)
}

func TestSpawnAndWaitCoalescesConcurrentCallers(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.SpawnAndWait(context.Background(), "api", "prod")
			results <- err
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}

	view, ok := h.Get(ID{Service: "api", Label: "prod"})
	require.True(t, ok)
	require.Equal(t, StatusRunning, view.Status)
}

func TestIdleReaperStopsExpiredInstances(t *testing.T) {
	rt := newFakeRuntime()
	spec := baseSpec("api")
	spec.IdleTimeoutSeconds = 1
	h := newTestHypervisor(t, spec, rt)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	h.mu.Lock()
	h.table[ID{Service: "api", Label: "prod"}].LastActivity = time.Now().Add(-2 * time.Second)
	h.mu.Unlock()

	h.reapIdle(context.Background())

	_, ok := h.Get(ID{Service: "api", Label: "prod"})
	require.False(t, ok)
}

func TestIdleReaperLeavesFreshInstancesAlone(t *testing.T) {
	rt := newFakeRuntime()
	spec := baseSpec("api")
	spec.IdleTimeoutSeconds = 60
	h := newTestHypervisor(t, spec, rt)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	h.reapIdle(context.Background())

	_, ok := h.Get(ID{Service: "api", Label: "prod"})
	require.True(t, ok)
}

func TestRestartBudgetExhaustionTransitionsToFailed(t *testing.T) {
	rt := newFakeRuntime()
	rt.fail = true
	spec := baseSpec("bad")
	spec.MaxRestarts = 2
	spec.BaseBackoffMs = 1
	spec.MaxBackoffMs = 5
	h := newTestHypervisor(t, spec, rt)

	id := ID{Service: "bad", Label: "x"}
	h.mu.Lock()
	h.table[id] = &Instance{ID: id, Status: StatusRunning, Health: HealthFailed, CreatedAt: time.Now(), LastActivity: time.Now()}
	h.mu.Unlock()

	_ = h.Restart(context.Background(), id)
	_ = h.Restart(context.Background(), id)
	err := h.Restart(context.Background(), id)
	require.Error(t, err)

	view, ok := h.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusFailed, view.Status)
}

func TestRunningByServiceExcludesZeroWeightAndFailed(t *testing.T) {
	rt := newFakeRuntime()
	h := newTestHypervisor(t, baseSpec("api"), rt)

	_, err := h.Spawn(context.Background(), "api", "v1")
	require.NoError(t, err)
	_, err = h.Spawn(context.Background(), "api", "v2")
	require.NoError(t, err)

	require.NoError(t, h.SetWeight(ID{Service: "api", Label: "v2"}, 0))

	running := h.RunningByService("api")
	require.Len(t, running, 1)
	require.Equal(t, "v1", running[0].ID.Label)
}

func TestNextBackoffClampsToMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second
	require.Equal(t, base, nextBackoff(base, max, 0))
	require.Equal(t, 2*base, nextBackoff(base, max, 1))
	require.Equal(t, max, nextBackoff(base, max, 10))
}

func TestBuildEnvInterpolatesPlaceholders(t *testing.T) {
	spec := baseSpec("api")
	spec.Env = map[string]string{"GREETING": "hello-{name}-{id}"}
	id := ID{Service: "api", Label: "prod"}
	env := buildEnv(spec, id, "/data/api/prod", runtime.Addressing{SocketPath: "/tmp/x.sock"})

	require.Contains(t, env, "GREETING=hello-api-prod")
	require.Contains(t, env, "SOCKET_PATH=/tmp/x.sock")
}

func TestBuildEnvUsesPortWhenTCP(t *testing.T) {
	spec := baseSpec("api")
	id := ID{Service: "api", Label: "prod"}
	env := buildEnv(spec, id, "/data", runtime.Addressing{Port: 31000})
	require.Contains(t, env, "PORT=31000")
}

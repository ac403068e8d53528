// Package sandbox implements the syscall-filtering isolation variant:
// launch via an external runner (e.g. gVisor's runsc) consuming an
// OCI-like bundle generated on the fly from the LaunchSpec, with the
// host socket directory bind-mounted in (spec §4.5).
//
// Grounded on bureau-foundation-bureau's SandboxSpec (the JSON-bundle
// shape passed from a daemon to an external launcher process). The
// bundle carries the process (args, cwd, env) and the socket-directory
// bind mount only; it has no resource-limit section.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tenement-host/tenement/internal/runtime"
)

// RunnerBinary is the external syscall-filtering runner invoked per
// instance. Overridable for tests.
var RunnerBinary = "runsc"

// bundle mirrors the handful of OCI runtime-spec fields the runner
// actually needs; it is not a full OCI bundle implementation.
type bundle struct {
	Process struct {
		Args []string `json:"args"`
		Cwd  string    `json:"cwd"`
		Env  []string  `json:"env"`
	} `json:"process"`
	Mounts []struct {
		Destination string   `json:"destination"`
		Source      string   `json:"source"`
		Options     []string `json:"options"`
	} `json:"mounts"`
}

type Runtime struct {
	bundleRoot string
}

func New(bundleRoot string) *Runtime {
	return &Runtime{bundleRoot: bundleRoot}
}

func (r *Runtime) Kind() runtime.Kind { return runtime.KindSandbox }

func (r *Runtime) IsAvailable() bool {
	_, err := exec.LookPath(RunnerBinary)
	return err == nil
}

func (r *Runtime) Spawn(ctx context.Context, spec runtime.LaunchSpec) (*runtime.Handle, error) {
	if !r.IsAvailable() {
		return nil, fmt.Errorf("sandbox: runner binary %q not found in PATH", RunnerBinary)
	}

	bundleDir := filepath.Join(r.bundleRoot, uuid.NewString())
	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return nil, fmt.Errorf("sandbox: creating bundle dir: %w", err)
	}

	var b bundle
	b.Process.Args = append([]string{spec.Command}, spec.Args...)
	b.Process.Cwd = spec.WorkDir
	b.Process.Env = spec.Env

	socketDir := filepath.Dir(spec.Addressing.SocketPath)
	if spec.Addressing.IsSocket() && socketDir != "" {
		b.Mounts = append(b.Mounts, struct {
			Destination string   `json:"destination"`
			Source      string   `json:"source"`
			Options     []string `json:"options"`
		}{Destination: socketDir, Source: socketDir, Options: []string{"bind", "rw"}})
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("sandbox: encoding bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), data, 0644); err != nil {
		return nil, fmt.Errorf("sandbox: writing bundle: %w", err)
	}

	containerID := "tenement-" + filepath.Base(bundleDir)
	cmd := exec.CommandContext(ctx, RunnerBinary, "run", "--bundle", bundleDir, containerID)
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: starting %s: %w", RunnerBinary, err)
	}

	go cmd.Wait()

	return &runtime.Handle{
		Kind: runtime.KindSandbox,
		PID:  cmd.Process.Pid,
		Artifacts: map[string]string{
			"bundle_dir":   bundleDir,
			"container_id": containerID,
		},
	}, nil
}

func (r *Runtime) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	if h == nil {
		return nil
	}
	containerID := h.Artifacts["container_id"]
	if containerID != "" {
		killCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		_ = exec.CommandContext(killCtx, RunnerBinary, "kill", containerID).Run()
	}
	if h.PID != 0 {
		_ = syscall.Kill(-h.PID, syscall.SIGKILL)
	}
	if dir := h.Artifacts["bundle_dir"]; dir != "" {
		_ = os.RemoveAll(dir)
	}
	return nil
}

func (r *Runtime) IsAlive(ctx context.Context, h *runtime.Handle) (bool, error) {
	if h == nil || h.PID == 0 {
		return false, nil
	}
	return syscall.Kill(h.PID, 0) == nil, nil
}

// Package config loads the daemon's operational settings and the set of
// service definitions it supervises. Service definitions are themselves
// produced by an external TOML loader (out of scope); this package owns
// only the typed shape those definitions take once resolved to YAML, plus
// the daemon's own listen/storage/runtime knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RestartPolicy controls whether a failed instance is restarted.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// IsolationLevel selects the runtime variant used to launch an instance.
type IsolationLevel string

const (
	IsolationNone      IsolationLevel = "none"
	IsolationNamespace IsolationLevel = "namespace"
	IsolationSandbox   IsolationLevel = "sandbox"
	IsolationMicroVM   IsolationLevel = "microvm"
)

// ParseIsolationLevel is case-insensitive and folds the legacy "gvisor",
// "firecracker" and "qemu" spellings into their generic counterparts, per
// original_source/tenement/src/runtime/mod.rs's RuntimeType::from_str.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToLower(s) {
	case "", "namespace":
		return IsolationNamespace, nil
	case "none", "process":
		return IsolationNone, nil
	case "sandbox", "gvisor":
		return IsolationSandbox, nil
	case "microvm", "firecracker", "qemu":
		return IsolationMicroVM, nil
	default:
		return "", fmt.Errorf("config: unknown isolation level %q", s)
	}
}

// ResourceLimits are optional per-instance cgroup-v2 limits.
type ResourceLimits struct {
	MemoryMB  int `yaml:"memory_mb"`
	CPUWeight int `yaml:"cpu_weight"`
}

// VMSpec carries fields meaningful only to the microVM runtime variant.
// They live here, off the generic launch path, per spec §9's dynamic-
// dispatch design note.
type VMSpec struct {
	Kernel    string `yaml:"kernel"`
	Rootfs    string `yaml:"rootfs"`
	MemoryMB  int    `yaml:"memory_mb"`
	VCPUs     int    `yaml:"vcpus"`
	VsockPort uint32 `yaml:"vsock_port"`
	// Hypervisor selects the concrete VMM binary (firecracker, qemu); both
	// fold into IsolationMicroVM and differ only here.
	Hypervisor string `yaml:"hypervisor"`
}

// Addressing selects how an instance is reached: a Unix socket path
// template, or an auto-allocated loopback TCP port.
type Addressing struct {
	SocketTemplate string `yaml:"socket_template"`
	TCP            bool   `yaml:"tcp"`
}

// ServiceSpec is immutable for the process lifetime once loaded.
type ServiceSpec struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	WorkDir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	Addressing  Addressing        `yaml:"addressing"`
	HealthPath  string            `yaml:"health_path"`
	StartupTimeoutSeconds int         `yaml:"startup_timeout_seconds"`
	IdleTimeoutSeconds    int         `yaml:"idle_timeout_seconds"`
	RestartPolicy         RestartPolicy `yaml:"restart_policy"`
	MaxRestarts           int         `yaml:"max_restarts"`
	RestartWindowSeconds  int         `yaml:"restart_window_seconds"`
	BaseBackoffMs         int64       `yaml:"base_backoff_ms"`
	MaxBackoffMs          int64       `yaml:"max_backoff_ms"`
	Isolation             IsolationLevel `yaml:"isolation"`
	Limits                ResourceLimits `yaml:"limits"`
	StorageQuotaMB        int         `yaml:"storage_quota_mb"`
	PersistOnStop         bool        `yaml:"persist_on_stop"`
	VM                    VMSpec      `yaml:"vm"`
	// DefaultLabel, if set, is woken by weighted routing when no eligible
	// weighted instance exists (DESIGN.md open question #1).
	DefaultLabel string `yaml:"default_label"`
}

func (s *ServiceSpec) applyDefaults() {
	if s.StartupTimeoutSeconds == 0 {
		s.StartupTimeoutSeconds = 10
	}
	if s.RestartPolicy == "" {
		s.RestartPolicy = RestartOnFailure
	}
	if s.MaxRestarts == 0 {
		s.MaxRestarts = 3
	}
	if s.RestartWindowSeconds == 0 {
		s.RestartWindowSeconds = 300
	}
	if s.BaseBackoffMs == 0 {
		s.BaseBackoffMs = 500
	}
	if s.MaxBackoffMs == 0 {
		s.MaxBackoffMs = 30000
	}
	if s.Isolation == "" {
		s.Isolation = IsolationNamespace
	}
	if s.VM.MemoryMB == 0 {
		s.VM.MemoryMB = 128
	}
	if s.VM.VCPUs == 0 {
		s.VM.VCPUs = 1
	}
	if s.VM.VsockPort == 0 {
		s.VM.VsockPort = 5000
	}
}

// Config is the daemon's own operational configuration.
type Config struct {
	Listen               string `yaml:"listen"`
	ControlDomain         string `yaml:"control_domain"`
	BaseDomain            string `yaml:"base_domain"`
	DataDir               string `yaml:"data_dir"`
	SocketDir             string `yaml:"socket_dir"`
	DBPath                string `yaml:"db_path"`
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`
	StopGraceSeconds      int    `yaml:"stop_grace_seconds"`
	DefaultRuntime        IsolationLevel `yaml:"default_runtime"`
	LogRingCapacity       int    `yaml:"log_ring_capacity"`
	LogRetentionCount     int    `yaml:"log_retention_count"`
	ServicesDir           string `yaml:"services_dir"`
}

// Load reads the daemon config: defaults, then an optional YAML file
// overlay, then SANDKASTEN-style env overrides (renamed TENEMENT_*).
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:                     "0.0.0.0:8080",
		ControlDomain:              "control.tenement.local",
		BaseDomain:                 "tenement.local",
		DataDir:                    "/var/lib/tenement",
		SocketDir:                  "/tmp/tenement",
		DBPath:                     "/var/lib/tenement/tenement.db",
		HealthCheckIntervalSeconds: 10,
		StopGraceSeconds:           5,
		DefaultRuntime:             IsolationNamespace,
		LogRingCapacity:            4000,
		LogRetentionCount:          200000,
		ServicesDir:                "/etc/tenement/services.d",
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TENEMENT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("TENEMENT_CONTROL_DOMAIN"); v != "" {
		cfg.ControlDomain = v
	}
	if v := os.Getenv("TENEMENT_BASE_DOMAIN"); v != "" {
		cfg.BaseDomain = v
	}
	if v := os.Getenv("TENEMENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TENEMENT_SOCKET_DIR"); v != "" {
		cfg.SocketDir = v
	}
	if v := os.Getenv("TENEMENT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TENEMENT_HEALTH_CHECK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckIntervalSeconds = n
		}
	}
	if v := os.Getenv("TENEMENT_STOP_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StopGraceSeconds = n
		}
	}
	if v := os.Getenv("TENEMENT_DEFAULT_RUNTIME"); v != "" {
		if lvl, err := ParseIsolationLevel(v); err == nil {
			cfg.DefaultRuntime = lvl
		}
	}
	if v := os.Getenv("TENEMENT_LOG_RING_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LogRingCapacity = n
		}
	}
	if v := os.Getenv("TENEMENT_SERVICES_DIR"); v != "" {
		cfg.ServicesDir = v
	}
}

// LoadServices reads every *.yaml document in dir as a ServiceSpec. This
// stands in for the external TOML loader's output contract: whatever
// produces service definitions in production is expected to render them
// into this shape.
func LoadServices(dir string) (map[string]*ServiceSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*ServiceSpec{}, nil
		}
		return nil, fmt.Errorf("config: read services dir %s: %w", dir, err)
	}

	specs := make(map[string]*ServiceSpec)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read service file %s: %w", path, err)
		}
		var spec ServiceSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("config: parse service file %s: %w", path, err)
		}
		if spec.Name == "" {
			return nil, fmt.Errorf("config: service file %s missing name", path)
		}
		spec.applyDefaults()
		specs[spec.Name] = &spec
	}
	return specs, nil
}

// Command tenementd is the Tenement daemon entrypoint: it loads
// configuration, wires every collaborator, and serves the combined
// proxy/control-API listener until a shutdown signal arrives.
//
// Grounded on the teacher's cmd/sandkasten/main.go: flag-parsed config
// path, slog text handler to stdout, store-open-with-deferred-Close,
// context.WithCancel paired with signal.Notify(SIGTERM, SIGINT), and
// http.Server.Shutdown with a bounded grace window.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenement-host/tenement/internal/auth"
	"github.com/tenement-host/tenement/internal/config"
	"github.com/tenement-host/tenement/internal/hypervisor"
	"github.com/tenement-host/tenement/internal/limiter"
	limiterlinux "github.com/tenement-host/tenement/internal/limiter/linux"
	"github.com/tenement-host/tenement/internal/logplane"
	"github.com/tenement-host/tenement/internal/metrics"
	"github.com/tenement-host/tenement/internal/portalloc"
	"github.com/tenement-host/tenement/internal/router"
	"github.com/tenement-host/tenement/internal/runtime/microvm"
	"github.com/tenement-host/tenement/internal/runtime/namespace"
	"github.com/tenement-host/tenement/internal/runtime/none"
	"github.com/tenement-host/tenement/internal/runtime/sandbox"
	"github.com/tenement-host/tenement/internal/store"
)

// Exit codes are the semantic classes spec §6 assigns to the CLI
// boundary; internal error kinds map down to these on the way out.
const (
	exitOK              = 0
	exitGeneral         = 1
	exitConfig          = 2
	exitInstanceMissing = 3
	exitAlreadyRunning  = 4
	exitTimeout         = 5
	exitPermission      = 6
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "path to tenement.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return exitConfig
	}

	services, err := config.LoadServices(cfg.ServicesDir)
	if err != nil {
		logger.Error("load services", "error", err)
		return exitConfig
	}
	logger.Info("loaded services", "count", len(services), "dir", cfg.ServicesDir)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return exitGeneral
	}
	defer st.Close()

	met := metrics.New()
	logs := logplane.New(st, cfg.LogRingCapacity, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logs.Run(ctx)

	tokens := auth.NewTokenStore(st, logger)
	seedDevToken(tokens, logger)

	lim := buildLimiter(logger)
	runtimes := buildRuntimes(cfg, logger)

	hv := hypervisor.New(services, runtimes, lim, portalloc.New(), logs, met, logger, hypervisor.Config{
		SocketDir:           cfg.SocketDir,
		DataDir:             cfg.DataDir,
		HealthCheckInterval: time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second,
		StopGrace:           time.Duration(cfg.StopGraceSeconds) * time.Second,
	})

	go hv.RunHealthMonitor(ctx)
	go hv.RunIdleReaper(ctx, time.Duration(cfg.HealthCheckIntervalSeconds)*time.Second)
	go runRotation(ctx, st, cfg.LogRetentionCount, logger)

	srv := router.NewServer(hv, tokens, logs, met, logger, router.Config{
		ControlDomain: cfg.ControlDomain,
		BaseDomain:    cfg.BaseDomain,
	})

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // proxied responses and SSE streams may run indefinitely
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.StopGraceSeconds)*time.Second+5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		for _, v := range hv.List() {
			if err := hv.Stop(shutdownCtx, v.ID); err != nil {
				logger.Warn("stopping instance during shutdown", "instance", v.ID.String(), "error", err)
			}
		}
	}()

	logger.Info("listening", "addr", cfg.Listen, "control_domain", cfg.ControlDomain, "base_domain", cfg.BaseDomain)
	fmt.Fprintf(os.Stderr, "\n  tenement daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return exitGeneral
	}
	return exitOK
}

// buildRuntimes constructs every isolation variant available on this
// host. A variant whose construction fails is simply omitted rather than
// aborting startup: only services actually configured to use it fail,
// loudly, at spawn time (spec §4.5).
func buildRuntimes(cfg *config.Config, logger *slog.Logger) hypervisor.Runtimes {
	runtimes := hypervisor.Runtimes{
		config.IsolationNone: none.New(),
	}

	if ns, err := namespace.New(); err != nil {
		logger.Warn("namespace runtime unavailable", "error", err)
	} else {
		runtimes[config.IsolationNamespace] = ns
	}

	sb := sandbox.New(cfg.DataDir + "/.bundles")
	if sb.IsAvailable() {
		runtimes[config.IsolationSandbox] = sb
	} else {
		logger.Warn("sandbox runtime unavailable: runner binary not found in PATH")
	}

	vm := microvm.New(cfg.SocketDir + "/.microvm")
	if vm.IsAvailable() {
		runtimes[config.IsolationMicroVM] = vm
	} else {
		logger.Warn("microvm runtime unavailable: no supported hypervisor binary found in PATH")
	}

	return runtimes
}

// buildLimiter wires the cgroup-v2 limiter on Linux hosts, falling back
// to a loud-failing stub elsewhere (spec §4.6).
func buildLimiter(logger *slog.Logger) limiter.Limiter {
	lim := limiterlinux.New(logger)
	if !lim.IsAvailable() {
		logger.Warn("resource limiter unavailable on this host: per-instance cgroup limits will be skipped")
	}
	return lim
}

// runRotation periodically trims the log table against the configured
// retention count (spec §4.2).
func runRotation(ctx context.Context, st *store.Store, maxCount int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Rotate(30*24*time.Hour, maxCount); err != nil {
				logger.Warn("log rotation failed", "error", err)
			}
		}
	}
}

// seedDevToken issues a bootstrap token and prints it once if the token
// store is empty, so a freshly installed daemon is reachable without a
// separate provisioning step. Production deployments are expected to
// issue and distribute their own tokens via the token store thereafter.
func seedDevToken(tokens *auth.TokenStore, logger *slog.Logger) {
	existing, err := tokens.List()
	if err != nil {
		logger.Warn("listing tokens at startup", "error", err)
		return
	}
	if len(existing) > 0 {
		return
	}
	plaintext, id, err := tokens.Issue("bootstrap", nil)
	if err != nil {
		logger.Warn("issuing bootstrap token", "error", err)
		return
	}
	fmt.Fprintf(os.Stderr, "\n  no tokens found — issued bootstrap token %s:\n  %s\n\n", id, plaintext)
}

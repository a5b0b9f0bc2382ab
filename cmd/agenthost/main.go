package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agenthost/internal/agent"
	"github.com/basket/agenthost/internal/audit"
	"github.com/basket/agenthost/internal/bus"
	"github.com/basket/agenthost/internal/config"
	"github.com/basket/agenthost/internal/cron"
	"github.com/basket/agenthost/internal/gateway"
	otelPkg "github.com/basket/agenthost/internal/otel"
	"github.com/basket/agenthost/internal/persistence"
	"github.com/basket/agenthost/internal/plugins"
	"github.com/basket/agenthost/internal/scheduler"
	"github.com/basket/agenthost/internal/secrets"
	"github.com/basket/agenthost/internal/telemetry"
)

const codecCacheSize = 64

func printUsage() {
	fmt.Fprintf(os.Stderr, `AgentHost - agent lifecycle and task scheduling daemon

USAGE:
  %s                  Start the daemon
  %s status           Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTHOST_HOME          Data directory (default: ~/.agenthost)
  AGENTHOST_AUTH_TOKEN    Gateway bearer token (default: <home>/auth.token)
  AGENTHOST_SECRET_SALT   Secret encryption salt (default: <home>/secret.salt)
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
	}

	// Audit first so logger init failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(flushCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(persistence.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "driver", store.Dialect())

	salt, err := loadSecretSalt(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_SECRET_SALT", err)
	}
	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}
	codec, err := secrets.NewCodec(codecCacheSize)
	if err != nil {
		fatalStartup(logger, "E_CODEC_INIT", err)
	}

	registry := agent.NewRegistry()
	sched := scheduler.New(scheduler.Config{
		Store:          store,
		Bus:            eventBus,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         otelProvider.Tracer,
		TickInterval:   cfg.Scheduler.TickInterval(),
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
	})
	mgr, err := agent.NewManager(agent.Options{
		Store:    store,
		Registry: registry,
		Codec:    codec,
		Salt:     salt,
		Plugins: []agent.Plugin{
			plugins.NewHeartbeat(sched, store, eventBus, logger),
			plugins.NewPoller(sched, store, registry, logger),
		},
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		DeleteMaxRetries:  cfg.Lifecycle.DeleteMaxRetries,
		DeleteBaseBackoff: cfg.Lifecycle.DeleteBaseBackoff(),
		DeleteSoftTimeout: cfg.Lifecycle.DeleteSoftTimeout(),
		StopDrainTimeout:  cfg.Lifecycle.StopDrainTimeout(),
		BreakerFailures:   cfg.Lifecycle.BreakerFailures,
		BreakerCooldown:   time.Duration(cfg.Lifecycle.BreakerCooldownSeconds) * time.Second,
	})
	if err != nil {
		fatalStartup(logger, "E_LIFECYCLE_INIT", err)
	}
	// Tasks only run for worlds with a live runtime.
	sched.SetGate(mgr)

	if err := mgr.Restore(ctx, seedsFrom(cfg.Agents)); err != nil {
		// Seed failures are per agent; the rest of the host still serves.
		logger.Error("agent restore incomplete", "error", err)
	}
	logger.Info("startup phase", "phase", "agents_restored", "active", registry.Len())

	sched.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started")

	cronSched := cron.NewScheduler(cron.Config{Tasks: sched, Logger: logger})
	if err := cronSched.SetEntries(entriesFrom(cfg.Schedules)); err != nil {
		fatalStartup(logger, "E_CRON_ENTRIES", err)
	}
	cronSched.Start(ctx)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		current := cfg
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			current = reconcileConfig(ctx, current, mgr, cronSched, eventBus, logger)
		}
	}()

	gw := gateway.New(gateway.Config{
		Agents:         mgr,
		Tasks:          sched,
		Store:          store,
		Registry:       registry,
		Bus:            eventBus,
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: otelProvider.MetricsHandler(),
		Tracer:         otelProvider.Tracer,
		AuthToken:      authToken,
		AllowOrigins:   cfg.AllowOrigins,
		RateLimit:      cfg.RateLimit,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// 1. Stop intake: close event streams, then the HTTP server.
	gw.CloseStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	// 2. Stop dispatching new tasks before runtimes go away.
	cronSched.Stop()
	sched.Stop()
	// 3. Let accepted deletes finish, then drain runtimes with a bounded timeout.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer cancelDrain()
	mgr.Shutdown(drainCtx)
	// 4. Close DB handled by deferred store.Close().
	logger.Info("shutdown complete")
}

// reconcileConfig re-reads config.yaml and applies what can change at
// runtime: seed agents and cron entries. It returns the config now in effect.
func reconcileConfig(ctx context.Context, current config.Config, mgr *agent.Manager, cronSched *cron.Scheduler, eventBus *bus.Bus, logger *slog.Logger) config.Config {
	next, err := config.Load()
	if err != nil {
		logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
		return current
	}
	if err := mgr.Restore(ctx, seedsFrom(next.Agents)); err != nil {
		logger.Error("agent reconcile incomplete", "error", err)
	}
	if err := cronSched.SetEntries(entriesFrom(next.Schedules)); err != nil {
		logger.Error("cron reload rejected; retaining previous schedules", "error", err)
	}
	if next.Fingerprint() != current.Fingerprint() {
		logger.Warn("some config changes need a restart to take effect",
			"old_fingerprint", current.Fingerprint(), "new_fingerprint", next.Fingerprint())
	}
	eventBus.Publish(bus.TopicConfigReloaded, map[string]any{
		"fingerprint": next.Fingerprint(),
		"agents":      len(next.Agents),
		"schedules":   len(next.Schedules),
	})
	logger.Info("config.yaml hot-reloaded")
	return next
}

func seedsFrom(in []config.AgentSeed) []agent.Seed {
	out := make([]agent.Seed, 0, len(in))
	for _, s := range in {
		out = append(out, agent.Seed{Character: s.Character, Autostart: s.Autostart})
	}
	return out
}

func entriesFrom(in []config.ScheduleEntry) []cron.Entry {
	out := make([]cron.Entry, 0, len(in))
	for _, s := range in {
		out = append(out, cron.Entry{
			Name:        s.Name,
			Cron:        s.Cron,
			Task:        s.Task,
			WorldID:     s.WorldID,
			Description: s.Description,
			Payload:     s.Payload,
		})
	}
	return out
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", reasonCode, audit.OutcomeError, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

package main

import (
	"bufio"
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

	"github.com/basket/go-afm/internal/audit"
	"github.com/basket/go-afm/internal/bus"
	"github.com/basket/go-afm/internal/config"
	"github.com/basket/go-afm/internal/coordinator"
	"github.com/basket/go-afm/internal/cron"
	"github.com/basket/go-afm/internal/gateway"
	otelPkg "github.com/basket/go-afm/internal/otel"
	"github.com/basket/go-afm/internal/persistence"
	"github.com/basket/go-afm/internal/stats"
	"github.com/basket/go-afm/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [serve]                Run the fleet manager (default)
  %[1]s init                   Write a default config.yaml to AFM_HOME
  %[1]s status                 Show server health (/healthz)
  %[1]s submit [flags]         Post a task through the admin API
  %[1]s backup <file>          Copy the database to <file>
  %[1]s doctor [-json]         Run diagnostic checks
  %[1]s version                Print the version

ENVIRONMENT VARIABLES:
  AFM_HOME                Data directory (default: ~/.afm)
  AFM_BIND_ADDR           Listen address
  AFM_ADMIN_TOKEN         Token required on /api routes and /events
  AFM_DB_PATH             SQLite database path
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := "serve", []string(nil)
	if args := flag.Args(); len(args) > 0 {
		cmd, rest = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}
	switch cmd {
	case "serve":
		runServe(ctx)
	case "init":
		os.Exit(runInitCommand(rest))
	case "status":
		os.Exit(runStatusCommand(ctx, rest))
	case "submit":
		os.Exit(runSubmitCommand(ctx, rest))
	case "backup":
		os.Exit(runBackupCommand(ctx, rest))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, rest))
	case "version":
		fmt.Println(Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServe(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logLevel := new(slog.LevelVar)
	logLevel.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)
	if cfg.NeedsInit {
		logger.Info("no config.yaml found, running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AdminToken == "" {
			logger.Warn("admin_token is empty on non-loopback bind; /api routes are unauthenticated", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	emitter := stats.NewEmitter(otelPkg.NewSink(otelProvider.Meter, logger), eventBus, logger)
	store, err := persistence.Open(cfg.DBPath, persistence.WithStats(emitter), persistence.WithLogger(logger))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath)

	coord, err := coordinator.New(coordinator.Config{
		Store:    store,
		Bus:      eventBus,
		Settings: settingsFromConfig(cfg),
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_COORDINATOR_INIT", err)
	}

	sched, err := cron.NewScheduler(cron.Config{Sweeper: coord, Schedule: cfg.CleanupSchedule, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	limiter := gateway.NewRateLimiter(cfg.RateLimit, logger)
	limiter.StartEviction(ctx, time.Minute, 10*time.Minute)

	gw, err := gateway.New(gateway.Config{
		Coordinator:       coord,
		Store:             store,
		Bus:               eventBus,
		Waiter:            coordinator.NewWaiter(eventBus, store),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		AdminToken:        cfg.AdminToken,
		AllowOrigins:      cfg.AllowOrigins,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		RateLimiter:       limiter,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, cfg.Fingerprint(), logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for r := range watcher.Reloads() {
			applyReload(r, coord, sched, eventBus, logLevel, logger)
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Port is already in use. Stop the existing process or change bind_addr in config.yaml.", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Hijacked websocket streams are not tracked by Shutdown; closing the bus
	// ends them.
	eventBus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("drain timed out", "error", err)
	}
	logger.Info("shutdown complete")
}

func settingsFromConfig(cfg config.Config) coordinator.Settings {
	return coordinator.Settings{
		AgentReturnTime:      cfg.AgentReturnTime(),
		AgentActiveThreshold: cfg.AgentActiveThreshold(),
		AgentDropThreshold:   cfg.AgentDropThreshold(),
		AutoCleanup:          cfg.AutoCleanup,
		MaxTasksLimit:        cfg.MaxTasksLimit,
		TaskRetention:        cfg.TaskRetention(),
	}
}

// applyReload pushes the reloadable settings into the running server. Bind
// address, database path and telemetry still need a restart.
func applyReload(r config.Reload, coord *coordinator.Coordinator, sched *cron.Scheduler, eventBus *bus.Bus, level *slog.LevelVar, logger *slog.Logger) {
	if r.Err != nil {
		audit.Record(audit.Event{Outcome: audit.OutcomeDeny, Action: "config.reload", Subject: config.FileName, Reason: r.Err.Error()})
		return
	}
	cfg := r.Config
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	coord.UpdateSettings(settingsFromConfig(cfg))
	if err := sched.SetSchedule(cfg.CleanupSchedule); err != nil {
		logger.Warn("cleanup schedule not updated", "error", err)
	}
	hash := cfg.Fingerprint()
	eventBus.Publish(bus.TopicFleetReload, map[string]string{"config_hash": hash, "previous_hash": r.PreviousHash})
	audit.Record(audit.Event{Outcome: audit.OutcomeAllow, Action: "config.reload", Subject: config.FileName, Reason: hash})
	logger.Info("config reloaded", "config_hash", hash, "previous_hash", r.PreviousHash)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Event{Outcome: audit.OutcomeFatal, Action: "runtime.startup", Subject: reasonCode, Reason: message})

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

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.TrimSpace(val))
	}
}

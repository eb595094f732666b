package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/easy-mail/internal/analytics"
	"github.com/djlord-it/easy-mail/internal/api"
	"github.com/djlord-it/easy-mail/internal/circuitbreaker"
	"github.com/djlord-it/easy-mail/internal/config"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/gateway"
	"github.com/djlord-it/easy-mail/internal/leaderelection"
	"github.com/djlord-it/easy-mail/internal/logging"
	"github.com/djlord-it/easy-mail/internal/metrics"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/registry"
	"github.com/djlord-it/easy-mail/internal/transport/channel"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2

	// continueRun is returned by loadConfig when the command should proceed.
	continueRun = -1
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "migrate":
		os.Exit(runMigrate(args))
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`easymail - scheduled email delivery

Usage:
  easymail <command> [flags]

Commands:
  serve      Start the API, trigger registry and dispatcher
  migrate    Apply the database schema and exit
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Flags (serve, migrate):
  --log-level    Overrides LOG_LEVEL
  --log-format   Overrides LOG_FORMAT (text|json)
  --http-addr    Overrides HTTP_ADDR (serve only)

Environment Variables (a .env file in the working directory is also read):
  STORE_DRIVER              "postgres" or "sqlite" (default: "postgres")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  SQLITE_PATH               SQLite database file (default: "easymail.db")
  AUTO_MIGRATE              Apply schema on serve (default: "true")
  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")
  LOG_LEVEL                 debug|info|warn|error (default: "info")
  LOG_FORMAT                text|json (default: "text")

  SWEEP_INTERVAL            Max wait between trigger sweeps (default: "1s")
  SWEEP_BATCH_SIZE          Max triggers claimed per sweep (default: "100")
  MISFIRE_THRESHOLD         Lateness counted as a misfire (default: "1m")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher event drain timeout (default: "30s")
  EVENTBUS_BUFFER_SIZE      Fire event buffer (default: "100")

  EXECUTOR                  log|webhook|amqp (default: "log")
  MAIL_RELAY_URL            Relay endpoint (EXECUTOR=webhook)
  MAIL_RELAY_SECRET         HMAC signing key (EXECUTOR=webhook)
  MAIL_RELAY_TIMEOUT        Relay request timeout (default: "30s")
  AMQP_URL                  Broker URL (EXECUTOR=amqp)
  AMQP_QUEUE                Queue name (default: "easymail.emails")
  CIRCUIT_BREAKER_THRESHOLD Failures per domain before opening, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open duration before a probe (default: "2m")

  REDIS_ADDR                Redis address for analytics (optional)
  ANALYTICS_RETENTION       Analytics key TTL (default: "168h")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Re-emit undelivered fired jobs (default: "true")
  RECONCILE_INTERVAL        How often to scan (default: "5m")
  RECONCILE_THRESHOLD       Age before a fired job is re-emitted (default: "15m")
  RECONCILE_BATCH_SIZE      Max jobs per cycle (default: "100")

  LEADER_ELECTION           Only the leader sweeps (postgres only, default: "false")
  LEADER_LOCK_KEY           Advisory lock key (default: "728380")
  LEADER_RETRY_INTERVAL     Follower retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")

  API_RATE_LIMIT            POST /email/send requests per second, 0 disables (default: "0")
  API_RATE_BURST            Rate limiter burst (default: "10")`)
}

// loadConfig loads and validates configuration, applies flag overrides and
// installs the default logger.
func loadConfig(name string, args []string) (config.Config, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	logFormat := fs.String("log-format", cfg.LogFormat, "log format (text|json)")
	httpAddr := fs.String("http-addr", cfg.HTTPAddr, "HTTP listen address")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, exitSuccess
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return cfg, exitInvalidConfig
	}
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.HTTPAddr = *httpAddr

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}

	logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg, continueRun
}

func runServe(args []string) int {
	cfg, code := loadConfig("serve", args)
	if code != continueRun {
		return code
	}
	logConfigWarnings(&cfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	opened, err := openStore(startCtx, cfg, cfg.AutoMigrate)
	cancelStart()
	if err != nil {
		slog.Error("easymail: store unavailable", "err", err)
		return exitRuntimeError
	}
	defer opened.Close()

	sender, closeSender, err := newSender(cfg)
	if err != nil {
		slog.Error("easymail: executor unavailable", "err", err)
		return exitRuntimeError
	}
	defer closeSender()

	// NoopSink stands in when metrics are disabled.
	var metricsSink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

		// Metrics are served on a separate port.
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		slog.Info("easymail: metrics enabled", "port", cfg.MetricsPort, "path", cfg.MetricsPath)
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(metricsSink))

	reg := registry.New(
		registry.Config{
			SweepInterval:    cfg.SweepInterval,
			BatchSize:        cfg.SweepBatchSize,
			MisfireThreshold: cfg.MisfireThreshold,
		},
		opened.store,
		bus,
	).WithMetrics(metricsSink)
	gw := gateway.New(reg).WithMetrics(metricsSink)

	disp := dispatcher.New(opened.store, sender).WithMetrics(metricsSink)
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, analytics.DefaultWindow, cfg.AnalyticsRetention))
		slog.Info("easymail: analytics enabled", "redis", cfg.RedisAddr)
	}

	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(
			reconciler.Config{
				Interval:         cfg.ReconcileInterval,
				Threshold:        cfg.ReconcileThreshold,
				BatchSize:        cfg.ReconcileBatchSize,
				MisfireThreshold: cfg.MisfireThreshold,
			},
			opened.store,
			bus,
		).WithMetrics(metricsSink)
	}

	apiHandler := api.NewHandler(gw, opened.store).WithHealthChecker(opened.db)
	if cfg.APIRateLimit > 0 {
		apiHandler = apiHandler.WithRateLimit(cfg.APIRateLimit, cfg.APIRateBurst)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Registry firing and reconciliation run only on the leader when
	// leader election is enabled, and always otherwise.
	leaderWork := newDuties(func(ctx context.Context) {
		var wg sync.WaitGroup
		if recon != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				recon.Run(ctx)
			}()
		}
		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("easymail: registry stopped", "err", err)
		}
		wg.Wait()
	})

	// Separate contexts allow ordered shutdown.
	dutiesCtx, cancelDuties := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var dutiesWg, dispatcherWg sync.WaitGroup

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel(), cfg.DispatcherDrainTimeout)
	}()

	dutiesWg.Add(1)
	if cfg.LeaderElection {
		elector := leaderelection.New(
			opened.pg,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			leaderWork.start,
			leaderWork.stop,
		).WithMetrics(metricsSink)
		go func() {
			defer dutiesWg.Done()
			elector.Run(dutiesCtx)
		}()
	} else {
		go func() {
			defer dutiesWg.Done()
			leaderWork.start(dutiesCtx)
		}()
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	servers, serversCtx := errgroup.WithContext(sigCtx)
	servers.Go(func() error {
		slog.Info("easymail: http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		servers.Go(func() error {
			slog.Info("easymail: metrics server listening", "port", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	slog.Info("easymail: started",
		"version", version,
		"store", cfg.StoreDriver,
		"executor", cfg.Executor,
		"http", cfg.HTTPAddr,
		"leader_election", cfg.LeaderElection)

	// Wait for a signal, or for a server to fail.
	<-serversCtx.Done()
	exit := exitSuccess
	if sigCtx.Err() != nil {
		slog.Info("easymail: received signal, shutting down")
	} else {
		slog.Error("easymail: server failed, shutting down")
		exit = exitRuntimeError
	}

	// Phase 1: Stop accepting registrations
	reg.Close()

	// Phase 2: Stop registry firing and reconciler (no new events emitted)
	slog.Info("easymail: stopping registry and reconciler...")
	cancelDuties()
	dutiesWg.Wait()
	leaderWork.stop()
	slog.Info("easymail: registry and reconciler stopped")

	// Phase 3: Stop dispatcher (will drain buffered events before returning)
	slog.Info("easymail: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	slog.Info("easymail: dispatcher stopped")

	// Phase 4: Stop HTTP servers with graceful shutdown
	slog.Info("easymail: stopping http servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("easymail: http server shutdown error", "err", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("easymail: metrics server shutdown error", "err", err)
		}
	}
	if err := servers.Wait(); err != nil {
		slog.Error("easymail: server error", "err", err)
		exit = exitRuntimeError
	}

	slog.Info("easymail: stopped")
	return exit
}

func runMigrate(args []string) int {
	cfg, code := loadConfig("migrate", args)
	if code != continueRun {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	opened, err := openStore(ctx, cfg, true)
	if err != nil {
		slog.Error("easymail: migrate failed", "err", err)
		return exitRuntimeError
	}
	defer opened.Close()

	fmt.Println("schema up to date")
	return exitSuccess
}

func runValidate() int {
	cfg, err := config.Load()
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easymail version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

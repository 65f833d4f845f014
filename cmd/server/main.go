package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"device-orchestrator/internal/api"
	"device-orchestrator/internal/capture"
	"device-orchestrator/internal/device"
	"device-orchestrator/internal/platform/config"
	"device-orchestrator/internal/platform/guard"
	"device-orchestrator/internal/platform/logger"
	"device-orchestrator/internal/platform/metrics"
	"device-orchestrator/internal/ports"
	"device-orchestrator/internal/relay"
	"device-orchestrator/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a YAML settings file")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	portFlag := pflag.StringP("port", "p", "", "HTTP listen port (overrides settings)")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn, error (overrides settings)")
	pflag.Parse()

	_ = config.Load(*envFile)
	if *configPath == "" {
		*configPath = config.GetEnv("CONFIG_FILE", "")
	}

	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		return err
	}
	if *portFlag != "" {
		settings.Port = *portFlag
	}
	if *logLevel != "" {
		settings.LogLevel = *logLevel
	}

	log := logger.New(settings.LogLevel, settings.LogFormat)
	met := metrics.New()
	g := guard.New(log)

	pool := ports.NewPool(settings.Pool.BasePort, settings.Pool.Size)
	adb := device.NewADB(settings.ADB.Binary, settings.ADB.Timeout, device.ExecRunner{}, log)

	launcher := &capture.ExecLauncher{
		Binary: settings.Capture.Binary,
		Args:   settings.Capture.Args,
		Log:    log,
	}
	sup := capture.NewSupervisor(launcher, capture.NewMarkerDetector(settings.Capture.Markers...), capture.Config{
		StartTimeout: settings.Capture.StartTimeout,
		SettleDelay:  settings.Capture.SettleDelay,
		StopGrace:    settings.Capture.StopGrace,
	}, log, met)
	sup.SetGuard(g)

	streams := relay.New(settings.Relay.Host, settings.Relay.DialTimeout, log, met)

	reg := session.NewRegistry(session.Config{
		MaxSessions:       settings.Sessions.MaxSessions,
		IdleTimeout:       settings.Sessions.IdleTimeout,
		SweepInterval:     settings.Sessions.SweepInterval,
		IntegrityInterval: settings.Sessions.IntegrityInterval,
		StickyMaxAge:      settings.Sessions.StickyMaxAge,
	}, session.Deps{
		Ports:    pool,
		Captures: sup,
		Streams:  streams,
		Devices:  adb,
		Log:      log,
		Metrics:  met,
		Guard:    g,
	})
	sup.SetExitHandler(reg.HandleCaptureExit)
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic, releasing all sessions", "panic", p)
			reg.Shutdown()
			panic(p)
		}
	}()

	h := api.NewHandler(reg, adb, streams, sup, log, settings.UserHeader)
	h.SetGuard(g)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log, settings.UserHeader))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler(func() {
		ov := reg.Overview()
		met.SetActiveSessions(ov.TotalSessions)
		met.SetPoolPorts(ov.Ports.Available, ov.Ports.InUse, ov.Ports.Reserved)
		met.SetCaptureProcesses(sup.Count())
	}))
	h.Routes(r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.Go("session sweeper", func() { reg.Run(ctx) })

	first, last := pool.Range()
	srv := &http.Server{Addr: ":" + settings.Port, Handler: r}
	// Sessions hold relays and websockets open; release them as soon as the
	// listener closes so Shutdown can drain.
	released := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		reg.Shutdown()
		close(released)
	})
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Info("server starting",
		"port", settings.Port,
		"port_range", fmt.Sprintf("%d-%d", first, last),
		"max_sessions", settings.Sessions.MaxSessions,
		"capture_binary", settings.Capture.Binary,
		"log_level", settings.LogLevel,
	)

	var fatal error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	case err, ok := <-serveErr:
		if ok {
			fatal = fmt.Errorf("listen: %w", err)
			log.Error("server error", "error", err)
		}
	case err := <-g.Fatal():
		fatal = err
		log.Error("background failure, shutting down", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	<-released

	log.Info("server stopped")
	return fatal
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/themecast/internal/config"
	"github.com/HerbHall/themecast/internal/server"
	"github.com/HerbHall/themecast/internal/theme"
	"github.com/HerbHall/themecast/internal/version"
	"github.com/HerbHall/themecast/internal/watchdog"
	"github.com/HerbHall/themecast/internal/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("themecast exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("themecast starting", zap.String("version", version.Short()))

	cfg.LogSummary(logger)

	presets, err := theme.LoadPresets(cfg.Presets.File)
	if err != nil {
		return fmt.Errorf("loading presets: %w", err)
	}
	for _, name := range cfg.Watchdog.Cycle {
		if _, ok := presets[name]; !ok {
			logger.Warn("watchdog cycle names an unknown preset", zap.String("preset", name))
		}
	}
	logger.Info("presets loaded", zap.Strings("presets", presets.Names()))

	wd := watchdog.New(cfg.Watchdog.Timeout, cfg.Watchdog.Cycle)
	hub := ws.NewHub(theme.NewStore(presets), wd, logger.Named("ws"))
	wsHandler := ws.NewHandler(hub, ws.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		SendBuffer:     cfg.WS.SendBuffer,
		MessageRate:    cfg.WS.MessageRate,
		MessageBurst:   cfg.WS.MessageBurst,
	}, logger.Named("ws"))

	srv := server.New(server.Options{
		Addr:       cfg.Server.Addr(),
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		TrustProxy: cfg.Server.TrustProxy,
		Ready:      hub.Ping,
		Status: func(ctx context.Context) (server.GatewayStatus, error) {
			st, err := hub.Status(ctx)
			return server.GatewayStatus{Clients: st.Clients, NextReset: st.NextReset}, err
		},
	}, logger.Named("server"), wsHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// A bind failure is fatal and cancels gctx.
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	logger.Info("themecast ready", zap.String("addr", cfg.Server.Addr()))

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("themecast stopped")
	return nil
}

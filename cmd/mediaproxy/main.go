package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sydlexius/mediaproxy/internal/api"
	"github.com/sydlexius/mediaproxy/internal/codec"
	"github.com/sydlexius/mediaproxy/internal/config"
	"github.com/sydlexius/mediaproxy/internal/fetch"
	"github.com/sydlexius/mediaproxy/internal/fonts"
	mpimage "github.com/sydlexius/mediaproxy/internal/image"
	"github.com/sydlexius/mediaproxy/internal/logging"
	"github.com/sydlexius/mediaproxy/internal/metrics"
	"github.com/sydlexius/mediaproxy/internal/netguard"
	"github.com/sydlexius/mediaproxy/internal/pipeline"
	"github.com/sydlexius/mediaproxy/internal/proxy"
	"github.com/sydlexius/mediaproxy/internal/version"
	"github.com/sydlexius/mediaproxy/internal/watcher"
)

func main() {
	// Handle subcommands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(healthcheck(os.Args[2:]))
		case "version":
			fmt.Println(version.String())
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func configPath(args []string) (string, error) {
	fs := flag.NewFlagSet("mediaproxy", flag.ContinueOnError)
	path := fs.String("config", os.Getenv("MP_CONFIG_PATH"), "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *path == "" {
		return "config.yaml", nil
	}
	return *path, nil
}

func run(args []string) error {
	path, err := configPath(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Set up structured logging via the logging Manager
	logManager, logger := logging.NewManager(cfg.Logging)
	defer logManager.Close() //nolint:errcheck
	slog.SetDefault(logger)
	logger.Info("starting mediaproxy", slog.String("version", version.String()), slog.String("config", path))

	guard := netguard.New(netguard.Policy{
		Allowed:      cfg.Security.Allowed,
		Blocked:      cfg.Security.Blocked,
		BlockedHosts: cfg.Security.BlockedHosts,
	}, nil)
	client, err := fetch.New(fetch.Options{
		Timeout:   cfg.Fetch.Timeout,
		UserAgent: cfg.Fetch.UserAgent,
		Proxy:     cfg.Fetch.Proxy,
	}, guard)
	if err != nil {
		return fmt.Errorf("creating fetch client: %w", err)
	}
	if cfg.Fetch.Proxy != "" {
		logger.Warn("outbound proxy configured; addresses are only checked before the request",
			slog.String("proxy", cfg.Fetch.Proxy))
	}

	fallback, err := proxy.LoadFallback(cfg.FallbackImage)
	if err != nil {
		return err
	}

	filter, err := mpimage.ParseFilter(cfg.Image.Filter)
	if err != nil {
		return err
	}
	fontLib := fonts.Load(fonts.Options{LoadSystem: cfg.Fonts.LoadSystem, Dirs: cfg.Fonts.Dirs}, logger)
	transcoder := pipeline.NewTranscoder(pipeline.Options{
		Filter:    filter,
		MaxPixels: cfg.Image.MaxPixels,
		Limits: codec.Limits{
			MaxPixels:      cfg.Image.MaxDecodePixels,
			MaxFrames:      cfg.Image.MaxFrames,
			MaxTotalPixels: cfg.Image.MaxAnimationPixels,
		},
		Encode: mpimage.EncodeOptions{
			WebPQuality: cfg.Image.WebPQuality,
			AVIFQuality: cfg.Image.AVIF.Quality,
			AVIFSpeed:   cfg.Image.AVIF.Speed,
		},
		AVIFEnabled: cfg.Image.AVIF.Enabled,
	}, fontLib, logger)

	concurrency := cfg.Workers.Concurrency
	if concurrency == 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	pool := pipeline.NewPool(pipeline.PoolOptions{
		Concurrency:   concurrency,
		QueueSize:     cfg.Workers.QueueSize,
		InflightBytes: cfg.Workers.InflightBytes,
	}, logger)
	defer pool.Stop()

	handler := proxy.New(proxy.Deps{
		Guard:      guard,
		Client:     client,
		Pool:       pool,
		Transcoder: transcoder,
		Fallback:   fallback,
		Headers:    cfg.Headers(),
		MaxSize:    cfg.Fetch.MaxSize,
		AVIF:       cfg.Image.AVIF.Enabled,
	})

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(api.RouterDeps{
		Proxy:             handler,
		Logger:            logger,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           router.Handler(ctx),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Only the logging section is re-applied; everything else needs a restart.
	if _, err := os.Stat(path); err == nil {
		reload := func(_ context.Context, p string) error {
			next, err := config.Load(p)
			if err != nil {
				return err
			}
			logManager.Reconfigure(next.Logging)
			logger.Info("logging reconfigured", slog.String("logging", next.Logging.String()))
			return nil
		}
		go watcher.NewService(path, reload, logger).Start(ctx)
	}

	if cfg.Metrics.Bind != "" {
		metrics.Init()
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listener starting", slog.String("addr", cfg.Metrics.Bind))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			metricsSrv.Close() //nolint:errcheck
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Server.Bind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

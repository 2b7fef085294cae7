// Command usaged serves per-user usage metering over HTTP.
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
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/usagemeter"
	"github.com/ineyio/usagemeter/httpapi"
	"github.com/ineyio/usagemeter/meter"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "usaged:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("USAGED_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg := usagemeter.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = usagemeter.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := usagemeter.NewRegistry(append(cfg.Options(),
		usagemeter.WithStore(store),
		usagemeter.WithLogger(logger),
		usagemeter.WithMeter(meter.Multi{meter.NewLogMeter(logger), meter.NewPromMeter(reg)}),
	)...)

	opts := []httpapi.Option{httpapi.WithMetrics(reg), httpapi.WithLogger(logger)}
	if l, ok := store.(usagemeter.SessionLister); ok {
		opts = append(opts, httpapi.WithHistory(l))
	}
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewHandler(registry, opts...).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", addr, "store", storeDriver(cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs *multierror.Error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := registry.Close(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close actors: %w", err))
		}
		return errs.ErrorOrNil()
	})

	return g.Wait()
}

func newLogger(cfg usagemeter.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

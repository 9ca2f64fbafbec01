package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cy0x6789/LandingPDFSnap/internal/api"
	"github.com/cy0x6789/LandingPDFSnap/internal/config"
	"github.com/cy0x6789/LandingPDFSnap/internal/controller"
	"github.com/cy0x6789/LandingPDFSnap/internal/job"
	"github.com/cy0x6789/LandingPDFSnap/internal/metrics"
	"github.com/cy0x6789/LandingPDFSnap/internal/render"
	"github.com/cy0x6789/LandingPDFSnap/internal/webhook"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	fs := flag.NewFlagSet("pdfsnap", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to YAML config file (default $PDFSNAP_CONFIG)")
	showVersion := fs.BoolP("version", "v", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("pdfsnap", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))

	// Error ignored: Set only fails on an invalid GOMAXPROCS value, in which
	// case the runtime default stays in place.
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		slog.Debug(fmt.Sprintf(format, args...))
	}))

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	preflight(cfg.Browser.Bin)

	m := metrics.New()
	hub := api.NewHub(cfg.CORSOrigins)
	browser := render.NewRodBrowser(render.RodOptions{
		Bin:            cfg.Browser.Bin,
		NoSandbox:      cfg.Browser.NoSandbox,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	})
	ctrl := controller.New(cfg, store, browser,
		controller.WithListener(hub),
		controller.WithMetrics(m),
		controller.WithNotifier(webhook.New()),
	)

	if err := ctrl.Recovery(context.Background()); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctrl.Start(ctx)

	mux := http.NewServeMux()
	h := api.NewHandler(ctrl, cfg, hub, m)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID(),
		api.Logging(),
		api.Metrics(m),
		api.RateLimit(ctx, cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE and WebSocket streams stay open for the whole job.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("pdfsnap listening",
			"addr", cfg.ListenAddr,
			"version", Version,
			"store", cfg.StoreBackend,
			"concurrency", cfg.Concurrency,
			"output_dir", cfg.DefaultOutputDir,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Workers mark in-flight jobs failed and release their browsers.
	ctrl.Wait()
	return nil
}

func openStore(cfg *config.Config) (job.Store, error) {
	if cfg.StoreBackend == config.StoreSQLite {
		return job.NewSQLiteStore(cfg.DBPath)
	}
	return job.NewMemoryStore(), nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

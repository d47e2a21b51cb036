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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/oduwsdl/MementoEmbed/cmd/api/api"
	"github.com/oduwsdl/MementoEmbed/cmd/config"
	"github.com/oduwsdl/MementoEmbed/lib/logger"
	"github.com/oduwsdl/MementoEmbed/lib/thumbcache"
	"github.com/oduwsdl/MementoEmbed/lib/thumbnail"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional file of environment variables")
	flag.Parse()
	if err := config.LoadEnvFile(*envFile); err != nil {
		slog.New(slog.NewTextHandler(os.Stdout, nil)).Error("failed to load env file", "err", err)
		os.Exit(1)
	}

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stdout, nil)).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger := logger.New(os.Stdout, config.LogLevel)
	slogger.Info("server configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(config.WorkingFolder, 0o755); err != nil {
		slogger.Error("failed to create thumbnail folder", "dir", config.WorkingFolder, "err", err)
		os.Exit(1)
	}
	ledger, err := thumbcache.Open(config.CacheDB, config.Expiration.D())
	if err != nil {
		slogger.Error("failed to open thumbnail ledger", "err", err)
		os.Exit(1)
	}
	defer ledger.Close()

	browserOpts, err := config.BrowserOptions()
	if err != nil {
		slogger.Error("invalid browser flags", "err", err)
		os.Exit(1)
	}
	browser, err := thumbnail.OpenBrowser(ctx, browserOpts, slogger)
	if err != nil {
		slogger.Error("failed to start browser", "err", err)
		os.Exit(1)
	}

	svc, err := thumbnail.NewService(config.ServiceConfig(), browser, ledger, slogger)
	if err != nil {
		slogger.Error("invalid thumbnail configuration", "err", err)
		os.Exit(1)
	}

	health := func() error {
		select {
		case <-browser.Done():
			return errors.New("browser connection lost")
		default:
			return nil
		}
	}
	apiService := api.New(svc, config.Request(), int(config.Timeout.D()/time.Second), health)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	apiService.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()
	go pruneLoop(ctx, svc, config.Expiration.D(), slogger)

	// graceful shutdown
	select {
	case <-ctx.Done():
		slogger.Info("shutdown signal received")
	case <-browser.Done():
		slogger.Error("browser connection lost, shutting down")
		stop()
	}

	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		svc.Close()
		return browser.Close()
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}

// pruneLoop drops expired captures from disk and the ledger.
func pruneLoop(ctx context.Context, svc *thumbnail.Service, expiration time.Duration, log *slog.Logger) {
	if expiration <= 0 {
		return
	}
	every := max(expiration/2, time.Minute)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := svc.Prune(ctx, now)
			if err != nil {
				log.Warn("failed to prune thumbnail cache", "err", err)
				continue
			}
			if n > 0 {
				log.Info("pruned expired thumbnails", "count", n)
			}
		}
	}
}

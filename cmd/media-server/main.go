package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/chi-demo/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-media/pkg/simplemedia/api"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

func main() {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Tracer shutdown failed", "err", err)
		}
	}()

	rt, err := cfg.Build(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	handler, err := routes(cfg, rt, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Media server starting", "port", cfg.Port, "env", cfg.Environment,
			"storage", cfg.Storage.Backend, "postgres", cfg.UsesPostgres(), "dedup_scope", cfg.Processing.DedupScope)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rt.Processor.Run(gctx)
	})
	g.Go(func() error {
		return rt.Listen(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server exiting")
	return nil
}

func routes(cfg *config.Config, rt *config.Runtime, logger *slog.Logger) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.Metrics.Middleware)

	app.RoutesHealthz(r)
	r.Get("/healthz/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := rt.Ready(ctx); err != nil {
			logger.Warn("Readiness check failed", "err", err)
			render.Status(req, http.StatusServiceUnavailable)
			render.PlainText(w, req, http.StatusText(http.StatusServiceUnavailable))
			return
		}
		render.PlainText(w, req, http.StatusText(http.StatusOK))
	})
	r.Handle("/metrics", promhttp.HandlerFor(rt.Metrics.Registry, promhttp.HandlerOpts{}))

	if rt.Files != nil {
		r.Mount(rt.FilesPath, http.StripPrefix(rt.FilesPath, rt.Files))
	}

	handlerOpts := []api.HandlerOption{
		api.WithLogger(logger),
		api.WithMaxUploadBytes(cfg.Processing.MaxUploadBytes),
		api.WithBasePath("/api/v1"),
	}

	var auth func(http.Handler) http.Handler
	switch {
	case cfg.Auth.JWTSecret != "":
		auth = api.JWTMiddleware(cfg.Auth.JWTSecret)
	case cfg.Auth.APIKeySHA256 != "":
		keys := map[string]string{}
		for i, k := range strings.Split(cfg.Auth.APIKeySHA256, ",") {
			keys[fmt.Sprintf("key%d", i+1)] = strings.TrimSpace(k)
		}
		mw, err := middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{APIKeys: keys})
		if err != nil {
			return nil, err
		}
		auth = mw
		handlerOpts = append(handlerOpts, api.WithOwnerFunc(api.HeaderOwner))
	default:
		return nil, errors.New("either JWT_SECRET or API_KEY_SHA256 must be set")
	}

	h := api.NewHandler(rt.Service, handlerOpts...)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Mount("/", h.Routes())
	})
	return r, nil
}

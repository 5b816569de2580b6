package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/orderhub/tracksync/config"
	"github.com/orderhub/tracksync/internal/api/tracking_api"
	"github.com/orderhub/tracksync/internal/services/scheduler"
	"github.com/orderhub/tracksync/internal/services/tracker"
)

type syncHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	api       *tracking_api.TrackingAPI
	tracker   *tracker.Service
	scheduler *scheduler.Scheduler
	cfg       *config.Config
}

func runSyncHTTPServer(ctx context.Context, opts syncHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.tracker == nil || opts.scheduler == nil {
			_, _ = w.Write([]byte(`{"error":"services not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tracker":   opts.tracker.Stats(),
			"scheduler": opts.scheduler.Stats(),
		})
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Avoid dumping secrets; show only operational settings.
		out := map[string]any{
			"providerMode":                    opts.cfg.TrackSync.ProviderMode,
			"schedulerAutoStart":              opts.cfg.TrackSync.SchedulerAutoStart,
			"schedulerDefaultIntervalMinutes": opts.cfg.TrackSync.SchedulerDefaultIntervalMinutes,
			"tickTimeoutSeconds":              opts.cfg.TrackSync.TickTimeoutSeconds,
			"tickLockEnabled":                 opts.cfg.TrackSync.TickLockEnabled,
			"batchSize":                       opts.cfg.TrackSync.WorkerBatchSize,
			"concurrency":                     opts.cfg.TrackSync.WorkerConcurrency,
			"rateLimitPerMinute":              opts.cfg.TrackSync.WorkerRateLimitPerMinute,
			"resultCacheTTLSeconds":           opts.cfg.TrackSync.ResultCacheTTLSeconds,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	if opts.api != nil {
		opts.api.Routes(r)
	}

	// Swagger опционален: без swagger_path в конфиге ручки просто не поднимаем.
	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})

		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}



// Command dashboard aggregates results and statistics from the queues
// and serves them over an HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/config"
	"github.com/Susch12/VarP/internal/dashboard"
)

const (
	exitOK = iota
	exitConfig
	exitBroker
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(exitConfig)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// ─── Broker ───────────────────────────────────────────────────────────────
	client, err := broker.Dial(cfg.Broker.DialConfig(), slog.Default())
	if err != nil {
		slog.Error("broker", "err", err)
		os.Exit(exitBroker)
	}
	defer client.Close()

	// ─── Aggregation ──────────────────────────────────────────────────────────
	agg := dashboard.NewAggregator(dashboard.Sizes{
		Values:            cfg.Dashboard.ResultHistory,
		RawResults:        cfg.Dashboard.RawSampleHistory,
		ConvergenceEvery:  cfg.Dashboard.ConvergenceEvery,
		ConsumerSnapshots: cfg.Dashboard.ConsumerSnapshots,
	})
	col := dashboard.NewCollector(client, agg, slog.Default(),
		time.Duration(cfg.Dashboard.QueuePollSeconds)*time.Second)

	mux := http.NewServeMux()
	dashboard.NewHandler(agg).Router(mux)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	addr := cfg.Dashboard.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := col.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("collector stopped", "err", err)
		}
	}()

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		slog.Info("shutting down...")
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown", "err", err)
		}
	}()

	slog.Info("dashboard listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("listen", "err", err)
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "warning", "WARN", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

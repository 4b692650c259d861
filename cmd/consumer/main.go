// Command consumer runs one worker: it loads the model, evaluates
// scenarios from the work queue, and publishes results.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/config"
	"github.com/Susch12/VarP/internal/consumer"
)

const (
	exitOK = iota
	exitConfig
	exitBroker
	exitModel
	exitRun
)

func main() {
	prefetch := flag.Int("prefetch", 0, "override the prefetch count")
	timeout := flag.Int("timeout", 0, "override the evaluation timeout in seconds")
	flag.Parse()

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

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		slog.Info("shutting down...")
		cancel()
	}()

	opts := consumer.DefaultOptions()
	opts.Prefetch = cfg.Consumer.Prefetch
	opts.Timeout = time.Duration(cfg.Consumer.TimeoutSeconds) * time.Second
	opts.MaxRetries = cfg.Consumer.MaxRetries
	opts.StatsInterval = time.Duration(cfg.Consumer.StatsIntervalSeconds) * time.Second
	opts.ModelRetryDelay = time.Duration(cfg.Consumer.RetryDelaySeconds) * time.Second
	if *prefetch > 0 {
		opts.Prefetch = *prefetch
	}
	if *timeout > 0 {
		opts.Timeout = time.Duration(*timeout) * time.Second
	}

	c := consumer.New(client, slog.Default(), opts)
	slog.Info("worker starting", "consumer_id", c.ID())

	if err := c.LoadModel(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(exitOK)
		}
		slog.Error("load model", "err", err)
		os.Exit(exitModel)
	}
	if err := c.Run(ctx); err != nil {
		slog.Error("run", "err", err)
		os.Exit(exitRun)
	}
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

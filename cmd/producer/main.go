// Command producer publishes a simulation model and its scenarios to
// the work queues.
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
	"github.com/Susch12/VarP/internal/model"
	"github.com/Susch12/VarP/internal/producer"
	"github.com/Susch12/VarP/internal/store"
	"github.com/Susch12/VarP/internal/store/sqlite"
)

const (
	exitOK = iota
	exitConfig
	exitBroker
	_
	exitRun
)

func main() {
	modelPath := flag.String("model", "", "path to the .ini model file")
	scenarios := flag.Int("n", 0, "override the model's scenario count")
	seed := flag.Int64("seed", -1, "override the model's random seed")
	rate := flag.Int("rate", 0, "max scenarios per second (0 = unlimited)")
	resume := flag.Bool("resume", false, "resume an interrupted run from its checkpoint")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(exitConfig)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	if *modelPath == "" {
		slog.Error("missing -model flag")
		os.Exit(exitConfig)
	}
	m, err := model.ParseFile(*modelPath)
	if err != nil {
		slog.Error("parse model", "path", *modelPath, "err", err)
		os.Exit(exitConfig)
	}
	if *scenarios > 0 {
		m.Simulacion.NumeroEscenarios = *scenarios
	}
	if *seed >= 0 {
		s := *seed
		m.Simulacion.SemillaAleatoria = &s
	}

	// ─── Checkpoint store ─────────────────────────────────────────────────────
	var ckpt store.CheckpointStore
	if cfg.Producer.CheckpointPath != "" {
		ckpt, err = sqlite.New("file:" + cfg.Producer.CheckpointPath)
		if err != nil {
			slog.Warn("checkpoint store unavailable, running without", "err", err)
			ckpt = nil
		} else {
			defer ckpt.Close()
		}
	}

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

	ratePerSecond := cfg.Producer.RatePerSecond
	if *rate > 0 {
		ratePerSecond = *rate
	}
	p := producer.New(client, ckpt, slog.Default(), producer.Options{
		StatsInterval: time.Duration(cfg.Producer.StatsIntervalSeconds) * time.Second,
		DefaultSeed:   cfg.Producer.DefaultSeed,
		RatePerSecond: ratePerSecond,
		Resume:        *resume,
	})
	if err := p.Run(ctx, m); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("run interrupted")
			os.Exit(exitOK)
		}
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

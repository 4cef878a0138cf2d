// Command worker runs one local synthesis runtime per configured model
// slug, each claiming jobs off its own queue and rendering them through a
// model-specific Adapter. A deployment runs one worker process per model
// (or per model per device) rather than one process for every model.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
	"github.com/yapit-tts/synthesis-gateway/internal/config"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
	"github.com/yapit-tts/synthesis-gateway/internal/worker"
	"github.com/yapit-tts/synthesis-gateway/internal/worker/adapters"
)

func main() {
	cfg := config.Get()

	br, err := broker.NewRedisBroker(broker.Options{
		Addr:        cfg.Broker.Addr,
		Password:    cfg.Broker.Password,
		DB:          cfg.Broker.DB,
		PoolSize:    cfg.Broker.PoolSize,
		DialTimeout: time.Duration(cfg.Broker.DialTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("worker: connect to broker: %v", err)
	}

	q := queue.New(br, time.Duration(cfg.Core.SingleflightTTLMs)*time.Millisecond)
	m := metrics.New()
	pollTimeout := time.Duration(cfg.Core.WorkerPollTimeoutMs) * time.Millisecond

	deployment := deploymentName()
	runtimes := buildRuntimes(cfg, br, q, pollTimeout, deployment)
	if len(runtimes) == 0 {
		log.Fatal("worker: no adapters configured")
	}
	for _, r := range runtimes {
		r.Metrics = m
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("worker: shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, r := range runtimes {
		wg.Add(1)
		go func(r *worker.Runtime) {
			defer wg.Done()
			slog.Info("worker: runtime starting", "worker_id", r.WorkerID.String())
			if err := r.Run(ctx); err != nil {
				slog.Error("worker: runtime exited with error", "worker_id", r.WorkerID.String(), "error", err)
			}
		}(r)
	}

	wg.Wait()
	slog.Info("worker: stopped")
}

// buildRuntimes wires one Runtime per adapter this process has credentials
// for. Kokoro requires a reachable sidecar; premium requires an API key.
// A deployment typically enables exactly one via its environment, keeping
// each worker process single-model.
func buildRuntimes(cfg *config.Config, br broker.Broker, q *queue.Queue, pollTimeout time.Duration, deployment string) []*worker.Runtime {
	var runtimes []*worker.Runtime

	if cfg.Worker.KokoroSidecarAddr != "" {
		client, err := adapters.NewKokoroGRPCClient(cfg.Worker.KokoroSidecarAddr)
		if err != nil {
			slog.Warn("worker: kokoro sidecar unreachable, skipping", "addr", cfg.Worker.KokoroSidecarAddr, "error", err)
		} else {
			adapter := adapters.NewKokoro(client)
			workerID := models.WorkerID{Deployment: deployment, Model: "kokoro", Device: "cpu"}
			runtimes = append(runtimes, worker.New(workerID, "kokoro", adapter, q, br, pollTimeout, cfg.Worker.MaxParallel))
		}
	}

	if cfg.Worker.PremiumBaseURL != "" && cfg.Worker.PremiumAPIKey != "" {
		breakers := circuitbreaker.NewServiceBreakers()
		client := adapters.NewPremiumHTTPClient(cfg.Worker.PremiumBaseURL, cfg.Worker.PremiumAPIKey,
			time.Duration(cfg.Worker.PremiumCallTimeoutMs)*time.Millisecond).WithBreaker(breakers.Premium)
		adapter := adapters.NewPremium(client)
		workerID := models.WorkerID{Deployment: deployment, Model: "premium", Device: "remote"}
		// Premium calls a hosted API with its own internal concurrency limits;
		// this runtime's MaxParallel is capped to 1 so the remote account's
		// rate limit is governed in one place, not duplicated per worker.
		runtimes = append(runtimes, worker.New(workerID, "premium", adapter, q, br, pollTimeout, 1))
	}

	return runtimes
}

func deploymentName() string {
	if d := os.Getenv("WORKER_DEPLOYMENT"); d != "" {
		return d
	}
	return "local"
}

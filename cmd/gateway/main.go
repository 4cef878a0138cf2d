// Command gateway runs the session-facing HTTP/WebSocket front door plus
// every background loop that keeps the queue healthy: visibility scanning,
// overflow dispatch, the processing-entry reaper, result finalization, and
// billing. A deployment may also run worker and elastic-endpoint as
// separate processes sharing the same broker and cache.
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

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yapit-tts/synthesis-gateway/internal/billing"
	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/cache"
	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
	"github.com/yapit-tts/synthesis-gateway/internal/config"
	"github.com/yapit-tts/synthesis-gateway/internal/deadletter"
	"github.com/yapit-tts/synthesis-gateway/internal/elasticpb"
	"github.com/yapit-tts/synthesis-gateway/internal/events"
	"github.com/yapit-tts/synthesis-gateway/internal/httpapi"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/overflow"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
	"github.com/yapit-tts/synthesis-gateway/internal/reaper"
	"github.com/yapit-tts/synthesis-gateway/internal/resultconsumer"
	"github.com/yapit-tts/synthesis-gateway/internal/session"
	"github.com/yapit-tts/synthesis-gateway/internal/visibility"
	"github.com/yapit-tts/synthesis-gateway/internal/webhooks"
)

// knownModelSlugs lists every model the gateway dispatches to, for the
// reaper's worker-ID sweep and the overflow scanner's per-model pollers.
// A deployment with a fixed model roster hardcodes it here rather than
// discovering it dynamically, since the roster changes through a release,
// not at runtime.
var knownModelSlugs = []string{"kokoro", "premium"}

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
		log.Fatalf("gateway: connect to broker: %v", err)
	}

	var vacuum cache.VacuumStore
	if cfg.Database.VacuumDSN != "" {
		vacuum, err = cache.NewPostgresVacuumStore(cfg.Database.VacuumDSN)
		if err != nil {
			slog.Warn("gateway: vacuum store unavailable, cache bloat tracking disabled", "error", err)
		}
	}
	audioCache, err := cache.NewFSCache(cfg.Cache.RootDir, vacuum)
	if err != nil {
		log.Fatalf("gateway: init cache: %v", err)
	}

	m := metrics.New()

	singleflightTTL := time.Duration(cfg.Core.SingleflightTTLMs) * time.Millisecond
	q := queue.New(br, singleflightTTL)

	var eventBus events.Bus
	if cfg.Events.Enabled && cfg.Events.ProjectID != "" {
		pubsubBus, err := events.NewPubSubBus(cfg.Events.ProjectID, cfg.Events.TopicID, "synthesis-gateway")
		if err != nil {
			slog.Warn("gateway: pub/sub event bus unavailable, falling back to in-memory", "error", err)
			eventBus = events.NewMemoryBus()
		} else {
			eventBus = pubsubBus
		}
	} else {
		eventBus = events.NewMemoryBus()
	}

	var escalator deadletter.Escalator = &deadletter.BrokerEscalator{
		Push: func(ctx context.Context, payload []byte) error {
			return br.DeadLetterPush(ctx, payload)
		},
	}
	if cfg.CloudTasks.Enabled && cfg.CloudTasks.ProjectID != "" {
		ct, err := deadletter.NewCloudTasksEscalator(cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, cfg.CloudTasks.AlertURL, escalator)
		if err != nil {
			slog.Warn("gateway: cloud tasks escalator unavailable, using broker fallback", "error", err)
		} else {
			escalator = ct
		}
	}

	billingStore, err := billing.NewStore(billing.Config{
		Backend:         cfg.Billing.Backend,
		SupabaseURL:     cfg.Database.Supabase.URL,
		SupabaseKey:     cfg.Database.Supabase.ServiceKey,
		SpannerProject:  cfg.Database.Spanner.ProjectID,
		SpannerInstance: cfg.Database.Spanner.InstanceID,
		SpannerDatabase: cfg.Database.Spanner.DatabaseID,
	})
	if err != nil {
		log.Fatalf("gateway: init billing store: %v", err)
	}

	visibilityScanner := visibility.New(br, q, visibility.NewTracker(),
		cfg.Core.VisibilityBack, cfg.Core.VisibilityForward,
		time.Duration(cfg.Core.ScanIntervalMs)*time.Millisecond)

	facade := session.New(q, audioCache, visibilityScanner)
	facade.Metrics = m

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamer := session.NewStreamer(rootCtx, br)

	resultConsumer := resultconsumer.New(br, audioCache, eventBus, resultconsumer.DefaultUsageMultiplier,
		time.Duration(cfg.Core.WorkerPollTimeoutMs)*time.Millisecond)
	resultConsumer.Metrics = m

	var webhookRegistry *webhooks.Registry
	if cfg.Webhooks.Enabled {
		webhookRegistry = webhooks.NewRegistry()
		var emitter webhooks.Emitter
		if cfg.CloudTasks.Enabled && cfg.CloudTasks.ProjectID != "" {
			cd, err := webhooks.NewCloudDispatcher(webhookRegistry, cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.Webhooks.QueueID, cfg.Webhooks.Workers)
			if err != nil {
				slog.Warn("gateway: cloud tasks webhook dispatcher unavailable, using in-memory dispatcher", "error", err)
				emitter = webhooks.NewDispatcher(webhookRegistry, cfg.Webhooks.Workers)
			} else {
				emitter = cd
			}
		} else {
			emitter = webhooks.NewDispatcher(webhookRegistry, cfg.Webhooks.Workers)
		}
		resultConsumer.Webhooks = emitter
	}

	billingConsumer := billing.New(br, billingStore, escalator,
		time.Duration(cfg.Core.WorkerPollTimeoutMs)*time.Millisecond,
		cfg.Billing.RetryAttempts, time.Duration(cfg.Billing.RetryBackoffMs)*time.Millisecond)
	billingConsumer.Metrics = m

	jobReaper := reaper.New(br, knownWorkerIDs(knownModelSlugs),
		time.Duration(cfg.Core.ReapThresholdMs)*time.Millisecond,
		time.Duration(cfg.Core.ScanIntervalMs)*time.Millisecond)
	jobReaper.Metrics = m

	breakers := circuitbreaker.NewServiceBreakers()

	var overflowScanners []*overflow.Scanner
	if cfg.Overflow.ElasticEndpointAddr != "" {
		conn, err := elasticpb.Dial(cfg.Overflow.ElasticEndpointAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			slog.Warn("gateway: overflow dial failed, overflow disabled", "addr", cfg.Overflow.ElasticEndpointAddr, "error", err)
		} else {
			stub := elasticpb.NewSynthesizerClient(conn)
			for _, modelSlug := range knownModelSlugs {
				client := overflow.NewElasticClientWithBreaker(stub, breakers.Elastic, time.Duration(cfg.Overflow.CallTimeoutMs)*time.Millisecond)
				workerID := models.WorkerID{Deployment: "overflow", Model: modelSlug, Device: "remote"}
				scanner := overflow.New(br, modelSlug, client, workerID,
					time.Duration(cfg.Core.OverflowThresholdMs)*time.Millisecond,
					time.Duration(cfg.Core.ScanIntervalMs)*time.Millisecond)
				scanner.Metrics = m
				overflowScanners = append(overflowScanners, scanner)
			}
		}
	}

	server := httpapi.New(facade, streamer, cfg)
	server.Webhooks = webhookRegistry
	server.Breakers = breakers

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(rootCtx); err != nil {
				slog.Error("gateway: loop exited with error", "loop", name, "error", err)
			}
		}()
	}

	runLoop("visibility", visibilityScanner.Run)
	runLoop("result_consumer", resultConsumer.Run)
	runLoop("billing_consumer", billingConsumer.Run)
	runLoop("reaper", jobReaper.Run)
	for i, scanner := range overflowScanners {
		s := scanner
		runLoop("overflow_"+knownModelSlugs[i], s.Run)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("gateway: shutdown signal received")
		cancel()
	}()

	slog.Info("gateway: starting", "port", cfg.GetPort())
	if err := server.Run(rootCtx); err != nil {
		slog.Error("gateway: http server exited with error", "error", err)
	}

	cancel()
	wg.Wait()
	slog.Info("gateway: stopped")
}

func knownWorkerIDs(modelSlugs []string) []string {
	ids := make([]string, 0, len(modelSlugs))
	for _, slug := range modelSlugs {
		// Matches the device cmd/worker registers each runtime under.
		device := "cpu"
		if slug == "premium" {
			device = "remote"
		}
		ids = append(ids, models.WorkerID{Deployment: "local", Model: slug, Device: device}.String())
	}
	return ids
}

// Command elastic-endpoint runs the remote synthesis service the overflow
// scanner bursts to when local workers fall behind. It speaks the same
// elasticpb.SynthesizerServer contract the overflow scanner's client dials,
// and renders through the same worker.Adapter implementations a local
// worker process uses; the only difference is how it is invoked.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
	"github.com/yapit-tts/synthesis-gateway/internal/config"
	"github.com/yapit-tts/synthesis-gateway/internal/elasticpb"
	"github.com/yapit-tts/synthesis-gateway/internal/worker"
	"github.com/yapit-tts/synthesis-gateway/internal/worker/adapters"
)

// endpoint adapts a worker.Adapter into the elasticpb.SynthesizerServer
// contract: one synchronous call in, one response out, no queue or
// processing-entry bookkeeping since the overflow scanner already removed
// the job from the shared queue before dialing out.
type endpoint struct {
	adapter worker.Adapter
}

func (e *endpoint) Synthesize(ctx context.Context, req *elasticpb.SynthesizeRequest) (*elasticpb.SynthesizeResponse, error) {
	params := map[string]any{
		"voice": req.VoiceSlug,
		"speed": req.Speed,
		"codec": req.Codec,
	}
	audio, durationMs, err := e.adapter.Synthesize(ctx, req.Text, params)
	if err != nil {
		return &elasticpb.SynthesizeResponse{Error: err.Error()}, nil
	}
	return &elasticpb.SynthesizeResponse{
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		DurationMs:  durationMs,
	}, nil
}

func main() {
	cfg := config.Get()

	adapter, modelSlug, err := buildAdapter(cfg)
	if err != nil {
		log.Fatalf("elastic-endpoint: %v", err)
	}
	if err := adapter.Initialize(context.Background()); err != nil {
		log.Fatalf("elastic-endpoint: initialize adapter: %v", err)
	}
	slog.Info("elastic-endpoint: adapter ready", "model", modelSlug)

	addr := os.Getenv("ELASTIC_ENDPOINT_LISTEN_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("elastic-endpoint: listen on %s: %v", addr, err)
	}

	grpcServer := grpc.NewServer()
	elasticpb.RegisterSynthesizerServer(grpcServer, &endpoint{adapter: adapter})

	go func() {
		slog.Info("elastic-endpoint: serving", "addr", addr)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("elastic-endpoint: serve failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("elastic-endpoint: shutting down")
	grpcServer.GracefulStop()
}

// buildAdapter picks premium over kokoro when both are configured, since
// the elastic-compute burst path is meant to offload to hosted capacity
// rather than spin up another local CPU inference process.
func buildAdapter(cfg *config.Config) (worker.Adapter, string, error) {
	if cfg.Worker.PremiumBaseURL != "" && cfg.Worker.PremiumAPIKey != "" {
		breakers := circuitbreaker.NewServiceBreakers()
		client := adapters.NewPremiumHTTPClient(cfg.Worker.PremiumBaseURL, cfg.Worker.PremiumAPIKey,
			time.Duration(cfg.Worker.PremiumCallTimeoutMs)*time.Millisecond).WithBreaker(breakers.Premium)
		return adapters.NewPremium(client), "premium", nil
	}
	if cfg.Worker.KokoroSidecarAddr != "" {
		client, err := adapters.NewKokoroGRPCClient(cfg.Worker.KokoroSidecarAddr)
		if err != nil {
			return nil, "", fmt.Errorf("kokoro sidecar unreachable: %w", err)
		}
		return adapters.NewKokoro(client), "kokoro", nil
	}
	return nil, "", fmt.Errorf("no adapter configured: set PREMIUM_BASE_URL/PREMIUM_API_KEY or KOKORO_SIDECAR_ADDR")
}

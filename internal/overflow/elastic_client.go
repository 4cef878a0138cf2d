package overflow

import (
	"context"
	"fmt"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
	"github.com/yapit-tts/synthesis-gateway/internal/elasticpb"
)

// ElasticClient wraps the remote synthesizer's gRPC stub in a circuit
// breaker so a degraded remote turns into fast failures instead of every
// scan tick stalling for the full call timeout.
type ElasticClient struct {
	stub    elasticpb.SynthesizerClient
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// NewElasticClient wraps stub with its own default breaker. Use
// NewElasticClientWithBreaker to share a breaker the gateway also reports
// through /healthz.
func NewElasticClient(stub elasticpb.SynthesizerClient, timeout time.Duration) *ElasticClient {
	cfg := circuitbreaker.DefaultConfig("overflow-elastic")
	return &ElasticClient{stub: stub, breaker: circuitbreaker.New(cfg), timeout: timeout}
}

func NewElasticClientWithBreaker(stub elasticpb.SynthesizerClient, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *ElasticClient {
	return &ElasticClient{stub: stub, breaker: breaker, timeout: timeout}
}

// Synthesize calls the remote endpoint through the breaker. When the
// breaker is open it returns circuitbreaker.ErrCircuitOpen immediately
// without touching the network, so the scanner's caller can leave the job
// queued for a local worker to pick up instead.
func (e *ElasticClient) Synthesize(ctx context.Context, req *elasticpb.SynthesizeRequest) (*elasticpb.SynthesizeResponse, error) {
	result, err := e.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.stub.Synthesize(callCtx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("elastic client: %w", err)
	}
	return result.(*elasticpb.SynthesizeResponse), nil
}

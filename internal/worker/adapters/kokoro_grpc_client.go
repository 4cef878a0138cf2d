package adapters

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yapit-tts/synthesis-gateway/internal/kokoropb"
)

// KokoroGRPCClient talks to a local Kokoro inference sidecar over gRPC. The
// sidecar owns the actual model weights and CPU inference loop; this client
// is deliberately thin, matching the narrow KokoroSynthesizer contract the
// Kokoro adapter expects.
type KokoroGRPCClient struct {
	conn   *grpc.ClientConn
	client kokoropb.KokoroClient
}

func NewKokoroGRPCClient(addr string) (*KokoroGRPCClient, error) {
	conn, err := kokoropb.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("kokoro grpc client: dial %s: %w", addr, err)
	}
	return &KokoroGRPCClient{conn: conn, client: kokoropb.NewKokoroClient(conn)}, nil
}

func (c *KokoroGRPCClient) Warm(ctx context.Context) error {
	_, err := c.client.Warm(ctx, &kokoropb.WarmRequest{})
	return err
}

func (c *KokoroGRPCClient) Render(ctx context.Context, text, voice string, speed float64) ([]byte, error) {
	resp, err := c.client.Render(ctx, &kokoropb.RenderRequest{Text: text, Voice: voice, Speed: speed})
	if err != nil {
		return nil, err
	}
	return resp.Audio, nil
}

// RenderChunks renders the full clip in one round trip and fans it out as a
// single chunk. The sidecar has no incremental response mode today; a true
// streaming RPC would need a second method on kokoropb.KokoroClient.
func (c *KokoroGRPCClient) RenderChunks(ctx context.Context, text, voice string, speed float64) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		audio, err := c.Render(ctx, text, voice, speed)
		if err != nil {
			errs <- err
			return
		}
		chunks <- audio
	}()
	return chunks, errs
}

func (c *KokoroGRPCClient) Close() error {
	return c.conn.Close()
}

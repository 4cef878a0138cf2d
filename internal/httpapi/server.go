// Package httpapi wires the session façade onto an HTTP/websocket
// transport: a gorilla/mux router, CORS and logging middleware, a
// per-user rate limiter on the synthesize route, and Prometheus metrics
// exposed at /metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yapit-tts/synthesis-gateway/internal/cache"
	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
	"github.com/yapit-tts/synthesis-gateway/internal/config"
	"github.com/yapit-tts/synthesis-gateway/internal/fingerprint"
	"github.com/yapit-tts/synthesis-gateway/internal/middleware"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
	"github.com/yapit-tts/synthesis-gateway/internal/session"
	"github.com/yapit-tts/synthesis-gateway/internal/webhooks"
)

// Server exposes the gateway's session façade over REST + WebSocket.
type Server struct {
	Facade      *session.Facade
	Streamer    *session.Streamer
	Config      *config.Config
	RateLimiter *middleware.RateLimiter

	// Webhooks is nil unless the deployment enables the completion-webhook
	// notification channel; the /webhooks routes are registered either way
	// but return 503 while it is nil.
	Webhooks *webhooks.Registry

	// Breakers is nil-safe: when it is not wired, /healthz returns only
	// {"status":"ok"}, without the dependencies and breakers keys.
	Breakers *circuitbreaker.ServiceBreakers
}

// New wires a Server with a default 120-call-per-minute rate limiter on
// the synthesize route.
func New(facade *session.Facade, streamer *session.Streamer, cfg *config.Config) *Server {
	return &Server{
		Facade:      facade,
		Streamer:    streamer,
		Config:      cfg,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 120}),
	}
}

// Router builds the mux.Router with all routes and global middleware
// attached. Split out from Run so tests can exercise it with httptest
// without opening a real listener.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/audio/{fingerprint}", s.handleFetchAudio).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	r.Handle("/synthesize", s.RateLimiter.Middleware(http.HandlerFunc(s.handleSynthesize))).Methods(http.MethodPost)

	r.HandleFunc("/cursor", s.handleCursorMoved).Methods(http.MethodPost)

	r.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{id}", s.handleUnregisterWebhook).Methods(http.MethodDelete)

	r.Use(CORSMiddleware(s.Config))
	r.Use(LoggingMiddleware)
	return r
}

// Run starts the server and blocks until ctx is canceled, at which point
// it drains in-flight requests within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         ":" + s.Config.GetPort(),
		Handler:      s.Router(),
		ReadTimeout:  time.Duration(s.Config.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.Config.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.Config.Server.IdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.Config.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		slog.Info("httpapi: shutting down")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.Breakers != nil {
		status, deps := s.Breakers.HealthStatus()
		resp["dependencies"] = status
		resp["breakers"] = deps
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type synthesizeRequest struct {
	UserID     string         `json:"user_id"`
	DocumentID string         `json:"document_id"`
	BlockIdx   int            `json:"block_idx"`
	ModelSlug  string         `json:"model_slug"`
	VoiceSlug  string         `json:"voice_slug"`
	Text       string         `json:"text"`
	Speed      float64        `json:"speed"`
	Codec      string         `json:"codec"`
	Params     map[string]any `json:"params"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}

	outcome, err := s.Facade.Synthesize(r.Context(), session.SynthesizeRequest{
		UserID: req.UserID, DocumentID: req.DocumentID, BlockIdx: req.BlockIdx,
		ModelSlug: req.ModelSlug, VoiceSlug: req.VoiceSlug, Text: req.Text,
		Speed: req.Speed, Codec: req.Codec, Params: req.Params,
	})
	if err != nil {
		slog.Error("httpapi: synthesize failed", "error", err)
		http.Error(w, `{"error":"synthesize failed"}`, http.StatusInternalServerError)
		return
	}

	resp := map[string]string{"status": "queued"}
	switch outcome {
	case queue.SubscribedOnly:
		resp["status"] = "subscribed"
	case queue.CacheHit:
		resp["status"] = "cached"
		resp["audio_url"] = "/audio/" + fingerprint.Compute(req.Text, req.ModelSlug, req.VoiceSlug, req.Speed, req.Codec)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type cursorMovedRequest struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Cursor     int    `json:"cursor"`
}

func (s *Server) handleCursorMoved(w http.ResponseWriter, r *http.Request) {
	var req cursorMovedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := s.Facade.CursorMoved(r.Context(), req.UserID, req.DocumentID, req.Cursor); err != nil {
		slog.Error("httpapi: cursor moved failed", "error", err)
		http.Error(w, `{"error":"cursor update failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchAudio(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fingerprint"]

	audio, err := s.Facade.Cache.Fetch(r.Context(), fp)
	if err != nil {
		if cache.IsNotFound(err) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("httpapi: fetch audio failed", "fingerprint", fp, "error", err)
		http.Error(w, `{"error":"fetch failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(audio)
}

type registerWebhookRequest struct {
	URL    string                `json:"url"`
	Events []webhooks.EventType  `json:"events"`
	Secret string                `json:"secret"`
	UserID string                `json:"user_id"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Webhooks == nil {
		http.Error(w, `{"error":"webhook delivery is not enabled on this deployment"}`, http.StatusServiceUnavailable)
		return
	}
	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	sub := &webhooks.Subscription{URL: req.URL, Events: req.Events, Secret: req.Secret, UserID: req.UserID}
	if err := s.Webhooks.Register(sub); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.Webhooks == nil {
		http.Error(w, `{"error":"webhook delivery is not enabled on this deployment"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Webhooks.ListAll())
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Webhooks == nil {
		http.Error(w, `{"error":"webhook delivery is not enabled on this deployment"}`, http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Webhooks.Unregister(id); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	documentID := r.URL.Query().Get("document_id")
	if userID == "" || documentID == "" {
		http.Error(w, `{"error":"user_id and document_id are required"}`, http.StatusBadRequest)
		return
	}
	if err := s.Streamer.HandleWebSocket(w, r, userID, documentID); err != nil {
		slog.Error("httpapi: websocket upgrade failed", "error", err)
	}
}

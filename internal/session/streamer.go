package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

// hub fans a single (user, document) pub/sub channel out to every browser
// tab currently watching it. One hub is created per channel on first
// subscriber and lives until the streamer's root context ends; it is not
// torn down when its last client disconnects.
type hub struct {
	userID     string
	documentID string
	clients    map[*websocket.Conn]bool
	broadcast  chan models.StatusMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func newHub(userID, documentID string) *hub {
	return &hub{
		userID:     userID,
		documentID: documentID,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan models.StatusMessage, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteJSON(msg); err != nil {
					slog.Warn("[Streamer] write failed, dropping client", "user_id", h.userID, "document_id", h.documentID, "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Streamer bridges the broker's per-user-document pub/sub channel to live
// websocket connections, grounded in the same register/unregister/broadcast
// hub shape the rest of this codebase already uses for live fan-out. It
// keeps its own root context, separate from any one request's context,
// since a hub must outlive the HTTP handler call that created it.
type Streamer struct {
	Broker   broker.Broker
	Upgrader websocket.Upgrader

	ctx  context.Context
	mu   sync.Mutex
	hubs map[string]*hub
}

func NewStreamer(ctx context.Context, br broker.Broker) *Streamer {
	return &Streamer{
		Broker: br,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:  ctx,
		hubs: make(map[string]*hub),
	}
}

// HandleWebSocket upgrades the connection and registers it on the
// (userID, documentID) hub, creating and subscribing the hub to the
// broker channel on first use.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID, documentID string) error {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	h, err := s.hubFor(userID, documentID)
	if err != nil {
		conn.Close()
		return err
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *Streamer) hubFor(userID, documentID string) (*hub, error) {
	key := userID + "\x1f" + documentID

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hubs[key]; ok {
		return h, nil
	}

	h := newHub(userID, documentID)
	unsubscribe, err := s.Broker.Subscribe(s.ctx, broker.Channel(userID, documentID), func(raw []byte) {
		var msg models.StatusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Error("[Streamer] malformed status message", "user_id", userID, "document_id", documentID, "error", err)
			return
		}
		h.broadcast <- msg
	})
	if err != nil {
		return nil, err
	}

	go h.run(s.ctx)
	go func() {
		<-s.ctx.Done()
		unsubscribe()
		s.mu.Lock()
		delete(s.hubs, key)
		s.mu.Unlock()
	}()

	s.hubs[key] = h
	return h, nil
}

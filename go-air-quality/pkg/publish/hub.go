package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

const wsWriteTimeout = 5 * time.Second

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) write(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub broadcasts results to every connected websocket client.
type Hub struct {
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu    sync.Mutex
	peers map[*wsPeer]struct{}
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Read-only public data; any origin may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   log,
		peers: make(map[*wsPeer]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the client subscribed until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	peer := &wsPeer{conn: conn}
	h.join(peer)
	defer h.leave(peer)

	// Clients never send anything we act on; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) join(p *wsPeer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.log.WithField("clients", n).Debug("Stream client connected")
}

func (h *Hub) leave(p *wsPeer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	h.mu.Unlock()
	if ok {
		_ = p.conn.Close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) snapshot() []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*wsPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}

// Publish sends the result to every client. Clients that cannot keep up are dropped.
func (h *Hub) Publish(_ context.Context, result *model.SensorResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for sensor %s: %w", result.SensorID, err)
	}
	for _, p := range h.snapshot() {
		if err := p.write(payload); err != nil {
			h.log.WithError(err).Debug("Dropping stream client")
			h.leave(p)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	for _, p := range h.snapshot() {
		h.leave(p)
	}
}

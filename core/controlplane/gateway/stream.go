package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soullab/kernel-gateway/core/apierr"
	"github.com/soullab/kernel-gateway/core/infra/logging"
	"github.com/soullab/kernel-gateway/core/memory"
)

const (
	streamClientBuffer = 64
	streamEventBuffer  = 512
	streamWriteTimeout = 5 * time.Second
)

type streamClient struct {
	tenant memory.TenantContext
	ch     chan memory.Event
}

// streamHub fans memory events out to websocket subscribers of the same
// tenant. It implements memory.Notifier and never blocks the caller.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*streamClient

	events    chan memory.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamHub() *streamHub {
	h := &streamHub{
		clients: make(map[*websocket.Conn]*streamClient),
		events:  make(chan memory.Event, streamEventBuffer),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Notify queues evt for broadcast, dropping it when the queue is full.
func (h *streamHub) Notify(evt memory.Event) {
	select {
	case h.events <- evt:
	default:
		logging.Warn("gateway", "memory event dropped", "type", evt.Type)
	}
}

func (h *streamHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *streamHub) run() {
	for {
		select {
		case evt := <-h.events:
			h.broadcast(evt)
		case <-h.done:
			return
		}
	}
}

// broadcast delivers evt to matching clients and evicts any whose buffer is
// full.
func (h *streamHub) broadcast(evt memory.Event) {
	tenant := memory.TenantContext{OrgID: evt.OrgID, SpaceID: evt.SpaceID, UserID: evt.UserID}
	var slowClients []*websocket.Conn
	h.mu.RLock()
	for conn, client := range h.clients {
		if client.tenant != tenant {
			continue
		}
		select {
		case client.ch <- evt:
		default:
			slowClients = append(slowClients, conn)
		}
	}
	h.mu.RUnlock()

	if len(slowClients) > 0 {
		h.mu.Lock()
		for _, conn := range slowClients {
			delete(h.clients, conn)
		}
		h.mu.Unlock()
		for _, conn := range slowClients {
			if err := conn.Close(); err != nil {
				logging.Error("gateway", "ws client close failed", "error", err)
			}
		}
	}
}

func (h *streamHub) add(conn *websocket.Conn, tenant memory.TenantContext) *streamClient {
	client := &streamClient{tenant: tenant, ch: make(chan memory.Event, streamClientBuffer)}
	h.mu.Lock()
	h.clients[conn] = client
	h.mu.Unlock()
	return client
}

func (h *streamHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *streamHub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin:  s.origins.allowed,
		Subprotocols: []string{wsAPIKeyProtocol},
	}
}

// handleMemoryStream streams the tenant's memory events as JSON text frames.
func (s *server) handleMemoryStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := tenantFromQuery(r, q.Get("user_id"))
	if err := tenant.Validate(); err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	client := s.hub.add(ws, tenant)
	defer s.hub.remove(ws)

	// Reads only serve to notice the peer going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-client.ch:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(evt); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.hub.done:
			return
		}
	}
}

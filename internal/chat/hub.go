package chat

import (
	"sync"

	"realtime-chat/internal/metrics"
	"realtime-chat/internal/registry"

	"go.uber.org/zap"
)

// Hub owns the event loop. Register, unregister and inbound events are
// handled one at a time, so each registry mutation and its fan-out are
// observed by peers as a single step.
type Hub struct {
	router  *Router
	clients map[registry.ConnID]*Client

	Register   chan *Client
	Unregister chan *Client
	Inbound    chan Inbound
	Quit       chan struct{}

	done     chan struct{}
	quitOnce sync.Once

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewHub(router *Router, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = router.metrics
	}
	log.Info("initializing hub")
	return &Hub{
		router:     router,
		clients:    make(map[registry.ConnID]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan Inbound, 256),
		Quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
		metrics:    m,
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stop asks the loop to shut down. Safe to call more than once.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() { close(h.Quit) })
}

func (h *Hub) Run() {
	h.log.Info("main loop started")
	defer close(h.done)
	for {
		select {
		case <-h.Quit:
			h.log.Info("quit signal received, closing all client connections", zap.Int("clients", len(h.clients)))
			for _, client := range h.clients {
				h.cleanupClient(client)
			}
			return

		case client := <-h.Register:
			h.clients[client.ID] = client
			h.metrics.Connections.Inc()
			h.log.Debug("client registered", zap.String("conn", string(client.ID)), zap.String("addr", client.Addr))
			h.deliver(h.router.Connect(client.ID))

		case client := <-h.Unregister:
			h.remove(client)

		case in := <-h.Inbound:
			if _, ok := h.clients[in.Conn]; !ok {
				continue
			}
			h.deliver(h.router.Handle(in))
		}
	}
}

// remove closes the client and tells the router, once.
func (h *Hub) remove(client *Client) {
	if current, ok := h.clients[client.ID]; !ok || current != client {
		return
	}
	h.cleanupClient(client)
	h.log.Debug("client unregistered", zap.String("conn", string(client.ID)), zap.Int("remaining", len(h.clients)))
	h.deliver(h.router.Disconnect(client.ID))
}

func (h *Hub) cleanupClient(c *Client) {
	c.once.Do(func() {
		delete(h.clients, c.ID)
		h.metrics.Connections.Dec()
		close(c.Send)
	})
}

func (h *Hub) deliver(res Result) {
	var slow []*Client
	for _, out := range res.Out {
		payload, err := encodeEnvelope(out.Event)
		if err != nil {
			h.log.Error("marshal outbound event", zap.String("type", string(out.Event.Type)), zap.Error(err))
			continue
		}
		for _, id := range out.To {
			client, ok := h.clients[id]
			if !ok {
				continue
			}
			select {
			case client.Send <- payload:
				h.metrics.EventsSent.WithLabelValues(string(out.Event.Type)).Inc()
			default:
				h.log.Warn("client buffer full, evicting slow consumer", zap.String("conn", string(id)))
				slow = append(slow, client)
			}
		}
	}
	for _, id := range res.Evict {
		if client, ok := h.clients[id]; ok {
			h.log.Info("evicting connection after identity takeover", zap.String("conn", string(id)))
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.metrics.Evictions.Inc()
		h.remove(client)
	}
}

// submit hands an event to the loop unless the hub has stopped.
func (h *Hub) submit(in Inbound) bool {
	select {
	case h.Inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

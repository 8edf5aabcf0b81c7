package realtime

import (
	"context"
	"cookshare/feeds"
	"cookshare/models"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const hubQueueSize = 256

var (
	hubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cookshare_realtime_hub_clients",
		Help: "Current number of subscribers attached to the realtime hub",
	})

	hubPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_realtime_hub_published_total",
		Help: "Change events published to the realtime hub",
	}, []string{"resource", "event"})

	hubOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_realtime_hub_overflows_total",
		Help: "Subscribers dropped because their queue was full",
	}, []string{"resource"})
)

// Hub fans out change events to websocket and in-process subscribers.
// It serves the endpoint that Client connects to.
type Hub struct {
	sync.RWMutex
	clients  map[string]*hubClient
	upgrader websocket.Upgrader
	encoder  *zstd.Encoder
}

type hubClient struct {
	key      string
	resource string
	filter   models.Filter
	queue    chan models.ChangeEvent

	// Remote clients are disconnected on overflow so they reconnect and
	// reload. Local ones are flagged and told to resync once drained.
	conn      *websocket.Conn
	dropped   atomic.Bool
	lost      chan struct{}
	closeOnce sync.Once
}

func NewHub() (*Hub, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	return &Hub{
		clients: make(map[string]*hubClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsWriteBufferSize,
			WriteBufferSize: wsReadBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		encoder: encoder,
	}, nil
}

func (h *Hub) add(client *hubClient) {
	h.Lock()
	defer h.Unlock()
	h.clients[client.key] = client
	hubClients.Inc()
	log.WithFields(log.Fields{
		"key":      client.key,
		"resource": client.resource,
		"count":    len(h.clients),
	}).Info("Adding client to hub")
}

func (h *Hub) remove(key string) {
	h.Lock()
	defer h.Unlock()

	client, ok := h.clients[key]
	if !ok {
		return
	}
	delete(h.clients, key)
	close(client.queue)
	hubClients.Dec()

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(h.clients),
	}).Info("Removed client from hub")
}

// ClientCount returns the number of attached subscribers
func (h *Hub) ClientCount() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Publish delivers event to every subscriber of resource whose filter admits
// it. Inserts are matched against the filter, updates and deletes go to all
// subscribers of the resource since they no longer carry the filtered columns.
func (h *Hub) Publish(resource string, event models.ChangeEvent) {
	hubPublished.WithLabelValues(resource, models.EventName(event)).Inc()

	var overflowed []*hubClient

	h.RLock()
	for _, client := range h.clients {
		if client.resource != resource {
			continue
		}
		if create, ok := event.(models.CreateItemEvent); ok && !client.filter.Matches(create.Item) {
			continue
		}

		select {
		case client.queue <- event: // Non-blocking send
		default:
			hubOverflows.WithLabelValues(resource).Inc()
			log.Warnf("Client queue full, skipping event for client: %v", client.key)
			if client.conn != nil {
				overflowed = append(overflowed, client)
			} else {
				client.dropped.Store(true)
			}
		}
	}
	h.RUnlock()

	for _, client := range overflowed {
		h.remove(client.key)
	}
}

// Subscribe attaches an in-process subscriber. Events are delivered on a
// dedicated goroutine in publish order.
func (h *Hub) Subscribe(ctx context.Context, resource string, filter models.Filter, onEvent func(models.ChangeEvent)) (feeds.Subscription, error) {
	if _, err := models.KindForResource(resource); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	client := &hubClient{
		key:      uuid.New().String(),
		resource: resource,
		filter:   filter,
		queue:    make(chan models.ChangeEvent, hubQueueSize),
		lost:     make(chan struct{}, 1),
	}
	h.add(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range client.queue {
			onEvent(event)

			// Signal the loss only after the backlog is delivered, so the
			// subscriber's refetch is newer than every queued event
			if len(client.queue) == 0 && client.dropped.CompareAndSwap(true, false) {
				select {
				case client.lost <- struct{}{}:
				default:
				}
			}
		}
	}()

	return &localSubscription{hub: h, key: client.key, done: done, lost: client.lost}, nil
}

type localSubscription struct {
	hub  *Hub
	key  string
	done chan struct{}
	lost chan struct{}
	once sync.Once
}

// Resync yields after events were dropped because the subscriber fell behind
func (s *localSubscription) Resync() <-chan struct{} {
	return s.lost
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s.key)
		<-s.done
	})
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams changes for the
// resource and filter clauses named in the query string
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	resource := q.Get("resource")
	if _, err := models.KindForResource(resource); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, err := models.ParseFilterClauses(q["filter"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	compress := q.Get("compress") == "true"

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Failed to upgrade realtime connection")
		return
	}

	client := &hubClient{
		key:      uuid.New().String(),
		resource: resource,
		filter:   filter,
		queue:    make(chan models.ChangeEvent, hubQueueSize),
		conn:     conn,
	}
	h.add(client)

	go h.write(client, compress)

	// Read until the peer goes away; clients send nothing but control frames
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(client.key)
	client.close()
}

// write drains the client's queue onto its connection. Only this goroutine
// writes data frames.
func (h *Hub) write(client *hubClient, compress bool) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer client.close()

	for {
		select {
		case event, ok := <-client.queue:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}

			msg, err := Encode(client.resource, event)
			if err != nil {
				log.Errorf("Error encoding event for client %s: %v", client.key, err)
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Errorf("Error marshalling event for client %s: %v", client.key, err)
				continue
			}

			messageType := websocket.TextMessage
			if compress {
				messageType = websocket.BinaryMessage
				data = h.encoder.EncodeAll(data, nil)
			}

			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteMessage(messageType, data); err != nil {
				log.Warnf("Failed to send event to client %s: %v", client.key, err)
				return
			}

		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warnf("Failed to send ping to client %s: %v", client.key, err)
				return
			}
		}
	}
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Shutdown disconnects every subscriber
func (h *Hub) Shutdown() {
	log.Info("Shutting down realtime hub")

	h.RLock()
	keys := make([]string, 0, len(h.clients))
	for key := range h.clients {
		keys = append(keys, key)
	}
	h.RUnlock()

	for _, key := range keys {
		h.remove(key)
	}
}

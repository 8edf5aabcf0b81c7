package realtime

import (
	"context"
	"cookshare/feeds"
	"cookshare/models"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var ErrNoHosts = errors.New("no realtime hosts configured")

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookshare_realtime_connection_attempts_total",
		Help: "The total number of connection attempts to the realtime websocket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookshare_realtime_connection_errors_total",
		Help: "The total number of connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cookshare_realtime_current_connections",
		Help: "The current number of active realtime websocket connections",
	})

	wsConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cookshare_realtime_connection_duration_seconds",
		Help:    "Duration of realtime websocket connections",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	wsPingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cookshare_realtime_ping_latency_seconds",
		Help:    "Latency of websocket ping/pong round trips",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	wsHostSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_realtime_host_switches_total",
		Help: "Number of times the connection switched to a different host",
	}, []string{"from_host", "to_host"})

	wsMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_realtime_messages_dropped_total",
		Help: "Messages received on a subscription that could not be decoded",
	}, []string{"table"})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 1024        // 1KB
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Config holds configuration for realtime subscriptions
type Config struct {
	// Hosts is a list of realtime endpoints to try in order
	// e.g. ["ws://localhost:3000", "ws://replica:3000"]
	Hosts     []string
	Compress  bool
	UserAgent string

	// OnReconnect is called after a dropped connection has been restored.
	// Changes published while disconnected are lost, so callers typically
	// reload their feed here.
	OnReconnect func()
	// OnError is called when an established connection drops
	OnError func(error)
}

// Client opens realtime subscriptions against a set of hosts with failover
type Client struct {
	config Config
	dialer websocket.Dialer
}

func NewClient(config Config) (*Client, error) {
	if len(config.Hosts) == 0 {
		return nil, ErrNoHosts
	}

	return &Client{
		config: config,
		dialer: websocket.Dialer{
			ReadBufferSize:   wsReadBufferSize,
			WriteBufferSize:  wsWriteBufferSize,
			HandshakeTimeout: 45 * time.Second,
			NetDialContext: (&net.Dialer{
				Timeout:   45 * time.Second,
				KeepAlive: 45 * time.Second,
			}).DialContext,
		},
	}, nil
}

// Subscription is a live change stream for one resource.
// It reconnects on its own until closed.
type Subscription struct {
	client   *Client
	resource string
	filter   models.Filter
	onEvent  func(models.ChangeEvent)
	proc     *processor

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	hostIdx int
	lost    chan struct{}

	closeOnce sync.Once
}

// Subscribe connects to the first reachable host and delivers change events
// for resource to onEvent, one at a time and in arrival order. ctx bounds the
// initial connection only; the subscription lives until Close.
func (c *Client) Subscribe(ctx context.Context, resource string, filter models.Filter, onEvent func(models.ChangeEvent)) (feeds.Subscription, error) {
	if _, err := models.KindForResource(resource); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	proc, err := newProcessor(resource, c.config.Compress)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"hosts":    c.config.Hosts,
		"resource": resource,
		"filter":   filter.Clauses(),
	}).Info("Subscribing to realtime changes")

	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		client:   c,
		resource: resource,
		filter:   filter,
		onEvent:  onEvent,
		proc:     proc,
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		lost:     make(chan struct{}, 1),
	}

	// The first dial honors both the caller's context and Close
	dialCtx, stop := context.WithCancel(ctx)
	go func() {
		select {
		case <-subCtx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()
	conn, err := s.connect(dialCtx)
	stop()
	if err != nil {
		cancel()
		proc.close()
		return nil, err
	}

	go s.run(conn)

	return s, nil
}

// connect dials hosts in order, switching host on failure and backing off
// once every host has been tried.
func (s *Subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	hosts := s.client.config.Hosts

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 1.5
	b.MaxElapsedTime = 0 // Never stop retrying

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		currentHost := hosts[s.hostIdx]
		s.mu.Unlock()

		u, err := s.endpoint(currentHost)
		if err != nil {
			return nil, err
		}

		headers := http.Header{}
		if s.client.config.UserAgent != "" {
			headers.Set("User-Agent", s.client.config.UserAgent)
		}

		wsConnectionAttempts.Inc()
		conn, _, dialErr := s.client.dialer.DialContext(ctx, u, headers)
		if dialErr == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			return conn, nil
		}

		wsConnectionErrors.Inc()
		log.WithFields(log.Fields{
			"host":  currentHost,
			"error": dialErr,
		}).Error("Error connecting to realtime host")

		// Try next host
		failures++
		if len(hosts) > 1 {
			s.mu.Lock()
			next := (s.hostIdx + 1) % len(hosts)
			wsHostSwitches.WithLabelValues(currentHost, hosts[next]).Inc()
			log.Infof("Switching from host %s to %s", currentHost, hosts[next])
			s.hostIdx = next
			s.mu.Unlock()
		}

		// Back off once every host has failed in this round
		if failures%len(hosts) != 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (s *Subscription) endpoint(host string) (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/realtime", host))
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("resource", s.resource)
	for _, clause := range s.filter.Clauses() {
		q.Add("filter", clause)
	}
	if s.client.config.Compress {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// run reads from conn and replaces it whenever it drops, until the
// subscription is closed
func (s *Subscription) run(conn *websocket.Conn) {
	defer close(s.done)
	defer s.proc.close()

	for {
		err := s.read(conn)
		if s.ctx.Err() != nil {
			return
		}

		wsConnectionErrors.Inc()
		log.WithFields(log.Fields{
			"resource": s.resource,
			"error":    err,
		}).Warn("Realtime connection dropped, reconnecting")
		if s.client.config.OnError != nil {
			s.client.config.OnError(err)
		}

		conn, err = s.connect(s.ctx)
		if err != nil {
			return
		}

		log.WithFields(log.Fields{
			"resource": s.resource,
		}).Info("Realtime connection restored")
		if s.client.config.OnReconnect != nil {
			s.client.config.OnReconnect()
		}
		select {
		case s.lost <- struct{}{}:
		default:
		}
	}
}

// read consumes one connection until it fails or the subscription closes
func (s *Subscription) read(conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer conn.Close()

	wsCurrentConnections.Inc()
	connStart := time.Now()
	defer func() {
		wsConnectionDuration.Observe(time.Since(connStart).Seconds())
		wsCurrentConnections.Dec()
	}()

	setupConnectionHandlers(conn)
	go managePingPong(connCtx, conn)

	// Unblock ReadMessage when the subscription closes
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Errorf("Unexpected websocket close: %v", err)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		event, err := s.proc.process(&RawMessage{MessageType: messageType, Data: data})
		if err != nil {
			if !errors.Is(err, errOtherTable) {
				wsMessagesDropped.WithLabelValues(s.resource).Inc()
				log.WithFields(log.Fields{
					"resource": s.resource,
					"error":    err,
				}).Warn("Dropping realtime message")
			}
			continue
		}

		// Nothing is delivered once Close has returned
		if s.ctx.Err() != nil {
			return nil
		}
		s.onEvent(event)
	}
}

// Resync yields after a dropped connection was restored. Changes published
// while disconnected are lost.
func (s *Subscription) Resync() <-chan struct{} {
	return s.lost
}

// Close stops the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
		}

		s.cancel()
		<-s.done
	})
	return nil
}

// setupConnectionHandlers configures the websocket connection handlers
func setupConnectionHandlers(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("WebSocket connection closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		log.Debug("Received ping from server")
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	conn.SetPongHandler(func(appData string) error {
		log.Debug("Received pong from server")
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// managePingPong handles the ping/pong keepalive for the websocket connection
func managePingPong(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingStart := time.Now()
			log.Debug("Sending ping to check connection")

			// Measure ping latency when we receive the pong
			conn.SetPongHandler(func(appData string) error {
				wsPingLatency.Observe(time.Since(pingStart).Seconds())
				return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			})

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warn("Ping failed, closing connection for restart: ", err)
				conn.Close()
				return
			}
		}
	}
}

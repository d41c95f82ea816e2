package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/dserv/broker"
	"github.com/c360/dserv/dispatch"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/health"
	"github.com/c360/dserv/metric"
)

// Envelope types
const (
	TypeData           = "data"
	TypeAck            = "ack"
	TypeError          = "error"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeSubscribeGroup = "subscribe_group"
	TypeGet            = "get"
)

// Config holds configuration for the WebSocket feed.
type Config struct {
	Bind         string        `json:"bind" yaml:"bind"`
	Port         int           `json:"port" yaml:"port"`
	Path         string        `json:"path" yaml:"path"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the default feed settings.
func DefaultConfig() Config {
	return Config{
		Port:         8081,
		Path:         "/ws",
		QueueSize:    256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the feed settings.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("check port %d", c.Port))
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("check path %q", c.Path))
	}
	if c.QueueSize < 0 || c.PingInterval < 0 || c.WriteTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check limits")
	}
	return nil
}

// Deps holds the feed's runtime dependencies.
type Deps struct {
	Broker          *broker.Broker
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Envelope is every message exchanged with a client.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix milliseconds
	Pattern   string          `json:"pattern,omitempty"`
	Every     int             `json:"every,omitempty"`
	Group     int             `json:"group,omitempty"`
	Name      string          `json:"name,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Output serves the datapoint feed.
type Output struct {
	cfg      Config
	broker   *broker.Broker
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	lifecycleMu sync.Mutex
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	running     atomic.Bool
	startTime   time.Time
	wg          sync.WaitGroup

	messageIDCounter atomic.Uint64
	errors           atomic.Int64
}

// client is one connected WebSocket peer.
type client struct {
	id          string
	conn        *websocket.Conn
	sub         *dispatch.Subscriber
	logger      *slog.Logger
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	writeMutex sync.Mutex
	closeOnce  sync.Once
}

// NewOutput creates the feed. The HTTP listener is opened by Start; Handler
// can be mounted elsewhere instead.
func NewOutput(cfg Config, deps Deps) (*Output, error) {
	if deps.Broker == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Output", "NewOutput", "check broker dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Output", "NewOutput", "register metrics")
	}

	return &Output{
		cfg:     cfg,
		broker:  deps.Broker,
		logger:  logger.With("component", "websocket"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Handler returns the HTTP handler serving the feed path.
func (w *Output) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves the feed.
func (w *Output) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Output", "Start", "context already cancelled or timed out")
	}

	addr := net.JoinHostPort(w.cfg.Bind, strconv.Itoa(w.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "Output", "Start", "listen on "+addr)
	}

	w.listener = ln
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	w.startTime = time.Now()
	w.running.Store(true)

	w.wg.Add(2)
	go w.runServer(w.server, ln)
	go w.maintainClients(ctx)

	w.logger.Info("WebSocket feed listening", "addr", ln.Addr().String(), "path", w.cfg.Path)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (w *Output) Addr() net.Addr {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

func (w *Output) runServer(server *http.Server, ln net.Listener) {
	defer w.wg.Done()
	if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		w.errors.Add(1)
		w.metrics.recordError("server")
		w.logger.Error("HTTP server failed", "error", err)
	}
}

// Stop shuts the HTTP server down and disconnects every client.
func (w *Output) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	select {
	case <-w.shutdown:
		return nil
	default:
	}
	close(w.shutdown)
	w.running.Store(false)

	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}
	w.closeAllClients()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("WebSocket feed stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Output", "Stop", "wait for client goroutines")
	}
}

// Clients returns the number of connected clients.
func (w *Output) Clients() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

// Health reports the feed status.
func (w *Output) Health() health.Status {
	if !w.running.Load() {
		return health.NewUnhealthy("websocket", "not listening")
	}
	return health.NewHealthy("websocket", "listening").WithMetrics(&health.Metrics{
		Uptime:      time.Since(w.startTime),
		ErrorCount:  w.errors.Load(),
		Connections: w.Clients(),
	})
}

func (w *Output) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.shutdown:
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.errors.Add(1)
		w.metrics.recordError("connection_upgrade")
		return
	}

	id := uuid.New().String()
	c := &client{
		id:          id,
		conn:        conn,
		sub:         w.broker.Subscribe(w.cfg.QueueSize),
		logger:      w.logger.With("client_id", id, "remote", r.RemoteAddr),
		connectedAt: time.Now(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, pattern := range r.URL.Query()["match"] {
		if err := c.sub.Subscribe(pattern, 1); err != nil {
			c.logger.Debug("Ignoring initial pattern", "pattern", pattern, "error", err)
		}
	}

	w.clientsMu.Lock()
	w.clients[c] = struct{}{}
	count := len(w.clients)
	w.clientsMu.Unlock()
	w.metrics.clientConnected(count)
	c.logger.Debug("WebSocket client connected")

	w.wg.Add(2)
	go w.writeLoop(c)
	go w.readLoop(c)
}

// readLoop handles control envelopes until the peer goes away.
func (w *Output) readLoop(c *client) {
	defer w.wg.Done()
	defer w.removeClient(c, "normal")

	readTimeout := 2 * w.cfg.PingInterval
	c.conn.SetPongHandler(func(string) error {
		if readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		return nil
	})

	for {
		if readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			w.metrics.recordError("invalid_envelope")
			if err := w.send(c, Envelope{Type: TypeError, Error: "invalid envelope"}); err != nil {
				return
			}
			continue
		}
		if err := w.send(c, w.handleControl(c, env)); err != nil {
			return
		}
	}
}

func (w *Output) handleControl(c *client, env Envelope) Envelope {
	reply := Envelope{Type: TypeAck, ID: env.ID}
	var err error

	switch env.Type {
	case TypeSubscribe:
		every := env.Every
		if every < 1 {
			every = 1
		}
		err = c.sub.Subscribe(env.Pattern, every)
	case TypeUnsubscribe:
		if !c.sub.Unsubscribe(env.Pattern) {
			err = errors.WrapInvalid(errors.ErrInvalidPattern, "Output", "handleControl",
				"remove pattern "+strconv.Quote(env.Pattern))
		}
	case TypeSubscribeGroup:
		err = c.sub.SubscribeGroup(env.Group)
	case TypeGet:
		dp, ok := w.broker.Get(env.Name)
		if !ok {
			reply.Type, reply.Error = TypeError, "not found"
			return reply
		}
		reply.Payload, err = json.Marshal(dp)
	default:
		reply.Type, reply.Error = TypeError, "unknown envelope type "+strconv.Quote(env.Type)
		return reply
	}

	if err != nil {
		reply.Type, reply.Error = TypeError, err.Error()
	}
	return reply
}

// writeLoop drains the client's subscriber queue onto the socket.
func (w *Output) writeLoop(c *client) {
	defer w.wg.Done()
	for {
		dp, err := c.sub.Next(c.ctx)
		if err != nil {
			return
		}
		payload, err := json.Marshal(dp)
		if err != nil {
			w.metrics.recordError("marshal")
			continue
		}
		env := Envelope{
			Type:      TypeData,
			ID:        strconv.FormatUint(w.messageIDCounter.Add(1), 10),
			Timestamp: time.Now().UnixMilli(),
			Payload:   payload,
		}
		if err := w.send(c, env); err != nil {
			w.removeClient(c, "write_error")
			return
		}
	}
}

func (w *Output) send(c *client, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// gorilla/websocket allows one concurrent writer.
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if w.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.metrics.recordError("write")
		return err
	}
	if env.Type == TypeData {
		w.metrics.recordSent(len(data))
	}
	return nil
}

func (w *Output) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.sub.Close()

		w.clientsMu.Lock()
		delete(w.clients, c)
		count := len(w.clients)
		w.clientsMu.Unlock()

		w.metrics.clientDisconnected(reason, count)
		_ = c.conn.Close()
		c.logger.Debug("WebSocket client disconnected", "reason", reason, "dropped", c.sub.Dropped())
	})
}

func (w *Output) closeAllClients() {
	w.clientsMu.RLock()
	list := make([]*client, 0, len(w.clients))
	for c := range w.clients {
		list = append(list, c)
	}
	w.clientsMu.RUnlock()

	for _, c := range list {
		c.writeMutex.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		w.removeClient(c, "shutdown")
	}
}

// maintainClients pings every client on the configured interval.
func (w *Output) maintainClients(ctx context.Context) {
	defer w.wg.Done()
	if w.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.pingClients()
		}
	}
}

func (w *Output) pingClients() {
	w.clientsMu.RLock()
	list := make([]*client, 0, len(w.clients))
	for c := range w.clients {
		list = append(list, c)
	}
	w.clientsMu.RUnlock()

	for _, c := range list {
		c.writeMutex.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout+time.Second))
		c.writeMutex.Unlock()
		if err != nil {
			w.errors.Add(1)
			w.metrics.recordError("ping")
			w.removeClient(c, "ping_failed")
		}
	}
}

// Package broker serves a shared analysis session over WebSockets. Every
// connected client observes the same event stream and any client can
// steer the session; fan-out is non-blocking so one stalled tab cannot
// hold up the rest.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tetraboard/enginehost/analysis"
	"github.com/tetraboard/enginehost/engine"
	"github.com/tetraboard/enginehost/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultListenAddr        = "127.0.0.1:8080"
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatMisses   = 3
	defaultWriteTimeout      = 5 * time.Second

	// sendBuffer is the per-client outbound queue depth. A client that
	// falls this far behind is disconnected.
	sendBuffer = 64
)

// Commander is the command surface of the analysis session the broker
// exposes to clients. *analysis.Coordinator satisfies it.
type Commander interface {
	StartEngine(ctx context.Context) error
	StopEngine(ctx context.Context) error
	StartAnalysis(ctx context.Context, history []string) error
	UpdatePosition(ctx context.Context, history []string) error
	MakeMove(ctx context.Context, move string, history []string) error
	StopAnalysis(ctx context.Context) error
	SetThreads(ctx context.Context, n int) error
	EngineStatus() engine.Status
	Subscribe(h func(analysis.Event)) func()
}

// Broker accepts WebSocket clients, forwards their commands to the
// session and fans session events out to all of them.
type Broker struct {
	log       *zap.SugaredLogger
	logger    *zap.Logger
	logLevel  zapcore.Level
	commander Commander

	listenAddr        string
	heartbeatInterval time.Duration
	heartbeatMisses   int
	writeTimeout      time.Duration

	registry *prometheus.Registry
	metrics  *Metrics

	mut        sync.Mutex
	listener   net.Listener
	httpServer *http.Server

	connsMut sync.Mutex
	conns    map[string]*conn

	unsubscribe func()
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// Option configures the broker.
type Option func(b *Broker)

// WithListenAddr sets the address the HTTP server listens on. Use port 0
// to pick a free port; Addr reports the bound address.
func WithListenAddr(addr string) Option {
	return func(b *Broker) { b.listenAddr = addr }
}

// WithLogger replaces the default logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithLogLevel sets the minimum log level.
func WithLogLevel(level zapcore.Level) Option {
	return func(b *Broker) { b.logLevel = level }
}

// WithHeartbeatInterval sets the interval between pings to clients.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broker) { b.heartbeatInterval = d }
}

// WithHeartbeatMisses sets how many silent heartbeat intervals are
// tolerated before a client is disconnected.
func WithHeartbeatMisses(n int) Option {
	return func(b *Broker) { b.heartbeatMisses = n }
}

// WithWriteTimeout bounds a single write to a client.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Broker) { b.writeTimeout = d }
}

// WithMetrics registers broker metrics on the given registry and serves
// it at /metrics.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(b *Broker) { b.registry = registry }
}

// New builds a broker for the given session. Call Run to start serving.
func New(commander Commander, opts ...Option) (*Broker, error) {
	b := &Broker{
		commander:         commander,
		listenAddr:        defaultListenAddr,
		heartbeatInterval: defaultHeartbeatInterval,
		heartbeatMisses:   defaultHeartbeatMisses,
		writeTimeout:      defaultWriteTimeout,
		logLevel:          zapcore.InfoLevel,
		conns:             map[string]*conn{},
		closed:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		b.logger = logger
	}
	b.log = b.logger.WithOptions(zap.IncreaseLevel(b.logLevel)).Sugar().Named("broker")
	b.metrics = newMetrics(b.registry)
	b.unsubscribe = b.commander.Subscribe(b.onEvent)
	return b, nil
}

// Run starts the HTTP server and blocks until Stop is called or the
// server fails.
func (b *Broker) Run() error {
	listener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.listenAddr, err)
	}

	router := httprouter.New()
	router.GET("/ws", b.handleWS)
	router.GET("/status", b.handleStatus)
	router.GET("/healthz", b.handleHealthz)
	if b.registry != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
	}
	server := &http.Server{Handler: router}

	b.mut.Lock()
	b.listener = listener
	b.httpServer = server
	b.mut.Unlock()

	// Stop may have run before the server existed.
	select {
	case <-b.closed:
		server.Close()
	default:
	}

	b.wg.Add(1)
	go b.heartbeatLoop()

	b.log.Infof("listening on %s", listener.Addr())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the server and disconnects all clients.
func (b *Broker) Stop() error {
	b.closeOnce.Do(func() { close(b.closed) })
	b.unsubscribe()
	b.mut.Lock()
	server := b.httpServer
	b.mut.Unlock()
	var err error
	if server != nil {
		err = server.Close()
	}
	for _, c := range b.snapshotConns() {
		b.dropConn(c, "server shutting down")
	}
	b.wg.Wait()
	return err
}

// Addr reports the server's bound address, or empty if it is not
// listening yet.
func (b *Broker) Addr() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Clients reports the number of connected WebSocket clients.
func (b *Broker) Clients() int {
	b.connsMut.Lock()
	defer b.connsMut.Unlock()
	return len(b.conns)
}

// conn is one connected client.
type conn struct {
	id string
	ws *websocket.Conn

	// sendCh buffers outbound envelopes so a slow client cannot stall a
	// broadcast.
	sendCh chan wire.Envelope

	seenMut  sync.Mutex
	lastSeen time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) touch() {
	c.seenMut.Lock()
	c.lastSeen = time.Now()
	c.seenMut.Unlock()
}

func (c *conn) seen() time.Time {
	c.seenMut.Lock()
	defer c.seenMut.Unlock()
	return c.lastSeen
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		b.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	c := &conn{
		id:       uuid.NewString(),
		ws:       wsConn,
		sendCh:   make(chan wire.Envelope, sendBuffer),
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}

	b.connsMut.Lock()
	b.conns[c.id] = c
	clients := len(b.conns)
	b.connsMut.Unlock()
	b.metrics.observeConnect(clients)
	b.log.Debugw("client connected", "ConnID", c.id)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.writePump(r.Context(), c)
	}()

	// A client's first frame is always the current engine status, so a
	// tab opening mid-session renders immediately.
	b.sendStatus(c)

	b.readPump(r.Context(), c)
}

func (b *Broker) readPump(ctx context.Context, c *conn) {
	defer b.dropConn(c, "read loop ended")
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				b.log.Debugw("client closed connection", "ConnID", c.id)
			} else {
				b.log.Debugf("reading from client %s: %s", c.id, err)
			}
			return
		}
		c.touch()
		b.dispatch(ctx, c, env)
	}
}

// dispatch applies one client command. Commands run synchronously on the
// read loop so each client's commands reach the session in the order
// they were sent.
func (b *Broker) dispatch(ctx context.Context, c *conn, env wire.Envelope) {
	b.metrics.observeCommand(env.Type)
	var err error
	switch env.Type {
	case wire.TypePong:
		// Liveness only; the read loop already refreshed lastSeen.
		return
	case wire.TypeGetEngineStatus:
		b.sendStatus(c)
		return
	case wire.TypeStartAnalysis:
		var req wire.StartAnalysis
		if err = env.Decode(&req); err == nil {
			err = b.commander.StartAnalysis(ctx, req.MoveHistory)
		}
	case wire.TypeUpdatePosition:
		var req wire.UpdatePosition
		if err = env.Decode(&req); err == nil {
			err = b.commander.UpdatePosition(ctx, req.MoveHistory)
		}
	case wire.TypeMakeMove:
		var req wire.MakeMove
		if err = env.Decode(&req); err == nil {
			err = b.commander.MakeMove(ctx, req.Move, req.MoveHistory)
		}
	case wire.TypeStopAnalysis:
		err = b.commander.StopAnalysis(ctx)
	case wire.TypeStartEngine:
		err = b.commander.StartEngine(ctx)
	case wire.TypeStopEngine:
		err = b.commander.StopEngine(ctx)
	case wire.TypeSetThreads:
		var req wire.SetThreads
		if err = env.Decode(&req); err == nil {
			err = b.commander.SetThreads(ctx, req.Threads)
		}
	default:
		// Unknown commands are ignored, never fatal to the connection.
		b.log.Debugw("ignoring unknown command", "ConnID", c.id, "Type", env.Type)
		return
	}
	if err != nil {
		// The failure concerns only this client; reply rather than
		// broadcast.
		b.log.Debugw("command failed", "ConnID", c.id, "Type", env.Type, "Error", err)
		b.send(c, wire.TypeError, wire.Error{Message: err.Error()})
	}
}

// writePump is the only writer on a connection. A failed or overdue
// write disconnects the client.
func (b *Broker) writePump(ctx context.Context, c *conn) {
	for {
		select {
		case env := <-c.sendCh:
			wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				b.metrics.observeWriteFailure()
				b.log.Debugf("writing to client %s: %s", c.id, err)
				b.dropConn(c, "write failed")
				return
			}
			b.metrics.observeEvent(env.Type)
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop pings every client on a fixed interval and disconnects
// clients that have been silent for too many intervals. Any inbound
// frame counts as liveness, not just pongs.
func (b *Broker) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	ping, err := wire.New(wire.TypePing, nil)
	if err != nil {
		b.log.Errorf("encoding ping: %s", err)
		return
	}
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-time.Duration(b.heartbeatMisses) * b.heartbeatInterval)
		for _, c := range b.snapshotConns() {
			if c.seen().Before(cutoff) {
				b.dropConn(c, "heartbeat timeout")
				continue
			}
			b.enqueue(c, ping)
		}
	}
}

// onEvent translates session events into wire broadcasts.
func (b *Broker) onEvent(ev analysis.Event) {
	switch ev := ev.(type) {
	case analysis.StatusEvent:
		b.broadcast(wire.TypeEngineStatus, wire.EngineStatus{
			Running:     ev.Status.Running,
			Initialized: ev.Status.Initialized,
		})
	case analysis.UpdateEvent:
		b.broadcast(wire.TypeAnalysisUpdate, wire.AnalysisUpdate{
			Depth:    ev.Update.Depth,
			Score:    ev.Update.Score,
			PV:       ev.Update.PV,
			BestMove: ev.Update.BestMove,
		})
	case analysis.ThreadsEvent:
		b.broadcast(wire.TypeThreadsUpdated, wire.ThreadsUpdated{ThreadCount: ev.Threads})
	case analysis.ErrorEvent:
		b.broadcast(wire.TypeError, wire.Error{Message: ev.Err.Error()})
	}
}

// broadcast fans an event out to every connected client.
func (b *Broker) broadcast(typ string, payload interface{}) {
	env, err := wire.New(typ, payload)
	if err != nil {
		b.log.Errorf("encoding %s event: %s", typ, err)
		return
	}
	for _, c := range b.snapshotConns() {
		b.enqueue(c, env)
	}
}

func (b *Broker) sendStatus(c *conn) {
	st := b.commander.EngineStatus()
	b.send(c, wire.TypeEngineStatus, wire.EngineStatus{
		Running:     st.Running,
		Initialized: st.Initialized,
	})
}

func (b *Broker) send(c *conn, typ string, payload interface{}) {
	env, err := wire.New(typ, payload)
	if err != nil {
		b.log.Errorf("encoding %s message: %s", typ, err)
		return
	}
	b.enqueue(c, env)
}

func (b *Broker) enqueue(c *conn, env wire.Envelope) {
	select {
	case c.sendCh <- env:
	case <-c.done:
	default:
		// The client is not draining its queue; cut it loose rather than
		// stall everyone else.
		b.dropConn(c, "send queue overflow")
	}
}

func (b *Broker) snapshotConns() []*conn {
	b.connsMut.Lock()
	defer b.connsMut.Unlock()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

// dropConn removes a client and closes its socket. Safe to call from any
// goroutine and more than once, and returns without waiting for the
// peer: the close handshake blocks until the client answers, and the
// clients being dropped are mostly ones that stopped reading.
func (b *Broker) dropConn(c *conn, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		b.connsMut.Lock()
		delete(b.conns, c.id)
		clients := len(b.conns)
		b.connsMut.Unlock()
		b.metrics.observeDisconnect(clients, reason)
		go c.ws.Close(websocket.StatusNormalClosure, reason)
		b.log.Debugw("client disconnected", "ConnID", c.id, "Reason", reason)
	})
}

func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st := b.commander.EngineStatus()
	body, err := json.Marshal(wire.EngineStatus{Running: st.Running, Initialized: st.Initialized})
	if err != nil {
		http.Error(w, fmt.Sprintf("marshaling status: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(body)
}

func (b *Broker) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

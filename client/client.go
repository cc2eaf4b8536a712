// Package client is a facade over the broker's WebSocket and HTTP
// interfaces. One Client is meant to be shared by everything in a
// process that observes or steers the session: commands funnel through a
// single connection, events fan out to per-type subscribers, and
// redundant analysis requests are suppressed before they reach the wire.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tetraboard/enginehost/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrClosed means the client has been closed.
var ErrClosed = errors.New("client closed")

// Client is a single shared connection to a broker.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	wsURL     string
	statusURL string

	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
	dialTimeout              time.Duration

	dialCancel context.CancelFunc
	opened     chan struct{}
	dialErr    error
	ws         *websocket.Conn

	subsMut sync.Mutex
	subs    map[string]map[int]func(wire.Envelope)
	nextSub int

	histMut     sync.Mutex
	lastHistory string
	haveHistory bool

	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures the client.
type Option func(c *Client)

// WithWaitInterval sets the polling interval used by WaitForServer.
func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) { c.waitInterval = d }
}

// WithDialTimeout bounds the background connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithCustomizeRetryableClient tweaks the retrying HTTP client used for
// the WebSocket dial and status requests.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) { c.customizeRetryableClient = f }
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the broker at addr (host:port). The connection
// is established in the background; commands issued before it is up wait
// for it, and are rejected with the dial error if it fails.
func New(log *zap.SugaredLogger, addr string, opts ...Option) *Client {
	c := &Client{
		Logger:       log.Named("client"),
		wsURL:        fmt.Sprintf("ws://%s/ws", addr),
		statusURL:    fmt.Sprintf("http://%s/status", addr),
		waitInterval: 100 * time.Millisecond,
		dialTimeout:  15 * time.Second,
		subs:         map[string]map[int]func(wire.Envelope){},
		opened:       make(chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	c.dialCancel = cancel
	go c.dial(ctx)
	return c
}

func (c *Client) dial(ctx context.Context) {
	defer c.dialCancel()
	c.Logger.Debugw("dialing WebSocket", "URL", c.wsURL)
	wsConn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.dialErr = fmt.Errorf("dialing WebSocket conn: %w", err)
		close(c.opened)
		return
	}
	c.ws = wsConn
	close(c.opened)
	c.readLoop()
}

func (c *Client) readLoop() {
	for {
		var env wire.Envelope
		if err := wsjson.Read(context.Background(), c.ws, &env); err != nil {
			select {
			case <-c.closed:
			default:
				c.Logger.Debugf("reading from broker: %s", err)
			}
			c.closeOnce.Do(func() { close(c.closed) })
			return
		}
		if env.Type == wire.TypePing {
			// Answer liveness probes so the broker does not reap the
			// connection as idle.
			if err := c.send(context.Background(), wire.TypePong, nil); err != nil {
				c.Logger.Debugf("answering ping: %s", err)
			}
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env wire.Envelope) {
	c.subsMut.Lock()
	handlers := make([]func(wire.Envelope), 0, len(c.subs[env.Type]))
	for _, h := range c.subs[env.Type] {
		handlers = append(handlers, h)
	}
	c.subsMut.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// Subscribe registers a handler for one message type, such as
// wire.TypeAnalysisUpdate. Handlers run on the read loop and must not
// block. The returned function removes the subscription.
func (c *Client) Subscribe(messageType string, h func(wire.Envelope)) func() {
	c.subsMut.Lock()
	defer c.subsMut.Unlock()
	id := c.nextSub
	c.nextSub++
	m := c.subs[messageType]
	if m == nil {
		m = map[int]func(wire.Envelope){}
		c.subs[messageType] = m
	}
	m[id] = h
	return func() {
		c.subsMut.Lock()
		defer c.subsMut.Unlock()
		delete(c.subs[messageType], id)
	}
}

// await blocks until the connection attempt settles. Commands issued
// before the connection is up are held here rather than dropped.
func (c *Client) await(ctx context.Context) error {
	select {
	case <-c.opened:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
	if c.dialErr != nil {
		return c.dialErr
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (c *Client) send(ctx context.Context, typ string, payload interface{}) error {
	if err := c.await(ctx); err != nil {
		return err
	}
	env, err := wire.New(typ, payload)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, c.ws, env); err != nil {
		return fmt.Errorf("sending %s: %w", typ, err)
	}
	return nil
}

// GetEngineStatus asks the broker to resend the engine status event.
func (c *Client) GetEngineStatus(ctx context.Context) error {
	return c.send(ctx, wire.TypeGetEngineStatus, nil)
}

// StartEngine launches the engine process.
func (c *Client) StartEngine(ctx context.Context) error {
	return c.send(ctx, wire.TypeStartEngine, nil)
}

// StopEngine terminates the engine process and forgets the last
// requested position.
func (c *Client) StopEngine(ctx context.Context) error {
	if err := c.send(ctx, wire.TypeStopEngine, nil); err != nil {
		return err
	}
	c.clearHistory()
	return nil
}

// StartAnalysis requests continuous analysis of the position reached by
// playing history. Repeating the previous request is suppressed locally,
// so callers can invoke it as often as they like.
func (c *Client) StartAnalysis(ctx context.Context, history []string) error {
	key := strings.Join(history, " ")
	c.histMut.Lock()
	if c.haveHistory && c.lastHistory == key {
		c.histMut.Unlock()
		c.Logger.Debugw("suppressing redundant analysis request", "Moves", key)
		return nil
	}
	c.histMut.Unlock()
	if err := c.send(ctx, wire.TypeStartAnalysis, wire.StartAnalysis{MoveHistory: history}); err != nil {
		return err
	}
	c.setHistory(key)
	return nil
}

// UpdatePosition retargets the analysis at a new position.
func (c *Client) UpdatePosition(ctx context.Context, history []string) error {
	if err := c.send(ctx, wire.TypeUpdatePosition, wire.UpdatePosition{MoveHistory: history}); err != nil {
		return err
	}
	c.setHistory(strings.Join(history, " "))
	return nil
}

// MakeMove plays move on top of history and requests a fixed-time search
// of the resulting position. The timed search ends the continuous run,
// so the last requested position is forgotten; analysis of the new
// position has to be asked for and always goes through.
func (c *Client) MakeMove(ctx context.Context, move string, history []string) error {
	if err := c.send(ctx, wire.TypeMakeMove, wire.MakeMove{Move: move, MoveHistory: history}); err != nil {
		return err
	}
	c.clearHistory()
	return nil
}

// StopAnalysis halts the current search and forgets the last requested
// position, so a following StartAnalysis always goes through.
func (c *Client) StopAnalysis(ctx context.Context) error {
	if err := c.send(ctx, wire.TypeStopAnalysis, nil); err != nil {
		return err
	}
	c.clearHistory()
	return nil
}

// SetThreads changes the engine's search thread count.
func (c *Client) SetThreads(ctx context.Context, n int) error {
	return c.send(ctx, wire.TypeSetThreads, wire.SetThreads{Threads: n})
}

func (c *Client) setHistory(key string) {
	c.histMut.Lock()
	c.lastHistory = key
	c.haveHistory = true
	c.histMut.Unlock()
}

func (c *Client) clearHistory() {
	c.histMut.Lock()
	c.lastHistory = ""
	c.haveHistory = false
	c.histMut.Unlock()
}

// Status fetches the engine status over plain HTTP. It works even when
// the WebSocket connection is not up, which makes it useful as a
// readiness probe.
func (c *Client) Status(ctx context.Context) (wire.EngineStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return wire.EngineStatus{}, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return wire.EngineStatus{}, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wire.EngineStatus{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	var st wire.EngineStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return wire.EngineStatus{}, fmt.Errorf("decoding status: %w", err)
	}
	return st, nil
}

// WaitForServer polls the status endpoint until the broker responds.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.Logger.Debug("status probe succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got status probe error: %s", err)
		}
	}
}

// Close tears down the connection. In-flight commands are rejected.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.dialCancel()
	<-c.opened
	if c.ws != nil {
		c.ws.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

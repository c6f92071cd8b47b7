// Package stream implements StreamTransport: one physical WebSocket
// connection per market, multiplexing many kline stream subscriptions
// over it, with linear-backoff reconnection. It is grounded on the same
// dial/ping/read-loop shape used throughout the exchange connector, but
// is reworked here to multiplex named stream subscriptions with
// idempotent subscribe/unsubscribe and a reportable per-connection
// state machine instead of a fixed trade+depth pair.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SubscriptionState mirrors the StreamSubscription state machine.
type SubscriptionState string

const (
	StateConnecting   SubscriptionState = "CONNECTING"
	StateOpen         SubscriptionState = "OPEN"
	StateReconnecting SubscriptionState = "RECONNECTING"
	StateFailed       SubscriptionState = "FAILED"
)

// OnFrame receives the raw body bytes for a single matched stream frame.
type OnFrame func(streamName string, body []byte)

// Status is the per-connection snapshot returned by Status().
type Status struct {
	Market        candle.Market
	Open          bool
	Subscriptions []string
	State         SubscriptionState
	Attempts      int
	LastFrameAt   time.Time
}

// Config controls reconnect policy and endpoint selection.
type Config struct {
	SpotBaseURL          string
	FuturesBaseURL       string
	ReconnectInterval    time.Duration // base delay; actual delay is ReconnectInterval * (attempt+1)
	MaxReconnectAttempts int
}

func defaultConfig() Config {
	return Config{
		SpotBaseURL:          "wss://stream.binance.com:9443",
		FuturesBaseURL:       "wss://fstream.binance.com",
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// ReconnectFailedFunc is invoked when a connection exhausts its
// reconnect attempt budget, so the caller can surface reconnect-failed
// and mark affected keys FAILED.
type ReconnectFailedFunc func(market candle.Market, attempts int)

// Transport is the StreamTransport implementation (C1).
type Transport struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	onReconnectFailed ReconnectFailedFunc
	onReconnect       func(market candle.Market)

	mu    sync.Mutex
	conns map[candle.Market]*marketConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Transport ready to accept subscriptions. Nothing dials
// until the first Subscribe call for a given market.
func New(cfg Config, logger *zap.Logger, onReconnectFailed ReconnectFailedFunc) *Transport {
	if cfg.ReconnectInterval == 0 {
		cfg = mergeDefaults(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onReconnectFailed: onReconnectFailed,
		conns:  make(map[candle.Market]*marketConn),
		ctx:    ctx,
		cancel: cancel,
	}
}

func mergeDefaults(cfg Config) Config {
	d := defaultConfig()
	if cfg.SpotBaseURL != "" {
		d.SpotBaseURL = cfg.SpotBaseURL
	}
	if cfg.FuturesBaseURL != "" {
		d.FuturesBaseURL = cfg.FuturesBaseURL
	}
	if cfg.ReconnectInterval != 0 {
		d.ReconnectInterval = cfg.ReconnectInterval
	}
	if cfg.MaxReconnectAttempts != 0 {
		d.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	}
	return d
}

// Subscribe registers streamName on market, opening the connection if
// necessary, and dispatches matched frames to onFrame. Re-subscribing an
// existing stream name replaces its handler in place.
func (t *Transport) Subscribe(market candle.Market, streamName string, onFrame OnFrame) {
	conn := t.connFor(market)
	conn.subscribe(streamName, onFrame)
}

// Unsubscribe removes streamName's handler; if no subscriptions remain
// on the connection, it is closed.
func (t *Transport) Unsubscribe(market candle.Market, streamName string) {
	t.mu.Lock()
	conn, ok := t.conns[market]
	t.mu.Unlock()
	if !ok {
		return
	}
	conn.unsubscribe(streamName)
}

// Status returns a snapshot for every market with at least one
// subscription ever registered.
func (t *Transport) Status() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Status, 0, len(t.conns))
	for market, conn := range t.conns {
		out = append(out, conn.status(market))
	}
	return out
}

// IsOpen reports whether market's connection currently has an active
// socket. Used by HealthMonitor's liveness classification.
func (t *Transport) IsOpen(market candle.Market) bool {
	t.mu.Lock()
	conn, ok := t.conns[market]
	t.mu.Unlock()
	if !ok {
		return false
	}
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.conn != nil
}

// WithReconnectHook registers a callback invoked each time a market
// connection begins a reconnect attempt, for metrics collection.
func (t *Transport) WithReconnectHook(hook func(market candle.Market)) *Transport {
	t.mu.Lock()
	t.onReconnect = hook
	t.mu.Unlock()
	return t
}

// Close tears down every connection and stops reconnect loops.
func (t *Transport) Close() {
	t.cancel()
	t.mu.Lock()
	conns := make([]*marketConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()
}

func (t *Transport) connFor(market candle.Market) *marketConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[market]; ok {
		return c
	}
	base := t.cfg.SpotBaseURL
	if market == candle.Futures {
		base = t.cfg.FuturesBaseURL
	}
	c := newMarketConn(t.ctx, market, base, t.cfg, t.dialer, t.logger.With(zap.String("market", market.String())), t.onReconnectFailed, t.onReconnect)
	t.conns[market] = c
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		c.run()
	}()
	return c
}

// marketConn owns the single physical connection for one market and its
// set of named stream subscriptions.
type marketConn struct {
	ctx               context.Context
	market            candle.Market
	baseURL           string
	cfg               Config
	dialer            *websocket.Dialer
	logger            *zap.Logger
	onReconnectFailed ReconnectFailedFunc
	onReconnect       func(market candle.Market)

	mu            sync.RWMutex
	handlers      map[string]OnFrame
	conn          *websocket.Conn
	state         SubscriptionState
	attempts      int
	lastFrameAt   time.Time
	resubscribeCh chan struct{}
	closeCh       chan struct{}
	closeOnce     sync.Once
}

func newMarketConn(ctx context.Context, market candle.Market, baseURL string, cfg Config, dialer *websocket.Dialer, logger *zap.Logger, onFail ReconnectFailedFunc, onReconnect func(candle.Market)) *marketConn {
	return &marketConn{
		ctx:               ctx,
		market:            market,
		baseURL:           baseURL,
		cfg:               cfg,
		dialer:            dialer,
		logger:            logger,
		onReconnectFailed: onFail,
		onReconnect:       onReconnect,
		handlers:          make(map[string]OnFrame),
		state:             StateConnecting,
		resubscribeCh:     make(chan struct{}, 1),
		closeCh:           make(chan struct{}),
	}
}

func (c *marketConn) subscribe(streamName string, onFrame OnFrame) {
	c.mu.Lock()
	c.handlers[streamName] = onFrame
	c.mu.Unlock()
	c.requestResubscribe()
}

func (c *marketConn) unsubscribe(streamName string) {
	c.mu.Lock()
	delete(c.handlers, streamName)
	remaining := len(c.handlers)
	c.mu.Unlock()

	if remaining == 0 {
		c.close()
		return
	}
	c.requestResubscribe()
}

func (c *marketConn) requestResubscribe() {
	select {
	case c.resubscribeCh <- struct{}{}:
	default:
	}
}

func (c *marketConn) streamNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		names = append(names, n)
	}
	return names
}

func (c *marketConn) status(market candle.Market) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		names = append(names, n)
	}
	return Status{
		Market:        market,
		Open:          c.conn != nil,
		Subscriptions: names,
		State:         c.state,
		Attempts:      c.attempts,
		LastFrameAt:   c.lastFrameAt,
	}
}

func (c *marketConn) setState(s SubscriptionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run is the connection's lifetime loop: wait for at least one
// subscription, connect, read until error, reconnect with linear
// back-off, repeat until closed.
func (c *marketConn) run() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-c.resubscribeCh:
		}

		if len(c.streamNames()) == 0 {
			continue
		}

		c.connectAndReadUntilError()

		select {
		case <-c.ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		if len(c.streamNames()) == 0 {
			continue
		}

		c.attempts++
		if c.cfg.MaxReconnectAttempts > 0 && c.attempts > c.cfg.MaxReconnectAttempts {
			c.setState(StateFailed)
			c.logger.Error("reconnect attempts exhausted", zap.Int("attempts", c.attempts))
			if c.onReconnectFailed != nil {
				c.onReconnectFailed(c.market, c.attempts)
			}
			// Wait for an operator-triggered resubscribe before trying again.
			continue
		}

		c.setState(StateReconnecting)
		delay := c.cfg.ReconnectInterval * time.Duration(c.attempts)
		c.logger.Warn("reconnecting", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
		if c.onReconnect != nil {
			c.onReconnect(c.market)
		}

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		case <-c.closeCh:
			return
		}
		c.requestResubscribe()
	}
}

func (c *marketConn) connectAndReadUntilError() {
	c.setState(StateConnecting)

	u := c.buildURL()
	conn, _, err := c.dialer.Dial(u, nil)
	if err != nil {
		c.logger.Error("dial failed", zap.String("url", u), zap.Error(err))
		return
	}

	conn.SetReadLimit(655350)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.attempts = 0
	c.setState(StateOpen)
	c.logger.Info("connected", zap.String("url", u))

	pingDone := make(chan struct{})
	go c.pingLoop(conn, pingDone)
	defer close(pingDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("read error", zap.Error(err))
			break
		}
		c.dispatch(msg)
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *marketConn) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// envelope extracts only the stream name; the body is forwarded
// verbatim to the matched handler.
type envelope struct {
	Stream string `json:"stream"`
}

func (c *marketConn) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Stream == "" {
		c.logger.Debug("malformed or unrecognized frame, dropping", zap.Error(err))
		return
	}

	c.mu.Lock()
	handler := c.handlers[env.Stream]
	c.lastFrameAt = time.Now()
	c.mu.Unlock()

	if handler == nil {
		return
	}
	handler(env.Stream, raw)
}

func (c *marketConn) buildURL() string {
	q := strings.Join(c.streamNames(), "/")
	return fmt.Sprintf("%s/stream?streams=%s", c.baseURL, q)
}

func (c *marketConn) close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

// Package printer manages the long-lived WebSocket session to a single
// printer: reconnecting with capped exponential backoff, keepalive
// pings, silence probing, and best-effort command dispatch.
package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
	"github.com/hawky358/ha-creality-ws/internal/core/transport"
)

// frameBuffer bounds the queue between the read loop and the
// aggregation goroutine. A full queue backpressures the read loop
// instead of growing without bound when merging lags behind arrival.
const frameBuffer = 64

// Config holds the session tuning knobs.
type Config struct {
	Host          string
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	Keepalive     time.Duration
	ProbeDelay    time.Duration
	RetryAttempts int
	RetryInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 10 * time.Second
	}
	if c.ProbeDelay <= 0 {
		c.ProbeDelay = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
}

// Client owns one session to the printer.
type Client struct {
	cfg    Config
	dialer transport.Dialer
	store  *telemetry.Store
	log    *slog.Logger

	conn    transport.Conn
	connMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool

	frames chan map[string]any
	wakeCh chan struct{}

	firstConnect chan struct{}
	firstOnce    sync.Once

	rxMu   sync.Mutex
	lastRx time.Time
}

// NewClient creates a new printer client.
func NewClient(cfg Config, dialer transport.Dialer, store *telemetry.Store, log *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		store:  store,
		log:    log,
		wakeCh: make(chan struct{}, 1),
	}
}

// Start launches the session loop and returns immediately.
// The loop reconnects with exponential backoff until Stop.
func (c *Client) Start(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("printer: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.frames = make(chan map[string]any, frameBuffer)
	c.firstConnect = make(chan struct{})
	c.firstOnce = sync.Once{}
	c.touchRx() // session-start time until the first frame arrives
	c.running.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.aggregateLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(c.stopped)
	}()
	return nil
}

// Stop disconnects and stops all goroutines. It is idempotent.
func (c *Client) Stop(_ context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.cancel()
	c.disconnect()
	<-c.stopped
	return nil
}

// WaitFirstConnect blocks until the first successful connection or the
// timeout elapses, whichever comes first. It never returns an error;
// a timeout (or teardown) yields false.
func (c *Client) WaitFirstConnect(timeout time.Duration) bool {
	if !c.running.Load() {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.firstConnect:
		return true
	case <-c.stopped:
		return false
	case <-timer.C:
		return false
	}
}

// LastRx returns the timestamp of the most recent inbound frame, or the
// session-start time if none has arrived yet. It is monotonically
// non-decreasing across reconnects.
func (c *Client) LastRx() time.Time {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	return c.lastRx
}

func (c *Client) touchRx() {
	c.rxMu.Lock()
	c.lastRx = time.Now()
	c.rxMu.Unlock()
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) currentConn() transport.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) signalWake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// --- Command dispatch ---

// SendSetRetry serializes the given fields into a single "set" frame,
// in caller order, and attempts delivery. While disconnected it waits
// RetryInterval between attempts, up to RetryAttempts. Delivery is
// best-effort: exhaustion is logged, never raised, and the total wait
// is bounded by attempts times interval.
func (c *Client) SendSetRetry(ctx context.Context, fields ...transport.Field) {
	delivered, attempts := c.sendSet(ctx, fields)
	if !delivered {
		keys := make([]string, len(fields))
		for i, f := range fields {
			keys[i] = f.Key
		}
		c.log.Warn("command not delivered, giving up", "fields", keys, "attempts", attempts)
	}
}

func (c *Client) sendSet(ctx context.Context, fields []transport.Field) (delivered bool, attempts int) {
	cmd := transport.SetCommand(fields...)

	for attempts = 1; attempts <= c.cfg.RetryAttempts; attempts++ {
		if conn := c.currentConn(); conn != nil {
			err := conn.Send(ctx, cmd)
			if err == nil {
				return true, attempts
			}
			c.log.Debug("command send failed", "attempt", attempts, "error", err)
			c.disconnect()
			c.signalWake()
		}

		if attempts == c.cfg.RetryAttempts {
			break
		}

		timer := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, attempts
		case <-timer.C:
		}
	}
	return false, attempts
}

// --- Session loop ---

func (c *Client) runLoop(ctx context.Context) {
	backoff := c.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		connected, err := c.connectAndRun(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("printer: shutting down")
				return
			}
			c.log.Warn("printer: connection error", "error", err, "retry_in", backoff, "host", c.cfg.Host)
		}

		c.disconnect()

		if connected {
			backoff = c.cfg.MinBackoff
		}

		// Interruptible backoff: a wake signal skips the wait.
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wakeCh:
			timer.Stop()
			backoff = c.cfg.MinBackoff
			c.log.Debug("wake signal received, reconnecting immediately")
		case <-timer.C:
		}

		backoff = time.Duration(math.Min(float64(backoff)*2, float64(c.cfg.MaxBackoff)))
	}
}

func (c *Client) connectAndRun(ctx context.Context) (connected bool, err error) {
	c.log.Debug("attempting printer connection", "host", c.cfg.Host)

	conn, err := c.dialer.Dial(ctx, c.cfg.Host)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.store.SetConnected(true)
	c.firstOnce.Do(func() { close(c.firstConnect) })
	connected = true

	// Extended by the pong handler and on every inbound frame.
	conn.SetReadDeadline(time.Now().Add(c.readDeadline()))

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()
	go c.keepaliveLoop(sessionCtx, conn)
	go c.probeOnSilence(sessionCtx, conn, time.Now())

	return connected, c.readLoop(ctx, conn)
}

func (c *Client) readDeadline() time.Duration {
	// Allow a few missed keepalive rounds before declaring the
	// connection dead.
	return 4 * c.cfg.Keepalive
}

func (c *Client) disconnect() {
	c.connMu.Lock()
	if c.conn != nil {
		c.log.Info("disconnecting printer", "host", c.cfg.Host)
		c.conn.Close()
		c.conn = nil
		c.connMu.Unlock()
		c.store.SetConnected(false)
		return
	}
	c.connMu.Unlock()
}

func (c *Client) keepaliveLoop(ctx context.Context, conn transport.Conn) {
	ticker := time.NewTicker(c.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				c.log.Warn("keepalive ping failed, triggering reconnect", "error", err)
				c.disconnect()
				return
			}
			c.log.Debug("keepalive ping sent")
		}
	}
}

// probeOnSilence sends one benign query if the printer has not spoken
// within the probe window after connecting. Some firmware stays silent
// until the client asks first.
func (c *Client) probeOnSilence(ctx context.Context, conn transport.Conn, connectedAt time.Time) {
	timer := time.NewTimer(c.cfg.ProbeDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if c.LastRx().After(connectedAt) {
		return
	}

	c.log.Debug("no frames since connect, sending silence probe")
	if err := conn.Send(ctx, transport.SilenceProbe()); err != nil {
		c.log.Debug("silence probe failed", "error", err)
	}
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				c.log.Warn("dropping malformed frame", "error", err)
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		c.touchRx()
		conn.SetReadDeadline(time.Now().Add(c.readDeadline()))

		if msg.Heartbeat {
			// The printer expects its heartbeat acknowledged
			// immediately; the sentinel carries no telemetry.
			if err := conn.SendText(ctx, transport.HeartbeatAck); err != nil {
				return fmt.Errorf("heartbeat ack: %w", err)
			}
			continue
		}

		select {
		case c.frames <- msg.Fields:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// aggregateLoop is the single goroutine that mutates the live state.
// Numeric strings are coerced before the merge so downstream readers
// see numbers regardless of how the firmware quoted them.
func (c *Client) aggregateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fields := <-c.frames:
			c.store.Merge(telemetry.CoerceNumbers(fields))
		}
	}
}

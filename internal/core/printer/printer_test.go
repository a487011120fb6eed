package printer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
	"github.com/hawky358/ha-creality-ws/internal/core/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory transport.Conn. Frames pushed into in come
// out of Recv; everything written lands in sent as its wire form.
type fakeConn struct {
	in   chan transport.Message
	sent chan string

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan transport.Message, 16),
		sent: make(chan string, 32),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, cmd transport.Command) error {
	select {
	case <-c.done:
		return errors.New("fake conn closed")
	default:
	}
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	c.sent <- string(data)
	return nil
}

func (c *fakeConn) SendText(_ context.Context, payload string) error {
	select {
	case <-c.done:
		return errors.New("fake conn closed")
	default:
	}
	c.sent <- payload
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) (transport.Message, error) {
	select {
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	case <-c.done:
		return transport.Message{}, errors.New("fake conn closed")
	case msg := <-c.in:
		return msg, nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Ping() error {
	select {
	case <-c.done:
		return errors.New("fake conn closed")
	default:
		return nil
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

// fakeDialer hands out queued connections; Dial blocks until one is
// available or the context ends.
type fakeDialer struct {
	conns chan transport.Conn
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{conns: make(chan transport.Conn, 8)}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failDialer never connects.
type failDialer struct{}

func (failDialer) Dial(context.Context, string) (transport.Conn, error) {
	return nil, errors.New("connection refused")
}

func testClientConfig() Config {
	return Config{
		Host:          "printer.test",
		MinBackoff:    10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
		Keepalive:     time.Hour,
		ProbeDelay:    time.Hour,
		RetryAttempts: 2,
		RetryInterval: 20 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg Config, dialer transport.Dialer) (*Client, *telemetry.Store) {
	t.Helper()
	bus := telemetry.NewEventBus(testLogger())
	store := telemetry.NewStore(bus, testLogger())
	client := NewClient(cfg, dialer, store, testLogger())
	store.BindAvailability(client.LastRx, 30*time.Second)
	return client, store
}

func recvSent(t *testing.T, conn *fakeConn) string {
	t.Helper()
	select {
	case s := <-conn.sent:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return ""
	}
}

func TestWaitFirstConnect(t *testing.T) {
	t.Parallel()

	t.Run("succeeds once dial succeeds", func(t *testing.T) {
		t.Parallel()
		conn := newFakeConn()
		client, _ := newTestClient(t, testClientConfig(), newFakeDialer(conn))

		require.NoError(t, client.Start(context.Background()))
		defer client.Stop(context.Background())

		assert.True(t, client.WaitFirstConnect(2*time.Second))
		assert.True(t, client.Connected())
	})

	t.Run("times out while dial keeps failing", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, testClientConfig(), failDialer{})

		require.NoError(t, client.Start(context.Background()))
		defer client.Stop(context.Background())

		start := time.Now()
		assert.False(t, client.WaitFirstConnect(100*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("false when never started", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, testClientConfig(), failDialer{})
		assert.False(t, client.WaitFirstConnect(10*time.Millisecond))
	})
}

func TestHeartbeatAcked(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	client, store := newTestClient(t, testClientConfig(), newFakeDialer(conn))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())
	require.True(t, client.WaitFirstConnect(2*time.Second))

	conn.in <- transport.Message{Heartbeat: true}

	assert.Equal(t, transport.HeartbeatAck, recvSent(t, conn))
	// The sentinel carries no telemetry.
	assert.Empty(t, store.Snapshot())
}

func TestTelemetryFramesMerge(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	client, store := newTestClient(t, testClientConfig(), newFakeDialer(conn))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())
	require.True(t, client.WaitFirstConnect(2*time.Second))

	conn.in <- transport.Message{Fields: map[string]any{"nozzleTemp": 210.0}}
	conn.in <- transport.Message{Fields: map[string]any{"bedTemp0": 60.0}}

	require.Eventually(t, func() bool {
		_, ok := store.Get("bedTemp0")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	v, _ := store.Get("nozzleTemp")
	assert.Equal(t, 210.0, v)
}

func TestNumericStringsCoercedOnIngest(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	client, store := newTestClient(t, testClientConfig(), newFakeDialer(conn))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())
	require.True(t, client.WaitFirstConnect(2*time.Second))

	conn.in <- transport.Message{Fields: map[string]any{
		"bedTemp0":      "60.0",
		"layer":         "3",
		"printFileName": "part.gcode",
	}}

	require.Eventually(t, func() bool {
		_, ok := store.Get("layer")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	v, _ := store.Get("bedTemp0")
	assert.Equal(t, 60.0, v)
	v, _ = store.Get("layer")
	assert.Equal(t, int64(3), v)
	v, _ = store.Get("printFileName")
	assert.Equal(t, "part.gcode", v)
}

func TestLastRxAdvancesOnFrames(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	client, _ := newTestClient(t, testClientConfig(), newFakeDialer(conn))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())
	require.True(t, client.WaitFirstConnect(2*time.Second))

	before := client.LastRx()
	time.Sleep(10 * time.Millisecond)
	conn.in <- transport.Message{Fields: map[string]any{"layer": 1}}

	require.Eventually(t, func() bool {
		return client.LastRx().After(before)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendSetRetry(t *testing.T) {
	t.Parallel()

	t.Run("delivers in caller order when connected", func(t *testing.T) {
		t.Parallel()
		conn := newFakeConn()
		client, _ := newTestClient(t, testClientConfig(), newFakeDialer(conn))

		require.NoError(t, client.Start(context.Background()))
		defer client.Stop(context.Background())
		require.True(t, client.WaitFirstConnect(2*time.Second))

		client.SendSetRetry(context.Background(), transport.F("pause", 1))
		client.SendSetRetry(context.Background(), transport.F("pause", 0))

		assert.Equal(t, `{"method":"set","params":{"pause":1}}`, recvSent(t, conn))
		assert.Equal(t, `{"method":"set","params":{"pause":0}}`, recvSent(t, conn))
	})

	t.Run("gives up quietly when never connected", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, testClientConfig(), failDialer{})

		require.NoError(t, client.Start(context.Background()))
		defer client.Stop(context.Background())

		start := time.Now()
		client.SendSetRetry(context.Background(), transport.F("lightSw", 1))
		// One interval between the two attempts, no unbounded wait.
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("stops retrying when context ends", func(t *testing.T) {
		t.Parallel()
		cfg := testClientConfig()
		cfg.RetryAttempts = 100
		cfg.RetryInterval = 50 * time.Millisecond
		client, _ := newTestClient(t, cfg, failDialer{})

		require.NoError(t, client.Start(context.Background()))
		defer client.Stop(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		start := time.Now()
		client.SendSetRetry(ctx, transport.F("stop", 1))
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestReconnectAfterConnFailure(t *testing.T) {
	t.Parallel()

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	client, store := newTestClient(t, testClientConfig(), newFakeDialer(conn1, conn2))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())
	require.True(t, client.WaitFirstConnect(2*time.Second))

	// Kill the first connection; the loop should dial again.
	conn1.Close()

	require.Eventually(t, func() bool {
		select {
		case conn2.in <- transport.Message{Fields: map[string]any{"reborn": 1}}:
		default:
		}
		_, ok := store.Get("reborn")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSilenceProbe(t *testing.T) {
	t.Parallel()

	cfg := testClientConfig()
	cfg.ProbeDelay = 30 * time.Millisecond
	conn := newFakeConn()
	client, _ := newTestClient(t, cfg, newFakeDialer(conn))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())
	require.True(t, client.WaitFirstConnect(2*time.Second))

	// No inbound frames: the probe fires after the delay.
	assert.Equal(t, `{"method":"get","params":{"ReqPrinterPara":1}}`, recvSent(t, conn))
}

func TestSilenceProbeSkippedWhenTalking(t *testing.T) {
	t.Parallel()

	cfg := testClientConfig()
	cfg.ProbeDelay = 50 * time.Millisecond
	conn := newFakeConn()
	client, store := newTestClient(t, cfg, newFakeDialer(conn))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())
	require.True(t, client.WaitFirstConnect(2*time.Second))

	conn.in <- transport.Message{Fields: map[string]any{"nozzleTemp": 25.0}}
	require.Eventually(t, func() bool {
		_, ok := store.Get("nozzleTemp")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case frame := <-conn.sent:
		t.Fatalf("expected no probe, got %q", frame)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	client, _ := newTestClient(t, testClientConfig(), newFakeDialer(conn))

	require.NoError(t, client.Start(context.Background()))
	require.True(t, client.WaitFirstConnect(2*time.Second))

	require.NoError(t, client.Stop(context.Background()))
	require.NoError(t, client.Stop(context.Background()))
	assert.False(t, client.Connected())
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, testClientConfig(), failDialer{})
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop(context.Background())

	assert.Error(t, client.Start(context.Background()))
}

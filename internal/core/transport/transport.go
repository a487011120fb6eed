package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPort is the fixed WebSocket port the printer listens on.
const DefaultPort = 9999

// HeartbeatAck is the literal reply the printer expects for its
// heartbeat sentinel frame.
const HeartbeatAck = "ok"

// readIdleTimeout bounds how long a connection may stay silent before a
// read fails; it is extended on every inbound frame and pong.
const readIdleTimeout = 60 * time.Second

// ErrMalformedFrame marks inbound frames that could not be decoded.
// Callers drop these without tearing down the session.
var ErrMalformedFrame = errors.New("transport: malformed frame")

// Message is one decoded inbound frame.
type Message struct {
	// Heartbeat is true for the printer's heartbeat sentinel
	// ({"ModeCode":"heart_beat"}). Sentinels carry no telemetry.
	Heartbeat bool
	// Fields holds the flat key/value telemetry payload.
	Fields map[string]any
}

// Conn represents a WebSocket connection exchanging JSON text frames
// with the printer. Writes are serialized internally.
type Conn interface {
	// Send sends a command frame over the wire.
	Send(ctx context.Context, cmd Command) error
	// SendText sends a raw text frame (used for the heartbeat ack).
	SendText(ctx context.Context, payload string) error
	// Recv blocks until a frame is received or the connection fails.
	// A decode failure returns an error wrapping ErrMalformedFrame;
	// the connection remains usable.
	Recv(ctx context.Context) (Message, error)
	// Close closes the underlying connection.
	Close() error
	// Ping sends a WebSocket-level ping frame.
	Ping() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer creates WebSocket connections to printers.
type Dialer interface {
	Dial(ctx context.Context, host string) (Conn, error)
}

// --- Command frames ---

// Field is one key/value pair of an outbound command. Fields are
// serialized in the order the caller supplied them.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Command is an outbound frame: {"method":...,"params":{...}}.
type Command struct {
	Method string
	Params []Field
}

// SetCommand builds a "set" command from ordered fields.
func SetCommand(fields ...Field) Command {
	return Command{Method: "set", Params: fields}
}

// GetCommand builds a "get" command from ordered fields.
func GetCommand(fields ...Field) Command {
	return Command{Method: "get", Params: fields}
}

// SilenceProbe is the benign query sent after a fresh connect if the
// printer has not spoken yet; it elicits a telemetry snapshot from
// firmware that waits for a client-initiated request.
func SilenceProbe() Command {
	return GetCommand(F("ReqPrinterPara", 1))
}

// Encode serializes the command to its wire form, preserving the
// caller-provided field order inside params.
func (c Command) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"method":`)
	method, err := json.Marshal(c.Method)
	if err != nil {
		return nil, fmt.Errorf("transport: encode method: %w", err)
	}
	buf.Write(method)
	buf.WriteString(`,"params":{`)
	for i, f := range c.Params {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, fmt.Errorf("transport: encode param key %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("transport: encode param %q: %w", f.Key, err)
		}
		buf.Write(val)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// DecodeFrame classifies one raw inbound frame into a Message.
func DecodeFrame(data []byte) (Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if mode, ok := fields["ModeCode"].(string); ok && mode == "heart_beat" {
		return Message{Heartbeat: true}, nil
	}
	return Message{Fields: fields}, nil
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws  *websocket.Conn
	mu  sync.Mutex // protects writes
	log *slog.Logger
}

func newWSConn(ws *websocket.Conn, log *slog.Logger) *wsConn {
	c := &wsConn{ws: ws, log: log}
	ws.SetPongHandler(func(appData string) error {
		return ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})
	return c
}

func (c *wsConn) Send(_ context.Context, cmd Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) SendText(_ context.Context, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("transport: write text: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(_ context.Context) (Message, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, fmt.Errorf("transport: read: %w", err)
	}

	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return Message{}, fmt.Errorf("%w: unexpected message type %d", ErrMalformedFrame, msgType)
	}

	return DecodeFrame(data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- Printer Dialer ---

// PrinterDialer connects directly to the printer on the LAN.
type PrinterDialer struct {
	port int
	log  *slog.Logger
}

// NewPrinterDialer creates a LAN dialer. A non-positive port falls back
// to DefaultPort.
func NewPrinterDialer(port int, log *slog.Logger) *PrinterDialer {
	if port <= 0 {
		port = DefaultPort
	}
	return &PrinterDialer{port: port, log: log}
}

// Dial connects to the printer's WebSocket endpoint.
func (d *PrinterDialer) Dial(ctx context.Context, host string) (Conn, error) {
	url := fmt.Sprintf("ws://%s:%d", host, d.port)

	d.log.Debug("dialing printer", "url", url)

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	d.log.Info("connected to printer", "host", host, "port", d.port)
	return newWSConn(ws, d.log), nil
}

package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommandEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "set single field",
			cmd:  SetCommand(F("pause", 1)),
			want: `{"method":"set","params":{"pause":1}}`,
		},
		{
			name: "set preserves caller order",
			cmd:  SetCommand(F("zeta", 1), F("alpha", 2), F("mid", 3)),
			want: `{"method":"set","params":{"zeta":1,"alpha":2,"mid":3}}`,
		},
		{
			name: "string value",
			cmd:  SetCommand(F("autohome", "X Y")),
			want: `{"method":"set","params":{"autohome":"X Y"}}`,
		},
		{
			name: "nested map value",
			cmd:  SetCommand(F("bedTempControl", map[string]any{"num": 0})),
			want: `{"method":"set","params":{"bedTempControl":{"num":0}}}`,
		},
		{
			name: "silence probe",
			cmd:  SilenceProbe(),
			want: `{"method":"get","params":{"ReqPrinterPara":1}}`,
		},
		{
			name: "empty params",
			cmd:  SetCommand(),
			want: `{"method":"set","params":{}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := tt.cmd.Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	t.Run("heartbeat sentinel", func(t *testing.T) {
		t.Parallel()
		msg, err := DecodeFrame([]byte(`{"ModeCode":"heart_beat","msg":123}`))
		require.NoError(t, err)
		assert.True(t, msg.Heartbeat)
		assert.Nil(t, msg.Fields)
	})

	t.Run("telemetry frame", func(t *testing.T) {
		t.Parallel()
		msg, err := DecodeFrame([]byte(`{"nozzleTemp":215.4,"printProgress":42}`))
		require.NoError(t, err)
		assert.False(t, msg.Heartbeat)
		assert.Equal(t, 215.4, msg.Fields["nozzleTemp"])
		assert.Equal(t, float64(42), msg.Fields["printProgress"])
	})

	t.Run("ModeCode with other value is telemetry", func(t *testing.T) {
		t.Parallel()
		msg, err := DecodeFrame([]byte(`{"ModeCode":"print"}`))
		require.NoError(t, err)
		assert.False(t, msg.Heartbeat)
		assert.Equal(t, "print", msg.Fields["ModeCode"])
	})

	t.Run("malformed frame", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeFrame([]byte(`not json`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("non-object json is malformed", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeFrame([]byte(`[1,2,3]`))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

// startEchoPrinter runs a WebSocket server that records inbound frames
// and lets the test push frames to the client.
func startEchoPrinter(t *testing.T) (host string, port int, received <-chan string, send chan<- string) {
	t.Helper()

	recvCh := make(chan string, 16)
	sendCh := make(chan string, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		go func() {
			for payload := range sendCh {
				if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			recvCh <- string(data)
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(sendCh) })

	addr := srv.Listener.Addr().String()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)

	return host, port, recvCh, sendCh
}

func TestPrinterDialerRoundTrip(t *testing.T) {
	t.Parallel()

	host, port, received, send := startEchoPrinter(t)

	dialer := NewPrinterDialer(port, testLogger())
	conn, err := dialer.Dial(context.Background(), host)
	require.NoError(t, err)
	defer conn.Close()

	// Outbound command arrives exactly as encoded.
	err = conn.Send(context.Background(), SetCommand(F("lightSw", 1)))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, `{"method":"set","params":{"lightSw":1}}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive command")
	}

	// Raw text frames pass through unchanged.
	err = conn.SendText(context.Background(), HeartbeatAck)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "ok", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive heartbeat ack")
	}

	// Inbound frames decode into messages.
	send <- `{"ModeCode":"heart_beat"}`
	msg, err := conn.Recv(context.Background())
	require.NoError(t, err)
	assert.True(t, msg.Heartbeat)

	send <- `{"bedTemp0":"60.0"}`
	msg, err = conn.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "60.0", msg.Fields["bedTemp0"])
}

func TestPrinterDialerRefused(t *testing.T) {
	t.Parallel()

	// Grab a port nobody is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	dialer := NewPrinterDialer(port, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = dialer.Dial(ctx, "127.0.0.1")
	require.Error(t, err)
}

func TestNewPrinterDialerDefaultPort(t *testing.T) {
	t.Parallel()

	d := NewPrinterDialer(0, testLogger())
	assert.Equal(t, DefaultPort, d.port)
}

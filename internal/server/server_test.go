package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct{}

func (fakeHandler) Handle(cmd Command) (any, error) {
	switch cmd.Type {
	case "echo":
		var v map[string]any
		if err := json.Unmarshal(cmd.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, errors.New("unknown command " + cmd.Type)
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// rawMessage keeps the payload undecoded for assertions.
type rawMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startServer(t *testing.T, origins []string, snapshot func() []Message) (*Server, string) {
	t.Helper()
	s := NewServer("", origins, snapshot, testLogger())
	s.SetHandler(fakeHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub.Run(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func read(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_SnapshotThenBroadcast(t *testing.T) {
	s, url := startServer(t, nil, func() []Message {
		return []Message{NewMessage("connections", []string{"A"})}
	})
	conn := dial(t, url)

	first := read(t, conn)
	assert.Equal(t, "connections", first.Type)
	assert.JSONEq(t, `["A"]`, string(first.Payload))

	require.Eventually(t, func() bool { return s.Hub.ClientCount() == 1 }, time.Second, time.Millisecond)
	s.Hub.Broadcast(NewMessage("status_measurement", map[string]int{"value": 300}))

	msg := read(t, conn)
	assert.Equal(t, "status_measurement", msg.Type)
	assert.JSONEq(t, `{"value":300}`, string(msg.Payload))
}

func TestServer_CommandReplies(t *testing.T) {
	_, url := startServer(t, nil, nil)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "echo", "payload": map[string]int{"n": 1}}))
	msg := read(t, conn)
	assert.Equal(t, "echo_result", msg.Type)
	assert.JSONEq(t, `{"n":1}`, string(msg.Payload))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "explode"}))
	msg = read(t, conn)
	assert.Equal(t, "error", msg.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "explode", payload.Command)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "error", read(t, conn).Type)
}

func TestServer_RejectsOrigin(t *testing.T) {
	_, url := startServer(t, []string{"http://allowed.local"}, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.local"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://ALLOWED.local"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHub_DisconnectedClientIsRemoved(t *testing.T) {
	s, url := startServer(t, nil, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return s.Hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return s.Hub.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestNewHub_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() { NewHub(nil) })
}

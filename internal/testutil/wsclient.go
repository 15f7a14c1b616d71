package testutil

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const frameTimeout = 2 * time.Second

// WSClient is a test-side websocket peer.
type WSClient struct {
	t    *testing.T
	Conn *websocket.Conn
}

// DialWS connects to path on an httptest server URL (http://...).
func DialWS(t *testing.T, serverURL, path string, header http.Header) *WSClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c := &WSClient{t: t, Conn: conn}
	t.Cleanup(c.Close)
	return c
}

func (c *WSClient) Send(text string) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// Next reads one frame. It returns the read error instead of failing so
// callers can assert on close frames.
func (c *WSClient) Next() (string, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(frameTimeout))
	_, data, err := c.Conn.ReadMessage()
	return string(data), err
}

// Await reads frames until match accepts one and returns it.
func (c *WSClient) Await(match func(frame string) bool) string {
	c.t.Helper()
	for {
		frame, err := c.Next()
		require.NoError(c.t, err, "socket closed before the expected frame arrived")
		if match(frame) {
			return frame
		}
	}
}

// AwaitContaining waits for a frame that contains substr.
func (c *WSClient) AwaitContaining(substr string) string {
	c.t.Helper()
	return c.Await(func(frame string) bool { return strings.Contains(frame, substr) })
}

// AwaitText waits for the next frame that is not a state broadcast.
func (c *WSClient) AwaitText() string {
	c.t.Helper()
	return c.Await(func(frame string) bool { return !IsStateFrame(frame) })
}

func (c *WSClient) Close() {
	_ = c.Conn.Close()
}

// IsStateFrame reports whether frame is a client_list or group_info broadcast.
func IsStateFrame(frame string) bool {
	return strings.HasPrefix(frame, `{"type":"client_list"`) || strings.HasPrefix(frame, `{"type":"group_info"`)
}

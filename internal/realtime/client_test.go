package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWsServer(t *testing.T) (*httptest.Server, *Router) {
	t.Helper()
	return newWsServerWith(t, Options{PongWait: 5 * time.Second})
}

func newWsServerWith(t *testing.T, opts Options) (*httptest.Server, *Router) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := newTestRouter(nil)
	engine := gin.New()
	engine.GET("/ws/:room_id", ServeWs(router, opts, zap.NewNop()))
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv, router
}

func dial(t *testing.T, srv *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + room
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestServeWsScenarioA(t *testing.T) {
	srv, _ := newWsServer(t)

	c1 := dial(t, srv, "r1")
	peers := readType(t, c1, TypePeers)
	assert.Equal(t, []interface{}{}, peers["peers"])
	ready := readType(t, c1, TypeReady)
	p1 := ready["id"].(string)
	require.NotEmpty(t, p1)

	require.NoError(t, c1.WriteJSON(map[string]interface{}{"type": "hello", "uid": 42, "is_owner": true}))
	owner := readType(t, c1, TypeOwnerSet)
	assert.Equal(t, "42", owner["owner_uid"])

	c2 := dial(t, srv, "r1")
	peers = readType(t, c2, TypePeers)
	assert.Equal(t, "42", peers["owner_uid"])
	list := peers["peers"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, p1, list[0].(map[string]interface{})["id"])
	p2 := readType(t, c2, TypeReady)["id"].(string)

	joined := readType(t, c1, TypePeerJoined)
	assert.Equal(t, p2, joined["id"])

	require.NoError(t, c2.WriteJSON(map[string]interface{}{"type": "answer", "to": p1, "data": map[string]string{"sdp": "x"}}))
	answer := readType(t, c1, TypeAnswer)
	assert.Equal(t, p2, answer["from"])

	require.NoError(t, c2.Close())
	left := readType(t, c1, TypePeerLeft)
	assert.Equal(t, p2, left["id"])
}

func TestServeWsDuplicateUIDClosesSecond(t *testing.T) {
	srv, router := newWsServer(t)

	c1 := dial(t, srv, "dup")
	readType(t, c1, TypeReady)
	require.NoError(t, c1.WriteJSON(map[string]interface{}{"type": "hello", "uid": "42", "is_owner": true}))
	readType(t, c1, TypeOwnerSet)

	c2 := dial(t, srv, "dup")
	readType(t, c2, TypeReady)
	readType(t, c1, TypePeerJoined)
	require.NoError(t, c2.WriteJSON(map[string]interface{}{"type": "hello", "uid": "42"}))

	errMsg := readType(t, c2, TypeError)
	assert.Equal(t, ErrorCodeDuplicate, errMsg["code"])

	require.NoError(t, c2.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c2.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	readType(t, c1, TypePeerLeft)
	snap, ok := router.Registry().Get("dup")
	require.True(t, ok)
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, "42", snap.Peers[0].UID)
}

func TestServeWsReadLimitDisconnects(t *testing.T) {
	srv, router := newWsServerWith(t, Options{ReadLimit: 256, PongWait: 5 * time.Second})

	c1 := dial(t, srv, "big")
	readType(t, c1, TypeReady)
	c2 := dial(t, srv, "big")
	p2 := readType(t, c2, TypeReady)["id"].(string)
	readType(t, c1, TypePeerJoined)

	huge := strings.Repeat("x", 4096)
	require.NoError(t, c2.WriteJSON(map[string]interface{}{"type": "offer", "data": huge}))

	left := readType(t, c1, TypePeerLeft)
	assert.Equal(t, p2, left["id"])
	snap, ok := router.Registry().Get("big")
	require.True(t, ok)
	assert.Len(t, snap.Peers, 1)
}

func TestServeWsRequiresRoom(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws", ServeWs(newTestRouter(nil), Options{}, zap.NewNop()))
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestClientSendAfterClose(t *testing.T) {
	c := newClient(nil, Options{}.withDefaults(), zap.NewNop())
	require.NoError(t, c.Send(map[string]string{"type": "x"}))
	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send(map[string]string{"type": "y"}), ErrClientClosed)
}

func TestClientSendBufferFull(t *testing.T) {
	c := newClient(nil, Options{SendBuffer: 1}.withDefaults(), zap.NewNop())
	require.NoError(t, c.Send(1))
	assert.ErrorIs(t, c.Send(2), ErrSendBufferFull)
}

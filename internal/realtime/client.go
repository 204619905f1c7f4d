package realtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tgringer/callserver/pkg/response"
)

var (
	// ErrClientClosed is returned by Send after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrSendBufferFull is returned when a slow client has not drained its queue.
	ErrSendBufferFull = errors.New("send buffer full")
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // browsers arrive from the bot's web app origin
	},
}

// Options holds per-connection websocket limits.
type Options struct {
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Client is one websocket connection. It implements Sender.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan interface{}
}

func newClient(conn *websocket.Conn, opts Options, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		opts:   opts,
		logger: logger,
		send:   make(chan interface{}, opts.SendBuffer),
	}
}

// Send queues msg without blocking.
func (c *Client) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting messages; the write pump flushes what is queued, then sends a close frame.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ServeWs upgrades /ws/:room_id and runs the connection until it closes.
func ServeWs(router *Router, opts Options, logger *zap.Logger) gin.HandlerFunc {
	opts = opts.withDefaults()
	return func(c *gin.Context) {
		roomID := c.Param("room_id")
		if roomID == "" {
			response.BadRequest(c, "room_id required")
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(conn, opts, logger.With(zap.String("room_id", roomID)))
		peer := router.Connect(roomID, client)
		go client.writePump()
		client.readPump(router, peer)
	}
}

func (c *Client) readPump(router *Router, peer *Peer) {
	defer func() {
		router.Disconnect(peer)
		c.Close()
	}()

	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("peer_id", peer.ID()), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		router.Handle(peer, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package signal is the WebSocket transport: one connection per open room
// view, carrying room operations down and state pushes up. Each connection
// owns one engine session.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/adapters/rtc"
	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/engine"
	"github.com/speakers-live/speakers-server/internal/presence"
	"github.com/speakers-live/speakers-server/internal/sfu"
)

var ErrBackpressure = errors.New("backpressure")

type frame = []byte

type Controller struct {
	store     core.Store
	sessions  presence.SessionStore
	relays    *sfu.RelayManager
	rtcConfig webrtc.Configuration
	chats     *RateLimiter
	hub       *hub
}

func NewController(store core.Store, sessions presence.SessionStore, relays *sfu.RelayManager, stunURLs []string) *Controller {
	return &Controller{
		store:     store,
		sessions:  sessions,
		relays:    relays,
		rtcConfig: rtc.ConfigWithSTUN(stunURLs),
		chats:     NewRateLimiter(5, 10*time.Second),
		hub:       newHub(),
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// client is one WebSocket connection and the engine session it carries.
type client struct {
	ctl    *Controller
	conn   *wsConn
	token  string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *engine.Session
	media   *rtc.Connection
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan frame, 32),
	}
	ctx, cancel := context.WithCancel(ctx)
	cl := &client{
		ctl:    ctl,
		conn:   conn,
		token:  token,
		ctx:    ctx,
		cancel: cancel,
	}

	go ctl.writePump(ctx, conn)
	go cl.readPump()
}

// shutdown detaches the engine session without removing the participant
// row, so a reconnecting client can resume its place.
func (cl *client) shutdown() {
	cl.mu.Lock()
	session := cl.session
	media := cl.media
	cl.session = nil
	cl.media = nil
	cl.mu.Unlock()

	if session != nil {
		cl.ctl.hub.remove(session.RoomID(), cl)
		cl.ctl.relays.StopRelay(session.UserID())
		session.Close()
	}
	if media != nil {
		media.Close()
	}
	cl.cancel()
	cl.conn.Close()
}

// notifier turns engine notices into toast frames on this connection.
type notifier struct {
	cl *client
}

func (n notifier) Notify(kind core.NoticeKind, message string) {
	k := "success"
	if kind == core.NoticeError {
		k = "error"
	}
	n.cl.send(map[string]string{
		"type":    "notice",
		"kind":    k,
		"message": message,
	})
}

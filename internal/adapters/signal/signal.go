package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app/relay"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendBuffer        = 64
	defaultReadLimit  = 32 * 1024
	defaultPingPeriod = 54 * time.Second
)

type SignalWSController struct {
	Hub        *relay.Hub
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(hub *relay.Hub, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &SignalWSController{Hub: hub, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, sendBuffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and joins the room topic given by the
// room query parameter. The participant id defaults to the client token.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	roomID := domain.RoomID(c.Query("room"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}
	uid := domain.ParticipantID(c.Query("user"))
	if uid == "" {
		uid = domain.ParticipantID(sid)
	}
	user, err := domain.UserWithID(uid, c.Query("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// One socket per participant; the session id follows the participant.
	sid = core.SessionID(user.ID)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(roomID)).Msg("new WS connection")

	conn := newWsSignalConn(ws)
	if old, ok := ctl.Hub.Registry.GetSession(sid); ok {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("replacing previous connection")
		ctl.Hub.Leave(sid)
		old.Signal().Close()
	}

	sess := core.NewMemberSession(domain.NewMember(user), conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Hub.Registry.Bind(sid, sess, cancel)
	ctl.Hub.Join(sid, roomID)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, sess, conn)
}

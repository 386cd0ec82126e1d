package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/tutorcall/internal/app/orch"
	"github.com/dkeye/tutorcall/internal/auth"
	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
	"github.com/dkeye/tutorcall/internal/metrics"
)

const writeWait = 5 * time.Second

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	SendBuffer int
	ICEServers []webrtc.ICEServer
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Gate    *auth.Gate
	Limiter *CallRateLimiter
	Metrics *metrics.Metrics
	Cfg     Config
}

// WsSignalConn is the transport handle the router delivers through. Frames
// go through a bounded queue drained by a single writer goroutine.
type WsSignalConn struct {
	id   domain.ConnID
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}
	once sync.Once
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	if buffer <= 0 {
		buffer = 32
	}
	return &WsSignalConn{
		id:   domain.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, buffer),
		done: make(chan struct{}),
	}
}

func (c *WsSignalConn) ID() domain.ConnID { return c.id }

func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.send <- f:
		return c.queued()
	default:
	}
	select {
	case c.send <- f:
		return c.queued()
	case <-c.done:
		return core.ErrConnClosed
	case <-ctx.Done():
		return core.ErrDeliveryTimeout
	}
}

// queued reports a frame enqueued after Close as undelivered; the write pump
// has stopped draining by then.
func (c *WsSignalConn) queued() error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
		return nil
	}
}

// Close is idempotent and never blocks; the registry calls it under its lock.
func (c *WsSignalConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, admits the credential and starts the
// connection pumps. A refused credential gets a policy-violation close frame.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	credential := auth.CredentialFromRequest(c.Request)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newWsSignalConn(ws, ctl.Cfg.SendBuffer)

	user, err := ctl.Gate.Admit(credential, conn)
	if err != nil {
		code := ErrorCode(err)
		ctl.Metrics.AuthFailed(code)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	// welcome is queued before the user becomes resolvable so it is always
	// the first frame on the wire.
	ctl.sendJSON(ctx, conn, welcome{
		Type:         core.EventWelcome,
		ConnectionID: conn.ID(),
		UserID:       user.UserID,
		Role:         user.Role,
		ICEServers:   ctl.Cfg.ICEServers,
	})
	ctl.Orch.Connect(user, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, user, conn)
}

type welcome struct {
	Type         core.EventType     `json:"type"`
	ConnectionID domain.ConnID      `json:"connection_id"`
	UserID       domain.UserID      `json:"user_id"`
	Role         domain.Role        `json:"role"`
	ICEServers   []webrtc.ICEServer `json:"ice_servers"`
}

package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beacon/internal/app"
	"github.com/dkeye/Beacon/internal/config"
	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Controller routes frames between bound connections. One instance is
// shared by every connection; all shared state lives in the registry.
type Controller struct {
	Registry *app.Registry
	Limiter  *UpdateRateLimiter

	sendBuffer int
	readLimit  int64
	pingPeriod time.Duration
}

func NewController(reg *app.Registry, cfg *config.Config) *Controller {
	return &Controller{
		Registry:   reg,
		Limiter:    NewUpdateRateLimiter(cfg.PositionRateLimit, cfg.PositionRateWindow),
		sendBuffer: cfg.SendBuffer,
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleConnect is the ws handshake. Only names already reserved over HTTP
// may connect; everything else is refused before the upgrade.
func (ctl *Controller) HandleConnect(ctx context.Context, c *gin.Context) {
	username := domain.Username(c.Query("username"))
	if username == "" || !ctl.Registry.Known(username) {
		log.Warn().Str("module", "signal").Str("username", string(username)).Msg("handshake refused: unknown username")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Unknown username"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("username", string(username)).Msg("new WS connection")

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, ctl.sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ctl.Registry.Bind(username, conn, cancel); err != nil {
		// Reservation vanished between the check and the bind.
		log.Warn().Err(err).Str("module", "signal").Str("username", string(username)).Msg("bind failed")
		cancel()
		conn.Close()
		return
	}

	// World state first, before any live broadcast can reach this socket.
	for _, snap := range ctl.Registry.Snapshot() {
		ctl.sendJSON(conn, positionMsg{
			Type:     msgUpdatePosition,
			Username: snap.Username,
			Data:     snap.Position,
		})
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, username, conn, cancel)
}

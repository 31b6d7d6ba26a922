package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
)

const writeWait = 5 * time.Second

const (
	msgUpdatePosition  = "update-position"
	msgRemoveClient    = "remove-client"
	msgVideoOffer      = "video-offer"
	msgVideoAnswer     = "video-answer"
	msgNewICECandidate = "new-ice-candidate"
	msgHangUp          = "hang-up"
	msgSendMessage     = "send-message"
	msgReceiveMessage  = "receive-message"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump is the connection's only read loop. Its defer is the single
// teardown path for clean close and transport error alike.
func (ctl *Controller) readPump(ctx context.Context, username domain.Username, c *wsConn, cancel context.CancelFunc) {
	defer ctl.teardown(username, c, cancel)

	pongWait := ctl.pingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("username", string(username)).Msg("readPump closing")
				return
			}
			ctl.handleFrame(username, data)
		}
	}
}

// teardown runs exactly once per connection. The registry guard makes a
// stale socket, already replaced by a newer bind, a no-op here.
func (ctl *Controller) teardown(username domain.Username, c core.SignalConnection, cancel context.CancelFunc) {
	cancel()
	c.Close()
	ctl.Limiter.Forget(username)
	if !ctl.Registry.ReleaseConn(username, c) {
		return
	}
	log.Info().Str("module", "signal").Str("username", string(username)).Msg("client disconnected")
	ctl.broadcast(ctl.Registry.Connections(), struct {
		Type     string          `json:"type"`
		Username domain.Username `json:"username"`
	}{msgRemoveClient, username})
}

func (ctl *Controller) handleFrame(sender domain.Username, data core.Frame) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sender", string(sender)).Msg("bad json")
		return
	}

	switch env.Type {
	case msgUpdatePosition:
		ctl.handleUpdatePosition(sender, data)
	case msgVideoOffer, msgVideoAnswer, msgNewICECandidate:
		ctl.handleSignaling(sender, env.Type, data)
	case msgHangUp:
		ctl.handleHangUp(sender, data)
	case msgSendMessage:
		ctl.handleSendMessage(sender, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown message type")
	}
}

func (ctl *Controller) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

// broadcast fans v out to a captured connection list, best-effort: a
// connection dying mid-iteration is skipped, never an error.
func (ctl *Controller) broadcast(conns []core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	for _, c := range conns {
		if err := c.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("broadcast dropped")
		}
	}
}

// relayTo delivers v to one named recipient. An absent or disconnected
// target is a warning and a drop; the sender is never told.
func (ctl *Controller) relayTo(target domain.Username, v any) {
	conn, ok := ctl.Registry.Conn(target)
	if !ok {
		log.Warn().Str("module", "signal").Str("target", string(target)).Msg("target not found or not connected")
		return
	}
	ctl.sendJSON(conn, v)
}

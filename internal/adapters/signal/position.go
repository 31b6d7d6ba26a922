package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beacon/internal/domain"
)

type positionMsg struct {
	Type     string          `json:"type"`
	Username domain.Username `json:"username"`
	Data     domain.Position `json:"data"`
}

// handleUpdatePosition stores the reported position and fans it out to
// every connected client, the sender included.
func (ctl *Controller) handleUpdatePosition(sender domain.Username, data []byte) {
	type payload struct {
		Type     string           `json:"type"`
		Username domain.Username  `json:"username"`
		Data     *domain.Position `json:"data"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad update-position payload")
		return
	}
	if p.Username == "" || p.Data == nil {
		log.Warn().Str("module", "signal").Str("sender", string(sender)).Msg("update-position: missing username or data")
		return
	}
	if !ctl.Limiter.Allow(sender) {
		log.Warn().Str("module", "signal").Str("sender", string(sender)).Msg("update-position: rate limited")
		return
	}

	conns, err := ctl.Registry.UpdatePosition(p.Username, *p.Data)
	if err != nil {
		log.Warn().Str("module", "signal").Str("username", string(p.Username)).Msg("update-position: unknown username")
		return
	}

	ctl.broadcast(conns, positionMsg{
		Type:     msgUpdatePosition,
		Username: p.Username,
		Data:     *p.Data,
	})
}

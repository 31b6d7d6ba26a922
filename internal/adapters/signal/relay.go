package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beacon/internal/domain"
)

// handleSignaling relays video-offer, video-answer and new-ice-candidate
// frames to their target. The payloads are the browser's serialized
// RTCSessionDescription / RTCIceCandidate; they are decoded only to check
// shape, never inspected. Sender is stamped from the bound identity so a
// client cannot impersonate another at the relay boundary.
func (ctl *Controller) handleSignaling(sender domain.Username, kind string, data []byte) {
	type payload struct {
		Target    domain.Username            `json:"target"`
		SDP       *webrtc.SessionDescription `json:"sdp"`
		Candidate *webrtc.ICECandidateInit   `json:"candidate"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", kind).Msg("bad signaling payload")
		return
	}
	if p.Target == "" {
		log.Warn().Str("module", "signal").Str("type", kind).Str("sender", string(sender)).Msg("signaling: missing target")
		return
	}
	switch kind {
	case msgVideoOffer, msgVideoAnswer:
		if p.SDP == nil {
			log.Warn().Str("module", "signal").Str("type", kind).Msg("signaling: missing sdp")
			return
		}
	case msgNewICECandidate:
		if p.Candidate == nil {
			log.Warn().Str("module", "signal").Str("type", kind).Msg("signaling: missing candidate")
			return
		}
	}

	ctl.relayTo(p.Target, struct {
		Type      string                     `json:"type"`
		SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
		Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
		Sender    domain.Username            `json:"sender"`
	}{kind, p.SDP, p.Candidate, sender})
}

func (ctl *Controller) handleHangUp(sender domain.Username, data []byte) {
	type payload struct {
		Target domain.Username `json:"target"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad hang-up payload")
		return
	}
	if p.Target == "" {
		log.Warn().Str("module", "signal").Str("sender", string(sender)).Msg("hang-up: missing target")
		return
	}

	ctl.relayTo(p.Target, struct {
		Type   string          `json:"type"`
		Sender domain.Username `json:"sender"`
	}{msgHangUp, sender})
}

func (ctl *Controller) handleSendMessage(sender domain.Username, data []byte) {
	type payload struct {
		Target  domain.Username `json:"target"`
		Message string          `json:"message"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad send-message payload")
		return
	}
	if p.Target == "" {
		log.Warn().Str("module", "signal").Str("sender", string(sender)).Msg("send-message: missing target")
		return
	}

	ctl.relayTo(p.Target, struct {
		Type    string          `json:"type"`
		Sender  domain.Username `json:"sender"`
		Message string          `json:"message"`
	}{msgReceiveMessage, sender, p.Message})
}

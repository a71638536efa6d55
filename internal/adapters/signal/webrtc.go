package signal

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/adapters/rtc"
	"github.com/speakers-live/speakers-server/internal/engine"
)

func (cl *client) sendCandidate(ci webrtc.ICECandidateInit) {
	resp := struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid,omitempty"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	}{
		Type:      "candidate",
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	cl.send(resp)
}

// handleOffer sets up the fallback SFU path for this client: inbound
// tracks are relayed to room peers, and peers' existing relays are wired
// back before the answer is produced.
func (cl *client) handleOffer(data []byte) {
	type offerPayload struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		return
	}

	cl.withSession(func(s *engine.Session) {
		identity := s.UserID()
		roomID := s.RoomID()

		wc, err := rtc.NewConnection(cl.ctl.rtcConfig, identity)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("webrtc new pc")
			return
		}

		wc.OnICECandidate(cl.sendCandidate)
		wc.OnTrack(cl.onTrack(identity, roomID))
		wc.OnClosed(func() {
			cl.ctl.relays.StopRelay(identity)
		})

		if err = wc.Start(cl.ctx); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("webrtc start")
			wc.Close()
			return
		}

		// Wire existing publishers into this connection before answering.
		for _, peer := range cl.ctl.hub.peers(roomID, cl) {
			peer.mu.Lock()
			peerSession := peer.session
			peer.mu.Unlock()
			if peerSession == nil {
				continue
			}
			src := peerSession.UserID()
			track, ok := cl.ctl.relays.SrcTrack(src)
			if !ok {
				continue
			}
			local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, track.ID(), track.StreamID())
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("mirror track")
				continue
			}
			if _, err := wc.AddLocalTrack(local); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("add local track")
				continue
			}
			cl.ctl.relays.AddSubscriber(src, identity, local)
		}

		offer := webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  p.SDP,
		}
		answer, err := wc.ApplyOfferAndCreateAnswer(offer)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("webrtc apply offer")
			wc.Close()
			return
		}

		cl.mu.Lock()
		if cl.media != nil {
			cl.media.Close()
		}
		cl.media = wc
		cl.mu.Unlock()

		cl.send(map[string]string{
			"type": "answer",
			"sdp":  answer.SDP,
		})
	})
}

// onTrack starts a relay for the publishing identity and fans the track
// out to every peer connection in the room. The relay manager's gate
// refuses identities that are not on stage.
func (cl *client) onTrack(identity, roomID string) func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	return func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if !cl.ctl.relays.StartRelay(ctx, identity, track) {
			cl.send(map[string]string{
				"type":    "notice",
				"kind":    "error",
				"message": "Raise your hand to speak",
			})
			return
		}
		for _, peer := range cl.ctl.hub.peers(roomID, cl) {
			peer.mu.Lock()
			peerSession := peer.session
			peerMedia := peer.media
			peer.mu.Unlock()
			if peerSession == nil || peerMedia == nil {
				continue
			}
			local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, track.ID(), track.StreamID())
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("mirror track")
				continue
			}
			if _, err := peerMedia.AddLocalTrack(local); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("add local track to peer")
				continue
			}
			cl.ctl.relays.AddSubscriber(identity, peerSession.UserID(), local)
		}
	}
}

func (cl *client) handleCandidate(data []byte) {
	type candidatePayload struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate: p.Candidate,
	}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex

	cl.mu.Lock()
	media := cl.media
	cl.mu.Unlock()
	if media == nil {
		log.Warn().Str("module", "signal").Str("token", cl.token).Msg("candidate: no media connection")
		return
	}
	if err := media.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("add ice candidate")
	}
}

package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
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

func (cl *client) readPump() {
	defer func() {
		log.Info().Str("module", "signal").Str("token", cl.token).Msg("readPump closing")
		cl.shutdown()
	}()

	for {
		select {
		case <-cl.ctx.Done():
			log.Info().Str("module", "signal").Str("token", cl.token).Msg("readPump ctx done")
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("token", cl.token).Msg("readPump read error")
				return
			}
			cl.dispatch(data)
		}
	}
}

func (cl *client) dispatch(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "join":
		cl.handleJoin(data)
	case "leave":
		cl.handleLeave()
	case "raise_hand":
		cl.handleRaiseHand()
	case "lower_hand":
		cl.handleLowerHand()
	case "invite":
		cl.handleInvite(data)
	case "remove_speaker":
		cl.handleRemoveSpeaker(data)
	case "promote":
		cl.handlePromote(data)
	case "kick":
		cl.handleKick(data)
	case "chat":
		cl.handleChat(data)
	case "ping":
		cl.handlePing()
	case "offer":
		cl.handleOffer(data)
	case "candidate":
		cl.handleCandidate(data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (cl *client) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	_ = cl.conn.TrySend(b)
}

func (cl *client) sendError(msg string) {
	cl.send(map[string]string{
		"type":  "error",
		"error": msg,
	})
}

package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(
	ctx context.Context,
	cancel context.CancelFunc,
	sid core.SessionID,
	sess core.MemberSession,
	c *WsSignalConn,
) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		// A replacement connection may already own sid.
		if cur, ok := ctl.Hub.Registry.GetSession(sid); ok && cur == sess {
			ctl.Hub.Leave(sid)
			ctl.Hub.Registry.Unbind(sid)
		}
	}()

	pongWait := ctl.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleFrame(sid, data)
		}
	}
}

// handleFrame relays well-formed client whispers. Roster events are
// reserved to the relay.
func (ctl *SignalWSController) handleFrame(sid core.SessionID, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad envelope")
		return
	}
	switch env.Event {
	case core.EventSignal, core.EventCandidate:
		ctl.Hub.OnFrame(sid, data)
	default:
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("event", env.Event).Msg("unknown event")
	}
}

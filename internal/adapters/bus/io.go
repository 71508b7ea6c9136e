package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (g *Gateway) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.bus").Msg("writePump ctx done")
			_ = g.conn.Close()
			return
		case data, ok := <-g.send:
			if !ok {
				log.Warn().Str("module", "adapters.bus").Msg("writePump channel closed")
				return
			}
			if err := g.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.bus").Msg("writePump set deadline")
				return
			}
			if err := g.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.bus").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context) {
	defer func() {
		log.Info().Str("module", "adapters.bus").Msg("readPump closing")
		_ = g.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.bus").Msg("readPump ctx done")
			return
		default:
			_, data, err := g.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.bus").Msg("readPump read error")
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Error().Err(err).Str("module", "adapters.bus").Msg("bad json")
				continue
			}
			g.dispatch(env)
		}
	}
}

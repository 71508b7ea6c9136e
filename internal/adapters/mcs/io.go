package mcs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
)

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.mcs").Msg("writePump ctx done")
			_ = c.conn.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.mcs").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.mcs").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.markDisconnected()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.mcs").Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.mcs").Msg("readPump read error")
				return
			}
			var msg message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Error().Err(err).Str("module", "adapters.mcs").Msg("bad json")
				continue
			}
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg message) {
	if msg.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			return
		}
		res := pendingResult{result: msg.Result}
		if msg.Error != nil {
			res.err = msg.Error
		}
		ch <- res
		return
	}

	switch msg.Event {
	case "MEDIA_STATE":
		c.mu.Lock()
		subs := make([]func(core.MediaEvent), 0, len(c.mediaState[msg.MediaID]))
		for _, fn := range c.mediaState[msg.MediaID] {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		ev := core.MediaEvent{Name: msg.Name, Details: msg.Details}
		for _, fn := range subs {
			fn(ev)
		}
	case "MEDIA_STATE_ICE":
		c.mu.Lock()
		subs := make([]func(string), 0, len(c.mediaIce[msg.MediaID]))
		for _, fn := range c.mediaIce[msg.MediaID] {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg.Candidate)
		}
	default:
		log.Warn().Str("module", "adapters.mcs").Str("event", msg.Event).Msg("unknown event")
	}
}

// markDisconnected fails every pending call, flips the connection flag and
// fires the disconnect subscribers exactly once each.
func (c *Client) markDisconnected() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.connCh = make(chan struct{})
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	subs := make([]func(), 0, len(c.disconnected))
	for _, fn := range c.disconnected {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: fmt.Errorf("mcs disconnected")}
	}
	log.Warn().Str("module", "adapters.mcs").Int("pending", len(pending)).Msg("mcs connection lost")
	for _, fn := range subs {
		fn()
	}
}

// Package bus implements core.BusGateway over a websocket connection to
// the conferencing message bus. The envelope is JSON; inbound requests
// are routed by topic into the Managers registered at startup.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
)

const (
	TopicAudio         = "sfu-audio"
	TopicVideo         = "sfu-video"
	topicClient        = "client"
	topicMeetingEvents = "meeting-events"

	eventUserLeft     = "USER_LEFT_MEETING_2x"
	eventCamBroadcast = "USER_CAM_BROADCAST_STARTED_2x"
)

type envelope struct {
	Topic   string          `json:"topic"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type userLeftEvent struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

// Gateway is a typed facade over the bus websocket. One writer goroutine
// pumps the send channel; one reader decodes envelopes and dispatches.
type Gateway struct {
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	routes     map[string]func(core.InboundMessage)
	nextSub    int
	userLeft   map[string]map[int]func()
	camStarted map[int]func(core.CamBroadcastEvent)
}

// Dial connects to the bus and starts both pumps. The connection lives
// until ctx is cancelled or the peer drops.
func Dial(ctx context.Context, url string) (*Gateway, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		conn:       conn,
		send:       make(chan []byte, 256),
		routes:     make(map[string]func(core.InboundMessage)),
		userLeft:   make(map[string]map[int]func()),
		camStarted: make(map[int]func(core.CamBroadcastEvent)),
	}
	go g.writePump(ctx)
	go g.readPump(ctx)
	log.Info().Str("module", "adapters.bus").Str("url", url).Msg("bus connected")
	return g, nil
}

// Route binds a topic's inbound requests to a handler. Call before any
// traffic flows; routes are fixed at startup.
func (g *Gateway) Route(topic string, fn func(core.InboundMessage)) {
	g.mu.Lock()
	g.routes[topic] = fn
	g.mu.Unlock()
}

// Publish emits a frame on the client-facing channel of a connection.
func (g *Gateway) Publish(channel string, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Topic: topicClient, Channel: channel, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case g.send <- data:
		return nil
	default:
		log.Warn().Str("module", "adapters.bus").Str("channel", channel).Msg("send buffer full, dropping frame")
		return nil
	}
}

func (g *Gateway) OnUserLeft(meetingID, userID string, fn func()) core.Unsubscribe {
	key := meetingID + ":" + userID
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	if g.userLeft[key] == nil {
		g.userLeft[key] = make(map[int]func())
	}
	g.userLeft[key][id] = fn
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if subs, ok := g.userLeft[key]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(g.userLeft, key)
				}
			}
			g.mu.Unlock()
		})
	}
}

func (g *Gateway) OnCamBroadcastStarted(fn func(core.CamBroadcastEvent)) core.Unsubscribe {
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.camStarted[id] = fn
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.camStarted, id)
			g.mu.Unlock()
		})
	}
}

func (g *Gateway) dispatch(env envelope) {
	switch env.Topic {
	case topicMeetingEvents:
		g.dispatchEvent(env)
	default:
		g.mu.Lock()
		route := g.routes[env.Topic]
		g.mu.Unlock()
		if route == nil {
			log.Warn().Str("module", "adapters.bus").Str("topic", env.Topic).Msg("no route for topic")
			return
		}
		var msg core.InboundMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Error().Err(err).Str("module", "adapters.bus").Msg("bad request payload")
			return
		}
		route(msg)
	}
}

func (g *Gateway) dispatchEvent(env envelope) {
	switch env.Event {
	case eventUserLeft:
		var ev userLeftEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Error().Err(err).Str("module", "adapters.bus").Msg("bad user-left payload")
			return
		}
		g.mu.Lock()
		subs := make([]func(), 0, len(g.userLeft[ev.MeetingID+":"+ev.UserID]))
		for _, fn := range g.userLeft[ev.MeetingID+":"+ev.UserID] {
			subs = append(subs, fn)
		}
		g.mu.Unlock()
		for _, fn := range subs {
			fn()
		}
	case eventCamBroadcast:
		var ev core.CamBroadcastEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Error().Err(err).Str("module", "adapters.bus").Msg("bad cam-broadcast payload")
			return
		}
		g.mu.Lock()
		subs := make([]func(core.CamBroadcastEvent), 0, len(g.camStarted))
		for _, fn := range g.camStarted {
			subs = append(subs, fn)
		}
		g.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	default:
		log.Warn().Str("module", "adapters.bus").Str("event", env.Event).Msg("unknown meeting event")
	}
}

package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/sfucore/internal/core"
)

func testGateway() *Gateway {
	return &Gateway{
		send:       make(chan []byte, 16),
		routes:     make(map[string]func(core.InboundMessage)),
		userLeft:   make(map[string]map[int]func()),
		camStarted: make(map[int]func(core.CamBroadcastEvent)),
	}
}

func TestDispatchRoutesByTopic(t *testing.T) {
	g := testGateway()

	var got core.InboundMessage
	g.Route(TopicVideo, func(msg core.InboundMessage) { got = msg })

	payload, _ := json.Marshal(core.InboundMessage{ID: "start", UserID: "u1", CameraID: "c1"})
	g.dispatch(envelope{Topic: TopicVideo, Payload: payload})

	assert.Equal(t, "start", got.ID)
	assert.Equal(t, "c1", got.CameraID)
}

func TestDispatchUnknownTopicIgnored(t *testing.T) {
	g := testGateway()
	payload, _ := json.Marshal(core.InboundMessage{ID: "start"})
	g.dispatch(envelope{Topic: "sfu-screenshare", Payload: payload})
}

func TestUserLeftSubscription(t *testing.T) {
	g := testGateway()

	fired := 0
	unsub := g.OnUserLeft("m1", "u1", func() { fired++ })

	payload, _ := json.Marshal(userLeftEvent{MeetingID: "m1", UserID: "u1"})
	g.dispatch(envelope{Topic: topicMeetingEvents, Event: eventUserLeft, Payload: payload})
	assert.Equal(t, 1, fired)

	// Other users do not trigger the handler.
	other, _ := json.Marshal(userLeftEvent{MeetingID: "m1", UserID: "u2"})
	g.dispatch(envelope{Topic: topicMeetingEvents, Event: eventUserLeft, Payload: other})
	assert.Equal(t, 1, fired)

	unsub()
	unsub() // releasing twice is safe
	g.dispatch(envelope{Topic: topicMeetingEvents, Event: eventUserLeft, Payload: payload})
	assert.Equal(t, 1, fired)
}

func TestCamBroadcastSubscription(t *testing.T) {
	g := testGateway()

	var got core.CamBroadcastEvent
	g.OnCamBroadcastStarted(func(ev core.CamBroadcastEvent) { got = ev })

	payload, _ := json.Marshal(core.CamBroadcastEvent{MeetingID: "m1", UserID: "v_u1", Stream: "v_u1-cam|SIP"})
	g.dispatch(envelope{Topic: topicMeetingEvents, Event: eventCamBroadcast, Payload: payload})

	assert.Equal(t, "v_u1", got.UserID)
	assert.Equal(t, "v_u1-cam|SIP", got.Stream)
}

func TestPublishEnvelope(t *testing.T) {
	g := testGateway()

	require.NoError(t, g.Publish("conn-1", core.CloseFrame{Type: core.FrameClose, ID: core.FrameClose}))

	data := <-g.send
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, topicClient, env.Topic)
	assert.Equal(t, "conn-1", env.Channel)

	var frame core.CloseFrame
	require.NoError(t, json.Unmarshal(env.Payload, &frame))
	assert.Equal(t, core.FrameClose, frame.Type)
}

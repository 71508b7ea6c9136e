package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/domain"
	"github.com/dkeye/sfucore/internal/sfuerr"
)

func testNotifier(bus *fakeBus, media domain.MediaType) *clientNotifier {
	return &clientNotifier{bus: bus, channel: "conn-1", media: media, role: domain.RoleShare, cameraID: "c1"}
}

func testEndpointOptions(media domain.MediaType) endpointOptions {
	return endpointOptions{
		Media:          media,
		Room:           "room-1",
		MeetingID:      "meeting-1",
		VoiceBridge:    "70001",
		ExternalUserID: "u1",
		Adapter:        "mediasoup",
		MediaSpec:      domain.MediaSpec{Codec: "VP8", Bitrate: 300},
		Record:         true,
		FlowTimeout:    30 * time.Millisecond,
		StateTimeout:   30 * time.Millisecond,
	}
}

func startedPublisher(t *testing.T, mcs *fakeMCS, bus *fakeBus, media domain.MediaType) *PublisherEndpoint {
	t.Helper()
	e := NewPublisherEndpoint(mcs, testNotifier(bus, media), newCandidateQueue(), testEndpointOptions(media))
	_, err := e.Start(context.Background(), "offer")
	require.NoError(t, err)
	return e
}

func TestPublisherStartOffline(t *testing.T) {
	mcs := newFakeMCS()
	mcs.offline = true
	e := NewPublisherEndpoint(mcs, testNotifier(newFakeBus(), domain.MediaVideo), newCandidateQueue(), testEndpointOptions(domain.MediaVideo))

	_, err := e.Start(context.Background(), "offer")
	require.Error(t, err)
	assert.Equal(t, sfuerr.MediaServerOffline, sfuerr.Normalize(err))
}

func TestMediaFlowWatchdog(t *testing.T) {
	mcs := newFakeMCS()
	bus := newFakeBus()
	e := startedPublisher(t, mcs, bus, domain.MediaVideo)
	mediaID := mcs.lastMediaID()

	mcs.fireMediaEvent(mediaID, core.MediaEvent{Name: core.MediaFlowInStateChange, Details: core.MediaNotFlowing})

	require.Eventually(t, func() bool {
		return len(bus.errorsOf("conn-1")) == 1
	}, time.Second, tick)
	assert.Equal(t, sfuerr.MediaTimeout.Code, bus.errorsOf("conn-1")[0].Error.Code)
	e.Stop(context.Background())
}

func TestMediaFlowWatchdogClearedOnFlowing(t *testing.T) {
	mcs := newFakeMCS()
	bus := newFakeBus()
	e := startedPublisher(t, mcs, bus, domain.MediaVideo)
	mediaID := mcs.lastMediaID()

	mcs.fireMediaEvent(mediaID, core.MediaEvent{Name: core.MediaFlowInStateChange, Details: core.MediaNotFlowing})
	mcs.fireMediaEvent(mediaID, core.MediaEvent{Name: core.MediaFlowInStateChange, Details: core.MediaFlowing})

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, bus.errorsOf("conn-1"))

	// The positive transition also tells the client media is flowing.
	types := bus.typesOf("conn-1")
	assert.Contains(t, types, core.FrameAudioSuccess)
	e.Stop(context.Background())
}

func TestMediaStateWatchdog(t *testing.T) {
	mcs := newFakeMCS()
	bus := newFakeBus()
	e := startedPublisher(t, mcs, bus, domain.MediaVideo)
	mediaID := mcs.lastMediaID()

	mcs.fireMediaEvent(mediaID, core.MediaEvent{Name: core.MediaStateChanged, Details: core.MediaStateDisconnected})
	mcs.fireMediaEvent(mediaID, core.MediaEvent{Name: core.MediaStateChanged, Details: core.MediaStateConnected})

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, bus.errorsOf("conn-1"))
	e.Stop(context.Background())
}

func TestWatchdogClearedOnStop(t *testing.T) {
	mcs := newFakeMCS()
	bus := newFakeBus()
	e := startedPublisher(t, mcs, bus, domain.MediaVideo)
	mediaID := mcs.lastMediaID()

	mcs.fireMediaEvent(mediaID, core.MediaEvent{Name: core.MediaFlowInStateChange, Details: core.MediaNotFlowing})
	e.Stop(context.Background())

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, bus.errorsOf("conn-1"))
}

func TestServerIceCandidateForwarded(t *testing.T) {
	mcs := newFakeMCS()
	bus := newFakeBus()
	e := startedPublisher(t, mcs, bus, domain.MediaVideo)
	mediaID := mcs.lastMediaID()

	mcs.fireIce(mediaID, "server-candidate")

	frames := bus.framesOf("conn-1")
	var found bool
	for _, frame := range frames {
		if ice, ok := frame.(core.IceCandidateFrame); ok {
			assert.Equal(t, "server-candidate", ice.Candidate)
			found = true
		}
	}
	assert.True(t, found)
	e.Stop(context.Background())
}

func TestProcessAnswerReusesMediaID(t *testing.T) {
	mcs := newFakeMCS()
	bus := newFakeBus()
	e := startedPublisher(t, mcs, bus, domain.MediaVideo)
	mediaID := mcs.lastMediaID()

	require.NoError(t, e.ProcessAnswer(context.Background(), "new-offer"))
	assert.Equal(t, 2, mcs.countCalls("publish:WEBRTC"))

	e.mu.Lock()
	current := e.mediaID
	e.mu.Unlock()
	assert.Equal(t, mediaID, current)
	e.Stop(context.Background())
}

func TestConsumerProcessAnswerResubscribesToSource(t *testing.T) {
	mcs := newFakeMCS()
	opts := testEndpointOptions(domain.MediaVideo)
	opts.SourceID = "cam-1"
	e := NewConsumerEndpoint(mcs, NewBridgeRegistry(mcs), testNotifier(newFakeBus(), domain.MediaVideo), newCandidateQueue(), opts)

	_, err := e.Start(context.Background(), "offer")
	require.NoError(t, err)
	require.Equal(t, 1, mcs.countCalls("subscribe:cam-1"))

	require.NoError(t, e.ProcessAnswer(context.Background(), "new-answer"))

	// The renegotiation targets the original broadcast source, never the
	// consumer's own media id.
	assert.Equal(t, 2, mcs.countCalls("subscribe:cam-1"))
	e.mu.Lock()
	own := e.mediaID
	e.mu.Unlock()
	assert.Equal(t, 0, mcs.countCalls("subscribe:"+own))
	e.Stop(context.Background())
}

func TestConsumerProcessAnswerUsesBridgeSource(t *testing.T) {
	mcs := newFakeMCS()
	bridges := NewBridgeRegistry(mcs)
	e := NewConsumerEndpoint(mcs, bridges, testNotifier(newFakeBus(), domain.MediaAudio), newCandidateQueue(), testEndpointOptions(domain.MediaAudio))

	_, err := e.Start(context.Background(), "offer")
	require.NoError(t, err)

	bridge, err := bridges.Acquire(context.Background(), "meeting-1", "70001", "mediasoup")
	require.NoError(t, err)
	bridgeSource := "subscribe:" + bridge.MediaID()
	require.Equal(t, 1, mcs.countCalls(bridgeSource))

	require.NoError(t, e.ProcessAnswer(context.Background(), "new-answer"))
	assert.Equal(t, 2, mcs.countCalls(bridgeSource))

	bridges.Release(context.Background(), "meeting-1")
	e.Stop(context.Background())
}

func TestDTMFOnVideoPublisher(t *testing.T) {
	mcs := newFakeMCS()
	e := startedPublisher(t, mcs, newFakeBus(), domain.MediaVideo)

	digits, err := e.DTMF(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "", digits)
	assert.Equal(t, 0, mcs.countCalls("dtmf:"))
	e.Stop(context.Background())
}

func TestDTMFOnConsumer(t *testing.T) {
	mcs := newFakeMCS()
	e := NewConsumerEndpoint(mcs, NewBridgeRegistry(mcs), testNotifier(newFakeBus(), domain.MediaAudio), newCandidateQueue(), testEndpointOptions(domain.MediaAudio))

	digits, err := e.DTMF(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "", digits)
	assert.NoError(t, e.RestartIce(context.Background()))
}

func TestConsumerReleasesBridgeOnStop(t *testing.T) {
	mcs := newFakeMCS()
	bridges := NewBridgeRegistry(mcs)
	e := NewConsumerEndpoint(mcs, bridges, testNotifier(newFakeBus(), domain.MediaAudio), newCandidateQueue(), testEndpointOptions(domain.MediaAudio))

	_, err := e.Start(context.Background(), "offer")
	require.NoError(t, err)
	assert.Equal(t, 1, bridges.Refs("meeting-1"))

	e.Stop(context.Background())
	e.Stop(context.Background())
	assert.Equal(t, 0, bridges.Refs("meeting-1"))
}

func TestPendingIceFlushedOnce(t *testing.T) {
	mcs := newFakeMCS()
	ice := newCandidateQueue()
	ice.Push("C1")
	ice.Push("C2")
	e := NewPublisherEndpoint(mcs, testNotifier(newFakeBus(), domain.MediaVideo), ice, testEndpointOptions(domain.MediaVideo))

	_, err := e.Start(context.Background(), "offer")
	require.NoError(t, err)

	assert.Equal(t, 2, mcs.countCalls("addIce:"))
	assert.Equal(t, 0, ice.Len())

	// Later candidates go straight to the MCS.
	require.NoError(t, e.OnIceCandidate(context.Background(), "C3"))
	assert.Equal(t, 3, mcs.countCalls("addIce:"))
	e.Stop(context.Background())
}

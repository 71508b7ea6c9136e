package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/sfucore/internal/config"
	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/domain"
)

// fakeMCS is a scripted core.MCSGateway. It records every call in order
// and lets tests push media events and the disconnect signal.
type fakeMCS struct {
	mu      sync.Mutex
	calls   []string
	offline bool

	joinErr      error
	publishErr   error
	subscribeErr error
	consumeErr   error
	unpublishErr error

	nextID int

	mediaState   map[string][]func(core.MediaEvent)
	mediaIce     map[string][]func(string)
	disconnected []func()
}

func newFakeMCS() *fakeMCS {
	return &fakeMCS{
		mediaState: make(map[string][]func(core.MediaEvent)),
		mediaIce:   make(map[string][]func(string)),
	}
}

func (f *fakeMCS) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeMCS) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeMCS) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeMCS) WaitForConnection(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

func (f *fakeMCS) Join(ctx context.Context, room string, opts core.JoinOptions) (string, error) {
	if f.joinErr != nil {
		return "", f.joinErr
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("mcsuser-%d", f.nextID)
	f.calls = append(f.calls, "join:"+room)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeMCS) Publish(ctx context.Context, mcsUserID, room string, opts core.PublishOptions) (string, string, error) {
	if f.publishErr != nil {
		return "", "", f.publishErr
	}
	f.mu.Lock()
	f.nextID++
	mediaID := fmt.Sprintf("media-%d", f.nextID)
	f.calls = append(f.calls, "publish:"+opts.MediaType)
	f.mu.Unlock()
	return mediaID, "answer-" + mediaID, nil
}

func (f *fakeMCS) Consume(ctx context.Context, sourceMediaID, sinkMediaID, kind string) (string, error) {
	if f.consumeErr != nil {
		return "", f.consumeErr
	}
	f.record("consume:" + kind)
	return "bridge-answer", nil
}

func (f *fakeMCS) Subscribe(ctx context.Context, mcsUserID, room string, opts core.SubscribeOptions) (string, string, error) {
	if f.subscribeErr != nil {
		return "", "", f.subscribeErr
	}
	f.mu.Lock()
	f.nextID++
	mediaID := fmt.Sprintf("media-%d", f.nextID)
	f.calls = append(f.calls, "subscribe:"+opts.SourceMediaID)
	f.mu.Unlock()
	return mediaID, "answer-" + mediaID, nil
}

func (f *fakeMCS) Connect(ctx context.Context, mediaIDA, mediaIDB string, bothDirections bool) error {
	f.record("connect")
	return nil
}

func (f *fakeMCS) AddIceCandidate(ctx context.Context, mediaID, candidate string) error {
	f.record("addIce:" + candidate)
	return nil
}

func (f *fakeMCS) Unpublish(ctx context.Context, mcsUserID, mediaID string) error {
	f.record("unpublish:" + mediaID)
	return f.unpublishErr
}

func (f *fakeMCS) RestartIce(ctx context.Context, mediaID string) (string, error) {
	f.record("restartIce")
	return "restart-offer", nil
}

func (f *fakeMCS) DTMF(ctx context.Context, mediaID, tones string) (string, error) {
	f.record("dtmf:" + tones)
	return tones, nil
}

func (f *fakeMCS) OnMediaState(mediaID string, fn func(core.MediaEvent)) core.Unsubscribe {
	f.mu.Lock()
	f.mediaState[mediaID] = append(f.mediaState[mediaID], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeMCS) OnMediaStateIce(mediaID string, fn func(string)) core.Unsubscribe {
	f.mu.Lock()
	f.mediaIce[mediaID] = append(f.mediaIce[mediaID], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeMCS) OnDisconnected(fn func()) core.Unsubscribe {
	f.mu.Lock()
	f.disconnected = append(f.disconnected, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeMCS) fireMediaEvent(mediaID string, ev core.MediaEvent) {
	f.mu.Lock()
	subs := append([]func(core.MediaEvent){}, f.mediaState[mediaID]...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeMCS) fireIce(mediaID, candidate string) {
	f.mu.Lock()
	subs := append([]func(string){}, f.mediaIce[mediaID]...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(candidate)
	}
}

func (f *fakeMCS) fireDisconnected() {
	f.mu.Lock()
	subs := append([]func(){}, f.disconnected...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// lastMediaID returns the media id handed out by the most recent
// publish/subscribe.
func (f *fakeMCS) lastMediaID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("media-%d", f.nextID)
}

// fakeBus records published frames per channel and lets tests fire
// meeting lifecycle events.
type fakeBus struct {
	mu       sync.Mutex
	frames   map[string][]any
	userLeft map[string][]func()
	cam      []func(core.CamBroadcastEvent)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		frames:   make(map[string][]any),
		userLeft: make(map[string][]func()),
	}
}

func (f *fakeBus) Publish(channel string, frame any) error {
	f.mu.Lock()
	f.frames[channel] = append(f.frames[channel], frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) OnUserLeft(meetingID, userID string, fn func()) core.Unsubscribe {
	key := meetingID + ":" + userID
	f.mu.Lock()
	f.userLeft[key] = append(f.userLeft[key], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeBus) OnCamBroadcastStarted(fn func(core.CamBroadcastEvent)) core.Unsubscribe {
	f.mu.Lock()
	f.cam = append(f.cam, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeBus) fireUserLeft(meetingID, userID string) {
	f.mu.Lock()
	subs := append([]func(){}, f.userLeft[meetingID+":"+userID]...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (f *fakeBus) fireCamBroadcast(ev core.CamBroadcastEvent) {
	f.mu.Lock()
	subs := append([]func(core.CamBroadcastEvent){}, f.cam...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeBus) framesOf(channel string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames[channel]))
	copy(out, f.frames[channel])
	return out
}

func (f *fakeBus) typesOf(channel string) []string {
	out := []string{}
	for _, frame := range f.framesOf(channel) {
		switch fr := frame.(type) {
		case core.StartResponseFrame:
			out = append(out, fr.Type)
		case core.IceCandidateFrame:
			out = append(out, fr.Type)
		case core.MediaSuccessFrame:
			out = append(out, fr.Type)
		case core.MediaErrorFrame:
			out = append(out, fr.Type)
		case core.CloseFrame:
			out = append(out, fr.Type)
		}
	}
	return out
}

func (f *fakeBus) errorsOf(channel string) []core.MediaErrorFrame {
	out := []core.MediaErrorFrame{}
	for _, frame := range f.framesOf(channel) {
		if fr, ok := frame.(core.MediaErrorFrame); ok {
			out = append(out, fr)
		}
	}
	return out
}

// denyOracle refuses every query with a fixed answer.
type denyOracle struct{}

func (denyOracle) CanBroadcast(ctx context.Context, meetingID string, userID domain.UserID, cameraID string) (bool, error) {
	return false, nil
}

func (denyOracle) CanSubscribe(ctx context.Context, meetingID string, userID domain.UserID, cameraID string) (bool, error) {
	return false, nil
}

func (denyOracle) CanSpeak(ctx context.Context, meetingID string, userID domain.UserID, voiceBridge string) (bool, error) {
	return false, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:             "release",
		VideoMediaServer: "mediasoup",
		ConferenceMediaSpecs: config.MediaSpecs{
			Audio: domain.MediaSpec{Codec: "OPUS", Bitrate: 48},
			Video: domain.MediaSpec{Codec: "VP8", Bitrate: 300},
		},
		MediaFlowTimeoutDuration:  40 * time.Millisecond,
		MediaStateTimeoutDuration: 40 * time.Millisecond,
		EjectOnUserLeft:           true,
		FullAudioEnabled:          true,
	}
}

type testEnv struct {
	mcs     *fakeMCS
	bus     *fakeBus
	bridges *BridgeRegistry
	manager *Manager
}

func newTestEnv(media domain.MediaType, oracle core.PermissionOracle) *testEnv {
	if oracle == nil {
		oracle = OpenPolicy{}
	}
	mcs := newFakeMCS()
	bus := newFakeBus()
	bridges := NewBridgeRegistry(mcs)
	manager := NewManager(context.Background(), media, testConfig(), mcs, bus, oracle, bridges, nil)
	return &testEnv{mcs: mcs, bus: bus, bridges: bridges, manager: manager}
}

func videoStart(conn, user, camera string) core.InboundMessage {
	return core.InboundMessage{
		ID:           "start",
		ConnectionID: conn,
		UserID:       user,
		MeetingID:    "meeting-1",
		VoiceBridge:  "70001",
		Role:         domain.RoleShare,
		CameraID:     camera,
		SDPOffer:     "offer-" + camera,
	}
}

func audioStart(conn, user string, role domain.Role) core.InboundMessage {
	return core.InboundMessage{
		ID:           "start",
		ConnectionID: conn,
		UserID:       user,
		MeetingID:    "meeting-1",
		VoiceBridge:  "70001",
		Role:         role,
		CallerID:     user,
		Extension:    "70001",
		SDPOffer:     "offer-" + user,
	}
}

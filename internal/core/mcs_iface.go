package core

import "context"

// Unsubscribe releases an event subscription. Safe to call more than once.
type Unsubscribe func()

// MediaEvent is a media-state notification from the MCS for one media id.
type MediaEvent struct {
	Name    string // MediaStateChanged, MediaFlowInStateChange, MediaFlowOutStateChange
	Details string // CONNECTED, DISCONNECTED, FLOWING, NOT_FLOWING
}

const (
	MediaStateChanged       = "MediaStateChanged"
	MediaFlowInStateChange  = "MediaFlowInStateChange"
	MediaFlowOutStateChange = "MediaFlowOutStateChange"

	MediaStateConnected    = "CONNECTED"
	MediaStateDisconnected = "DISCONNECTED"
	MediaFlowing           = "FLOWING"
	MediaNotFlowing        = "NOT_FLOWING"
)

type JoinOptions struct {
	ExternalUserID string
	AutoLeave      bool
}

type PublishOptions struct {
	MediaType            string // WEBRTC or RTP
	SDPOffer             string
	Adapter              string
	Record               bool
	MediaSpec            MediaSpecOpt
	HeaderExtensions     []string
	OverrideRouterCodecs bool
	DedicatedRouter      bool
}

type SubscribeOptions struct {
	SourceMediaID string
	SDPOffer      string
	Adapter       string
	MediaSpec     MediaSpecOpt
}

// MediaSpecOpt mirrors domain.MediaSpec without importing it; the gateway
// layer stays free of domain types.
type MediaSpecOpt struct {
	Codec   string
	Bitrate int
}

// MCSGateway is the typed facade over the Media Control Server RPC surface.
// The real transport lives in an adapter; the core only sees this contract.
// Event subscriptions return explicit handles; callers must release them
// on stop.
type MCSGateway interface {
	// WaitForConnection reports whether the MCS is reachable, blocking
	// until it is or ctx expires.
	WaitForConnection(ctx context.Context) bool
	Join(ctx context.Context, room string, opts JoinOptions) (mcsUserID string, err error)
	Publish(ctx context.Context, mcsUserID, room string, opts PublishOptions) (mediaID, sdpAnswer string, err error)
	Consume(ctx context.Context, sourceMediaID, sinkMediaID, kind string) (sdpAnswer string, err error)
	Subscribe(ctx context.Context, mcsUserID, room string, opts SubscribeOptions) (mediaID, sdpAnswer string, err error)
	Connect(ctx context.Context, mediaIDA, mediaIDB string, bothDirections bool) error
	AddIceCandidate(ctx context.Context, mediaID, candidate string) error
	Unpublish(ctx context.Context, mcsUserID, mediaID string) error
	RestartIce(ctx context.Context, mediaID string) (sdpOffer string, err error)
	DTMF(ctx context.Context, mediaID, tones string) (string, error)

	// OnMediaState delivers MEDIA_STATE events filtered to mediaID.
	OnMediaState(mediaID string, fn func(MediaEvent)) Unsubscribe
	// OnMediaStateIce delivers server-gathered ICE candidates for mediaID.
	OnMediaStateIce(mediaID string, fn func(candidate string)) Unsubscribe
	// OnDisconnected fires once when the MCS connection is lost.
	OnDisconnected(fn func()) Unsubscribe
}

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/domain"
	"github.com/dkeye/sfucore/internal/sfuerr"
)

// endpointOptions carries everything both endpoint variants need beyond
// their MCS handle.
type endpointOptions struct {
	Media          domain.MediaType
	Room           string // voice bridge for audio, meeting id for video
	MeetingID      string
	VoiceBridge    string
	SourceID       string // resolved source for video consumers
	ExternalUserID string
	Adapter        string
	MediaSpec      domain.MediaSpec
	Record         bool

	FlowTimeout  time.Duration
	StateTimeout time.Duration

	// CountError feeds the owning Manager's error metric.
	CountError func(method string, code int)
}

// PublisherEndpoint is the bidirectional variant: it owns a media id on
// the MCS and, for audio, a dedicated bridge to the softswitch.
type PublisherEndpoint struct {
	mcs      core.MCSGateway
	notifier *clientNotifier
	opts     endpointOptions
	ice      *candidateQueue
	logger   zerolog.Logger

	mu        sync.Mutex
	mcsUserID string
	mediaID   string
	bridge    *Bridge
	subs      []core.Unsubscribe
	flowWD    *watchdog
	stateWD   *watchdog
	stopped   bool
}

func NewPublisherEndpoint(mcs core.MCSGateway, notifier *clientNotifier, ice *candidateQueue, opts endpointOptions) *PublisherEndpoint {
	e := &PublisherEndpoint{
		mcs:      mcs,
		notifier: notifier,
		opts:     opts,
		ice:      ice,
		logger: log.With().Str("module", "app.endpoint").
			Str("room", opts.Room).Str("externalUserId", opts.ExternalUserID).Logger(),
	}
	e.flowWD = newWatchdog(opts.FlowTimeout, e.onMediaTimeout)
	e.stateWD = newWatchdog(opts.StateTimeout, e.onMediaTimeout)
	return e
}

func (e *PublisherEndpoint) Start(ctx context.Context, sdpOffer string) (string, error) {
	if !e.mcs.WaitForConnection(ctx) {
		return "", sfuerr.MediaServerOffline
	}

	mcsUserID, err := e.mcs.Join(ctx, e.opts.Room, core.JoinOptions{
		ExternalUserID: e.opts.ExternalUserID,
		AutoLeave:      true,
	})
	if err != nil {
		return "", sfuerr.Wrap(sfuerr.NegotiationFailed, err)
	}

	mediaID, sdpAnswer, err := e.mcs.Publish(ctx, mcsUserID, e.opts.Room, core.PublishOptions{
		MediaType: "WEBRTC",
		SDPOffer:  sdpOffer,
		Adapter:   e.opts.Adapter,
		Record:    e.opts.Record,
		MediaSpec: core.MediaSpecOpt{Codec: e.opts.MediaSpec.Codec, Bitrate: e.opts.MediaSpec.Bitrate},
		HeaderExtensions: []string{
			"urn:ietf:params:rtp-hdrext:sdes:mid",
			"urn:ietf:params:rtp-hdrext:ssrc-audio-level",
		},
		OverrideRouterCodecs: e.opts.Media == domain.MediaAudio,
		DedicatedRouter:      e.opts.Media == domain.MediaVideo,
	})
	if err != nil {
		return "", sfuerr.Wrap(sfuerr.NegotiationFailed, err)
	}

	// The media id is recorded on the endpoint only once every leg is up, so
	// Stop cannot see it; a failure below releases the published media here.
	published := false
	defer func() {
		if published {
			return
		}
		if err := e.mcs.Unpublish(ctx, mcsUserID, mediaID); err != nil {
			e.logger.Warn().Err(err).Str("mediaId", mediaID).Msg("unpublish failed")
		}
	}()

	var bridge *Bridge
	if e.opts.Media == domain.MediaAudio {
		// Audio publishers bridge into the legacy mixer; the SDP answer
		// comes from the consume leg, the video answer from the publish.
		bridge = NewBridge(e.mcs, e.opts.MeetingID, e.opts.VoiceBridge, e.opts.Adapter)
		if err := bridge.Start(ctx); err != nil {
			return "", sfuerr.Wrap(sfuerr.NegotiationFailed, err)
		}

		sdpAnswer, err = e.mcs.Consume(ctx, bridge.MediaID(), mediaID, "AUDIO")
		if err != nil {
			bridge.Stop(ctx)
			return "", sfuerr.Wrap(sfuerr.NegotiationFailed, err)
		}
		if err := e.mcs.Connect(ctx, mediaID, bridge.MediaID(), true); err != nil {
			bridge.Stop(ctx)
			return "", sfuerr.Wrap(sfuerr.NegotiationFailed, err)
		}
	}

	published = true
	e.mu.Lock()
	e.mcsUserID = mcsUserID
	e.mediaID = mediaID
	e.bridge = bridge
	e.subscribeLocked()
	flushErr := e.flushCandidatesLocked(ctx)
	e.mu.Unlock()

	if flushErr != nil {
		e.logger.Warn().Err(flushErr).Msg("ice flush failed")
	}
	e.logger.Info().Str("mediaId", mediaID).Msg("publisher endpoint started")
	return sdpAnswer, nil
}

// subscribeLocked attaches the MEDIA_STATE and MEDIA_STATE_ICE handlers
// for the freshly known media id. Caller holds e.mu.
func (e *PublisherEndpoint) subscribeLocked() {
	e.subs = append(e.subs,
		e.mcs.OnMediaState(e.mediaID, e.onMediaState),
		e.mcs.OnMediaStateIce(e.mediaID, e.notifier.iceCandidate),
	)
}

// flushCandidatesLocked drains the pending queue into the MCS in arrival
// order. Caller holds e.mu, which keeps direct sends from overtaking the
// queued ones.
func (e *PublisherEndpoint) flushCandidatesLocked(ctx context.Context) error {
	for _, candidate := range e.ice.Drain() {
		if err := e.mcs.AddIceCandidate(ctx, e.mediaID, candidate); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
	}
	return nil
}

func (e *PublisherEndpoint) onMediaState(ev core.MediaEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	switch ev.Name {
	case core.MediaStateChanged:
		switch ev.Details {
		case core.MediaStateConnected:
			e.stateWD.Clear()
		case core.MediaStateDisconnected:
			e.stateWD.Arm()
		}
	case core.MediaFlowInStateChange, core.MediaFlowOutStateChange:
		switch ev.Details {
		case core.MediaFlowing:
			e.flowWD.Clear()
			e.notifier.mediaFlowing()
		case core.MediaNotFlowing:
			e.flowWD.Arm()
		}
	}
}

func (e *PublisherEndpoint) onMediaTimeout() {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}
	e.logger.Warn().Msg("media watchdog fired")
	e.notifier.mediaError(sfuerr.MediaTimeout)
	if e.opts.CountError != nil {
		e.opts.CountError("watchdog", sfuerr.MediaTimeout.Code)
	}
}

func (e *PublisherEndpoint) OnIceCandidate(ctx context.Context, candidate string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaID == "" {
		e.ice.Push(candidate)
		return nil
	}
	return e.mcs.AddIceCandidate(ctx, e.mediaID, candidate)
}

// ProcessAnswer renegotiates with a fresh descriptor. Historically named
// after the answer direction; it is a re-offer towards the MCS. The
// media id is reused.
func (e *PublisherEndpoint) ProcessAnswer(ctx context.Context, descriptor string) error {
	e.mu.Lock()
	mediaID, mcsUserID := e.mediaID, e.mcsUserID
	e.mu.Unlock()
	if mediaID == "" {
		return nil
	}
	_, _, err := e.mcs.Publish(ctx, mcsUserID, e.opts.Room, core.PublishOptions{
		MediaType: "WEBRTC",
		SDPOffer:  descriptor,
		Adapter:   e.opts.Adapter,
		MediaSpec: core.MediaSpecOpt{Codec: e.opts.MediaSpec.Codec, Bitrate: e.opts.MediaSpec.Bitrate},
	})
	if err != nil {
		return sfuerr.Wrap(sfuerr.NegotiationFailed, err)
	}
	return nil
}

func (e *PublisherEndpoint) DTMF(ctx context.Context, tones string) (string, error) {
	if e.opts.Media != domain.MediaAudio {
		return "", nil
	}
	e.mu.Lock()
	mediaID := e.mediaID
	e.mu.Unlock()
	if mediaID == "" {
		return "", nil
	}
	return e.mcs.DTMF(ctx, mediaID, tones)
}

func (e *PublisherEndpoint) RestartIce(ctx context.Context) error {
	e.mu.Lock()
	mediaID := e.mediaID
	e.mu.Unlock()
	if mediaID == "" {
		return nil
	}
	offer, err := e.mcs.RestartIce(ctx, mediaID)
	if err != nil {
		return sfuerr.Wrap(sfuerr.NegotiationFailed, err)
	}
	if offer != "" {
		e.notifier.publish(core.StartResponseFrame{
			Type:      "restartIceResponse",
			ID:        "restartIceResponse",
			Role:      e.notifier.role,
			SDPAnswer: offer,
		})
	}
	return nil
}

func (e *PublisherEndpoint) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.flowWD.Clear()
	e.stateWD.Clear()
	e.ice.Drain()
	subs := e.subs
	e.subs = nil
	mcsUserID, mediaID := e.mcsUserID, e.mediaID
	bridge := e.bridge
	e.bridge = nil
	e.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	if mediaID != "" {
		if err := e.mcs.Unpublish(ctx, mcsUserID, mediaID); err != nil {
			e.logger.Warn().Err(err).Str("mediaId", mediaID).Msg("unpublish failed")
		}
	}
	if bridge != nil {
		bridge.Stop(ctx)
	}
}

package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/sfuerr"
)

// ConsumerEndpoint is the receive-only variant. It attaches to the
// meeting's shared bridge, acquired from the registry on start and
// released on stop.
type ConsumerEndpoint struct {
	mcs      core.MCSGateway
	bridges  *BridgeRegistry
	notifier *clientNotifier
	opts     endpointOptions
	ice      *candidateQueue
	logger   zerolog.Logger

	mu        sync.Mutex
	mcsUserID string
	mediaID   string
	source    string
	acquired  bool
	subs      []core.Unsubscribe
	flowWD    *watchdog
	stateWD   *watchdog
	stopped   bool
}

func NewConsumerEndpoint(mcs core.MCSGateway, bridges *BridgeRegistry, notifier *clientNotifier, ice *candidateQueue, opts endpointOptions) *ConsumerEndpoint {
	e := &ConsumerEndpoint{
		mcs:      mcs,
		bridges:  bridges,
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

func (e *ConsumerEndpoint) Start(ctx context.Context, sdpOffer string) (string, error) {
	if !e.mcs.WaitForConnection(ctx) {
		return "", sfuerr.MediaServerOffline
	}

	bridge, err := e.bridges.Acquire(ctx, e.opts.MeetingID, e.opts.VoiceBridge, e.opts.Adapter)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.acquired = true
	e.mu.Unlock()

	mcsUserID, err := e.mcs.Join(ctx, e.opts.Room, core.JoinOptions{
		ExternalUserID: e.opts.ExternalUserID,
		AutoLeave:      true,
	})
	if err != nil {
		return "", sfuerr.Wrap(sfuerr.NegotiationFailed, err)
	}

	source := e.opts.SourceID
	if source == "" {
		source = bridge.MediaID()
	}
	mediaID, sdpAnswer, err := e.mcs.Subscribe(ctx, mcsUserID, e.opts.Room, core.SubscribeOptions{
		SourceMediaID: source,
		SDPOffer:      sdpOffer,
		Adapter:       e.opts.Adapter,
		MediaSpec:     core.MediaSpecOpt{Codec: e.opts.MediaSpec.Codec, Bitrate: e.opts.MediaSpec.Bitrate},
	})
	if err != nil {
		return "", sfuerr.Wrap(sfuerr.NegotiationFailed, err)
	}

	e.mu.Lock()
	e.mcsUserID = mcsUserID
	e.mediaID = mediaID
	e.source = source
	e.subs = append(e.subs,
		e.mcs.OnMediaState(mediaID, e.onMediaState),
		e.mcs.OnMediaStateIce(mediaID, e.notifier.iceCandidate),
	)
	var flushErr error
	for _, candidate := range e.ice.Drain() {
		if flushErr = e.mcs.AddIceCandidate(ctx, mediaID, candidate); flushErr != nil {
			break
		}
	}
	e.mu.Unlock()

	if flushErr != nil {
		e.logger.Warn().Err(flushErr).Msg("ice flush failed")
	}
	e.logger.Info().Str("mediaId", mediaID).Msg("consumer endpoint started")
	return sdpAnswer, nil
}

func (e *ConsumerEndpoint) onMediaState(ev core.MediaEvent) {
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

func (e *ConsumerEndpoint) onMediaTimeout() {
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

func (e *ConsumerEndpoint) OnIceCandidate(ctx context.Context, candidate string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaID == "" {
		e.ice.Push(candidate)
		return nil
	}
	return e.mcs.AddIceCandidate(ctx, e.mediaID, candidate)
}

// ProcessAnswer completes the subscriber-side negotiation with the SDP
// answer the client produced for our offer.
func (e *ConsumerEndpoint) ProcessAnswer(ctx context.Context, descriptor string) error {
	e.mu.Lock()
	mediaID, mcsUserID, source := e.mediaID, e.mcsUserID, e.source
	e.mu.Unlock()
	if mediaID == "" {
		return nil
	}
	_, _, err := e.mcs.Subscribe(ctx, mcsUserID, e.opts.Room, core.SubscribeOptions{
		SourceMediaID: source,
		SDPOffer:      descriptor,
		Adapter:       e.opts.Adapter,
	})
	if err != nil {
		return sfuerr.Wrap(sfuerr.NegotiationFailed, err)
	}
	return nil
}

// DTMF is not part of the consumer capability set.
func (e *ConsumerEndpoint) DTMF(ctx context.Context, tones string) (string, error) {
	return "", nil
}

// RestartIce is not part of the consumer capability set.
func (e *ConsumerEndpoint) RestartIce(ctx context.Context) error {
	return nil
}

func (e *ConsumerEndpoint) Stop(ctx context.Context) {
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
	acquired := e.acquired
	e.acquired = false
	e.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	if mediaID != "" {
		if err := e.mcs.Unpublish(ctx, mcsUserID, mediaID); err != nil {
			e.logger.Warn().Err(err).Str("mediaId", mediaID).Msg("unpublish failed")
		}
	}
	if acquired {
		e.bridges.Release(ctx, e.opts.MeetingID)
	}
}

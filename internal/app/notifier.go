package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/domain"
	"github.com/dkeye/sfucore/internal/sfuerr"
)

// clientNotifier publishes frames on one connection's client-facing
// channel, tagged with the session identity.
type clientNotifier struct {
	bus      core.BusGateway
	channel  string
	media    domain.MediaType
	role     domain.Role
	cameraID string
	callerID string
}

func (n *clientNotifier) publish(frame any) {
	if err := n.bus.Publish(n.channel, frame); err != nil {
		log.Warn().Err(err).Str("module", "app.notifier").Str("channel", n.channel).
			Msg("client publish failed")
	}
}

func (n *clientNotifier) startResponse(sdpAnswer string) {
	n.publish(core.StartResponseFrame{
		Type:      core.FrameStartResponse,
		ID:        core.FrameStartResponse,
		Role:      n.role,
		CameraID:  n.cameraID,
		CallerID:  n.callerID,
		SDPAnswer: sdpAnswer,
	})
}

func (n *clientNotifier) iceCandidate(candidate string) {
	n.publish(core.IceCandidateFrame{
		Type:      core.FrameIceCandidate,
		ID:        core.FrameIceCandidate,
		Role:      n.role,
		CameraID:  n.cameraID,
		Candidate: candidate,
	})
}

func (n *clientNotifier) mediaFlowing() {
	n.publish(core.MediaSuccessFrame{
		Type:    core.FrameAudioSuccess,
		ID:      core.FrameAudioSuccess,
		Role:    n.role,
		Success: core.SuccessMediaFlowing,
	})
}

func (n *clientNotifier) mediaError(entry sfuerr.ClientError) {
	frameType := core.FrameVideoError
	if n.media == domain.MediaAudio {
		frameType = core.FrameAudioError
	}
	n.publish(core.MediaErrorFrame{
		Type:     frameType,
		ID:       frameType,
		Role:     n.role,
		CameraID: n.cameraID,
		Error:    core.ErrorBody{Code: entry.Code, Reason: entry.Reason},
	})
}

func (n *clientNotifier) closeFrame() {
	n.publish(core.CloseFrame{Type: core.FrameClose, ID: core.FrameClose})
}

// watchdog is an idempotent one-shot timer. Arming while armed is a no-op;
// Clear stops and disarms.
type watchdog struct {
	duration time.Duration
	onExpire func()

	timer *time.Timer
}

func newWatchdog(duration time.Duration, onExpire func()) *watchdog {
	return &watchdog{duration: duration, onExpire: onExpire}
}

// Arm must be called with the owner's lock held; same for Clear.
func (w *watchdog) Arm() {
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.duration, w.onExpire)
}

func (w *watchdog) Clear() {
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.timer = nil
}

package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/domain"
	"github.com/dkeye/sfucore/internal/sfuerr"
)

// sessionDeps bundles the collaborators a Session needs. The Manager owns
// construction; the Session owns exactly one Endpoint.
type sessionDeps struct {
	MCS     core.MCSGateway
	Bus     core.BusGateway
	Oracle  core.PermissionOracle
	Bridges *BridgeRegistry

	// OnFatal asks the Manager to close this session on its own lifecycle
	// queue after an asynchronous failure (MCS outage, user left).
	OnFatal func(sessionID string, entry *sfuerr.ClientError)
}

type sessionIdentity struct {
	SessionID    string
	ConnectionID string
	MeetingID    string
	VoiceBridge  string
	UserID       domain.UserID
	ResourceID   string
	// SourceID is the resolved media source for video consumers; external
	// webcam sources map a camera id to a different stream name.
	SourceID    string
	Role        domain.Role
	Media       domain.MediaType
	MediaServer string
	MediaSpec   domain.MediaSpec
	Record      bool
}

type sessionConfig struct {
	EjectOnUserLeft bool
	FlowTimeout     time.Duration
	StateTimeout    time.Duration
	CountError      func(method string, code int)
}

// Session is the per-client logical session. It reacts to user-left and
// MCS-disconnected events and drives its single Endpoint through the
// lifecycle.
type Session struct {
	id       sessionIdentity
	cfg      sessionConfig
	deps     sessionDeps
	notifier *clientNotifier
	ice      *candidateQueue
	logger   zerolog.Logger

	mu        sync.Mutex
	status    domain.SessionStatus
	endpoint  core.Endpoint
	subs      []core.Unsubscribe
	createdAt time.Time
}

func NewSession(id sessionIdentity, cfg sessionConfig, deps sessionDeps, ice *candidateQueue) *Session {
	s := &Session{
		id:   id,
		cfg:  cfg,
		deps: deps,
		notifier: &clientNotifier{
			bus:      deps.Bus,
			channel:  id.ConnectionID,
			media:    id.Media,
			role:     id.Role,
			cameraID: cameraIDOf(id),
			callerID: callerIDOf(id),
		},
		ice:       ice,
		status:    domain.StatusStarting,
		createdAt: time.Now(),
		logger: log.With().Str("module", "app.session").
			Str("sessionId", id.SessionID).Str("meetingId", id.MeetingID).Logger(),
	}

	if cfg.EjectOnUserLeft {
		s.addSub(deps.Bus.OnUserLeft(id.MeetingID, string(id.UserID), s.onUserLeft))
	}
	s.addSub(deps.MCS.OnDisconnected(s.onMCSDisconnected))
	return s
}

func cameraIDOf(id sessionIdentity) string {
	if id.Media == domain.MediaVideo {
		return id.ResourceID
	}
	return ""
}

func callerIDOf(id sessionIdentity) string {
	if id.Media == domain.MediaAudio {
		return string(id.UserID)
	}
	return ""
}

func (s *Session) addSub(unsub core.Unsubscribe) {
	s.mu.Lock()
	s.subs = append(s.subs, unsub)
	s.mu.Unlock()
}

// Start authorizes the request, builds the role-appropriate endpoint and
// negotiates it. Failures come back normalized for the client.
func (s *Session) Start(ctx context.Context, sdpOffer string) (string, error) {
	if err := s.authorize(ctx); err != nil {
		return "", err
	}

	opts := endpointOptions{
		Media:          s.id.Media,
		Room:           s.room(),
		MeetingID:      s.id.MeetingID,
		VoiceBridge:    s.id.VoiceBridge,
		SourceID:       s.id.SourceID,
		ExternalUserID: string(s.id.UserID),
		Adapter:        s.id.MediaServer,
		MediaSpec:      s.id.MediaSpec,
		Record:         s.id.Record,
		FlowTimeout:    s.cfg.FlowTimeout,
		StateTimeout:   s.cfg.StateTimeout,
		CountError:     s.cfg.CountError,
	}

	var endpoint core.Endpoint
	if s.id.Role.IsPublisher() {
		endpoint = NewPublisherEndpoint(s.deps.MCS, s.notifier, s.ice, opts)
	} else {
		endpoint = NewConsumerEndpoint(s.deps.MCS, s.deps.Bridges, s.notifier, s.ice, opts)
	}

	answer, err := endpoint.Start(ctx, sdpOffer)
	if err != nil {
		endpoint.Stop(ctx)
		return "", err
	}

	s.mu.Lock()
	if s.status == domain.StatusStopping || s.status == domain.StatusStopped {
		// A stop raced in while we negotiated; give the allocation back.
		s.mu.Unlock()
		endpoint.Stop(ctx)
		return "", sfuerr.InvalidRequest
	}
	s.endpoint = endpoint
	s.status = domain.StatusStarted
	s.mu.Unlock()

	s.logger.Info().Msg("session started")
	return answer, nil
}

// room is the MCS room this session negotiates in: the voice bridge for
// audio, the meeting for video.
func (s *Session) room() string {
	if s.id.Media == domain.MediaAudio {
		return s.id.VoiceBridge
	}
	return s.id.MeetingID
}

func (s *Session) authorize(ctx context.Context) error {
	var (
		allowed bool
		err     error
	)
	switch s.id.Role {
	case domain.RoleShare:
		allowed, err = s.deps.Oracle.CanBroadcast(ctx, s.id.MeetingID, s.id.UserID, s.id.ResourceID)
	case domain.RoleViewer:
		allowed, err = s.deps.Oracle.CanSubscribe(ctx, s.id.MeetingID, s.id.UserID, s.id.ResourceID)
	case domain.RoleSendRecv, domain.RoleRecvOnly:
		allowed, err = s.deps.Oracle.CanSpeak(ctx, s.id.MeetingID, s.id.UserID, s.id.VoiceBridge)
	default:
		return sfuerr.InvalidRequest
	}
	if err != nil {
		return sfuerr.Wrap(sfuerr.PermissionDenied, err)
	}
	if !allowed {
		return sfuerr.PermissionDenied
	}
	return nil
}

func (s *Session) onUserLeft() {
	s.logger.Info().Msg("owner left meeting, ejecting")
	s.deps.OnFatal(s.id.SessionID, nil)
}

func (s *Session) onMCSDisconnected() {
	s.logger.Warn().Msg("media server lost")
	entry := sfuerr.MediaServerOffline
	s.deps.OnFatal(s.id.SessionID, &entry)
}

func (s *Session) OnIceCandidate(ctx context.Context, candidate string) error {
	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()
	if endpoint == nil {
		s.ice.Push(candidate)
		return nil
	}
	return endpoint.OnIceCandidate(ctx, candidate)
}

func (s *Session) ProcessAnswer(ctx context.Context, descriptor string) error {
	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()
	if endpoint == nil {
		return nil
	}
	return endpoint.ProcessAnswer(ctx, descriptor)
}

func (s *Session) DTMF(ctx context.Context, tones string) (string, error) {
	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()
	if endpoint == nil {
		return "", nil
	}
	return endpoint.DTMF(ctx, tones)
}

func (s *Session) RestartIce(ctx context.Context) error {
	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()
	if endpoint == nil {
		return nil
	}
	return endpoint.RestartIce(ctx)
}

// Stop is idempotent. It detaches event subscriptions, stops the endpoint
// if one exists and clears the slot.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.status == domain.StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = domain.StatusStopping
	subs := s.subs
	s.subs = nil
	endpoint := s.endpoint
	s.endpoint = nil
	s.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	if endpoint != nil {
		endpoint.Stop(ctx)
	}

	s.mu.Lock()
	s.status = domain.StatusStopped
	s.mu.Unlock()
	s.logger.Info().Msg("session stopped")
}

// Ready reports whether the session can accept delegated operations.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == domain.StatusStarting || s.status == domain.StatusStarted
}

func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) ConnectionID() string { return s.id.ConnectionID }

func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionInfo{
		SessionID:    s.id.SessionID,
		ConnectionID: s.id.ConnectionID,
		MeetingID:    domain.MeetingID(s.id.MeetingID),
		UserID:       s.id.UserID,
		Role:         s.id.Role,
		Status:       s.status,
		MediaServer:  s.id.MediaServer,
		CreatedAt:    s.createdAt.Unix(),
	}
}

func (s *Session) notifyClose() {
	s.notifier.closeFrame()
}

func (s *Session) notifyError(entry sfuerr.ClientError) {
	s.notifier.mediaError(entry)
}

func (s *Session) notifyStartResponse(answer string) {
	s.notifier.startResponse(answer)
}

package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/config"
	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/domain"
	"github.com/dkeye/sfucore/internal/sfuerr"
)

// Manager is the top-level dispatcher for one media type. It owns the
// session table, the per-session lifecycle queues and the pending-ICE
// queues, and routes inbound bus messages.
type Manager struct {
	ctx     context.Context
	media   domain.MediaType
	cfg     *config.Config
	mcs     core.MCSGateway
	bus     core.BusGateway
	oracle  core.PermissionOracle
	bridges *BridgeRegistry
	sources *SourceRegistry
	metrics *Metrics
	logger  zerolog.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	pendingICE map[string]*candidateQueue

	qmu    sync.Mutex
	queues map[string]*lifecycleQueue

	camSub core.Unsubscribe
}

func NewManager(
	ctx context.Context,
	media domain.MediaType,
	cfg *config.Config,
	mcs core.MCSGateway,
	bus core.BusGateway,
	oracle core.PermissionOracle,
	bridges *BridgeRegistry,
	reg prometheus.Registerer,
) *Manager {
	m := &Manager{
		ctx:        ctx,
		media:      media,
		cfg:        cfg,
		mcs:        mcs,
		bus:        bus,
		oracle:     oracle,
		bridges:    bridges,
		sources:    NewSourceRegistry(),
		sessions:   make(map[string]*Session),
		pendingICE: make(map[string]*candidateQueue),
		queues:     make(map[string]*lifecycleQueue),
		logger:     log.With().Str("module", "app.manager").Str("media", string(media)).Logger(),
	}
	m.metrics = NewMetrics(media, reg, m.sessionCount)

	if media == domain.MediaVideo {
		m.camSub = bus.OnCamBroadcastStarted(func(ev core.CamBroadcastEvent) {
			m.sources.TrackBroadcast(ev.UserID, ev.Stream)
		})
	}
	return m
}

// Close releases the manager's own bus subscriptions. Live sessions are
// not touched; callers drain them via connection closes.
func (m *Manager) Close() {
	if m.camSub != nil {
		m.camSub()
	}
}

func (m *Manager) sessionCount() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(len(m.sessions))
}

// OnMessage is the single inbound entry point, called by the Bus Gateway.
func (m *Manager) OnMessage(msg core.InboundMessage) {
	m.metrics.Requests.Inc()

	if _, err := parseUserInfo(msg); err != nil && m.cfg.WSStrictHeaderParsing {
		m.logger.Warn().Err(err).Str("connectionId", msg.ConnectionID).Msg("malformed user-info header")
		m.handleError(msg.ID, msg.ConnectionID, m.resourceID(msg), msg.Role, sfuerr.InvalidRequest)
		return
	}

	switch msg.ID {
	case "start":
		m.enqueue(m.sessionKey(msg), func() { m.handleStart(msg) })
	case "subscriberAnswer":
		m.enqueue(m.sessionKey(msg), func() { m.handleSubscriberAnswer(msg) })
	case "stop":
		m.enqueue(m.sessionKey(msg), func() { m.handleStop(msg) })
	case "onIceCandidate":
		m.handleIceCandidate(msg)
	case "close":
		m.killConnectionSessions(msg.ConnectionID)
	case "error":
		m.logger.Warn().Str("connectionId", msg.ConnectionID).Msg("upstream error message")
	default:
		m.logger.Warn().Str("id", msg.ID).Msg("unknown message id")
		m.handleError(msg.ID, msg.ConnectionID, m.resourceID(msg), msg.Role, sfuerr.InvalidRequest)
	}
}

func parseUserInfo(msg core.InboundMessage) (core.UserInfoHeader, error) {
	var header core.UserInfoHeader
	if msg.UserInfo == "" {
		return header, nil
	}
	err := json.Unmarshal([]byte(msg.UserInfo), &header)
	return header, err
}

// resourceID is the camera for video and the voice bridge for audio.
func (m *Manager) resourceID(msg core.InboundMessage) string {
	if m.media == domain.MediaVideo {
		return msg.CameraID
	}
	return msg.VoiceBridge
}

func (m *Manager) sessionKey(msg core.InboundMessage) string {
	return domain.SessionKey(domain.UserID(msg.UserID), m.resourceID(msg), msg.Role)
}

func (m *Manager) validRole(role domain.Role) error {
	switch {
	case m.media == domain.MediaVideo && (role == domain.RoleShare || role == domain.RoleViewer):
		return nil
	case m.media == domain.MediaAudio && role == domain.RoleRecvOnly:
		return nil
	case m.media == domain.MediaAudio && role == domain.RoleSendRecv:
		if !m.cfg.FullAudioEnabled {
			return sfuerr.InvalidRequest
		}
		return nil
	default:
		return sfuerr.InvalidRequest
	}
}

// enqueue puts a task on the key's lifecycle queue, creating the queue on
// first use. Queues retire themselves once fully drained.
func (m *Manager) enqueue(key string, task func()) {
	m.qmu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = newLifecycleQueue(key, m.retireQueue)
		m.queues[key] = q
	}
	q.enqueue(task)
	m.qmu.Unlock()
}

func (m *Manager) retireQueue(key string) {
	m.qmu.Lock()
	if q, ok := m.queues[key]; ok && q.idle() {
		delete(m.queues, key)
	}
	m.qmu.Unlock()
}

// iceQueueFor returns the key's pending-ICE queue, creating it on first
// observation of the key.
func (m *Manager) iceQueueFor(key string) *candidateQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.pendingICE[key]
	if !ok {
		q = newCandidateQueue()
		m.pendingICE[key] = q
	}
	return q
}

func (m *Manager) lookup(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// handleStart runs inside the key's lifecycle-queue slot. An existing
// session under the key is driven to STOPPED before the replacement is
// negotiated, in the same slot.
func (m *Manager) handleStart(msg core.InboundMessage) {
	key := m.sessionKey(msg)

	if err := m.validRole(msg.Role); err != nil {
		m.handleError("start", msg.ConnectionID, m.resourceID(msg), msg.Role, err)
		return
	}

	if existing := m.lookup(key); existing != nil {
		m.logger.Info().Str("sessionId", key).Msg("replacing stale session")
		m.closeSession(key)
	}

	record := true
	if msg.Record != nil {
		record = *msg.Record
	}
	mediaServer := msg.MediaServer
	if mediaServer == "" {
		mediaServer = m.cfg.VideoMediaServer
	}
	mediaSpec := m.cfg.ConferenceMediaSpecs.Video
	if m.media == domain.MediaAudio {
		mediaSpec = m.cfg.ConferenceMediaSpecs.Audio
	}
	if msg.Bitrate > 0 {
		mediaSpec.Bitrate = msg.Bitrate
	}

	id := sessionIdentity{
		SessionID:    key,
		ConnectionID: msg.ConnectionID,
		MeetingID:    msg.MeetingID,
		VoiceBridge:  msg.VoiceBridge,
		UserID:       domain.UserID(msg.UserID),
		ResourceID:   m.resourceID(msg),
		Role:         msg.Role,
		Media:        m.media,
		MediaServer:  mediaServer,
		MediaSpec:    mediaSpec,
		Record:       record,
	}
	if m.media == domain.MediaVideo {
		id.SourceID = m.sources.Resolve(msg.CameraID)
	}

	sess := NewSession(id, sessionConfig{
		EjectOnUserLeft: m.cfg.EjectOnUserLeft,
		FlowTimeout:     m.cfg.MediaFlowTimeoutDuration,
		StateTimeout:    m.cfg.MediaStateTimeoutDuration,
		CountError:      m.metrics.CountError,
	}, sessionDeps{
		MCS:     m.mcs,
		Bus:     m.bus,
		Oracle:  m.oracle,
		Bridges: m.bridges,
		OnFatal: m.onSessionFatal,
	}, m.iceQueueFor(key))

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	answer, err := sess.Start(m.ctx, msg.SDPOffer)
	if err != nil {
		sess.Stop(m.ctx)
		m.forget(key, sess)
		m.handleError("start", msg.ConnectionID, id.ResourceID, msg.Role, err)
		return
	}

	// Start suspended on MCS RPCs; the table may have moved underneath us.
	if m.lookup(key) != sess {
		sess.Stop(m.ctx)
		return
	}
	sess.notifyStartResponse(answer)
}

func (m *Manager) handleSubscriberAnswer(msg core.InboundMessage) {
	key := m.sessionKey(msg)
	sess := m.lookup(key)
	if sess == nil {
		return
	}
	if err := sess.ProcessAnswer(m.ctx, msg.Answer); err != nil {
		m.handleError("subscriberAnswer", msg.ConnectionID, m.resourceID(msg), msg.Role, err)
	}
}

func (m *Manager) handleStop(msg core.InboundMessage) {
	m.closeSession(m.sessionKey(msg))
}

// handleIceCandidate deliberately bypasses the lifecycle queue; ordering
// is preserved by the pending-ICE queue until the endpoint is ready.
func (m *Manager) handleIceCandidate(msg core.InboundMessage) {
	key := m.sessionKey(msg)
	sess := m.lookup(key)
	if sess == nil || !sess.Ready() {
		m.iceQueueFor(key).Push(msg.Candidate)
		return
	}
	if err := sess.OnIceCandidate(m.ctx, msg.Candidate); err != nil {
		m.logger.Warn().Err(err).Str("sessionId", key).Msg("ice candidate relay failed")
	}
}

// killConnectionSessions enqueues a close for every session owned by the
// connection. Snapshot iteration; the table may mutate concurrently.
func (m *Manager) killConnectionSessions(connectionID string) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for key, sess := range m.sessions {
		if sess.ConnectionID() == connectionID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	m.logger.Info().Str("connectionId", connectionID).Int("sessions", len(keys)).
		Msg("connection closed, killing sessions")
	for _, key := range keys {
		key := key
		m.enqueue(key, func() { m.closeSession(key) })
	}
}

// closeSession drives the key's session to STOPPED and removes it along
// with its pending-ICE queue. Runs inside a lifecycle-queue slot.
func (m *Manager) closeSession(key string) {
	m.mu.Lock()
	sess := m.sessions[key]
	delete(m.sessions, key)
	delete(m.pendingICE, key)
	m.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Stop(m.ctx)
}

// forget removes the entry only if it still maps to sess.
func (m *Manager) forget(key string, sess *Session) {
	m.mu.Lock()
	if m.sessions[key] == sess {
		delete(m.sessions, key)
		delete(m.pendingICE, key)
	}
	m.mu.Unlock()
}

// onSessionFatal handles asynchronous session-terminating events: MCS
// outage (entry set) and owner leaving the meeting (entry nil). The close
// itself goes through the session's own lifecycle queue.
func (m *Manager) onSessionFatal(key string, entry *sfuerr.ClientError) {
	sess := m.lookup(key)
	if sess == nil {
		return
	}
	if entry != nil {
		sess.notifyError(*entry)
		m.metrics.CountError("event", entry.Code)
	}
	m.enqueue(key, func() {
		m.closeSession(key)
		if entry == nil {
			sess.notifyClose()
		}
	})
}

// handleError is the single client-facing error path: normalize, log,
// publish an error frame, count the metric.
func (m *Manager) handleError(method, connectionID, resourceID string, role domain.Role, err error) core.MediaErrorFrame {
	entry := sfuerr.Normalize(err)
	m.logger.Warn().Err(err).Str("method", method).Str("connectionId", connectionID).
		Str("resourceId", resourceID).Msg("request failed")

	frameType := core.FrameVideoError
	if m.media == domain.MediaAudio {
		frameType = core.FrameAudioError
	}
	frame := core.MediaErrorFrame{
		Type:     frameType,
		ID:       frameType,
		Role:     role,
		CameraID: resourceID,
		Error:    core.ErrorBody{Code: entry.Code, Reason: entry.Reason},
	}
	if connectionID != "" {
		if pubErr := m.bus.Publish(connectionID, frame); pubErr != nil {
			m.logger.Warn().Err(pubErr).Str("connectionId", connectionID).Msg("error frame publish failed")
		}
	}
	m.metrics.CountError(method, entry.Code)
	return frame
}

// Snapshot lists the session table for the control surface.
func (m *Manager) Snapshot(meetingID string) []domain.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		info := sess.Info()
		if meetingID == "" || string(info.MeetingID) == meetingID {
			out = append(out, info)
		}
	}
	return out
}

// Meetings lists meeting ids with at least one live session.
func (m *Manager) Meetings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, sess := range m.sessions {
		seen[string(sess.Info().MeetingID)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

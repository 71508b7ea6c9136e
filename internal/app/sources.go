package app

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// externalSourcePrefix marks users dialed in over SIP whose webcam is
// re-broadcast by the softswitch.
const externalSourcePrefix = "v_"

const sipStreamSuffix = "|SIP"

// SourceRegistry tracks external webcam sources so camera sessions can
// resolve the actual media source. Append-mostly; entries are never
// removed during normal operation and racy reads are tolerated.
type SourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]string
}

func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{sources: make(map[string]string)}
}

// TrackBroadcast registers a broadcast announced on the bus. Only users
// with the external prefix are tracked; the stream name is normalized and
// keyed by both the original stream name and the user id.
func (s *SourceRegistry) TrackBroadcast(userID, stream string) {
	if !strings.HasPrefix(userID, externalSourcePrefix) {
		return
	}
	normalized := strings.TrimSuffix(stream, sipStreamSuffix)

	s.mu.Lock()
	s.sources[stream] = normalized
	s.sources[userID] = normalized
	s.mu.Unlock()

	log.Info().Str("module", "app.sources").Str("userId", userID).
		Str("stream", normalized).Msg("tracked external webcam source")
}

// Resolve maps a requested camera id to the actual media source, falling
// back to the id itself when untracked.
func (s *SourceRegistry) Resolve(cameraID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if src, ok := s.sources[cameraID]; ok {
		return src
	}
	return cameraID
}

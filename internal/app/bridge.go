package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/core"
	"github.com/dkeye/sfucore/internal/sfuerr"
)

type BridgeState string

const (
	BridgeIdle     BridgeState = "IDLE"
	BridgeStarting BridgeState = "STARTING"
	BridgeRunning  BridgeState = "RUNNING"
	BridgeStopped  BridgeState = "STOPPED"
)

// Bridge is a softswitch-side media endpoint connecting the SFU to the
// legacy conference mixer. Consumer sessions of a meeting share one; an
// audio publisher owns a dedicated one.
type Bridge struct {
	meetingID   string
	voiceBridge string
	mediaServer string
	mcs         core.MCSGateway

	mu        sync.Mutex
	state     BridgeState
	mcsUserID string
	mediaID   string
	createdAt time.Time
}

func NewBridge(mcs core.MCSGateway, meetingID, voiceBridge, mediaServer string) *Bridge {
	return &Bridge{
		meetingID:   meetingID,
		voiceBridge: voiceBridge,
		mediaServer: mediaServer,
		mcs:         mcs,
		state:       BridgeIdle,
		createdAt:   time.Now(),
	}
}

// Start joins the voice bridge on the MCS and publishes the RTP leg
// towards the softswitch. Idempotent while running.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == BridgeRunning {
		b.mu.Unlock()
		return nil
	}
	b.state = BridgeStarting
	b.mu.Unlock()

	mcsUserID, err := b.mcs.Join(ctx, b.voiceBridge, core.JoinOptions{
		ExternalUserID: "GLOBAL_AUDIO_" + b.meetingID,
		AutoLeave:      true,
	})
	if err != nil {
		b.fail()
		return fmt.Errorf("bridge join: %w", err)
	}

	mediaID, _, err := b.mcs.Publish(ctx, mcsUserID, b.voiceBridge, core.PublishOptions{
		MediaType: "RTP",
		Adapter:   b.mediaServer,
	})
	if err != nil {
		b.fail()
		return fmt.Errorf("bridge publish: %w", err)
	}

	b.mu.Lock()
	b.mcsUserID = mcsUserID
	b.mediaID = mediaID
	b.state = BridgeRunning
	b.mu.Unlock()

	log.Info().Str("module", "app.bridge").Str("meetingId", b.meetingID).
		Str("mediaId", mediaID).Msg("bridge running")
	return nil
}

func (b *Bridge) fail() {
	b.mu.Lock()
	b.state = BridgeStopped
	b.mu.Unlock()
}

// Stop tears down the softswitch leg. Best effort.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	mcsUserID, mediaID := b.mcsUserID, b.mediaID
	b.mcsUserID, b.mediaID = "", ""
	b.state = BridgeStopped
	b.mu.Unlock()

	if mediaID == "" {
		return
	}
	if err := b.mcs.Unpublish(ctx, mcsUserID, mediaID); err != nil {
		log.Warn().Err(err).Str("module", "app.bridge").Str("meetingId", b.meetingID).
			Msg("bridge unpublish failed")
	}
}

func (b *Bridge) MediaID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mediaID
}

func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type bridgeEntry struct {
	bridge *Bridge
	refs   int
	ready  chan struct{} // closed once the single-flight start resolved
	err    error
}

// BridgeRegistry is the process-wide map from meeting id to its shared
// consumer bridge. Reference counted; concurrent Acquire calls for one
// meeting observe single-flight start semantics.
type BridgeRegistry struct {
	mu      sync.Mutex
	mcs     core.MCSGateway
	bridges map[string]*bridgeEntry
}

func NewBridgeRegistry(mcs core.MCSGateway) *BridgeRegistry {
	return &BridgeRegistry{
		mcs:     mcs,
		bridges: make(map[string]*bridgeEntry),
	}
}

// Acquire returns the meeting's bridge, starting it on first use. Callers
// that lose the start race await the winner's result and share it.
func (r *BridgeRegistry) Acquire(ctx context.Context, meetingID, voiceBridge, mediaServer string) (*Bridge, error) {
	r.mu.Lock()
	entry, ok := r.bridges[meetingID]
	if ok {
		entry.refs++
		r.mu.Unlock()

		select {
		case <-entry.ready:
		case <-ctx.Done():
			r.Release(ctx, meetingID)
			return nil, ctx.Err()
		}
		if entry.err != nil {
			r.Release(ctx, meetingID)
			return nil, entry.err
		}
		return entry.bridge, nil
	}

	entry = &bridgeEntry{
		bridge: NewBridge(r.mcs, meetingID, voiceBridge, mediaServer),
		refs:   1,
		ready:  make(chan struct{}),
	}
	r.bridges[meetingID] = entry
	r.mu.Unlock()

	entry.err = entry.bridge.Start(ctx)
	close(entry.ready)

	if entry.err != nil {
		r.Release(ctx, meetingID)
		return nil, sfuerr.Wrap(sfuerr.NegotiationFailed, entry.err)
	}
	return entry.bridge, nil
}

// Release decrements the refcount; the bridge stops and is removed when it
// reaches zero. Extra releases are ignored.
func (r *BridgeRegistry) Release(ctx context.Context, meetingID string) {
	r.mu.Lock()
	entry, ok := r.bridges[meetingID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.bridges, meetingID)
	r.mu.Unlock()

	entry.bridge.Stop(ctx)
	log.Info().Str("module", "app.bridge").Str("meetingId", meetingID).Msg("bridge released")
}

// Refs reports the current refcount for a meeting, 0 when absent.
func (r *BridgeRegistry) Refs(meetingID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.bridges[meetingID]; ok {
		return entry.refs
	}
	return 0
}

// Meetings lists meeting ids with a live bridge.
func (r *BridgeRegistry) Meetings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bridges))
	for id := range r.bridges {
		out = append(out, id)
	}
	return out
}

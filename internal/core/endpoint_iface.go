package core

import "context"

// Endpoint is a single media session with the MCS. The capability set is
// closed: variants without a capability return the documented default
// (DTMF returns empty digits, RestartIce resolves) instead of erroring.
type Endpoint interface {
	// Start negotiates the session from the client offer and returns the
	// SDP answer. Partial allocations on failure are cleaned up by Stop.
	Start(ctx context.Context, sdpOffer string) (sdpAnswer string, err error)
	// OnIceCandidate forwards a client candidate, or buffers it until the
	// media id is known. Arrival order is preserved.
	OnIceCandidate(ctx context.Context, candidate string) error
	// ProcessAnswer renegotiates with a fresh descriptor, reusing the
	// existing media id.
	ProcessAnswer(ctx context.Context, descriptor string) error
	DTMF(ctx context.Context, tones string) (string, error)
	RestartIce(ctx context.Context) error
	// Stop releases everything the endpoint allocated. Best effort, never
	// fails the caller.
	Stop(ctx context.Context)
}

package core

import (
	"context"

	"github.com/dkeye/sfucore/internal/domain"
)

// PermissionOracle answers boolean authorization queries against meeting
// state. Synchronous to the caller; implementations may use RPC underneath.
type PermissionOracle interface {
	// CanBroadcast: may user broadcast camera cameraID in the meeting?
	CanBroadcast(ctx context.Context, meetingID string, userID domain.UserID, cameraID string) (bool, error)
	// CanSubscribe: may user subscribe to camera cameraID?
	CanSubscribe(ctx context.Context, meetingID string, userID domain.UserID, cameraID string) (bool, error)
	// CanSpeak: may user speak on the voice bridge?
	CanSpeak(ctx context.Context, meetingID string, userID domain.UserID, voiceBridge string) (bool, error)
}

package app

import (
	"context"

	"github.com/dkeye/sfucore/internal/domain"
)

// OpenPolicy grants everything. Deployments plug a real oracle backed by
// meeting state; the core only depends on core.PermissionOracle.
type OpenPolicy struct{}

func (OpenPolicy) CanBroadcast(ctx context.Context, meetingID string, userID domain.UserID, cameraID string) (bool, error) {
	return true, nil
}

func (OpenPolicy) CanSubscribe(ctx context.Context, meetingID string, userID domain.UserID, cameraID string) (bool, error) {
	return true, nil
}

func (OpenPolicy) CanSpeak(ctx context.Context, meetingID string, userID domain.UserID, voiceBridge string) (bool, error) {
	return true, nil
}

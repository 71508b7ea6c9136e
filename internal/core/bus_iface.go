package core

import "github.com/dkeye/sfucore/internal/domain"

// InboundMessage is the decoded bus envelope addressed to a Manager.
// Field names follow the wire schema verbatim.
type InboundMessage struct {
	ID           string      `json:"id"`
	ConnectionID string      `json:"connectionId"`
	UserID       string      `json:"userId"`
	MeetingID    string      `json:"meetingId"`
	VoiceBridge  string      `json:"voiceBridge"`
	Role         domain.Role `json:"role"`

	CameraID    string `json:"cameraId,omitempty"`
	CallerID    string `json:"callerId,omitempty"`
	Extension   string `json:"extension,omitempty"`
	SDPOffer    string `json:"sdpOffer,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Candidate   string `json:"candidate,omitempty"`
	Bitrate     int    `json:"bitrate,omitempty"`
	Record      *bool  `json:"record,omitempty"`
	MediaServer string `json:"mediaServer,omitempty"`

	// UserInfo is an optional opaque header set by the bus edge; JSON
	// encoded. Parsing failures are fatal only under strict mode.
	UserInfo string `json:"userInfo,omitempty"`
}

// UserInfoHeader is the parsed form of InboundMessage.UserInfo.
type UserInfoHeader struct {
	UserName   string `json:"userName"`
	InternalID string `json:"internalId"`
}

// CamBroadcastEvent announces an external (SIP-dialed) webcam source.
type CamBroadcastEvent struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	Stream    string `json:"stream"`
}

// BusGateway is the typed facade over the conferencing message bus.
// Inbound request routing is wired at startup via Route; lifecycle events
// use explicit subscription handles released on session stop.
type BusGateway interface {
	// Publish emits a frame on the client-facing channel of a connection.
	Publish(channel string, frame any) error
	// OnUserLeft fires when userID leaves meetingID.
	OnUserLeft(meetingID, userID string, fn func()) Unsubscribe
	// OnCamBroadcastStarted fires for USER_CAM_BROADCAST_STARTED events.
	OnCamBroadcastStarted(fn func(CamBroadcastEvent)) Unsubscribe
}

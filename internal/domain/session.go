package domain

// Role determines the media direction of a session.
// share/sendrecv publish media, viewer/recvonly only receive.
type Role string

const (
	RoleShare    Role = "share"
	RoleViewer   Role = "viewer"
	RoleSendRecv Role = "sendrecv"
	RoleRecvOnly Role = "recvonly"
)

// IsPublisher reports whether the role sends media towards the server.
func (r Role) IsPublisher() bool {
	return r == RoleShare || r == RoleSendRecv
}

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

type SessionStatus string

const (
	StatusStarting SessionStatus = "STARTING"
	StatusStarted  SessionStatus = "STARTED"
	StatusStopping SessionStatus = "STOPPING"
	StatusStopped  SessionStatus = "STOPPED"
)

// SessionKey is the canonical "<userId>-<resourceId>-<role>" table key.
// resourceId is a camera id for video and the voice bridge for audio.
func SessionKey(userID UserID, resourceID string, role Role) string {
	return string(userID) + "-" + resourceID + "-" + string(role)
}

// MediaSpec is the negotiated bandwidth/codec descriptor of a session.
type MediaSpec struct {
	Codec   string `json:"codec" mapstructure:"codec"`
	Bitrate int    `json:"bitrate" mapstructure:"bitrate"`
}

// SessionInfo is a read-only view for APIs (no transport fields).
type SessionInfo struct {
	SessionID    string        `json:"sessionId"`
	ConnectionID string        `json:"connectionId"`
	MeetingID    MeetingID     `json:"meetingId"`
	UserID       UserID        `json:"userId"`
	Role         Role          `json:"role"`
	Status       SessionStatus `json:"status"`
	MediaServer  string        `json:"mediaServer"`
	CreatedAt    int64         `json:"createdAt"`
}

package core

import "github.com/dkeye/sfucore/internal/domain"

// Outbound frames published on the client-facing channel. Shapes follow
// the wire schema; Type discriminates on the client side.

type ErrorBody struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type StartResponseFrame struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Role      domain.Role `json:"role"`
	CameraID  string      `json:"cameraId,omitempty"`
	CallerID  string      `json:"callerId,omitempty"`
	SDPAnswer string      `json:"sdpAnswer"`
}

type IceCandidateFrame struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Role      domain.Role `json:"role"`
	CameraID  string      `json:"cameraId,omitempty"`
	Candidate string      `json:"candidate"`
}

type MediaSuccessFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	Role    domain.Role `json:"role"`
	Success string      `json:"success"`
}

type MediaErrorFrame struct {
	Type     string      `json:"type"`
	ID       string      `json:"id"`
	Role     domain.Role `json:"role"`
	CameraID string      `json:"cameraId,omitempty"`
	Error    ErrorBody   `json:"error"`
}

type CloseFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const (
	FrameStartResponse = "startResponse"
	FrameIceCandidate  = "iceCandidate"
	FrameAudioSuccess  = "webRTCAudioSuccess"
	FrameAudioError    = "webRTCAudioError"
	FrameVideoError    = "videoError"
	FrameClose         = "close"

	SuccessMediaFlowing = "MEDIA_FLOWING"
)

package signaling

import "encoding/json"

// Message types carried in the envelope.
const (
	TypeRegisterCamera   = "register_camera"
	TypeUnregisterCamera = "unregister_camera"
	TypeStartStream      = "start_stream"
	TypeStopStream       = "stop_stream"
	TypeJoinStream       = "join_stream"
	TypeLeaveStream      = "leave_stream"
	TypeSignal           = "webrtc_signaling"
	TypeHeartbeat        = "heartbeat"
	TypePong             = "pong"

	TypeClientID           = "client_id"
	TypeCameraRegistered   = "camera_registered"
	TypeCameraDisconnected = "camera_disconnected"
	TypeStreamStarted      = "stream_started"
	TypeStreamStopped      = "stream_stopped"
	TypeStreamJoined       = "stream_joined"
	TypeViewerJoined       = "viewer_joined"
	TypeViewerLeft         = "viewer_left"
	TypeViewerCount        = "viewer_count_update"
	TypeError              = "error"
)

// WebRTC signal sub-types carried inside a webrtc_signaling message.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalStreamStart  = "stream-start"
	SignalStreamStop   = "stream-stop"
)

// Envelope is the wire framing for every message on the control channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RegisterCameraPayload announces a camera to the server.
type RegisterCameraPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// UnregisterCameraPayload removes a camera registration.
type UnregisterCameraPayload struct {
	ID string `json:"id"`
}

// StreamControlPayload starts or stops a published stream.
type StreamControlPayload struct {
	CameraID  string `json:"cameraId"`
	ViewerID  string `json:"viewerId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// JoinLeavePayload is sent by a viewer joining or leaving a camera's stream.
type JoinLeavePayload struct {
	CameraID string `json:"cameraId"`
	ViewerID string `json:"viewerId"`
}

// Signal is the peer negotiation payload relayed between two clients.
// From and To are client ids; Data holds the SDP or ICE candidate JSON.
type Signal struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HeartbeatPayload keeps the control connection alive.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ClientIDPayload is pushed by the server right after the socket attaches.
type ClientIDPayload struct {
	ClientID string `json:"clientId"`
}

// CameraStatusPayload describes a camera in server-pushed events.
type CameraStatusPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	StreamURL string `json:"streamUrl,omitempty"`
}

// StreamEventPayload describes stream lifecycle events from the server.
type StreamEventPayload struct {
	ID       string `json:"id,omitempty"`
	CameraID string `json:"cameraId"`
	ViewerID string `json:"viewerId,omitempty"`
}

// ViewerCountPayload reports how many viewers are watching a camera.
type ViewerCountPayload struct {
	CameraID string `json:"cameraId"`
	Count    int    `json:"count"`
}

// ErrorPayload carries a server-side error description.
type ErrorPayload struct {
	Message string `json:"message"`
}

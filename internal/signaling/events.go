package signaling

// Event is the closed set of notifications a Transport emits. Consumers
// receive them from Events() and switch on the concrete type.
type Event interface {
	isEvent()
}

// StateChanged reports a connection state transition. Attempt carries the
// reconnect attempt number when State is StateReconnecting.
type StateChanged struct {
	State   State
	Attempt int
}

// ClientAssigned delivers the client id the server assigned to this socket.
type ClientAssigned struct {
	ID string
}

// CameraRegistered is pushed when a camera announces itself.
type CameraRegistered struct {
	ID        string
	Name      string
	StreamURL string
}

// CameraDisconnected is pushed when a camera's socket goes away.
type CameraDisconnected struct {
	ID string
}

// StreamStarted reports that a camera began publishing.
type StreamStarted struct {
	ID       string
	CameraID string
}

// StreamStopped reports that a camera stopped publishing.
type StreamStopped struct {
	CameraID string
}

// StreamJoined confirms this client's join request.
type StreamJoined struct {
	CameraID string
	ViewerID string
}

// ViewerJoined reports a viewer joining a camera's stream.
type ViewerJoined struct {
	CameraID string
	ViewerID string
}

// ViewerLeft reports a viewer leaving a camera's stream.
type ViewerLeft struct {
	CameraID string
	ViewerID string
}

// ViewerCount reports the current audience size for a camera.
type ViewerCount struct {
	CameraID string
	Count    int
}

// SignalReceived carries a relayed WebRTC negotiation message.
type SignalReceived struct {
	Signal Signal
}

// ServerError carries an error pushed by the server.
type ServerError struct {
	Message string
}

// Pong acknowledges a heartbeat.
type Pong struct{}

func (StateChanged) isEvent()       {}
func (ClientAssigned) isEvent()     {}
func (CameraRegistered) isEvent()   {}
func (CameraDisconnected) isEvent() {}
func (StreamStarted) isEvent()      {}
func (StreamStopped) isEvent()      {}
func (StreamJoined) isEvent()       {}
func (ViewerJoined) isEvent()       {}
func (ViewerLeft) isEvent()         {}
func (ViewerCount) isEvent()        {}
func (SignalReceived) isEvent()     {}
func (ServerError) isEvent()        {}
func (Pong) isEvent()               {}

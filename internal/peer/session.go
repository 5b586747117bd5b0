package peer

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// SessionID derives the deterministic key for a (camera, viewer) pair by
// sorting the two ids lexicographically. Both sides compute the same key
// regardless of who initiates, so either side can look up the same record.
func SessionID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "#" + b
}

// Meta carries the stream parameters of a session.
type Meta struct {
	CameraID  string
	ViewerID  string
	Quality   string
	FrameRate int
	Bitrate   int
}

// RemoteTrack describes an incoming media track surfaced by OnTrack.
type RemoteTrack struct {
	ID       string
	Kind     string
	MimeType string
}

// Session is one tracked peer-connection record. At most one session
// exists per session id at any time; the Manager enforces this.
type Session struct {
	ID   string
	Meta Meta

	selfID string
	peerID string

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	publisher bool
	connected bool
	streaming bool
	remote    []RemoteTrack
}

// Connected reports whether the underlying peer connection is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Streaming reports whether media is flowing on this session.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Publisher reports whether this side owns a local capture lease.
func (s *Session) Publisher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisher
}

// RemoteTracks returns the tracks received from the counterpart so far.
func (s *Session) RemoteTracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteTrack, len(s.remote))
	copy(out, s.remote)
	return out
}

func (s *Session) conn() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *Session) setConn(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
}

func (s *Session) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Session) setStreaming(v bool) {
	s.mu.Lock()
	s.streaming = v
	s.mu.Unlock()
}

func (s *Session) addRemote(t RemoteTrack) {
	s.mu.Lock()
	s.remote = append(s.remote, t)
	s.mu.Unlock()
}

// close shuts the peer connection and clears the lifecycle flags.
func (s *Session) close() {
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.connected = false
	s.streaming = false
	s.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

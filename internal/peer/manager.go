// Package peer creates, tracks and tears down the per-pair WebRTC
// sessions negotiated over the signaling channel.
package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/viewbird/homecam/internal/media"
	"github.com/viewbird/homecam/internal/signaling"
)

// DefaultICEServers is the fixed STUN set used for NAT traversal.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// SendFunc delivers an outgoing negotiation signal to the counterpart,
// normally via the transport's webrtc_signaling message.
type SendFunc func(signaling.Signal) error

// Manager owns every peer session, keyed by the deterministic session id.
type Manager struct {
	log        *slog.Logger
	source     *media.SharedSource
	send       SendFunc
	iceServers []webrtc.ICEServer

	mu       sync.Mutex
	sessions map[string]*Session

	onConnectionChange func(sessionID string, connected bool)
	onICEState         func(sessionID string, state webrtc.ICEConnectionState)
	onSignalingState   func(sessionID string, state webrtc.SignalingState)
	onRemoteTrack      func(sessionID string, track RemoteTrack)
}

// NewManager creates a session manager. source provides local capture for
// publishing sessions; send delivers outgoing signals.
func NewManager(source *media.SharedSource, send SendFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:        log,
		source:     source,
		send:       send,
		iceServers: DefaultICEServers,
		sessions:   make(map[string]*Session),
	}
}

// SetConnectionChangeCallback registers the per-session connectivity callback.
func (m *Manager) SetConnectionChangeCallback(cb func(sessionID string, connected bool)) {
	m.onConnectionChange = cb
}

// SetICEStateCallback registers the ICE connection state callback.
func (m *Manager) SetICEStateCallback(cb func(sessionID string, state webrtc.ICEConnectionState)) {
	m.onICEState = cb
}

// SetSignalingStateCallback registers the signaling state callback.
func (m *Manager) SetSignalingStateCallback(cb func(sessionID string, state webrtc.SignalingState)) {
	m.onSignalingState = cb
}

// SetRemoteTrackCallback registers the remote track arrival callback.
func (m *Manager) SetRemoteTrackCallback(cb func(sessionID string, track RemoteTrack)) {
	m.onRemoteTrack = cb
}

// StartPublishing creates the publisher-side session toward a viewer:
// acquires the shared capture source, attaches the local tracks, creates
// the offer and sends it. A second call for the same pair returns the
// existing session untouched.
func (m *Manager) StartPublishing(selfID, counterpartID string) (*Session, error) {
	sess, created := m.getOrCreate(selfID, counterpartID, Meta{
		CameraID:  selfID,
		ViewerID:  counterpartID,
		Quality:   "sd",
		FrameRate: media.DefaultCaptureConfig.FrameRate,
		Bitrate:   media.DefaultCaptureConfig.Bitrate,
	})
	if !created {
		m.log.Debug("reusing session", "session", sess.ID)
		return sess, nil
	}

	tracks, err := m.source.Acquire()
	if err != nil {
		m.remove(sess.ID)
		return nil, fmt.Errorf("start publishing %s: %w", sess.ID, err)
	}
	sess.mu.Lock()
	sess.publisher = true
	sess.mu.Unlock()

	fail := func(err error) (*Session, error) {
		sess.close()
		m.source.Release()
		m.remove(sess.ID)
		return nil, fmt.Errorf("start publishing %s: %w", sess.ID, err)
	}

	pc, err := m.source.API().NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return fail(fmt.Errorf("create peer connection: %w", err))
	}
	sess.setConn(pc)
	m.wire(sess)

	for _, track := range tracks {
		_, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fail(fmt.Errorf("attach local track: %w", err))
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}

	data, err := json.Marshal(offer)
	if err != nil {
		return fail(fmt.Errorf("marshal offer: %w", err))
	}
	err = m.send(signaling.Signal{
		From: selfID,
		To:   counterpartID,
		Type: signaling.SignalOffer,
		Data: data,
	})
	if err != nil {
		return fail(fmt.Errorf("send offer: %w", err))
	}

	m.log.Info("publishing session started", "session", sess.ID, "viewer", counterpartID)
	return sess, nil
}

// StartViewing creates the subscriber-side session toward a camera. No
// local tracks are attached and no offer is created: the viewer waits for
// the publisher's offer.
func (m *Manager) StartViewing(selfID, counterpartID string) (*Session, error) {
	sess, created := m.getOrCreate(selfID, counterpartID, Meta{
		CameraID: counterpartID,
		ViewerID: selfID,
	})
	if !created {
		m.log.Debug("reusing session", "session", sess.ID)
		return sess, nil
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		m.remove(sess.ID)
		return nil, fmt.Errorf("start viewing %s: create peer connection: %w", sess.ID, err)
	}
	sess.setConn(pc)
	m.wire(sess)

	m.log.Info("viewing session started", "session", sess.ID, "camera", counterpartID)
	return sess, nil
}

// HandleSignal dispatches a relayed negotiation message to its session.
// Signals for unknown sessions are logged and dropped: a message racing
// ahead of record creation is expected and best-effort.
func (m *Manager) HandleSignal(sig signaling.Signal) {
	id := SessionID(sig.From, sig.To)
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("signal for unknown session", "session", id, "type", sig.Type)
		return
	}
	pc := sess.conn()
	if pc == nil {
		m.log.Warn("signal for session without connection", "session", id, "type", sig.Type)
		return
	}

	switch sig.Type {
	case signaling.SignalOffer:
		if err := m.handleOffer(sess, pc, sig); err != nil {
			m.log.Error("handle offer", "session", id, "err", err)
		}
	case signaling.SignalAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(sig.Data, &answer); err != nil {
			m.log.Error("unmarshal answer", "session", id, "err", err)
			return
		}
		if err := pc.SetRemoteDescription(answer); err != nil {
			m.log.Error("set remote answer", "session", id, "err", err)
		}
	case signaling.SignalICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Data, &candidate); err != nil {
			m.log.Error("unmarshal ICE candidate", "session", id, "err", err)
			return
		}
		if err := pc.AddICECandidate(candidate); err != nil {
			m.log.Error("add ICE candidate", "session", id, "err", err)
		}
	case signaling.SignalStreamStart:
		sess.setStreaming(true)
	case signaling.SignalStreamStop:
		m.StopStream(id)
	default:
		m.log.Warn("unknown signal type", "type", sig.Type)
	}
}

// StopStream tears down one session. Unknown ids are a no-op.
func (m *Manager) StopStream(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	publisher := sess.Publisher()
	sess.close()
	if publisher {
		m.source.Release()
	}
	m.log.Info("session stopped", "session", sessionID)
}

// StopAll tears down every session and force-releases the shared capture
// source. Used by the transport disconnect cascade.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	m.source.ForceClose()
	if len(sessions) > 0 {
		m.log.Info("all sessions stopped", "count", len(sessions))
	}
}

// Get returns the session for the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// List returns every tracked session.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CountConnected returns how many sessions currently report connected.
func (m *Manager) CountConnected() int {
	n := 0
	for _, s := range m.List() {
		if s.Connected() {
			n++
		}
	}
	return n
}

// getOrCreate atomically looks up or reserves the record for a pair, so
// two near-simultaneous starts for the same pair can never produce two
// peer connections.
func (m *Manager) getOrCreate(selfID, counterpartID string, meta Meta) (*Session, bool) {
	id := SessionID(selfID, counterpartID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, false
	}
	sess := &Session{ID: id, Meta: meta, selfID: selfID, peerID: counterpartID}
	m.sessions[id] = sess
	return sess, true
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) handleOffer(sess *Session, pc *webrtc.PeerConnection, sig signaling.Signal) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &offer); err != nil {
		return fmt.Errorf("unmarshal offer: %w", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	return m.send(signaling.Signal{
		From: sig.To,
		To:   sig.From,
		Type: signaling.SignalAnswer,
		Data: data,
	})
}

// handleConnectionState mirrors peer-connection state into the session's
// connected flag and notifies the registered callback.
func (m *Manager) handleConnectionState(sess *Session, state webrtc.PeerConnectionState) {
	m.log.Info("peer connection state", "session", sess.ID, "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		sess.setConnected(true)
		if m.onConnectionChange != nil {
			m.onConnectionChange(sess.ID, true)
		}
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		sess.setConnected(false)
		if m.onConnectionChange != nil {
			m.onConnectionChange(sess.ID, false)
		}
	}
}

// wire registers the peer-connection callbacks for a session.
func (m *Manager) wire(sess *Session) {
	pc := sess.conn()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			m.log.Warn("marshal ICE candidate", "session", sess.ID, "err", err)
			return
		}
		err = m.send(signaling.Signal{
			From: sess.selfID,
			To:   sess.peerID,
			Type: signaling.SignalICECandidate,
			Data: data,
		})
		if err != nil {
			m.log.Warn("send ICE candidate", "session", sess.ID, "err", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleConnectionState(sess, state)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if m.onICEState != nil {
			m.onICEState(sess.ID, state)
		}
	})

	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if m.onSignalingState != nil {
			m.onSignalingState(sess.ID, state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		remote := RemoteTrack{
			ID:       track.ID(),
			Kind:     track.Kind().String(),
			MimeType: track.Codec().MimeType,
		}
		m.log.Info("remote track", "session", sess.ID, "kind", remote.Kind, "mime", remote.MimeType)
		sess.addRemote(remote)
		if m.onRemoteTrack != nil {
			m.onRemoteTrack(sess.ID, remote)
		}
	})
}

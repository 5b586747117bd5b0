// Package stream is the integration point the rest of the application
// talks to: it owns the signaling transport, wires the peer session
// manager's outgoing signals into it, and re-publishes a simplified event
// vocabulary to its consumer.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viewbird/homecam/internal/media"
	"github.com/viewbird/homecam/internal/peer"
	"github.com/viewbird/homecam/internal/signaling"
)

// Camera status values.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusStreaming = "streaming"
)

// Camera is a registered camera as seen through server-pushed events.
type Camera struct {
	ID        string
	Name      string
	Status    string
	Viewers   []string
	StreamURL string
}

// Stream is an active published stream.
type Stream struct {
	ID       string
	CameraID string
}

// Stats summarizes the control connection for status displays.
type Stats struct {
	Status            string
	LastConnected     time.Time
	ReconnectAttempts int
	Uptime            time.Duration
}

// Handler receives coordinator events. Nil callbacks are skipped.
type Handler struct {
	OnConnected          func()
	OnDisconnected       func()
	OnReconnecting       func(attempt int)
	OnFailed             func()
	OnCameraConnected    func(cam Camera)
	OnCameraDisconnected func(id string)
	OnStreamStarted      func(streamID, cameraID string)
	OnStreamStopped      func(cameraID string)
	OnViewerJoined       func(cameraID, viewerID string)
	OnViewerLeft         func(cameraID, viewerID string)
	OnViewerCount        func(cameraID string, count int)
	OnError              func(msg string)
}

type cameraState struct {
	id        string
	name      string
	status    string
	viewers   map[string]struct{}
	streamURL string
}

// Coordinator combines the transport and the peer session manager behind
// boolean try-and-check operations, so call sites never unwrap errors.
type Coordinator struct {
	log       *slog.Logger
	transport *signaling.Transport
	peers     *peer.Manager
	handler   Handler

	mu       sync.Mutex
	clientID string
	cameras  map[string]*cameraState
	streams  map[string]string // stream id -> camera id

	done chan struct{}
}

// New creates a coordinator around an existing transport and capture
// source and starts its event dispatch loop.
func New(transport *signaling.Transport, source *media.SharedSource, handler Handler, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:       log,
		transport: transport,
		handler:   handler,
		cameras:   make(map[string]*cameraState),
		streams:   make(map[string]string),
		done:      make(chan struct{}),
	}
	c.peers = peer.NewManager(source, c.sendSignal, log)
	go c.loop()
	return c
}

// Peers exposes the session manager for query operations.
func (c *Coordinator) Peers() *peer.Manager {
	return c.peers
}

// ClientID returns the id the server assigned to this connection.
func (c *Coordinator) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect establishes the control channel.
func (c *Coordinator) Connect(ctx context.Context) bool {
	return c.transport.Connect(ctx)
}

// Disconnect closes the control channel and destroys all in-flight peer
// sessions and local registries.
func (c *Coordinator) Disconnect() {
	c.transport.Disconnect()
	c.cascade()
}

// Close stops the dispatch loop after disconnecting.
func (c *Coordinator) Close() {
	c.Disconnect()
	close(c.done)
}

// RegisterCamera announces a camera to the server. Requires a connected
// transport.
func (c *Coordinator) RegisterCamera(id, name string) bool {
	if !c.transport.IsConnected() {
		c.log.Warn("register camera: not connected", "camera", id)
		return false
	}
	err := c.transport.Send(signaling.TypeRegisterCamera, signaling.RegisterCameraPayload{
		ID:        id,
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.log.Error("register camera", "camera", id, "err", err)
		return false
	}
	return true
}

// UnregisterCamera removes a camera registration.
func (c *Coordinator) UnregisterCamera(id string) bool {
	if !c.transport.IsConnected() {
		c.log.Warn("unregister camera: not connected", "camera", id)
		return false
	}
	err := c.transport.Send(signaling.TypeUnregisterCamera, signaling.UnregisterCameraPayload{ID: id})
	if err != nil {
		c.log.Error("unregister camera", "camera", id, "err", err)
		return false
	}
	return true
}

// StartStream begins publishing toward a viewer and notifies the server.
func (c *Coordinator) StartStream(cameraID, viewerID string) bool {
	if _, err := c.peers.StartPublishing(cameraID, viewerID); err != nil {
		c.log.Error("start stream", "camera", cameraID, "viewer", viewerID, "err", err)
		return false
	}
	err := c.transport.Send(signaling.TypeStartStream, signaling.StreamControlPayload{
		CameraID:  cameraID,
		ViewerID:  viewerID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.log.Error("announce stream start", "camera", cameraID, "err", err)
		return false
	}
	return true
}

// StopStream stops every publishing session of a camera and notifies the
// server.
func (c *Coordinator) StopStream(cameraID string) bool {
	for _, sess := range c.peers.List() {
		if sess.Meta.CameraID == cameraID {
			c.peers.StopStream(sess.ID)
		}
	}
	err := c.transport.Send(signaling.TypeStopStream, signaling.StreamControlPayload{
		CameraID:  cameraID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.log.Error("announce stream stop", "camera", cameraID, "err", err)
		return false
	}
	return true
}

// JoinStream starts a viewing session and asks the server to join the
// camera's stream.
func (c *Coordinator) JoinStream(cameraID, viewerID string) bool {
	if _, err := c.peers.StartViewing(viewerID, cameraID); err != nil {
		c.log.Error("join stream", "camera", cameraID, "viewer", viewerID, "err", err)
		return false
	}
	err := c.transport.Send(signaling.TypeJoinStream, signaling.JoinLeavePayload{
		CameraID: cameraID,
		ViewerID: viewerID,
	})
	if err != nil {
		c.log.Error("announce join", "camera", cameraID, "err", err)
		return false
	}
	return true
}

// LeaveStream tears down the viewing session and notifies the server.
func (c *Coordinator) LeaveStream(cameraID, viewerID string) bool {
	c.peers.StopStream(peer.SessionID(cameraID, viewerID))
	err := c.transport.Send(signaling.TypeLeaveStream, signaling.JoinLeavePayload{
		CameraID: cameraID,
		ViewerID: viewerID,
	})
	if err != nil {
		c.log.Error("announce leave", "camera", cameraID, "err", err)
		return false
	}
	return true
}

// ConnectedCameras returns a snapshot of the camera registry.
func (c *Coordinator) ConnectedCameras() []Camera {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Camera, 0, len(c.cameras))
	for _, cam := range c.cameras {
		out = append(out, snapshot(cam))
	}
	return out
}

// ActiveStreams returns the streams the server has reported as started.
func (c *Coordinator) ActiveStreams() []Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stream, 0, len(c.streams))
	for id, camID := range c.streams {
		out = append(out, Stream{ID: id, CameraID: camID})
	}
	return out
}

// IsConnected reports whether the control channel is up.
func (c *Coordinator) IsConnected() bool {
	return c.transport.IsConnected()
}

// ConnectionStats reports the transport status for status displays.
func (c *Coordinator) ConnectionStats() Stats {
	s := Stats{
		Status:            c.transport.State().String(),
		LastConnected:     c.transport.LastConnected(),
		ReconnectAttempts: c.transport.Attempts(),
	}
	if c.transport.IsConnected() && !s.LastConnected.IsZero() {
		s.Uptime = time.Since(s.LastConnected)
	}
	return s
}

func (c *Coordinator) sendSignal(sig signaling.Signal) error {
	return c.transport.Send(signaling.TypeSignal, sig)
}

// cascade destroys all peer sessions and local registries. Losing the
// control channel invalidates every in-flight session; there is no
// keep-session-alive across reconnects.
func (c *Coordinator) cascade() {
	c.peers.StopAll()
	c.mu.Lock()
	c.cameras = make(map[string]*cameraState)
	c.streams = make(map[string]string)
	c.mu.Unlock()
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.transport.Events():
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.StateChanged:
		switch e.State {
		case signaling.StateConnected:
			if c.handler.OnConnected != nil {
				c.handler.OnConnected()
			}
		case signaling.StateDisconnected:
			c.cascade()
			if c.handler.OnDisconnected != nil {
				c.handler.OnDisconnected()
			}
		case signaling.StateReconnecting:
			if c.handler.OnReconnecting != nil {
				c.handler.OnReconnecting(e.Attempt)
			}
		case signaling.StateFailed:
			if c.handler.OnFailed != nil {
				c.handler.OnFailed()
			}
		}

	case signaling.ClientAssigned:
		c.mu.Lock()
		c.clientID = e.ID
		c.mu.Unlock()
		c.log.Info("client id assigned", "id", e.ID)

	case signaling.CameraRegistered:
		c.mu.Lock()
		cam, ok := c.cameras[e.ID]
		if !ok {
			cam = &cameraState{id: e.ID, viewers: make(map[string]struct{})}
			c.cameras[e.ID] = cam
		}
		cam.name = e.Name
		cam.status = StatusOnline
		cam.streamURL = e.StreamURL
		snap := snapshot(cam)
		c.mu.Unlock()
		if c.handler.OnCameraConnected != nil {
			c.handler.OnCameraConnected(snap)
		}

	case signaling.CameraDisconnected:
		c.mu.Lock()
		delete(c.cameras, e.ID)
		c.mu.Unlock()
		if c.handler.OnCameraDisconnected != nil {
			c.handler.OnCameraDisconnected(e.ID)
		}

	case signaling.StreamStarted:
		// A missing explicit stream id falls back to the camera id.
		id := e.ID
		if id == "" {
			id = e.CameraID
		}
		c.mu.Lock()
		c.streams[id] = e.CameraID
		if cam, ok := c.cameras[e.CameraID]; ok {
			cam.status = StatusStreaming
		}
		c.mu.Unlock()
		if c.handler.OnStreamStarted != nil {
			c.handler.OnStreamStarted(id, e.CameraID)
		}

	case signaling.StreamStopped:
		c.mu.Lock()
		for id, camID := range c.streams {
			if camID == e.CameraID {
				delete(c.streams, id)
			}
		}
		if cam, ok := c.cameras[e.CameraID]; ok {
			cam.status = StatusOnline
		}
		c.mu.Unlock()
		if c.handler.OnStreamStopped != nil {
			c.handler.OnStreamStopped(e.CameraID)
		}

	case signaling.StreamJoined:
		if c.handler.OnViewerJoined != nil {
			c.handler.OnViewerJoined(e.CameraID, e.ViewerID)
		}

	case signaling.ViewerJoined:
		c.mu.Lock()
		if cam, ok := c.cameras[e.CameraID]; ok {
			cam.viewers[e.ViewerID] = struct{}{}
		}
		c.mu.Unlock()
		if c.handler.OnViewerJoined != nil {
			c.handler.OnViewerJoined(e.CameraID, e.ViewerID)
		}

	case signaling.ViewerLeft:
		c.mu.Lock()
		if cam, ok := c.cameras[e.CameraID]; ok {
			delete(cam.viewers, e.ViewerID)
		}
		c.mu.Unlock()
		if c.handler.OnViewerLeft != nil {
			c.handler.OnViewerLeft(e.CameraID, e.ViewerID)
		}

	case signaling.ViewerCount:
		if c.handler.OnViewerCount != nil {
			c.handler.OnViewerCount(e.CameraID, e.Count)
		}

	case signaling.SignalReceived:
		c.peers.HandleSignal(e.Signal)

	case signaling.ServerError:
		c.log.Warn("server error", "message", e.Message)
		if c.handler.OnError != nil {
			c.handler.OnError(e.Message)
		}
	}
}

func snapshot(cam *cameraState) Camera {
	viewers := make([]string, 0, len(cam.viewers))
	for v := range cam.viewers {
		viewers = append(viewers, v)
	}
	return Camera{
		ID:        cam.id,
		Name:      cam.name,
		Status:    cam.status,
		Viewers:   viewers,
		StreamURL: cam.streamURL,
	}
}

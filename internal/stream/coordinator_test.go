package stream

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewbird/homecam/internal/media"
	"github.com/viewbird/homecam/internal/peer"
	"github.com/viewbird/homecam/internal/relay"
	"github.com/viewbird/homecam/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := relay.NewHub(testLogger())
	api := relay.NewAPI("test-secret", testLogger())
	srv := httptest.NewServer(api.Router(hub))
	t.Cleanup(srv.Close)
	return srv
}

func signalingURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// harness bundles one coordinator with channels for the handler events the
// tests wait on.
type harness struct {
	coord  *Coordinator
	source *media.SharedSource

	connected    chan struct{}
	disconnected chan struct{}
	cameraUp     chan Camera
	cameraDown   chan string
	streamUp     chan string
	viewerJoined chan string
	viewerLeft   chan string
	errors       chan string
}

func newHarness(t *testing.T, srv *httptest.Server) *harness {
	t.Helper()
	h := &harness{
		source:       media.NewShared(media.NewNopSource(), testLogger()),
		connected:    make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
		cameraUp:     make(chan Camera, 4),
		cameraDown:   make(chan string, 4),
		streamUp:     make(chan string, 4),
		viewerJoined: make(chan string, 4),
		viewerLeft:   make(chan string, 4),
		errors:       make(chan string, 4),
	}
	handler := Handler{
		OnConnected:          func() { h.connected <- struct{}{} },
		OnDisconnected:       func() { h.disconnected <- struct{}{} },
		OnCameraConnected:    func(cam Camera) { h.cameraUp <- cam },
		OnCameraDisconnected: func(id string) { h.cameraDown <- id },
		OnStreamStarted:      func(_, cameraID string) { h.streamUp <- cameraID },
		OnViewerJoined:       func(_, viewerID string) { h.viewerJoined <- viewerID },
		OnViewerLeft:         func(_, viewerID string) { h.viewerLeft <- viewerID },
		OnError:              func(msg string) { h.errors <- msg },
	}
	transport := signaling.NewTransport(signalingURL(srv), nil, testLogger())
	h.coord = New(transport, h.source, handler, testLogger())
	t.Cleanup(h.coord.Close)
	return h
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestOperationsRefusedWhenDisconnected(t *testing.T) {
	srv := newRelayServer(t)
	h := newHarness(t, srv)

	assert.False(t, h.coord.IsConnected())
	assert.False(t, h.coord.RegisterCamera("cam1", "porch"))
	assert.False(t, h.coord.UnregisterCamera("cam1"))
	assert.Equal(t, "disconnected", h.coord.ConnectionStats().Status)
}

func TestConnectAssignsClientID(t *testing.T) {
	srv := newRelayServer(t)
	h := newHarness(t, srv)

	require.True(t, h.coord.Connect(context.Background()))
	recv(t, h.connected, "connected callback")

	require.Eventually(t, func() bool {
		return h.coord.ClientID() != ""
	}, 3*time.Second, 10*time.Millisecond)

	stats := h.coord.ConnectionStats()
	assert.Equal(t, "connected", stats.Status)
	assert.False(t, stats.LastConnected.IsZero())
}

func TestRegisterCameraVisibleToViewers(t *testing.T) {
	srv := newRelayServer(t)
	camera := newHarness(t, srv)
	viewer := newHarness(t, srv)

	require.True(t, camera.coord.Connect(context.Background()))
	recv(t, camera.connected, "camera connected")
	require.True(t, viewer.coord.Connect(context.Background()))
	recv(t, viewer.connected, "viewer connected")

	require.True(t, camera.coord.RegisterCamera("cam1", "front door"))

	cam := recv(t, viewer.cameraUp, "camera registration on the viewer")
	assert.Equal(t, "cam1", cam.ID)
	assert.Equal(t, "front door", cam.Name)
	assert.Equal(t, StatusOnline, cam.Status)

	require.Eventually(t, func() bool {
		return len(viewer.coord.ConnectedCameras()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.True(t, camera.coord.UnregisterCamera("cam1"))
	assert.Equal(t, "cam1", recv(t, viewer.cameraDown, "camera removal on the viewer"))
}

func TestJoinUnknownCameraSurfacesError(t *testing.T) {
	srv := newRelayServer(t)
	viewer := newHarness(t, srv)

	require.True(t, viewer.coord.Connect(context.Background()))
	recv(t, viewer.connected, "viewer connected")

	require.True(t, viewer.coord.JoinStream("ghost", "v1"))
	msg := recv(t, viewer.errors, "server error")
	assert.Contains(t, msg, "ghost")
}

// TestOfferAnswerNegotiation drives the full scenario: the camera
// registers, a viewer joins, the camera starts publishing, and the SDP
// offer/answer plus ICE candidates flow through the relay until both
// sides complete negotiation.
func TestOfferAnswerNegotiation(t *testing.T) {
	srv := newRelayServer(t)
	camera := newHarness(t, srv)
	viewer := newHarness(t, srv)

	require.True(t, camera.coord.Connect(context.Background()))
	recv(t, camera.connected, "camera connected")
	require.True(t, viewer.coord.Connect(context.Background()))
	recv(t, viewer.connected, "viewer connected")

	// Watch signaling states to observe negotiation completing.
	camStable := make(chan struct{}, 4)
	camera.coord.Peers().SetSignalingStateCallback(func(_ string, state webrtc.SignalingState) {
		if state == webrtc.SignalingStateStable {
			camStable <- struct{}{}
		}
	})
	viewerStable := make(chan struct{}, 4)
	viewer.coord.Peers().SetSignalingStateCallback(func(_ string, state webrtc.SignalingState) {
		if state == webrtc.SignalingStateStable {
			viewerStable <- struct{}{}
		}
	})

	require.True(t, camera.coord.RegisterCamera("cam1", "porch"))
	recv(t, camera.cameraUp, "camera sees own registration")
	recv(t, viewer.cameraUp, "viewer sees registration")

	require.True(t, viewer.coord.JoinStream("cam1", "v1"))
	joined := recv(t, camera.viewerJoined, "viewer joined on the camera")
	require.Equal(t, "v1", joined)

	require.True(t, camera.coord.StartStream("cam1", joined))
	assert.Equal(t, "cam1", recv(t, viewer.streamUp, "stream started on the viewer"))

	// The viewer answers the offer, the camera applies the answer; both
	// peer connections settle back to stable.
	recv(t, viewerStable, "viewer answered the offer")
	recv(t, camStable, "camera applied the answer")

	id := peer.SessionID("cam1", "v1")
	camSess, ok := camera.coord.Peers().Get(id)
	require.True(t, ok)
	assert.True(t, camSess.Publisher())
	assert.Equal(t, 1, camera.source.Refs())

	viewSess, ok := viewer.coord.Peers().Get(id)
	require.True(t, ok)
	assert.False(t, viewSess.Publisher())

	// Leaving tears down the viewer's session and notifies the camera.
	require.True(t, viewer.coord.LeaveStream("cam1", "v1"))
	assert.Equal(t, "v1", recv(t, camera.viewerLeft, "viewer left on the camera"))
	_, ok = viewer.coord.Peers().Get(id)
	assert.False(t, ok)
}

// TestDisconnectCascades verifies that losing the control channel tears
// down every peer session and releases the shared capture source.
func TestDisconnectCascades(t *testing.T) {
	srv := newRelayServer(t)
	camera := newHarness(t, srv)
	viewer := newHarness(t, srv)

	require.True(t, camera.coord.Connect(context.Background()))
	recv(t, camera.connected, "camera connected")
	require.True(t, viewer.coord.Connect(context.Background()))
	recv(t, viewer.connected, "viewer connected")

	require.True(t, camera.coord.RegisterCamera("cam1", "porch"))
	recv(t, viewer.cameraUp, "viewer sees registration")

	require.True(t, viewer.coord.JoinStream("cam1", "v1"))
	recv(t, camera.viewerJoined, "viewer joined on the camera")
	require.True(t, camera.coord.StartStream("cam1", "v1"))
	require.True(t, camera.coord.StartStream("cam1", "v2"))

	require.Len(t, camera.coord.Peers().List(), 2)
	require.Equal(t, 2, camera.source.Refs())

	camera.coord.Disconnect()
	recv(t, camera.disconnected, "camera disconnected callback")

	assert.Empty(t, camera.coord.Peers().List())
	assert.Equal(t, 0, camera.source.Refs(), "capture must be released by the cascade")
	assert.Empty(t, camera.coord.ConnectedCameras())
	assert.Empty(t, camera.coord.ActiveStreams())

	// The relay tells the viewer the camera is gone.
	assert.Equal(t, "cam1", recv(t, viewer.cameraDown, "camera drop on the viewer"))
}

package peer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewbird/homecam/internal/media"
	"github.com/viewbird/homecam/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// signalRecorder collects outgoing signals; candidate trickling runs on
// pion goroutines, so access is locked.
type signalRecorder struct {
	mu   sync.Mutex
	sigs []signaling.Signal
}

func (r *signalRecorder) send(sig signaling.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
	return nil
}

func (r *signalRecorder) byType(sigType string) []signaling.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signaling.Signal
	for _, s := range r.sigs {
		if s.Type == sigType {
			out = append(out, s)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *media.SharedSource, *signalRecorder) {
	t.Helper()
	shared := media.NewShared(media.NewNopSource(), testLogger())
	rec := &signalRecorder{}
	mgr := NewManager(shared, rec.send, testLogger())
	t.Cleanup(mgr.StopAll)
	return mgr, shared, rec
}

// makeOffer builds a real SDP offer from a throwaway peer connection.
func makeOffer(t *testing.T) json.RawMessage {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.CreateDataChannel("control", nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	data, err := json.Marshal(offer)
	require.NoError(t, err)
	return data
}

func TestSessionIDSymmetric(t *testing.T) {
	assert.Equal(t, SessionID("cam1", "viewer1"), SessionID("viewer1", "cam1"))
	assert.Equal(t, "cam1#viewer1", SessionID("viewer1", "cam1"))
	assert.NotEqual(t, SessionID("cam1", "viewer1"), SessionID("cam1", "viewer2"))
	assert.NotEqual(t, SessionID("cam1", "viewer1"), SessionID("cam2", "viewer1"))
}

func TestStartPublishingCreatesSingleRecord(t *testing.T) {
	mgr, shared, rec := newTestManager(t)

	first, err := mgr.StartPublishing("cam1", "viewer1")
	require.NoError(t, err)
	assert.True(t, first.Publisher())

	// Repeated start for the same pair must reuse the record.
	second, err := mgr.StartPublishing("cam1", "viewer1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	assert.Len(t, mgr.List(), 1)
	assert.Equal(t, 1, shared.Refs(), "one pair holds exactly one capture lease")
	assert.Len(t, rec.byType(signaling.SignalOffer), 1, "reuse must not re-offer")

	offer := rec.byType(signaling.SignalOffer)[0]
	assert.Equal(t, "cam1", offer.From)
	assert.Equal(t, "viewer1", offer.To)
}

func TestStartPublishingTwoViewers(t *testing.T) {
	mgr, shared, rec := newTestManager(t)

	_, err := mgr.StartPublishing("cam1", "viewer1")
	require.NoError(t, err)
	_, err = mgr.StartPublishing("cam1", "viewer2")
	require.NoError(t, err)

	assert.Len(t, mgr.List(), 2)
	assert.Equal(t, 2, shared.Refs())
	assert.Len(t, rec.byType(signaling.SignalOffer), 2)

	// Stopping one viewer keeps the capture open for the other.
	mgr.StopStream(SessionID("cam1", "viewer1"))
	assert.Len(t, mgr.List(), 1)
	assert.Equal(t, 1, shared.Refs())
}

func TestStartPublishingFailedCaptureLeavesNoRecord(t *testing.T) {
	shared := media.NewShared(&failingSource{}, testLogger())
	rec := &signalRecorder{}
	mgr := NewManager(shared, rec.send, testLogger())

	_, err := mgr.StartPublishing("cam1", "viewer1")
	require.Error(t, err)
	assert.Empty(t, mgr.List(), "failed start must not leave a half-built record")
	assert.Equal(t, 0, shared.Refs())
	assert.Empty(t, rec.byType(signaling.SignalOffer))
}

type failingSource struct{}

func (f *failingSource) Open() error                 { return errors.New("capture denied") }
func (f *failingSource) Tracks() []webrtc.TrackLocal { return nil }
func (f *failingSource) API() *webrtc.API            { return nil }
func (f *failingSource) Close() error                { return nil }

func TestStartViewingWaitsForOffer(t *testing.T) {
	mgr, shared, rec := newTestManager(t)

	sess, err := mgr.StartViewing("viewer1", "cam1")
	require.NoError(t, err)
	assert.False(t, sess.Publisher())
	assert.Equal(t, "cam1", sess.Meta.CameraID)
	assert.Equal(t, "viewer1", sess.Meta.ViewerID)

	// Viewers never touch capture and never initiate.
	assert.Equal(t, 0, shared.Refs())
	assert.Empty(t, rec.sigs)
}

func TestHandleOfferProducesAnswerWithSwappedAddressing(t *testing.T) {
	mgr, _, rec := newTestManager(t)

	_, err := mgr.StartViewing("viewer1", "cam1")
	require.NoError(t, err)

	mgr.HandleSignal(signaling.Signal{
		From: "cam1",
		To:   "viewer1",
		Type: signaling.SignalOffer,
		Data: makeOffer(t),
	})

	answers := rec.byType(signaling.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "viewer1", answers[0].From)
	assert.Equal(t, "cam1", answers[0].To)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answers[0].Data, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.NotEmpty(t, answer.SDP)
}

func TestHandleSignalUnknownSessionDropped(t *testing.T) {
	mgr, _, rec := newTestManager(t)

	mgr.HandleSignal(signaling.Signal{
		From: "cam9",
		To:   "viewer9",
		Type: signaling.SignalOffer,
		Data: makeOffer(t),
	})

	assert.Empty(t, mgr.List())
	assert.Empty(t, rec.sigs)
}

func TestHandleStreamSignalsToggleStreaming(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	sess, err := mgr.StartViewing("viewer1", "cam1")
	require.NoError(t, err)
	assert.False(t, sess.Streaming())

	mgr.HandleSignal(signaling.Signal{
		From: "cam1", To: "viewer1", Type: signaling.SignalStreamStart,
	})
	assert.True(t, sess.Streaming())

	mgr.HandleSignal(signaling.Signal{
		From: "cam1", To: "viewer1", Type: signaling.SignalStreamStop,
	})
	assert.False(t, sess.Streaming())
	assert.Empty(t, mgr.List(), "stream-stop tears the session down")
}

func TestConnectionStateDrivesConnectedFlag(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	sess, err := mgr.StartViewing("viewer1", "cam1")
	require.NoError(t, err)
	require.False(t, sess.Connected())

	var transitions []bool
	mgr.SetConnectionChangeCallback(func(id string, connected bool) {
		assert.Equal(t, sess.ID, id)
		transitions = append(transitions, connected)
	})

	mgr.handleConnectionState(sess, webrtc.PeerConnectionStateConnected)
	assert.True(t, sess.Connected())
	assert.Equal(t, 1, mgr.CountConnected())

	mgr.handleConnectionState(sess, webrtc.PeerConnectionStateFailed)
	assert.False(t, sess.Connected())
	assert.Equal(t, 0, mgr.CountConnected())

	// Intermediate states like connecting must not flip the flag.
	mgr.handleConnectionState(sess, webrtc.PeerConnectionStateConnecting)
	assert.False(t, sess.Connected())

	assert.Equal(t, []bool{true, false}, transitions)
}

func TestStopStreamIdempotent(t *testing.T) {
	mgr, shared, _ := newTestManager(t)

	_, err := mgr.StartPublishing("cam1", "viewer1")
	require.NoError(t, err)
	id := SessionID("cam1", "viewer1")

	mgr.StopStream(id)
	assert.Empty(t, mgr.List())
	assert.Equal(t, 0, shared.Refs())

	// Second stop and unknown ids are no-ops.
	mgr.StopStream(id)
	mgr.StopStream("no#such")
	assert.Equal(t, 0, shared.Refs())
}

func TestStopAllReleasesEverything(t *testing.T) {
	mgr, shared, _ := newTestManager(t)

	_, err := mgr.StartPublishing("cam1", "viewer1")
	require.NoError(t, err)
	_, err = mgr.StartPublishing("cam1", "viewer2")
	require.NoError(t, err)
	require.Equal(t, 2, shared.Refs())

	mgr.StopAll()
	assert.Empty(t, mgr.List())
	assert.Equal(t, 0, shared.Refs())
	assert.Equal(t, 0, mgr.CountConnected())
}

func TestGetAndList(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.StartViewing("viewer1", "cam1")
	require.NoError(t, err)

	sess, ok := mgr.Get(SessionID("cam1", "viewer1"))
	require.True(t, ok)
	assert.Equal(t, "cam1#viewer1", sess.ID)

	_, ok = mgr.Get("missing#pair")
	assert.False(t, ok)
}
